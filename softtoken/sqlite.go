package softtoken

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	keywire "github.com/cardkit/ykauth/internal"
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS device (
		id      INTEGER PRIMARY KEY CHECK (id = 0),
		key     BLOB NOT NULL,
		retries INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		label     TEXT PRIMARY KEY,
		key       BLOB NOT NULL,
		algorithm INTEGER NOT NULL,
		touch     INTEGER NOT NULL,
		retries   INTEGER NOT NULL
	)`,
}

// SQLiteStore implements [Store] using a SQLite database, so retry
// counters and credentials survive daemon restarts.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at path and runs
// migrations. A fresh database is seeded with the given management key
// and retry count; an existing database keeps its state and ignores
// them.
func NewSQLiteStore(path string, key keywire.Key, retries int) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	if err := s.seed(key, retries); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) seed(key keywire.Key, retries int) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO device (id, key, retries) VALUES (0, ?, ?)`,
		key[:], retries)
	if err != nil {
		return fmt.Errorf("seed device: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Management key ---

func (s *SQLiteStore) ManagementKey(ctx context.Context) (keywire.Key, int, error) {
	var key keywire.Key
	var raw []byte
	var retries int

	err := s.db.QueryRowContext(ctx,
		`SELECT key, retries FROM device WHERE id = 0`).Scan(&raw, &retries)
	if err != nil {
		return key, 0, err
	}
	if len(raw) != len(key) {
		return key, 0, fmt.Errorf("stored management key is %d bytes", len(raw))
	}
	copy(key[:], raw)
	return key, retries, nil
}

func (s *SQLiteStore) SetManagementKey(ctx context.Context, key keywire.Key, retries int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE device SET key = ?, retries = ? WHERE id = 0`, key[:], retries)
	return err
}

func (s *SQLiteStore) SetManagementKeyRetries(ctx context.Context, retries int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE device SET retries = ? WHERE id = 0`, retries)
	return err
}

// --- Credentials ---

func (s *SQLiteStore) Credential(ctx context.Context, label string) (*CredentialRecord, error) {
	var record CredentialRecord
	var raw []byte
	var algorithm int
	var touch int

	err := s.db.QueryRowContext(ctx,
		`SELECT label, key, algorithm, touch, retries FROM credentials WHERE label = ?`, label).
		Scan(&record.Label, &raw, &algorithm, &touch, &record.Retries)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) != len(record.Key) {
		return nil, fmt.Errorf("stored credential key is %d bytes", len(raw))
	}
	copy(record.Key[:], raw)
	record.Algorithm = keywire.AlgorithmID(algorithm)
	record.TouchRequired = touch != 0
	return &record, nil
}

func (s *SQLiteStore) PutCredential(ctx context.Context, record CredentialRecord) error {
	touch := 0
	if record.TouchRequired {
		touch = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO credentials (label, key, algorithm, touch, retries)
		 VALUES (?, ?, ?, ?, ?)`,
		record.Label, record.Key[:], int(record.Algorithm), touch, record.Retries)
	return err
}

func (s *SQLiteStore) DeleteCredential(ctx context.Context, label string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE label = ?`, label)
	return err
}

func (s *SQLiteStore) ListCredentials(ctx context.Context) ([]CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT label, key, algorithm, touch, retries FROM credentials ORDER BY label`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var records []CredentialRecord
	for rows.Next() {
		var record CredentialRecord
		var raw []byte
		var algorithm int
		var touch int
		if err := rows.Scan(&record.Label, &raw, &algorithm, &touch, &record.Retries); err != nil {
			return nil, err
		}
		if len(raw) != len(record.Key) {
			return nil, fmt.Errorf("stored credential key is %d bytes", len(raw))
		}
		copy(record.Key[:], raw)
		record.Algorithm = keywire.AlgorithmID(algorithm)
		record.TouchRequired = touch != 0
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) RenameCredential(ctx context.Context, oldLabel, newLabel string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET label = ? WHERE label = ?`, newLabel, oldLabel)
	return err
}

func (s *SQLiteStore) SetCredentialRetries(ctx context.Context, label string, retries int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET retries = ? WHERE label = ?`, retries, label)
	return err
}

func (s *SQLiteStore) Reset(ctx context.Context, key keywire.Key, retries int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE device SET key = ?, retries = ? WHERE id = 0`, key[:], retries); err != nil {
		return err
	}
	return tx.Commit()
}
