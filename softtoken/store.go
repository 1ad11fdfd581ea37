// Package softtoken emulates a security token in software. It speaks
// the same wire protocol as real hardware, including the device side
// of the encrypted session channel, and enforces the retry-counter
// state machine for the management key and every stored credential.
//
// A [Token] implements the connector interface directly for in-process
// use (this is how the ykauth package tests itself), and backs the
// softtokend HTTP daemon for out-of-process use. Persistence is
// pluggable via [Store]; see [MemStore] and [SQLiteStore].
package softtoken

import (
	"context"
	"sort"
	"sync"

	keywire "github.com/cardkit/ykauth/internal"
)

const (
	storeError = Error("softtoken store error")
)

// Error is a simple constant-string error.
type Error string

func (e Error) Error() string {
	return string(e)
}

// CredentialRecord is a stored credential with its secret and retry
// state. Only the emulator sees the secret; list responses carry
// metadata alone.
type CredentialRecord struct {
	Label         string
	Key           keywire.Key
	Algorithm     keywire.AlgorithmID
	TouchRequired bool
	Retries       int
}

// Store persists the emulated device state: the management key slot
// and the credential list, each with its retry counter. Retry
// counters are the only state which must survive across sessions, so
// every mutation is persisted immediately.
type Store interface {
	// ManagementKey returns the management key and its remaining
	// retry count.
	ManagementKey(ctx context.Context) (keywire.Key, int, error)

	// SetManagementKey replaces the management key and retry count.
	SetManagementKey(ctx context.Context, key keywire.Key, retries int) error

	// SetManagementKeyRetries updates only the retry counter.
	SetManagementKeyRetries(ctx context.Context, retries int) error

	// Credential returns the named credential, or nil when absent.
	Credential(ctx context.Context, label string) (*CredentialRecord, error)

	// PutCredential inserts a credential. The caller has already
	// checked for duplicates.
	PutCredential(ctx context.Context, record CredentialRecord) error

	// DeleteCredential removes the named credential.
	DeleteCredential(ctx context.Context, label string) error

	// ListCredentials returns all credentials ordered by label.
	ListCredentials(ctx context.Context) ([]CredentialRecord, error)

	// RenameCredential relabels a credential in place.
	RenameCredential(ctx context.Context, oldLabel, newLabel string) error

	// SetCredentialRetries updates a credential's retry counter.
	SetCredentialRetries(ctx context.Context, label string, retries int) error

	// Reset restores factory state: all credentials destroyed and
	// the management key replaced.
	Reset(ctx context.Context, key keywire.Key, retries int) error

	Close() error
}

// MemStore is an in-memory [Store]. The zero value is not usable;
// create one with [NewMemStore].
type MemStore struct {
	mu          sync.Mutex
	key         keywire.Key
	keyRetries  int
	credentials map[string]*CredentialRecord
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates a memory-backed store initialized with the
// given management key and retry count.
func NewMemStore(key keywire.Key, retries int) *MemStore {
	return &MemStore{
		key:         key,
		keyRetries:  retries,
		credentials: make(map[string]*CredentialRecord),
	}
}

func (m *MemStore) ManagementKey(context.Context) (keywire.Key, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key, m.keyRetries, nil
}

func (m *MemStore) SetManagementKey(_ context.Context, key keywire.Key, retries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = key
	m.keyRetries = retries
	return nil
}

func (m *MemStore) SetManagementKeyRetries(_ context.Context, retries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyRetries = retries
	return nil
}

func (m *MemStore) Credential(_ context.Context, label string) (*CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.credentials[label]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (m *MemStore) PutCredential(_ context.Context, record CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[record.Label] = &record
	return nil
}

func (m *MemStore) DeleteCredential(_ context.Context, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.credentials, label)
	return nil
}

func (m *MemStore) ListCredentials(context.Context) ([]CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]CredentialRecord, 0, len(m.credentials))
	for _, record := range m.credentials {
		records = append(records, *record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Label < records[j].Label
	})
	return records, nil
}

func (m *MemStore) RenameCredential(_ context.Context, oldLabel, newLabel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.credentials[oldLabel]
	if !ok {
		return storeError
	}
	record.Label = newLabel
	delete(m.credentials, oldLabel)
	m.credentials[newLabel] = record
	return nil
}

func (m *MemStore) SetCredentialRetries(_ context.Context, label string, retries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.credentials[label]
	if !ok {
		return storeError
	}
	record.Retries = retries
	return nil
}

func (m *MemStore) Reset(_ context.Context, key keywire.Key, retries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = key
	m.keyRetries = retries
	m.credentials = make(map[string]*CredentialRecord)
	return nil
}

func (m *MemStore) Close() error {
	return nil
}
