package softtoken

import (
	"context"
	"path/filepath"
	"testing"

	keywire "github.com/cardkit/ykauth/internal"
)

func TestSQLiteStorePersistence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "token.db")

	store, err := NewSQLiteStore(path, FactoryKey(), DefaultRetries)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	if err := store.SetManagementKeyRetries(ctx, 3); err != nil {
		t.Fatalf("SetManagementKeyRetries: %v", err)
	}
	err = store.PutCredential(ctx, CredentialRecord{
		Label:         "persisted",
		Key:           keywire.Key{1, 2, 3},
		Algorithm:     keywire.AlgorithmAES128,
		TouchRequired: true,
		Retries:       5,
	})
	if err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	t.Log("reopening must keep state; the seed values only apply to a fresh database")
	store, err = NewSQLiteStore(path, keywire.Key{0xff}, DefaultRetries)
	if err != nil {
		t.Fatalf("NewSQLiteStore reopen: %v", err)
	}
	defer store.Close() //nolint:errcheck

	key, retries, err := store.ManagementKey(ctx)
	if err != nil {
		t.Fatalf("ManagementKey: %v", err)
	}
	if key != FactoryKey() {
		t.Error("management key lost across reopen")
	}
	if retries != 3 {
		t.Errorf("management retries %d != 3 across reopen", retries)
	}

	record, err := store.Credential(ctx, "persisted")
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if record == nil {
		t.Fatal("credential lost across reopen")
	}
	if record.Key != (keywire.Key{1, 2, 3}) || !record.TouchRequired || record.Retries != 5 {
		t.Errorf("credential state mangled: %+v", record)
	}

	if err := store.RenameCredential(ctx, "persisted", "renamed"); err != nil {
		t.Fatalf("RenameCredential: %v", err)
	}
	records, err := store.ListCredentials(ctx)
	if err != nil {
		t.Fatalf("ListCredentials: %v", err)
	}
	if len(records) != 1 || records[0].Label != "renamed" {
		t.Errorf("unexpected credentials after rename: %v", records)
	}

	if err := store.Reset(ctx, FactoryKey(), DefaultRetries); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	records, err = store.ListCredentials(ctx)
	if err != nil {
		t.Fatalf("ListCredentials: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("factory reset left credentials behind: %v", records)
	}
	_, retries, err = store.ManagementKey(ctx)
	if err != nil {
		t.Fatalf("ManagementKey: %v", err)
	}
	if retries != DefaultRetries {
		t.Errorf("factory reset left %d retries", retries)
	}
}

func TestTokenPlaintextCommands(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	token := NewMemory()

	send := func(t *testing.T, cmd []byte) []byte {
		t.Helper()
		rsp, err := token.SendCommand(ctx, cmd)
		if err != nil {
			t.Fatalf("SendCommand: %v", err)
		}
		return rsp
	}

	t.Run("echo", func(t *testing.T) {
		rsp := send(t, []byte{byte(keywire.CommandEcho), 0, 2, 0xaa, 0xbb})
		want := []byte{byte(keywire.ResponseEcho), 0, 2, 0xaa, 0xbb}
		if string(rsp) != string(want) {
			t.Errorf("echo response %x != %x", rsp, want)
		}
	})

	t.Run("unknown command", func(t *testing.T) {
		rsp := send(t, []byte{0x6e, 0, 0})
		if rsp[0] != 0x7f || rsp[3] != byte(keywire.ErrCodeUnknownCommand) {
			t.Errorf("unexpected response %x", rsp)
		}
	})

	t.Run("truncated frame", func(t *testing.T) {
		rsp := send(t, []byte{byte(keywire.CommandEcho), 0, 9, 1})
		if rsp[0] != 0x7f || rsp[3] != byte(keywire.ErrCodeWrongLength) {
			t.Errorf("unexpected response %x", rsp)
		}
	})

	t.Run("credential command needs a session", func(t *testing.T) {
		rsp := send(t, []byte{byte(keywire.CommandListCredentials), 0, 0})
		if rsp[0] != 0x7f || rsp[3] != byte(keywire.ErrCodeAuthRequired) {
			t.Errorf("unexpected response %x", rsp)
		}
	})

	t.Run("management retries", func(t *testing.T) {
		rsp := send(t, []byte{byte(keywire.CommandGetRetries), 0, 1, byte(keywire.RetrySlotManagementKey)})
		want := []byte{byte(keywire.CommandGetRetries | keywire.CommandResponse), 0, 1, DefaultRetries}
		if string(rsp) != string(want) {
			t.Errorf("retries response %x != %x", rsp, want)
		}
	})
}
