package telegram

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/gotd/td/session"

	"github.com/tgvault/tgvault/internal/crypto"
	"github.com/tgvault/tgvault/internal/store"
)

func testStorage(t *testing.T, secret string) (*SealedStorage, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	sealer, err := crypto.NewSealer(secret)
	if err != nil {
		t.Fatal(err)
	}
	return NewSealedStorage(db, sealer), db
}

func TestLoadSessionAbsent(t *testing.T) {
	s, _ := testStorage(t, "secret")

	_, err := s.LoadSession(context.Background())
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("LoadSession() on empty db error = %v, want session.ErrNotFound", err)
	}
}

func TestStoreLoadRoundTrip(t *testing.T) {
	s, db := testStorage(t, "secret")

	credential := []byte("gotd-session-data")
	if err := s.StoreSession(context.Background(), credential); err != nil {
		t.Fatal(err)
	}

	// The row must hold ciphertext, not the plaintext credential.
	row, err := db.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	if row == nil || len(row.Credential) == 0 {
		t.Fatal("no credential stored")
	}
	if bytes.Contains(row.Credential, credential) {
		t.Error("stored credential contains plaintext")
	}

	got, err := s.LoadSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, credential) {
		t.Errorf("LoadSession() = %q, want %q", got, credential)
	}
}

func TestStorePreservesRowFields(t *testing.T) {
	s, db := testStorage(t, "secret")

	if err := db.PutSession(&store.Session{
		Phone:    "+15550100",
		CodeHash: "hash",
		Status:   "code_requested",
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.StoreSession(context.Background(), []byte("credential")); err != nil {
		t.Fatal(err)
	}

	row, err := db.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	if row.Phone != "+15550100" || row.CodeHash != "hash" || row.Status != "code_requested" {
		t.Errorf("row fields clobbered: %+v", row)
	}
}

func TestLoadSessionWrongKey(t *testing.T) {
	s, db := testStorage(t, "secret-one")
	if err := s.StoreSession(context.Background(), []byte("credential")); err != nil {
		t.Fatal(err)
	}

	otherSealer, err := crypto.NewSealer("secret-two")
	if err != nil {
		t.Fatal(err)
	}
	other := NewSealedStorage(db, otherSealer)

	_, err = other.LoadSession(context.Background())
	if !errors.Is(err, crypto.ErrDecrypt) {
		t.Errorf("LoadSession() with wrong key error = %v, want crypto.ErrDecrypt", err)
	}
	if errors.Is(err, session.ErrNotFound) {
		t.Error("decrypt failure must be distinguishable from absence")
	}
}
