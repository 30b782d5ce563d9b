package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/session"

	"github.com/tgvault/tgvault/internal/crypto"
	"github.com/tgvault/tgvault/internal/store"
)

// SealedStorage implements gotd's session.Storage over the encrypted
// singleton session row. The plaintext credential only ever exists in
// memory; the row stores the sealed blob.
type SealedStorage struct {
	db     *store.DB
	sealer *crypto.Sealer
}

// NewSealedStorage creates a session storage bound to db and sealer.
func NewSealedStorage(db *store.DB, sealer *crypto.Sealer) *SealedStorage {
	return &SealedStorage{db: db, sealer: sealer}
}

// LoadSession returns the decrypted credential. Reports
// session.ErrNotFound when no credential is stored, and an error
// wrapping crypto.ErrDecrypt when a stored credential is unreadable.
// Callers must treat the latter as an invalid session, not as absence.
func (s *SealedStorage) LoadSession(_ context.Context) ([]byte, error) {
	row, err := s.db.GetSession()
	if err != nil {
		return nil, fmt.Errorf("load session row: %w", err)
	}
	if row == nil || len(row.Credential) == 0 {
		return nil, session.ErrNotFound
	}
	return s.sealer.Open(row.Credential)
}

// StoreSession seals the credential and writes it to the session row,
// preserving the phone, code hash and status already recorded there.
func (s *SealedStorage) StoreSession(_ context.Context, data []byte) error {
	sealed, err := s.sealer.Seal(data)
	if err != nil {
		return fmt.Errorf("seal session: %w", err)
	}

	row, err := s.db.GetSession()
	if err != nil {
		return fmt.Errorf("load session row: %w", err)
	}
	if row == nil {
		row = &store.Session{Status: "empty"}
	}
	row.Credential = sealed
	row.UpdatedAt = time.Now().UnixMilli()
	return s.db.PutSession(row)
}
