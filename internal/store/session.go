package store

import (
	"database/sql"
	"errors"
	"time"
)

// GetSession returns the singleton session row, or nil if none exists.
func (db *DB) GetSession() (*Session, error) {
	row := db.QueryRow(`
		SELECT phone, credential, code_hash, status, updated_at
		FROM sessions WHERE id = 1`)

	var s Session
	var credential []byte
	err := row.Scan(&s.Phone, &credential, &s.CodeHash, &s.Status, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Credential = credential
	return &s, nil
}

// PutSession inserts or replaces the singleton session row.
func (db *DB) PutSession(s *Session) error {
	return withWriteRetry(func() error {
		_, err := db.Exec(`
			INSERT INTO sessions (id, phone, credential, code_hash, status, updated_at)
			VALUES (1, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				phone = excluded.phone,
				credential = excluded.credential,
				code_hash = excluded.code_hash,
				status = excluded.status,
				updated_at = excluded.updated_at`,
			s.Phone, s.Credential, s.CodeHash, s.Status, time.Now().UnixMilli())
		return err
	})
}

// ClearSession deletes the singleton session row. No-op if absent.
func (db *DB) ClearSession() error {
	return withWriteRetry(func() error {
		_, err := db.Exec(`DELETE FROM sessions WHERE id = 1`)
		return err
	})
}
