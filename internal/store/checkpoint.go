package store

import (
	"database/sql"
	"errors"
)

// GetCheckpoint returns the persisted fetch checkpoint, or nil if none.
func (db *DB) GetCheckpoint() (*Checkpoint, error) {
	row := db.QueryRow(`
		SELECT run_id, chat_id, cursor_msg_id, updated_at
		FROM fetch_checkpoint WHERE id = 1`)

	var cp Checkpoint
	err := row.Scan(&cp.RunID, &cp.ChatID, &cp.CursorMsgID, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ClearCheckpoint removes the fetch checkpoint. Called when a run
// completes so the next run starts from the beginning of its range.
func (db *DB) ClearCheckpoint() error {
	return withWriteRetry(func() error {
		_, err := db.Exec(`DELETE FROM fetch_checkpoint WHERE id = 1`)
		return err
	})
}
