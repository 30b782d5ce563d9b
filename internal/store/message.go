package store

import (
	"fmt"
	"time"
)

// UpsertBatch persists a batch of messages and, when cp is non-nil,
// advances the fetch checkpoint in the same transaction. Either the
// whole batch and its checkpoint commit together or nothing does, so a
// crash or retry never leaves a partial batch behind.
func (db *DB) UpsertBatch(msgs []Message, cp *Checkpoint) error {
	return withWriteRetry(func() error {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UnixMilli()
		for _, m := range msgs {
			if _, err := tx.Exec(`
				INSERT INTO messages (chat_id, msg_id, sender_id, sender_name, text, sent_at, is_reply, reply_to_msg_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(chat_id, msg_id) DO UPDATE SET
					sender_name = excluded.sender_name,
					text = excluded.text`,
				m.ChatID, m.MsgID, m.SenderID, m.SenderName, m.Text, m.SentAt, m.IsReply, m.ReplyToMsgID, now); err != nil {
				return fmt.Errorf("upsert message %d/%d: %w", m.ChatID, m.MsgID, err)
			}
		}

		if cp != nil {
			if _, err := tx.Exec(`
				INSERT INTO fetch_checkpoint (id, run_id, chat_id, cursor_msg_id, updated_at)
				VALUES (1, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					run_id = excluded.run_id,
					chat_id = excluded.chat_id,
					cursor_msg_id = excluded.cursor_msg_id,
					updated_at = excluded.updated_at`,
				cp.RunID, cp.ChatID, cp.CursorMsgID, now); err != nil {
				return fmt.Errorf("advance checkpoint: %w", err)
			}
		}

		return tx.Commit()
	})
}

// ListMessages returns messages for a chat in ascending sent_at order
// using offset pagination. Safe to call while a fetch run is writing.
func (db *DB) ListMessages(chatID int64, offset, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.Query(`
		SELECT id, chat_id, msg_id, sender_id, sender_name, text, sent_at, is_reply, reply_to_msg_id
		FROM messages
		WHERE chat_id = ?
		ORDER BY sent_at ASC, msg_id ASC
		LIMIT ? OFFSET ?`, chatID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.MsgID, &m.SenderID, &m.SenderName, &m.Text, &m.SentAt, &m.IsReply, &m.ReplyToMsgID); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of archived messages for a chat.
func (db *DB) CountMessages(chatID int64) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&n)
	return n, err
}
