package store

// Session is the single persisted authentication record. The credential
// column holds the sealed (encrypted) Telegram session blob; it is never
// stored in plaintext.
type Session struct {
	Phone      string
	Credential []byte
	CodeHash   string
	Status     string
	UpdatedAt  int64
}

// Message is an archived chat message. (ChatID, MsgID) is unique, which
// makes batch upserts idempotent across retried or resumed fetch runs.
type Message struct {
	ID           int64
	ChatID       int64
	MsgID        int64
	SenderID     int64
	SenderName   string
	Text         string
	SentAt       int64
	IsReply      bool
	ReplyToMsgID int64
}

// Checkpoint records how far the active fetch run has durably advanced.
// It is written in the same transaction as the batch it describes, so a
// resumed run continues exactly after the last committed message.
type Checkpoint struct {
	RunID       string
	ChatID      int64
	CursorMsgID int64
	UpdatedAt   int64
}
