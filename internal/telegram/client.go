package telegram

import (
	"context"

	"github.com/tgvault/tgvault/internal/store"
)

// Chat is a conversation summary from the dialog list. Chats are
// fetched on demand and never persisted.
type Chat struct {
	ID    int64
	Title string
}

// PageRequest asks for the next slice of a chat's history. Cursor is
// the highest message ID already consumed (exclusive); zero starts at
// the beginning of the chat.
type PageRequest struct {
	ChatID int64
	Cursor int64
	Limit  int
}

// Page is one slice of history. Messages holds the text messages in
// ascending message-ID order. Count and LastID describe the raw page
// before filtering (entry count and highest message ID), so callers
// paginate and detect end of history the way the service counts pages.
// Total is the service's estimate of the full history size, or zero
// when the service did not report one.
type Page struct {
	Messages []store.Message
	Count    int
	LastID   int64
	Total    int
}

// API is the set of Telegram operations the rest of the system
// consumes. Implementations are not safe for concurrent use; the
// connection supervisor serializes all calls.
type API interface {
	// SendCode asks Telegram to deliver a login code to phone and
	// returns the code hash needed to confirm it.
	SendCode(ctx context.Context, phone string) (codeHash string, err error)
	// SignIn completes the phone/code login. On success the session
	// credential has been handed to the configured session storage.
	SignIn(ctx context.Context, phone, code, codeHash string) error
	// ListChats returns the user's dialogs.
	ListChats(ctx context.Context) ([]Chat, error)
	// ResolveChat returns the dialog with the given ID.
	ResolveChat(ctx context.Context, chatID int64) (Chat, error)
	// HistoryPage fetches the next page of a chat's history.
	HistoryPage(ctx context.Context, req PageRequest) (Page, error)
}

// Client owns a Telegram connection. Run connects, then serves API
// calls through f until f returns or ctx is cancelled; the API value
// is only valid inside f.
type Client interface {
	Run(ctx context.Context, f func(ctx context.Context, api API) error) error
}
