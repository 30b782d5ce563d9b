package telegram

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/gotd/td/session"
	tgclient "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"

	"github.com/tgvault/tgvault/internal/store"
)

// GotdClient implements Client using gotd/td. Each Run call builds a
// fresh *telegram.Client so a reconnect never reuses a connection in
// an unknown state; the session credential persists across runs via
// the configured session storage.
type GotdClient struct {
	apiID   int
	apiHash string
	storage session.Storage
	logger  *zap.Logger

	mu        sync.Mutex
	peerCache map[int64]tg.InputPeerClass
}

// NewGotdClient creates a Telegram client backed by gotd/td.
func NewGotdClient(apiID int, apiHash string, storage session.Storage, logger *zap.Logger) *GotdClient {
	return &GotdClient{
		apiID:     apiID,
		apiHash:   apiHash,
		storage:   storage,
		logger:    logger,
		peerCache: make(map[int64]tg.InputPeerClass),
	}
}

// Run connects to Telegram and serves API calls through f.
func (c *GotdClient) Run(ctx context.Context, f func(ctx context.Context, api API) error) error {
	client := tgclient.NewClient(c.apiID, c.apiHash, tgclient.Options{
		Logger:         c.logger.Named("gotd"),
		SessionStorage: c.storage,
	})

	return client.Run(ctx, func(ctx context.Context) error {
		return f(ctx, &gotdAPI{
			client: client,
			raw:    client.API(),
			parent: c,
		})
	})
}

type gotdAPI struct {
	client *tgclient.Client
	raw    *tg.Client
	parent *GotdClient
}

func (a *gotdAPI) SendCode(ctx context.Context, phone string) (string, error) {
	sent, err := a.client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return "", Classify(err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return "", fmt.Errorf("%w: unexpected send code result %T", ErrUnreachable, sent)
	}
	return code.PhoneCodeHash, nil
}

func (a *gotdAPI) SignIn(ctx context.Context, phone, code, codeHash string) error {
	// On success gotd hands the fresh credential to the session
	// storage before returning.
	_, err := a.client.Auth().SignIn(ctx, phone, code, codeHash)
	if err != nil {
		return Classify(err)
	}
	return nil
}

func (a *gotdAPI) ListChats(ctx context.Context) ([]Chat, error) {
	iter := dialogs.NewQueryBuilder(a.raw).GetDialogs().BatchSize(100).Iter()

	var chats []Chat
	for iter.Next(ctx) {
		elem := iter.Value()
		id := peerID(elem.Peer)
		if id == 0 {
			continue
		}
		a.parent.cachePeer(id, elem.Peer)
		chats = append(chats, Chat{ID: id, Title: titleFromElem(elem)})
	}
	if err := iter.Err(); err != nil {
		return nil, Classify(err)
	}
	return chats, nil
}

func (a *gotdAPI) ResolveChat(ctx context.Context, chatID int64) (Chat, error) {
	chats, err := a.ListChats(ctx)
	if err != nil {
		return Chat{}, err
	}
	for _, ch := range chats {
		if ch.ID == chatID {
			return ch, nil
		}
	}
	return Chat{}, fmt.Errorf("chat %d not found in dialog list", chatID)
}

func (a *gotdAPI) HistoryPage(ctx context.Context, req PageRequest) (Page, error) {
	peer := a.parent.findPeer(req.ChatID)
	if peer == nil {
		// Populate the peer cache from the dialog list on first use.
		if _, err := a.ListChats(ctx); err != nil {
			return Page{}, err
		}
		if peer = a.parent.findPeer(req.ChatID); peer == nil {
			return Page{}, fmt.Errorf("unknown peer: %d", req.ChatID)
		}
	}

	result, err := a.raw.MessagesGetHistory(ctx, historyRequest(peer, req.Cursor, req.Limit))
	if err != nil {
		return Page{}, Classify(err)
	}
	return convertHistory(result, req.Cursor)
}

// historyRequest addresses the window of limit messages strictly above
// cursor. GetHistory anchors its window below OffsetID and a negative
// AddOffset swings it up, so the anchor is cursor+1: the window then
// covers the limit oldest messages with IDs above the cursor. An
// anchor of zero would be read by the service as "the latest message"
// and place the window above the end of the history.
func historyRequest(peer tg.InputPeerClass, cursor int64, limit int) *tg.MessagesGetHistoryRequest {
	return &tg.MessagesGetHistoryRequest{
		Peer:      peer,
		OffsetID:  int(cursor) + 1,
		AddOffset: -limit,
		Limit:     limit,
		MinID:     int(cursor),
	}
}

// convertHistory flattens a history response into a Page. Count and
// LastID describe the raw page exactly as the service produced it;
// Messages keeps only the text messages above cursor, ascending.
func convertHistory(result tg.MessagesMessagesClass, cursor int64) (Page, error) {
	var (
		raw   []tg.MessageClass
		users []tg.UserClass
		total int
	)
	switch r := result.(type) {
	case *tg.MessagesMessages:
		raw, users, total = r.Messages, r.Users, len(r.Messages)
	case *tg.MessagesMessagesSlice:
		raw, users, total = r.Messages, r.Users, r.Count
	case *tg.MessagesChannelMessages:
		raw, users, total = r.Messages, r.Users, r.Count
	default:
		return Page{}, fmt.Errorf("%w: unexpected messages type %T", ErrUnreachable, result)
	}

	userMap := make(map[int64]*tg.User, len(users))
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			userMap[user.ID] = user
		}
	}

	var page Page
	page.Total = total
	page.Count = len(raw)
	for _, m := range raw {
		var id int64
		switch v := m.(type) {
		case *tg.Message:
			id = int64(v.ID)
			if v.Message != "" && id > cursor {
				page.Messages = append(page.Messages, convertMessage(v, userMap))
			}
		case *tg.MessageService:
			id = int64(v.ID)
		}
		if id > page.LastID {
			page.LastID = id
		}
	}
	sort.Slice(page.Messages, func(i, j int) bool {
		return page.Messages[i].MsgID < page.Messages[j].MsgID
	})
	return page, nil
}

func convertMessage(msg *tg.Message, users map[int64]*tg.User) store.Message {
	var senderID int64
	var senderName string

	switch p := msg.FromID.(type) {
	case *tg.PeerUser:
		senderID = p.UserID
	case *tg.PeerChat:
		senderID = p.ChatID
	case *tg.PeerChannel:
		senderID = p.ChannelID
	}
	// In DMs FromID is often absent; fall back to the chat peer.
	if senderID == 0 {
		if p, ok := msg.PeerID.(*tg.PeerUser); ok {
			senderID = p.UserID
		}
	}
	if u, ok := users[senderID]; ok {
		senderName = formatUserName(u)
	}

	var chatID int64
	switch p := msg.PeerID.(type) {
	case *tg.PeerUser:
		chatID = p.UserID
	case *tg.PeerChat:
		chatID = p.ChatID
	case *tg.PeerChannel:
		chatID = p.ChannelID
	}

	out := store.Message{
		ChatID:     chatID,
		MsgID:      int64(msg.ID),
		SenderID:   senderID,
		SenderName: senderName,
		Text:       msg.Message,
		SentAt:     int64(msg.Date),
	}
	if reply, ok := msg.ReplyTo.(*tg.MessageReplyHeader); ok {
		out.IsReply = true
		out.ReplyToMsgID = int64(reply.ReplyToMsgID)
	}
	return out
}

func (c *GotdClient) findPeer(chatID int64) tg.InputPeerClass {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerCache[chatID]
}

func (c *GotdClient) cachePeer(chatID int64, peer tg.InputPeerClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerCache[chatID] = peer
}

func peerID(peer tg.InputPeerClass) int64 {
	switch p := peer.(type) {
	case *tg.InputPeerUser:
		return p.UserID
	case *tg.InputPeerChat:
		return p.ChatID
	case *tg.InputPeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

func titleFromElem(elem dialogs.Elem) string {
	entities := elem.Entities
	switch p := elem.Dialog.GetPeer().(type) {
	case *tg.PeerUser:
		if u, ok := entities.User(p.UserID); ok {
			return formatUserName(u)
		}
	case *tg.PeerChat:
		if ch, ok := entities.Chat(p.ChatID); ok {
			return ch.Title
		}
	case *tg.PeerChannel:
		if ch, ok := entities.Channel(p.ChannelID); ok {
			return ch.Title
		}
	}
	return "Unknown"
}

func formatUserName(u *tg.User) string {
	if u.FirstName != "" && u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	if u.Username != "" {
		return u.Username
	}
	return "Unknown"
}
