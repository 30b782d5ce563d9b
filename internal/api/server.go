// Package api exposes the daemon's operations over a localhost HTTP
// JSON interface.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tgvault/tgvault/internal/auth"
	"github.com/tgvault/tgvault/internal/fetch"
	"github.com/tgvault/tgvault/internal/progress"
	"github.com/tgvault/tgvault/internal/supervisor"
	"github.com/tgvault/tgvault/internal/telegram"
)

// Server maps HTTP routes onto the auth controller, the fetcher and
// the progress tracker.
type Server struct {
	auth    *auth.Controller
	fetcher *fetch.Fetcher
	tracker *progress.Tracker
	logger  *zap.Logger
}

// NewServer creates the request layer.
func NewServer(a *auth.Controller, f *fetch.Fetcher, tr *progress.Tracker, logger *zap.Logger) *Server {
	return &Server{auth: a, fetcher: f, tracker: tr, logger: logger}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/request-code", s.handleRequestCode)
	mux.HandleFunc("POST /auth/confirm-code", s.handleConfirmCode)
	mux.HandleFunc("POST /auth/reset", s.handleReset)
	mux.HandleFunc("GET /auth/status", s.handleAuthStatus)
	mux.HandleFunc("GET /chats", s.handleChats)
	mux.HandleFunc("POST /fetch", s.handleStartFetch)
	mux.HandleFunc("GET /progress", s.handleProgress)
	mux.HandleFunc("GET /messages", s.handleMessages)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

type requestCodeRequest struct {
	Phone string `json:"phone"`
}

func (s *Server) handleRequestCode(w http.ResponseWriter, r *http.Request) {
	var req requestCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("phone is required"))
		return
	}
	if err := s.auth.RequestCode(r.Context(), req.Phone); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "code_requested"})
}

type confirmCodeRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

func (s *Server) handleConfirmCode(w http.ResponseWriter, r *http.Request) {
	var req confirmCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("phone and code are required"))
		return
	}
	if err := s.auth.ConfirmCode(r.Context(), req.Phone, req.Code); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "valid"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Reset(); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "empty"})
}

type authStatusResponse struct {
	Status string `json:"status"`
	Phone  string `json:"phone,omitempty"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	state, phone := s.auth.Status()
	writeJSON(w, http.StatusOK, authStatusResponse{Status: string(state), Phone: phone})
}

type chatResponse struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.fetcher.ListChats(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]chatResponse, 0, len(chats))
	for _, c := range chats {
		out = append(out, chatResponse{ID: c.ID, Title: c.Title})
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": out})
}

type startFetchRequest struct {
	ChatID int64  `json:"chat_id"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

func (s *Server) handleStartFetch(w http.ResponseWriter, r *http.Request) {
	var req startFetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("chat_id is required"))
		return
	}
	from, err := parseDate(req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("from: %w", err))
		return
	}
	to, err := parseDate(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("to: %w", err))
		return
	}
	if err := s.fetcher.StartFetch(req.ChatID, from, to); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type progressResponse struct {
	Status            string  `json:"status"`
	RunID             string  `json:"run_id,omitempty"`
	CurrentChat       string  `json:"current_chat,omitempty"`
	Fraction          float64 `json:"fraction"`
	MessagesProcessed int     `json:"messages_processed"`
	LastError         string  `json:"last_error,omitempty"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p := s.tracker.Snapshot()
	writeJSON(w, http.StatusOK, progressResponse{
		Status:            string(p.Status),
		RunID:             p.RunID,
		CurrentChat:       p.CurrentChat,
		Fraction:          p.Fraction,
		MessagesProcessed: p.MessagesProcessed,
		LastError:         p.LastError,
	})
}

type messageResponse struct {
	ChatID       int64  `json:"chat_id"`
	MsgID        int64  `json:"msg_id"`
	SenderID     int64  `json:"sender_id"`
	SenderName   string `json:"sender_name"`
	Text         string `json:"text"`
	SentAt       int64  `json:"sent_at"`
	IsReply      bool   `json:"is_reply,omitempty"`
	ReplyToMsgID int64  `json:"reply_to_msg_id,omitempty"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(r.URL.Query().Get("chat_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("chat_id is required"))
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := s.fetcher.GetMessages(chatID, offset, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ChatID:       m.ChatID,
			MsgID:        m.MsgID,
			SenderID:     m.SenderID,
			SenderName:   m.SenderName,
			Text:         m.Text,
			SentAt:       m.SentAt,
			IsReply:      m.IsReply,
			ReplyToMsgID: m.ReplyToMsgID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorResponse is the error envelope every failed call returns.
type errorResponse struct {
	Error   bool   `json:"error"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// writeDomainError maps the typed error taxonomy onto HTTP statuses. A
// flood wait carries a Retry-After header with the service's hint.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	if wait, ok := telegram.AsFloodWait(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds()+0.5)))
		writeError(w, http.StatusTooManyRequests, "rate_limited", err)
		return
	}

	var se *auth.StateError
	switch {
	case errors.As(err, &se):
		writeError(w, http.StatusConflict, "invalid_state", err)
	case errors.Is(err, fetch.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "already_running", err)
	case errors.Is(err, telegram.ErrInvalidPhone):
		writeError(w, http.StatusBadRequest, "invalid_phone", err)
	case errors.Is(err, telegram.ErrCodeInvalid):
		writeError(w, http.StatusBadRequest, "code_invalid", err)
	case errors.Is(err, telegram.ErrCodeExpired):
		writeError(w, http.StatusBadRequest, "code_expired", err)
	case errors.Is(err, telegram.ErrTwoFactorRequired):
		writeError(w, http.StatusForbidden, "two_factor_required", err)
	case errors.Is(err, telegram.ErrAuthInvalid):
		writeError(w, http.StatusUnauthorized, "auth_invalid", err)
	case errors.Is(err, supervisor.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "circuit_open", err)
	case errors.Is(err, supervisor.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err)
	case errors.Is(err, telegram.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout", err)
	case errors.Is(err, telegram.ErrUnreachable):
		writeError(w, http.StatusBadGateway, "unreachable", err)
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

func writeError(w http.ResponseWriter, status int, typ string, err error) {
	writeJSON(w, status, errorResponse{Error: true, Type: typ, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// parseDate accepts RFC 3339 timestamps or bare dates. Empty means
// unbounded.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
