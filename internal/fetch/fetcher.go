// Package fetch drives the resumable message retrieval pipeline.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tgvault/tgvault/internal/bus"
	"github.com/tgvault/tgvault/internal/progress"
	"github.com/tgvault/tgvault/internal/store"
	"github.com/tgvault/tgvault/internal/supervisor"
	"github.com/tgvault/tgvault/internal/telegram"
)

var (
	// ErrAlreadyRunning is returned by StartFetch while a run is active.
	ErrAlreadyRunning = errors.New("a fetch run is already in progress")
	// ErrCancelled marks a run that was stopped by Reset or shutdown.
	ErrCancelled = errors.New("fetch cancelled")
	// ErrStorage marks a run that failed persisting a batch.
	ErrStorage = errors.New("storage failure")
)

// Invalidator flags the stored credential after the service rejects it.
type Invalidator interface {
	MarkInvalid()
}

// Config holds fetch pipeline tuning.
type Config struct {
	BatchSize   int
	PageTimeout time.Duration
	PageRetries int
	RetryBase   time.Duration
	PagePause   time.Duration
}

// withDefaults fills unset fields with production values.
func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 30 * time.Second
	}
	if c.PageRetries <= 0 {
		c.PageRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	// PagePause may legitimately be zero in tests.
	return c
}

// Fetcher retrieves a chat's history page by page into the store. At
// most one run is active per process; progress is observable through
// the tracker while the run owns the write side.
type Fetcher struct {
	db          *store.DB
	sup         *supervisor.Supervisor
	tracker     *progress.Tracker
	bus         *bus.Bus
	invalidator Invalidator
	cfg         Config
	logger      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a fetcher. bus and invalidator may be nil.
func New(db *store.DB, sup *supervisor.Supervisor, tracker *progress.Tracker, b *bus.Bus, inv Invalidator, cfg Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		db:          db,
		sup:         sup,
		tracker:     tracker,
		bus:         b,
		invalidator: inv,
		cfg:         cfg.withDefaults(),
		logger:      logger,
	}
}

// StartFetch launches a background run for the given chat and optional
// date range (zero time means unbounded on that side). Returns
// ErrAlreadyRunning while a run is active; the active run is untouched.
func (f *Fetcher) StartFetch(chatID int64, from, to time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	runID, ok := f.tracker.Begin(fmt.Sprintf("chat %d", chatID))
	if !ok {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	f.cancel, f.done = cancel, done

	go func() {
		defer close(done)
		defer cancel()
		f.run(ctx, runID, chatID, from, to)
	}()
	return nil
}

// Cancel requests cooperative cancellation of the active run and waits
// for it to exit. No-op when idle.
func (f *Fetcher) Cancel() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the active run exits. No-op when idle.
func (f *Fetcher) Wait() {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	if done != nil {
		<-done
	}
}

// GetMessages reads persisted messages, independent of fetch state.
func (f *Fetcher) GetMessages(chatID int64, offset, limit int) ([]store.Message, error) {
	return f.db.ListMessages(chatID, offset, limit)
}

// ListChats returns the user's dialogs from the service.
func (f *Fetcher) ListChats(ctx context.Context) ([]telegram.Chat, error) {
	var chats []telegram.Chat
	err := f.sup.Do(ctx, f.cfg.PageTimeout, func(ctx context.Context, api telegram.API) error {
		var err error
		chats, err = api.ListChats(ctx)
		return err
	})
	return chats, err
}

// run is the body of one fetch run. It terminates the tracker record
// exactly once, with Completed only when every page in range was
// consumed and durably persisted.
func (f *Fetcher) run(ctx context.Context, runID string, chatID int64, from, to time.Time) {
	log := f.logger.With(zap.String("run_id", runID), zap.Int64("chat_id", chatID))

	chat, err := f.resolveChat(ctx, chatID)
	if err != nil {
		f.fail(log, err)
		return
	}
	f.tracker.SetChat(chat.Title)

	// Resume exactly after the last committed batch of an earlier run
	// for the same chat. The checkpoint advances in the same transaction
	// as each batch, so the cursor never points into an uncommitted
	// page.
	var cursor int64
	cp, err := f.db.GetCheckpoint()
	if err != nil {
		f.fail(log, fmt.Errorf("%w: %v", ErrStorage, err))
		return
	}
	if cp != nil && cp.ChatID == chatID {
		cursor = cp.CursorMsgID
		log.Info("resuming from checkpoint", zap.Int64("cursor", cursor))
	}

	var (
		fromSec, toSec int64
		processed      int
		pages          int
	)
	if !from.IsZero() {
		fromSec = from.Unix()
	}
	if !to.IsZero() {
		toSec = to.Unix()
	}

	for {
		if ctx.Err() != nil {
			f.fail(log, ErrCancelled)
			return
		}

		page, err := f.fetchPage(ctx, log, telegram.PageRequest{
			ChatID: chatID,
			Cursor: cursor,
			Limit:  f.cfg.BatchSize,
		})
		if err != nil {
			f.fail(log, err)
			return
		}
		pages++

		// End of history and the cursor are judged on the raw page,
		// not on the filtered messages: a page of service entries or
		// media still advances the cursor and does not end the run.
		if page.Count == 0 || page.LastID <= cursor {
			f.complete(log, processed)
			return
		}

		kept, pastEnd := filterRange(page.Messages, fromSec, toSec)
		cursor = page.LastID

		// The checkpoint advances with the batch even when the whole
		// page fell outside the range, so a resume never re-reads it.
		if err := f.db.UpsertBatch(kept, &store.Checkpoint{
			RunID:       runID,
			ChatID:      chatID,
			CursorMsgID: cursor,
		}); err != nil {
			f.fail(log, fmt.Errorf("%w: %v", ErrStorage, err))
			return
		}

		processed += len(kept)
		f.tracker.Advance(len(kept), fraction(processed, page.Total, pages))
		f.publish(bus.FetchBatchPersisted, batchEvent{
			RunID:  runID,
			ChatID: chatID,
			Count:  len(kept),
			Cursor: cursor,
		})
		log.Debug("batch persisted", zap.Int("count", len(kept)), zap.Int64("cursor", cursor))

		if pastEnd || page.Count < f.cfg.BatchSize {
			f.complete(log, processed)
			return
		}

		// Pacing between pages keeps us under the service's flood
		// threshold.
		if !f.sleep(ctx, f.cfg.PagePause) {
			f.fail(log, ErrCancelled)
			return
		}
	}
}

// fetchPage retrieves one history page, absorbing flood waits and
// retrying transient failures a bounded number of times. Auth
// rejections and an open circuit are surfaced immediately.
func (f *Fetcher) fetchPage(ctx context.Context, log *zap.Logger, req telegram.PageRequest) (telegram.Page, error) {
	retries := 0
	delay := f.cfg.RetryBase
	for {
		var page telegram.Page
		err := f.sup.Do(ctx, f.cfg.PageTimeout, func(ctx context.Context, api telegram.API) error {
			var err error
			page, err = api.HistoryPage(ctx, req)
			return err
		})
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return telegram.Page{}, ErrCancelled
		}

		if wait, ok := telegram.AsFloodWait(err); ok {
			log.Warn("flood wait, suspending run", zap.Duration("retry_after", wait))
			f.publish(bus.FetchFloodWait, wait)
			if !f.sleep(ctx, wait) {
				return telegram.Page{}, ErrCancelled
			}
			continue
		}
		if errors.Is(err, supervisor.ErrCircuitOpen) || telegram.IsAuthErr(err) {
			if errors.Is(err, telegram.ErrAuthInvalid) && f.invalidator != nil {
				f.invalidator.MarkInvalid()
			}
			return telegram.Page{}, err
		}

		retries++
		if retries > f.cfg.PageRetries {
			return telegram.Page{}, err
		}
		log.Warn("page fetch failed, retrying", zap.Error(err), zap.Int("retry", retries))
		if !f.sleep(ctx, delay) {
			return telegram.Page{}, ErrCancelled
		}
		delay *= 2
	}
}

func (f *Fetcher) resolveChat(ctx context.Context, chatID int64) (telegram.Chat, error) {
	var chat telegram.Chat
	err := f.sup.Do(ctx, f.cfg.PageTimeout, func(ctx context.Context, api telegram.API) error {
		var err error
		chat, err = api.ResolveChat(ctx, chatID)
		return err
	})
	if err != nil && ctx.Err() != nil {
		return telegram.Chat{}, ErrCancelled
	}
	return chat, err
}

func (f *Fetcher) complete(log *zap.Logger, processed int) {
	if err := f.db.ClearCheckpoint(); err != nil {
		log.Error("clear checkpoint", zap.Error(err))
	}
	f.tracker.Complete()
	f.publish(bus.FetchCompleted, processed)
	log.Info("fetch completed", zap.Int("messages", processed))
}

// fail records the terminal state: Cancelled for a requested stop,
// Failed with the error for everything else.
func (f *Fetcher) fail(log *zap.Logger, err error) {
	if errors.Is(err, ErrCancelled) {
		f.tracker.Cancel()
		f.publish(bus.FetchCancelled, nil)
		log.Info("fetch cancelled")
		return
	}
	f.tracker.Fail(err)
	f.publish(bus.FetchFailed, err.Error())
	log.Warn("fetch failed", zap.Error(err))
}

func (f *Fetcher) publish(kind bus.Kind, payload any) {
	if f.bus == nil {
		return
	}
	f.bus.Publish(bus.Event{Kind: kind, Payload: payload})
}

// sleep waits for d or until ctx is cancelled. Reports whether the full
// duration elapsed.
func (f *Fetcher) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// batchEvent is the payload for fetch.batch_persisted events.
type batchEvent struct {
	RunID  string
	ChatID int64
	Count  int
	Cursor int64
}

// filterRange keeps messages inside [fromSec, toSec] (zero means
// unbounded) and reports whether the page crossed past the upper bound,
// which ends the run since pages arrive in ascending order.
func filterRange(msgs []store.Message, fromSec, toSec int64) ([]store.Message, bool) {
	kept := make([]store.Message, 0, len(msgs))
	pastEnd := false
	for _, m := range msgs {
		if fromSec > 0 && m.SentAt < fromSec {
			continue
		}
		if toSec > 0 && m.SentAt > toSec {
			pastEnd = true
			continue
		}
		kept = append(kept, m)
	}
	return kept, pastEnd
}

// fraction estimates run completion. With a known total it is exact;
// otherwise a page-count heuristic approaches but never reaches 1.
func fraction(processed, total, pages int) float64 {
	if total > 0 {
		return float64(processed) / float64(total)
	}
	return float64(pages) / float64(pages+1)
}
