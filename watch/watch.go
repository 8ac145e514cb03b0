// Package watch runs the polling scheduler. Each registration polls
// its target on its own goroutine and cadence, detects activity that
// has not been delivered before, and hands events to its handler.
// Delivery is recorded in the dedup store only after the handler
// succeeds, so a crash at any point re-delivers rather than drops.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"forumwatch/pkg/forum"
)

// Default poll cadences per watch family. Threads and credits move
// fastest.
const (
	DefaultThreadInterval  = time.Minute
	DefaultForumInterval   = 2 * time.Minute
	DefaultUserInterval    = 2 * time.Minute
	DefaultKeywordInterval = 2 * time.Minute
	DefaultCreditInterval  = time.Minute
	DefaultInboxInterval   = time.Minute
)

// DefaultPruneKeep is how many dedup records each scope keeps after a
// delivery burst.
const DefaultPruneKeep = 500

// Dedup store namespaces, one per watch family. Keyword watches use
// two so thread and post ids cannot collide.
const (
	nsThreadReplies  = "thread_replies"
	nsForumThreads   = "forum_threads"
	nsUserThreads    = "user_threads"
	nsUserPosts      = "user_posts"
	nsKeywordThreads = "keyword_threads"
	nsKeywordPosts   = "keyword_posts"
	nsCredits        = "credit_received"
)

// Lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("watcher already started")
	ErrStopped        = errors.New("watcher stopped")
)

// Handler consumes one event. A non-nil return means the event was
// not delivered; it stays unmarked and is attempted again next poll.
type Handler func(ctx context.Context, ev forum.Event) error

// ErrorHandler receives poll and delivery failures. It must not block.
type ErrorHandler func(kind forum.Kind, err error)

// Source is the read surface the poll loops draw from.
type Source interface {
	Identity(ctx context.Context) (forum.Me, error)
	ThreadStatus(ctx context.Context, tid int64) (forum.Thread, error)
	ThreadPosts(ctx context.Context, tid int64, page, perPage int) ([]forum.Post, error)
	ForumThreads(ctx context.Context, fid int64) ([]forum.Thread, error)
	UserThreads(ctx context.Context, uid int64, page, perPage int) ([]forum.Thread, error)
	UserPosts(ctx context.Context, uid int64, page, perPage int) ([]forum.Post, error)
	CreditsReceived(ctx context.Context, uid int64, perPage int) ([]forum.CreditTx, error)
}

// Store is the durable dedup record.
type Store interface {
	AddIfNew(namespace, scope, id string) (bool, error)
	FilterNew(namespace, scope string, ids []string) ([]string, error)
	AddMany(namespace, scope string, ids []string) (int64, error)
	Prune(namespace, scope string, keep int) (int64, error)
}

// UserMode selects what a user watch covers.
type UserMode int

const (
	// UserThreadsOnly reports only threads the user starts.
	UserThreadsOnly UserMode = iota
	// UserAll also reports the user's posts.
	UserAll
)

// Config wires a Watcher.
type Config struct {
	Source Source
	Store  Store
	Logger *slog.Logger
	// OnError is the fallback error handler for registrations that do
	// not set their own. Optional.
	OnError ErrorHandler
	// PruneKeep bounds dedup records per scope. Zero means
	// DefaultPruneKeep.
	PruneKeep int
}

type poller interface {
	poll(ctx context.Context) error
}

type registration struct {
	id       string
	kind     forum.Kind
	target   string
	interval time.Duration
	handler  Handler
	onError  ErrorHandler
	poller   poller
}

func (reg *registration) fire(w *Watcher, err error) {
	h := reg.onError
	if h == nil {
		h = w.onError
	}
	if h != nil {
		h(reg.kind, err)
	}
}

// Watcher owns the poll loops. Registrations may be added before or
// after Start; loops added while running start immediately.
type Watcher struct {
	source    Source
	store     Store
	logger    *slog.Logger
	onError   ErrorHandler
	pruneKeep int
	now       func() time.Time

	mu      sync.Mutex
	regs    []*registration
	regErrs []error
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	delivered atomic.Int64
}

// New builds a Watcher from cfg.
func New(cfg Config) (*Watcher, error) {
	if cfg.Source == nil {
		return nil, errors.New("watch: source is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("watch: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	if cfg.PruneKeep <= 0 {
		cfg.PruneKeep = DefaultPruneKeep
	}
	return &Watcher{
		source:    cfg.Source,
		store:     cfg.Store,
		logger:    cfg.Logger,
		onError:   cfg.OnError,
		pruneKeep: cfg.PruneKeep,
		now:       time.Now,
	}, nil
}

// Option adjusts one registration.
type Option func(*registration)

// Every overrides the poll interval.
func Every(d time.Duration) Option {
	return func(reg *registration) {
		if d > 0 {
			reg.interval = d
		}
	}
}

// OnError sets a per-registration error handler.
func OnError(h ErrorHandler) Option {
	return func(reg *registration) { reg.onError = h }
}

func (w *Watcher) register(reg *registration, opts ...Option) {
	for _, opt := range opts {
		opt(reg)
	}
	reg.id = uuid.NewString()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		w.logger.Warn("registration after stop ignored", "watch", string(reg.kind), "target", reg.target)
		return
	}
	w.regs = append(w.regs, reg)
	if w.started {
		w.spawnLocked(reg)
	}
}

func (w *Watcher) rejectRegistration(kind forum.Kind, err error) {
	w.logger.Error("registration rejected", "watch", string(kind), "error", err)
	w.mu.Lock()
	started := w.started
	w.regErrs = append(w.regErrs, err)
	w.mu.Unlock()
	if started && w.onError != nil {
		w.onError(kind, err)
	}
}

// Start launches one goroutine per registration. It fails without
// starting anything if any registration was rejected.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	if w.started {
		return ErrAlreadyStarted
	}
	if len(w.regErrs) > 0 {
		return fmt.Errorf("watch: invalid registrations: %w", errors.Join(w.regErrs...))
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.started = true
	for _, reg := range w.regs {
		w.spawnLocked(reg)
	}
	w.logger.Info("watcher started", "registrations", len(w.regs))
	return nil
}

// spawnLocked starts one loop. Callers hold mu.
func (w *Watcher) spawnLocked(reg *registration) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runLoop(reg)
	}()
}

// Stop cancels every loop and waits for them to exit. A loop observes
// the cancellation no later than its next tick, usually mid-sleep.
// Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		w.wg.Wait()
		return
	}
	w.stopped = true
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	w.logger.Info("watcher stopped", "events_delivered", w.delivered.Load())
}

// Running reports whether Start has been called and Stop has not.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started && !w.stopped
}

// Count returns the number of registrations.
func (w *Watcher) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.regs)
}

// Delivered returns the number of events handed to handlers so far.
func (w *Watcher) Delivered() int64 { return w.delivered.Load() }

func (w *Watcher) runLoop(reg *registration) {
	log := w.logger.With("watch", string(reg.kind), "watch_id", reg.id, "target", reg.target)
	log.Info("watch loop started", "interval", reg.interval.String())

	// First poll right away; it normally just seeds.
	w.pollOnce(reg, log)

	ticker := time.NewTicker(reg.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			log.Info("watch loop stopped")
			return
		case <-ticker.C:
			w.pollOnce(reg, log)
		}
	}
}

func (w *Watcher) pollOnce(reg *registration, log *slog.Logger) {
	start := w.now()
	err := reg.poller.poll(w.ctx)
	elapsed := w.now().Sub(start)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Warn("poll failed", "error", err, "duration_ms", elapsed.Milliseconds())
		reg.fire(w, err)
		return
	}
	log.Debug("poll complete", "duration_ms", elapsed.Milliseconds())
}

// deliver hands one event to the handler and, on success, marks it in
// the store. A failed handler or mark stops the current burst so the
// remaining candidates retry next poll in order. Events without a
// stable id pass id == "" and skip the store.
func (w *Watcher) deliver(ctx context.Context, reg *registration, namespace, scope, id string, ev forum.Event) bool {
	if err := reg.handler(ctx, ev); err != nil {
		w.logger.Warn("handler failed",
			"watch", string(reg.kind), "event_id", id, "error", err)
		reg.fire(w, fmt.Errorf("handler for %s event %s: %w", reg.kind, id, err))
		return false
	}
	if id != "" {
		if _, err := w.store.AddIfNew(namespace, scope, id); err != nil {
			w.logger.Error("record delivery failed",
				"watch", string(reg.kind), "event_id", id, "error", err)
			reg.fire(w, fmt.Errorf("record delivery of %s: %w", id, err))
			return false
		}
	}
	w.delivered.Add(1)
	return true
}

// pruneScope trims a dedup scope after a delivery burst. Failures are
// logged and otherwise ignored; pruning is maintenance, not delivery.
func (w *Watcher) pruneScope(namespace, scope string) {
	if _, err := w.store.Prune(namespace, scope, w.pruneKeep); err != nil {
		w.logger.Warn("prune failed", "namespace", namespace, "scope", scope, "error", err)
	}
}
