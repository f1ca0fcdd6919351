package broadcast

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"channelbot/internal/logx"
	"channelbot/internal/model"
	"channelbot/internal/preview"
	"channelbot/internal/transport"
)

// ErrNotActivated is returned by Publish for a channel whose admin
// conversation has not joined yet.
var ErrNotActivated = errors.New("channel not activated")

// Config controls the engine. The pool is process-wide and shared across all
// channels; it is sized once, not per call.
type Config struct {
	Workers    int
	RatePerSec int // 0 disables the send limiter

	// BatchSize > 0 with a Batcher installed enables batched-remote dispatch.
	BatchSize int

	// Pace is the fixed delay between catch-up replay messages.
	Pace time.Duration
}

// Store is the slice of the persistence contract the engine needs.
type Store interface {
	Channel(ctx context.Context, name string) (*model.Channel, error)
	ActiveSubscribers(ctx context.Context, channel string) ([]model.Subscriber, error)
	InsertBroadcast(ctx context.Context, b *model.Broadcast) (int64, error)
	BroadcastsAfter(ctx context.Context, channel string, afterID int64, limit int) ([]model.Broadcast, error)
	TombstoneBroadcast(ctx context.Context, channel, messageID string) (bool, error)
	RemoveSubscriber(ctx context.Context, botID string) error
	SetSubscriberCursor(ctx context.Context, botID string, cursor int64) error
}

// Previews resolves link previews; *preview.Cache implements it.
type Previews interface {
	ResolvePreview(ctx context.Context, url string) (*preview.Preview, error)
}

type Engine struct {
	store    Store
	sender   transport.Transport
	batcher  transport.Batcher
	previews Previews
	log      logx.Logger

	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	tasks    chan func()
	stopCh   chan struct{}
	workerWG sync.WaitGroup
}

type Option func(*Engine)

// WithBatcher installs the batched-remote dispatch strategy.
func WithBatcher(b transport.Batcher) Option {
	return func(e *Engine) { e.batcher = b }
}

// WithPreviews installs the link preview cache.
func WithPreviews(p Previews) Option {
	return func(e *Engine) { e.previews = p }
}

func New(cfg Config, st Store, sender transport.Transport, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		store:  st,
		sender: sender,
		log:    log,
	}
	e.applyLocked(cfg)
	for _, o := range opts {
		o(e)
	}
	return e
}

// Apply updates the rate limit live. Pool size changes take effect on the
// next Start.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyLocked(cfg)
}

func (e *Engine) applyLocked(cfg Config) {
	e.cfg = cfg
	if cfg.RatePerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		e.limiter = nil
	}
}

// Start spins up the worker pool. Calling Start on a running engine is a
// no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopCh != nil {
		return
	}
	workers := e.cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	e.tasks = make(chan func(), workers*4)
	e.stopCh = make(chan struct{})

	stopCh := e.stopCh
	tasks := e.tasks
	e.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer e.workerWG.Done()
			e.worker(ctx, stopCh, tasks, idx)
		}()
	}
	e.log.Info("fan-out engine started", logx.Int("workers", workers), logx.Int("rps", e.cfg.RatePerSec))
}

// Stop drains the pool. In-flight recipient tasks run to completion.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopCh == nil {
		e.mu.Unlock()
		return
	}
	close(e.stopCh)
	e.stopCh = nil
	e.tasks = nil
	e.mu.Unlock()

	e.workerWG.Wait()
	e.log.Info("fan-out engine stopped")
}

func (e *Engine) worker(ctx context.Context, stopCh <-chan struct{}, tasks <-chan func(), idx int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case task := <-tasks:
			e.runTask(task, idx)
		}
	}
}

// runTask guarantees task isolation: a panic in one recipient delivery must
// not take down sibling tasks or the pool.
func (e *Engine) runTask(task func(), idx int) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in fan-out worker",
				logx.Int("worker", idx),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	task()
}

// submit hands a task to the pool, falling back to inline execution when the
// pool is not running so callers never deadlock.
func (e *Engine) submit(task func()) {
	e.mu.Lock()
	tasks := e.tasks
	stopCh := e.stopCh
	e.mu.Unlock()
	if tasks == nil {
		e.runTask(task, -1)
		return
	}
	select {
	case tasks <- task:
	case <-stopCh:
		// engine is stopping; run inline so the caller's report is complete
		e.runTask(task, -1)
	}
}

func (e *Engine) waitSend(ctx context.Context) {
	e.mu.Lock()
	lim := e.limiter
	e.mu.Unlock()
	if lim != nil {
		_ = lim.Wait(ctx)
	}
}
