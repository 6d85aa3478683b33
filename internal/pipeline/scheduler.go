package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/stupiduntilnot/stagebot/internal/config"
	"github.com/stupiduntilnot/stagebot/internal/db"
	"github.com/stupiduntilnot/stagebot/internal/event"
)

type Options struct {
	MaxConcurrency int
	QueueSize      int
	EventTimeout   time.Duration
	// ReloadTimeout bounds how long RequestReload waits for in-flight
	// events to drain.
	ReloadTimeout time.Duration
}

// OptionsFrom reads scheduler options from cfg.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
		QueueSize:      cfg.Pipeline.QueueSize,
		EventTimeout:   cfg.Pipeline.EventTimeout,
		ReloadTimeout:  cfg.Pipeline.EventTimeout + cfg.Pipeline.ReplyGrace + 10*time.Second,
	}
}

// Scheduler owns the process-wide event queue. Events of one session are
// processed one at a time in commit order; distinct sessions run
// concurrently up to MaxConcurrency.
type Scheduler struct {
	opts   Options
	logger *zap.Logger

	queue    chan *event.Event
	snapshot atomic.Pointer[Context]
	// Events hold the read side while processing; Reload takes the write
	// side, which also holds back new events until the swap is done.
	gate     sync.RWMutex
	sem      *semaphore.Weighted
	inFlight atomic.Int64

	mu      sync.Mutex
	pending map[string][]*event.Event
	workers sync.WaitGroup

	reloadMu sync.Mutex
	reloads  sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

func NewScheduler(snapshot *Context, opts Options, logger *zap.Logger) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 3 * time.Minute
	}
	if opts.ReloadTimeout <= 0 {
		opts.ReloadTimeout = opts.EventTimeout + DefaultReplyGrace + 10*time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		opts:    opts,
		logger:  logger.With(zap.String("component", "scheduler")),
		queue:   make(chan *event.Event, opts.QueueSize),
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		pending: map[string][]*event.Event{},
		closed:  make(chan struct{}),
	}
	s.snapshot.Store(snapshot)
	return s
}

// Commit enqueues ev. It blocks while the queue is full.
func (s *Scheduler) Commit(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return errors.New("commit: nil event")
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrClosed
	}
}

// Run dispatches committed events until ctx is cancelled or Close is
// called, then cancels running events and waits for them.
func (s *Scheduler) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Info("scheduler started",
		zap.Int("max_concurrency", s.opts.MaxConcurrency),
		zap.Strings("stages", s.Snapshot().StageNames()),
	)
	for {
		select {
		case <-runCtx.Done():
			s.shutdown(cancel)
			return nil
		case <-s.closed:
			s.shutdown(cancel)
			return nil
		case ev := <-s.queue:
			s.dispatch(runCtx, ev)
		}
	}
}

func (s *Scheduler) shutdown(cancel context.CancelFunc) {
	cancel()
	s.workers.Wait()
	s.reloads.Wait()

	// Run was the only receiver, so nothing else empties the queue now.
	var queued []*event.Event
	for len(s.queue) > 0 {
		queued = append(queued, <-s.queue)
	}
	if len(queued) > 0 {
		s.logger.Warn("shutting down, queued events dropped", zap.Int("count", len(queued)))
		s.recordDropped(queued)
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) recordDropped(evs []*event.Event) {
	pc := s.Snapshot()
	for _, ev := range evs {
		pc.Record(ev.AuditID, db.EventDropped, map[string]any{
			"reason":  "shutdown",
			"session": ev.SessionKey(),
		})
	}
}

// Close stops Run and makes Commit return ErrClosed.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Scheduler) dispatch(ctx context.Context, ev *event.Event) {
	key := ev.SessionKey()
	s.mu.Lock()
	q, active := s.pending[key]
	s.pending[key] = append(q, ev)
	s.mu.Unlock()
	if active {
		return
	}
	s.workers.Add(1)
	go s.drain(ctx, key)
}

// drain processes the pending events of one session in order and exits
// when none are left.
func (s *Scheduler) drain(ctx context.Context, key string) {
	defer s.workers.Done()
	for {
		s.mu.Lock()
		q := s.pending[key]
		if len(q) == 0 {
			delete(s.pending, key)
			s.mu.Unlock()
			return
		}
		ev := q[0]
		q[0] = nil
		s.pending[key] = q[1:]
		s.mu.Unlock()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.mu.Lock()
			dropped := append([]*event.Event{ev}, s.pending[key]...)
			delete(s.pending, key)
			s.mu.Unlock()
			s.logger.Warn("shutting down, pending events dropped",
				zap.String("session", key), zap.Int("count", len(dropped)))
			s.recordDropped(dropped)
			return
		}
		s.process(ctx, ev)
		s.sem.Release(1)
	}
}

func (s *Scheduler) process(ctx context.Context, ev *event.Event) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	pc := s.snapshot.Load()
	ctx, cancel := context.WithTimeout(ctx, s.opts.EventTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while processing event, event dropped",
				zap.String("event_id", ev.ID),
				zap.String("session", ev.SessionKey()),
				zap.String("message", truncate(ev.MessageStr, 200)),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			pc.Record(ev.AuditID, db.EventDropped, map[string]any{
				"kind":  string(KindUnexpected),
				"panic": fmt.Sprint(r),
			})
		}
	}()
	Execute(ctx, pc, ev)
}

// Snapshot returns the current context.
func (s *Scheduler) Snapshot() *Context {
	return s.snapshot.Load()
}

// InFlight returns the number of events being processed right now.
func (s *Scheduler) InFlight() int {
	return int(s.inFlight.Load())
}

// Reload waits until no event is in flight, holding back new ones, swaps
// in next and resumes. It must not be called from inside a stage; use
// RequestReload there.
func (s *Scheduler) Reload(ctx context.Context, next *Context) error {
	if next == nil {
		return errors.New("reload: nil context")
	}
	locked := make(chan struct{})
	go func() {
		s.gate.Lock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-ctx.Done():
		go func() {
			<-locked
			s.gate.Unlock()
		}()
		return fmt.Errorf("reload: waiting for in-flight events: %w", ctx.Err())
	}
	s.snapshot.Store(next)
	s.gate.Unlock()

	s.logger.Info("pipeline reloaded", zap.Strings("stages", next.StageNames()))
	next.Record(0, db.EventPipelineReload, map[string]any{"stages": next.StageNames()})
	return nil
}

// RequestReload builds and installs a new snapshot in the background. A
// build error (for example a *config.Error) keeps the current snapshot.
// The returned channel yields the outcome once.
func (s *Scheduler) RequestReload(build func() (*Context, error)) <-chan error {
	done := make(chan error, 1)
	s.reloads.Add(1)
	go func() {
		defer s.reloads.Done()
		s.reloadMu.Lock()
		defer s.reloadMu.Unlock()

		next, err := build()
		if err != nil {
			s.logger.Warn("reload rejected, keeping current pipeline", zap.Error(err))
			s.Snapshot().Record(0, db.EventReloadRejected, map[string]any{"error": err.Error()})
			done <- err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReloadTimeout)
		defer cancel()
		done <- s.Reload(ctx, next)
	}()
	return done
}
