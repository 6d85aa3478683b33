package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/stupiduntilnot/stagebot/internal/config"
	"github.com/stupiduntilnot/stagebot/internal/db"
	"github.com/stupiduntilnot/stagebot/internal/event"
)

// startScheduler runs s until the test ends.
func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestScheduler_PerSessionOrderAndConcurrencyBound(t *testing.T) {
	var (
		mu       sync.Mutex
		seen     = map[string][]string{}
		running  atomic.Int32
		maxSeen  atomic.Int32
		finished atomic.Int32
	)
	record := &funcStage{id: "record", fn: func(_ context.Context, _ *Context, ev *event.Event) Result {
		n := running.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		seen[ev.SessionID] = append(seen[ev.SessionID], ev.MessageStr)
		mu.Unlock()
		running.Add(-1)
		finished.Add(1)
		return Next()
	}}
	cfg := testConfig("record")
	pc := newContext(t, cfg, Deps{}, record)
	s := NewScheduler(pc, Options{MaxConcurrency: 2, QueueSize: 8}, nil)
	startScheduler(t, s)

	sessions := []string{"a", "b", "c", "d"}
	const perSession = 10
	for i := 0; i < perSession; i++ {
		for _, sid := range sessions {
			require.NoError(t, s.Commit(context.Background(), privateEvent(sid, fmt.Sprintf("%02d", i))))
		}
	}
	waitFor(t, func() bool { return finished.Load() == int32(perSession*len(sessions)) })

	mu.Lock()
	defer mu.Unlock()
	for _, sid := range sessions {
		require.Len(t, seen[sid], perSession)
		for i, text := range seen[sid] {
			assert.Equal(t, fmt.Sprintf("%02d", i), text, "session %s out of order", sid)
		}
	}
	assert.LessOrEqual(t, maxSeen.Load(), int32(2))
}

func TestScheduler_SameSessionNeverOverlaps(t *testing.T) {
	var active, overlaps, finished atomic.Int32
	st := &funcStage{id: "x", fn: func(context.Context, *Context, *event.Event) Result {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		finished.Add(1)
		return Next()
	}}
	s := NewScheduler(newContext(t, testConfig("x"), Deps{}, st), Options{MaxConcurrency: 8, QueueSize: 64}, nil)
	startScheduler(t, s)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Commit(context.Background(), privateEvent("same", "m")))
	}
	waitFor(t, func() bool { return finished.Load() == 20 })
	assert.Zero(t, overlaps.Load())
}

func TestScheduler_RecoversPanics(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	audit := &memAudit{}
	var handled atomic.Int32
	st := &funcStage{id: "x", fn: func(_ context.Context, _ *Context, ev *event.Event) Result {
		if ev.MessageStr == "boom" {
			panic("stage exploded")
		}
		handled.Add(1)
		return Next()
	}}
	pc := newContext(t, testConfig("x"), Deps{Audit: audit}, st)
	s := NewScheduler(pc, Options{MaxConcurrency: 1}, zap.New(core))
	startScheduler(t, s)

	require.NoError(t, s.Commit(context.Background(), privateEvent("s", "boom")))
	require.NoError(t, s.Commit(context.Background(), privateEvent("s", "after")))
	waitFor(t, func() bool { return handled.Load() == 1 })

	entries := logs.FilterMessage("panic while processing event, event dropped").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "boom", fields["message"])
	assert.Equal(t, "test_platform:FriendMessage:s", fields["session"])
	assert.Contains(t, audit.types(), "event.dropped")
}

func TestScheduler_ReloadWaitsForInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var versions sync.Map
	mkStage := func() *funcStage {
		return &funcStage{id: "x", fn: func(_ context.Context, pc *Context, ev *event.Event) Result {
			versions.Store(ev.MessageStr, pc.Config.Command.Prefix)
			if ev.MessageStr == "slow" {
				entered <- struct{}{}
				<-release
			}
			return Next()
		}}
	}
	oldCfg := testConfig("x")
	oldCfg.Command.Prefix = "old"
	newCfg := testConfig("x")
	newCfg.Command.Prefix = "new"

	s := NewScheduler(newContext(t, oldCfg, Deps{}, mkStage()), Options{MaxConcurrency: 4}, nil)
	startScheduler(t, s)

	require.NoError(t, s.Commit(context.Background(), privateEvent("a", "slow")))
	<-entered
	assert.Equal(t, 1, s.InFlight())

	next := newContext(t, newCfg, Deps{}, mkStage())
	reloaded := make(chan error, 1)
	go func() { reloaded <- s.Reload(context.Background(), next) }()

	select {
	case <-reloaded:
		t.Fatal("reload finished while an event was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, "old", s.Snapshot().Config.Command.Prefix)

	close(release)
	require.NoError(t, <-reloaded)
	assert.Equal(t, "new", s.Snapshot().Config.Command.Prefix)

	require.NoError(t, s.Commit(context.Background(), privateEvent("b", "after")))
	waitFor(t, func() bool { _, ok := versions.Load("after"); return ok })
	v, _ := versions.Load("after")
	assert.Equal(t, "new", v)
	v, _ = versions.Load("slow")
	assert.Equal(t, "old", v)
}

func TestScheduler_ReloadTimesOut(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	st := &funcStage{id: "x", fn: func(context.Context, *Context, *event.Event) Result {
		close(entered)
		<-release
		return Next()
	}}
	pc := newContext(t, testConfig("x"), Deps{}, st)
	s := NewScheduler(pc, Options{MaxConcurrency: 1}, nil)
	startScheduler(t, s)
	defer close(release)

	require.NoError(t, s.Commit(context.Background(), privateEvent("a", "slow")))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Reload(ctx, pc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestScheduler_RequestReloadKeepsSnapshotOnError(t *testing.T) {
	tr := &tracer{}
	pc := newContext(t, testConfig("x"), Deps{}, tr.stage("x", false, Next()))
	s := NewScheduler(pc, Options{}, nil)
	startScheduler(t, s)

	err := <-s.RequestReload(func() (*Context, error) {
		return nil, config.Errorf("safety.extra_patterns", "invalid pattern")
	})
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
	assert.Same(t, pc, s.Snapshot())

	next := newContext(t, testConfig("x"), Deps{}, tr.stage("x", false, Next()))
	require.NoError(t, <-s.RequestReload(func() (*Context, error) { return next, nil }))
	assert.Same(t, next, s.Snapshot())
}

func TestScheduler_RequestReloadFromInsideStage(t *testing.T) {
	var s *Scheduler
	results := make(chan (<-chan error), 1)
	st := &funcStage{id: "x", fn: func(_ context.Context, pc *Context, _ *event.Event) Result {
		results <- s.RequestReload(func() (*Context, error) { return pc, nil })
		return Next()
	}}
	pc := newContext(t, testConfig("x"), Deps{}, st)
	s = NewScheduler(pc, Options{}, nil)
	startScheduler(t, s)

	require.NoError(t, s.Commit(context.Background(), privateEvent("a", "reload please")))
	select {
	case done := <-results:
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("reload requested from a stage never completed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stage did not run")
	}
}

func TestScheduler_EventTimeout(t *testing.T) {
	var sawDeadline atomic.Bool
	done := make(chan struct{})
	st := &funcStage{id: "x", fn: func(ctx context.Context, _ *Context, _ *event.Event) Result {
		<-ctx.Done()
		sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		close(done)
		return Next()
	}}
	s := NewScheduler(newContext(t, testConfig("x"), Deps{}, st), Options{EventTimeout: 20 * time.Millisecond}, nil)
	startScheduler(t, s)
	require.NoError(t, s.Commit(context.Background(), privateEvent("a", "x")))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event deadline not applied")
	}
	assert.True(t, sawDeadline.Load())
}

func TestScheduler_CloseAndCommit(t *testing.T) {
	tr := &tracer{}
	s := NewScheduler(newContext(t, testConfig("x"), Deps{}, tr.stage("x", false, Next())), Options{}, nil)
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(context.Background()) }()

	s.Close()
	s.Close()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.ErrorIs(t, s.Commit(context.Background(), privateEvent("a", "x")), ErrClosed)
}

func TestScheduler_CommitRespectsContext(t *testing.T) {
	tr := &tracer{}
	s := NewScheduler(newContext(t, testConfig("x"), Deps{}, tr.stage("x", false, Next())), Options{QueueSize: 0}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	// Nothing is running, so the unbuffered queue never accepts.
	err := s.Commit(ctx, privateEvent("a", "x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Error(t, s.Commit(context.Background(), nil))
}

func TestScheduler_ShutdownCancelsRunningEvents(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	st := &funcStage{id: "x", fn: func(ctx context.Context, _ *Context, _ *event.Event) Result {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return Next()
	}}
	s := NewScheduler(newContext(t, testConfig("x"), Deps{}, st), Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(runDone)
	}()
	require.NoError(t, s.Commit(context.Background(), privateEvent("a", "x")))
	<-started
	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not wait for and cancel running events")
	}
	assert.True(t, cancelled.Load())
}

func TestScheduler_ShutdownRecordsUnprocessedEvents(t *testing.T) {
	tr := &tracer{}
	audit := &memAudit{}
	core, logs := observer.New(zapcore.WarnLevel)
	s := NewScheduler(newContext(t, testConfig("x"), Deps{Audit: audit}, tr.stage("x", false, Next())),
		Options{QueueSize: 4}, zap.New(core))
	for _, sid := range []string{"a", "b", "a"} {
		require.NoError(t, s.Commit(context.Background(), privateEvent(sid, "x")))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))

	assert.Empty(t, tr.stages())
	assert.Equal(t, []string{db.EventDropped, db.EventDropped, db.EventDropped}, audit.types())
	for _, row := range audit.rows {
		assert.Equal(t, "shutdown", row.data["reason"])
	}
	assert.Zero(t, len(s.queue))
	assert.Positive(t, logs.FilterMessageSnippet("events dropped").Len())
}
