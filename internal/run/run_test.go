package run

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemongate/lemongate/internal/common/config"
	"github.com/lemongate/lemongate/internal/common/logger"
	"github.com/lemongate/lemongate/internal/engine"
	"github.com/lemongate/lemongate/internal/enginelock"
	"github.com/lemongate/lemongate/internal/events"
	"github.com/lemongate/lemongate/internal/events/bus"
	"github.com/lemongate/lemongate/internal/store"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

const testSession = "agent:default:telegram:a1:dm:99"

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func testConfig() *config.Config {
	return &config.Config{
		EngineLock: config.EngineLockConfig{Require: true, TimeoutMs: 2000, MaxAgeMs: 120000},
		Lifecycle:  config.LifecycleConfig{EngineDeathGraceMs: 80},
	}
}

type testHarness struct {
	manager *Manager
	repo    *store.MemoryRepository
	bus     *bus.MemoryBus
	locker  *enginelock.Locker
	slots   atomic.Int64
	exits   atomic.Int64
}

func newHarness(t *testing.T, cfg *config.Config, mock *engine.Mock) *testHarness {
	t.Helper()
	log := newTestLogger(t)
	if cfg == nil {
		cfg = testConfig()
	}
	repo := store.NewMemoryRepository()
	eventBus := bus.NewMemoryBus(log)
	t.Cleanup(eventBus.Close)
	locker := enginelock.NewLocker(cfg.EngineLock, log)
	engines := engine.NewRegistry("lemon", log)
	require.NoError(t, engines.Register(mock))

	h := &testHarness{
		repo:   repo,
		bus:    eventBus,
		locker: locker,
	}
	h.manager = NewManager(cfg, repo, eventBus, locker, engines, log)
	return h
}

func (h *testHarness) spawn(t *testing.T, job *v1.Job) *Run {
	t.Helper()
	r, err := h.manager.Spawn(context.Background(), job, job.SessionKey,
		func() { h.slots.Add(1) },
		func(*Run) { h.exits.Add(1) })
	require.NoError(t, err)
	return r
}

func newJob(runID, prompt string) (*v1.Job, chan v1.CompletionNotice) {
	notify := make(chan v1.CompletionNotice, 1)
	return &v1.Job{
		RunID:      runID,
		SessionKey: testSession,
		AgentID:    "default",
		Prompt:     prompt,
		Notify:     notify,
	}, notify
}

func waitNotice(t *testing.T, ch chan v1.CompletionNotice) v1.CompletionNotice {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion notice")
		return v1.CompletionNotice{}
	}
}

// collectEvents subscribes to a run topic and records event types in order.
func collectEvents(t *testing.T, eventBus bus.EventBus, topic string) func() []*bus.Event {
	t.Helper()
	var mu sync.Mutex
	var got []*bus.Event
	_, err := eventBus.Subscribe(topic, func(ctx context.Context, event *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event)
		return nil
	})
	require.NoError(t, err)
	return func() []*bus.Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*bus.Event, len(got))
		copy(out, got)
		return out
	}
}

func eventTypes(evs []*bus.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestRunHappyPath(t *testing.T) {
	mock := engine.NewMock("lemon")
	h := newHarness(t, nil, mock)
	snapshot := collectEvents(t, h.bus, events.RunTopic("r-1"))

	job, notify := newJob("r-1", "hello")
	r := h.spawn(t, job)

	notice := waitNotice(t, notify)
	assert.True(t, notice.OK)
	assert.Equal(t, "hello", notice.Answer)
	require.NotNil(t, notice.Resume)
	assert.Equal(t, "lemon", notice.Resume.EngineID)

	<-r.Done()
	assert.Equal(t, int64(1), h.slots.Load())
	assert.Equal(t, int64(1), h.exits.Load())
	assert.Equal(t, 0, h.manager.Active())

	held, waiting := h.locker.Stats()
	assert.Equal(t, 0, held)
	assert.Equal(t, 0, waiting)

	// Chat state persisted with the fresh resume token.
	state, err := h.repo.GetChatState(context.Background(), testSession)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, notice.Resume.Value, state.Resume.Value)
	assert.WithinDuration(t, time.Now().UTC().Add(store.DefaultChatTTL), state.ExpiresAt, time.Minute)

	// Exactly one terminal run.completed on the run topic.
	types := eventTypes(snapshot())
	completed := 0
	for _, typ := range types {
		if typ == events.RunCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, events.RunStarted, types[0])

	// History appended.
	history, err := h.repo.ListHistory(context.Background(), testSession, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].OK)

	// Run record finalized.
	rec, err := h.repo.GetRun(context.Background(), "r-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, v1.RunStateCompleted, rec.State)
	require.NotNil(t, rec.FinalizedAt)
}

func TestRunSequencesDeltas(t *testing.T) {
	mock := engine.NewMock("lemon")
	mock.Script = []engine.ScriptStep{
		{Delta: "one "},
		{Delta: "two "},
		{Delta: "three"},
		{Complete: &engine.Result{OK: true, Answer: "one two three"}},
	}
	h := newHarness(t, nil, mock)
	snapshot := collectEvents(t, h.bus, events.SessionTopic(testSession))

	job, notify := newJob("r-2", "count")
	r := h.spawn(t, job)
	waitNotice(t, notify)
	<-r.Done()

	var seqs []int64
	var texts []string
	for _, ev := range snapshot() {
		if ev.Type != events.RunDelta {
			continue
		}
		var payload events.DeltaPayload
		require.NoError(t, events.Decode(ev, &payload))
		seqs = append(seqs, payload.Seq)
		texts = append(texts, payload.Text)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
	assert.Equal(t, []string{"one ", "two ", "three"}, texts)
}

func TestRunLockTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.EngineLock.TimeoutMs = 50
	mock := engine.NewMock("lemon")
	h := newHarness(t, cfg, mock)

	// Occupy the lock so the run cannot get it.
	release, err := h.locker.Acquire(context.Background(), testSession, time.Second)
	require.NoError(t, err)
	defer release()

	job, notify := newJob("r-3", "blocked")
	r := h.spawn(t, job)

	notice := waitNotice(t, notify)
	assert.False(t, notice.OK)
	assert.Equal(t, ErrorLockTimeout, notice.Error)

	<-r.Done()
	assert.Equal(t, int64(1), h.slots.Load())
	assert.Len(t, mock.Jobs(), 0)

	// No chat state was written for the failed run.
	state, err := h.repo.GetChatState(context.Background(), testSession)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestRunCancel(t *testing.T) {
	mock := engine.NewMock("lemon")
	mock.Script = []engine.ScriptStep{
		{Delta: "working"},
		{Delay: 10 * time.Second, Complete: &engine.Result{OK: true, Answer: "never"}},
	}
	h := newHarness(t, nil, mock)

	job, notify := newJob("r-4", "slow")
	r := h.spawn(t, job)

	require.Eventually(t, func() bool {
		return len(mock.Jobs()) == 1
	}, time.Second, time.Millisecond)

	r.Cancel(ReasonUserRequested)

	notice := waitNotice(t, notify)
	assert.False(t, notice.OK)
	assert.Equal(t, ReasonUserRequested, notice.Error)

	<-r.Done()
	rec, err := h.repo.GetRun(context.Background(), "r-4")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, v1.RunStateCancelled, rec.State)
}

func TestRunEngineLost(t *testing.T) {
	mock := engine.NewMock("lemon")
	mock.Script = []engine.ScriptStep{
		{Delta: "partial"},
		{Die: true},
	}
	h := newHarness(t, nil, mock)

	job, notify := newJob("r-5", "doomed")
	r := h.spawn(t, job)

	notice := waitNotice(t, notify)
	assert.False(t, notice.OK)
	assert.Equal(t, ErrorEngineLost, notice.Error)

	<-r.Done()
	held, _ := h.locker.Stats()
	assert.Equal(t, 0, held)
	assert.Equal(t, int64(1), h.slots.Load())

	rec, err := h.repo.GetRun(context.Background(), "r-5")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, v1.RunStateLost, rec.State)
}

func TestRunOverflowClearsChatState(t *testing.T) {
	mock := engine.NewMock("lemon")
	mock.Script = []engine.ScriptStep{
		{Complete: &engine.Result{
			OK:     false,
			Error:  "request failed: prompt is too long for the model",
			Resume: &v1.ResumeToken{EngineID: "lemon", Value: "stale"},
		}},
	}
	h := newHarness(t, nil, mock)

	// Session had prior resume state.
	now := time.Now().UTC()
	require.NoError(t, h.repo.PutChatState(context.Background(), &store.ChatState{
		SessionKey: testSession,
		Resume:     v1.ResumeToken{EngineID: "lemon", Value: "old"},
		UpdatedAt:  now,
		ExpiresAt:  now.Add(store.DefaultChatTTL),
	}))

	job, notify := newJob("r-6", "huge prompt")
	r := h.spawn(t, job)

	notice := waitNotice(t, notify)
	assert.False(t, notice.OK)
	assert.Nil(t, notice.Resume, "overflow must strip the resume token")

	<-r.Done()
	state, err := h.repo.GetChatState(context.Background(), testSession)
	require.NoError(t, err)
	assert.Nil(t, state)

	marker, err := h.repo.GetPendingCompaction(context.Background(), testSession)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, "overflow", marker.Reason)
}

func TestRunPreemptiveCompactionMark(t *testing.T) {
	mock := engine.NewMock("lemon")
	mock.Script = []engine.ScriptStep{
		{Complete: &engine.Result{
			OK:     true,
			Answer: "done",
			Resume: &v1.ResumeToken{EngineID: "lemon", Value: "v2"},
			Usage:  &v1.Usage{Tokens: 95_000, ContextWindow: 100_000},
		}},
	}
	h := newHarness(t, nil, mock)

	job, notify := newJob("r-7", "almost full")
	r := h.spawn(t, job)
	waitNotice(t, notify)
	<-r.Done()

	// Resume is kept, but the session is flagged for compaction.
	state, err := h.repo.GetChatState(context.Background(), testSession)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "v2", state.Resume.Value)

	marker, err := h.repo.GetPendingCompaction(context.Background(), testSession)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, "preemptive", marker.Reason)
}

func TestRunCleanCompletionClearsPendingCompaction(t *testing.T) {
	mock := engine.NewMock("lemon")
	h := newHarness(t, nil, mock)

	require.NoError(t, h.repo.MarkPendingCompaction(context.Background(), testSession, "preemptive"))

	job, notify := newJob("r-8", "hello")
	r := h.spawn(t, job)
	waitNotice(t, notify)
	<-r.Done()

	marker, err := h.repo.GetPendingCompaction(context.Background(), testSession)
	require.NoError(t, err)
	assert.Nil(t, marker)
}

func TestRunZeroAnswerRetry(t *testing.T) {
	mock := engine.NewMock("lemon")
	mock.Script = []engine.ScriptStep{
		{Complete: &engine.Result{OK: false, Error: ErrorAssistantEmpty, Answer: ""}},
	}
	h := newHarness(t, nil, mock)

	job, notify := newJob("r-9", "flaky")
	r := h.spawn(t, job)

	notice := waitNotice(t, notify)
	assert.False(t, notice.OK)
	assert.Equal(t, ErrorAssistantEmpty, notice.Error)

	<-r.Done()
	jobs := mock.Jobs()
	require.Len(t, jobs, 2, "empty assistant response is retried exactly once")
	assert.Equal(t, "flaky", jobs[0].Prompt)
	assert.Contains(t, jobs[1].Prompt, "flaky")
	assert.NotEqual(t, jobs[0].Prompt, jobs[1].Prompt)
}

func TestRunNoRetryForUserAbort(t *testing.T) {
	mock := engine.NewMock("lemon")
	mock.Script = []engine.ScriptStep{
		{Complete: &engine.Result{OK: false, Error: ReasonUserAbort}},
	}
	h := newHarness(t, nil, mock)

	job, notify := newJob("r-10", "aborted")
	r := h.spawn(t, job)
	waitNotice(t, notify)
	<-r.Done()

	assert.Len(t, mock.Jobs(), 1)
}

func TestRunIdleWatchdog(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.IdleWatchdogMs = 60
	cfg.Lifecycle.IdleWatchdogConfirmMs = 60
	mock := engine.NewMock("lemon")
	mock.Script = []engine.ScriptStep{
		{Delta: "then silence"},
		{Delay: 30 * time.Second, Complete: &engine.Result{OK: true}},
	}
	h := newHarness(t, cfg, mock)
	snapshot := collectEvents(t, h.bus, events.RunTopic("r-11"))

	job, notify := newJob("r-11", "stalls")
	r := h.spawn(t, job)

	notice := waitNotice(t, notify)
	assert.False(t, notice.OK)
	assert.Equal(t, ReasonTimeout, notice.Error)

	<-r.Done()
	rec, err := h.repo.GetRun(context.Background(), "r-11")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, v1.RunStateKilled, rec.State)

	warned := false
	for _, ev := range snapshot() {
		if ev.Type == events.RunIdleWarning {
			warned = true
		}
	}
	assert.True(t, warned, "idle warning must precede the forced cancel")
}

func TestRunKeepWaitingExtendsWatchdog(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.IdleWatchdogMs = 100
	cfg.Lifecycle.IdleWatchdogConfirmMs = 100
	mock := engine.NewMock("lemon")
	// Completes at 280ms: past the unattended kill point (200ms) but
	// inside the window a keepalive at ~120ms extends to 320ms.
	mock.Script = []engine.ScriptStep{
		{Delay: 280 * time.Millisecond, Complete: &engine.Result{OK: true, Answer: "late"}},
	}
	h := newHarness(t, cfg, mock)

	job, notify := newJob("r-12", "slow but alive")
	r := h.spawn(t, job)

	time.Sleep(120 * time.Millisecond)
	r.KeepWaiting()

	notice := waitNotice(t, notify)
	assert.True(t, notice.OK)
	assert.Equal(t, "late", notice.Answer)
	<-r.Done()
}

func TestRunSteer(t *testing.T) {
	mock := engine.NewMock("lemon")
	mock.Script = []engine.ScriptStep{
		{Delay: 300 * time.Millisecond, Complete: &engine.Result{OK: true, Answer: "steered"}},
	}
	h := newHarness(t, nil, mock)

	job, notify := newJob("r-13", "steerable")
	r := h.spawn(t, job)

	require.Eventually(t, func() bool {
		return r.Steer("look at the logs too") == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"look at the logs too"}, mock.Steers())

	waitNotice(t, notify)
	<-r.Done()
}

func TestRunSteerUnsupported(t *testing.T) {
	mock := engine.NewMock("lemon")
	mock.Steerable = false
	mock.Script = []engine.ScriptStep{
		{Delay: 300 * time.Millisecond, Complete: &engine.Result{OK: true}},
	}
	h := newHarness(t, nil, mock)

	job, notify := newJob("r-14", "rigid")
	r := h.spawn(t, job)

	require.Eventually(t, func() bool {
		err := r.Steer("nope")
		return errors.Is(err, engine.ErrSteerUnsupported)
	}, time.Second, 5*time.Millisecond)

	waitNotice(t, notify)
	<-r.Done()
}

func TestSessionRegistryConflict(t *testing.T) {
	mock := engine.NewMock("lemon")
	h := newHarness(t, nil, mock)

	a := &Run{Job: &v1.Job{RunID: "a", SessionKey: testSession}}
	b := &Run{Job: &v1.Job{RunID: "b", SessionKey: testSession}}

	require.NoError(t, h.manager.register(a))
	err := h.manager.register(b)
	require.ErrorIs(t, err, ErrSessionBusy)

	h.manager.unregister(a)
	require.NoError(t, h.manager.register(b))
	h.manager.unregister(b)
}

func TestSequentialRunsSameSession(t *testing.T) {
	mock := engine.NewMock("lemon")
	h := newHarness(t, nil, mock)

	jobA, notifyA := newJob("r-15", "first")
	rA := h.spawn(t, jobA)

	// Second spawn for the same session; registration retries while the
	// first run departs.
	jobB, notifyB := newJob("r-16", "second")
	rB := h.spawn(t, jobB)

	assert.True(t, waitNotice(t, notifyA).OK)
	assert.True(t, waitNotice(t, notifyB).OK)
	<-rA.Done()
	<-rB.Done()

	assert.Equal(t, int64(2), h.slots.Load())
	assert.Equal(t, 0, h.manager.Active())
}

func TestManagerCancelByRunID(t *testing.T) {
	mock := engine.NewMock("lemon")
	mock.Script = []engine.ScriptStep{
		{Delay: 10 * time.Second, Complete: &engine.Result{OK: true}},
	}
	h := newHarness(t, nil, mock)

	job, notify := newJob("r-17", "to cancel")
	r := h.spawn(t, job)
	require.Eventually(t, func() bool {
		return len(mock.Jobs()) == 1
	}, time.Second, time.Millisecond)

	assert.True(t, h.manager.Cancel("r-17", ""))
	notice := waitNotice(t, notify)
	assert.Equal(t, ReasonUserRequested, notice.Error)
	<-r.Done()

	// Cancelling a finished run is a no-op.
	assert.False(t, h.manager.Cancel("r-17", ""))
}
