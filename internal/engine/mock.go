package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// ScriptStep is one scripted engine emission. Exactly one of Delta,
// Action, Complete, or Die should be set per step.
type ScriptStep struct {
	Delay    time.Duration
	Delta    string
	Action   *v1.Action
	Phase    v1.ActionPhase
	OK       *bool
	Complete *Result

	// Die closes the handle's Done channel without a Completed event,
	// simulating a crashed engine subprocess.
	Die bool
}

// Mock is a scriptable in-process engine used by the dev loop and by
// tests. With an empty Script it echoes the prompt back as a successful
// answer with a fresh resume token. Configure fields before Start.
type Mock struct {
	CanonicalResume

	EngineID  string
	Steerable bool
	Script    []ScriptStep
	Started   *StartedInfo
	StartErr  error
	SteerErr  error

	mu     sync.Mutex
	jobs   []*v1.Job
	steers []string
}

// NewMock creates a steerable echo engine registered under id.
func NewMock(id string) *Mock {
	return &Mock{EngineID: id, Steerable: true}
}

func (m *Mock) ID() string { return m.EngineID }

func (m *Mock) SupportsSteer() bool { return m.Steerable }

func (m *Mock) Start(ctx context.Context, job *v1.Job, sink EventSink) (Handle, error) {
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.jobs = append(m.jobs, job)
	script := make([]ScriptStep, len(m.Script))
	copy(script, m.Script)
	m.mu.Unlock()

	h := &mockHandle{
		engine: m,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.play(job, script, sink)
	return h, nil
}

// Jobs returns the jobs passed to Start, in order.
func (m *Mock) Jobs() []*v1.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*v1.Job, len(m.jobs))
	copy(out, m.jobs)
	return out
}

// Steers returns the accepted steer texts, in order.
func (m *Mock) Steers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.steers))
	copy(out, m.steers)
	return out
}

func (m *Mock) recordSteer(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steers = append(m.steers, text)
}

type mockHandle struct {
	engine   *Mock
	stop     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
	endOnce  sync.Once

	mu     sync.Mutex
	reason string
}

func (h *mockHandle) play(job *v1.Job, script []ScriptStep, sink EventSink) {
	if info := h.engine.Started; info != nil {
		sink.EngineStarted(*info)
	} else {
		sink.EngineStarted(StartedInfo{EngineID: h.engine.EngineID, Resume: job.Resume})
	}

	for _, step := range script {
		if !h.pause(step.Delay, sink) {
			return
		}
		switch {
		case step.Die:
			h.doneOnce.Do(func() { close(h.done) })
			return
		case step.Complete != nil:
			h.finish(sink, *step.Complete)
			return
		case step.Action != nil:
			sink.Action(*step.Action, step.Phase, step.OK)
		case step.Delta != "":
			sink.Delta(step.Delta)
		}
	}

	// Echo default: answer the prompt and hand back a session token.
	h.finish(sink, Result{
		OK:     true,
		Answer: job.Prompt,
		Resume: &v1.ResumeToken{EngineID: h.engine.EngineID, Value: uuid.NewString()},
	})
}

// pause waits out a step delay, finishing early with the cancel reason
// when the handle is stopped. Returns false if playback must end.
func (h *mockHandle) pause(delay time.Duration, sink EventSink) bool {
	if delay <= 0 {
		select {
		case <-h.stop:
			h.finish(sink, Result{OK: false, Error: h.cancelReason()})
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-h.stop:
		h.finish(sink, Result{OK: false, Error: h.cancelReason()})
		return false
	}
}

func (h *mockHandle) finish(sink EventSink, res Result) {
	h.endOnce.Do(func() {
		sink.Completed(res)
		h.doneOnce.Do(func() { close(h.done) })
	})
}

func (h *mockHandle) cancelReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reason == "" {
		return "cancelled"
	}
	return h.reason
}

func (h *mockHandle) Cancel(reason string) {
	h.mu.Lock()
	h.reason = reason
	h.mu.Unlock()
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *mockHandle) Steer(text string) error {
	if !h.engine.Steerable {
		return ErrSteerUnsupported
	}
	if h.engine.SteerErr != nil {
		return h.engine.SteerErr
	}
	select {
	case <-h.done:
		return ErrSteerRejected
	default:
	}
	h.engine.recordSteer(text)
	return nil
}

func (h *mockHandle) Done() <-chan struct{} { return h.done }
