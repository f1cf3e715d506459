// Package run hosts the per-run actor and its registries. A Run owns one
// engine execution end to end: lock acquisition, event sequencing, the
// completion sequence, and the release of every resource it held.
package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/common/config"
	"github.com/lemongate/lemongate/internal/common/logger"
	"github.com/lemongate/lemongate/internal/engine"
	"github.com/lemongate/lemongate/internal/enginelock"
	"github.com/lemongate/lemongate/internal/events/bus"
	"github.com/lemongate/lemongate/internal/store"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// ErrSessionBusy means the per-session registry still holds another run.
// Spawn retries this internally with backoff; callers see it only when a
// departing run wedged past the retry budget.
var ErrSessionBusy = errors.New("session already has an active run")

const (
	registerBackoffMin = 25 * time.Millisecond
	registerBackoffMax = 250 * time.Millisecond
	registerDeadline   = 3 * time.Second
)

// Manager tracks live runs by id and by session key and spawns new ones.
type Manager struct {
	cfg     *config.Config
	repo    store.Repository
	bus     bus.EventBus
	locker  *enginelock.Locker
	engines *engine.Registry
	logger  *logger.Logger

	runs      map[string]*Run   // by run id
	bySession map[string]string // session key -> run id
	mu        sync.RWMutex
}

// NewManager creates a run manager.
func NewManager(
	cfg *config.Config,
	repo store.Repository,
	eventBus bus.EventBus,
	locker *enginelock.Locker,
	engines *engine.Registry,
	log *logger.Logger,
) *Manager {
	return &Manager{
		cfg:       cfg,
		repo:      repo,
		bus:       eventBus,
		locker:    locker,
		engines:   engines,
		logger:    log.WithFields(zap.String("component", "run-manager")),
		runs:      make(map[string]*Run),
		bySession: make(map[string]string),
	}
}

// Spawn registers and starts a run for the job. threadKey is the
// serialization key the worker dispatched under; the engine lock is taken
// on it. slotRelease is owned by the run from this call on: it is
// released exactly once, on failure or on completion. onExit is invoked
// after the slot is released so the worker can dispatch its next job.
func (m *Manager) Spawn(ctx context.Context, job *v1.Job, threadKey string, slotRelease func(), onExit func(*Run)) (*Run, error) {
	if job.RunID == "" {
		job.RunID = uuid.NewString()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &Run{
		Job:       job,
		threadKey: threadKey,
		manager:   m,
		repo:      m.repo,
		bus:       m.bus,
		logger: m.logger.WithFields(
			zap.String("run_id", job.RunID),
			zap.String("session_key", job.SessionKey)),
		ctx:         runCtx,
		cancelCtx:   cancel,
		slotRelease: slotRelease,
		onExit:      onExit,
		events:      make(chan sinkEvent, 256),
		done:        make(chan struct{}),
		createdAt:   time.Now().UTC(),
		phase:       phaseInit,

		lockTimeout: m.cfg.EngineLock.Timeout(),
		idleTimeout: m.cfg.Lifecycle.IdleWatchdog(),
		idleConfirm: m.cfg.Lifecycle.IdleWatchdogConfirm(),
		engineGrace: m.cfg.Lifecycle.EngineDeathGrace(),
	}

	if err := m.registerWithRetry(ctx, r); err != nil {
		cancel()
		slotRelease()
		return nil, err
	}

	go r.start()
	return r, nil
}

// registerWithRetry inserts the run into both registries. A session slot
// still held by a departing run is retried with bounded backoff instead
// of failing the spawn.
func (m *Manager) registerWithRetry(ctx context.Context, r *Run) error {
	delay := registerBackoffMin
	deadline := time.Now().Add(registerDeadline)

	for {
		err := m.register(r)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrSessionBusy) || time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > registerBackoffMax {
			delay = registerBackoffMax
		}
	}
}

func (m *Manager) register(r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[r.Job.RunID]; exists {
		return fmt.Errorf("run already registered: %s", r.Job.RunID)
	}
	if holder, busy := m.bySession[r.Job.SessionKey]; busy {
		return fmt.Errorf("%w: %s held by %s", ErrSessionBusy, r.Job.SessionKey, holder)
	}
	m.runs[r.Job.RunID] = r
	m.bySession[r.Job.SessionKey] = r.Job.RunID
	return nil
}

func (m *Manager) unregister(r *Run) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.runs, r.Job.RunID)
	if m.bySession[r.Job.SessionKey] == r.Job.RunID {
		delete(m.bySession, r.Job.SessionKey)
	}
}

// Get returns the live run with the given id.
func (m *Manager) Get(runID string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	return r, ok
}

// BySession returns the session's live run, if any.
func (m *Manager) BySession(sessionKey string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySession[sessionKey]
	if !ok {
		return nil, false
	}
	r, ok := m.runs[id]
	return r, ok
}

// Cancel cancels the run with the given id. Cancelling an unknown or
// already-terminated run is a no-op; the return value reports whether a
// live run was found.
func (m *Manager) Cancel(runID, reason string) bool {
	r, ok := m.Get(runID)
	if !ok {
		return false
	}
	r.Cancel(reason)
	return true
}

// CancelSession cancels the session's live run, if any.
func (m *Manager) CancelSession(sessionKey, reason string) bool {
	r, ok := m.BySession(sessionKey)
	if !ok {
		return false
	}
	r.Cancel(reason)
	return true
}

// Steer injects text into the session's live run.
func (m *Manager) Steer(sessionKey, text string) error {
	r, ok := m.BySession(sessionKey)
	if !ok {
		return fmt.Errorf("no active run for session %s", sessionKey)
	}
	return r.Steer(text)
}

// CancelAll cancels every live run. Used on gateway shutdown; completion
// sequences still execute so locks, slots, and records are not leaked.
func (m *Manager) CancelAll(reason string) {
	m.mu.RLock()
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.RUnlock()

	for _, r := range runs {
		r.Cancel(reason)
	}
}

// Active returns the number of live runs.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs)
}

// List returns a snapshot of live run infos.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.Info())
	}
	return out
}
