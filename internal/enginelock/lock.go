// Package enginelock serializes engine access per key. A key is a session
// key, or a resume-token value when that value is shared across sessions;
// either way, at most one run at a time may drive the engine resource
// behind it.
package enginelock

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/common/config"
	"github.com/lemongate/lemongate/internal/common/logger"
)

// ErrTimeout is returned when a waiter's patience runs out before the
// holder releases.
var ErrTimeout = errors.New("engine lock timeout")

// ReleaseFunc releases a held lock. Safe to call more than once and from
// any goroutine; calls after a force-release are no-ops.
type ReleaseFunc func()

// Locker hands out per-key locks with FIFO waiters. Owner death is
// detected through the owner's context: when it is cancelled the lock
// releases itself and the next waiter is promoted.
type Locker struct {
	mu     sync.Mutex
	states map[string]*lockState
	nextID uint64

	require bool
	maxAge  time.Duration
	logger  *logger.Logger
}

type lockState struct {
	holder     *grant
	acquiredAt time.Time
	queue      []*waiter
}

type waiter struct {
	ctx   context.Context
	grant chan *grant
}

// grant is one ownership tenure. Release goes through sync.Once so the
// explicit release, the owner-death monitor, and the stale reaper can all
// race on it safely.
type grant struct {
	id       uint64
	key      string
	locker   *Locker
	released chan struct{}
	once     sync.Once
}

func (g *grant) release() {
	g.once.Do(func() {
		close(g.released)
		g.locker.mu.Lock()
		g.locker.releaseLocked(g.key, g.id)
		g.locker.mu.Unlock()
	})
}

// NewLocker creates a locker from config. With Require off every acquire
// grants immediately and releases are no-ops.
func NewLocker(cfg config.EngineLockConfig, log *logger.Logger) *Locker {
	maxAge := cfg.MaxAge()
	if maxAge <= 0 {
		maxAge = 120 * time.Second
	}
	return &Locker{
		states:  make(map[string]*lockState),
		require: cfg.Require,
		maxAge:  maxAge,
		logger:  log.WithFields(zap.String("component", "engine_lock")),
	}
}

// Acquire blocks until the key's lock is granted, the timeout fires, or
// ctx is cancelled. ctx is the owner's lifecycle context: after a grant it
// is monitored, and its cancellation releases the lock. The returned
// release is idempotent.
func (l *Locker) Acquire(ctx context.Context, key string, timeout time.Duration) (ReleaseFunc, error) {
	if !l.require {
		return func() {}, nil
	}

	l.mu.Lock()
	st := l.states[key]
	if st == nil {
		st = &lockState{}
		l.states[key] = st
	}
	if st.holder == nil && len(st.queue) == 0 {
		g := l.grantLocked(st, key, ctx)
		l.mu.Unlock()
		return g.release, nil
	}
	w := &waiter{ctx: ctx, grant: make(chan *grant, 1)}
	st.queue = append(st.queue, w)
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case g := <-w.grant:
		if g == nil {
			// Skipped as dead during promotion; only possible with a
			// cancelled context.
			return nil, ctx.Err()
		}
		return g.release, nil
	case <-timer.C:
		return nil, l.abandon(key, w, ErrTimeout)
	case <-ctx.Done():
		return nil, l.abandon(key, w, ctx.Err())
	}
}

// grantLocked makes a new tenure for the key and starts its owner-death
// monitor. Caller holds l.mu.
func (l *Locker) grantLocked(st *lockState, key string, ownerCtx context.Context) *grant {
	l.nextID++
	g := &grant{
		id:       l.nextID,
		key:      key,
		locker:   l,
		released: make(chan struct{}),
	}
	st.holder = g
	st.acquiredAt = time.Now()

	go func() {
		select {
		case <-ownerCtx.Done():
			g.release()
		case <-g.released:
		}
	}()
	return g
}

// releaseLocked ends the tenure identified by id and promotes the next
// live waiter. Releases by a stale id are ignored. Caller holds l.mu.
func (l *Locker) releaseLocked(key string, id uint64) {
	st := l.states[key]
	if st == nil || st.holder == nil || st.holder.id != id {
		return
	}
	st.holder = nil

	for len(st.queue) > 0 {
		w := st.queue[0]
		st.queue = st.queue[1:]
		if w.ctx.Err() != nil {
			close(w.grant)
			continue
		}
		g := l.grantLocked(st, key, w.ctx)
		w.grant <- g
		return
	}
	delete(l.states, key)
}

// abandon removes a timed-out waiter from the queue. If the waiter was
// already promoted, the grant is drained and released so the next waiter
// is not starved.
func (l *Locker) abandon(key string, w *waiter, cause error) error {
	l.mu.Lock()
	st := l.states[key]
	if st != nil {
		for i, queued := range st.queue {
			if queued == w {
				st.queue = append(st.queue[:i], st.queue[i+1:]...)
				if st.holder == nil && len(st.queue) == 0 {
					delete(l.states, key)
				}
				l.mu.Unlock()
				return cause
			}
		}
	}
	l.mu.Unlock()

	// Lost the race: the waiter already left the queue, either promoted
	// (a grant was sent) or skipped as dead (the channel was closed).
	if g := <-w.grant; g != nil {
		g.release()
	}
	return cause
}

// Reap runs the stale-holder sweep until ctx is cancelled. A holder past
// the max age is force-released so a wedged run cannot block its session
// forever.
func (l *Locker) Reap(ctx context.Context) {
	interval := l.maxAge / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, g := range l.stale() {
				l.logger.Warn("Force-releasing stale engine lock",
					zap.String("key", g.key),
					zap.Duration("max_age", l.maxAge))
				g.release()
			}
		}
	}
}

func (l *Locker) stale() []*grant {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.maxAge)
	var out []*grant
	for _, st := range l.states {
		if st.holder != nil && st.acquiredAt.Before(cutoff) {
			out = append(out, st.holder)
		}
	}
	return out
}

// Stats reports the number of held locks and queued waiters.
func (l *Locker) Stats() (held, waiting int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, st := range l.states {
		if st.holder != nil {
			held++
		}
		waiting += len(st.queue)
	}
	return held, waiting
}
