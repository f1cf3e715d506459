package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/common/logger"
)

// ErrSlotStale is returned to a waiter that sat in the slot queue past
// the stale threshold. The worker may simply request again.
var ErrSlotStale = errors.New("slot request went stale")

type slotReq struct {
	ch chan func()
	at time.Time
}

// slotTable is the admission counter: at most max runs in flight, FIFO
// waiters beyond that. Releases are idempotent per grant.
type slotTable struct {
	mu       sync.Mutex
	inFlight int
	max      int
	stale    time.Duration
	waitq    []*slotReq
	logger   *logger.Logger
}

func newSlotTable(max int, stale time.Duration, log *logger.Logger) *slotTable {
	if max <= 0 {
		max = 2
	}
	if stale <= 0 {
		stale = 30 * time.Second
	}
	return &slotTable{
		max:    max,
		stale:  stale,
		logger: log,
	}
}

// request blocks until a slot is granted or ctx ends. The returned
// release must be called exactly once; extra calls are no-ops.
func (st *slotTable) request(ctx context.Context) (func(), error) {
	st.mu.Lock()
	if st.inFlight < st.max {
		st.inFlight++
		st.mu.Unlock()
		return st.releaseFunc(), nil
	}
	req := &slotReq{ch: make(chan func(), 1), at: time.Now()}
	st.waitq = append(st.waitq, req)
	st.mu.Unlock()

	select {
	case grant := <-req.ch:
		if grant == nil {
			return nil, ErrSlotStale
		}
		return grant, nil
	case <-ctx.Done():
		return nil, st.abandon(req, ctx.Err())
	}
}

// abandon removes a waiter that gave up. A grant that raced ahead of the
// abandonment is drained and released so the slot is not leaked.
func (st *slotTable) abandon(req *slotReq, cause error) error {
	st.mu.Lock()
	for i, queued := range st.waitq {
		if queued == req {
			st.waitq = append(st.waitq[:i], st.waitq[i+1:]...)
			st.mu.Unlock()
			return cause
		}
	}
	st.mu.Unlock()

	if grant := <-req.ch; grant != nil {
		grant()
	}
	return cause
}

func (st *slotTable) releaseFunc() func() {
	var once sync.Once
	return func() { once.Do(st.release) }
}

// release frees one slot and promotes the oldest live waiter, dropping
// waiters that went stale in the queue.
func (st *slotTable) release() {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.inFlight--
	for len(st.waitq) > 0 {
		req := st.waitq[0]
		st.waitq = st.waitq[1:]
		if time.Since(req.at) > st.stale {
			st.logger.Warn("Dropping stale slot request",
				zap.Duration("age", time.Since(req.at)),
				zap.Duration("threshold", st.stale))
			close(req.ch)
			continue
		}
		st.inFlight++
		req.ch <- st.releaseFunc()
		return
	}
}

// counts reports in-flight grants and queued waiters.
func (st *slotTable) counts() (active, waiting int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inFlight, len(st.waitq)
}
