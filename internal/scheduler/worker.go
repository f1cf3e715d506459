package scheduler

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/common/logger"
	"github.com/lemongate/lemongate/internal/run"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// entry is one queued job plus its effective queue mode. Entries that
// absorbed another job through coalescing are marked so the cap sweep
// never drops them.
type entry struct {
	job        *v1.Job
	mode       v1.QueueMode
	enqueuedAt time.Time
	coalesced  bool
}

// worker owns the serialized queue for one thread key. It is created on
// the first job for the key, dispatches jobs one at a time through the
// slot table, and retires itself once the queue drains and no run is
// active.
type worker struct {
	threadKey string
	sched     *Scheduler
	logger    *logger.Logger

	mu        sync.Mutex
	queue     []*entry
	activeID  string   // run id of the dispatched job, set before Spawn returns
	activeRun *run.Run // live handle once Spawn succeeds, nil while waiting for a slot
	stopped   bool

	wake chan struct{}
}

func newWorker(threadKey string, s *Scheduler) *worker {
	return &worker{
		threadKey: threadKey,
		sched:     s,
		logger:    s.logger.WithFields(zap.String("thread_key", threadKey)),
		wake:      make(chan struct{}, 1),
	}
}

// enqueue applies the job's queue-mode semantics. It returns false when
// the worker already retired, in which case the caller must route the
// job to a fresh worker.
func (w *worker) enqueue(job *v1.Job, mode v1.QueueMode) bool {
	e := &entry{job: job, mode: mode, enqueuedAt: time.Now()}
	for {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return false
		}

		switch e.mode {
		case v1.QueueModeSteer, v1.QueueModeSteerBacklog:
			target := w.activeRun
			w.mu.Unlock()
			if target != nil {
				err := target.Steer(e.job.Prompt)
				if err == nil {
					w.logger.Debug("steered active run",
						zap.String("run_id", target.Job.RunID),
						zap.String("steer_run_id", e.job.RunID))
					w.sched.recordNeverRan(e.job, "steered into run "+target.Job.RunID)
					w.notifySteered(e.job, target.Job.RunID)
					return true
				}
				w.logger.Debug("steer rejected, queueing instead",
					zap.String("run_id", target.Job.RunID),
					zap.Error(err))
			}
			e.mode = steerFallback(e.mode)
			continue

		case v1.QueueModeInterrupt:
			target := w.activeRun
			if target == nil {
				// Nothing to cancel; degrade to a plain enqueue.
				e.mode = v1.QueueModeCollect
				w.mu.Unlock()
				continue
			}
			w.queue = append([]*entry{e}, w.queue...)
			evicted := w.capLocked()
			w.mu.Unlock()
			w.failEvicted(evicted)
			target.Cancel(run.ReasonUserRequested)
			w.logger.Info("interrupted active run",
				zap.String("cancelled_run_id", target.Job.RunID),
				zap.String("run_id", e.job.RunID))
			w.wakeUp()
			return true

		case v1.QueueModeFollowup:
			if w.activeID != "" && e.job.MetaFlag("task_auto_followup") {
				e.mode = v1.QueueModeSteerBacklog
				w.mu.Unlock()
				continue
			}
			if prev := w.lastLocked(v1.QueueModeFollowup); prev != nil &&
				time.Since(prev.enqueuedAt) <= w.sched.followupDebounce {
				prev.job.Prompt = prev.job.Prompt + "\n" + e.job.Prompt
				prev.coalesced = true
				w.mu.Unlock()
				w.logger.Debug("merged followup within debounce window",
					zap.String("run_id", prev.job.RunID),
					zap.String("merged_run_id", e.job.RunID))
				w.sched.recordNeverRan(e.job, "merged into run "+prev.job.RunID)
				w.wakeUp()
				return true
			}
			evicted := w.appendLocked(e)
			w.mu.Unlock()
			w.failEvicted(evicted)
			w.wakeUp()
			return true

		default: // collect
			if last := w.lastLocked(v1.QueueModeCollect); last != nil && w.activeID == "" {
				// Adjacent collects while idle fold into one job: the
				// earlier text leads, the later job's identity wins.
				e.job.Prompt = last.job.Prompt + "\n" + e.job.Prompt
				e.coalesced = true
				e.enqueuedAt = last.enqueuedAt
				w.queue[len(w.queue)-1] = e
				w.mu.Unlock()
				w.logger.Debug("coalesced adjacent collect jobs",
					zap.String("run_id", e.job.RunID),
					zap.String("absorbed_run_id", last.job.RunID))
				w.sched.recordNeverRan(last.job, "coalesced into run "+e.job.RunID)
				w.wakeUp()
				return true
			}
			evicted := w.appendLocked(e)
			w.mu.Unlock()
			w.failEvicted(evicted)
			w.wakeUp()
			return true
		}
	}
}

func steerFallback(mode v1.QueueMode) v1.QueueMode {
	if mode == v1.QueueModeSteerBacklog {
		return v1.QueueModeCollect
	}
	return v1.QueueModeFollowup
}

// lastLocked returns the tail entry when it carries the given mode.
func (w *worker) lastLocked(mode v1.QueueMode) *entry {
	if n := len(w.queue); n > 0 && w.queue[n-1].mode == mode {
		return w.queue[n-1]
	}
	return nil
}

func (w *worker) appendLocked(e *entry) *entry {
	w.queue = append(w.queue, e)
	return w.capLocked()
}

// capLocked enforces the queue cap, evicting per the drop policy.
// Coalesced entries hold more than one caller's text and are never
// evicted, so an all-coalesced queue may sit above the cap. The
// evicted entry is returned for the caller to fail once the queue
// lock is released.
func (w *worker) capLocked() *entry {
	limit := w.sched.queueCap
	if limit <= 0 || len(w.queue) <= limit {
		return nil
	}
	if w.sched.dropNewest {
		for i := len(w.queue) - 1; i >= 0; i-- {
			if !w.queue[i].coalesced {
				return w.evictLocked(i)
			}
		}
	} else {
		for i := 0; i < len(w.queue); i++ {
			if !w.queue[i].coalesced {
				return w.evictLocked(i)
			}
		}
	}
	w.logger.Warn("queue over cap but every entry is coalesced",
		zap.Int("depth", len(w.queue)),
		zap.Int("cap", limit))
	return nil
}

func (w *worker) evictLocked(i int) *entry {
	dropped := w.queue[i]
	w.queue = append(w.queue[:i], w.queue[i+1:]...)
	return dropped
}

func (w *worker) failEvicted(e *entry) {
	if e == nil {
		return
	}
	w.logger.Warn("queue cap exceeded, dropping job",
		zap.String("run_id", e.job.RunID),
		zap.Int("cap", w.sched.queueCap))
	w.notifyDropped(e.job, "queue cap exceeded")
}

// loop is the dispatch goroutine. One job at a time: pop, wait for a
// slot, spawn the run, then sleep until the run exits or new work
// arrives.
func (w *worker) loop() {
	for {
		w.mu.Lock()
		if w.activeID == "" && len(w.queue) > 0 {
			e := w.queue[0]
			w.queue = w.queue[1:]
			w.activeID = e.job.RunID
			w.mu.Unlock()
			w.dispatch(e.job)
			continue
		}
		idle := w.activeID == "" && len(w.queue) == 0
		w.mu.Unlock()

		if idle && w.sched.retire(w) {
			return
		}

		select {
		case <-w.wake:
		case <-w.sched.ctx.Done():
			w.shutdown()
			return
		}
	}
}

// shutdown fails queued jobs back to their submitters and removes the
// worker from the scheduler's table.
func (w *worker) shutdown() {
	w.mu.Lock()
	w.stopped = true
	pending := w.queue
	w.queue = nil
	w.mu.Unlock()

	for _, e := range pending {
		w.notifyDropped(e.job, "scheduler shutting down")
	}
	w.sched.remove(w)
}

// dispatch takes the admission slot and hands the job to the run
// manager. Stale slot requests are simply retried; jobs that cannot
// spawn fail their caller instead of wedging the queue.
func (w *worker) dispatch(job *v1.Job) {
	var release func()
	for {
		var err error
		release, err = w.sched.slots.request(w.sched.ctx)
		if err == nil {
			break
		}
		if errors.Is(err, ErrSlotStale) {
			w.logger.Debug("slot request went stale, retrying",
				zap.String("run_id", job.RunID))
			continue
		}
		// Scheduler shutdown while queued for a slot.
		w.clearActive(job.RunID)
		w.notifyDropped(job, "scheduler shutting down")
		return
	}

	r, err := w.sched.runs.Spawn(w.sched.ctx, job, w.threadKey, release, w.onRunExit)
	if err != nil {
		w.logger.Error("failed to spawn run",
			zap.String("run_id", job.RunID),
			zap.String("session_key", job.SessionKey),
			zap.Error(err))
		w.clearActive(job.RunID)
		w.notifyDropped(job, "failed to start run: "+err.Error())
		w.wakeUp()
		return
	}

	w.mu.Lock()
	if w.activeID == job.RunID {
		w.activeRun = r
	}
	w.mu.Unlock()
}

// onRunExit is invoked from the run's finalizer. The exit may race the
// activeRun assignment in dispatch, so matching is by run id.
func (w *worker) onRunExit(r *run.Run) {
	w.mu.Lock()
	if w.activeID == r.Job.RunID {
		w.activeID = ""
		w.activeRun = nil
	}
	w.mu.Unlock()
	w.sched.runExited()
	w.wakeUp()
}

func (w *worker) clearActive(runID string) {
	w.mu.Lock()
	if w.activeID == runID {
		w.activeID = ""
		w.activeRun = nil
	}
	w.mu.Unlock()
}

func (w *worker) wakeUp() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// notifyDropped closes out a job that will never run and tells its
// submitter. Never called with the queue lock held: the record update
// hits the store.
func (w *worker) notifyDropped(job *v1.Job, reason string) {
	w.sched.recordNeverRan(job, reason)
	if job.Notify == nil {
		return
	}
	select {
	case job.Notify <- v1.CompletionNotice{
		RunID:      job.RunID,
		SessionKey: job.SessionKey,
		OK:         false,
		Error:      reason,
	}:
	default:
	}
}

// notifySteered resolves the submitter of a steer job whose text was
// injected into an already-running run.
func (w *worker) notifySteered(job *v1.Job, targetRunID string) {
	if job.Notify == nil {
		return
	}
	select {
	case job.Notify <- v1.CompletionNotice{
		RunID:      targetRunID,
		SessionKey: job.SessionKey,
		OK:         true,
	}:
	default:
	}
}

// depth reports queued entries plus the in-dispatch job, if any.
func (w *worker) depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.queue)
	if w.activeID != "" && w.activeRun == nil {
		n++ // popped but still waiting for a slot
	}
	return n
}
