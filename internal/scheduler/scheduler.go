// Package scheduler admits jobs into bounded concurrent execution while
// keeping every session strictly serial.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/common/config"
	"github.com/lemongate/lemongate/internal/common/logger"
	"github.com/lemongate/lemongate/internal/engine"
	"github.com/lemongate/lemongate/internal/run"
	"github.com/lemongate/lemongate/internal/store"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// Common errors
var (
	ErrSchedulerStopped = errors.New("scheduler is stopped")
	ErrUnknownEngine    = errors.New("unknown engine")
	ErrMissingSession   = errors.New("job requires a session key")
)

// resumeThreadCap bounds the resume-value sharing table; oldest pins
// fall off first.
const resumeThreadCap = 4096

// Scheduler fans submitted jobs out to per-thread workers. A thread key
// is normally the session key, so at most one run per session is ever
// in flight; sessions that share a resume token collapse onto the same
// thread so they cannot race each other on the engine side either.
type Scheduler struct {
	repo    store.Repository
	runs    *run.Manager
	engines *engine.Registry
	slots   *slotTable
	logger  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	defaultMode      v1.QueueMode
	queueCap         int
	dropNewest       bool
	followupDebounce time.Duration
	autoResume       bool

	mu      sync.Mutex
	stopped bool
	workers map[string]*worker
	wg      sync.WaitGroup

	// resume value -> thread key of the first job that carried it
	resumeThreads map[string]string
	resumeOrder   []string

	statsMu    sync.Mutex
	statsDay   string
	statsCount int
}

// New creates a scheduler wired to the run manager. Workers spin up
// lazily per thread key and retire themselves when idle.
func New(cfg *config.Config, repo store.Repository, runs *run.Manager, engines *engine.Registry, log *logger.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	mode := v1.QueueMode(cfg.Queue.Mode)
	switch mode {
	case v1.QueueModeCollect, v1.QueueModeFollowup, v1.QueueModeSteer,
		v1.QueueModeSteerBacklog, v1.QueueModeInterrupt:
	default:
		mode = v1.QueueModeCollect
	}

	return &Scheduler{
		repo:             repo,
		runs:             runs,
		engines:          engines,
		slots:            newSlotTable(cfg.Scheduler.MaxConcurrentRuns, cfg.Scheduler.SlotStale(), log.WithFields(zap.String("component", "slots"))),
		logger:           log.WithFields(zap.String("component", "scheduler")),
		ctx:              ctx,
		cancel:           cancel,
		defaultMode:      mode,
		queueCap:         cfg.Queue.Cap,
		dropNewest:       cfg.Queue.Drop == "newest",
		followupDebounce: cfg.Lifecycle.FollowupDebounce(),
		autoResume:       cfg.Scheduler.AutoResume,
		workers:          make(map[string]*worker),
		resumeThreads:    make(map[string]string),
	}
}

// Submit validates the job, fills identity and resume defaults, and
// enqueues it on the worker for its thread key. It returns the run id
// the caller can watch; the job itself may still coalesce away or be
// dropped by the queue cap.
func (s *Scheduler) Submit(ctx context.Context, job *v1.Job) (string, error) {
	if job == nil || strings.TrimSpace(job.SessionKey) == "" {
		return "", ErrMissingSession
	}
	if job.RunID == "" {
		job.RunID = uuid.New().String()
	}
	if job.EngineID != "" {
		if _, err := s.engines.Resolve(job.EngineID); err != nil {
			return "", fmt.Errorf("%w: %q", ErrUnknownEngine, job.EngineID)
		}
	}
	if job.Lane == "" {
		job.Lane = v1.LaneMain
	}
	if job.QueueMode == "" {
		job.QueueMode = s.defaultMode
	}
	mode := job.QueueMode

	s.maybeAutoResume(ctx, job)
	threadKey := s.threadKeyFor(job)
	s.recordQueued(ctx, job)

	s.logger.Debug("job submitted",
		zap.String("run_id", job.RunID),
		zap.String("session_key", job.SessionKey),
		zap.String("thread_key", threadKey),
		zap.String("queue_mode", string(mode)))

	for {
		w, err := s.workerFor(threadKey)
		if err != nil {
			return "", err
		}
		if w.enqueue(job, mode) {
			return job.RunID, nil
		}
		// Raced a retiring worker; the map slot is free again.
	}
}

// maybeAutoResume attaches the stored chat resume token to a job that
// arrived without one. A job with no engine preference adopts the
// stored engine too; otherwise the token is attached only when the
// engine families match. Store trouble degrades to a fresh session.
func (s *Scheduler) maybeAutoResume(ctx context.Context, job *v1.Job) {
	if !s.autoResume || job.Resume != nil || job.MetaFlag("disable_auto_resume") {
		return
	}
	state, err := s.repo.GetChatState(ctx, job.SessionKey)
	if err != nil {
		s.logger.Warn("chat state lookup failed, starting fresh",
			zap.String("session_key", job.SessionKey),
			zap.Error(err))
		return
	}
	if state == nil || state.Resume.Value == "" {
		return
	}

	if job.EngineID == "" {
		if _, err := s.engines.Resolve(state.Resume.EngineID); err != nil {
			s.logger.Warn("stored resume names an unknown engine, starting fresh",
				zap.String("session_key", job.SessionKey),
				zap.String("engine_id", state.Resume.EngineID))
			return
		}
		job.EngineID = state.Resume.EngineID
	} else if engineFamily(job.EngineID) != engineFamily(state.Resume.EngineID) {
		return
	}

	resume := state.Resume
	job.Resume = &resume
	s.logger.Debug("auto-resume attached",
		zap.String("run_id", job.RunID),
		zap.String("session_key", job.SessionKey),
		zap.String("engine_id", resume.EngineID))
}

// engineFamily is the leading segment of a composite engine id:
// "claude:claude-3-opus" and "claude" belong to the same family.
func engineFamily(id string) string {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[:i]
	}
	return id
}

// recordQueued persists the intake view of the job so its run id is
// queryable as soon as Submit returns. Best effort: a degraded store
// never blocks admission.
func (s *Scheduler) recordQueued(ctx context.Context, job *v1.Job) {
	err := s.repo.SaveRun(ctx, &store.RunRecord{
		RunID:      job.RunID,
		SessionKey: job.SessionKey,
		AgentID:    job.AgentID,
		State:      v1.RunStateQueued,
		Origin:     job.Origin,
		EngineID:   job.EngineID,
		Model:      job.Model,
		QueueMode:  job.QueueMode,
		Lane:       job.Lane,
		Prompt:     job.Prompt,
		Resume:     job.Resume,
		Meta:       job.Meta,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("queued run record not saved",
			zap.String("run_id", job.RunID),
			zap.Error(err))
	}
}

// recordNeverRan closes out the record of a job that left the queue
// without spawning: dropped, folded into a neighbour, or resolved by
// steering into a live run. FinalizedAt stays unset so these entries
// never inflate the completed-run counts.
func (s *Scheduler) recordNeverRan(job *v1.Job, reason string) {
	ctx := context.Background()
	rec, err := s.repo.GetRun(ctx, job.RunID)
	if err != nil || rec == nil {
		rec = &store.RunRecord{
			RunID:      job.RunID,
			SessionKey: job.SessionKey,
			AgentID:    job.AgentID,
			Origin:     job.Origin,
			EngineID:   job.EngineID,
			QueueMode:  job.QueueMode,
			Lane:       job.Lane,
			Prompt:     job.Prompt,
			CreatedAt:  time.Now().UTC(),
		}
	}
	rec.State = v1.RunStateCancelled
	rec.Error = reason
	if err := s.repo.SaveRun(ctx, rec); err != nil {
		s.logger.Warn("dropped run record not saved",
			zap.String("run_id", job.RunID),
			zap.Error(err))
	}
}

// threadKeyFor picks the serialization key for a job. A resume value is
// pinned to the thread key of the first job that carried it, so two
// sessions sharing one engine conversation can never run concurrently.
func (s *Scheduler) threadKeyFor(job *v1.Job) string {
	if job.Resume == nil || job.Resume.Value == "" {
		return job.SessionKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.resumeThreads[job.Resume.Value]; ok {
		if key != job.SessionKey {
			s.logger.Debug("resume token shared across sessions, serializing",
				zap.String("session_key", job.SessionKey),
				zap.String("thread_key", key))
		}
		return key
	}
	s.resumeThreads[job.Resume.Value] = job.SessionKey
	s.resumeOrder = append(s.resumeOrder, job.Resume.Value)
	if len(s.resumeOrder) > resumeThreadCap {
		evicted := s.resumeOrder[0]
		s.resumeOrder = s.resumeOrder[1:]
		delete(s.resumeThreads, evicted)
	}
	return job.SessionKey
}

func (s *Scheduler) workerFor(threadKey string) (*worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrSchedulerStopped
	}
	w, ok := s.workers[threadKey]
	if !ok {
		w = newWorker(threadKey, s)
		s.workers[threadKey] = w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.loop()
		}()
	}
	return w, nil
}

// retire removes an idle worker. Emptiness is rechecked under both
// locks so an enqueue racing the retirement either lands first or sees
// the stopped flag and reroutes.
func (s *Scheduler) retire(w *worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) > 0 || w.activeID != "" {
		return false
	}
	w.stopped = true
	if s.workers[w.threadKey] == w {
		delete(s.workers, w.threadKey)
	}
	return true
}

func (s *Scheduler) remove(w *worker) {
	s.mu.Lock()
	if s.workers[w.threadKey] == w {
		delete(s.workers, w.threadKey)
	}
	s.mu.Unlock()
}

// CancelRun cancels a live run by id. Queued jobs are unaffected.
func (s *Scheduler) CancelRun(runID, reason string) bool {
	return s.runs.Cancel(runID, reason)
}

// CancelSession cancels the active run of a session, if any.
func (s *Scheduler) CancelSession(sessionKey, reason string) bool {
	return s.runs.CancelSession(sessionKey, reason)
}

// Steer injects text into the session's active run.
func (s *Scheduler) Steer(sessionKey, text string) error {
	return s.runs.Steer(sessionKey, text)
}

// Counts reports admission metrics: runs holding slots, jobs waiting in
// queues or for slots, and terminal runs since UTC midnight.
func (s *Scheduler) Counts(ctx context.Context) v1.Counts {
	active, _ := s.slots.counts()

	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	queued := 0
	for _, w := range workers {
		queued += w.depth()
	}

	return v1.Counts{
		Active:         active,
		Queued:         queued,
		CompletedToday: s.completedToday(ctx),
	}
}

func (s *Scheduler) runExited() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	day := time.Now().UTC().Format("2006-01-02")
	if day != s.statsDay {
		s.statsDay = day
		s.statsCount = 0
	}
	s.statsCount++
}

// completedToday prefers the store so the figure survives restarts; the
// in-process tally covers store outages.
func (s *Scheduler) completedToday(ctx context.Context) int {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	n, err := s.repo.CountCompletedSince(ctx, midnight)
	if err == nil {
		return int(n)
	}
	s.logger.Warn("completed-today count degraded to in-process tally", zap.Error(err))

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if now.Format("2006-01-02") != s.statsDay {
		return 0
	}
	return s.statsCount
}

// Stop rejects new submissions, cancels live runs and waits for every
// worker to drain. Queued jobs are failed back to their submitters.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info("scheduler stopping")
	s.cancel()
	s.runs.CancelAll(run.ReasonInterrupt)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}
