package run

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/common/logger"
	"github.com/lemongate/lemongate/internal/engine"
	"github.com/lemongate/lemongate/internal/enginelock"
	"github.com/lemongate/lemongate/internal/events"
	"github.com/lemongate/lemongate/internal/events/bus"
	"github.com/lemongate/lemongate/internal/session"
	"github.com/lemongate/lemongate/internal/store"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

type phase int32

const (
	phaseInit phase = iota
	phaseRunning
	phaseTerminating
	phaseTerminated
)

const (
	defaultEngineGrace = 200 * time.Millisecond
	defaultIdleConfirm = 5 * time.Minute
)

// retryPrefix frames the one-shot zero-answer retry for the engine.
const retryPrefix = "Your previous response was empty. Answer the request below in full.\n\n"

// sinkEvent is one message on the run's private mailbox: an engine event
// or a control request.
type sinkEvent struct {
	started   *engine.StartedInfo
	delta     *string
	action    *actionEvent
	completed *engine.Result
	cancel    *cancelRequest
	keepAlive bool
}

type actionEvent struct {
	action v1.Action
	phase  v1.ActionPhase
	ok     *bool
}

type cancelRequest struct {
	reason string
}

// Info is a point-in-time snapshot of a live run.
type Info struct {
	RunID      string      `json:"run_id"`
	SessionKey string      `json:"session_key"`
	AgentID    string      `json:"agent_id"`
	EngineID   string      `json:"engine_id,omitempty"`
	State      v1.RunState `json:"state"`
	SawDelta   bool        `json:"saw_delta"`
	StartedAt  time.Time   `json:"started_at"`
}

// Run executes one job against one engine. All engine events funnel
// through a private mailbox consumed by a single goroutine, which owns
// sequencing and the completion sequence.
type Run struct {
	Job       *v1.Job
	threadKey string

	manager *Manager
	repo    store.Repository
	bus     bus.EventBus
	logger  *logger.Logger

	ctx       context.Context
	cancelCtx context.CancelFunc

	slotRelease func()
	onExit      func(*Run)
	events      chan sinkEvent
	done        chan struct{}

	lockTimeout time.Duration
	idleTimeout time.Duration
	idleConfirm time.Duration
	engineGrace time.Duration

	mu           sync.Mutex
	phase        phase
	eng          engine.Engine
	handle       engine.Handle
	lockRelease  enginelock.ReleaseFunc
	sawDelta     bool
	seq          int64
	retried      bool
	cancelReason string
	createdAt    time.Time
	startedAt    time.Time

	finalizeOnce sync.Once
}

// Done is closed when the run has fully terminated and released its
// resources.
func (r *Run) Done() <-chan struct{} { return r.done }

// Info snapshots the run for listings.
func (r *Run) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := v1.RunStateQueued
	switch r.phase {
	case phaseRunning:
		state = v1.RunStateRunning
	case phaseTerminating, phaseTerminated:
		state = v1.RunStateCompleted
	}
	engineID := r.Job.EngineID
	if r.eng != nil {
		engineID = r.eng.ID()
	}
	return Info{
		RunID:      r.Job.RunID,
		SessionKey: r.Job.SessionKey,
		AgentID:    r.Job.AgentID,
		EngineID:   engineID,
		State:      state,
		SawDelta:   r.sawDelta,
		StartedAt:  r.startedAt,
	}
}

// Cancel requests termination. The engine is asked to stop and the run
// completes with a synthetic failed result carrying the reason. Before
// the engine is live it aborts the lock wait instead. Calling Cancel on a
// terminated run is a no-op.
func (r *Run) Cancel(reason string) {
	if reason == "" {
		reason = ReasonUserRequested
	}
	r.mu.Lock()
	if r.phase == phaseInit {
		if r.cancelReason == "" {
			r.cancelReason = reason
		}
		r.mu.Unlock()
		r.cancelCtx()
		return
	}
	r.mu.Unlock()
	r.send(sinkEvent{cancel: &cancelRequest{reason: reason}})
}

// abortReason is the completion error for terminations that arrive
// through context cancellation rather than an explicit cancel event.
func (r *Run) abortReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelReason != "" {
		return r.cancelReason
	}
	return ReasonInterrupt
}

// Steer injects text into the live engine session.
func (r *Run) Steer(text string) error {
	r.mu.Lock()
	eng, handle := r.eng, r.handle
	r.mu.Unlock()

	if handle == nil {
		return fmt.Errorf("run %s has no live engine session", r.Job.RunID)
	}
	if eng != nil && !eng.SupportsSteer() {
		return engine.ErrSteerUnsupported
	}
	return handle.Steer(text)
}

// KeepWaiting resets the idle watchdog, acknowledging a keepalive prompt.
func (r *Run) KeepWaiting() {
	r.send(sinkEvent{keepAlive: true})
}

// EventSink implementation. The engine's reader goroutine lands here.

func (r *Run) EngineStarted(info engine.StartedInfo) {
	r.send(sinkEvent{started: &info})
}

func (r *Run) Delta(text string) {
	r.send(sinkEvent{delta: &text})
}

func (r *Run) Action(action v1.Action, actionPhase v1.ActionPhase, ok *bool) {
	r.send(sinkEvent{action: &actionEvent{action: action, phase: actionPhase, ok: ok}})
}

func (r *Run) Completed(result engine.Result) {
	r.send(sinkEvent{completed: &result})
}

func (r *Run) send(ev sinkEvent) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// start is the run goroutine: acquire the engine lock, boot the engine,
// then consume the mailbox until a terminal event.
func (r *Run) start() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Run panicked", zap.Any("panic", rec))
			r.finalize()
		}
	}()

	lockRelease, err := r.manager.locker.Acquire(r.ctx, r.threadKey, r.lockTimeout)
	if err != nil {
		if errors.Is(err, enginelock.ErrTimeout) {
			r.complete(engine.Result{OK: false, Error: ErrorLockTimeout})
		} else {
			r.complete(engine.Result{OK: false, Error: r.abortReason()})
		}
		return
	}
	r.mu.Lock()
	r.lockRelease = lockRelease
	r.mu.Unlock()

	eng, err := r.manager.engines.Resolve(r.Job.EngineID)
	if err != nil {
		r.logger.Warn("Engine resolution failed", zap.String("engine_id", r.Job.EngineID), zap.Error(err))
		r.complete(engine.Result{OK: false, Error: fmt.Sprintf("unknown_engine: %s", r.Job.EngineID)})
		return
	}

	now := time.Now().UTC()
	r.mu.Lock()
	r.eng = eng
	r.phase = phaseRunning
	r.startedAt = now
	r.mu.Unlock()

	r.saveRecord(v1.RunStateRunning, nil)
	r.publish(events.RunStarted, events.Payload(events.RunStartedPayload{
		RunID:      r.Job.RunID,
		SessionKey: r.Job.SessionKey,
		AgentID:    r.Job.AgentID,
		EngineID:   eng.ID(),
		Model:      r.Job.Model,
		Origin:     r.Job.Origin,
		ChannelID:  r.Job.Meta["channel_id"],
	}))

	handle, err := eng.Start(r.ctx, r.Job, r)
	if err != nil {
		if r.ctx.Err() != nil {
			r.complete(engine.Result{OK: false, Error: r.abortReason()})
			return
		}
		r.logger.Warn("Engine start failed", zap.Error(err))
		r.complete(engine.Result{OK: false, Error: fmt.Sprintf("engine_start: %v", err)})
		return
	}
	r.mu.Lock()
	r.handle = handle
	r.mu.Unlock()

	r.loop(handle)
}

func (r *Run) loop(handle engine.Handle) {
	handleDone := handle.Done()

	grace := r.engineGrace
	if grace <= 0 {
		grace = defaultEngineGrace
	}
	confirmWindow := r.idleConfirm
	if confirmWindow <= 0 {
		confirmWindow = defaultIdleConfirm
	}

	var graceTimer *time.Timer
	var graceC <-chan time.Time

	var idle *time.Timer
	var idleC <-chan time.Time
	if r.idleTimeout > 0 {
		idle = time.NewTimer(r.idleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}
	var confirm *time.Timer
	var confirmC <-chan time.Time

	resetIdle := func() {
		if confirm != nil {
			confirm.Stop()
			confirm = nil
			confirmC = nil
		}
		if idle == nil {
			return
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(r.idleTimeout)
		idleC = idle.C
	}

	// swapHandle re-arms monitoring after a zero-answer retry.
	swapHandle := func(next engine.Handle) {
		handle = next
		handleDone = next.Done()
		if graceTimer != nil {
			graceTimer.Stop()
			graceTimer = nil
		}
		graceC = nil
		resetIdle()
	}

	for {
		select {
		case ev := <-r.events:
			switch {
			case ev.completed != nil:
				if next := r.maybeRetry(*ev.completed); next != nil {
					swapHandle(next)
					continue
				}
				r.complete(*ev.completed)
				return
			case ev.cancel != nil:
				handle.Cancel(ev.cancel.reason)
				r.complete(engine.Result{OK: false, Error: ev.cancel.reason})
				return
			case ev.delta != nil:
				r.handleDelta(*ev.delta)
				resetIdle()
			case ev.action != nil:
				r.publish(events.RunEngineAction, events.Payload(events.ActionPayload{
					RunID:      r.Job.RunID,
					SessionKey: r.Job.SessionKey,
					Action:     ev.action.action,
					Phase:      ev.action.phase,
					OK:         ev.action.ok,
				}))
				resetIdle()
			case ev.started != nil:
				// Record the announced session immediately so the session
				// stays resumable even if this run never completes cleanly.
				if ev.started.Resume != nil {
					now := time.Now().UTC()
					r.storeWarn("put_chat_state", r.repo.PutChatState(context.Background(), &store.ChatState{
						SessionKey: r.Job.SessionKey,
						Resume:     *ev.started.Resume,
						UpdatedAt:  now,
						ExpiresAt:  now.Add(store.DefaultChatTTL),
					}))
				}
				r.publish(events.EngineStarted, events.Payload(events.EngineStartedPayload{
					RunID:      r.Job.RunID,
					SessionKey: r.Job.SessionKey,
					EngineID:   ev.started.EngineID,
					Title:      ev.started.Title,
					Resume:     ev.started.Resume,
				}))
			case ev.keepAlive:
				resetIdle()
			}

		case <-handleDone:
			// Engine session exited; give a buffered terminal event a
			// short grace window before declaring the engine lost.
			handleDone = nil
			graceTimer = time.NewTimer(grace)
			graceC = graceTimer.C

		case <-graceC:
			if res, ok := r.drainForTerminal(); ok {
				if next := r.maybeRetry(res); next != nil {
					swapHandle(next)
					continue
				}
				r.complete(res)
				return
			}
			r.complete(engine.Result{OK: false, Error: ErrorEngineLost})
			return

		case <-idleC:
			idleC = nil
			r.logger.Warn("Idle watchdog fired",
				zap.Duration("idle", r.idleTimeout),
				zap.Duration("confirm_window", confirmWindow))
			r.publish(events.RunIdleWarning, events.Payload(events.IdleWarningPayload{
				RunID:      r.Job.RunID,
				SessionKey: r.Job.SessionKey,
				IdleMs:     r.idleTimeout.Milliseconds(),
				ConfirmMs:  confirmWindow.Milliseconds(),
			}))
			confirm = time.NewTimer(confirmWindow)
			confirmC = confirm.C

		case <-confirmC:
			confirm.Stop()
			handle.Cancel(ReasonTimeout)
			r.complete(engine.Result{OK: false, Error: ReasonTimeout})
			return

		case <-r.ctx.Done():
			reason := r.abortReason()
			handle.Cancel(reason)
			r.complete(engine.Result{OK: false, Error: reason})
			return
		}
	}
}

// drainForTerminal consumes whatever the engine managed to buffer before
// dying, forwarding non-terminal events and returning a terminal one if
// present.
func (r *Run) drainForTerminal() (engine.Result, bool) {
	for {
		select {
		case ev := <-r.events:
			switch {
			case ev.completed != nil:
				return *ev.completed, true
			case ev.cancel != nil:
				return engine.Result{OK: false, Error: ev.cancel.reason}, true
			case ev.delta != nil:
				r.handleDelta(*ev.delta)
			case ev.action != nil:
				r.publish(events.RunEngineAction, events.Payload(events.ActionPayload{
					RunID:      r.Job.RunID,
					SessionKey: r.Job.SessionKey,
					Action:     ev.action.action,
					Phase:      ev.action.phase,
					OK:         ev.action.ok,
				}))
			}
		default:
			return engine.Result{}, false
		}
	}
}

func (r *Run) handleDelta(text string) {
	r.mu.Lock()
	first := !r.sawDelta
	r.sawDelta = true
	r.seq++
	seq := r.seq
	started := r.startedAt
	r.mu.Unlock()

	if first {
		r.logger.Debug("First delta", zap.Duration("latency", time.Since(started)))
	}
	r.publish(events.RunDelta, events.Payload(events.DeltaPayload{
		RunID:      r.Job.RunID,
		SessionKey: r.Job.SessionKey,
		Seq:        seq,
		Text:       text,
	}))
}

// maybeRetry re-submits the prompt once after an empty assistant failure.
// Returns the new handle, or nil when the result stands.
func (r *Run) maybeRetry(res engine.Result) engine.Handle {
	r.mu.Lock()
	eng := r.eng
	already := r.retried
	r.mu.Unlock()

	if already || eng == nil || !Retryable(res) {
		return nil
	}

	retryJob := *r.Job
	retryJob.Prompt = retryPrefix + r.Job.Prompt
	handle, err := eng.Start(r.ctx, &retryJob, r)
	if err != nil {
		r.logger.Warn("Zero-answer retry failed to start", zap.Error(err))
		return nil
	}

	r.logger.Info("Retrying after empty assistant response")
	r.mu.Lock()
	r.retried = true
	r.handle = handle
	r.mu.Unlock()
	return handle
}

// complete runs the completion sequence exactly once and terminates the
// run: overflow classification, chat-state and history writes, the
// terminal bus events, and resource release.
func (r *Run) complete(res engine.Result) {
	r.mu.Lock()
	if r.phase == phaseTerminating || r.phase == phaseTerminated {
		r.mu.Unlock()
		return
	}
	r.phase = phaseTerminating
	startedAt := r.startedAt
	r.mu.Unlock()

	state := StateFor(res)
	ctx := context.Background()
	now := time.Now().UTC()

	r.publish(events.EngineCompleted, events.Payload(events.RunCompletedPayload{
		RunID:       r.Job.RunID,
		SessionKey:  r.Job.SessionKey,
		State:       state,
		OK:          res.OK,
		Answer:      res.Answer,
		Error:       res.Error,
		Resume:      res.Resume,
		Usage:       res.Usage,
		FinalizedAt: now,
	}))

	overflow := IsOverflow(res.Error)
	preemptive := false
	if overflow {
		res.Resume = nil
		r.storeWarn("mark_pending_compaction",
			r.repo.MarkPendingCompaction(ctx, r.Job.SessionKey, "overflow"))
	} else if res.Usage != nil && res.Usage.ContextWindow > 0 &&
		res.Usage.Tokens*10 >= res.Usage.ContextWindow*9 {
		preemptive = true
		r.storeWarn("mark_pending_compaction",
			r.repo.MarkPendingCompaction(ctx, r.Job.SessionKey, "preemptive"))
	}

	switch {
	case overflow:
		r.storeWarn("delete_chat_state", r.repo.DeleteChatState(ctx, r.Job.SessionKey))
	case res.OK && res.Resume != nil:
		r.storeWarn("put_chat_state", r.repo.PutChatState(ctx, &store.ChatState{
			SessionKey: r.Job.SessionKey,
			Resume:     *res.Resume,
			Usage:      res.Usage,
			UpdatedAt:  now,
			ExpiresAt:  now.Add(store.DefaultChatTTL),
		}))
	}
	if res.OK && !overflow && !preemptive {
		// A clean completion means any earlier compaction request was
		// satisfied or no longer applies.
		r.storeWarn("clear_pending_compaction",
			r.repo.ClearPendingCompaction(ctx, r.Job.SessionKey))
	}

	if startedAt.IsZero() {
		startedAt = r.createdAt
	}
	entry := &store.HistoryEntry{
		RunID:       r.Job.RunID,
		SessionKey:  r.Job.SessionKey,
		OK:          res.OK,
		Answer:      res.Answer,
		Error:       res.Error,
		CreatedAt:   startedAt,
		FinalizedAt: now,
	}
	if res.Resume != nil {
		entry.ResumeValue = res.Resume.Value
	}
	if res.Usage != nil {
		entry.Tokens = res.Usage.Tokens
		entry.ContextWindow = res.Usage.ContextWindow
	}
	if _, err := r.repo.AppendHistory(ctx, entry); err != nil {
		r.storeWarn("append_history", err)
	}

	r.saveRecord(state, &res)
	r.touchSession(ctx)

	r.publish(events.RunCompleted, events.Payload(events.RunCompletedPayload{
		RunID:       r.Job.RunID,
		SessionKey:  r.Job.SessionKey,
		State:       state,
		OK:          res.OK,
		Answer:      res.Answer,
		Error:       res.Error,
		Resume:      res.Resume,
		Usage:       res.Usage,
		FinalizedAt: now,
	}))

	r.finalize()

	if r.Job.Notify != nil {
		notice := v1.CompletionNotice{
			RunID:      r.Job.RunID,
			SessionKey: r.Job.SessionKey,
			OK:         res.OK,
			Answer:     res.Answer,
			Error:      res.Error,
			Resume:     res.Resume,
		}
		select {
		case r.Job.Notify <- notice:
		default:
		}
	}
	if pid, err := strconv.Atoi(r.Job.Meta["notify_pid"]); err == nil && pid > 0 {
		if err := signalCompletion(pid); err != nil {
			r.logger.Debug("Completion signal not delivered",
				zap.Int("pid", pid), zap.Error(err))
		}
	}

	r.mu.Lock()
	r.phase = phaseTerminated
	r.mu.Unlock()

	r.logger.Info("Run completed",
		zap.String("state", string(state)),
		zap.Bool("ok", res.OK),
		zap.String("error", res.Error))
}

// finalize releases every resource the run holds. Idempotent; also the
// panic path, so the scheduler never leaks a slot and the lock never
// outlives its owner.
func (r *Run) finalize() {
	r.finalizeOnce.Do(func() {
		r.mu.Lock()
		lockRelease := r.lockRelease
		r.mu.Unlock()

		if lockRelease != nil {
			lockRelease()
		}
		r.slotRelease()
		if r.onExit != nil {
			r.onExit(r)
		}
		r.manager.unregister(r)
		r.cancelCtx()
		close(r.done)
	})
}

func (r *Run) saveRecord(state v1.RunState, res *engine.Result) {
	rec := &store.RunRecord{
		RunID:      r.Job.RunID,
		SessionKey: r.Job.SessionKey,
		AgentID:    r.Job.AgentID,
		State:      state,
		Origin:     r.Job.Origin,
		EngineID:   r.Job.EngineID,
		Model:      r.Job.Model,
		QueueMode:  r.Job.QueueMode,
		Lane:       r.Job.Lane,
		Prompt:     r.Job.Prompt,
		Meta:       r.Job.Meta,
		CreatedAt:  r.createdAt,
	}
	r.mu.Lock()
	if eng := r.eng; eng != nil {
		rec.EngineID = eng.ID()
	}
	if !r.startedAt.IsZero() {
		startedAt := r.startedAt
		rec.StartedAt = &startedAt
	}
	r.mu.Unlock()

	if res != nil {
		now := time.Now().UTC()
		rec.Answer = res.Answer
		rec.Error = res.Error
		rec.Resume = res.Resume
		rec.FinalizedAt = &now
		if res.Usage != nil {
			rec.Usage = *res.Usage
		}
	}
	r.storeWarn("save_run", r.repo.SaveRun(context.Background(), rec))
}

func (r *Run) touchSession(ctx context.Context) {
	entry := &store.SessionEntry{
		SessionKey:     r.Job.SessionKey,
		AgentID:        r.Job.AgentID,
		LastRunID:      r.Job.RunID,
		LastActivityAt: time.Now().UTC(),
	}
	if key, err := session.Parse(r.Job.SessionKey); err == nil && !key.Main {
		entry.ChannelID = key.ChannelID
		entry.AccountID = key.AccountID
		entry.PeerKind = string(key.PeerKind)
		entry.PeerID = key.PeerID
	}
	r.storeWarn("touch_session", r.repo.TouchSession(ctx, entry))
}

func (r *Run) publish(eventType string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, "run", data)
	ctx := context.Background()
	if err := r.bus.Publish(ctx, events.RunTopic(r.Job.RunID), event); err != nil {
		r.logger.Warn("Publish failed", zap.String("type", eventType), zap.Error(err))
	}
	if err := r.bus.Publish(ctx, events.SessionTopic(r.Job.SessionKey), event); err != nil {
		r.logger.Warn("Publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

func (r *Run) storeWarn(op string, err error) {
	if err != nil {
		r.logger.Warn("Store operation failed", zap.String("op", op), zap.Error(err))
	}
}
