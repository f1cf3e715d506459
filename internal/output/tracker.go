package output

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/coalesce"
	"github.com/lemongate/lemongate/internal/common/config"
	"github.com/lemongate/lemongate/internal/common/logger"
	"github.com/lemongate/lemongate/internal/events"
	"github.com/lemongate/lemongate/internal/events/bus"
	"github.com/lemongate/lemongate/internal/session"
	"github.com/lemongate/lemongate/internal/store"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// ErrTrackerClosed is returned by Track after Close.
var ErrTrackerClosed = errors.New("output tracker is closed")

// maxArtifacts bounds the files remembered per run; later file changes
// are dropped from the delivery batch, not from the status surface.
const maxArtifacts = 20

// Tracker mirrors the run events of tracked sessions onto their channel
// surfaces. Each tracked session owns a stream coalescer for the answer
// message, a tool-status coalescer when the channel can edit messages,
// and an artifact list per run; everything they emit goes through the
// outbox.
type Tracker struct {
	cfg    *config.Config
	bus    bus.EventBus
	outbox *Outbox
	repo   store.Repository
	logger *logger.Logger

	mu       sync.Mutex
	closed   bool
	adapters map[string]ChannelAdapter
	sessions map[string]*trackedSession

	wg sync.WaitGroup
}

type trackedSession struct {
	key       string
	channelID string
	accountID string
	peer      v1.Peer
	adapter   ChannelAdapter
	stream    *coalesce.StreamCoalescer
	status    *coalesce.ToolStatusCoalescer // nil on channels without edits
	sub       bus.Subscription
	seq       atomic.Int64

	artMu     sync.Mutex
	artifacts map[string][]v1.OutboundFileRef
}

// NewTracker creates the tracker. Sessions are added explicitly with
// Track; nothing is mirrored until then.
func NewTracker(cfg *config.Config, eventBus bus.EventBus, outbox *Outbox, repo store.Repository, log *logger.Logger) *Tracker {
	return &Tracker{
		cfg:      cfg,
		bus:      eventBus,
		outbox:   outbox,
		repo:     repo,
		logger:   log.WithFields(zap.String("component", "output-tracker")),
		adapters: make(map[string]ChannelAdapter),
		sessions: make(map[string]*trackedSession),
	}
}

// RegisterAdapter installs a channel-specific adapter. Sessions tracked
// afterwards on that channel use it instead of the config-derived
// static one.
func (t *Tracker) RegisterAdapter(adapter ChannelAdapter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.adapters[adapter.ChannelID()] = adapter
}

// Track starts mirroring a session's run events to its channel.
// Idempotent; main-form keys have no channel surface and are ignored.
func (t *Tracker) Track(sessionKey string) error {
	key, err := session.Parse(sessionKey)
	if err != nil {
		return err
	}
	if key.Main {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTrackerClosed
	}
	if _, ok := t.sessions[sessionKey]; ok {
		return nil
	}

	adapter := t.adapterLocked(key.ChannelID)
	ts := &trackedSession{
		key:       sessionKey,
		channelID: key.ChannelID,
		accountID: key.AccountID,
		peer:      v1.Peer{Kind: key.PeerKind, ID: key.PeerID, ThreadID: key.ThreadID},
		adapter:   adapter,
		artifacts: make(map[string][]v1.OutboundFileRef),
	}
	emit := func(f coalesce.Flush) { t.dispatchFlush(ts, f) }
	ts.stream = coalesce.NewStreamCoalescer(t.cfg.Coalesce, sessionKey, key.ChannelID, adapter.SupportsEdit(), emit, t.logger)
	if adapter.SupportsEdit() {
		ts.status = coalesce.NewToolStatusCoalescer(sessionKey, key.ChannelID, nil, emit, t.logger)
	}

	sub, err := t.bus.Subscribe(events.SessionTopic(sessionKey), func(ctx context.Context, event *bus.Event) error {
		return t.handleSessionEvent(ts, event)
	})
	if err != nil {
		ts.stream.Close()
		return fmt.Errorf("failed to subscribe to session events: %w", err)
	}
	ts.sub = sub
	t.sessions[sessionKey] = ts

	t.logger.Info("Session tracked",
		zap.String("session_key", sessionKey),
		zap.String("channel_id", key.ChannelID),
		zap.Bool("editable", adapter.SupportsEdit()))
	return nil
}

// Untrack stops mirroring a session. Buffered coalescer text is dropped.
func (t *Tracker) Untrack(sessionKey string) {
	t.mu.Lock()
	ts, ok := t.sessions[sessionKey]
	if ok {
		delete(t.sessions, sessionKey)
	}
	t.mu.Unlock()
	if ok {
		t.stopSession(ts)
		t.logger.Info("Session untracked", zap.String("session_key", sessionKey))
	}
}

// Tracked reports whether the session is currently mirrored.
func (t *Tracker) Tracked(sessionKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[sessionKey]
	return ok
}

// Close untracks every session and waits for in-flight delivery acks.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	sessions := make([]*trackedSession, 0, len(t.sessions))
	for _, ts := range t.sessions {
		sessions = append(sessions, ts)
	}
	t.sessions = make(map[string]*trackedSession)
	t.mu.Unlock()

	for _, ts := range sessions {
		t.stopSession(ts)
	}
	t.wg.Wait()
}

func (t *Tracker) stopSession(ts *trackedSession) {
	if ts.sub != nil {
		_ = ts.sub.Unsubscribe()
	}
	ts.stream.Close()
}

func (t *Tracker) adapterLocked(channelID string) ChannelAdapter {
	if a, ok := t.adapters[channelID]; ok {
		return a
	}
	return NewAdapter(channelID, t.cfg.Channels[channelID])
}

func (t *Tracker) handleSessionEvent(ts *trackedSession, event *bus.Event) error {
	switch event.Type {
	case events.RunDelta:
		var p events.DeltaPayload
		if err := events.Decode(event, &p); err != nil {
			return err
		}
		ts.stream.Delta(p.RunID, p.Seq, p.Text)

	case events.RunEngineAction:
		var p events.ActionPayload
		if err := events.Decode(event, &p); err != nil {
			return err
		}
		if ts.status != nil {
			ts.status.Action(p.RunID, p.Action, p.Phase, p.OK)
		}
		t.recordArtifact(ts, p)

	case events.RunCompleted:
		var p events.RunCompletedPayload
		if err := events.Decode(event, &p); err != nil {
			return err
		}
		// Settle the status list before the final answer lands.
		if ts.status != nil {
			ts.status.Finalize(p.RunID, p.OK)
		}
		ts.stream.Finalize(p.RunID, p.Answer, p.Resume)
		t.deliverArtifacts(ts, p.RunID, p.OK)

	case events.RunIdleWarning:
		var p events.IdleWarningPayload
		if err := events.Decode(event, &p); err != nil {
			return err
		}
		t.sendKeepalive(ts, p)
	}
	return nil
}

// dispatchFlush runs under the emitting coalescer's lock: it builds the
// payload, hands it to the outbox without blocking, and returns.
func (t *Tracker) dispatchFlush(ts *trackedSession, f coalesce.Flush) {
	kind := v1.OutboundText
	if f.MessageID != "" {
		kind = v1.OutboundEdit
	}
	content := v1.OutboundContent{
		Text:      ts.adapter.Truncate(f.Text),
		MessageID: f.MessageID,
	}
	if f.Surface == coalesce.SurfaceStatus && !f.Final {
		content.ReplyMarkup = ts.adapter.ReplyMarkupForToolStatus(f.RunID)
	}
	payload := v1.OutboundPayload{
		ChannelID:      ts.channelID,
		AccountID:      ts.accountID,
		Peer:           ts.peer,
		Kind:           kind,
		Content:        content,
		IdempotencyKey: fmt.Sprintf("%s|%s|%s|%d", ts.key, f.Surface, f.RunID, ts.seq.Add(1)),
		Meta:           map[string]string{"run_id": f.RunID, "surface": string(f.Surface)},
	}

	if kind == v1.OutboundText && !f.Final {
		// The created message's id feeds back into the coalescer so the
		// next flush becomes an edit, and into the progress index so an
		// abort-by-reply can name the run.
		ack := make(chan v1.DeliveryAck, 1)
		payload.Ack = ack
		t.wg.Add(1)
		go t.awaitAck(ts, f, ack)
	}

	if err := t.outbox.Enqueue(payload); err != nil {
		t.logger.Warn("Flush not enqueued",
			zap.String("session_key", ts.key),
			zap.String("run_id", f.RunID),
			zap.String("surface", string(f.Surface)),
			zap.Error(err))
	}
}

func (t *Tracker) awaitAck(ts *trackedSession, f coalesce.Flush, ack <-chan v1.DeliveryAck) {
	defer t.wg.Done()
	res := <-ack
	if res.Err != nil || res.MessageID == "" {
		return
	}

	switch f.Surface {
	case coalesce.SurfaceAnswer:
		ts.stream.AckMessageID(f.RunID, res.MessageID)
	case coalesce.SurfaceStatus:
		if ts.status != nil {
			ts.status.AckMessageID(f.RunID, res.MessageID)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ref := &store.ProgressRef{
		SessionKey: ts.key,
		ChannelID:  ts.channelID,
		MessageID:  res.MessageID,
		RunID:      f.RunID,
	}
	if err := t.repo.PutProgressRef(ctx, ref); err != nil {
		t.logger.Debug("Progress ref not stored",
			zap.String("run_id", f.RunID),
			zap.Error(err))
	}
}

func (t *Tracker) recordArtifact(ts *trackedSession, p events.ActionPayload) {
	if p.Action.Kind != v1.ActionKindFileChange || p.Phase != v1.ActionPhaseCompleted {
		return
	}
	if p.OK != nil && !*p.OK {
		return
	}
	if p.Action.Title == "" {
		return
	}
	ts.artMu.Lock()
	defer ts.artMu.Unlock()
	refs := ts.artifacts[p.RunID]
	for _, ref := range refs {
		if ref.Path == p.Action.Title {
			return
		}
	}
	if len(refs) >= maxArtifacts {
		return
	}
	ts.artifacts[p.RunID] = append(refs, v1.OutboundFileRef{
		Name: path.Base(p.Action.Title),
		Path: p.Action.Title,
	})
}

// deliverArtifacts sends the run's touched files once it completes
// successfully; failed runs just drop the list.
func (t *Tracker) deliverArtifacts(ts *trackedSession, runID string, ok bool) {
	ts.artMu.Lock()
	refs := ts.artifacts[runID]
	delete(ts.artifacts, runID)
	ts.artMu.Unlock()
	if !ok || len(refs) == 0 {
		return
	}

	for i, batch := range ts.adapter.BatchFiles(refs) {
		payload := v1.OutboundPayload{
			ChannelID:      ts.channelID,
			AccountID:      ts.accountID,
			Peer:           ts.peer,
			Kind:           v1.OutboundFile,
			Content:        v1.OutboundContent{Files: batch},
			IdempotencyKey: fmt.Sprintf("%s|files|%s|%d", ts.key, runID, i),
			Meta:           map[string]string{"run_id": runID, "surface": "files"},
		}
		if err := t.outbox.Enqueue(payload); err != nil {
			t.logger.Warn("Artifact batch not enqueued",
				zap.String("run_id", runID),
				zap.Int("batch", i),
				zap.Error(err))
		}
	}
}

// sendKeepalive surfaces an idle-watchdog warning as a plain text
// message so the peer knows the run is still alive but quiet.
func (t *Tracker) sendKeepalive(ts *trackedSession, p events.IdleWarningPayload) {
	idle := (time.Duration(p.IdleMs) * time.Millisecond).Round(time.Second)
	confirm := (time.Duration(p.ConfirmMs) * time.Millisecond).Round(time.Second)
	payload := v1.OutboundPayload{
		ChannelID: ts.channelID,
		AccountID: ts.accountID,
		Peer:      ts.peer,
		Kind:      v1.OutboundText,
		Content: v1.OutboundContent{
			Text: fmt.Sprintf("Still working, but no output for %s. The run stops in %s unless the engine resumes.", idle, confirm),
		},
		IdempotencyKey: fmt.Sprintf("%s|keepalive|%s|%d", ts.key, p.RunID, ts.seq.Add(1)),
		Meta:           map[string]string{"run_id": p.RunID, "surface": "keepalive"},
	}
	if err := t.outbox.Enqueue(payload); err != nil {
		t.logger.Warn("Keepalive not enqueued",
			zap.String("run_id", p.RunID),
			zap.Error(err))
	}
}
