package output

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemongate/lemongate/internal/common/config"
	"github.com/lemongate/lemongate/internal/events"
	"github.com/lemongate/lemongate/internal/events/bus"
	"github.com/lemongate/lemongate/internal/store"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

const (
	editableSession = "agent:default:telegram:a1:dm:99"
	plainSession    = "agent:default:mail:a1:dm:7"
)

type trackerHarness struct {
	cfg      *config.Config
	repo     store.Repository
	bus      *bus.MemoryBus
	consumer *memoryConsumer
	outbox   *Outbox
	tracker  *Tracker
}

func newTrackerHarness(t *testing.T) *trackerHarness {
	t.Helper()
	cfg := &config.Config{
		Coalesce: config.CoalesceConfig{MinChars: 1, IdleMs: 10, MaxLatencyMs: 40},
		Channels: map[string]config.ChannelConfig{
			"telegram": {SupportsEdit: true, MaxMessageChars: 4000, FileBatchSize: 2},
		},
	}
	log := newTestLogger(t)
	repo := store.NewMemoryRepository()
	eventBus := bus.NewMemoryBus(log)
	t.Cleanup(eventBus.Close)
	consumer := newMemoryConsumer()
	outbox := NewOutbox(consumer, log)
	tracker := NewTracker(cfg, eventBus, outbox, repo, log)
	t.Cleanup(func() {
		tracker.Close()
		outbox.Close()
	})
	return &trackerHarness{
		cfg:      cfg,
		repo:     repo,
		bus:      eventBus,
		consumer: consumer,
		outbox:   outbox,
		tracker:  tracker,
	}
}

func (h *trackerHarness) publish(t *testing.T, sessionKey, eventType string, payload interface{}) {
	t.Helper()
	evt := bus.NewEvent(eventType, "test", events.Payload(payload))
	require.NoError(t, h.bus.Publish(context.Background(), events.SessionTopic(sessionKey), evt))
}

func (h *trackerHarness) delta(t *testing.T, sessionKey, runID string, seq int64, text string) {
	h.publish(t, sessionKey, events.RunDelta, events.DeltaPayload{
		RunID: runID, SessionKey: sessionKey, Seq: seq, Text: text,
	})
}

func (h *trackerHarness) action(t *testing.T, sessionKey, runID string, action v1.Action, phase v1.ActionPhase, ok *bool) {
	h.publish(t, sessionKey, events.RunEngineAction, events.ActionPayload{
		RunID: runID, SessionKey: sessionKey, Action: action, Phase: phase, OK: ok,
	})
}

func (h *trackerHarness) completed(t *testing.T, sessionKey, runID string, ok bool, answer string, resume *v1.ResumeToken) {
	state := v1.RunStateCompleted
	if !ok {
		state = v1.RunStateError
	}
	h.publish(t, sessionKey, events.RunCompleted, events.RunCompletedPayload{
		RunID: runID, SessionKey: sessionKey, State: state, OK: ok,
		Answer: answer, Resume: resume, FinalizedAt: time.Now().UTC(),
	})
}

func (h *trackerHarness) waitPayload(t *testing.T, match func(v1.OutboundPayload) bool) v1.OutboundPayload {
	t.Helper()
	var found v1.OutboundPayload
	require.Eventually(t, func() bool {
		for _, p := range h.consumer.Payloads() {
			if match(p) {
				found = p
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return found
}

func surface(p v1.OutboundPayload) string { return p.Meta["surface"] }

func TestTrackIgnoresMainForm(t *testing.T) {
	h := newTrackerHarness(t)
	require.NoError(t, h.tracker.Track("agent:default:main"))
	assert.False(t, h.tracker.Tracked("agent:default:main"))
}

func TestTrackRejectsMalformedKey(t *testing.T) {
	h := newTrackerHarness(t)
	require.Error(t, h.tracker.Track("not-a-session-key"))
}

func TestTrackIdempotent(t *testing.T) {
	h := newTrackerHarness(t)
	require.NoError(t, h.tracker.Track(editableSession))
	require.NoError(t, h.tracker.Track(editableSession))
	assert.True(t, h.tracker.Tracked(editableSession))
}

func TestTrackAfterClose(t *testing.T) {
	h := newTrackerHarness(t)
	h.tracker.Close()
	require.ErrorIs(t, h.tracker.Track(editableSession), ErrTrackerClosed)
}

func TestTrackerEditableAnswerFlow(t *testing.T) {
	h := newTrackerHarness(t)
	require.NoError(t, h.tracker.Track(editableSession))
	runID := "run-edit-1"

	h.delta(t, editableSession, runID, 1, "Hello")
	create := h.waitPayload(t, func(p v1.OutboundPayload) bool {
		return p.Kind == v1.OutboundText && surface(p) == "answer"
	})
	assert.Equal(t, "telegram", create.ChannelID)
	assert.Equal(t, "a1", create.AccountID)
	assert.Equal(t, v1.PeerKindDM, create.Peer.Kind)
	assert.Equal(t, "99", create.Peer.ID)
	assert.Equal(t, runID, create.Meta["run_id"])
	assert.NotEmpty(t, create.IdempotencyKey)

	// Once the delivery ack names the created message, later flushes
	// edit it in place with the full accumulated text.
	h.delta(t, editableSession, runID, 2, " world")
	edit := h.waitPayload(t, func(p v1.OutboundPayload) bool {
		return p.Kind == v1.OutboundEdit && surface(p) == "answer"
	})
	assert.Equal(t, "Hello world", edit.Content.Text)
	assert.NotEmpty(t, edit.Content.MessageID)

	// The created message is indexed so a reply to it can abort the run.
	require.Eventually(t, func() bool {
		id, err := h.repo.FindProgressRunID(context.Background(), "telegram", edit.Content.MessageID)
		return err == nil && id == runID
	}, 5*time.Second, 10*time.Millisecond)

	resume := &v1.ResumeToken{EngineID: "lemon", Value: "tok-1"}
	h.completed(t, editableSession, runID, true, "Hello world", resume)
	final := h.waitPayload(t, func(p v1.OutboundPayload) bool {
		return surface(p) == "answer" && strings.Contains(p.Content.Text, "resume:lemon/tok-1")
	})
	assert.Equal(t, v1.OutboundEdit, final.Kind)
	assert.True(t, strings.HasPrefix(final.Content.Text, "Hello world"))
}

func TestTrackerPlainChannelSendsChunks(t *testing.T) {
	h := newTrackerHarness(t)
	require.NoError(t, h.tracker.Track(plainSession))
	runID := "run-plain-1"

	h.delta(t, plainSession, runID, 1, "part one.")
	first := h.waitPayload(t, func(p v1.OutboundPayload) bool {
		return surface(p) == "answer" && strings.Contains(p.Content.Text, "part one.")
	})
	assert.Equal(t, v1.OutboundText, first.Kind)
	assert.Empty(t, first.Content.MessageID)

	h.delta(t, plainSession, runID, 2, " part two.")
	second := h.waitPayload(t, func(p v1.OutboundPayload) bool {
		return surface(p) == "answer" && strings.Contains(p.Content.Text, "part two.")
	})
	assert.Equal(t, v1.OutboundText, second.Kind)
	assert.NotContains(t, second.Content.Text, "part one.")

	// Channels without edits get no tool status surface.
	ok := true
	h.action(t, plainSession, runID, v1.Action{ID: "a1", Kind: v1.ActionKindTool, Title: "read file"}, v1.ActionPhaseCompleted, &ok)
	h.completed(t, plainSession, runID, true, "part one. part two.", nil)
	require.Never(t, func() bool {
		for _, p := range h.consumer.Payloads() {
			if surface(p) == "status" || p.Kind == v1.OutboundEdit {
				return true
			}
		}
		return false
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestTrackerStatusSurface(t *testing.T) {
	h := newTrackerHarness(t)
	require.NoError(t, h.tracker.Track(editableSession))
	runID := "run-status-1"

	h.action(t, editableSession, runID, v1.Action{ID: "a1", Kind: v1.ActionKindCommand, Title: "go test ./..."}, v1.ActionPhaseStarted, nil)
	create := h.waitPayload(t, func(p v1.OutboundPayload) bool {
		return surface(p) == "status" && p.Kind == v1.OutboundText
	})
	assert.Contains(t, create.Content.Text, "go test ./...")
	assert.Contains(t, create.Content.Text, "[running]")
	require.NotNil(t, create.Content.ReplyMarkup)
	assert.Equal(t, runID, create.Content.ReplyMarkup["run_id"])

	ok := true
	h.action(t, editableSession, runID, v1.Action{ID: "a1", Kind: v1.ActionKindCommand, Title: "go test ./..."}, v1.ActionPhaseCompleted, &ok)
	edit := h.waitPayload(t, func(p v1.OutboundPayload) bool {
		return surface(p) == "status" && p.Kind == v1.OutboundEdit
	})
	assert.Contains(t, edit.Content.Text, "[ok]")
	assert.NotEmpty(t, edit.Content.MessageID)
}

func TestTrackerArtifactsDeliveredOnSuccess(t *testing.T) {
	h := newTrackerHarness(t)
	require.NoError(t, h.tracker.Track(editableSession))
	runID := "run-files-1"
	ok := true
	notOK := false

	for i, path := range []string{"/work/a.md", "/work/b.md", "/work/c.md", "/work/a.md"} {
		h.action(t, editableSession, runID,
			v1.Action{ID: fmt.Sprintf("f%d", i), Kind: v1.ActionKindFileChange, Title: path},
			v1.ActionPhaseCompleted, &ok)
	}
	// Failed file changes never enter the batch.
	h.action(t, editableSession, runID,
		v1.Action{ID: "f-bad", Kind: v1.ActionKindFileChange, Title: "/work/broken.md"},
		v1.ActionPhaseCompleted, &notOK)

	h.completed(t, editableSession, runID, true, "done", nil)

	// Three unique files at batch size two make two file payloads.
	require.Eventually(t, func() bool {
		count := 0
		for _, p := range h.consumer.Payloads() {
			if p.Kind == v1.OutboundFile {
				count++
			}
		}
		return count == 2
	}, 5*time.Second, 10*time.Millisecond)

	var names []string
	for _, p := range h.consumer.Payloads() {
		if p.Kind != v1.OutboundFile {
			continue
		}
		assert.Equal(t, runID, p.Meta["run_id"])
		for _, f := range p.Content.Files {
			names = append(names, f.Name)
		}
	}
	assert.Equal(t, []string{"a.md", "b.md", "c.md"}, names)
}

func TestTrackerArtifactsDroppedOnFailure(t *testing.T) {
	h := newTrackerHarness(t)
	require.NoError(t, h.tracker.Track(editableSession))
	runID := "run-files-2"
	ok := true

	h.action(t, editableSession, runID,
		v1.Action{ID: "f1", Kind: v1.ActionKindFileChange, Title: "/work/a.md"},
		v1.ActionPhaseCompleted, &ok)
	h.completed(t, editableSession, runID, false, "", nil)

	require.Never(t, func() bool {
		for _, p := range h.consumer.Payloads() {
			if p.Kind == v1.OutboundFile {
				return true
			}
		}
		return false
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestTrackerKeepalive(t *testing.T) {
	h := newTrackerHarness(t)
	require.NoError(t, h.tracker.Track(editableSession))

	h.publish(t, editableSession, events.RunIdleWarning, events.IdleWarningPayload{
		RunID: "run-idle-1", SessionKey: editableSession,
		IdleMs: 90_000, ConfirmMs: 300_000,
	})
	keepalive := h.waitPayload(t, func(p v1.OutboundPayload) bool {
		return surface(p) == "keepalive"
	})
	assert.Equal(t, v1.OutboundText, keepalive.Kind)
	assert.Contains(t, keepalive.Content.Text, "1m30s")
	assert.Contains(t, keepalive.Content.Text, "5m0s")
}

func TestTrackerRegisteredAdapterWins(t *testing.T) {
	h := newTrackerHarness(t)
	h.tracker.RegisterAdapter(NewAdapter("pager", config.ChannelConfig{MaxMessageChars: 16}))
	session := "agent:default:pager:a1:dm:5"
	require.NoError(t, h.tracker.Track(session))

	h.delta(t, session, "run-pager-1", 1, "this text is far longer than a pager allows")
	p := h.waitPayload(t, func(p v1.OutboundPayload) bool {
		return surface(p) == "answer"
	})
	assert.LessOrEqual(t, len(p.Content.Text), 16)
	assert.True(t, strings.HasSuffix(p.Content.Text, "..."))
}

func TestUntrackStopsMirroring(t *testing.T) {
	h := newTrackerHarness(t)
	require.NoError(t, h.tracker.Track(editableSession))
	runID := "run-untrack-1"

	h.delta(t, editableSession, runID, 1, "before untrack")
	h.waitPayload(t, func(p v1.OutboundPayload) bool {
		return surface(p) == "answer"
	})
	before := h.consumer.Count()

	h.tracker.Untrack(editableSession)
	assert.False(t, h.tracker.Tracked(editableSession))

	h.delta(t, editableSession, runID, 2, "after untrack")
	require.Never(t, func() bool {
		return h.consumer.Count() > before
	}, 200*time.Millisecond, 20*time.Millisecond)
}
