package coalesce

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/common/logger"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// maxActions bounds the status surface to the most recent actions.
const maxActions = 40

type actionRow struct {
	id      string
	kind    v1.ActionKind
	title   string
	preview string
	phase   v1.ActionPhase
	ok      *bool
}

// ToolStatusCoalescer folds engine action events into a single editable
// status message per run. Emissions happen only when the rendered text
// actually changes.
type ToolStatusCoalescer struct {
	sessionKey string
	channelID  string
	renderer   Renderer
	emit       FlushFunc
	logger     *logger.Logger

	mu           sync.Mutex
	runID        string
	finalizedRun string
	order        []string
	rows         map[string]*actionRow
	lastRendered string
	messageID    string
	created      bool
	dirty        bool
}

// NewToolStatusCoalescer builds the status surface for one
// session/channel pair. A nil renderer falls back to the numbered list.
func NewToolStatusCoalescer(sessionKey, channelID string, renderer Renderer, emit FlushFunc, log *logger.Logger) *ToolStatusCoalescer {
	if renderer == nil {
		renderer = ListRenderer{}
	}
	return &ToolStatusCoalescer{
		sessionKey: sessionKey,
		channelID:  channelID,
		renderer:   renderer,
		emit:       emit,
		logger: log.WithFields(
			zap.String("component", "toolstatus-coalescer"),
			zap.String("session_key", sessionKey),
			zap.String("channel_id", channelID)),
		rows: make(map[string]*actionRow),
	}
}

// Action ingests one engine action event. Events without an id or with
// a kind outside the whitelist are dropped.
func (c *ToolStatusCoalescer) Action(runID string, action v1.Action, phase v1.ActionPhase, ok *bool) {
	if runID == "" || action.ID == "" || !action.Kind.Whitelisted() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if runID == c.finalizedRun {
		return
	}
	if runID != c.runID {
		c.resetLocked(runID)
	}

	row, exists := c.rows[action.ID]
	if !exists {
		row = &actionRow{id: action.ID, kind: action.Kind, title: action.Title}
		c.rows[action.ID] = row
		c.order = append(c.order, action.ID)
		if len(c.order) > maxActions {
			evicted := c.order[0]
			c.order = c.order[1:]
			delete(c.rows, evicted)
		}
	}
	row.phase = phase
	row.ok = ok
	if action.Title != "" && action.Title != row.title {
		if row.title == "" {
			row.title = action.Title
		} else {
			// A changed title on completion carries the result text.
			row.preview = action.Title
		}
	}

	c.renderLocked(runID, false)
}

// AckMessageID records the channel message holding the status list.
func (c *ToolStatusCoalescer) AckMessageID(runID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runID != runID || messageID == "" || c.messageID != "" {
		return
	}
	c.messageID = messageID
	if c.dirty {
		c.renderLocked(runID, false)
	}
}

// Finalize marks still-running actions with the run's outcome, renders
// once more and retires the run from the surface.
func (c *ToolStatusCoalescer) Finalize(runID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if runID == "" || runID == c.finalizedRun || runID != c.runID {
		return
	}
	outcome := ok
	for _, row := range c.rows {
		if row.phase != v1.ActionPhaseCompleted {
			row.phase = v1.ActionPhaseCompleted
			row.ok = &outcome
		}
	}
	c.renderLocked(runID, true)
	c.finalizedRun = runID
	c.runID = ""
}

func (c *ToolStatusCoalescer) resetLocked(runID string) {
	c.runID = runID
	c.order = nil
	c.rows = make(map[string]*actionRow)
	c.lastRendered = ""
	c.messageID = ""
	c.created = false
	c.dirty = false
}

func (c *ToolStatusCoalescer) renderLocked(runID string, final bool) {
	rows := make([]StatusRow, 0, len(c.order))
	for i, id := range c.order {
		row := c.rows[id]
		rows = append(rows, StatusRow{
			Index:   i + 1,
			Title:   row.title,
			Preview: row.preview,
			State:   rowState(row),
		})
	}
	text := c.renderer.Render(rows)
	if text == "" || text == c.lastRendered {
		return
	}
	if !final && c.created && c.messageID == "" {
		// Status message still in flight; re-render on ack.
		c.dirty = true
		return
	}

	c.lastRendered = text
	c.created = true
	c.dirty = false
	c.emit(Flush{
		Surface:    SurfaceStatus,
		SessionKey: c.sessionKey,
		ChannelID:  c.channelID,
		RunID:      runID,
		Text:       text,
		MessageID:  c.messageID,
		Final:      final,
	})
}

func rowState(row *actionRow) string {
	if row.phase != v1.ActionPhaseCompleted {
		return "running"
	}
	if row.ok != nil && !*row.ok {
		return "err"
	}
	return "ok"
}
