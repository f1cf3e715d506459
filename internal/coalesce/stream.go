// Package coalesce batches per-run streaming events into the minimum
// number of channel emissions: one edited answer message instead of a
// message per token, one edited status list instead of a message per
// tool call.
package coalesce

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/common/config"
	"github.com/lemongate/lemongate/internal/common/logger"
	"github.com/lemongate/lemongate/internal/engine"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

const (
	// maxBuffer caps the accumulated answer text per run; older text is
	// truncated away first.
	maxBuffer = 100_000

	// reorderWindow is how many out-of-order deltas are held before the
	// gap is declared lost and skipped.
	reorderWindow = 64
)

// Surface distinguishes the two message surfaces a run maintains.
type Surface string

const (
	SurfaceAnswer Surface = "answer"
	SurfaceStatus Surface = "status"
)

// Flush is one coalesced emission handed to the channel layer.
type Flush struct {
	Surface    Surface
	SessionKey string
	ChannelID  string
	RunID      string
	Text       string
	// MessageID is the edit target; empty means create a new message.
	MessageID string
	Final     bool
	Resume    *v1.ResumeToken
}

// FlushFunc receives flushes while the coalescer lock is held. It must
// hand off quickly and never call back into the coalescer.
type FlushFunc func(Flush)

// StreamCoalescer folds a run's delta stream into periodic flushes. One
// instance serves one {session_key, channel_id} pair; state resets when
// a new run's deltas arrive.
type StreamCoalescer struct {
	sessionKey string
	channelID  string
	editable   bool
	minChars   int
	idle       time.Duration
	maxLatency time.Duration
	emit       FlushFunc
	logger     *logger.Logger

	mu             sync.Mutex
	runID          string
	finalizedRun   string
	nextSeq        int64
	pending        map[int64]string
	full           []byte
	unflushed      []byte
	lastDeltaAt    time.Time
	firstPendingAt time.Time
	hasPending     bool
	messageID      string
	created        bool
	closed         bool

	wake chan struct{}
	done chan struct{}
}

// NewStreamCoalescer starts the flush loop for one session/channel
// surface. editable selects the edit-in-place behaviour for channels
// that support it.
func NewStreamCoalescer(cfg config.CoalesceConfig, sessionKey, channelID string, editable bool, emit FlushFunc, log *logger.Logger) *StreamCoalescer {
	minChars := cfg.MinChars
	if minChars <= 0 {
		minChars = 48
	}
	idle := cfg.Idle()
	if idle <= 0 {
		idle = 400 * time.Millisecond
	}
	maxLatency := cfg.MaxLatency()
	if maxLatency <= 0 {
		maxLatency = 1200 * time.Millisecond
	}

	c := &StreamCoalescer{
		sessionKey: sessionKey,
		channelID:  channelID,
		editable:   editable,
		minChars:   minChars,
		idle:       idle,
		maxLatency: maxLatency,
		emit:       emit,
		logger: log.WithFields(
			zap.String("component", "stream-coalescer"),
			zap.String("session_key", sessionKey),
			zap.String("channel_id", channelID)),
		pending: make(map[int64]string),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go c.loop()
	return c
}

// Delta ingests one sequenced text fragment. Duplicates are dropped;
// fragments arriving ahead of a gap wait in the reorder window.
func (c *StreamCoalescer) Delta(runID string, seq int64, text string) {
	if text == "" || runID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || runID == c.finalizedRun {
		return
	}
	if runID != c.runID {
		c.resetLocked(runID)
	}
	if seq < c.nextSeq {
		return
	}
	if seq > c.nextSeq {
		if _, held := c.pending[seq]; held {
			return
		}
		c.pending[seq] = text
		if len(c.pending) > reorderWindow {
			c.skipGapLocked()
		}
		c.kick()
		return
	}
	c.ingestLocked(text)
	c.drainReadyLocked()
	c.kick()
}

// AckMessageID records the channel message created for the current run's
// answer, unblocking edit flushes.
func (c *StreamCoalescer) AckMessageID(runID, messageID string) {
	c.mu.Lock()
	if !c.closed && c.runID == runID && messageID != "" && c.messageID == "" {
		c.messageID = messageID
	}
	c.mu.Unlock()
	c.kick()
}

// Finalize forces the last flush for the run: edit-capable surfaces get
// the full text, generic ones whatever is still unflushed, and a resume
// token is appended as a compact suffix either way. When no deltas were
// seen the answer text stands in for the stream.
func (c *StreamCoalescer) Finalize(runID, answer string, resume *v1.ResumeToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || runID == "" || runID == c.finalizedRun {
		return
	}
	if c.runID != "" && c.runID != runID {
		return
	}
	if c.runID == "" {
		c.resetLocked(runID)
	}
	c.drainReadyLocked()

	var text string
	if c.editable {
		text = string(c.full)
		if text == "" {
			text = answer
		}
	} else {
		text = string(c.unflushed)
		if len(c.full) == 0 {
			text = answer
		}
	}
	if resume != nil {
		suffix := engine.FormatResume(*resume)
		if text != "" {
			text += "\n\n" + suffix
		} else {
			text = suffix
		}
	}

	c.finalizedRun = runID
	c.runID = ""
	c.unflushed = nil
	c.hasPending = false

	if text == "" {
		return
	}
	f := Flush{
		Surface:    SurfaceAnswer,
		SessionKey: c.sessionKey,
		ChannelID:  c.channelID,
		RunID:      runID,
		Text:       text,
		Final:      true,
		Resume:     resume,
	}
	if c.editable {
		f.MessageID = c.messageID
	}
	c.emit(f)
}

// Close stops the flush loop. Buffered text is dropped.
func (c *StreamCoalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
}

func (c *StreamCoalescer) resetLocked(runID string) {
	c.runID = runID
	c.nextSeq = 1
	c.pending = make(map[int64]string)
	c.full = nil
	c.unflushed = nil
	c.hasPending = false
	c.messageID = ""
	c.created = false
}

func (c *StreamCoalescer) ingestLocked(text string) {
	now := time.Now()
	if !c.hasPending {
		c.hasPending = true
		c.firstPendingAt = now
	}
	c.lastDeltaAt = now
	c.nextSeq++
	c.unflushed = append(c.unflushed, text...)
	c.full = append(c.full, text...)
	if len(c.full) > maxBuffer {
		c.full = c.full[len(c.full)-maxBuffer:]
	}
}

func (c *StreamCoalescer) drainReadyLocked() {
	for {
		text, ok := c.pending[c.nextSeq]
		if !ok {
			return
		}
		delete(c.pending, c.nextSeq)
		c.ingestLocked(text)
	}
}

// skipGapLocked gives up on a lost delta once the reorder window is
// full: sequencing restarts at the earliest held fragment.
func (c *StreamCoalescer) skipGapLocked() {
	lowest := int64(-1)
	for seq := range c.pending {
		if lowest < 0 || seq < lowest {
			lowest = seq
		}
	}
	if lowest < 0 {
		return
	}
	c.logger.Warn("delta gap abandoned",
		zap.String("run_id", c.runID),
		zap.Int64("expected_seq", c.nextSeq),
		zap.Int64("resumed_seq", lowest))
	c.nextSeq = lowest
	c.drainReadyLocked()
}

func (c *StreamCoalescer) loop() {
	timer := time.NewTimer(c.idle)
	defer timer.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		case <-timer.C:
		}
		c.maybeFlush(time.Now())
		timer.Reset(c.nextWait(time.Now()))
	}
}

func (c *StreamCoalescer) maybeFlush(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.hasPending || !c.dueLocked(now) {
		return
	}
	if c.editable && c.created && c.messageID == "" {
		// The answer message is still in flight; hold edits until the
		// delivery ack names it.
		return
	}

	var text string
	if c.editable {
		text = string(c.full)
	} else {
		text = string(c.unflushed)
	}
	if text == "" {
		return
	}
	f := Flush{
		Surface:    SurfaceAnswer,
		SessionKey: c.sessionKey,
		ChannelID:  c.channelID,
		RunID:      c.runID,
		Text:       text,
	}
	if c.editable {
		f.MessageID = c.messageID
		c.created = true
	}
	c.unflushed = nil
	c.hasPending = false
	c.emit(f)
}

func (c *StreamCoalescer) dueLocked(now time.Time) bool {
	if len(c.unflushed) >= c.minChars && now.Sub(c.lastDeltaAt) >= c.idle {
		return true
	}
	return now.Sub(c.firstPendingAt) >= c.maxLatency
}

func (c *StreamCoalescer) nextWait(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasPending {
		return c.idle
	}
	deadline := c.firstPendingAt.Add(c.maxLatency)
	if len(c.unflushed) >= c.minChars {
		if idleAt := c.lastDeltaAt.Add(c.idle); idleAt.Before(deadline) {
			deadline = idleAt
		}
	}
	wait := deadline.Sub(now)
	if wait < 5*time.Millisecond {
		wait = 5 * time.Millisecond
	}
	return wait
}

func (c *StreamCoalescer) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
