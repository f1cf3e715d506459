package coalesce

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemongate/lemongate/internal/common/config"
	"github.com/lemongate/lemongate/internal/common/logger"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

const (
	testSession = "agent:default:telegram:a1:dm:99"
	testChannel = "telegram"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

type flushRecorder struct {
	mu  sync.Mutex
	got []Flush
}

func (r *flushRecorder) record(f Flush) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, f)
}

func (r *flushRecorder) snapshot() []Flush {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Flush, len(r.got))
	copy(out, r.got)
	return out
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func fastCoalesceConfig() config.CoalesceConfig {
	return config.CoalesceConfig{MinChars: 5, IdleMs: 30, MaxLatencyMs: 200}
}

func newStream(t *testing.T, cfg config.CoalesceConfig, editable bool) (*StreamCoalescer, *flushRecorder) {
	t.Helper()
	rec := &flushRecorder{}
	c := NewStreamCoalescer(cfg, testSession, testChannel, editable, rec.record, newTestLogger(t))
	t.Cleanup(c.Close)
	return c, rec
}

func TestStreamFlushAfterIdle(t *testing.T) {
	c, rec := newStream(t, fastCoalesceConfig(), false)

	c.Delta("r-1", 1, "hello world")

	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, time.Second, 5*time.Millisecond)

	flushes := rec.snapshot()
	assert.Equal(t, "hello world", flushes[0].Text)
	assert.Equal(t, SurfaceAnswer, flushes[0].Surface)
	assert.Equal(t, "r-1", flushes[0].RunID)
	assert.False(t, flushes[0].Final)
}

func TestStreamFlushAtMaxLatency(t *testing.T) {
	cfg := config.CoalesceConfig{MinChars: 10_000, IdleMs: 30, MaxLatencyMs: 120}
	c, rec := newStream(t, cfg, false)

	// Never reaches min_chars; only the latency ceiling can flush it.
	c.Delta("r-1", 1, "tick ")
	c.Delta("r-1", 2, "tock")

	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "tick tock", rec.snapshot()[0].Text)
}

func TestStreamHoldsBelowThresholds(t *testing.T) {
	cfg := config.CoalesceConfig{MinChars: 100, IdleMs: 50, MaxLatencyMs: 5000}
	c, rec := newStream(t, cfg, false)

	c.Delta("r-1", 1, "small")
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, rec.count(), "short buffer must wait for the latency ceiling")
}

func TestStreamReordersBySeq(t *testing.T) {
	c, rec := newStream(t, fastCoalesceConfig(), true)

	c.Delta("r-1", 1, "one ")
	c.Delta("r-1", 3, "three")
	c.Delta("r-1", 2, "two ")

	require.Eventually(t, func() bool {
		return rec.count() >= 1
	}, time.Second, 5*time.Millisecond)
	flushes := rec.snapshot()
	assert.Equal(t, "one two three", flushes[len(flushes)-1].Text)
}

func TestStreamDropsDuplicates(t *testing.T) {
	c, rec := newStream(t, fastCoalesceConfig(), true)

	c.Delta("r-1", 1, "once")
	c.Delta("r-1", 1, "once")
	c.Finalize("r-1", "", nil)

	flushes := rec.snapshot()
	require.NotEmpty(t, flushes)
	final := flushes[len(flushes)-1]
	assert.Equal(t, "once", final.Text)
	assert.True(t, final.Final)
}

func TestStreamEditableCreatesThenEdits(t *testing.T) {
	c, rec := newStream(t, fastCoalesceConfig(), true)

	c.Delta("r-1", 1, "first chunk ")
	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.snapshot()[0].MessageID, "first flush creates the answer message")

	c.AckMessageID("r-1", "m-77")
	c.Delta("r-1", 2, "second chunk")
	require.Eventually(t, func() bool {
		return rec.count() == 2
	}, time.Second, 5*time.Millisecond)

	second := rec.snapshot()[1]
	assert.Equal(t, "m-77", second.MessageID)
	assert.Equal(t, "first chunk second chunk", second.Text, "edits carry the full text")
}

func TestStreamHoldsEditsUntilAck(t *testing.T) {
	c, rec := newStream(t, fastCoalesceConfig(), true)

	c.Delta("r-1", 1, "first chunk ")
	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, time.Second, 5*time.Millisecond)

	// No ack yet: further deltas must not produce a second create.
	c.Delta("r-1", 2, "more text")
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, rec.count())

	c.AckMessageID("r-1", "m-1")
	require.Eventually(t, func() bool {
		return rec.count() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "m-1", rec.snapshot()[1].MessageID)
}

func TestStreamFinalizeAppendsResumeSuffix(t *testing.T) {
	c, rec := newStream(t, fastCoalesceConfig(), true)

	c.Delta("r-1", 1, "the answer")
	c.Finalize("r-1", "", &v1.ResumeToken{EngineID: "lemon", Value: "tok-9"})

	flushes := rec.snapshot()
	require.NotEmpty(t, flushes)
	final := flushes[len(flushes)-1]
	assert.True(t, final.Final)
	assert.Equal(t, "the answer\n\nresume:lemon/tok-9", final.Text)
	require.NotNil(t, final.Resume)
	assert.Equal(t, "tok-9", final.Resume.Value)
}

func TestStreamFinalizeWithoutDeltas(t *testing.T) {
	c, rec := newStream(t, fastCoalesceConfig(), true)

	c.Finalize("r-1", "direct answer", nil)

	flushes := rec.snapshot()
	require.Len(t, flushes, 1)
	assert.True(t, flushes[0].Final)
	assert.Equal(t, "direct answer", flushes[0].Text)
	assert.Empty(t, flushes[0].MessageID)
}

func TestStreamIgnoresDeltasAfterFinalize(t *testing.T) {
	c, rec := newStream(t, fastCoalesceConfig(), true)

	c.Delta("r-1", 1, "done")
	c.Finalize("r-1", "", nil)
	n := rec.count()

	c.Delta("r-1", 2, "straggler")
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, n, rec.count())
}

func TestStreamBufferCapTruncatesOldest(t *testing.T) {
	c, rec := newStream(t, fastCoalesceConfig(), true)

	big := strings.Repeat("a", maxBuffer-10)
	c.Delta("r-1", 1, big)
	c.Delta("r-1", 2, strings.Repeat("b", 100))
	c.Finalize("r-1", "", nil)

	flushes := rec.snapshot()
	require.NotEmpty(t, flushes)
	final := flushes[len(flushes)-1]
	assert.Len(t, final.Text, maxBuffer)
	assert.True(t, strings.HasSuffix(final.Text, strings.Repeat("b", 100)))
}

func TestStreamNewRunResetsState(t *testing.T) {
	c, rec := newStream(t, fastCoalesceConfig(), true)

	c.Delta("r-1", 1, "old run")
	c.AckMessageID("r-1", "m-old")
	c.Finalize("r-1", "", nil)

	c.Delta("r-2", 1, "new run")
	c.Finalize("r-2", "", nil)

	flushes := rec.snapshot()
	require.NotEmpty(t, flushes)
	final := flushes[len(flushes)-1]
	assert.Equal(t, "r-2", final.RunID)
	assert.Equal(t, "new run", final.Text)
	assert.Empty(t, final.MessageID, "message ids do not leak across runs")
}
