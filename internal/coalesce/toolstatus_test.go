package coalesce

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

func newToolStatus(t *testing.T) (*ToolStatusCoalescer, *flushRecorder) {
	t.Helper()
	rec := &flushRecorder{}
	c := NewToolStatusCoalescer(testSession, testChannel, nil, rec.record, newTestLogger(t))
	return c, rec
}

func boolPtr(b bool) *bool { return &b }

func TestToolStatusRendersNumberedList(t *testing.T) {
	c, rec := newToolStatus(t)

	c.Action("r-1", v1.Action{ID: "a-1", Kind: v1.ActionKindTool, Title: "Read main.go"}, v1.ActionPhaseStarted, nil)
	c.AckMessageID("r-1", "m-1")
	c.Action("r-1", v1.Action{ID: "a-2", Kind: v1.ActionKindCommand, Title: "go build ./..."}, v1.ActionPhaseStarted, nil)

	flushes := rec.snapshot()
	require.Len(t, flushes, 2)
	assert.Equal(t, SurfaceStatus, flushes[0].Surface)
	assert.Equal(t, "1. Read main.go [running]", flushes[0].Text)
	assert.Equal(t, "1. Read main.go [running]\n2. go build ./... [running]", flushes[1].Text)
	assert.Equal(t, "m-1", flushes[1].MessageID)
}

func TestToolStatusIdenticalRenderSuppressed(t *testing.T) {
	c, rec := newToolStatus(t)

	action := v1.Action{ID: "a-1", Kind: v1.ActionKindTool, Title: "Read main.go"}
	c.Action("r-1", action, v1.ActionPhaseStarted, nil)
	c.AckMessageID("r-1", "m-1")
	c.Action("r-1", action, v1.ActionPhaseStarted, nil)
	c.Action("r-1", action, v1.ActionPhaseStarted, nil)

	assert.Equal(t, 1, rec.count(), "unchanged rows must not re-render")
}

func TestToolStatusDropsUnidentifiedOrUnlistedKinds(t *testing.T) {
	c, rec := newToolStatus(t)

	c.Action("r-1", v1.Action{ID: "", Kind: v1.ActionKindTool, Title: "no id"}, v1.ActionPhaseStarted, nil)
	c.Action("r-1", v1.Action{ID: "a-1", Kind: v1.ActionKind("thinking"), Title: "hidden"}, v1.ActionPhaseStarted, nil)

	assert.Zero(t, rec.count())
}

func TestToolStatusCompletionStates(t *testing.T) {
	c, rec := newToolStatus(t)

	c.Action("r-1", v1.Action{ID: "a-1", Kind: v1.ActionKindCommand, Title: "go vet"}, v1.ActionPhaseStarted, nil)
	c.AckMessageID("r-1", "m-1")
	c.Action("r-1", v1.Action{ID: "a-1", Kind: v1.ActionKindCommand, Title: "go vet"}, v1.ActionPhaseCompleted, boolPtr(true))
	c.Action("r-1", v1.Action{ID: "a-2", Kind: v1.ActionKindCommand, Title: "go test"}, v1.ActionPhaseCompleted, boolPtr(false))

	flushes := rec.snapshot()
	require.NotEmpty(t, flushes)
	last := flushes[len(flushes)-1].Text
	assert.Contains(t, last, "1. go vet [ok]")
	assert.Contains(t, last, "2. go test [err]")
}

func TestToolStatusChangedTitleBecomesPreview(t *testing.T) {
	c, rec := newToolStatus(t)

	c.Action("r-1", v1.Action{ID: "a-1", Kind: v1.ActionKindCommand, Title: "go test ./..."}, v1.ActionPhaseStarted, nil)
	c.AckMessageID("r-1", "m-1")
	c.Action("r-1", v1.Action{ID: "a-1", Kind: v1.ActionKindCommand, Title: "42 passed"}, v1.ActionPhaseCompleted, boolPtr(true))

	flushes := rec.snapshot()
	require.NotEmpty(t, flushes)
	assert.Equal(t, "1. go test ./... [ok]: 42 passed", flushes[len(flushes)-1].Text)
}

func TestToolStatusCapEvictsOldest(t *testing.T) {
	c, rec := newToolStatus(t)

	for i := 1; i <= maxActions+1; i++ {
		c.Action("r-1", v1.Action{
			ID:    fmt.Sprintf("a-%d", i),
			Kind:  v1.ActionKindTool,
			Title: fmt.Sprintf("step %d", i),
		}, v1.ActionPhaseStarted, nil)
		if i == 1 {
			c.AckMessageID("r-1", "m-1")
		}
	}

	flushes := rec.snapshot()
	require.NotEmpty(t, flushes)
	lines := strings.Split(flushes[len(flushes)-1].Text, "\n")
	require.Len(t, lines, maxActions)
	assert.Equal(t, "1. step 2 [running]", lines[0])
	assert.Equal(t, fmt.Sprintf("%d. step %d [running]", maxActions, maxActions+1), lines[len(lines)-1])
}

func TestToolStatusFinalizeMarksRunningRows(t *testing.T) {
	c, rec := newToolStatus(t)

	c.Action("r-1", v1.Action{ID: "a-1", Kind: v1.ActionKindTool, Title: "fetch docs"}, v1.ActionPhaseStarted, nil)
	c.AckMessageID("r-1", "m-1")
	c.Action("r-1", v1.Action{ID: "a-2", Kind: v1.ActionKindWebSearch, Title: "search api"}, v1.ActionPhaseStarted, nil)
	c.Finalize("r-1", false)

	flushes := rec.snapshot()
	require.NotEmpty(t, flushes)
	final := flushes[len(flushes)-1]
	assert.True(t, final.Final)
	assert.Equal(t, "1. fetch docs [err]\n2. search api [err]", final.Text)

	// The run is retired; late events for it are dropped.
	c.Action("r-1", v1.Action{ID: "a-3", Kind: v1.ActionKindTool, Title: "late"}, v1.ActionPhaseStarted, nil)
	assert.Equal(t, len(flushes), rec.count())
}

func TestToolStatusHoldsEditsUntilAck(t *testing.T) {
	c, rec := newToolStatus(t)

	c.Action("r-1", v1.Action{ID: "a-1", Kind: v1.ActionKindTool, Title: "one"}, v1.ActionPhaseStarted, nil)
	require.Equal(t, 1, rec.count())
	assert.Empty(t, rec.snapshot()[0].MessageID)

	c.Action("r-1", v1.Action{ID: "a-2", Kind: v1.ActionKindTool, Title: "two"}, v1.ActionPhaseStarted, nil)
	assert.Equal(t, 1, rec.count(), "edits wait for the create ack")

	c.AckMessageID("r-1", "m-9")
	flushes := rec.snapshot()
	require.Len(t, flushes, 2)
	assert.Equal(t, "m-9", flushes[1].MessageID)
	assert.Equal(t, "1. one [running]\n2. two [running]", flushes[1].Text)
}

func TestToolStatusTitleTruncation(t *testing.T) {
	c, rec := newToolStatus(t)

	long := strings.Repeat("x", maxTitleChars+20)
	c.Action("r-1", v1.Action{ID: "a-1", Kind: v1.ActionKindTool, Title: long}, v1.ActionPhaseStarted, nil)

	flushes := rec.snapshot()
	require.Len(t, flushes, 1)
	want := "1. " + strings.Repeat("x", maxTitleChars-3) + "... [running]"
	assert.Equal(t, want, flushes[0].Text)
}

func TestToolStatusNewRunResetsSurface(t *testing.T) {
	c, rec := newToolStatus(t)

	c.Action("r-1", v1.Action{ID: "a-1", Kind: v1.ActionKindTool, Title: "old"}, v1.ActionPhaseStarted, nil)
	c.AckMessageID("r-1", "m-old")
	c.Finalize("r-1", true)

	c.Action("r-2", v1.Action{ID: "b-1", Kind: v1.ActionKindTool, Title: "new"}, v1.ActionPhaseStarted, nil)

	flushes := rec.snapshot()
	require.NotEmpty(t, flushes)
	last := flushes[len(flushes)-1]
	assert.Equal(t, "r-2", last.RunID)
	assert.Equal(t, "1. new [running]", last.Text)
	assert.Empty(t, last.MessageID, "message ids do not leak across runs")
}
