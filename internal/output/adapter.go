// Package output turns run events into channel deliveries: per-session
// coalescers feed an outbox of outbound payloads shaped by each
// channel's adapter.
package output

import (
	"github.com/lemongate/lemongate/internal/coalesce"
	"github.com/lemongate/lemongate/internal/common/config"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

const (
	defaultMaxMessageChars = 4000
	defaultFileBatchSize   = 10
)

// ChannelAdapter describes how one channel wants its output shaped.
// Real transports implement this; the config-driven StaticAdapter covers
// channels that only need capability flags.
type ChannelAdapter interface {
	ChannelID() string

	// SupportsEdit reports whether delivered messages can be edited in
	// place. Edit-capable channels get streaming answer edits and a live
	// tool-status message; others get a new message per flush.
	SupportsEdit() bool

	// MaxMessageChars caps outbound message length.
	MaxMessageChars() int

	// ReplyMarkupForToolStatus returns the interactive markup attached
	// to the tool-status message, or nil when the channel has none.
	ReplyMarkupForToolStatus(runID string) map[string]string

	// Truncate shortens text to the channel's message limit.
	Truncate(text string) string

	// BatchFiles splits file artifacts into deliverable payload batches.
	BatchFiles(files []v1.OutboundFileRef) [][]v1.OutboundFileRef
}

// StaticAdapter is a capability-flag adapter driven by ChannelConfig.
type StaticAdapter struct {
	id        string
	edits     bool
	maxChars  int
	fileBatch int
}

// NewAdapter builds a StaticAdapter for a channel from its config entry.
func NewAdapter(channelID string, cfg config.ChannelConfig) *StaticAdapter {
	maxChars := cfg.MaxMessageChars
	if maxChars <= 0 {
		maxChars = defaultMaxMessageChars
	}
	fileBatch := cfg.FileBatchSize
	if fileBatch <= 0 {
		fileBatch = defaultFileBatchSize
	}
	return &StaticAdapter{
		id:        channelID,
		edits:     cfg.SupportsEdit,
		maxChars:  maxChars,
		fileBatch: fileBatch,
	}
}

func (a *StaticAdapter) ChannelID() string    { return a.id }
func (a *StaticAdapter) SupportsEdit() bool   { return a.edits }
func (a *StaticAdapter) MaxMessageChars() int { return a.maxChars }

// ReplyMarkupForToolStatus exposes an abort control on channels that can
// host one. Edit capability is the proxy: channels that cannot edit
// cannot retire the button either.
func (a *StaticAdapter) ReplyMarkupForToolStatus(runID string) map[string]string {
	if !a.edits {
		return nil
	}
	return map[string]string{"action": "abort", "run_id": runID}
}

func (a *StaticAdapter) Truncate(text string) string {
	return coalesce.Truncate(text, a.maxChars)
}

func (a *StaticAdapter) BatchFiles(files []v1.OutboundFileRef) [][]v1.OutboundFileRef {
	if len(files) == 0 {
		return nil
	}
	var out [][]v1.OutboundFileRef
	for len(files) > a.fileBatch {
		out = append(out, files[:a.fileBatch])
		files = files[a.fileBatch:]
	}
	return append(out, files)
}
