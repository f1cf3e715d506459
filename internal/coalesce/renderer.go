package coalesce

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxTitleChars   = 80
	maxPreviewChars = 140
)

// StatusRow is one rendered line of the tool status surface.
type StatusRow struct {
	Index   int
	Title   string
	Preview string
	State   string // running, ok or err
}

// Renderer turns status rows into the channel text. Channels that want
// richer formatting supply their own.
type Renderer interface {
	Render(rows []StatusRow) string
}

// ListRenderer is the default plain-text numbered list.
type ListRenderer struct{}

func (ListRenderer) Render(rows []StatusRow) string {
	var b strings.Builder
	for _, row := range rows {
		fmt.Fprintf(&b, "%d. %s [%s]", row.Index, Truncate(row.Title, maxTitleChars), row.State)
		if row.Preview != "" {
			fmt.Fprintf(&b, ": %s", Truncate(row.Preview, maxPreviewChars))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// Truncate shortens s to at most limit runes, marking the cut.
func Truncate(s string, limit int) string {
	if limit <= 3 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-3]) + "..."
}
