package engine

import (
	"fmt"
	"regexp"
	"strings"

	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// Canonical resume line shared by engines that have no native resume
// syntax. The line survives channel reformatting because it uses no
// markup, only `resume:<engine>/<value>`.
var resumePattern = regexp.MustCompile(`resume:([a-z0-9][a-z0-9._-]*)/(\S+)`)

// FormatResume renders the canonical compact resume line for a token.
func FormatResume(token v1.ResumeToken) string {
	return fmt.Sprintf("resume:%s/%s", token.EngineID, token.Value)
}

// ExtractResume scans text for a canonical resume line and returns the
// last one found, so edited messages keep the freshest token.
func ExtractResume(text string) (v1.ResumeToken, bool) {
	matches := resumePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return v1.ResumeToken{}, false
	}
	m := matches[len(matches)-1]
	return v1.ResumeToken{EngineID: m[1], Value: strings.TrimSpace(m[2])}, true
}

// CanonicalResume implements the FormatResume/ExtractResume half of the
// Engine interface with the canonical line. Embed it in engines without
// their own resume syntax.
type CanonicalResume struct{}

func (CanonicalResume) FormatResume(token v1.ResumeToken) string {
	return FormatResume(token)
}

func (CanonicalResume) ExtractResume(text string) (v1.ResumeToken, bool) {
	return ExtractResume(text)
}
