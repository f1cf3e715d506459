package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lemongate/lemongate/internal/engine"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// modelEnginePrefixes maps model-name prefixes to the engine family that
// serves them. First match wins.
var modelEnginePrefixes = []struct {
	prefix string
	engine string
}{
	{"claude", "claude"},
	{"gpt-", "openai"},
}

// modelImpliedEngine returns the engine a model name implies, or "".
func modelImpliedEngine(model string) string {
	for _, rule := range modelEnginePrefixes {
		if strings.HasPrefix(model, rule.prefix) {
			return rule.engine
		}
	}
	return ""
}

// selectModel returns the first non-empty model among the precedence
// sources: request-explicit, request meta, session-stored, profile
// default, gateway default.
func selectModel(request, meta, stored, profile, fallback string) string {
	for _, m := range []string{request, meta, stored, profile, fallback} {
		if m != "" {
			return m
		}
	}
	return ""
}

// selectEngine resolves the effective engine id. Precedence: the resume
// token's engine, the request-explicit id, the model-implied id, the
// profile default. When an explicit id contradicts the model-implied one
// the explicit id wins and warning carries the conflict.
func selectEngine(resume *v1.ResumeToken, explicit, model, profile string) (id, warning string) {
	if resume != nil && resume.EngineID != "" {
		return resume.EngineID, ""
	}
	implied := modelImpliedEngine(model)
	if explicit != "" {
		if implied != "" && explicit != implied && !strings.HasPrefix(explicit, implied+":") {
			warning = fmt.Sprintf("engine %q overrides model-implied engine %q for model %q",
				explicit, implied, model)
		}
		return explicit, warning
	}
	if implied != "" {
		return implied, ""
	}
	return profile, ""
}

// resumeLinePattern matches a whole prompt line of the form
// "<engine> resume <value>" or "<engine> --resume <value>".
var resumeLinePattern = regexp.MustCompile(`(?mi)^[ \t]*([a-z0-9][a-z0-9._:-]*)[ \t]+(?:--resume[ \t=]|resume[ \t])[ \t]*(\S+)[ \t]*$`)

// extractResumeLine pulls a resume directive out of the prompt: either a
// "<engine> resume <value>" line or a pasted canonical
// "resume:<engine>/<value>" suffix. The directive is stripped only when
// the registry knows the engine; later directives win over earlier ones.
func extractResumeLine(engines *engine.Registry, prompt string) (string, *v1.ResumeToken) {
	matches := resumeLinePattern.FindAllStringSubmatchIndex(prompt, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		engineID := strings.ToLower(prompt[m[2]:m[3]])
		if _, err := engines.Resolve(engineID); err != nil {
			continue
		}
		token := &v1.ResumeToken{EngineID: engineID, Value: prompt[m[4]:m[5]]}
		return stripSpan(prompt, m[0], m[1]), token
	}

	if token, ok := engine.ExtractResume(prompt); ok {
		if _, err := engines.Resolve(token.EngineID); err == nil {
			literal := engine.FormatResume(token)
			if at := strings.LastIndex(prompt, literal); at >= 0 {
				return stripSpan(prompt, at, at+len(literal)), &token
			}
			return prompt, &token
		}
	}
	return prompt, nil
}

// stickyPattern matches the engine-override phrases "use <engine>",
// "switch to <engine>", "with <engine>".
var stickyPattern = regexp.MustCompile(`(?i)\b(?:use|switch to|with)[ \t]+([a-z0-9][a-z0-9._:-]*)`)

// extractStickyEngine returns the first phrase-named engine the registry
// knows. Phrases naming unknown engines are ignored, which keeps ordinary
// uses of "with" and "use" from misfiring.
func extractStickyEngine(engines *engine.Registry, prompt string) string {
	for _, m := range stickyPattern.FindAllStringSubmatch(prompt, -1) {
		candidate := strings.ToLower(strings.TrimRight(m[1], ".,;:!?"))
		if candidate == "" {
			continue
		}
		if _, err := engines.Resolve(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// stripSpan removes prompt[from:to] and tidies the seam so dropping a
// whole line does not leave doubled blank lines behind.
func stripSpan(prompt string, from, to int) string {
	head := strings.TrimRight(prompt[:from], " \t")
	tail := strings.TrimLeft(prompt[to:], " \t")
	head = strings.TrimSuffix(head, "\n")
	tail = strings.TrimPrefix(tail, "\n")
	switch {
	case head == "":
		return strings.TrimSpace(tail)
	case tail == "":
		return strings.TrimSpace(head)
	default:
		return head + "\n" + tail
	}
}
