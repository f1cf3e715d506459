package router

import (
	"strings"

	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// multiuserApprovalTools are forced to always-approve in conversations
// that host more than one human.
var multiuserApprovalTools = []string{"bash", "write", "process"}

// MergePolicies deep-merges tool policies in order; later layers win at
// the leaf. Approval entries merge per tool name, list fields are
// replaced wholesale by any layer that sets them, scalar fields by any
// non-zero layer. Nil layers are skipped; all-nil input yields nil.
func MergePolicies(layers ...*v1.ToolPolicy) *v1.ToolPolicy {
	var out *v1.ToolPolicy
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		if out == nil {
			out = layer.Clone()
			continue
		}
		if len(layer.Approvals) > 0 {
			if out.Approvals == nil {
				out.Approvals = make(map[string]v1.ApprovalMode, len(layer.Approvals))
			}
			for tool, mode := range layer.Approvals {
				out.Approvals[tool] = mode
			}
		}
		if layer.BlockedTools != nil {
			out.BlockedTools = append([]string(nil), layer.BlockedTools...)
		}
		if layer.AllowedCommands != nil {
			out.AllowedCommands = append([]string(nil), layer.AllowedCommands...)
		}
		if layer.BlockedCommands != nil {
			out.BlockedCommands = append([]string(nil), layer.BlockedCommands...)
		}
		if layer.MaxFileSize != 0 {
			out.MaxFileSize = layer.MaxFileSize
		}
		if layer.Sandbox != nil {
			v := *layer.Sandbox
			out.Sandbox = &v
		}
	}
	return out
}

// ForceApproval returns a copy of p with the named tools pinned to
// always-approve. A nil p yields a policy holding only the pins.
func ForceApproval(p *v1.ToolPolicy, tools ...string) *v1.ToolPolicy {
	out := p.Clone()
	if out == nil {
		out = &v1.ToolPolicy{}
	}
	if out.Approvals == nil {
		out.Approvals = make(map[string]v1.ApprovalMode, len(tools))
	}
	for _, tool := range tools {
		out.Approvals[tool] = v1.ApprovalAlways
	}
	return out
}

// ApprovalRequired reports whether a tool invocation needs human
// sign-off under p. Tools marked "dangerous" require sign-off only when
// the caller flags the invocation as dangerous; unset tools never do.
func ApprovalRequired(p *v1.ToolPolicy, tool string, dangerous bool) bool {
	if p == nil || p.Approvals == nil {
		return false
	}
	switch p.Approvals[tool] {
	case v1.ApprovalAlways:
		return true
	case v1.ApprovalDangerous:
		return dangerous
	default:
		return false
	}
}

// ToolBlocked reports whether the tool may not run at all under p.
func ToolBlocked(p *v1.ToolPolicy, tool string) bool {
	if p == nil {
		return false
	}
	for _, blocked := range p.BlockedTools {
		if blocked == tool {
			return true
		}
	}
	return false
}

// CommandAllowed reports whether a shell command passes p. The blocklist
// is checked first; a non-empty allowlist then admits only commands that
// match one of its prefixes; otherwise the command is allowed.
func CommandAllowed(p *v1.ToolPolicy, cmd string) bool {
	if p == nil {
		return true
	}
	cmd = strings.TrimSpace(cmd)
	for _, blocked := range p.BlockedCommands {
		if commandMatches(cmd, blocked) {
			return false
		}
	}
	if len(p.AllowedCommands) == 0 {
		return true
	}
	for _, allowed := range p.AllowedCommands {
		if commandMatches(cmd, allowed) {
			return true
		}
	}
	return false
}

// commandMatches reports whether cmd is the pattern itself or extends it
// at a word boundary, so "git" matches "git status" but not "github".
func commandMatches(cmd, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	return cmd == pattern || strings.HasPrefix(cmd, pattern+" ")
}
