package v1

// ApprovalMode says when a tool invocation needs human sign-off
type ApprovalMode string

const (
	ApprovalAlways    ApprovalMode = "always"
	ApprovalDangerous ApprovalMode = "dangerous"
	ApprovalNever     ApprovalMode = "never"
)

// ToolPolicy restricts what an engine may do during a run. Zero values mean
// "no opinion"; merging layers fill them in (see the router package). The
// yaml tags let agent profile files declare policies directly.
type ToolPolicy struct {
	Approvals       map[string]ApprovalMode `json:"approvals,omitempty" yaml:"approvals,omitempty"`
	BlockedTools    []string                `json:"blocked_tools,omitempty" yaml:"blocked_tools,omitempty"`
	AllowedCommands []string                `json:"allowed_commands,omitempty" yaml:"allowed_commands,omitempty"`
	BlockedCommands []string                `json:"blocked_commands,omitempty" yaml:"blocked_commands,omitempty"`
	MaxFileSize     int64                   `json:"max_file_size,omitempty" yaml:"max_file_size,omitempty"`
	Sandbox         *bool                   `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
}

// Clone returns a deep copy so merges never alias the source maps
func (p *ToolPolicy) Clone() *ToolPolicy {
	if p == nil {
		return nil
	}
	out := &ToolPolicy{
		MaxFileSize: p.MaxFileSize,
	}
	if p.Approvals != nil {
		out.Approvals = make(map[string]ApprovalMode, len(p.Approvals))
		for k, v := range p.Approvals {
			out.Approvals[k] = v
		}
	}
	out.BlockedTools = append([]string(nil), p.BlockedTools...)
	out.AllowedCommands = append([]string(nil), p.AllowedCommands...)
	out.BlockedCommands = append([]string(nil), p.BlockedCommands...)
	if p.Sandbox != nil {
		v := *p.Sandbox
		out.Sandbox = &v
	}
	return out
}
