package v1

// ActionKind classifies an engine action for the tool status surface.
// Kinds outside the whitelist are dropped by the status coalescer.
type ActionKind string

const (
	ActionKindTool       ActionKind = "tool"
	ActionKindCommand    ActionKind = "command"
	ActionKindFileChange ActionKind = "file_change"
	ActionKindWebSearch  ActionKind = "web_search"
	ActionKindSubagent   ActionKind = "subagent"
)

// Whitelisted reports whether the kind may appear on the status surface
func (k ActionKind) Whitelisted() bool {
	switch k {
	case ActionKindTool, ActionKindCommand, ActionKindFileChange, ActionKindWebSearch, ActionKindSubagent:
		return true
	}
	return false
}

// ActionPhase is the lifecycle phase of an engine action
type ActionPhase string

const (
	ActionPhaseStarted   ActionPhase = "started"
	ActionPhaseCompleted ActionPhase = "completed"
)

// Action identifies one engine action (tool call, command, file edit, ...)
type Action struct {
	ID    string     `json:"id"`
	Kind  ActionKind `json:"kind"`
	Title string     `json:"title"`
}
