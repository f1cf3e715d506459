package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

func TestMergePoliciesLayering(t *testing.T) {
	profile := &v1.ToolPolicy{
		Approvals:    map[string]v1.ApprovalMode{"edit": v1.ApprovalAlways},
		BlockedTools: []string{"process"},
		MaxFileSize:  1 << 20,
	}
	channel := &v1.ToolPolicy{
		Approvals:       map[string]v1.ApprovalMode{"bash": v1.ApprovalDangerous},
		BlockedCommands: []string{"rm -rf"},
	}
	session := &v1.ToolPolicy{
		Approvals: map[string]v1.ApprovalMode{"bash": v1.ApprovalAlways, "write": v1.ApprovalAlways},
	}

	merged := MergePolicies(profile, channel, session)
	require.NotNil(t, merged)

	assert.Equal(t, v1.ApprovalAlways, merged.Approvals["edit"], "profile entry survives")
	assert.Equal(t, v1.ApprovalAlways, merged.Approvals["bash"], "later layer wins per key")
	assert.Equal(t, v1.ApprovalAlways, merged.Approvals["write"])
	assert.Equal(t, []string{"process"}, merged.BlockedTools)
	assert.Equal(t, []string{"rm -rf"}, merged.BlockedCommands)
	assert.Equal(t, int64(1<<20), merged.MaxFileSize)
}

func TestMergePoliciesListReplacedNotAppended(t *testing.T) {
	base := &v1.ToolPolicy{BlockedTools: []string{"process", "browser"}}
	override := &v1.ToolPolicy{BlockedTools: []string{}}

	merged := MergePolicies(base, override)
	require.NotNil(t, merged)
	assert.Empty(t, merged.BlockedTools, "a non-nil empty list clears the inherited one")

	merged = MergePolicies(base, &v1.ToolPolicy{})
	require.NotNil(t, merged)
	assert.Equal(t, []string{"process", "browser"}, merged.BlockedTools, "a nil list leaves the inherited one alone")
}

func TestMergePoliciesNilLayers(t *testing.T) {
	assert.Nil(t, MergePolicies(nil, nil))

	only := &v1.ToolPolicy{BlockedTools: []string{"bash"}}
	merged := MergePolicies(nil, only, nil)
	require.NotNil(t, merged)
	assert.Equal(t, []string{"bash"}, merged.BlockedTools)

	merged.BlockedTools[0] = "changed"
	assert.Equal(t, []string{"bash"}, only.BlockedTools, "merge must not alias the input layers")
}

func TestForceApproval(t *testing.T) {
	p := &v1.ToolPolicy{Approvals: map[string]v1.ApprovalMode{"bash": v1.ApprovalNever}}
	forced := ForceApproval(p, "bash", "write")

	assert.Equal(t, v1.ApprovalAlways, forced.Approvals["bash"])
	assert.Equal(t, v1.ApprovalAlways, forced.Approvals["write"])
	assert.Equal(t, v1.ApprovalNever, p.Approvals["bash"], "input policy stays untouched")

	forced = ForceApproval(nil, "process")
	require.NotNil(t, forced)
	assert.Equal(t, v1.ApprovalAlways, forced.Approvals["process"])
}

func TestApprovalRequired(t *testing.T) {
	p := &v1.ToolPolicy{Approvals: map[string]v1.ApprovalMode{
		"bash":  v1.ApprovalAlways,
		"edit":  v1.ApprovalDangerous,
		"fetch": v1.ApprovalNever,
	}}

	assert.True(t, ApprovalRequired(p, "bash", false))
	assert.True(t, ApprovalRequired(p, "edit", true))
	assert.False(t, ApprovalRequired(p, "edit", false))
	assert.False(t, ApprovalRequired(p, "fetch", true))
	assert.False(t, ApprovalRequired(p, "unlisted", true))
	assert.False(t, ApprovalRequired(nil, "bash", true))
}

func TestToolBlocked(t *testing.T) {
	p := &v1.ToolPolicy{BlockedTools: []string{"process", "browser"}}

	assert.True(t, ToolBlocked(p, "process"))
	assert.False(t, ToolBlocked(p, "bash"))
	assert.False(t, ToolBlocked(nil, "process"))
}

func TestCommandAllowed(t *testing.T) {
	p := &v1.ToolPolicy{
		AllowedCommands: []string{"git", "go test"},
		BlockedCommands: []string{"git push"},
	}

	assert.True(t, CommandAllowed(p, "git status"))
	assert.True(t, CommandAllowed(p, "go test ./..."))
	assert.False(t, CommandAllowed(p, "git push origin main"), "blocklist wins over allowlist")
	assert.False(t, CommandAllowed(p, "rm -rf /"), "not on the allowlist")
	assert.False(t, CommandAllowed(p, "github-cli pr list"), "prefix match stops at word boundaries")

	open := &v1.ToolPolicy{BlockedCommands: []string{"shutdown"}}
	assert.True(t, CommandAllowed(open, "ls"), "empty allowlist permits anything not blocked")
	assert.False(t, CommandAllowed(open, "shutdown -h now"))

	assert.True(t, CommandAllowed(nil, "anything"))
}
