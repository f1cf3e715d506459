// Package agents loads agent profiles: per-agent defaults (engine, model,
// tool policy), per-channel policies, and the endpoint bindings the router
// consults when it turns inbound messages into jobs.
//
// Profiles live in a YAML file:
//
//	agents:
//	  - agent_id: default
//	    engine: lemon
//	  - agent_id: support
//	    engine: claude
//	    model: claude:sonnet
//	    policy:
//	      approvals:
//	        bash: always
//	    endpoints:
//	      - channel_id: telegram
//	        account_id: support-bot
//	channels:
//	  telegram:
//	    blocked_tools: [process]
//
// A missing file is not an error; the registry then carries only the
// built-in default profile assembled from config.
package agents

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lemongate/lemongate/internal/common/config"
	"github.com/lemongate/lemongate/internal/common/logger"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// DefaultAgentID is the profile every unknown agent id falls back to.
const DefaultAgentID = "default"

// Endpoint binds a channel account to an agent. An empty AccountID binds
// every account on the channel.
type Endpoint struct {
	ChannelID string `yaml:"channel_id"`
	AccountID string `yaml:"account_id,omitempty"`
}

// Profile is one agent's defaults. Empty Engine and Model defer to the
// gateway-wide defaults during selection.
type Profile struct {
	AgentID   string         `yaml:"agent_id"`
	Engine    string         `yaml:"engine,omitempty"`
	Model     string         `yaml:"model,omitempty"`
	Policy    *v1.ToolPolicy `yaml:"policy,omitempty"`
	Endpoints []Endpoint     `yaml:"endpoints,omitempty"`
}

type profilesFile struct {
	Agents   []*Profile                `yaml:"agents"`
	Channels map[string]*v1.ToolPolicy `yaml:"channels,omitempty"`
}

// Registry resolves agent ids to profiles and channel endpoints to the
// agents bound to them. Read-mostly; Reload swaps the whole profile set.
type Registry struct {
	mu         sync.RWMutex
	profiles   map[string]*Profile
	channels   map[string]*v1.ToolPolicy
	byEndpoint map[string]string
	logger     *logger.Logger
}

// NewRegistry builds the registry from config: a built-in default profile
// plus whatever cfg.ProfilesPath declares.
func NewRegistry(cfg config.AgentsConfig, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		profiles:   make(map[string]*Profile),
		channels:   make(map[string]*v1.ToolPolicy),
		byEndpoint: make(map[string]string),
		logger:     log.WithFields(zap.String("component", "agents")),
	}
	r.profiles[DefaultAgentID] = &Profile{
		AgentID: DefaultAgentID,
		Engine:  cfg.DefaultEngine,
		Model:   cfg.DefaultModel,
	}

	if cfg.ProfilesPath == "" {
		return r, nil
	}
	if err := r.Reload(cfg.ProfilesPath); err != nil {
		if os.IsNotExist(err) {
			r.logger.Info("No agent profiles file, using built-in default",
				zap.String("path", cfg.ProfilesPath))
			return r, nil
		}
		return nil, err
	}
	return r, nil
}

// Reload replaces the file-declared profiles with the contents of path.
// The built-in default profile survives unless the file overrides it.
func (r *Registry) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var f profilesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse agent profiles %s: %w", path, err)
	}

	profiles := make(map[string]*Profile, len(f.Agents)+1)
	byEndpoint := make(map[string]string)
	for _, p := range f.Agents {
		if p == nil || p.AgentID == "" {
			return fmt.Errorf("agent profiles %s: profile without agent_id", path)
		}
		if _, dup := profiles[p.AgentID]; dup {
			return fmt.Errorf("agent profiles %s: duplicate agent_id %q", path, p.AgentID)
		}
		profiles[p.AgentID] = p
		for _, ep := range p.Endpoints {
			if ep.ChannelID == "" {
				return fmt.Errorf("agent profiles %s: agent %q endpoint without channel_id", path, p.AgentID)
			}
			byEndpoint[endpointKey(ep.ChannelID, ep.AccountID)] = p.AgentID
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, has := profiles[DefaultAgentID]; !has {
		profiles[DefaultAgentID] = r.profiles[DefaultAgentID]
	}
	r.profiles = profiles
	r.byEndpoint = byEndpoint
	if f.Channels != nil {
		r.channels = f.Channels
	} else {
		r.channels = make(map[string]*v1.ToolPolicy)
	}

	r.logger.Info("Loaded agent profiles",
		zap.String("path", path),
		zap.Int("agents", len(profiles)),
		zap.Int("endpoints", len(byEndpoint)),
		zap.Int("channel_policies", len(r.channels)))
	return nil
}

// Resolve returns the profile for agentID, falling back to the default
// profile for empty or unknown ids.
func (r *Registry) Resolve(agentID string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.profiles[agentID]; ok {
		return p
	}
	return r.profiles[DefaultAgentID]
}

// Known reports whether agentID names a declared profile.
func (r *Registry) Known(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.profiles[agentID]
	return ok
}

// Default returns the fallback profile.
func (r *Registry) Default() *Profile {
	return r.Resolve(DefaultAgentID)
}

// AgentForEndpoint returns the agent bound to a channel account. Exact
// account bindings win over channel-wide ones; unbound endpoints return
// the empty string.
func (r *Registry) AgentForEndpoint(channelID, accountID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byEndpoint[endpointKey(channelID, accountID)]; ok {
		return id
	}
	if id, ok := r.byEndpoint[endpointKey(channelID, "")]; ok {
		return id
	}
	return ""
}

// ChannelPolicy returns the channel-wide tool policy, or nil.
func (r *Registry) ChannelPolicy(channelID string) *v1.ToolPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[channelID]
}

// List returns the declared agent ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	return ids
}

func endpointKey(channelID, accountID string) string {
	return channelID + "\x00" + accountID
}
