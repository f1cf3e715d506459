// Package session builds and parses canonical session keys.
//
// Keys take two forms:
//
//	Main:         agent:{agentID}:main
//	Channel peer: agent:{agentID}:{channelID}:{accountID}:{peerKind}:{peerID}
//
// The channel-peer form may carry optional suffixes, in order:
//
//	:thread:{threadID}   forum/topic threads inside a peer
//	:sub:{subID}         subagent scope spawned from the session
//
// Examples:
//
//	agent:default:main
//	agent:default:telegram:a1:dm:99
//	agent:default:telegram:a1:supergroup:-100123:thread:7
//	agent:support:slack:ws1:group:C42:sub:digger
//
// Keys are opaque to the scheduler; only equality and thread-key derivation
// matter. peerID may itself contain colons, so parsing validates the fixed
// positions and strips the reserved suffix markers from the tail.
package session

import (
	"fmt"
	"strings"

	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

const (
	prefix       = "agent"
	mainSegment  = "main"
	threadMarker = ":thread:"
	subMarker    = ":sub:"
)

// Key is a parsed session key.
type Key struct {
	AgentID   string
	Main      bool
	ChannelID string
	AccountID string
	PeerKind  v1.PeerKind
	PeerID    string
	ThreadID  string
	SubID     string
}

// MainKey builds the shared main session key for an agent.
//
//	agent:{agentID}:main
func MainKey(agentID string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, agentID, mainSegment)
}

// PeerKey builds the canonical session key for a channel conversation. A
// non-empty threadID appends the thread suffix.
//
//	agent:{agentID}:{channelID}:{accountID}:{peerKind}:{peerID}[:thread:{threadID}]
func PeerKey(agentID, channelID, accountID string, kind v1.PeerKind, peerID, threadID string) string {
	key := fmt.Sprintf("%s:%s:%s:%s:%s:%s", prefix, agentID, channelID, accountID, kind, peerID)
	if threadID != "" {
		key += threadMarker + threadID
	}
	return key
}

// ForInbound derives the session key for an inbound message.
func ForInbound(agentID string, msg *v1.InboundMessage) string {
	return PeerKey(agentID, msg.ChannelID, msg.AccountID, msg.Peer.Kind, msg.Peer.ID, msg.Peer.ThreadID)
}

// Subagent appends the subagent suffix to a parent session key.
func Subagent(parentKey, subID string) string {
	return parentKey + subMarker + subID
}

// String re-canonicalizes the key.
func (k Key) String() string {
	if k.Main {
		return MainKey(k.AgentID)
	}
	key := PeerKey(k.AgentID, k.ChannelID, k.AccountID, k.PeerKind, k.PeerID, k.ThreadID)
	if k.SubID != "" {
		key = Subagent(key, k.SubID)
	}
	return key
}

// Parse validates and decomposes a session key.
func Parse(raw string) (*Key, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 3 || parts[0] != prefix || parts[1] == "" {
		return nil, fmt.Errorf("session key %q: want agent:<agent_id>:...", raw)
	}
	key := &Key{AgentID: parts[1]}
	rest := parts[2]

	if rest == mainSegment {
		key.Main = true
		return key, nil
	}

	// Strip reserved suffixes from the tail so peerID may contain colons.
	if idx := strings.LastIndex(rest, subMarker); idx >= 0 {
		key.SubID = rest[idx+len(subMarker):]
		if key.SubID == "" {
			return nil, fmt.Errorf("session key %q: empty sub id", raw)
		}
		rest = rest[:idx]
	}
	if idx := strings.LastIndex(rest, threadMarker); idx >= 0 {
		key.ThreadID = rest[idx+len(threadMarker):]
		if key.ThreadID == "" {
			return nil, fmt.Errorf("session key %q: empty thread id", raw)
		}
		rest = rest[:idx]
	}

	segs := strings.SplitN(rest, ":", 4)
	if len(segs) < 4 {
		return nil, fmt.Errorf("session key %q: want <channel>:<account>:<peer_kind>:<peer_id>", raw)
	}
	key.ChannelID, key.AccountID = segs[0], segs[1]
	key.PeerKind = v1.PeerKind(segs[2])
	key.PeerID = segs[3]
	if key.ChannelID == "" || key.AccountID == "" || key.PeerID == "" {
		return nil, fmt.Errorf("session key %q: empty component", raw)
	}
	if !key.PeerKind.Valid() {
		return nil, fmt.Errorf("session key %q: unknown peer kind %q", raw, segs[2])
	}
	return key, nil
}

// Valid reports whether raw is a well-formed session key.
func Valid(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}

// IsSubagent reports whether the key carries a subagent suffix.
func IsSubagent(raw string) bool {
	return strings.Contains(raw, subMarker)
}
