// Package store persists the gateway's durable state: chat resume tokens,
// run records and history, progress-message refs, channel endpoints, the
// sessions index, and pending-compaction markers.
//
// The contract is deliberately forgiving: reads that miss return nil with a
// nil error, and the only error any method produces is one wrapping
// ErrUnavailable. Callers degrade on it (treat reads as absent, writes as
// best-effort) instead of failing runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks backend failures. Branch with errors.Is and degrade;
// never crash a run because the store is down.
var ErrUnavailable = errors.New("store unavailable")

// unavailable wraps a backend error so errors.Is(err, ErrUnavailable) holds
// while the original cause stays in the chain.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
}

// IsUnavailable reports whether err is a store availability failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Default TTLs. Chat state callers usually pass their configured TTL;
// pending-compaction markers always live compactionTTL.
const (
	DefaultChatTTL = 24 * time.Hour

	// compactionTTL bounds how long a pending-compaction marker stays
	// actionable. A marker older than this reads as absent.
	compactionTTL = 12 * time.Hour
)

// Repository is the durable state store behind the gateway. Implementations
// exist for memory (tests, dev), SQLite, and PostgreSQL.
type Repository interface {
	// Chat resume state.
	PutChatState(ctx context.Context, state *ChatState) error
	GetChatState(ctx context.Context, sessionKey string) (*ChatState, error)
	DeleteChatState(ctx context.Context, sessionKey string) error

	// Run records.
	SaveRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListSessionRuns(ctx context.Context, sessionKey string, limit int) ([]*RunRecord, error)
	CountCompletedSince(ctx context.Context, since time.Time) (int64, error)
	CompletedByDay(ctx context.Context, days int) ([]DailyCount, error)

	// Append-only run history.
	AppendHistory(ctx context.Context, entry *HistoryEntry) (int64, error)
	ListHistory(ctx context.Context, sessionKey string, limit int) ([]*HistoryEntry, error)

	// Progress-message index.
	PutProgressRef(ctx context.Context, ref *ProgressRef) error
	GetProgressRef(ctx context.Context, sessionKey string) (*ProgressRef, error)
	FindProgressRunID(ctx context.Context, channelID, messageID string) (string, error)
	DeleteProgressRef(ctx context.Context, sessionKey string) error

	// Channel endpoints.
	PutEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, channelID, accountID string) (*Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*Endpoint, error)

	// Sessions index.
	TouchSession(ctx context.Context, entry *SessionEntry) error
	GetSession(ctx context.Context, sessionKey string) (*SessionEntry, error)
	ListSessions(ctx context.Context, q SessionQuery) ([]*SessionEntry, error)

	// Pending-compaction markers.
	MarkPendingCompaction(ctx context.Context, sessionKey, reason string) error
	GetPendingCompaction(ctx context.Context, sessionKey string) (*PendingCompaction, error)
	SetAutoCompacted(ctx context.Context, sessionKey string) error
	ClearPendingCompaction(ctx context.Context, sessionKey string) error

	// Opaque buckets for router scratch state (inbound dedupe, channel
	// cursors). Values are caller-encoded.
	PutBucketEntry(ctx context.Context, bucket, key string, value []byte) error
	GetBucketEntry(ctx context.Context, bucket, key string) ([]byte, error)
	DeleteBucketEntry(ctx context.Context, bucket, key string) error

	// SweepExpired reaps expired chat state and compaction markers,
	// returning the number of rows removed.
	SweepExpired(ctx context.Context) (int64, error)

	Close() error
}
