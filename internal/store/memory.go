package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepository is the in-memory Repository used by tests and the dev
// loop. State is lost on restart. All methods are safe for concurrent use.
type MemoryRepository struct {
	mu sync.RWMutex

	chat       map[string]*ChatState
	runs       map[string]*RunRecord
	history    []*HistoryEntry
	nextHistID int64
	progress   map[string]*ProgressRef
	endpoints  map[string]*Endpoint
	sessions   map[string]*SessionEntry
	compaction map[string]*PendingCompaction
	buckets    map[string]map[string][]byte

	closed bool
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		chat:       make(map[string]*ChatState),
		runs:       make(map[string]*RunRecord),
		nextHistID: 1,
		progress:   make(map[string]*ProgressRef),
		endpoints:  make(map[string]*Endpoint),
		sessions:   make(map[string]*SessionEntry),
		compaction: make(map[string]*PendingCompaction),
		buckets:    make(map[string]map[string][]byte),
	}
}

func endpointKey(channelID, accountID string) string {
	return channelID + "\x00" + accountID
}

func (m *MemoryRepository) PutChatState(ctx context.Context, state *ChatState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *state
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = cp.UpdatedAt.Add(DefaultChatTTL)
	}
	m.chat[state.SessionKey] = &cp
	return nil
}

func (m *MemoryRepository) GetChatState(ctx context.Context, sessionKey string) (*ChatState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.chat[sessionKey]
	if !ok || !state.ExpiresAt.After(time.Now().UTC()) {
		return nil, nil
	}
	cp := *state
	return &cp, nil
}

func (m *MemoryRepository) DeleteChatState(ctx context.Context, sessionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chat, sessionKey)
	return nil
}

func (m *MemoryRepository) SaveRun(ctx context.Context, rec *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneRunRecord(rec)
	m.runs[rec.RunID] = cp
	return nil
}

func (m *MemoryRepository) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	return cloneRunRecord(rec), nil
}

func (m *MemoryRepository) ListSessionRuns(ctx context.Context, sessionKey string, limit int) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RunRecord
	for _, rec := range m.runs {
		if rec.SessionKey == sessionKey {
			out = append(out, cloneRunRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) CountCompletedSince(ctx context.Context, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, rec := range m.runs {
		if rec.FinalizedAt != nil && !rec.FinalizedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) CompletedByDay(ctx context.Context, days int) ([]DailyCount, error) {
	if days <= 0 {
		days = 7
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	byDay := make(map[string]int64)
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	for _, rec := range m.runs {
		if rec.FinalizedAt == nil || rec.FinalizedAt.Before(cutoff) {
			continue
		}
		byDay[rec.FinalizedAt.UTC().Format("2006-01-02")]++
	}
	out := make([]DailyCount, 0, len(byDay))
	for day, count := range byDay {
		out = append(out, DailyCount{Day: day, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day > out[j].Day })
	if len(out) > days {
		out = out[:days]
	}
	return out, nil
}

func (m *MemoryRepository) AppendHistory(ctx context.Context, entry *HistoryEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	cp.ID = m.nextHistID
	m.nextHistID++
	if cp.FinalizedAt.IsZero() {
		cp.FinalizedAt = time.Now().UTC()
	}
	if !cp.CreatedAt.IsZero() {
		cp.DurationMs = cp.FinalizedAt.Sub(cp.CreatedAt).Milliseconds()
	}
	m.history = append(m.history, &cp)
	return cp.ID, nil
}

func (m *MemoryRepository) ListHistory(ctx context.Context, sessionKey string, limit int) ([]*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*HistoryEntry
	// Newest first.
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].SessionKey != sessionKey {
			continue
		}
		cp := *m.history[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryRepository) PutProgressRef(ctx context.Context, ref *ProgressRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ref
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	m.progress[ref.SessionKey] = &cp
	return nil
}

func (m *MemoryRepository) GetProgressRef(ctx context.Context, sessionKey string) (*ProgressRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.progress[sessionKey]
	if !ok {
		return nil, nil
	}
	cp := *ref
	return &cp, nil
}

func (m *MemoryRepository) FindProgressRunID(ctx context.Context, channelID, messageID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ref := range m.progress {
		if ref.ChannelID == channelID && ref.MessageID == messageID {
			return ref.RunID, nil
		}
	}
	return "", nil
}

func (m *MemoryRepository) DeleteProgressRef(ctx context.Context, sessionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.progress, sessionKey)
	return nil
}

func (m *MemoryRepository) PutEndpoint(ctx context.Context, ep *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ep
	if cp.Meta != nil {
		cp.Meta = cloneStringMap(ep.Meta)
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	m.endpoints[endpointKey(ep.ChannelID, ep.AccountID)] = &cp
	return nil
}

func (m *MemoryRepository) GetEndpoint(ctx context.Context, channelID, accountID string) (*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[endpointKey(channelID, accountID)]
	if !ok {
		return nil, nil
	}
	cp := *ep
	cp.Meta = cloneStringMap(ep.Meta)
	return &cp, nil
}

func (m *MemoryRepository) ListEndpoints(ctx context.Context) ([]*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		cp := *ep
		cp.Meta = cloneStringMap(ep.Meta)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out, nil
}

func (m *MemoryRepository) TouchSession(ctx context.Context, entry *SessionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sessions[entry.SessionKey]
	cp := *entry
	if cp.LastActivityAt.IsZero() {
		cp.LastActivityAt = time.Now().UTC()
	}
	if ok {
		cp.RunCount = existing.RunCount
		if entry.LastRunID != "" && entry.LastRunID != existing.LastRunID {
			cp.RunCount++
		} else if entry.LastRunID == "" {
			cp.LastRunID = existing.LastRunID
		}
	} else if entry.LastRunID != "" {
		cp.RunCount = 1
	}
	m.sessions[entry.SessionKey] = &cp
	return nil
}

func (m *MemoryRepository) GetSession(ctx context.Context, sessionKey string) (*SessionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.sessions[sessionKey]
	if !ok {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (m *MemoryRepository) ListSessions(ctx context.Context, q SessionQuery) ([]*SessionEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SessionEntry
	for _, entry := range m.sessions {
		if q.AgentID != "" && entry.AgentID != q.AgentID {
			continue
		}
		if q.Search != "" && !strings.Contains(strings.ToLower(entry.SessionKey), strings.ToLower(q.Search)) {
			continue
		}
		cp := *entry
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) MarkPendingCompaction(ctx context.Context, sessionKey, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.compaction[sessionKey] = &PendingCompaction{
		SessionKey: sessionKey,
		Reason:     reason,
		MarkedAt:   now,
		ExpiresAt:  now.Add(compactionTTL),
	}
	return nil
}

func (m *MemoryRepository) GetPendingCompaction(ctx context.Context, sessionKey string) (*PendingCompaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	marker, ok := m.compaction[sessionKey]
	if !ok || !marker.ExpiresAt.After(time.Now().UTC()) {
		return nil, nil
	}
	cp := *marker
	return &cp, nil
}

func (m *MemoryRepository) SetAutoCompacted(ctx context.Context, sessionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if marker, ok := m.compaction[sessionKey]; ok {
		marker.AutoCompacted = true
	}
	return nil
}

func (m *MemoryRepository) ClearPendingCompaction(ctx context.Context, sessionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.compaction, sessionKey)
	return nil
}

func (m *MemoryRepository) PutBucketEntry(ctx context.Context, bucket, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[bucket] = b
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	b[key] = cp
	return nil
}

func (m *MemoryRepository) GetBucketEntry(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return nil, nil
	}
	value, ok := b[key]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (m *MemoryRepository) DeleteBucketEntry(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[bucket]; ok {
		delete(b, key)
	}
	return nil
}

func (m *MemoryRepository) SweepExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var removed int64
	for key, state := range m.chat {
		if !state.ExpiresAt.After(now) {
			delete(m.chat, key)
			removed++
		}
	}
	for key, marker := range m.compaction {
		if !marker.ExpiresAt.After(now) {
			delete(m.compaction, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneRunRecord(rec *RunRecord) *RunRecord {
	cp := *rec
	cp.Meta = cloneStringMap(rec.Meta)
	if rec.Resume != nil {
		resume := *rec.Resume
		cp.Resume = &resume
	}
	if rec.StartedAt != nil {
		t := *rec.StartedAt
		cp.StartedAt = &t
	}
	if rec.FinalizedAt != nil {
		t := *rec.FinalizedAt
		cp.FinalizedAt = &t
	}
	return &cp
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
