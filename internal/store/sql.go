package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lemongate/lemongate/internal/db"
	"github.com/lemongate/lemongate/internal/db/dialect"
	v1 "github.com/lemongate/lemongate/pkg/api/v1"
)

// SQLRepository persists gateway state in SQLite or PostgreSQL through the
// shared db.Pool. Writes go to the writer pool, reads to the read-only pool.
type SQLRepository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository wires a repository over an open pool and initializes the
// schema.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	repo := &SQLRepository{db: pool.Writer(), ro: pool.Reader()}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// initSchema creates the gateway tables if they don't exist.
func (r *SQLRepository) initSchema() error {
	driver := r.db.DriverName()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS chat (
			session_key TEXT PRIMARY KEY,
			engine_id TEXT NOT NULL DEFAULT '',
			resume_value TEXT NOT NULL DEFAULT '',
			usage_tokens BIGINT NOT NULL DEFAULT 0,
			usage_context_window BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			origin TEXT NOT NULL DEFAULT '',
			engine_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			queue_mode TEXT NOT NULL DEFAULT '',
			lane TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			answer TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			resume_engine TEXT NOT NULL DEFAULT '',
			resume_value TEXT NOT NULL DEFAULT '',
			usage_tokens BIGINT NOT NULL DEFAULT 0,
			usage_context_window BIGINT NOT NULL DEFAULT 0,
			meta TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finalized_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_key, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_finalized ON runs(finalized_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS run_history (
			id %s,
			run_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			ok INTEGER NOT NULL DEFAULT 0,
			answer TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			resume_value TEXT NOT NULL DEFAULT '',
			tokens BIGINT NOT NULL DEFAULT 0,
			context_window BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			finalized_at TIMESTAMP NOT NULL
		)`, dialect.AutoIncrementPK(driver)),
		`CREATE INDEX IF NOT EXISTS idx_run_history_session ON run_history(session_key, id)`,
		`CREATE TABLE IF NOT EXISTS progress_index (
			session_key TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_progress_message ON progress_index(channel_id, message_id)`,
		`CREATE TABLE IF NOT EXISTS endpoints (
			channel_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			meta TEXT NOT NULL DEFAULT '{}',
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (channel_id, account_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions_index (
			session_key TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL DEFAULT '',
			peer_kind TEXT NOT NULL DEFAULT '',
			peer_id TEXT NOT NULL DEFAULT '',
			last_run_id TEXT NOT NULL DEFAULT '',
			run_count BIGINT NOT NULL DEFAULT 0,
			last_activity_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_compaction (
			session_key TEXT PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT '',
			auto_compacted INTEGER NOT NULL DEFAULT 0,
			marked_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS buckets (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (bucket, key)
		)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLRepository) PutChatState(ctx context.Context, state *ChatState) error {
	now := time.Now().UTC()
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	expiresAt := state.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = updatedAt.Add(DefaultChatTTL)
	}
	var tokens, window int64
	if state.Usage != nil {
		tokens = state.Usage.Tokens
		window = state.Usage.ContextWindow
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO chat (session_key, engine_id, resume_value, usage_tokens, usage_context_window, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			engine_id = excluded.engine_id,
			resume_value = excluded.resume_value,
			usage_tokens = excluded.usage_tokens,
			usage_context_window = excluded.usage_context_window,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`), state.SessionKey, state.Resume.EngineID, state.Resume.Value, tokens, window, updatedAt, expiresAt)
	return unavailable("put chat state", err)
}

func (r *SQLRepository) GetChatState(ctx context.Context, sessionKey string) (*ChatState, error) {
	state := &ChatState{SessionKey: sessionKey}
	var tokens, window int64
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT engine_id, resume_value, usage_tokens, usage_context_window, updated_at, expires_at
		FROM chat WHERE session_key = ? AND expires_at > ?
	`), sessionKey, time.Now().UTC()).Scan(
		&state.Resume.EngineID, &state.Resume.Value, &tokens, &window, &state.UpdatedAt, &state.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get chat state", err)
	}
	if tokens > 0 || window > 0 {
		state.Usage = &v1.Usage{Tokens: tokens, ContextWindow: window}
	}
	return state, nil
}

func (r *SQLRepository) DeleteChatState(ctx context.Context, sessionKey string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM chat WHERE session_key = ?`), sessionKey)
	return unavailable("delete chat state", err)
}

func (r *SQLRepository) SaveRun(ctx context.Context, rec *RunRecord) error {
	meta, err := json.Marshal(rec.Meta)
	if err != nil || rec.Meta == nil {
		meta = []byte("{}")
	}
	var resumeEngine, resumeValue string
	if rec.Resume != nil {
		resumeEngine = rec.Resume.EngineID
		resumeValue = rec.Resume.Value
	}
	var startedAt, finalizedAt sql.NullTime
	if rec.StartedAt != nil {
		startedAt = sql.NullTime{Time: *rec.StartedAt, Valid: true}
	}
	if rec.FinalizedAt != nil {
		finalizedAt = sql.NullTime{Time: *rec.FinalizedAt, Valid: true}
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO runs (run_id, session_key, agent_id, state, origin, engine_id, model, queue_mode, lane,
			prompt, answer, error, resume_engine, resume_value, usage_tokens, usage_context_window, meta,
			created_at, started_at, finalized_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			state = excluded.state,
			engine_id = excluded.engine_id,
			model = excluded.model,
			answer = excluded.answer,
			error = excluded.error,
			resume_engine = excluded.resume_engine,
			resume_value = excluded.resume_value,
			usage_tokens = excluded.usage_tokens,
			usage_context_window = excluded.usage_context_window,
			meta = excluded.meta,
			started_at = excluded.started_at,
			finalized_at = excluded.finalized_at
	`), rec.RunID, rec.SessionKey, rec.AgentID, rec.State, rec.Origin, rec.EngineID, rec.Model,
		rec.QueueMode, rec.Lane, rec.Prompt, rec.Answer, rec.Error, resumeEngine, resumeValue,
		rec.Usage.Tokens, rec.Usage.ContextWindow, string(meta), createdAt, startedAt, finalizedAt)
	return unavailable("save run", err)
}

func (r *SQLRepository) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT run_id, session_key, agent_id, state, origin, engine_id, model, queue_mode, lane,
			prompt, answer, error, resume_engine, resume_value, usage_tokens, usage_context_window, meta,
			created_at, started_at, finalized_at
		FROM runs WHERE run_id = ?
	`), runID)
	rec, err := scanRunRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get run", err)
	}
	return rec, nil
}

func (r *SQLRepository) ListSessionRuns(ctx context.Context, sessionKey string, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT run_id, session_key, agent_id, state, origin, engine_id, model, queue_mode, lane,
			prompt, answer, error, resume_engine, resume_value, usage_tokens, usage_context_window, meta,
			created_at, started_at, finalized_at
		FROM runs WHERE session_key = ? ORDER BY created_at DESC LIMIT ?
	`), sessionKey, limit)
	if err != nil {
		return nil, unavailable("list session runs", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanRunRecord(rows)
		if err != nil {
			return nil, unavailable("list session runs", err)
		}
		out = append(out, rec)
	}
	return out, unavailable("list session runs", rows.Err())
}

func (r *SQLRepository) CountCompletedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM runs WHERE finalized_at IS NOT NULL AND finalized_at >= ?
	`), since).Scan(&n)
	if err != nil {
		return 0, unavailable("count completed", err)
	}
	return n, nil
}

func (r *SQLRepository) CompletedByDay(ctx context.Context, days int) ([]DailyCount, error) {
	if days <= 0 {
		days = 7
	}
	driver := r.ro.DriverName()
	day := dialect.DateOf(driver, "finalized_at")
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(fmt.Sprintf(`
		SELECT %s AS day, COUNT(*) AS count
		FROM runs WHERE finalized_at IS NOT NULL
		GROUP BY %s ORDER BY day DESC LIMIT ?
	`, day, day)), days)
	if err != nil {
		return nil, unavailable("completed by day", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DailyCount
	for rows.Next() {
		var dc DailyCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, unavailable("completed by day", err)
		}
		out = append(out, dc)
	}
	return out, unavailable("completed by day", rows.Err())
}

func (r *SQLRepository) AppendHistory(ctx context.Context, entry *HistoryEntry) (int64, error) {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	finalizedAt := entry.FinalizedAt
	if finalizedAt.IsZero() {
		finalizedAt = time.Now().UTC()
	}
	id, err := dialect.InsertReturningID(ctx, r.db, `
		INSERT INTO run_history (run_id, session_key, ok, answer, error, resume_value, tokens, context_window, created_at, finalized_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.RunID, entry.SessionKey, dialect.BoolToInt(entry.OK), entry.Answer, entry.Error,
		entry.ResumeValue, entry.Tokens, entry.ContextWindow, createdAt, finalizedAt)
	if err != nil {
		return 0, unavailable("append history", err)
	}
	return id, nil
}

func (r *SQLRepository) ListHistory(ctx context.Context, sessionKey string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	driver := r.ro.DriverName()
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(fmt.Sprintf(`
		SELECT id, run_id, session_key, ok, answer, error, resume_value, tokens, context_window,
			%s AS duration_ms, created_at, finalized_at
		FROM run_history WHERE session_key = ? ORDER BY id DESC LIMIT ?
	`, dialect.DurationMs(driver, "finalized_at", "created_at"))), sessionKey, limit)
	if err != nil {
		return nil, unavailable("list history", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*HistoryEntry
	for rows.Next() {
		entry := &HistoryEntry{}
		var ok int
		var durationMs float64 // SQLite returns float from julianday math
		err := rows.Scan(&entry.ID, &entry.RunID, &entry.SessionKey, &ok, &entry.Answer, &entry.Error,
			&entry.ResumeValue, &entry.Tokens, &entry.ContextWindow, &durationMs, &entry.CreatedAt, &entry.FinalizedAt)
		if err != nil {
			return nil, unavailable("list history", err)
		}
		entry.OK = ok != 0
		entry.DurationMs = int64(durationMs)
		out = append(out, entry)
	}
	return out, unavailable("list history", rows.Err())
}

func (r *SQLRepository) PutProgressRef(ctx context.Context, ref *ProgressRef) error {
	updatedAt := ref.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO progress_index (session_key, channel_id, message_id, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			channel_id = excluded.channel_id,
			message_id = excluded.message_id,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at
	`), ref.SessionKey, ref.ChannelID, ref.MessageID, ref.RunID, updatedAt)
	return unavailable("put progress ref", err)
}

func (r *SQLRepository) GetProgressRef(ctx context.Context, sessionKey string) (*ProgressRef, error) {
	ref := &ProgressRef{SessionKey: sessionKey}
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT channel_id, message_id, run_id, updated_at FROM progress_index WHERE session_key = ?
	`), sessionKey).Scan(&ref.ChannelID, &ref.MessageID, &ref.RunID, &ref.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get progress ref", err)
	}
	return ref, nil
}

func (r *SQLRepository) FindProgressRunID(ctx context.Context, channelID, messageID string) (string, error) {
	var runID string
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT run_id FROM progress_index WHERE channel_id = ? AND message_id = ?
	`), channelID, messageID).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", unavailable("find progress run", err)
	}
	return runID, nil
}

func (r *SQLRepository) DeleteProgressRef(ctx context.Context, sessionKey string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM progress_index WHERE session_key = ?`), sessionKey)
	return unavailable("delete progress ref", err)
}

func (r *SQLRepository) PutEndpoint(ctx context.Context, ep *Endpoint) error {
	meta, err := json.Marshal(ep.Meta)
	if err != nil || ep.Meta == nil {
		meta = []byte("{}")
	}
	updatedAt := ep.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO endpoints (channel_id, account_id, kind, meta, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, account_id) DO UPDATE SET
			kind = excluded.kind,
			meta = excluded.meta,
			updated_at = excluded.updated_at
	`), ep.ChannelID, ep.AccountID, ep.Kind, string(meta), updatedAt)
	return unavailable("put endpoint", err)
}

func (r *SQLRepository) GetEndpoint(ctx context.Context, channelID, accountID string) (*Endpoint, error) {
	ep := &Endpoint{ChannelID: channelID, AccountID: accountID}
	var meta string
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT kind, meta, updated_at FROM endpoints WHERE channel_id = ? AND account_id = ?
	`), channelID, accountID).Scan(&ep.Kind, &meta, &ep.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get endpoint", err)
	}
	_ = json.Unmarshal([]byte(meta), &ep.Meta)
	return ep, nil
}

func (r *SQLRepository) ListEndpoints(ctx context.Context) ([]*Endpoint, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT channel_id, account_id, kind, meta, updated_at FROM endpoints ORDER BY channel_id, account_id
	`)
	if err != nil {
		return nil, unavailable("list endpoints", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Endpoint
	for rows.Next() {
		ep := &Endpoint{}
		var meta string
		if err := rows.Scan(&ep.ChannelID, &ep.AccountID, &ep.Kind, &meta, &ep.UpdatedAt); err != nil {
			return nil, unavailable("list endpoints", err)
		}
		_ = json.Unmarshal([]byte(meta), &ep.Meta)
		out = append(out, ep)
	}
	return out, unavailable("list endpoints", rows.Err())
}

func (r *SQLRepository) TouchSession(ctx context.Context, entry *SessionEntry) error {
	lastActivity := entry.LastActivityAt
	if lastActivity.IsZero() {
		lastActivity = time.Now().UTC()
	}
	initialCount := 0
	if entry.LastRunID != "" {
		initialCount = 1
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions_index (session_key, agent_id, channel_id, account_id, peer_kind, peer_id, last_run_id, run_count, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			agent_id = excluded.agent_id,
			channel_id = excluded.channel_id,
			account_id = excluded.account_id,
			peer_kind = excluded.peer_kind,
			peer_id = excluded.peer_id,
			run_count = sessions_index.run_count +
				(CASE WHEN excluded.last_run_id != '' AND excluded.last_run_id != sessions_index.last_run_id THEN 1 ELSE 0 END),
			last_run_id = CASE WHEN excluded.last_run_id = '' THEN sessions_index.last_run_id ELSE excluded.last_run_id END,
			last_activity_at = excluded.last_activity_at
	`), entry.SessionKey, entry.AgentID, entry.ChannelID, entry.AccountID, entry.PeerKind, entry.PeerID,
		entry.LastRunID, initialCount, lastActivity)
	return unavailable("touch session", err)
}

func (r *SQLRepository) GetSession(ctx context.Context, sessionKey string) (*SessionEntry, error) {
	entry := &SessionEntry{}
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT session_key, agent_id, channel_id, account_id, peer_kind, peer_id, last_run_id, run_count, last_activity_at
		FROM sessions_index WHERE session_key = ?
	`), sessionKey).Scan(&entry.SessionKey, &entry.AgentID, &entry.ChannelID, &entry.AccountID,
		&entry.PeerKind, &entry.PeerID, &entry.LastRunID, &entry.RunCount, &entry.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	return entry, nil
}

func (r *SQLRepository) ListSessions(ctx context.Context, q SessionQuery) ([]*SessionEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	driver := r.ro.DriverName()
	query := `
		SELECT session_key, agent_id, channel_id, account_id, peer_kind, peer_id, last_run_id, run_count, last_activity_at
		FROM sessions_index WHERE 1=1`
	args := []any{}
	if q.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, q.AgentID)
	}
	if q.Search != "" {
		query += ` AND session_key ` + dialect.Like(driver) + ` ?`
		args = append(args, "%"+q.Search+"%")
	}
	query += ` ORDER BY last_activity_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SessionEntry
	for rows.Next() {
		entry := &SessionEntry{}
		err := rows.Scan(&entry.SessionKey, &entry.AgentID, &entry.ChannelID, &entry.AccountID,
			&entry.PeerKind, &entry.PeerID, &entry.LastRunID, &entry.RunCount, &entry.LastActivityAt)
		if err != nil {
			return nil, unavailable("list sessions", err)
		}
		out = append(out, entry)
	}
	return out, unavailable("list sessions", rows.Err())
}

func (r *SQLRepository) MarkPendingCompaction(ctx context.Context, sessionKey, reason string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO pending_compaction (session_key, reason, auto_compacted, marked_at, expires_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			reason = excluded.reason,
			auto_compacted = 0,
			marked_at = excluded.marked_at,
			expires_at = excluded.expires_at
	`), sessionKey, reason, now, now.Add(compactionTTL))
	return unavailable("mark pending compaction", err)
}

func (r *SQLRepository) GetPendingCompaction(ctx context.Context, sessionKey string) (*PendingCompaction, error) {
	marker := &PendingCompaction{SessionKey: sessionKey}
	var autoCompacted int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT reason, auto_compacted, marked_at, expires_at
		FROM pending_compaction WHERE session_key = ? AND expires_at > ?
	`), sessionKey, time.Now().UTC()).Scan(&marker.Reason, &autoCompacted, &marker.MarkedAt, &marker.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get pending compaction", err)
	}
	marker.AutoCompacted = autoCompacted != 0
	return marker, nil
}

func (r *SQLRepository) SetAutoCompacted(ctx context.Context, sessionKey string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE pending_compaction SET auto_compacted = 1 WHERE session_key = ?
	`), sessionKey)
	return unavailable("set auto compacted", err)
}

func (r *SQLRepository) ClearPendingCompaction(ctx context.Context, sessionKey string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM pending_compaction WHERE session_key = ?`), sessionKey)
	return unavailable("clear pending compaction", err)
}

func (r *SQLRepository) PutBucketEntry(ctx context.Context, bucket, key string, value []byte) error {
	driver := r.db.DriverName()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(fmt.Sprintf(`
		INSERT INTO buckets (bucket, key, value, updated_at)
		VALUES (?, ?, ?, %s)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			updated_at = %s
	`, dialect.Now(driver), dialect.Now(driver))), bucket, key, string(value))
	return unavailable("put bucket entry", err)
}

func (r *SQLRepository) GetBucketEntry(ctx context.Context, bucket, key string) ([]byte, error) {
	var value string
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT value FROM buckets WHERE bucket = ? AND key = ?
	`), bucket, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get bucket entry", err)
	}
	return []byte(value), nil
}

func (r *SQLRepository) DeleteBucketEntry(ctx context.Context, bucket, key string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM buckets WHERE bucket = ? AND key = ?`), bucket, key)
	return unavailable("delete bucket entry", err)
}

func (r *SQLRepository) SweepExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	var removed int64
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM chat WHERE expires_at <= ?`), now)
	if err != nil {
		return 0, unavailable("sweep chat", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}
	res, err = r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM pending_compaction WHERE expires_at <= ?`), now)
	if err != nil {
		return removed, unavailable("sweep pending compaction", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}
	return removed, nil
}

// Close is a no-op; the db.Pool owns the connections.
func (r *SQLRepository) Close() error { return nil }

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunRecord(row rowScanner) (*RunRecord, error) {
	rec := &RunRecord{}
	var meta, resumeEngine, resumeValue string
	var startedAt, finalizedAt sql.NullTime
	err := row.Scan(&rec.RunID, &rec.SessionKey, &rec.AgentID, &rec.State, &rec.Origin, &rec.EngineID,
		&rec.Model, &rec.QueueMode, &rec.Lane, &rec.Prompt, &rec.Answer, &rec.Error,
		&resumeEngine, &resumeValue, &rec.Usage.Tokens, &rec.Usage.ContextWindow, &meta,
		&rec.CreatedAt, &startedAt, &finalizedAt)
	if err != nil {
		return nil, err
	}
	if resumeValue != "" {
		rec.Resume = &v1.ResumeToken{EngineID: resumeEngine, Value: resumeValue}
	}
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if finalizedAt.Valid {
		rec.FinalizedAt = &finalizedAt.Time
	}
	_ = json.Unmarshal([]byte(meta), &rec.Meta)
	return rec, nil
}
