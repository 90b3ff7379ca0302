// Package sqlite is an embedded session store for running kensa without
// Postgres, e.g. from the CLI on a developer machine. It keeps the same
// session and audit contract as the storage package and returns the same
// sentinel errors.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS verification_sessions (
    id                  TEXT PRIMARY KEY,
    work_item_id        TEXT NOT NULL,
    parent_work_item_id TEXT,
    work_item_type      TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    iteration_number    INTEGER NOT NULL,
    triggered_by        TEXT NOT NULL DEFAULT '',
    confidence_score    INTEGER,
    verdict             TEXT,
    started_at          TEXT NOT NULL,
    completed_at        TEXT,
    duration_ms         INTEGER,
    metadata            TEXT NOT NULL DEFAULT '{}',
    report              TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_verification_sessions_active
    ON verification_sessions (work_item_id) WHERE status IN ('pending', 'running');
CREATE UNIQUE INDEX IF NOT EXISTS idx_verification_sessions_iteration
    ON verification_sessions (work_item_id, iteration_number);

CREATE TABLE IF NOT EXISTS agent_queries (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   TEXT NOT NULL REFERENCES verification_sessions(id) ON DELETE CASCADE,
    agent_code   TEXT NOT NULL,
    status       TEXT NOT NULL,
    payload      TEXT,
    error        TEXT,
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    responded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_queries_session ON agent_queries (session_id);
`

const timeLayout = time.RFC3339Nano

// Config holds store options.
type Config struct {
	// Path is a file path, or ":memory:" for a private in-memory database.
	Path        string
	BusyTimeout time.Duration
}

// DefaultConfig returns a config for path with a 5s busy timeout.
func DefaultConfig(path string) Config {
	return Config{Path: path, BusyTimeout: 5 * time.Second}
}

// Store is a SQLite-backed session store. All access goes through a single
// connection, so statements never interleave.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at cfg.Path and applies the schema.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	pragmas := fmt.Sprintf("_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds())
	var dsn string
	if cfg.Path == ":memory:" {
		dsn = "file::memory:?" + pragmas
	} else {
		dsn = "file:" + cfg.Path + "?" + pragmas + "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	logger.Debug("sqlite: store ready", "path", cfg.Path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession inserts a pending session numbered one past the work item's
// latest iteration, unless a session is active or the limit is reached.
func (s *Store) CreateSession(ctx context.Context, p model.CreateSessionParams) (model.Session, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now().UTC()
	}
	limit := p.MaxIterations
	if limit <= 0 {
		limit = math.MaxInt32
	}
	meta, err := marshalMap(p.Metadata)
	if err != nil {
		return model.Session{}, err
	}

	var iteration int
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO verification_sessions
		     (id, work_item_id, parent_work_item_id, work_item_type, status,
		      iteration_number, triggered_by, started_at, metadata)
		 SELECT ?, ?, ?, ?, 'pending', COALESCE(MAX(iteration_number), 0) + 1, ?, ?, ?
		 FROM verification_sessions
		 WHERE work_item_id = ?
		 HAVING COALESCE(SUM(CASE WHEN status IN ('pending', 'running') THEN 1 ELSE 0 END), 0) = 0
		    AND COALESCE(MAX(iteration_number), 0) < ?
		 ON CONFLICT DO NOTHING
		 RETURNING iteration_number`,
		p.ID.String(), p.WorkItemID, p.ParentWorkItemID, p.WorkItemType,
		p.TriggeredBy, p.StartedAt.UTC().Format(timeLayout), meta,
		p.WorkItemID, limit,
	).Scan(&iteration)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, s.explainRejectedSession(ctx, p.WorkItemID, limit)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("sqlite: create session: %w", err)
	}

	return model.Session{
		ID:               p.ID,
		WorkItemID:       p.WorkItemID,
		ParentWorkItemID: p.ParentWorkItemID,
		WorkItemType:     p.WorkItemType,
		Status:           model.SessionPending,
		IterationNumber:  iteration,
		TriggeredBy:      p.TriggeredBy,
		StartedAt:        p.StartedAt,
		Metadata:         p.Metadata,
	}, nil
}

func (s *Store) explainRejectedSession(ctx context.Context, workItemID string, limit int) error {
	var active, latest int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN status IN ('pending', 'running') THEN 1 ELSE 0 END), 0),
		        COALESCE(MAX(iteration_number), 0)
		 FROM verification_sessions WHERE work_item_id = ?`, workItemID,
	).Scan(&active, &latest); err != nil {
		return fmt.Errorf("sqlite: create session: %w", err)
	}
	if active == 0 && latest >= limit {
		return storage.ErrIterationLimit
	}
	return storage.ErrActiveSession
}

// MarkRunning moves a pending session to running; a running session is left as is.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE verification_sessions SET status = 'running' WHERE id = ? AND status = 'pending'`, id.String())
	if err != nil {
		return fmt.Errorf("sqlite: mark running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	status, _, err := s.statusAndMetadata(ctx, s.db, id)
	if err != nil {
		return err
	}
	if status == model.SessionRunning {
		return nil
	}
	return storage.ErrSessionTerminal
}

// CompleteSession records the verdict of a running session.
func (s *Store) CompleteSession(ctx context.Context, id uuid.UUID, r model.SessionResult) error {
	var report *string
	if r.Report != nil {
		b, err := json.Marshal(r.Report)
		if err != nil {
			return fmt.Errorf("sqlite: marshal report: %w", err)
		}
		str := string(b)
		report = &str
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE verification_sessions
		 SET status = 'completed', verdict = ?, confidence_score = ?, completed_at = ?, duration_ms = ?, report = ?
		 WHERE id = ? AND status = 'running'`,
		string(r.Verdict), r.ConfidenceScore, r.CompletedAt.UTC().Format(timeLayout), r.DurationMs, report, id.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: complete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, _, err := s.statusAndMetadata(ctx, s.db, id); err != nil {
		return err
	}
	return storage.ErrSessionTerminal
}

// FailSession marks an active session failed and merges the error into its metadata.
func (s *Store) FailSession(ctx context.Context, id uuid.UUID, f model.SessionFailure) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin fail session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	status, meta, err := s.statusAndMetadata(ctx, tx, id)
	if err != nil {
		return err
	}
	if !status.Active() {
		return storage.ErrSessionTerminal
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["error"] = f.Error
	meta["failed_at"] = f.CompletedAt.UTC().Format(timeLayout)
	b, err := marshalMap(meta)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE verification_sessions SET status = 'failed', completed_at = ?, duration_ms = ?, metadata = ?
		 WHERE id = ?`,
		f.CompletedAt.UTC().Format(timeLayout), f.DurationMs, b, id.String(),
	); err != nil {
		return fmt.Errorf("sqlite: fail session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit fail session: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) statusAndMetadata(ctx context.Context, q queryer, id uuid.UUID) (model.SessionStatus, map[string]any, error) {
	var status, meta string
	err := q.QueryRowContext(ctx,
		`SELECT status, metadata FROM verification_sessions WHERE id = ?`, id.String()).Scan(&status, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, storage.ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("sqlite: session status: %w", err)
	}
	m, err := unmarshalMap(meta)
	if err != nil {
		return "", nil, err
	}
	return model.SessionStatus(status), m, nil
}

// LatestIteration returns the highest iteration number of a work item, or 0.
func (s *Store) LatestIteration(ctx context.Context, workItemID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(iteration_number), 0) FROM verification_sessions WHERE work_item_id = ?`,
		workItemID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: latest iteration: %w", err)
	}
	return n, nil
}

const sessionColumns = `id, work_item_id, parent_work_item_id, work_item_type, status, iteration_number,
	triggered_by, confidence_score, verdict, started_at, completed_at, duration_ms, metadata`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (model.Session, error) {
	var (
		sess        model.Session
		id, status  string
		parent      sql.NullString
		confidence  sql.NullInt64
		verdict     sql.NullString
		startedAt   string
		completedAt sql.NullString
		duration    sql.NullInt64
		meta        string
	)
	if err := row.Scan(&id, &sess.WorkItemID, &parent, &sess.WorkItemType, &status, &sess.IterationNumber,
		&sess.TriggeredBy, &confidence, &verdict, &startedAt, &completedAt, &duration, &meta); err != nil {
		return model.Session{}, err
	}
	var err error
	if sess.ID, err = uuid.Parse(id); err != nil {
		return model.Session{}, fmt.Errorf("parse session id: %w", err)
	}
	sess.Status = model.SessionStatus(status)
	if parent.Valid {
		p := parent.String
		sess.ParentWorkItemID = &p
	}
	if confidence.Valid {
		c := int(confidence.Int64)
		sess.ConfidenceScore = &c
	}
	if verdict.Valid {
		sess.Verdict = model.Verdict(verdict.String)
	}
	if sess.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return model.Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	if completedAt.Valid {
		t, err := time.Parse(timeLayout, completedAt.String)
		if err != nil {
			return model.Session{}, fmt.Errorf("parse completed_at: %w", err)
		}
		sess.CompletedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		sess.DurationMs = &d
	}
	if sess.Metadata, err = unmarshalMap(meta); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

// GetSession returns a session by ID.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM verification_sessions WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("sqlite: get session: %w", err)
	}
	return sess, nil
}

// GetReport returns the stored report of a completed session.
func (s *Store) GetReport(ctx context.Context, id uuid.UUID) (model.Report, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT report FROM verification_sessions WHERE id = ?`, id.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !raw.Valid) {
		return model.Report{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Report{}, fmt.Errorf("sqlite: get report: %w", err)
	}
	var r model.Report
	if err := json.Unmarshal([]byte(raw.String), &r); err != nil {
		return model.Report{}, fmt.Errorf("sqlite: decode report: %w", err)
	}
	return r, nil
}

// ListSessions returns a work item's sessions, newest iteration first.
func (s *Store) ListSessions(ctx context.Context, workItemID string, limit int) ([]model.Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM verification_sessions
		 WHERE work_item_id = ? ORDER BY iteration_number DESC LIMIT ?`, workItemID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RecordAgentQuery appends one audit row for a gateway call.
func (s *Store) RecordAgentQuery(ctx context.Context, rec model.AgentQueryRecord) error {
	if _, err := uuid.Parse(rec.SessionID); err != nil {
		return fmt.Errorf("sqlite: record agent query: invalid session id: %w", err)
	}
	var payload, errText *string
	if rec.Payload != nil {
		b, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("sqlite: marshal agent payload: %w", err)
		}
		str := string(b)
		payload = &str
	}
	if rec.Error != "" {
		errText = &rec.Error
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_queries (session_id, agent_code, status, payload, error, duration_ms, responded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, string(rec.AgentCode), string(rec.Status), payload, errText, rec.DurationMs,
		rec.RespondedAt.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("sqlite: record agent query: %w", err)
	}
	return nil
}

// ListAgentQueries returns a session's audit rows in write order.
func (s *Store) ListAgentQueries(ctx context.Context, sessionID uuid.UUID) ([]model.AgentQueryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_code, status, payload, COALESCE(error, ''), duration_ms, responded_at
		 FROM agent_queries WHERE session_id = ? ORDER BY id`, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list agent queries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.AgentQueryRecord
	for rows.Next() {
		var (
			rec          model.AgentQueryRecord
			code, status string
			payload      sql.NullString
			respondedAt  string
		)
		if err := rows.Scan(&code, &status, &payload, &rec.Error, &rec.DurationMs, &respondedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan agent query: %w", err)
		}
		rec.SessionID = sessionID.String()
		rec.AgentCode = model.AgentCode(code)
		rec.Status = model.OutcomeStatus(status)
		if payload.Valid {
			var p model.Payload
			if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
				return nil, fmt.Errorf("sqlite: decode agent payload: %w", err)
			}
			rec.Payload = &p
		}
		if rec.RespondedAt, err = time.Parse(timeLayout, respondedAt); err != nil {
			return nil, fmt.Errorf("sqlite: parse responded_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("sqlite: decode metadata: %w", err)
	}
	return m, nil
}
