package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kensa/internal/model"
)

const sessionColumns = `id, work_item_id, parent_work_item_id, work_item_type, status, iteration_number,
	triggered_by, confidence_score, verdict, started_at, completed_at, duration_ms, metadata`

// CreateSession inserts a pending session for a work item, numbering it one
// past the work item's latest iteration. The check for an active session, the
// iteration limit, and the insert happen in one statement; the partial
// unique index on active sessions settles concurrent callers.
func (db *DB) CreateSession(ctx context.Context, p model.CreateSessionParams) (model.Session, error) {
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
	meta, err := marshalMetadata(p.Metadata)
	if err != nil {
		return model.Session{}, err
	}

	var iteration int
	err = WithRetry(ctx, DefaultMaxRetries, DefaultRetryDelay, func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO verification_sessions
			     (id, work_item_id, parent_work_item_id, work_item_type, status,
			      iteration_number, triggered_by, started_at, metadata)
			 SELECT $1::uuid, $2::text, $3::text, $4::text, 'pending',
			        COALESCE(MAX(iteration_number), 0) + 1, $5::text, $6::timestamptz, $7::jsonb
			 FROM verification_sessions
			 WHERE work_item_id = $2::text
			 HAVING COUNT(*) FILTER (WHERE status IN ('pending', 'running')) = 0
			    AND COALESCE(MAX(iteration_number), 0) < $8::int
			 ON CONFLICT DO NOTHING
			 RETURNING iteration_number`,
			p.ID, p.WorkItemID, p.ParentWorkItemID, p.WorkItemType,
			p.TriggeredBy, p.StartedAt, meta, limit,
		).Scan(&iteration)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, db.explainRejectedSession(ctx, p.WorkItemID, limit)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: create session: %w", err)
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

// explainRejectedSession works out why CreateSession inserted nothing.
func (db *DB) explainRejectedSession(ctx context.Context, workItemID string, limit int) error {
	var active, latest int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status IN ('pending', 'running')),
		        COALESCE(MAX(iteration_number), 0)
		 FROM verification_sessions WHERE work_item_id = $1`,
		workItemID,
	).Scan(&active, &latest); err != nil {
		return fmt.Errorf("storage: create session: %w", err)
	}
	if active == 0 && latest >= limit {
		return ErrIterationLimit
	}
	// Either an active session exists or a concurrent insert won the race.
	return ErrActiveSession
}

// MarkRunning moves a pending session to running. Calling it on a session
// that is already running is a no-op.
func (db *DB) MarkRunning(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE verification_sessions SET status = 'running'
		 WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("storage: mark running: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	status, err := db.sessionStatus(ctx, id)
	if err != nil {
		return err
	}
	if status == model.SessionRunning {
		return nil
	}
	return ErrSessionTerminal
}

// CompleteSession records the verdict of a running session.
func (db *DB) CompleteSession(ctx context.Context, id uuid.UUID, res model.SessionResult) error {
	var report []byte
	if res.Report != nil {
		b, err := json.Marshal(res.Report)
		if err != nil {
			return fmt.Errorf("storage: marshal report: %w", err)
		}
		report = b
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE verification_sessions
		 SET status = 'completed', verdict = $2, confidence_score = $3,
		     completed_at = $4, duration_ms = $5, report = $6::jsonb
		 WHERE id = $1 AND status = 'running'`,
		id, string(res.Verdict), res.ConfidenceScore, res.CompletedAt, res.DurationMs, report,
	)
	if err != nil {
		return fmt.Errorf("storage: complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.rejectTransition(ctx, id)
	}
	return nil
}

// FailSession marks an active session failed and records the error in its
// metadata.
func (db *DB) FailSession(ctx context.Context, id uuid.UUID, f model.SessionFailure) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE verification_sessions
		 SET status = 'failed', completed_at = $3, duration_ms = $4,
		     metadata = metadata || jsonb_build_object('error', $2::text, 'failed_at', $3::timestamptz)
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id, f.Error, f.CompletedAt, f.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("storage: fail session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.rejectTransition(ctx, id)
	}
	return nil
}

func (db *DB) rejectTransition(ctx context.Context, id uuid.UUID) error {
	if _, err := db.sessionStatus(ctx, id); err != nil {
		return err
	}
	return ErrSessionTerminal
}

func (db *DB) sessionStatus(ctx context.Context, id uuid.UUID) (model.SessionStatus, error) {
	var status string
	err := db.pool.QueryRow(ctx, `SELECT status FROM verification_sessions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("storage: session status: %w", err)
	}
	return model.SessionStatus(status), nil
}

// LatestIteration returns the highest iteration number recorded for a work
// item, or 0 when it has no sessions.
func (db *DB) LatestIteration(ctx context.Context, workItemID string) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(iteration_number), 0) FROM verification_sessions WHERE work_item_id = $1`,
		workItemID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: latest iteration: %w", err)
	}
	return n, nil
}

// GetSession returns a session by ID.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM verification_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return s, nil
}

// GetReport returns the stored report of a completed session.
func (db *DB) GetReport(ctx context.Context, id uuid.UUID) (model.Report, error) {
	var raw []byte
	err := db.pool.QueryRow(ctx,
		`SELECT report FROM verification_sessions WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Report{}, ErrNotFound
	}
	if err != nil {
		return model.Report{}, fmt.Errorf("storage: get report: %w", err)
	}
	if raw == nil {
		return model.Report{}, ErrNotFound
	}
	var r model.Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.Report{}, fmt.Errorf("storage: decode report: %w", err)
	}
	return r, nil
}

// ListSessions returns a work item's sessions, newest iteration first.
func (db *DB) ListSessions(ctx context.Context, workItemID string, limit int) ([]model.Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM verification_sessions
		 WHERE work_item_id = $1 ORDER BY iteration_number DESC LIMIT $2`,
		workItemID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (model.Session, error) {
	var (
		s          model.Session
		status     string
		verdict    *string
		confidence *int
		meta       []byte
	)
	if err := row.Scan(&s.ID, &s.WorkItemID, &s.ParentWorkItemID, &s.WorkItemType, &status,
		&s.IterationNumber, &s.TriggeredBy, &confidence, &verdict, &s.StartedAt,
		&s.CompletedAt, &s.DurationMs, &meta); err != nil {
		return model.Session{}, err
	}
	s.Status = model.SessionStatus(status)
	s.ConfidenceScore = confidence
	if verdict != nil {
		s.Verdict = model.Verdict(*verdict)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &s.Metadata); err != nil {
			return model.Session{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return s, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal metadata: %w", err)
	}
	return b, nil
}
