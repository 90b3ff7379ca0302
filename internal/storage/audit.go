package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/model"
)

// RecordAgentQuery appends one audit row for a gateway call.
func (db *DB) RecordAgentQuery(ctx context.Context, rec model.AgentQueryRecord) error {
	sessionID, err := uuid.Parse(rec.SessionID)
	if err != nil {
		return fmt.Errorf("storage: record agent query: invalid session id: %w", err)
	}
	var payload []byte
	if rec.Payload != nil {
		if payload, err = json.Marshal(rec.Payload); err != nil {
			return fmt.Errorf("storage: marshal agent payload: %w", err)
		}
	}
	var errText *string
	if rec.Error != "" {
		errText = &rec.Error
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO agent_queries (session_id, agent_code, status, payload, error, duration_ms, responded_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)`,
		sessionID, string(rec.AgentCode), string(rec.Status), payload, errText, rec.DurationMs, rec.RespondedAt,
	); err != nil {
		return fmt.Errorf("storage: record agent query: %w", err)
	}
	return nil
}

// ListAgentQueries returns the audit rows of a session in the order they
// were written.
func (db *DB) ListAgentQueries(ctx context.Context, sessionID uuid.UUID) ([]model.AgentQueryRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_code, status, payload, COALESCE(error, ''), duration_ms, responded_at
		 FROM agent_queries WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list agent queries: %w", err)
	}
	defer rows.Close()

	var out []model.AgentQueryRecord
	for rows.Next() {
		var (
			rec     model.AgentQueryRecord
			code    string
			status  string
			payload []byte
		)
		if err := rows.Scan(&code, &status, &payload, &rec.Error, &rec.DurationMs, &rec.RespondedAt); err != nil {
			return nil, fmt.Errorf("storage: scan agent query: %w", err)
		}
		rec.SessionID = sessionID.String()
		rec.AgentCode = model.AgentCode(code)
		rec.Status = model.OutcomeStatus(status)
		if payload != nil {
			var p model.Payload
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("storage: decode agent payload: %w", err)
			}
			rec.Payload = &p
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
