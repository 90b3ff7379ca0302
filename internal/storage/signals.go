package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kensa/internal/model"
)

// AgentResult is an analysis result written by a sub-agent.
type AgentResult struct {
	WorkItemID string
	AgentCode  model.AgentCode
	Payload    model.Payload
	CreatedAt  time.Time
}

// RecordAgentResult stores a sub-agent's latest analysis of a work item.
func (db *DB) RecordAgentResult(ctx context.Context, r AgentResult) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var findings []byte
	if len(r.Payload.Findings) > 0 {
		findings = r.Payload.Findings
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO agent_results (work_item_id, agent_code, status, confidence, findings, created_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		r.WorkItemID, string(r.AgentCode), string(r.Payload.Status), r.Payload.Confidence, findings, r.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: record agent result: %w", err)
	}
	return nil
}

// LatestAgentResult returns the newest result a sub-agent wrote for a work item.
func (db *DB) LatestAgentResult(ctx context.Context, workItemID string, code model.AgentCode) (model.Payload, error) {
	var (
		p        model.Payload
		status   string
		findings []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT status, confidence, findings FROM agent_results
		 WHERE work_item_id = $1 AND agent_code = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		workItemID, string(code),
	).Scan(&status, &p.Confidence, &findings)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Payload{}, ErrNotFound
	}
	if err != nil {
		return model.Payload{}, fmt.Errorf("storage: latest agent result: %w", err)
	}
	p.Status = model.AgentStatus(status)
	p.Findings = findings
	return p, nil
}

// ResultQuerier answers agent queries from the agent_results table.
type ResultQuerier struct {
	db *DB
}

// NewResultQuerier creates a querier over db.
func NewResultQuerier(db *DB) *ResultQuerier {
	return &ResultQuerier{db: db}
}

// Query returns the agent's latest stored result. A missing result is an
// error, so the gateway substitutes the fallback.
func (q *ResultQuerier) Query(ctx context.Context, code model.AgentCode, params model.QueryParams) (model.Payload, error) {
	p, err := q.db.LatestAgentResult(ctx, params.WorkItemID, code)
	if errors.Is(err, ErrNotFound) {
		return model.Payload{}, fmt.Errorf("storage: no %s result for %s: %w", code, params.WorkItemID, err)
	}
	return p, err
}

// UpsertRequirement records whether one requirement of a work item is met.
func (db *DB) UpsertRequirement(ctx context.Context, workItemID string, r model.Requirement, met bool, position int) error {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO work_item_requirements (work_item_id, requirement_id, description, met, position)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (work_item_id, requirement_id)
		 DO UPDATE SET description = EXCLUDED.description, met = EXCLUDED.met, position = EXCLUDED.position`,
		workItemID, r.ID, r.Description, met, position,
	); err != nil {
		return fmt.Errorf("storage: upsert requirement: %w", err)
	}
	return nil
}

// Coverage returns met and unmet requirements for a work item.
func (db *DB) Coverage(ctx context.Context, workItemID string) (model.RequirementCoverage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT requirement_id, description, met FROM work_item_requirements
		 WHERE work_item_id = $1 ORDER BY position, requirement_id`, workItemID)
	if err != nil {
		return model.RequirementCoverage{}, fmt.Errorf("storage: requirement coverage: %w", err)
	}
	defer rows.Close()

	c := model.RequirementCoverage{Met: []model.Requirement{}, Unmet: []model.Requirement{}}
	for rows.Next() {
		var (
			r   model.Requirement
			met bool
		)
		if err := rows.Scan(&r.ID, &r.Description, &met); err != nil {
			return model.RequirementCoverage{}, fmt.Errorf("storage: scan requirement: %w", err)
		}
		if met {
			c.Met = append(c.Met, r)
		} else {
			c.Unmet = append(c.Unmet, r)
		}
		c.Total++
	}
	if err := rows.Err(); err != nil {
		return model.RequirementCoverage{}, fmt.Errorf("storage: requirement coverage: %w", err)
	}
	return c, nil
}

// UpsertUserStory records the validation status of one user story.
func (db *DB) UpsertUserStory(ctx context.Context, workItemID, storyKey, validationStatus string) error {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO user_stories (work_item_id, story_key, validation_status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (work_item_id, story_key)
		 DO UPDATE SET validation_status = EXCLUDED.validation_status, updated_at = now()`,
		workItemID, storyKey, validationStatus,
	); err != nil {
		return fmt.Errorf("storage: upsert user story: %w", err)
	}
	return nil
}

// Validation summarizes the user stories of a work item.
func (db *DB) Validation(ctx context.Context, workItemID string) (model.UserStoryValidation, error) {
	var total, validated int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE validation_status = 'validated')
		 FROM user_stories WHERE work_item_id = $1`, workItemID,
	).Scan(&total, &validated); err != nil {
		return model.UserStoryValidation{}, fmt.Errorf("storage: user story validation: %w", err)
	}
	return model.NewUserStoryValidation(total, validated), nil
}

// PipelineRun is one CI/CD pipeline report.
type PipelineRun struct {
	WorkItemID                 string
	Pipeline                   string
	Status                     model.PipelineState
	HealthScore                *float64
	RequiresManualIntervention bool
	ReportedAt                 time.Time
}

// RecordPipelineRun stores a CI/CD pipeline report.
func (db *DB) RecordPipelineRun(ctx context.Context, r PipelineRun) error {
	if r.ReportedAt.IsZero() {
		r.ReportedAt = time.Now().UTC()
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO ci_cd_status (work_item_id, pipeline, status, health_score, requires_manual_intervention, reported_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.WorkItemID, r.Pipeline, string(r.Status), r.HealthScore, r.RequiresManualIntervention, r.ReportedAt,
	); err != nil {
		return fmt.Errorf("storage: record pipeline run: %w", err)
	}
	return nil
}

// latestRunsSQL selects the newest report per pipeline of a work item.
const latestRunsSQL = `SELECT DISTINCT ON (pipeline) pipeline, status, health_score, requires_manual_intervention
	FROM ci_cd_status WHERE work_item_id = $1
	ORDER BY pipeline, reported_at DESC, id DESC`

type pipelineSummary struct {
	runs, running, failures int
	manual                  bool
	scoreSum                float64
	scored                  int
}

func (db *DB) summarizePipelines(ctx context.Context, workItemID string) (pipelineSummary, error) {
	rows, err := db.pool.Query(ctx, latestRunsSQL, workItemID)
	if err != nil {
		return pipelineSummary{}, err
	}
	defer rows.Close()

	var s pipelineSummary
	for rows.Next() {
		var (
			pipeline, status string
			score            *float64
			manual           bool
		)
		if err := rows.Scan(&pipeline, &status, &score, &manual); err != nil {
			return pipelineSummary{}, err
		}
		s.runs++
		switch model.PipelineState(status) {
		case model.PipelineRunning:
			s.running++
		case model.PipelineFailure:
			s.failures++
		}
		if manual {
			s.manual = true
		}
		if score != nil {
			s.scoreSum += *score
			s.scored++
		}
	}
	return s, rows.Err()
}

// PipelineState reports whether the work item's pipelines are still running,
// all succeeded, or include a failure.
func (db *DB) PipelineState(ctx context.Context, workItemID string) (model.PipelineState, error) {
	s, err := db.summarizePipelines(ctx, workItemID)
	if err != nil {
		return "", fmt.Errorf("storage: pipeline state: %w", err)
	}
	switch {
	case s.runs == 0:
		return model.PipelineUnknown, nil
	case s.running > 0:
		return model.PipelineRunning, nil
	case s.failures > 0:
		return model.PipelineFailure, nil
	default:
		return model.PipelineSuccess, nil
	}
}

// Health returns the CI/CD signal for a work item, or nil when no pipeline
// has reported.
func (db *DB) Health(ctx context.Context, workItemID string) (*model.CICDHealth, error) {
	s, err := db.summarizePipelines(ctx, workItemID)
	if err != nil {
		return nil, fmt.Errorf("storage: cicd health: %w", err)
	}
	if s.runs == 0 {
		return nil, nil
	}
	h := &model.CICDHealth{
		Status:                     model.PipelineSuccess,
		HasFailures:                s.failures > 0,
		FailureCount:               s.failures,
		RequiresManualIntervention: s.manual,
	}
	switch {
	case s.running > 0:
		h.Status = model.PipelineRunning
	case s.failures > 0:
		h.Status = model.PipelineFailure
	}
	if s.scored > 0 {
		avg := s.scoreSum / float64(s.scored)
		h.HealthScore = &avg
	}
	return h, nil
}
