package kensa

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Verdict is the final outcome of a verification.
type Verdict string

const (
	VerdictPass            Verdict = "pass"
	VerdictConditionalPass Verdict = "conditional_pass"
	VerdictFail            Verdict = "fail"
	VerdictEscalate        Verdict = "escalate"
)

// Verbosity levels of a report.
const (
	LevelSummary    = 1
	LevelIssuesOnly = 2
	LevelFull       = 3
)

// VerifyRequest starts a verification of one work item.
type VerifyRequest struct {
	WorkItemID string
	// ParentWorkItemID, when set, is where CI/CD health and user stories are read.
	ParentWorkItemID string
	WorkItemType     string
	TriggeredBy      string
	Level            int
	// Agents picks the dispatch list. Empty uses the configured rules. The
	// safety, integrity, and consensus agents are queried regardless.
	Agents []string
	// Timeout per agent call. Zero uses KENSA_AGENT_TIMEOUT.
	Timeout time.Duration
}

// Issue is a single critical issue, warning, or recommendation.
type Issue struct {
	Agent   string
	Message string
}

// Result is the public view of a completed verification.
type Result struct {
	SessionID       uuid.UUID
	WorkItemID      string
	Iteration       int
	Verdict         Verdict
	Rule            string
	Reasons         []string
	Confidence      int
	CriticalIssues  []Issue
	Warnings        []Issue
	Recommendations []Issue
	DurationMs      int64
	// Report is the full report as JSON, including every agent outcome.
	Report json.RawMessage
}

// Session is one verification attempt for a work item.
type Session struct {
	ID          uuid.UUID
	WorkItemID  string
	Status      string // pending | running | completed | failed
	Iteration   int
	TriggeredBy string
	Verdict     Verdict
	Confidence  *int
	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMs  *int64
	Error       string
}

// AgentPayload is an analysis agent's answer.
type AgentPayload struct {
	Status     string // passed | failed | warning
	Confidence *float64
	// Findings is free-form: a JSON string, or an object whose
	// "recommendation" field becomes a report recommendation.
	Findings json.RawMessage
}

// Requirement is one acceptance requirement of a work item.
type Requirement struct {
	ID          string
	Description string
}

// RequirementCoverage reports which requirements are met.
type RequirementCoverage struct {
	Met   []Requirement
	Unmet []Requirement
	Total int
}

// PipelineState is the coarse state of the CI/CD pipelines for a work item.
type PipelineState string

const (
	PipelineRunning PipelineState = "running"
	PipelineSuccess PipelineState = "success"
	PipelineFailure PipelineState = "failure"
	PipelineUnknown PipelineState = "unknown"
)

// CICDHealth is the CI/CD signal for a work item.
type CICDHealth struct {
	Status                     PipelineState
	HasFailures                bool
	FailureCount               int
	RequiresManualIntervention bool
	HealthScore                *float64
}

// UserStoryValidation counts validated user stories.
type UserStoryValidation struct {
	Total     int
	Validated int
}

// Event is a verification lifecycle notification.
type Event struct {
	Type       string // session.created | session.running | verification.complete | verification.error
	SessionID  *uuid.UUID
	WorkItemID string
	Iteration  int
	Verdict    Verdict
	Confidence *int
	Error      string
	At         time.Time
}
