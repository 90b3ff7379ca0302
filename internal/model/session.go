package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a verification session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Active reports whether the session still blocks new sessions for its work item.
func (s SessionStatus) Active() bool {
	return s == SessionPending || s == SessionRunning
}

// Terminal reports whether s can no longer change.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to SessionStatus) bool {
	switch from {
	case SessionPending:
		return to == SessionRunning || to == SessionFailed
	case SessionRunning:
		return to == SessionCompleted || to == SessionFailed
	default:
		return false
	}
}

// Session is one verification attempt for a work item.
type Session struct {
	ID               uuid.UUID      `json:"session_id"`
	WorkItemID       string         `json:"work_item_id"`
	ParentWorkItemID *string        `json:"parent_work_item_id,omitempty"`
	WorkItemType     string         `json:"work_item_type,omitempty"`
	Status           SessionStatus  `json:"status"`
	IterationNumber  int            `json:"iteration_number"`
	TriggeredBy      string         `json:"triggered_by"`
	ConfidenceScore  *int           `json:"confidence_score,omitempty"`
	Verdict          Verdict        `json:"verdict,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	DurationMs       *int64         `json:"duration_ms,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// CreateSessionParams holds the fields a caller supplies when opening a session.
type CreateSessionParams struct {
	ID               uuid.UUID
	WorkItemID       string
	ParentWorkItemID *string
	WorkItemType     string
	TriggeredBy      string
	StartedAt        time.Time
	MaxIterations    int
	Metadata         map[string]any
}

// SessionResult is written when a session completes.
type SessionResult struct {
	Verdict         Verdict
	ConfidenceScore int
	CompletedAt     time.Time
	DurationMs      int64
	Report          *Report
}

// SessionFailure is written when a session fails on an infrastructure error.
type SessionFailure struct {
	Error       string
	CompletedAt time.Time
	DurationMs  int64
}

// MaxWorkItemIDLen bounds work item identifiers.
const MaxWorkItemIDLen = 255

// ValidateWorkItemID checks a caller-supplied work item identifier.
func ValidateWorkItemID(id string) error {
	if id == "" {
		return fmt.Errorf("work_item_id is required")
	}
	if len(id) > MaxWorkItemIDLen {
		return fmt.Errorf("work_item_id exceeds maximum length of %d characters", MaxWorkItemIDLen)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("work_item_id contains control characters")
		}
	}
	return nil
}
