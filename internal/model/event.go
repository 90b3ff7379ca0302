package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the category of a verification lifecycle event.
type EventType string

const (
	EventSessionCreated       EventType = "session.created"
	EventSessionRunning       EventType = "session.running"
	EventVerificationComplete EventType = "verification.complete"
	EventVerificationError    EventType = "verification.error"
)

// Event is a lifecycle notification published by the verification service.
type Event struct {
	Type       EventType  `json:"type"`
	SessionID  *uuid.UUID `json:"session_id,omitempty"`
	WorkItemID string     `json:"work_item_id"`
	Iteration  int        `json:"iteration_number,omitempty"`
	Verdict    Verdict    `json:"verdict,omitempty"`
	Confidence *int       `json:"confidence_score,omitempty"`
	Error      string     `json:"error,omitempty"`
	At         time.Time  `json:"at"`
}
