package model

import (
	"fmt"
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Standard error codes.
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeIterationLimit = "ITERATION_LIMIT"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// VerifyRequest is the request body for POST /v1/verifications.
type VerifyRequest struct {
	WorkItemID       string   `json:"work_item_id"`
	ParentWorkItemID *string  `json:"parent_work_item_id,omitempty"`
	WorkItemType     string   `json:"work_item_type,omitempty"`
	TriggeredBy      string   `json:"triggered_by,omitempty"`
	Level            Level    `json:"level,omitempty"`
	Agents           []string `json:"agents,omitempty"`
	TimeoutMs        int      `json:"timeout_ms,omitempty"`
}

// MaxRequestTimeoutMs caps timeout_ms before it becomes a time.Duration. The
// gateway clamps again to its configured maximum.
const MaxRequestTimeoutMs = 60 * 60 * 1000

// Timeout returns the per-agent timeout, saturating at MaxRequestTimeoutMs.
// Zero means the configured default.
func (r VerifyRequest) Timeout() time.Duration {
	ms := min(max(r.TimeoutMs, 0), MaxRequestTimeoutMs)
	return time.Duration(ms) * time.Millisecond
}

// Validate checks a verification request. Zero values are filled in by the service.
func (r VerifyRequest) Validate() error {
	if err := ValidateWorkItemID(r.WorkItemID); err != nil {
		return err
	}
	if r.ParentWorkItemID != nil {
		if err := ValidateWorkItemID(*r.ParentWorkItemID); err != nil {
			return fmt.Errorf("parent_%w", err)
		}
	}
	if r.Level != 0 && !r.Level.Valid() {
		return fmt.Errorf("level must be 1, 2, or 3")
	}
	if r.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms must not be negative")
	}
	if _, err := ParseAgentCodes(r.Agents); err != nil {
		return err
	}
	return nil
}

// SessionDetail is the response body for GET /v1/sessions/{session_id}.
// Report is set once the session has completed.
type SessionDetail struct {
	Session Session `json:"session"`
	Report  *Report `json:"report,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Storage      string `json:"storage"`
	OpenBreakers int    `json:"open_breakers"`
	Subscribers  int    `json:"subscribers"`
	Uptime       int64  `json:"uptime_seconds"`
}
