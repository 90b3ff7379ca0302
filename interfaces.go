package kensa

import (
	"context"
)

// AgentQuerier returns one analysis agent's result for a work item.
// When provided via WithAgentQuerier, replaces the configured source
// (agent_results table or HTTP analyzer service). Errors, timeouts, and slow
// answers are absorbed by the circuit breaker and fallback policy.
type AgentQuerier interface {
	Query(ctx context.Context, agentCode, workItemID string, level int) (AgentPayload, error)
}

// RequirementSource reports which acceptance requirements of a work item are met.
type RequirementSource interface {
	Coverage(ctx context.Context, workItemID string) (RequirementCoverage, error)
}

// CICDSource reports pipeline state for a work item. Health returns nil when
// no pipeline has reported.
type CICDSource interface {
	PipelineState(ctx context.Context, workItemID string) (PipelineState, error)
	Health(ctx context.Context, workItemID string) (*CICDHealth, error)
}

// UserStorySource summarizes user story validation for a work item.
type UserStorySource interface {
	Validation(ctx context.Context, workItemID string) (UserStoryValidation, error)
}

// EventHook receives async notifications of verification lifecycle events.
// Multiple hooks may be registered via multiple WithEventHook calls.
// Hooks run in goroutines with a timeout; they must not block indefinitely.
// Failures are logged but do not fail the verification.
type EventHook interface {
	OnEvent(ctx context.Context, event Event) error
}
