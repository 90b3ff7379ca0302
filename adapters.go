package kensa

import (
	"context"

	"github.com/ashita-ai/kensa/internal/model"
)

// agentQuerierAdapter bridges kensa.AgentQuerier to gateway.Querier.
type agentQuerierAdapter struct {
	q AgentQuerier
}

func (a *agentQuerierAdapter) Query(ctx context.Context, code model.AgentCode, params model.QueryParams) (model.Payload, error) {
	p, err := a.q.Query(ctx, string(code), params.WorkItemID, int(params.Level))
	if err != nil {
		return model.Payload{}, err
	}
	return model.Payload{
		Status:     model.AgentStatus(p.Status),
		Confidence: p.Confidence,
		Findings:   p.Findings,
	}, nil
}

type requirementSourceAdapter struct {
	s RequirementSource
}

func (a *requirementSourceAdapter) Coverage(ctx context.Context, workItemID string) (model.RequirementCoverage, error) {
	c, err := a.s.Coverage(ctx, workItemID)
	if err != nil {
		return model.RequirementCoverage{}, err
	}
	return model.RequirementCoverage{
		Met:   toInternalRequirements(c.Met),
		Unmet: toInternalRequirements(c.Unmet),
		Total: c.Total,
	}, nil
}

func toInternalRequirements(in []Requirement) []model.Requirement {
	out := make([]model.Requirement, 0, len(in))
	for _, r := range in {
		out = append(out, model.Requirement{ID: r.ID, Description: r.Description})
	}
	return out
}

type cicdSourceAdapter struct {
	s CICDSource
}

func (a *cicdSourceAdapter) PipelineState(ctx context.Context, workItemID string) (model.PipelineState, error) {
	st, err := a.s.PipelineState(ctx, workItemID)
	if err != nil {
		return model.PipelineUnknown, err
	}
	return model.PipelineState(st), nil
}

func (a *cicdSourceAdapter) Health(ctx context.Context, workItemID string) (*model.CICDHealth, error) {
	h, err := a.s.Health(ctx, workItemID)
	if err != nil || h == nil {
		return nil, err
	}
	return &model.CICDHealth{
		Status:                     model.PipelineState(h.Status),
		HasFailures:                h.HasFailures,
		FailureCount:               h.FailureCount,
		RequiresManualIntervention: h.RequiresManualIntervention,
		HealthScore:                h.HealthScore,
	}, nil
}

type userStorySourceAdapter struct {
	s UserStorySource
}

func (a *userStorySourceAdapter) Validation(ctx context.Context, workItemID string) (model.UserStoryValidation, error) {
	v, err := a.s.Validation(ctx, workItemID)
	if err != nil {
		return model.UserStoryValidation{}, err
	}
	return model.NewUserStoryValidation(v.Total, v.Validated), nil
}

// eventHookAdapter bridges kensa.EventHook to events.Hook.
type eventHookAdapter struct {
	hook EventHook
}

func (a *eventHookAdapter) OnEvent(ctx context.Context, ev model.Event) error {
	return a.hook.OnEvent(ctx, Event{
		Type:       string(ev.Type),
		SessionID:  ev.SessionID,
		WorkItemID: ev.WorkItemID,
		Iteration:  ev.Iteration,
		Verdict:    Verdict(ev.Verdict),
		Confidence: ev.Confidence,
		Error:      ev.Error,
		At:         ev.At,
	})
}

func toPublicIssues(in []model.Issue) []Issue {
	out := make([]Issue, 0, len(in))
	for _, i := range in {
		out = append(out, Issue{Agent: string(i.Agent), Message: i.Message})
	}
	return out
}

func toPublicSession(s model.Session) Session {
	out := Session{
		ID:          s.ID,
		WorkItemID:  s.WorkItemID,
		Status:      string(s.Status),
		Iteration:   s.IterationNumber,
		TriggeredBy: s.TriggeredBy,
		Verdict:     Verdict(s.Verdict),
		Confidence:  s.ConfidenceScore,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		DurationMs:  s.DurationMs,
	}
	if msg, ok := s.Metadata["error"].(string); ok {
		out.Error = msg
	}
	return out
}
