// Package verdict maps the aggregated signals of a verification to a final
// verdict. Rules are evaluated in a fixed order; the first match wins.
package verdict

import (
	"context"
	"fmt"

	"github.com/ashita-ai/kensa/internal/model"
)

// Rule names recorded on each decision.
const (
	RuleCICDFailures        = "cicd_failures"
	RuleManualIntervention  = "manual_intervention"
	RuleUserStoriesPending  = "user_stories_pending"
	RuleConflictBlock       = "conflict_block"
	RuleRequirementsUnmet   = "requirements_unmet"
	RuleRequirementsPartial = "requirements_partial"
	RuleIterationCeiling    = "iteration_ceiling"
	RuleLowConfidence       = "low_confidence"
	RuleAllChecksPassed     = "all_checks_passed"
)

// IterationSource reports the current iteration number of a work item.
type IterationSource interface {
	LatestIteration(ctx context.Context, workItemID string) (int, error)
}

// Config holds the decision thresholds.
type Config struct {
	ConfidenceThreshold int
	MaxIterations       int
	UnmetFailLimit      int
}

// DefaultConfig returns threshold 85, iteration ceiling 3, unmet limit 3.
func DefaultConfig() Config {
	return Config{ConfidenceThreshold: 85, MaxIterations: 3, UnmetFailLimit: 3}
}

// Input is everything a decision depends on.
type Input struct {
	WorkItemID   string
	Conflict     model.ConflictVerdict
	Confidence   int
	Requirements model.RequirementCoverage
	CICD         *model.CICDHealth
	UserStories  *model.UserStoryValidation
}

// Engine decides verdicts. It is stateless apart from its configuration.
type Engine struct {
	cfg        Config
	iterations IterationSource
}

// New creates an engine. Zero config fields take the defaults.
func New(cfg Config, iterations IterationSource) *Engine {
	def := DefaultConfig()
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.UnmetFailLimit <= 0 {
		cfg.UnmetFailLimit = def.UnmetFailLimit
	}
	return &Engine{cfg: cfg, iterations: iterations}
}

// Decide returns the verdict for in. The iteration lookup only happens when
// confidence is below threshold; its error is returned unchanged.
func (e *Engine) Decide(ctx context.Context, in Input) (model.Decision, error) {
	if in.CICD != nil && in.CICD.HasFailures {
		return model.Decision{
			Verdict: model.VerdictFail,
			Rule:    RuleCICDFailures,
			Reasons: []string{fmt.Sprintf("CI/CD pipelines report %d failure(s)", in.CICD.FailureCount)},
		}, nil
	}

	if in.CICD != nil && in.CICD.RequiresManualIntervention {
		reason := "CI/CD status requires manual intervention"
		if in.CICD.Error != "" {
			reason += ": " + in.CICD.Error
		}
		return model.Decision{
			Verdict: model.VerdictConditionalPass,
			Rule:    RuleManualIntervention,
			Reasons: []string{reason},
		}, nil
	}

	if s := in.UserStories; s != nil && s.Total > 0 && !s.Validated {
		return model.Decision{
			Verdict: model.VerdictConditionalPass,
			Rule:    RuleUserStoriesPending,
			Reasons: []string{fmt.Sprintf("%d of %d user stories not validated", s.Pending, s.Total)},
		}, nil
	}

	if in.Conflict.VerdictImpact == model.ImpactBlock {
		reason := string(in.Conflict.ResolutionReason)
		if in.Conflict.Detail != "" {
			reason += ": " + in.Conflict.Detail
		}
		return model.Decision{
			Verdict: model.VerdictFail,
			Rule:    RuleConflictBlock,
			Reasons: []string{reason},
		}, nil
	}

	if unmet := len(in.Requirements.Unmet); unmet > 0 {
		reasons := make([]string, 0, unmet)
		for _, r := range in.Requirements.Unmet {
			reasons = append(reasons, "requirement not met: "+describe(r))
		}
		if unmet > e.cfg.UnmetFailLimit {
			return model.Decision{Verdict: model.VerdictFail, Rule: RuleRequirementsUnmet, Reasons: reasons}, nil
		}
		return model.Decision{Verdict: model.VerdictConditionalPass, Rule: RuleRequirementsPartial, Reasons: reasons}, nil
	}

	if in.Confidence < e.cfg.ConfidenceThreshold {
		iteration, err := e.iterations.LatestIteration(ctx, in.WorkItemID)
		if err != nil {
			return model.Decision{}, fmt.Errorf("verdict: iteration lookup: %w", err)
		}
		reason := fmt.Sprintf("confidence %d below threshold %d", in.Confidence, e.cfg.ConfidenceThreshold)
		if iteration >= e.cfg.MaxIterations {
			return model.Decision{
				Verdict: model.VerdictEscalate,
				Rule:    RuleIterationCeiling,
				Reasons: []string{reason, fmt.Sprintf("iteration %d reached ceiling %d", iteration, e.cfg.MaxIterations)},
			}, nil
		}
		return model.Decision{
			Verdict: model.VerdictConditionalPass,
			Rule:    RuleLowConfidence,
			Reasons: []string{reason},
		}, nil
	}

	return model.Decision{Verdict: model.VerdictPass, Rule: RuleAllChecksPassed}, nil
}

func describe(r model.Requirement) string {
	switch {
	case r.Description != "" && r.ID != "":
		return r.ID + " (" + r.Description + ")"
	case r.Description != "":
		return r.Description
	default:
		return r.ID
	}
}
