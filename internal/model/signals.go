package model

// Requirement is one acceptance requirement of a work item.
type Requirement struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// RequirementCoverage reports which requirements are met.
type RequirementCoverage struct {
	Met   []Requirement `json:"met"`
	Unmet []Requirement `json:"unmet"`
	Total int           `json:"total"`
}

// Percent returns met/total*100, or false when there are no requirements.
func (c RequirementCoverage) Percent() (float64, bool) {
	if c.Total <= 0 {
		return 0, false
	}
	return float64(len(c.Met)) / float64(c.Total) * 100, true
}

// PipelineState is the coarse state of the CI/CD pipelines for a work item.
type PipelineState string

const (
	PipelineRunning PipelineState = "running"
	PipelineSuccess PipelineState = "success"
	PipelineFailure PipelineState = "failure"
	PipelineUnknown PipelineState = "unknown"
)

// Settled reports whether the wait loop can stop polling.
func (s PipelineState) Settled() bool {
	return s == PipelineSuccess || s == PipelineFailure
}

// CICDHealth is the CI/CD signal for a work item.
type CICDHealth struct {
	Status                     PipelineState `json:"status"`
	HasFailures                bool          `json:"has_failures"`
	FailureCount               int           `json:"failure_count"`
	RequiresManualIntervention bool          `json:"requires_manual_intervention"`
	HealthScore                *float64      `json:"health_score,omitempty"`
	Error                      string        `json:"error,omitempty"`
}

// UserStoryValidation reports whether all user stories of a work item are validated.
type UserStoryValidation struct {
	Validated      bool `json:"validated"`
	Total          int  `json:"total"`
	ValidatedCount int  `json:"validated_count"`
	Pending        int  `json:"pending"`
}

// NewUserStoryValidation derives the validation summary from counts.
func NewUserStoryValidation(total, validated int) UserStoryValidation {
	pending := total - validated
	if pending < 0 {
		pending = 0
	}
	return UserStoryValidation{
		Validated:      total > 0 && pending == 0,
		Total:          total,
		ValidatedCount: validated,
		Pending:        pending,
	}
}
