package model

// Verdict is the final outcome of a verification. The zero value means no
// verdict was reached (the session failed before deciding).
type Verdict string

const (
	VerdictPass            Verdict = "pass"
	VerdictConditionalPass Verdict = "conditional_pass"
	VerdictFail            Verdict = "fail"
	VerdictEscalate        Verdict = "escalate"
)

// ResolutionReason names the conflict rule that matched.
type ResolutionReason string

const (
	ResolutionSecurityOverride  ResolutionReason = "security_override"
	ResolutionDatabaseOverride  ResolutionReason = "database_override"
	ResolutionConsensusFailed   ResolutionReason = "consensus_failed"
	ResolutionConsensusAchieved ResolutionReason = "consensus_achieved"
	ResolutionNone              ResolutionReason = "none"
)

// VerdictImpact is the effect a conflict resolution has on the verdict.
// The zero value is the null impact.
type VerdictImpact string

const (
	ImpactBlock       VerdictImpact = "BLOCK"
	ImpactConditional VerdictImpact = "CONDITIONAL"
	ImpactPass        VerdictImpact = "PASS"
)

// ConflictVerdict is the result of resolving disagreement among agents.
type ConflictVerdict struct {
	ResolutionReason ResolutionReason `json:"resolution_reason"`
	VerdictImpact    VerdictImpact    `json:"verdict_impact,omitempty"`
	Agents           []AgentCode      `json:"agents,omitempty"`
	Detail           string           `json:"detail,omitempty"`
}

// Signal is one input to the confidence mean. Weight counts how many times the
// value enters the mean.
type Signal struct {
	Source string  `json:"source"`
	Value  float64 `json:"value"`
	Weight int     `json:"weight"`
}

// AggregatedConfidence is the combined confidence and the signals behind it.
type AggregatedConfidence struct {
	Score   int      `json:"score"`
	Signals []Signal `json:"signals"`
}

// Decision is the verdict plus the rule that produced it.
type Decision struct {
	Verdict Verdict  `json:"verdict"`
	Rule    string   `json:"rule"`
	Reasons []string `json:"reasons,omitempty"`
}

// Issue is a single critical issue, warning, or recommendation.
type Issue struct {
	Agent   AgentCode `json:"agent"`
	Message string    `json:"message"`
}

// Report is the full result of a verification session.
type Report struct {
	Session         Session                    `json:"session"`
	Outcomes        map[AgentCode]AgentOutcome `json:"outcomes"`
	Conflict        ConflictVerdict            `json:"conflict"`
	Confidence      AggregatedConfidence       `json:"confidence"`
	Requirements    RequirementCoverage        `json:"requirements"`
	UserStories     *UserStoryValidation       `json:"user_stories,omitempty"`
	CICD            *CICDHealth                `json:"cicd,omitempty"`
	Decision        Decision                   `json:"decision"`
	CriticalIssues  []Issue                    `json:"critical_issues"`
	Warnings        []Issue                    `json:"warnings"`
	Recommendations []Issue                    `json:"recommendations"`
}

// ReportSummary is the level 1 view of a report.
type ReportSummary struct {
	SessionID       string   `json:"session_id"`
	WorkItemID      string   `json:"work_item_id"`
	Iteration       int      `json:"iteration_number"`
	Verdict         Verdict  `json:"verdict"`
	Rule            string   `json:"rule"`
	Reasons         []string `json:"reasons,omitempty"`
	Confidence      int      `json:"confidence_score"`
	CriticalIssues  int      `json:"critical_issues"`
	Warnings        int      `json:"warnings"`
	Recommendations int      `json:"recommendations"`
}

// ReportIssues is the level 2 view: the verdict and the issue lists.
type ReportIssues struct {
	Verdict         Verdict `json:"verdict"`
	Rule            string  `json:"rule"`
	CriticalIssues  []Issue `json:"critical_issues"`
	Warnings        []Issue `json:"warnings"`
	Recommendations []Issue `json:"recommendations"`
}

// Summary condenses r to its verdict and issue counts.
func (r Report) Summary() ReportSummary {
	return ReportSummary{
		SessionID:       r.Session.ID.String(),
		WorkItemID:      r.Session.WorkItemID,
		Iteration:       r.Session.IterationNumber,
		Verdict:         r.Decision.Verdict,
		Rule:            r.Decision.Rule,
		Reasons:         r.Decision.Reasons,
		Confidence:      r.Confidence.Score,
		CriticalIssues:  len(r.CriticalIssues),
		Warnings:        len(r.Warnings),
		Recommendations: len(r.Recommendations),
	}
}

// View returns the representation of r for a verbosity level: 1 summary,
// 2 issues only, 3 the full report. Unknown levels get the summary.
func (r Report) View(level Level) any {
	switch level {
	case LevelIssuesOnly:
		return ReportIssues{
			Verdict:         r.Decision.Verdict,
			Rule:            r.Decision.Rule,
			CriticalIssues:  r.CriticalIssues,
			Warnings:        r.Warnings,
			Recommendations: r.Recommendations,
		}
	case LevelFull:
		return r
	default:
		return r.Summary()
	}
}
