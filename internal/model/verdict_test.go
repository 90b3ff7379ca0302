package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestReportView(t *testing.T) {
	r := Report{
		Session:        Session{ID: uuid.New(), WorkItemID: "PRD-1", IterationNumber: 2},
		Confidence:     AggregatedConfidence{Score: 80},
		Decision:       Decision{Verdict: VerdictConditionalPass, Rule: "low_confidence"},
		CriticalIssues: []Issue{},
		Warnings:       []Issue{{Agent: AgentTesting, Message: "flaky suite"}},
		Recommendations: []Issue{
			{Agent: AgentSecurity, Message: "rotate keys"},
			{Agent: AgentAPI, Message: "version the endpoint"},
		},
	}

	sum, ok := r.View(LevelSummary).(ReportSummary)
	assert.True(t, ok)
	assert.Equal(t, r.Session.ID.String(), sum.SessionID)
	assert.Equal(t, 2, sum.Iteration)
	assert.Equal(t, 80, sum.Confidence)
	assert.Equal(t, 1, sum.Warnings)
	assert.Equal(t, 2, sum.Recommendations)

	issues, ok := r.View(LevelIssuesOnly).(ReportIssues)
	assert.True(t, ok)
	assert.Equal(t, VerdictConditionalPass, issues.Verdict)
	assert.Len(t, issues.Warnings, 1)

	_, ok = r.View(LevelFull).(Report)
	assert.True(t, ok)

	_, ok = r.View(0).(ReportSummary)
	assert.True(t, ok, "unknown levels fall back to the summary")
}
