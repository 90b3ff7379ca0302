package verification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/model"
)

func TestIssues(t *testing.T) {
	outcomes := map[model.AgentCode]model.AgentOutcome{
		model.AgentDatabase: {Payload: model.Payload{Status: model.AgentFailed}},
		model.AgentSecurity: {Payload: model.Payload{Status: model.AgentPassed, Findings: model.TextFindings("CRITICAL: token in logs")}},
		model.AgentTesting:  {Payload: model.Payload{Status: model.AgentPassed, Findings: model.TextFindings("no criticality issues")}},
		model.AgentCost: {Payload: model.Payload{
			Status:   model.AgentWarning,
			Findings: []byte(`{"summary":"critical spend","recommendation":"use spot instances"}`),
		}},
		"CUSTOM": {Payload: model.Payload{Status: model.AgentWarning, Findings: model.TextFindings("slow")}},
	}

	critical, warnings, recs := issues(outcomes)

	require.Len(t, critical, 2)
	assert.Equal(t, model.AgentSecurity, critical[0].Agent, "dispatch order")
	assert.Equal(t, "CRITICAL: token in logs", critical[0].Message)
	assert.Equal(t, model.AgentDatabase, critical[1].Agent)
	assert.Equal(t, "agent reported failed", critical[1].Message)

	require.Len(t, warnings, 2)
	assert.Equal(t, model.AgentCost, warnings[0].Agent)
	assert.Contains(t, warnings[0].Message, "use spot instances")
	assert.Equal(t, model.AgentCode("CUSTOM"), warnings[1].Agent)

	require.Len(t, recs, 1)
	assert.Equal(t, model.Issue{Agent: model.AgentCost, Message: "use spot instances"}, recs[0])
}

func TestIssuesEmpty(t *testing.T) {
	critical, warnings, recs := issues(nil)
	assert.NotNil(t, critical)
	assert.Empty(t, critical)
	assert.Empty(t, warnings)
	assert.Empty(t, recs)
}
