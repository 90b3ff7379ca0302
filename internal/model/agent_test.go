package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/model"
)

func TestParseAgentCode(t *testing.T) {
	c, err := model.ParseAgentCode(" security ")
	require.NoError(t, err)
	assert.Equal(t, model.AgentSecurity, c)
	assert.True(t, c.IsKnown())

	c, err = model.ParseAgentCode("ACCESSIBILITY")
	require.NoError(t, err)
	assert.False(t, c.IsKnown(), "unknown codes parse but are not in the compile-time set")

	for _, bad := range []string{"", "   ", "SEC URITY", "SEC;DROP", strings.Repeat("A", model.MaxAgentCodeLen+1)} {
		_, err := model.ParseAgentCode(bad)
		assert.Error(t, err, "expected invalid: %q", bad)
	}
}

func TestParseAgentCodes_Dedupes(t *testing.T) {
	codes, err := model.ParseAgentCodes([]string{"security", "TESTING", "Security"})
	require.NoError(t, err)
	assert.Equal(t, []model.AgentCode{model.AgentSecurity, model.AgentTesting}, codes)
}

func TestDefaultAgents_ReturnsCopy(t *testing.T) {
	a := model.DefaultAgents()
	require.Len(t, a, 9)
	a[0] = "MUTATED"
	assert.Equal(t, model.AgentSecurity, model.DefaultAgents()[0])
}

func TestPayloadFindings(t *testing.T) {
	text := model.Payload{Findings: model.TextFindings("critical SQL injection")}
	assert.Equal(t, "critical SQL injection", text.FindingsText())
	assert.Empty(t, text.Recommendation())

	obj := model.Payload{Findings: []byte(`{"recommendation":"add an index","count":2}`)}
	assert.Empty(t, obj.FindingsText())
	assert.Equal(t, "add an index", obj.Recommendation())

	assert.Empty(t, model.Payload{}.FindingsText())
	assert.Empty(t, model.Payload{Findings: []byte(`{broken`)}.Recommendation())
}

func TestLevelValid(t *testing.T) {
	assert.True(t, model.LevelSummary.Valid())
	assert.True(t, model.LevelFull.Valid())
	assert.False(t, model.Level(0).Valid())
	assert.False(t, model.Level(4).Valid())
}

func TestAdvisory(t *testing.T) {
	for _, c := range []model.AgentCode{model.AgentDesign, model.AgentDocumentation, model.AgentCost} {
		assert.True(t, c.Advisory(), c)
	}
	for _, c := range []model.AgentCode{model.AgentSecurity, model.AgentDatabase, model.AgentTesting, "OTHER"} {
		assert.False(t, c.Advisory(), c)
	}
}
