package fallback_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/fallback"
	"github.com/ashita-ai/kensa/internal/model"
)

func TestResolve(t *testing.T) {
	p := fallback.New()

	tests := []struct {
		code       model.AgentCode
		status     model.AgentStatus
		confidence float64
		findings   string
	}{
		{model.AgentSecurity, model.AgentFailed, 0, ""},
		{model.AgentDatabase, model.AgentFailed, 0, ""},
		{model.AgentTesting, model.AgentFallback, 50, fallback.TestingMessage},
		{model.AgentPerformance, model.AgentWarning, 60, fallback.PerformanceMessage},
		{model.AgentDesign, model.AgentWarning, 60, fallback.AdvisoryMessage},
		{model.AgentCost, model.AgentWarning, 60, fallback.AdvisoryMessage},
		{model.AgentDependency, model.AgentFallback, 50, ""},
		{"ACCESSIBILITY", model.AgentUnknown, 0, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			got := p.Resolve(tt.code)
			assert.Equal(t, tt.status, got.Status)
			require.NotNil(t, got.Confidence)
			assert.Equal(t, tt.confidence, *got.Confidence)
			assert.Equal(t, tt.findings, got.FindingsText())
		})
	}
}

func TestResolve_DoesNotShareState(t *testing.T) {
	p := fallback.New()
	a := p.Resolve(model.AgentTesting)
	*a.Confidence = 99
	assert.Equal(t, 50.0, *p.Resolve(model.AgentTesting).Confidence)
}

func TestFailsClosed(t *testing.T) {
	p := fallback.New()
	assert.True(t, p.FailsClosed(model.AgentSecurity))
	assert.True(t, p.FailsClosed(model.AgentDatabase))
	assert.False(t, p.FailsClosed(model.AgentTesting))
	assert.False(t, p.FailsClosed("ACCESSIBILITY"))
}
