package confidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/model"
)

func withConfidence(code model.AgentCode, status model.AgentStatus, conf *float64) model.AgentOutcome {
	return model.AgentOutcome{AgentCode: code, Payload: model.Payload{Status: status, Confidence: conf}}
}

func reqs(met, unmet int) model.RequirementCoverage {
	c := model.RequirementCoverage{Total: met + unmet}
	for i := 0; i < met; i++ {
		c.Met = append(c.Met, model.Requirement{ID: "m"})
	}
	for i := 0; i < unmet; i++ {
		c.Unmet = append(c.Unmet, model.Requirement{ID: "u"})
	}
	return c
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name  string
		in    Input
		score int
		n     int
	}{
		{
			name:  "no signals",
			in:    Input{},
			score: 0,
		},
		{
			name: "agents only",
			in: Input{Outcomes: map[model.AgentCode]model.AgentOutcome{
				model.AgentSecurity: withConfidence(model.AgentSecurity, model.AgentPassed, model.Float(95)),
				model.AgentTesting:  withConfidence(model.AgentTesting, model.AgentPassed, model.Float(90)),
			}},
			score: 93, // 92.5 rounds up
			n:     2,
		},
		{
			name: "agent without confidence is skipped",
			in: Input{Outcomes: map[model.AgentCode]model.AgentOutcome{
				model.AgentSecurity: withConfidence(model.AgentSecurity, model.AgentPassed, model.Float(80)),
				model.AgentTesting:  withConfidence(model.AgentTesting, model.AgentPassed, nil),
			}},
			score: 80,
			n:     1,
		},
		{
			name: "fallback confidences count",
			in: Input{Outcomes: map[model.AgentCode]model.AgentOutcome{
				model.AgentSecurity: withConfidence(model.AgentSecurity, model.AgentFailed, model.Float(0)),
				model.AgentTesting:  withConfidence(model.AgentTesting, model.AgentFallback, model.Float(50)),
			}},
			score: 25,
			n:     2,
		},
		{
			name: "cicd weighted twice",
			in: Input{
				Outcomes: map[model.AgentCode]model.AgentOutcome{
					model.AgentSecurity: withConfidence(model.AgentSecurity, model.AgentPassed, model.Float(90)),
				},
				CICD: &model.CICDHealth{HealthScore: model.Float(60)},
			},
			score: 70, // (90 + 60 + 60) / 3
			n:     2,
		},
		{
			name: "cicd without score is absent",
			in: Input{
				Outcomes: map[model.AgentCode]model.AgentOutcome{
					model.AgentSecurity: withConfidence(model.AgentSecurity, model.AgentPassed, model.Float(90)),
				},
				CICD: &model.CICDHealth{RequiresManualIntervention: true},
			},
			score: 90,
			n:     1,
		},
		{
			name:  "requirements coverage",
			in:    Input{Requirements: reqs(3, 1)},
			score: 75,
			n:     1,
		},
		{
			name: "unvalidated stories add zero",
			in: Input{
				Requirements: reqs(1, 0),
				UserStories:  &model.UserStoryValidation{Total: 2, ValidatedCount: 1, Pending: 1},
			},
			score: 50,
			n:     2,
		},
		{
			name: "no stories adds nothing",
			in: Input{
				Requirements: reqs(1, 0),
				UserStories:  &model.UserStoryValidation{},
			},
			score: 100,
			n:     1,
		},
		{
			name: "everything",
			in: Input{
				Outcomes: map[model.AgentCode]model.AgentOutcome{
					model.AgentSecurity: withConfidence(model.AgentSecurity, model.AgentPassed, model.Float(95)),
					model.AgentDatabase: withConfidence(model.AgentDatabase, model.AgentPassed, model.Float(90)),
					model.AgentTesting:  withConfidence(model.AgentTesting, model.AgentPassed, model.Float(92)),
				},
				Requirements: reqs(5, 0),
				CICD:         &model.CICDHealth{HealthScore: model.Float(100)},
				UserStories:  &model.UserStoryValidation{Validated: true, Total: 4, ValidatedCount: 4},
			},
			// (95+90+92+100+100+100+100)/7 = 96.71
			score: 97,
			n:     6,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate(tt.in)
			assert.Equal(t, tt.score, got.Score)
			assert.Len(t, got.Signals, tt.n)
			assert.GreaterOrEqual(t, got.Score, 0)
			assert.LessOrEqual(t, got.Score, 100)
		})
	}
}

func TestAggregate_SignalOrder(t *testing.T) {
	got := Aggregate(Input{
		Outcomes: map[model.AgentCode]model.AgentOutcome{
			"ZETA":              withConfidence("ZETA", model.AgentPassed, model.Float(1)),
			model.AgentTesting:  withConfidence(model.AgentTesting, model.AgentPassed, model.Float(1)),
			"ALPHA":             withConfidence("ALPHA", model.AgentPassed, model.Float(1)),
			model.AgentSecurity: withConfidence(model.AgentSecurity, model.AgentPassed, model.Float(1)),
		},
		CICD: &model.CICDHealth{HealthScore: model.Float(1)},
	})
	require.Len(t, got.Signals, 5)
	var sources []string
	for _, s := range got.Signals {
		sources = append(sources, s.Source)
	}
	assert.Equal(t, []string{"agent:SECURITY", "agent:TESTING", "agent:ALPHA", "agent:ZETA", "cicd"}, sources)
	assert.Equal(t, CICDWeight, got.Signals[4].Weight)
}

func TestMean(t *testing.T) {
	assert.Equal(t, 0, Mean(nil))
	assert.Equal(t, 1, Mean([]model.Signal{{Value: 0.5, Weight: 1}}))
	assert.Equal(t, 0, Mean([]model.Signal{{Value: 0.49, Weight: 1}}))
	assert.Equal(t, 0, Mean([]model.Signal{{Value: 80, Weight: 0}}), "zero weight is ignored")
}
