// Package confidence combines agent and quality signals into a single 0-100
// confidence score.
package confidence

import (
	"math"

	"github.com/ashita-ai/kensa/internal/model"
)

// Input holds every signal the score may draw on. Nil pointers mean the
// signal is absent.
type Input struct {
	Outcomes     map[model.AgentCode]model.AgentOutcome
	Requirements model.RequirementCoverage
	CICD         *model.CICDHealth
	UserStories  *model.UserStoryValidation
}

// CICDWeight is how many times the CI/CD health score enters the mean.
const CICDWeight = 2

// Aggregate computes the rounded mean of the available signals.
//
// Signals, in order:
//   - each agent's confidence, when present (fallback payloads included)
//   - requirement coverage percent, when there are requirements
//   - CI/CD health score, weighted twice, when present
//   - 100 if every user story is validated, else 0, when there are stories
//
// With no signals the score is 0.
func Aggregate(in Input) model.AggregatedConfidence {
	var signals []model.Signal

	for _, code := range model.OutcomeCodes(in.Outcomes) {
		p := in.Outcomes[code].Payload
		if p.Confidence == nil {
			continue
		}
		signals = append(signals, model.Signal{
			Source: "agent:" + string(code),
			Value:  *p.Confidence,
			Weight: 1,
		})
	}

	if pct, ok := in.Requirements.Percent(); ok {
		signals = append(signals, model.Signal{Source: "requirements", Value: pct, Weight: 1})
	}

	if in.CICD != nil && in.CICD.HealthScore != nil {
		signals = append(signals, model.Signal{Source: "cicd", Value: *in.CICD.HealthScore, Weight: CICDWeight})
	}

	if in.UserStories != nil && in.UserStories.Total > 0 {
		v := 0.0
		if in.UserStories.Validated {
			v = 100
		}
		signals = append(signals, model.Signal{Source: "user_stories", Value: v, Weight: 1})
	}

	return model.AggregatedConfidence{Score: Mean(signals), Signals: signals}
}

// Mean returns the weighted mean of signals rounded to the nearest integer
// (halves round up), or 0 when there are none.
func Mean(signals []model.Signal) int {
	var sum float64
	var n int
	for _, s := range signals {
		if s.Weight <= 0 {
			continue
		}
		sum += s.Value * float64(s.Weight)
		n += s.Weight
	}
	if n == 0 {
		return 0
	}
	return int(math.Floor(sum/float64(n) + 0.5))
}
