// Package fallback maps an agent code to the payload substituted when the
// agent cannot answer.
package fallback

import "github.com/ashita-ai/kensa/internal/model"

// Message strings carried in fallback findings.
const (
	TestingMessage     = "Using last known test results"
	PerformanceMessage = "Using default performance metrics"
	AdvisoryMessage    = "Advisory agent unavailable, using neutral result"
)

// Policy returns fallback payloads. It is a pure table lookup and safe for
// concurrent use.
type Policy struct {
	table map[model.AgentCode]model.Payload
}

// New returns the default policy. Safety-critical agents fail closed.
func New() *Policy {
	p := &Policy{table: map[model.AgentCode]model.Payload{
		model.AgentSecurity: {Status: model.AgentFailed, Confidence: model.Float(0)},
		model.AgentDatabase: {Status: model.AgentFailed, Confidence: model.Float(0)},
		model.AgentTesting: {
			Status:     model.AgentFallback,
			Confidence: model.Float(50),
			Findings:   model.TextFindings(TestingMessage),
		},
		model.AgentPerformance: {
			Status:     model.AgentWarning,
			Confidence: model.Float(60),
			Findings:   model.TextFindings(PerformanceMessage),
		},
	}}
	for _, code := range []model.AgentCode{model.AgentDesign, model.AgentDocumentation, model.AgentCost} {
		p.table[code] = model.Payload{
			Status:     model.AgentWarning,
			Confidence: model.Float(60),
			Findings:   model.TextFindings(AdvisoryMessage),
		}
	}
	for _, code := range []model.AgentCode{model.AgentAPI, model.AgentDependency} {
		p.table[code] = model.Payload{
			Status:     model.AgentFallback,
			Confidence: model.Float(50),
		}
	}
	return p
}

// Resolve returns the fallback payload for code. Codes outside the table
// resolve to unknown with zero confidence.
func (p *Policy) Resolve(code model.AgentCode) model.Payload {
	fb, ok := p.table[code]
	if !ok {
		return model.Payload{Status: model.AgentUnknown, Confidence: model.Float(0)}
	}
	// Copy the pointer field so callers cannot mutate the table.
	c := *fb.Confidence
	fb.Confidence = &c
	return fb
}

// FailsClosed reports whether code falls back to a failed status.
func (p *Policy) FailsClosed(code model.AgentCode) bool {
	return p.Resolve(code).Status == model.AgentFailed
}
