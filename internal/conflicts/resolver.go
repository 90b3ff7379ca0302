// Package conflicts resolves disagreement among agent outcomes into a single
// verdict impact.
//
// Rules are evaluated in order and the first match wins:
//
//  1. the safety agent failed, or reported a critical finding: BLOCK
//  2. the integrity agent failed: BLOCK
//  3. any consensus agent failed: CONDITIONAL
//  4. every consensus agent passed: PASS
//  5. otherwise: no impact
package conflicts

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/ashita-ai/kensa/internal/model"
)

// Resolver applies one rule set. It holds no mutable state.
type Resolver struct {
	rules Rules
}

// NewResolver creates a resolver. Empty rule fields take the defaults.
func NewResolver(rules Rules) *Resolver {
	return &Resolver{rules: rules.withDefaults()}
}

// Rules returns the effective rule set.
func (r *Resolver) Rules() Rules { return r.rules }

// Resolve inspects agent payload statuses (fallbacks included) and returns
// the matching conflict verdict.
func (r *Resolver) Resolve(outcomes map[model.AgentCode]model.AgentOutcome) model.ConflictVerdict {
	safety := r.rules.SafetyAgent
	if o, ok := outcomes[safety]; ok {
		if o.Payload.Status == model.AgentFailed {
			return model.ConflictVerdict{
				ResolutionReason: model.ResolutionSecurityOverride,
				VerdictImpact:    model.ImpactBlock,
				Agents:           []model.AgentCode{safety},
				Detail:           fmt.Sprintf("%s reported failure", safety),
			}
		}
		if HasCriticalFinding(o.Payload) {
			return model.ConflictVerdict{
				ResolutionReason: model.ResolutionSecurityOverride,
				VerdictImpact:    model.ImpactBlock,
				Agents:           []model.AgentCode{safety},
				Detail:           fmt.Sprintf("%s reported a critical finding: %s", safety, o.Payload.FindingsText()),
			}
		}
	}

	integrity := r.rules.IntegrityAgent
	if o, ok := outcomes[integrity]; ok && o.Payload.Status == model.AgentFailed {
		return model.ConflictVerdict{
			ResolutionReason: model.ResolutionDatabaseOverride,
			VerdictImpact:    model.ImpactBlock,
			Agents:           []model.AgentCode{integrity},
			Detail:           fmt.Sprintf("%s reported failure", integrity),
		}
	}

	var failed []model.AgentCode
	allPassed := len(r.rules.Consensus) > 0
	for _, code := range r.rules.Consensus {
		switch outcomes[code].Payload.Status {
		case model.AgentFailed:
			failed = append(failed, code)
			allPassed = false
		case model.AgentPassed:
		default:
			allPassed = false
		}
	}
	if len(failed) > 0 {
		return model.ConflictVerdict{
			ResolutionReason: model.ResolutionConsensusFailed,
			VerdictImpact:    model.ImpactConditional,
			Agents:           failed,
			Detail:           fmt.Sprintf("consensus agents failed: %s", joinCodes(failed)),
		}
	}
	if allPassed {
		return model.ConflictVerdict{
			ResolutionReason: model.ResolutionConsensusAchieved,
			VerdictImpact:    model.ImpactPass,
			Agents:           append([]model.AgentCode(nil), r.rules.Consensus...),
		}
	}
	return model.ConflictVerdict{ResolutionReason: model.ResolutionNone}
}

// HasCriticalFinding reports whether string findings contain the word
// "critical", in any case.
func HasCriticalFinding(p model.Payload) bool {
	words := strings.FieldsFunc(p.FindingsText(), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if strings.EqualFold(w, "critical") {
			return true
		}
	}
	return false
}

func joinCodes(codes []model.AgentCode) string {
	s := make([]string, len(codes))
	for i, c := range codes {
		s[i] = string(c)
	}
	return strings.Join(s, ", ")
}
