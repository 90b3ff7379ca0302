package verification

import (
	"fmt"

	"github.com/ashita-ai/kensa/internal/conflicts"
	"github.com/ashita-ai/kensa/internal/model"
)

// issues extracts critical issues, warnings, and recommendations from the
// agent payloads (fallbacks included), in dispatch order.
func issues(outcomes map[model.AgentCode]model.AgentOutcome) (critical, warnings, recommendations []model.Issue) {
	critical, warnings, recommendations = []model.Issue{}, []model.Issue{}, []model.Issue{}
	for _, code := range model.OutcomeCodes(outcomes) {
		p := outcomes[code].Payload
		if p.Status == model.AgentFailed || conflicts.HasCriticalFinding(p) {
			critical = append(critical, model.Issue{Agent: code, Message: issueMessage(p)})
		}
		if p.Status == model.AgentWarning {
			warnings = append(warnings, model.Issue{Agent: code, Message: issueMessage(p)})
		}
		if rec := p.Recommendation(); rec != "" {
			recommendations = append(recommendations, model.Issue{Agent: code, Message: rec})
		}
	}
	return critical, warnings, recommendations
}

func issueMessage(p model.Payload) string {
	if text := p.FindingsText(); text != "" {
		return text
	}
	if len(p.Findings) > 0 && string(p.Findings) != "null" {
		return string(p.Findings)
	}
	return fmt.Sprintf("agent reported %s", p.Status)
}
