package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AgentCode identifies a specialist sub-agent.
type AgentCode string

const (
	AgentSecurity      AgentCode = "SECURITY"
	AgentPerformance   AgentCode = "PERFORMANCE"
	AgentTesting       AgentCode = "TESTING"
	AgentDatabase      AgentCode = "DATABASE"
	AgentDesign        AgentCode = "DESIGN"
	AgentDocumentation AgentCode = "DOCUMENTATION"
	AgentCost          AgentCode = "COST"
	AgentAPI           AgentCode = "API"
	AgentDependency    AgentCode = "DEPENDENCY"
)

// knownAgents is the compile-time set of agent codes, in dispatch order.
var knownAgents = []AgentCode{
	AgentSecurity,
	AgentPerformance,
	AgentTesting,
	AgentDatabase,
	AgentDesign,
	AgentDocumentation,
	AgentCost,
	AgentAPI,
	AgentDependency,
}

// DefaultAgents returns every known agent code in dispatch order.
func DefaultAgents() []AgentCode {
	out := make([]AgentCode, len(knownAgents))
	copy(out, knownAgents)
	return out
}

// IsKnown reports whether c is one of the compile-time agent codes.
func (c AgentCode) IsKnown() bool {
	for _, k := range knownAgents {
		if c == k {
			return true
		}
	}
	return false
}

// Advisory reports whether c may only ever contribute confidence, never a
// blocking or conditional verdict.
func (c AgentCode) Advisory() bool {
	return c == AgentDesign || c == AgentDocumentation || c == AgentCost
}

// MaxAgentCodeLen bounds caller-supplied codes.
const MaxAgentCodeLen = 64

// ParseAgentCode normalizes a caller-supplied code. Unknown codes are accepted;
// they are dispatched like any other and resolve to the unknown fallback.
func ParseAgentCode(s string) (AgentCode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("agent code is required")
	}
	if len(s) > MaxAgentCodeLen {
		return "", fmt.Errorf("agent code exceeds maximum length of %d characters", MaxAgentCodeLen)
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return "", fmt.Errorf("agent code contains invalid character %q", r)
		}
	}
	return AgentCode(s), nil
}

// ParseAgentCodes parses a list of codes, dropping duplicates while keeping order.
func ParseAgentCodes(raw []string) ([]AgentCode, error) {
	seen := make(map[AgentCode]bool, len(raw))
	out := make([]AgentCode, 0, len(raw))
	for _, s := range raw {
		c, err := ParseAgentCode(s)
		if err != nil {
			return nil, err
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}

// AgentStatus is the status an agent (or its fallback) reports.
type AgentStatus string

const (
	AgentPassed   AgentStatus = "passed"
	AgentFailed   AgentStatus = "failed"
	AgentWarning  AgentStatus = "warning"
	AgentFallback AgentStatus = "fallback"
	AgentUnknown  AgentStatus = "unknown"
)

// Payload is the result body returned by an agent, or substituted by the
// fallback policy.
type Payload struct {
	Status     AgentStatus     `json:"status"`
	Confidence *float64        `json:"confidence,omitempty"`
	Findings   json.RawMessage `json:"findings,omitempty"`
}

// FindingsText returns the findings when they are a JSON string.
func (p Payload) FindingsText() string {
	if len(p.Findings) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Findings, &s); err != nil {
		return ""
	}
	return s
}

// Recommendation returns the "recommendation" field of object findings.
func (p Payload) Recommendation() string {
	if len(p.Findings) == 0 || p.Findings[0] != '{' {
		return ""
	}
	var obj struct {
		Recommendation string `json:"recommendation"`
	}
	if err := json.Unmarshal(p.Findings, &obj); err != nil {
		return ""
	}
	return obj.Recommendation
}

// TextFindings builds a JSON string findings value.
func TextFindings(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// OutcomeStatus describes how the gateway call itself went.
type OutcomeStatus string

const (
	OutcomeSuccess     OutcomeStatus = "success"
	OutcomeFailure     OutcomeStatus = "failure"
	OutcomeCircuitOpen OutcomeStatus = "circuit_open"
)

// AgentOutcome is the result of one gateway call. Payload is always set:
// failures and open circuits carry the fallback payload.
type AgentOutcome struct {
	AgentCode    AgentCode     `json:"agent_code"`
	Status       OutcomeStatus `json:"status"`
	Payload      Payload       `json:"payload"`
	UsedFallback bool          `json:"used_fallback"`
	Error        string        `json:"error,omitempty"`
	DurationMs   int64         `json:"duration_ms"`
}

// OutcomeCodes lists the agents in outcomes, known agents in dispatch order
// first, then any others sorted.
func OutcomeCodes(outcomes map[AgentCode]AgentOutcome) []AgentCode {
	codes := make([]AgentCode, 0, len(outcomes))
	for _, c := range knownAgents {
		if _, ok := outcomes[c]; ok {
			codes = append(codes, c)
		}
	}
	var extra []AgentCode
	for c := range outcomes {
		if !c.IsKnown() {
			extra = append(extra, c)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(codes, extra...)
}

// QueryParams are forwarded to the agent querier.
type QueryParams struct {
	SessionID  string `json:"session_id,omitempty"`
	WorkItemID string `json:"work_item_id"`
	Level      Level  `json:"level"`
}

// Level is the requested report verbosity.
type Level int

const (
	LevelSummary    Level = 1
	LevelIssuesOnly Level = 2
	LevelFull       Level = 3
)

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= LevelSummary && l <= LevelFull
}

// AgentQueryRecord is the audit row written for every gateway call.
type AgentQueryRecord struct {
	SessionID   string        `json:"session_id"`
	AgentCode   AgentCode     `json:"agent_code"`
	Status      OutcomeStatus `json:"status"`
	Payload     *Payload      `json:"payload,omitempty"`
	Error       string        `json:"error,omitempty"`
	DurationMs  int64         `json:"duration_ms"`
	RespondedAt time.Time     `json:"responded_at"`
}
