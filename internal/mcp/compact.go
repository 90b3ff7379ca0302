package mcp

import (
	"github.com/ashita-ai/kensa/internal/model"
)

const maxCompactError = 200

// compactSession returns a minimal representation of a session for MCP
// responses. Drops metadata other than the failure reason.
func compactSession(sess model.Session) map[string]any {
	m := map[string]any{
		"session_id":       sess.ID,
		"iteration_number": sess.IterationNumber,
		"status":           sess.Status,
		"triggered_by":     sess.TriggeredBy,
		"started_at":       sess.StartedAt,
	}
	if sess.Verdict != "" {
		m["verdict"] = sess.Verdict
	}
	if sess.ConfidenceScore != nil {
		m["confidence_score"] = *sess.ConfidenceScore
	}
	if sess.DurationMs != nil {
		m["duration_ms"] = *sess.DurationMs
	}
	if msg, ok := sess.Metadata["error"].(string); ok && msg != "" {
		m["error"] = truncate(msg, maxCompactError)
	}
	return m
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
