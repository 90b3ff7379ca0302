package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/verification"
	"github.com/ashita-ai/kensa/internal/storage"
)

func (s *Server) registerTools() {
	// kensa_verify: run a verification and return its verdict.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_verify",
			mcplib.WithDescription(`Run a verification of a work item and return the verdict.

WHEN TO USE: After finishing work on a ticket, before marking it done.
Kensa queries the analysis agents (security, performance, testing, database,
and the advisory ones), resolves their disagreements, aggregates confidence,
and decides pass, conditional_pass, fail, or escalate.

WHAT YOU GET BACK (by level):
- 1: verdict, rule, confidence and issue counts
- 2: verdict plus the critical issues, warnings and recommendations
- 3: the full report including every agent outcome

A work item allows a bounded number of verification iterations. If the
verdict is fail, fix the critical issues before verifying again.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("work_item_id",
				mcplib.Description("The work item (ticket) identifier, for example PRD-123"),
				mcplib.Required(),
			),
			mcplib.WithString("parent_work_item_id",
				mcplib.Description("Optional parent work item. CI/CD health and user stories are read from the parent."),
			),
			mcplib.WithString("work_item_type",
				mcplib.Description("Optional work item type (story, bug, task). Selects per-type conflict rules."),
			),
			mcplib.WithNumber("level",
				mcplib.Description("Report verbosity: 1 summary, 2 issues only, 3 full"),
				mcplib.Min(1),
				mcplib.Max(3),
				mcplib.DefaultNumber(1),
			),
		),
		s.handleVerify,
	)

	// kensa_sessions: list verification history for a work item.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_sessions",
			mcplib.WithDescription("List the verification sessions of a work item, newest first. Use it to see how many iterations remain and what earlier attempts concluded."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("work_item_id",
				mcplib.Description("The work item identifier"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of sessions to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleSessions,
	)

	// kensa_breakers: per-agent circuit breaker state.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_breakers",
			mcplib.WithDescription("Show the circuit breaker state of every analysis agent. An open breaker means that agent's result was replaced by a fallback."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleBreakers,
	)
}

func (s *Server) handleVerify(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	workItemID := request.GetString("work_item_id", "")
	if workItemID == "" {
		return errorResult("work_item_id is required"), nil
	}
	level := model.Level(request.GetInt("level", int(model.LevelSummary)))
	if !level.Valid() {
		return errorResult("level must be 1, 2, or 3"), nil
	}

	req := verification.Request{
		WorkItemID:   workItemID,
		WorkItemType: request.GetString("work_item_type", ""),
		TriggeredBy:  "mcp",
		Level:        level,
	}
	if parent := request.GetString("parent_work_item_id", ""); parent != "" {
		req.ParentWorkItemID = &parent
	}

	report, err := s.svc.Verify(ctx, req)
	if err != nil {
		return errorResult(verifyErrorMessage(err)), nil
	}

	data, _ := json.MarshalIndent(report.View(level), "", "  ")
	return jsonResult(data), nil
}

// verifyErrorMessage phrases service errors for an agent caller.
func verifyErrorMessage(err error) string {
	switch {
	case errors.Is(err, verification.ErrInvalidInput):
		return err.Error()
	case errors.Is(err, storage.ErrActiveSession):
		return "a verification is already running for this work item; wait for it to finish"
	case errors.Is(err, storage.ErrIterationLimit):
		return "this work item has used all of its verification iterations; escalate to a human reviewer"
	default:
		return fmt.Sprintf("verification failed: %v", err)
	}
}

func (s *Server) handleSessions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	workItemID := request.GetString("work_item_id", "")
	if workItemID == "" {
		return errorResult("work_item_id is required"), nil
	}
	limit := request.GetInt("limit", 10)

	sessions, err := s.svc.Sessions(ctx, workItemID, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("list sessions failed: %v", err)), nil
	}

	compact := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		compact = append(compact, compactSession(sess))
	}
	data, _ := json.MarshalIndent(map[string]any{
		"work_item_id": workItemID,
		"sessions":     compact,
		"total":        len(compact),
	}, "", "  ")
	return jsonResult(data), nil
}

func (s *Server) handleBreakers(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	breakers := s.svc.Breakers()
	data, _ := json.MarshalIndent(map[string]any{
		"breakers":   breakers.Snapshot(),
		"open_count": breakers.OpenCount(),
	}, "", "  ")
	return jsonResult(data), nil
}
