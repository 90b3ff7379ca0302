package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// verify-before-done: walks the agent through verifying a finished work item.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("verify-before-done",
			mcplib.WithPromptDescription("Verify a work item before marking it done"),
			mcplib.WithArgument("work_item_id",
				mcplib.ArgumentDescription("The work item you just finished"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleVerifyBeforeDonePrompt,
	)
}

func (s *Server) handleVerifyBeforeDonePrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	workItemID := request.Params.Arguments["work_item_id"]
	if workItemID == "" {
		return nil, fmt.Errorf("work_item_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Verify %s before marking it done", workItemID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before you mark %[1]s as done, get a verdict from Kensa.

1. CALL kensa_verify with work_item_id="%[1]s" and level=2.

2. ACT on the verdict:
   - pass: the work item may be closed.
   - conditional_pass: address the warnings, or record why they are acceptable.
   - fail: fix every critical issue, then verify again.
   - escalate: stop and ask a human reviewer. Do not retry.

3. If kensa_verify reports that the iteration limit is reached, do not retry.
   Escalate instead.

4. If the verdict looks wrong because an agent was unavailable, call
   kensa_breakers to see which agents answered with a fallback.`, workItemID),
				},
			},
		},
	}, nil
}
