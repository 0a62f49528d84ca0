package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-evaluate: check the traveller's history, then ask.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-evaluate",
			mcplib.WithPromptDescription("Look up what a traveller was told before asking Tabi for a new verdict"),
			mcplib.WithArgument("traveler_id",
				mcplib.ArgumentDescription("The traveller you are helping"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("topic_id",
				mcplib.ArgumentDescription("Topic of the question, e.g. booking:lofoten"),
			),
		),
		s.handleBeforeEvaluatePrompt,
	)

	// relay-output: how to present each output kind to the traveller.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("relay-output",
			mcplib.WithPromptDescription("How to present a Tabi answer to the traveller without changing its meaning"),
		),
		s.handleRelayOutputPrompt,
	)
}

func (s *Server) handleBeforeEvaluatePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	traveler := request.Params.Arguments["traveler_id"]
	if traveler == "" {
		return nil, fmt.Errorf("traveler_id argument is required")
	}
	topic := request.Params.Arguments["topic_id"]
	historyCall := fmt.Sprintf(`tabi_history with traveler_id="%s"`, traveler)
	if topic != "" {
		historyCall += fmt.Sprintf(` and topic_id="%s"`, topic)
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Check history for traveller %s before evaluating", traveler),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before asking Tabi for a verdict, follow these steps:

1. CALL %s.

2. REVIEW the response:
   - If an earlier verdict exists on this topic, find out what changed
     (dates, budget, group) before asking again.
   - If something material changed, call tabi_evaluate with task="revise"
     and supersedes_decision_id set to the earlier decision.
   - If nothing changed, relay the earlier verdict instead of asking again.

3. CALL tabi_evaluate with traveler_id="%s" and every user_context field you
   know. Leave unknown fields as "unknown"; never guess dates or budgets.`, historyCall, traveler),
				},
			},
		},
	}, nil
}

func (s *Server) handleRelayOutputPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Presenting Tabi outputs to a traveller",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `Tabi answers travel questions with exactly one output per call. Present it
faithfully; do not add certainty it did not express.

## decision / revision
Lead with the headline and outcome (book, wait, switch or discard). Give the
confidence label, the main trade-offs and the conditions that would change
the verdict. For a revision, say what changed first.

## tradeoff_explanation
Present gains and losses side by side. There is no verdict; do not invent one.

## clarification
Ask the questions as written. Call tabi_evaluate again once the traveller
answers.

## refusal
Relay the reason and the safe_next_step. A refusal is a complete answer.
SERVICE_DEGRADED means try again later; POLICY_CONFLICT and
INSUFFICIENT_CONTEXT mean the request itself must change.`,
				},
			},
		},
	}, nil
}
