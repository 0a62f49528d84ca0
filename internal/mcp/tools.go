package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/schema"
	"github.com/ashita-ai/tabi/internal/storage"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 50
)

func (s *Server) registerTools() {
	// tabi_evaluate: run one request through the decision pipeline.
	s.mcpServer.AddTool(
		mcplib.NewTool("tabi_evaluate",
			mcplib.WithDescription(`Ask Tabi for a travel verdict, a trade-off explanation, clarifying questions or a revision of an earlier verdict.

WHEN TO USE: When a traveller needs a decision about a trip, destination,
timing, booking or itinerary. Call tabi_history first when you know the
traveller_id, so you can see what they were told before.

WHAT YOU GET BACK:
- decision_id: the stored record, retrievable with tabi_decision
- output: exactly one of decision, refusal, clarification,
  tradeoff_explanation or revision
- metadata: whether a model was used, retries, cache status

A refusal is a complete answer. Relay its reason and safe_next_step; do not
retry the same request hoping for a verdict.

EXAMPLE: task="decision", question="Should we book the Lofoten coastal route
for early June?", scope="booking", destinations=["Lofoten"],
traveler_type="couple", budget_band="comfort", pace="slow",
risk_tolerance="medium", start_date="2026-06-02", end_date="2026-06-12"`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("task",
				mcplib.Description("What kind of answer to produce"),
				mcplib.Enum(model.Tasks...),
				mcplib.DefaultString(string(model.TaskDecision)),
			),
			mcplib.WithString("question",
				mcplib.Description("The traveller's question in their own words"),
				mcplib.Required(),
			),
			mcplib.WithString("scope",
				mcplib.Description("What the question is about"),
				mcplib.Enum(model.Scopes...),
				mcplib.Required(),
			),
			mcplib.WithArray("destinations",
				mcplib.Description("Places the question is about, most important first"),
				mcplib.WithStringItems(),
			),
			mcplib.WithString("traveler_type",
				mcplib.Enum(model.TravelerTypes...),
				mcplib.DefaultString(model.Unknown),
			),
			mcplib.WithString("budget_band",
				mcplib.Enum(model.BudgetBands...),
				mcplib.DefaultString(model.Unknown),
			),
			mcplib.WithString("pace",
				mcplib.Enum(model.Paces...),
				mcplib.DefaultString(model.Unknown),
			),
			mcplib.WithString("risk_tolerance",
				mcplib.Enum(model.RiskTolerances...),
				mcplib.DefaultString(model.Unknown),
			),
			mcplib.WithString("start_date",
				mcplib.Description("Trip start, YYYY-MM-DD. Omit when unknown."),
			),
			mcplib.WithString("end_date",
				mcplib.Description("Trip end, YYYY-MM-DD. Omit when unknown."),
			),
			mcplib.WithBoolean("flexible_dates",
				mcplib.Description("Whether the dates can move"),
			),
			mcplib.WithNumber("group_size",
				mcplib.Description("Number of travellers"),
				mcplib.Min(0),
			),
			mcplib.WithArray("prior_decision_ids",
				mcplib.Description("Earlier decision ids this question builds on"),
				mcplib.WithStringItems(),
			),
			mcplib.WithArray("known_facts",
				mcplib.Description("Facts the traveller has confirmed"),
				mcplib.WithStringItems(),
			),
			mcplib.WithArray("unknown_facts",
				mcplib.Description("Facts the traveller is unsure about"),
				mcplib.WithStringItems(),
			),
			mcplib.WithString("topic_id",
				mcplib.Description("Optional explicit topic. Derived from scope and first destination when omitted."),
			),
			mcplib.WithString("traveler_id", mcplib.Description("Stable traveller identifier")),
			mcplib.WithString("session_id", mcplib.Description("Conversation identifier")),
			mcplib.WithString("supersedes_decision_id",
				mcplib.Description("Decision being revised. Required when task is revise."),
			),
		),
		s.handleEvaluate,
	)

	// tabi_history: what a traveller was told before.
	s.mcpServer.AddTool(
		mcplib.NewTool("tabi_history",
			mcplib.WithDescription(`List a traveller's previous decisions, newest first.

WHEN TO USE: BEFORE tabi_evaluate for a known traveller. If they already
received a verdict on the topic, say what changed instead of contradicting it
silently, or ask for a revision with task="revise".`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("traveler_id",
				mcplib.Description("The traveller whose history to list"),
				mcplib.Required(),
			),
			mcplib.WithString("topic_id",
				mcplib.Description("Only decisions on this topic, e.g. booking:lofoten"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum decisions to return"),
				mcplib.Min(1),
				mcplib.Max(maxHistoryLimit),
				mcplib.DefaultNumber(defaultHistoryLimit),
			),
		),
		s.handleHistory,
	)

	// tabi_decision: one stored decision in full.
	s.mcpServer.AddTool(
		mcplib.NewTool("tabi_decision",
			mcplib.WithDescription("Fetch one stored decision record by id, including its output, model trace and review flag."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("decision_id",
				mcplib.Description("The decision id (dec_...)"),
				mcplib.Required(),
			),
		),
		s.handleDecision,
	)

	// tabi_health: guardrail and store status.
	s.mcpServer.AddTool(
		mcplib.NewTool("tabi_health",
			mcplib.WithDescription(`Report service health: guardrail level, open circuits, pending reviews and recent event counts.

WHEN TO USE: When answers keep coming back as SERVICE_DEGRADED refusals, to
check whether the model circuit is open before telling the traveller to try
later.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithBoolean("breakdown",
				mcplib.Description("Include per-topic decision health for the last day"),
			),
		),
		s.handleHealth,
	)
}

// evaluateResult is the tabi_evaluate payload. Hint is set when the caller
// skipped tabi_history for a known traveller.
type evaluateResult struct {
	model.EvaluateResponse
	Hint string `json:"hint,omitempty"`
}

func (s *Server) handleEvaluate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := envelopeFromArgs(request)

	resp, err := s.decisionSvc.Evaluate(ctx, raw)
	if err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return errorResult(validationMessage(verr)), nil
		}
		s.logger.Error("mcp: evaluate failed", "error", err)
		return errorResult(fmt.Sprintf("evaluate failed: %v", err)), nil
	}

	result := evaluateResult{EvaluateResponse: resp}
	if traveler := request.GetString("traveler_id", ""); traveler != "" {
		topic := requestTopic(request)
		if !s.historyCheck.WasChecked(traveler, topic) {
			result.Hint = fmt.Sprintf("Call tabi_history for traveler_id=%q before the next evaluation on %s so earlier verdicts are not contradicted.", traveler, topic)
		}
	}
	return jsonResult(result), nil
}

// envelopeFromArgs maps flat tool arguments onto the nested request
// envelope. Arguments the caller left out become the envelope's empty
// values, which validation reads as unknown. Arguments of the wrong type are
// passed through so validation reports them.
func envelopeFromArgs(request mcplib.CallToolRequest) map[string]any {
	args := request.GetArguments()
	arg := func(key string, fallback any) any {
		if v, ok := args[key]; ok && v != nil {
			return v
		}
		return fallback
	}

	raw := map[string]any{
		"task": request.GetString("task", string(model.TaskDecision)),
		"user_context": map[string]any{
			"traveler_type":  request.GetString("traveler_type", model.Unknown),
			"budget_band":    request.GetString("budget_band", model.Unknown),
			"pace":           request.GetString("pace", model.Unknown),
			"risk_tolerance": request.GetString("risk_tolerance", model.Unknown),
			"dates": map[string]any{
				"start":    arg("start_date", ""),
				"end":      arg("end_date", ""),
				"flexible": arg("flexible_dates", false),
			},
			"group_size":         arg("group_size", 0.0),
			"prior_decision_ids": arg("prior_decision_ids", []any{}),
		},
		"request": map[string]any{
			"question":     request.GetString("question", ""),
			"scope":        request.GetString("scope", ""),
			"destinations": arg("destinations", []any{}),
		},
		"facts": map[string]any{
			"known":   arg("known_facts", []any{}),
			"unknown": arg("unknown_facts", []any{}),
		},
		"policy": map[string]any{
			"must_refuse_if":    []any{},
			"forbidden_phrases": []any{},
		},
	}
	if v := request.GetString("topic_id", ""); v != "" {
		raw["request"].(map[string]any)["topic_id"] = v
	}
	for _, key := range []string{"traveler_id", "session_id", "supersedes_decision_id"} {
		if v := request.GetString(key, ""); v != "" {
			raw[key] = v
		}
	}
	return raw
}

// requestTopic derives the topic the same way the pipeline does.
func requestTopic(request mcplib.CallToolRequest) string {
	var dests []string
	if arr, ok := request.GetArguments()["destinations"].([]any); ok {
		for _, d := range arr {
			if s, ok := d.(string); ok {
				dests = append(dests, s)
			}
		}
	}
	env := model.Envelope{Request: model.Request{
		Scope:        request.GetString("scope", ""),
		Destinations: dests,
		TopicID:      request.GetString("topic_id", ""),
	}}
	return env.Topic()
}

func validationMessage(verr *schema.ValidationError) string {
	lines := make([]string, 0, len(verr.Fields)+1)
	lines = append(lines, "request failed validation:")
	for _, f := range verr.Fields {
		lines = append(lines, "- "+f.Error())
	}
	return strings.Join(lines, "\n")
}

func (s *Server) handleHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	traveler := request.GetString("traveler_id", "")
	if traveler == "" {
		return errorResult("traveler_id is required"), nil
	}
	topic := request.GetString("topic_id", "")
	limit := min(max(request.GetInt("limit", defaultHistoryLimit), 1), maxHistoryLimit)

	// A topic filter is applied after the fetch, so read the widest page.
	fetch := limit
	if topic != "" {
		fetch = maxHistoryLimit
	}
	recs, err := s.decisionSvc.ListByTraveler(ctx, traveler, fetch)
	if err != nil {
		return errorResult(fmt.Sprintf("history lookup failed: %v", err)), nil
	}

	compacted := make([]map[string]any, 0, min(len(recs), limit))
	var kept []model.DecisionRecord
	for _, rec := range recs {
		if topic != "" && rec.TopicID != topic {
			continue
		}
		if len(kept) == limit {
			break
		}
		kept = append(kept, rec)
		compacted = append(compacted, compactDecision(rec))
		s.historyCheck.Record(traveler, rec.TopicID)
	}
	if topic != "" {
		s.historyCheck.Record(traveler, topic)
	}

	return jsonResult(map[string]any{
		"traveler_id": traveler,
		"summary":     generateHistorySummary(kept),
		"decisions":   compacted,
	}), nil
}

func (s *Server) handleDecision(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("decision_id", "")
	if id == "" {
		return errorResult("decision_id is required"), nil
	}
	rec, err := s.decisionSvc.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("no decision with id " + id), nil
		}
		return errorResult(fmt.Sprintf("decision lookup failed: %v", err)), nil
	}
	return jsonResult(rec), nil
}

func (s *Server) handleHealth(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.healthSvc.Compute(ctx, request.GetBool("breakdown", false))), nil
}
