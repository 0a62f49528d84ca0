package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tabi/internal/guardrails"
	"github.com/ashita-ai/tabi/internal/inference"
	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/schema"
	"github.com/ashita-ai/tabi/internal/service/decisions"
	"github.com/ashita-ai/tabi/internal/service/events"
	"github.com/ashita-ai/tabi/internal/service/health"
	"github.com/ashita-ai/tabi/internal/service/reviews"
	"github.com/ashita-ai/tabi/internal/storage"
	"github.com/ashita-ai/tabi/internal/testutil"
)

var (
	testDB     *storage.DB
	testServer *Server
)

const verdictJSON = `{"type":"decision","decision":{
	"outcome":"book",
	"headline":"Book the coastal route for early June",
	"summary":"Early June avoids the school holiday surge while ferries already run the summer timetable, so the route works without backtracking.",
	"assumptions":[
		{"id":"a1","text":"Dates are fixed","confidence":0.9},
		{"id":"a2","text":"Ferries run on schedule","confidence":0.7},
		{"id":"a3","text":"No car needed","confidence":0.6},
		{"id":"a4","text":"Budget covers single rooms","confidence":0.8}],
	"trade_offs":{"gains":["Long days","Open huts"],"losses":["Higher fares","Busier ferries"]},
	"change_conditions":["Ferry strike","Storm warning","Fares double"],
	"confidence":0.74}}`

// fixedProvider answers every call with the same verdict.
type fixedProvider struct{}

func (fixedProvider) Complete(context.Context, inference.Request) (inference.Completion, error) {
	return inference.Completion{Text: verdictJSON, InputTokens: 100, OutputTokens: 40}, nil
}
func (fixedProvider) Name() string    { return "fixed" }
func (fixedProvider) ModelID() string { return "fixed-1" }

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close(ctx)

	tracker := guardrails.New()
	recorder := events.NewRecorder(testDB, nil, logger)
	decisionSvc := decisions.New(decisions.Deps{
		Store:      testDB,
		Events:     recorder,
		Invoker:    inference.NewInvoker(fixedProvider{}, logger, inference.WithMaxRetries(0)),
		Guardrails: tracker,
		Reviews:    reviews.New(testDB, recorder, tracker, logger),
		Logger:     logger,
	}, decisions.Config{LogicVersion: "test-1"})
	healthSvc := health.New(testDB, tracker, logger)
	testServer = New(decisionSvc, healthSvc, logger, "test")

	return m.Run()
}

func callTool(t *testing.T, handler func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error), name string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	result, err := handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected TextContent")
	return tc.Text
}

func evaluateArgs(traveler string) map[string]any {
	return map[string]any{
		"task":           "decision",
		"question":       "Should we book the Lofoten coastal route for early June?",
		"scope":          "booking",
		"destinations":   []any{"Lofoten"},
		"traveler_type":  "couple",
		"budget_band":    "comfort",
		"pace":           "slow",
		"risk_tolerance": "medium",
		"start_date":     "2026-06-02",
		"end_date":       "2026-06-12",
		"traveler_id":    traveler,
		"session_id":     "sess-" + traveler,
	}
}

func TestEvaluateTool(t *testing.T) {
	traveler := "trav-" + uuid.NewString()
	result := callTool(t, testServer.handleEvaluate, "tabi_evaluate", evaluateArgs(traveler))
	require.False(t, result.IsError, "evaluate should succeed: %s", parseToolText(t, result))

	var resp struct {
		DecisionID string `json:"decision_id"`
		Output     struct {
			Type     string `json:"type"`
			Decision struct {
				Outcome string `json:"outcome"`
			} `json:"decision"`
		} `json:"output"`
		Metadata model.EvaluateMetadata `json:"metadata"`
		Hint     string                 `json:"hint"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.NotEmpty(t, resp.DecisionID)
	assert.Equal(t, "decision", resp.Output.Type)
	assert.Equal(t, "book", resp.Output.Decision.Outcome)
	assert.True(t, resp.Metadata.Persisted)
	assert.Contains(t, resp.Hint, "tabi_history", "skipping history should produce a nudge")

	rec, err := testDB.GetDecision(context.Background(), resp.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, "booking:lofoten", rec.TopicID)
	require.NotNil(t, rec.TravelerID)
	assert.Equal(t, traveler, *rec.TravelerID)
}

func TestEvaluateTool_NoHintAfterHistory(t *testing.T) {
	traveler := "trav-" + uuid.NewString()
	hist := callTool(t, testServer.handleHistory, "tabi_history", map[string]any{
		"traveler_id": traveler,
		"topic_id":    "booking:lofoten",
	})
	require.False(t, hist.IsError)

	result := callTool(t, testServer.handleEvaluate, "tabi_evaluate", evaluateArgs(traveler))
	require.False(t, result.IsError)
	assert.NotContains(t, parseToolText(t, result), `"hint"`)
}

func TestEvaluateTool_ValidationError(t *testing.T) {
	args := evaluateArgs("trav-" + uuid.NewString())
	args["scope"] = "cruise"
	args["end_date"] = "2026-05-01"

	result := callTool(t, testServer.handleEvaluate, "tabi_evaluate", args)
	require.True(t, result.IsError)
	text := parseToolText(t, result)
	assert.Contains(t, text, "request.scope")
	assert.Contains(t, text, "user_context.dates.end")
}

func TestEnvelopeFromArgs_CompleteEnvelope(t *testing.T) {
	req := mcplib.CallToolRequest{Params: mcplib.CallToolParams{
		Name: "tabi_evaluate",
		Arguments: map[string]any{
			"question": "Is March too early for the Kumano Kodo?",
			"scope":    "timing",
		},
	}}
	raw := envelopeFromArgs(req)
	assert.Empty(t, schema.Validate(raw))

	env, err := schema.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, model.Unknown, env.UserContext.Pace)
	assert.Zero(t, env.UserContext.GroupSize)
	assert.False(t, env.UserContext.Dates.Known())
	assert.Empty(t, env.Facts.Known)
}

func TestEvaluateTool_OversizedGroup(t *testing.T) {
	args := evaluateArgs("trav-" + uuid.NewString())
	args["group_size"] = 1e20

	result := callTool(t, testServer.handleEvaluate, "tabi_evaluate", args)
	require.True(t, result.IsError)
	text := parseToolText(t, result)
	assert.Contains(t, text, "request failed validation")
	assert.Contains(t, text, "user_context.group_size")
}

func TestHistoryTool(t *testing.T) {
	traveler := "trav-" + uuid.NewString()
	for range 2 {
		r := callTool(t, testServer.handleEvaluate, "tabi_evaluate", evaluateArgs(traveler))
		require.False(t, r.IsError)
	}
	other := evaluateArgs(traveler)
	other["scope"] = "timing"
	r := callTool(t, testServer.handleEvaluate, "tabi_evaluate", other)
	require.False(t, r.IsError)

	t.Run("all topics", func(t *testing.T) {
		result := callTool(t, testServer.handleHistory, "tabi_history", map[string]any{"traveler_id": traveler})
		require.False(t, result.IsError)

		var body struct {
			Summary   string           `json:"summary"`
			Decisions []map[string]any `json:"decisions"`
		}
		require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &body))
		assert.Len(t, body.Decisions, 3)
		assert.Contains(t, body.Summary, "3 prior decisions across 2 topics")
		for _, d := range body.Decisions {
			assert.NotContains(t, d, "input_snapshot", "history should be compacted")
			assert.Equal(t, "book", d["outcome"])
		}
	})

	t.Run("one topic with limit", func(t *testing.T) {
		result := callTool(t, testServer.handleHistory, "tabi_history", map[string]any{
			"traveler_id": traveler,
			"topic_id":    "booking:lofoten",
			"limit":       float64(1),
		})
		require.False(t, result.IsError)

		var body struct {
			Decisions []map[string]any `json:"decisions"`
		}
		require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &body))
		require.Len(t, body.Decisions, 1)
		assert.Equal(t, "booking:lofoten", body.Decisions[0]["topic_id"])
	})

	t.Run("missing traveler", func(t *testing.T) {
		result := callTool(t, testServer.handleHistory, "tabi_history", map[string]any{})
		assert.True(t, result.IsError)
	})
}

func TestDecisionTool(t *testing.T) {
	ev := callTool(t, testServer.handleEvaluate, "tabi_evaluate", evaluateArgs("trav-"+uuid.NewString()))
	var resp struct {
		DecisionID string `json:"decision_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, ev)), &resp))

	result := callTool(t, testServer.handleDecision, "tabi_decision", map[string]any{"decision_id": resp.DecisionID})
	require.False(t, result.IsError)

	var rec model.DecisionRecord
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &rec))
	assert.Equal(t, resp.DecisionID, rec.DecisionID)
	assert.Equal(t, "fixed", rec.ModelTrace.Provider)
	assert.NotEmpty(t, rec.ContentHash)

	missing := callTool(t, testServer.handleDecision, "tabi_decision", map[string]any{"decision_id": "dec_missing"})
	assert.True(t, missing.IsError)
	assert.Contains(t, parseToolText(t, missing), "no decision")
}

func TestHealthTool(t *testing.T) {
	result := callTool(t, testServer.handleHealth, "tabi_health", map[string]any{"breakdown": true})
	require.False(t, result.IsError)

	var report health.Report
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &report))
	assert.True(t, report.Database.Reachable)
	assert.NotNil(t, report.Breakdown)
}
