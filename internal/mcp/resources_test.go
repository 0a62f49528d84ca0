package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readResource(t *testing.T, handler func(context.Context, mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error), uri string) string {
	t.Helper()
	contents, err := handler(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: uri},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok, "expected TextResourceContents")
	assert.Equal(t, uri, text.URI)
	assert.Equal(t, "application/json", text.MIMEType)
	return text.Text
}

func TestTopicDecisionsResource(t *testing.T) {
	args := evaluateArgs("trav-resource")
	args["topic_id"] = "itinerary:resource-test"
	args["scope"] = "itinerary"
	r := callTool(t, testServer.handleEvaluate, "tabi_evaluate", args)
	require.False(t, r.IsError, parseToolText(t, r))

	body := readResource(t, testServer.handleTopicDecisions, "tabi://topic/itinerary:resource-test/decisions")

	var parsed struct {
		TopicID   string           `json:"topic_id"`
		Decisions []map[string]any `json:"decisions"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &parsed))
	assert.Equal(t, "itinerary:resource-test", parsed.TopicID)
	require.Len(t, parsed.Decisions, 1)
	assert.Equal(t, "decision", parsed.Decisions[0]["kind"])
}

func TestTopicDecisionsResource_InvalidURI(t *testing.T) {
	for _, uri := range []string{
		"tabi://topic//decisions",
		"tabi://topic/a/b/decisions",
		"tabi://other/x/decisions",
		"tabi://topic/x/history",
	} {
		_, err := testServer.handleTopicDecisions(context.Background(), mcplib.ReadResourceRequest{
			Params: mcplib.ReadResourceParams{URI: uri},
		})
		assert.Error(t, err, uri)
	}
}

func TestNeedsReviewResource(t *testing.T) {
	body := readResource(t, testServer.handleNeedsReview, uriNeedsReview)
	var parsed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &parsed))
	for _, d := range parsed {
		assert.Contains(t, d, "review_reasons")
	}
}

func TestHealthResource(t *testing.T) {
	body := readResource(t, testServer.handleHealthResource, uriHealth)
	assert.Contains(t, body, `"reachable": true`)
}
