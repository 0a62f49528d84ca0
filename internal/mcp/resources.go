package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	uriNeedsReview   = "tabi://decisions/needs-review"
	uriHealth        = "tabi://ops/health"
	topicURIPrefix   = "tabi://topic/"
	topicURISuffix   = "/decisions"
	resourcePageSize = 20
)

func (s *Server) registerResources() {
	// tabi://decisions/needs-review: decisions flagged for human review.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriNeedsReview,
			"Decisions Needing Review",
			mcplib.WithResourceDescription("Recent decisions flagged for human review, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleNeedsReview,
	)

	// tabi://ops/health: current guardrail status.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriHealth,
			"Service Health",
			mcplib.WithResourceDescription("Guardrail level, circuits and pending review counts"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleHealthResource,
	)

	// tabi://topic/{id}/decisions: recent decisions on one topic.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			topicURIPrefix+"{id}"+topicURISuffix,
			"Topic Decisions",
			mcplib.WithTemplateDescription("Recent decisions on a topic such as booking:lofoten"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTopicDecisions,
	)
}

func (s *Server) handleNeedsReview(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	recs, err := s.decisionSvc.ListNeedingReview(ctx, resourcePageSize)
	if err != nil {
		return nil, fmt.Errorf("mcp: needs review: %w", err)
	}
	compacted := make([]map[string]any, len(recs))
	for i, rec := range recs {
		compacted[i] = compactDecision(rec)
	}
	return jsonContents(uriNeedsReview, compacted)
}

func (s *Server) handleHealthResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonContents(uriHealth, s.healthSvc.Compute(ctx, false))
}

func (s *Server) handleTopicDecisions(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	topic, ok := strings.CutPrefix(uri, topicURIPrefix)
	if ok {
		topic, ok = strings.CutSuffix(topic, topicURISuffix)
	}
	if !ok || topic == "" || strings.Contains(topic, "/") {
		return nil, fmt.Errorf("mcp: invalid topic URI: %s", uri)
	}

	recs, err := s.decisionSvc.ListByTopic(ctx, topic, resourcePageSize)
	if err != nil {
		return nil, fmt.Errorf("mcp: topic decisions: %w", err)
	}
	compacted := make([]map[string]any, len(recs))
	for i, rec := range recs {
		compacted[i] = compactDecision(rec)
	}
	return jsonContents(uri, map[string]any{
		"topic_id":  topic,
		"decisions": compacted,
	})
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
