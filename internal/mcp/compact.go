package mcp

import (
	"fmt"
	"math"
	"strings"

	"github.com/ashita-ai/tabi/internal/model"
)

const maxCompactText = 200

// compactDecision returns a minimal representation of a decision for MCP
// responses. Drops bookkeeping agents don't act on (input snapshot, hashes,
// token accounting).
func compactDecision(rec model.DecisionRecord) map[string]any {
	m := map[string]any{
		"decision_id": rec.DecisionID,
		"created_at":  rec.CreatedAt,
		"topic_id":    rec.TopicID,
		"task":        rec.Task,
		"state":       rec.State,
	}
	if rec.SessionID != nil {
		m["session_id"] = *rec.SessionID
	}
	if rec.SupersedesDecisionID != nil {
		m["supersedes_decision_id"] = *rec.SupersedesDecisionID
	}
	if rec.Review.Needed {
		m["review_reasons"] = rec.Review.Reasons
	}

	switch out := rec.Output.Output.(type) {
	case *model.Decision:
		addVerdict(m, out)
	case *model.Revision:
		addVerdict(m, &out.Decision)
		m["what_changed"] = truncate(out.WhatChanged, maxCompactText)
	case *model.Refusal:
		m["refusal_code"] = out.Code
		m["reason"] = truncate(out.Reason, maxCompactText)
	case *model.TradeoffExplanation:
		m["summary"] = truncate(out.Summary, maxCompactText)
	case *model.Clarification:
		m["questions"] = len(out.Questions)
	}
	if rec.Output.Output != nil {
		m["kind"] = rec.Output.Output.Kind()
	}
	return m
}

func addVerdict(m map[string]any, d *model.Decision) {
	m["outcome"] = d.Outcome
	m["headline"] = truncate(d.Headline, maxCompactText)
	m["confidence"] = math.Round(d.Confidence*100) / 100
	m["confidence_label"] = model.ConfidenceLabel(d.Confidence)
}

// generateHistorySummary creates a 1-3 sentence synthesis of a traveller's
// decisions, newest first. Template-based.
func generateHistorySummary(recs []model.DecisionRecord) string {
	if len(recs) == 0 {
		return "No prior decisions found for this traveller."
	}

	var parts []string
	topics := map[string]bool{}
	refused := 0
	for _, rec := range recs {
		topics[rec.TopicID] = true
		if rec.Refused() {
			refused++
		}
	}
	if len(topics) == 1 {
		parts = append(parts, fmt.Sprintf("%d prior decision(s) on %s.", len(recs), recs[0].TopicID))
	} else {
		parts = append(parts, fmt.Sprintf("%d prior decisions across %d topics.", len(recs), len(topics)))
	}

	if line := latestVerdictLine(recs); line != "" {
		parts = append(parts, line)
	}
	if refused > 0 {
		parts = append(parts, fmt.Sprintf("%d were refused.", refused))
	}
	return strings.Join(parts, " ")
}

// latestVerdictLine describes the newest verdict and whether the one before
// it on the same topic disagreed.
func latestVerdictLine(recs []model.DecisionRecord) string {
	for i, rec := range recs {
		d, ok := model.Verdict(rec.Output.Output)
		if !ok {
			continue
		}
		line := fmt.Sprintf("Most recent verdict: %s on %s (%.0f%% confidence).", d.Outcome, rec.TopicID, d.Confidence*100)
		for _, older := range recs[i+1:] {
			if older.TopicID != rec.TopicID {
				continue
			}
			prev, ok := model.Verdict(older.Output.Output)
			if !ok {
				continue
			}
			if prev.Outcome != d.Outcome {
				line += fmt.Sprintf(" It reversed an earlier %s.", prev.Outcome)
			}
			break
		}
		return line
	}
	return ""
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
