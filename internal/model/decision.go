package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DecisionState is the lifecycle state of a decision record. Only the states
// assigned at creation are stored; superseded and reviewed states are derived
// on read from later records.
type DecisionState string

const (
	StateIssued           DecisionState = "ISSUED"
	StateRefused          DecisionState = "REFUSED"
	StateRevised          DecisionState = "REVISED"
	StateSuperseded       DecisionState = "SUPERSEDED"
	StateFlaggedForReview DecisionState = "FLAGGED_FOR_REVIEW"
	StateReviewed         DecisionState = "REVIEWED"
	StateCorrected        DecisionState = "CORRECTED"
	StateClosed           DecisionState = "CLOSED"
)

// Decision type classifications.
const (
	DecisionTypeTiming        = "timing"
	DecisionTypeBooking       = "booking"
	DecisionTypeDestination   = "destination"
	DecisionTypeItinerary     = "itinerary"
	DecisionTypeBudget        = "budget"
	DecisionTypeGeneral       = "general"
	DecisionTypeRefusal       = "refusal"
	DecisionTypeClarification = "clarification"
	DecisionTypeTradeoff      = "tradeoff"
	DecisionTypeRevision      = "revision"
)

// DecisionRecord is the durable, write-once record of an issued or refused
// decision. Revisions create a new record pointing at the prior one through
// SupersedesDecisionID.
type DecisionRecord struct {
	DecisionID           string         `json:"decision_id"`
	TravelerID           *string        `json:"traveler_id,omitempty"`
	SessionID            *string        `json:"session_id,omitempty"`
	LeadID               *string        `json:"lead_id,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	DecisionType         string         `json:"decision_type"`
	State                DecisionState  `json:"state"`
	Task                 Task           `json:"task"`
	TopicID              string         `json:"topic_id"`
	Output               OutputDocument `json:"output"`
	InputSnapshot        map[string]any `json:"input_snapshot"`
	InputsHash           string         `json:"inputs_hash"`
	LogicVersion         string         `json:"logic_version"`
	ModelTrace           ModelTrace     `json:"model_trace"`
	Review               ReviewFlag     `json:"review"`
	SupersedesDecisionID *string        `json:"supersedes_decision_id,omitempty"`
	ContentHash          string         `json:"content_hash"`
}

// ModelTrace records how an output was produced.
type ModelTrace struct {
	Provider     string `json:"provider,omitempty"`
	ModelID      string `json:"model_id,omitempty"`
	AIUsed       bool   `json:"ai_used"`
	Attempts     int    `json:"attempts"`
	RetryCount   int    `json:"retry_count"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	LatencyMS    int64  `json:"latency_ms"`
	Cache        string `json:"cache,omitempty"`
}

// ReviewFlag marks a decision for human review.
type ReviewFlag struct {
	Needed  bool            `json:"needed"`
	Reasons []ReviewTrigger `json:"reasons,omitempty"`
}

// NewDecisionID returns a fresh prefixed decision id.
func NewDecisionID() string { return newID("dec_") }

// NewEventID returns a fresh prefixed event id.
func NewEventID() string { return newID("evt_") }

// NewReviewID returns a fresh prefixed review id.
func NewReviewID() string { return newID("rev_") }

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// questionKinds maps keywords in the question to a decision type. The first
// matching entry wins.
var questionKinds = []struct {
	kind     string
	keywords []string
}{
	{DecisionTypeBudget, []string{"afford", "budget", "cost", "expensive", "cheap", "price"}},
	{DecisionTypeTiming, []string{"when ", "wait", "month", "season", "weather", "too early", "too late"}},
	{DecisionTypeBooking, []string{"book", "reserve", "ticket", "refund", "deposit", "permit"}},
	{DecisionTypeItinerary, []string{"itinerary", "route", "days in", "nights in", "how many days", "order"}},
	{DecisionTypeDestination, []string{"where", "which", " or ", " vs ", "instead of", "worth it"}},
}

// ClassifyDecision derives the decision type from the output variant, the
// task and keywords in the question.
func ClassifyDecision(task Task, question string, out Output) string {
	switch out.(type) {
	case *Refusal:
		return DecisionTypeRefusal
	case *Clarification:
		return DecisionTypeClarification
	case *TradeoffExplanation:
		return DecisionTypeTradeoff
	case *Revision:
		return DecisionTypeRevision
	}
	if task == TaskRevise {
		return DecisionTypeRevision
	}
	q := " " + strings.ToLower(question) + " "
	for _, qk := range questionKinds {
		for _, kw := range qk.keywords {
			if strings.Contains(q, kw) {
				return qk.kind
			}
		}
	}
	return DecisionTypeGeneral
}

// InitialState returns the stored state for a freshly issued output.
func InitialState(out Output, flagged bool) DecisionState {
	switch {
	case flagged:
		return StateFlaggedForReview
	case out.Kind() == KindRefusal:
		return StateRefused
	case out.Kind() == KindRevision:
		return StateRevised
	default:
		return StateIssued
	}
}

// Outcome returns the verdict outcome of the record, or "" for non-verdicts.
func (r DecisionRecord) Outcome() Outcome {
	if d, ok := Verdict(r.Output.Output); ok {
		return d.Outcome
	}
	return ""
}

// Confidence returns the verdict confidence, or -1 for non-verdicts.
func (r DecisionRecord) Confidence() float64 {
	if d, ok := Verdict(r.Output.Output); ok {
		return d.Confidence
	}
	return -1
}

// Refused reports whether the record holds a refusal.
func (r DecisionRecord) Refused() bool {
	_, ok := AsRefusal(r.Output.Output)
	return ok
}

// StrPtr returns nil for the empty string.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
