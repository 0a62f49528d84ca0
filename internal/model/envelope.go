package model

import (
	"fmt"
	"strings"
)

// Task is the kind of answer a caller asks for.
type Task string

const (
	TaskDecision Task = "decision"
	TaskTradeoff Task = "tradeoff"
	TaskClarify  Task = "clarify"
	TaskRevise   Task = "revise"
)

// Valid enum values for envelope fields. The first entry of each list is the
// "unknown" sentinel where one exists.
var (
	Tasks          = []string{string(TaskDecision), string(TaskTradeoff), string(TaskClarify), string(TaskRevise)}
	TravelerTypes  = []string{"unknown", "solo", "couple", "family", "group", "business"}
	BudgetBands    = []string{"unknown", "shoestring", "moderate", "comfort", "luxury"}
	Paces          = []string{"unknown", "slow", "moderate", "fast"}
	RiskTolerances = []string{"unknown", "low", "medium", "high"}
	Scopes         = []string{"trip", "destination", "timing", "booking", "itinerary"}
)

// Unknown is the sentinel value for enum fields the traveller has not supplied.
const Unknown = "unknown"

// Envelope is a validated request. It is immutable once decoded.
type Envelope struct {
	Task                 Task        `json:"task"`
	UserContext          UserContext `json:"user_context"`
	Request              Request     `json:"request"`
	Facts                Facts       `json:"facts"`
	Policy               Policy      `json:"policy"`
	SessionID            string      `json:"session_id,omitempty"`
	TravelerID           string      `json:"traveler_id,omitempty"`
	LeadID               string      `json:"lead_id,omitempty"`
	SupersedesDecisionID string      `json:"supersedes_decision_id,omitempty"`
}

// UserContext describes the traveller.
type UserContext struct {
	TravelerType     string   `json:"traveler_type"`
	BudgetBand       string   `json:"budget_band"`
	Pace             string   `json:"pace"`
	RiskTolerance    string   `json:"risk_tolerance"`
	Dates            Dates    `json:"dates"`
	GroupSize        int      `json:"group_size"`
	PriorDecisionIDs []string `json:"prior_decision_ids,omitempty"`
}

// Dates is the travel window. Empty strings mean unknown.
type Dates struct {
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Flexible bool   `json:"flexible,omitempty"`
}

// Known reports whether a travel start date was supplied.
func (d Dates) Known() bool { return d.Start != "" }

// Request is the traveller's question.
type Request struct {
	Question     string   `json:"question"`
	Scope        string   `json:"scope"`
	Destinations []string `json:"destinations,omitempty"`
	TopicID      string   `json:"topic_id,omitempty"`
}

// Facts are caller-asserted known and unknown facts.
type Facts struct {
	Known   []string `json:"known,omitempty"`
	Unknown []string `json:"unknown,omitempty"`
}

// Policy carries per-request refusal rules and extra forbidden phrases.
type Policy struct {
	MustRefuseIf     []ConflictToken `json:"must_refuse_if,omitempty"`
	ForbiddenPhrases []string        `json:"forbidden_phrases,omitempty"`
}

// ConflictToken names a policy conflict detected in a request.
type ConflictToken string

const (
	ConflictGuaranteeRequested  ConflictToken = "guarantee_requested"
	ConflictBudgetComfort       ConflictToken = "budget_comfort_contradiction"
	ConflictInsufficientContext ConflictToken = "insufficient_context"
)

// ConflictTokens lists every token the detector can emit.
var ConflictTokens = []string{
	string(ConflictGuaranteeRequested),
	string(ConflictBudgetComfort),
	string(ConflictInsufficientContext),
}

// Topic returns the cache and evidence topic for the request. An explicit
// topic_id wins; otherwise the topic is derived from scope and the first
// destination.
func (e Envelope) Topic() string {
	if e.Request.TopicID != "" {
		return e.Request.TopicID
	}
	parts := []string{slug(e.Request.Scope)}
	if len(e.Request.Destinations) > 0 {
		parts = append(parts, slug(e.Request.Destinations[0]))
	}
	return strings.Join(parts, ":")
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// FieldError is a single structural problem with a document, addressed by a
// dotted path such as "user_context.dates.start".
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
