// Package conflicts detects policy conflicts in a request before any model is
// invoked. Detection is deterministic and side-effect free.
package conflicts

import (
	"slices"
	"strings"

	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/policy"
)

// Conflict is a detected token and the clause that triggered it.
type Conflict struct {
	Token  model.ConflictToken `json:"token"`
	Clause string              `json:"clause,omitempty"`
}

// Detector scans envelopes for conflicts using a content policy.
type Detector struct {
	policy *policy.Policy
}

// NewDetector creates a Detector. A nil policy uses policy.Default().
func NewDetector(p *policy.Policy) *Detector {
	if p == nil {
		p = policy.Default()
	}
	return &Detector{policy: p}
}

// Detect returns every conflict in env, at most one per token, in a fixed
// token order.
func (d *Detector) Detect(env model.Envelope) []Conflict {
	var out []Conflict

	for _, clause := range Clauses(env.Request.Question) {
		if _, ok := d.policy.RequestsGuarantee(clause); ok {
			out = append(out, Conflict{Token: model.ConflictGuaranteeRequested, Clause: clause})
			break
		}
	}

	if env.UserContext.BudgetBand == "shoestring" {
		texts := append([]string{env.Request.Question}, env.Facts.Known...)
	scan:
		for _, text := range texts {
			for _, clause := range Clauses(text) {
				if _, ok := d.policy.MentionsLuxury(clause); ok {
					out = append(out, Conflict{Token: model.ConflictBudgetComfort, Clause: clause})
					break scan
				}
			}
		}
	}

	uc := env.UserContext
	if !uc.Dates.Known() && isUnknown(uc.TravelerType) && isUnknown(uc.BudgetBand) {
		out = append(out, Conflict{Token: model.ConflictInsufficientContext})
	}
	return out
}

// MustRefuse returns the conflicts whose token appears in the envelope's
// must_refuse_if list. A non-empty result means the request is refused
// without invoking a model.
func MustRefuse(env model.Envelope, found []Conflict) []Conflict {
	var out []Conflict
	for _, c := range found {
		if slices.Contains(env.Policy.MustRefuseIf, c.Token) {
			out = append(out, c)
		}
	}
	return out
}

// Tokens returns the tokens of cs in order.
func Tokens(cs []Conflict) []model.ConflictToken {
	out := make([]model.ConflictToken, len(cs))
	for i, c := range cs {
		out[i] = c.Token
	}
	return out
}

// Refusal builds the immediate refusal for a set of blocking conflicts.
func Refusal(blocking []Conflict) *model.Refusal {
	code := model.RefusalPolicyConflict
	if len(blocking) == 1 && blocking[0].Token == model.ConflictInsufficientContext {
		code = model.RefusalInsufficientContext
	}

	var reasons []string
	var missing []string
	next := "Rephrase the question without asking for certainty, and share your travel dates and budget."
	for _, c := range blocking {
		switch c.Token {
		case model.ConflictGuaranteeRequested:
			reasons = append(reasons, "the question asks for a guarantee about conditions no one can promise")
			missing = append(missing, "guarantee requested: "+clip(c.Clause))
			next = "Ask how likely an outcome is instead of asking for a guarantee."
		case model.ConflictBudgetComfort:
			reasons = append(reasons, "a shoestring budget conflicts with the luxury comfort level requested")
			missing = append(missing, "budget band: shoestring", "comfort expectation: "+clip(c.Clause))
			next = "Confirm whether the budget or the comfort level is flexible."
		case model.ConflictInsufficientContext:
			reasons = append(reasons, "there is not enough context about the trip to weigh the options")
			missing = append(missing, "travel dates", "traveler type", "budget band")
			next = "Share your travel dates, who is travelling and a rough budget."
		}
	}
	missing = dedupe(missing)
	if len(missing) > 5 {
		missing = missing[:5]
	}
	for len(missing) < 2 {
		missing = append(missing, "request policy: must_refuse_if")
	}
	return &model.Refusal{
		Code:                 code,
		Reason:               "This request cannot be answered because " + strings.Join(reasons, " and ") + ".",
		MissingOrConflicting: missing,
		SafeNextStep:         next,
	}
}

func isUnknown(v string) bool { return v == "" || v == model.Unknown }

func clip(s string) string {
	const maxLen = 120
	if s == "" {
		return "(see question)"
	}
	r := []rune(s)
	if len(r) > maxLen {
		return string(r[:maxLen]) + "..."
	}
	return s
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
