package snapshot

import (
	"encoding/hex"
	"slices"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/ashita-ai/tabi/internal/model"
)

// Each user-context field has exactly two values that count as default: the
// unknown sentinel and the value the intake form preselects.
var defaultValues = struct {
	travelerType, budgetBand, pace, riskTolerance []string
}{
	travelerType:  []string{"", model.Unknown, "solo"},
	budgetBand:    []string{"", model.Unknown, "moderate"},
	pace:          []string{"", model.Unknown, "moderate"},
	riskTolerance: []string{"", model.Unknown, "medium"},
}

// IsDefaultInput reports whether env carries only default user context, so
// that its answer depends on the question alone and may be shared between
// travellers.
func IsDefaultInput(env model.Envelope) bool {
	uc := env.UserContext
	switch {
	case env.Task == model.TaskRevise, env.SupersedesDecisionID != "":
		return false
	case !slices.Contains(defaultValues.travelerType, uc.TravelerType),
		!slices.Contains(defaultValues.budgetBand, uc.BudgetBand),
		!slices.Contains(defaultValues.pace, uc.Pace),
		!slices.Contains(defaultValues.riskTolerance, uc.RiskTolerance):
		return false
	case uc.Dates.Start != "" || uc.Dates.End != "":
		return false
	case uc.GroupSize > 1:
		return false
	case len(uc.PriorDecisionIDs) > 0:
		return false
	case len(env.Facts.Known) > 0 || len(env.Facts.Unknown) > 0:
		return false
	case len(env.Policy.ForbiddenPhrases) > 0:
		return false
	}
	return true
}

// InputsHash is a blake2b-256 digest over the parts of env that shape a
// default-input answer: task, scope, topic, destinations (order-insensitive)
// and the whitespace-normalised lowercase question.
func InputsHash(env model.Envelope) string {
	dests := make([]string, 0, len(env.Request.Destinations))
	for _, d := range env.Request.Destinations {
		dests = append(dests, canonical(d))
	}
	slices.Sort(dests)

	h, _ := blake2b.New256(nil)
	for _, part := range []string{
		string(env.Task),
		canonical(env.Request.Scope),
		env.Topic(),
		strings.Join(dests, "\x1f"),
		canonical(env.Request.Question),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonical(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
