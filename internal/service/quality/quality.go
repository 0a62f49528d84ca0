// Package quality provides verdict quality scoring.
// Quality scores (0.0-1.0) measure how complete and specific a verdict is and
// feed the quality_gate review trigger.
package quality

import (
	"strings"

	"github.com/ashita-ai/tabi/internal/model"
)

// GateThreshold is the score below which a verdict is queued for review.
const GateThreshold = 0.5

// Score computes a quality score (0.0-1.0) for a verdict.
//
// Scoring factors:
//   - Confidence present and not extreme (0.05-0.95): 0.15
//   - Summary substantive (>20 chars): up to 0.25
//   - Assumptions provided (>=2): up to 0.20
//   - Assumption confidences differ from each other: 0.10
//   - Trade-offs beyond the minimum one gain and one loss: up to 0.15
//   - Change conditions (>=2): up to 0.10
//   - Headline substantive (>20 chars): 0.05
func Score(d *model.Decision) float64 {
	if d == nil {
		return 0
	}
	var score float64

	// Factor 1: Confidence is present and reasonable.
	// Exactly 0 or 1 are usually defaults; reward mid-range.
	if d.Confidence > 0.05 && d.Confidence < 0.95 {
		score += 0.15
	} else if d.Confidence > 0 && d.Confidence < 1 {
		score += 0.10
	}

	// Factor 2: Summary is substantive.
	summaryLen := len(strings.TrimSpace(d.Summary))
	switch {
	case summaryLen > 100:
		score += 0.25
	case summaryLen > 50:
		score += 0.20
	case summaryLen > 20:
		score += 0.10
	}

	// Factor 3: Assumptions provided.
	switch {
	case len(d.Assumptions) >= 4:
		score += 0.20
	case len(d.Assumptions) >= 3:
		score += 0.15
	case len(d.Assumptions) >= 2:
		score += 0.10
	}

	// Factor 4: Assumptions carry distinct confidences.
	for i := 1; i < len(d.Assumptions); i++ {
		if d.Assumptions[i].Confidence != d.Assumptions[0].Confidence {
			score += 0.10
			break
		}
	}

	// Factor 5: Trade-offs.
	switch n := len(d.TradeOffs.Gains) + len(d.TradeOffs.Losses); {
	case n >= 4:
		score += 0.15
	case n >= 3:
		score += 0.10
	case n >= 2:
		score += 0.05
	}

	// Factor 6: Change conditions.
	if len(d.ChangeConditions) >= 3 {
		score += 0.10
	} else if len(d.ChangeConditions) >= 2 {
		score += 0.05
	}

	// Factor 7: Headline is substantive.
	if len(strings.TrimSpace(d.Headline)) > 20 {
		score += 0.05
	}

	return score
}

// ScoreOutput scores the verdict carried by out. ok is false for outputs
// without a verdict, which are never gated.
func ScoreOutput(out model.Output) (score float64, ok bool) {
	d, ok := model.Verdict(out)
	if !ok {
		return 0, false
	}
	return Score(d), true
}
