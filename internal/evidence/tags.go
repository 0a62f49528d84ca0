package evidence

import (
	"strings"
	"time"

	"github.com/ashita-ai/tabi/internal/model"
)

var budgetTags = map[string][]string{
	"shoestring": {"budget", "hostel", "cheap"},
	"moderate":   {"midrange"},
	"comfort":    {"comfort", "hotel"},
	"luxury":     {"luxury"},
}

// InferTags derives retrieval tags from the envelope: destination names and
// their comma-separated parts, budget keywords, the travel month and season,
// and the pace when known.
func InferTags(env model.Envelope) []string {
	var tags []string
	seen := make(map[string]bool)
	add := func(t string) {
		t = normalize(t)
		if t != "" && !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}

	for _, d := range env.Request.Destinations {
		add(d)
		for _, part := range strings.Split(d, ",") {
			add(part)
		}
	}
	for _, t := range budgetTags[env.UserContext.BudgetBand] {
		add(t)
	}
	if start, err := time.Parse("2006-01-02", env.UserContext.Dates.Start); err == nil {
		add(start.Month().String())
		add(season(start.Month()))
	}
	if p := env.UserContext.Pace; p != "" && p != model.Unknown {
		add(p + "-pace")
	}
	add(env.Request.Scope)
	return tags
}

// season uses northern-hemisphere meteorological seasons. Cards for southern
// destinations tag by month instead.
func season(m time.Month) string {
	switch m {
	case time.December, time.January, time.February:
		return "winter"
	case time.March, time.April, time.May:
		return "spring"
	case time.June, time.July, time.August:
		return "summer"
	default:
		return "autumn"
	}
}
