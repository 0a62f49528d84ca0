// Package evidence retrieves knowledge-base cards to ground model prompts.
//
// The bundle is loaded once at startup and is read-only afterwards. Retrieval
// fails closed: a bundle that failed to load, an unknown topic, or a query
// with no matching card all yield an empty result rather than an error.
// Ranking is deterministic and total so identical queries always return
// identical card order.
package evidence

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	// MaxResults caps every retrieval regardless of the caller's limit.
	MaxResults = 12
	// DefaultLimit is used when the caller passes a non-positive limit.
	DefaultLimit = 6
	// TopicBonus is added to the overlap score of a card listing the
	// queried topic.
	TopicBonus = 3
	// MaxBlockChars bounds the formatted prompt block.
	MaxBlockChars = 6000
	maxCardChars  = 800
)

// Card is one knowledge-base entry.
type Card struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	TopicIDs  []string  `json:"topic_ids"`
	Tags      []string  `json:"tags"`
	Scope     Scope     `json:"scope"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scope locates a card geographically.
type Scope struct {
	Country   string `json:"country,omitempty" yaml:"country"`
	Region    string `json:"region,omitempty" yaml:"region"`
	Park      string `json:"park,omitempty" yaml:"park"`
	Continent string `json:"continent,omitempty" yaml:"continent"`
}

// Specificity scores how narrowly a scope is defined: country 3, park or
// region 2, continent 1.
func (s Scope) Specificity() int {
	switch {
	case s.Country != "":
		return 3
	case s.Park != "" || s.Region != "":
		return 2
	case s.Continent != "":
		return 1
	default:
		return 0
	}
}

// Retriever ranks cards for a topic. It is safe for concurrent use.
type Retriever struct {
	cards  []Card
	topics map[string]bool
}

// NewRetriever builds a retriever over cards. Tags and topic ids are
// lowercased once here so queries never touch the originals.
func NewRetriever(cards []Card) *Retriever {
	r := &Retriever{topics: make(map[string]bool)}
	for _, c := range cards {
		c.TopicIDs = normalizeAll(c.TopicIDs)
		c.Tags = normalizeAll(c.Tags)
		for _, t := range c.TopicIDs {
			r.topics[t] = true
		}
		r.cards = append(r.cards, c)
	}
	return r
}

// Len returns the number of loaded cards.
func (r *Retriever) Len() int { return len(r.cards) }

// KnowsTopic reports whether any card lists topic.
func (r *Retriever) KnowsTopic(topic string) bool {
	return r.topics[normalize(topic)]
}

type scored struct {
	card        Card
	score       int
	specificity int
}

// Retrieve returns up to min(limit, MaxResults) cards for topic, ranked by
// tag overlap plus topic bonus, then scope specificity, then recency, then id.
func (r *Retriever) Retrieve(topic string, tags []string, limit int) []Card {
	if r == nil || len(r.cards) == 0 {
		return nil
	}
	topic = normalize(topic)
	if !r.topics[topic] {
		return nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxResults)

	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		if n := normalize(t); n != "" {
			want[n] = true
		}
	}

	var hits []scored
	for _, c := range r.cards {
		s := 0
		for _, t := range c.Tags {
			if want[t] {
				s++
			}
		}
		if slices.Contains(c.TopicIDs, topic) {
			s += TopicBonus
		}
		if s == 0 {
			continue
		}
		hits = append(hits, scored{card: c, score: s, specificity: c.Scope.Specificity()})
	}

	slices.SortFunc(hits, func(a, b scored) int {
		if a.score != b.score {
			return b.score - a.score
		}
		if a.specificity != b.specificity {
			return b.specificity - a.specificity
		}
		if c := b.card.UpdatedAt.Compare(a.card.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.card.ID, b.card.ID)
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Card, len(hits))
	for i, h := range hits {
		out[i] = h.card
	}
	return out
}

// Format renders cards as a bounded prompt block. Cards that would push the
// block past MaxBlockChars are dropped.
func Format(cards []Card) string {
	if len(cards) == 0 {
		return ""
	}
	var b strings.Builder
	for i, c := range cards {
		var entry strings.Builder
		fmt.Fprintf(&entry, "[%d] %s (%s)\n", i+1, c.Title, c.ID)
		if scope := formatScope(c.Scope); scope != "" {
			fmt.Fprintf(&entry, "Scope: %s\n", scope)
		}
		if c.Source != "" {
			fmt.Fprintf(&entry, "Source: %s\n", c.Source)
		}
		content := []rune(strings.TrimSpace(c.Content))
		if len(content) > maxCardChars {
			content = append(content[:maxCardChars], []rune("...")...)
		}
		entry.WriteString(string(content))
		entry.WriteString("\n\n")
		if b.Len()+entry.Len() > MaxBlockChars {
			break
		}
		b.WriteString(entry.String())
	}
	return strings.TrimSpace(b.String())
}

func formatScope(s Scope) string {
	var parts []string
	if s.Park != "" {
		parts = append(parts, "park="+s.Park)
	}
	if s.Region != "" {
		parts = append(parts, "region="+s.Region)
	}
	if s.Country != "" {
		parts = append(parts, "country="+s.Country)
	}
	if s.Continent != "" {
		parts = append(parts, "continent="+s.Continent)
	}
	return strings.Join(parts, " ")
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if n := normalize(s); n != "" {
			out = append(out, n)
		}
	}
	return out
}
