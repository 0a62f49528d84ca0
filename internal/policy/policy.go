// Package policy holds the content rules applied to requests and model output:
// forbidden marketing phrases, guarantee language, AI self-reference, emoji and
// exclamation marks. Rules are data, so they can be swapped without touching
// the enforcer.
package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Category classifies a content violation.
type Category string

const (
	CategoryForbiddenPhrase Category = "forbidden_phrase"
	CategoryGuarantee       Category = "guarantee_language"
	CategorySelfReference   Category = "ai_self_reference"
	CategoryEmoji           Category = "emoji"
	CategoryExclamation     Category = "exclamation"
)

// Violation is one rule hit in a piece of text.
type Violation struct {
	Category Category `json:"category"`
	Match    string   `json:"match"`
}

// Policy is a compiled rule set. It is safe for concurrent use once built.
type Policy struct {
	forbidden        []string
	guarantee        []*regexp.Regexp
	guaranteeRequest []*regexp.Regexp
	selfReference    []*regexp.Regexp
	luxury           []*regexp.Regexp
	allowExclamation bool
}

// Rules is the serialisable form of a Policy.
type Rules struct {
	ForbiddenPhrases         []string `yaml:"forbidden_phrases"`
	GuaranteePatterns        []string `yaml:"guarantee_patterns"`
	GuaranteeRequestPatterns []string `yaml:"guarantee_request_patterns"`
	SelfReferencePatterns    []string `yaml:"self_reference_patterns"`
	LuxuryPatterns           []string `yaml:"luxury_patterns"`
	AllowExclamation         bool     `yaml:"allow_exclamation"`
}

// DefaultRules is the built-in rule set.
var DefaultRules = Rules{
	ForbiddenPhrases: []string{
		"hidden gem", "once in a lifetime", "once-in-a-lifetime", "bucket list",
		"must-see", "must see", "breathtaking", "paradise", "unforgettable",
		"dream vacation", "off the beaten path", "world-class", "you won't regret",
		"don't miss", "best kept secret", "trip of a lifetime",
	},
	GuaranteePatterns: []string{
		`\bguarantee[ds]?\b`,
		`\b100\s*%`,
		`\bdefinitely will\b`,
		`\bcertain(ly)? to\b`,
		`\bpromise[ds]?\b`,
		`\bwithout (a )?doubt\b`,
		`\brisk[- ]free\b`,
		`\bnever fails?\b`,
	},
	GuaranteeRequestPatterns: []string{
		`\bguarantee[ds]?\b`,
		`\bpromise[ds]?\b`,
		`\bwill (i|we) (definitely |certainly )?(see|get|have)\b`,
		`\b100\s*%\s*(sure|certain)\b`,
		`\bcertain to\b`,
		`\bis it certain\b`,
		`\b(ensure|assure) (me|us)\b`,
		`\bno chance of\b`,
	},
	SelfReferencePatterns: []string{
		`\bas an ai\b`,
		`\bi('m| am) an? (ai|assistant|chatbot|bot)\b`,
		`\blanguage model\b`,
		`\bmy training( data)?\b`,
		`\bi was trained\b`,
		`\bas a chatbot\b`,
	},
	LuxuryPatterns: []string{
		`\bluxur(y|ious)\b`,
		`\bfive[- ]star\b`,
		`\b5[- ]star\b`,
		`\bfirst[- ]class\b`,
		`\bbusiness[- ]class\b`,
		`\bsuites?\b`,
		`\bprivate (villa|guide|transfer|jet)s?\b`,
		`\ball[- ]inclusive\b`,
	},
}

// Default returns a Policy compiled from DefaultRules.
func Default() *Policy {
	p, err := Compile(DefaultRules)
	if err != nil {
		panic(fmt.Sprintf("policy: default rules do not compile: %v", err))
	}
	return p
}

// Load reads a YAML rule file. Sections left empty fall back to the defaults.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	if len(r.ForbiddenPhrases) == 0 {
		r.ForbiddenPhrases = DefaultRules.ForbiddenPhrases
	}
	if len(r.GuaranteePatterns) == 0 {
		r.GuaranteePatterns = DefaultRules.GuaranteePatterns
	}
	if len(r.GuaranteeRequestPatterns) == 0 {
		r.GuaranteeRequestPatterns = DefaultRules.GuaranteeRequestPatterns
	}
	if len(r.SelfReferencePatterns) == 0 {
		r.SelfReferencePatterns = DefaultRules.SelfReferencePatterns
	}
	if len(r.LuxuryPatterns) == 0 {
		r.LuxuryPatterns = DefaultRules.LuxuryPatterns
	}
	return Compile(r)
}

// Compile builds a Policy from rules. Patterns match against normalised text.
func Compile(r Rules) (*Policy, error) {
	p := &Policy{allowExclamation: r.AllowExclamation}
	for _, phrase := range r.ForbiddenPhrases {
		if n := Normalize(phrase); n != "" {
			p.forbidden = append(p.forbidden, n)
		}
	}
	var err error
	if p.guarantee, err = compileAll("guarantee_patterns", r.GuaranteePatterns); err != nil {
		return nil, err
	}
	if p.guaranteeRequest, err = compileAll("guarantee_request_patterns", r.GuaranteeRequestPatterns); err != nil {
		return nil, err
	}
	if p.selfReference, err = compileAll("self_reference_patterns", r.SelfReferencePatterns); err != nil {
		return nil, err
	}
	if p.luxury, err = compileAll("luxury_patterns", r.LuxuryPatterns); err != nil {
		return nil, err
	}
	return p, nil
}

func compileAll(section string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("policy: %s: compile %q: %w", section, pat, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Normalize applies NFKC, lowercases, folds typographic apostrophes and
// collapses whitespace.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	s = strings.NewReplacer("’", "'", "‘", "'").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// Scan returns every violation in text. extraForbidden adds per-request
// phrases to the configured list.
func (p *Policy) Scan(text string, extraForbidden []string) []Violation {
	var out []Violation
	n := Normalize(text)

	for _, phrase := range p.forbidden {
		if strings.Contains(n, phrase) {
			out = append(out, Violation{Category: CategoryForbiddenPhrase, Match: phrase})
		}
	}
	for _, phrase := range extraForbidden {
		if np := Normalize(phrase); np != "" && strings.Contains(n, np) {
			out = append(out, Violation{Category: CategoryForbiddenPhrase, Match: np})
		}
	}
	if m := firstMatch(p.guarantee, n); m != "" {
		out = append(out, Violation{Category: CategoryGuarantee, Match: m})
	}
	if m := firstMatch(p.selfReference, n); m != "" {
		out = append(out, Violation{Category: CategorySelfReference, Match: m})
	}
	if e := firstEmoji(text); e != "" {
		out = append(out, Violation{Category: CategoryEmoji, Match: e})
	}
	if !p.allowExclamation && strings.ContainsAny(n, "!！") {
		out = append(out, Violation{Category: CategoryExclamation, Match: "!"})
	}
	return out
}

// RequestsGuarantee reports whether text asks for certainty the service
// cannot give, and the matching phrase.
func (p *Policy) RequestsGuarantee(text string) (string, bool) {
	m := firstMatch(p.guaranteeRequest, Normalize(text))
	return m, m != ""
}

// MentionsLuxury reports whether text expects luxury-tier comfort.
func (p *Policy) MentionsLuxury(text string) (string, bool) {
	m := firstMatch(p.luxury, Normalize(text))
	return m, m != ""
}

func firstMatch(res []*regexp.Regexp, s string) string {
	for _, re := range res {
		if m := re.FindString(s); m != "" {
			return m
		}
	}
	return ""
}

func firstEmoji(s string) string {
	for _, r := range s {
		if isEmoji(r) {
			return string(r)
		}
	}
	return ""
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r == 0xFE0F || r == 0x200D:
		return true
	default:
		return unicode.Is(unicode.So, r) && r > 0x2000
	}
}
