// Package enforce checks parsed model output against the structural bounds of
// its variant and the content policy. It is pure: the same input always yields
// the same result.
package enforce

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/policy"
)

// Bounds on variant fields.
const (
	MaxHeadlineRunes    = 90
	MinAssumptions      = 2
	MaxAssumptions      = 5
	MinChangeConditions = 2
	MaxChangeConditions = 4
	MinRefusalItems     = 2
	MaxRefusalItems     = 5
	MinQuestions        = 1
	MaxQuestions        = 3
	maxCorrectiveItems  = 12
)

// Result is the outcome of a check.
type Result struct {
	Pass   bool
	Errors []model.FieldError
}

// Enforcer validates outputs with a content policy.
type Enforcer struct {
	policy *policy.Policy
}

// New creates an Enforcer. A nil policy uses policy.Default().
func New(p *policy.Policy) *Enforcer {
	if p == nil {
		p = policy.Default()
	}
	return &Enforcer{policy: p}
}

// Check validates out for task. extraForbidden adds request-level forbidden
// phrases to the policy's list.
func (e *Enforcer) Check(task model.Task, out model.Output, extraForbidden []string) Result {
	c := &checker{policy: e.policy, extra: extraForbidden}

	if out == nil {
		c.add("type", "output is missing")
		return c.result()
	}
	if want := model.ExpectedKind(task); out.Kind() != want && out.Kind() != model.KindRefusal {
		c.add("type", fmt.Sprintf("task %q requires %q or %q, got %q", task, want, model.KindRefusal, out.Kind()))
		return c.result()
	}

	switch v := out.(type) {
	case *model.Decision:
		c.decision("decision", v)
	case *model.Refusal:
		c.refusal("refusal", v)
	case *model.Clarification:
		c.clarification("clarification", v)
	case *model.TradeoffExplanation:
		c.tradeoff("tradeoff_explanation", v)
	case *model.Revision:
		c.nonEmpty("revision.what_changed", v.WhatChanged)
		c.decision("revision.decision", &v.Decision)
	default:
		c.add("type", fmt.Sprintf("unknown output variant %T", out))
	}
	return c.result()
}

// CorrectiveInstruction renders errs as one instruction to prepend to the
// next prompt.
func CorrectiveInstruction(errs []model.FieldError) string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("CORRECTION REQUIRED. Your previous reply was rejected for these reasons:\n")
	for i, e := range errs {
		if i == maxCorrectiveItems {
			fmt.Fprintf(&b, "- and %d more problems of the same kind\n", len(errs)-i)
			break
		}
		fmt.Fprintf(&b, "- %s: %s\n", e.Field, e.Message)
	}
	b.WriteString("Reply again with the complete corrected JSON object only. Keep everything that was not listed.")
	return b.String()
}

type checker struct {
	policy *policy.Policy
	extra  []string
	errs   []model.FieldError
}

func (c *checker) result() Result {
	return Result{Pass: len(c.errs) == 0, Errors: c.errs}
}

func (c *checker) add(field, msg string) {
	c.errs = append(c.errs, model.FieldError{Field: field, Message: msg})
}

func (c *checker) decision(path string, d *model.Decision) {
	if !slices.Contains(model.Outcomes, string(d.Outcome)) {
		c.add(path+".outcome", "must be one of "+strings.Join(model.Outcomes, ", "))
	}
	if c.nonEmpty(path+".headline", d.Headline) && utf8.RuneCountInString(d.Headline) > MaxHeadlineRunes {
		c.add(path+".headline", fmt.Sprintf("must be at most %d characters", MaxHeadlineRunes))
	}
	c.nonEmpty(path+".summary", d.Summary)

	c.count(path+".assumptions", len(d.Assumptions), MinAssumptions, MaxAssumptions)
	seen := make(map[string]bool, len(d.Assumptions))
	for i, a := range d.Assumptions {
		ap := fmt.Sprintf("%s.assumptions[%d]", path, i)
		if c.nonEmpty(ap+".id", a.ID) {
			if seen[a.ID] {
				c.add(ap+".id", "must be unique")
			}
			seen[a.ID] = true
		}
		c.nonEmpty(ap+".text", a.Text)
		c.unit(ap+".confidence", a.Confidence)
	}

	c.count(path+".trade_offs.gains", len(d.TradeOffs.Gains), 1, -1)
	c.count(path+".trade_offs.losses", len(d.TradeOffs.Losses), 1, -1)
	c.texts(path+".trade_offs.gains", d.TradeOffs.Gains)
	c.texts(path+".trade_offs.losses", d.TradeOffs.Losses)

	c.count(path+".change_conditions", len(d.ChangeConditions), MinChangeConditions, MaxChangeConditions)
	c.texts(path+".change_conditions", d.ChangeConditions)

	c.unit(path+".confidence", d.Confidence)
}

func (c *checker) refusal(path string, r *model.Refusal) {
	c.nonEmpty(path+".reason", r.Reason)
	c.count(path+".missing_or_conflicting", len(r.MissingOrConflicting), MinRefusalItems, MaxRefusalItems)
	c.texts(path+".missing_or_conflicting", r.MissingOrConflicting)
	c.nonEmpty(path+".safe_next_step", r.SafeNextStep)
}

func (c *checker) clarification(path string, cl *model.Clarification) {
	c.count(path+".questions", len(cl.Questions), MinQuestions, MaxQuestions)
	for i, q := range cl.Questions {
		qp := fmt.Sprintf("%s.questions[%d]", path, i)
		c.nonEmpty(qp+".question", q.Question)
		c.nonEmpty(qp+".rationale", q.Rationale)
	}
}

func (c *checker) tradeoff(path string, t *model.TradeoffExplanation) {
	c.nonEmpty(path+".summary", t.Summary)
	c.count(path+".gains", len(t.Gains), 1, -1)
	c.count(path+".losses", len(t.Losses), 1, -1)
	c.texts(path+".gains", t.Gains)
	c.texts(path+".losses", t.Losses)
	c.texts(path+".factors", t.Factors)
}

// nonEmpty requires s to have content and scans it. It reports whether s was
// non-empty.
func (c *checker) nonEmpty(field, s string) bool {
	if strings.TrimSpace(s) == "" {
		c.add(field, "is required")
		return false
	}
	c.scan(field, s)
	return true
}

func (c *checker) texts(field string, items []string) {
	for i, s := range items {
		c.nonEmpty(fmt.Sprintf("%s[%d]", field, i), s)
	}
}

// count checks min <= n <= max; a negative max means unbounded.
func (c *checker) count(field string, n, lo, hi int) {
	switch {
	case hi < 0 && n < lo:
		c.add(field, fmt.Sprintf("must have at least %d items", lo))
	case hi >= 0 && (n < lo || n > hi):
		c.add(field, fmt.Sprintf("must have between %d and %d items, got %d", lo, hi, n))
	}
}

func (c *checker) unit(field string, v float64) {
	if math.IsNaN(v) || v < 0 || v > 1 {
		c.add(field, "must be between 0 and 1")
	}
}

func (c *checker) scan(field, s string) {
	for _, v := range c.policy.Scan(s, c.extra) {
		c.add(field, describe(v))
	}
}

func describe(v policy.Violation) string {
	switch v.Category {
	case policy.CategoryForbiddenPhrase:
		return fmt.Sprintf("contains forbidden phrase %q", v.Match)
	case policy.CategoryGuarantee:
		return fmt.Sprintf("contains guarantee language %q", v.Match)
	case policy.CategorySelfReference:
		return fmt.Sprintf("refers to the writer as software (%q)", v.Match)
	case policy.CategoryEmoji:
		return "contains emoji"
	case policy.CategoryExclamation:
		return "contains an exclamation mark"
	default:
		return fmt.Sprintf("violates content policy (%s)", v.Category)
	}
}
