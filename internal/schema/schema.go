// Package schema validates raw request envelopes before anything else touches
// them. Validation is pure: no I/O, no clock beyond calendar arithmetic.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/ashita-ai/tabi/internal/model"
)

// DateLayout is the accepted calendar date format.
const DateLayout = "2006-01-02"

// maxGroupSize bounds user_context.group_size.
const maxGroupSize = 1000

// ValidationError carries every field-level problem found in a document.
type ValidationError struct {
	Fields []model.FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "schema: invalid envelope"
	}
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Error()
	}
	return "schema: " + strings.Join(msgs, "; ")
}

// Validate checks a decoded JSON object against the envelope shape. It returns
// nil when the document is structurally valid.
func Validate(raw map[string]any) []model.FieldError {
	v := &validator{}

	v.enum(raw, "task", model.Tasks, true)

	uc := v.object(raw, "user_context", true)
	if uc != nil {
		v.enum(uc, "user_context.traveler_type", model.TravelerTypes, true)
		v.enum(uc, "user_context.budget_band", model.BudgetBands, true)
		v.enum(uc, "user_context.pace", model.Paces, true)
		v.enum(uc, "user_context.risk_tolerance", model.RiskTolerances, true)
		v.nonNegativeInt(uc, "user_context.group_size", maxGroupSize)
		v.stringList(uc, "user_context.prior_decision_ids", true)
		if dates := v.object(uc, "user_context.dates", true); dates != nil {
			start := v.date(dates, "user_context.dates.start")
			end := v.date(dates, "user_context.dates.end")
			if !start.IsZero() && !end.IsZero() && end.Before(start) {
				v.add("user_context.dates.end", "must not be before start")
			}
			v.boolean(dates, "user_context.dates.flexible")
		}
	}

	req := v.object(raw, "request", true)
	if req != nil {
		if q, ok := v.str(req, "request.question", true); ok {
			if strings.TrimSpace(q) == "" {
				v.add("request.question", "must not be empty")
			} else if len(q) > model.MaxQuestionLen {
				v.add("request.question", fmt.Sprintf("exceeds maximum length of %d bytes", model.MaxQuestionLen))
			}
		}
		v.enum(req, "request.scope", model.Scopes, true)
		v.stringList(req, "request.destinations", true)
		v.str(req, "request.topic_id", false)
	}

	if facts := v.object(raw, "facts", true); facts != nil {
		v.stringList(facts, "facts.known", true)
		v.stringList(facts, "facts.unknown", true)
	}

	if pol := v.object(raw, "policy", true); pol != nil {
		if items := v.stringList(pol, "policy.must_refuse_if", true); items != nil {
			for i, tok := range items {
				if !slices.Contains(model.ConflictTokens, tok) {
					v.add(fmt.Sprintf("policy.must_refuse_if[%d]", i), "unknown conflict token "+quote(tok))
				}
			}
		}
		v.stringList(pol, "policy.forbidden_phrases", true)
	}

	for _, key := range []string{"session_id", "traveler_id", "lead_id", "supersedes_decision_id"} {
		v.str(raw, key, false)
	}
	if task, _ := raw["task"].(string); task == string(model.TaskRevise) {
		if s, _ := raw["supersedes_decision_id"].(string); s == "" {
			v.add("supersedes_decision_id", "is required for task revise")
		}
	}

	return v.errs
}

// Decode validates raw and converts it to an Envelope. Every failure it
// returns is a *ValidationError.
func Decode(raw map[string]any) (model.Envelope, error) {
	if errs := Validate(raw); len(errs) > 0 {
		return model.Envelope{}, &ValidationError{Fields: errs}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return model.Envelope{}, decodeFailure(err)
	}
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return model.Envelope{}, decodeFailure(err)
	}
	env.Request.Question = strings.TrimSpace(env.Request.Question)
	return env, nil
}

// decodeFailure reports a document that passed Validate but still does not fit
// the Go types as a field error, so callers answer it like any other invalid
// request.
func decodeFailure(err error) *ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return &ValidationError{Fields: []model.FieldError{{
			Field:   typeErr.Field,
			Message: fmt.Sprintf("does not fit %s", typeErr.Type),
		}}}
	}
	return &ValidationError{Fields: []model.FieldError{{Field: "envelope", Message: err.Error()}}}
}

type validator struct {
	errs []model.FieldError
}

func (v *validator) add(field, msg string) {
	v.errs = append(v.errs, model.FieldError{Field: field, Message: msg})
}

func leaf(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (v *validator) object(m map[string]any, path string, required bool) map[string]any {
	val, ok := m[leaf(path)]
	if !ok || val == nil {
		if required {
			v.add(path, "is required")
		}
		return nil
	}
	obj, ok := val.(map[string]any)
	if !ok {
		v.add(path, "must be an object")
		return nil
	}
	return obj
}

func (v *validator) str(m map[string]any, path string, required bool) (string, bool) {
	val, ok := m[leaf(path)]
	if !ok || val == nil {
		if required {
			v.add(path, "is required")
		}
		return "", false
	}
	s, ok := val.(string)
	if !ok {
		v.add(path, "must be a string")
		return "", false
	}
	return s, true
}

func (v *validator) enum(m map[string]any, path string, allowed []string, required bool) {
	s, ok := v.str(m, path, required)
	if !ok {
		return
	}
	if !slices.Contains(allowed, s) {
		v.add(path, fmt.Sprintf("must be one of %s", strings.Join(allowed, ", ")))
	}
}

func (v *validator) boolean(m map[string]any, path string) {
	val, ok := m[leaf(path)]
	if !ok || val == nil {
		return
	}
	if _, ok := val.(bool); !ok {
		v.add(path, "must be a boolean")
	}
}

func (v *validator) nonNegativeInt(m map[string]any, path string, limit int) {
	val, ok := m[leaf(path)]
	if !ok || val == nil {
		v.add(path, "is required")
		return
	}
	f, ok := val.(float64)
	switch {
	case !ok:
		v.add(path, "must be a number")
	case f < 0:
		v.add(path, "must be non-negative")
	case f != math.Trunc(f):
		v.add(path, "must be an integer")
	case f > float64(limit):
		v.add(path, fmt.Sprintf("must be at most %d", limit))
	}
}

// date validates a required YYYY-MM-DD string. Empty means unknown.
func (v *validator) date(m map[string]any, path string) time.Time {
	s, ok := v.str(m, path, true)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		v.add(path, "must be a calendar date in YYYY-MM-DD form")
		return time.Time{}
	}
	return t
}

func (v *validator) stringList(m map[string]any, path string, required bool) []string {
	val, ok := m[leaf(path)]
	if !ok || val == nil {
		if required {
			v.add(path, "is required")
		}
		return nil
	}
	arr, ok := val.([]any)
	if !ok {
		v.add(path, "must be an array of strings")
		return nil
	}
	if len(arr) > model.MaxListItems {
		v.add(path, fmt.Sprintf("must have at most %d items", model.MaxListItems))
		return nil
	}
	out := make([]string, 0, len(arr))
	for i, item := range arr {
		s, ok := item.(string)
		if !ok {
			v.add(fmt.Sprintf("%s[%d]", path, i), "must be a string")
			continue
		}
		if len(s) > model.MaxListItemLen {
			v.add(fmt.Sprintf("%s[%d]", path, i), fmt.Sprintf("exceeds maximum length of %d bytes", model.MaxListItemLen))
			continue
		}
		out = append(out, s)
	}
	return out
}

func quote(s string) string { return fmt.Sprintf("%q", s) }
