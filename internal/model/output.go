package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// OutputKind tags the active variant of an Output.
type OutputKind string

const (
	KindDecision      OutputKind = "decision"
	KindRefusal       OutputKind = "refusal"
	KindClarification OutputKind = "clarification"
	KindTradeoff      OutputKind = "tradeoff_explanation"
	KindRevision      OutputKind = "revision"
)

// Output is the sealed set of answers the service can return. Exactly one
// variant is active per value; the unexported method keeps other packages
// from adding variants.
type Output interface {
	Kind() OutputKind
	isOutput()
}

// Outcome is a verdict on a travel choice.
type Outcome string

const (
	OutcomeBook    Outcome = "book"
	OutcomeWait    Outcome = "wait"
	OutcomeSwitch  Outcome = "switch"
	OutcomeDiscard Outcome = "discard"
)

// Outcomes lists every valid verdict.
var Outcomes = []string{string(OutcomeBook), string(OutcomeWait), string(OutcomeSwitch), string(OutcomeDiscard)}

// Refusal codes.
const (
	RefusalPolicyConflict      = "POLICY_CONFLICT"
	RefusalInsufficientContext = "INSUFFICIENT_CONTEXT"
	RefusalServiceDegraded     = "SERVICE_DEGRADED"
	RefusalInternalValidation  = "INTERNAL_VALIDATION"
)

// Decision is a verdict with its assumptions and trade-offs.
type Decision struct {
	Outcome          Outcome      `json:"outcome"`
	Headline         string       `json:"headline"`
	Summary          string       `json:"summary"`
	Assumptions      []Assumption `json:"assumptions"`
	TradeOffs        TradeOffs    `json:"trade_offs"`
	ChangeConditions []string     `json:"change_conditions"`
	Confidence       float64      `json:"confidence"`
	ConfidenceLabel  string       `json:"confidence_label,omitempty"`
}

// Assumption is a premise the verdict depends on.
type Assumption struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// TradeOffs lists what the traveller gains and gives up.
type TradeOffs struct {
	Gains  []string `json:"gains"`
	Losses []string `json:"losses"`
}

// Refusal is a principled non-answer.
type Refusal struct {
	Code                 string   `json:"code"`
	Reason               string   `json:"reason"`
	MissingOrConflicting []string `json:"missing_or_conflicting"`
	SafeNextStep         string   `json:"safe_next_step"`
}

// Clarification asks the traveller for missing inputs.
type Clarification struct {
	Questions []ClarifyingQuestion `json:"questions"`
}

// ClarifyingQuestion is one question and why it matters.
type ClarifyingQuestion struct {
	Question  string `json:"question"`
	Rationale string `json:"rationale"`
}

// TradeoffExplanation explains the trade-offs of a choice without a verdict.
type TradeoffExplanation struct {
	Summary string   `json:"summary"`
	Gains   []string `json:"gains"`
	Losses  []string `json:"losses"`
	Factors []string `json:"factors,omitempty"`
}

// Revision revises a prior verdict.
type Revision struct {
	WhatChanged string   `json:"what_changed"`
	Decision    Decision `json:"decision"`
}

func (*Decision) Kind() OutputKind            { return KindDecision }
func (*Refusal) Kind() OutputKind             { return KindRefusal }
func (*Clarification) Kind() OutputKind       { return KindClarification }
func (*TradeoffExplanation) Kind() OutputKind { return KindTradeoff }
func (*Revision) Kind() OutputKind            { return KindRevision }

func (*Decision) isOutput()            {}
func (*Refusal) isOutput()             {}
func (*Clarification) isOutput()       {}
func (*TradeoffExplanation) isOutput() {}
func (*Revision) isOutput()            {}

// ConfidenceLabel maps a confidence score to a display label. Lower bounds
// are inclusive.
func ConfidenceLabel(c float64) string {
	switch {
	case c >= 0.70:
		return "High"
	case c >= 0.50:
		return "Medium"
	default:
		return "Low"
	}
}

// Verdict returns the decision carried by out, if any. Revisions carry the
// revised decision.
func Verdict(out Output) (*Decision, bool) {
	switch v := out.(type) {
	case *Decision:
		return v, true
	case *Revision:
		return &v.Decision, true
	default:
		return nil, false
	}
}

// AsRefusal returns the refusal carried by out, if any.
func AsRefusal(out Output) (*Refusal, bool) {
	r, ok := out.(*Refusal)
	return r, ok
}

// wireOutput is the tagged JSON form of an Output.
type wireOutput struct {
	Type          OutputKind           `json:"type"`
	Decision      *Decision            `json:"decision,omitempty"`
	Refusal       *Refusal             `json:"refusal,omitempty"`
	Clarification *Clarification       `json:"clarification,omitempty"`
	Tradeoff      *TradeoffExplanation `json:"tradeoff_explanation,omitempty"`
	Revision      *Revision            `json:"revision,omitempty"`
}

// ErrAmbiguousOutput is returned when a document does not carry exactly one
// variant, or its tag disagrees with its payload.
var ErrAmbiguousOutput = errors.New("model: output must carry exactly one variant")

// MarshalOutput encodes out in tagged form.
func MarshalOutput(out Output) ([]byte, error) {
	var w wireOutput
	switch v := out.(type) {
	case *Decision:
		w.Decision = v
	case *Refusal:
		w.Refusal = v
	case *Clarification:
		w.Clarification = v
	case *TradeoffExplanation:
		w.Tradeoff = v
	case *Revision:
		w.Revision = v
	case nil:
		return nil, fmt.Errorf("model: marshal nil output")
	default:
		return nil, fmt.Errorf("model: unknown output type %T", out)
	}
	w.Type = out.Kind()
	return json.Marshal(w)
}

// UnmarshalOutput decodes a tagged output. When the tag is absent the single
// present payload decides the variant.
func UnmarshalOutput(data []byte) (Output, error) {
	var w wireOutput
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("model: decode output: %w", err)
	}
	var present []Output
	if w.Decision != nil {
		present = append(present, w.Decision)
	}
	if w.Refusal != nil {
		present = append(present, w.Refusal)
	}
	if w.Clarification != nil {
		present = append(present, w.Clarification)
	}
	if w.Tradeoff != nil {
		present = append(present, w.Tradeoff)
	}
	if w.Revision != nil {
		present = append(present, w.Revision)
	}
	if len(present) != 1 {
		return nil, ErrAmbiguousOutput
	}
	out := present[0]
	if w.Type != "" && w.Type != out.Kind() {
		return nil, ErrAmbiguousOutput
	}
	return out, nil
}

// OutputDocument embeds an Output in larger JSON documents.
type OutputDocument struct {
	Output Output
}

func (d OutputDocument) MarshalJSON() ([]byte, error) {
	if d.Output == nil {
		return []byte("null"), nil
	}
	return MarshalOutput(d.Output)
}

func (d *OutputDocument) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		d.Output = nil
		return nil
	}
	out, err := UnmarshalOutput(data)
	if err != nil {
		return err
	}
	d.Output = out
	return nil
}

// ExpectedKind returns the non-refusal variant a task must produce. A refusal
// is legal for every task.
func ExpectedKind(task Task) OutputKind {
	switch task {
	case TaskTradeoff:
		return KindTradeoff
	case TaskClarify:
		return KindClarification
	case TaskRevise:
		return KindRevision
	default:
		return KindDecision
	}
}
