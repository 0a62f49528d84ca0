// Package guardrails tracks failures across requests within one process and
// turns them into circuit-breaker state and an aggregate health level.
//
// A Tracker is constructed by the process entry point and injected into every
// component that reports to it. Its counters are best-effort: they are not
// shared between processes and are lost on restart.
package guardrails

import (
	"slices"
	"sync"
	"time"
)

// Level is an aggregate health level.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelDegraded Level = "degraded"
	LevelCritical Level = "critical"
)

func (l Level) rank() int {
	switch l {
	case LevelCritical:
		return 2
	case LevelDegraded:
		return 1
	default:
		return 0
	}
}

func worse(a, b Level) Level {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

const (
	// CircuitThreshold is the number of consecutive failures that opens a circuit.
	CircuitThreshold = 3

	// RefusalSpikeMinDecisions and RefusalSpikeRate flag a topic once it has at
	// least that many decisions in the window and that share were refusals.
	RefusalSpikeMinDecisions = 5
	RefusalSpikeRate         = 0.60

	// Window is the rolling window for health samples.
	Window = time.Hour

	// minRateSamples is the sample count below which a rate signal stays healthy.
	minRateSamples = 5
)

// Threshold holds the warning and critical bounds for one signal. A value at
// or above Warn is degraded; at or above Crit is critical.
type Threshold struct {
	Warn float64 `json:"warn"`
	Crit float64 `json:"crit"`
}

func (t Threshold) level(v float64) Level {
	switch {
	case v >= t.Crit:
		return LevelCritical
	case v >= t.Warn:
		return LevelDegraded
	default:
		return LevelHealthy
	}
}

// Health signal thresholds. Rates are fractions; review growth is reviews
// created per Window.
var (
	DecisionFailureThreshold  = Threshold{Warn: 0.05, Crit: 0.15}
	RefusalRateThreshold      = Threshold{Warn: 0.30, Crit: 0.50}
	InferenceFailureThreshold = Threshold{Warn: 0.10, Crit: 0.25}
	ReviewGrowthThreshold     = Threshold{Warn: 10, Crit: 25}
)

// Signal names.
const (
	SignalDecisionFailureRate  = "decision_failure_rate"
	SignalRefusalRate          = "refusal_rate"
	SignalInferenceFailureRate = "inference_failure_rate"
	SignalReviewQueueGrowth    = "review_queue_growth"
)

// Signal is one evaluated health signal.
type Signal struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Samples   int       `json:"samples"`
	Level     Level     `json:"level"`
	Threshold Threshold `json:"threshold"`
}

// TopicSpike reports a topic whose refusal rate crossed the spike threshold.
type TopicSpike struct {
	TopicID   string  `json:"topic_id"`
	Decisions int     `json:"decisions"`
	Refusals  int     `json:"refusals"`
	Rate      float64 `json:"rate"`
}

// Alert is a human-readable finding attached to a Status.
type Alert struct {
	Level   Level  `json:"level"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Counters are the raw tracker values.
type Counters struct {
	ConsecutiveInferenceFailures int `json:"consecutive_inference_failures"`
	ConsecutiveAssuranceFailures int `json:"consecutive_assurance_failures"`
	SchemaViolations             int `json:"schema_violations"`
	Decisions                    int `json:"decisions"`
	DecisionFailures             int `json:"decision_failures"`
	Inferences                   int `json:"inferences"`
	InferenceFailures            int `json:"inference_failures"`
	ReviewsCreated               int `json:"reviews_created"`
	TopicDecisions               int `json:"topic_decisions"`
	TopicRefusals                int `json:"topic_refusals"`
}

// Status is a point-in-time evaluation of the tracker.
type Status struct {
	Level                Level        `json:"level"`
	InferenceCircuitOpen bool         `json:"inference_circuit_open"`
	AssuranceCircuitOpen bool         `json:"assurance_circuit_open"`
	Signals              []Signal     `json:"signals"`
	RefusalSpikes        []TopicSpike `json:"refusal_spikes"`
	Alerts               []Alert      `json:"alerts"`
	Counters             Counters     `json:"counters"`
	WindowStart          time.Time    `json:"window_start"`
	EvaluatedAt          time.Time    `json:"evaluated_at"`
}

type sample struct {
	at  time.Time
	bad bool
}

// Tracker holds the process-local counters. The zero value is not usable;
// call New.
type Tracker struct {
	now func() time.Time

	mu               sync.Mutex
	inferenceStreak  int
	assuranceStreak  int
	schemaViolations []time.Time
	decisions        []sample // bad = failed
	inferences       []sample // bad = failed
	reviews          []time.Time
	topics           map[string][]sample // bad = refused
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates an empty Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{now: time.Now, topics: make(map[string][]sample)}
	for _, o := range opts {
		o(t)
	}
	return t
}

// TrackInferenceResult records the outcome of one model invocation. A
// success closes the inference circuit.
func (t *Tracker) TrackInferenceResult(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if success {
		t.inferenceStreak = 0
	} else {
		t.inferenceStreak++
	}
	t.inferences = append(t.inferences, sample{at: t.now(), bad: !success})
}

// TrackAssuranceResult records the outcome of one call to the paid-artifact
// generator.
func (t *Tracker) TrackAssuranceResult(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if success {
		t.assuranceStreak = 0
	} else {
		t.assuranceStreak++
	}
}

// TrackSchemaViolation records an output that never passed enforcement.
func (t *Tracker) TrackSchemaViolation() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.schemaViolations = append(t.schemaViolations, t.now())
}

// TrackTopicDecision records a terminal outcome for topic.
func (t *Tracker) TrackTopicDecision(topic string, refused bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topics[topic] = append(t.topics[topic], sample{at: t.now(), bad: refused})
}

// TrackDecisionOutcome records whether an evaluation failed, meaning it ended
// in a degraded or internal-validation refusal or could not be persisted.
func (t *Tracker) TrackDecisionOutcome(failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.decisions = append(t.decisions, sample{at: t.now(), bad: failed})
}

// TrackReviewCreated records a new review record.
func (t *Tracker) TrackReviewCreated() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reviews = append(t.reviews, t.now())
}

// IsInferenceCircuitOpen reports whether the last CircuitThreshold model
// invocations all failed.
func (t *Tracker) IsInferenceCircuitOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inferenceStreak >= CircuitThreshold
}

// IsAssuranceCircuitOpen reports whether the last CircuitThreshold
// paid-artifact generations all failed.
func (t *Tracker) IsAssuranceCircuitOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assuranceStreak >= CircuitThreshold
}

// TopicRefusalSpike reports whether topic is currently flagged.
func (t *Tracker) TopicRefusalSpike(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(t.now().Add(-Window))
	_, ok := spikeFor(topic, t.topics[topic])
	return ok
}

// Reset clears every counter.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inferenceStreak = 0
	t.assuranceStreak = 0
	t.schemaViolations = nil
	t.decisions = nil
	t.inferences = nil
	t.reviews = nil
	t.topics = make(map[string][]sample)
}

// Evaluate prunes samples older than Window and derives the current Status.
func (t *Tracker) Evaluate() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-Window)
	t.prune(cutoff)

	st := Status{
		Level:                LevelHealthy,
		InferenceCircuitOpen: t.inferenceStreak >= CircuitThreshold,
		AssuranceCircuitOpen: t.assuranceStreak >= CircuitThreshold,
		WindowStart:          cutoff,
		EvaluatedAt:          now,
	}

	decN, decBad := tally(t.decisions)
	infN, infBad := tally(t.inferences)
	var topN, topBad int
	for topic, samples := range t.topics {
		n, bad := tally(samples)
		topN += n
		topBad += bad
		if sp, ok := spikeFor(topic, samples); ok {
			st.RefusalSpikes = append(st.RefusalSpikes, sp)
		}
	}
	slices.SortFunc(st.RefusalSpikes, func(a, b TopicSpike) int {
		switch {
		case a.TopicID < b.TopicID:
			return -1
		case a.TopicID > b.TopicID:
			return 1
		}
		return 0
	})

	st.Counters = Counters{
		ConsecutiveInferenceFailures: t.inferenceStreak,
		ConsecutiveAssuranceFailures: t.assuranceStreak,
		SchemaViolations:             len(t.schemaViolations),
		Decisions:                    decN,
		DecisionFailures:             decBad,
		Inferences:                   infN,
		InferenceFailures:            infBad,
		ReviewsCreated:               len(t.reviews),
		TopicDecisions:               topN,
		TopicRefusals:                topBad,
	}

	st.Signals = []Signal{
		rateSignal(SignalDecisionFailureRate, decBad, decN, DecisionFailureThreshold),
		rateSignal(SignalRefusalRate, topBad, topN, RefusalRateThreshold),
		rateSignal(SignalInferenceFailureRate, infBad, infN, InferenceFailureThreshold),
		{
			Name:      SignalReviewQueueGrowth,
			Value:     float64(len(t.reviews)),
			Samples:   len(t.reviews),
			Level:     ReviewGrowthThreshold.level(float64(len(t.reviews))),
			Threshold: ReviewGrowthThreshold,
		},
	}
	for _, s := range st.Signals {
		st.Level = worse(st.Level, s.Level)
		if s.Level != LevelHealthy {
			st.Alerts = append(st.Alerts, Alert{Level: s.Level, Code: s.Name, Message: s.Name + " above threshold"})
		}
	}

	if st.Counters.SchemaViolations > 0 {
		st.Level = LevelCritical
		st.Alerts = append(st.Alerts, Alert{Level: LevelCritical, Code: "schema_violation", Message: "model output failed enforcement after all retries"})
	}
	if st.InferenceCircuitOpen {
		st.Level = worse(st.Level, LevelDegraded)
		st.Alerts = append(st.Alerts, Alert{Level: LevelDegraded, Code: "inference_circuit_open", Message: "consecutive model invocation failures"})
	}
	if st.AssuranceCircuitOpen {
		st.Level = worse(st.Level, LevelDegraded)
		st.Alerts = append(st.Alerts, Alert{Level: LevelDegraded, Code: "assurance_circuit_open", Message: "consecutive assurance generation failures"})
	}
	for _, sp := range st.RefusalSpikes {
		st.Level = worse(st.Level, LevelDegraded)
		st.Alerts = append(st.Alerts, Alert{Level: LevelDegraded, Code: "refusal_spike", Message: "refusal spike on topic " + sp.TopicID})
	}
	return st
}

// prune drops samples before cutoff. Caller holds mu.
func (t *Tracker) prune(cutoff time.Time) {
	t.decisions = pruneSamples(t.decisions, cutoff)
	t.inferences = pruneSamples(t.inferences, cutoff)
	t.schemaViolations = pruneTimes(t.schemaViolations, cutoff)
	t.reviews = pruneTimes(t.reviews, cutoff)
	for topic, s := range t.topics {
		if s = pruneSamples(s, cutoff); len(s) == 0 {
			delete(t.topics, topic)
		} else {
			t.topics[topic] = s
		}
	}
}

// Samples are appended in time order, so the first in-window index splits
// the slice.
func pruneSamples(s []sample, cutoff time.Time) []sample {
	i, _ := slices.BinarySearchFunc(s, cutoff, func(e sample, c time.Time) int { return e.at.Compare(c) })
	return s[i:]
}

func pruneTimes(s []time.Time, cutoff time.Time) []time.Time {
	i, _ := slices.BinarySearchFunc(s, cutoff, func(e, c time.Time) int { return e.Compare(c) })
	return s[i:]
}

func tally(s []sample) (n, bad int) {
	for _, e := range s {
		if e.bad {
			bad++
		}
	}
	return len(s), bad
}

func spikeFor(topic string, s []sample) (TopicSpike, bool) {
	n, refused := tally(s)
	if n < RefusalSpikeMinDecisions {
		return TopicSpike{}, false
	}
	rate := float64(refused) / float64(n)
	if rate < RefusalSpikeRate {
		return TopicSpike{}, false
	}
	return TopicSpike{TopicID: topic, Decisions: n, Refusals: refused, Rate: rate}, true
}

func rateSignal(name string, bad, n int, th Threshold) Signal {
	s := Signal{Name: name, Samples: n, Level: LevelHealthy, Threshold: th}
	if n == 0 {
		return s
	}
	s.Value = float64(bad) / float64(n)
	if n >= minRateSamples {
		s.Level = th.level(s.Value)
	}
	return s
}
