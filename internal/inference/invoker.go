package inference

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tabi/internal/model"
	"github.com/ashita-ai/tabi/internal/telemetry"
)

// DefaultMaxRetries is the number of retries after the first attempt.
const DefaultMaxRetries = 2

// Invocation is the result of one Invoke call. It always carries an Output.
type Invocation struct {
	Output       model.Output
	Degraded     bool
	Attempts     int
	Retries      int
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
	Provider     string
	ModelID      string
	LastError    string
}

// Invoker calls a Provider with bounded retries on transport and parse
// failures.
type Invoker struct {
	provider   Provider
	maxRetries int
	maxTokens  int
	logger     *slog.Logger

	duration metric.Float64Histogram
	attempts metric.Int64Counter
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) InvokerOption {
	return func(i *Invoker) {
		if n >= 0 {
			i.maxRetries = n
		}
	}
}

// WithMaxTokens overrides DefaultMaxTokens.
func WithMaxTokens(n int) InvokerOption {
	return func(i *Invoker) {
		if n > 0 {
			i.maxTokens = n
		}
	}
}

// NewInvoker creates an Invoker over provider.
func NewInvoker(provider Provider, logger *slog.Logger, opts ...InvokerOption) *Invoker {
	meter := telemetry.Meter("tabi/inference")
	dur, _ := meter.Float64Histogram("tabi.inference.duration",
		metric.WithDescription("Time spent in model calls, per attempt (ms)"),
		metric.WithUnit("ms"),
	)
	att, _ := meter.Int64Counter("tabi.inference.attempts",
		metric.WithDescription("Model call attempts by result"),
	)
	inv := &Invoker{
		provider:   provider,
		maxRetries: DefaultMaxRetries,
		maxTokens:  DefaultMaxTokens,
		logger:     logger,
		duration:   dur,
		attempts:   att,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// MaxRetries returns the configured retry bound.
func (i *Invoker) MaxRetries() int { return i.maxRetries }

// Provider returns the wrapped provider.
func (i *Invoker) Provider() Provider { return i.provider }

// Invoke builds the prompt, calls the provider and parses the reply. It
// retries up to MaxRetries times on any transport or parse failure. When every
// attempt fails it returns a SERVICE_DEGRADED refusal with Degraded set;
// it never returns an error.
func (i *Invoker) Invoke(ctx context.Context, in PromptInput) (res Invocation) {
	res = Invocation{Provider: i.provider.Name(), ModelID: i.provider.ModelID()}
	start := time.Now()
	defer func() { res.Latency = time.Since(start) }()

	for attempt := 0; attempt <= i.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			res.LastError = err.Error()
			break
		}
		res.Attempts = attempt + 1
		res.Retries = attempt

		temp := BaseTemperature
		if attempt > 0 || in.Corrective != "" {
			temp = RetryTemperature
		}
		system, prompt := BuildPrompt(in)

		callStart := time.Now()
		comp, err := i.provider.Complete(ctx, Request{
			System:      system,
			Prompt:      prompt,
			Temperature: temp,
			MaxTokens:   i.maxTokens,
		})
		elapsed := float64(time.Since(callStart).Milliseconds())
		if err != nil {
			i.record(ctx, elapsed, "transport_error")
			res.LastError = err.Error()
			i.logger.Warn("inference: call failed", "provider", res.Provider, "attempt", attempt+1, "error", err)
			continue
		}
		res.InputTokens += comp.InputTokens
		res.OutputTokens += comp.OutputTokens

		out, err := ExtractOutput(comp.Text)
		if err != nil {
			i.record(ctx, elapsed, "parse_error")
			res.LastError = err.Error()
			i.logger.Warn("inference: unparseable reply", "provider", res.Provider, "attempt", attempt+1, "error", err)
			continue
		}
		i.record(ctx, elapsed, "ok")
		res.Output = out
		return res
	}

	res.Degraded = true
	res.Output = DegradedRefusal()
	i.logger.Error("inference: retries exhausted, returning degraded refusal",
		"provider", res.Provider, "attempts", res.Attempts, "last_error", res.LastError)
	return res
}

func (i *Invoker) record(ctx context.Context, ms float64, result string) {
	attrs := metric.WithAttributes(
		attribute.String("provider", i.provider.Name()),
		attribute.String("result", result),
	)
	i.duration.Record(ctx, ms, attrs)
	i.attempts.Add(ctx, 1, attrs)
}

// DegradedRefusal is returned when the model endpoint cannot produce a usable
// reply.
func DegradedRefusal() *model.Refusal {
	return &model.Refusal{
		Code:   model.RefusalServiceDegraded,
		Reason: "The decision service could not reach its reasoning model, so no verdict was issued.",
		MissingOrConflicting: []string{
			"model response unavailable",
			"retry budget exhausted",
		},
		SafeNextStep: "Try again in a few minutes. Nothing has been booked or changed.",
	}
}
