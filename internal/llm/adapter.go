package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/defipilot/defipilot/internal/infra"
	"github.com/defipilot/defipilot/internal/observability"
	"github.com/defipilot/defipilot/internal/retry"
	"github.com/defipilot/defipilot/pkg/models"
)

// ErrSystemPromptTooLarge is returned before any provider call when the
// system prompt exceeds the configured limit. Never retried.
var ErrSystemPromptTooLarge = errors.New("system prompt exceeds maximum length")

// AdapterConfig configures the resilient adapter around a provider.
type AdapterConfig struct {
	// Model is the default model for all requests.
	Model string

	// MaxTokens caps generation length per request.
	MaxTokens int

	// Temperature is used when a request does not set one.
	Temperature float64

	// Timeout bounds each individual provider attempt.
	Timeout time.Duration

	// Retry controls the backoff loop around transient failures.
	Retry retry.Config

	// FailureThreshold and ResetTimeout configure the circuit breaker.
	FailureThreshold int
	ResetTimeout     time.Duration

	// MaxSystemPromptLength bounds the system prompt in characters.
	MaxSystemPromptLength int

	// PromptCacheSize bounds the validated-prompt LRU cache.
	PromptCacheSize int
}

func (c *AdapterConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.DefaultConfig()
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.MaxSystemPromptLength <= 0 {
		c.MaxSystemPromptLength = 16000
	}
	if c.PromptCacheSize <= 0 {
		c.PromptCacheSize = 20
	}
}

// Adapter wraps a Provider with retries, circuit breaking, per-attempt
// timeouts, and system-prompt validation. All orchestrator traffic goes
// through it; providers are never called directly.
type Adapter struct {
	provider Provider
	config   AdapterConfig
	breaker  *infra.CircuitBreaker

	// promptCache holds validated system prompts keyed by content hash so
	// repeated requests skip length validation and normalization.
	promptCache *infra.LRUCache[string, string]

	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewAdapter builds an adapter around the given provider.
func NewAdapter(provider Provider, config AdapterConfig, logger *slog.Logger, metrics *observability.Metrics) *Adapter {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	a := &Adapter{
		provider:    provider,
		config:      config,
		promptCache: infra.NewLRUCache[string, string](config.PromptCacheSize),
		logger:      logger.With("component", "llm", "provider", provider.Name()),
		metrics:     metrics,
	}

	a.breaker = infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
		Name:             provider.Name(),
		FailureThreshold: config.FailureThreshold,
		ResetTimeout:     config.ResetTimeout,
		OnStateChange: func(from, to string) {
			a.logger.Warn("circuit breaker state change", "from", from, "to", to)
			if a.metrics != nil {
				a.metrics.SetCircuitState(provider.Name(), to)
			}
		},
	})

	return a
}

// Provider returns the wrapped provider's name.
func (a *Adapter) Provider() string {
	return a.provider.Name()
}

// CircuitState exposes the breaker state for health reporting.
func (a *Adapter) CircuitState() string {
	return a.breaker.State()
}

// PromptCacheStats exposes cache counters for health reporting.
func (a *Adapter) PromptCacheStats() (hits, misses, evicts uint64) {
	return a.promptCache.Stats()
}

// Generate runs a full completion, collecting the stream into a single
// result. Transient failures are retried with backoff; the circuit breaker
// rejects calls outright while open.
func (a *Adapter) Generate(ctx context.Context, req *Request) (*Completion, error) {
	prepared, err := a.prepare(req)
	if err != nil {
		return nil, err
	}

	completion, result := retry.DoWithValue(ctx, a.config.Retry, func() (*Completion, error) {
		return a.attempt(ctx, prepared, nil)
	})
	if result.Err != nil {
		a.logger.Error("generation failed",
			"attempts", result.Attempts,
			"duration", result.Duration,
			"error", result.Err)
		return nil, result.Err
	}
	return completion, nil
}

// GenerateStream runs a completion while forwarding text deltas to sink.
// The sink receives deltas in order followed by exactly one terminal event.
// Failures before the first delta are retried like Generate. A stream is
// never restarted from the first chunk: once output has been forwarded the
// client has seen it, so any later failure is terminal.
func (a *Adapter) GenerateStream(ctx context.Context, req *Request, sink Sink) (*Completion, error) {
	prepared, err := a.prepare(req)
	if err != nil {
		sink(StreamEvent{Err: err})
		return nil, err
	}

	forwarded := false
	guarded := func(ev StreamEvent) {
		if ev.Delta != "" {
			forwarded = true
		}
		sink(ev)
	}

	var completion *Completion
	result := retry.Do(ctx, a.config.Retry, func() error {
		c, err := a.attempt(ctx, prepared, guarded)
		if err != nil {
			if forwarded {
				// Restarting mid-stream would replay text the client has
				// already seen.
				return retry.Permanent(err)
			}
			return err
		}
		completion = c
		return nil
	})
	if result.Err != nil {
		sink(StreamEvent{Err: result.Err})
		return nil, result.Err
	}

	sink(StreamEvent{Done: true})
	return completion, nil
}

// attempt performs one provider call under the breaker and attempt timeout.
func (a *Adapter) attempt(ctx context.Context, req *Request, sink Sink) (*Completion, error) {
	if err := a.breaker.Allow(); err != nil {
		// Circuit-open rejections never consume retry attempts.
		return nil, retry.Permanent(err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	start := time.Now()
	completion, err := a.consume(attemptCtx, req, sink)
	elapsed := time.Since(start)

	// Only transient failures count toward opening the circuit. An auth or
	// bad-request outcome says nothing about upstream availability, and a
	// caller cancellation says nothing at all.
	if err == nil || ReasonOf(err).Retryable() {
		a.breaker.RecordResult(err)
	}
	a.observe(req, elapsed, completion, err)

	if err != nil {
		if !ReasonOf(err).Retryable() {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	return completion, nil
}

func (a *Adapter) consume(ctx context.Context, req *Request, sink Sink) (*Completion, error) {
	chunks, err := a.provider.Stream(ctx, req)
	if err != nil {
		return nil, WrapError(a.provider.Name(), req.Model, err)
	}

	var content strings.Builder
	completion := &Completion{}

	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			return nil, WrapError(a.provider.Name(), req.Model, chunk.Err)

		case chunk.Text != "":
			content.WriteString(chunk.Text)
			if sink != nil {
				sink(StreamEvent{Delta: chunk.Text})
			}

		case chunk.ToolCall != nil:
			completion.ToolCalls = append(completion.ToolCalls, *chunk.ToolCall)

		case chunk.Done:
			completion.InputTokens = chunk.InputTokens
			completion.OutputTokens = chunk.OutputTokens
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, WrapError(a.provider.Name(), req.Model, err)
	}

	completion.Content = content.String()
	return completion, nil
}

// prepare validates the system prompt and fills in configured defaults.
// Validated prompts are cached by hash so long prompts are normalized once.
func (a *Adapter) prepare(req *Request) (*Request, error) {
	prepared := *req
	if prepared.Model == "" {
		prepared.Model = a.config.Model
	}
	if prepared.MaxTokens <= 0 {
		prepared.MaxTokens = a.config.MaxTokens
	}
	if prepared.Temperature == nil {
		t := a.config.Temperature
		prepared.Temperature = &t
	}

	if prepared.System == "" {
		return &prepared, nil
	}

	key := promptKey(prepared.System)
	if cached, ok := a.promptCache.Get(key); ok {
		if a.metrics != nil {
			a.metrics.PromptCacheCounter.WithLabelValues("hit").Inc()
		}
		prepared.System = cached
		return &prepared, nil
	}
	if a.metrics != nil {
		a.metrics.PromptCacheCounter.WithLabelValues("miss").Inc()
	}

	normalized := strings.TrimSpace(prepared.System)
	if len(normalized) > a.config.MaxSystemPromptLength {
		return nil, fmt.Errorf("%w: %d > %d characters",
			ErrSystemPromptTooLarge, len(normalized), a.config.MaxSystemPromptLength)
	}

	a.promptCache.Set(key, normalized)
	prepared.System = normalized
	return &prepared, nil
}

func (a *Adapter) observe(req *Request, elapsed time.Duration, completion *Completion, err error) {
	if a.metrics == nil {
		return
	}
	provider := a.provider.Name()
	status := "success"
	if err != nil {
		status = "error"
		a.metrics.ErrorCounter.WithLabelValues("llm", string(ReasonOf(err))).Inc()
	}
	a.metrics.LLMRequestCounter.WithLabelValues(provider, req.Model, status).Inc()
	a.metrics.LLMRequestDuration.WithLabelValues(provider, req.Model).Observe(elapsed.Seconds())
	if completion != nil {
		if completion.InputTokens > 0 {
			a.metrics.LLMTokensUsed.WithLabelValues(provider, req.Model, "prompt").Add(float64(completion.InputTokens))
		}
		if completion.OutputTokens > 0 {
			a.metrics.LLMTokensUsed.WithLabelValues(provider, req.Model, "completion").Add(float64(completion.OutputTokens))
		}
	}
}

func promptKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// Describe maps an adapter error to the wire-level error descriptor.
func Describe(err error) *models.ErrorDescriptor {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSystemPromptTooLarge):
		return models.NewErrorDescriptor(models.ErrCodeSystemPromptTooLarge, "system prompt exceeds the configured maximum length")
	case errors.Is(err, infra.ErrCircuitOpen):
		return models.NewErrorDescriptor(models.ErrCodeServiceUnavailable, "the assistant is temporarily unavailable")
	default:
		reason := ReasonOf(err)
		return models.NewErrorDescriptor(reason.ErrorCode(), err.Error())
	}
}
