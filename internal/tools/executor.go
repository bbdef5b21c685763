package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/defipilot/defipilot/internal/observability"
	"github.com/defipilot/defipilot/pkg/models"
)

// ExecutorConfig configures the parallel tool executor.
type ExecutorConfig struct {
	// MaxConcurrent caps simultaneous tool executions. Defaults to 5.
	MaxConcurrent int

	// Timeout bounds each individual tool call. Defaults to 10 seconds.
	Timeout time.Duration
}

// Executor validates and runs tool calls in parallel, bounded by a
// semaphore and a per-call timeout. A failing call never fails the batch;
// every call produces a ToolExecution, successful or not, in input order.
type Executor struct {
	registry  *Registry
	validator *Validator
	config    ExecutorConfig
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry, config ExecutorConfig, logger *slog.Logger, metrics *observability.Metrics) *Executor {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:  registry,
		validator: NewValidator(registry, logger),
		config:    config,
		logger:    logger.With("component", "tools"),
		metrics:   metrics,
	}
}

// ExecuteAll runs all calls and returns one execution per call, in the same
// order. Ctx cancellation marks the remaining calls as cancelled.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []models.ToolExecution {
	if len(calls) == 0 {
		return nil
	}

	results := make([]models.ToolExecution, len(calls))
	sem := make(chan struct{}, e.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = e.failure(call, ctx.Err(), 0)
				return
			}

			results[i] = e.execute(ctx, call)
		}(i, call)
	}

	wg.Wait()
	return results
}

// Execute runs a single tool call.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) models.ToolExecution {
	return e.execute(ctx, call)
}

func (e *Executor) execute(ctx context.Context, call models.ToolCall) models.ToolExecution {
	start := time.Now()

	validated, err := e.validator.ValidateCall(call)
	if err != nil {
		e.logger.Warn("tool call rejected", "tool", call.Name, "error", err)
		return e.failure(call, err, time.Since(start))
	}

	def, _ := e.registry.Get(validated.Name)

	callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	result, err := e.run(callCtx, def, validated.Arguments)
	elapsed := time.Since(start)

	if e.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		e.metrics.ToolExecutionCounter.WithLabelValues(validated.Name, status).Inc()
		e.metrics.ToolExecutionDuration.WithLabelValues(validated.Name).Observe(elapsed.Seconds())
	}

	if err != nil {
		// Per-call deadline shows up as the context error.
		if callCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("tool %s timed out after %s: %w", validated.Name, e.config.Timeout, context.DeadlineExceeded)
		}
		e.logger.Warn("tool execution failed",
			"tool", validated.Name,
			"duration_ms", elapsed.Milliseconds(),
			"error", err)
		exec := e.failure(validated, err, elapsed)
		return exec
	}

	e.logger.Debug("tool executed",
		"tool", validated.Name,
		"duration_ms", elapsed.Milliseconds())

	return models.ToolExecution{
		ToolName:      validated.Name,
		ToolCallID:    validated.ID,
		Success:       true,
		Result:        result,
		ExecutionTime: elapsed.Milliseconds(),
	}
}

// run invokes the handler with panic recovery so one misbehaving tool
// cannot take down the request. The recover sits inside the handler
// goroutine; a recover here would not see the child's panic.
func (e *Executor) run(ctx context.Context, def Definition, args json.RawMessage) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{nil, fmt.Errorf("tool %s panicked: %v", def.Name, r)}
			}
		}()
		res, err := def.Handler(ctx, args)
		done <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		return out.result, out.err
	}
}

func (e *Executor) failure(call models.ToolCall, err error, elapsed time.Duration) models.ToolExecution {
	if e.metrics != nil {
		e.metrics.ErrorCounter.WithLabelValues("tool", errorCode(err)).Inc()
	}
	return models.ToolExecution{
		ToolName:      call.Name,
		ToolCallID:    call.ID,
		Success:       false,
		Error:         err.Error(),
		ErrorCode:     errorCode(err),
		ExecutionTime: elapsed.Milliseconds(),
	}
}

// errorCode maps an execution error to its wire-level code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownTool):
		return models.ErrCodeUnknownTool
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		return models.ErrCodeCancelled
	case isValidationError(err):
		return models.ErrCodeValidation
	default:
		return models.ErrCodeTool
	}
}

func isValidationError(err error) bool {
	var schemaErr *jsonschema.ValidationError
	if errors.As(err, &schemaErr) {
		return true
	}
	if errors.Is(err, errArrayArguments) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"arguments must be",
		"arguments are not valid",
		"arguments string is not valid",
		"missing a name",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
