package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/defipilot/defipilot/pkg/models"
)

func testExecutor(t *testing.T, defs ...Definition) *Executor {
	t.Helper()
	r := NewRegistry()
	r.MustRegister(defs...)
	return NewExecutor(r, ExecutorConfig{MaxConcurrent: 5, Timeout: 200 * time.Millisecond}, nil, nil)
}

func echoDef(name string) Definition {
	return Definition{
		Name: name,
		Handler: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		},
	}
}

func TestExecuteAllPreservesInputOrder(t *testing.T) {
	slow := Definition{
		Name: "slow",
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			time.Sleep(50 * time.Millisecond)
			return json.RawMessage(`{"tool":"slow"}`), nil
		},
	}
	fast := Definition{
		Name: "fast",
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"tool":"fast"}`), nil
		},
	}
	e := testExecutor(t, slow, fast)

	calls := []models.ToolCall{
		{ID: "c1", Name: "slow"},
		{ID: "c2", Name: "fast"},
		{ID: "c3", Name: "slow"},
	}
	results := e.ExecuteAll(context.Background(), calls)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if results[i].ToolCallID != want {
			t.Errorf("results[%d].ToolCallID = %s, want %s", i, results[i].ToolCallID, want)
		}
		if !results[i].Success {
			t.Errorf("results[%d] failed: %s", i, results[i].Error)
		}
	}
}

func TestExecuteAllRunsInParallel(t *testing.T) {
	var inFlight, peak atomic.Int32
	blocker := Definition{
		Name: "blocker",
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inFlight.Add(-1)
			return json.RawMessage(`{}`), nil
		},
	}
	e := testExecutor(t, blocker)

	calls := make([]models.ToolCall, 4)
	for i := range calls {
		calls[i] = models.ToolCall{ID: string(rune('a' + i)), Name: "blocker"}
	}
	e.ExecuteAll(context.Background(), calls)

	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want at least 2", peak.Load())
	}
}

func TestExecuteFailureDoesNotFailBatch(t *testing.T) {
	failing := Definition{
		Name: "failing",
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("upstream down")
		},
	}
	e := testExecutor(t, failing, echoDef("ok"))

	results := e.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "failing"},
		{ID: "c2", Name: "ok"},
	})

	if results[0].Success {
		t.Error("failing call should not succeed")
	}
	if results[0].ErrorCode != models.ErrCodeTool {
		t.Errorf("ErrorCode = %s, want TOOL_ERROR", results[0].ErrorCode)
	}
	if !results[1].Success {
		t.Errorf("ok call should succeed: %s", results[1].Error)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	e := testExecutor(t, echoDef("known"))

	exec := e.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "mystery"})
	if exec.Success {
		t.Fatal("unknown tool should fail")
	}
	if exec.ErrorCode != models.ErrCodeUnknownTool {
		t.Errorf("ErrorCode = %s, want UNKNOWN_TOOL", exec.ErrorCode)
	}
}

func TestExecuteSchemaViolation(t *testing.T) {
	def := Definition{
		Name: "strict",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"symbol": {"type": "string"}},
			"required": ["symbol"]
		}`),
		Handler: nopHandler,
	}
	e := testExecutor(t, def)

	exec := e.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "strict", Arguments: json.RawMessage(`{}`)})
	if exec.Success {
		t.Fatal("schema violation should fail")
	}
	if exec.ErrorCode != models.ErrCodeValidation {
		t.Errorf("ErrorCode = %s, want VALIDATION_ERROR", exec.ErrorCode)
	}
}

func TestExecuteTimeout(t *testing.T) {
	hang := Definition{
		Name: "hang",
		Handler: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	e := testExecutor(t, hang)

	exec := e.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "hang"})
	if exec.Success {
		t.Fatal("hung tool should time out")
	}
	if exec.ErrorCode != models.ErrCodeTimeout {
		t.Errorf("ErrorCode = %s, want TIMEOUT", exec.ErrorCode)
	}
}

func TestExecutePanicRecovery(t *testing.T) {
	panics := Definition{
		Name: "panics",
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			panic("boom")
		},
	}
	e := testExecutor(t, panics)

	exec := e.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "panics"})
	if exec.Success {
		t.Fatal("panicking tool should fail")
	}
	if exec.ErrorCode != models.ErrCodeTool {
		t.Errorf("ErrorCode = %s, want TOOL_ERROR", exec.ErrorCode)
	}
	if !strings.Contains(exec.Error, "panicked") {
		t.Errorf("Error = %q, want panic captured in message", exec.Error)
	}
}

func TestExecuteAllPanicDoesNotFailBatch(t *testing.T) {
	panics := Definition{
		Name: "panics",
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			panic("boom")
		},
	}
	e := testExecutor(t, panics, echoDef("ok"))

	results := e.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "panics"},
		{ID: "c2", Name: "ok"},
	})

	if results[0].Success {
		t.Error("panicking call should not succeed")
	}
	if results[0].ErrorCode != models.ErrCodeTool {
		t.Errorf("ErrorCode = %s, want TOOL_ERROR", results[0].ErrorCode)
	}
	if !results[1].Success {
		t.Errorf("ok call should succeed: %s", results[1].Error)
	}
}

func TestExecuteAllCancelledContext(t *testing.T) {
	e := testExecutor(t, echoDef("ok"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := e.ExecuteAll(ctx, []models.ToolCall{{ID: "c1", Name: "ok"}})
	if results[0].Success {
		t.Fatal("cancelled context should fail the call")
	}
	if results[0].ErrorCode != models.ErrCodeCancelled {
		t.Errorf("ErrorCode = %s, want CANCELLED", results[0].ErrorCode)
	}
}

func TestExecuteAllEmpty(t *testing.T) {
	e := testExecutor(t, echoDef("ok"))
	if results := e.ExecuteAll(context.Background(), nil); results != nil {
		t.Errorf("expected nil for empty input, got %v", results)
	}
}
