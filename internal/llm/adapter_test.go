package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/defipilot/defipilot/internal/infra"
	"github.com/defipilot/defipilot/internal/retry"
	"github.com/defipilot/defipilot/pkg/models"
)

// stubProvider scripts a sequence of per-call outcomes. Each call consumes
// the next script entry; the last entry repeats.
type stubProvider struct {
	mu      sync.Mutex
	script  []stubCall
	calls   int
	lastReq *Request
}

type stubCall struct {
	chunks   []Chunk
	startErr error
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	p.mu.Lock()
	p.lastReq = req
	idx := p.calls
	p.calls++
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	call := p.script[idx]
	p.mu.Unlock()

	if call.startErr != nil {
		return nil, call.startErr
	}

	out := make(chan Chunk, len(call.chunks))
	for _, c := range call.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *stubProvider) lastRequest() *Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2.0}
}

func textCompletion(text string) stubCall {
	return stubCall{chunks: []Chunk{
		{Text: text},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}}
}

func TestGenerateCollectsStream(t *testing.T) {
	provider := &stubProvider{script: []stubCall{{chunks: []Chunk{
		{Text: "Hello"},
		{Text: ", world"},
		{Done: true, InputTokens: 12, OutputTokens: 4},
	}}}}
	adapter := NewAdapter(provider, AdapterConfig{Model: "m", Retry: fastRetry()}, nil, nil)

	completion, err := adapter.Generate(context.Background(), &Request{Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if completion.Content != "Hello, world" {
		t.Errorf("Content = %q, want %q", completion.Content, "Hello, world")
	}
	if completion.InputTokens != 12 || completion.OutputTokens != 4 {
		t.Errorf("tokens = (%d, %d), want (12, 4)", completion.InputTokens, completion.OutputTokens)
	}
}

func TestGenerateCollectsToolCalls(t *testing.T) {
	provider := &stubProvider{script: []stubCall{{chunks: []Chunk{
		{Text: "Checking gas."},
		{ToolCall: &models.ToolCall{ID: "call_1", Name: "get_gas_prices", Arguments: []byte(`{"network":"ethereum"}`)}},
		{Done: true},
	}}}}
	adapter := NewAdapter(provider, AdapterConfig{Model: "m", Retry: fastRetry()}, nil, nil)

	completion, err := adapter.Generate(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(completion.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(completion.ToolCalls))
	}
	if completion.ToolCalls[0].Name != "get_gas_prices" {
		t.Errorf("tool name = %q, want get_gas_prices", completion.ToolCalls[0].Name)
	}
}

func TestGenerateRetriesTransientFailure(t *testing.T) {
	provider := &stubProvider{script: []stubCall{
		{startErr: errors.New("503 service unavailable")},
		{startErr: errors.New("503 service unavailable")},
		textCompletion("recovered"),
	}}
	adapter := NewAdapter(provider, AdapterConfig{Model: "m", Retry: fastRetry()}, nil, nil)

	completion, err := adapter.Generate(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if completion.Content != "recovered" {
		t.Errorf("Content = %q, want %q", completion.Content, "recovered")
	}
	if provider.callCount() != 3 {
		t.Errorf("provider called %d times, want 3", provider.callCount())
	}
}

func TestGenerateDoesNotRetryPermanentFailure(t *testing.T) {
	provider := &stubProvider{script: []stubCall{
		{startErr: errors.New("401 unauthorized")},
	}}
	adapter := NewAdapter(provider, AdapterConfig{Model: "m", Retry: fastRetry()}, nil, nil)

	_, err := adapter.Generate(context.Background(), &Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.callCount() != 1 {
		t.Errorf("provider called %d times, want 1", provider.callCount())
	}
	if ReasonOf(err) != ReasonAuth {
		t.Errorf("reason = %s, want auth", ReasonOf(err))
	}
}

func TestGenerateCircuitOpensAndRejects(t *testing.T) {
	provider := &stubProvider{script: []stubCall{
		{startErr: errors.New("500 internal server error")},
	}}
	adapter := NewAdapter(provider, AdapterConfig{
		Model:            "m",
		Retry:            retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond},
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	}, nil, nil)

	for i := 0; i < 2; i++ {
		if _, err := adapter.Generate(context.Background(), &Request{}); err == nil {
			t.Fatal("expected failure")
		}
	}
	if state := adapter.CircuitState(); state != infra.CircuitOpen {
		t.Fatalf("circuit state = %s, want open", state)
	}

	before := provider.callCount()
	_, err := adapter.Generate(context.Background(), &Request{})
	if !errors.Is(err, infra.ErrCircuitOpen) {
		t.Errorf("error = %v, want ErrCircuitOpen", err)
	}
	if provider.callCount() != before {
		t.Error("provider should not be called while the circuit is open")
	}
}

func TestGenerateNonRetryableFailuresDoNotTripCircuit(t *testing.T) {
	provider := &stubProvider{script: []stubCall{
		{startErr: errors.New("401 unauthorized")},
	}}
	adapter := NewAdapter(provider, AdapterConfig{
		Model:            "m",
		Retry:            retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond},
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	}, nil, nil)

	for i := 0; i < 4; i++ {
		_, err := adapter.Generate(context.Background(), &Request{})
		if ReasonOf(err) != ReasonAuth {
			t.Fatalf("call %d: reason = %s, want auth surfaced every time", i+1, ReasonOf(err))
		}
	}
	if state := adapter.CircuitState(); state != infra.CircuitClosed {
		t.Errorf("circuit state = %s, want closed after auth failures", state)
	}
	if provider.callCount() != 4 {
		t.Errorf("provider called %d times, want 4 (no rejections)", provider.callCount())
	}
}

func TestGenerateTemperatureDefaults(t *testing.T) {
	provider := &stubProvider{script: []stubCall{textCompletion("ok")}}
	adapter := NewAdapter(provider, AdapterConfig{Model: "m", Temperature: 0.7, Retry: fastRetry()}, nil, nil)

	if _, err := adapter.Generate(context.Background(), &Request{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	got := provider.lastRequest().Temperature
	if got == nil || *got != 0.7 {
		t.Errorf("Temperature = %v, want configured default 0.7", got)
	}
}

func TestGenerateTemperatureExplicitZero(t *testing.T) {
	provider := &stubProvider{script: []stubCall{textCompletion("ok")}}
	adapter := NewAdapter(provider, AdapterConfig{Model: "m", Temperature: 0.7, Retry: fastRetry()}, nil, nil)

	zero := 0.0
	if _, err := adapter.Generate(context.Background(), &Request{Temperature: &zero}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	got := provider.lastRequest().Temperature
	if got == nil || *got != 0 {
		t.Errorf("Temperature = %v, want explicit 0 preserved", got)
	}
}

func TestGenerateSystemPromptBoundary(t *testing.T) {
	provider := &stubProvider{script: []stubCall{textCompletion("ok")}}

	tests := []struct {
		name    string
		length  int
		wantErr bool
	}{
		{"at limit", 16000, false},
		{"over limit", 16001, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			adapter := NewAdapter(provider, AdapterConfig{Model: "m", Retry: fastRetry()}, nil, nil)
			req := &Request{System: strings.Repeat("a", tc.length)}
			_, err := adapter.Generate(context.Background(), req)
			if tc.wantErr {
				if !errors.Is(err, ErrSystemPromptTooLarge) {
					t.Errorf("error = %v, want ErrSystemPromptTooLarge", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestGeneratePromptTrimmedBeforeLengthCheck(t *testing.T) {
	provider := &stubProvider{script: []stubCall{textCompletion("ok")}}
	adapter := NewAdapter(provider, AdapterConfig{Model: "m", Retry: fastRetry(), MaxSystemPromptLength: 10}, nil, nil)

	// 10 characters of content padded with whitespace passes after trimming.
	req := &Request{System: "   " + strings.Repeat("a", 10) + "   "}
	if _, err := adapter.Generate(context.Background(), req); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGeneratePromptCacheHit(t *testing.T) {
	provider := &stubProvider{script: []stubCall{textCompletion("ok")}}
	adapter := NewAdapter(provider, AdapterConfig{Model: "m", Retry: fastRetry()}, nil, nil)

	req := &Request{System: "You are a DeFi assistant."}
	if _, err := adapter.Generate(context.Background(), req); err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	if _, err := adapter.Generate(context.Background(), req); err != nil {
		t.Fatalf("second Generate: %v", err)
	}

	hits, misses, _ := adapter.PromptCacheStats()
	if hits != 1 || misses != 1 {
		t.Errorf("cache stats = (hits %d, misses %d), want (1, 1)", hits, misses)
	}
}

func TestGenerateStreamForwardsDeltasAndSingleTerminal(t *testing.T) {
	provider := &stubProvider{script: []stubCall{{chunks: []Chunk{
		{Text: "one "},
		{Text: "two"},
		{Done: true},
	}}}}
	adapter := NewAdapter(provider, AdapterConfig{Model: "m", Retry: fastRetry()}, nil, nil)

	var deltas []string
	terminals := 0
	completion, err := adapter.GenerateStream(context.Background(), &Request{}, func(ev StreamEvent) {
		if ev.Delta != "" {
			deltas = append(deltas, ev.Delta)
		}
		if ev.Done || ev.Err != nil {
			terminals++
		}
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if completion.Content != "one two" {
		t.Errorf("Content = %q, want %q", completion.Content, "one two")
	}
	if len(deltas) != 2 {
		t.Errorf("deltas = %v, want 2 entries", deltas)
	}
	if terminals != 1 {
		t.Errorf("terminal events = %d, want exactly 1", terminals)
	}
}

func TestGenerateStreamRetriesBeforeFirstDelta(t *testing.T) {
	provider := &stubProvider{script: []stubCall{
		{startErr: errors.New("overloaded")},
		textCompletion("after retry"),
	}}
	adapter := NewAdapter(provider, AdapterConfig{Model: "m", Retry: fastRetry()}, nil, nil)

	completion, err := adapter.GenerateStream(context.Background(), &Request{}, func(StreamEvent) {})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if completion.Content != "after retry" {
		t.Errorf("Content = %q, want %q", completion.Content, "after retry")
	}
	if provider.callCount() != 2 {
		t.Errorf("provider called %d times, want 2", provider.callCount())
	}
}

func TestGenerateStreamDoesNotRestartMidStream(t *testing.T) {
	provider := &stubProvider{script: []stubCall{
		{chunks: []Chunk{
			{Text: "partial"},
			{Err: errors.New("503 service unavailable")},
		}},
		textCompletion("should never be reached"),
	}}
	adapter := NewAdapter(provider, AdapterConfig{Model: "m", Retry: fastRetry()}, nil, nil)

	var gotErr error
	_, err := adapter.GenerateStream(context.Background(), &Request{}, func(ev StreamEvent) {
		if ev.Err != nil {
			gotErr = ev.Err
		}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if gotErr == nil {
		t.Error("sink should have received the terminal error")
	}
	if provider.callCount() != 1 {
		t.Errorf("provider called %d times, want 1 (no mid-stream restart)", provider.callCount())
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"prompt too large", ErrSystemPromptTooLarge, models.ErrCodeSystemPromptTooLarge},
		{"circuit open", infra.ErrCircuitOpen, models.ErrCodeServiceUnavailable},
		{"rate limit", &ProviderError{Provider: "stub", Reason: ReasonRateLimit, Cause: errors.New("429")}, models.ErrCodeRateLimit},
		{"server error", &ProviderError{Provider: "stub", Reason: ReasonServerError, Cause: errors.New("500")}, models.ErrCodeServiceUnavailable},
		{"unknown", errors.New("odd"), models.ErrCodeLLM},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			desc := Describe(tc.err)
			if desc.Code != tc.code {
				t.Errorf("Describe(%v).Code = %s, want %s", tc.err, desc.Code, tc.code)
			}
		})
	}

	if Describe(nil) != nil {
		t.Error("Describe(nil) should be nil")
	}
}
