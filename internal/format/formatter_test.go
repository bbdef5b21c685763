package format

import (
	"encoding/json"
	"testing"

	"github.com/defipilot/defipilot/pkg/models"
)

func TestTypeFor(t *testing.T) {
	tests := []struct {
		tool string
		want string
	}{
		{"get_gas_prices", "gas_prices"},
		{"get_crypto_price", "crypto_price"},
		{"get_lending_rates", "lending_rates"},
		{"get_token_balance", "token_balance"},
		{"get_all_token_balances", "portfolio"},
		{"mystery_tool", "generic"},
		{"", "generic"},
	}

	for _, tc := range tests {
		t.Run(tc.tool, func(t *testing.T) {
			if got := TypeFor(tc.tool); got != tc.want {
				t.Errorf("TypeFor(%q) = %q, want %q", tc.tool, got, tc.want)
			}
		})
	}
}

func TestFormatEmpty(t *testing.T) {
	f := New(nil)
	if got := f.Format(nil); got != nil {
		t.Errorf("Format(nil) = %+v, want nil", got)
	}
}

func TestFormatSuccessfulResults(t *testing.T) {
	f := New(nil)

	executions := []models.ToolExecution{
		{
			ToolName:   "get_crypto_price",
			ToolCallID: "c1",
			Success:    true,
			Result:     json.RawMessage(`{"symbol":"ETH","price":3200.5,"currency":"USD"}`),
		},
		{
			ToolName:   "get_lending_rates",
			ToolCallID: "c2",
			Success:    true,
			Result:     json.RawMessage(`{"token":"USDC","protocols":[]}`),
		},
	}

	out := f.Format(executions)
	if out.HasErrors {
		t.Error("HasErrors should be false")
	}
	if len(out.Results) != 2 {
		t.Fatalf("Results = %d entries, want 2", len(out.Results))
	}
	if out.Results[0].Type != "crypto_price" || out.Results[0].ToolCallID != "c1" {
		t.Errorf("first result = %+v", out.Results[0])
	}
	if out.Results[0].Data["price"] != 3200.5 {
		t.Errorf("price = %v, want 3200.5", out.Results[0].Data["price"])
	}
	if out.Results[1].Type != "lending_rates" {
		t.Errorf("second result type = %s", out.Results[1].Type)
	}
}

func TestFormatFailures(t *testing.T) {
	f := New(nil)

	executions := []models.ToolExecution{
		{ToolName: "get_gas_prices", ToolCallID: "c1", Success: false, Error: "oracle offline"},
		{ToolName: "get_crypto_price", ToolCallID: "c2", Success: true, Result: json.RawMessage(`{"symbol":"BTC"}`)},
		{ToolName: "unknown_thing", ToolCallID: "c3", Success: false, Error: "nope"},
	}

	out := f.Format(executions)
	if !out.HasErrors {
		t.Error("HasErrors should be true")
	}
	if out.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", out.ErrorCount)
	}

	first := out.Results[0]
	if first.Success || first.Message == "" {
		t.Errorf("failed result should carry a message: %+v", first)
	}
	if first.ToolCallID != "c1" {
		t.Errorf("ToolCallID = %s, want c1", first.ToolCallID)
	}

	third := out.Results[2]
	if third.Type != "generic" {
		t.Errorf("unknown tool type = %s, want generic", third.Type)
	}
	if third.Message == "" {
		t.Error("generic failure should carry the generic message")
	}
}

func TestFormatGasPricesReshaped(t *testing.T) {
	f := New(nil)

	raw := `{
		"network": "ethereum",
		"gasPrices": {
			"slow": {"gwei": 10, "usdCost": 0.42},
			"standard": {"gwei": 15, "usdCost": 0.63},
			"fast": {"gwei": 25, "usdCost": 1.05}
		},
		"timestamp": "2026-08-25T12:00:00Z",
		"source": "oracle"
	}`
	out := f.Format([]models.ToolExecution{{
		ToolName:   "get_gas_prices",
		ToolCallID: "c1",
		Success:    true,
		Result:     json.RawMessage(raw),
	}})

	data := out.Results[0].Data
	if data["network"] != "ethereum" {
		t.Errorf("network = %v", data["network"])
	}
	if _, nested := data["gasPrices"]; nested {
		t.Error("gasPrices should be flattened away")
	}
	fast, ok := data["fast"].(map[string]any)
	if !ok {
		t.Fatalf("fast tier missing: %v", data)
	}
	if fast["gwei"] != float64(25) || fast["usdCost"] != 1.05 {
		t.Errorf("fast tier = %v", fast)
	}
	if data["timestamp"] != "2026-08-25T12:00:00Z" {
		t.Errorf("timestamp = %v", data["timestamp"])
	}
}

func TestFormatGasPricesMissingTiers(t *testing.T) {
	f := New(nil)

	out := f.Format([]models.ToolExecution{{
		ToolName:   "get_gas_prices",
		ToolCallID: "c1",
		Success:    true,
		Result:     json.RawMessage(`{"network":"polygon","gasPrices":{"slow":{"gwei":5}}}`),
	}})

	data := out.Results[0].Data
	for _, tier := range []string{"slow", "standard", "fast"} {
		m, ok := data[tier].(map[string]any)
		if !ok {
			t.Fatalf("tier %s missing", tier)
		}
		if _, ok := m["gwei"]; !ok {
			t.Errorf("tier %s missing gwei", tier)
		}
		if _, ok := m["usdCost"]; !ok {
			t.Errorf("tier %s missing usdCost", tier)
		}
	}
	if slow := data["slow"].(map[string]any); slow["gwei"] != float64(5) {
		t.Errorf("slow gwei = %v, want 5", slow["gwei"])
	}
}

func TestFormatUndecodableResultDegrades(t *testing.T) {
	f := New(nil)

	out := f.Format([]models.ToolExecution{{
		ToolName:   "get_crypto_price",
		ToolCallID: "c1",
		Success:    true,
		Result:     json.RawMessage(`[1,2,3]`),
	}})

	if !out.Results[0].Success {
		t.Error("result should stay successful")
	}
	if len(out.Results[0].Data) != 0 {
		t.Errorf("Data = %v, want empty map", out.Results[0].Data)
	}
	if out.HasErrors {
		t.Error("decode degradation is not an error")
	}
}
