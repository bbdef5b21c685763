// Package format reshapes raw tool outputs into the uniform
// presentation-oriented structure clients render from.
package format

import (
	"encoding/json"
	"log/slog"

	"github.com/defipilot/defipilot/pkg/models"
)

// typeByTool is the fixed mapping from tool name to formatted result type.
var typeByTool = map[string]string{
	"get_gas_prices":         "gas_prices",
	"get_crypto_price":       "crypto_price",
	"get_lending_rates":      "lending_rates",
	"get_token_balance":      "token_balance",
	"get_all_token_balances": "portfolio",
}

// failureMessages are the user-safe messages attached to failed results.
var failureMessages = map[string]string{
	"gas_prices":    "Couldn't fetch gas prices right now.",
	"crypto_price":  "Couldn't fetch that price right now.",
	"lending_rates": "Couldn't fetch lending rates right now.",
	"token_balance": "Couldn't fetch that balance right now.",
	"portfolio":     "Couldn't fetch the portfolio right now.",
}

const genericType = "generic"
const genericFailureMessage = "Something went wrong running that lookup."

// Formatter converts tool executions into formatted results.
type Formatter struct {
	logger *slog.Logger
}

// New creates a formatter.
func New(logger *slog.Logger) *Formatter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Formatter{logger: logger.With("component", "format")}
}

// TypeFor returns the formatted type for a tool name.
func TypeFor(toolName string) string {
	if t, ok := typeByTool[toolName]; ok {
		return t
	}
	return genericType
}

// Format reshapes the executions in order. hasErrors is true iff any entry
// failed; the reply carries both the reshaped data and failure correlation.
func (f *Formatter) Format(executions []models.ToolExecution) *models.FormattedResults {
	if len(executions) == 0 {
		return nil
	}

	out := &models.FormattedResults{
		Results: make([]models.FormattedResult, 0, len(executions)),
	}

	for _, exec := range executions {
		resultType := TypeFor(exec.ToolName)

		if !exec.Success {
			message, ok := failureMessages[resultType]
			if !ok {
				message = genericFailureMessage
			}
			out.Results = append(out.Results, models.FormattedResult{
				Type:       resultType,
				Message:    message,
				ToolCallID: exec.ToolCallID,
				Success:    false,
			})
			out.HasErrors = true
			out.ErrorCount++
			continue
		}

		data := f.reshape(resultType, exec.Result)
		out.Results = append(out.Results, models.FormattedResult{
			Type:       resultType,
			Data:       data,
			ToolCallID: exec.ToolCallID,
			Success:    true,
		})
	}

	return out
}

// reshape decodes the raw result and applies per-type shaping. A result
// that fails to decode degrades to an empty data map rather than failing
// the whole reply.
func (f *Formatter) reshape(resultType string, raw json.RawMessage) map[string]any {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		f.logger.Warn("tool result is not a JSON object", "type", resultType, "error", err)
		return map[string]any{}
	}

	switch resultType {
	case "gas_prices":
		return reshapeGasPrices(data)
	default:
		return data
	}
}

// reshapeGasPrices flattens the nested gasPrices block into top-level
// slow/standard/fast tiers and guarantees the {gwei, usdCost} structure
// even when an upstream omits a tier.
func reshapeGasPrices(data map[string]any) map[string]any {
	out := map[string]any{}
	if network, ok := data["network"]; ok {
		out["network"] = network
	}
	tiers, _ := data["gasPrices"].(map[string]any)
	for _, tier := range []string{"slow", "standard", "fast"} {
		out[tier] = reshapeGasTier(tiers[tier])
	}
	if ts, ok := data["timestamp"]; ok {
		out["timestamp"] = ts
	}
	return out
}

func reshapeGasTier(v any) map[string]any {
	tier := map[string]any{"gwei": float64(0), "usdCost": float64(0)}
	m, ok := v.(map[string]any)
	if !ok {
		return tier
	}
	if gwei, ok := m["gwei"]; ok {
		tier["gwei"] = gwei
	}
	if cost, ok := m["usdCost"]; ok {
		tier["usdCost"] = cost
	}
	return tier
}
