// Package ui generates RENDER_COMPONENT intents from tool results and
// conversation text.
package ui

import (
	"strings"

	"github.com/defipilot/defipilot/pkg/models"
)

// toolComponents maps a successful tool result to the component it renders.
// get_crypto_price intentionally has no mapping; prices render inline in the
// assistant text.
var toolComponents = map[string]string{
	"get_gas_prices":         models.ComponentNetworkStatus,
	"get_token_balance":      models.ComponentYourAssets,
	"get_all_token_balances": models.ComponentYourAssets,
	"get_lending_rates":      models.ComponentLendingSection,
	"execute_swap":           models.ComponentTokenSwap,
	"open_perpetual":         models.ComponentPerpetuals,
	"get_activity":           models.ComponentRecentActivity,
}

// patternRule matches user text against keywords for one component.
// Rules are ordered; within a message multiple rules can fire.
type patternRule struct {
	keywords  []string
	component string
}

var patternRules = []patternRule{
	{[]string{"gas", "fee"}, models.ComponentNetworkStatus},
	{[]string{"swap", "exchange", "trade", "dex"}, models.ComponentTokenSwap},
	{[]string{"lend", "apy", "earn", "interest"}, models.ComponentLendingSection},
	{[]string{"balance", "asset", "portfolio"}, models.ComponentYourAssets},
	{[]string{"perpetual", "leverage", "perp"}, models.ComponentPerpetuals},
	{[]string{"activity", "history", "transactions"}, models.ComponentRecentActivity},
}

// Generator derives UI intents. Deterministic: the same inputs always yield
// the same intents in the same order.
type Generator struct{}

// NewGenerator creates an intent generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate consults tool results first, then keyword patterns on the user
// text. Each component appears at most once across both sources.
func (g *Generator) Generate(toolResults []models.ToolExecution, userText, assistantText string) []models.UIIntent {
	var intents []models.UIIntent
	seen := make(map[string]bool)

	add := func(component string) {
		if component == "" || seen[component] {
			return
		}
		seen[component] = true
		intents = append(intents, models.UIIntent{
			Type:      models.UIIntentRenderComponent,
			Component: component,
		})
	}

	for _, result := range toolResults {
		if !result.Success {
			continue
		}
		add(toolComponents[result.ToolName])
	}

	lower := strings.ToLower(userText)
	for _, rule := range patternRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lower, keyword) {
				add(rule.component)
				break
			}
		}
	}

	return intents
}
