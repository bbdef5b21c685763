package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/defipilot/defipilot/internal/feeds"
)

// Feeds bundles the upstream clients the DeFi tools draw from.
type Feeds struct {
	Gas     feeds.GasOracle
	Prices  feeds.PriceFeed
	Lending feeds.LendingFeed
	Balance feeds.BalanceFeed
}

// DeFiDefinitions returns the standard DeFi tool set backed by the given
// feeds. Tools whose feed is missing are omitted so a partially configured
// deployment still serves the rest.
func DeFiDefinitions(f Feeds) []Definition {
	var defs []Definition

	if f.Gas != nil {
		defs = append(defs, Definition{
			Name:        "get_gas_prices",
			Description: "Get current gas prices for a blockchain network in slow, standard, and fast tiers.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"network": {
						"type": "string",
						"enum": ["ethereum", "polygon", "bsc", "arbitrum", "optimism"],
						"description": "Network to quote. Defaults to ethereum."
					}
				}
			}`),
			Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				var in struct {
					Network string `json:"network"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
				report, err := f.Gas.GasPrices(ctx, in.Network)
				if err != nil {
					return nil, fmt.Errorf("gas prices unavailable: %w", err)
				}
				return json.Marshal(report)
			},
		})
	}

	if f.Prices != nil {
		defs = append(defs, Definition{
			Name:        "get_crypto_price",
			Description: "Get the current price, 24h change, volume, and market cap for a cryptocurrency.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"symbol": {
						"type": "string",
						"description": "Token symbol, e.g. ETH, BTC, USDC."
					},
					"currency": {
						"type": "string",
						"description": "Quote currency. Defaults to USD."
					}
				},
				"required": ["symbol"]
			}`),
			Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				var in struct {
					Symbol   string `json:"symbol"`
					Currency string `json:"currency"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
				quote, err := f.Prices.Price(ctx, in.Symbol, in.Currency)
				if err != nil {
					return nil, fmt.Errorf("price unavailable: %w", err)
				}
				return json.Marshal(quote)
			},
		})
	}

	if f.Lending != nil {
		defs = append(defs, Definition{
			Name:        "get_lending_rates",
			Description: "Get supply and borrow rates for a token across lending protocols.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"token": {
						"type": "string",
						"description": "Token symbol, e.g. USDC."
					},
					"protocols": {
						"type": "array",
						"items": {"type": "string"},
						"description": "Protocols to include. Omit for all."
					}
				},
				"required": ["token"]
			}`),
			Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				var in struct {
					Token     string   `json:"token"`
					Protocols []string `json:"protocols"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
				report, err := f.Lending.Rates(ctx, in.Token, in.Protocols)
				if err != nil {
					return nil, fmt.Errorf("lending rates unavailable: %w", err)
				}
				return json.Marshal(report)
			},
		})
	}

	if f.Balance != nil {
		defs = append(defs, Definition{
			Name:        "get_token_balance",
			Description: "Get the balance of one token for a wallet address.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"address": {
						"type": "string",
						"description": "Wallet address."
					},
					"network": {
						"type": "string",
						"enum": ["ethereum", "polygon", "bsc", "arbitrum", "optimism"],
						"description": "Network to query. Defaults to ethereum."
					},
					"tokenAddress": {
						"type": "string",
						"description": "Token contract address. Omit for the native token."
					}
				},
				"required": ["address"]
			}`),
			Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				var in struct {
					Address      string `json:"address"`
					Network      string `json:"network"`
					TokenAddress string `json:"tokenAddress"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
				balance, err := f.Balance.TokenBalance(ctx, in.Address, in.Network, in.TokenAddress)
				if err != nil {
					return nil, fmt.Errorf("balance unavailable: %w", err)
				}
				return json.Marshal(balance)
			},
		}, Definition{
			Name:        "get_all_token_balances",
			Description: "Get all token balances and the total portfolio value for a wallet address.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"address": {
						"type": "string",
						"description": "Wallet address."
					},
					"network": {
						"type": "string",
						"enum": ["ethereum", "polygon", "bsc", "arbitrum", "optimism"],
						"description": "Network to query. Defaults to ethereum."
					}
				},
				"required": ["address"]
			}`),
			Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				var in struct {
					Address string `json:"address"`
					Network string `json:"network"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
				portfolio, err := f.Balance.AllBalances(ctx, in.Address, in.Network)
				if err != nil {
					return nil, fmt.Errorf("balances unavailable: %w", err)
				}
				return json.Marshal(portfolio)
			},
		})
	}

	return defs
}
