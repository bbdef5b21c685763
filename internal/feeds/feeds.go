// Package feeds provides clients for the upstream market-data services the
// DeFi tools draw from: gas oracles, price feeds, lending markets, and
// balance lookups.
package feeds

import (
	"context"
	"time"
)

// Networks supported by the gas and balance feeds.
var Networks = []string{"ethereum", "polygon", "bsc", "arbitrum", "optimism"}

// GasTier is one speed tier of a gas quote.
type GasTier struct {
	Gwei    float64 `json:"gwei"`
	USDCost float64 `json:"usdCost"`
}

// GasTiers groups the three speed tiers.
type GasTiers struct {
	Slow     GasTier `json:"slow"`
	Standard GasTier `json:"standard"`
	Fast     GasTier `json:"fast"`
}

// GasReport is a gas quote for one network.
type GasReport struct {
	Network   string    `json:"network"`
	GasPrices GasTiers  `json:"gasPrices"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// PriceQuote is a spot price for one token in one currency.
type PriceQuote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Currency  string    `json:"currency"`
	Change24h float64   `json:"change_24h"`
	Volume24h float64   `json:"volume_24h"`
	MarketCap float64   `json:"market_cap"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// ProtocolRate is the lending market state for one token on one protocol.
type ProtocolRate struct {
	Protocol        string  `json:"protocol"`
	Symbol          string  `json:"symbol"`
	SupplyAPY       float64 `json:"supplyAPY"`
	BorrowAPY       float64 `json:"borrowAPY"`
	TotalSupply     float64 `json:"totalSupply"`
	TotalBorrow     float64 `json:"totalBorrow"`
	UtilizationRate float64 `json:"utilizationRate"`
}

// LendingReport lists rates for one token across protocols.
type LendingReport struct {
	Token     string         `json:"token"`
	Protocols []ProtocolRate `json:"protocols"`
	Timestamp time.Time      `json:"timestamp"`
}

// TokenBalance is one token position held by an address.
type TokenBalance struct {
	Address      string  `json:"address"`
	Network      string  `json:"network"`
	TokenAddress string  `json:"tokenAddress,omitempty"`
	Symbol       string  `json:"symbol"`
	Amount       float64 `json:"amount"`
	ValueUSD     float64 `json:"valueUsd"`
}

// Portfolio is the full set of token positions for an address.
type Portfolio struct {
	Address       string         `json:"address"`
	Network       string         `json:"network"`
	Balances      []TokenBalance `json:"balances"`
	TotalValueUSD float64        `json:"totalValueUsd"`
}

// GasOracle quotes gas prices per network.
type GasOracle interface {
	GasPrices(ctx context.Context, network string) (*GasReport, error)
}

// PriceFeed quotes spot prices per token symbol.
type PriceFeed interface {
	Price(ctx context.Context, symbol, currency string) (*PriceQuote, error)
}

// LendingFeed lists lending rates for a token, optionally restricted to
// specific protocols.
type LendingFeed interface {
	Rates(ctx context.Context, token string, protocols []string) (*LendingReport, error)
}

// BalanceFeed looks up token balances for an address.
type BalanceFeed interface {
	TokenBalance(ctx context.Context, address, network, tokenAddress string) (*TokenBalance, error)
	AllBalances(ctx context.Context, address, network string) (*Portfolio, error)
}
