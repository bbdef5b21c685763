package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPConfig configures a client for one upstream market-data service.
type HTTPConfig struct {
	// BaseURL is the service root, e.g. "https://data.defipilot.io".
	BaseURL string

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	// Timeout bounds each request. Defaults to 10 seconds.
	Timeout time.Duration

	// Client overrides the default HTTP client.
	Client *http.Client
}

type httpAPI struct {
	base   string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

func newHTTPAPI(config HTTPConfig, logger *slog.Logger) *httpAPI {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &httpAPI{
		base:   strings.TrimRight(config.BaseURL, "/"),
		apiKey: config.APIKey,
		client: client,
		logger: logger,
	}
}

func (c *httpAPI) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("feeds: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("feeds: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("feeds: %s: upstream returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("feeds: %s: decode response: %w", path, err)
	}
	return nil
}

// HTTPGasOracle fetches gas quotes from the market-data service.
type HTTPGasOracle struct {
	api *httpAPI
}

func NewHTTPGasOracle(config HTTPConfig, logger *slog.Logger) *HTTPGasOracle {
	return &HTTPGasOracle{api: newHTTPAPI(config, logger)}
}

func (o *HTTPGasOracle) GasPrices(ctx context.Context, network string) (*GasReport, error) {
	if network == "" {
		network = "ethereum"
	}
	var out GasReport
	if err := o.api.getJSON(ctx, "/v1/gas/"+url.PathEscape(network), nil, &out); err != nil {
		return nil, err
	}
	if out.Network == "" {
		out.Network = network
	}
	return &out, nil
}

// HTTPPriceFeed fetches spot prices from the market-data service.
type HTTPPriceFeed struct {
	api *httpAPI
}

func NewHTTPPriceFeed(config HTTPConfig, logger *slog.Logger) *HTTPPriceFeed {
	return &HTTPPriceFeed{api: newHTTPAPI(config, logger)}
}

func (f *HTTPPriceFeed) Price(ctx context.Context, symbol, currency string) (*PriceQuote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("feeds: symbol is required")
	}
	if currency == "" {
		currency = "USD"
	}
	query := url.Values{"currency": {strings.ToUpper(currency)}}
	var out PriceQuote
	if err := f.api.getJSON(ctx, "/v1/prices/"+url.PathEscape(symbol), query, &out); err != nil {
		return nil, err
	}
	if out.Symbol == "" {
		out.Symbol = symbol
	}
	if out.Currency == "" {
		out.Currency = strings.ToUpper(currency)
	}
	return &out, nil
}

// HTTPLendingFeed fetches lending-market rates from the market-data service.
type HTTPLendingFeed struct {
	api *httpAPI
}

func NewHTTPLendingFeed(config HTTPConfig, logger *slog.Logger) *HTTPLendingFeed {
	return &HTTPLendingFeed{api: newHTTPAPI(config, logger)}
}

func (f *HTTPLendingFeed) Rates(ctx context.Context, token string, protocols []string) (*LendingReport, error) {
	token = strings.ToUpper(strings.TrimSpace(token))
	if token == "" {
		return nil, fmt.Errorf("feeds: token is required")
	}
	query := url.Values{}
	if len(protocols) > 0 {
		query.Set("protocols", strings.Join(protocols, ","))
	}
	var out LendingReport
	if err := f.api.getJSON(ctx, "/v1/lending/"+url.PathEscape(token), query, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		out.Token = token
	}
	return &out, nil
}

// HTTPBalanceFeed fetches on-chain balances from the market-data service.
type HTTPBalanceFeed struct {
	api *httpAPI
}

func NewHTTPBalanceFeed(config HTTPConfig, logger *slog.Logger) *HTTPBalanceFeed {
	return &HTTPBalanceFeed{api: newHTTPAPI(config, logger)}
}

func (f *HTTPBalanceFeed) TokenBalance(ctx context.Context, address, network, tokenAddress string) (*TokenBalance, error) {
	if address == "" {
		return nil, fmt.Errorf("feeds: address is required")
	}
	if network == "" {
		network = "ethereum"
	}
	query := url.Values{"network": {network}}
	if tokenAddress != "" {
		query.Set("token", tokenAddress)
	}
	var out TokenBalance
	if err := f.api.getJSON(ctx, "/v1/balances/"+url.PathEscape(address)+"/token", query, &out); err != nil {
		return nil, err
	}
	if out.Address == "" {
		out.Address = address
	}
	if out.Network == "" {
		out.Network = network
	}
	return &out, nil
}

func (f *HTTPBalanceFeed) AllBalances(ctx context.Context, address, network string) (*Portfolio, error) {
	if address == "" {
		return nil, fmt.Errorf("feeds: address is required")
	}
	if network == "" {
		network = "ethereum"
	}
	query := url.Values{"network": {network}}
	var out Portfolio
	if err := f.api.getJSON(ctx, "/v1/balances/"+url.PathEscape(address), query, &out); err != nil {
		return nil, err
	}
	if out.Address == "" {
		out.Address = address
	}
	if out.Network == "" {
		out.Network = network
	}
	return &out, nil
}
