package walletdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mirrorbot/config"

	"go.uber.org/zap"
)

// TransferKind classifies a raw transfer record.
type TransferKind string

const (
	KindTrade   TransferKind = "trade"
	KindSend    TransferKind = "send"
	KindReceive TransferKind = "receive"
)

// TransferSide is one leg of a transfer: what left or entered the wallet.
type TransferSide struct {
	Symbol   string  `json:"symbol"`
	AssetID  string  `json:"asset_id"`
	Units    float64 `json:"units"`
	ValueUSD float64 `json:"value_usd"`
}

// Transfer is one raw observed transfer record for a wallet. Immutable,
// sourced from the activity provider.
type Transfer struct {
	Timestamp    time.Time    `json:"timestamp"`
	Kind         TransferKind `json:"kind"`
	In           TransferSide `json:"in"`
	Out          TransferSide `json:"out"`
	Counterparty string       `json:"counterparty"` // other address on send/receive, may be empty
}

// transferWire is the provider's JSON shape; timestamps come as unix seconds.
type transferWire struct {
	Timestamp    int64        `json:"timestamp"`
	Kind         string       `json:"kind"`
	In           TransferSide `json:"in"`
	Out          TransferSide `json:"out"`
	Counterparty string       `json:"counterparty"`
}

// Client talks to the wallet activity provider. All methods degrade to
// empty/zero results only at the caller's discretion; the client itself
// returns errors so callers can decide how loud to be.
type Client struct {
	logger           *zap.Logger
	httpClient       *http.Client
	baseURL          string
	fallbackPriceURL string
	apiKey           string
}

func NewClient(logger *zap.Logger, cfg *config.Config) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		logger: logger.Named("walletdata"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:          cfg.Provider.BaseURL,
		fallbackPriceURL: cfg.Provider.FallbackPriceURL,
		apiKey:           cfg.Provider.APIKey,
	}
}

// ListTransfers fetches up to limit raw transfer records for a wallet.
func (c *Client) ListTransfers(ctx context.Context, address string, limit int) ([]Transfer, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return nil, fmt.Errorf("address is empty")
	}
	if limit <= 0 {
		limit = 100
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}
	u.Path += fmt.Sprintf("/wallets/%s/transfers", address)

	q := u.Query()
	q.Set("limit", fmt.Sprintf("%d", limit))
	u.RawQuery = q.Encode()

	var resp struct {
		Transfers []transferWire `json:"transfers"`
	}
	if err := c.doGet(ctx, u.String(), &resp); err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}

	transfers := make([]Transfer, 0, len(resp.Transfers))
	for _, w := range resp.Transfers {
		t := Transfer{
			Kind:         TransferKind(strings.ToLower(w.Kind)),
			In:           w.In,
			Out:          w.Out,
			Counterparty: strings.ToLower(w.Counterparty),
		}
		if w.Timestamp > 0 {
			t.Timestamp = time.Unix(w.Timestamp, 0).UTC()
		}
		transfers = append(transfers, t)
	}

	return transfers, nil
}

// CurrentPortfolioValue returns the wallet's total value in USD right now.
func (c *Client) CurrentPortfolioValue(ctx context.Context, address string) (float64, error) {
	return c.portfolioValue(ctx, address, time.Time{})
}

// PortfolioValueAtDate returns the wallet's total value in USD on a given date.
func (c *Client) PortfolioValueAtDate(ctx context.Context, address string, date time.Time) (float64, error) {
	return c.portfolioValue(ctx, address, date)
}

func (c *Client) portfolioValue(ctx context.Context, address string, date time.Time) (float64, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return 0, fmt.Errorf("address is empty")
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return 0, fmt.Errorf("invalid baseURL: %w", err)
	}
	u.Path += fmt.Sprintf("/wallets/%s/portfolio", address)

	if !date.IsZero() {
		q := u.Query()
		q.Set("date", date.UTC().Format("2006-01-02"))
		u.RawQuery = q.Encode()
	}

	var resp struct {
		TotalValueUSD float64 `json:"total_value_usd"`
	}
	if err := c.doGet(ctx, u.String(), &resp); err != nil {
		return 0, fmt.Errorf("portfolio value: %w", err)
	}

	return resp.TotalValueUSD, nil
}

// PricesBySymbol fetches current USD prices for a set of asset symbols.
// Symbols with no quote are absent from the returned map.
func (c *Client) PricesBySymbol(ctx context.Context, symbols []string) (map[string]float64, error) {
	return c.prices(ctx, "/prices", "symbols", symbols)
}

// PricesByID fetches current USD prices for a set of provider asset ids.
func (c *Client) PricesByID(ctx context.Context, ids []string) (map[string]float64, error) {
	return c.prices(ctx, "/prices/by-id", "ids", ids)
}

func (c *Client) prices(ctx context.Context, path, param string, keys []string) (map[string]float64, error) {
	if len(keys) == 0 {
		return map[string]float64{}, nil
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}
	u.Path += path

	q := u.Query()
	q.Set(param, strings.Join(keys, ","))
	u.RawQuery = q.Encode()

	var resp struct {
		Prices map[string]float64 `json:"prices"`
	}
	if err := c.doGet(ctx, u.String(), &resp); err != nil {
		return nil, fmt.Errorf("prices: %w", err)
	}
	if resp.Prices == nil {
		resp.Prices = map[string]float64{}
	}

	return resp.Prices, nil
}

// FallbackPrice queries the secondary price source for a single symbol.
// Returns 0 with no error when no fallback source is configured.
func (c *Client) FallbackPrice(ctx context.Context, symbol string) (float64, error) {
	if c.fallbackPriceURL == "" {
		return 0, nil
	}

	u, err := url.Parse(c.fallbackPriceURL)
	if err != nil {
		return 0, fmt.Errorf("invalid fallback price URL: %w", err)
	}

	q := u.Query()
	q.Set("symbol", strings.ToUpper(symbol))
	u.RawQuery = q.Encode()

	var resp struct {
		Price float64 `json:"price"`
	}
	if err := c.doGet(ctx, u.String(), &resp); err != nil {
		return 0, fmt.Errorf("fallback price: %w", err)
	}

	return resp.Price, nil
}

func (c *Client) doGet(ctx context.Context, rawURL string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Basic "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(body), 256))
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
