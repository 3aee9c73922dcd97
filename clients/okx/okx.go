package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mirrorbot/config"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Sentinel errors callers branch on.
var (
	ErrInstrumentNotFound = errors.New("okx: instrument not found")
	ErrPriceUnavailable   = errors.New("okx: price unavailable")
	ErrRejected           = errors.New("okx: order rejected")
)

// Order side / position side / trade mode constants, as OKX spells them.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	PosSideLong  = "long"
	PosSideShort = "short"
	PosSideNet   = "net"

	TdModeCross = "cross"
	TdModeCash  = "cash"

	OrdTypeMarket = "market"
)

// Instrument describes one tradable instrument. Numeric fields arrive as
// decimal strings on the wire and stay decimal to avoid float drift.
type Instrument struct {
	InstID   string          `json:"instId"`
	InstType string          `json:"instType"` // SWAP or SPOT
	BaseCcy  string          `json:"baseCcy"`
	QuoteCcy string          `json:"quoteCcy"`
	CtVal    decimal.Decimal `json:"-"` // contract value in base units (SWAP only)
	LotSz    decimal.Decimal `json:"-"` // size increment
	MinSz    decimal.Decimal `json:"-"` // minimum order size
	State    string          `json:"state"`
}

// Ticker is the latest market snapshot for one instrument.
type Ticker struct {
	InstID string
	Last   decimal.Decimal
}

// Position is one open position read back from the exchange. The exchange
// copy is ground truth; we never cache it across decisions.
type Position struct {
	InstID      string
	PosSide     string          // long / short / net
	Pos         decimal.Decimal // size in contracts (SWAP) or base units (SPOT margin)
	AvgPx       decimal.Decimal // entry price
	Lever       decimal.Decimal
	MgnMode     string
	NotionalUSD decimal.Decimal
	LiqPx       decimal.Decimal // exchange-reported liquidation price, may be zero
}

// OrderRequest describes one order submission. All sizes cross the wire as
// decimal strings.
type OrderRequest struct {
	InstID     string `json:"instId"`
	TdMode     string `json:"tdMode"`
	Side       string `json:"side"`
	PosSide    string `json:"posSide,omitempty"`
	OrdType    string `json:"ordType"`
	Sz         string `json:"sz"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
	TgtCcy     string `json:"tgtCcy,omitempty"` // spot market orders: base_ccy or quote_ccy
}

// OrderResult is the exchange's acknowledgement of a submitted order.
type OrderResult struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// Client is an OKX v5 REST client with client-side rate limiting.
type Client struct {
	logger     *zap.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
	secretKey  string
	passphrase string
	simulated  bool
	limiter    *rateLimiter

	// injectable for signature tests
	now func() time.Time
}

func NewClient(logger *zap.Logger, cfg *config.Config) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	rps := cfg.OKX.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}

	return &Client{
		logger: logger.Named("okx"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		baseURL:    strings.TrimRight(cfg.OKX.BaseURL, "/"),
		apiKey:     cfg.OKX.APIKey,
		secretKey:  cfg.OKX.SecretKey,
		passphrase: cfg.OKX.Passphrase,
		simulated:  cfg.OKX.Simulated,
		limiter:    newRateLimiter(rps),
		now:        time.Now,
	}
}

// GetBalance returns the account's total USDT equity.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	var data []struct {
		Details []struct {
			Ccy    string `json:"ccy"`
			Eq     string `json:"eq"`
			AvailEq string `json:"availEq"`
		} `json:"details"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/account/balance?ccy=USDT", nil, &data); err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}

	for _, acct := range data {
		for _, d := range acct.Details {
			if d.Ccy != "USDT" {
				continue
			}
			eq, err := decimal.NewFromString(d.Eq)
			if err != nil {
				return decimal.Zero, fmt.Errorf("parse equity %q: %w", d.Eq, err)
			}
			return eq, nil
		}
	}

	return decimal.Zero, nil
}

// GetInstrument fetches instrument metadata (contract value, lot size,
// minimum size). Returns ErrInstrumentNotFound when the venue doesn't list it.
func (c *Client) GetInstrument(ctx context.Context, instID string) (*Instrument, error) {
	instType := "SWAP"
	if !strings.HasSuffix(instID, "-SWAP") {
		instType = "SPOT"
	}

	path := fmt.Sprintf("/api/v5/public/instruments?instType=%s&instId=%s", instType, instID)

	var data []struct {
		InstID   string `json:"instId"`
		InstType string `json:"instType"`
		BaseCcy  string `json:"baseCcy"`
		QuoteCcy string `json:"quoteCcy"`
		CtVal    string `json:"ctVal"`
		LotSz    string `json:"lotSz"`
		MinSz    string `json:"minSz"`
		State    string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", instID, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInstrumentNotFound, instID)
	}

	raw := data[0]
	inst := &Instrument{
		InstID:   raw.InstID,
		InstType: raw.InstType,
		BaseCcy:  raw.BaseCcy,
		QuoteCcy: raw.QuoteCcy,
		State:    raw.State,
	}

	var err error
	if raw.CtVal != "" {
		if inst.CtVal, err = decimal.NewFromString(raw.CtVal); err != nil {
			return nil, fmt.Errorf("parse ctVal %q: %w", raw.CtVal, err)
		}
	}
	if raw.LotSz != "" {
		if inst.LotSz, err = decimal.NewFromString(raw.LotSz); err != nil {
			return nil, fmt.Errorf("parse lotSz %q: %w", raw.LotSz, err)
		}
	}
	if raw.MinSz != "" {
		if inst.MinSz, err = decimal.NewFromString(raw.MinSz); err != nil {
			return nil, fmt.Errorf("parse minSz %q: %w", raw.MinSz, err)
		}
	}

	return inst, nil
}

// GetTicker fetches the latest traded price for an instrument.
func (c *Client) GetTicker(ctx context.Context, instID string) (*Ticker, error) {
	var data []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/market/ticker?instId="+instID, nil, &data); err != nil {
		return nil, fmt.Errorf("get ticker %s: %w", instID, err)
	}
	if len(data) == 0 || data[0].Last == "" {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, instID)
	}

	last, err := decimal.NewFromString(data[0].Last)
	if err != nil {
		return nil, fmt.Errorf("parse last %q: %w", data[0].Last, err)
	}
	if last.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, instID)
	}

	return &Ticker{InstID: data[0].InstID, Last: last}, nil
}

// GetPositions reads back the account's open positions on one instrument.
func (c *Client) GetPositions(ctx context.Context, instID string) ([]Position, error) {
	var data []struct {
		InstID      string `json:"instId"`
		PosSide     string `json:"posSide"`
		Pos         string `json:"pos"`
		AvgPx       string `json:"avgPx"`
		Lever       string `json:"lever"`
		MgnMode     string `json:"mgnMode"`
		NotionalUsd string `json:"notionalUsd"`
		LiqPx       string `json:"liqPx"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/account/positions?instId="+instID, nil, &data); err != nil {
		return nil, fmt.Errorf("get positions %s: %w", instID, err)
	}

	positions := make([]Position, 0, len(data))
	for _, raw := range data {
		p := Position{
			InstID:  raw.InstID,
			PosSide: raw.PosSide,
			MgnMode: raw.MgnMode,
		}
		p.Pos = parseDecimal(raw.Pos)
		p.AvgPx = parseDecimal(raw.AvgPx)
		p.Lever = parseDecimal(raw.Lever)
		p.NotionalUSD = parseDecimal(raw.NotionalUsd)
		p.LiqPx = parseDecimal(raw.LiqPx)
		if p.Pos.IsZero() {
			continue
		}
		positions = append(positions, p)
	}

	return positions, nil
}

// SetLeverage configures leverage for an instrument side.
func (c *Client) SetLeverage(ctx context.Context, instID string, lever int, mgnMode, posSide string) error {
	body := map[string]string{
		"instId":  instID,
		"lever":   fmt.Sprintf("%d", lever),
		"mgnMode": mgnMode,
	}
	if posSide != "" {
		body["posSide"] = posSide
	}

	var data []struct {
		InstID string `json:"instId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v5/account/set-leverage", body, &data); err != nil {
		return fmt.Errorf("set leverage %s %dx: %w", instID, lever, err)
	}

	return nil
}

// SubmitOrder places one order. Venue-side rejections surface as ErrRejected
// with the venue's reason verbatim; they are never retried here.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	var data []OrderResult
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", req, &data); err != nil {
		return nil, fmt.Errorf("submit order %s: %w", req.InstID, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("submit order %s: empty response", req.InstID)
	}

	res := data[0]
	if res.SCode != "" && res.SCode != "0" {
		return &res, fmt.Errorf("%w: %s (code %s)", ErrRejected, res.SMsg, res.SCode)
	}

	c.logger.Info("order submitted",
		zap.String("instId", req.InstID),
		zap.String("side", req.Side),
		zap.String("posSide", req.PosSide),
		zap.String("sz", req.Sz),
		zap.Bool("reduceOnly", req.ReduceOnly),
		zap.String("ordId", res.OrdID),
	)

	return &res, nil
}

// do performs one signed request against the OKX REST API, honoring the
// client-side rate limit before dialing.
func (c *Client) do(ctx context.Context, method, path string, body any, dest any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	ts := c.now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", c.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", c.sign(ts, method, path, string(payload)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.passphrase)
	if c.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("rate limited (429): %s", truncate(string(raw), 128))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(raw), 256))
	}

	var envelope struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Code != "0" {
		// Surface per-item detail for order endpoints when present.
		if dest != nil && len(envelope.Data) > 0 {
			_ = json.Unmarshal(envelope.Data, dest)
		}
		return fmt.Errorf("api error %s: %s", envelope.Code, envelope.Msg)
	}

	if dest != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, dest); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}

	return nil
}

// sign builds the OK-ACCESS-SIGN header: base64(HMAC-SHA256(ts+method+path+body)).
func (c *Client) sign(ts, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(ts + strings.ToUpper(method) + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
