package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mirrorbot/config"

	"github.com/shopspring/decimal"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	cfg := config.Defaults()
	cfg.OKX.BaseURL = srv.URL
	cfg.OKX.APIKey = "api-key"
	cfg.OKX.SecretKey = "secret-key"
	cfg.OKX.Passphrase = "passphrase"
	cfg.OKX.RequestsPerSec = 1000 // keep tests from sleeping
	return NewClient(nil, cfg), srv
}

func okEnvelope(data string) string {
	return `{"code":"0","msg":"","data":` + data + `}`
}

func TestGetBalance(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/account/balance" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(okEnvelope(`[{"details":[
			{"ccy":"BTC","eq":"0.5"},
			{"ccy":"USDT","eq":"1234.56"}
		]}]`)))
	}))
	defer srv.Close()

	bal, err := c.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("1234.56")) {
		t.Errorf("unexpected balance: %s", bal)
	}
}

func TestGetBalanceNoUSDT(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(okEnvelope(`[{"details":[{"ccy":"BTC","eq":"0.5"}]}]`)))
	}))
	defer srv.Close()

	bal, err := c.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bal.IsZero() {
		t.Errorf("expected zero balance, got %s", bal)
	}
}

func TestGetInstrumentSwap(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("instType") != "SWAP" {
			t.Errorf("expected SWAP instType, got %s", q.Get("instType"))
		}
		if q.Get("instId") != "ETH-USDT-SWAP" {
			t.Errorf("unexpected instId: %s", q.Get("instId"))
		}
		w.Write([]byte(okEnvelope(`[{
			"instId":"ETH-USDT-SWAP","instType":"SWAP",
			"ctVal":"0.01","lotSz":"1","minSz":"1","state":"live"
		}]`)))
	}))
	defer srv.Close()

	inst, err := c.GetInstrument(context.Background(), "ETH-USDT-SWAP")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inst.CtVal.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("unexpected ctVal: %s", inst.CtVal)
	}
	if !inst.LotSz.Equal(decimal.NewFromInt(1)) || !inst.MinSz.Equal(decimal.NewFromInt(1)) {
		t.Errorf("unexpected lot/min size: %s / %s", inst.LotSz, inst.MinSz)
	}
}

func TestGetInstrumentSpotType(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("instType"); got != "SPOT" {
			t.Errorf("expected SPOT instType for non-swap id, got %s", got)
		}
		w.Write([]byte(okEnvelope(`[{
			"instId":"PEPE-USDT","instType":"SPOT",
			"baseCcy":"PEPE","quoteCcy":"USDT",
			"lotSz":"0.000001","minSz":"1","state":"live"
		}]`)))
	}))
	defer srv.Close()

	inst, err := c.GetInstrument(context.Background(), "PEPE-USDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.BaseCcy != "PEPE" || inst.QuoteCcy != "USDT" {
		t.Errorf("unexpected currencies: %s/%s", inst.BaseCcy, inst.QuoteCcy)
	}
}

func TestGetInstrumentNotFound(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(okEnvelope(`[]`)))
	}))
	defer srv.Close()

	_, err := c.GetInstrument(context.Background(), "NOPE-USDT-SWAP")
	if !errors.Is(err, ErrInstrumentNotFound) {
		t.Errorf("expected ErrInstrumentNotFound, got %v", err)
	}
}

func TestGetTicker(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(okEnvelope(`[{"instId":"ETH-USDT-SWAP","last":"2000.5"}]`)))
	}))
	defer srv.Close()

	tick, err := c.GetTicker(context.Background(), "ETH-USDT-SWAP")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tick.Last.Equal(decimal.RequireFromString("2000.5")) {
		t.Errorf("unexpected last: %s", tick.Last)
	}
}

func TestGetTickerZeroPrice(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(okEnvelope(`[{"instId":"ETH-USDT-SWAP","last":"0"}]`)))
	}))
	defer srv.Close()

	if _, err := c.GetTicker(context.Background(), "ETH-USDT-SWAP"); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestGetPositionsSkipsZero(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(okEnvelope(`[
			{"instId":"ETH-USDT-SWAP","posSide":"long","pos":"5","avgPx":"2000",
			 "lever":"3","mgnMode":"cross","notionalUsd":"100","liqPx":"1400"},
			{"instId":"ETH-USDT-SWAP","posSide":"short","pos":"0"}
		]`)))
	}))
	defer srv.Close()

	positions, err := c.GetPositions(context.Background(), "ETH-USDT-SWAP")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected zero-size positions dropped, got %d", len(positions))
	}
	p := positions[0]
	if p.PosSide != PosSideLong || !p.LiqPx.Equal(decimal.NewFromInt(1400)) {
		t.Errorf("unexpected position: %+v", p)
	}
}

func TestSubmitOrderRejected(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(okEnvelope(`[{"ordId":"","sCode":"51008","sMsg":"Insufficient balance"}]`)))
	}))
	defer srv.Close()

	res, err := c.SubmitOrder(context.Background(), OrderRequest{
		InstID: "ETH-USDT-SWAP", TdMode: TdModeCross,
		Side: SideBuy, PosSide: PosSideLong, OrdType: OrdTypeMarket, Sz: "1",
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if res == nil || res.SCode != "51008" {
		t.Errorf("rejection detail must be returned, got %+v", res)
	}
}

func TestSubmitOrderAccepted(t *testing.T) {
	var gotBody string
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Write([]byte(okEnvelope(`[{"ordId":"12345","sCode":"0","sMsg":""}]`)))
	}))
	defer srv.Close()

	res, err := c.SubmitOrder(context.Background(), OrderRequest{
		InstID: "ETH-USDT-SWAP", TdMode: TdModeCross,
		Side: SideSell, PosSide: PosSideLong, OrdType: OrdTypeMarket,
		Sz: "5", ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OrdID != "12345" {
		t.Errorf("unexpected order id: %s", res.OrdID)
	}
	for _, want := range []string{`"instId":"ETH-USDT-SWAP"`, `"side":"sell"`, `"posSide":"long"`, `"reduceOnly":true`} {
		if !strings.Contains(gotBody, want) {
			t.Errorf("request body missing %s: %s", want, gotBody)
		}
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"50011","msg":"Invalid Sign","data":[]}`))
	}))
	defer srv.Close()

	if _, err := c.GetBalance(context.Background()); err == nil {
		t.Fatal("expected an error for non-zero envelope code")
	}
}

func TestRequestSigning(t *testing.T) {
	frozen := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	var headers http.Header
	var gotPath string
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		gotPath = r.URL.RequestURI()
		w.Write([]byte(okEnvelope(`[]`)))
	}))
	defer srv.Close()
	c.now = func() time.Time { return frozen }

	if _, err := c.GetBalance(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ts := headers.Get("OK-ACCESS-TIMESTAMP")
	if ts != "2026-01-15T12:00:00.000Z" {
		t.Errorf("unexpected timestamp: %s", ts)
	}
	if headers.Get("OK-ACCESS-KEY") != "api-key" {
		t.Errorf("unexpected api key header: %s", headers.Get("OK-ACCESS-KEY"))
	}
	if headers.Get("OK-ACCESS-PASSPHRASE") != "passphrase" {
		t.Errorf("unexpected passphrase header: %s", headers.Get("OK-ACCESS-PASSPHRASE"))
	}
	if headers.Get("x-simulated-trading") != "" {
		t.Error("simulated header must be absent when simulated=false")
	}

	mac := hmac.New(sha256.New, []byte("secret-key"))
	mac.Write([]byte(ts + "GET" + gotPath))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if got := headers.Get("OK-ACCESS-SIGN"); got != want {
		t.Errorf("signature mismatch: got %s want %s", got, want)
	}
}

func TestSimulatedHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("x-simulated-trading")
		w.Write([]byte(okEnvelope(`[]`)))
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.OKX.BaseURL = srv.URL
	cfg.OKX.Simulated = true
	cfg.OKX.RequestsPerSec = 1000
	c := NewClient(nil, cfg)

	if _, err := c.GetBalance(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "1" {
		t.Errorf("expected simulated trading header, got %q", got)
	}
}
