package walletdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mirrorbot/config"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	cfg := config.Defaults()
	cfg.Provider.BaseURL = srv.URL
	cfg.Provider.APIKey = "test-key"
	return NewClient(nil, cfg), srv
}

func TestListTransfers(t *testing.T) {
	var gotPath, gotAuth, gotLimit string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"transfers":[
			{"timestamp":1767225600,"kind":"Trade",
			 "in":{"symbol":"ETH","asset_id":"eth-1","units":1.5,"value_usd":3000},
			 "out":{"symbol":"USDT","asset_id":"usdt-1","units":3000,"value_usd":3000}},
			{"timestamp":0,"kind":"send",
			 "out":{"symbol":"ETH","units":1,"value_usd":2000},
			 "counterparty":"0xDEAD"}
		]}`))
	})
	c, srv := newTestClient(handler)
	defer srv.Close()

	transfers, err := c.ListTransfers(context.Background(), "0xABC", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/wallets/0xabc/transfers" {
		t.Errorf("unexpected path: %s", gotPath)
	}
	if gotAuth != "Basic test-key" {
		t.Errorf("unexpected auth header: %s", gotAuth)
	}
	if gotLimit != "50" {
		t.Errorf("unexpected limit: %s", gotLimit)
	}

	if len(transfers) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(transfers))
	}

	first := transfers[0]
	if first.Kind != KindTrade {
		t.Errorf("kind must be lowercased, got %s", first.Kind)
	}
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !first.Timestamp.Equal(want) {
		t.Errorf("expected %v, got %v", want, first.Timestamp)
	}
	if first.In.Symbol != "ETH" || first.In.Units != 1.5 || first.In.ValueUSD != 3000 {
		t.Errorf("unexpected in leg: %+v", first.In)
	}

	second := transfers[1]
	if !second.Timestamp.IsZero() {
		t.Errorf("zero unix timestamp must decode as zero time, got %v", second.Timestamp)
	}
	if second.Counterparty != "0xdead" {
		t.Errorf("counterparty must be lowercased, got %s", second.Counterparty)
	}
}

func TestListTransfersEmptyAddress(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made for an empty address")
	}))
	defer srv.Close()

	if _, err := c.ListTransfers(context.Background(), "  ", 10); err == nil {
		t.Fatal("expected an error for empty address")
	}
}

func TestPortfolioValueAtDate(t *testing.T) {
	var gotDate string
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDate = r.URL.Query().Get("date")
		w.Write([]byte(`{"total_value_usd":12345.67}`))
	}))
	defer srv.Close()

	date := time.Date(2026, 3, 15, 18, 30, 0, 0, time.UTC)
	v, err := c.PortfolioValueAtDate(context.Background(), "0xabc", date)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 12345.67 {
		t.Errorf("unexpected value: %f", v)
	}
	if gotDate != "2026-03-15" {
		t.Errorf("expected date-only query param, got %s", gotDate)
	}
}

func TestCurrentPortfolioValueOmitsDate(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("date") {
			t.Error("current value lookup must not send a date")
		}
		w.Write([]byte(`{"total_value_usd":100}`))
	}))
	defer srv.Close()

	if _, err := c.CurrentPortfolioValue(context.Background(), "0xabc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPricesBySymbol(t *testing.T) {
	var gotSymbols string
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prices" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotSymbols = r.URL.Query().Get("symbols")
		w.Write([]byte(`{"prices":{"ETH":2100.5,"BTC":60000}}`))
	}))
	defer srv.Close()

	prices, err := c.PricesBySymbol(context.Background(), []string{"ETH", "BTC", "SCAMCOIN"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotSymbols != "ETH,BTC,SCAMCOIN" {
		t.Errorf("unexpected symbols param: %s", gotSymbols)
	}
	if prices["ETH"] != 2100.5 {
		t.Errorf("unexpected ETH price: %f", prices["ETH"])
	}
	if _, ok := prices["SCAMCOIN"]; ok {
		t.Error("unquoted symbol must be absent from result")
	}
}

func TestPricesEmptyKeysSkipsRequest(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made for empty key set")
	}))
	defer srv.Close()

	prices, err := c.PricesBySymbol(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(prices) != 0 {
		t.Errorf("expected empty map, got %v", prices)
	}
}

func TestFallbackPriceUnconfigured(t *testing.T) {
	cfg := config.Defaults()
	cfg.Provider.FallbackPriceURL = ""
	c := NewClient(nil, cfg)

	p, err := c.FallbackPrice(context.Background(), "eth")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != 0 {
		t.Errorf("expected zero with no fallback source, got %f", p)
	}
}

func TestFallbackPriceUppercasesSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "ETH" {
			t.Errorf("expected uppercase symbol, got %s", got)
		}
		w.Write([]byte(`{"price":2050.25}`))
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Provider.FallbackPriceURL = srv.URL
	c := NewClient(nil, cfg)

	p, err := c.FallbackPrice(context.Background(), "eth")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != 2050.25 {
		t.Errorf("unexpected price: %f", p)
	}
}

func TestDoGetErrorStatus(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if _, err := c.ListTransfers(context.Background(), "0xabc", 10); err == nil {
		t.Fatal("expected an error on non-200 status")
	}
}
