package okx

import (
	"testing"
	"time"

	"mirrorbot/config"

	"github.com/shopspring/decimal"
)

func newTestFeed() *TickerFeed {
	return NewTickerFeed(nil, config.Defaults())
}

func TestHandleMessageUpdatesPrice(t *testing.T) {
	f := newTestFeed()

	f.handleMessage([]byte(`{
		"arg":{"channel":"tickers","instId":"ETH-USDT-SWAP"},
		"data":[{"instId":"ETH-USDT-SWAP","last":"2001.5"}]
	}`))

	price, ok := f.LastPrice("ETH-USDT-SWAP", 0)
	if !ok {
		t.Fatal("expected a cached price")
	}
	if !price.Equal(decimal.RequireFromString("2001.5")) {
		t.Errorf("unexpected price: %s", price)
	}

	stats := f.Stats()
	if stats.Updates != 1 {
		t.Errorf("expected 1 update counted, got %d", stats.Updates)
	}
}

func TestHandleMessageIgnoresOtherChannels(t *testing.T) {
	f := newTestFeed()

	f.handleMessage([]byte(`{
		"arg":{"channel":"books","instId":"ETH-USDT-SWAP"},
		"data":[{"instId":"ETH-USDT-SWAP","last":"2001.5"}]
	}`))

	if _, ok := f.LastPrice("ETH-USDT-SWAP", 0); ok {
		t.Error("non-ticker channels must not update prices")
	}
}

func TestHandleMessageSkipsZeroAndBadPrices(t *testing.T) {
	f := newTestFeed()

	f.handleMessage([]byte(`{
		"arg":{"channel":"tickers","instId":"ETH-USDT-SWAP"},
		"data":[
			{"instId":"ETH-USDT-SWAP","last":"0"},
			{"instId":"BTC-USDT-SWAP","last":"not-a-number"}
		]
	}`))

	if _, ok := f.LastPrice("ETH-USDT-SWAP", 0); ok {
		t.Error("zero prices must be dropped")
	}
	if _, ok := f.LastPrice("BTC-USDT-SWAP", 0); ok {
		t.Error("unparseable prices must be dropped")
	}
}

func TestHandleMessageEventFrames(t *testing.T) {
	f := newTestFeed()

	// Subscription acks and error events carry no data; neither may panic.
	f.handleMessage([]byte(`{"event":"subscribe","arg":{"channel":"tickers","instId":"ETH-USDT-SWAP"}}`))
	f.handleMessage([]byte(`{"event":"error","code":"60012","msg":"Invalid request"}`))
	f.handleMessage([]byte(`not json`))

	if f.Stats().Updates != 0 {
		t.Errorf("event frames must not count as updates, got %d", f.Stats().Updates)
	}
}

func TestLastPriceStaleness(t *testing.T) {
	f := newTestFeed()

	f.pricesMu.Lock()
	f.prices["ETH-USDT-SWAP"] = feedPrice{
		Last:      decimal.NewFromInt(2000),
		UpdatedAt: time.Now().Add(-time.Minute),
	}
	f.pricesMu.Unlock()

	if _, ok := f.LastPrice("ETH-USDT-SWAP", 30*time.Second); ok {
		t.Error("stale prices must not be served under maxAge")
	}
	if _, ok := f.LastPrice("ETH-USDT-SWAP", 2*time.Minute); !ok {
		t.Error("prices within maxAge must be served")
	}
	if _, ok := f.LastPrice("ETH-USDT-SWAP", 0); !ok {
		t.Error("maxAge 0 means no staleness bound")
	}
}

func TestSubscribeNotConnected(t *testing.T) {
	f := newTestFeed()

	if err := f.Subscribe("ETH-USDT-SWAP"); err != nil {
		t.Fatalf("subscribe before connect must queue, got %v", err)
	}
	if err := f.Subscribe("ETH-USDT-SWAP"); err != nil {
		t.Fatalf("duplicate subscribe must be a no-op, got %v", err)
	}

	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	if len(f.subs) != 1 {
		t.Errorf("expected 1 queued subscription, got %d", len(f.subs))
	}
}

func TestStopWithoutStart(t *testing.T) {
	f := newTestFeed()
	f.Stop() // must not panic or block
}
