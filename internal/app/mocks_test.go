package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"mirrorbot/clients/notifier"
	"mirrorbot/clients/okx"
	"mirrorbot/clients/walletdata"

	"github.com/shopspring/decimal"
)

// mockProvider implements ActivityProvider with canned data.
type mockProvider struct {
	transfers      []walletdata.Transfer
	currentValue   float64
	dateValues     map[string]float64 // dateKey -> portfolio value
	symbolPrices   map[string]float64
	idPrices       map[string]float64
	fallbackPrices map[string]float64

	mu            sync.Mutex
	transferCalls int
	symbolCalls   int
}

func (m *mockProvider) ListTransfers(_ context.Context, _ string, _ int) ([]walletdata.Transfer, error) {
	m.mu.Lock()
	m.transferCalls++
	m.mu.Unlock()
	return m.transfers, nil
}

func (m *mockProvider) CurrentPortfolioValue(_ context.Context, _ string) (float64, error) {
	return m.currentValue, nil
}

func (m *mockProvider) PortfolioValueAtDate(_ context.Context, _ string, date time.Time) (float64, error) {
	if v, ok := m.dateValues[dateKey(date)]; ok {
		return v, nil
	}
	return m.currentValue, nil
}

func (m *mockProvider) PricesBySymbol(_ context.Context, symbols []string) (map[string]float64, error) {
	m.mu.Lock()
	m.symbolCalls++
	m.mu.Unlock()
	out := make(map[string]float64)
	for _, s := range symbols {
		if p, ok := m.symbolPrices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func (m *mockProvider) PricesByID(_ context.Context, ids []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, id := range ids {
		if p, ok := m.idPrices[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *mockProvider) FallbackPrice(_ context.Context, symbol string) (float64, error) {
	if p, ok := m.fallbackPrices[symbol]; ok {
		return p, nil
	}
	return 0, nil
}

// mockExchange implements ExchangeAPI. Submitted orders are captured for
// inspection.
type mockExchange struct {
	balance     decimal.Decimal
	instruments map[string]*okx.Instrument
	tickers     map[string]decimal.Decimal
	positions   map[string][]okx.Position

	balanceErr error
	submitErr  error

	mu       sync.Mutex
	orders   []okx.OrderRequest
	levCalls []string
}

func (m *mockExchange) GetBalance(_ context.Context) (decimal.Decimal, error) {
	if m.balanceErr != nil {
		return decimal.Zero, m.balanceErr
	}
	return m.balance, nil
}

func (m *mockExchange) GetInstrument(_ context.Context, instID string) (*okx.Instrument, error) {
	inst, ok := m.instruments[instID]
	if !ok {
		return nil, okx.ErrInstrumentNotFound
	}
	return inst, nil
}

func (m *mockExchange) GetTicker(_ context.Context, instID string) (*okx.Ticker, error) {
	last, ok := m.tickers[instID]
	if !ok || last.IsZero() {
		return nil, okx.ErrPriceUnavailable
	}
	return &okx.Ticker{InstID: instID, Last: last}, nil
}

func (m *mockExchange) GetPositions(_ context.Context, instID string) ([]okx.Position, error) {
	return m.positions[instID], nil
}

func (m *mockExchange) SetLeverage(_ context.Context, instID string, lever int, mgnMode, posSide string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levCalls = append(m.levCalls, instID)
	return nil
}

func (m *mockExchange) SubmitOrder(_ context.Context, req okx.OrderRequest) (*okx.OrderResult, error) {
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, req)
	return &okx.OrderResult{OrdID: "ord-1", SCode: "0"}, nil
}

func (m *mockExchange) submitted() []okx.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]okx.OrderRequest, len(m.orders))
	copy(out, m.orders)
	return out
}

// mockNotifier captures events.
type mockNotifier struct {
	mu     sync.Mutex
	events []notifier.Event
}

func (m *mockNotifier) Send(event notifier.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockNotifier) Close() error { return nil }

func (m *mockNotifier) captured() []notifier.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notifier.Event, len(m.events))
	copy(out, m.events)
	return out
}

var errBoom = errors.New("boom")
