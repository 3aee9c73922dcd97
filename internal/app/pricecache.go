package app

import (
	"context"
	"sync"
	"time"

	"mirrorbot/clients/walletdata"

	"go.uber.org/zap"
)

// ActivityProvider is the slice of the wallet data client the analysis
// pipeline consumes. Satisfied by *walletdata.Client; mocked in tests.
type ActivityProvider interface {
	ListTransfers(ctx context.Context, address string, limit int) ([]walletdata.Transfer, error)
	CurrentPortfolioValue(ctx context.Context, address string) (float64, error)
	PortfolioValueAtDate(ctx context.Context, address string, date time.Time) (float64, error)
	PricesBySymbol(ctx context.Context, symbols []string) (map[string]float64, error)
	PricesByID(ctx context.Context, ids []string) (map[string]float64, error)
	FallbackPrice(ctx context.Context, symbol string) (float64, error)
}

type cachedValue struct {
	Value     float64
	Found     bool
	FetchedAt time.Time
}

// PriceCache fronts the activity provider with short TTL caches so repeated
// lot pricing and per-date portfolio lookups inside one scan tick don't fan
// out into hundreds of provider calls. The clock is injectable for tests.
// Implements PriceSource.
type PriceCache struct {
	logger   *zap.Logger
	provider ActivityProvider

	priceTTL     time.Duration
	portfolioTTL time.Duration
	now          func() time.Time

	symbols    *ttlMap // key: normalized symbol
	ids        *ttlMap // key: provider asset id
	fallbacks  *ttlMap // key: normalized symbol
	portfolios *ttlMap // key: wallet + "|" + date ("now" for current)
}

func NewPriceCache(logger *zap.Logger, provider ActivityProvider, priceTTL, portfolioTTL time.Duration) *PriceCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if priceTTL <= 0 {
		priceTTL = 30 * time.Second
	}
	if portfolioTTL <= 0 {
		portfolioTTL = 5 * time.Minute
	}

	now := time.Now
	return &PriceCache{
		logger:       logger.Named("pricecache"),
		provider:     provider,
		priceTTL:     priceTTL,
		portfolioTTL: portfolioTTL,
		now:          now,
		symbols:      newTTLMap(),
		ids:          newTTLMap(),
		fallbacks:    newTTLMap(),
		portfolios:   newTTLMap(),
	}
}

// SetClock replaces the cache clock. Test hook.
func (p *PriceCache) SetClock(now func() time.Time) {
	p.now = now
	p.symbols.now = now
	p.ids.now = now
	p.fallbacks.now = now
	p.portfolios.now = now
}

// PriceBySymbol implements PriceSource.
func (p *PriceCache) PriceBySymbol(ctx context.Context, symbol string) (float64, bool) {
	key := NormalizeSymbol(symbol)
	if v, ok := p.symbols.get(key, p.priceTTL); ok {
		return v.Value, v.Found
	}

	prices, err := p.provider.PricesBySymbol(ctx, []string{key})
	if err != nil {
		p.logger.Debug("symbol price lookup failed", zap.String("symbol", key), zap.Error(err))
		return p.symbols.stale(key)
	}

	price, found := prices[key]
	p.symbols.put(key, price, found && price > 0)
	return price, found && price > 0
}

// PriceByID implements PriceSource.
func (p *PriceCache) PriceByID(ctx context.Context, assetID string) (float64, bool) {
	if assetID == "" {
		return 0, false
	}
	if v, ok := p.ids.get(assetID, p.priceTTL); ok {
		return v.Value, v.Found
	}

	prices, err := p.provider.PricesByID(ctx, []string{assetID})
	if err != nil {
		p.logger.Debug("asset id price lookup failed", zap.String("id", assetID), zap.Error(err))
		return p.ids.stale(assetID)
	}

	price, found := prices[assetID]
	p.ids.put(assetID, price, found && price > 0)
	return price, found && price > 0
}

// FallbackPrice implements PriceSource.
func (p *PriceCache) FallbackPrice(ctx context.Context, symbol string) (float64, bool) {
	key := NormalizeSymbol(symbol)
	if v, ok := p.fallbacks.get(key, p.priceTTL); ok {
		return v.Value, v.Found
	}

	price, err := p.provider.FallbackPrice(ctx, key)
	if err != nil {
		p.logger.Debug("fallback price lookup failed", zap.String("symbol", key), zap.Error(err))
		return p.fallbacks.stale(key)
	}

	p.fallbacks.put(key, price, price > 0)
	return price, price > 0
}

// CurrentPortfolioValue returns the wallet's live total value, cached.
func (p *PriceCache) CurrentPortfolioValue(ctx context.Context, wallet string) (float64, bool) {
	return p.portfolio(ctx, wallet, time.Time{})
}

// PortfolioValueAtDate returns the wallet's total value on a calendar day,
// cached per (wallet, date).
func (p *PriceCache) PortfolioValueAtDate(ctx context.Context, wallet string, date time.Time) (float64, bool) {
	return p.portfolio(ctx, wallet, date)
}

func (p *PriceCache) portfolio(ctx context.Context, wallet string, date time.Time) (float64, bool) {
	key := wallet + "|now"
	if !date.IsZero() {
		key = wallet + "|" + dateKey(date)
	}
	if v, ok := p.portfolios.get(key, p.portfolioTTL); ok {
		return v.Value, v.Found
	}

	var value float64
	var err error
	if date.IsZero() {
		value, err = p.provider.CurrentPortfolioValue(ctx, wallet)
	} else {
		value, err = p.provider.PortfolioValueAtDate(ctx, wallet, date)
	}
	if err != nil {
		p.logger.Debug("portfolio lookup failed",
			zap.String("wallet", shortAddr(wallet)),
			zap.Error(err),
		)
		return p.portfolios.stale(key)
	}

	p.portfolios.put(key, value, value > 0)
	return value, value > 0
}

// ttlMap is a small mutex-guarded cache with per-read TTL checks. Entries
// past their TTL are returned only as a stale fallback when the refresh
// errored.
type ttlMap struct {
	mu      sync.Mutex
	entries map[string]cachedValue
	now     func() time.Time
}

func newTTLMap() *ttlMap {
	return &ttlMap{
		entries: make(map[string]cachedValue),
		now:     time.Now,
	}
}

func (m *ttlMap) get(key string, ttl time.Duration) (cachedValue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	if !ok {
		return cachedValue{}, false
	}
	if m.now().Sub(v.FetchedAt) > ttl {
		return cachedValue{}, false
	}
	return v, true
}

// stale serves the last known value regardless of age; used when a refresh
// fails so a flaky provider degrades rather than blanks out.
func (m *ttlMap) stale(key string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	if !ok {
		return 0, false
	}
	return v.Value, v.Found
}

func (m *ttlMap) put(key string, value float64, found bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = cachedValue{Value: value, Found: found, FetchedAt: m.now()}
}
