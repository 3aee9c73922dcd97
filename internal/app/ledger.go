package app

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LotStatus is the lifecycle state of a purchase lot. It only moves forward.
type LotStatus string

const (
	LotOpen            LotStatus = "OPEN"
	LotPartiallyClosed LotStatus = "PARTIALLY_CLOSED"
	LotClosedProfit    LotStatus = "CLOSED_PROFIT"
	LotClosedLoss      LotStatus = "CLOSED_LOSS"
)

// Sale is one matched consumption of a lot. Immutable once appended.
type Sale struct {
	LotID          string     `json:"lot_id"`
	Asset          string     `json:"asset"`
	Date           time.Time  `json:"date"`
	Units          float64    `json:"units"`
	AmountUSD      float64    `json:"amount_usd"`
	RealizedPnLUSD float64    `json:"realized_pnl_usd"`
	RealizedPnLPct *float64   `json:"realized_pnl_pct"` // nil when cost basis unknown
}

// Lot is one purchase batch of a non-stable asset, consumed FIFO by sales.
type Lot struct {
	ID               string    `json:"id"`
	Asset            string    `json:"asset"`
	AssetID          string    `json:"asset_id"`
	OpenDate         time.Time `json:"open_date"`
	CostPerUnit      *float64  `json:"cost_per_unit"` // nil when unit quantity was unknown
	Units            float64   `json:"units"`
	UnitsRemaining   float64   `json:"units_remaining"`
	CostUSD          float64   `json:"cost_usd"`
	CostRemainingUSD float64   `json:"cost_remaining_usd"`
	Sales            []Sale    `json:"sales"`
	Status           LotStatus `json:"status"`
	Seed             bool      `json:"seed"` // synthesized for a sale with no purchase history

	// Mark-to-market, nil when no price was resolvable.
	MarkPrice        *float64 `json:"mark_price"`
	UnrealizedPnLUSD *float64 `json:"unrealized_pnl_usd"`
	UnrealizedPnLPct *float64 `json:"unrealized_pnl_pct"`
}

// ChartPoint is one step of the cumulative realized PnL series.
type ChartPoint struct {
	Date          time.Time `json:"date"`
	CumulativeUSD float64   `json:"cumulative_usd"`
	MarkToMarket  bool      `json:"mark_to_market"` // synthetic live point, not a sale
}

// LedgerSummary aggregates one analysis pass.
type LedgerSummary struct {
	TotalTrades  int     `json:"total_trades"`
	WinCount     int     `json:"win_count"`
	LossCount    int     `json:"loss_count"`
	WinRate      float64 `json:"win_rate"` // 0-1 over closed sales
	AvgTradeSize float64 `json:"avg_trade_size_usd"`
}

// LedgerResult is the full output of one analysis pass over a wallet's
// normalized trades. Rebuilt from scratch each cycle.
type LedgerResult struct {
	Trades           []NormalizedTrade `json:"trades"`
	Lots             []*Lot            `json:"lots"`
	Sales            []Sale            `json:"sales"`
	RealizedPnLUSD   float64           `json:"realized_pnl_usd"`
	UnrealizedPnLUSD *float64          `json:"unrealized_pnl_usd"` // nil when no open lot was priceable
	UnpricedLots     int               `json:"unpriced_lots"`
	Chart            []ChartPoint      `json:"chart"`
	Summary          LedgerSummary     `json:"summary"`
}

// PriceSource resolves a current price for an open lot, in preference order:
// by symbol, by provider asset id, then a secondary source. A false return
// means unpriceable, never zero.
type PriceSource interface {
	PriceBySymbol(ctx context.Context, symbol string) (float64, bool)
	PriceByID(ctx context.Context, assetID string) (float64, bool)
	FallbackPrice(ctx context.Context, symbol string) (float64, bool)
}

// Ledger matches sales against purchase lots oldest-first per asset and
// computes realized and unrealized PnL. One instance is safe for concurrent
// use; each Build call works on its own state.
type Ledger struct {
	logger *zap.Logger
	prices PriceSource
	now    func() time.Time
}

func NewLedger(logger *zap.Logger, prices PriceSource) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		logger: logger.Named("ledger"),
		prices: prices,
		now:    time.Now,
	}
}

// Build runs one full analysis pass. Input must be oldest-first; the
// normalizer guarantees that.
func (l *Ledger) Build(ctx context.Context, trades []NormalizedTrade) *LedgerResult {
	res := &LedgerResult{Trades: trades}
	lotsByAsset := make(map[string][]*Lot)

	for _, tr := range trades {
		if IsStablecoin(tr.Asset) {
			continue
		}
		switch tr.Action {
		case ActionBuy:
			lot := l.openLot(tr)
			lotsByAsset[tr.Asset] = append(lotsByAsset[tr.Asset], lot)
			res.Lots = append(res.Lots, lot)
		case ActionSell:
			sales := l.matchSale(tr, lotsByAsset, res)
			res.Sales = append(res.Sales, sales...)
		}
	}

	for _, s := range res.Sales {
		res.RealizedPnLUSD += s.RealizedPnLUSD
	}

	l.markToMarket(ctx, res)
	res.Chart = l.buildChart(res)
	res.Summary = buildSummary(res)

	return res
}

func (l *Ledger) openLot(tr NormalizedTrade) *Lot {
	lot := &Lot{
		ID:               uuid.NewString(),
		Asset:            tr.Asset,
		AssetID:          tr.AssetID,
		OpenDate:         tr.Timestamp,
		Units:            tr.Units,
		UnitsRemaining:   tr.Units,
		CostUSD:          tr.ValueUSD,
		CostRemainingUSD: tr.ValueUSD,
		Status:           LotOpen,
	}
	if tr.Units > 0 {
		cpu := tr.ValueUSD / tr.Units
		lot.CostPerUnit = &cpu
	}
	return lot
}

// matchSale consumes open lots of the sale's asset oldest-first. When no lot
// can absorb the remainder, a zero-PnL seed lot is synthesized at the sale
// date so matching never fails on missing history.
func (l *Ledger) matchSale(tr NormalizedTrade, lotsByAsset map[string][]*Lot, res *LedgerResult) []Sale {
	var out []Sale

	if tr.Units > 0 {
		out = l.matchByUnits(tr, lotsByAsset, res)
	} else {
		out = l.matchByValue(tr, lotsByAsset, res)
	}
	return out
}

func (l *Ledger) matchByUnits(tr NormalizedTrade, lotsByAsset map[string][]*Lot, res *LedgerResult) []Sale {
	var out []Sale
	remaining := tr.Units
	totalUnits := tr.Units

	for remaining > 0 {
		lot := firstOpenLot(lotsByAsset[tr.Asset])
		if lot == nil {
			lot = l.seedLot(tr, remaining, totalUnits)
			lotsByAsset[tr.Asset] = append(lotsByAsset[tr.Asset], lot)
			res.Lots = append(res.Lots, lot)
		}

		consumed := math.Min(lot.UnitsRemaining, remaining)

		var costShare float64
		switch {
		case lot.CostPerUnit != nil:
			costShare = consumed * *lot.CostPerUnit
		case lot.UnitsRemaining > 0:
			// Unknown unit cost: allocate the lot's remaining cost by the
			// fraction of its units this sale absorbs.
			costShare = lot.CostRemainingUSD * consumed / lot.UnitsRemaining
		default:
			// Lot bought with an unknown unit quantity: it absorbs the rest
			// of the sale along with its entire remaining cost basis.
			consumed = remaining
			costShare = lot.CostRemainingUSD
		}
		proceeds := tr.ValueUSD * consumed / totalUnits

		sale := Sale{
			LotID:          lot.ID,
			Asset:          tr.Asset,
			Date:           tr.Timestamp,
			Units:          consumed,
			AmountUSD:      proceeds,
			RealizedPnLUSD: proceeds - costShare,
		}
		if costShare > 0 {
			pct := sale.RealizedPnLUSD / costShare * 100
			sale.RealizedPnLPct = &pct
		}
		if lot.Seed {
			sale.RealizedPnLUSD = 0
			sale.RealizedPnLPct = nil
		}

		l.applySale(lot, sale, costShare)
		out = append(out, sale)
		remaining = floorEpsilon(remaining - consumed)
	}

	return out
}

// matchByValue handles sales whose unit quantity is unknown: lots are
// consumed by USD cost basis at par, which keeps totals deterministic but
// realizes no gain or loss for the unknown quantity.
func (l *Ledger) matchByValue(tr NormalizedTrade, lotsByAsset map[string][]*Lot, res *LedgerResult) []Sale {
	var out []Sale
	remainingUSD := tr.ValueUSD

	for remainingUSD > 0 {
		lot := firstOpenLot(lotsByAsset[tr.Asset])
		if lot == nil {
			lot = l.seedLotByValue(tr, remainingUSD)
			lotsByAsset[tr.Asset] = append(lotsByAsset[tr.Asset], lot)
			res.Lots = append(res.Lots, lot)
		}

		costShare := math.Min(lot.CostRemainingUSD, remainingUSD)
		if costShare <= 0 {
			costShare = remainingUSD
		}

		var unitsConsumed float64
		if lot.CostRemainingUSD > 0 {
			unitsConsumed = lot.UnitsRemaining * costShare / lot.CostRemainingUSD
		} else {
			unitsConsumed = lot.UnitsRemaining
		}

		sale := Sale{
			LotID:          lot.ID,
			Asset:          tr.Asset,
			Date:           tr.Timestamp,
			Units:          unitsConsumed,
			AmountUSD:      costShare,
			RealizedPnLUSD: 0,
		}

		l.applySale(lot, sale, costShare)
		out = append(out, sale)
		remainingUSD = floorEpsilon(remainingUSD - costShare)
	}

	return out
}

// applySale appends the sale to its lot, consumes units and cost, and steps
// the status machine forward.
func (l *Ledger) applySale(lot *Lot, sale Sale, costShare float64) {
	lot.Sales = append(lot.Sales, sale)
	lot.UnitsRemaining = floorEpsilon(lot.UnitsRemaining - sale.Units)
	lot.CostRemainingUSD = floorEpsilon(lot.CostRemainingUSD - costShare)
	if lot.UnitsRemaining < 0 {
		lot.UnitsRemaining = 0
	}
	if lot.CostRemainingUSD < 0 {
		lot.CostRemainingUSD = 0
	}

	if lot.UnitsRemaining > 0 || (lot.CostPerUnit == nil && lot.CostRemainingUSD > 0) {
		lot.Status = LotPartiallyClosed
		return
	}
	if sale.RealizedPnLUSD < 0 {
		lot.Status = LotClosedLoss
	} else {
		lot.Status = LotClosedProfit
	}
}

func (l *Ledger) seedLot(tr NormalizedTrade, units, totalUnits float64) *Lot {
	// Cost equals the proceeds share so the seed realizes exactly zero.
	cost := tr.ValueUSD * units / totalUnits
	return &Lot{
		ID:               uuid.NewString(),
		Asset:            tr.Asset,
		AssetID:          tr.AssetID,
		OpenDate:         tr.Timestamp,
		Units:            units,
		UnitsRemaining:   units,
		CostUSD:          cost,
		CostRemainingUSD: cost,
		Status:           LotOpen,
		Seed:             true,
	}
}

func (l *Ledger) seedLotByValue(tr NormalizedTrade, valueUSD float64) *Lot {
	return &Lot{
		ID:               uuid.NewString(),
		Asset:            tr.Asset,
		AssetID:          tr.AssetID,
		OpenDate:         tr.Timestamp,
		CostUSD:          valueUSD,
		CostRemainingUSD: valueUSD,
		Status:           LotOpen,
		Seed:             true,
	}
}

// firstOpenLot returns the oldest lot with anything left to consume. A lot
// opened with an unknown unit quantity has zero units but a live cost basis;
// it still counts as open until a sale drains that cost.
func firstOpenLot(lots []*Lot) *Lot {
	for _, lot := range lots {
		if lot.UnitsRemaining > 0 {
			return lot
		}
		if lot.CostPerUnit == nil && lot.CostRemainingUSD > 0 {
			return lot
		}
	}
	return nil
}

// markToMarket prices open lots: symbol lookup first, then provider asset id,
// then the secondary source. Lots with no resolvable price keep nil
// unrealized fields so "unpriceable" never reads as "flat".
func (l *Ledger) markToMarket(ctx context.Context, res *LedgerResult) {
	var total float64
	priced := false

	for _, lot := range res.Lots {
		if lot.UnitsRemaining <= 0 {
			continue
		}

		price, ok := l.resolvePrice(ctx, lot)
		if !ok {
			res.UnpricedLots++
			continue
		}

		mark := price
		unrealized := lot.UnitsRemaining*price - lot.CostRemainingUSD
		lot.MarkPrice = &mark
		lot.UnrealizedPnLUSD = &unrealized
		if lot.CostRemainingUSD > 0 {
			pct := unrealized / lot.CostRemainingUSD * 100
			lot.UnrealizedPnLPct = &pct
		}

		total += unrealized
		priced = true
	}

	if priced {
		res.UnrealizedPnLUSD = &total
	}
}

func (l *Ledger) resolvePrice(ctx context.Context, lot *Lot) (float64, bool) {
	if l.prices == nil {
		return 0, false
	}
	if price, ok := l.prices.PriceBySymbol(ctx, lot.Asset); ok && price > 0 {
		return price, true
	}
	if lot.AssetID != "" {
		if price, ok := l.prices.PriceByID(ctx, lot.AssetID); ok && price > 0 {
			return price, true
		}
	}
	if price, ok := l.prices.FallbackPrice(ctx, lot.Asset); ok && price > 0 {
		return price, true
	}
	return 0, false
}

// buildChart walks sales oldest to newest, one point per sale date, then
// appends a live mark-to-market point when it moves the needle.
func (l *Ledger) buildChart(res *LedgerResult) []ChartPoint {
	if len(res.Sales) == 0 && res.UnrealizedPnLUSD == nil {
		return nil
	}

	sales := make([]Sale, len(res.Sales))
	copy(sales, res.Sales)
	sort.SliceStable(sales, func(i, j int) bool {
		return sales[i].Date.Before(sales[j].Date)
	})

	var chart []ChartPoint
	var cumulative float64
	for _, s := range sales {
		cumulative += s.RealizedPnLUSD
		day := s.Date.UTC().Truncate(24 * time.Hour)
		if len(chart) > 0 && chart[len(chart)-1].Date.Equal(day) {
			chart[len(chart)-1].CumulativeUSD = cumulative
			continue
		}
		chart = append(chart, ChartPoint{Date: day, CumulativeUSD: cumulative})
	}

	if res.UnrealizedPnLUSD != nil {
		live := res.RealizedPnLUSD + *res.UnrealizedPnLUSD
		if len(chart) == 0 || math.Abs(live-chart[len(chart)-1].CumulativeUSD) > 0.01 {
			chart = append(chart, ChartPoint{
				Date:          l.now().UTC(),
				CumulativeUSD: live,
				MarkToMarket:  true,
			})
		}
	}

	return chart
}

func buildSummary(res *LedgerResult) LedgerSummary {
	s := LedgerSummary{TotalTrades: len(res.Trades)}

	var totalSize float64
	for _, tr := range res.Trades {
		totalSize += tr.ValueUSD
	}
	if len(res.Trades) > 0 {
		s.AvgTradeSize = totalSize / float64(len(res.Trades))
	}

	for _, sale := range res.Sales {
		if sale.RealizedPnLUSD > 0 {
			s.WinCount++
		} else if sale.RealizedPnLUSD < 0 {
			s.LossCount++
		}
	}
	if s.WinCount+s.LossCount > 0 {
		s.WinRate = float64(s.WinCount) / float64(s.WinCount+s.LossCount)
	}

	return s
}
