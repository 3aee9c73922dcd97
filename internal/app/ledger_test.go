package app

import (
	"context"
	"math"
	"testing"
	"time"
)

func testLedger(prices map[string]float64) *Ledger {
	provider := &mockProvider{symbolPrices: prices}
	cache := NewPriceCache(nil, provider, time.Minute, time.Minute)
	return NewLedger(nil, cache)
}

func buy(asset string, ts string, units, usd float64) NormalizedTrade {
	return NormalizedTrade{
		Action: ActionBuy, Asset: asset, Units: units, ValueUSD: usd,
		Timestamp: at(ts), Provenance: ProvenanceDirect,
	}
}

func sell(asset string, ts string, units, usd float64) NormalizedTrade {
	return NormalizedTrade{
		Action: ActionSell, Asset: asset, Units: units, ValueUSD: usd,
		Timestamp: at(ts), Provenance: ProvenanceDirect,
	}
}

func TestEndToEndPartialClose(t *testing.T) {
	// Buy 1.0 ETH for $2000, later sell 0.4 for $900 with ETH marking $2100.
	l := testLedger(map[string]float64{"ETH": 2100})
	res := l.Build(context.Background(), []NormalizedTrade{
		buy("ETH", "2026-01-01T10:00:00Z", 1.0, 2000),
		sell("ETH", "2026-01-05T10:00:00Z", 0.4, 900),
	})

	if len(res.Lots) != 1 {
		t.Fatalf("expected 1 lot, got %d", len(res.Lots))
	}
	lot := res.Lots[0]
	if lot.Status != LotPartiallyClosed {
		t.Errorf("expected PARTIALLY_CLOSED, got %s", lot.Status)
	}
	if len(res.Sales) != 1 {
		t.Fatalf("expected 1 sale, got %d", len(res.Sales))
	}
	if math.Abs(res.Sales[0].RealizedPnLUSD-100) > 1e-9 {
		t.Errorf("expected realized 100, got %f", res.Sales[0].RealizedPnLUSD)
	}
	if math.Abs(res.RealizedPnLUSD-100) > 1e-9 {
		t.Errorf("expected total realized 100, got %f", res.RealizedPnLUSD)
	}

	// 0.6 units remain against a $2100 mark with $1200 cost basis.
	if lot.UnrealizedPnLUSD == nil {
		t.Fatal("expected unrealized PnL to be set")
	}
	want := 0.6*2100 - 1200
	if math.Abs(*lot.UnrealizedPnLUSD-want) > 1e-9 {
		t.Errorf("expected unrealized %f, got %f", want, *lot.UnrealizedPnLUSD)
	}
}

func TestFIFOOrdering(t *testing.T) {
	l := testLedger(nil)
	res := l.Build(context.Background(), []NormalizedTrade{
		buy("ETH", "2026-01-01T10:00:00Z", 1.0, 1000),
		buy("ETH", "2026-01-02T10:00:00Z", 1.0, 2000),
		sell("ETH", "2026-01-03T10:00:00Z", 1.5, 3000),
	})

	if len(res.Lots) != 2 {
		t.Fatalf("expected 2 lots, got %d", len(res.Lots))
	}

	oldest, newest := res.Lots[0], res.Lots[1]
	if oldest.OpenDate.After(newest.OpenDate) {
		oldest, newest = newest, oldest
	}

	// The oldest lot is fully consumed before the newer one is touched.
	if oldest.UnitsRemaining != 0 {
		t.Errorf("oldest lot should be fully consumed, has %f remaining", oldest.UnitsRemaining)
	}
	if math.Abs(newest.UnitsRemaining-0.5) > 1e-9 {
		t.Errorf("newest lot should have 0.5 remaining, has %f", newest.UnitsRemaining)
	}

	// Units consumed across lots must equal the sale size.
	var consumed float64
	for _, s := range res.Sales {
		consumed += s.Units
	}
	if math.Abs(consumed-1.5) > 1e-10 {
		t.Errorf("consumed %f units, expected 1.5", consumed)
	}

	// Sale at $2000/unit: lot 1 cost $1000/unit realizes +1000 on 1.0 units,
	// lot 2 cost $2000/unit realizes 0 on 0.5 units.
	if math.Abs(res.RealizedPnLUSD-1000) > 1e-6 {
		t.Errorf("expected total realized 1000, got %f", res.RealizedPnLUSD)
	}
}

func TestLotStatusTerminal(t *testing.T) {
	l := testLedger(nil)
	res := l.Build(context.Background(), []NormalizedTrade{
		buy("ETH", "2026-01-01T10:00:00Z", 1.0, 2000),
		sell("ETH", "2026-01-02T10:00:00Z", 1.0, 1500),
	})

	if len(res.Lots) != 1 {
		t.Fatalf("expected 1 lot, got %d", len(res.Lots))
	}
	if res.Lots[0].Status != LotClosedLoss {
		t.Errorf("expected CLOSED_LOSS, got %s", res.Lots[0].Status)
	}
	if res.Lots[0].UnitsRemaining != 0 {
		t.Errorf("closed lot has %f units remaining", res.Lots[0].UnitsRemaining)
	}
}

func TestSellWithoutHistorySeedsZeroPnLLot(t *testing.T) {
	l := testLedger(nil)
	res := l.Build(context.Background(), []NormalizedTrade{
		sell("SOL", "2026-01-05T10:00:00Z", 10, 500),
	})

	if len(res.Lots) != 1 {
		t.Fatalf("expected 1 seed lot, got %d", len(res.Lots))
	}
	if !res.Lots[0].Seed {
		t.Error("expected lot marked as seed")
	}
	if len(res.Sales) != 1 {
		t.Fatalf("expected 1 sale, got %d", len(res.Sales))
	}
	if res.Sales[0].RealizedPnLUSD != 0 {
		t.Errorf("seed sale must realize zero, got %f", res.Sales[0].RealizedPnLUSD)
	}
	if res.Sales[0].RealizedPnLPct != nil {
		t.Error("seed sale must have nil realized percent")
	}
}

func TestUnknownQuantityBuyBearsCostOnSale(t *testing.T) {
	// A buy with no resolvable unit count still holds $2000 of cost basis;
	// the next sale of the asset must consume it instead of seeding a
	// zero-PnL lot alongside it.
	l := testLedger(nil)
	res := l.Build(context.Background(), []NormalizedTrade{
		buy("ETH", "2026-01-01T10:00:00Z", 0, 2000),
		sell("ETH", "2026-01-05T10:00:00Z", 1.0, 2500),
	})

	if len(res.Lots) != 1 {
		t.Fatalf("expected the unit-less lot to absorb the sale, got %d lots", len(res.Lots))
	}
	lot := res.Lots[0]
	if lot.Status != LotClosedProfit {
		t.Errorf("expected CLOSED_PROFIT, got %s", lot.Status)
	}
	if lot.CostRemainingUSD != 0 {
		t.Errorf("cost basis must be fully consumed, got %f stranded", lot.CostRemainingUSD)
	}
	if math.Abs(res.RealizedPnLUSD-500) > 1e-9 {
		t.Errorf("expected realized 500, got %f", res.RealizedPnLUSD)
	}
	if len(res.Sales) != 1 {
		t.Fatalf("expected 1 sale, got %d", len(res.Sales))
	}
	if res.Sales[0].RealizedPnLPct == nil {
		t.Fatal("full cost basis is known, percent must be set")
	}
	if math.Abs(*res.Sales[0].RealizedPnLPct-25) > 1e-9 {
		t.Errorf("expected +25%%, got %f", *res.Sales[0].RealizedPnLPct)
	}
}

func TestSeedLotOnlyForRemainder(t *testing.T) {
	// A buy covers part of the sale; the remainder seeds.
	l := testLedger(nil)
	res := l.Build(context.Background(), []NormalizedTrade{
		buy("SOL", "2026-01-01T10:00:00Z", 4, 200),
		sell("SOL", "2026-01-05T10:00:00Z", 10, 600),
	})

	if len(res.Lots) != 2 {
		t.Fatalf("expected 2 lots (real + seed), got %d", len(res.Lots))
	}

	// 4 units at a $50 cost against $60/unit proceeds: +40. The 6-unit
	// remainder realizes zero through the seed.
	if math.Abs(res.RealizedPnLUSD-40) > 1e-6 {
		t.Errorf("expected realized 40, got %f", res.RealizedPnLUSD)
	}
}

func TestDeterministicRebuild(t *testing.T) {
	trades := []NormalizedTrade{
		buy("ETH", "2026-01-01T10:00:00Z", 2.0, 4000),
		buy("SOL", "2026-01-02T10:00:00Z", 50, 2500),
		sell("ETH", "2026-01-03T10:00:00Z", 1.2, 2640),
		sell("SOL", "2026-01-04T10:00:00Z", 20, 1100),
		sell("ETH", "2026-01-05T10:00:00Z", 0.8, 1680),
	}

	l := testLedger(nil)
	first := l.Build(context.Background(), trades)
	second := l.Build(context.Background(), trades)

	if first.RealizedPnLUSD != second.RealizedPnLUSD {
		t.Errorf("rebuild changed realized PnL: %f vs %f", first.RealizedPnLUSD, second.RealizedPnLUSD)
	}
	if len(first.Sales) != len(second.Sales) {
		t.Errorf("rebuild changed sale count: %d vs %d", len(first.Sales), len(second.Sales))
	}
	if len(first.Lots) != len(second.Lots) {
		t.Errorf("rebuild changed lot count: %d vs %d", len(first.Lots), len(second.Lots))
	}
}

func TestUnpriceableLotHasNilUnrealized(t *testing.T) {
	l := testLedger(nil) // no prices anywhere
	res := l.Build(context.Background(), []NormalizedTrade{
		buy("OBSCURE", "2026-01-01T10:00:00Z", 100, 500),
	})

	if len(res.Lots) != 1 {
		t.Fatalf("expected 1 lot, got %d", len(res.Lots))
	}
	if res.Lots[0].UnrealizedPnLUSD != nil {
		t.Error("unpriceable lot must have nil unrealized, not zero")
	}
	if res.UnrealizedPnLUSD != nil {
		t.Error("total unrealized must be nil when nothing priced")
	}
	if res.UnpricedLots != 1 {
		t.Errorf("expected 1 unpriced lot, got %d", res.UnpricedLots)
	}
}

func TestPriceFallbackByAssetID(t *testing.T) {
	provider := &mockProvider{
		idPrices: map[string]float64{"asset-123": 42},
	}
	cache := NewPriceCache(nil, provider, time.Minute, time.Minute)
	l := NewLedger(nil, cache)

	tr := buy("OBSCURE", "2026-01-01T10:00:00Z", 10, 100)
	tr.AssetID = "asset-123"
	res := l.Build(context.Background(), []NormalizedTrade{tr})

	if res.Lots[0].UnrealizedPnLUSD == nil {
		t.Fatal("expected asset-id price to resolve")
	}
	want := 10*42.0 - 100
	if math.Abs(*res.Lots[0].UnrealizedPnLUSD-want) > 1e-9 {
		t.Errorf("expected unrealized %f, got %f", want, *res.Lots[0].UnrealizedPnLUSD)
	}
}

func TestEpsilonDustClosesLot(t *testing.T) {
	l := testLedger(nil)
	// Three sales that sum to the lot size only within floating point error.
	res := l.Build(context.Background(), []NormalizedTrade{
		buy("ETH", "2026-01-01T10:00:00Z", 0.3, 600),
		sell("ETH", "2026-01-02T10:00:00Z", 0.1, 210),
		sell("ETH", "2026-01-03T10:00:00Z", 0.1, 210),
		sell("ETH", "2026-01-04T10:00:00Z", 0.1, 210),
	})

	if res.Lots[0].UnitsRemaining != 0 {
		t.Errorf("dust should floor to zero, got %g", res.Lots[0].UnitsRemaining)
	}
	if res.Lots[0].Status != LotClosedProfit {
		t.Errorf("expected CLOSED_PROFIT, got %s", res.Lots[0].Status)
	}
}

func TestChartCumulativeAndMarkToMarket(t *testing.T) {
	l := testLedger(map[string]float64{"ETH": 2100})
	res := l.Build(context.Background(), []NormalizedTrade{
		buy("ETH", "2026-01-01T10:00:00Z", 1.0, 2000),
		sell("ETH", "2026-01-05T10:00:00Z", 0.4, 900),
	})

	if len(res.Chart) < 2 {
		t.Fatalf("expected sale point plus live point, got %d points", len(res.Chart))
	}
	if math.Abs(res.Chart[0].CumulativeUSD-100) > 1e-9 {
		t.Errorf("first point should be the realized 100, got %f", res.Chart[0].CumulativeUSD)
	}
	last := res.Chart[len(res.Chart)-1]
	if !last.MarkToMarket {
		t.Error("last point should be the live mark-to-market point")
	}
	want := 100 + (0.6*2100 - 1200)
	if math.Abs(last.CumulativeUSD-want) > 1e-9 {
		t.Errorf("live point should be %f, got %f", want, last.CumulativeUSD)
	}
}

func TestSummaryWinRate(t *testing.T) {
	l := testLedger(nil)
	res := l.Build(context.Background(), []NormalizedTrade{
		buy("ETH", "2026-01-01T10:00:00Z", 1.0, 2000),
		sell("ETH", "2026-01-02T10:00:00Z", 1.0, 2500), // win
		buy("SOL", "2026-01-03T10:00:00Z", 10, 500),
		sell("SOL", "2026-01-04T10:00:00Z", 10, 400), // loss
	})

	if res.Summary.WinCount != 1 || res.Summary.LossCount != 1 {
		t.Errorf("expected 1 win / 1 loss, got %d / %d", res.Summary.WinCount, res.Summary.LossCount)
	}
	if math.Abs(res.Summary.WinRate-0.5) > 1e-9 {
		t.Errorf("expected win rate 0.5, got %f", res.Summary.WinRate)
	}
	if res.Summary.TotalTrades != 4 {
		t.Errorf("expected 4 trades, got %d", res.Summary.TotalTrades)
	}
}

func TestStablecoinTradesIgnoredByLedger(t *testing.T) {
	l := testLedger(nil)
	res := l.Build(context.Background(), []NormalizedTrade{
		buy("USDC", "2026-01-01T10:00:00Z", 1000, 1000),
	})

	if len(res.Lots) != 0 {
		t.Errorf("stablecoin buys must not open lots, got %d", len(res.Lots))
	}
}
