package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Signal is one newly visible BUY/SELL event for a monitored wallet.
// Transient per scan cycle; persistence is the caller's concern.
type Signal struct {
	ID         string      `json:"id"`
	Wallet     string      `json:"wallet"`
	Action     TradeAction `json:"action"`
	Asset      string      `json:"asset"`
	AssetID    string      `json:"asset_id"`
	ValueUSD   float64     `json:"value_usd"`
	Percentage float64     `json:"percentage"` // of wallet value at the event date
	Units      float64     `json:"units"`
	Date       time.Time   `json:"date"`
	DetectedAt time.Time   `json:"detected_at"`
}

// DetectorConfig bounds what the detector emits.
type DetectorConfig struct {
	TransferLimit int
	MinSignalUSD  float64 // absolute floor
	MinSignalPct  float64 // floor as percent of current wallet value, BUYs only
}

// Detector re-runs the ledger per wallet, diffs against the previous cycle's
// snapshot, and emits only genuinely new events above the significance
// thresholds. Snapshots are kept per consumer scope so the watch loop and
// each strategy diff against their own previous cycle; per-wallet state is
// serialized internally.
type Detector struct {
	logger     *zap.Logger
	provider   ActivityProvider
	prices     *PriceCache
	normalizer *Normalizer
	ledger     *Ledger
	cfg        DetectorConfig

	mu        sync.Mutex
	snapshots map[string]map[string]bool // scope|wallet -> set of event ids seen last cycle
	walletMu  map[string]*sync.Mutex

	now func() time.Time
}

func NewDetector(logger *zap.Logger, provider ActivityProvider, prices *PriceCache, normalizer *Normalizer, ledger *Ledger, cfg DetectorConfig) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TransferLimit <= 0 {
		cfg.TransferLimit = 500
	}
	if cfg.MinSignalUSD <= 0 {
		cfg.MinSignalUSD = 10
	}
	return &Detector{
		logger:     logger.Named("detector"),
		provider:   provider,
		prices:     prices,
		normalizer: normalizer,
		ledger:     ledger,
		cfg:        cfg,
		snapshots:  make(map[string]map[string]bool),
		walletMu:   make(map[string]*sync.Mutex),
		now:        time.Now,
	}
}

// lockWallet serializes scans per wallet address. Concurrent scans of
// different wallets proceed independently.
func (d *Detector) lockWallet(wallet string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	mu, ok := d.walletMu[wallet]
	if !ok {
		mu = &sync.Mutex{}
		d.walletMu[wallet] = mu
	}
	return mu
}

// Analyze fetches and rebuilds the full ledger for one wallet without
// touching detector state. Backs the ledger query API.
func (d *Detector) Analyze(ctx context.Context, wallet string) (*LedgerResult, error) {
	transfers, err := d.provider.ListTransfers(ctx, wallet, d.cfg.TransferLimit)
	if err != nil {
		return nil, fmt.Errorf("list transfers for %s: %w", shortAddr(wallet), err)
	}
	trades := d.normalizer.Normalize(transfers)
	return d.ledger.Build(ctx, trades), nil
}

// Scan produces the new signals for one wallet since the watermark. The
// scope names the consumer: each scope keeps its own snapshot, so one
// consumer's scan never suppresses another's view of the same wallet. The
// previous-cycle snapshot is replaced wholesale at the end of a successful
// run.
func (d *Detector) Scan(ctx context.Context, scope, wallet string, since time.Time) ([]Signal, error) {
	mu := d.lockWallet(wallet)
	mu.Lock()
	defer mu.Unlock()

	key := scope + "|" + wallet

	result, err := d.Analyze(ctx, wallet)
	if err != nil {
		return nil, err
	}

	walletValue, _ := d.prices.CurrentPortfolioValue(ctx, wallet)
	buyFloor := d.cfg.MinSignalUSD
	if pctFloor := walletValue * d.cfg.MinSignalPct / 100; pctFloor > buyFloor {
		buyFloor = pctFloor
	}

	d.mu.Lock()
	prev := d.snapshots[key]
	d.mu.Unlock()

	currentIDs := make(map[string]bool)
	var signals []Signal
	detectedAt := d.now().UTC()

	// BUY events come straight from the filtered trade history.
	for _, tr := range result.Trades {
		if tr.Action != ActionBuy || tr.Timestamp.Before(since) {
			continue
		}
		id := buySignalID(tr.Asset, tr.Timestamp)
		currentIDs[id] = true

		if prev[id] {
			continue
		}
		if IsStablecoin(tr.Asset) || IsIgnoredToken(tr.Asset) || tr.ViaCEX {
			continue
		}
		if tr.ValueUSD < buyFloor {
			continue
		}

		signals = append(signals, Signal{
			ID:         id,
			Wallet:     wallet,
			Action:     ActionBuy,
			Asset:      tr.Asset,
			AssetID:    tr.AssetID,
			ValueUSD:   tr.ValueUSD,
			Percentage: d.percentageAt(ctx, wallet, tr.Timestamp, tr.ValueUSD),
			Units:      tr.Units,
			Date:       tr.Timestamp,
			DetectedAt: detectedAt,
		})
	}

	// SELL events come from lot sales, bucketed per asset per day so one
	// logical exit spread over several lots emits a single signal.
	type sellBucket struct {
		asset    string
		assetID  string
		date     time.Time
		valueUSD float64
		units    float64
	}
	buckets := make(map[string]*sellBucket)
	var bucketOrder []string

	assetIDs := make(map[string]string)
	for _, lot := range result.Lots {
		if lot.AssetID != "" {
			assetIDs[lot.Asset] = lot.AssetID
		}
	}

	for _, sale := range result.Sales {
		if sale.Date.Before(since) {
			continue
		}
		id := sellSignalID(sale.Asset, sale.Date)
		currentIDs[id] = true

		if prev[id] {
			continue
		}
		if IsStablecoin(sale.Asset) || IsIgnoredToken(sale.Asset) {
			continue
		}
		// The floor applies per sale, before bucketing: a burst of dust
		// exits never sums into a signal.
		if sale.AmountUSD < d.cfg.MinSignalUSD {
			continue
		}

		b, ok := buckets[id]
		if !ok {
			b = &sellBucket{asset: sale.Asset, assetID: assetIDs[sale.Asset], date: sale.Date}
			buckets[id] = b
			bucketOrder = append(bucketOrder, id)
		}
		b.valueUSD += sale.AmountUSD
		b.units += sale.Units
		if sale.Date.Before(b.date) {
			b.date = sale.Date
		}
	}

	for _, id := range bucketOrder {
		b := buckets[id]
		signals = append(signals, Signal{
			ID:         id,
			Wallet:     wallet,
			Action:     ActionSell,
			Asset:      b.asset,
			AssetID:    b.assetID,
			ValueUSD:   b.valueUSD,
			Percentage: d.percentageAt(ctx, wallet, b.date, b.valueUSD),
			Units:      b.units,
			Date:       b.date,
			DetectedAt: detectedAt,
		})
	}

	sort.SliceStable(signals, func(i, j int) bool {
		return signals[i].Date.Before(signals[j].Date)
	})

	d.mu.Lock()
	d.snapshots[key] = currentIDs
	d.mu.Unlock()

	if len(signals) > 0 {
		d.logger.Info("new signals",
			zap.String("wallet", shortAddr(wallet)),
			zap.Int("count", len(signals)),
		)
	}

	return signals, nil
}

// percentageAt expresses an event's USD amount as a share of the wallet's
// total value on that date. Zero when the portfolio value can't be resolved.
func (d *Detector) percentageAt(ctx context.Context, wallet string, date time.Time, valueUSD float64) float64 {
	portfolio, ok := d.prices.PortfolioValueAtDate(ctx, wallet, date)
	if !ok || portfolio <= 0 {
		return 0
	}
	return valueUSD / portfolio * 100
}

func buySignalID(asset string, date time.Time) string {
	return fmt.Sprintf("buy|%s|%s", asset, dateKey(date))
}

func sellSignalID(asset string, date time.Time) string {
	return fmt.Sprintf("sell|%s|%s", asset, dateKey(date))
}
