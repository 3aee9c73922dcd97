package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mirrorbot/clients"
	"mirrorbot/clients/notifier"
	"mirrorbot/config"
	"mirrorbot/internal/store"

	"go.uber.org/zap"
)

// firstScanLookback bounds how far back a strategy with no watermark reads.
const firstScanLookback = 24 * time.Hour

// watchScope is the detector snapshot scope for the alert-only wallet loop.
// Strategies scan under their own IDs so a wallet in both lists signals both.
const watchScope = "watch"

// RunnerStats are cumulative counters since start.
type RunnerStats struct {
	WalletScans     int       `json:"wallet_scans"`
	StrategyScans   int       `json:"strategy_scans"`
	SignalsDetected int       `json:"signals_detected"`
	OrdersExecuted  int       `json:"orders_executed"`
	OrdersFailed    int       `json:"orders_failed"`
	SignalsSkipped  int       `json:"signals_skipped"`
	LastWalletScan  time.Time `json:"last_wallet_scan"`
	LastStrategyRun time.Time `json:"last_strategy_run"`
}

// Runner owns the periodic loops: the wallet scan (alert-only), the strategy
// scan (signal to order), and the liquidation monitor.
type Runner struct {
	logger  *zap.Logger
	cfg     *config.Config
	clients *clients.Clients
	db      store.Store

	detector *Detector
	executor *Executor
	monitor  *LiquidationMonitor

	// serializes scans per strategy, including API-triggered ones
	stratMu map[string]*sync.Mutex
	muGuard sync.Mutex

	// in-memory watermarks for alert-only wallets
	walletSince map[string]time.Time
	walletMu    sync.Mutex

	statsMu sync.Mutex
	stats   RunnerStats
}

func NewRunner(logger *zap.Logger, cfg *config.Config, cl *clients.Clients, db store.Store, detector *Detector, executor *Executor, monitor *LiquidationMonitor) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		logger:      logger.Named("runner"),
		cfg:         cfg,
		clients:     cl,
		db:          db,
		detector:    detector,
		executor:    executor,
		monitor:     monitor,
		stratMu:     make(map[string]*sync.Mutex),
		walletSince: make(map[string]time.Time),
	}
	for _, s := range cfg.Strategies {
		r.stratMu[s.ID] = &sync.Mutex{}
	}
	return r
}

// Run starts all loops and blocks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup

	if r.clients.Tickers != nil {
		if err := r.clients.Tickers.Start(ctx); err != nil {
			r.logger.Warn("ticker feed start failed", zap.Error(err))
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.walletLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.strategyLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.monitor.Run(ctx)
	}()

	wg.Wait()
	if r.clients.Tickers != nil {
		r.clients.Tickers.Stop()
	}
	r.logger.Info("runner stopped")
}

// walletLoop scans alert-only wallets on the slower interval with an
// explicit delay between wallets. Per-wallet errors never abort the tick.
func (r *Runner) walletLoop(ctx context.Context) {
	interval := r.cfg.Detector.ScanInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("wallet scan loop started",
		zap.Duration("interval", interval),
		zap.Int("wallets", len(r.cfg.Wallets.Addresses)),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanWallets(ctx)
		}
	}
}

func (r *Runner) scanWallets(ctx context.Context) {
	for i, wallet := range r.cfg.Wallets.Addresses {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			sleepCtx(ctx, r.cfg.Detector.InterWalletDelay)
		}

		since := r.walletWatermark(wallet)
		signals, err := r.detector.Scan(ctx, watchScope, wallet, since)
		if err != nil {
			r.logger.Warn("wallet scan failed",
				zap.String("wallet", shortAddr(wallet)),
				zap.Error(err),
			)
			continue
		}
		r.setWalletWatermark(wallet, time.Now().UTC())

		for _, sig := range signals {
			inserted, err := r.db.SaveSignal(ctx, signalRecord(sig))
			if err != nil {
				r.logger.Warn("signal persist failed", zap.String("signal", sig.ID), zap.Error(err))
			}
			if !inserted {
				continue
			}
			r.bumpStats(func(s *RunnerStats) { s.SignalsDetected++ })
			r.clients.Notifier.Send(notifier.Event{
				Kind:      notifier.EventSignalDetected,
				Wallet:    sig.Wallet,
				Action:    string(sig.Action),
				Asset:     sig.Asset,
				SignalID:  sig.ID,
				ValueUSD:  sig.ValueUSD,
				Timestamp: sig.DetectedAt,
			})
		}
	}

	r.bumpStats(func(s *RunnerStats) {
		s.WalletScans++
		s.LastWalletScan = time.Now().UTC()
	})
}

// strategyLoop processes strategies sequentially on the faster interval,
// with a delay between strategies to stay inside exchange rate limits.
func (r *Runner) strategyLoop(ctx context.Context) {
	interval := r.cfg.Executor.ScanInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("strategy scan loop started",
		zap.Duration("interval", interval),
		zap.Int("strategies", len(r.cfg.Strategies)),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i, strat := range r.cfg.Strategies {
				if ctx.Err() != nil {
					return
				}
				if i > 0 {
					sleepCtx(ctx, r.cfg.Executor.InterStrategyDelay)
				}
				if err := r.ProcessStrategy(ctx, strat.ID); err != nil {
					r.logger.Warn("strategy scan failed",
						zap.String("strategy", strat.ID),
						zap.Error(err),
					)
				}
			}
			r.bumpStats(func(s *RunnerStats) {
				s.StrategyScans++
				s.LastStrategyRun = time.Now().UTC()
			})
		}
	}
}

// ProcessStrategy runs one scan-and-execute pass for a strategy. Serialized
// per strategy; the watermark only advances after every signal in the window
// has been acted on or explicitly skipped, so a crash mid-scan replays the
// window instead of dropping it.
func (r *Runner) ProcessStrategy(ctx context.Context, strategyID string) error {
	strat, ok := r.strategy(strategyID)
	if !ok {
		return fmt.Errorf("unknown strategy %q", strategyID)
	}

	mu := r.strategyMutex(strategyID)
	mu.Lock()
	defer mu.Unlock()

	since, found, err := r.db.Watermark(ctx, strategyID)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	if !found {
		since = time.Now().UTC().Add(-firstScanLookback)
	}
	scanStart := time.Now().UTC()

	signals, err := r.detector.Scan(ctx, strat.ID, strat.Wallet, since)
	if err != nil {
		return fmt.Errorf("scan wallet: %w", err)
	}

	for _, sig := range signals {
		if err := r.handleSignal(ctx, strat, sig); err != nil {
			return fmt.Errorf("handle signal %s: %w", sig.ID, err)
		}
	}

	if err := r.db.SetWatermark(ctx, strategyID, scanStart); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

func (r *Runner) handleSignal(ctx context.Context, strat config.StrategyConfig, sig Signal) error {
	inserted, err := r.db.SaveSignal(ctx, signalRecord(sig))
	if err != nil {
		return fmt.Errorf("persist signal: %w", err)
	}
	if inserted {
		r.bumpStats(func(s *RunnerStats) { s.SignalsDetected++ })
	}

	// The signal row dedups detection, not execution: the wallet loop may
	// have persisted this signal first. Whether this strategy already acted
	// is decided by its own recorded outcomes.
	acted, err := r.db.HasOrderResult(ctx, strat.ID, sig.ID)
	if err != nil {
		return fmt.Errorf("check order result: %w", err)
	}
	if acted {
		return nil
	}

	result := r.executor.Process(ctx, strat, sig)

	switch result.Outcome {
	case OutcomeExecuted:
		r.bumpStats(func(s *RunnerStats) { s.OrdersExecuted += len(result.Orders) })
		for _, ord := range result.Orders {
			if !ord.Spot {
				r.monitor.Watch(ord.InstID)
			}
			r.clients.Notifier.Send(notifier.Event{
				Kind:       notifier.EventOrderExecuted,
				Wallet:     sig.Wallet,
				StrategyID: strat.ID,
				Action:     string(sig.Action),
				Asset:      sig.Asset,
				SignalID:   sig.ID,
				InstID:     ord.InstID,
				Side:       ord.Side,
				PosSide:    ord.PosSide,
				Size:       ord.Size,
				Leverage:   ord.Leverage,
				ReduceOnly: ord.ReduceOnly,
				OrderID:    ord.VenueOrdID,
				ValueUSD:   ord.NotionalUSD,
				Timestamp:  time.Now(),
			})
		}
	case OutcomeFailed:
		r.bumpStats(func(s *RunnerStats) { s.OrdersFailed++ })
		r.clients.Notifier.Send(notifier.Event{
			Kind:       notifier.EventOrderFailed,
			Wallet:     sig.Wallet,
			StrategyID: strat.ID,
			Action:     string(sig.Action),
			Asset:      sig.Asset,
			SignalID:   sig.ID,
			ValueUSD:   sig.ValueUSD,
			Reason:     result.Reason,
			Timestamp:  time.Now(),
		})
	case OutcomeSkipped:
		r.bumpStats(func(s *RunnerStats) { s.SignalsSkipped++ })
		r.clients.Notifier.Send(notifier.Event{
			Kind:       notifier.EventOrderSkipped,
			Wallet:     sig.Wallet,
			StrategyID: strat.ID,
			Action:     string(sig.Action),
			Asset:      sig.Asset,
			SignalID:   sig.ID,
			ValueUSD:   sig.ValueUSD,
			Reason:     result.Reason,
			Timestamp:  time.Now(),
		})
		r.logger.Debug("signal skipped",
			zap.String("strategy", strat.ID),
			zap.String("signal", sig.ID),
			zap.String("reason", result.Reason),
		)
	}

	// The outcome is recorded either way; a failed signal is an explicit
	// failure row, never a silent drop.
	if len(result.Orders) == 0 {
		if err := r.db.SaveOrderResult(ctx, orderRecord(strat.ID, sig, result, PlacedOrder{})); err != nil {
			return fmt.Errorf("persist order result: %w", err)
		}
		return nil
	}
	for _, ord := range result.Orders {
		if err := r.db.SaveOrderResult(ctx, orderRecord(strat.ID, sig, result, ord)); err != nil {
			return fmt.Errorf("persist order result: %w", err)
		}
	}
	return nil
}

// Stats returns a copy of the runner counters.
func (r *Runner) Stats() RunnerStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// MonitorStates exposes the liquidation watch states for the API.
func (r *Runner) MonitorStates() map[string]MonitorState {
	return r.monitor.States()
}

func (r *Runner) strategy(id string) (config.StrategyConfig, bool) {
	for _, s := range r.cfg.Strategies {
		if s.ID == id {
			return s, true
		}
	}
	return config.StrategyConfig{}, false
}

func (r *Runner) strategyMutex(id string) *sync.Mutex {
	r.muGuard.Lock()
	defer r.muGuard.Unlock()
	mu, ok := r.stratMu[id]
	if !ok {
		mu = &sync.Mutex{}
		r.stratMu[id] = mu
	}
	return mu
}

func (r *Runner) walletWatermark(wallet string) time.Time {
	r.walletMu.Lock()
	defer r.walletMu.Unlock()
	if ts, ok := r.walletSince[wallet]; ok {
		return ts
	}
	return time.Now().UTC().Add(-firstScanLookback)
}

func (r *Runner) setWalletWatermark(wallet string, ts time.Time) {
	r.walletMu.Lock()
	defer r.walletMu.Unlock()
	r.walletSince[wallet] = ts
}

func (r *Runner) bumpStats(fn func(*RunnerStats)) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	fn(&r.stats)
}

func signalRecord(sig Signal) store.SignalRecord {
	return store.SignalRecord{
		SignalID:   sig.ID,
		Wallet:     sig.Wallet,
		Action:     string(sig.Action),
		Asset:      sig.Asset,
		AssetID:    sig.AssetID,
		Units:      sig.Units,
		ValueUSD:   sig.ValueUSD,
		TradeDate:  sig.Date,
		DetectedAt: sig.DetectedAt,
	}
}

func orderRecord(strategyID string, sig Signal, result ExecResult, ord PlacedOrder) store.OrderRecord {
	return store.OrderRecord{
		StrategyID:  strategyID,
		SignalID:    sig.ID,
		Wallet:      sig.Wallet,
		InstID:      ord.InstID,
		Side:        ord.Side,
		PosSide:     ord.PosSide,
		Size:        ord.Size,
		NotionalUSD: ord.NotionalUSD,
		ReduceOnly:  ord.ReduceOnly,
		Outcome:     string(result.Outcome),
		Reason:      result.Reason,
		VenueOrdID:  ord.VenueOrdID,
		CreatedAt:   time.Now().UTC(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
