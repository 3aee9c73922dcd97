package app

import (
	"context"
	"sync"
	"time"

	"mirrorbot/clients/notifier"
	"mirrorbot/clients/okx"
	"mirrorbot/config"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MonitorState is the per-instrument liquidation watch state. Forward-only;
// STOPPED is terminal.
type MonitorState string

const (
	StateMonitoring MonitorState = "MONITORING"
	StateWarning    MonitorState = "WARNING"
	StateCritical   MonitorState = "CRITICAL"
	StateStopped    MonitorState = "STOPPED"
)

// MarkPriceFeed serves a recent mark price without a REST round trip.
// Satisfied by *okx.TickerFeed.
type MarkPriceFeed interface {
	Subscribe(instID string) error
	LastPrice(instID string, maxAge time.Duration) (decimal.Decimal, bool)
}

type watchedInstrument struct {
	instID string
	state  MonitorState
}

// LiquidationMonitor recomputes distance-to-liquidation for watched
// instruments on a fixed interval and force-closes positions that cross the
// critical threshold.
type LiquidationMonitor struct {
	logger   *zap.Logger
	exchange ExchangeAPI
	feed     MarkPriceFeed // optional
	notify   notifier.Notifier

	interval      time.Duration
	warnRatio     float64
	criticalRatio float64
	marginRatio   float64

	mu      sync.Mutex
	watched map[string]*watchedInstrument
}

func NewLiquidationMonitor(logger *zap.Logger, exchange ExchangeAPI, feed MarkPriceFeed, notify notifier.Notifier, cfg *config.Config) *LiquidationMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}

	interval := cfg.Liquidation.CheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	warn := cfg.Liquidation.WarningRatio
	if warn <= 0 {
		warn = 0.9
	}
	critical := cfg.Liquidation.CriticalRatio
	if critical <= 0 {
		critical = 0.5
	}

	return &LiquidationMonitor{
		logger:        logger.Named("liquidation"),
		exchange:      exchange,
		feed:          feed,
		notify:        notify,
		interval:      interval,
		warnRatio:     warn,
		criticalRatio: critical,
		marginRatio:   cfg.OKX.MarginRatio,
		watched:       make(map[string]*watchedInstrument),
	}
}

// Watch starts monitoring an instrument. Idempotent: a second request for an
// already-watched instrument is a no-op, including one already STOPPED.
func (m *LiquidationMonitor) Watch(instID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watched[instID]; ok {
		return
	}
	m.watched[instID] = &watchedInstrument{instID: instID, state: StateMonitoring}
	if m.feed != nil {
		if err := m.feed.Subscribe(instID); err != nil {
			m.logger.Warn("ticker subscribe failed", zap.String("instId", instID), zap.Error(err))
		}
	}
	m.logger.Info("watching instrument", zap.String("instId", instID))
}

// States returns a copy of the current watch states.
func (m *LiquidationMonitor) States() map[string]MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]MonitorState, len(m.watched))
	for id, w := range m.watched {
		out[id] = w.state
	}
	return out
}

// Run checks all watched instruments on the configured interval until the
// context is cancelled. In-flight checks finish; there is no mid-check
// cancellation per instrument.
func (m *LiquidationMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("liquidation monitor started", zap.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("liquidation monitor stopped")
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll runs one pass over every active watch. Exported so one tick is
// directly invokable in tests.
func (m *LiquidationMonitor) CheckAll(ctx context.Context) {
	m.mu.Lock()
	var active []*watchedInstrument
	for _, w := range m.watched {
		if w.state != StateStopped {
			active = append(active, w)
		}
	}
	m.mu.Unlock()

	for _, w := range active {
		m.checkOne(ctx, w)
	}
}

func (m *LiquidationMonitor) checkOne(ctx context.Context, w *watchedInstrument) {
	positions, err := m.exchange.GetPositions(ctx, w.instID)
	if err != nil {
		m.logger.Warn("position read failed", zap.String("instId", w.instID), zap.Error(err))
		return
	}

	pos := livePosition(positions)
	if pos == nil {
		// Position reached zero; the watch self-terminates.
		m.setState(w, StateStopped)
		m.logger.Info("position closed, monitoring stopped", zap.String("instId", w.instID))
		return
	}

	mark, ok := m.markPrice(ctx, w.instID)
	if !ok {
		m.logger.Warn("mark price unavailable", zap.String("instId", w.instID))
		return
	}

	liq := m.liquidationPrice(pos)
	if liq.IsZero() {
		return
	}

	ratio := liquidationRatio(pos.PosSide, pos.AvgPx, mark, liq)
	markF, _ := mark.Float64()
	liqF, _ := liq.Float64()
	notionalF, _ := pos.NotionalUSD.Float64()

	switch {
	case ratio < m.criticalRatio:
		m.setState(w, StateCritical)
		m.logger.Error("liquidation critical, force closing",
			zap.String("instId", w.instID),
			zap.Float64("ratio", ratio),
			zap.Float64("mark", markF),
			zap.Float64("liq", liqF),
		)
		m.forceClose(ctx, w, pos, markF, liqF, ratio)
	case ratio < m.warnRatio:
		if m.stateOf(w) != StateWarning {
			m.send(notifier.Event{
				Kind:          notifier.EventLiquidationWarn,
				InstID:        w.instID,
				MarkPrice:     markF,
				LiqPrice:      liqF,
				ProximityPct:  ratio * 100,
				PositionValue: notionalF,
				Timestamp:     time.Now(),
			})
		}
		m.setState(w, StateWarning)
		m.logger.Warn("liquidation warning",
			zap.String("instId", w.instID),
			zap.Float64("ratio", ratio),
		)
	default:
		m.setState(w, StateMonitoring)
	}
}

// forceClose submits a reduce-only market close of the full position and
// permanently stops the watch. A failure here is unmanaged risk and is
// escalated as loudly as the stack allows.
func (m *LiquidationMonitor) forceClose(ctx context.Context, w *watchedInstrument, pos *okx.Position, mark, liq, ratio float64) {
	side := okx.SideSell
	if pos.PosSide == okx.PosSideShort {
		side = okx.SideBuy
	}

	notionalF, _ := pos.NotionalUSD.Float64()
	res, err := m.exchange.SubmitOrder(ctx, okx.OrderRequest{
		InstID:     w.instID,
		TdMode:     okx.TdModeCross,
		Side:       side,
		PosSide:    pos.PosSide,
		OrdType:    okx.OrdTypeMarket,
		Sz:         pos.Pos.String(),
		ReduceOnly: true,
	})
	if err != nil {
		m.logger.Error("EMERGENCY CLOSE FAILED",
			zap.String("instId", w.instID),
			zap.String("posSide", pos.PosSide),
			zap.String("size", pos.Pos.String()),
			zap.Error(err),
		)
		m.send(notifier.Event{
			Kind:          notifier.EventCloseFailed,
			InstID:        w.instID,
			PosSide:       pos.PosSide,
			Size:          pos.Pos.String(),
			MarkPrice:     mark,
			LiqPrice:      liq,
			ProximityPct:  ratio * 100,
			PositionValue: notionalF,
			Reason:        err.Error(),
			Timestamp:     time.Now(),
		})
		// Leave the watch active so the next tick retries the close.
		return
	}

	m.setState(w, StateStopped)
	m.send(notifier.Event{
		Kind:          notifier.EventLiquidationClose,
		InstID:        w.instID,
		PosSide:       pos.PosSide,
		Side:          side,
		Size:          pos.Pos.String(),
		ReduceOnly:    true,
		OrderID:       res.OrdID,
		MarkPrice:     mark,
		LiqPrice:      liq,
		ProximityPct:  ratio * 100,
		PositionValue: notionalF,
		Timestamp:     time.Now(),
	})
	m.send(notifier.Event{
		Kind:      notifier.EventStrategyStopped,
		InstID:    w.instID,
		Reason:    "position force closed at critical liquidation distance; watch is permanently stopped",
		Timestamp: time.Now(),
	})
}

// liquidationPrice prefers the exchange-reported price and falls back to an
// estimate from entry, leverage, and the configured maintenance margin ratio.
func (m *LiquidationMonitor) liquidationPrice(pos *okx.Position) decimal.Decimal {
	if pos.LiqPx.IsPositive() {
		return pos.LiqPx
	}
	if !pos.Lever.IsPositive() || !pos.AvgPx.IsPositive() {
		return decimal.Zero
	}

	inv := decimal.NewFromInt(1).Div(pos.Lever)
	mmr := decimal.NewFromFloat(m.marginRatio)
	one := decimal.NewFromInt(1)

	if pos.PosSide == okx.PosSideShort {
		return pos.AvgPx.Mul(one.Add(inv).Sub(mmr))
	}
	return pos.AvgPx.Mul(one.Sub(inv).Add(mmr))
}

func (m *LiquidationMonitor) markPrice(ctx context.Context, instID string) (decimal.Decimal, bool) {
	if m.feed != nil {
		if price, ok := m.feed.LastPrice(instID, m.interval*2); ok {
			return price, true
		}
	}
	ticker, err := m.exchange.GetTicker(ctx, instID)
	if err != nil {
		return decimal.Zero, false
	}
	return ticker.Last, true
}

// liquidationRatio is the remaining distance to liquidation as a fraction of
// the full entry-to-liquidation distance: 1 at entry, 0 at the liquidation
// price, negative past it.
func liquidationRatio(posSide string, entry, mark, liq decimal.Decimal) float64 {
	span := entry.Sub(liq)
	dist := mark.Sub(liq)
	if posSide == okx.PosSideShort {
		span = liq.Sub(entry)
		dist = liq.Sub(mark)
	}
	if !span.IsPositive() {
		return 1
	}
	ratio, _ := dist.Div(span).Float64()
	return ratio
}

func livePosition(positions []okx.Position) *okx.Position {
	for i := range positions {
		if positions[i].Pos.IsPositive() {
			return &positions[i]
		}
	}
	return nil
}

func (m *LiquidationMonitor) setState(w *watchedInstrument, state MonitorState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.state == StateStopped {
		return
	}
	w.state = state
}

func (m *LiquidationMonitor) stateOf(w *watchedInstrument) MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return w.state
}

func (m *LiquidationMonitor) send(event notifier.Event) {
	if m.notify == nil {
		return
	}
	m.notify.Send(event)
}
