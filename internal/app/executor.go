package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mirrorbot/clients/okx"
	"mirrorbot/config"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExchangeAPI is the slice of the exchange client the executor and the
// liquidation monitor consume. Satisfied by *okx.Client; mocked in tests.
type ExchangeAPI interface {
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetInstrument(ctx context.Context, instID string) (*okx.Instrument, error)
	GetTicker(ctx context.Context, instID string) (*okx.Ticker, error)
	GetPositions(ctx context.Context, instID string) ([]okx.Position, error)
	SetLeverage(ctx context.Context, instID string, lever int, mgnMode, posSide string) error
	SubmitOrder(ctx context.Context, req okx.OrderRequest) (*okx.OrderResult, error)
}

// ExecOutcome tags the result of acting on one signal.
type ExecOutcome string

const (
	OutcomeSkipped  ExecOutcome = "skipped"
	OutcomeFailed   ExecOutcome = "failed"
	OutcomeExecuted ExecOutcome = "executed"
)

// PlacedOrder is one order that went out, as submitted.
type PlacedOrder struct {
	InstID      string
	Side        string
	PosSide     string
	Size        string
	NotionalUSD float64
	Leverage    int // zero for reduce-only and spot legs
	ReduceOnly  bool
	Spot        bool
	VenueOrdID  string
}

// ExecResult is the structured outcome of processing one signal for one
// strategy: skipped with a reason, failed with a reason, or executed with
// the orders that went out.
type ExecResult struct {
	Outcome ExecOutcome
	Reason  string
	Orders  []PlacedOrder
}

func Skipped(reason string) ExecResult {
	return ExecResult{Outcome: OutcomeSkipped, Reason: reason}
}

func Failed(reason string) ExecResult {
	return ExecResult{Outcome: OutcomeFailed, Reason: reason}
}

func Executed(orders ...PlacedOrder) ExecResult {
	return ExecResult{Outcome: OutcomeExecuted, Orders: orders}
}

// Executor turns signals into exchange orders: proportional sizing,
// reduce-then-open transitions, directional leverage, spot fallback.
type Executor struct {
	logger   *zap.Logger
	exchange ExchangeAPI

	defaultLeverage int
	minNotionalUSD  float64

	mu         sync.Mutex
	dailyCount map[string]int // strategyID + "|" + date

	now func() time.Time
}

func NewExecutor(logger *zap.Logger, exchange ExchangeAPI, cfg *config.Config) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}

	lev := cfg.Executor.DefaultLeverage
	if lev <= 0 {
		lev = 3
	}
	minNotional := cfg.Executor.MinNotionalUSD
	if minNotional <= 0 {
		minNotional = 5
	}

	return &Executor{
		logger:          logger.Named("executor"),
		exchange:        exchange,
		defaultLeverage: lev,
		minNotionalUSD:  minNotional,
		dailyCount:      make(map[string]int),
		now:             time.Now,
	}
}

// Process acts on one signal for one strategy. Every failure path returns a
// reasoned result; nothing here panics or retries a rejected size.
func (e *Executor) Process(ctx context.Context, strat config.StrategyConfig, sig Signal) ExecResult {
	asset := NormalizeSymbol(sig.Asset)

	if IsStablecoin(asset) {
		return Skipped("stablecoin " + asset)
	}
	if IsIgnoredToken(asset) {
		return Skipped("ignored token " + asset)
	}
	if len(strat.AllowedTokens) > 0 && !containsFold(strat.AllowedTokens, asset) {
		return Skipped("token not in strategy allow list: " + asset)
	}
	if strat.DailyTradeCap > 0 && e.tradesToday(strat.ID) >= strat.DailyTradeCap {
		return Skipped(fmt.Sprintf("daily trade cap reached (%d)", strat.DailyTradeCap))
	}

	balance, err := e.exchange.GetBalance(ctx)
	if err != nil {
		return Failed("balance lookup: " + err.Error())
	}
	if !balance.IsPositive() {
		return Failed("account balance is zero")
	}

	targetUSD := e.targetUSD(strat, sig, balance)
	if !targetUSD.IsPositive() {
		return Skipped("computed target size is zero")
	}

	result := e.execute(ctx, strat, sig, asset, targetUSD)
	if result.Outcome == OutcomeExecuted {
		e.recordTrade(strat.ID)
	}
	return result
}

// targetUSD mirrors the proportion the source wallet moved, or uses the
// strategy's fixed amount.
func (e *Executor) targetUSD(strat config.StrategyConfig, sig Signal, balance decimal.Decimal) decimal.Decimal {
	if strat.SizingMethod == config.SizingFixed {
		return decimal.NewFromFloat(strat.FixedAmountUSD)
	}
	return balance.Mul(decimal.NewFromFloat(sig.Percentage)).Div(decimal.NewFromInt(100))
}

func (e *Executor) execute(ctx context.Context, strat config.StrategyConfig, sig Signal, asset string, targetUSD decimal.Decimal) ExecResult {
	swapID := SwapInstID(asset)

	inst, err := e.exchange.GetInstrument(ctx, swapID)
	if errors.Is(err, okx.ErrInstrumentNotFound) {
		return e.executeSpot(ctx, sig, asset, targetUSD)
	}
	if err != nil {
		return Failed("instrument lookup: " + err.Error())
	}

	ticker, err := e.exchange.GetTicker(ctx, swapID)
	if err != nil {
		return Failed("price lookup: " + err.Error())
	}

	wantLong := sig.Action == ActionBuy
	openSide, openPosSide := okx.SideBuy, okx.PosSideLong
	closeSide, opposingPosSide := okx.SideBuy, okx.PosSideShort
	if !wantLong {
		openSide, openPosSide = okx.SideSell, okx.PosSideShort
		closeSide, opposingPosSide = okx.SideSell, okx.PosSideLong
	}

	positions, err := e.exchange.GetPositions(ctx, swapID)
	if err != nil {
		return Failed("position lookup: " + err.Error())
	}

	var orders []PlacedOrder
	remaining := targetUSD

	// Reduce the opposing side first so long and short exposure never stack
	// on the same instrument.
	if opp := findPosition(positions, opposingPosSide); opp != nil {
		oppValue := opp.NotionalUSD
		if oppValue.IsZero() {
			oppValue = opp.Pos.Mul(inst.CtVal).Mul(ticker.Last)
		}

		reduceUSD := decimal.Min(targetUSD, oppValue)
		contracts := sizeContracts(reduceUSD, inst, ticker.Last)
		if contracts.GreaterThan(opp.Pos) {
			contracts = opp.Pos
		}

		if contracts.IsPositive() {
			res, err := e.exchange.SubmitOrder(ctx, okx.OrderRequest{
				InstID:     swapID,
				TdMode:     okx.TdModeCross,
				Side:       closeSide,
				PosSide:    opposingPosSide,
				OrdType:    okx.OrdTypeMarket,
				Sz:         contracts.String(),
				ReduceOnly: true,
			})
			if err != nil {
				return Failed("reduce order: " + err.Error())
			}
			notional, _ := reduceUSD.Float64()
			orders = append(orders, PlacedOrder{
				InstID:      swapID,
				Side:        closeSide,
				PosSide:     opposingPosSide,
				Size:        contracts.String(),
				NotionalUSD: notional,
				ReduceOnly:  true,
				VenueOrdID:  res.OrdID,
			})
			remaining = targetUSD.Sub(reduceUSD)
		}
	}

	minNotional := decimal.NewFromFloat(e.minNotionalUSD)
	if remaining.LessThan(minNotional) {
		if len(orders) > 0 {
			return Executed(orders...)
		}
		return Skipped(fmt.Sprintf("target $%s below minimum notional $%s", targetUSD.StringFixed(2), minNotional.StringFixed(2)))
	}

	// Longs run at the strategy's leverage; shorts always at 1x.
	leverage := strat.Leverage
	if leverage <= 0 {
		leverage = e.defaultLeverage
	}
	if !wantLong {
		leverage = 1
	}
	if err := e.exchange.SetLeverage(ctx, swapID, leverage, okx.TdModeCross, openPosSide); err != nil {
		return Failed("set leverage: " + err.Error())
	}

	contracts := sizeContracts(remaining, inst, ticker.Last)
	if !contracts.IsPositive() {
		if len(orders) > 0 {
			return Executed(orders...)
		}
		return Skipped("rounded order size is zero")
	}

	res, err := e.exchange.SubmitOrder(ctx, okx.OrderRequest{
		InstID:  swapID,
		TdMode:  okx.TdModeCross,
		Side:    openSide,
		PosSide: openPosSide,
		OrdType: okx.OrdTypeMarket,
		Sz:      contracts.String(),
	})
	if err != nil {
		if len(orders) > 0 {
			// The reduce leg already went out; report what happened.
			return ExecResult{
				Outcome: OutcomeFailed,
				Reason:  "open order after reduce: " + err.Error(),
				Orders:  orders,
			}
		}
		return Failed("open order: " + err.Error())
	}

	notional, _ := remaining.Float64()
	orders = append(orders, PlacedOrder{
		InstID:      swapID,
		Side:        openSide,
		PosSide:     openPosSide,
		Size:        contracts.String(),
		NotionalUSD: notional,
		Leverage:    leverage,
		VenueOrdID:  res.OrdID,
	})

	e.logger.Info("executed signal",
		zap.String("strategy", strat.ID),
		zap.String("asset", asset),
		zap.String("action", string(sig.Action)),
		zap.String("target_usd", targetUSD.StringFixed(2)),
		zap.Int("orders", len(orders)),
	)

	return Executed(orders...)
}

// executeSpot handles assets with no perpetual listing: buys spend quote
// currency, sells dispose a base quantity rounded to lot size.
func (e *Executor) executeSpot(ctx context.Context, sig Signal, asset string, targetUSD decimal.Decimal) ExecResult {
	spotID := SpotInstID(asset)

	inst, err := e.exchange.GetInstrument(ctx, spotID)
	if errors.Is(err, okx.ErrInstrumentNotFound) {
		return Skipped("no instrument listed for " + asset)
	}
	if err != nil {
		return Failed("instrument lookup: " + err.Error())
	}

	if targetUSD.LessThan(decimal.NewFromFloat(e.minNotionalUSD)) {
		return Skipped(fmt.Sprintf("target $%s below minimum notional", targetUSD.StringFixed(2)))
	}

	req := okx.OrderRequest{
		InstID:  spotID,
		TdMode:  okx.TdModeCash,
		OrdType: okx.OrdTypeMarket,
	}
	var notional float64

	if sig.Action == ActionBuy {
		req.Side = okx.SideBuy
		req.TgtCcy = "quote_ccy"
		req.Sz = targetUSD.StringFixed(2)
		notional, _ = targetUSD.Float64()
	} else {
		ticker, err := e.exchange.GetTicker(ctx, spotID)
		if err != nil {
			return Failed("price lookup: " + err.Error())
		}
		qty := roundToLot(targetUSD.Div(ticker.Last), inst.LotSz)
		if qty.LessThan(inst.MinSz) {
			qty = inst.MinSz
		}
		req.Side = okx.SideSell
		req.TgtCcy = "base_ccy"
		req.Sz = qty.String()
		n := qty.Mul(ticker.Last)
		notional, _ = n.Float64()
	}

	res, err := e.exchange.SubmitOrder(ctx, req)
	if err != nil {
		return Failed("spot order: " + err.Error())
	}

	return Executed(PlacedOrder{
		InstID:      spotID,
		Side:        req.Side,
		Size:        req.Sz,
		NotionalUSD: notional,
		Spot:        true,
		VenueOrdID:  res.OrdID,
	})
}

// sizeContracts converts a USD target into contracts: floor to the
// instrument's lot size, then raise to its minimum size when rounding
// produced less.
func sizeContracts(targetUSD decimal.Decimal, inst *okx.Instrument, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	unit := price
	if inst.CtVal.IsPositive() {
		unit = inst.CtVal.Mul(price)
	}
	raw := targetUSD.Div(unit)
	contracts := roundToLot(raw, inst.LotSz)
	if contracts.LessThan(inst.MinSz) {
		contracts = inst.MinSz
	}
	return contracts
}

func roundToLot(v, lotSz decimal.Decimal) decimal.Decimal {
	if !lotSz.IsPositive() {
		return v
	}
	return v.Div(lotSz).Floor().Mul(lotSz)
}

func findPosition(positions []okx.Position, posSide string) *okx.Position {
	for i := range positions {
		if positions[i].PosSide == posSide && positions[i].Pos.IsPositive() {
			return &positions[i]
		}
	}
	return nil
}

func containsFold(list []string, symbol string) bool {
	for _, s := range list {
		if NormalizeSymbol(s) == symbol {
			return true
		}
	}
	return false
}

func (e *Executor) tradesToday(strategyID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dailyCount[strategyID+"|"+dateKey(e.now())]
}

func (e *Executor) recordTrade(strategyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dailyCount[strategyID+"|"+dateKey(e.now())]++
}
