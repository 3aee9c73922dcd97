package store

import (
	"context"
	"time"
)

// SignalRecord is one detected trade signal, persisted for idempotency and
// for the HTTP API. The (Wallet, SignalID) pair is unique: re-detecting the
// same signal on a later scan is a no-op.
type SignalRecord struct {
	SignalID   string
	Wallet     string
	Action     string // BUY or SELL
	Asset      string
	AssetID    string
	Units      float64
	ValueUSD   float64
	TradeDate  time.Time
	DetectedAt time.Time
}

// OrderRecord is the persisted outcome of acting on one signal for one
// strategy, whether an order was placed or not.
type OrderRecord struct {
	ID          string // uuid
	StrategyID  string
	SignalID    string
	Wallet      string
	InstID      string
	Side        string
	PosSide     string
	Size        string // decimal string as submitted
	NotionalUSD float64
	ReduceOnly  bool
	Outcome     string // executed / failed / skipped
	Reason      string
	VenueOrdID  string
	CreatedAt   time.Time
}

// Store persists signals, order outcomes, and per-strategy watermarks.
type Store interface {
	// SaveSignal inserts a signal record. Returns false when a record with
	// the same (wallet, signal ID) already exists.
	SaveSignal(ctx context.Context, rec SignalRecord) (bool, error)

	// ListSignalsSince returns signals detected at or after since, newest
	// last. An empty wallet matches all wallets.
	ListSignalsSince(ctx context.Context, wallet string, since time.Time) ([]SignalRecord, error)

	// SaveOrderResult records the outcome of acting on one signal.
	SaveOrderResult(ctx context.Context, rec OrderRecord) error

	// ListOrderResults returns outcomes for one strategy created at or after
	// since, oldest first.
	ListOrderResults(ctx context.Context, strategyID string, since time.Time) ([]OrderRecord, error)

	// HasOrderResult reports whether the strategy has any recorded outcome
	// for the signal, executed or otherwise.
	HasOrderResult(ctx context.Context, strategyID, signalID string) (bool, error)

	// Watermark returns the processed-through time for a strategy. The
	// second return is false when the strategy has no watermark yet.
	Watermark(ctx context.Context, strategyID string) (time.Time, bool, error)

	// SetWatermark advances the processed-through time for a strategy.
	SetWatermark(ctx context.Context, strategyID string, ts time.Time) error

	// Close releases any held resources.
	Close()
}
