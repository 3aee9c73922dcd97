package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	logger *zap.Logger
	pool   *pgxpool.Pool
}

func NewPostgres(ctx context.Context, logger *zap.Logger, databaseURL string) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := &Postgres{logger: logger.Named("store"), pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS signals (
    signal_id   TEXT        NOT NULL,
    wallet      TEXT        NOT NULL,
    action      TEXT        NOT NULL,
    asset       TEXT        NOT NULL,
    asset_id    TEXT        NOT NULL DEFAULT '',
    units       DOUBLE PRECISION NOT NULL,
    value_usd   DOUBLE PRECISION NOT NULL,
    trade_date  TIMESTAMPTZ NOT NULL,
    detected_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (wallet, signal_id)
);

CREATE INDEX IF NOT EXISTS signals_detected_at_idx ON signals (detected_at);

CREATE TABLE IF NOT EXISTS order_results (
    id           UUID        PRIMARY KEY,
    strategy_id  TEXT        NOT NULL,
    signal_id    TEXT        NOT NULL,
    wallet       TEXT        NOT NULL,
    inst_id      TEXT        NOT NULL DEFAULT '',
    side         TEXT        NOT NULL DEFAULT '',
    pos_side     TEXT        NOT NULL DEFAULT '',
    size         TEXT        NOT NULL DEFAULT '',
    notional_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    reduce_only  BOOLEAN     NOT NULL DEFAULT FALSE,
    outcome      TEXT        NOT NULL,
    reason       TEXT        NOT NULL DEFAULT '',
    venue_ord_id TEXT        NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS order_results_strategy_idx ON order_results (strategy_id, created_at);
CREATE INDEX IF NOT EXISTS order_results_signal_idx ON order_results (strategy_id, signal_id);

CREATE TABLE IF NOT EXISTS watermarks (
    strategy_id TEXT        PRIMARY KEY,
    processed_through TIMESTAMPTZ NOT NULL
);
`
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) SaveSignal(ctx context.Context, rec SignalRecord) (bool, error) {
	const q = `
INSERT INTO signals (signal_id, wallet, action, asset, asset_id, units, value_usd, trade_date, detected_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (wallet, signal_id) DO NOTHING`

	tag, err := p.pool.Exec(ctx, q,
		rec.SignalID, rec.Wallet, rec.Action, rec.Asset, rec.AssetID,
		rec.Units, rec.ValueUSD, rec.TradeDate, rec.DetectedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert signal: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) ListSignalsSince(ctx context.Context, wallet string, since time.Time) ([]SignalRecord, error) {
	const base = `
SELECT signal_id, wallet, action, asset, asset_id, units, value_usd, trade_date, detected_at
FROM signals
WHERE detected_at >= $1`

	var rows pgx.Rows
	var err error
	if wallet == "" {
		rows, err = p.pool.Query(ctx, base+" ORDER BY detected_at", since)
	} else {
		rows, err = p.pool.Query(ctx, base+" AND wallet = $2 ORDER BY detected_at", since, wallet)
	}
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []SignalRecord
	for rows.Next() {
		var rec SignalRecord
		if err := rows.Scan(
			&rec.SignalID, &rec.Wallet, &rec.Action, &rec.Asset, &rec.AssetID,
			&rec.Units, &rec.ValueUSD, &rec.TradeDate, &rec.DetectedAt,
		); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signals: %w", err)
	}

	return out, nil
}

func (p *Postgres) SaveOrderResult(ctx context.Context, rec OrderRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO order_results (id, strategy_id, signal_id, wallet, inst_id, side, pos_side, size, notional_usd, reduce_only, outcome, reason, venue_ord_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := p.pool.Exec(ctx, q,
		rec.ID, rec.StrategyID, rec.SignalID, rec.Wallet, rec.InstID,
		rec.Side, rec.PosSide, rec.Size, rec.NotionalUSD, rec.ReduceOnly,
		rec.Outcome, rec.Reason, rec.VenueOrdID, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order result: %w", err)
	}
	return nil
}

func (p *Postgres) ListOrderResults(ctx context.Context, strategyID string, since time.Time) ([]OrderRecord, error) {
	const q = `
SELECT id, strategy_id, signal_id, wallet, inst_id, side, pos_side, size, notional_usd, reduce_only, outcome, reason, venue_ord_id, created_at
FROM order_results
WHERE strategy_id = $1 AND created_at >= $2
ORDER BY created_at`

	rows, err := p.pool.Query(ctx, q, strategyID, since)
	if err != nil {
		return nil, fmt.Errorf("query order results: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var rec OrderRecord
		if err := rows.Scan(
			&rec.ID, &rec.StrategyID, &rec.SignalID, &rec.Wallet, &rec.InstID,
			&rec.Side, &rec.PosSide, &rec.Size, &rec.NotionalUSD, &rec.ReduceOnly,
			&rec.Outcome, &rec.Reason, &rec.VenueOrdID, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order result: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order results: %w", err)
	}

	return out, nil
}

func (p *Postgres) HasOrderResult(ctx context.Context, strategyID, signalID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM order_results WHERE strategy_id = $1 AND signal_id = $2)`

	var exists bool
	if err := p.pool.QueryRow(ctx, q, strategyID, signalID).Scan(&exists); err != nil {
		return false, fmt.Errorf("query order result: %w", err)
	}
	return exists, nil
}

func (p *Postgres) Watermark(ctx context.Context, strategyID string) (time.Time, bool, error) {
	const q = `SELECT processed_through FROM watermarks WHERE strategy_id = $1`

	var ts time.Time
	err := p.pool.QueryRow(ctx, q, strategyID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query watermark: %w", err)
	}
	return ts, true, nil
}

func (p *Postgres) SetWatermark(ctx context.Context, strategyID string, ts time.Time) error {
	const q = `
INSERT INTO watermarks (strategy_id, processed_through)
VALUES ($1, $2)
ON CONFLICT (strategy_id) DO UPDATE SET processed_through = EXCLUDED.processed_through`

	if _, err := p.pool.Exec(ctx, q, strategyID, ts); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
