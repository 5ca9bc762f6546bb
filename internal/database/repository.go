package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository implements Store on PostgreSQL
type Repository struct {
	db *DB
}

// NewRepository creates a repository over the connection pool
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// SaveSignal inserts a new signal
func (r *Repository) SaveSignal(ctx context.Context, signal *Signal) error {
	query := `
		INSERT INTO signals (id, instrument, direction, entry_price, confluence, timeframe, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`

	_, err := r.db.Pool.Exec(ctx, query,
		signal.ID, signal.Instrument, signal.Direction, signal.EntryPrice,
		signal.Confluence, signal.Timeframe, signal.Status, signal.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save signal: %w", err)
	}
	return nil
}

// UpdateSignalStatus transitions a signal's status, recording the reason
func (r *Repository) UpdateSignalStatus(ctx context.Context, signalID, status string, reason *string) error {
	query := `UPDATE signals SET status = $2, reason = $3, updated_at = NOW() WHERE id = $1`

	tag, err := r.db.Pool.Exec(ctx, query, signalID, status, reason)
	if err != nil {
		return fmt.Errorf("failed to update signal %s: %w", signalID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveSignals returns all signals currently in ACTIVE status
func (r *Repository) ActiveSignals(ctx context.Context) ([]Signal, error) {
	query := `
		SELECT id, instrument, direction, entry_price, confluence, timeframe, status, reason, created_at, updated_at
		FROM signals WHERE status = 'ACTIVE' ORDER BY created_at`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active signals: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

// SignalsForDay returns all signals created on the given calendar day (UTC)
func (r *Repository) SignalsForDay(ctx context.Context, day time.Time) ([]Signal, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	query := `
		SELECT id, instrument, direction, entry_price, confluence, timeframe, status, reason, created_at, updated_at
		FROM signals WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at`

	rows, err := r.db.Pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals for day: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

// LastSignalTime returns the creation time of the instrument's most recent
// signal in any status, skipping the candidate's own row. Drives the
// entry-cooldown guard.
func (r *Repository) LastSignalTime(ctx context.Context, instrument, excludeSignalID string) (time.Time, error) {
	var t time.Time
	err := r.db.Pool.QueryRow(ctx,
		`SELECT created_at FROM signals WHERE instrument = $1 AND id <> $2 ORDER BY created_at DESC LIMIT 1`,
		instrument, excludeSignalID,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("failed to query last signal time: %w", err)
	}
	return t, nil
}

func scanSignals(rows pgx.Rows) ([]Signal, error) {
	var signals []Signal
	for rows.Next() {
		var s Signal
		if err := rows.Scan(&s.ID, &s.Instrument, &s.Direction, &s.EntryPrice,
			&s.Confluence, &s.Timeframe, &s.Status, &s.Reason, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// OpenTrade inserts the trade, marks its signal FILLED, and bumps the daily
// trade counter in one transaction
func (r *Repository) OpenTrade(ctx context.Context, trade *Trade) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin open-trade tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertTrade := `
		INSERT INTO trades (id, signal_id, instrument, direction, entry_price, stop_loss, take_profit,
			target_type, risk_reward, size, risk_amount, client_order_id, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = tx.Exec(ctx, insertTrade,
		trade.ID, trade.SignalID, trade.Instrument, trade.Direction, trade.EntryPrice,
		trade.StopLoss, trade.TakeProfit, trade.TargetType, trade.RiskReward,
		trade.Size, trade.RiskAmount, trade.ClientOrderID, trade.Status, trade.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE signals SET status = $2, updated_at = NOW() WHERE id = $1`,
		trade.SignalID, SignalStatusFilled,
	)
	if err != nil {
		return fmt.Errorf("failed to mark signal filled: %w", err)
	}

	day := trade.OpenedAt.UTC().Truncate(24 * time.Hour)
	_, err = tx.Exec(ctx,
		`UPDATE daily_stats SET trade_count = trade_count + 1, updated_at = NOW() WHERE day = $1`,
		day,
	)
	if err != nil {
		return fmt.Errorf("failed to bump daily trade count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit open-trade tx: %w", err)
	}
	return nil
}

// OpenTrades returns all trades currently OPEN
func (r *Repository) OpenTrades(ctx context.Context) ([]Trade, error) {
	rows, err := r.db.Pool.Query(ctx, selectTrades+` WHERE status = 'OPEN' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// OpenTradeByInstrument returns the OPEN trade for an instrument, or
// ErrNotFound when there is none
func (r *Repository) OpenTradeByInstrument(ctx context.Context, instrument string) (*Trade, error) {
	row := r.db.Pool.QueryRow(ctx, selectTrades+` WHERE status = 'OPEN' AND instrument = $1`, instrument)

	trade, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query open trade for %s: %w", instrument, err)
	}
	return trade, nil
}

// LastTradeTime returns the most recent open time for an instrument,
// used by the entry-cooldown guard
func (r *Repository) LastTradeTime(ctx context.Context, instrument string) (time.Time, error) {
	var t time.Time
	err := r.db.Pool.QueryRow(ctx,
		`SELECT opened_at FROM trades WHERE instrument = $1 ORDER BY opened_at DESC LIMIT 1`,
		instrument,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("failed to query last trade time: %w", err)
	}
	return t, nil
}

// BucketStatsFor aggregates closed-trade performance for one
// instrument/timeframe bucket in risk multiples
func (r *Repository) BucketStatsFor(ctx context.Context, instrument, timeframe string) (*BucketStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(AVG(CASE WHEN t.realized_pnl > 0 THEN 1.0 ELSE 0.0 END), 0),
			COALESCE(AVG(CASE WHEN t.realized_pnl > 0 THEN t.realized_pnl / NULLIF(t.risk_amount, 0) END), 0),
			COALESCE(AVG(CASE WHEN t.realized_pnl <= 0 THEN -t.realized_pnl / NULLIF(t.risk_amount, 0) END), 0)
		FROM trades t
		JOIN signals s ON s.id = t.signal_id
		WHERE t.status = 'CLOSED' AND t.instrument = $1 AND s.timeframe = $2`

	stats := &BucketStats{Instrument: instrument, Timeframe: timeframe}
	err := r.db.Pool.QueryRow(ctx, query, instrument, timeframe).Scan(
		&stats.TradeCount, &stats.WinRate, &stats.AvgWinR, &stats.AvgLossR,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bucket stats: %w", err)
	}
	return stats, nil
}

const selectTrades = `
	SELECT id, signal_id, instrument, direction, entry_price, stop_loss, take_profit,
		target_type, risk_reward, size, risk_amount, client_order_id, status,
		opened_at, closed_at, close_reason, exit_price, realized_pnl
	FROM trades`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*Trade, error) {
	var t Trade
	err := row.Scan(&t.ID, &t.SignalID, &t.Instrument, &t.Direction, &t.EntryPrice,
		&t.StopLoss, &t.TakeProfit, &t.TargetType, &t.RiskReward, &t.Size,
		&t.RiskAmount, &t.ClientOrderID, &t.Status,
		&t.OpenedAt, &t.ClosedAt, &t.CloseReason, &t.ExitPrice, &t.RealizedPnL)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTrades(rows pgx.Rows) ([]Trade, error) {
	var trades []Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}
