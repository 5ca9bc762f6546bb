package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// DailyStatsFor returns the stats row for a calendar day (UTC), or
// ErrNotFound when no activity has been recorded for that day
func (r *Repository) DailyStatsFor(ctx context.Context, day time.Time) (*DailyStats, error) {
	day = day.UTC().Truncate(24 * time.Hour)

	var stats DailyStats
	err := r.db.Pool.QueryRow(ctx,
		`SELECT day, starting_balance, signal_count, trade_count, realized_pnl, created_at, updated_at
		FROM daily_stats WHERE day = $1`,
		day,
	).Scan(&stats.Day, &stats.StartingBalance, &stats.SignalCount,
		&stats.TradeCount, &stats.RealizedPnL, &stats.CreatedAt, &stats.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	return &stats, nil
}

// EnsureDailyStats creates the row for a new day if it does not exist and
// returns the current row. Existing rows are never overwritten: the
// starting balance is fixed at first activity of the day.
func (r *Repository) EnsureDailyStats(ctx context.Context, day time.Time, startingBalance float64) (*DailyStats, error) {
	day = day.UTC().Truncate(24 * time.Hour)

	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO daily_stats (day, starting_balance) VALUES ($1, $2)
		ON CONFLICT (day) DO NOTHING`,
		day, startingBalance,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure daily stats: %w", err)
	}

	return r.DailyStatsFor(ctx, day)
}

// IncrementSignalCount bumps the day's signal counter
func (r *Repository) IncrementSignalCount(ctx context.Context, day time.Time) error {
	day = day.UTC().Truncate(24 * time.Hour)

	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE daily_stats SET signal_count = signal_count + 1, updated_at = NOW() WHERE day = $1`,
		day,
	)
	if err != nil {
		return fmt.Errorf("failed to increment signal count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
