package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CloseTrade freezes the trade, appends the ledger and journal entries, and
// updates the daily P&L counter in a single transaction. Either everything
// commits or the close did not happen; the caller retries next tick on error.
func (r *Repository) CloseTrade(ctx context.Context, close TradeClose) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin close-trade tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var instrument string
	var riskAmount float64
	err = tx.QueryRow(ctx,
		`SELECT instrument, risk_amount FROM trades WHERE id = $1 AND status = 'OPEN' FOR UPDATE`,
		close.TradeID,
	).Scan(&instrument, &riskAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to lock trade %s: %w", close.TradeID, err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE trades SET status = 'CLOSED', closed_at = $2, close_reason = $3,
			exit_price = $4, realized_pnl = $5
		WHERE id = $1 AND status = 'OPEN'`,
		close.TradeID, close.ClosedAt, close.Reason, close.ExitPrice, close.RealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("failed to update trade %s: %w", close.TradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	balance, err := currentBalanceTx(ctx, tx)
	if err != nil {
		return err
	}
	balanceAfter := balance + close.RealizedPnL

	_, err = tx.Exec(ctx,
		`INSERT INTO balance_ledger (trade_id, instrument, amount, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		close.TradeID, instrument, close.RealizedPnL, balanceAfter, close.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO journal_entries (trade_id, narrative, created_at) VALUES ($1, $2, $3)`,
		close.TradeID, close.Narrative, close.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}

	day := close.ClosedAt.UTC().Truncate(24 * time.Hour)
	_, err = tx.Exec(ctx,
		`UPDATE daily_stats SET realized_pnl = realized_pnl + $2, updated_at = NOW() WHERE day = $1`,
		day, close.RealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("failed to update daily pnl: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit close-trade tx: %w", err)
	}
	return nil
}

// CurrentBalance recomputes the balance from durable state: the latest
// ledger entry, or the current day's starting balance when the ledger is
// empty. It never consults in-memory caches.
func (r *Repository) CurrentBalance(ctx context.Context) (float64, error) {
	var balance float64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT balance_after FROM balance_ledger ORDER BY id DESC LIMIT 1`,
	).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to query ledger balance: %w", err)
	}

	err = r.db.Pool.QueryRow(ctx,
		`SELECT starting_balance FROM daily_stats ORDER BY day DESC LIMIT 1`,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to query starting balance: %w", err)
	}
	return balance, nil
}

func currentBalanceTx(ctx context.Context, tx pgx.Tx) (float64, error) {
	var balance float64
	err := tx.QueryRow(ctx,
		`SELECT balance_after FROM balance_ledger ORDER BY id DESC LIMIT 1`,
	).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to query ledger balance: %w", err)
	}

	err = tx.QueryRow(ctx,
		`SELECT starting_balance FROM daily_stats ORDER BY day DESC LIMIT 1`,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to query starting balance: %w", err)
	}
	return balance, nil
}

// RecentJournal returns the newest journal entries for the presentation feed
func (r *Repository) RecentJournal(ctx context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, trade_id, narrative, created_at FROM journal_entries ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.TradeID, &e.Narrative, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
