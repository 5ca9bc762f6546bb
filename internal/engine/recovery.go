package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderflow-bot/internal/database"
)

// Recover rebuilds runtime state from durable storage after a restart.
// Balance, open positions, and today's counters come only from the store;
// configuration defaults apply solely when no row has ever been written.
// Every trade still OPEN from the prior run is re-armed for exit
// monitoring on the first tick.
func (e *Engine) Recover(ctx context.Context) error {
	now := time.Now()

	balance, err := e.store.CurrentBalance(ctx)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("reading ledger balance: %w", err)
		}
		balance = e.cfg.EngineConfig.StartingBalance
		e.logger.Info().Float64("balance", balance).Msg("no ledger history, starting from configured balance")
	} else {
		e.logger.Info().Float64("balance", balance).Msg("balance recovered from ledger")
	}

	day := now.UTC().Truncate(24 * time.Hour)
	stats, err := e.store.EnsureDailyStats(ctx, day, balance)
	if err != nil {
		return fmt.Errorf("recovering daily stats: %w", err)
	}
	e.logger.Info().
		Time("day", stats.Day).
		Float64("day_start_balance", stats.StartingBalance).
		Int("signals_today", stats.SignalCount).
		Int("trades_today", stats.TradeCount).
		Msg("daily stats recovered")

	open, err := e.store.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("recovering open trades: %w", err)
	}
	for i := range open {
		t := &open[i]
		e.logger.Info().
			Str("trade_id", t.ID).
			Str("instrument", t.Instrument).
			Str("direction", string(t.Direction)).
			Float64("entry", t.EntryPrice).
			Float64("stop", t.StopLoss).
			Float64("target", t.TakeProfit).
			Time("opened_at", t.OpenedAt).
			Msg("re-armed open trade from prior run")
	}

	active, err := e.store.ActiveSignals(ctx)
	if err != nil {
		return fmt.Errorf("recovering active signals: %w", err)
	}
	if len(active) > 0 {
		e.logger.Info().Int("count", len(active)).Msg("active signals carried over, freshness applies from original creation time")
	}

	return nil
}
