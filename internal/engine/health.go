package engine

import (
	"context"
	"time"

	"orderflow-bot/internal/database"
)

// Health status values
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

// Health is the engine's self-reported condition. Degraded means the loop
// is running but persistence or provider errors occurred on recent cycles.
type Health struct {
	Status          string    `json:"status"`
	LastCycleAt     time.Time `json:"last_cycle_at"`
	LastCycleError  string    `json:"last_cycle_error,omitempty"`
	CycleErrors     int64     `json:"cycle_errors"`
	PersistFailures int64     `json:"persist_failures"`
}

// Health reports the current condition for the presentation layer
func (e *Engine) Health() Health {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h := Health{
		Status:          HealthHealthy,
		LastCycleAt:     e.lastCycleAt,
		LastCycleError:  e.lastCycleError,
		CycleErrors:     e.cycleErrors,
		PersistFailures: e.lifecycle.PersistFailures(),
	}
	if h.LastCycleError != "" || h.PersistFailures > 0 {
		h.Status = HealthDegraded
	}
	return h
}

// Snapshot is the read-only view consumed by the presentation layer
type Snapshot struct {
	Balance       float64                 `json:"balance"`
	OpenTrades    []database.Trade        `json:"open_trades"`
	TodaySignals  []database.Signal       `json:"today_signals"`
	RecentJournal []database.JournalEntry `json:"recent_journal"`
	DailyStats    *database.DailyStats    `json:"daily_stats,omitempty"`
	Health        Health                  `json:"health"`
}

// Snapshot assembles a consistent read-only view from the store. Safe to
// call concurrently with the control loop; every read is its own short
// store transaction.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	balance, err := e.currentBalance(ctx)
	if err != nil {
		return nil, err
	}

	open, err := e.store.OpenTrades(ctx)
	if err != nil {
		return nil, err
	}

	day := time.Now().UTC().Truncate(24 * time.Hour)
	signals, err := e.store.SignalsForDay(ctx, day)
	if err != nil {
		return nil, err
	}

	journal, err := e.store.RecentJournal(ctx, 20)
	if err != nil {
		return nil, err
	}

	stats, err := e.store.DailyStatsFor(ctx, day)
	if err != nil && err != database.ErrNotFound {
		return nil, err
	}

	return &Snapshot{
		Balance:       balance,
		OpenTrades:    open,
		TodaySignals:  signals,
		RecentJournal: journal,
		DailyStats:    stats,
		Health:        e.Health(),
	}, nil
}
