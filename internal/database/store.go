package database

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// BucketStats holds historical performance for one instrument/timeframe
// bucket, used by the expectancy filter
type BucketStats struct {
	Instrument string
	Timeframe  string
	TradeCount int
	WinRate    float64
	AvgWinR    float64 // Average winning P&L in risk multiples
	AvgLossR   float64 // Average losing P&L in risk multiples (positive number)
}

// Store is the durable source of truth for signals, trades, the balance
// ledger, journal entries, and daily counters. All engine reads of balance
// and open positions go through it; no independently maintained in-memory
// list exists.
type Store interface {
	// Signals
	SaveSignal(ctx context.Context, signal *Signal) error
	UpdateSignalStatus(ctx context.Context, signalID, status string, reason *string) error
	ActiveSignals(ctx context.Context) ([]Signal, error)
	SignalsForDay(ctx context.Context, day time.Time) ([]Signal, error)
	LastSignalTime(ctx context.Context, instrument, excludeSignalID string) (time.Time, error)

	// Trades
	OpenTrade(ctx context.Context, trade *Trade) error
	CloseTrade(ctx context.Context, close TradeClose) error
	OpenTrades(ctx context.Context) ([]Trade, error)
	OpenTradeByInstrument(ctx context.Context, instrument string) (*Trade, error)
	LastTradeTime(ctx context.Context, instrument string) (time.Time, error)
	BucketStatsFor(ctx context.Context, instrument, timeframe string) (*BucketStats, error)

	// Balance ledger
	CurrentBalance(ctx context.Context) (float64, error)
	RecentJournal(ctx context.Context, limit int) ([]JournalEntry, error)

	// Daily stats
	DailyStatsFor(ctx context.Context, day time.Time) (*DailyStats, error)
	EnsureDailyStats(ctx context.Context, day time.Time, startingBalance float64) (*DailyStats, error)
	IncrementSignalCount(ctx context.Context, day time.Time) error
}
