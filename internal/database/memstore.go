package database

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and dry-run mode. It
// mirrors the transactional semantics of the PostgreSQL repository,
// including the single-OPEN-trade-per-instrument constraint.
type MemoryStore struct {
	mu      sync.RWMutex
	signals map[string]*Signal
	trades  map[string]*Trade
	ledger  []LedgerEntry
	journal []JournalEntry
	daily   map[string]*DailyStats

	// FailCloses makes CloseTrade fail, simulating persistence errors
	FailCloses bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals: make(map[string]*Signal),
		trades:  make(map[string]*Trade),
		daily:   make(map[string]*DailyStats),
	}
}

func dayKey(day time.Time) string {
	return day.UTC().Truncate(24 * time.Hour).Format("2006-01-02")
}

func (m *MemoryStore) SaveSignal(_ context.Context, signal *Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *signal
	m.signals[signal.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateSignalStatus(_ context.Context, signalID, status string, reason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.signals[signalID]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.Reason = reason
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ActiveSignals(_ context.Context) ([]Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Signal
	for _, s := range m.signals {
		if s.Status == SignalStatusActive {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *MemoryStore) SignalsForDay(_ context.Context, day time.Time) ([]Signal, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Signal
	for _, s := range m.signals {
		if !s.CreatedAt.Before(start) && s.CreatedAt.Before(end) {
			out = append(out, *s)
		}
	}
	return out, nil
}

// LastSignalTime returns the creation time of the instrument's most recent
// signal in any status, skipping the candidate's own row
func (m *MemoryStore) LastSignalTime(_ context.Context, instrument, excludeSignalID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last time.Time
	for _, s := range m.signals {
		if s.Instrument == instrument && s.ID != excludeSignalID && s.CreatedAt.After(last) {
			last = s.CreatedAt
		}
	}
	if last.IsZero() {
		return time.Time{}, ErrNotFound
	}
	return last, nil
}

func (m *MemoryStore) OpenTrade(_ context.Context, trade *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.trades {
		if t.Instrument == trade.Instrument && t.Status == TradeStatusOpen {
			return fmt.Errorf("open trade already exists for %s", trade.Instrument)
		}
	}

	cp := *trade
	m.trades[trade.ID] = &cp

	if s, ok := m.signals[trade.SignalID]; ok {
		s.Status = SignalStatusFilled
		s.UpdatedAt = time.Now()
	}
	if d, ok := m.daily[dayKey(trade.OpenedAt)]; ok {
		d.TradeCount++
	}
	return nil
}

func (m *MemoryStore) CloseTrade(_ context.Context, close TradeClose) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCloses {
		return fmt.Errorf("simulated persistence failure")
	}

	t, ok := m.trades[close.TradeID]
	if !ok || t.Status != TradeStatusOpen {
		return ErrNotFound
	}

	closedAt := close.ClosedAt
	reason := close.Reason
	exitPrice := close.ExitPrice
	pnl := close.RealizedPnL

	t.Status = TradeStatusClosed
	t.ClosedAt = &closedAt
	t.CloseReason = &reason
	t.ExitPrice = &exitPrice
	t.RealizedPnL = &pnl

	balance := m.balanceLocked()
	m.ledger = append(m.ledger, LedgerEntry{
		ID:           int64(len(m.ledger) + 1),
		TradeID:      close.TradeID,
		Instrument:   t.Instrument,
		Amount:       pnl,
		BalanceAfter: balance + pnl,
		CreatedAt:    closedAt,
	})
	m.journal = append(m.journal, JournalEntry{
		ID:        int64(len(m.journal) + 1),
		TradeID:   close.TradeID,
		Narrative: close.Narrative,
		CreatedAt: closedAt,
	})
	if d, ok := m.daily[dayKey(closedAt)]; ok {
		d.RealizedPnL += pnl
	}
	return nil
}

func (m *MemoryStore) OpenTrades(_ context.Context) ([]Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Trade
	for _, t := range m.trades {
		if t.Status == TradeStatusOpen {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *MemoryStore) OpenTradeByInstrument(_ context.Context, instrument string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.trades {
		if t.Instrument == instrument && t.Status == TradeStatusOpen {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) LastTradeTime(_ context.Context, instrument string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last time.Time
	for _, t := range m.trades {
		if t.Instrument == instrument && t.OpenedAt.After(last) {
			last = t.OpenedAt
		}
	}
	if last.IsZero() {
		return time.Time{}, ErrNotFound
	}
	return last, nil
}

func (m *MemoryStore) BucketStatsFor(_ context.Context, instrument, timeframe string) (*BucketStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &BucketStats{Instrument: instrument, Timeframe: timeframe}
	var wins, losses int
	var winR, lossR float64

	for _, t := range m.trades {
		if t.Status != TradeStatusClosed || t.Instrument != instrument || t.RealizedPnL == nil || t.RiskAmount == 0 {
			continue
		}
		if s, ok := m.signals[t.SignalID]; !ok || s.Timeframe != timeframe {
			continue
		}
		stats.TradeCount++
		r := *t.RealizedPnL / t.RiskAmount
		if r > 0 {
			wins++
			winR += r
		} else {
			losses++
			lossR += -r
		}
	}
	if stats.TradeCount > 0 {
		stats.WinRate = float64(wins) / float64(stats.TradeCount)
	}
	if wins > 0 {
		stats.AvgWinR = winR / float64(wins)
	}
	if losses > 0 {
		stats.AvgLossR = lossR / float64(losses)
	}
	return stats, nil
}

func (m *MemoryStore) CurrentBalance(_ context.Context) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.ledger) == 0 && len(m.daily) == 0 {
		return 0, ErrNotFound
	}
	return m.balanceLocked(), nil
}

func (m *MemoryStore) balanceLocked() float64 {
	if n := len(m.ledger); n > 0 {
		return m.ledger[n-1].BalanceAfter
	}
	var latest *DailyStats
	for _, d := range m.daily {
		if latest == nil || d.Day.After(latest.Day) {
			latest = d
		}
	}
	if latest != nil {
		return latest.StartingBalance
	}
	return 0
}

func (m *MemoryStore) RecentJournal(_ context.Context, limit int) ([]JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.journal) {
		limit = len(m.journal)
	}
	out := make([]JournalEntry, 0, limit)
	for i := len(m.journal) - 1; i >= len(m.journal)-limit; i-- {
		out = append(out, m.journal[i])
	}
	return out, nil
}

func (m *MemoryStore) DailyStatsFor(_ context.Context, day time.Time) (*DailyStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.daily[dayKey(day)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) EnsureDailyStats(_ context.Context, day time.Time, startingBalance float64) (*DailyStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dayKey(day)
	if d, ok := m.daily[key]; ok {
		cp := *d
		return &cp, nil
	}
	now := time.Now()
	d := &DailyStats{
		Day:             day.UTC().Truncate(24 * time.Hour),
		StartingBalance: startingBalance,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.daily[key] = d
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) IncrementSignalCount(_ context.Context, day time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.daily[dayKey(day)]
	if !ok {
		return ErrNotFound
	}
	d.SignalCount++
	return nil
}
