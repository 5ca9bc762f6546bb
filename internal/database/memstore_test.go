package database

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func seedTrade(t *testing.T, store *MemoryStore, id, instrument, timeframe string, riskAmount float64) *Trade {
	t.Helper()
	ctx := context.Background()

	signal := &Signal{
		ID:         id + "-sig",
		Instrument: instrument,
		Direction:  DirectionLong,
		Timeframe:  timeframe,
		Status:     SignalStatusActive,
		CreatedAt:  time.Now(),
	}
	if err := store.SaveSignal(ctx, signal); err != nil {
		t.Fatalf("SaveSignal failed: %v", err)
	}

	trade := &Trade{
		ID:         id,
		SignalID:   signal.ID,
		Instrument: instrument,
		Direction:  DirectionLong,
		EntryPrice: 100,
		StopLoss:   95,
		TakeProfit: 110,
		Size:       1,
		RiskAmount: riskAmount,
		Status:     TradeStatusOpen,
		OpenedAt:   time.Now(),
	}
	if err := store.OpenTrade(ctx, trade); err != nil {
		t.Fatalf("OpenTrade failed: %v", err)
	}
	return trade
}

func TestOpenTradeRejectsSecondOpenPerInstrument(t *testing.T) {
	store := NewMemoryStore()
	seedTrade(t, store, "t1", "BTCUSDT", "15m", 100)

	err := store.OpenTrade(context.Background(), &Trade{
		ID:         "t2",
		Instrument: "BTCUSDT",
		Status:     TradeStatusOpen,
		OpenedAt:   time.Now(),
	})
	if err == nil {
		t.Error("Should reject a second OPEN trade for the same instrument")
	}
}

func TestCurrentBalanceEmptyStore(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.CurrentBalance(context.Background()); err != ErrNotFound {
		t.Errorf("Empty store should report ErrNotFound, got %v", err)
	}
}

func TestLedgerBalanceProgression(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	pnls := []float64{150, -100, 75}
	var want float64
	for i, pnl := range pnls {
		id := fmt.Sprintf("t%d", i)
		trade := seedTrade(t, store, id, "BTCUSDT", "15m", 100)
		err := store.CloseTrade(ctx, TradeClose{
			TradeID:     trade.ID,
			ExitPrice:   100 + pnl,
			RealizedPnL: pnl,
			Reason:      CloseReasonTakeProfit,
			ClosedAt:    time.Now(),
			Narrative:   "test close",
		})
		if err != nil {
			t.Fatalf("CloseTrade failed: %v", err)
		}

		want += pnl
		got, err := store.CurrentBalance(ctx)
		if err != nil {
			t.Fatalf("CurrentBalance failed: %v", err)
		}
		if got != want {
			t.Errorf("After close %d expected running balance %.2f, got %.2f", i, want, got)
		}
	}
}

func TestCloseTradeIsIdempotentGuard(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	trade := seedTrade(t, store, "t1", "BTCUSDT", "15m", 100)
	req := TradeClose{
		TradeID:     trade.ID,
		ExitPrice:   110,
		RealizedPnL: 10,
		Reason:      CloseReasonTakeProfit,
		ClosedAt:    time.Now(),
	}
	if err := store.CloseTrade(ctx, req); err != nil {
		t.Fatalf("First close failed: %v", err)
	}

	// A replayed close must not append a second ledger entry
	if err := store.CloseTrade(ctx, req); err != ErrNotFound {
		t.Errorf("Closing an already-closed trade should return ErrNotFound, got %v", err)
	}
	balance, _ := store.CurrentBalance(ctx)
	if balance != 10 {
		t.Errorf("Balance should reflect exactly one close, got %.2f", balance)
	}
}

func TestEnsureDailyStatsFreezesStartingBalance(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	day := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	first, err := store.EnsureDailyStats(ctx, day, 5000)
	if err != nil {
		t.Fatalf("EnsureDailyStats failed: %v", err)
	}
	if first.StartingBalance != 5000 {
		t.Errorf("Expected starting balance 5000, got %.2f", first.StartingBalance)
	}

	// A later call the same day (after losses) must not move the anchor
	second, err := store.EnsureDailyStats(ctx, day, 4200)
	if err != nil {
		t.Fatalf("EnsureDailyStats failed: %v", err)
	}
	if second.StartingBalance != 5000 {
		t.Errorf("Starting balance must stay frozen at first write, got %.2f", second.StartingBalance)
	}
}

func TestDailyStatsCounters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	day := time.Now().UTC()

	if err := store.IncrementSignalCount(ctx, day); err != ErrNotFound {
		t.Errorf("Incrementing without a daily row should fail, got %v", err)
	}

	if _, err := store.EnsureDailyStats(ctx, day, 1000); err != nil {
		t.Fatalf("EnsureDailyStats failed: %v", err)
	}
	if err := store.IncrementSignalCount(ctx, day); err != nil {
		t.Fatalf("IncrementSignalCount failed: %v", err)
	}

	trade := seedTrade(t, store, "t1", "BTCUSDT", "15m", 100)
	err := store.CloseTrade(ctx, TradeClose{
		TradeID:     trade.ID,
		ExitPrice:   110,
		RealizedPnL: 200,
		Reason:      CloseReasonTakeProfit,
		ClosedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("CloseTrade failed: %v", err)
	}

	stats, err := store.DailyStatsFor(ctx, day)
	if err != nil {
		t.Fatalf("DailyStatsFor failed: %v", err)
	}
	if stats.SignalCount != 1 {
		t.Errorf("Expected 1 signal counted, got %d", stats.SignalCount)
	}
	if stats.TradeCount != 1 {
		t.Errorf("Expected 1 trade counted, got %d", stats.TradeCount)
	}
	if stats.RealizedPnL != 200 {
		t.Errorf("Expected 200 realized on the day, got %.2f", stats.RealizedPnL)
	}
}

func TestBucketStatsAggregation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Three closed trades on BTCUSDT/15m: +2R, +1R, -1R
	results := []float64{200, 100, -100}
	for i, pnl := range results {
		trade := seedTrade(t, store, fmt.Sprintf("t%d", i), "BTCUSDT", "15m", 100)
		err := store.CloseTrade(ctx, TradeClose{
			TradeID:     trade.ID,
			ExitPrice:   100,
			RealizedPnL: pnl,
			Reason:      CloseReasonTakeProfit,
			ClosedAt:    time.Now(),
		})
		if err != nil {
			t.Fatalf("CloseTrade failed: %v", err)
		}
	}

	// A 1h trade on the same instrument must not leak into the 15m bucket
	other := seedTrade(t, store, "t-other", "BTCUSDT", "1h", 100)
	if err := store.CloseTrade(ctx, TradeClose{
		TradeID:     other.ID,
		ExitPrice:   100,
		RealizedPnL: -100,
		Reason:      CloseReasonStopLoss,
		ClosedAt:    time.Now(),
	}); err != nil {
		t.Fatalf("CloseTrade failed: %v", err)
	}

	stats, err := store.BucketStatsFor(ctx, "BTCUSDT", "15m")
	if err != nil {
		t.Fatalf("BucketStatsFor failed: %v", err)
	}
	if stats.TradeCount != 3 {
		t.Fatalf("Expected 3 trades in the bucket, got %d", stats.TradeCount)
	}
	if stats.WinRate < 0.66 || stats.WinRate > 0.67 {
		t.Errorf("Expected win rate 2/3, got %.4f", stats.WinRate)
	}
	if stats.AvgWinR != 1.5 {
		t.Errorf("Expected average win 1.5R, got %.2f", stats.AvgWinR)
	}
	if stats.AvgLossR != 1.0 {
		t.Errorf("Expected average loss 1R, got %.2f", stats.AvgLossR)
	}
}

func TestRecentJournalNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		trade := seedTrade(t, store, fmt.Sprintf("t%d", i), fmt.Sprintf("SYM%dUSDT", i), "15m", 100)
		err := store.CloseTrade(ctx, TradeClose{
			TradeID:     trade.ID,
			ExitPrice:   110,
			RealizedPnL: 10,
			Reason:      CloseReasonTakeProfit,
			ClosedAt:    time.Now(),
			Narrative:   fmt.Sprintf("close %d", i),
		})
		if err != nil {
			t.Fatalf("CloseTrade failed: %v", err)
		}
	}

	entries, err := store.RecentJournal(ctx, 2)
	if err != nil {
		t.Fatalf("RecentJournal failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Narrative != "close 2" || entries[1].Narrative != "close 1" {
		t.Errorf("Entries should come newest first, got %q then %q", entries[0].Narrative, entries[1].Narrative)
	}
}

func TestActiveSignalsFiltersStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.SaveSignal(ctx, &Signal{ID: "s1", Instrument: "BTCUSDT", Status: SignalStatusActive, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveSignal failed: %v", err)
	}
	if err := store.SaveSignal(ctx, &Signal{ID: "s2", Instrument: "ETHUSDT", Status: SignalStatusActive, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveSignal failed: %v", err)
	}
	reason := "expired after 5m0s"
	if err := store.UpdateSignalStatus(ctx, "s2", SignalStatusExpired, &reason); err != nil {
		t.Fatalf("UpdateSignalStatus failed: %v", err)
	}

	active, err := store.ActiveSignals(ctx)
	if err != nil {
		t.Fatalf("ActiveSignals failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "s1" {
		t.Errorf("Only s1 should remain active, got %+v", active)
	}
}

func TestLastSignalTimeSkipsCandidate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.LastSignalTime(ctx, "BTCUSDT", "s2"); err != ErrNotFound {
		t.Errorf("Empty store should report ErrNotFound, got %v", err)
	}

	earlier := time.Now().Add(-3 * time.Minute)
	if err := store.SaveSignal(ctx, &Signal{ID: "s1", Instrument: "BTCUSDT", Status: SignalStatusCancelled, CreatedAt: earlier}); err != nil {
		t.Fatalf("SaveSignal failed: %v", err)
	}
	if err := store.SaveSignal(ctx, &Signal{ID: "s2", Instrument: "BTCUSDT", Status: SignalStatusActive, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveSignal failed: %v", err)
	}

	// The candidate's own row is excluded; the cancelled predecessor counts
	last, err := store.LastSignalTime(ctx, "BTCUSDT", "s2")
	if err != nil {
		t.Fatalf("LastSignalTime failed: %v", err)
	}
	if !last.Equal(earlier) {
		t.Errorf("Expected the predecessor's creation time %v, got %v", earlier, last)
	}

	if _, err := store.LastSignalTime(ctx, "ETHUSDT", "s2"); err != ErrNotFound {
		t.Errorf("Other instruments should report ErrNotFound, got %v", err)
	}
}

func TestBalanceSurvivesRestartSeed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Recovery seeds a daily row before any trade closes; the balance
	// reads back as the frozen starting balance rather than zero
	day := time.Now().UTC()
	if _, err := store.EnsureDailyStats(ctx, day, 10000); err != nil {
		t.Fatalf("EnsureDailyStats failed: %v", err)
	}

	balance, err := store.CurrentBalance(ctx)
	if err != nil {
		t.Fatalf("CurrentBalance failed: %v", err)
	}
	if balance != 10000 {
		t.Errorf("Expected seeded balance 10000, got %.2f", balance)
	}

	// Once the ledger has entries they take precedence
	trade := seedTrade(t, store, "t1", "BTCUSDT", "15m", 100)
	if err := store.CloseTrade(ctx, TradeClose{
		TradeID:     trade.ID,
		ExitPrice:   110,
		RealizedPnL: 250,
		Reason:      CloseReasonTakeProfit,
		ClosedAt:    time.Now(),
	}); err != nil {
		t.Fatalf("CloseTrade failed: %v", err)
	}
	balance, _ = store.CurrentBalance(ctx)
	if balance != 10250 {
		t.Errorf("Ledger should extend the seeded balance, got %.2f", balance)
	}
}
