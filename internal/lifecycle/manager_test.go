package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"orderflow-bot/internal/database"
	"orderflow-bot/internal/events"
	"orderflow-bot/internal/market"
	"orderflow-bot/internal/provider"
	"orderflow-bot/internal/risk"
)

func testOptions() Options {
	return Options{
		EntryCooldown:        5 * time.Minute,
		MaxOpenPositions:     3,
		MaxHoldTime:          4 * time.Hour,
		SessionCloseLead:     15 * time.Minute,
		CorrelationThreshold: 0.7,
		CorrTimeframe:        "15m",
		CorrWindow:           20,
	}
}

func newTestManager(store database.Store, prov provider.Provider, opts Options) (*Manager, *market.PriceCache) {
	prices := market.NewPriceCache(time.Minute)
	series := market.NewSeriesStore(100)
	return NewManager(store, prov, prices, series, events.NewBus(), opts, zerolog.Nop()), prices
}

// openTestTrade seeds an OPEN trade directly in the store
func openTestTrade(t *testing.T, store database.Store, id, instrument string, direction database.Direction, entry, stop, tp, size, riskAmount float64, openedAt time.Time) *database.Trade {
	t.Helper()
	trade := &database.Trade{
		ID:         id,
		SignalID:   id + "-sig",
		Instrument: instrument,
		Direction:  direction,
		EntryPrice: entry,
		StopLoss:   stop,
		TakeProfit: tp,
		Size:       size,
		RiskAmount: riskAmount,
		Status:     database.TradeStatusOpen,
		OpenedAt:   openedAt,
	}
	if err := store.OpenTrade(context.Background(), trade); err != nil {
		t.Fatalf("seeding open trade: %v", err)
	}
	return trade
}

func TestCanOpenRejectsExistingOpenTrade(t *testing.T) {
	store := database.NewMemoryStore()
	m, _ := newTestManager(store, provider.NewMockProvider(10000), testOptions())

	openTestTrade(t, store, "t1", "BTCUSDT", database.DirectionLong, 100, 95, 110, 1, 5, time.Now())

	ok, reason, err := m.CanOpen(context.Background(), &database.Signal{Instrument: "BTCUSDT"}, time.Now())
	if err != nil {
		t.Fatalf("CanOpen failed: %v", err)
	}
	if ok {
		t.Fatal("Should reject while an open trade exists for the instrument")
	}
	if !strings.Contains(reason, "open trade") {
		t.Errorf("Reason should name the open trade, got %q", reason)
	}
}

func TestCanOpenCooldown(t *testing.T) {
	store := database.NewMemoryStore()
	m, _ := newTestManager(store, provider.NewMockProvider(10000), testOptions())
	ctx := context.Background()

	// A trade opened and closed two minutes ago leaves the cooldown active
	trade := openTestTrade(t, store, "t1", "BTCUSDT", database.DirectionLong, 100, 95, 110, 1, 5, time.Now().Add(-2*time.Minute))
	err := store.CloseTrade(ctx, database.TradeClose{
		TradeID:     trade.ID,
		ExitPrice:   110,
		RealizedPnL: 10,
		Reason:      database.CloseReasonTakeProfit,
		ClosedAt:    time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("CloseTrade failed: %v", err)
	}

	ok, reason, err := m.CanOpen(ctx, &database.Signal{Instrument: "BTCUSDT"}, time.Now())
	if err != nil {
		t.Fatalf("CanOpen failed: %v", err)
	}
	if ok {
		t.Fatal("Should reject a second entry inside the cooldown window")
	}
	if !strings.Contains(reason, "cooldown") {
		t.Errorf("Reason should name the cooldown, got %q", reason)
	}

	// Past the cooldown the guard clears
	ok, _, err = m.CanOpen(ctx, &database.Signal{Instrument: "BTCUSDT"}, time.Now().Add(10*time.Minute))
	if err != nil {
		t.Fatalf("CanOpen failed: %v", err)
	}
	if !ok {
		t.Error("Should pass once the cooldown has elapsed")
	}
}

func TestCanOpenCooldownAfterUnfilledSignal(t *testing.T) {
	store := database.NewMemoryStore()
	m, _ := newTestManager(store, provider.NewMockProvider(10000), testOptions())
	ctx := context.Background()

	// A signal from one minute ago that never became a trade still holds
	// the cooldown against the next candidate
	reason := "regime_filter: extreme volatility"
	first := &database.Signal{
		ID:         "sig-1",
		Instrument: "BTCUSDT",
		Direction:  database.DirectionLong,
		EntryPrice: 100,
		Status:     database.SignalStatusCancelled,
		Reason:     &reason,
		CreatedAt:  time.Now().Add(-time.Minute),
	}
	if err := store.SaveSignal(ctx, first); err != nil {
		t.Fatalf("SaveSignal failed: %v", err)
	}

	second := &database.Signal{ID: "sig-2", Instrument: "BTCUSDT", CreatedAt: time.Now()}
	if err := store.SaveSignal(ctx, second); err != nil {
		t.Fatalf("SaveSignal failed: %v", err)
	}

	ok, why, err := m.CanOpen(ctx, second, time.Now())
	if err != nil {
		t.Fatalf("CanOpen failed: %v", err)
	}
	if ok {
		t.Fatal("Should reject a second signal inside the cooldown window even without a trade")
	}
	if !strings.Contains(why, "cooldown") {
		t.Errorf("Reason should name the cooldown, got %q", why)
	}

	// Past the cooldown the guard clears
	ok, _, err = m.CanOpen(ctx, second, time.Now().Add(10*time.Minute))
	if err != nil {
		t.Fatalf("CanOpen failed: %v", err)
	}
	if !ok {
		t.Error("Should pass once the cooldown has elapsed")
	}

	// A different instrument is unaffected
	other := &database.Signal{ID: "sig-3", Instrument: "ETHUSDT", CreatedAt: time.Now()}
	if err := store.SaveSignal(ctx, other); err != nil {
		t.Fatalf("SaveSignal failed: %v", err)
	}
	ok, why, err = m.CanOpen(ctx, other, time.Now())
	if err != nil {
		t.Fatalf("CanOpen failed: %v", err)
	}
	if !ok {
		t.Errorf("Cooldown is per instrument, got veto: %s", why)
	}
}

func TestCanOpenIgnoresOwnPersistedSignal(t *testing.T) {
	store := database.NewMemoryStore()
	m, _ := newTestManager(store, provider.NewMockProvider(10000), testOptions())
	ctx := context.Background()

	// The candidate is saved before the guard runs; its own row must not
	// trip the cooldown
	signal := &database.Signal{
		ID:         "sig-1",
		Instrument: "BTCUSDT",
		Status:     database.SignalStatusActive,
		CreatedAt:  time.Now(),
	}
	if err := store.SaveSignal(ctx, signal); err != nil {
		t.Fatalf("SaveSignal failed: %v", err)
	}

	ok, reason, err := m.CanOpen(ctx, signal, time.Now())
	if err != nil {
		t.Fatalf("CanOpen failed: %v", err)
	}
	if !ok {
		t.Errorf("A candidate's own row should not hold the cooldown, got veto: %s", reason)
	}
}

func TestCanOpenMaxPositions(t *testing.T) {
	store := database.NewMemoryStore()
	opts := testOptions()
	opts.MaxOpenPositions = 1
	m, _ := newTestManager(store, provider.NewMockProvider(10000), opts)

	openTestTrade(t, store, "t1", "ETHUSDT", database.DirectionLong, 100, 95, 110, 1, 5, time.Now())

	ok, reason, err := m.CanOpen(context.Background(), &database.Signal{Instrument: "BTCUSDT"}, time.Now())
	if err != nil {
		t.Fatalf("CanOpen failed: %v", err)
	}
	if ok {
		t.Fatal("Should reject at the concurrent position cap")
	}
	if !strings.Contains(reason, "max concurrent") {
		t.Errorf("Reason should name the position cap, got %q", reason)
	}
}

func TestTickTakeProfit(t *testing.T) {
	store := database.NewMemoryStore()
	m, prices := newTestManager(store, provider.NewMockProvider(10000), testOptions())
	ctx := context.Background()

	openTestTrade(t, store, "t1", "BTCUSDT", database.DirectionLong, 100, 95, 110, 20, 100, time.Now())
	prices.Update("BTCUSDT", 111)

	if err := m.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	open, _ := store.OpenTrades(ctx)
	if len(open) != 0 {
		t.Fatal("Trade should be closed after take-profit")
	}

	closed, err := store.OpenTradeByInstrument(ctx, "BTCUSDT")
	if err != database.ErrNotFound || closed != nil {
		t.Error("No open trade should remain")
	}

	balance, err := store.CurrentBalance(ctx)
	if err != nil {
		t.Fatalf("CurrentBalance failed: %v", err)
	}
	// Exit books at the stored target: (110-100)*20 = 200
	if balance != 200 {
		t.Errorf("Expected ledger balance 200 after the win, got %.2f", balance)
	}
}

func TestTickStopLossCapsGappedLoss(t *testing.T) {
	store := database.NewMemoryStore()
	m, prices := newTestManager(store, provider.NewMockProvider(10000), testOptions())
	ctx := context.Background()

	// Risk amount 100; a gap to 90 implies a 200 loss
	openTestTrade(t, store, "t1", "BTCUSDT", database.DirectionLong, 100, 95, 110, 20, 100, time.Now())
	prices.Update("BTCUSDT", 90)

	if err := m.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	balance, err := store.CurrentBalance(ctx)
	if err != nil {
		t.Fatalf("CurrentBalance failed: %v", err)
	}
	if balance != -100 {
		t.Errorf("Loss should be capped at the risk amount: expected -100, got %.2f", balance)
	}
}

func TestTickShortTakeProfit(t *testing.T) {
	store := database.NewMemoryStore()
	m, prices := newTestManager(store, provider.NewMockProvider(10000), testOptions())
	ctx := context.Background()

	openTestTrade(t, store, "t1", "BTCUSDT", database.DirectionShort, 100, 105, 90, 10, 50, time.Now())
	prices.Update("BTCUSDT", 89)

	if err := m.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	balance, err := store.CurrentBalance(ctx)
	if err != nil {
		t.Fatalf("CurrentBalance failed: %v", err)
	}
	// Short win books at the target: (100-90)*10 = 100
	if balance != 100 {
		t.Errorf("Expected ledger balance 100 after the short win, got %.2f", balance)
	}
}

func TestTickMaxHold(t *testing.T) {
	store := database.NewMemoryStore()
	m, prices := newTestManager(store, provider.NewMockProvider(10000), testOptions())
	ctx := context.Background()

	// Five hours old with price between stop and target
	openTestTrade(t, store, "t1", "BTCUSDT", database.DirectionLong, 100, 95, 110, 20, 100, time.Now().Add(-5*time.Hour))
	prices.Update("BTCUSDT", 102)

	if err := m.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	journal, _ := store.RecentJournal(ctx, 1)
	if len(journal) != 1 {
		t.Fatal("Close should append a journal entry")
	}
	if !strings.Contains(journal[0].Narrative, database.CloseReasonMaxHoldTime) {
		t.Errorf("Journal should record the max-hold close, got %q", journal[0].Narrative)
	}
}

func TestManualClosePrecedence(t *testing.T) {
	store := database.NewMemoryStore()
	m, _ := newTestManager(store, provider.NewMockProvider(10000), testOptions())

	trade := &database.Trade{
		Instrument: "BTCUSDT",
		Direction:  database.DirectionLong,
		EntryPrice: 100,
		StopLoss:   95,
		TakeProfit: 110,
		Size:       20,
		RiskAmount: 100,
		OpenedAt:   time.Now(),
	}

	// Even with the target hit, an operator request wins
	m.RequestClose("BTCUSDT")
	exit := m.evaluateExits(trade, 111, time.Now())
	if exit == nil || exit.reason != database.CloseReasonManual {
		t.Errorf("Manual close should take precedence, got %+v", exit)
	}
}

func TestExitPriorityTakeProfitBeforeStop(t *testing.T) {
	store := database.NewMemoryStore()
	m, _ := newTestManager(store, provider.NewMockProvider(10000), testOptions())

	trade := &database.Trade{
		Instrument: "BTCUSDT",
		Direction:  database.DirectionLong,
		EntryPrice: 100,
		StopLoss:   95,
		TakeProfit: 110,
		Size:       20,
		RiskAmount: 100,
		OpenedAt:   time.Now().Add(-5 * time.Hour), // Max hold also exceeded
	}

	exit := m.evaluateExits(trade, 111, time.Now())
	if exit == nil || exit.reason != database.CloseReasonTakeProfit {
		t.Errorf("Take-profit should outrank the hold timer, got %+v", exit)
	}
}

func TestSessionCloseWindow(t *testing.T) {
	store := database.NewMemoryStore()
	opts := testOptions()
	opts.SessionClose = "21:00"
	m, _ := newTestManager(store, provider.NewMockProvider(10000), opts)

	inWindow := time.Date(2026, 8, 30, 20, 50, 0, 0, time.UTC)
	if !m.inSessionCloseWindow(inWindow) {
		t.Error("20:50 should be inside the 15-minute lead before 21:00")
	}

	before := time.Date(2026, 8, 30, 20, 40, 0, 0, time.UTC)
	if m.inSessionCloseWindow(before) {
		t.Error("20:40 should be outside the lead window")
	}

	after := time.Date(2026, 8, 30, 21, 5, 0, 0, time.UTC)
	if m.inSessionCloseWindow(after) {
		t.Error("After the boundary the window no longer applies")
	}

	// Disabled when unset
	m.opts.SessionClose = ""
	if m.inSessionCloseWindow(inWindow) {
		t.Error("Empty session close should disable the window")
	}
}

func TestTickRetriesFailedClose(t *testing.T) {
	store := database.NewMemoryStore()
	m, prices := newTestManager(store, provider.NewMockProvider(10000), testOptions())
	ctx := context.Background()

	openTestTrade(t, store, "t1", "BTCUSDT", database.DirectionLong, 100, 95, 110, 20, 100, time.Now())
	prices.Update("BTCUSDT", 111)

	// The store rejects the close; the trade must stay OPEN
	store.FailCloses = true
	if err := m.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	open, _ := store.OpenTrades(ctx)
	if len(open) != 1 {
		t.Fatal("Trade must remain OPEN when the close fails to persist")
	}
	if m.PersistFailures() != 1 {
		t.Errorf("Expected 1 recorded persist failure, got %d", m.PersistFailures())
	}

	// Next tick succeeds
	store.FailCloses = false
	if err := m.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	open, _ = store.OpenTrades(ctx)
	if len(open) != 0 {
		t.Error("Trade should close once persistence recovers")
	}
}

// unknownOutcomeProvider fails every submission but reports the order as
// filled when queried, simulating a venue timeout after acceptance
type unknownOutcomeProvider struct {
	*provider.MockProvider
	lastClientOrderID string
}

func (p *unknownOutcomeProvider) PlaceOrder(_ context.Context, req provider.OrderRequest) (*provider.OrderResult, error) {
	p.lastClientOrderID = req.ClientOrderID
	return nil, fmt.Errorf("%w: connection reset", provider.ErrUnknownOutcome)
}

func (p *unknownOutcomeProvider) GetOrderStatus(_ context.Context, orderID string) (*provider.OrderStatus, error) {
	if orderID != p.lastClientOrderID {
		return nil, provider.ErrNotFound
	}
	return &provider.OrderStatus{
		ClientOrderID: orderID,
		Status:        "FILLED",
		FillPrice:     100.5,
	}, nil
}

func TestUnknownOutcomeReconciliation(t *testing.T) {
	store := database.NewMemoryStore()
	prov := &unknownOutcomeProvider{MockProvider: provider.NewMockProvider(10000)}
	m, _ := newTestManager(store, prov, testOptions())
	ctx := context.Background()

	signal := &database.Signal{
		ID:         "sig-1",
		Instrument: "BTCUSDT",
		Direction:  database.DirectionLong,
		EntryPrice: 100,
		Status:     database.SignalStatusActive,
	}
	if err := store.SaveSignal(ctx, signal); err != nil {
		t.Fatalf("SaveSignal failed: %v", err)
	}
	plan := &risk.Plan{EntryPrice: 100, StopLoss: 95, TakeProfit: 110, RiskAmount: 100}

	_, err := m.Open(ctx, signal, plan, 20, time.Now())
	if !errors.Is(err, provider.ErrUnknownOutcome) {
		t.Fatalf("Expected unknown outcome error, got %v", err)
	}

	// Nothing opened yet
	open, _ := store.OpenTrades(ctx)
	if len(open) != 0 {
		t.Fatal("No trade should exist before reconciliation")
	}

	// The next tick reconciles the fill into an OPEN trade
	if err := m.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	open, _ = store.OpenTrades(ctx)
	if len(open) != 1 {
		t.Fatal("Reconciliation should open the filled trade")
	}
	if open[0].EntryPrice != 100.5 {
		t.Errorf("Reconciled entry should use the venue fill price, got %.2f", open[0].EntryPrice)
	}
}

func TestTickSkipsDuplicateOpenTrades(t *testing.T) {
	store := database.NewMemoryStore()
	m, prices := newTestManager(store, provider.NewMockProvider(10000), testOptions())
	ctx := context.Background()

	openTestTrade(t, store, "t1", "BTCUSDT", database.DirectionLong, 100, 95, 110, 20, 100, time.Now())
	prices.Update("BTCUSDT", 102)

	// A second tick pass over the same instrument must not double-process
	if err := m.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	open, _ := store.OpenTrades(ctx)
	if len(open) != 1 {
		t.Errorf("Trade between stop and target should stay open, got %d open", len(open))
	}
}
