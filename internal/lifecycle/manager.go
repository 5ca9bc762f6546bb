// Package lifecycle owns the trade state machine: entry guards before a
// signal becomes an OPEN trade, and exit evaluation on every tick until the
// trade is durably CLOSED.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"orderflow-bot/internal/database"
	"orderflow-bot/internal/events"
	"orderflow-bot/internal/indicators"
	"orderflow-bot/internal/market"
	"orderflow-bot/internal/provider"
	"orderflow-bot/internal/risk"
)

// Options configure the entry guards and exit rules
type Options struct {
	EntryCooldown        time.Duration
	MaxOpenPositions     int
	MaxHoldTime          time.Duration
	SessionClose         string // "HH:MM" UTC, empty disables
	SessionCloseLead     time.Duration
	MinEntrySeparation   float64 // Percent move since a correlated entry before stacking
	CorrelationThreshold float64
	CorrTimeframe        string
	CorrWindow           int
}

// Manager drives trades through SIGNAL_GENERATED -> OPEN -> CLOSED. All
// trade and balance state lives in the store; the manager holds only the
// manual-close queue and failure counters.
type Manager struct {
	store    database.Store
	provider provider.Provider
	prices   *market.PriceCache
	series   *market.SeriesStore
	bus      *events.Bus
	opts     Options
	logger   zerolog.Logger

	mu           sync.Mutex
	manualCloses map[string]bool          // Instruments queued for operator close
	pending      map[string]*pendingOrder // Unknown-outcome submissions keyed by client order ID

	persistFailures int64
}

// pendingOrder is an order submission whose outcome is unknown. It is
// neither open nor failed until the venue answers a status query.
type pendingOrder struct {
	signal   *database.Signal
	plan     *risk.Plan
	size     float64
	placedAt time.Time
}

// NewManager creates the lifecycle manager
func NewManager(store database.Store, prov provider.Provider, prices *market.PriceCache, series *market.SeriesStore, bus *events.Bus, opts Options, logger zerolog.Logger) *Manager {
	return &Manager{
		store:        store,
		provider:     prov,
		prices:       prices,
		series:       series,
		bus:          bus,
		opts:         opts,
		logger:       logger,
		manualCloses: make(map[string]bool),
		pending:      make(map[string]*pendingOrder),
	}
}

// CanOpen runs the entry guards for a sized candidate. A false result names
// the failing guard.
func (m *Manager) CanOpen(ctx context.Context, signal *database.Signal, now time.Time) (bool, string, error) {
	existing, err := m.store.OpenTradeByInstrument(ctx, signal.Instrument)
	if err != nil && err != database.ErrNotFound {
		return false, "", fmt.Errorf("open trade lookup: %w", err)
	}
	if existing != nil {
		return false, fmt.Sprintf("open trade %s already exists for %s", existing.ID, signal.Instrument), nil
	}

	lastSignal, err := m.store.LastSignalTime(ctx, signal.Instrument, signal.ID)
	if err != nil && err != database.ErrNotFound {
		return false, "", fmt.Errorf("last signal lookup: %w", err)
	}
	if err == nil {
		if elapsed := now.Sub(lastSignal); elapsed < m.opts.EntryCooldown {
			return false, fmt.Sprintf("cooldown active: %s since last signal, need %s", elapsed.Round(time.Second), m.opts.EntryCooldown), nil
		}
	}

	// Trades recovered from a prior run may have no signal row left; their
	// open time still holds the cooldown
	lastTrade, err := m.store.LastTradeTime(ctx, signal.Instrument)
	if err != nil && err != database.ErrNotFound {
		return false, "", fmt.Errorf("last trade lookup: %w", err)
	}
	if err == nil {
		if elapsed := now.Sub(lastTrade); elapsed < m.opts.EntryCooldown {
			return false, fmt.Sprintf("cooldown active: %s since last trade, need %s", elapsed.Round(time.Second), m.opts.EntryCooldown), nil
		}
	}

	open, err := m.store.OpenTrades(ctx)
	if err != nil {
		return false, "", fmt.Errorf("open trades lookup: %w", err)
	}
	if m.opts.MaxOpenPositions > 0 && len(open) >= m.opts.MaxOpenPositions {
		return false, fmt.Sprintf("max concurrent positions reached (%d)", m.opts.MaxOpenPositions), nil
	}

	if ok, reason := m.checkCorrelatedSeparation(signal, open); !ok {
		return false, reason, nil
	}

	return true, "", nil
}

// checkCorrelatedSeparation blocks stacking a fresh entry onto a correlated
// instrument whose own trade has not yet moved away from its entry. Without
// separation the two positions are one doubled bet.
func (m *Manager) checkCorrelatedSeparation(signal *database.Signal, open []database.Trade) (bool, string) {
	if m.opts.MinEntrySeparation <= 0 {
		return true, ""
	}

	for _, t := range open {
		if t.Direction != signal.Direction {
			continue
		}
		if m.correlation(signal.Instrument, t.Instrument) < m.opts.CorrelationThreshold {
			continue
		}

		price, ok := m.prices.Get(t.Instrument)
		if !ok || t.EntryPrice == 0 {
			continue
		}
		movePct := (price - t.EntryPrice) / t.EntryPrice * 100
		if movePct < 0 {
			movePct = -movePct
		}
		if movePct < m.opts.MinEntrySeparation {
			return false, fmt.Sprintf("correlated entry too close: %s moved %.2f%% since entry, need %.2f%%",
				t.Instrument, movePct, m.opts.MinEntrySeparation)
		}
	}
	return true, ""
}

func (m *Manager) correlation(a, b string) float64 {
	if a == b {
		return 1.0
	}
	closesA := m.series.Closes(a, m.opts.CorrTimeframe)
	closesB := m.series.Closes(b, m.opts.CorrTimeframe)
	if len(closesA) < m.opts.CorrWindow+1 || len(closesB) < m.opts.CorrWindow+1 {
		return 1.0
	}
	return indicators.Correlation(
		indicators.Returns(closesA[len(closesA)-m.opts.CorrWindow-1:]),
		indicators.Returns(closesB[len(closesB)-m.opts.CorrWindow-1:]),
	)
}

// Open submits the order and persists the OPEN trade. The order is placed
// first; an unknown submission outcome is returned to the caller for
// reconciliation rather than assumed failed.
func (m *Manager) Open(ctx context.Context, signal *database.Signal, plan *risk.Plan, size float64, now time.Time) (*database.Trade, error) {
	clientOrderID := uuid.New().String()

	side := provider.SideBuy
	if signal.Direction == database.DirectionShort {
		side = provider.SideSell
	}

	result, err := m.provider.PlaceOrder(ctx, provider.OrderRequest{
		Instrument:    signal.Instrument,
		Side:          side,
		Size:          size,
		StopLoss:      plan.StopLoss,
		TakeProfit:    plan.TakeProfit,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		if errors.Is(err, provider.ErrUnknownOutcome) {
			// The venue may have accepted the order. Park it for the
			// reconciliation pass instead of resubmitting.
			m.mu.Lock()
			m.pending[clientOrderID] = &pendingOrder{signal: signal, plan: plan, size: size, placedAt: now}
			m.mu.Unlock()
			m.logger.Warn().
				Str("instrument", signal.Instrument).
				Str("client_order_id", clientOrderID).
				Msg("order outcome unknown, queued for reconciliation")
		}
		return nil, fmt.Errorf("order submission for %s: %w", signal.Instrument, err)
	}

	entry := plan.EntryPrice
	if result.FillPrice > 0 {
		entry = result.FillPrice
	}

	trade := &database.Trade{
		ID:            uuid.New().String(),
		SignalID:      signal.ID,
		Instrument:    signal.Instrument,
		Direction:     signal.Direction,
		EntryPrice:    entry,
		StopLoss:      plan.StopLoss,
		TakeProfit:    plan.TakeProfit,
		TargetType:    plan.TargetType,
		RiskReward:    plan.RiskReward,
		Size:          size,
		RiskAmount:    plan.RiskAmount,
		ClientOrderID: clientOrderID,
		Status:        database.TradeStatusOpen,
		OpenedAt:      now,
	}

	if err := m.store.OpenTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("persisting open trade: %w", err)
	}

	m.logger.Info().
		Str("trade_id", trade.ID).
		Str("instrument", trade.Instrument).
		Str("direction", string(trade.Direction)).
		Float64("entry", trade.EntryPrice).
		Float64("stop", trade.StopLoss).
		Float64("target", trade.TakeProfit).
		Float64("size", trade.Size).
		Msg("trade opened")

	m.bus.PublishTradeOpened(trade.Instrument, string(trade.Direction), trade.EntryPrice, trade.Size)
	return trade, nil
}

// RequestClose queues an operator close for the instrument's open trade.
// Applied on the next tick with precedence over every other exit.
func (m *Manager) RequestClose(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manualCloses[instrument] = true
	m.logger.Info().Str("instrument", instrument).Msg("manual close requested")
}

// PersistFailures reports how many trade-close persists have failed since
// start. Used by the health signal.
func (m *Manager) PersistFailures() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistFailures
}

// Tick evaluates exit conditions for every open trade. Prices come from the
// push-fed cache only; a trade with no fresh price is skipped this cycle.
// Close persistence failures leave the trade OPEN for retry next tick.
func (m *Manager) Tick(ctx context.Context, now time.Time) error {
	m.reconcilePending(ctx)

	trades, err := m.store.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("loading open trades: %w", err)
	}

	seen := make(map[string]bool, len(trades))
	for i := range trades {
		t := &trades[i]

		if seen[t.Instrument] {
			m.logger.Error().
				Str("instrument", t.Instrument).
				Str("trade_id", t.ID).
				Msg("invariant violation: multiple OPEN trades for one instrument, skipping")
			continue
		}
		seen[t.Instrument] = true

		price, ok := m.prices.Get(t.Instrument)
		if !ok {
			m.logger.Debug().Str("instrument", t.Instrument).Msg("no fresh price, deferring exit checks")
			continue
		}

		if exit := m.evaluateExits(t, price, now); exit != nil {
			if err := m.close(ctx, t, exit, now); err != nil {
				m.logger.Error().Err(err).
					Str("trade_id", t.ID).
					Msg("trade close not persisted, will retry next tick")
			}
		}
	}
	return nil
}

// reconcilePending queries the venue for orders whose submission outcome was
// unknown. A filled order becomes an OPEN trade; a rejected, cancelled, or
// unknown order releases its signal back to CANCELLED.
func (m *Manager) reconcilePending(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, clientOrderID := range ids {
		m.mu.Lock()
		p := m.pending[clientOrderID]
		m.mu.Unlock()
		if p == nil {
			continue
		}

		status, err := m.provider.GetOrderStatus(ctx, clientOrderID)
		if err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				// The venue never saw the order; the submission truly failed
				m.resolvePending(ctx, clientOrderID, p, "order not found at venue")
				continue
			}
			m.logger.Warn().Err(err).
				Str("client_order_id", clientOrderID).
				Msg("reconciliation query failed, retrying next tick")
			continue
		}

		switch status.Status {
		case "FILLED":
			entry := status.FillPrice
			if entry <= 0 {
				entry = p.plan.EntryPrice
			}
			trade := &database.Trade{
				ID:            uuid.New().String(),
				SignalID:      p.signal.ID,
				Instrument:    p.signal.Instrument,
				Direction:     p.signal.Direction,
				EntryPrice:    entry,
				StopLoss:      p.plan.StopLoss,
				TakeProfit:    p.plan.TakeProfit,
				TargetType:    p.plan.TargetType,
				RiskReward:    p.plan.RiskReward,
				Size:          p.size,
				RiskAmount:    p.plan.RiskAmount,
				ClientOrderID: clientOrderID,
				Status:        database.TradeStatusOpen,
				OpenedAt:      p.placedAt,
			}
			if err := m.store.OpenTrade(ctx, trade); err != nil {
				m.logger.Error().Err(err).
					Str("client_order_id", clientOrderID).
					Msg("reconciled fill not persisted, retrying next tick")
				continue
			}
			m.mu.Lock()
			delete(m.pending, clientOrderID)
			m.mu.Unlock()
			m.logger.Info().
				Str("trade_id", trade.ID).
				Str("instrument", trade.Instrument).
				Msg("reconciled unknown-outcome order as filled")
			m.bus.PublishTradeOpened(trade.Instrument, string(trade.Direction), trade.EntryPrice, trade.Size)

		case "REJECTED", "CANCELLED":
			m.resolvePending(ctx, clientOrderID, p, fmt.Sprintf("order %s at venue", status.Status))

		default:
			// Still working at the venue, check again next tick
		}
	}
}

// resolvePending drops a pending order that definitively did not fill
func (m *Manager) resolvePending(ctx context.Context, clientOrderID string, p *pendingOrder, why string) {
	reason := why
	if err := m.store.UpdateSignalStatus(ctx, p.signal.ID, database.SignalStatusCancelled, &reason); err != nil {
		m.logger.Error().Err(err).
			Str("signal_id", p.signal.ID).
			Msg("failed to cancel signal for unfilled order, retrying next tick")
		return
	}
	m.mu.Lock()
	delete(m.pending, clientOrderID)
	m.mu.Unlock()
	m.logger.Info().
		Str("client_order_id", clientOrderID).
		Str("reason", why).
		Msg("unknown-outcome order resolved as not filled")
}

type exitDecision struct {
	reason    string
	exitPrice float64
}

func (m *Manager) evaluateExits(t *database.Trade, price float64, now time.Time) *exitDecision {
	m.mu.Lock()
	manual := m.manualCloses[t.Instrument]
	m.mu.Unlock()
	if manual {
		return &exitDecision{reason: database.CloseReasonManual, exitPrice: price}
	}

	long := t.Direction == database.DirectionLong

	if (long && price >= t.TakeProfit) || (!long && price <= t.TakeProfit) {
		return &exitDecision{reason: database.CloseReasonTakeProfit, exitPrice: t.TakeProfit}
	}

	if (long && price <= t.StopLoss) || (!long && price >= t.StopLoss) {
		// Exit recorded at observed price; the loss cap is applied in close
		return &exitDecision{reason: database.CloseReasonStopLoss, exitPrice: price}
	}

	if m.opts.MaxHoldTime > 0 && now.Sub(t.OpenedAt) >= m.opts.MaxHoldTime {
		return &exitDecision{reason: database.CloseReasonMaxHoldTime, exitPrice: price}
	}

	if m.inSessionCloseWindow(now) {
		return &exitDecision{reason: database.CloseReasonSession, exitPrice: price}
	}

	return nil
}

// inSessionCloseWindow reports whether now falls inside the lead window
// before the configured session boundary
func (m *Manager) inSessionCloseWindow(now time.Time) bool {
	if m.opts.SessionClose == "" {
		return false
	}

	var hh, mm int
	if _, err := fmt.Sscanf(m.opts.SessionClose, "%d:%d", &hh, &mm); err != nil {
		return false
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return false
	}

	nowUTC := now.UTC()
	boundary := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day(), hh, mm, 0, 0, time.UTC)
	return !nowUTC.Before(boundary.Add(-m.opts.SessionCloseLead)) && nowUTC.Before(boundary)
}

// close computes realized P&L, applies the loss cap, and persists the close
// atomically. On success the manual-close flag for the instrument clears.
func (m *Manager) close(ctx context.Context, t *database.Trade, exit *exitDecision, now time.Time) error {
	pnl := (exit.exitPrice - t.EntryPrice) * t.Size
	if t.Direction == database.DirectionShort {
		pnl = -pnl
	}

	// Losses never exceed the risk taken, whatever the observed fill
	if pnl < -t.RiskAmount {
		pnl = -t.RiskAmount
	}

	narrative := m.narrative(t, exit, pnl)

	err := m.store.CloseTrade(ctx, database.TradeClose{
		TradeID:     t.ID,
		ExitPrice:   exit.exitPrice,
		RealizedPnL: pnl,
		Reason:      exit.reason,
		ClosedAt:    now,
		Narrative:   narrative,
	})
	if err != nil {
		m.mu.Lock()
		m.persistFailures++
		m.mu.Unlock()
		return fmt.Errorf("close transaction for trade %s: %w", t.ID, err)
	}

	m.mu.Lock()
	delete(m.manualCloses, t.Instrument)
	m.mu.Unlock()

	balance, balErr := m.store.CurrentBalance(ctx)
	if balErr != nil {
		balance = 0
	}

	m.logger.Info().
		Str("trade_id", t.ID).
		Str("instrument", t.Instrument).
		Str("reason", exit.reason).
		Float64("exit", exit.exitPrice).
		Float64("pnl", pnl).
		Msg("trade closed")

	m.bus.PublishTradeClosed(t.Instrument, exit.reason, exit.exitPrice, pnl, balance)
	return nil
}

// narrative builds the journal line recorded with the close
func (m *Manager) narrative(t *database.Trade, exit *exitDecision, pnl float64) string {
	outcome := "loss"
	if pnl >= 0 {
		outcome = "win"
	}

	rMultiple := 0.0
	if t.RiskAmount > 0 {
		rMultiple = pnl / t.RiskAmount
	}

	return fmt.Sprintf("%s %s closed (%s): entry %.2f exit %.2f size %.4f, %s of %.2f (%.2fR), target was %s at %.2f",
		t.Instrument, t.Direction, exit.reason,
		t.EntryPrice, exit.exitPrice, t.Size,
		outcome, pnl, rMultiple,
		t.TargetType, t.TakeProfit)
}
