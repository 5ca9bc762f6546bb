// Package engine runs the periodic control loop: refresh market data,
// detect and score setups, size and filter candidates, gate and open
// entries, and tick open trades toward their exits.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"orderflow-bot/config"
	"orderflow-bot/internal/confluence"
	"orderflow-bot/internal/database"
	"orderflow-bot/internal/events"
	"orderflow-bot/internal/filters"
	"orderflow-bot/internal/lifecycle"
	"orderflow-bot/internal/market"
	"orderflow-bot/internal/patterns"
	"orderflow-bot/internal/provider"
	"orderflow-bot/internal/risk"
	"orderflow-bot/internal/safety"
)

// Engine wires detection, scoring, sizing, filtering, gating, and lifecycle
// into one loop. All durable state lives in the store; the engine holds
// only health counters and the last cycle snapshot.
type Engine struct {
	cfg       *config.Config
	store     database.Store
	provider  provider.Provider
	series    *market.SeriesStore
	prices    *market.PriceCache
	detector  *patterns.Detector
	scorer    *confluence.Scorer
	risk      *risk.Engine
	chain     *filters.Chain
	gate      *safety.Gate
	lifecycle *lifecycle.Manager
	bus       *events.Bus
	logger    zerolog.Logger

	mu             sync.RWMutex
	lastCycleAt    time.Time
	lastCycleError string
	cycleErrors    int64
}

// New creates the engine
func New(
	cfg *config.Config,
	store database.Store,
	prov provider.Provider,
	series *market.SeriesStore,
	prices *market.PriceCache,
	detector *patterns.Detector,
	scorer *confluence.Scorer,
	riskEngine *risk.Engine,
	chain *filters.Chain,
	gate *safety.Gate,
	manager *lifecycle.Manager,
	bus *events.Bus,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		provider:  prov,
		series:    series,
		prices:    prices,
		detector:  detector,
		scorer:    scorer,
		risk:      riskEngine,
		chain:     chain,
		gate:      gate,
		lifecycle: manager,
		bus:       bus,
		logger:    logger,
	}
}

// Run executes the control loop until the context is cancelled. The first
// cycle runs immediately.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	e.bus.Publish(events.Event{Type: events.EventEngineStarted})
	defer e.bus.Publish(events.Event{Type: events.EventEngineStopped})

	ticker := time.NewTicker(e.cfg.EngineConfig.LoopInterval)
	defer ticker.Stop()

	e.runCycle(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("control loop stopping")
			return ctx.Err()
		case now := <-ticker.C:
			e.runCycle(ctx, now)
		}
	}
}

// runCycle is one full pass: rollover, signal reaping, lifecycle tick, then
// detection and entry for every instrument. Per-instrument failures are
// logged and skipped; a cycle never aborts the loop.
func (e *Engine) runCycle(ctx context.Context, now time.Time) {
	var cycleErr error

	balance, err := e.currentBalance(ctx)
	if err != nil {
		e.noteCycle(now, fmt.Errorf("balance read: %w", err))
		return
	}

	if err := e.rollover(ctx, now, balance); err != nil {
		cycleErr = err
	}

	if err := e.reapSignals(ctx, now); err != nil {
		cycleErr = err
	}

	if err := e.lifecycle.Tick(ctx, now); err != nil {
		e.logger.Error().Err(err).Msg("lifecycle tick failed")
		cycleErr = err
	}

	for _, instrument := range e.cfg.MarketConfig.Instruments {
		if err := e.processInstrument(ctx, instrument, balance, now); err != nil {
			e.logger.Error().Err(err).Str("instrument", instrument).Msg("instrument cycle failed")
			cycleErr = err
		}
	}

	e.noteCycle(now, cycleErr)
}

// currentBalance reads the ledger balance, seeding from configuration only
// when no ledger or daily row has ever been written
func (e *Engine) currentBalance(ctx context.Context) (float64, error) {
	balance, err := e.store.CurrentBalance(ctx)
	if err == nil {
		return balance, nil
	}
	if errors.Is(err, database.ErrNotFound) {
		return e.cfg.EngineConfig.StartingBalance, nil
	}
	return 0, err
}

// rollover ensures today's stats row exists. The starting balance freezes
// at the first write of the day; later calls are no-ops.
func (e *Engine) rollover(ctx context.Context, now time.Time, balance float64) error {
	day := now.UTC().Truncate(24 * time.Hour)
	if _, err := e.store.EnsureDailyStats(ctx, day, balance); err != nil {
		return fmt.Errorf("daily rollover: %w", err)
	}
	return nil
}

// reapSignals expires ACTIVE signals past their lifetime. Ordinary signals
// get the freshness window; signals held at the confirmation gate get the
// hard-expiry ceiling, giving the operator time to approve. The boundary is
// inclusive: a signal exactly at the lifetime is expired.
func (e *Engine) reapSignals(ctx context.Context, now time.Time) error {
	active, err := e.store.ActiveSignals(ctx)
	if err != nil {
		return fmt.Errorf("loading active signals: %w", err)
	}

	fresh := e.cfg.LifecycleConfig.SignalFreshness
	hard := e.cfg.LifecycleConfig.SignalHardExpiry
	for i := range active {
		s := &active[i]
		limit := fresh
		if e.gate.AwaitingConfirmation(s.ID) && hard > limit {
			limit = hard
		}
		age := now.Sub(s.CreatedAt)
		if age < limit {
			continue
		}

		reason := fmt.Sprintf("expired after %s", age.Round(time.Second))
		if err := e.store.UpdateSignalStatus(ctx, s.ID, database.SignalStatusExpired, &reason); err != nil {
			e.logger.Error().Err(err).Str("signal_id", s.ID).Msg("signal expiry not persisted")
			continue
		}
		e.gate.Forget(s.ID)
		e.bus.Publish(events.Event{
			Type: events.EventSignalExpired,
			Data: map[string]interface{}{"signal_id": s.ID, "instrument": s.Instrument},
		})
	}
	return nil
}

// processInstrument refreshes candles, runs detection and scoring, and
// pushes any new signal through sizing, filters, the gate, and entry
func (e *Engine) processInstrument(ctx context.Context, instrument string, balance float64, now time.Time) error {
	analyses, err := e.refreshAndAnalyze(ctx, instrument)
	if err != nil {
		return err
	}

	price, ok := e.prices.Get(instrument)
	if !ok {
		// Cache cold, fall back to the latest base timeframe close
		closes := e.series.Closes(instrument, e.baseTimeframe())
		if len(closes) == 0 {
			return fmt.Errorf("no price available for %s", instrument)
		}
		price = closes[len(closes)-1]
		e.prices.Update(instrument, price)
	}

	// A signal held at the confirmation gate is re-run instead of scoring a
	// duplicate for the same instrument
	if held, err := e.heldSignal(ctx, instrument); err != nil {
		return err
	} else if held != nil {
		return e.tryEnter(ctx, held, analyses, balance, now)
	}

	result := e.scorer.Score(price, analyses)
	if !e.scorer.ShouldSignal(result) {
		return nil
	}

	signal := e.scorer.BuildSignal(instrument, price, result, now)
	if err := e.store.SaveSignal(ctx, signal); err != nil {
		return fmt.Errorf("persisting signal: %w", err)
	}
	if err := e.store.IncrementSignalCount(ctx, now.UTC().Truncate(24*time.Hour)); err != nil {
		e.logger.Error().Err(err).Msg("signal counter not persisted")
	}
	e.bus.PublishSignal(instrument, string(signal.Direction), signal.Confluence, signal.EntryPrice)

	e.logger.Info().
		Str("instrument", instrument).
		Str("direction", string(signal.Direction)).
		Float64("confluence", signal.Confluence).
		Strs("reasoning", result.Reasoning).
		Msg("signal generated")

	return e.tryEnter(ctx, signal, analyses, balance, now)
}

// refreshAndAnalyze pulls fresh candles for every configured timeframe and
// runs pattern detection, highest timeframe first
func (e *Engine) refreshAndAnalyze(ctx context.Context, instrument string) ([]*patterns.Analysis, error) {
	analyses := make([]*patterns.Analysis, 0, len(e.cfg.MarketConfig.Timeframes))
	for _, tf := range e.cfg.MarketConfig.Timeframes {
		candles, err := e.provider.GetCandles(ctx, instrument, tf, e.cfg.MarketConfig.CandleHistory)
		if err != nil {
			return nil, fmt.Errorf("fetching %s %s candles: %w", instrument, tf, err)
		}
		e.series.Replace(instrument, tf, candles)
		analyses = append(analyses, e.detector.Analyze(instrument, tf, candles))
	}
	return analyses, nil
}

// tryEnter runs a fresh signal through the full entry pipeline. Rejections
// cancel the signal with the blocking reason; only a gate-approved,
// guard-approved candidate reaches order submission.
func (e *Engine) tryEnter(ctx context.Context, signal *database.Signal, analyses []*patterns.Analysis, balance float64, now time.Time) error {
	if ok, reason, err := e.lifecycle.CanOpen(ctx, signal, now); err != nil {
		return fmt.Errorf("entry guard: %w", err)
	} else if !ok {
		return e.rejectSignal(ctx, signal, "entry_guard", reason)
	}

	var htf, ltf *patterns.Analysis
	if len(analyses) > 0 {
		htf = analyses[0]
	}
	if len(analyses) > 1 {
		ltf = analyses[1]
	}

	baseCandles := e.series.Window(signal.Instrument, e.baseTimeframe())
	plan, err := e.risk.BuildPlan(signal, balance, baseCandles, htf, ltf)
	if err != nil {
		if errors.Is(err, risk.ErrNoStopDistance) || errors.Is(err, risk.ErrNoTarget) {
			return e.rejectSignal(ctx, signal, "risk_engine", err.Error())
		}
		return fmt.Errorf("building plan: %w", err)
	}

	open, err := e.store.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("loading open trades: %w", err)
	}

	candidate := &filters.Candidate{
		Signal:         signal,
		Plan:           plan,
		Balance:        balance,
		OpenTrades:     open,
		Now:            now,
		SizeMultiplier: 1.0,
		Held:           e.gate.AwaitingConfirmation(signal.ID),
	}
	rejection, err := e.chain.Apply(ctx, candidate)
	if err != nil {
		return fmt.Errorf("filter chain: %w", err)
	}
	if rejection != nil {
		return e.rejectSignal(ctx, signal, rejection.Filter, rejection.Reason)
	}

	size := candidate.AdjustedSize()

	dayStart, err := e.dayStartBalance(ctx, now, balance)
	if err != nil {
		return fmt.Errorf("day start balance: %w", err)
	}

	allowed, reason := e.gate.CanEnter(ctx, &safety.EntryRequest{
		Signal:          signal,
		Plan:            plan,
		Size:            size,
		Balance:         balance,
		DayStartBalance: dayStart,
		OpenTrades:      open,
	})
	if !allowed {
		if reason == safety.ReasonAwaitingConfirmation {
			// The signal stays ACTIVE and is re-run every cycle until the
			// operator approves or the reaper hard-expires it
			e.bus.PublishEntryBlocked(signal.Instrument, "safety_gate", reason)
			e.logger.Info().
				Str("signal_id", signal.ID).
				Str("instrument", signal.Instrument).
				Msg("entry held pending operator confirmation")
			return nil
		}
		return e.rejectSignal(ctx, signal, "safety_gate", reason)
	}

	if _, err := e.lifecycle.Open(ctx, signal, plan, size, now); err != nil {
		if errors.Is(err, provider.ErrUnknownOutcome) {
			// Parked for reconciliation by the lifecycle manager
			return nil
		}
		return fmt.Errorf("opening trade: %w", err)
	}
	return nil
}

// heldSignal returns the instrument's ACTIVE signal parked at the
// confirmation gate, if any
func (e *Engine) heldSignal(ctx context.Context, instrument string) (*database.Signal, error) {
	active, err := e.store.ActiveSignals(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading active signals: %w", err)
	}
	for i := range active {
		if active[i].Instrument == instrument && e.gate.AwaitingConfirmation(active[i].ID) {
			return &active[i], nil
		}
	}
	return nil, nil
}

// rejectSignal cancels a signal with the stage and reason that blocked it.
// Rejections are outcomes, not errors.
func (e *Engine) rejectSignal(ctx context.Context, signal *database.Signal, stage, reason string) error {
	e.bus.PublishEntryBlocked(signal.Instrument, stage, reason)
	e.gate.Forget(signal.ID)

	full := fmt.Sprintf("%s: %s", stage, reason)
	if err := e.store.UpdateSignalStatus(ctx, signal.ID, database.SignalStatusCancelled, &full); err != nil {
		return fmt.Errorf("cancelling signal: %w", err)
	}
	return nil
}

// dayStartBalance returns today's frozen starting balance, falling back to
// the current balance before the first write of the day
func (e *Engine) dayStartBalance(ctx context.Context, now time.Time, balance float64) (float64, error) {
	day := now.UTC().Truncate(24 * time.Hour)
	stats, err := e.store.DailyStatsFor(ctx, day)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return balance, nil
		}
		return 0, err
	}
	return stats.StartingBalance, nil
}

// baseTimeframe is the lowest configured timeframe, used for ATR, entries,
// and correlation windows
func (e *Engine) baseTimeframe() string {
	tfs := e.cfg.MarketConfig.Timeframes
	if len(tfs) == 0 {
		return "15m"
	}
	return tfs[len(tfs)-1]
}

func (e *Engine) noteCycle(now time.Time, err error) {
	e.mu.Lock()
	wasDegraded := e.lastCycleError != ""
	e.lastCycleAt = now
	if err != nil {
		e.cycleErrors++
		e.lastCycleError = err.Error()
	} else {
		e.lastCycleError = ""
	}
	isDegraded := e.lastCycleError != ""
	detail := e.lastCycleError
	e.mu.Unlock()

	if wasDegraded != isDegraded {
		status := HealthHealthy
		if isDegraded {
			status = HealthDegraded
		}
		e.bus.PublishHealthChanged(status, detail)
	}
}
