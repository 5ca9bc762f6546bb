// Package risk computes volatility-adjusted stops, structural take-profit
// targets, and fixed-fractional position sizes.
package risk

import (
	"errors"
	"fmt"
	"math"

	"orderflow-bot/config"
	"orderflow-bot/internal/database"
	"orderflow-bot/internal/indicators"
	"orderflow-bot/internal/market"
	"orderflow-bot/internal/patterns"
)

var (
	// ErrNoStopDistance indicates a zero or negative stop distance
	ErrNoStopDistance = errors.New("no usable stop distance")

	// ErrNoTarget indicates no take-profit level satisfied the R:R bounds
	ErrNoTarget = errors.New("no qualifying take-profit target")
)

// Regime classifies current volatility relative to its own recent history
type Regime string

const (
	RegimeLow     Regime = "low"
	RegimeMedium  Regime = "medium"
	RegimeHigh    Regime = "high"
	RegimeExtreme Regime = "extreme"
)

// Target type labels recorded on the trade
const (
	TargetHTFSwingHigh = "4H_SWING_HIGH"
	TargetHTFSwingLow  = "4H_SWING_LOW"
	TargetLTFSwingHigh = "1H_SWING_HIGH"
	TargetLTFSwingLow  = "1H_SWING_LOW"
	TargetRoundLevel   = "ROUND_LEVEL"
	TargetATRExtension = "ATR_EXTENSION"
)

// Plan is a fully priced and sized trade candidate
type Plan struct {
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	TargetType string
	RiskReward float64 // Actual R:R of the selected target, recorded verbatim
	Size       float64
	RiskAmount float64
	Regime     Regime
	ATR        float64
}

// Engine builds trade plans from signals
type Engine struct {
	cfg config.RiskConfig
}

// NewEngine creates a risk engine
func NewEngine(cfg config.RiskConfig) *Engine {
	return &Engine{cfg: cfg}
}

// ClassifyRegime compares the current ATR against its own longer history.
// Self-normalizing, so thresholds hold across instruments.
func (e *Engine) ClassifyRegime(candles []market.Candle) Regime {
	shortATR := indicators.ATR(candles, e.cfg.ATRPeriod)
	longATR := indicators.ATR(candles, e.cfg.ATRPeriod*3)
	if shortATR == 0 || longATR == 0 {
		return RegimeMedium
	}

	ratio := shortATR / longATR
	switch {
	case ratio < 0.8:
		return RegimeLow
	case ratio < 1.2:
		return RegimeMedium
	case ratio < 1.8:
		return RegimeHigh
	default:
		return RegimeExtreme
	}
}

func (e *Engine) regimeMultiplier(regime Regime) float64 {
	switch regime {
	case RegimeLow:
		return e.cfg.RegimeLowMult
	case RegimeHigh:
		return e.cfg.RegimeHighMult
	case RegimeExtreme:
		return e.cfg.RegimeExtremeMult
	default:
		return e.cfg.RegimeMediumMult
	}
}

// BuildPlan prices and sizes a trade for the signal. The candle window is
// the signal's origin timeframe; htf and ltf carry the structural levels
// used for stop anchoring and target selection. Candidates with no valid
// stop distance or no qualifying target are rejected.
func (e *Engine) BuildPlan(signal *database.Signal, balance float64, candles []market.Candle, htf, ltf *patterns.Analysis) (*Plan, error) {
	atr := indicators.ATR(candles, e.cfg.ATRPeriod)
	if atr <= 0 {
		return nil, fmt.Errorf("%w: ATR unavailable", ErrNoStopDistance)
	}

	regime := e.ClassifyRegime(candles)
	entry := signal.EntryPrice

	stop := e.computeStop(signal.Direction, entry, atr, regime, htf, ltf)

	stopDistance := entry - stop
	if signal.Direction == database.DirectionShort {
		stopDistance = stop - entry
	}
	if stopDistance <= 0 {
		return nil, fmt.Errorf("%w: entry %.8g stop %.8g", ErrNoStopDistance, entry, stop)
	}

	target, targetType, err := e.selectTarget(signal.Direction, entry, stopDistance, atr, htf, ltf)
	if err != nil {
		return nil, err
	}

	reward := target - entry
	if signal.Direction == database.DirectionShort {
		reward = entry - target
	}
	rr := reward / stopDistance

	riskAmount := balance * e.cfg.RiskFraction
	size := riskAmount / stopDistance

	return &Plan{
		EntryPrice: entry,
		StopLoss:   stop,
		TakeProfit: target,
		TargetType: targetType,
		RiskReward: rr,
		Size:       size,
		RiskAmount: riskAmount,
		Regime:     regime,
		ATR:        atr,
	}, nil
}

// computeStop places the stop at the regime-scaled ATR distance, then pulls
// it to just beyond the nearest invalidating structure when that structure
// sits closer than the ATR placement
func (e *Engine) computeStop(direction database.Direction, entry, atr float64, regime Regime, htf, ltf *patterns.Analysis) float64 {
	dist := atr * e.regimeMultiplier(regime)
	buffer := atr * 0.1 // Stop sits beyond the level, not on it

	if direction == database.DirectionLong {
		stop := entry - dist

		// Nearest invalidating structure below entry: swing low or
		// sell-side liquidity zone
		if level, ok := nearestStructureBelow(entry, htf, ltf); ok {
			structStop := level - buffer
			if structStop > stop && structStop < entry {
				stop = structStop
			}
		}
		return stop
	}

	stop := entry + dist
	if level, ok := nearestStructureAbove(entry, htf, ltf); ok {
		structStop := level + buffer
		if structStop < stop && structStop > entry {
			stop = structStop
		}
	}
	return stop
}

func nearestStructureBelow(entry float64, analyses ...*patterns.Analysis) (float64, bool) {
	best := math.Inf(-1)
	found := false
	for _, a := range analyses {
		if a == nil {
			continue
		}
		for _, sp := range a.SwingLows {
			if sp.Price < entry && sp.Price > best {
				best = sp.Price
				found = true
			}
		}
		for _, zone := range a.LiquidityZones {
			if zone.Side == patterns.SellSideLiquidity && zone.BottomPrice < entry && zone.BottomPrice > best {
				best = zone.BottomPrice
				found = true
			}
		}
	}
	return best, found
}

func nearestStructureAbove(entry float64, analyses ...*patterns.Analysis) (float64, bool) {
	best := math.Inf(1)
	found := false
	for _, a := range analyses {
		if a == nil {
			continue
		}
		for _, sp := range a.SwingHighs {
			if sp.Price > entry && sp.Price < best {
				best = sp.Price
				found = true
			}
		}
		for _, zone := range a.LiquidityZones {
			if zone.Side == patterns.BuySideLiquidity && zone.TopPrice > entry && zone.TopPrice < best {
				best = zone.TopPrice
				found = true
			}
		}
	}
	return best, found
}

// selectTarget searches in strict priority order for the nearest real price
// level clearing the minimum R:R: higher-timeframe swing, lower-timeframe
// swing, round number, then ATR extension as the pure fallback
func (e *Engine) selectTarget(direction database.Direction, entry, stopDistance, atr float64, htf, ltf *patterns.Analysis) (float64, string, error) {
	minReward := stopDistance * e.cfg.MinRiskReward
	maxReward := stopDistance * e.cfg.MaxRiskReward

	qualifies := func(level float64) bool {
		reward := level - entry
		if direction == database.DirectionShort {
			reward = entry - level
		}
		return reward >= minReward && reward <= maxReward
	}

	// 1. Higher-timeframe swing
	if htf != nil {
		if level, ok := nearestSwingTarget(direction, entry, htf, qualifies); ok {
			if direction == database.DirectionLong {
				return level, TargetHTFSwingHigh, nil
			}
			return level, TargetHTFSwingLow, nil
		}
	}

	// 2. Lower-timeframe swing
	if ltf != nil {
		if level, ok := nearestSwingTarget(direction, entry, ltf, qualifies); ok {
			if direction == database.DirectionLong {
				return level, TargetLTFSwingHigh, nil
			}
			return level, TargetLTFSwingLow, nil
		}
	}

	// 3. Psychological round-number level
	if level, ok := e.nearestRoundLevel(direction, entry, qualifies); ok {
		return level, TargetRoundLevel, nil
	}

	// 4. ATR-multiple extension
	for _, mult := range []float64{2, 3, 5, 8} {
		level := entry + atr*mult
		if direction == database.DirectionShort {
			level = entry - atr*mult
		}
		if qualifies(level) {
			return level, TargetATRExtension, nil
		}
	}

	return 0, "", ErrNoTarget
}

// nearestSwingTarget returns the closest qualifying swing level in the
// profit direction
func nearestSwingTarget(direction database.Direction, entry float64, a *patterns.Analysis, qualifies func(float64) bool) (float64, bool) {
	if direction == database.DirectionLong {
		best := math.Inf(1)
		found := false
		for _, sp := range a.SwingHighs {
			if sp.Price > entry && sp.Price < best && qualifies(sp.Price) {
				best = sp.Price
				found = true
			}
		}
		return best, found
	}

	best := math.Inf(-1)
	found := false
	for _, sp := range a.SwingLows {
		if sp.Price < entry && sp.Price > best && qualifies(sp.Price) {
			best = sp.Price
			found = true
		}
	}
	return best, found
}

// nearestRoundLevel walks round-number levels outward from entry in the
// profit direction until one qualifies or the R:R cap is passed
func (e *Engine) nearestRoundLevel(direction database.Direction, entry float64, qualifies func(float64) bool) (float64, bool) {
	step := e.cfg.RoundLevelStep
	if step <= 0 {
		step = roundStepFor(entry)
	}
	if step <= 0 {
		return 0, false
	}

	if direction == database.DirectionLong {
		level := math.Ceil(entry/step) * step
		for i := 0; i < 50; i++ {
			if qualifies(level) {
				return level, true
			}
			if level-entry > entry { // Far past any sane cap
				break
			}
			level += step
		}
		return 0, false
	}

	level := math.Floor(entry/step) * step
	for i := 0; i < 50 && level > 0; i++ {
		if qualifies(level) {
			return level, true
		}
		level -= step
	}
	return 0, false
}

// roundStepFor derives a psychological level granularity from the price
// magnitude: 68,500 -> 1,000; 2,340 -> 100; 158 -> 10
func roundStepFor(price float64) float64 {
	if price <= 0 {
		return 0
	}
	magnitude := math.Pow(10, math.Floor(math.Log10(price)))
	return magnitude / 10
}
