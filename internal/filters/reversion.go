package filters

import (
	"context"

	"orderflow-bot/internal/database"
	"orderflow-bot/internal/indicators"
	"orderflow-bot/internal/market"
)

// Extension/reversion size multipliers
const (
	extensionMultiplier = 0.5
	reversionMultiplier = 1.5
)

// ReversionFilter is the mean-reversion overlay. It never vetoes: entries
// chasing a statistically extended move are cut in half, entries trading
// back toward the mean from an extreme are sized up. Inert unless sizing
// is enabled.
type ReversionFilter struct {
	series        *market.SeriesStore
	baseTimeframe string
	period        int
	zThreshold    float64
	applySizing   bool
}

// NewReversionFilter creates the mean-reversion overlay. zThreshold is the
// absolute z-score past which price counts as extended (typically 2.0,
// matching two Bollinger standard deviations).
func NewReversionFilter(series *market.SeriesStore, baseTimeframe string, period int, zThreshold float64, applySizing bool) *ReversionFilter {
	return &ReversionFilter{
		series:        series,
		baseTimeframe: baseTimeframe,
		period:        period,
		zThreshold:    zThreshold,
		applySizing:   applySizing,
	}
}

func (f *ReversionFilter) Name() string { return "mean_reversion" }

func (f *ReversionFilter) Apply(_ context.Context, c *Candidate) (*Rejection, error) {
	if !f.applySizing {
		return nil, nil
	}

	candles := f.series.Window(c.Signal.Instrument, f.baseTimeframe)
	if len(candles) < f.period {
		return nil, nil
	}

	z := indicators.ZScore(candles, f.period, c.Plan.EntryPrice)
	if z > -f.zThreshold && z < f.zThreshold {
		return nil, nil
	}

	extendedUp := z >= f.zThreshold
	long := c.Signal.Direction == database.DirectionLong

	if (long && extendedUp) || (!long && !extendedUp) {
		// Buying into an upside extreme or selling into a downside one
		c.SizeMultiplier *= extensionMultiplier
	} else {
		c.SizeMultiplier *= reversionMultiplier
	}
	return nil, nil
}
