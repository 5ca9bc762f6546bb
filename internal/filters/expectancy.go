package filters

import (
	"context"
	"errors"
	"fmt"

	"orderflow-bot/internal/database"
)

// minSampleTrades is the minimum closed-trade history required before the
// expectancy estimate is trusted. Below it the filter passes unconditionally.
const minSampleTrades = 10

// ExpectancyFilter vetoes setups whose historical bucket (instrument +
// timeframe) shows negative or insufficient expectancy:
//
//	EV = winRate*avgWinR - (1-winRate)*avgLossR
type ExpectancyFilter struct {
	store         database.Store
	minExpectancy float64
}

// NewExpectancyFilter creates the expectancy filter
func NewExpectancyFilter(store database.Store, minExpectancy float64) *ExpectancyFilter {
	return &ExpectancyFilter{store: store, minExpectancy: minExpectancy}
}

func (f *ExpectancyFilter) Name() string { return "expectancy" }

func (f *ExpectancyFilter) Apply(ctx context.Context, c *Candidate) (*Rejection, error) {
	stats, err := f.store.BucketStatsFor(ctx, c.Signal.Instrument, c.Signal.Timeframe)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("expectancy stats lookup: %w", err)
	}

	if stats.TradeCount < minSampleTrades {
		return nil, nil
	}

	ev := stats.WinRate*stats.AvgWinR - (1-stats.WinRate)*stats.AvgLossR
	if ev < f.minExpectancy {
		return &Rejection{
			Filter: f.Name(),
			Reason: fmt.Sprintf("expectancy %.2fR below minimum %.2fR over %d trades", ev, f.minExpectancy, stats.TradeCount),
		}, nil
	}
	return nil, nil
}
