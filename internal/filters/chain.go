// Package filters implements the ordered quant overlay chain applied to
// every sized trade candidate. Each filter may pass, rescale size, or veto;
// a veto short-circuits the chain. Order matters: later filters assume
// earlier adjustments.
package filters

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"orderflow-bot/internal/database"
	"orderflow-bot/internal/risk"
)

// Candidate is a signal with its priced plan moving through the chain
type Candidate struct {
	Signal     *database.Signal
	Plan       *risk.Plan
	Balance    float64
	OpenTrades []database.Trade
	Now        time.Time

	// SizeMultiplier accumulates rescaling across filters; 1.0 = untouched
	SizeMultiplier float64

	// Held marks a candidate resumed from the confirmation gate. Its
	// lifetime is the reaper's hard expiry, not the freshness veto.
	Held bool
}

// AdjustedSize returns the plan size after accumulated rescaling
func (c *Candidate) AdjustedSize() float64 {
	return c.Plan.Size * c.SizeMultiplier
}

// Rejection carries the veto reason. Rejections are values, not errors: the
// pipeline logs them and moves to the next instrument.
type Rejection struct {
	Filter string
	Reason string
}

// Filter is one overlay in the chain
type Filter interface {
	Name() string
	// Apply returns a rejection to veto, or nil to pass. Filters may mutate
	// the candidate's SizeMultiplier.
	Apply(ctx context.Context, c *Candidate) (*Rejection, error)
}

// Chain applies filters in order, stopping at the first veto
type Chain struct {
	filters []Filter
	logger  zerolog.Logger
}

// NewChain builds a chain from the given filters, applied in order
func NewChain(logger zerolog.Logger, filters ...Filter) *Chain {
	return &Chain{filters: filters, logger: logger}
}

// Apply runs the candidate through every filter. Returns the first
// rejection, or nil if all pass.
func (ch *Chain) Apply(ctx context.Context, c *Candidate) (*Rejection, error) {
	if c.SizeMultiplier == 0 {
		c.SizeMultiplier = 1.0
	}

	for _, f := range ch.filters {
		rejection, err := f.Apply(ctx, c)
		if err != nil {
			return nil, err
		}
		if rejection != nil {
			ch.logger.Info().
				Str("instrument", c.Signal.Instrument).
				Str("filter", rejection.Filter).
				Str("reason", rejection.Reason).
				Msg("candidate vetoed")
			return rejection, nil
		}
	}
	return nil, nil
}
