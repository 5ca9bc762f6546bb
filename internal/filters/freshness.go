package filters

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Freshness size multiplier tiers
const (
	freshMultiplier = 1.0
	agingMultiplier = 0.85
	staleMultiplier = 0.7
)

// FreshnessFilter decays signal confidence exponentially with age and
// vetoes signals past their hard lifetime. The age-at-lifetime boundary is
// inclusive: a signal exactly at the lifetime is already expired.
type FreshnessFilter struct {
	lambdaPerMin float64
	lifetime     time.Duration
	applySizing  bool // Size multipliers default off per the fixed-risk configuration
}

// NewFreshnessFilter creates the signal freshness filter
func NewFreshnessFilter(lambdaPerMin float64, lifetime time.Duration, applySizing bool) *FreshnessFilter {
	return &FreshnessFilter{
		lambdaPerMin: lambdaPerMin,
		lifetime:     lifetime,
		applySizing:  applySizing,
	}
}

func (f *FreshnessFilter) Name() string { return "signal_freshness" }

func (f *FreshnessFilter) Apply(_ context.Context, c *Candidate) (*Rejection, error) {
	age := c.Now.Sub(c.Signal.CreatedAt)
	if age < 0 {
		age = 0
	}

	if age >= f.lifetime && !c.Held {
		return &Rejection{
			Filter: f.Name(),
			Reason: fmt.Sprintf("signal age %s at or past lifetime %s", age.Round(time.Second), f.lifetime),
		}, nil
	}

	if !f.applySizing {
		return nil, nil
	}

	// decayed = confidence * e^(-lambda * minutes)
	minutes := age.Minutes()
	decayRatio := math.Exp(-f.lambdaPerMin * minutes)

	switch {
	case decayRatio > 0.8:
		c.SizeMultiplier *= freshMultiplier
	case decayRatio > 0.5:
		c.SizeMultiplier *= agingMultiplier
	default:
		c.SizeMultiplier *= staleMultiplier
	}
	return nil, nil
}
