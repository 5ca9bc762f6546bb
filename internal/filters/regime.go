package filters

import (
	"context"
	"fmt"

	"orderflow-bot/internal/risk"
)

// RegimeFilter blocks new entries during extreme volatility regimes when
// configured. The regime itself is already folded into the stop distance by
// the risk engine; this filter only gates entry.
type RegimeFilter struct {
	blockExtreme bool
}

// NewRegimeFilter creates the volatility regime filter
func NewRegimeFilter(blockExtreme bool) *RegimeFilter {
	return &RegimeFilter{blockExtreme: blockExtreme}
}

func (f *RegimeFilter) Name() string { return "volatility_regime" }

func (f *RegimeFilter) Apply(_ context.Context, c *Candidate) (*Rejection, error) {
	if f.blockExtreme && c.Plan.Regime == risk.RegimeExtreme {
		return &Rejection{
			Filter: f.Name(),
			Reason: fmt.Sprintf("entries blocked in %s volatility regime", c.Plan.Regime),
		}, nil
	}
	return nil, nil
}
