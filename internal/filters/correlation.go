package filters

import (
	"context"
	"fmt"

	"orderflow-bot/internal/indicators"
	"orderflow-bot/internal/market"
)

// CorrelationFilter vetoes candidates whose addition would push aggregate
// correlated exposure past the portfolio heat cap. Correlation state is
// derived from the price series store on demand and never persisted.
type CorrelationFilter struct {
	series        *market.SeriesStore
	baseTimeframe string
	window        int
	heatCap       float64 // In percent-squared units, e.g. 6.0
}

// NewCorrelationFilter creates the portfolio heat filter. Correlations are
// computed over the last window returns of the base timeframe.
func NewCorrelationFilter(series *market.SeriesStore, baseTimeframe string, window int, heatCap float64) *CorrelationFilter {
	return &CorrelationFilter{
		series:        series,
		baseTimeframe: baseTimeframe,
		window:        window,
		heatCap:       heatCap,
	}
}

func (f *CorrelationFilter) Name() string { return "correlation_heat" }

// Apply computes projected portfolio heat as the full covariance-style
// double sum of pairwise risk products weighted by correlation, in percent
// units: heat = sum_i sum_j risk_i% * risk_j% * corr_ij, with corr_ii = 1.
func (f *CorrelationFilter) Apply(_ context.Context, c *Candidate) (*Rejection, error) {
	if c.Balance <= 0 {
		return nil, nil
	}

	type exposure struct {
		instrument string
		riskPct    float64
	}

	exposures := make([]exposure, 0, len(c.OpenTrades)+1)
	for _, t := range c.OpenTrades {
		exposures = append(exposures, exposure{
			instrument: t.Instrument,
			riskPct:    t.RiskAmount / c.Balance * 100,
		})
	}
	exposures = append(exposures, exposure{
		instrument: c.Signal.Instrument,
		riskPct:    c.Plan.RiskAmount / c.Balance * 100,
	})

	heat := 0.0
	for i, a := range exposures {
		for j, b := range exposures {
			corr := 1.0
			if i != j {
				corr = f.correlation(a.instrument, b.instrument)
			}
			heat += a.riskPct * b.riskPct * corr
		}
	}

	if heat > f.heatCap {
		return &Rejection{
			Filter: f.Name(),
			Reason: fmt.Sprintf("projected portfolio heat %.2f%% exceeds cap %.2f%%", heat, f.heatCap),
		}, nil
	}
	return nil, nil
}

// correlation returns the Pearson correlation of recent returns between two
// instruments, or a conservative 1.0 when history is insufficient
func (f *CorrelationFilter) correlation(a, b string) float64 {
	if a == b {
		return 1.0
	}

	closesA := f.series.Closes(a, f.baseTimeframe)
	closesB := f.series.Closes(b, f.baseTimeframe)
	if len(closesA) < f.window+1 || len(closesB) < f.window+1 {
		// Without evidence, assume full correlation rather than none
		return 1.0
	}

	returnsA := indicators.Returns(closesA[len(closesA)-f.window-1:])
	returnsB := indicators.Returns(closesB[len(closesB)-f.window-1:])
	return indicators.Correlation(returnsA, returnsB)
}
