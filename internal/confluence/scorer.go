// Package confluence combines pattern detector output across timeframes into
// a directional bias and a single [0,1] confidence score.
package confluence

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"orderflow-bot/internal/database"
	"orderflow-bot/internal/patterns"
)

// Result is the scored multi-timeframe reading for one instrument
type Result struct {
	// Individual scores (0.0 to 1.0)
	TimeframeAlignment    float64
	ZoneQuality           float64
	StructureConfirmation float64

	// Composite score
	TotalScore float64

	// Supporting data
	Direction       database.Direction
	OriginTimeframe string // Lowest timeframe that confirmed the bias
	Reasoning       []string
}

// Scorer calculates top-down multi-timeframe confluence
type Scorer struct {
	// Weights for the score components (must sum to 1.0)
	alignmentWeight float64
	zoneWeight      float64
	structureWeight float64

	minScore float64 // Minimum score to emit a signal
}

// NewScorer creates a scorer with the given weights and threshold
func NewScorer(alignmentWeight, zoneWeight, structureWeight, minScore float64) (*Scorer, error) {
	total := alignmentWeight + zoneWeight + structureWeight
	if total < 0.99 || total > 1.01 {
		return nil, fmt.Errorf("weights must sum to 1.0, got %.2f", total)
	}
	return &Scorer{
		alignmentWeight: alignmentWeight,
		zoneWeight:      zoneWeight,
		structureWeight: structureWeight,
		minScore:        minScore,
	}, nil
}

// MinScore returns the configured signal threshold
func (cs *Scorer) MinScore() float64 {
	return cs.minScore
}

// Score reads analyses ordered highest timeframe first. The higher-timeframe
// bias is established first; lower timeframes only add confluence when they
// align with it (top-down). Returns nil when no directional bias exists.
func (cs *Scorer) Score(currentPrice float64, analyses []*patterns.Analysis) *Result {
	var usable []*patterns.Analysis
	for _, a := range analyses {
		if a != nil {
			usable = append(usable, a)
		}
	}
	if len(usable) == 0 {
		return nil
	}

	htf := usable[0]
	bias := htf.StructureBias
	if bias == patterns.BiasNeutral {
		// A change of character on the higher timeframe sets the bias when
		// structure itself reads as range
		if htf.ChangeOfCharacter != nil {
			bias = htf.ChangeOfCharacter.Bias
		} else {
			return nil
		}
	}

	result := &Result{
		OriginTimeframe: htf.Timeframe,
		Reasoning:       make([]string, 0),
	}
	if bias == patterns.BiasBullish {
		result.Direction = database.DirectionLong
	} else {
		result.Direction = database.DirectionShort
	}
	result.Reasoning = append(result.Reasoning,
		fmt.Sprintf("%s bias from %s structure", bias, htf.Timeframe))

	// 1. Timeframe alignment: share of lower timeframes agreeing with the bias
	aligned := 0
	lower := usable[1:]
	for _, a := range lower {
		if cs.agreesWith(a, bias) {
			aligned++
			result.OriginTimeframe = a.Timeframe
			result.Reasoning = append(result.Reasoning,
				fmt.Sprintf("%s aligned with %s bias", a.Timeframe, bias))
		}
	}
	if len(lower) > 0 {
		result.TimeframeAlignment = float64(aligned) / float64(len(lower))
	} else {
		result.TimeframeAlignment = 1.0
	}

	// 2. Zone quality: best untested zone supporting the bias near price
	result.ZoneQuality = cs.bestZoneQuality(usable, bias, currentPrice)
	if result.ZoneQuality > 0.7 {
		result.Reasoning = append(result.Reasoning, "fresh supporting zone near price")
	}

	// 3. Structure confirmation: trend strength plus change-of-character bonus
	result.StructureConfirmation = htf.TrendStrength
	for _, a := range usable {
		if a.ChangeOfCharacter != nil && a.ChangeOfCharacter.Bias == bias {
			result.StructureConfirmation += 0.2
			result.Reasoning = append(result.Reasoning,
				fmt.Sprintf("change of character on %s", a.Timeframe))
			break
		}
	}
	if result.StructureConfirmation > 1.0 {
		result.StructureConfirmation = 1.0
	}

	result.TotalScore = result.TimeframeAlignment*cs.alignmentWeight +
		result.ZoneQuality*cs.zoneWeight +
		result.StructureConfirmation*cs.structureWeight

	return result
}

// ShouldSignal reports whether the result clears the configured threshold
func (cs *Scorer) ShouldSignal(result *Result) bool {
	return result != nil && result.TotalScore >= cs.minScore
}

// BuildSignal converts a passing result into a persistable signal at the
// current market price
func (cs *Scorer) BuildSignal(instrument string, currentPrice float64, result *Result, now time.Time) *database.Signal {
	return &database.Signal{
		ID:         uuid.New().String(),
		Instrument: instrument,
		Direction:  result.Direction,
		EntryPrice: currentPrice,
		Confluence: result.TotalScore,
		Timeframe:  result.OriginTimeframe,
		Status:     database.SignalStatusActive,
		CreatedAt:  now,
	}
}

// agreesWith reports whether a lower-timeframe analysis supports the bias
func (cs *Scorer) agreesWith(a *patterns.Analysis, bias patterns.Bias) bool {
	if a.StructureBias == bias {
		return true
	}
	if a.ChangeOfCharacter != nil && a.ChangeOfCharacter.Bias == bias {
		return true
	}
	// An untested order block in the bias direction counts as agreement
	for _, ob := range a.OrderBlocks {
		if ob.Bias == bias && !ob.Tested {
			return true
		}
	}
	return false
}

// bestZoneQuality finds the strongest bias-supporting zone within 3% of price
func (cs *Scorer) bestZoneQuality(analyses []*patterns.Analysis, bias patterns.Bias, currentPrice float64) float64 {
	if currentPrice <= 0 {
		return 0
	}
	best := 0.0

	near := func(level float64) bool {
		dist := (level - currentPrice) / currentPrice
		if dist < 0 {
			dist = -dist
		}
		return dist <= 0.03
	}

	for _, a := range analyses {
		for _, ob := range a.OrderBlocks {
			if ob.Bias == bias && near((ob.TopPrice+ob.BottomPrice)/2) && ob.Strength > best {
				best = ob.Strength
			}
		}
		for _, fvg := range a.FVGs {
			if fvg.Bias == bias && !fvg.Filled && near((fvg.TopPrice+fvg.BottomPrice)/2) && fvg.Strength > best {
				best = fvg.Strength
			}
		}
		for _, zone := range a.LiquidityZones {
			// A long wants sell-side liquidity below as the draw toward entry;
			// a short wants buy-side liquidity above
			supporting := (bias == patterns.BiasBullish && zone.Side == patterns.SellSideLiquidity) ||
				(bias == patterns.BiasBearish && zone.Side == patterns.BuySideLiquidity)
			if supporting && near((zone.TopPrice+zone.BottomPrice)/2) && zone.Strength > best {
				best = zone.Strength
			}
		}
	}
	return best
}
