package patterns

import (
	"orderflow-bot/internal/market"
)

// Detector finds institutional order-flow features in a candle window.
// All methods are pure functions of the window.
type Detector struct {
	swingLookback    int     // Candles each side of a local extremum
	minGapPercent    float64 // Minimum FVG size as % of price
	liquidityBandPct float64 // Zone band width beyond a swing as % of price
	impulseBodyRatio float64 // Body/range ratio that qualifies an impulse candle
}

// NewDetector creates a detector with the given thresholds
func NewDetector(swingLookback int, minGapPercent, liquidityBandPct, impulseBodyRatio float64) *Detector {
	if swingLookback <= 0 {
		swingLookback = 5
	}
	if minGapPercent <= 0 {
		minGapPercent = 0.1
	}
	if liquidityBandPct <= 0 {
		liquidityBandPct = 0.15
	}
	if impulseBodyRatio <= 0 {
		impulseBodyRatio = 0.6
	}
	return &Detector{
		swingLookback:    swingLookback,
		minGapPercent:    minGapPercent,
		liquidityBandPct: liquidityBandPct,
		impulseBodyRatio: impulseBodyRatio,
	}
}

// Analyze runs every detector over the window and classifies the market
// structure. Returns nil when the window is too short to analyze.
func (d *Detector) Analyze(instrument, timeframe string, candles []market.Candle) *Analysis {
	if len(candles) < d.swingLookback*2+1 {
		return nil
	}

	analysis := &Analysis{
		Instrument: instrument,
		Timeframe:  timeframe,
	}

	analysis.SwingHighs, analysis.SwingLows = d.findSwings(candles)
	analysis.LiquidityZones = d.findLiquidityZones(candles, analysis.SwingHighs, analysis.SwingLows)
	analysis.FVGs = d.findFVGs(candles)
	analysis.OrderBlocks = d.findOrderBlocks(candles, analysis.SwingHighs, analysis.SwingLows)
	d.classifyStructure(candles, analysis)

	return analysis
}

// findSwings scans for confirmed local extrema. A swing needs swingLookback
// candles on both sides, so the most recent swingLookback candles can never
// confirm a swing.
func (d *Detector) findSwings(candles []market.Candle) (highs, lows []SwingPoint) {
	lb := d.swingLookback

	for i := lb; i < len(candles)-lb; i++ {
		isHigh := true
		isLow := true
		for j := i - lb; j <= i+lb; j++ {
			if j == i {
				continue
			}
			if candles[j].High >= candles[i].High {
				isHigh = false
			}
			if candles[j].Low <= candles[i].Low {
				isLow = false
			}
			if !isHigh && !isLow {
				break
			}
		}

		if isHigh {
			swept := false
			for j := i + lb; j < len(candles); j++ {
				if candles[j].High > candles[i].High {
					swept = true
					break
				}
			}
			highs = append(highs, SwingPoint{
				Price:       candles[i].High,
				CandleIndex: i,
				IsHigh:      true,
				Swept:       swept,
			})
		}
		if isLow {
			swept := false
			for j := i + lb; j < len(candles); j++ {
				if candles[j].Low < candles[i].Low {
					swept = true
					break
				}
			}
			lows = append(lows, SwingPoint{
				Price:       candles[i].Low,
				CandleIndex: i,
				Swept:       swept,
			})
		}
	}

	return highs, lows
}

// findLiquidityZones builds a band just beyond each unswept swing point.
// Buy-side zones sit above swing highs, sell-side below swing lows.
func (d *Detector) findLiquidityZones(candles []market.Candle, highs, lows []SwingPoint) []LiquidityZone {
	var zones []LiquidityZone
	currentPrice := candles[len(candles)-1].Close

	for _, sp := range highs {
		if sp.Price <= currentPrice {
			continue // Zone must remain above price to attract stops
		}
		band := sp.Price * d.liquidityBandPct / 100
		zones = append(zones, LiquidityZone{
			Side:        BuySideLiquidity,
			BottomPrice: sp.Price,
			TopPrice:    sp.Price + band,
			CandleIndex: sp.CandleIndex,
			Strength:    zoneStrength(sp, len(candles)),
		})
	}

	for _, sp := range lows {
		if sp.Price >= currentPrice {
			continue
		}
		band := sp.Price * d.liquidityBandPct / 100
		zones = append(zones, LiquidityZone{
			Side:        SellSideLiquidity,
			TopPrice:    sp.Price,
			BottomPrice: sp.Price - band,
			CandleIndex: sp.CandleIndex,
			Strength:    zoneStrength(sp, len(candles)),
		})
	}

	return zones
}

// zoneStrength scores a zone: fresh, recent swings score highest; swept
// zones are heavily discounted
func zoneStrength(sp SwingPoint, windowLen int) float64 {
	strength := 0.9
	if sp.Swept {
		strength = 0.4
	}
	// Older swings decay toward 0.5x
	age := float64(windowLen-sp.CandleIndex) / float64(windowLen)
	strength *= 1.0 - 0.5*age
	if strength < 0.1 {
		strength = 0.1
	}
	return strength
}

// findFVGs scans for three-candle imbalances where the first candle's range
// does not overlap the third's
func (d *Detector) findFVGs(candles []market.Candle) []FVG {
	var fvgs []FVG

	for i := 0; i < len(candles)-2; i++ {
		c1 := candles[i]
		c3 := candles[i+2]

		// Bullish FVG: gap between c1 high and c3 low
		if c1.High < c3.Low {
			gapSize := ((c3.Low - c1.High) / c1.High) * 100
			if gapSize >= d.minGapPercent {
				fvg := FVG{
					Bias:        BiasBullish,
					TopPrice:    c3.Low,
					BottomPrice: c1.High,
					CandleIndex: i + 1,
					CreatedAt:   candles[i+1].ClosedAt(),
				}
				fvg.Filled = fvgFilled(candles[i+3:], fvg)
				fvg.Strength = fvgStrength(fvg, i+1, len(candles))
				fvgs = append(fvgs, fvg)
			}
		}

		// Bearish FVG: gap between c1 low and c3 high
		if c1.Low > c3.High {
			gapSize := ((c1.Low - c3.High) / c3.High) * 100
			if gapSize >= d.minGapPercent {
				fvg := FVG{
					Bias:        BiasBearish,
					TopPrice:    c1.Low,
					BottomPrice: c3.High,
					CandleIndex: i + 1,
					CreatedAt:   candles[i+1].ClosedAt(),
				}
				fvg.Filled = fvgFilled(candles[i+3:], fvg)
				fvg.Strength = fvgStrength(fvg, i+1, len(candles))
				fvgs = append(fvgs, fvg)
			}
		}
	}

	return fvgs
}

// fvgFilled reports whether later price traded through the whole gap
func fvgFilled(later []market.Candle, fvg FVG) bool {
	for _, c := range later {
		if fvg.Bias == BiasBullish && c.Low <= fvg.BottomPrice {
			return true
		}
		if fvg.Bias == BiasBearish && c.High >= fvg.TopPrice {
			return true
		}
	}
	return false
}

func fvgStrength(fvg FVG, index, windowLen int) float64 {
	strength := 0.85
	if fvg.Filled {
		strength = 0.3
	}
	age := float64(windowLen-index) / float64(windowLen)
	strength *= 1.0 - 0.4*age
	if strength < 0.1 {
		strength = 0.1
	}
	return strength
}

// findOrderBlocks locates the last opposite-direction candle before an
// impulsive candle that breaks a prior swing level
func (d *Detector) findOrderBlocks(candles []market.Candle, highs, lows []SwingPoint) []OrderBlock {
	var blocks []OrderBlock

	for i := 1; i < len(candles); i++ {
		impulse := candles[i]
		if impulse.Range() == 0 || impulse.Body()/impulse.Range() < d.impulseBodyRatio {
			continue
		}

		if impulse.IsBullish() && breaksSwingHigh(impulse, highs, i) {
			// Last bearish candle before the impulse is the demand block
			for j := i - 1; j >= 0 && j >= i-3; j-- {
				if !candles[j].IsBullish() {
					ob := OrderBlock{
						Bias:        BiasBullish,
						TopPrice:    candles[j].High,
						BottomPrice: candles[j].Low,
						CandleIndex: j,
					}
					ob.Tested = blockTested(candles[i+1:], ob)
					ob.Strength = blockStrength(ob, j, len(candles))
					blocks = append(blocks, ob)
					break
				}
			}
		}

		if !impulse.IsBullish() && breaksSwingLow(impulse, lows, i) {
			for j := i - 1; j >= 0 && j >= i-3; j-- {
				if candles[j].IsBullish() {
					ob := OrderBlock{
						Bias:        BiasBearish,
						TopPrice:    candles[j].High,
						BottomPrice: candles[j].Low,
						CandleIndex: j,
					}
					ob.Tested = blockTested(candles[i+1:], ob)
					ob.Strength = blockStrength(ob, j, len(candles))
					blocks = append(blocks, ob)
					break
				}
			}
		}
	}

	return blocks
}

func breaksSwingHigh(impulse market.Candle, highs []SwingPoint, index int) bool {
	for _, sp := range highs {
		if sp.CandleIndex < index && impulse.Close > sp.Price {
			return true
		}
	}
	return false
}

func breaksSwingLow(impulse market.Candle, lows []SwingPoint, index int) bool {
	for _, sp := range lows {
		if sp.CandleIndex < index && impulse.Close < sp.Price {
			return true
		}
	}
	return false
}

func blockTested(later []market.Candle, ob OrderBlock) bool {
	for _, c := range later {
		if c.Low <= ob.TopPrice && c.High >= ob.BottomPrice {
			return true
		}
	}
	return false
}

func blockStrength(ob OrderBlock, index, windowLen int) float64 {
	strength := 0.9
	if ob.Tested {
		strength = 0.5 // Defended once already
	}
	age := float64(windowLen-index) / float64(windowLen)
	strength *= 1.0 - 0.4*age
	if strength < 0.1 {
		strength = 0.1
	}
	return strength
}

// classifyStructure counts higher-highs/lows against lower-highs/lows and
// flags a change of character when price breaks the latest counter-swing
func (d *Detector) classifyStructure(candles []market.Candle, analysis *Analysis) {
	highs := analysis.SwingHighs
	lows := analysis.SwingLows

	if len(highs) < 2 || len(lows) < 2 {
		analysis.Structure = StructureRange
		analysis.StructureBias = BiasNeutral
		return
	}

	var higherHighs, lowerHighs, higherLows, lowerLows int
	for i := 1; i < len(highs); i++ {
		if highs[i].Price > highs[i-1].Price {
			higherHighs++
		} else {
			lowerHighs++
		}
	}
	for i := 1; i < len(lows); i++ {
		if lows[i].Price > lows[i-1].Price {
			higherLows++
		} else {
			lowerLows++
		}
	}

	bullish := higherHighs + higherLows
	bearish := lowerHighs + lowerLows
	total := bullish + bearish

	switch {
	case bullish > bearish*2:
		analysis.Structure = StructureUptrend
		analysis.StructureBias = BiasBullish
	case bearish > bullish*2:
		analysis.Structure = StructureDowntrend
		analysis.StructureBias = BiasBearish
	default:
		analysis.Structure = StructureRange
		analysis.StructureBias = BiasNeutral
	}

	if total > 0 {
		diff := bullish - bearish
		if diff < 0 {
			diff = -diff
		}
		analysis.TrendStrength = float64(diff) / float64(total)
	}

	// Change of character: close through the most recent counter-swing
	lastClose := candles[len(candles)-1].Close
	if analysis.Structure == StructureUptrend {
		lastLow := lows[len(lows)-1]
		if lastClose < lastLow.Price {
			analysis.ChangeOfCharacter = &StructureEvent{
				Bias:        BiasBearish,
				BrokenLevel: lastLow.Price,
				CandleIndex: len(candles) - 1,
			}
		}
	} else if analysis.Structure == StructureDowntrend {
		lastHigh := highs[len(highs)-1]
		if lastClose > lastHigh.Price {
			analysis.ChangeOfCharacter = &StructureEvent{
				Bias:        BiasBullish,
				BrokenLevel: lastHigh.Price,
				CandleIndex: len(candles) - 1,
			}
		}
	}
}
