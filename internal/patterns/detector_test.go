package patterns

import (
	"testing"

	"orderflow-bot/internal/market"
)

func candle(open, high, low, close float64) market.Candle {
	return market.Candle{Open: open, High: high, Low: low, Close: close, Volume: 1000}
}

func TestFindSwingsConfirmedExtremum(t *testing.T) {
	d := NewDetector(2, 0.1, 0.15, 0.6)

	// A clear peak at index 3 with two lower candles on each side
	candles := []market.Candle{
		candle(10, 10.5, 9.5, 10),
		candle(10, 11, 10, 10.8),
		candle(10.8, 12, 10.5, 11.5),
		candle(11.5, 15, 11.5, 14),
		candle(14, 12, 11, 11.5),
		candle(11.5, 11, 10, 10.5),
		candle(10.5, 10.5, 9.5, 10),
	}

	highs, _ := d.findSwings(candles)
	if len(highs) != 1 {
		t.Fatalf("Expected 1 swing high, got %d", len(highs))
	}
	if highs[0].Price != 15 || highs[0].CandleIndex != 3 {
		t.Errorf("Swing should sit at 15 (index 3), got %.2f (index %d)", highs[0].Price, highs[0].CandleIndex)
	}
	if highs[0].Swept {
		t.Error("No later candle traded above 15, swing should be unswept")
	}
}

func TestFindSwingsSweptHigh(t *testing.T) {
	d := NewDetector(2, 0.1, 0.15, 0.6)

	// Same peak, but the final candle trades above it
	candles := []market.Candle{
		candle(10, 10.5, 9.5, 10),
		candle(10, 11, 10, 10.8),
		candle(10.8, 12, 10.5, 11.5),
		candle(11.5, 15, 11.5, 14),
		candle(14, 12, 11, 11.5),
		candle(11.5, 11, 10, 10.5),
		candle(10.5, 16, 10, 15.5),
	}

	highs, _ := d.findSwings(candles)
	if len(highs) != 1 {
		t.Fatalf("Expected 1 swing high, got %d", len(highs))
	}
	if !highs[0].Swept {
		t.Error("Final candle traded through 15, swing should be marked swept")
	}
}

func TestFindSwingsLowRequiresBothSides(t *testing.T) {
	d := NewDetector(2, 0.1, 0.15, 0.6)

	// V-shape with the trough at index 3
	candles := []market.Candle{
		candle(15, 15.5, 14.5, 15),
		candle(15, 15, 14, 14.2),
		candle(14.2, 14.5, 13, 13.2),
		candle(13.2, 13.5, 12, 13),
		candle(13, 14, 12.5, 13.8),
		candle(13.8, 15, 13.5, 14.8),
		candle(14.8, 15.5, 14.5, 15.2),
	}

	_, lows := d.findSwings(candles)
	if len(lows) != 1 {
		t.Fatalf("Expected 1 swing low, got %d", len(lows))
	}
	if lows[0].Price != 12 || lows[0].CandleIndex != 3 {
		t.Errorf("Swing low should sit at 12 (index 3), got %.2f (index %d)", lows[0].Price, lows[0].CandleIndex)
	}
}

func TestFindFVGsBullishGap(t *testing.T) {
	d := NewDetector(2, 0.1, 0.15, 0.6)

	// Impulsive middle candle leaves a gap between c1 high (101) and c3 low (103)
	candles := []market.Candle{
		candle(100, 101, 99, 100.5),
		candle(100.5, 105, 100.5, 104.8),
		candle(104.5, 106, 103, 105),
	}

	fvgs := d.findFVGs(candles)
	if len(fvgs) != 1 {
		t.Fatalf("Expected 1 FVG, got %d", len(fvgs))
	}
	fvg := fvgs[0]
	if fvg.Bias != BiasBullish {
		t.Errorf("Gap under price should be bullish, got %s", fvg.Bias)
	}
	if fvg.BottomPrice != 101 || fvg.TopPrice != 103 {
		t.Errorf("Gap should span 101-103, got %.2f-%.2f", fvg.BottomPrice, fvg.TopPrice)
	}
	if fvg.Filled {
		t.Error("No later candle traded back through the gap, should be unfilled")
	}
}

func TestFindFVGsFilledGap(t *testing.T) {
	d := NewDetector(2, 0.1, 0.15, 0.6)

	candles := []market.Candle{
		candle(100, 101, 99, 100.5),
		candle(100.5, 105, 100.5, 104.8),
		candle(104.5, 106, 103, 105),
		candle(105, 105.5, 100.5, 101), // Trades through the whole gap
	}

	fvgs := d.findFVGs(candles)
	if len(fvgs) != 1 {
		t.Fatalf("Expected 1 FVG, got %d", len(fvgs))
	}
	if !fvgs[0].Filled {
		t.Error("Later low at 100.5 fills the 101-103 gap")
	}
	if fvgs[0].Strength >= 0.5 {
		t.Errorf("Filled gap should be heavily discounted, got strength %.2f", fvgs[0].Strength)
	}
}

func TestFindFVGsIgnoresTinyGap(t *testing.T) {
	d := NewDetector(2, 0.5, 0.15, 0.6)

	// Gap of ~0.2% stays below the 0.5% threshold
	candles := []market.Candle{
		candle(100, 100.1, 99, 100),
		candle(100, 100.5, 100, 100.4),
		candle(100.3, 100.6, 100.3, 100.5),
	}

	if fvgs := d.findFVGs(candles); len(fvgs) != 0 {
		t.Errorf("Sub-threshold gap should be ignored, got %d FVGs", len(fvgs))
	}
}

func TestFindFVGsBearishGap(t *testing.T) {
	d := NewDetector(2, 0.1, 0.15, 0.6)

	candles := []market.Candle{
		candle(105, 106, 104, 104.5),
		candle(104.5, 104.5, 100, 100.2),
		candle(100.5, 102, 99, 100),
	}

	fvgs := d.findFVGs(candles)
	if len(fvgs) != 1 {
		t.Fatalf("Expected 1 FVG, got %d", len(fvgs))
	}
	if fvgs[0].Bias != BiasBearish {
		t.Errorf("Gap above price should be bearish, got %s", fvgs[0].Bias)
	}
	if fvgs[0].TopPrice != 104 || fvgs[0].BottomPrice != 102 {
		t.Errorf("Gap should span 102-104, got %.2f-%.2f", fvgs[0].BottomPrice, fvgs[0].TopPrice)
	}
}

func TestFindOrderBlocksDemand(t *testing.T) {
	d := NewDetector(2, 0.1, 0.15, 0.6)

	candles := []market.Candle{
		candle(104, 105, 103.5, 104.5),
		candle(104.5, 105.5, 104, 105),
		candle(104, 104.5, 102.5, 103), // Last bearish candle before the break
		candle(103, 110.5, 102.9, 110), // Impulse through the swing high
	}
	highs := []SwingPoint{{Price: 105, CandleIndex: 1, IsHigh: true}}

	blocks := d.findOrderBlocks(candles, highs, nil)
	if len(blocks) != 1 {
		t.Fatalf("Expected 1 order block, got %d", len(blocks))
	}
	ob := blocks[0]
	if ob.Bias != BiasBullish {
		t.Errorf("Demand block should be bullish, got %s", ob.Bias)
	}
	if ob.CandleIndex != 2 {
		t.Errorf("Block should be the bearish candle at index 2, got %d", ob.CandleIndex)
	}
	if ob.TopPrice != 104.5 || ob.BottomPrice != 102.5 {
		t.Errorf("Block should span 102.5-104.5, got %.2f-%.2f", ob.BottomPrice, ob.TopPrice)
	}
	if ob.Tested {
		t.Error("No later candle returned into the block")
	}
}

func TestFindOrderBlocksTestedDiscount(t *testing.T) {
	d := NewDetector(2, 0.1, 0.15, 0.6)

	candles := []market.Candle{
		candle(104, 105, 103.5, 104.5),
		candle(104.5, 105.5, 104, 105),
		candle(104, 104.5, 102.5, 103),
		candle(103, 110.5, 102.9, 110),
		candle(110, 110, 104, 105), // Retraces into the block
	}
	highs := []SwingPoint{{Price: 105, CandleIndex: 1, IsHigh: true}}

	blocks := d.findOrderBlocks(candles, highs, nil)
	if len(blocks) != 1 {
		t.Fatalf("Expected 1 order block, got %d", len(blocks))
	}
	if !blocks[0].Tested {
		t.Error("Retrace into the block should mark it tested")
	}
}

func TestFindLiquidityZones(t *testing.T) {
	d := NewDetector(2, 0.1, 0.15, 0.6)

	candles := make([]market.Candle, 10)
	for i := range candles {
		candles[i] = candle(100, 101, 99, 100)
	}
	highs := []SwingPoint{{Price: 105, CandleIndex: 5, IsHigh: true}}
	lows := []SwingPoint{{Price: 95, CandleIndex: 5}}

	zones := d.findLiquidityZones(candles, highs, lows)
	if len(zones) != 2 {
		t.Fatalf("Expected 2 zones, got %d", len(zones))
	}

	var buySide, sellSide *LiquidityZone
	for i := range zones {
		switch zones[i].Side {
		case BuySideLiquidity:
			buySide = &zones[i]
		case SellSideLiquidity:
			sellSide = &zones[i]
		}
	}
	if buySide == nil || sellSide == nil {
		t.Fatal("Should build one zone per side")
	}
	if buySide.BottomPrice != 105 {
		t.Errorf("Buy-side zone should start at the swing high, got %.4f", buySide.BottomPrice)
	}
	if sellSide.TopPrice != 95 {
		t.Errorf("Sell-side zone should cap at the swing low, got %.4f", sellSide.TopPrice)
	}
	if buySide.TopPrice <= buySide.BottomPrice {
		t.Error("Buy-side band should extend above the swing")
	}
}

func TestFindLiquidityZonesSkipsCrossedLevels(t *testing.T) {
	d := NewDetector(2, 0.1, 0.15, 0.6)

	// Price closed at 110, above the old swing high at 105
	candles := []market.Candle{candle(110, 111, 109, 110)}
	highs := []SwingPoint{{Price: 105, CandleIndex: 0, IsHigh: true}}

	zones := d.findLiquidityZones(candles, highs, nil)
	if len(zones) != 0 {
		t.Errorf("Swing below price holds no resting stops, got %d zones", len(zones))
	}
}

func TestClassifyStructureUptrend(t *testing.T) {
	d := NewDetector(2, 0.1, 0.15, 0.6)

	analysis := &Analysis{
		SwingHighs: []SwingPoint{{Price: 10}, {Price: 11}, {Price: 12}},
		SwingLows:  []SwingPoint{{Price: 9}, {Price: 9.5}, {Price: 10.5}},
	}
	candles := []market.Candle{candle(11.5, 12, 11, 11.8)}

	d.classifyStructure(candles, analysis)
	if analysis.Structure != StructureUptrend {
		t.Errorf("Higher highs and higher lows should read uptrend, got %s", analysis.Structure)
	}
	if analysis.StructureBias != BiasBullish {
		t.Errorf("Uptrend bias should be bullish, got %s", analysis.StructureBias)
	}
	if analysis.TrendStrength != 1.0 {
		t.Errorf("Unanimous swings should score strength 1.0, got %.2f", analysis.TrendStrength)
	}
	if analysis.ChangeOfCharacter != nil {
		t.Error("Close above the last swing low is not a change of character")
	}
}

func TestClassifyStructureChangeOfCharacter(t *testing.T) {
	d := NewDetector(2, 0.1, 0.15, 0.6)

	analysis := &Analysis{
		SwingHighs: []SwingPoint{{Price: 10}, {Price: 11}, {Price: 12}},
		SwingLows:  []SwingPoint{{Price: 9}, {Price: 9.5}, {Price: 10.5}},
	}
	// Close breaks below the most recent higher low
	candles := []market.Candle{candle(10.8, 10.9, 10.2, 10.3)}

	d.classifyStructure(candles, analysis)
	if analysis.Structure != StructureUptrend {
		t.Fatalf("Swing sequence still reads uptrend, got %s", analysis.Structure)
	}
	choch := analysis.ChangeOfCharacter
	if choch == nil {
		t.Fatal("Close below 10.5 should flag a change of character")
	}
	if choch.Bias != BiasBearish {
		t.Errorf("Structure turned bearish, got %s", choch.Bias)
	}
	if choch.BrokenLevel != 10.5 {
		t.Errorf("Broken level should be the last swing low 10.5, got %.2f", choch.BrokenLevel)
	}
}

func TestClassifyStructureRangeWithFewSwings(t *testing.T) {
	d := NewDetector(2, 0.1, 0.15, 0.6)

	analysis := &Analysis{
		SwingHighs: []SwingPoint{{Price: 10}},
		SwingLows:  []SwingPoint{{Price: 9}},
	}
	d.classifyStructure([]market.Candle{candle(9.5, 10, 9, 9.5)}, analysis)
	if analysis.Structure != StructureRange {
		t.Errorf("Too few swings should read range, got %s", analysis.Structure)
	}
	if analysis.StructureBias != BiasNeutral {
		t.Errorf("Range bias should be neutral, got %s", analysis.StructureBias)
	}
}

func TestAnalyzeRejectsShortWindow(t *testing.T) {
	d := NewDetector(5, 0.1, 0.15, 0.6)

	candles := make([]market.Candle, 10) // Needs 11 for lookback 5
	for i := range candles {
		candles[i] = candle(100, 101, 99, 100)
	}
	if a := d.Analyze("BTCUSDT", "15m", candles); a != nil {
		t.Error("Window shorter than 2*lookback+1 should return nil")
	}
}
