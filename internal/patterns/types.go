package patterns

import (
	"time"
)

// Bias is the directional reading of a pattern or structure
type Bias string

const (
	BiasBullish Bias = "bullish"
	BiasBearish Bias = "bearish"
	BiasNeutral Bias = "neutral"
)

// LiquiditySide tags which side of price a liquidity zone sits on
type LiquiditySide string

const (
	// BuySideLiquidity sits above price, acting as resistance / short liquidity
	BuySideLiquidity LiquiditySide = "buy_side"
	// SellSideLiquidity sits below price
	SellSideLiquidity LiquiditySide = "sell_side"
)

// SwingPoint is a confirmed local extremum
type SwingPoint struct {
	Price       float64
	CandleIndex int
	IsHigh      bool
	Swept       bool // Later price traded through the level
}

// LiquidityZone is a price band just beyond a recent swing point where
// resting stops are assumed to cluster
type LiquidityZone struct {
	Side        LiquiditySide
	TopPrice    float64
	BottomPrice float64
	CandleIndex int
	Strength    float64 // Fresh/untested zones score higher than swept ones
}

// FVG is a three-candle fair value gap
type FVG struct {
	Bias        Bias
	TopPrice    float64
	BottomPrice float64
	CandleIndex int // Index of the middle candle
	CreatedAt   time.Time
	Filled      bool
	Strength    float64
}

// OrderBlock is the last opposite-direction candle before an impulsive
// structure break
type OrderBlock struct {
	Bias        Bias
	TopPrice    float64
	BottomPrice float64
	CandleIndex int
	Tested      bool // Later price returned into the block
	Strength    float64
}

// StructureState classifies the current market structure
type StructureState string

const (
	StructureUptrend   StructureState = "uptrend"
	StructureDowntrend StructureState = "downtrend"
	StructureRange     StructureState = "range"
)

// StructureEvent is a change-of-character: price breaking the most recent
// counter-swing against the prevailing trend
type StructureEvent struct {
	Bias        Bias // Direction the structure turned toward
	BrokenLevel float64
	CandleIndex int
}

// Analysis is the full detector output for one instrument/timeframe window.
// Pure data; the detector has no side effects.
type Analysis struct {
	Instrument string
	Timeframe  string

	SwingHighs     []SwingPoint
	SwingLows      []SwingPoint
	LiquidityZones []LiquidityZone
	FVGs           []FVG
	OrderBlocks    []OrderBlock

	Structure         StructureState
	StructureBias     Bias
	TrendStrength     float64 // 0.0 to 1.0
	ChangeOfCharacter *StructureEvent
}
