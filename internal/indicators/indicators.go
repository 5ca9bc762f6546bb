// Package indicators provides the technical calculations shared by the risk
// engine and the quant filters.
package indicators

import (
	"math"

	"orderflow-bot/internal/market"
)

// SMA calculates the Simple Moving Average of closes over the last period candles
func SMA(candles []market.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}

// ATR calculates the Average True Range over the last period candles
func ATR(candles []market.Candle, period int) float64 {
	if len(candles) < period+1 || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		high := candles[i].High
		low := candles[i].Low
		prevClose := candles[i-1].Close

		tr := high - low
		if hc := math.Abs(high - prevClose); hc > tr {
			tr = hc
		}
		if lc := math.Abs(low - prevClose); lc > tr {
			tr = lc
		}
		sum += tr
	}
	return sum / float64(period)
}

// BollingerBands holds the band values for the latest candle
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger calculates Bollinger Bands over the last period candles
func Bollinger(candles []market.Candle, period int, stdDevMult float64) *BollingerBands {
	if len(candles) < period || period <= 0 {
		return nil
	}

	middle := SMA(candles, period)

	variance := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		diff := candles[i].Close - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))

	return &BollingerBands{
		Upper:  middle + stdDevMult*stdDev,
		Middle: middle,
		Lower:  middle - stdDevMult*stdDev,
	}
}

// ZScore returns how many standard deviations price sits from the
// period mean. Zero when the window is too short or flat.
func ZScore(candles []market.Candle, period int, price float64) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}

	mean := SMA(candles, period)
	variance := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		diff := candles[i].Close - mean
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))
	if stdDev == 0 {
		return 0
	}
	return (price - mean) / stdDev
}

// Returns converts a close series to simple per-period returns
func Returns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, closes[i]/closes[i-1]-1)
	}
	return out
}

// Correlation computes the Pearson correlation of two equal-length series.
// Returns 0 when either series is flat or the lengths differ.
func Correlation(a, b []float64) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA := sumA / float64(n)
	meanB := sumB / float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}
