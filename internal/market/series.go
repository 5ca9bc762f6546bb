package market

import (
	"sync"
)

// SeriesStore keeps rolling per-instrument, per-timeframe candle windows.
// It is working state only: on restart it is repopulated from the provider,
// never from durable storage.
type SeriesStore struct {
	mu     sync.RWMutex
	maxLen int
	series map[string][]Candle // "instrument:timeframe" -> candles, oldest first
}

// NewSeriesStore creates a store that retains up to maxLen candles per window
func NewSeriesStore(maxLen int) *SeriesStore {
	if maxLen <= 0 {
		maxLen = 200
	}
	return &SeriesStore{
		maxLen: maxLen,
		series: make(map[string][]Candle),
	}
}

func seriesKey(instrument, timeframe string) string {
	return instrument + ":" + timeframe
}

// Replace swaps the whole window for an instrument/timeframe, trimming to
// the retention limit. Used on refresh from the provider.
func (s *SeriesStore) Replace(instrument, timeframe string, candles []Candle) {
	if len(candles) > s.maxLen {
		candles = candles[len(candles)-s.maxLen:]
	}
	cp := make([]Candle, len(candles))
	copy(cp, candles)

	s.mu.Lock()
	s.series[seriesKey(instrument, timeframe)] = cp
	s.mu.Unlock()
}

// Append adds one candle, replacing the last when open times match
// (a still-forming candle updating in place)
func (s *SeriesStore) Append(instrument, timeframe string, candle Candle) {
	key := seriesKey(instrument, timeframe)

	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.series[key]
	if n := len(window); n > 0 && window[n-1].OpenTime == candle.OpenTime {
		window[n-1] = candle
		return
	}
	window = append(window, candle)
	if len(window) > s.maxLen {
		window = window[len(window)-s.maxLen:]
	}
	s.series[key] = window
}

// Window returns a copy of the current candle window, oldest first
func (s *SeriesStore) Window(instrument, timeframe string) []Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window := s.series[seriesKey(instrument, timeframe)]
	if len(window) == 0 {
		return nil
	}
	cp := make([]Candle, len(window))
	copy(cp, window)
	return cp
}

// Closes returns the close prices of the current window, oldest first
func (s *SeriesStore) Closes(instrument, timeframe string) []float64 {
	window := s.Window(instrument, timeframe)
	if window == nil {
		return nil
	}
	closes := make([]float64, len(window))
	for i, c := range window {
		closes[i] = c.Close
	}
	return closes
}

// Len returns the number of candles held for an instrument/timeframe
func (s *SeriesStore) Len(instrument, timeframe string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[seriesKey(instrument, timeframe)])
}
