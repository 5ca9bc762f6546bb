package market

import (
	"testing"
	"time"
)

func bar(openTime int64, close float64) Candle {
	return Candle{
		OpenTime: openTime,
		Open:     close - 0.5,
		High:     close + 1,
		Low:      close - 1,
		Close:    close,
		Volume:   1000,
	}
}

func TestSeriesReplaceTrimsToRetention(t *testing.T) {
	s := NewSeriesStore(3)

	candles := []Candle{bar(1, 100), bar(2, 101), bar(3, 102), bar(4, 103), bar(5, 104)}
	s.Replace("BTCUSDT", "15m", candles)

	window := s.Window("BTCUSDT", "15m")
	if len(window) != 3 {
		t.Fatalf("Expected window trimmed to 3, got %d", len(window))
	}
	if window[0].Close != 102 || window[2].Close != 104 {
		t.Errorf("Should keep the newest candles, got %.0f..%.0f", window[0].Close, window[2].Close)
	}
}

func TestSeriesAppendUpdatesFormingCandle(t *testing.T) {
	s := NewSeriesStore(10)

	s.Append("BTCUSDT", "15m", bar(1, 100))
	s.Append("BTCUSDT", "15m", bar(2, 101))
	// Same open time: the forming candle updates in place
	s.Append("BTCUSDT", "15m", bar(2, 101.5))

	if n := s.Len("BTCUSDT", "15m"); n != 2 {
		t.Fatalf("Expected 2 candles after in-place update, got %d", n)
	}
	closes := s.Closes("BTCUSDT", "15m")
	if closes[1] != 101.5 {
		t.Errorf("Forming candle should carry the newest close, got %.1f", closes[1])
	}
}

func TestSeriesWindowReturnsCopy(t *testing.T) {
	s := NewSeriesStore(10)
	s.Replace("BTCUSDT", "15m", []Candle{bar(1, 100)})

	window := s.Window("BTCUSDT", "15m")
	window[0].Close = 999

	if fresh := s.Window("BTCUSDT", "15m"); fresh[0].Close != 100 {
		t.Error("Mutating a returned window must not touch the stored series")
	}
}

func TestSeriesWindowEmptyInstrument(t *testing.T) {
	s := NewSeriesStore(10)
	if w := s.Window("UNKNOWN", "15m"); w != nil {
		t.Errorf("Unknown instrument should return nil, got %v", w)
	}
	if c := s.Closes("UNKNOWN", "15m"); c != nil {
		t.Errorf("Unknown instrument closes should return nil, got %v", c)
	}
}

func TestPriceCacheFreshAndStale(t *testing.T) {
	c := NewPriceCache(50 * time.Millisecond)

	if _, ok := c.Get("BTCUSDT"); ok {
		t.Error("Empty cache should miss")
	}

	c.Update("BTCUSDT", 68500)
	price, ok := c.Get("BTCUSDT")
	if !ok || price != 68500 {
		t.Fatalf("Fresh entry should hit with 68500, got %.2f (%v)", price, ok)
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get("BTCUSDT"); ok {
		t.Error("Entry past the stale age should miss")
	}
}

func TestPriceCacheStats(t *testing.T) {
	c := NewPriceCache(time.Minute)

	c.Get("BTCUSDT") // miss
	c.Update("BTCUSDT", 100)
	c.Get("BTCUSDT") // hit

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("Expected 1 hit / 1 miss, got %d / %d", hits, misses)
	}
}

func TestTimeframeDuration(t *testing.T) {
	cases := []struct {
		tf   string
		want time.Duration
	}{
		{"15m", 15 * time.Minute},
		{"4h", 4 * time.Hour},
		{"1d", 24 * time.Hour},
	}
	for _, tc := range cases {
		got, err := TimeframeDuration(tc.tf)
		if err != nil {
			t.Errorf("TimeframeDuration(%q) failed: %v", tc.tf, err)
			continue
		}
		if got != tc.want {
			t.Errorf("TimeframeDuration(%q) = %v, want %v", tc.tf, got, tc.want)
		}
	}

	for _, bad := range []string{"", "m", "15x", "0h", "-1m"} {
		if _, err := TimeframeDuration(bad); err == nil {
			t.Errorf("TimeframeDuration(%q) should fail", bad)
		}
	}
}
