package md

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthetic_DeterministicPerInstrument(t *testing.T) {
	g := NewSynthetic()

	a := g.Series("BTCUSDT", "1h", 100)
	b := g.Series("BTCUSDT", "1h", 100)
	require.NotEmpty(t, a.Candles)
	require.NotEmpty(t, b.Candles)
	assert.Equal(t, a.Candles[0].Open, b.Candles[0].Open, "same instrument must start from the same base price")

	other := g.Series("ETHUSDT", "1h", 100)
	require.NotEmpty(t, other.Candles)
	assert.NotEqual(t, a.Candles[0].Open, other.Candles[0].Open)
}

func TestSynthetic_ValidOHLCAndOrdering(t *testing.T) {
	g := NewSynthetic()
	s := g.Series("SOLUSDT", "15m", 200)

	require.Len(t, s.Candles, 200)
	assert.Equal(t, SourceSynthetic, s.Source)

	step := 15 * time.Minute
	for i, c := range s.Candles {
		assert.LessOrEqual(t, c.Low, c.Open, "bar %d", i)
		assert.LessOrEqual(t, c.Low, c.Close, "bar %d", i)
		assert.GreaterOrEqual(t, c.High, c.Open, "bar %d", i)
		assert.GreaterOrEqual(t, c.High, c.Close, "bar %d", i)
		assert.Positive(t, c.Low, "bar %d", i)
		assert.Positive(t, c.Volume, "bar %d", i)

		if i > 0 {
			assert.Equal(t, step.Milliseconds(), c.Time-s.Candles[i-1].Time, "bars must be contiguous")
			assert.Equal(t, s.Candles[i-1].Close, c.Open, "open must chain from previous close")
		}
	}
}

func TestSynthetic_CapsAndEdgeCounts(t *testing.T) {
	g := NewSynthetic()

	t.Run("over_cap", func(t *testing.T) {
		s := g.Series("BTCUSDT", "1h", 5000)
		assert.Len(t, s.Candles, MaxSeriesLen)
	})

	t.Run("zero", func(t *testing.T) {
		s := g.Series("BTCUSDT", "1h", 0)
		assert.Empty(t, s.Candles)
	})

	t.Run("negative", func(t *testing.T) {
		s := g.Series("BTCUSDT", "1h", -3)
		assert.Empty(t, s.Candles)
	})
}

func TestSynthetic_UnsupportedGranularityFallsBack(t *testing.T) {
	g := NewSynthetic()

	s := g.Series("BTCUSDT", "bogus", 10)
	require.Len(t, s.Candles, 10)
	assert.Equal(t, DefaultInterval.Milliseconds(), s.Candles[1].Time-s.Candles[0].Time)
}

func TestSynthetic_Quote(t *testing.T) {
	g := NewSynthetic()
	q := g.Quote("BTCUSDT")
	assert.Equal(t, SourceSynthetic, q.Source)
	assert.True(t, q.Price.IsPositive())
}

func TestIntervalDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"1m", time.Minute, true},
		{"15m", 15 * time.Minute, true},
		{"1h", time.Hour, true},
		{"4h", 4 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"1w", 7 * 24 * time.Hour, true},
		{"", DefaultInterval, false},
		{"h", DefaultInterval, false},
		{"0m", DefaultInterval, false},
		{"-5m", DefaultInterval, false},
		{"1x", DefaultInterval, false},
		{"abc", DefaultInterval, false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			d, ok := ParseInterval(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, d)
			assert.Equal(t, tc.want, IntervalDuration(tc.in))
		})
	}
}
