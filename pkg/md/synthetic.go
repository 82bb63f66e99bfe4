package md

import (
	"hash/fnv"
	"math/rand"
	"time"
)

const (
	syntheticVolatility = 0.008 // max fractional move per bar
	syntheticWickSpan   = 0.004 // max wick beyond the body
)

// Synthetic produces plausible OHLCV series when no live source is reachable.
// The generator is seeded from the instrument name, so repeated calls for the
// same instrument start from the same base price and walk the same shape.
type Synthetic struct {
	now func() time.Time
}

func NewSynthetic() *Synthetic {
	return &Synthetic{now: time.Now}
}

// Series generates count bars ending at "now". Any interval string is
// accepted; unparseable ones use the default spacing.
func (g *Synthetic) Series(instrument, interval string, count int) Series {
	s := Series{
		Instrument: instrument,
		Interval:   interval,
		Source:     SourceSynthetic,
	}
	if count <= 0 {
		return s
	}
	if count > MaxSeriesLen {
		count = MaxSeriesLen
	}

	seed := instrumentSeed(instrument)
	rng := rand.New(rand.NewSource(seed))
	step := IntervalDuration(interval)

	end := g.now().Truncate(step)
	start := end.Add(-time.Duration(count-1) * step)

	price := basePrice(seed)
	baseVol := 100 + float64(seed%900)

	s.Candles = make([]Candle, 0, count)
	for i := 0; i < count; i++ {
		open := price
		drift := (rng.Float64()*2 - 1) * syntheticVolatility
		closePx := open * (1 + drift)
		if closePx <= 0 {
			closePx = open
		}

		hi, lo := open, closePx
		if lo > hi {
			hi, lo = lo, hi
		}
		high := hi * (1 + rng.Float64()*syntheticWickSpan)
		low := lo * (1 - rng.Float64()*syntheticWickSpan)

		s.Candles = append(s.Candles, Candle{
			Time:   start.Add(time.Duration(i) * step).UnixMilli(),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePx,
			Volume: baseVol * (0.5 + rng.Float64()),
		})
		price = closePx
	}
	return s
}

// Quote derives a synthetic snapshot from the tail of a generated series.
func (g *Synthetic) Quote(instrument string) Quote {
	s := g.Series(instrument, "1h", 24)
	last, _ := s.Last()
	return quoteFromCandle(instrument, last, SourceSynthetic)
}

func instrumentSeed(instrument string) int64 {
	h := fnv.New64a()
	h.Write([]byte(instrument))
	return int64(h.Sum64() & (1<<62 - 1))
}

// basePrice maps the seed into a stable, plausible price level.
func basePrice(seed int64) float64 {
	return 10 + float64(seed%100_000)/20
}
