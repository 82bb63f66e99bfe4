package md

import (
	"errors"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Source tags where a quote or series came from. Push data wins over pull
// data when both are available; synthetic is the last resort.
type Source string

const (
	SourcePush      Source = "push"
	SourcePull      Source = "pull"
	SourceSynthetic Source = "synthetic"
)

var (
	// ErrRateLimited marks an explicit 429/418 from an endpoint.
	ErrRateLimited = errors.New("rate limited")

	// ErrNoData is returned only when no source, synthetic included, can
	// produce anything (requested count <= 0).
	ErrNoData = errors.New("no data available")
)

// Candle is one OHLCV bar. Time is the bar open in unix milliseconds.
type Candle struct {
	Time   int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Quote is a 24h-ticker style snapshot for one instrument. Numeric fields
// keep the exchange's string precision via decimal.
type Quote struct {
	Instrument string
	Price      decimal.Decimal
	ChangePct  decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Volume     decimal.Decimal
	Ts         int64 // unix ms
	Source     Source
}

// Series is an ordered run of candles for one (instrument, interval) pair.
type Series struct {
	Instrument string
	Interval   string
	Source     Source
	Candles    []Candle
}

// Last returns the most recent candle.
func (s Series) Last() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// MaxSeriesLen caps how many candles a series retains; oldest are evicted
// first when a fetch or generator produces more.
const MaxSeriesLen = 1000

// DefaultInterval is the spacing used when an interval string cannot be parsed.
const DefaultInterval = time.Hour

// IntervalDuration converts an "{int}{m|h|d|w}" interval string into a
// duration. It never fails: anything unparseable falls back to DefaultInterval.
func IntervalDuration(interval string) time.Duration {
	d, ok := ParseInterval(interval)
	if !ok {
		return DefaultInterval
	}
	return d
}

// ParseInterval reports whether the interval string is well-formed alongside
// the parsed spacing.
func ParseInterval(interval string) (time.Duration, bool) {
	if len(interval) < 2 {
		return DefaultInterval, false
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return DefaultInterval, false
	}
	switch interval[len(interval)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, true
	default:
		return DefaultInterval, false
	}
}
