package md

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
)

const (
	// DefaultPullTimeout bounds one REST request to one endpoint.
	DefaultPullTimeout = 10 * time.Second

	// DefaultRateLimitCooldown is slept after a 429 before trying the next
	// endpoint in the ranking.
	DefaultRateLimitCooldown = 250 * time.Millisecond

	// DefaultQuoteFreshness is how recent a push quote must be for
	// CurrentPrice to prefer it over a pull.
	DefaultQuoteFreshness = 10 * time.Second
)

// KlineSource pulls market data from one named REST endpoint. pkg/bn provides
// the Binance implementation.
type KlineSource interface {
	Klines(ctx context.Context, endpoint, instrument, interval string, limit int) ([]Candle, error)
	Ticker(ctx context.Context, endpoint, instrument string) (Quote, error)
}

// History resolves historical series through cache -> ranked endpoints ->
// synthetic generator, in that order. It always returns displayable data.
type History struct {
	source    KlineSource
	endpoints []string
	cache     *TTLCache[seriesKey, Series]
	quotes    *QuoteCache
	gen       *Synthetic
	log       *slog.Logger

	timeout   time.Duration
	cooldown  time.Duration
	freshness time.Duration

	breakers map[string]*gobreaker.CircuitBreaker[[]Candle]
}

type seriesKey struct {
	instrument string
	interval   string
	limit      int
}

// HistoryConfig tunes a History provider. Zero values pick the defaults.
type HistoryConfig struct {
	Endpoints []string
	TTL       time.Duration
	Timeout   time.Duration
	Cooldown  time.Duration
	Freshness time.Duration
	Logger    *slog.Logger
}

// NewHistory builds a provider. quotes is the feed manager's quote cache and
// may be shared; pass a fresh one when no push feed is in play.
func NewHistory(source KlineSource, quotes *QuoteCache, cfg HistoryConfig) *History {
	if quotes == nil {
		quotes = NewQuoteCache()
	}
	h := &History{
		source:    source,
		endpoints: cfg.Endpoints,
		cache:     NewTTLCache[seriesKey, Series](cfg.TTL),
		quotes:    quotes,
		gen:       NewSynthetic(),
		log:       cfg.Logger,
		timeout:   cfg.Timeout,
		cooldown:  cfg.Cooldown,
		freshness: cfg.Freshness,
		breakers:  make(map[string]*gobreaker.CircuitBreaker[[]Candle]),
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.timeout <= 0 {
		h.timeout = DefaultPullTimeout
	}
	if h.cooldown <= 0 {
		h.cooldown = DefaultRateLimitCooldown
	}
	if h.freshness <= 0 {
		h.freshness = DefaultQuoteFreshness
	}
	for _, ep := range h.endpoints {
		h.breakers[ep] = newEndpointBreaker(ep)
	}
	return h
}

// newEndpointBreaker trips an endpoint out of the rotation after repeated
// hard failures. Rate limiting is not a failure here: it already rotates to
// the next endpoint and must not mask a healthy host.
func newEndpointBreaker(endpoint string) *gobreaker.CircuitBreaker[[]Candle] {
	return gobreaker.NewCircuitBreaker[[]Candle](gobreaker.Settings{
		Name:    endpoint,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRateLimited)
		},
	})
}

// GetSeries returns up to limit candles for (instrument, interval).
// Resolution order: TTL cache, each ranked endpoint once, synthetic. The
// synthetic result is never cached so a real source is retried next call.
func (h *History) GetSeries(ctx context.Context, instrument, interval string, limit int) Series {
	if limit > MaxSeriesLen {
		limit = MaxSeriesLen
	}
	key := seriesKey{instrument: instrument, interval: interval, limit: limit}
	if s, ok := h.cache.Get(key); ok {
		return s
	}

	for _, ep := range h.endpoints {
		candles, err := h.fetchOne(ctx, ep, instrument, interval, limit)
		if err != nil {
			if errors.Is(err, ErrRateLimited) {
				h.log.Warn("GetSeries", "endpoint", ep, "instrument", instrument, "rateLimited", true)
				sleepCtx(ctx, h.cooldown)
			} else if !errors.Is(err, gobreaker.ErrOpenState) {
				h.log.Warn("GetSeries", "endpoint", ep, "instrument", instrument, "err", err)
			}
			continue
		}
		if len(candles) == 0 {
			continue
		}
		s := Series{
			Instrument: instrument,
			Interval:   interval,
			Source:     SourcePull,
			Candles:    candles,
		}
		h.cache.Put(key, s)
		return s
	}

	h.log.Warn("GetSeries", "instrument", instrument, "fallback", "synthetic")
	return h.gen.Series(instrument, interval, limit)
}

func (h *History) fetchOne(ctx context.Context, endpoint, instrument, interval string, limit int) ([]Candle, error) {
	cb := h.breakers[endpoint]
	fetch := func() ([]Candle, error) {
		rctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		return h.source.Klines(rctx, endpoint, instrument, interval, limit)
	}
	if cb == nil {
		return fetch()
	}
	return cb.Execute(fetch)
}

// CurrentPrice prefers a fresh push quote, then one pull ticker from the
// ranked endpoints, then the close of the most recent available candle.
func (h *History) CurrentPrice(ctx context.Context, instrument string) (Quote, error) {
	if q, ok := h.quotes.GetFresh(instrument, h.freshness); ok {
		return q, nil
	}

	for _, ep := range h.endpoints {
		rctx, cancel := context.WithTimeout(ctx, h.timeout)
		q, err := h.source.Ticker(rctx, ep, instrument)
		cancel()
		if err != nil {
			if errors.Is(err, ErrRateLimited) {
				sleepCtx(ctx, h.cooldown)
			}
			continue
		}
		h.quotes.Put(q)
		return q, nil
	}

	s := h.GetSeries(ctx, instrument, "1h", 24)
	last, ok := s.Last()
	if !ok {
		return Quote{}, ErrNoData
	}
	return quoteFromCandle(instrument, last, s.Source), nil
}

// Quotes exposes the quote cache for consumers that only need snapshots.
func (h *History) Quotes() *QuoteCache {
	return h.quotes
}

func quoteFromCandle(instrument string, c Candle, src Source) Quote {
	return Quote{
		Instrument: instrument,
		Price:      decimal.NewFromFloat(c.Close),
		High:       decimal.NewFromFloat(c.High),
		Low:        decimal.NewFromFloat(c.Low),
		Volume:     decimal.NewFromFloat(c.Volume),
		Ts:         c.Time,
		Source:     src,
	}
}

// sleepCtx waits d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
