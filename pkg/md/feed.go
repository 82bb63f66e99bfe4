package md

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// DefaultBufferCap bounds the rolling candle buffer kept per instrument.
const DefaultBufferCap = 500

var (
	ErrNotSubscribed = errors.New("no active subscription")

	// ErrExhausted means the reconnect budget was consumed; only a new
	// Subscribe call restarts the connection.
	ErrExhausted = errors.New("reconnect attempts exhausted")
)

// ConnState is the lifecycle of one subscription.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateFaulted
	StateReconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFaulted:
		return "faulted"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Status is a point-in-time read of the active subscription.
type Status struct {
	Connected  bool
	Instrument string
	Attempts   int
}

// StreamConn is one live push connection. *websocket.Conn satisfies it.
type StreamConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// DialFunc opens a push connection for the combined ticker+kline topics of
// one instrument. It must honor ctx cancellation.
type DialFunc func(ctx context.Context, instrument string) (StreamConn, error)

// QuoteObserver receives every push quote. Observers run on the feed's pump
// goroutine and must not block: further inbound messages are serialized
// behind them.
type QuoteObserver func(Quote)

// CandleObserver receives every push candle update with its closed flag.
// Same contract as QuoteObserver.
type CandleObserver func(c Candle, closed bool)

// FeedConfig wires a Feed. Dial is required.
type FeedConfig struct {
	Dial       DialFunc
	Quotes     *QuoteCache
	NewBackoff func() *Backoff
	BufferCap  int
	Logger     *slog.Logger
}

// Feed owns the push connection for at most one instrument at a time,
// parses inbound events and fans them out to the quote cache, the rolling
// candle buffer and registered observers.
type Feed struct {
	dial       DialFunc
	quotes     *QuoteCache
	newBackoff func() *Backoff
	bufCap     int
	log        *slog.Logger

	malformed atomic.Int64

	// subMu serializes Subscribe/Unsubscribe end to end so two racing calls
	// cannot both install a subscription and orphan one of the pumps.
	subMu sync.Mutex

	mu        sync.Mutex
	sub       *subscription
	quoteObs  []QuoteObserver
	candleObs []CandleObserver
	buffers   map[string][]Candle
	stateCh   chan struct{} // closed and replaced on every state transition
}

type subscription struct {
	instrument string
	cancel     context.CancelFunc
	done       chan struct{}
	state      atomic.Int32
	attempts   atomic.Int32

	connMu sync.Mutex
	conn   StreamConn
}

func (s *subscription) connState() ConnState {
	return ConnState(s.state.Load())
}

func (s *subscription) setConn(c StreamConn) {
	s.connMu.Lock()
	s.conn = c
	s.connMu.Unlock()
}

func (s *subscription) closeConn() {
	s.connMu.Lock()
	c := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

func NewFeed(cfg FeedConfig) *Feed {
	f := &Feed{
		dial:       cfg.Dial,
		quotes:     cfg.Quotes,
		newBackoff: cfg.NewBackoff,
		bufCap:     cfg.BufferCap,
		log:        cfg.Logger,
		buffers:    make(map[string][]Candle),
		stateCh:    make(chan struct{}),
	}
	if f.quotes == nil {
		f.quotes = NewQuoteCache()
	}
	if f.newBackoff == nil {
		f.newBackoff = NewBackoff
	}
	if f.bufCap <= 0 {
		f.bufCap = DefaultBufferCap
	}
	if f.log == nil {
		f.log = slog.Default()
	}
	return f
}

// Subscribe starts (or keeps) the push connection for instrument. A live
// subscription for a different instrument is torn down first; one for the
// same instrument is reused unless it already ran out of retries.
func (f *Feed) Subscribe(instrument string) {
	f.subMu.Lock()
	defer f.subMu.Unlock()

	f.mu.Lock()
	cur := f.sub
	if cur != nil {
		st := cur.connState()
		if cur.instrument == instrument && st != StateDisconnected && st != StateIdle {
			f.mu.Unlock()
			return
		}
		f.sub = nil
	}
	f.mu.Unlock()

	if cur != nil {
		f.teardown(cur)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		instrument: instrument,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	sub.state.Store(int32(StateConnecting))

	f.mu.Lock()
	f.sub = sub
	f.mu.Unlock()

	go f.run(ctx, sub)
}

// Unsubscribe stops the active connection, clears all observers and returns
// the feed to idle. Safe to call repeatedly and from any goroutine.
func (f *Feed) Unsubscribe() {
	f.subMu.Lock()
	defer f.subMu.Unlock()

	f.mu.Lock()
	sub := f.sub
	f.sub = nil
	f.quoteObs = nil
	f.candleObs = nil
	f.mu.Unlock()

	if sub != nil {
		f.teardown(sub)
	}
}

func (f *Feed) teardown(sub *subscription) {
	sub.cancel()
	sub.closeConn()
	<-sub.done

	f.mu.Lock()
	delete(f.buffers, sub.instrument)
	f.mu.Unlock()
}

// Status is a pure read with no side effects.
func (f *Feed) Status() Status {
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	if sub == nil {
		return Status{}
	}
	return Status{
		Connected:  sub.connState() == StateConnected,
		Instrument: sub.instrument,
		Attempts:   int(sub.attempts.Load()),
	}
}

// WaitConnected blocks until the subscription reaches Connected, the retry
// budget is exhausted, or ctx ends. No polling: it waits on state changes.
func (f *Feed) WaitConnected(ctx context.Context) error {
	for {
		f.mu.Lock()
		sub := f.sub
		ch := f.stateCh
		f.mu.Unlock()

		if sub == nil {
			return ErrNotSubscribed
		}
		switch sub.connState() {
		case StateConnected:
			return nil
		case StateDisconnected:
			return ErrExhausted
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (f *Feed) AddQuoteObserver(ob QuoteObserver) {
	f.mu.Lock()
	f.quoteObs = append(f.quoteObs, ob)
	f.mu.Unlock()
}

func (f *Feed) AddCandleObserver(ob CandleObserver) {
	f.mu.Lock()
	f.candleObs = append(f.candleObs, ob)
	f.mu.Unlock()
}

// Quotes returns the cache written by this feed.
func (f *Feed) Quotes() *QuoteCache {
	return f.quotes
}

// Candles returns a copy of the rolling push-fed buffer for instrument.
func (f *Feed) Candles(instrument string) []Candle {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := f.buffers[instrument]
	if len(buf) == 0 {
		return nil
	}
	out := make([]Candle, len(buf))
	copy(out, buf)
	return out
}

// Malformed counts inbound messages that were dropped as unparseable.
func (f *Feed) Malformed() int64 {
	return f.malformed.Load()
}

func (f *Feed) setState(sub *subscription, st ConnState) {
	sub.state.Store(int32(st))
	f.mu.Lock()
	close(f.stateCh)
	f.stateCh = make(chan struct{})
	f.mu.Unlock()
}

// run is the single pump goroutine for one subscription: it dials, reads
// until failure, and walks the reconnect state machine until the budget is
// exhausted or the subscription is cancelled.
func (f *Feed) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)

	policy := f.newBackoff()
	for {
		f.setState(sub, StateConnecting)
		conn, err := f.dial(ctx, sub.instrument)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			f.setState(sub, StateIdle)
			return
		}
		if err == nil {
			sub.setConn(conn)
			policy.Reset()
			sub.attempts.Store(0)
			f.setState(sub, StateConnected)

			readErr := f.readLoop(ctx, sub.instrument, conn)
			sub.closeConn()
			if ctx.Err() != nil {
				f.setState(sub, StateIdle)
				return
			}
			f.log.Warn("feed", "instrument", sub.instrument, "disconnected", readErr)
			f.setState(sub, StateFaulted)
		} else {
			f.log.Warn("feed", "instrument", sub.instrument, "dial", err)
		}

		f.setState(sub, StateReconnecting)
		wait, ok := policy.Next()
		sub.attempts.Store(int32(policy.Attempts()))
		if !ok {
			f.log.Warn("feed", "instrument", sub.instrument, "giveUp", policy.Attempts())
			f.setState(sub, StateDisconnected)
			return
		}
		if !sleepCtx(ctx, wait) {
			f.setState(sub, StateIdle)
			return
		}
	}
}

func (f *Feed) readLoop(ctx context.Context, instrument string, conn StreamConn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.dispatch(instrument, msg)
	}
}

// dispatch parses one inbound message and fans it out. Malformed payloads
// are counted and dropped without touching connection or cache state.
func (f *Feed) dispatch(instrument string, msg []byte) {
	payload := gjson.ParseBytes(msg)
	if data := payload.Get("data"); data.Exists() {
		// Combined-stream wrapper: {"stream":"...","data":{...}}
		payload = data
	}

	switch payload.Get("e").Str {
	case "24hrTicker":
		q, err := parseTickerEvent(payload)
		if err != nil {
			f.malformed.Add(1)
			return
		}
		f.quotes.Put(q)
		for _, ob := range f.snapshotQuoteObs() {
			ob(q)
		}
	case "kline":
		c, closed, err := parseKlineEvent(payload)
		if err != nil {
			f.malformed.Add(1)
			return
		}
		f.upsertCandle(instrument, c)
		for _, ob := range f.snapshotCandleObs() {
			ob(c, closed)
		}
	default:
		f.malformed.Add(1)
	}
}

func (f *Feed) snapshotQuoteObs() []QuoteObserver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]QuoteObserver(nil), f.quoteObs...)
}

func (f *Feed) snapshotCandleObs() []CandleObserver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CandleObserver(nil), f.candleObs...)
}

// upsertCandle replaces the open bar when the open time matches the newest
// buffered bar, otherwise appends, evicting the oldest past the cap.
func (f *Feed) upsertCandle(instrument string, c Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := f.buffers[instrument]
	if n := len(buf); n > 0 && buf[n-1].Time == c.Time {
		buf[n-1] = c
	} else {
		buf = append(buf, c)
		if len(buf) > f.bufCap {
			buf = buf[len(buf)-f.bufCap:]
		}
	}
	f.buffers[instrument] = buf
}

func parseTickerEvent(payload gjson.Result) (Quote, error) {
	price, err := decimal.NewFromString(payload.Get("c").String())
	if err != nil {
		return Quote{}, err
	}
	if !price.IsPositive() {
		return Quote{}, errors.New("non-positive price")
	}
	change, err := decimal.NewFromString(payload.Get("P").String())
	if err != nil {
		return Quote{}, err
	}

	q := Quote{
		Instrument: payload.Get("s").Str,
		Price:      price,
		ChangePct:  change,
		Ts:         payload.Get("E").Int(),
		Source:     SourcePush,
	}
	if q.Instrument == "" {
		return Quote{}, errors.New("missing symbol")
	}
	// High/low/volume are best effort; a ticker without them is still usable.
	if v, err := decimal.NewFromString(payload.Get("h").String()); err == nil {
		q.High = v
	}
	if v, err := decimal.NewFromString(payload.Get("l").String()); err == nil {
		q.Low = v
	}
	if v, err := decimal.NewFromString(payload.Get("v").String()); err == nil {
		q.Volume = v
	}
	return q, nil
}

func parseKlineEvent(payload gjson.Result) (Candle, bool, error) {
	k := payload.Get("k")
	if !k.Exists() {
		return Candle{}, false, errors.New("missing kline body")
	}
	c := Candle{
		Time:   k.Get("t").Int(),
		Open:   k.Get("o").Float(),
		High:   k.Get("h").Float(),
		Low:    k.Get("l").Float(),
		Close:  k.Get("c").Float(),
		Volume: k.Get("v").Float(),
	}
	if c.Time <= 0 || c.Close <= 0 {
		return Candle{}, false, errors.New("bad kline fields")
	}
	return c, k.Get("x").Bool(), nil
}
