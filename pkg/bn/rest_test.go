package bn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgscacau/robo-trader-02/pkg/md"
)

type recordingServer struct {
	*httptest.Server
	mu    sync.Mutex
	query url.Values
	path  string
}

func newRecordingServer(status int, body string) *recordingServer {
	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.query = r.URL.Query()
		rs.path = r.URL.Path
		rs.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	return rs
}

func (rs *recordingServer) lastQuery() url.Values {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.query
}

func (rs *recordingServer) lastPath() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.path
}

const klinesBody = `[
	[1700000000000,"100.0","101.5","99.2","100.8","12.3",1700003599999,"1240.1",42,"6.1","615.0","0"],
	[1700003600000,"100.8","102.0","100.1","101.4","8.7",1700007199999,"882.2",31,"4.3","436.0","0"]
]`

func TestClient_Klines_ParsesRows(t *testing.T) {
	srv := newRecordingServer(http.StatusOK, klinesBody)
	defer srv.Close()

	c := NewClient()
	candles, err := c.Klines(context.Background(), srv.URL, "BTCUSDT", "1h", 500)
	require.NoError(t, err)

	require.Len(t, candles, 2)
	assert.EqualValues(t, 1700000000000, candles[0].Time)
	assert.InDelta(t, 100.0, candles[0].Open, 1e-9)
	assert.InDelta(t, 101.5, candles[0].High, 1e-9)
	assert.InDelta(t, 99.2, candles[0].Low, 1e-9)
	assert.InDelta(t, 100.8, candles[0].Close, 1e-9)
	assert.InDelta(t, 12.3, candles[0].Volume, 1e-9)
	assert.EqualValues(t, 1700003600000, candles[1].Time)

	assert.Equal(t, "/api/v3/klines", srv.lastPath())
	q := srv.lastQuery()
	assert.Equal(t, "BTCUSDT", q.Get("symbol"))
	assert.Equal(t, "1h", q.Get("interval"))
	assert.Equal(t, "500", q.Get("limit"))
}

func TestClient_Klines_LimitClampedToExchangeMax(t *testing.T) {
	srv := newRecordingServer(http.StatusOK, `[]`)
	defer srv.Close()

	c := NewClient()
	candles, err := c.Klines(context.Background(), srv.URL, "BTCUSDT", "1h", 5000)
	require.NoError(t, err)
	assert.Empty(t, candles)
	assert.Equal(t, "1500", srv.lastQuery().Get("limit"))
}

func TestClient_Klines_SkipsShortRows(t *testing.T) {
	srv := newRecordingServer(http.StatusOK, `[[1700000000000,"100.0"],[1700003600000,"100.8","102.0","100.1","101.4","8.7"]]`)
	defer srv.Close()

	c := NewClient()
	candles, err := c.Klines(context.Background(), srv.URL, "BTCUSDT", "1h", 10)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.EqualValues(t, 1700003600000, candles[0].Time)
}

func TestClient_Klines_RateLimitStatuses(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusTeapot} {
		srv := newRecordingServer(status, `{"code":-1003,"msg":"Too many requests."}`)

		c := NewClient()
		_, err := c.Klines(context.Background(), srv.URL, "BTCUSDT", "1h", 10)
		assert.ErrorIs(t, err, md.ErrRateLimited, "status %d", status)

		srv.Close()
	}
}

func TestClient_Klines_ServerError(t *testing.T) {
	srv := newRecordingServer(http.StatusInternalServerError, `{}`)
	defer srv.Close()

	c := NewClient()
	_, err := c.Klines(context.Background(), srv.URL, "BTCUSDT", "1h", 10)
	require.Error(t, err)
	assert.False(t, errors.Is(err, md.ErrRateLimited))
}

func TestClient_Klines_UnexpectedFormat(t *testing.T) {
	srv := newRecordingServer(http.StatusOK, `{"not":"an array"}`)
	defer srv.Close()

	c := NewClient()
	_, err := c.Klines(context.Background(), srv.URL, "BTCUSDT", "1h", 10)
	assert.Error(t, err)
}

const tickerBody = `{
	"symbol":"ETHUSDT",
	"priceChangePercent":"-1.25",
	"lastPrice":"2500.50",
	"highPrice":"2600.10",
	"lowPrice":"2450.00",
	"volume":"12345.6",
	"closeTime":1700000000000
}`

func TestClient_Ticker_Parses(t *testing.T) {
	srv := newRecordingServer(http.StatusOK, tickerBody)
	defer srv.Close()

	c := NewClient()
	q, err := c.Ticker(context.Background(), srv.URL, "ETHUSDT")
	require.NoError(t, err)

	assert.Equal(t, "ETHUSDT", q.Instrument)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("2500.50")))
	assert.True(t, q.ChangePct.Equal(decimal.RequireFromString("-1.25")))
	assert.True(t, q.High.Equal(decimal.RequireFromString("2600.10")))
	assert.True(t, q.Low.Equal(decimal.RequireFromString("2450.00")))
	assert.True(t, q.Volume.Equal(decimal.RequireFromString("12345.6")))
	assert.EqualValues(t, 1700000000000, q.Ts)
	assert.Equal(t, md.SourcePull, q.Source)

	assert.Equal(t, "/api/v3/ticker/24hr", srv.lastPath())
	assert.Equal(t, "ETHUSDT", srv.lastQuery().Get("symbol"))
}

func TestClient_Ticker_RejectsBadPrice(t *testing.T) {
	cases := map[string]string{
		"zero":    `{"lastPrice":"0","priceChangePercent":"0"}`,
		"missing": `{"priceChangePercent":"0"}`,
		"garbage": `{"lastPrice":"not a number","priceChangePercent":"0"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := newRecordingServer(http.StatusOK, body)
			defer srv.Close()

			c := NewClient()
			_, err := c.Ticker(context.Background(), srv.URL, "ETHUSDT")
			assert.Error(t, err)
		})
	}
}

func TestClient_Ticker_RateLimited(t *testing.T) {
	srv := newRecordingServer(http.StatusTooManyRequests, `{}`)
	defer srv.Close()

	c := NewClient()
	_, err := c.Ticker(context.Background(), srv.URL, "ETHUSDT")
	assert.ErrorIs(t, err, md.ErrRateLimited)
}
