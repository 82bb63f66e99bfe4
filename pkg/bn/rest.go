package bn

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"github.com/cgscacau/robo-trader-02/pkg/md"
)

// DefaultEndpoints are the equivalent spot REST hosts, in preference order.
// Any of them serves the same data; the provider rotates through them.
var DefaultEndpoints = []string{
	"https://api.binance.com",
	"https://api1.binance.com",
	"https://api2.binance.com",
	"https://api3.binance.com",
	"https://api-gcp.binance.com",
}

const maxKlineLimit = 1500

// Client pulls klines and 24h tickers over REST. One shared limiter paces
// all requests regardless of which endpoint they target.
type Client struct {
	http    *fasthttp.Client
	limiter *rate.Limiter
}

func NewClient() *Client {
	return &Client{
		http:    &fasthttp.Client{},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

var _ md.KlineSource = (*Client)(nil)

// Klines fetches up to limit OHLCV bars from one endpoint. The response is
// an array of fixed-position tuples per bar.
func (c *Client) Klines(ctx context.Context, endpoint, instrument, interval string, limit int) ([]md.Candle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(endpoint + "/api/v3/klines")
	req.Header.SetMethod(fasthttp.MethodGet)
	queryArgs := req.URI().QueryArgs()
	queryArgs.Set("symbol", instrument)
	queryArgs.Set("interval", interval)
	queryArgs.Set("limit", strconv.Itoa(min(limit, maxKlineLimit)))

	if err := c.do(ctx, req, resp); err != nil {
		return nil, fmt.Errorf("klines %s: %w", endpoint, err)
	}
	if err := checkStatus(endpoint, resp.StatusCode()); err != nil {
		return nil, err
	}

	jsonResult := gjson.ParseBytes(resp.Body())
	if !jsonResult.IsArray() {
		return nil, fmt.Errorf("klines %s: unexpected response format", endpoint)
	}

	rows := jsonResult.Array()
	candles := make([]md.Candle, 0, len(rows))
	for _, v := range rows {
		row := v.Array()
		if len(row) < 6 {
			continue
		}
		candles = append(candles, md.Candle{
			Time:   row[0].Int(),
			Open:   row[1].Float(),
			High:   row[2].Float(),
			Low:    row[3].Float(),
			Close:  row[4].Float(),
			Volume: row[5].Float(),
		})
	}
	return candles, nil
}

// Ticker fetches a 24h snapshot for one instrument.
func (c *Client) Ticker(ctx context.Context, endpoint, instrument string) (md.Quote, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return md.Quote{}, err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(endpoint + "/api/v3/ticker/24hr")
	req.Header.SetMethod(fasthttp.MethodGet)
	req.URI().QueryArgs().Set("symbol", instrument)

	if err := c.do(ctx, req, resp); err != nil {
		return md.Quote{}, fmt.Errorf("ticker %s: %w", endpoint, err)
	}
	if err := checkStatus(endpoint, resp.StatusCode()); err != nil {
		return md.Quote{}, err
	}

	body := gjson.ParseBytes(resp.Body())
	price, err := decimal.NewFromString(body.Get("lastPrice").String())
	if err != nil {
		return md.Quote{}, fmt.Errorf("ticker %s: bad lastPrice: %w", endpoint, err)
	}
	if !price.IsPositive() {
		return md.Quote{}, fmt.Errorf("ticker %s: non-positive price", endpoint)
	}
	change, err := decimal.NewFromString(body.Get("priceChangePercent").String())
	if err != nil {
		return md.Quote{}, fmt.Errorf("ticker %s: bad priceChangePercent: %w", endpoint, err)
	}

	q := md.Quote{
		Instrument: instrument,
		Price:      price,
		ChangePct:  change,
		Ts:         body.Get("closeTime").Int(),
		Source:     md.SourcePull,
	}
	if v, err := decimal.NewFromString(body.Get("highPrice").String()); err == nil {
		q.High = v
	}
	if v, err := decimal.NewFromString(body.Get("lowPrice").String()); err == nil {
		q.Low = v
	}
	if v, err := decimal.NewFromString(body.Get("volume").String()); err == nil {
		q.Volume = v
	}
	return q, nil
}

// do runs the request bounded by the ctx deadline when one is set.
func (c *Client) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	if deadline, ok := ctx.Deadline(); ok {
		return c.http.DoDeadline(req, resp, deadline)
	}
	return c.http.Do(req, resp)
}

func checkStatus(endpoint string, code int) error {
	switch {
	case code == fasthttp.StatusOK:
		return nil
	case code == fasthttp.StatusTooManyRequests || code == 418:
		// 418 is the upstream's auto-ban escalation of 429.
		return fmt.Errorf("%s: %w", endpoint, md.ErrRateLimited)
	default:
		return fmt.Errorf("%s: unexpected status %d", endpoint, code)
	}
}
