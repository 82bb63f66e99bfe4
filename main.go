package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cgscacau/robo-trader-02/pkg/bn"
	"github.com/cgscacau/robo-trader-02/pkg/md"
)

type Params struct {
	Symbol    string   `json:"symbol"`
	Interval  string   `json:"interval"`
	Limit     int      `json:"limit"`
	Endpoints []string `json:"endpoints"`
}

func LoadParams(path string) *Params {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("LoadParams: unable to read %s: %v", path, err)
	}

	var params Params
	if err := json.Unmarshal(data, &params); err != nil {
		log.Fatalf("LoadParams: invalid JSON in %s: %v", path, err)
	}

	if params.Symbol == "" {
		params.Symbol = "BTCUSDT"
	}
	if params.Interval == "" {
		params.Interval = "1h"
	}
	if params.Limit <= 0 {
		params.Limit = 500
	}
	if len(params.Endpoints) == 0 {
		params.Endpoints = bn.DefaultEndpoints
	}
	return &params
}

func main() {
	paramsFile := flag.String("p", "params.json", "Market data parameters")
	flag.Parse()

	params := LoadParams(*paramsFile)
	fmt.Printf("Params loaded: %+v\n", params)

	client := bn.NewClient()
	stream := bn.NewStream(params.Interval)
	quotes := md.NewQuoteCache()

	feed := md.NewFeed(md.FeedConfig{
		Dial:   stream.Dial,
		Quotes: quotes,
	})
	hist := md.NewHistory(client, quotes, md.HistoryConfig{
		Endpoints: params.Endpoints,
	})

	feed.AddQuoteObserver(func(q md.Quote) {
		slog.Info("quote", "instrument", q.Instrument, "price", q.Price, "changePct", q.ChangePct)
	})
	feed.AddCandleObserver(func(c md.Candle, closed bool) {
		if closed {
			slog.Info("candle", "instrument", params.Symbol, "close", c.Close, "volume", c.Volume)
		}
	})

	feed.Subscribe(params.Symbol)

	waitCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := feed.WaitConnected(waitCtx); err != nil {
		slog.Warn("push feed unavailable, pull/synthetic only", "err", err)
	}
	cancel()

	series := hist.GetSeries(context.Background(), params.Symbol, params.Interval, params.Limit)
	fmt.Printf("Fetched %d bars for %s (%s, source=%s)\n",
		len(series.Candles), series.Instrument, series.Interval, series.Source)

	if q, err := hist.CurrentPrice(context.Background(), params.Symbol); err == nil {
		fmt.Printf("Current price: %s (source=%s)\n", q.Price, q.Source)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	feed.Unsubscribe()
	slog.Info("shutdown", "malformedDropped", feed.Malformed())
}
