package bn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/cgscacau/robo-trader-02/pkg/md"
)

// DefaultStreamURL is the spot combined-stream base.
const DefaultStreamURL = "wss://stream.binance.com:9443"

// Stream dials the combined ticker+kline push stream for one instrument.
// Its Dial method is a md.DialFunc.
type Stream struct {
	BaseURL  string
	Interval string
	Dialer   *websocket.Dialer
}

func NewStream(interval string) *Stream {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 5 * time.Second
	return &Stream{
		BaseURL:  DefaultStreamURL,
		Interval: interval,
		Dialer:   &dialer,
	}
}

// Dial opens the push connection. Messages arrive wrapped in the combined
// form {"stream":"...","data":{...}}; the feed manager unwraps them.
func (s *Stream) Dial(ctx context.Context, instrument string) (md.StreamConn, error) {
	sym := strings.ToLower(instrument)
	iv := s.Interval
	if iv == "" {
		iv = "1h"
	}
	url := fmt.Sprintf("%s/stream?streams=%s@ticker/%s@kline_%s", s.BaseURL, sym, sym, iv)

	conn, _, err := s.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}
