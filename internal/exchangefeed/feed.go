// Package exchangefeed is the websocket client for the crypto exchange's
// reference price stream (spec §4.B), feeding the three crypto FSM
// runners. Shares its reconnect shape with internal/brokerfeed; kept as a
// separate package because the two feeds have distinct wire formats and
// are independently dialable/closable collaborators per spec §1.
package exchangefeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rajchodisetti/signal-engine/internal/bus"
	"github.com/rajchodisetti/signal-engine/internal/observ"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Feed is a reconnecting websocket client implementing bus.PriceSource.
type Feed struct {
	url    string
	prices chan bus.PriceEvent

	mu    sync.Mutex
	state bus.ConnectionState

	cancel context.CancelFunc
}

func Dial(ctx context.Context, url string) *Feed {
	ctx, cancel := context.WithCancel(ctx)
	f := &Feed{
		url:    url,
		prices: make(chan bus.PriceEvent, 256),
		cancel: cancel,
	}
	go f.run(ctx)
	return f
}

func (f *Feed) Prices() <-chan bus.PriceEvent { return f.prices }

func (f *Feed) ConnectionState() bus.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Feed) Close() error {
	f.cancel()
	return nil
}

func (f *Feed) setState(s bus.ConnectionState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

type priceWire struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp any     `json:"timestamp"`
}

func (f *Feed) run(ctx context.Context) {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			f.setState(bus.StateDisconnected)
			return
		default:
		}

		f.setState(bus.StateConnecting)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
		if err != nil {
			observ.Log("exchange_feed_dial_failed", map[string]any{"error": err.Error(), "backoff_ms": backoff.Milliseconds()})
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		f.setState(bus.StateConnected)
		backoff = minBackoff
		f.readLoop(ctx, conn)
		conn.Close()
	}
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			observ.Log("exchange_feed_disconnected", map[string]any{"error": err.Error()})
			return
		}
		var w priceWire
		if err := json.Unmarshal(data, &w); err != nil {
			continue
		}
		ev := bus.PriceEvent{Symbol: w.Symbol, Price: w.Price, Timestamp: w.Timestamp, ReceivedAt: time.Now()}
		select {
		case f.prices <- ev:
		default:
			observ.Log("exchange_feed_queue_full", map[string]any{"symbol": w.Symbol})
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
