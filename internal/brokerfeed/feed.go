// Package brokerfeed is the websocket client for the brokerage's
// last-traded-price tick stream (spec §4.B). Grounded on the teacher's
// poll-and-backoff reconnect loop (internal/transport), adapted to a
// persistent gorilla/websocket connection the way the rest of the example
// pack's trading-bot repos drive their exchange feeds.
package brokerfeed

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

// Feed is a reconnecting websocket client implementing bus.TickSource.
type Feed struct {
	url string

	ticks chan bus.TickEvent

	mu    sync.Mutex
	state bus.ConnectionState

	cancel context.CancelFunc
}

// Dial starts the feed's connect loop in the background and returns
// immediately; ticks arrive on the returned Feed's Ticks channel.
func Dial(ctx context.Context, url string) *Feed {
	ctx, cancel := context.WithCancel(ctx)
	f := &Feed{
		url:    url,
		ticks:  make(chan bus.TickEvent, 256),
		cancel: cancel,
	}
	go f.run(ctx)
	return f
}

func (f *Feed) Ticks() <-chan bus.TickEvent { return f.ticks }

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

type tickWire struct {
	InstrumentToken int     `json:"instrument_token"`
	LastPrice       float64 `json:"last_price"`
}

// run is the bounded-backoff reconnect loop, grounded on the teacher's
// transport poll loop's doubling-backoff-with-ceiling shape.
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
			observ.Log("broker_feed_dial_failed", map[string]any{"error": err.Error(), "backoff_ms": backoff.Milliseconds()})
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
			observ.Log("broker_feed_disconnected", map[string]any{"error": err.Error()})
			return
		}
		var w tickWire
		if err := json.Unmarshal(data, &w); err != nil {
			continue
		}
		ev := bus.TickEvent{InstrumentToken: w.InstrumentToken, LastPrice: w.LastPrice, ReceivedAt: time.Now()}
		select {
		case f.ticks <- ev:
		default:
			observ.Log("broker_feed_queue_full", map[string]any{"token": w.InstrumentToken})
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
