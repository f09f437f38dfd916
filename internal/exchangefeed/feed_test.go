package exchangefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestNextBackoffDoublesWithCeiling(t *testing.T) {
	assert.Equal(t, 1*time.Second, nextBackoff(500*time.Millisecond))
	assert.Equal(t, 2*time.Second, nextBackoff(1*time.Second))
	assert.Equal(t, maxBackoff, nextBackoff(16*time.Second))
	assert.Equal(t, maxBackoff, nextBackoff(maxBackoff))
}

func TestFeedDialReceivesPricesOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"BTCUSDT","price":65000.5,"timestamp":1}`))
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := Dial(ctx, wsURL)
	defer f.Close()

	select {
	case ev := <-f.Prices():
		assert.Equal(t, "BTCUSDT", ev.Symbol)
		assert.Equal(t, 65000.5, ev.Price)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a price")
	}
}
