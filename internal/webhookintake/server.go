// Package webhookintake implements spec §4.B: the HTTP surface that
// receives TradingView webhook signals, relays them onward, and exposes
// the admin endpoints of spec §6 EXPANSION (clear_signals, reset_crypto).
// Grounded on the teacher's internal/transport HTTP server wiring, adapted
// from its SSE/polling shape to a gin.Engine per the rest of the example
// pack's webhook-server repos.
package webhookintake

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rajchodisetti/signal-engine/internal/bus"
	"github.com/rajchodisetti/signal-engine/internal/clock"
	"github.com/rajchodisetti/signal-engine/internal/observ"
)

// AdminHandlers are the callbacks the admin endpoints drive. Kept as plain
// funcs (rather than importing fsm/signaltracker/tradeengine directly) so
// this package stays a pure HTTP edge with no domain-layer dependency.
type AdminHandlers struct {
	ClearSignals func(mode string)
	ResetCrypto  func()
}

// Server is the webhook HTTP intake of spec §4.B.
type Server struct {
	clk      clock.Clock
	relayURL string
	client   *http.Client
	handlers AdminHandlers

	engine *gin.Engine
	events chan bus.WebhookEvent

	mu    sync.Mutex
	state bus.ConnectionState
}

// New builds a Server listening for POST /webhook and the admin routes of
// spec §6 EXPANSION. relayURL may be empty to disable the relay re-emit.
func New(clk clock.Clock, relayURL string, handlers AdminHandlers) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		clk:      clk,
		relayURL: relayURL,
		client:   &http.Client{Timeout: 3 * time.Second},
		handlers: handlers,
		engine:   gin.New(),
		events:   make(chan bus.WebhookEvent, 256),
		state:    bus.StateConnected,
	}
	s.engine.Use(gin.Recovery())
	s.engine.POST("/webhook", s.handleWebhook)
	s.engine.POST("/admin/clear-signals", s.handleClearSignals)
	s.engine.POST("/admin/reset-crypto", s.handleResetCrypto)
	return s
}

// Handler returns the underlying gin.Engine for mounting alongside the
// metrics/healthz routes in cmd/engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Webhooks implements bus.WebhookSource.
func (s *Server) Webhooks() <-chan bus.WebhookEvent {
	return s.events
}

func (s *Server) ConnectionState() bus.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close implements bus.WebhookSource; the HTTP listener lifecycle is
// managed by the caller's http.Server, this only marks the source dead.
func (s *Server) Close() error {
	s.mu.Lock()
	s.state = bus.StateDisconnected
	s.mu.Unlock()
	close(s.events)
	return nil
}

type webhookPayload struct {
	Symbol string   `json:"symbol"`
	StopPx *float64 `json:"stoppx"`
	Intent string   `json:"intent"`
	Side   string   `json:"side"`
}

func (s *Server) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		observ.Log("webhook_malformed", map[string]any{"error": err.Error()})
		c.Status(http.StatusBadRequest)
		return
	}

	ev := bus.WebhookEvent{
		Symbol:     p.Symbol,
		StopPx:     p.StopPx,
		Intent:     p.Intent,
		Side:       p.Side,
		ReceivedAt: s.clk.Now(),
	}
	select {
	case s.events <- ev:
	default:
		observ.Log("webhook_queue_full", map[string]any{"symbol": ev.Symbol})
	}

	observ.IncCounter("webhook_received_total", map[string]string{"symbol": ev.Symbol})
	c.Status(http.StatusAccepted)

	if s.relayURL != "" {
		go s.relay(body)
	}
}

// relay re-POSTs the raw webhook body onward, best-effort (spec §4.B: the
// relay is fire-and-forget, a failure here never blocks signal processing).
func (s *Server) relay(body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.relayURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		observ.Log("webhook_relay_failed", map[string]any{"error": err.Error()})
		return
	}
	resp.Body.Close()
}

func (s *Server) handleClearSignals(c *gin.Context) {
	mode := c.Query("mode")
	if mode == "" || s.handlers.ClearSignals == nil {
		c.Status(http.StatusBadRequest)
		return
	}
	s.handlers.ClearSignals(mode)
	c.Status(http.StatusOK)
}

func (s *Server) handleResetCrypto(c *gin.Context) {
	if s.handlers.ResetCrypto == nil {
		c.Status(http.StatusBadRequest)
		return
	}
	s.handlers.ResetCrypto()
	c.Status(http.StatusOK)
}
