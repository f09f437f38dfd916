// Package brokersink implements spec §4.I: translating a live-trade
// open/close edge into an outbound broker order POST. Grounded on the
// teacher's internal/alerts/slack.go HTTP-POST-with-logged-failure shape,
// minus its retry queue — spec §4.I/§7 is explicit that broker failures are
// logged with no automatic retry.
package brokersink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rajchodisetti/signal-engine/internal/observ"
	"golang.org/x/time/rate"
)

// Order is the outbound payload of spec §4.I.
type Order struct {
	Symbol          string  `json:"symbol"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transactionType"`
	Quantity        int     `json:"quantity"`
	Product         string  `json:"product"`
	Validity        string  `json:"validity"`
	OrderType       string  `json:"orderType"`
	SideOffset      float64 `json:"sideOffset"`
	DryRun          bool    `json:"dryRun"`
}

// NewOrder builds spec §4.I's order shape. On CLOSE, side is inverted by
// the caller before NewOrder is called (tradeengine does this).
func NewOrder(symbol, exchange, side string, quantity int) Order {
	return Order{
		Symbol:          symbol,
		Exchange:        exchange,
		TransactionType: side,
		Quantity:        quantity,
		Product:         "MIS",
		Validity:        "DAY",
		OrderType:       "LIMIT",
		SideOffset:      0.5,
		DryRun:          false,
	}
}

// InvertSide flips BUY<->SELL for a CLOSE order.
func InvertSide(side string) string {
	if side == "BUY" {
		return "SELL"
	}
	return "BUY"
}

// Sink posts orders to the broker's HTTP endpoint.
type Sink struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// New returns a Sink posting to endpoint, rate-limited to ratePerSec
// requests/sec with a burst of 1 (ambient safety net behind the spec's own
// per-minute live-order gate, grounded on the teacher's use of
// golang.org/x/time/rate for its quote-provider adapters).
func New(endpoint string, ratePerSec float64) *Sink {
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	return &Sink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), 1),
	}
}

// Emit posts order to the broker. Crypto symbols are skipped per spec
// §4.I ("Crypto exchange is skipped (no outbound order)"). Failures are
// logged; there is no retry (spec §7's BrokerFailure).
func (s *Sink) Emit(ctx context.Context, order Order) error {
	if isCrypto(order.Exchange, order.Symbol) {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		observ.Log("broker_order_rate_limited", map[string]any{"symbol": order.Symbol, "error": err.Error()})
		return err
	}

	body, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		observ.Log("broker_order_failed", map[string]any{"symbol": order.Symbol, "side": order.TransactionType, "error": err.Error()})
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observ.Log("broker_order_rejected", map[string]any{"symbol": order.Symbol, "status": resp.StatusCode})
		return fmt.Errorf("broker returned status %d", resp.StatusCode)
	}
	observ.Log("broker_order_sent", map[string]any{"symbol": order.Symbol, "side": order.TransactionType, "quantity": order.Quantity})
	return nil
}

func isCrypto(exchange, symbol string) bool {
	return exchange == "" && (strings.HasPrefix(symbol, "BTC"))
}
