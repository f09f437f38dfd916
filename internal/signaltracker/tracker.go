// Package signaltracker implements spec §4.F: per-mode pattern tracking
// over webhook signals (alternation, double-sell-after-buy,
// double-buy-after-sell), fanned out across the five named filter modes.
// Grounded on the per-symbol map + sticky-flag bookkeeping shape of the
// teacher's internal/risk/cooldown.go, and on spec §9's design note that
// the broker-6 rearm is modeled as an explicit control message to the
// owning FSM runner rather than a direct cross-component write.
package signaltracker

import (
	"sync"
	"time"

	"github.com/rajchodisetti/signal-engine/internal/bus"
	"github.com/rajchodisetti/signal-engine/internal/catalog"
	"github.com/rajchodisetti/signal-engine/internal/clock"
	"github.com/rajchodisetti/signal-engine/internal/fsm"
	"github.com/rajchodisetti/signal-engine/internal/observ"
	"github.com/rajchodisetti/signal-engine/internal/persistence"
)

// Mode is one of the five named filter modes (spec §4.F).
type Mode string

const (
	ModeNone        Mode = "none"
	ModeBroker6     Mode = "broker6"
	ModeCrypto      Mode = "crypto"
	ModeCryptoLong  Mode = "crypto-long"
	ModeCryptoShort Mode = "crypto-short"
)

const maxRows = 50

// Tracking is spec §3's SignalTracking, per mode x symbol.
type Tracking struct {
	LastSignal        string `json:"last_signal"`
	SellAfterBuyCount int    `json:"sell_after_buy_count"`
	BuyAfterSellCount int    `json:"buy_after_sell_count"`
	AlternateSignal   bool   `json:"alternate_signal"`
	BuySellSell       bool   `json:"buy_sell_sell"`
	SellBuyBuy        bool   `json:"sell_buy_buy"`
}

// Row is spec §3's SignalRow.
type Row struct {
	TimeIST         time.Time `json:"time_ist"`
	Intent          string    `json:"intent"`
	StopPx          *float64  `json:"stop_px,omitempty"`
	AlternateSignal bool      `json:"alternate_signal"`
	BuySellSell     bool      `json:"buy_sell_sell"`
	SellBuyBuy      bool      `json:"sell_buy_buy"`
}

// FsmReader is the read-only view of the Shared FSM Snapshot the tracker
// needs (spec: "F consumes webhook events and C's snapshot together").
type FsmReader interface {
	Get(symbol string) (fsm.Snapshot, bool)
}

// RearmFunc asks the owning FSM runner to snap a symbol's threshold and
// re-enter NOPOSITION_SIGNAL (broker-6's buy_sell_sell rearm, spec §4.F).
type RearmFunc func(symbol string, newThreshold float64) (fsm.Snapshot, bool)

// ResetCumulativeFunc asks the Trade Engine to zero a symbol's cumulative
// P&L (broker-6 alternation reset and buy_sell_sell rearm, spec §4.F).
type ResetCumulativeFunc func(symbol string)

type symbolState struct {
	Tracking Tracking
	Rows     []Row
}

// Tracker is one per-mode instance of component F.
type Tracker struct {
	mode Mode
	clk  clock.Clock
	cat  *catalog.Catalog
	fsms FsmReader

	rearm           RearmFunc
	resetCumulative ResetCumulativeFunc

	broker6AllowSet map[string]struct{}
	cryptoAllowSet  map[string]struct{}

	persist *persistence.Store[string, symbolState]

	mu          sync.Mutex
	states      map[string]*symbolState
	symbolOrder []string
}

// New returns a Tracker for mode, reading FSM state from fsms and, for
// broker6/crypto modes, resolving allow-sets from cat.
func New(mode Mode, clk clock.Clock, cat *catalog.Catalog, fsms FsmReader, persistPath string, debounce time.Duration) *Tracker {
	t := &Tracker{
		mode:   mode,
		clk:    clk,
		cat:    cat,
		fsms:   fsms,
		states: map[string]*symbolState{},
	}
	if mode == ModeBroker6 && cat != nil {
		t.broker6AllowSet = map[string]struct{}{}
		for _, sym := range cat.BrokerTopN(6) {
			t.broker6AllowSet[sym] = struct{}{}
		}
	}
	if (mode == ModeCrypto || mode == ModeCryptoLong || mode == ModeCryptoShort) && cat != nil {
		t.cryptoAllowSet = cat.CryptoAllowSet()
	}
	if persistPath != "" {
		t.persist = persistence.New[string, symbolState](persistPath, "signal-v1", debounce)
		for sym, st := range t.persist.Load() {
			cp := st
			t.states[sym] = &cp
			t.symbolOrder = append(t.symbolOrder, sym)
		}
	}
	return t
}

// WithRearm wires the broker-6 control-message callbacks. Every other mode
// leaves these nil and the corresponding side effects are simply skipped.
func (t *Tracker) WithRearm(rearm RearmFunc, resetCumulative ResetCumulativeFunc) *Tracker {
	t.rearm = rearm
	t.resetCumulative = resetCumulative
	return t
}

// Mode returns the tracker's mode.
func (t *Tracker) Mode() Mode { return t.mode }

// OnWebhook applies spec §4.F's four-step pipeline to an incoming webhook.
func (t *Tracker) OnWebhook(ev bus.WebhookEvent) {
	direction := ev.Direction()
	if direction == "" {
		return
	}
	canonical := t.canonicalize(ev.Symbol)
	if !t.allowed(ev.Symbol, canonical) {
		return
	}
	if !t.acceptsDirection(direction) {
		return
	}
	t.update(canonical, direction, ev.StopPx)
}

func (t *Tracker) canonicalize(raw string) string {
	switch t.mode {
	case ModeBroker6:
		if t.cat != nil {
			return t.cat.ResolveSymbol(raw)
		}
		return raw
	case ModeCryptoLong:
		n := catalog.NormalizeCryptoRaw(raw)
		if n == "BTCUSDT" || n == "BTCUSD" {
			return "BTCUSDT_LONG"
		}
		return raw
	case ModeCryptoShort:
		n := catalog.NormalizeCryptoRaw(raw)
		if n == "BTCUSDT" || n == "BTCUSD" {
			return "BTCUSDT_SHORT"
		}
		return raw
	default:
		return raw
	}
}

func (t *Tracker) allowed(raw, canonical string) bool {
	switch t.mode {
	case ModeNone:
		return true
	case ModeBroker6:
		_, ok := t.broker6AllowSet[canonical]
		return ok
	case ModeCrypto, ModeCryptoLong, ModeCryptoShort:
		_, ok := t.cryptoAllowSet[catalog.NormalizeCryptoRaw(raw)]
		return ok
	default:
		return true
	}
}

func (t *Tracker) acceptsDirection(direction string) bool {
	switch t.mode {
	case ModeCryptoLong:
		return direction == "BUY"
	case ModeCryptoShort:
		return direction == "SELL"
	default:
		return true
	}
}

func (t *Tracker) update(symbol, direction string, stopPx *float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, existed := t.states[symbol]
	if !existed {
		st = &symbolState{}
		t.states[symbol] = st
		t.symbolOrder = append(t.symbolOrder, symbol)
	}
	tr := &st.Tracking
	prev := tr.LastSignal

	// Counters (spec §4.F): reset the opposite counter, increment the
	// matching one if the prior signal was complementary or a streak is
	// already underway.
	if direction == "SELL" {
		tr.BuyAfterSellCount = 0
		if prev == "BUY" || tr.SellAfterBuyCount > 0 {
			tr.SellAfterBuyCount++
		}
	} else {
		tr.SellAfterBuyCount = 0
		if prev == "SELL" || tr.BuyAfterSellCount > 0 {
			tr.BuyAfterSellCount++
		}
	}

	alternated := prev != "" && prev != direction

	var rowAlternate bool
	if t.mode == ModeBroker6 {
		rowAlternate = alternated
		if alternated && t.resetCumulative != nil {
			t.resetCumulative(symbol)
		}
	} else {
		if alternated {
			tr.AlternateSignal = true
		}
		rowAlternate = tr.AlternateSignal
	}

	snap, hasSnap := t.fsms.Get(symbol)
	idle := hasSnap && snap.State == fsm.NoPositionSignal

	rowBuySellSell := tr.BuySellSell
	if direction == "SELL" {
		if t.mode == ModeBroker6 {
			if tr.SellAfterBuyCount >= 2 {
				tr.BuySellSell = true
			}
			if tr.BuySellSell && idle && snap.LastBuyThreshold != nil && snap.LTP != nil && *snap.LTP < *snap.LastBuyThreshold {
				if t.rearm != nil {
					t.rearm(symbol, *snap.LastBuyThreshold)
				}
				if t.resetCumulative != nil {
					t.resetCumulative(symbol)
				}
				tr.BuySellSell = false
				observ.Log("broker6_rearm", map[string]any{"symbol": symbol, "threshold": *snap.LastBuyThreshold})
			}
		} else {
			if tr.SellAfterBuyCount >= 2 && idle && snap.LastBuyThreshold != nil && snap.LTP != nil && *snap.LTP < *snap.LastBuyThreshold {
				tr.BuySellSell = true
			}
		}
		rowBuySellSell = tr.BuySellSell
	}

	rowSellBuyBuy := tr.SellBuyBuy
	if direction == "BUY" && t.mode != ModeBroker6 {
		if tr.BuyAfterSellCount >= 2 && idle && snap.LastSellThreshold != nil && snap.LTP != nil && *snap.LTP < *snap.LastSellThreshold {
			tr.SellBuyBuy = true
		}
		rowSellBuyBuy = tr.SellBuyBuy
	}

	tr.LastSignal = direction

	row := Row{
		TimeIST:         t.clk.Now(),
		Intent:          direction,
		StopPx:          stopPx,
		AlternateSignal: rowAlternate,
		BuySellSell:     rowBuySellSell,
		SellBuyBuy:      rowSellBuyBuy,
	}
	st.Rows = append([]Row{row}, st.Rows...)
	if len(st.Rows) > maxRows {
		st.Rows = st.Rows[:maxRows]
	}

	if t.persist != nil {
		t.persist.SaveDebounced(t.snapshotLocked())
	}
}

// Symbols returns the symbols visible in this mode, in first-row order.
func (t *Tracker) Symbols() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.symbolOrder))
	copy(out, t.symbolOrder)
	return out
}

// Rows returns the capped, newest-first row list for symbol.
func (t *Tracker) Rows(symbol string) []Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[symbol]
	if !ok {
		return nil
	}
	out := make([]Row, len(st.Rows))
	copy(out, st.Rows)
	return out
}

// Tracking returns the current counters/flags for symbol.
func (t *Tracker) Tracking(symbol string) (Tracking, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[symbol]
	if !ok {
		return Tracking{}, false
	}
	return st.Tracking, true
}

// ClearAll resets this tracker's entire state (spec §6 clear_signals(mode)).
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	t.states = map[string]*symbolState{}
	t.symbolOrder = nil
	empty := map[string]symbolState{}
	t.mu.Unlock()
	if t.persist != nil {
		t.persist.SaveDebounced(empty)
	}
}

// ResetCrypto clears every symbol beginning with "BTC" (spec §4.G's
// reset_crypto_state).
func (t *Tracker) ResetCrypto() {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.symbolOrder[:0:0]
	for _, sym := range t.symbolOrder {
		if len(sym) >= 3 && sym[:3] == "BTC" {
			delete(t.states, sym)
			continue
		}
		kept = append(kept, sym)
	}
	t.symbolOrder = kept
	if t.persist != nil {
		t.persist.SaveDebounced(t.snapshotLocked())
	}
}

// Flush synchronously persists current state; called on shutdown.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	snap := t.snapshotLocked()
	t.mu.Unlock()
	if t.persist == nil {
		return nil
	}
	return t.persist.Flush(snap)
}

func (t *Tracker) snapshotLocked() map[string]symbolState {
	out := make(map[string]symbolState, len(t.states))
	for k, v := range t.states {
		out[k] = *v
	}
	return out
}
