package fsm

import (
	"sync"
	"time"

	"github.com/rajchodisetti/signal-engine/internal/bus"
	"github.com/rajchodisetti/signal-engine/internal/catalog"
	"github.com/rajchodisetti/signal-engine/internal/clock"
)

// Snapshots is the publish target every Runner writes into: the Shared
// FSM Snapshot's Update method. Kept as an interface (rather than an
// import of fsmsnap) so this package has no dependency on its own
// consumer — fsmsnap depends on fsm, never the reverse.
type Snapshots interface {
	Update(partial map[string]Snapshot)
}

// Runner drives the FSM for the set of symbols it owns (spec §4.D/E). Each
// Runner is the sole writer of its own InstrumentFsm map — "per-symbol maps
// are written by exactly one component" (spec §9) — and publishes every
// resulting Snapshot to the Shared FSM Snapshot after each event.
type Runner struct {
	kind  Kind
	clk   clock.Clock
	snaps Snapshots

	catalog         *catalog.Catalog // broker runner only
	syntheticSymbol string           // crypto runners only

	mu   sync.Mutex
	fsms map[string]InstrumentFsm
}

func newRunner(kind Kind, clk clock.Clock, snaps Snapshots) *Runner {
	return &Runner{kind: kind, clk: clk, snaps: snaps, fsms: map[string]InstrumentFsm{}}
}

// NewBrokerRunner returns the runner for spec §4.D: one InstrumentFsm per
// broker-catalog symbol, fed by broker ticks (keyed by instrument token)
// and webhooks resolved through the catalog. It accepts both BUY and SELL
// signals and retains position state on any signal that arrives while in
// position (broker-6 mid-position threshold update, spec §4.G).
func NewBrokerRunner(clk clock.Clock, snaps Snapshots, cat *catalog.Catalog) *Runner {
	r := newRunner(Broker, clk, snaps)
	r.catalog = cat
	return r
}

// NewCryptoRunner returns one of the three crypto runners of spec §4.E,
// each owning a single synthetic symbol. kind must be CryptoLong,
// CryptoShort, or CryptoCombined.
func NewCryptoRunner(kind Kind, syntheticSymbol string, clk clock.Clock, snaps Snapshots) *Runner {
	r := newRunner(kind, clk, snaps)
	r.syntheticSymbol = syntheticSymbol
	return r
}

// acceptsDirection reports whether this runner's FSM acts on a signal of
// the given direction (spec §4.E: "long accepts only BUY signals, short
// only SELL").
func (r *Runner) acceptsDirection(direction string) bool {
	switch r.kind {
	case CryptoLong:
		return direction == "BUY"
	case CryptoShort:
		return direction == "SELL"
	default:
		return direction == "BUY" || direction == "SELL"
	}
}

// HandleWebhook applies a signal transition for the symbol a webhook event
// resolves to under this runner. The broker runner resolves the raw
// webhook symbol through the catalog; crypto runners only react to
// BTCUSDT/BTCUSD webhooks (or ones naming their own synthetic symbol),
// which resolveWebhookSymbol maps onto the runner's single synthetic
// symbol.
func (r *Runner) HandleWebhook(ev bus.WebhookEvent) {
	direction := ev.Direction()
	if direction == "" {
		return // MalformedInput / PING-like payload: nothing to act on.
	}
	if !r.acceptsDirection(direction) {
		return
	}

	symbol := r.resolveWebhookSymbol(ev.Symbol)
	if symbol == "" {
		return
	}

	now := r.clk.Now()

	r.mu.Lock()
	prior, ok := r.fsms[symbol]
	if !ok {
		prior = New(symbol)
	}
	var lastKnownLTP *float64
	if prior.Snapshot.LTP != nil {
		lastKnownLTP = prior.Snapshot.LTP
	}
	next := ApplySignal(prior, r.kind, direction, ev.StopPx, lastKnownLTP, now)
	r.fsms[symbol] = next
	r.mu.Unlock()

	r.snaps.Update(map[string]Snapshot{symbol: next.Snapshot})
}

// resolveWebhookSymbol maps a raw webhook symbol to this runner's FSM key,
// or "" if the runner doesn't own that symbol.
func (r *Runner) resolveWebhookSymbol(raw string) string {
	if r.syntheticSymbol != "" {
		// Crypto runner: only reacts to its own synthetic symbol's family.
		n := catalog.NormalizeCryptoRaw(raw)
		if n == "BTCUSDT" || n == "BTCUSD" || n == r.syntheticSymbol {
			return r.syntheticSymbol
		}
		return ""
	}
	if r.catalog != nil {
		return r.catalog.ResolveSymbol(raw)
	}
	return raw
}

// HandleTick applies a tick transition for a broker instrument token. Only
// meaningful for the broker runner; no-op (LookupMiss) if the token is
// unknown to the catalog.
func (r *Runner) HandleTick(ev bus.TickEvent) {
	if r.catalog == nil {
		return
	}
	symbol, ok := r.catalog.TokenOf(ev.InstrumentToken)
	if !ok {
		return
	}
	r.applyTickFor(symbol, ev.LastPrice, r.clk.Now())
}

// HandlePrice applies a tick transition from the exchange price feed to
// this runner's owned synthetic symbol. Only meaningful for crypto
// runners.
func (r *Runner) HandlePrice(ev bus.PriceEvent) {
	if r.syntheticSymbol == "" {
		return
	}
	n := catalog.NormalizeCryptoRaw(ev.Symbol)
	if n != "BTCUSDT" && n != "BTCUSD" {
		return
	}
	r.applyTickFor(r.syntheticSymbol, ev.Price, r.clk.Now())
}

func (r *Runner) applyTickFor(symbol string, price float64, now time.Time) {
	r.mu.Lock()
	prior, ok := r.fsms[symbol]
	if !ok {
		prior = New(symbol)
	}
	next, transitions := ApplyTick(prior, r.kind, price, now)
	r.fsms[symbol] = next
	r.mu.Unlock()

	if len(transitions) == 0 {
		r.snaps.Update(map[string]Snapshot{symbol: next.Snapshot})
		return
	}
	// Publish each intermediate transition in order so subscribers observe
	// the blocked re-arm's two-step move (spec §4.D).
	for _, t := range transitions {
		r.snaps.Update(map[string]Snapshot{symbol: t})
	}
}

// ApplyRearm is the FSM-side half of the broker-6 buy_sell_sell control
// message (spec §4.F/§9): the Signal Tracker asks the owning runner to
// snap threshold to newThreshold and clear the block, rather than writing
// the FSM's state directly.
func (r *Runner) ApplyRearm(symbol string, newThreshold float64) (Snapshot, bool) {
	r.mu.Lock()
	prior, ok := r.fsms[symbol]
	if !ok {
		r.mu.Unlock()
		return Snapshot{}, false
	}
	next := prior
	next.Snapshot.Threshold = &newThreshold
	next.Snapshot.LastBuyThreshold = &newThreshold
	next.Snapshot.State = NoPositionSignal
	next.Snapshot.LastBlockedAt = nil
	next.LastCheckedAt = nil
	r.fsms[symbol] = next
	r.mu.Unlock()

	r.snaps.Update(map[string]Snapshot{symbol: next.Snapshot})
	return next.Snapshot, true
}

// ResetCrypto clears every FSM entry for a synthetic symbol beginning with
// "BTC" (spec §4.G's reset_crypto_state). The broker runner keys on every
// catalog-resolved webhook symbol, so a crypto webhook can leave a BTC
// entry there too; this clears it as well.
func (r *Runner) ResetCrypto() []string {
	r.mu.Lock()
	var cleared []string
	for sym := range r.fsms {
		if len(sym) >= 3 && sym[:3] == "BTC" {
			delete(r.fsms, sym)
			cleared = append(cleared, sym)
		}
	}
	r.mu.Unlock()
	return cleared
}
