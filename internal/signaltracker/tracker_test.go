package signaltracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajchodisetti/signal-engine/internal/bus"
	"github.com/rajchodisetti/signal-engine/internal/catalog"
	"github.com/rajchodisetti/signal-engine/internal/clock"
	"github.com/rajchodisetti/signal-engine/internal/fsm"
)

func f(v float64) *float64 { return &v }

type fakeFsmReader struct {
	snaps map[string]fsm.Snapshot
}

func (r *fakeFsmReader) Get(sym string) (fsm.Snapshot, bool) {
	s, ok := r.snaps[sym]
	return s, ok
}

func TestGeneralModeAlternationIsStickyAndNonResetting(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fsms := &fakeFsmReader{snaps: map[string]fsm.Snapshot{}}
	tr := New(ModeNone, clk, nil, fsms, "", 0)

	tr.OnWebhook(bus.WebhookEvent{Symbol: "RELIANCE", Intent: "BUY"})
	rows := tr.Rows("RELIANCE")
	require.Len(t, rows, 1)
	assert.False(t, rows[0].AlternateSignal)

	tr.OnWebhook(bus.WebhookEvent{Symbol: "RELIANCE", Intent: "SELL"})
	rows = tr.Rows("RELIANCE")
	require.Len(t, rows, 2)
	assert.True(t, rows[0].AlternateSignal, "alternation should flip the sticky flag")

	// Next same-direction signal does not clear stickiness.
	tr.OnWebhook(bus.WebhookEvent{Symbol: "RELIANCE", Intent: "SELL"})
	rows = tr.Rows("RELIANCE")
	assert.True(t, rows[0].AlternateSignal)
}

// Scenario 6 (spec §8): broker-6 buy-sell-sell rearm.
func TestBroker6BuySellSellRearm(t *testing.T) {
	clk := clock.NewFake(time.Now())
	cat := catalog.Load("/nonexistent") // empty, degraded catalog
	fsms := &fakeFsmReader{snaps: map[string]fsm.Snapshot{
		"RELIANCE": {State: fsm.NoPositionSignal, LastBuyThreshold: f(100), LTP: f(95)},
	}}
	tr := New(ModeBroker6, clk, cat, fsms, "", 0)

	var rearmedSymbol string
	var rearmedThreshold float64
	var rearmCalled int
	var resetCalled int
	tr.WithRearm(
		func(symbol string, newThreshold float64) (fsm.Snapshot, bool) {
			rearmedSymbol, rearmedThreshold = symbol, newThreshold
			rearmCalled++
			return fsm.Snapshot{State: fsm.NoPositionSignal, Threshold: &newThreshold}, true
		},
		func(symbol string) { resetCalled++ },
	)

	// broker6's allow-set is derived from the (empty) catalog's top-6; when
	// empty, canonicalize falls back to raw and allowed() checks membership
	// in an empty set, which would drop every symbol. Exercise the tracker
	// directly via update() semantics instead by using ModeNone's allow-all
	// path is not representative of broker6's gating, so here we validate
	// the flag/rearm mechanics once the signal reaches update().
	tr.broker6AllowSet = map[string]struct{}{"RELIANCE": {}}

	tr.OnWebhook(bus.WebhookEvent{Symbol: "RELIANCE", Intent: "BUY"})
	tr.OnWebhook(bus.WebhookEvent{Symbol: "RELIANCE", Intent: "SELL"})
	tr.OnWebhook(bus.WebhookEvent{Symbol: "RELIANCE", Intent: "SELL"})

	assert.Equal(t, 1, rearmCalled)
	assert.Equal(t, "RELIANCE", rearmedSymbol)
	assert.Equal(t, 100.0, rearmedThreshold)
	assert.GreaterOrEqual(t, resetCalled, 1)

	tracking, ok := tr.Tracking("RELIANCE")
	require.True(t, ok)
	assert.False(t, tracking.BuySellSell, "flag must clear immediately after the rearm fires")
}

func TestBroker6AlternationResetsCumulativeButFlagNonSticky(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fsms := &fakeFsmReader{snaps: map[string]fsm.Snapshot{}}
	tr := New(ModeBroker6, clk, nil, fsms, "", 0)
	tr.broker6AllowSet = map[string]struct{}{"RELIANCE": {}}

	var resets int
	tr.WithRearm(nil, func(symbol string) { resets++ })

	tr.OnWebhook(bus.WebhookEvent{Symbol: "RELIANCE", Intent: "BUY"})
	tr.OnWebhook(bus.WebhookEvent{Symbol: "RELIANCE", Intent: "SELL"})
	assert.Equal(t, 1, resets, "alternation must trigger a cumulative reset in broker6 mode")

	rows := tr.Rows("RELIANCE")
	require.Len(t, rows, 2)
	assert.True(t, rows[0].AlternateSignal, "the row itself still reports the alternation")
}

func TestCryptoLongModeOnlyAcceptsBuy(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fsms := &fakeFsmReader{snaps: map[string]fsm.Snapshot{}}
	tr := New(ModeCryptoLong, clk, nil, fsms, "", 0)
	tr.cryptoAllowSet = map[string]struct{}{"BTCUSDT": {}}

	tr.OnWebhook(bus.WebhookEvent{Symbol: "BTCUSDT", Intent: "SELL"})
	assert.Empty(t, tr.Rows("BTCUSDT_LONG"))

	tr.OnWebhook(bus.WebhookEvent{Symbol: "BTCUSDT", Intent: "BUY"})
	rows := tr.Rows("BTCUSDT_LONG")
	require.Len(t, rows, 1)
	assert.Equal(t, "BUY", rows[0].Intent)
}

func TestAllowSetDropsDisallowedSymbol(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fsms := &fakeFsmReader{snaps: map[string]fsm.Snapshot{}}
	tr := New(ModeBroker6, clk, nil, fsms, "", 0)
	tr.broker6AllowSet = map[string]struct{}{"RELIANCE": {}}

	tr.OnWebhook(bus.WebhookEvent{Symbol: "TCS", Intent: "BUY"})
	assert.Empty(t, tr.Symbols())
}

func TestRowCapAtFifty(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fsms := &fakeFsmReader{snaps: map[string]fsm.Snapshot{}}
	tr := New(ModeNone, clk, nil, fsms, "", 0)

	for i := 0; i < 60; i++ {
		direction := "BUY"
		if i%2 == 1 {
			direction = "SELL"
		}
		tr.OnWebhook(bus.WebhookEvent{Symbol: "RELIANCE", Intent: direction})
	}
	assert.Len(t, tr.Rows("RELIANCE"), maxRows)
}

func TestClearAllAndResetCrypto(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fsms := &fakeFsmReader{snaps: map[string]fsm.Snapshot{}}
	tr := New(ModeNone, clk, nil, fsms, "", 0)

	tr.OnWebhook(bus.WebhookEvent{Symbol: "BTCUSDT", Intent: "BUY"})
	tr.OnWebhook(bus.WebhookEvent{Symbol: "RELIANCE", Intent: "BUY"})

	tr.ResetCrypto()
	assert.ElementsMatch(t, []string{"RELIANCE"}, tr.Symbols())

	tr.ClearAll()
	assert.Empty(t, tr.Symbols())
}
