package fsm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func mustTime(s string) time.Time {
	t, err := time.Parse("2006-01-02T15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t
}

// Scenario 1 (spec §8): long entry then exit.
func TestLongEntryThenExit(t *testing.T) {
	now := mustTime("2026-08-06T10:00:00")
	i := New("BTCUSDT")

	i = ApplySignal(i, CryptoLong, "BUY", f(100), nil, now)
	require.Equal(t, NoPositionSignal, i.Snapshot.State)
	require.NotNil(t, i.Snapshot.Threshold)
	require.Equal(t, 100.0, *i.Snapshot.Threshold)

	i, transitions := ApplyTick(i, CryptoLong, 101, now.Add(time.Second))
	require.Len(t, transitions, 1)
	assert.Equal(t, BuyPosition, i.Snapshot.State)

	i, transitions = ApplyTick(i, CryptoLong, 102, now.Add(2*time.Second))
	require.Len(t, transitions, 1)
	assert.Equal(t, BuyPosition, i.Snapshot.State)

	i, transitions = ApplyTick(i, CryptoLong, 99, now.Add(3*time.Second))
	require.Len(t, transitions, 1)
	assert.Equal(t, NoPositionBlocked, i.Snapshot.State)
	assert.NotNil(t, i.Snapshot.LastBlockedAt)
}

// Scenario 2 (spec §8): blocked re-arm across the minute boundary.
func TestBlockedRearmAtMinuteBoundary(t *testing.T) {
	i := New("BTCUSDT")
	armedAt := mustTime("2026-08-06T10:00:00")
	i = ApplySignal(i, CryptoLong, "BUY", f(100), nil, armedAt)

	i, transitions := ApplyTick(i, CryptoLong, 99, mustTime("2026-08-06T10:00:30"))
	require.Len(t, transitions, 1)
	require.Equal(t, NoPositionBlocked, i.Snapshot.State)
	blockedAt := *i.Snapshot.LastBlockedAt

	// Same minute as the block: no-op regardless of price.
	i, transitions = ApplyTick(i, CryptoLong, 101, mustTime("2026-08-06T10:00:45"))
	assert.Empty(t, transitions)
	assert.Equal(t, NoPositionBlocked, i.Snapshot.State)

	// First second of the next minute: re-arm then immediately re-evaluate.
	i, transitions = ApplyTick(i, CryptoLong, 101, mustTime("2026-08-06T10:01:00"))
	require.Len(t, transitions, 2)
	assert.Equal(t, NoPositionSignal, transitions[0].State)
	assert.Equal(t, BuyPosition, transitions[1].State)
	assert.Equal(t, BuyPosition, i.Snapshot.State)
	assert.True(t, blockedAt.Before(mustTime("2026-08-06T10:01:00")))
}

// Scenario 3 (spec §8): short entry and block.
func TestShortEntryAndBlock(t *testing.T) {
	i := New("BTCUSDT_SHORT")
	now := mustTime("2026-08-06T11:00:00")
	lastLTP := f(100)

	i = ApplySignal(i, CryptoShort, "SELL", nil, lastLTP, now)
	require.Equal(t, NoPositionSignal, i.Snapshot.State)
	require.Equal(t, 100.0, *i.Snapshot.Threshold)

	i, transitions := ApplyTick(i, CryptoShort, 99, now.Add(time.Second))
	require.Len(t, transitions, 1)
	assert.Equal(t, SellPosition, i.Snapshot.State)

	i, transitions = ApplyTick(i, CryptoShort, 101, now.Add(2*time.Second))
	require.Len(t, transitions, 1)
	assert.Equal(t, NoPositionBlocked, i.Snapshot.State)
}

// A SELL signal with no known LTP is recorded but leaves Threshold nil,
// and the FSM stays inert on ticks until a later signal supplies one.
func TestSellSignalWithUnknownLTPIsInert(t *testing.T) {
	i := New("BTCUSDT_SHORT")
	now := mustTime("2026-08-06T12:00:00")

	i = ApplySignal(i, CryptoShort, "SELL", nil, nil, now)
	assert.Equal(t, NoPositionSignal, i.Snapshot.State)
	assert.Nil(t, i.Snapshot.Threshold)

	i, transitions := ApplyTick(i, CryptoShort, 100, now.Add(time.Second))
	assert.Empty(t, transitions)
	assert.Equal(t, NoPositionSignal, i.Snapshot.State)
	// LTP memo still refreshes even while inert.
	require.NotNil(t, i.Snapshot.LTP)
	assert.Equal(t, 100.0, *i.Snapshot.LTP)
}

// Reducer idempotence: a tick that doesn't change state changes nothing
// but the cached LTP.
func TestTickIdempotenceOnNoOpPrice(t *testing.T) {
	i := New("BTCUSDT")
	now := mustTime("2026-08-06T13:00:00")
	i = ApplySignal(i, CryptoLong, "BUY", f(100), nil, now)
	i, _ = ApplyTick(i, CryptoLong, 101, now.Add(time.Second))
	before := i.Snapshot

	i, transitions := ApplyTick(i, CryptoLong, 105, now.Add(2*time.Second))
	require.Len(t, transitions, 1)
	after := i.Snapshot

	assert.Equal(t, before.State, after.State)
	assert.Equal(t, *before.Threshold, *after.Threshold)
	assert.NotEqual(t, *before.LTP, *after.LTP)
}

// Testable property: whenever state isn't NOSIGNAL, threshold and
// last-signal-at are non-nil.
func TestInvariantThresholdAndSignalTimeSetWhenNotNoSignal(t *testing.T) {
	i := New("XYZ")
	now := mustTime("2026-08-06T14:00:00")
	i = ApplySignal(i, Broker, "BUY", f(50), nil, now)
	checkInvariant(t, i)

	i, _ = ApplyTick(i, Broker, 51, now.Add(time.Second))
	checkInvariant(t, i)

	i, _ = ApplyTick(i, Broker, 49, now.Add(2*time.Second))
	checkInvariant(t, i)
}

func checkInvariant(t *testing.T, i InstrumentFsm) {
	t.Helper()
	if i.Snapshot.State == NoSignal {
		return
	}
	assert.NotNil(t, i.Snapshot.Threshold, "state %s requires non-nil threshold", i.Snapshot.State)
	assert.NotNil(t, i.LastSignalAt, "state %s requires non-nil last-signal-at", i.Snapshot.State)
}

// Broker-6's mid-position retain-state rule: a second BUY while already in
// position updates the threshold in place without exiting the position.
func TestBroker6MidPositionThresholdUpdateRetainsState(t *testing.T) {
	i := New("RELIANCE")
	now := mustTime("2026-08-06T15:00:00")
	i = ApplySignal(i, Broker, "BUY", f(100), nil, now)
	i, _ = ApplyTick(i, Broker, 101, now.Add(time.Second))
	require.Equal(t, BuyPosition, i.Snapshot.State)

	i = ApplySignal(i, Broker, "BUY", f(105), nil, now.Add(2*time.Second))
	assert.Equal(t, BuyPosition, i.Snapshot.State)
	require.NotNil(t, i.Snapshot.Threshold)
	assert.Equal(t, 105.0, *i.Snapshot.Threshold)
	require.NotNil(t, i.Snapshot.LastBuyThreshold)
	assert.Equal(t, 105.0, *i.Snapshot.LastBuyThreshold)

	// A SELL while in position updates threshold to the current LTP instead.
	i = ApplySignal(i, Broker, "SELL", nil, f(103), now.Add(3*time.Second))
	assert.Equal(t, BuyPosition, i.Snapshot.State)
	require.NotNil(t, i.Snapshot.Threshold)
	assert.Equal(t, 103.0, *i.Snapshot.Threshold)
}

// Non-broker-6 runners never retain state on a signal while in position;
// a fresh signal always re-arms NOPOSITION_SIGNAL.
func TestCryptoRunnerSignalAlwaysRearmsFromInPosition(t *testing.T) {
	i := New("BTCUSDT_LONG")
	now := mustTime("2026-08-06T16:00:00")
	i = ApplySignal(i, CryptoLong, "BUY", f(100), nil, now)
	i, _ = ApplyTick(i, CryptoLong, 101, now.Add(time.Second))
	require.Equal(t, BuyPosition, i.Snapshot.State)

	i = ApplySignal(i, CryptoLong, "BUY", f(110), nil, now.Add(2*time.Second))
	assert.Equal(t, NoPositionSignal, i.Snapshot.State)
	require.NotNil(t, i.Snapshot.Threshold)
	assert.Equal(t, 110.0, *i.Snapshot.Threshold)
}

func TestApplyTickNoopWithoutPrerequisites(t *testing.T) {
	i := New("XYZ")
	i, transitions := ApplyTick(i, Broker, 100, mustTime("2026-08-06T17:00:00"))
	assert.Empty(t, transitions)
	assert.Equal(t, NoSignal, i.Snapshot.State)
	require.NotNil(t, i.Snapshot.LTP) // the LTP memo still refreshes
}

func TestEntryStateByKind(t *testing.T) {
	assert.Equal(t, BuyPosition, Broker.entryState())
	assert.Equal(t, BuyPosition, CryptoLong.entryState())
	assert.Equal(t, SellPosition, CryptoShort.entryState())
	assert.Equal(t, BuyPosition, CryptoCombined.entryState())
}
