// Package fsm implements the price/signal finite-state machine shared by
// every runner (broker, crypto long, crypto short, crypto combined): spec
// §3's InstrumentFsm/FsmSnapshot data model and §4.D/E's transition algebra.
//
// The transition functions are pure: (prior state, event, clock) -> next
// state plus the snapshot(s) to publish, grounded on the teacher's
// risk/circuitbreaker.go shape of a closed, string-backed state enum driven
// by small pure transition helpers rather than a generic FSM library.
package fsm

import (
	"time"

	"github.com/rajchodisetti/signal-engine/internal/clock"
)

// State is spec §3's closed FSM state enum.
type State string

const (
	NoSignal          State = "NOSIGNAL"
	NoPositionSignal  State = "NOPOSITION_SIGNAL"
	BuyPosition       State = "BUYPOSITION"
	SellPosition      State = "SELLPOSITION"
	NoPositionBlocked State = "NOPOSITION_BLOCKED"
)

// InPosition reports whether s is one of the two "in position" states the
// trade engine's edge detection cares about.
func (s State) InPosition() bool {
	return s == BuyPosition || s == SellPosition
}

// Snapshot is spec §3's FsmSnapshot: the publicly observable per-symbol
// state, shared through the fsmsnap.Store pub/sub surface.
type Snapshot struct {
	State             State
	LTP               *float64
	Threshold         *float64
	LastBuyThreshold  *float64
	LastSellThreshold *float64
	LastBlockedAt     *time.Time
}

// InstrumentFsm is spec §3's internal per-symbol FSM: the Snapshot plus the
// two fields only the owning runner ever reads or mutates.
type InstrumentFsm struct {
	Symbol        string
	Snapshot      Snapshot
	LastSignalAt  *time.Time
	LastCheckedAt *time.Time
}

// New returns a fresh InstrumentFsm for symbol: state NOSIGNAL, every field
// null, as spec §3 requires.
func New(symbol string) InstrumentFsm {
	return InstrumentFsm{Symbol: symbol, Snapshot: Snapshot{State: NoSignal}}
}

// Kind distinguishes the four runner variants named in spec §2 rows D/E;
// it governs only which position state NOPOSITION_SIGNAL's tick rule
// enters and on which side of the threshold the price must be to enter it
// (above for BUYPOSITION, below for the short runner's SELLPOSITION), and
// whether a signal already in position is retained in place (broker-6's
// mid-position threshold-update rule).
type Kind int

const (
	Broker Kind = iota
	CryptoLong
	CryptoShort
	CryptoCombined
)

func (k Kind) entryState() State {
	if k == CryptoShort {
		return SellPosition
	}
	return BuyPosition
}

// ApplySignal is spec §4.D's "Signal transition": BUY arms the threshold at
// stopPx, SELL arms it at the last known LTP (which may be nil — the
// transition is still recorded; a later tick is a no-op until both
// threshold and last-signal time are known, per spec §4.D). direction must
// be "BUY" or "SELL" (resolved by bus.WebhookEvent.Direction before this is
// called); any other value is ignored.
//
// Deliberately unlike the invariant table in spec §3 ("threshold != null"
// whenever state is not NOSIGNAL), a SELL signal with no known LTP yet
// leaves Threshold nil while State is NOPOSITION_SIGNAL — spec §4.D names
// this exact case as expected, so ApplyTick's precondition check (not this
// function) is what keeps the FSM inert until threshold arrives.
func ApplySignal(prior InstrumentFsm, kind Kind, direction string, stopPx, lastKnownLTP *float64, now time.Time) InstrumentFsm {
	next := prior
	inPosition := prior.Snapshot.State.InPosition()

	if kind == Broker && inPosition {
		next.LastSignalAt = timePtr(now)
		switch direction {
		case "BUY":
			next.Snapshot.Threshold = stopPx
			next.Snapshot.LastBuyThreshold = stopPx
		case "SELL":
			next.Snapshot.Threshold = lastKnownLTP
			next.Snapshot.LastSellThreshold = lastKnownLTP
		}
		return next
	}

	next.Snapshot.State = NoPositionSignal
	next.LastSignalAt = timePtr(now)
	next.LastCheckedAt = nil
	next.Snapshot.LastBlockedAt = nil

	switch direction {
	case "BUY":
		next.Snapshot.Threshold = stopPx
		next.Snapshot.LastBuyThreshold = stopPx
	case "SELL":
		next.Snapshot.Threshold = lastKnownLTP
		next.Snapshot.LastSellThreshold = lastKnownLTP
	}
	return next
}

// ApplyTick is spec §4.D's "Tick transition". It always refreshes the LTP
// memo (the last-known-price memory the Shared FSM Snapshot keeps even
// while the FSM itself is inert), then applies the table in spec §4.D.
// Returns the updated FSM and zero, one, or two Snapshots to publish — two
// only for the NOPOSITION_BLOCKED minute-boundary re-arm, which logically
// re-enters NOPOSITION_SIGNAL and immediately applies that rule in the same
// step (spec §4.D).
func ApplyTick(prior InstrumentFsm, kind Kind, ltp float64, now time.Time) (InstrumentFsm, []Snapshot) {
	next := prior
	next.Snapshot.LTP = &ltp

	if next.Snapshot.Threshold == nil || next.LastSignalAt == nil {
		return next, nil // MissingPrerequisite: no-op besides the LTP memo.
	}

	switch next.Snapshot.State {
	case BuyPosition:
		if ltp >= *next.Snapshot.Threshold {
			return next, []Snapshot{next.Snapshot}
		}
		next.Snapshot.State = NoPositionBlocked
		next.Snapshot.LastBlockedAt = timePtr(now)
		return next, []Snapshot{next.Snapshot}

	case SellPosition:
		if ltp <= *next.Snapshot.Threshold {
			return next, []Snapshot{next.Snapshot}
		}
		next.Snapshot.State = NoPositionBlocked
		next.Snapshot.LastBlockedAt = timePtr(now)
		return next, []Snapshot{next.Snapshot}

	case NoPositionSignal:
		if next.LastCheckedAt != nil && !next.LastCheckedAt.Before(*next.LastSignalAt) {
			return next, nil // already evaluated this signal
		}
		return evaluateNoPositionSignal(next, kind, ltp, now)

	case NoPositionBlocked:
		if next.Snapshot.LastBlockedAt == nil {
			return next, nil
		}
		if !(clock.MinuteBoundary(now) && clock.StrictlyAfterMinute(now, *next.Snapshot.LastBlockedAt)) {
			return next, nil
		}
		reentered := next
		reentered.Snapshot.State = NoPositionSignal
		reentered.LastCheckedAt = nil
		transitions := []Snapshot{reentered.Snapshot}
		final, more := evaluateNoPositionSignal(reentered, kind, ltp, now)
		return final, append(transitions, more...)

	default: // NoSignal
		return next, nil
	}
}

func evaluateNoPositionSignal(fsm InstrumentFsm, kind Kind, ltp float64, now time.Time) (InstrumentFsm, []Snapshot) {
	fsm.LastCheckedAt = timePtr(now)
	entered := ltp > *fsm.Snapshot.Threshold
	if kind == CryptoShort {
		entered = ltp < *fsm.Snapshot.Threshold
	}
	if entered {
		fsm.Snapshot.State = kind.entryState()
	} else {
		fsm.Snapshot.State = NoPositionBlocked
		fsm.Snapshot.LastBlockedAt = timePtr(now)
	}
	return fsm, []Snapshot{fsm.Snapshot}
}

func timePtr(t time.Time) *time.Time { return &t }
