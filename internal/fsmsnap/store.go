// Package fsmsnap is the Shared FSM Snapshot, spec §4.C: the one
// process-wide mapping read by multiple components (the Trade Engine, the
// per-mode Signal Trackers) but written only through its own single
// mutator, with a pub/sub surface, debounced persistence, and per-symbol
// last-price/last-threshold memory. Grounded on the teacher's
// internal/portfolio/state.go (RWMutex-guarded map + atomic JSON save)
// crossed with the per-symbol throttled logging shape of
// internal/risk/slack_controls.go.
package fsmsnap

import (
	"sync"
	"time"

	"github.com/rajchodisetti/signal-engine/internal/clock"
	"github.com/rajchodisetti/signal-engine/internal/fsm"
	"github.com/rajchodisetti/signal-engine/internal/observ"
	"github.com/rajchodisetti/signal-engine/internal/persistence"
)

// otherFieldLogThrottle bounds non-state/threshold change log lines to at
// most one per symbol per this interval (spec §4.C).
const otherFieldLogThrottle = 1500 * time.Millisecond

// wireSnapshot is the JSON-safe shape of fsm.Snapshot used on the
// persisted document (time.Time fields serialize as RFC3339 via
// encoding/json already, so this is just fsm.Snapshot — kept as a distinct
// name for clarity at the persistence boundary).
type wireSnapshot = fsm.Snapshot

// Store is the Shared FSM Snapshot.
type Store struct {
	clk   clock.Clock
	store *persistence.Store[string, wireSnapshot]

	mu          sync.RWMutex
	entries     map[string]fsm.Snapshot
	lastLoggedOther map[string]time.Time

	subMu sync.Mutex
	subs  []chan map[string]fsm.Snapshot
}

// New returns a Store that persists to path, debounced by persistDebounce.
func New(clk clock.Clock, path string, persistDebounce time.Duration) *Store {
	s := &Store{
		clk:             clk,
		store:           persistence.New[string, wireSnapshot](path, "fsm-v1", persistDebounce),
		entries:         map[string]fsm.Snapshot{},
		lastLoggedOther: map[string]time.Time{},
	}
	for sym, snap := range s.store.Load() {
		s.entries[sym] = snap
	}
	return s
}

// Subscribe returns a channel that receives the full entry map every time
// Update changes at least one symbol. The channel is buffered; a slow
// subscriber drops the oldest pending snapshot rather than blocking the
// mutator (spec §5: reducers never suspend).
func (s *Store) Subscribe() <-chan map[string]fsm.Snapshot {
	ch := make(chan map[string]fsm.Snapshot, 8)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

// Update merges partial snapshots into the store, replacing each named
// symbol's entry whole. There is no separate last-price/last-threshold
// memo: LastPrice and LastThreshold read the current entry, so an update
// carrying a nil LTP or Threshold replaces the earlier value with nil.
// Emits to subscribers iff any entry actually changed, and schedules a
// debounced persist.
func (s *Store) Update(partial map[string]fsm.Snapshot) {
	s.mu.Lock()
	changed := false
	now := s.clk.Now()
	for sym, next := range partial {
		prior, existed := s.entries[sym]
		if !existed || !snapshotEqual(prior, next) {
			s.logChange(sym, prior, next, existed, now)
			s.entries[sym] = next
			changed = true
		}
	}
	var snapshotCopy map[string]fsm.Snapshot
	if changed {
		snapshotCopy = s.copyLocked()
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	s.store.SaveDebounced(snapshotCopy)
	s.broadcast(snapshotCopy)
}

// logChange emits a log line for a symbol's transition. State and
// threshold changes always log; any other field-only change is throttled
// to once per otherFieldLogThrottle per symbol (spec §4.C).
func (s *Store) logChange(sym string, prior, next fsm.Snapshot, existed bool, now time.Time) {
	stateOrThresholdChanged := !existed || prior.State != next.State || !floatPtrEqual(prior.Threshold, next.Threshold)
	if stateOrThresholdChanged {
		observ.Log("fsm_snapshot_changed", map[string]any{
			"symbol":    sym,
			"state":     string(next.State),
			"threshold": floatPtrOrNil(next.Threshold),
			"ltp":       floatPtrOrNil(next.LTP),
		})
		s.lastLoggedOther[sym] = now
		return
	}
	if last, ok := s.lastLoggedOther[sym]; ok && now.Sub(last) < otherFieldLogThrottle {
		return
	}
	s.lastLoggedOther[sym] = now
	observ.Log("fsm_snapshot_field_changed", map[string]any{
		"symbol": sym,
		"ltp":    floatPtrOrNil(next.LTP),
	})
}

// LastPrice returns the LTP of sym's current entry, or nil.
func (s *Store) LastPrice(sym string) *float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[sym]; ok {
		return e.LTP
	}
	return nil
}

// LastThreshold returns the threshold of sym's current entry, or nil.
func (s *Store) LastThreshold(sym string) *float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[sym]; ok {
		return e.Threshold
	}
	return nil
}

// Get returns the current snapshot for a single symbol. Implements
// signaltracker.FsmReader.
func (s *Store) Get(sym string) (fsm.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[sym]
	return e, ok
}

// Snapshot returns a defensive copy of the whole entry map.
func (s *Store) Snapshot() map[string]fsm.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() map[string]fsm.Snapshot {
	out := make(map[string]fsm.Snapshot, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Clear removes each named symbol's entry from the store.
func (s *Store) Clear(symbols []string) {
	s.mu.Lock()
	for _, sym := range symbols {
		delete(s.entries, sym)
	}
	snapshotCopy := s.copyLocked()
	s.mu.Unlock()
	s.store.SaveDebounced(snapshotCopy)
	s.broadcast(snapshotCopy)
}

// ClearAll resets every entry.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.entries = map[string]fsm.Snapshot{}
	s.mu.Unlock()
	s.store.SaveDebounced(map[string]fsm.Snapshot{})
	s.broadcast(map[string]fsm.Snapshot{})
}

// Flush synchronously persists the current state. Called on shutdown.
func (s *Store) Flush() error {
	return s.store.Flush(s.Snapshot())
}

func (s *Store) broadcast(snap map[string]fsm.Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Drop the stale pending snapshot, keep the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func snapshotEqual(a, b fsm.Snapshot) bool {
	return a.State == b.State &&
		floatPtrEqual(a.LTP, b.LTP) &&
		floatPtrEqual(a.Threshold, b.Threshold) &&
		floatPtrEqual(a.LastBuyThreshold, b.LastBuyThreshold) &&
		floatPtrEqual(a.LastSellThreshold, b.LastSellThreshold) &&
		timePtrEqual(a.LastBlockedAt, b.LastBlockedAt)
}

func floatPtrOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
