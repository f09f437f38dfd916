// Package persistence implements spec §4.H/§6/§9's storage model: one JSON
// document per logical store, written as an array of [key, value] pairs so
// non-string map keys round-trip, debounced by the interval passed to New
// (no minimum is enforced here; internal/config defaults every store to
// one second) and written synchronously by Flush. Grounded on the teacher's
// internal/portfolio/state.go atomic temp-file-then-rename save, generalized
// into a small generic helper so fsmsnap, signaltracker, and tradeengine can
// each own their own document without re-deriving the save/debounce plumbing.
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rajchodisetti/signal-engine/internal/observ"
)

// entry is the wire shape of one document row: a [key, value] pair.
type entry[K comparable, V any] struct {
	Key   K
	Value V
}

func (e entry[K, V]) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Key, e.Value})
}

func (e *entry[K, V]) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &e.Key); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &e.Value)
}

// Store debounces and persists a map[K]V to path as an entry-array JSON
// document tagged with version. K must be a JSON-representable comparable
// type (string, int, ...); V any JSON-representable value.
type Store[K comparable, V any] struct {
	path    string
	version string
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	latest  map[K]V
}

// New returns a Store that writes to path, tagging the document with
// version (e.g. "fsm-v1"), debouncing writes by debounce.
func New[K comparable, V any](path, version string, debounce time.Duration) *Store[K, V] {
	return &Store[K, V]{path: path, version: version, debounce: debounce}
}

// document is the on-disk shape: a version tag plus the entry array.
type document[K comparable, V any] struct {
	Version string        `json:"version"`
	Entries []entry[K, V] `json:"entries"`
}

// Load reads the document at path. A missing file or parse failure yields
// an empty map — persistence reads are always best-effort (spec §4.H/§7).
func (s *Store[K, V]) Load() map[K]V {
	out := map[K]V{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return out
	}
	var doc document[K, V]
	if err := json.Unmarshal(data, &doc); err != nil {
		observ.Log("persistence_load_failed", map[string]any{"path": s.path, "error": err.Error()})
		return out
	}
	for _, e := range doc.Entries {
		out[e.Key] = e.Value
	}
	return out
}

// SaveDebounced schedules a write of snapshot (a copy of the caller's
// current map) at least s.debounce after the previous write, coalescing
// bursts of updates into one write. A burst of calls during the debounce
// window always persists the most recently supplied snapshot, never the
// first. Safe for concurrent use.
func (s *Store[K, V]) SaveDebounced(snapshot map[K]V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = snapshot
	if s.pending {
		return
	}
	s.pending = true
	s.timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		s.pending = false
		toSave := s.latest
		s.mu.Unlock()
		if err := s.saveNow(toSave); err != nil {
			observ.Log("persistence_save_failed", map[string]any{"path": s.path, "error": err.Error()})
		}
	})
}

// Flush writes snapshot synchronously, cancelling any pending debounced
// write. Used on shutdown (spec §4.H: "unload flushes synchronously").
func (s *Store[K, V]) Flush(snapshot map[K]V) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.pending = false
	s.latest = nil
	s.mu.Unlock()
	return s.saveNow(snapshot)
}

func (s *Store[K, V]) saveNow(snapshot map[K]V) error {
	doc := document[K, V]{Version: s.version, Entries: make([]entry[K, V], 0, len(snapshot))}
	for k, v := range snapshot {
		doc.Entries = append(doc.Entries, entry[K, V]{Key: k, Value: v})
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
