// Package tradeengine implements spec §4.G: the paper-trade bookkeeper and
// the live-trade gate that rides alongside it, both driven purely off
// Shared FSM Snapshot transitions. Grounded on the teacher's
// internal/decision/engine.go pure-reducer-over-an-event shape, combined
// with internal/outbox/outbox.go's append-only idempotency-keyed row log
// (reused here for paper/live trade rows, keyed with google/uuid instead
// of outbox's crypto/sha256 digest since rows here are generated, not
// deduplicated against an external request id).
package tradeengine

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rajchodisetti/signal-engine/internal/brokersink"
	"github.com/rajchodisetti/signal-engine/internal/catalog"
	"github.com/rajchodisetti/signal-engine/internal/clock"
	"github.com/rajchodisetti/signal-engine/internal/fsm"
	"github.com/rajchodisetti/signal-engine/internal/observ"
	"github.com/rajchodisetti/signal-engine/internal/persistence"
)

// liveExitCost is the fixed unit cost deducted from live cumulative P&L on
// every force-close (spec §4.G).
const liveExitCost = 50.0

// OrderSink is the outbound dependency the live-trade gate emits through.
// Satisfied by *brokersink.Sink; kept as an interface so tests can stub it.
type OrderSink interface {
	Emit(ctx context.Context, order brokersink.Order) error
}

// OpenTrade is a currently-open paper or live position.
type OpenTrade struct {
	ID         string
	Symbol     string
	Side       string // BUY or SELL
	EntryPrice float64
	Quantity   int
	Lot        int
	OpenedAt   time.Time
}

// TradeRow is one line of a symbol's paper or live trade history. The open
// row (index 0 while a trade is open) is mutated in place as ticks arrive;
// closing prepends a new row rather than replacing it, so the closed
// entry's last-open state survives as history (spec §4.G).
type TradeRow struct {
	ID            string
	TimeIST       time.Time
	Symbol        string
	Side          string
	EntryPrice    float64
	CurrentPrice  float64
	Quantity      int
	UnrealizedPnL float64
	CumulativePnL float64
	Closed        bool
}

// maxRowsPerSymbol bounds the in-memory/persisted history per symbol. Not a
// spec behavior — purely an ambient memory bound for a long-running
// process, in the same spirit as the Signal Tracker's own 50-row cap.
const maxRowsPerSymbol = 500

type symbolBook struct {
	PaperOpen       *OpenTrade
	PaperRows       []TradeRow
	PaperCumulative float64

	LiveOpen       *OpenTrade
	LiveRows       []TradeRow
	LiveCumulative float64
	BlockedUntil   *time.Time
	LastLiveMinute *time.Time

	LoggedMinute *time.Time
}

// Engine is the trade engine of spec §4.G: it subscribes to the Shared FSM
// Snapshot, maintains one symbolBook per symbol, and drives the live-trade
// gate's broker order emission.
type Engine struct {
	clk     clock.Clock
	cat     *catalog.Catalog
	sink    OrderSink
	capital float64
	persist *persistence.Store[string, symbolBook]

	mu    sync.Mutex
	books map[string]*symbolBook
	prior map[string]fsm.Snapshot

	stop chan struct{}
}

// New returns an Engine with the given starting capital (spec §4.G
// defaults this to 100000 when unset, handled by internal/config).
func New(clk clock.Clock, cat *catalog.Catalog, sink OrderSink, capital float64, persistPath string, debounce time.Duration) *Engine {
	e := &Engine{
		clk:     clk,
		cat:     cat,
		sink:    sink,
		capital: capital,
		persist: persistence.New[string, symbolBook](persistPath, "trade-v1", debounce),
		books:   map[string]*symbolBook{},
		prior:   map[string]fsm.Snapshot{},
		stop:    make(chan struct{}),
	}
	for sym, book := range e.persist.Load() {
		b := book
		e.books[sym] = &b
	}
	return e
}

// Run consumes the Shared FSM Snapshot's publish channel until ctx is
// canceled. Intended to run in its own goroutine, grounded on the
// teacher's internal/decision engine's single-consumer event loop.
func (e *Engine) Run(ctx context.Context, snapshots <-chan map[string]fsm.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			e.handleSnapshot(ctx, snap)
		}
	}
}

// Stop halts Run.
func (e *Engine) Stop() {
	close(e.stop)
}

func (e *Engine) handleSnapshot(ctx context.Context, snap map[string]fsm.Snapshot) {
	for symbol, next := range snap {
		e.mu.Lock()
		prior := e.prior[symbol]
		e.prior[symbol] = next
		e.mu.Unlock()

		e.process(ctx, symbol, prior, next)
	}
}

func (e *Engine) bookFor(symbol string) *symbolBook {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[symbol]
	if !ok {
		b = &symbolBook{}
		e.books[symbol] = b
	}
	return b
}

// process implements spec §4.G's per-tick state machine: entering, while
// in position, and exiting, plus the live-trade gate nested inside the
// "while in position" branch.
func (e *Engine) process(ctx context.Context, symbol string, prior, next fsm.Snapshot) {
	if next.LTP == nil {
		return
	}
	ltp := *next.LTP
	wasIn := prior.State.InPosition()
	isIn := next.State.InPosition()
	now := e.clk.Now()

	book := e.bookFor(symbol)

	switch {
	case !wasIn && isIn:
		e.onEnter(symbol, next, ltp, now, book)
		e.whileInPosition(ctx, symbol, true, ltp, now, book)
	case wasIn && !isIn:
		e.onExit(ctx, symbol, ltp, now, book)
	case isIn:
		e.whileInPosition(ctx, symbol, false, ltp, now, book)
	}

	e.maybeLogMinutePnL(symbol, ltp, now, book)
	e.persistBook(symbol, book)
}

func (e *Engine) onEnter(symbol string, snap fsm.Snapshot, ltp float64, now time.Time, book *symbolBook) {
	lot := e.cat.LotOrDefault(symbol)
	qty := quantity(e.capital, lot, ltp)
	side := "BUY"
	if snap.State == fsm.SellPosition {
		side = "SELL"
	}
	trade := &OpenTrade{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		EntryPrice: ltp,
		Quantity:   qty,
		Lot:        lot,
		OpenedAt:   now,
	}
	book.PaperOpen = trade
	row := TradeRow{
		ID:            trade.ID,
		TimeIST:       now,
		Symbol:        symbol,
		Side:          side,
		EntryPrice:    ltp,
		CurrentPrice:  ltp,
		Quantity:      qty,
		UnrealizedPnL: 0,
		CumulativePnL: book.PaperCumulative,
	}
	book.PaperRows = prependCapped(book.PaperRows, row)

	observ.Log("paper_trade_opened", map[string]any{
		"symbol": symbol, "side": side, "entry_price": ltp, "quantity": qty,
	})
}

// whileInPosition mutates the open paper row's mark-to-market, then runs
// the nested live-trade gate (spec §4.G). entering is true only on the
// !wasIn&&isIn edge, the one live-entry opportunity per position that is
// not gated by the minute's first-second requirement.
func (e *Engine) whileInPosition(ctx context.Context, symbol string, entering bool, ltp float64, now time.Time, book *symbolBook) {
	if book.PaperOpen == nil {
		return
	}
	paperUnrealized := pnl(book.PaperOpen, ltp)
	if len(book.PaperRows) > 0 {
		book.PaperRows[0].CurrentPrice = ltp
		book.PaperRows[0].UnrealizedPnL = paperUnrealized
	}

	if book.LiveOpen != nil {
		e.markLive(symbol, ltp, book)
		liveRaw := pnl(book.LiveOpen, ltp)
		combined := paperUnrealized + book.PaperCumulative
		if combined < 0 {
			e.forceCloseLive(ctx, symbol, ltp, now, book, liveRaw)
		}
		return
	}

	combined := paperUnrealized + book.PaperCumulative
	if combined < 0 {
		return
	}
	if book.BlockedUntil != nil && now.Before(*book.BlockedUntil) {
		return
	}
	if !entering && now.Second() != 0 {
		return
	}
	minute := now.Truncate(time.Minute)
	if book.LastLiveMinute != nil && book.LastLiveMinute.Equal(minute) {
		return
	}
	e.openLive(ctx, symbol, book, ltp, now)
	book.LastLiveMinute = &minute
}

func (e *Engine) openLive(ctx context.Context, symbol string, book *symbolBook, ltp float64, now time.Time) {
	trade := &OpenTrade{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       book.PaperOpen.Side,
		EntryPrice: ltp,
		Quantity:   book.PaperOpen.Quantity,
		Lot:        book.PaperOpen.Lot,
		OpenedAt:   now,
	}
	book.LiveOpen = trade
	row := TradeRow{
		ID:            trade.ID,
		TimeIST:       now,
		Symbol:        symbol,
		Side:          trade.Side,
		EntryPrice:    ltp,
		CurrentPrice:  ltp,
		Quantity:      trade.Quantity,
		UnrealizedPnL: -liveExitCost,
		CumulativePnL: book.LiveCumulative,
	}
	book.LiveRows = prependCapped(book.LiveRows, row)

	exchange := e.cat.ExchangeOf(symbol)
	order := brokersink.NewOrder(symbol, exchange, trade.Side, trade.Quantity)
	if err := e.sink.Emit(ctx, order); err != nil {
		observ.Log("live_order_failed", map[string]any{"symbol": symbol, "error": err.Error()})
	}
	observ.Log("live_trade_opened", map[string]any{
		"symbol": symbol, "side": trade.Side, "entry_price": ltp, "quantity": trade.Quantity,
	})
}

func (e *Engine) markLive(symbol string, ltp float64, book *symbolBook) {
	if book.LiveOpen == nil || len(book.LiveRows) == 0 {
		return
	}
	raw := pnl(book.LiveOpen, ltp)
	book.LiveRows[0].CurrentPrice = ltp
	book.LiveRows[0].UnrealizedPnL = raw - liveExitCost
}

// onExit closes the paper trade unconditionally and force-closes any open
// live trade alongside it (spec §4.G: exiting always forces live closed,
// independent of the combined-P&L trigger).
func (e *Engine) onExit(ctx context.Context, symbol string, ltp float64, now time.Time, book *symbolBook) {
	if book.PaperOpen == nil {
		return
	}
	realized := pnl(book.PaperOpen, ltp)
	book.PaperCumulative += realized
	exitRow := TradeRow{
		ID:            book.PaperOpen.ID + "-exit",
		TimeIST:       now,
		Symbol:        symbol,
		Side:          book.PaperOpen.Side,
		EntryPrice:    book.PaperOpen.EntryPrice,
		CurrentPrice:  ltp,
		Quantity:      book.PaperOpen.Quantity,
		UnrealizedPnL: realized,
		CumulativePnL: book.PaperCumulative,
		Closed:        true,
	}
	book.PaperRows = prependCapped(book.PaperRows, exitRow)
	observ.Log("paper_trade_closed", map[string]any{
		"symbol": symbol, "realized_pnl": realized, "cumulative_pnl": book.PaperCumulative,
	})
	book.PaperOpen = nil

	if book.LiveOpen != nil {
		liveRaw := pnl(book.LiveOpen, ltp)
		e.forceCloseLive(ctx, symbol, ltp, now, book, liveRaw)
	}
}

// forceCloseLive applies the fixed exit cost exactly once, appends the
// live exit row, blocks new live entries until the start of the next
// minute, and fires the closing
// broker order (spec §4.G).
func (e *Engine) forceCloseLive(ctx context.Context, symbol string, ltp float64, now time.Time, book *symbolBook, rawUnrealized float64) {
	if book.LiveOpen == nil {
		return
	}
	trade := book.LiveOpen
	book.LiveCumulative += rawUnrealized
	book.LiveCumulative -= liveExitCost

	exitRow := TradeRow{
		ID:            trade.ID + "-exit",
		TimeIST:       now,
		Symbol:        symbol,
		Side:          trade.Side,
		EntryPrice:    trade.EntryPrice,
		CurrentPrice:  ltp,
		Quantity:      trade.Quantity,
		UnrealizedPnL: 0,
		CumulativePnL: book.LiveCumulative,
		Closed:        true,
	}
	book.LiveRows = prependCapped(book.LiveRows, exitRow)

	exchange := e.cat.ExchangeOf(symbol)
	order := brokersink.NewOrder(symbol, exchange, brokersink.InvertSide(trade.Side), trade.Quantity)
	if err := e.sink.Emit(ctx, order); err != nil {
		observ.Log("live_order_failed", map[string]any{"symbol": symbol, "error": err.Error()})
	}

	next := now.Truncate(time.Minute).Add(time.Minute)
	book.BlockedUntil = &next
	book.LiveOpen = nil

	observ.Log("live_trade_closed", map[string]any{
		"symbol": symbol, "cumulative_pnl": book.LiveCumulative, "blocked_until": next,
	})
}

// maybeLogMinutePnL emits spec §4.G's once-per-minute P&L log line once
// wall-clock second reaches 59, at most once per symbol per minute.
func (e *Engine) maybeLogMinutePnL(symbol string, ltp float64, now time.Time, book *symbolBook) {
	if now.Second() < 59 {
		return
	}
	minute := now.Truncate(time.Minute)
	if book.LoggedMinute != nil && book.LoggedMinute.Equal(minute) {
		return
	}
	book.LoggedMinute = &minute
	if book.PaperOpen == nil {
		return
	}
	observ.Log("paper_minute_pnl", map[string]any{
		"symbol":        symbol,
		"ltp":           ltp,
		"entry_price":   book.PaperOpen.EntryPrice,
		"quantity":      book.PaperOpen.Quantity,
		"lot":           book.PaperOpen.Lot,
		"unrealized":    pnl(book.PaperOpen, ltp),
		"cumulative":    book.PaperCumulative,
	})
}

// ResetCrypto clears every symbol's book whose key begins with "BTC" (spec
// §4.G's reset_crypto_state).
func (e *Engine) ResetCrypto() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for sym := range e.books {
		if strings.HasPrefix(sym, "BTC") {
			delete(e.books, sym)
			delete(e.prior, sym)
		}
	}
}

// ResetCumulative clears a single symbol's paper cumulative P&L. Wired as
// the signaltracker.ResetCumulativeFunc half of the broker-6 control
// message (spec §4.F/§9): the Signal Tracker asks for this rather than
// mutating the book directly.
func (e *Engine) ResetCumulative(symbol string) {
	book := e.bookFor(symbol)
	e.mu.Lock()
	book.PaperCumulative = 0
	e.mu.Unlock()
}

func (e *Engine) persistBook(symbol string, book *symbolBook) {
	e.mu.Lock()
	snapshot := make(map[string]symbolBook, len(e.books))
	for sym, b := range e.books {
		snapshot[sym] = *b
	}
	e.mu.Unlock()
	_ = symbol
	e.persist.SaveDebounced(snapshot)
}

// Flush synchronously persists the current state. Called on shutdown.
func (e *Engine) Flush() error {
	e.mu.Lock()
	snapshot := make(map[string]symbolBook, len(e.books))
	for sym, b := range e.books {
		snapshot[sym] = *b
	}
	e.mu.Unlock()
	return e.persist.Flush(snapshot)
}

// quantity implements spec §4.G's sizing formula, computed once at paper
// entry and inherited unchanged by any live trade opened alongside it.
func quantity(capital float64, lot int, ltp float64) int {
	if lot <= 0 {
		lot = 1
	}
	if ltp <= 0 {
		return 0
	}
	return int(math.Ceil(capital / (float64(lot) * ltp)))
}

// pnl computes a trade's P&L at price px, accounting for the _SHORT-suffix
// sign flip spec §4.G requires for synthetic short symbols.
func pnl(t *OpenTrade, px float64) float64 {
	delta := px - t.EntryPrice
	if t.Side == "SELL" || strings.HasSuffix(t.Symbol, "_SHORT") {
		delta = t.EntryPrice - px
	}
	return delta * float64(t.Quantity) * float64(t.Lot)
}

func prependCapped(rows []TradeRow, row TradeRow) []TradeRow {
	rows = append([]TradeRow{row}, rows...)
	if len(rows) > maxRowsPerSymbol {
		rows = rows[:maxRowsPerSymbol]
	}
	return rows
}
