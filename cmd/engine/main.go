// Command engine wires every component of spec.md §2 together: the
// instrument catalog, the broker and crypto FSM runners, the Shared FSM
// Snapshot, the five per-mode signal trackers, the trade engine, the
// broker sink, and the webhook/metrics/healthz HTTP surface. Grounded on
// the teacher's cmd/decision/main.go flag-parsing + component-wiring +
// graceful-shutdown shape.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rajchodisetti/signal-engine/internal/brokerfeed"
	"github.com/rajchodisetti/signal-engine/internal/brokersink"
	"github.com/rajchodisetti/signal-engine/internal/catalog"
	"github.com/rajchodisetti/signal-engine/internal/clock"
	"github.com/rajchodisetti/signal-engine/internal/config"
	"github.com/rajchodisetti/signal-engine/internal/exchangefeed"
	"github.com/rajchodisetti/signal-engine/internal/fsm"
	"github.com/rajchodisetti/signal-engine/internal/fsmsnap"
	"github.com/rajchodisetti/signal-engine/internal/observ"
	"github.com/rajchodisetti/signal-engine/internal/signaltracker"
	"github.com/rajchodisetti/signal-engine/internal/tradeengine"
	"github.com/rajchodisetti/signal-engine/internal/webhookintake"
)

const syntheticLong = "BTCUSDT_LONG"
const syntheticShort = "BTCUSDT_SHORT"
const syntheticCombined = "BTCUSDT"

func main() {
	var cfgPath string
	var catalogPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&catalogPath, "catalog", "", "instrument catalog path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if catalogPath != "" {
		cfg.Catalog.Path = catalogPath
	}

	cat := catalog.Load(cfg.Catalog.Path)
	observ.Log("startup", map[string]any{
		"catalog_path": cfg.Catalog.Path,
		"capital":      cfg.Capital,
	})

	clk := clock.Real{}
	ctx, cancel := context.WithCancel(context.Background())

	snap := fsmsnap.New(clk, cfg.Persist.FSMSnapshot.Path, cfg.Persist.FSMSnapshot.Debounce())

	brokerRunner := fsm.NewBrokerRunner(clk, snap, cat)
	longRunner := fsm.NewCryptoRunner(fsm.CryptoLong, syntheticLong, clk, snap)
	shortRunner := fsm.NewCryptoRunner(fsm.CryptoShort, syntheticShort, clk, snap)
	combinedRunner := fsm.NewCryptoRunner(fsm.CryptoCombined, syntheticCombined, clk, snap)
	runners := []*fsm.Runner{brokerRunner, longRunner, shortRunner, combinedRunner}

	trackers := map[signaltracker.Mode]*signaltracker.Tracker{
		signaltracker.ModeNone:        signaltracker.New(signaltracker.ModeNone, clk, cat, snap, cfg.Persist.SignalNone.Path, cfg.Persist.SignalNone.Debounce()),
		signaltracker.ModeCrypto:      signaltracker.New(signaltracker.ModeCrypto, clk, cat, snap, cfg.Persist.SignalCrypto.Path, cfg.Persist.SignalCrypto.Debounce()),
		signaltracker.ModeCryptoLong:  signaltracker.New(signaltracker.ModeCryptoLong, clk, cat, snap, cfg.Persist.SignalCryptoLong.Path, cfg.Persist.SignalCryptoLong.Debounce()),
		signaltracker.ModeCryptoShort: signaltracker.New(signaltracker.ModeCryptoShort, clk, cat, snap, cfg.Persist.SignalCryptoShort.Path, cfg.Persist.SignalCryptoShort.Debounce()),
	}
	broker6 := signaltracker.New(signaltracker.ModeBroker6, clk, cat, snap, cfg.Persist.SignalBroker6.Path, cfg.Persist.SignalBroker6.Debounce())

	sink := brokersink.New(cfg.Broker.OrderURL, cfg.Broker.OrderRatePerS)
	engine := tradeengine.New(clk, cat, sink, cfg.Capital, cfg.Persist.Trade.Path, cfg.Persist.Trade.Debounce())

	broker6.WithRearm(brokerRunner.ApplyRearm, engine.ResetCumulative)

	handlers := webhookintake.AdminHandlers{
		ClearSignals: func(mode string) {
			if mode == string(signaltracker.ModeBroker6) {
				broker6.ClearAll()
				return
			}
			if t, ok := trackers[signaltracker.Mode(mode)]; ok {
				t.ClearAll()
			}
		},
		ResetCrypto: func() {
			for _, r := range runners {
				r.ResetCrypto()
			}
			for _, t := range trackers {
				t.ResetCrypto()
			}
			broker6.ResetCrypto()
			engine.ResetCrypto()
			snap.Clear([]string{syntheticLong, syntheticShort, syntheticCombined})
		},
	}
	intake := webhookintake.New(clk, cfg.Webhook.RelayURL, handlers)

	var wg sync.WaitGroup

	// Trade engine consumes the Shared FSM Snapshot's broadcast stream.
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx, snap.Subscribe())
	}()

	// Each webhook fans out to every runner it's addressed to plus every
	// tracker (spec §5: "all five signal-mode reducers are updated before
	// any downstream consumer observes any of them").
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-intake.Webhooks():
				if !ok {
					return
				}
				for _, r := range runners {
					r.HandleWebhook(ev)
				}
				broker6.OnWebhook(ev)
				for _, t := range trackers {
					t.OnWebhook(ev)
				}
			}
		}
	}()

	if cfg.Broker.FeedURL != "" {
		feed := brokerfeed.Dial(ctx, cfg.Broker.FeedURL)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case tick, ok := <-feed.Ticks():
					if !ok {
						return
					}
					brokerRunner.HandleTick(tick)
				}
			}
		}()
	}

	if cfg.Exchange.FeedURL != "" {
		feed := exchangefeed.Dial(ctx, cfg.Exchange.FeedURL)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case price, ok := <-feed.Prices():
					if !ok {
						return
					}
					longRunner.HandlePrice(price)
					shortRunner.HandlePrice(price)
					combinedRunner.HandlePrice(price)
				}
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/", intake.Handler())
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.Health())
	adminSrv := &http.Server{Addr: cfg.Admin.ListenAddr, Handler: mux}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observ.Log("admin_server_failed", map[string]any{"error": err.Error()})
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	observ.Log("shutdown_started", nil)
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = adminSrv.Shutdown(shutdownCtx)
	shutdownCancel()
	_ = intake.Close()
	wg.Wait()

	flushAll(snap, engine, broker6, trackers)
	observ.Log("shutdown_complete", nil)
}

func flushAll(snap *fsmsnap.Store, engine *tradeengine.Engine, broker6 *signaltracker.Tracker, trackers map[signaltracker.Mode]*signaltracker.Tracker) {
	if err := snap.Flush(); err != nil {
		observ.Log("persistence_flush_failed", map[string]any{"store": "fsm", "error": err.Error()})
	}
	if err := engine.Flush(); err != nil {
		observ.Log("persistence_flush_failed", map[string]any{"store": "trade", "error": err.Error()})
	}
	if err := broker6.Flush(); err != nil {
		observ.Log("persistence_flush_failed", map[string]any{"store": "signal-broker6", "error": err.Error()})
	}
	for mode, t := range trackers {
		if err := t.Flush(); err != nil {
			observ.Log("persistence_flush_failed", map[string]any{"store": "signal-" + string(mode), "error": err.Error()})
		}
	}
}
