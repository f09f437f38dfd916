package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Persistence names one of the engine's JSON document stores: a path and
// the debounce interval its writer coalesces bursts under (spec §4.C/§9).
type Persistence struct {
	Path         string `yaml:"path"`
	DebounceMs   int    `yaml:"debounce_ms"`
}

func (p Persistence) Debounce() time.Duration {
	return time.Duration(p.DebounceMs) * time.Millisecond
}

// Catalog points at the static instrument metadata document (spec §6).
type Catalog struct {
	Path string `yaml:"path"`
}

// Webhook configures the inbound TradingView alert surface and its relay
// re-emit (spec §4.B/§6). ListenAddr is defaulted but not read by
// cmd/engine, which serves the webhook route on Admin.ListenAddr.
type Webhook struct {
	ListenAddr string `yaml:"listen_addr"`
	RelayURL   string `yaml:"relay_url"`
}

// Broker configures the broker tick feed and outbound order posting (spec
// §4.B/§4.I).
type Broker struct {
	FeedURL        string  `yaml:"feed_url"`
	OrderURL       string  `yaml:"order_url"`
	OrderRatePerS  float64 `yaml:"order_rate_per_second"`
}

// Exchange configures the crypto reference-price feed (spec §4.B).
type Exchange struct {
	FeedURL string `yaml:"feed_url"`
}

// Admin configures the HTTP surface that serves metrics, healthz, the admin
// endpoints and the webhook route (spec §6 EXPANSION).
type Admin struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Persist groups every component's persisted-document configuration.
type Persist struct {
	FSMSnapshot  Persistence `yaml:"fsm_snapshot"`
	SignalNone   Persistence `yaml:"signal_none"`
	SignalBroker6 Persistence `yaml:"signal_broker6"`
	SignalCrypto Persistence `yaml:"signal_crypto"`
	SignalCryptoLong Persistence `yaml:"signal_crypto_long"`
	SignalCryptoShort Persistence `yaml:"signal_crypto_short"`
	Trade        Persistence `yaml:"trade"`
}

// Root is the engine's top-level configuration document.
type Root struct {
	Capital  float64  `yaml:"capital"`
	Catalog  Catalog  `yaml:"catalog"`
	Webhook  Webhook  `yaml:"webhook"`
	Broker   Broker   `yaml:"broker"`
	Exchange Exchange `yaml:"exchange"`
	Admin    Admin    `yaml:"admin"`
	Persist  Persist  `yaml:"persist"`
}

// Load reads and parses the YAML configuration at path, defaulting any
// zero-valued field the way the engine's predecessor configuration did
// (spec is silent on most of these; values below are the engine's own
// operational defaults, not spec-mandated).
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	if c.Capital == 0 {
		c.Capital = 100000 // spec §4.G default starting capital
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = "data/catalog.json"
	}

	if c.Webhook.ListenAddr == "" {
		c.Webhook.ListenAddr = ":8090"
	}

	if c.Broker.OrderURL == "" {
		c.Broker.OrderURL = "http://localhost:9000/orders"
	}
	if c.Broker.OrderRatePerS == 0 {
		c.Broker.OrderRatePerS = 5
	}

	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = ":8099"
	}

	defaultPersist(&c.Persist.FSMSnapshot, "data/fsm_snapshot.json", 1000)
	defaultPersist(&c.Persist.SignalNone, "data/signals_none.json", 1000)
	defaultPersist(&c.Persist.SignalBroker6, "data/signals_broker6.json", 1000)
	defaultPersist(&c.Persist.SignalCrypto, "data/signals_crypto.json", 1000)
	defaultPersist(&c.Persist.SignalCryptoLong, "data/signals_crypto_long.json", 1000)
	defaultPersist(&c.Persist.SignalCryptoShort, "data/signals_crypto_short.json", 1000)
	defaultPersist(&c.Persist.Trade, "data/trades.json", 1000)

	return c, nil
}

func defaultPersist(p *Persistence, path string, debounceMs int) {
	if p.Path == "" {
		p.Path = path
	}
	if p.DebounceMs == 0 {
		p.DebounceMs = debounceMs
	}
}
