package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixture = `[
	{"tradingview": "RELIANCE", "broker_symbol": "RELIANCE-EQ", "token": 1, "exchange": "NSE", "lot": 1},
	{"tradingview": "TCS", "broker_symbol": "TCS-EQ", "token": 2, "exchange": "NSE"},
	{"tradingview": "BTCUSDT", "broker_symbol": "BTCUSD", "token": 3, "exchange": "", "lot": 1}
]`

func loadFixture(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0644))
	return Load(path)
}

func TestLoadMissingFileYieldsEmptyDegradedCatalog(t *testing.T) {
	c := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, "RELIANCE", c.ResolveSymbol("RELIANCE"), "unresolved symbols pass through unchanged")
	assert.Equal(t, 1, c.LotOrDefault("RELIANCE"))
	assert.Nil(t, c.LotOf("RELIANCE"))
}

func TestLoadMalformedFileYieldsEmptyDegradedCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	c := Load(path)
	assert.Equal(t, 1, c.LotOrDefault("ANY"))
}

func TestResolveSymbolPrefersBrokerSymbolAsCanonical(t *testing.T) {
	c := loadFixture(t)
	assert.Equal(t, "RELIANCE-EQ", c.ResolveSymbol("RELIANCE"))
	assert.Equal(t, "RELIANCE-EQ", c.ResolveSymbol("RELIANCE-EQ"))
	assert.Equal(t, "UNKNOWN", c.ResolveSymbol("UNKNOWN"))
}

func TestLotOfAndLotOrDefault(t *testing.T) {
	c := loadFixture(t)
	lot := c.LotOf("RELIANCE-EQ")
	require.NotNil(t, lot)
	assert.Equal(t, 1, *lot)

	assert.Nil(t, c.LotOf("UNKNOWN"))
	assert.Equal(t, 1, c.LotOrDefault("UNKNOWN"))

	// TCS has no lot field in the fixture: falls back to defaultLot.
	assert.Equal(t, 1, c.LotOrDefault("TCS-EQ"))
}

func TestExchangeOfAndTokenOf(t *testing.T) {
	c := loadFixture(t)
	assert.Equal(t, "NSE", c.ExchangeOf("RELIANCE-EQ"))
	assert.Equal(t, "", c.ExchangeOf("UNKNOWN"))

	sym, ok := c.TokenOf(2)
	require.True(t, ok)
	assert.Equal(t, "TCS-EQ", sym)

	_, ok = c.TokenOf(999)
	assert.False(t, ok)
}

func TestBrokerTopNExcludesCrypto(t *testing.T) {
	c := loadFixture(t)
	top := c.BrokerTopN(10)
	assert.ElementsMatch(t, []string{"RELIANCE-EQ", "TCS-EQ"}, top)
}

func TestBrokerTopNRespectsLimit(t *testing.T) {
	c := loadFixture(t)
	top := c.BrokerTopN(1)
	assert.Len(t, top, 1)
	assert.Equal(t, "RELIANCE-EQ", top[0])
}

func TestCryptoAllowSetFromCatalog(t *testing.T) {
	c := loadFixture(t)
	allow := c.CryptoAllowSet()
	assert.Contains(t, allow, "BTCUSDT")
	assert.Contains(t, allow, "BTCUSD")
	assert.NotContains(t, allow, "RELIANCE")
}

func TestCryptoAllowSetDefaultsWhenCatalogHasNoCryptoRows(t *testing.T) {
	c := Load(filepath.Join(t.TempDir(), "missing.json"))
	allow := c.CryptoAllowSet()
	assert.Equal(t, map[string]struct{}{"BTCUSDT": {}}, allow)
}

func TestNormalizeCryptoRaw(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeCryptoRaw(" btcusdt "))
	assert.Equal(t, "BTCUSDT", NormalizeCryptoRaw("BTCUSDT"))
}
