package marketdata

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"titan/internal/core"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (n nopLogger) WithField(string, interface{}) core.ILogger     { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

func TestCache_MissBeforeUpdate(t *testing.T) {
	c := New(nopLogger{})

	_, ok := c.Snapshot("BTCUSDT")
	assert.False(t, ok)
	_, ok = c.Current("BTCUSDT")
	assert.False(t, ok)
	_, ok = c.Price("BTCUSDT")
	assert.False(t, ok)
}

func TestCache_UpdateAndReadBack(t *testing.T) {
	c := New(nopLogger{})

	c.UpdateBook(core.OrderBookSnapshot{
		Symbol: "BTCUSDT",
		Bids:   []core.OrderBookLevel{{Price: decimal.NewFromInt(50000), Qty: decimal.NewFromInt(1)}},
		Asks:   []core.OrderBookLevel{{Price: decimal.NewFromInt(50010), Qty: decimal.NewFromInt(1)}},
	})
	book, ok := c.Snapshot("BTCUSDT")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(50000).Equal(book.Bids[0].Price))
	assert.False(t, book.LastUpdateTS.IsZero(), "UpdateBook must stamp a zero-value timestamp")

	c.UpdateRegime(core.RegimeVector{Symbol: "BTCUSDT", MarketStructureScore: 72, MomentumScore: 55})
	rv, ok := c.Current("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 72.0, rv.MarketStructureScore)

	c.UpdatePrice("BTCUSDT", decimal.NewFromInt(50005))
	price, ok := c.Price("BTCUSDT")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(50005).Equal(price))
}

func TestCache_UpdateOverwritesPriorValue(t *testing.T) {
	c := New(nopLogger{})
	c.UpdatePrice("ETHUSDT", decimal.NewFromInt(3000))
	c.UpdatePrice("ETHUSDT", decimal.NewFromInt(3100))

	price, ok := c.Price("ETHUSDT")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(3100).Equal(price))
}

func TestHandler_BookTick(t *testing.T) {
	c := New(nopLogger{})
	h := c.Handler()

	h([]byte(`{"channel":"book","symbol":"BTCUSDT","bids":[["50000","1.5"]],"asks":[["50010","2"]]}`))

	book, ok := c.Snapshot("BTCUSDT")
	require.True(t, ok)
	require.Len(t, book.Bids, 1)
	assert.True(t, decimal.NewFromInt(50000).Equal(book.Bids[0].Price))
	assert.True(t, decimal.RequireFromString("1.5").Equal(book.Bids[0].Qty))
}

func TestHandler_RegimeTick(t *testing.T) {
	c := New(nopLogger{})
	h := c.Handler()

	h([]byte(`{"channel":"regime","symbol":"BTCUSDT","market_structure_score":80,"momentum_score":95,"model_recommendation":"TREND_FOLLOW"}`))

	rv, ok := c.Current("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 80.0, rv.MarketStructureScore)
	assert.Equal(t, core.RecommendTrendFollow, rv.ModelRecommendation)
}

func TestHandler_PriceTick(t *testing.T) {
	c := New(nopLogger{})
	h := c.Handler()

	h([]byte(`{"channel":"price","symbol":"BTCUSDT","mark_price":"50123.45"}`))

	price, ok := c.Price("BTCUSDT")
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("50123.45").Equal(price))
}

func TestHandler_MalformedMessageDropped(t *testing.T) {
	c := New(nopLogger{})
	h := c.Handler()

	assert.NotPanics(t, func() { h([]byte(`not json`)) })
	_, ok := c.Snapshot("BTCUSDT")
	assert.False(t, ok)
}

func TestHandler_MissingSymbolIgnored(t *testing.T) {
	c := New(nopLogger{})
	h := c.Handler()

	h([]byte(`{"channel":"book","bids":[["1","1"]]}`))
	_, ok := c.Snapshot("")
	assert.False(t, ok)
}

func TestHandler_UnknownChannelIgnored(t *testing.T) {
	c := New(nopLogger{})
	h := c.Handler()

	assert.NotPanics(t, func() {
		h([]byte(`{"channel":"trades","symbol":"BTCUSDT"}`))
	})
}
