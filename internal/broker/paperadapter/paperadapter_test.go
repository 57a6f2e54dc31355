package paperadapter

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"titan/internal/core"
	"titan/pkg/apperrors"
)

type fakeBooks struct {
	book core.OrderBookSnapshot
	ok   bool
}

func (f *fakeBooks) Snapshot(symbol string) (core.OrderBookSnapshot, bool) {
	return f.book, f.ok
}

func bookWithLevels(bid, ask decimal.Decimal) core.OrderBookSnapshot {
	return core.OrderBookSnapshot{
		Bids: []core.OrderBookLevel{{Price: bid, Qty: decimal.NewFromInt(1)}},
		Asks: []core.OrderBookLevel{{Price: ask, Qty: decimal.NewFromInt(1)}},
	}
}

func TestAdapter_MarketBuyLiftsBestAsk(t *testing.T) {
	books := &fakeBooks{book: bookWithLevels(decimal.NewFromInt(99), decimal.NewFromInt(101)), ok: true}
	a := New(books, decimal.NewFromInt(10000))

	res, err := a.SendOrder(context.Background(), "c1", core.OrderParams{
		Symbol: "BTCUSDT",
		Side:   core.OrderBuy,
		Type:   core.OrderMarket,
		Size:   decimal.NewFromFloat(0.1),
	})

	require.NoError(t, err)
	assert.True(t, res.Filled)
	assert.True(t, res.FillPrice.Equal(decimal.NewFromInt(101)))
}

func TestAdapter_MarketSellHitsBestBid(t *testing.T) {
	books := &fakeBooks{book: bookWithLevels(decimal.NewFromInt(99), decimal.NewFromInt(101)), ok: true}
	a := New(books, decimal.NewFromInt(10000))

	res, err := a.SendOrder(context.Background(), "c1", core.OrderParams{
		Symbol:     "BTCUSDT",
		Side:       core.OrderSell,
		Type:       core.OrderMarket,
		Size:       decimal.NewFromFloat(0.1),
		ReduceOnly: true,
	})

	require.NoError(t, err)
	assert.True(t, res.FillPrice.Equal(decimal.NewFromInt(99)))
}

func TestAdapter_LimitOrderUsesCallerPrice(t *testing.T) {
	books := &fakeBooks{book: bookWithLevels(decimal.NewFromInt(99), decimal.NewFromInt(101)), ok: true}
	a := New(books, decimal.NewFromInt(10000))

	res, err := a.SendOrder(context.Background(), "c1", core.OrderParams{
		Symbol:     "BTCUSDT",
		Side:       core.OrderBuy,
		Type:       core.OrderLimit,
		Size:       decimal.NewFromFloat(0.1),
		LimitPrice: decimal.NewFromInt(95),
	})

	require.NoError(t, err)
	assert.True(t, res.FillPrice.Equal(decimal.NewFromInt(95)))
}

func TestAdapter_MissingBookRejectsMarketOrder(t *testing.T) {
	books := &fakeBooks{ok: false}
	a := New(books, decimal.NewFromInt(10000))

	_, err := a.SendOrder(context.Background(), "c1", core.OrderParams{
		Symbol: "BTCUSDT",
		Side:   core.OrderBuy,
		Type:   core.OrderMarket,
		Size:   decimal.NewFromFloat(0.1),
	})

	assert.Error(t, err)
}

func TestAdapter_EmptyBookSideRejectsMarketOrder(t *testing.T) {
	books := &fakeBooks{book: core.OrderBookSnapshot{Asks: nil, Bids: []core.OrderBookLevel{{Price: decimal.NewFromInt(99), Qty: decimal.NewFromInt(1)}}}, ok: true}
	a := New(books, decimal.NewFromInt(10000))

	_, err := a.SendOrder(context.Background(), "c1", core.OrderParams{
		Symbol: "BTCUSDT",
		Side:   core.OrderBuy,
		Type:   core.OrderMarket,
		Size:   decimal.NewFromFloat(0.1),
	})

	assert.Error(t, err)
}

func TestAdapter_InsufficientFundsRejected(t *testing.T) {
	books := &fakeBooks{book: bookWithLevels(decimal.NewFromInt(99), decimal.NewFromInt(101)), ok: true}
	a := New(books, decimal.NewFromInt(10))

	_, err := a.SendOrder(context.Background(), "c1", core.OrderParams{
		Symbol: "BTCUSDT",
		Side:   core.OrderBuy,
		Type:   core.OrderMarket,
		Size:   decimal.NewFromFloat(1),
	})

	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}
