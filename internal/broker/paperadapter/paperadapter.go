// Package paperadapter is a core.BrokerAdapter that fills orders against a
// live order book snapshot instead of a fixed price, for local dry runs
// that want realistic fill prices without touching a real venue. Position
// bookkeeping mirrors internal/broker/mockadapter; only price discovery
// differs.
package paperadapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"titan/internal/core"
	"titan/pkg/apperrors"
)

// BookSource resolves the current order book for a symbol, the same narrow
// read surface the L2 Validator consumes.
type BookSource interface {
	Snapshot(symbol string) (core.OrderBookSnapshot, bool)
}

// Adapter is a concurrency-safe fake broker that fills at the book's
// best bid/ask for MARKET orders and at the requested price for LIMIT
// orders, rejecting anything the book can't support.
type Adapter struct {
	mu        sync.Mutex
	books     BookSource
	positions map[string]core.Position
	account   core.Account
}

// New creates a paper adapter backed by books for price discovery.
func New(books BookSource, startingBalance decimal.Decimal) *Adapter {
	return &Adapter{
		books:     books,
		positions: make(map[string]core.Position),
		account: core.Account{
			TotalWalletBalance: startingBalance,
			AvailableBalance:   startingBalance,
			AccountLeverage:    1,
		},
	}
}

func (a *Adapter) Name() string { return "paper" }

func (a *Adapter) SendOrder(ctx context.Context, clientOrderID string, params core.OrderParams) (*core.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fillPrice, err := a.resolveFillPrice(params)
	if err != nil {
		return nil, err
	}

	if !params.ReduceOnly {
		if fillPrice.Mul(params.Size).GreaterThan(a.account.AvailableBalance) {
			return nil, apperrors.ErrInsufficientFunds
		}

		side := core.SideLong
		if params.Side == core.OrderSell {
			side = core.SideShort
		}
		pos := a.positions[params.Symbol]
		pos.Symbol = params.Symbol
		pos.Side = side
		pos.Size = pos.Size.Add(params.Size)
		pos.EntryPrice = fillPrice
		a.positions[params.Symbol] = pos
	}

	return &core.OrderResult{
		Success:       true,
		BrokerOrderID: "paper-" + clientOrderID,
		ClientOrderID: clientOrderID,
		Status:        core.OrderStatusFilled,
		Filled:        true,
		FillPrice:     fillPrice,
		FilledSize:    params.Size,
	}, nil
}

// resolveFillPrice takes the opposite side's best level for a MARKET order
// (buying lifts the ask, selling hits the bid) and the caller's own price
// for a LIMIT order; a missing or empty book is a rejection, not a silent
// fallback price.
func (a *Adapter) resolveFillPrice(params core.OrderParams) (decimal.Decimal, error) {
	if params.Type == core.OrderLimit {
		if params.LimitPrice.IsZero() {
			return decimal.Zero, fmt.Errorf("paperadapter: limit order missing limit_price")
		}
		return params.LimitPrice, nil
	}

	book, ok := a.books.Snapshot(params.Symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("paperadapter: no book for %s, cannot fill market order", params.Symbol)
	}

	if params.Side == core.OrderBuy {
		if len(book.Asks) == 0 {
			return decimal.Zero, fmt.Errorf("paperadapter: empty ask book for %s", params.Symbol)
		}
		return book.Asks[0].Price, nil
	}
	if len(book.Bids) == 0 {
		return decimal.Zero, fmt.Errorf("paperadapter: empty bid book for %s", params.Symbol)
	}
	return book.Bids[0].Price, nil
}

func (a *Adapter) GetPositions(ctx context.Context, symbol string) ([]core.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if symbol != "" {
		if p, ok := a.positions[symbol]; ok {
			return []core.Position{p}, nil
		}
		return nil, nil
	}
	out := make([]core.Position, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, p)
	}
	return out, nil
}

func (a *Adapter) GetAccount(ctx context.Context) (*core.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc := a.account
	return &acc, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	return nil
}

func (a *Adapter) ClosePosition(ctx context.Context, symbol string) (*core.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.positions, symbol)
	return &core.OrderResult{Success: true, Status: core.OrderStatusFilled, Filled: true}, nil
}

func (a *Adapter) CloseAllPositions(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.positions = make(map[string]core.Position)
	return nil
}

func (a *Adapter) SetStopLoss(ctx context.Context, symbol string, price float64) error   { return nil }
func (a *Adapter) SetTakeProfit(ctx context.Context, symbol string, price float64) error { return nil }
func (a *Adapter) TestConnection(ctx context.Context) error                             { return nil }
func (a *Adapter) HealthCheck(ctx context.Context) error                                { return nil }

var _ core.BrokerAdapter = (*Adapter)(nil)
