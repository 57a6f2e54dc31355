// Package mockadapter is an in-memory core.BrokerAdapter used by tests and
// the "mock" broker mode: every order fills immediately at the requested
// price with no network I/O.
package mockadapter

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"titan/internal/core"
	"titan/pkg/apperrors"
)

// Adapter is a deterministic, concurrency-safe fake broker.
type Adapter struct {
	mu        sync.Mutex
	positions map[string]core.Position
	account   core.Account
	sendCalls map[string]int // clientOrderID -> call count, for idempotency assertions
	failNext  error
}

// New creates a mock adapter with a default funded account.
func New() *Adapter {
	return &Adapter{
		positions: make(map[string]core.Position),
		account: core.Account{
			TotalWalletBalance: decimal.NewFromInt(10000),
			AvailableBalance:   decimal.NewFromInt(10000),
			AccountLeverage:    1,
		},
		sendCalls: make(map[string]int),
	}
}

// FailNextOrder makes the next SendOrder call return err.
func (a *Adapter) FailNextOrder(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext = err
}

// CallCount returns how many times SendOrder was actually invoked for a
// given client order id, for at-most-once assertions in tests.
func (a *Adapter) CallCount(clientOrderID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sendCalls[clientOrderID]
}

func (a *Adapter) Name() string { return "mock" }

func (a *Adapter) SendOrder(ctx context.Context, clientOrderID string, params core.OrderParams) (*core.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sendCalls[clientOrderID]++

	if a.failNext != nil {
		err := a.failNext
		a.failNext = nil
		return nil, err
	}

	fillPrice := params.LimitPrice
	if fillPrice.IsZero() {
		fillPrice = decimal.NewFromInt(1) // MARKET orders without a reference price in tests
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
		BrokerOrderID: "mock-" + clientOrderID,
		ClientOrderID: clientOrderID,
		Status:        core.OrderStatusFilled,
		Filled:        true,
		FillPrice:     fillPrice,
		FilledSize:    params.Size,
	}, nil
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
