package panicctl

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"titan/internal/core"
	"titan/internal/shadow"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (n nopLogger) WithField(string, interface{}) core.ILogger     { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

type fakeBus struct{ events []string }

func (f *fakeBus) Publish(topic string, event interface{}) { f.events = append(f.events, topic) }

type fakeBroker struct {
	closeAllErr error
	closeAllN   int
}

func (f *fakeBroker) CloseAllPositions(ctx context.Context) error {
	f.closeAllN++
	return f.closeAllErr
}

type fakeChases struct{ n int }

func (f *fakeChases) CancelAllChases() int { return f.n }

type fakeOrders struct{ n int }

func (f *fakeOrders) CancelAllOutstandingOrders(ctx context.Context) int { return f.n }

type fakeAutoExec struct{ disabled bool }

func (f *fakeAutoExec) Disable() { f.disabled = true }

type fakeStore struct{ events []core.SystemEvent }

func (f *fakeStore) RecordSystemEvent(ev core.SystemEvent) { f.events = append(f.events, ev) }

func newShadowWithPosition(t *testing.T) *shadow.State {
	t.Helper()
	s := shadow.New(&fakeBus{}, nopLogger{})
	_, err := s.ProcessIntent(shadow.IntentPayload{
		SignalID: "sig-1", Symbol: "BTCUSDT", Direction: core.DirectionLong,
		StopLoss: decimal.NewFromInt(90), Size: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	s.ValidateIntent("sig-1")
	_, err = s.ConfirmExecution("sig-1", shadow.BrokerResponse{Filled: true, FillPrice: decimal.NewFromInt(100), FilledSize: decimal.NewFromInt(1)})
	require.NoError(t, err)
	return s
}

func TestController_FlattenAll_ClosesPositionsEvenIfBrokerFails(t *testing.T) {
	s := newShadowWithPosition(t)
	broker := &fakeBroker{closeAllErr: assertError{}}
	autoExec := &fakeAutoExec{}
	store := &fakeStore{}
	bus := &fakeBus{}
	priceFn := func(symbol string) (decimal.Decimal, bool) { return decimal.NewFromInt(105), true }

	c := New(s, broker, nil, nil, autoExec, store, bus, priceFn, nopLogger{})
	result := c.FlattenAll(context.Background(), "operator-1")

	assert.Equal(t, 1, result.PositionsAffected)
	assert.Equal(t, 0, result.OrdersCancelled)
	assert.NotEmpty(t, result.BrokerCloseError)
	assert.True(t, autoExec.disabled)
	assert.Empty(t, s.GetAllPositions())
	assert.Contains(t, bus.events, "panic:flatten_all")
	require.Len(t, store.events, 1)
	assert.Equal(t, core.SeverityCritical, store.events[0].Severity)
}

func TestController_CancelAll_NeverTouchesPositions(t *testing.T) {
	s := newShadowWithPosition(t)
	chases := &fakeChases{n: 2}
	orders := &fakeOrders{n: 3}
	store := &fakeStore{}
	bus := &fakeBus{}

	c := New(s, nil, chases, orders, nil, store, bus, nil, nopLogger{})
	result := c.CancelAll(context.Background(), "operator-2")

	assert.Equal(t, 5, result.OrdersCancelled)
	assert.Len(t, s.GetAllPositions(), 1)
	assert.Contains(t, bus.events, "panic:cancel_all")
}

type assertError struct{}

func (assertError) Error() string { return "broker unreachable" }
