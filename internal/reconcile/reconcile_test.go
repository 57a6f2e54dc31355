package reconcile

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

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

type fakeBus struct {
	events []string
}

func (b *fakeBus) Publish(topic string, event interface{}) { b.events = append(b.events, topic) }

type fakeShadow struct {
	positions   []core.Position
	closedAllAs core.CloseReason
	closeAllN   int
}

func (f *fakeShadow) GetAllPositions() []core.Position { return f.positions }
func (f *fakeShadow) ClosePosition(symbol string, exitPrice decimal.Decimal, reason core.CloseReason) (*core.TradeRecord, error) {
	return nil, nil
}
func (f *fakeShadow) RestorePosition(pos core.Position) {}
func (f *fakeShadow) CloseAllPositions(priceFn shadow.PriceFunc, reason core.CloseReason) []core.TradeRecord {
	f.closedAllAs = reason
	f.closeAllN = len(f.positions)
	records := make([]core.TradeRecord, len(f.positions))
	f.positions = nil
	return records
}

type fakeBroker struct {
	positions    []core.Position
	err          error
	closeAllCall bool
	closeAllErr  error
}

func (f *fakeBroker) GetPositions(ctx context.Context, symbol string) ([]core.Position, error) {
	return f.positions, f.err
}
func (f *fakeBroker) CloseAllPositions(ctx context.Context) error {
	f.closeAllCall = true
	return f.closeAllErr
}

type fakeAutoExec struct {
	disabled bool
}

func (f *fakeAutoExec) Disable() { f.disabled = true }

type fakeStore struct {
	events []core.SystemEvent
}

func (f *fakeStore) RecordSystemEvent(ev core.SystemEvent) { f.events = append(f.events, ev) }

func fakePriceFn(symbol string) (decimal.Decimal, bool) {
	return decimal.NewFromInt(100), true
}

func TestReconciler_NoMismatchPublishesSyncOK(t *testing.T) {
	pos := core.Position{Symbol: "BTCUSDT", Side: core.SideLong, Size: decimal.NewFromFloat(1.0)}
	sh := &fakeShadow{positions: []core.Position{pos}}
	broker := &fakeBroker{positions: []core.Position{pos}}
	bus := &fakeBus{}

	r := New(DefaultConfig, sh, broker, &fakeAutoExec{}, &fakeStore{}, fakePriceFn, bus, nopLogger{})
	r.RunOnce(context.Background())

	if r.ConsecutiveMismatches() != 0 {
		t.Fatalf("expected 0 mismatches, got %d", r.ConsecutiveMismatches())
	}
	if len(bus.events) != 1 || bus.events[0] != "reconcile:sync_ok" {
		t.Fatalf("expected sync_ok event, got %v", bus.events)
	}
}

func TestReconciler_SizeMismatchIncrementsStreak(t *testing.T) {
	shadowPos := core.Position{Symbol: "BTCUSDT", Side: core.SideLong, Size: decimal.NewFromFloat(1.0)}
	brokerPos := core.Position{Symbol: "BTCUSDT", Side: core.SideLong, Size: decimal.NewFromFloat(1.5)}
	sh := &fakeShadow{positions: []core.Position{shadowPos}}
	broker := &fakeBroker{positions: []core.Position{brokerPos}}
	bus := &fakeBus{}

	r := New(DefaultConfig, sh, broker, &fakeAutoExec{}, &fakeStore{}, fakePriceFn, bus, nopLogger{})
	r.RunOnce(context.Background())

	if r.ConsecutiveMismatches() != 1 {
		t.Fatalf("expected 1 consecutive mismatch, got %d", r.ConsecutiveMismatches())
	}
}

func TestReconciler_EmergencyFlattenAfterMaxConsecutive(t *testing.T) {
	shadowPos := core.Position{Symbol: "BTCUSDT", Side: core.SideLong, Size: decimal.NewFromFloat(1.0)}
	brokerPos := core.Position{Symbol: "BTCUSDT", Side: core.SideShort, Size: decimal.NewFromFloat(1.0)}
	sh := &fakeShadow{positions: []core.Position{shadowPos}}
	broker := &fakeBroker{positions: []core.Position{brokerPos}}
	bus := &fakeBus{}
	autoExec := &fakeAutoExec{}
	store := &fakeStore{}

	cfg := DefaultConfig
	cfg.MaxConsecutiveMismatch = 2
	r := New(cfg, sh, broker, autoExec, store, fakePriceFn, bus, nopLogger{})

	r.RunOnce(context.Background())
	r.RunOnce(context.Background())

	found := false
	for _, e := range bus.events {
		if e == "reconcile:emergency_flatten" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected emergency flatten event after %d consecutive mismatches, got %v", cfg.MaxConsecutiveMismatch, bus.events)
	}
	if !autoExec.disabled {
		t.Fatal("expected auto-execution to be disabled on emergency flatten")
	}
	if sh.closedAllAs != core.CloseReconciliationFlatten {
		t.Fatalf("expected shadow positions closed with RECONCILIATION_FLATTEN, got %q", sh.closedAllAs)
	}
	if sh.closeAllN != 1 {
		t.Fatalf("expected 1 shadow position closed, got %d", sh.closeAllN)
	}
	if !broker.closeAllCall {
		t.Fatal("expected broker CloseAllPositions to be called")
	}
	if len(store.events) != 1 || store.events[0].Severity != core.SeverityCritical {
		t.Fatalf("expected one CRITICAL system event recorded, got %v", store.events)
	}
	if r.ConsecutiveMismatches() != 0 {
		t.Fatalf("expected mismatch streak reset after escalation, got %d", r.ConsecutiveMismatches())
	}
}
