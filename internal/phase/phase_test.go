package phase

import (
	"testing"

	"github.com/shopspring/decimal"

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

type fakeBus struct{ events []string }

func (b *fakeBus) Publish(topic string, event interface{}) { b.events = append(b.events, topic) }

func TestManager_StartsKickstarter(t *testing.T) {
	m := New(DefaultConfig, &fakeBus{}, nopLogger{})
	if m.Current().Phase != PhaseKickstarter {
		t.Fatalf("expected KICKSTARTER default, got %s", m.Current().Label)
	}
}

func TestManager_TransitionsOnEquityCrossing(t *testing.T) {
	bus := &fakeBus{}
	m := New(DefaultConfig, bus, nopLogger{})
	m.UpdateEquity(decimal.NewFromInt(1500))
	if m.Current().Phase != PhaseTrendRider {
		t.Fatalf("expected TREND_RIDER above threshold, got %s", m.Current().Label)
	}
	if len(bus.events) != 1 || bus.events[0] != "phase:transition" {
		t.Fatalf("expected one phase:transition event, got %v", bus.events)
	}

	m.UpdateEquity(decimal.NewFromInt(500))
	if m.Current().Phase != PhaseKickstarter {
		t.Fatal("expected demotion back to KICKSTARTER below threshold")
	}
}

func TestManager_NoDuplicateTransitionEvents(t *testing.T) {
	bus := &fakeBus{}
	m := New(DefaultConfig, bus, nopLogger{})
	m.UpdateEquity(decimal.NewFromInt(500))
	m.UpdateEquity(decimal.NewFromInt(400))
	if len(bus.events) != 0 {
		t.Fatalf("expected no transition events while staying in the same phase, got %v", bus.events)
	}
}

func TestManager_ValidateSignal(t *testing.T) {
	m := New(DefaultConfig, &fakeBus{}, nopLogger{})
	if m.ValidateSignal("day_swing") {
		t.Fatal("KICKSTARTER should reject day_swing signals")
	}
	if !m.ValidateSignal("scalp") {
		t.Fatal("KICKSTARTER should allow scalp signals")
	}
	m.UpdateEquity(decimal.NewFromInt(2000))
	if !m.ValidateSignal("day_swing") {
		t.Fatal("TREND_RIDER should allow day_swing signals")
	}
}

func TestManager_LastKnownEquityFallback(t *testing.T) {
	m := New(DefaultConfig, &fakeBus{}, nopLogger{})
	if _, ok := m.LastKnownEquity(); ok {
		t.Fatal("expected no known equity before first update")
	}
	m.UpdateEquity(decimal.NewFromInt(750))
	eq, ok := m.LastKnownEquity()
	if !ok || !eq.Equal(decimal.NewFromInt(750)) {
		t.Fatalf("expected last known equity 750, got %s ok=%v", eq, ok)
	}
}
