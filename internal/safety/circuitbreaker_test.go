package safety

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

func TestCircuitBreaker_TripsOnConsecutiveLosses(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig
	cfg.MaxConsecutiveLosses = 3
	cfg.MaxDailyLossPct = decimal.Zero
	cfg.MaxDrawdownPct = decimal.Zero
	cb := NewCircuitBreaker(cfg, nopLogger{})

	equity := decimal.NewFromInt(1000)
	cb.RecordTrade(decimal.NewFromInt(-10), equity)
	cb.RecordTrade(decimal.NewFromInt(-10), equity)
	if cb.IsTripped() {
		t.Fatal("should not trip before threshold")
	}
	cb.RecordTrade(decimal.NewFromInt(-10), equity)
	if !cb.IsTripped() {
		t.Fatal("expected trip after 3 consecutive losses")
	}
	if cb.BlockReason() != "circuit_breaker_consecutive_losses" {
		t.Fatalf("unexpected reason: %s", cb.BlockReason())
	}
}

func TestCircuitBreaker_WinResetsStreak(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig
	cfg.MaxConsecutiveLosses = 2
	cfg.MaxDailyLossPct = decimal.Zero
	cfg.MaxDrawdownPct = decimal.Zero
	cb := NewCircuitBreaker(cfg, nopLogger{})

	equity := decimal.NewFromInt(1000)
	cb.RecordTrade(decimal.NewFromInt(-10), equity)
	cb.RecordTrade(decimal.NewFromInt(5), equity)
	cb.RecordTrade(decimal.NewFromInt(-10), equity)
	if cb.IsTripped() {
		t.Fatal("a win between losses should reset the streak")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig
	cfg.MaxConsecutiveLosses = 1
	cfg.MaxDailyLossPct = decimal.Zero
	cfg.MaxDrawdownPct = decimal.Zero
	cb := NewCircuitBreaker(cfg, nopLogger{})
	cb.RecordTrade(decimal.NewFromInt(-1), decimal.NewFromInt(1000))
	if !cb.IsTripped() {
		t.Fatal("expected trip")
	}
	cb.Reset()
	if cb.IsTripped() {
		t.Fatal("expected reset to clear trip")
	}
}
