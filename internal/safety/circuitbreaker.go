// Package safety implements the pre-order veto chain: Circuit Breaker,
// Liquidation Detector, Adaptive Rate Limiter, Derivatives Regime. Grounded
// on the teacher's internal/risk circuit-breaker bookkeeping, rewired onto
// sony/gobreaker for the actual trip/reset state machine.
package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"titan/internal/core"
	"titan/pkg/telemetry"
)

// CircuitBreakerConfig holds operator-configured trip thresholds.
type CircuitBreakerConfig struct {
	MaxDailyLossPct      decimal.Decimal
	MaxConsecutiveLosses int
	MaxDrawdownPct       decimal.Decimal
	ResetHourUTC         int // daily reset boundary
}

// DefaultCircuitBreakerConfig mirrors the conservative defaults the teacher
// shipped for risk.CircuitBreaker.
var DefaultCircuitBreakerConfig = CircuitBreakerConfig{
	MaxDailyLossPct:      decimal.NewFromFloat(0.05),
	MaxConsecutiveLosses: 5,
	MaxDrawdownPct:       decimal.NewFromFloat(0.10),
	ResetHourUTC:         0,
}

// CircuitBreaker tracks daily PnL, consecutive losses, and equity drawdown,
// tripping a gobreaker.CircuitBreaker when any threshold is breached.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg    CircuitBreakerConfig
	cb     *gobreaker.CircuitBreaker
	logger core.ILogger

	dailyPnL          decimal.Decimal
	consecutiveLosses int
	peakEquity        decimal.Decimal
	lastResetDay      int
	tripCause         string
}

// NewCircuitBreaker wraps cfg's thresholds with a gobreaker state machine.
func NewCircuitBreaker(cfg CircuitBreakerConfig, logger core.ILogger) *CircuitBreaker {
	c := &CircuitBreaker{cfg: cfg, logger: logger.WithField("component", "circuit_breaker")}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "trading_circuit_breaker",
		Timeout: 24 * time.Hour, // an open breaker moves to half-open (no longer tripped) after 24h
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 0 // only trip() calls Execute, so any failure is an explicit trip
		},
	})
	return c
}

// RecordTrade updates PnL/loss-streak bookkeeping and trips the breaker if
// a threshold is breached.
func (c *CircuitBreaker) RecordTrade(pnl decimal.Decimal, equity decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeResetDayLocked()

	c.dailyPnL = c.dailyPnL.Add(pnl)
	if pnl.LessThan(decimal.Zero) {
		c.consecutiveLosses++
	} else {
		c.consecutiveLosses = 0
	}
	if equity.GreaterThan(c.peakEquity) {
		c.peakEquity = equity
	}

	c.evaluateTripLocked(equity)
}

// RecordEquity updates only the drawdown tracker, used by the heartbeat of
// mark-to-market equity updates between trades.
func (c *CircuitBreaker) RecordEquity(equity decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeResetDayLocked()
	if equity.GreaterThan(c.peakEquity) {
		c.peakEquity = equity
	}
	c.evaluateTripLocked(equity)
}

func (c *CircuitBreaker) evaluateTripLocked(equity decimal.Decimal) {
	if c.isTrippedLocked() {
		return
	}

	switch {
	case c.cfg.MaxDailyLossPct.GreaterThan(decimal.Zero) && c.peakEquity.GreaterThan(decimal.Zero) &&
		c.dailyPnL.Neg().Div(c.peakEquity).GreaterThan(c.cfg.MaxDailyLossPct):
		c.trip("daily_loss_limit")
	case c.cfg.MaxConsecutiveLosses > 0 && c.consecutiveLosses >= c.cfg.MaxConsecutiveLosses:
		c.trip("consecutive_losses")
	case c.cfg.MaxDrawdownPct.GreaterThan(decimal.Zero) && c.peakEquity.GreaterThan(decimal.Zero) &&
		c.peakEquity.Sub(equity).Div(c.peakEquity).GreaterThan(c.cfg.MaxDrawdownPct):
		c.trip("drawdown_limit")
	}
}

func (c *CircuitBreaker) trip(cause string) {
	c.tripCause = cause
	// Force the underlying gobreaker into the open state by reporting a
	// failure through its execution wrapper.
	_, _ = c.cb.Execute(func() (interface{}, error) { return nil, fmt.Errorf("trip: %s", cause) })
	for i := 0; i < 10 && c.cb.State() != gobreaker.StateOpen; i++ {
		_, _ = c.cb.Execute(func() (interface{}, error) { return nil, fmt.Errorf("trip: %s", cause) })
	}
	c.logger.Error("circuit breaker tripped", "cause", cause)
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("global", true)
}

func (c *CircuitBreaker) isTrippedLocked() bool {
	return c.cb.State() == gobreaker.StateOpen
}

// IsTripped reports whether the breaker currently blocks trading.
func (c *CircuitBreaker) IsTripped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isTrippedLocked()
}

// BlockReason returns the "circuit_breaker_<cause>" veto reason when
// tripped, or "" otherwise.
func (c *CircuitBreaker) BlockReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isTrippedLocked() {
		return ""
	}
	return "circuit_breaker_" + c.tripCause
}

// Reset manually clears a trip, e.g. via an operator admin call.
func (c *CircuitBreaker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "trading_circuit_breaker",
		Timeout: 24 * time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 0
		},
	})
	c.consecutiveLosses = 0
	c.dailyPnL = decimal.Zero
	c.tripCause = ""
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("global", false)
}

// ResetDaily clears the rolling daily PnL and loss-streak counters without
// touching a trip already in effect. Invoked by the cron scheduler at the
// configured UTC reset hour rather than relying solely on the lazy
// per-call check below, so the boundary fires even during a quiet period
// with no trades or equity updates.
func (c *CircuitBreaker) ResetDaily() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dailyPnL = decimal.Zero
	c.consecutiveLosses = 0
	c.lastResetDay = time.Now().UTC().YearDay()
}

func (c *CircuitBreaker) maybeResetDayLocked() {
	now := time.Now().UTC()
	day := now.YearDay()
	if now.Hour() >= c.cfg.ResetHourUTC && day != c.lastResetDay {
		c.dailyPnL = decimal.Zero
		c.consecutiveLosses = 0
		c.lastResetDay = day
	}
}
