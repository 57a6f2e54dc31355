package safety

import (
	"context"

	"github.com/shopspring/decimal"

	"titan/internal/core"
)

// VetoResult is the combined safety-gate chain verdict for one candidate
// entry.
type VetoResult struct {
	Pass           bool
	Reason         string
	SizeMultiplier decimal.Decimal
}

// Chain runs the four cooperating vetoes in order: Circuit Breaker,
// Liquidation Detector, Rate Limiter, Derivatives Regime. Each gate can
// only narrow (reject or shrink size), never widen, what came before it.
type Chain struct {
	CircuitBreaker *CircuitBreaker
	Liquidation    *LiquidationDetector
	RateLimiter    *RateLimiter
	Regime         *DerivativesRegime

	logger core.ILogger
}

// NewChain wires the four gates into a single ordered check.
func NewChain(cb *CircuitBreaker, liq *LiquidationDetector, rl *RateLimiter, regime *DerivativesRegime, logger core.ILogger) *Chain {
	return &Chain{CircuitBreaker: cb, Liquidation: liq, RateLimiter: rl, Regime: regime, logger: logger.WithField("component", "safety_chain")}
}

// Check runs every gate for a candidate entry on symbol/side, throttling
// against exchange's rate limiter and consulting the funding-rate regime
// with the given sample. Returns the first veto hit, or a pass with the
// size multiplier the regime gate derived.
func (c *Chain) Check(ctx context.Context, exchange, symbol string, side core.OrderSide, fundingRate decimal.Decimal) VetoResult {
	if c.CircuitBreaker != nil && c.CircuitBreaker.IsTripped() {
		return VetoResult{Pass: false, Reason: c.CircuitBreaker.BlockReason()}
	}

	if c.Liquidation != nil && c.Liquidation.ShouldBlock(symbol, side) {
		return VetoResult{Pass: false, Reason: "liquidation_cascade"}
	}

	if c.RateLimiter != nil {
		if err := c.RateLimiter.Throttle(ctx, exchange, 1); err != nil {
			return VetoResult{Pass: false, Reason: "rate_limited"}
		}
	}

	sizeMultiplier := decimal.NewFromInt(1)
	if c.Regime != nil {
		verdict := c.Regime.Classify(fundingRate)
		allowed, mult := verdict.AllowsEntry(side)
		if !allowed {
			return VetoResult{Pass: false, Reason: "regime_" + string(verdict.Class)}
		}
		sizeMultiplier = mult
	}

	return VetoResult{Pass: true, SizeMultiplier: sizeMultiplier}
}
