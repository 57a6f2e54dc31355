// Package l2 implements the zero-I/O pre-trade order-book check: every
// input is a cached snapshot, so this package never blocks on the network.
package l2

import (
	"time"

	"github.com/shopspring/decimal"

	"titan/internal/core"
)

const staleCacheMs = 100

// Recommendation is what the OBI check recommends for order placement.
type Recommendation string

const (
	RecommendLimit  Recommendation = "LIMIT"
	RecommendMarket Recommendation = "MARKET"
)

// AssetPreset seeds the numeric thresholds for a symbol class. Three
// presets are mandatory: crypto, equity, fx.
type AssetPreset struct {
	MinThreshold  float64 // minimum market_structure_score
	MinDepth      decimal.Decimal
	MaxSpreadPct  decimal.Decimal
	MaxSlippagePct decimal.Decimal
	OBILevels     int
}

// Presets holds the mandatory built-in asset classes. Numeric defaults are
// an implementation decision recorded in DESIGN.md: crypto gets the widest
// spread/slippage limits and the lowest depth floor, equity sits between,
// fx is the tightest and deepest of the three.
var Presets = map[string]AssetPreset{
	"crypto": {
		MinThreshold:   60,
		MinDepth:       decimal.NewFromInt(50000),
		MaxSpreadPct:   decimal.NewFromFloat(0.001),
		MaxSlippagePct: decimal.NewFromFloat(0.0015),
		OBILevels:      10,
	},
	"equity": {
		MinThreshold:   60,
		MinDepth:       decimal.NewFromInt(200000),
		MaxSpreadPct:   decimal.NewFromFloat(0.0005),
		MaxSlippagePct: decimal.NewFromFloat(0.0008),
		OBILevels:      5,
	},
	"fx": {
		MinThreshold:   60,
		MinDepth:       decimal.NewFromInt(1000000),
		MaxSpreadPct:   decimal.NewFromFloat(0.0002),
		MaxSlippagePct: decimal.NewFromFloat(0.0003),
		OBILevels:      5,
	},
}

// VetoReason names why a check failed, matching the spec's documented
// reason strings verbatim.
type VetoReason string

const (
	ReasonStaleCache    VetoReason = "STALE_L2_CACHE"
	ReasonLowStructure  VetoReason = "LOW_STRUCTURE_SCORE"
	ReasonInsufficientDepth VetoReason = "INSUFFICIENT_DEPTH"
	ReasonSpreadTooWide VetoReason = "SPREAD_TOO_WIDE"
	ReasonSlippageTooHigh VetoReason = "SLIPPAGE_TOO_HIGH"
)

// Result is the validator's verdict for one candidate order.
type Result struct {
	Pass           bool
	Reason         VetoReason
	Recommendation Recommendation
}

// Validator performs the zero-I/O L2 pre-trade check.
type Validator struct {
	logger core.ILogger
}

// New creates a Validator.
func New(logger core.ILogger) *Validator {
	return &Validator{logger: logger.WithField("component", "l2_validator")}
}

// Validate runs every check in documented order against a cached snapshot,
// regime vector, and candidate order size/side.
func (v *Validator) Validate(book core.OrderBookSnapshot, regime core.RegimeVector, preset AssetPreset, size decimal.Decimal, isBuy bool) Result {
	if time.Since(book.LastUpdateTS) > staleCacheMs*time.Millisecond {
		return Result{Pass: false, Reason: ReasonStaleCache}
	}

	if regime.MarketStructureScore < preset.MinThreshold {
		return Result{Pass: false, Reason: ReasonLowStructure}
	}

	maxSpread := preset.MaxSpreadPct
	maxSlippage := preset.MaxSlippagePct
	switch {
	case regime.MomentumScore > 90:
		maxSpread = maxSpread.Mul(decimal.NewFromFloat(1.5))
		maxSlippage = maxSlippage.Mul(decimal.NewFromFloat(1.5))
	case regime.MomentumScore > 80:
		maxSpread = maxSpread.Mul(decimal.NewFromFloat(1.25))
		maxSlippage = maxSlippage.Mul(decimal.NewFromFloat(1.25))
	}

	bidDepth := sumNotional(book.Bids)
	askDepth := sumNotional(book.Asks)
	if bidDepth.LessThan(preset.MinDepth) || askDepth.LessThan(preset.MinDepth) {
		return Result{Pass: false, Reason: ReasonInsufficientDepth}
	}

	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return Result{Pass: false, Reason: ReasonInsufficientDepth}
	}
	bestBid := book.Bids[0].Price
	bestAsk := book.Asks[0].Price
	mid := bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
	spread := bestAsk.Sub(bestBid).Div(mid)
	if spread.GreaterThan(maxSpread) {
		return Result{Pass: false, Reason: ReasonSpreadTooWide}
	}

	slippage := simulateSlippage(book, size, isBuy)
	if slippage.GreaterThan(maxSlippage) {
		return Result{Pass: false, Reason: ReasonSlippageTooHigh}
	}

	rec := orderBookImbalance(book, preset.OBILevels, isBuy)
	return Result{Pass: true, Recommendation: rec}
}

func sumNotional(levels []core.OrderBookLevel) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range levels {
		sum = sum.Add(l.Price.Mul(l.Qty))
	}
	return sum
}

// simulateSlippage walks the book consuming `size` and returns the
// percentage deviation of the volume-weighted average fill price from the
// best price. Returns a very large decimal ("infinity") on an impossible
// fill (not enough depth to fill size).
func simulateSlippage(book core.OrderBookSnapshot, size decimal.Decimal, isBuy bool) decimal.Decimal {
	levels := book.Asks
	if !isBuy {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return decimal.NewFromInt(1 << 30)
	}
	best := levels[0].Price

	remaining := size
	weighted := decimal.Zero
	filled := decimal.Zero
	for _, lvl := range levels {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := decimal.Min(remaining, lvl.Qty)
		weighted = weighted.Add(lvl.Price.Mul(take))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
	}

	if remaining.GreaterThan(decimal.Zero) || filled.IsZero() {
		return decimal.NewFromInt(1 << 30) // impossible fill
	}

	avgFill := weighted.Div(filled)
	return avgFill.Sub(best).Abs().Div(best)
}

// orderBookImbalance computes sum(bid qty)/sum(ask qty) over the top N
// levels and maps it to a maker/taker recommendation per side.
func orderBookImbalance(book core.OrderBookSnapshot, levels int, isBuy bool) Recommendation {
	bidQty := sumQty(book.Bids, levels)
	askQty := sumQty(book.Asks, levels)
	if askQty.IsZero() {
		return RecommendMarket
	}
	obi := bidQty.Div(askQty)

	if isBuy {
		switch {
		case obi.LessThan(decimal.NewFromFloat(0.5)):
			return RecommendLimit
		case obi.GreaterThan(decimal.NewFromFloat(2.0)):
			return RecommendMarket
		default:
			return RecommendLimit
		}
	}
	// SELL is mirrored: invert the ratio's meaning.
	inv := decimal.NewFromInt(1)
	if !obi.IsZero() {
		inv = decimal.NewFromInt(1).Div(obi)
	}
	switch {
	case inv.LessThan(decimal.NewFromFloat(0.5)):
		return RecommendLimit
	case inv.GreaterThan(decimal.NewFromFloat(2.0)):
		return RecommendMarket
	default:
		return RecommendLimit
	}
}

func sumQty(levels []core.OrderBookLevel, n int) decimal.Decimal {
	sum := decimal.Zero
	for i, l := range levels {
		if i >= n {
			break
		}
		sum = sum.Add(l.Qty)
	}
	return sum
}
