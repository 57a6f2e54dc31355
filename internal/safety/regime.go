package safety

import (
	"github.com/shopspring/decimal"

	"titan/internal/core"
)

// RegimeClass names the derivatives-market funding-rate regime.
type RegimeClass string

const (
	RegimeNeutral      RegimeClass = "NEUTRAL"
	RegimeHighGreed    RegimeClass = "HIGH_GREED"
	RegimeExtremeGreed RegimeClass = "EXTREME_GREED"
	RegimeExtremeFear  RegimeClass = "EXTREME_FEAR"
)

// TradingAllowed gates each side independently: an extreme regime still
// allows contrarian entries, it only blocks piling onto the crowded side.
type TradingAllowed struct {
	Long  bool
	Short bool
}

// RegimeVerdict is the derivatives regime check's output for one candidate
// entry.
type RegimeVerdict struct {
	Class          RegimeClass
	AnnualizedPct  decimal.Decimal
	TradingAllowed TradingAllowed
	SizeMultiplier decimal.Decimal
}

// DerivativesRegime classifies perpetual-funding-rate regimes and derives a
// trading-allowed/size-multiplier verdict, grounded on the funding-rate
// annualization the teacher used for its basis/funding dashboards.
type DerivativesRegime struct {
	logger core.ILogger

	extremeGreedPct decimal.Decimal
	highGreedPct    decimal.Decimal
	extremeFearPct  decimal.Decimal
}

// NewDerivativesRegime builds a classifier with the spec's default
// annualized-funding thresholds.
func NewDerivativesRegime(logger core.ILogger) *DerivativesRegime {
	return &DerivativesRegime{
		logger:          logger.WithField("component", "derivatives_regime"),
		extremeGreedPct: decimal.NewFromFloat(100), // >100% annualized funding
		highGreedPct:    decimal.NewFromFloat(50),  // 50-100% annualized funding
		extremeFearPct:  decimal.NewFromFloat(-50), // <-50% annualized funding
	}
}

// paymentsPerDay is fixed at 3, the standard 8-hour perpetual funding
// cadence every venue in this book settles on.
const paymentsPerDay = 3

// Classify converts a single funding-rate sample (period rate, e.g. the
// 8h Binance-style perpetual funding rate) into an annualized percentage
// and regime class: annualized = funding * 3 * 365 * 100.
func (d *DerivativesRegime) Classify(fundingRate decimal.Decimal) RegimeVerdict {
	annualized := fundingRate.
		Mul(decimal.NewFromInt(paymentsPerDay)).
		Mul(decimal.NewFromInt(365)).
		Mul(decimal.NewFromInt(100))

	var class RegimeClass
	allowed := TradingAllowed{Long: true, Short: true}
	sizeMultiplier := decimal.NewFromInt(1)

	switch {
	case annualized.GreaterThan(d.extremeGreedPct):
		class = RegimeExtremeGreed
		allowed.Long = false // crowded-long funding: block piling into longs
		sizeMultiplier = decimal.NewFromFloat(0.25)
	case annualized.GreaterThan(d.highGreedPct):
		class = RegimeHighGreed
		sizeMultiplier = decimal.NewFromFloat(0.75)
	case annualized.LessThan(d.extremeFearPct):
		class = RegimeExtremeFear
		allowed.Short = false // crowded-short funding: block piling into shorts
		sizeMultiplier = decimal.NewFromFloat(0.5)
	default:
		class = RegimeNeutral
	}

	return RegimeVerdict{
		Class:          class,
		AnnualizedPct:  annualized,
		TradingAllowed: allowed,
		SizeMultiplier: sizeMultiplier,
	}
}

// AllowsEntry reports whether the verdict permits a new entry on the given
// side, and the size multiplier to apply if so.
func (v RegimeVerdict) AllowsEntry(side core.OrderSide) (bool, decimal.Decimal) {
	if side == core.OrderBuy {
		return v.TradingAllowed.Long, v.SizeMultiplier
	}
	return v.TradingAllowed.Short, v.SizeMultiplier
}
