package safety

import (
	"testing"

	"github.com/shopspring/decimal"

	"titan/internal/core"
)

func TestDerivativesRegime_ExtremeGreedBlocksLong(t *testing.T) {
	d := NewDerivativesRegime(nopLogger{})
	// 0.15% per 8h payment, fixed 3 payments/day -> 0.15*3*365 = 164.25% annualized
	verdict := d.Classify(decimal.NewFromFloat(0.0015))
	if verdict.Class != RegimeExtremeGreed {
		t.Fatalf("expected EXTREME_GREED, got %s (%.2f%%)", verdict.Class, verdict.AnnualizedPct.InexactFloat64())
	}
	allowed, _ := verdict.AllowsEntry(core.OrderBuy)
	if allowed {
		t.Fatal("expected long entries blocked in extreme greed")
	}
	allowedShort, mult := verdict.AllowsEntry(core.OrderSell)
	if !allowedShort {
		t.Fatal("contrarian shorts should remain allowed in extreme greed")
	}
	if !mult.Equal(decimal.NewFromFloat(0.25)) {
		t.Fatalf("expected 0.25 size multiplier in extreme greed, got %s", mult)
	}
}

// TestDerivativesRegime_ExtremeGreedAt120PctAllowsSell mirrors the
// 120%-annualized-funding scenario: a SELL entry must still pass, sized at
// the 0.25 extreme-greed multiplier.
func TestDerivativesRegime_ExtremeGreedAt120PctAllowsSell(t *testing.T) {
	d := NewDerivativesRegime(nopLogger{})
	// 120% / (3 * 365 * 100) annualization factor
	fundingRate := decimal.NewFromFloat(120).Div(decimal.NewFromInt(paymentsPerDay * 365 * 100))
	verdict := d.Classify(fundingRate)
	if verdict.Class != RegimeExtremeGreed {
		t.Fatalf("expected EXTREME_GREED at 120%% annualized, got %s (%.2f%%)", verdict.Class, verdict.AnnualizedPct.InexactFloat64())
	}
	allowed, mult := verdict.AllowsEntry(core.OrderSell)
	if !allowed {
		t.Fatal("expected SELL entries to remain allowed at 120% annualized funding")
	}
	if !mult.Equal(decimal.NewFromFloat(0.25)) {
		t.Fatalf("expected 0.25 size multiplier, got %s", mult)
	}
}

func TestDerivativesRegime_HighGreedShrinksSize(t *testing.T) {
	d := NewDerivativesRegime(nopLogger{})
	// 0.08% per 8h -> 0.08*3*365 = 87.6% annualized, within the 50-100% band
	verdict := d.Classify(decimal.NewFromFloat(0.0008))
	if verdict.Class != RegimeHighGreed {
		t.Fatalf("expected HIGH_GREED, got %s (%.2f%%)", verdict.Class, verdict.AnnualizedPct.InexactFloat64())
	}
	allowedLong, mult := verdict.AllowsEntry(core.OrderBuy)
	if !allowedLong {
		t.Fatal("expected longs still allowed in high greed, just sized down")
	}
	if !mult.Equal(decimal.NewFromFloat(0.75)) {
		t.Fatalf("expected 0.75 size multiplier in high greed, got %s", mult)
	}
}

func TestDerivativesRegime_ExtremeFearBlocksShort(t *testing.T) {
	d := NewDerivativesRegime(nopLogger{})
	verdict := d.Classify(decimal.NewFromFloat(-0.0015))
	if verdict.Class != RegimeExtremeFear {
		t.Fatalf("expected EXTREME_FEAR, got %s", verdict.Class)
	}
	allowed, _ := verdict.AllowsEntry(core.OrderSell)
	if allowed {
		t.Fatal("expected short entries blocked in extreme fear")
	}
}

func TestDerivativesRegime_NeutralAllowsBoth(t *testing.T) {
	d := NewDerivativesRegime(nopLogger{})
	verdict := d.Classify(decimal.NewFromFloat(0.0001))
	if verdict.Class != RegimeNeutral {
		t.Fatalf("expected NEUTRAL, got %s", verdict.Class)
	}
	allowedLong, mult := verdict.AllowsEntry(core.OrderBuy)
	if !allowedLong || !mult.Equal(decimal.NewFromInt(1)) {
		t.Fatal("expected full-size allowance in neutral regime")
	}
}
