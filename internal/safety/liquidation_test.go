package safety

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"titan/internal/core"
)

func TestLiquidationDetector_BlocksDominantSideOnCascade(t *testing.T) {
	cfg := DefaultLiquidationDetectorConfig
	cfg.ModerateNotional = decimal.NewFromInt(100)
	cfg.HighNotional = decimal.NewFromInt(1000)
	d := NewLiquidationDetector(cfg, nopLogger{})

	now := time.Now()
	d.RecordLiquidation(LiquidationEvent{Symbol: "BTCUSDT", Side: core.OrderSell, Notional: decimal.NewFromInt(1200), Timestamp: now})

	if !d.ShouldBlock("BTCUSDT", core.OrderSell) {
		t.Fatal("expected cascade to block entries on the liquidated side")
	}
	if d.ShouldBlock("BTCUSDT", core.OrderBuy) {
		t.Fatal("cascade should not block the opposing side")
	}
}

func TestLiquidationDetector_NoEventsNeverBlocks(t *testing.T) {
	d := NewLiquidationDetector(DefaultLiquidationDetectorConfig, nopLogger{})
	if d.ShouldBlock("ETHUSDT", core.OrderBuy) {
		t.Fatal("expected no block with no events recorded")
	}
}

func TestLiquidationDetector_Reset(t *testing.T) {
	cfg := DefaultLiquidationDetectorConfig
	cfg.ModerateNotional = decimal.NewFromInt(100)
	cfg.HighNotional = decimal.NewFromInt(1000)
	d := NewLiquidationDetector(cfg, nopLogger{})
	d.RecordLiquidation(LiquidationEvent{Symbol: "BTCUSDT", Side: core.OrderSell, Notional: decimal.NewFromInt(1500), Timestamp: time.Now()})
	d.Reset("BTCUSDT")
	if d.ShouldBlock("BTCUSDT", core.OrderSell) {
		t.Fatal("expected reset to clear the pause")
	}
}
