package safety

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"titan/internal/core"
)

// LiquidationEvent is a single liquidation print from the exchange feed.
type LiquidationEvent struct {
	Symbol    string
	Side      core.OrderSide // side of the liquidated position
	Notional  decimal.Decimal
	Timestamp time.Time
}

// CascadeSeverity classifies how dangerous a rolling window of liquidations
// looks.
type CascadeSeverity string

const (
	SeverityNone     CascadeSeverity = "NONE"
	SeverityModerate CascadeSeverity = "MODERATE"
	SeverityHigh     CascadeSeverity = "HIGH"
)

// LiquidationDetectorConfig tunes the rolling-window cascade classifier.
type LiquidationDetectorConfig struct {
	Window             time.Duration
	ModerateNotional   decimal.Decimal
	HighNotional       decimal.Decimal
	PauseOnHigh        bool
	PauseDuration      time.Duration
}

// DefaultLiquidationDetectorConfig mirrors a conservative operator default.
var DefaultLiquidationDetectorConfig = LiquidationDetectorConfig{
	Window:           60 * time.Second,
	ModerateNotional: decimal.NewFromInt(5_000_000),
	HighNotional:     decimal.NewFromInt(20_000_000),
	PauseOnHigh:      true,
	PauseDuration:    2 * time.Minute,
}

// LiquidationDetector watches a liquidation feed per symbol and vetoes new
// entries into the cascade's direction while a cascade is classified HIGH.
type LiquidationDetector struct {
	mu     sync.Mutex
	cfg    LiquidationDetectorConfig
	logger core.ILogger

	events     map[string][]LiquidationEvent // symbol -> recent events
	pausedUntil map[string]time.Time
}

// NewLiquidationDetector constructs a detector with cfg.
func NewLiquidationDetector(cfg LiquidationDetectorConfig, logger core.ILogger) *LiquidationDetector {
	return &LiquidationDetector{
		cfg:         cfg,
		logger:      logger.WithField("component", "liquidation_detector"),
		events:      make(map[string][]LiquidationEvent),
		pausedUntil: make(map[string]time.Time),
	}
}

// RecordLiquidation ingests a feed tick and updates the rolling window.
func (d *LiquidationDetector) RecordLiquidation(ev LiquidationEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.events[ev.Symbol] = append(prune(d.events[ev.Symbol], ev.Timestamp, d.cfg.Window), ev)

	severity, direction := d.classifyLocked(ev.Symbol)
	if severity == SeverityHigh && d.cfg.PauseOnHigh {
		d.pausedUntil[ev.Symbol] = time.Now().Add(d.cfg.PauseDuration)
		d.logger.Warn("liquidation cascade detected, pausing entries", "symbol", ev.Symbol, "direction", direction)
	}
}

func prune(events []LiquidationEvent, now time.Time, window time.Duration) []LiquidationEvent {
	cutoff := now.Add(-window)
	out := events[:0]
	for _, e := range events {
		if e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// classifyLocked returns the cascade severity and dominant side within the
// window for symbol.
func (d *LiquidationDetector) classifyLocked(symbol string) (CascadeSeverity, core.OrderSide) {
	events := d.events[symbol]
	var longNotional, shortNotional decimal.Decimal
	for _, e := range events {
		if e.Side == core.OrderBuy {
			longNotional = longNotional.Add(e.Notional)
		} else {
			shortNotional = shortNotional.Add(e.Notional)
		}
	}
	total := longNotional.Add(shortNotional)
	dominant := core.OrderBuy
	if shortNotional.GreaterThan(longNotional) {
		dominant = core.OrderSell
	}

	switch {
	case total.GreaterThanOrEqual(d.cfg.HighNotional):
		return SeverityHigh, dominant
	case total.GreaterThanOrEqual(d.cfg.ModerateNotional):
		return SeverityModerate, dominant
	default:
		return SeverityNone, dominant
	}
}

// Classify returns the current cascade severity/direction for symbol.
func (d *LiquidationDetector) Classify(symbol string) (CascadeSeverity, core.OrderSide) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.classifyLocked(symbol)
}

// ShouldBlock reports whether a new position in the given direction should
// be vetoed for symbol because of an active cascade pause. A liquidation
// cascade only blocks entries trading WITH the liquidated side's direction
// (piling onto forced sellers); it never blocks an opposing-side entry.
func (d *LiquidationDetector) ShouldBlock(symbol string, side core.OrderSide) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	until, ok := d.pausedUntil[symbol]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(d.pausedUntil, symbol)
		return false
	}

	_, dominant := d.classifyLocked(symbol)
	return side == dominant
}

// Reset clears the pause state for symbol, e.g. on operator override.
func (d *LiquidationDetector) Reset(symbol string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pausedUntil, symbol)
	delete(d.events, symbol)
}
