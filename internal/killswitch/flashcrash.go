package killswitch

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"titan/internal/core"
)

// FlashCrashConfig tunes the equity-change-over-window monitor.
type FlashCrashConfig struct {
	Window      time.Duration
	MaxDropPct  decimal.Decimal // fraction, e.g. 0.1 for 10%
}

// DefaultFlashCrashConfig trips on a 10% equity drop inside 60 seconds.
var DefaultFlashCrashConfig = FlashCrashConfig{
	Window:     60 * time.Second,
	MaxDropPct: decimal.NewFromFloat(0.10),
}

type equitySample struct {
	at     time.Time
	equity decimal.Decimal
}

// FlashCrashMonitor watches mark-to-market equity for a sudden drop within
// a short rolling window and trips HARD_KILL (close-all) when breached.
type FlashCrashMonitor struct {
	mu      sync.Mutex
	cfg     FlashCrashConfig
	logger  core.ILogger
	samples []equitySample
	tripped bool
}

// NewFlashCrashMonitor builds a FlashCrashMonitor.
func NewFlashCrashMonitor(cfg FlashCrashConfig, logger core.ILogger) *FlashCrashMonitor {
	return &FlashCrashMonitor{cfg: cfg, logger: logger.WithField("component", "flash_crash_monitor")}
}

// RecordEquity ingests a mark-to-market equity sample and evaluates whether
// the window's peak-to-current drop breaches MaxDropPct.
func (f *FlashCrashMonitor) RecordEquity(equity decimal.Decimal) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	f.samples = append(f.samples, equitySample{at: now, equity: equity})
	f.samples = pruneEquity(f.samples, now, f.cfg.Window)

	if f.tripped || len(f.samples) < 2 {
		return false
	}

	peak := f.samples[0].equity
	for _, s := range f.samples {
		if s.equity.GreaterThan(peak) {
			peak = s.equity
		}
	}
	if peak.IsZero() {
		return false
	}

	drop := peak.Sub(equity).Div(peak)
	if drop.GreaterThanOrEqual(f.cfg.MaxDropPct) {
		f.tripped = true
		f.logger.Error("flash crash detected, hard kill triggered", "drop_pct", drop.InexactFloat64(), "window", f.cfg.Window.String())
		return true
	}
	return false
}

func pruneEquity(samples []equitySample, now time.Time, window time.Duration) []equitySample {
	cutoff := now.Add(-window)
	out := samples[:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// IsTripped reports whether HARD_KILL is currently in effect.
func (f *FlashCrashMonitor) IsTripped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tripped
}

// Reset clears the trip and sample history.
func (f *FlashCrashMonitor) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tripped = false
	f.samples = nil
}
