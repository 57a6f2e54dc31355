package killswitch

import (
	"sync"

	"gonum.org/v1/gonum/stat"

	"titan/internal/core"
)

const (
	defaultWindow      = 30
	defaultZThreshold  = -2.0
	defaultExpectedMean = 0.0
)

// ZScoreConfig tunes the rolling PnL drift detector.
type ZScoreConfig struct {
	Window       int     // rolling trade count
	ZThreshold   float64 // trip when z <= this (negative: underperformance)
	ExpectedMean float64 // baseline expected per-trade PnL
}

// DefaultZScoreConfig matches the spec's rolling-30-trade default.
var DefaultZScoreConfig = ZScoreConfig{
	Window:       defaultWindow,
	ZThreshold:   defaultZThreshold,
	ExpectedMean: defaultExpectedMean,
}

// ZScoreDetector computes z = (recent_mean - expected_mean) / stddev over a
// rolling window of realized trade PnL, tripping SAFETY_STOP when the
// recent distribution has drifted significantly below expectation.
type ZScoreDetector struct {
	mu      sync.Mutex
	cfg     ZScoreConfig
	logger  core.ILogger
	window  []float64
	tripped bool
}

// NewZScoreDetector builds a ZScoreDetector.
func NewZScoreDetector(cfg ZScoreConfig, logger core.ILogger) *ZScoreDetector {
	return &ZScoreDetector{cfg: cfg, logger: logger.WithField("component", "zscore_detector")}
}

// RecordTradePnL appends a realized trade PnL and re-evaluates drift. It
// returns the current z-score and whether this call caused a trip.
func (z *ZScoreDetector) RecordTradePnL(pnl float64) (float64, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()

	z.window = append(z.window, pnl)
	if len(z.window) > z.cfg.Window {
		z.window = z.window[len(z.window)-z.cfg.Window:]
	}

	if len(z.window) < 2 {
		return 0, false
	}

	mean, std := stat.MeanStdDev(z.window, nil)
	if std == 0 {
		return 0, false
	}
	zscore := (mean - z.cfg.ExpectedMean) / std

	tripped := false
	if !z.tripped && zscore <= z.cfg.ZThreshold {
		z.tripped = true
		tripped = true
		z.logger.Error("pnl drift z-score breached safety threshold", "z_score", zscore, "window", len(z.window))
	}
	return zscore, tripped
}

// IsTripped reports whether SAFETY_STOP is currently in effect.
func (z *ZScoreDetector) IsTripped() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.tripped
}

// Reset clears the trip and the rolling window, e.g. after an operator
// acknowledges the safety stop.
func (z *ZScoreDetector) Reset() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.tripped = false
	z.window = nil
}
