// Package killswitch implements the three independent safety-net triggers
// that sit outside the per-order veto chain: a dead-man's-switch heartbeat
// monitor, a trade-PnL Z-score drift detector, and a flash-crash equity
// monitor. Grounded on the teacher's health-check heartbeat pattern,
// generalized from process liveness to trading-loop liveness.
package killswitch

import (
	"context"
	"sync"
	"time"

	"titan/internal/core"
)

// HeartbeatConfig tunes the dead-man's-switch.
type HeartbeatConfig struct {
	Interval    time.Duration // expected beat cadence
	MaxMissed   int           // consecutive missed beats before tripping
}

// DefaultHeartbeatConfig mirrors a typical 5s tick / 3-miss tolerance.
var DefaultHeartbeatConfig = HeartbeatConfig{
	Interval:  5 * time.Second,
	MaxMissed: 3,
}

// Heartbeat is a dead-man's switch: the trading loop calls Beat() on every
// successful cycle, and a background monitor trips DEAD_MANS_SWITCH if
// MaxMissed consecutive intervals pass without one.
type Heartbeat struct {
	mu           sync.Mutex
	cfg          HeartbeatConfig
	logger       core.ILogger
	onTrip       func(core.SystemEvent)
	lastBeat     time.Time
	missed       int
	tripped      bool
	autoExecOff  func()
}

// NewHeartbeat builds a Heartbeat. onTrip is invoked once, synchronously,
// the moment the switch trips (e.g. to emergency-flatten and emit a
// CRITICAL SystemEvent). disableAutoExec is invoked alongside it.
func NewHeartbeat(cfg HeartbeatConfig, logger core.ILogger, onTrip func(core.SystemEvent), disableAutoExec func()) *Heartbeat {
	return &Heartbeat{
		cfg:         cfg,
		logger:      logger.WithField("component", "heartbeat"),
		onTrip:      onTrip,
		autoExecOff: disableAutoExec,
		lastBeat:    time.Now(),
	}
}

// Beat records a successful trading-loop cycle and clears the missed count.
func (h *Heartbeat) Beat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastBeat = time.Now()
	h.missed = 0
}

// Run polls at cfg.Interval until ctx is canceled, tripping the switch after
// MaxMissed consecutive intervals with no Beat(). Satisfies bootstrap.Runner.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.checkTick()
		}
	}
}

func (h *Heartbeat) checkTick() {
	h.mu.Lock()
	if h.tripped {
		h.mu.Unlock()
		return
	}
	if time.Since(h.lastBeat) < h.cfg.Interval {
		h.mu.Unlock()
		return
	}
	h.missed++
	missed := h.missed
	shouldTrip := missed >= h.cfg.MaxMissed
	if shouldTrip {
		h.tripped = true
	}
	h.mu.Unlock()

	if shouldTrip {
		h.logger.Error("dead man's switch tripped", "missed_beats", missed)
		if h.autoExecOff != nil {
			h.autoExecOff()
		}
		if h.onTrip != nil {
			h.onTrip(core.SystemEvent{
				EventType:   "DEAD_MANS_SWITCH",
				Severity:    core.SeverityCritical,
				Description: "heartbeat missed past threshold, auto-execution disabled and positions flattened",
				Context:     map[string]interface{}{"missed_beats": missed},
				Timestamp:   time.Now(),
			})
		}
	}
}

// IsTripped reports whether the switch has fired and not yet been reset.
func (h *Heartbeat) IsTripped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tripped
}

// Reset clears a trip, e.g. after an operator confirms the trading loop is
// healthy again and manually re-arms it.
func (h *Heartbeat) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tripped = false
	h.missed = 0
	h.lastBeat = time.Now()
}
