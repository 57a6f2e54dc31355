// Package phase implements the two-phase capital regime: a conservative
// scalp-only KICKSTARTER phase below an equity threshold, and a fuller
// TREND_RIDER phase above it, each with its own risk percentage,
// pyramiding allowance, and default order type. Grounded on the teacher's
// config-driven strategy-mode switch, generalized from a single static
// mode to an equity-driven transition with a last-known-equity fallback.
package phase

import (
	"sync"

	"github.com/shopspring/decimal"

	"titan/internal/core"
	"titan/internal/eventbus"
)

// Phase names one of the two capital regimes.
type Phase int

const (
	PhaseKickstarter Phase = 1
	PhaseTrendRider  Phase = 2
)

func (p Phase) String() string {
	if p == PhaseKickstarter {
		return "KICKSTARTER"
	}
	return "TREND_RIDER"
}

// Profile is the bundle of risk parameters active for a phase.
type Profile struct {
	Phase           Phase
	Label           string
	RiskPct         decimal.Decimal
	MaxPyramidLayers int
	DefaultOrderType core.OrderType
	AllowedSignals  map[string]bool // e.g. "scalp", "day_swing" -> allowed
}

// Config tunes the equity threshold that separates the two phases.
type Config struct {
	EquityThreshold decimal.Decimal // below this: KICKSTARTER
}

// DefaultConfig matches the spec's $1000 threshold.
var DefaultConfig = Config{EquityThreshold: decimal.NewFromInt(1000)}

var kickstarterProfile = Profile{
	Phase:            PhaseKickstarter,
	Label:            "KICKSTARTER",
	RiskPct:          decimal.NewFromFloat(0.10),
	MaxPyramidLayers: 1, // no pyramiding
	DefaultOrderType: core.OrderLimit,
	AllowedSignals:   map[string]bool{"scalp": true},
}

var trendRiderProfile = Profile{
	Phase:            PhaseTrendRider,
	Label:            "TREND_RIDER",
	RiskPct:          decimal.NewFromFloat(0.05),
	MaxPyramidLayers: 4,
	DefaultOrderType: core.OrderMarket,
	AllowedSignals:   map[string]bool{"day_swing": true, "scalp": true},
}

// Manager tracks the active phase and reacts to equity updates.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	bus    core.EventPublisher
	logger core.ILogger

	current      Phase
	lastEquity   decimal.Decimal
	haveEquity   bool
}

// New builds a Manager, starting in the phase implied by the first equity
// sample once one arrives; until then it defaults to KICKSTARTER.
func New(cfg Config, bus core.EventPublisher, logger core.ILogger) *Manager {
	return &Manager{
		cfg:     cfg,
		bus:     bus,
		logger:  logger.WithField("component", "phase_manager"),
		current: PhaseKickstarter,
	}
}

// UpdateEquity re-evaluates the phase against a fresh broker equity read.
// A broker read failure should not call this; the caller instead leaves the
// last-known equity (and therefore phase) in effect.
func (m *Manager) UpdateEquity(equity decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastEquity = equity
	m.haveEquity = true

	next := PhaseKickstarter
	if equity.GreaterThanOrEqual(m.cfg.EquityThreshold) {
		next = PhaseTrendRider
	}

	if next != m.current {
		prev := m.current
		m.current = next
		m.logger.Info("phase transition", "from", prev.String(), "to", next.String(), "equity", equity.String())
		m.publish(eventbus.TopicPhaseTransition, map[string]interface{}{
			"from":   prev.String(),
			"to":     next.String(),
			"equity": equity.String(),
		})
	}
}

// Current returns the active phase's profile.
func (m *Manager) Current() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profileLocked()
}

func (m *Manager) profileLocked() Profile {
	if m.current == PhaseTrendRider {
		return trendRiderProfile
	}
	return kickstarterProfile
}

// LastKnownEquity returns the most recent successfully-read equity, used as
// a fallback when a broker equity read fails.
func (m *Manager) LastKnownEquity() (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEquity, m.haveEquity
}

// ValidateSignal reports whether signalType is permitted in the current
// phase (e.g. KICKSTARTER rejects day_swing signals).
func (m *Manager) ValidateSignal(signalType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profileLocked().AllowedSignals[signalType]
}

func (m *Manager) publish(topic string, event interface{}) {
	if m.bus != nil {
		m.bus.Publish(topic, event)
	}
}
