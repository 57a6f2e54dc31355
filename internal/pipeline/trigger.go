package pipeline

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"titan/internal/core"
)

// TriggerDirection is the scalar comparison a client-side trigger evaluates
// against incoming trade ticks.
type TriggerDirection string

const (
	TriggerAbove TriggerDirection = "ABOVE" // fires when price > threshold
	TriggerBelow TriggerDirection = "BELOW" // fires when price < threshold
)

// ReasonAlreadyFired is the reason Confirm returns for a signal_id whose
// CONFIRM already landed once; the duplicate is suppressed, not retried.
const ReasonAlreadyFired = "CLIENT_SIDE_TRIGGER_ALREADY_FIRED"

type armedTrigger struct {
	signalID  string
	symbol    string
	threshold decimal.Decimal
	direction TriggerDirection
	armedAt   time.Time
	timeout   time.Duration
	fired     bool
	firedAt   time.Time
	confirmed bool
}

func (a *armedTrigger) expired(now time.Time) bool {
	return now.Sub(a.armedAt) > a.timeout
}

func (a *armedTrigger) evaluate(price decimal.Decimal) bool {
	switch a.direction {
	case TriggerAbove:
		return price.GreaterThan(a.threshold)
	case TriggerBelow:
		return price.LessThan(a.threshold)
	default:
		return false
	}
}

// ClientSideTrigger arms a scalar price condition per signal_id (a PREPARE
// payload), evaluates it against each trade tick on the symbol's stream,
// fires at most once, and then waits for an explicit CONFIRM. A CONFIRM for
// an already-fired signal is suppressed rather than re-dispatched.
type ClientSideTrigger struct {
	mu      sync.Mutex
	armed   map[string]*armedTrigger // signal_id -> trigger
	logger  core.ILogger
	timeout time.Duration
}

// NewClientSideTrigger builds a trigger tracker with the default
// trigger_timeout_ms applied to every Arm call unless overridden per-call.
func NewClientSideTrigger(defaultTimeout time.Duration, logger core.ILogger) *ClientSideTrigger {
	return &ClientSideTrigger{
		armed:   make(map[string]*armedTrigger),
		logger:  logger.WithField("component", "client_side_trigger"),
		timeout: defaultTimeout,
	}
}

// Arm registers a PREPARE payload's scalar condition, keyed by signal_id.
// Re-arming an existing, unfired signal_id replaces its condition.
func (t *ClientSideTrigger) Arm(signalID, symbol string, threshold decimal.Decimal, direction TriggerDirection, timeout time.Duration) {
	if timeout <= 0 {
		timeout = t.timeout
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed[signalID] = &armedTrigger{
		signalID: signalID, symbol: symbol, threshold: threshold,
		direction: direction, armedAt: time.Now(), timeout: timeout,
	}
}

// OnTick evaluates every armed, unfired, unexpired trigger for symbol
// against price, marking the first match fired. Returns the signal_ids that
// fired on this tick so the caller can dispatch their CONFIRM path.
func (t *ClientSideTrigger) OnTick(symbol string, price decimal.Decimal) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var fired []string
	for id, a := range t.armed {
		if a.symbol != symbol || a.fired {
			continue
		}
		if a.expired(now) {
			continue
		}
		if a.evaluate(price) {
			a.fired = true
			a.firedAt = now
			fired = append(fired, id)
			t.logger.Info("client-side trigger fired", "signal_id", id, "symbol", symbol, "price", price.String())
		}
	}
	return fired
}

// Confirm reports whether signal_id's CONFIRM should proceed: ok=true the
// first time a fired trigger is confirmed; ok=false with the
// CLIENT_SIDE_TRIGGER_ALREADY_FIRED reason on a duplicate CONFIRM; ok=false
// if the trigger never fired, is unknown, or expired.
func (t *ClientSideTrigger) Confirm(signalID string) (ok bool, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, exists := t.armed[signalID]
	if !exists {
		return false, "CLIENT_SIDE_TRIGGER_UNKNOWN"
	}
	if a.confirmed {
		return false, ReasonAlreadyFired
	}
	if a.expired(time.Now()) {
		delete(t.armed, signalID)
		return false, "CLIENT_SIDE_TRIGGER_EXPIRED"
	}
	if !a.fired {
		return false, "CLIENT_SIDE_TRIGGER_NOT_FIRED"
	}
	a.confirmed = true
	return true, ""
}

// IsAlreadyFired reports whether signalID was fired and already confirmed by
// a prior Confirm call (used to distinguish a genuine duplicate from "never
// armed").
func (t *ClientSideTrigger) IsAlreadyFired(signalID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, exists := t.armed[signalID]
	return exists && a.confirmed
}

// SweepExpired removes armed-but-expired triggers and returns how many were
// dropped. Intended to run periodically on the monotonic scheduler.
func (t *ClientSideTrigger) SweepExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	n := 0
	for id, a := range t.armed {
		if !a.fired && a.expired(now) {
			delete(t.armed, id)
			n++
		}
	}
	return n
}

// CancelAllChases drops every armed trigger unconditionally, satisfying
// panicctl.ChaseCanceller for CANCEL_ALL.
func (t *ClientSideTrigger) CancelAllChases() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.armed)
	t.armed = make(map[string]*armedTrigger)
	return n
}
