// Package reconcile periodically diffs broker-reported positions against
// shadow state, classifies mismatches, and escalates to an emergency
// flatten after repeated consecutive failures. Grounded on the teacher's
// internal/risk reconciler: a ticker-driven loop guarded by a mutex so
// overlapping cycles never run concurrently.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"titan/internal/core"
	"titan/internal/eventbus"
	"titan/internal/shadow"
)

// MismatchKind names why a symbol's broker/shadow view disagreed.
type MismatchKind string

const (
	MismatchMissingInShadow MismatchKind = "MISSING_IN_SHADOW"
	MismatchMissingInBroker MismatchKind = "MISSING_IN_BROKER"
	MismatchSideMismatch    MismatchKind = "SIDE_MISMATCH"
	MismatchSizeMismatch    MismatchKind = "SIZE_MISMATCH"
)

// Mismatch describes a single symbol disagreement found during a cycle.
type Mismatch struct {
	Symbol        string
	Kind          MismatchKind
	BrokerSide    core.Side
	ShadowSide    core.Side
	BrokerSize    decimal.Decimal
	ShadowSize    decimal.Decimal
}

// ShadowView is the subset of shadow.State the reconciler needs.
type ShadowView interface {
	GetAllPositions() []core.Position
	ClosePosition(symbol string, exitPrice decimal.Decimal, reason core.CloseReason) (*core.TradeRecord, error)
	CloseAllPositions(priceFn shadow.PriceFunc, reason core.CloseReason) []core.TradeRecord
	RestorePosition(pos core.Position)
}

// BrokerView is the subset of broker.Gateway the reconciler needs.
type BrokerView interface {
	GetPositions(ctx context.Context, symbol string) ([]core.Position, error)
	CloseAllPositions(ctx context.Context) error
}

// AutoExecToggle disables the pipeline's master-arm flag; the reconciler
// calls it the moment an emergency flatten is decided, before the flatten
// itself runs, so no new intent can open a position mid-flatten.
type AutoExecToggle interface {
	Disable()
}

// EventRecorder persists the CRITICAL SystemEvent an emergency flatten
// produces, the same audit trail Panic Controls writes for an
// operator-triggered flatten.
type EventRecorder interface {
	RecordSystemEvent(ev core.SystemEvent)
}

// Config tunes the reconciliation cadence and tolerance.
type Config struct {
	Interval              time.Duration
	SizeEpsilon           decimal.Decimal
	MaxConsecutiveMismatch int
}

// DefaultConfig matches the teacher's polling cadence, tightened to the
// epsilon-tolerant comparison this spec calls for.
var DefaultConfig = Config{
	Interval:               30 * time.Second,
	SizeEpsilon:            decimal.NewFromFloat(1e-10),
	MaxConsecutiveMismatch: 3,
}

// Reconciler runs the broker-vs-shadow diff loop.
type Reconciler struct {
	cfg      Config
	shadow   ShadowView
	broker   BrokerView
	autoExec AutoExecToggle
	store    EventRecorder
	priceFn  shadow.PriceFunc
	bus      core.EventPublisher
	logger   core.ILogger

	mu                  sync.Mutex
	running             bool
	consecutiveMismatch int
}

// New builds a Reconciler. priceFn resolves the exit price used to flatten
// every Shadow position once MaxConsecutiveMismatch is reached; autoExec and
// store may be nil in tests that only exercise the diff/mismatch counting
// path, in which case the emergency-flatten escalation becomes a no-op
// beyond the published event.
func New(cfg Config, shadowView ShadowView, broker BrokerView, autoExec AutoExecToggle, store EventRecorder, priceFn shadow.PriceFunc, bus core.EventPublisher, logger core.ILogger) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		shadow:   shadowView,
		broker:   broker,
		autoExec: autoExec,
		store:    store,
		priceFn:  priceFn,
		bus:      bus,
		logger:   logger.WithField("component", "reconciler"),
	}
}

// Run blocks, ticking at cfg.Interval until ctx is canceled. Meant to be
// launched under an errgroup alongside the rest of the daemon's loops.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single reconciliation cycle. Overlapping calls are
// dropped: if a cycle is already in flight, a new tick is a no-op.
func (r *Reconciler) RunOnce(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	runID := uuid.NewString()
	log := r.logger.WithField("run_id", runID)

	mismatches, err := r.diff(ctx)
	if err != nil {
		log.Error("reconciliation cycle failed", "error", err)
		return
	}

	r.mu.Lock()
	if len(mismatches) == 0 {
		r.consecutiveMismatch = 0
		r.mu.Unlock()
		r.publish(eventbus.TopicSyncOK, runID)
		return
	}

	r.consecutiveMismatch++
	streak := r.consecutiveMismatch
	escalate := streak >= r.cfg.MaxConsecutiveMismatch
	if escalate {
		r.consecutiveMismatch = 0
	}
	r.mu.Unlock()

	for _, m := range mismatches {
		log.Warn("reconciliation mismatch", "symbol", m.Symbol, "kind", m.Kind)
		r.publish(eventbus.TopicMismatch, m)
	}

	if escalate {
		log.Error("max consecutive mismatches reached, emergency flatten", "count", streak)
		r.emergencyFlatten(ctx, runID, mismatches)
	}
}

// emergencyFlatten is spec §4.6 step 6: disable auto-execution so nothing
// reopens a position mid-flatten, close every Shadow position and mirror the
// close onto the broker, record a CRITICAL SystemEvent, and publish
// TopicEmergencyFlatten for any external notification subscriber.
func (r *Reconciler) emergencyFlatten(ctx context.Context, runID string, mismatches []Mismatch) {
	if r.autoExec != nil {
		r.autoExec.Disable()
	}

	var records []core.TradeRecord
	if r.shadow != nil && r.priceFn != nil {
		records = r.shadow.CloseAllPositions(r.priceFn, core.CloseReconciliationFlatten)
	}

	var brokerErr string
	if r.broker != nil {
		if err := r.broker.CloseAllPositions(ctx); err != nil {
			brokerErr = err.Error()
			r.logger.Error("broker-side close-all failed during reconciliation emergency flatten", "run_id", runID, "error", err)
		}
	}

	ev := core.SystemEvent{
		EventType:   "reconciliation_emergency_flatten",
		Severity:    core.SeverityCritical,
		Description: "reconciliation mismatches exceeded threshold, emergency flatten triggered",
		Context: map[string]interface{}{
			"run_id":             runID,
			"mismatch_count":     len(mismatches),
			"positions_affected": len(records),
			"broker_close_error": brokerErr,
		},
		Timestamp: time.Now(),
	}
	if r.store != nil {
		r.store.RecordSystemEvent(ev)
	}
	r.publish(eventbus.TopicSystemEvent, ev)
	r.publish(eventbus.TopicEmergencyFlatten, mismatches)
}

// diff fetches broker positions and compares them against the shadow view,
// symbol by symbol, within SizeEpsilon tolerance.
func (r *Reconciler) diff(ctx context.Context) ([]Mismatch, error) {
	brokerPositions, err := r.broker.GetPositions(ctx, "")
	if err != nil {
		return nil, err
	}
	shadowPositions := r.shadow.GetAllPositions()

	brokerBySymbol := make(map[string]core.Position, len(brokerPositions))
	for _, p := range brokerPositions {
		if !p.Size.IsZero() {
			brokerBySymbol[p.Symbol] = p
		}
	}
	shadowBySymbol := make(map[string]core.Position, len(shadowPositions))
	for _, p := range shadowPositions {
		shadowBySymbol[p.Symbol] = p
	}

	var mismatches []Mismatch

	for symbol, bp := range brokerBySymbol {
		sp, ok := shadowBySymbol[symbol]
		if !ok {
			mismatches = append(mismatches, Mismatch{Symbol: symbol, Kind: MismatchMissingInShadow, BrokerSide: bp.Side, BrokerSize: bp.Size})
			continue
		}
		if bp.Side != sp.Side {
			mismatches = append(mismatches, Mismatch{Symbol: symbol, Kind: MismatchSideMismatch, BrokerSide: bp.Side, ShadowSide: sp.Side, BrokerSize: bp.Size, ShadowSize: sp.Size})
			continue
		}
		if bp.Size.Sub(sp.Size).Abs().GreaterThan(r.cfg.SizeEpsilon) {
			mismatches = append(mismatches, Mismatch{Symbol: symbol, Kind: MismatchSizeMismatch, BrokerSide: bp.Side, ShadowSide: sp.Side, BrokerSize: bp.Size, ShadowSize: sp.Size})
		}
	}

	for symbol, sp := range shadowBySymbol {
		if _, ok := brokerBySymbol[symbol]; !ok {
			mismatches = append(mismatches, Mismatch{Symbol: symbol, Kind: MismatchMissingInBroker, ShadowSide: sp.Side, ShadowSize: sp.Size})
		}
	}

	return mismatches, nil
}

// Reset clears the consecutive-mismatch counter, e.g. after an operator
// manually reconciles a discrepancy out of band.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveMismatch = 0
}

// ConsecutiveMismatches reports the current streak, for status endpoints.
func (r *Reconciler) ConsecutiveMismatches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutiveMismatch
}

func (r *Reconciler) publish(topic string, event interface{}) {
	if r.bus != nil {
		r.bus.Publish(topic, event)
	}
}
