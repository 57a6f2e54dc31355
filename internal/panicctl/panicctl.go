// Package panicctl implements the two operator-triggered emergency actions:
// FLATTEN_ALL (close every position, local and broker-side, and disable
// auto-execution) and CANCEL_ALL (cancel in-flight chases and outstanding
// orders without touching any position). Both must complete and log even if
// a downstream call fails partway through.
package panicctl

import (
	"context"
	"time"

	"titan/internal/core"
	"titan/internal/eventbus"
	"titan/internal/shadow"
)

// ShadowCloser is the Shadow State capability panicctl needs: close every
// open position at the best available price and report what was affected.
type ShadowCloser interface {
	CloseAllPositions(priceFn shadow.PriceFunc, reason core.CloseReason) []core.TradeRecord
	GetAllPositions() []core.Position
}

// BrokerCloser is the Broker Gateway capability panicctl needs to mirror the
// flatten onto the live broker. Its error is logged, never fatal: Shadow
// State positions are already closed locally by the time this runs.
type BrokerCloser interface {
	CloseAllPositions(ctx context.Context) error
}

// ChaseCanceller is implemented by the pipeline's client-side trigger/order
// manager: cancel every active chase timer and return how many were live.
type ChaseCanceller interface {
	CancelAllChases() int
}

// OrderCanceller is implemented by the pipeline's partial-fill handler:
// cancel every outstanding broker order it is tracking.
type OrderCanceller interface {
	CancelAllOutstandingOrders(ctx context.Context) int
}

// AutoExecToggle disables/enables the master-arm flag gating the pipeline.
type AutoExecToggle interface {
	Disable()
}

// EventRecorder persists a SystemEvent for audit purposes.
type EventRecorder interface {
	RecordSystemEvent(ev core.SystemEvent)
}

// Controller wires the panic actions to their collaborators. Any of
// ChaseCanceller/OrderCanceller/BrokerCloser/EventRecorder may be nil (e.g. in
// a test or before the pipeline is fully wired); a nil collaborator is
// skipped rather than causing a panic.
type Controller struct {
	shadow   ShadowCloser
	broker   BrokerCloser
	chases   ChaseCanceller
	orders   OrderCanceller
	autoExec AutoExecToggle
	store    EventRecorder
	bus      core.EventPublisher
	priceFn  shadow.PriceFunc
	logger   core.ILogger
}

// New constructs a Controller. priceFn resolves the exit price used to close
// each Shadow position during FLATTEN_ALL.
func New(shadowState ShadowCloser, broker BrokerCloser, chases ChaseCanceller, orders OrderCanceller, autoExec AutoExecToggle, store EventRecorder, bus core.EventPublisher, priceFn shadow.PriceFunc, logger core.ILogger) *Controller {
	return &Controller{
		shadow:   shadowState,
		broker:   broker,
		chases:   chases,
		orders:   orders,
		autoExec: autoExec,
		store:    store,
		bus:      bus,
		priceFn:  priceFn,
		logger:   logger.WithField("component", "panic_controls"),
	}
}

// FlattenAllResult is the audit summary of a FLATTEN_ALL invocation.
type FlattenAllResult struct {
	PositionsAffected int
	OrdersCancelled   int
	OperatorID        string
	Timestamp         time.Time
	BrokerCloseError  string
}

// FlattenAll closes every Shadow position with reason PANIC_FLATTEN_ALL,
// best-effort mirrors the close onto the broker, and disables auto-execution.
// It succeeds logically even when the broker-side close call fails: Shadow
// State has already been made flat, which is the operator's actual intent.
func (c *Controller) FlattenAll(ctx context.Context, operatorID string) FlattenAllResult {
	before := len(c.shadow.GetAllPositions())

	records := c.shadow.CloseAllPositions(c.priceFn, core.ClosePanicFlattenAll)

	var brokerErr string
	if c.broker != nil {
		if err := c.broker.CloseAllPositions(ctx); err != nil {
			brokerErr = err.Error()
			c.logger.Error("broker-side close-all failed during flatten-all; shadow state is already flat", "error", err)
		}
	}

	if c.autoExec != nil {
		c.autoExec.Disable()
	}

	result := FlattenAllResult{
		PositionsAffected: len(records),
		OrdersCancelled:   0,
		OperatorID:        operatorID,
		Timestamp:         time.Now(),
		BrokerCloseError:  brokerErr,
	}

	c.publish(eventbus.TopicPanicFlattenAll, result)
	c.recordEvent("panic_flatten_all", core.SeverityCritical,
		"operator-triggered flatten-all", map[string]interface{}{
			"action":             "FLATTEN_ALL",
			"positions_affected": result.PositionsAffected,
			"positions_before":   before,
			"orders_cancelled":   0,
			"operator_id":        operatorID,
			"broker_error":       brokerErr,
		})

	c.logger.Warn("flatten-all executed", "positions_affected", result.PositionsAffected, "operator_id", operatorID)
	return result
}

// CancelAllResult is the audit summary of a CANCEL_ALL invocation.
type CancelAllResult struct {
	OrdersCancelled int
	OperatorID      string
	Timestamp       time.Time
}

// CancelAll cancels every active client-side chase and every outstanding
// broker order, without touching any open position or the idempotency
// cache: a CONFIRM that arrives after CANCEL_ALL must still observe
// at-most-once semantics against the original signal.
func (c *Controller) CancelAll(ctx context.Context, operatorID string) CancelAllResult {
	cancelled := 0
	if c.chases != nil {
		cancelled += c.chases.CancelAllChases()
	}
	if c.orders != nil {
		cancelled += c.orders.CancelAllOutstandingOrders(ctx)
	}

	result := CancelAllResult{
		OrdersCancelled: cancelled,
		OperatorID:      operatorID,
		Timestamp:       time.Now(),
	}

	c.publish(eventbus.TopicPanicCancelAll, result)
	c.recordEvent("panic_cancel_all", core.SeverityWarn,
		"operator-triggered cancel-all", map[string]interface{}{
			"action":             "CANCEL_ALL",
			"positions_affected": 0,
			"orders_cancelled":   cancelled,
			"operator_id":        operatorID,
		})

	c.logger.Warn("cancel-all executed", "orders_cancelled", cancelled, "operator_id", operatorID)
	return result
}

func (c *Controller) publish(topic string, event interface{}) {
	if c.bus != nil {
		c.bus.Publish(topic, event)
	}
}

func (c *Controller) recordEvent(eventType string, severity core.Severity, desc string, ctxFields map[string]interface{}) {
	if c.store == nil {
		return
	}
	c.store.RecordSystemEvent(core.SystemEvent{
		EventType:   eventType,
		Severity:    severity,
		Description: desc,
		Context:     ctxFields,
		Timestamp:   time.Now(),
	})
}
