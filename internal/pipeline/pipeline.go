// Package pipeline is the pure-orchestration glue that sequences every gate
// in order and dispatches the resulting order: it owns no domain rules of
// its own, only the sequencing and concurrency around Config Gate, Phase
// Gate, the Safety Gate chain, the Client-Side Trigger, Basis Sync, the L2
// Validator, the fee-aware Order Manager, the Broker Gateway, and finally
// Shadow State confirmation.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"titan/internal/autoexec"
	"titan/internal/broker"
	"titan/internal/config"
	"titan/internal/core"
	"titan/internal/eventbus"
	"titan/internal/l2"
	"titan/internal/phase"
	"titan/internal/safety"
	"titan/internal/shadow"
	"titan/pkg/concurrency"
)

// SignalPayload is the pipeline's normalized view of an inbound webhook
// signal, already translated from wire JSON by the transport layer.
type SignalPayload struct {
	SignalID    string
	Symbol      string
	SignalType  string // e.g. "scalp", "day_swing", "close", "exit"
	Exchange    string
	Direction   core.Direction
	EntryZone   []decimal.Decimal
	StopLoss    decimal.Decimal
	TakeProfits []decimal.Decimal
	Size        decimal.Decimal

	IsPrepare bool
	IsConfirm bool

	TriggerThreshold decimal.Decimal
	TriggerDirection TriggerDirection
	TriggerTimeoutMs int64

	ExpectedProfitPct decimal.Decimal
	FundingRate       decimal.Decimal
	PaymentsPerDay    int
	TVPrice           decimal.Decimal

	AssetClass string // "crypto", "equity", "fx" -> l2.Presets key

	// IsClose marks an exit-type signal (CLOSE, CLOSE_LONG, CLOSE_SHORT,
	// EXIT, STOP_LOSS, TAKE_PROFIT): it routes to the close/zombie path
	// instead of the open/pyramid path, regardless of IsPrepare/IsConfirm.
	IsClose     bool
	CloseReason core.CloseReason
}

// Outcome is the terminal result of processing one signal through every
// stage, whether it was accepted and filled or vetoed along the way.
type Outcome struct {
	SignalID    string
	Accepted    bool
	BlockReason string
	Position    *core.Position
	OrderResult *core.OrderResult
}

// OrderBookSource is the narrow L2 cache read surface the pipeline needs.
type OrderBookSource interface {
	Snapshot(symbol string) (core.OrderBookSnapshot, bool)
}

// RegimeSource is the narrow regime-engine read surface the pipeline needs.
type RegimeSource interface {
	Current(symbol string) (core.RegimeVector, bool)
}

// BrokerPriceSource resolves the current broker mark price for basis sync.
type BrokerPriceSource interface {
	Price(symbol string) (decimal.Decimal, bool)
}

// Pipeline wires every gate into the nine-step sequence documented for the
// Intent Pipeline and dispatches each inbound signal onto a worker pool so
// independent signals process concurrently; the parts that must serialize
// (same signal_id idempotency, same-symbol Shadow State mutation) are
// serialized internally by the Broker Gateway and a per-symbol lock here.
type Pipeline struct {
	configMgr *config.Manager
	phaseMgr  *phase.Manager
	safety    *safety.Chain
	trigger   *ClientSideTrigger
	basis     *BasisSync
	l2        *l2.Validator
	orders    *OrderManager
	gateway   *broker.Gateway
	shadow    *shadow.State
	bus       core.EventPublisher
	logger    core.ILogger
	autoExec  *autoexec.Flag

	books  OrderBookSource
	regime RegimeSource
	prices BrokerPriceSource

	pool *concurrency.WorkerPool

	symbolLocks sync.Map // symbol -> *sync.Mutex
}

// Config bundles the collaborators a Pipeline needs. Every field is
// required except AutoExec; L2 thresholds always come from l2.Presets.
type Config struct {
	ConfigMgr *config.Manager
	PhaseMgr  *phase.Manager
	Safety    *safety.Chain
	Trigger   *ClientSideTrigger
	Basis     *BasisSync
	L2        *l2.Validator
	Orders    *OrderManager
	Gateway   *broker.Gateway
	Shadow    *shadow.State
	Bus       core.EventPublisher
	Books     OrderBookSource
	Regime    RegimeSource
	Prices    BrokerPriceSource
	Logger    core.ILogger
	AutoExec  *autoexec.Flag // nil treated as always-enabled
}

// New wires a Pipeline with an 8-worker, 2000-capacity pool sized for
// bursty webhook traffic without unbounded goroutine growth.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		configMgr: cfg.ConfigMgr,
		phaseMgr:  cfg.PhaseMgr,
		safety:    cfg.Safety,
		trigger:   cfg.Trigger,
		basis:     cfg.Basis,
		l2:        cfg.L2,
		orders:    cfg.Orders,
		gateway:   cfg.Gateway,
		shadow:    cfg.Shadow,
		bus:       cfg.Bus,
		books:     cfg.Books,
		regime:    cfg.Regime,
		prices:    cfg.Prices,
		logger:    cfg.Logger.WithField("component", "pipeline"),
		autoExec:  cfg.AutoExec,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "pipeline_intents",
			MaxWorkers:  8,
			MaxCapacity: 2000,
		}, cfg.Logger),
	}
}

// Submit dispatches payload onto the worker pool and delivers the terminal
// Outcome to onDone once every stage has settled. onDone runs on a pool
// goroutine, never on the caller's.
func (p *Pipeline) Submit(ctx context.Context, payload SignalPayload, onDone func(Outcome)) {
	_ = p.pool.Submit(func() {
		outcome := p.process(ctx, payload)
		if onDone != nil {
			onDone(outcome)
		}
	})
}

// ProcessSync runs payload through every stage synchronously and returns the
// terminal Outcome; used by tests and by the webhook handler.
func (p *Pipeline) ProcessSync(ctx context.Context, payload SignalPayload) Outcome {
	return p.process(ctx, payload)
}

func (p *Pipeline) process(ctx context.Context, payload SignalPayload) Outcome {
	reject := func(reason string) Outcome {
		p.shadow.RejectIntent(payload.SignalID, reason)
		p.publish(eventbus.TopicSignalRejected, map[string]interface{}{"signal_id": payload.SignalID, "reason": reason})
		p.logger.Info("signal rejected", "signal_id", payload.SignalID, "symbol", payload.Symbol, "reason", reason)
		return Outcome{SignalID: payload.SignalID, Accepted: false, BlockReason: reason}
	}

	// Exit-type signals bypass the open/pyramid gates entirely and go
	// straight to the close path: a kill-switch disabling new entries must
	// never also block getting out of an existing position.
	if payload.IsClose {
		return p.processClose(ctx, payload)
	}

	// Step 0: master arm flag. Any kill-switch or panic control can disable
	// this; only an operator can re-enable it.
	if p.autoExec != nil && !p.autoExec.Enabled() {
		return reject("AUTO_EXEC_DISABLED")
	}

	// Step 1: Config Gate.
	if !p.configMgr.ValidateSignal(payload.Symbol) {
		return reject("ASSET_DISABLED")
	}

	// Step 2: Phase Gate.
	if !p.phaseMgr.ValidateSignal(payload.SignalType) {
		return reject("SIGNAL_TYPE_NOT_ALLOWED_IN_PHASE")
	}

	// Step 3: Safety Gates chain (Circuit Breaker -> Liquidation -> Rate
	// Limiter -> Derivatives Regime). The rate limiter step blocks rather
	// than vetoes.
	side := core.OrderBuy
	if payload.Direction == core.DirectionShort {
		side = core.OrderSell
	}
	verdict := p.safety.Check(ctx, payload.Exchange, payload.Symbol, side, payload.FundingRate)
	if !verdict.Pass {
		return reject(verdict.Reason)
	}

	// Step 4: Client-Side Trigger (only relevant for PREPARE/CONFIRM flows).
	if payload.IsPrepare {
		timeout := time.Duration(payload.TriggerTimeoutMs) * time.Millisecond
		p.trigger.Arm(payload.SignalID, payload.Symbol, payload.TriggerThreshold, payload.TriggerDirection, timeout)
		p.publish(eventbus.TopicIntentProcessed, payload.SignalID)
		return Outcome{SignalID: payload.SignalID, Accepted: true}
	}
	if payload.IsConfirm {
		ok, reason := p.trigger.Confirm(payload.SignalID)
		if !ok {
			return reject(reason)
		}
		p.publish(eventbus.TopicTriggerFired, payload.SignalID)
	}

	lock := p.lockFor(payload.Symbol)
	lock.Lock()
	defer lock.Unlock()

	intent, err := p.shadow.ProcessIntent(shadow.IntentPayload{
		SignalID: payload.SignalID, Symbol: payload.Symbol, Direction: payload.Direction,
		EntryZone: payload.EntryZone, StopLoss: payload.StopLoss, TakeProfits: payload.TakeProfits, Size: payload.Size,
	})
	if err != nil {
		return reject(fmt.Sprintf("INVALID_INTENT: %s", err.Error()))
	}
	p.shadow.ValidateIntent(intent.SignalID)

	// Step 5: Basis Sync.
	if brokerPrice, ok := p.prices.Price(payload.Symbol); ok && !payload.TVPrice.IsZero() {
		obs := p.basis.Evaluate(payload.Symbol, payload.TVPrice, brokerPrice)
		if obs.DesyncCritical {
			return reject("FEED_DESYNC_CRITICAL")
		}
		// HIGH_BASIS_SPREAD is logged by Evaluate itself; it never vetoes.
	}

	// Step 6: L2 Validator.
	book, ok := p.books.Snapshot(payload.Symbol)
	if !ok {
		return reject("STALE_L2_CACHE")
	}
	regime, ok := p.regime.Current(payload.Symbol)
	if !ok {
		return reject("NO_REGIME_DATA")
	}
	preset, ok := l2.Presets[payload.AssetClass]
	if !ok {
		preset = l2.Presets["crypto"]
	}
	isBuy := payload.Direction == core.DirectionLong
	size := payload.Size.Mul(verdict.SizeMultiplier)
	l2Result := p.l2.Validate(book, regime, preset, size, isBuy)
	if !l2Result.Pass {
		return reject(string(l2Result.Reason))
	}

	// Step 7 & 8: Order Manager decides type, dispatches via Broker Gateway.
	params := core.OrderParams{
		Symbol:      payload.Symbol,
		Side:        side,
		Size:        size,
		StopLoss:    payload.StopLoss,
		TakeProfits: payload.TakeProfits,
	}
	result := p.orders.Dispatch(ctx, payload.SignalID, params, payload.ExpectedProfitPct)
	if !result.Success {
		p.shadow.RejectIntent(payload.SignalID, result.Error)
		return Outcome{SignalID: payload.SignalID, Accepted: false, BlockReason: result.Error, OrderResult: result}
	}

	// Step 9: Shadow State confirms on a filled response only.
	pos, err := p.shadow.ConfirmExecution(payload.SignalID, shadow.BrokerResponse{
		Filled: result.Filled, FillPrice: result.FillPrice, FilledSize: result.FilledSize,
	})
	if err != nil {
		p.logger.Error("confirmExecution failed after broker fill", "signal_id", payload.SignalID, "error", err)
		return Outcome{SignalID: payload.SignalID, Accepted: false, BlockReason: err.Error(), OrderResult: result}
	}

	return Outcome{SignalID: payload.SignalID, Accepted: true, Position: pos, OrderResult: result}
}

// processClose handles a CLOSE/CLOSE_LONG/CLOSE_SHORT/EXIT/STOP_LOSS/
// TAKE_PROFIT signal: a zombie close (no open position) is rejected without
// touching the broker, otherwise the position is closed in full or reduced
// by payload.Size when it's a partial exit.
func (p *Pipeline) processClose(ctx context.Context, payload SignalPayload) Outcome {
	lock := p.lockFor(payload.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if p.shadow.IsZombieSignal(payload.Symbol, payload.SignalID) {
		p.publish(eventbus.TopicSignalRejected, map[string]interface{}{"signal_id": payload.SignalID, "reason": "ZOMBIE_SIGNAL"})
		return Outcome{SignalID: payload.SignalID, Accepted: false, BlockReason: "ZOMBIE_SIGNAL"}
	}

	exitPrice := payload.TVPrice
	if exitPrice.IsZero() {
		if price, ok := p.prices.Price(payload.Symbol); ok {
			exitPrice = price
		}
	}
	if exitPrice.IsZero() {
		return Outcome{SignalID: payload.SignalID, Accepted: false, BlockReason: "NO_EXIT_PRICE"}
	}

	reason := payload.CloseReason
	if reason == "" {
		reason = core.CloseAPIClose
	}

	var rec *core.TradeRecord
	var err error
	pos, hasPos := p.shadow.GetPosition(payload.Symbol)
	if hasPos && !payload.Size.IsZero() && payload.Size.LessThan(pos.Size) {
		rec, err = p.shadow.ClosePartialPosition(payload.Symbol, exitPrice, payload.Size, reason)
	} else {
		rec, err = p.shadow.ClosePosition(payload.Symbol, exitPrice, reason)
	}
	if err != nil {
		return Outcome{SignalID: payload.SignalID, Accepted: false, BlockReason: err.Error()}
	}

	p.logger.Info("position closed via exit signal", "signal_id", payload.SignalID, "symbol", payload.Symbol, "reason", reason)
	return Outcome{SignalID: payload.SignalID, Accepted: true, OrderResult: &core.OrderResult{Success: true, Filled: true, FillPrice: rec.ExitPrice, FilledSize: rec.Size}}
}

func (p *Pipeline) lockFor(symbol string) *sync.Mutex {
	v, _ := p.symbolLocks.LoadOrStore(symbol, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (p *Pipeline) publish(topic string, event interface{}) {
	if p.bus != nil {
		p.bus.Publish(topic, event)
	}
}
