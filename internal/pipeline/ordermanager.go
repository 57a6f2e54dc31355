package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"titan/internal/broker"
	"titan/internal/core"
)

const defaultChaseTimeout = 2 * time.Second

// ReasonInsufficientProfit is logged when a maker order's chase expires and
// the expected profit does not clear the taker fee by the required margin.
const ReasonInsufficientProfit = "INSUFFICIENT_PROFIT_FOR_TAKER"

// OrderDecision is the Order Manager's routing verdict for one candidate
// order: which type to submit first, and whether it must be reduce_only.
type OrderDecision struct {
	Type       core.OrderType
	PostOnly   bool
	ReduceOnly bool
}

// OrderManagerConfig tunes the fee-aware chase-to-taker conversion.
type OrderManagerConfig struct {
	ChaseTimeout time.Duration
	MinMarginPct decimal.Decimal // minimum (expected_profit - taker_fee) required to convert to taker
}

// DefaultOrderManagerConfig matches the spec's 2s chase timeout with a
// conservative minimum-margin floor above the taker fee.
var DefaultOrderManagerConfig = OrderManagerConfig{
	ChaseTimeout: defaultChaseTimeout,
	MinMarginPct: decimal.NewFromFloat(0.0005),
}

// OrderManager decides LIMIT-vs-MARKET per signal and tracks chases so an
// unfilled maker order converts to taker, or is cancelled, after timeout.
type OrderManager struct {
	cfg    OrderManagerConfig
	maker  decimal.Decimal
	taker  decimal.Decimal
	gw     *broker.Gateway
	logger core.ILogger

	mu     sync.Mutex
	chases map[string]context.CancelFunc // clientOrderID -> cancel of its chase timer
}

// NewOrderManager wires the configured maker/taker fee percentages (from
// RiskTunerConfig) into the Order Manager's margin check.
func NewOrderManager(cfg OrderManagerConfig, makerFeePct, takerFeePct float64, gw *broker.Gateway, logger core.ILogger) *OrderManager {
	return &OrderManager{
		cfg:    cfg,
		maker:  decimal.NewFromFloat(makerFeePct),
		taker:  decimal.NewFromFloat(takerFeePct),
		gw:     gw,
		logger: logger.WithField("component", "order_manager"),
		chases: make(map[string]context.CancelFunc),
	}
}

// Decide picks the initial order type for signalType/side. Default is a
// post-only LIMIT; exit signals (types containing CLOSE or EXIT) always
// force reduce_only regardless of the type chosen.
func (m *OrderManager) Decide(signalType string) OrderDecision {
	upper := strings.ToUpper(signalType)
	reduceOnly := strings.Contains(upper, "CLOSE") || strings.Contains(upper, "EXIT")
	return OrderDecision{Type: core.OrderLimit, PostOnly: true, ReduceOnly: reduceOnly}
}

// Dispatch sends params as a post-only maker order through the gateway. If
// it is still unfilled after the chase timeout, Dispatch converts it to a
// taker MARKET order when expectedProfitPct clears the taker fee by
// MinMarginPct; otherwise it cancels the resting order with
// INSUFFICIENT_PROFIT_FOR_TAKER and never places the taker leg.
func (m *OrderManager) Dispatch(ctx context.Context, signalID string, params core.OrderParams, expectedProfitPct decimal.Decimal) *core.OrderResult {
	decision := m.Decide(signalID)
	params.Type = decision.Type
	params.PostOnly = decision.PostOnly
	params.ReduceOnly = params.ReduceOnly || decision.ReduceOnly

	result := m.gw.SendOrder(ctx, signalID, params)
	if !result.Success || result.Filled {
		return result
	}

	// Resting maker order placed but not yet filled: arm the chase.
	chaseCtx, cancel := context.WithTimeout(ctx, m.chaseTimeout())
	m.mu.Lock()
	m.chases[result.ClientOrderID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.chases, result.ClientOrderID)
		m.mu.Unlock()
		cancel()
	}()

	<-chaseCtx.Done()
	if chaseCtx.Err() == context.Canceled {
		// Cancelled out-of-band (e.g. CANCEL_ALL): pull the resting maker
		// order from the broker and do not convert to taker.
		if err := m.gw.CancelOrder(context.Background(), params.Symbol, result.BrokerOrderID); err != nil {
			m.logger.Error("failed to cancel chase order after out-of-band cancel", "symbol", params.Symbol, "broker_order_id", result.BrokerOrderID, "error", err)
		}
		return result
	}

	margin := expectedProfitPct.Sub(m.taker)
	if margin.GreaterThan(m.cfg.MinMarginPct) {
		marketParams := params
		marketParams.Type = core.OrderMarket
		marketParams.PostOnly = false
		chaseSignalID := fmt.Sprintf("%s_chase", signalID)
		return m.gw.SendOrder(ctx, chaseSignalID, marketParams)
	}

	if err := m.gw.CancelOrder(ctx, params.Symbol, result.BrokerOrderID); err != nil {
		m.logger.Error("failed to cancel expired chase order", "symbol", params.Symbol, "broker_order_id", result.BrokerOrderID, "error", err)
	}
	m.logger.Info(ReasonInsufficientProfit, "symbol", params.Symbol, "expected_profit_pct", expectedProfitPct.String(), "taker_fee_pct", m.taker.String())
	return &core.OrderResult{Success: false, ClientOrderID: result.ClientOrderID, Error: ReasonInsufficientProfit}
}

func (m *OrderManager) chaseTimeout() time.Duration {
	if m.cfg.ChaseTimeout <= 0 {
		return defaultChaseTimeout
	}
	return m.cfg.ChaseTimeout
}

// CancelAllOutstandingOrders cancels every in-flight chase timer, satisfying
// panicctl.OrderCanceller for CANCEL_ALL. Releasing a chase lets its
// Dispatch call observe the cancellation, cancel the resting maker order at
// the broker, and return without converting to taker.
func (m *OrderManager) CancelAllOutstandingOrders(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, cancel := range m.chases {
		cancel()
		delete(m.chases, id)
		n++
	}
	return n
}
