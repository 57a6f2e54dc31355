package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the sign of a signal or position.
type Direction int

const (
	DirectionShort Direction = -1
	DirectionLong  Direction = 1
)

// Side is the resolved position side, distinct from Direction because a
// position's side never changes without a full close.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// IntentStatus is the monotonic lifecycle state of an Intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentValidated IntentStatus = "VALIDATED"
	IntentRejected  IntentStatus = "REJECTED"
	IntentExecuted  IntentStatus = "EXECUTED"
	IntentExpired   IntentStatus = "EXPIRED"
)

// CloseReason enumerates every terminal reason a Position can close.
type CloseReason string

const (
	CloseTakeProfit            CloseReason = "TP"
	CloseStopLoss              CloseReason = "SL"
	CloseRegimeKill            CloseReason = "REGIME_KILL"
	CloseManual                CloseReason = "MANUAL"
	CloseReconciliationFlatten CloseReason = "RECONCILIATION_FLATTEN"
	ClosePanicFlattenAll       CloseReason = "PANIC_FLATTEN_ALL"
	CloseDeadMansSwitch        CloseReason = "DEAD_MANS_SWITCH"
	CloseSafetyStop            CloseReason = "SAFETY_STOP"
	CloseHardKill              CloseReason = "HARD_KILL"
	CloseAPIClose              CloseReason = "API_CLOSE"
	CloseEmergencyFlatten      CloseReason = "EMERGENCY_FLATTEN"
)

// Intent is a structured trading request awaiting validation.
type Intent struct {
	SignalID        string
	Symbol          string
	Direction       Direction
	EntryZone       []decimal.Decimal
	StopLoss        decimal.Decimal
	TakeProfits     []decimal.Decimal
	Size            decimal.Decimal
	Status          IntentStatus
	RejectionReason string
	ReceivedAt      time.Time
}

// Clone returns a deep copy so callers cannot mutate internal state.
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	cp := *i
	cp.EntryZone = append([]decimal.Decimal(nil), i.EntryZone...)
	cp.TakeProfits = append([]decimal.Decimal(nil), i.TakeProfits...)
	return &cp
}

// Position is the authoritative in-process record of an open market exposure.
type Position struct {
	Symbol      string
	Side        Side
	Size        decimal.Decimal
	EntryPrice  decimal.Decimal
	StopLoss    decimal.Decimal
	TakeProfits []decimal.Decimal
	SignalID    string
	RegimeState int
	Phase       int
	OpenedAt    time.Time
}

// Clone returns a deep copy so callers cannot mutate internal state.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	cp.TakeProfits = append([]decimal.Decimal(nil), p.TakeProfits...)
	return &cp
}

// TradeRecord is an immutable, append-only record of a closed or
// partially-closed position.
type TradeRecord struct {
	SignalID    string
	Symbol      string
	Side        Side
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	StopPrice   decimal.Decimal
	TPPrice     decimal.Decimal
	FillPrice   decimal.Decimal
	Size        decimal.Decimal
	PnL         decimal.Decimal
	PnLPct      decimal.Decimal
	SlippagePct decimal.Decimal
	// ExecutionLatencyMs is the broker round-trip from order dispatch to
	// fill confirmation, in milliseconds.
	ExecutionLatencyMs int64
	RegimeState        int
	Phase              int
	OpenedAt           time.Time
	ClosedAt           time.Time
	CloseReason        CloseReason
}

// ComputePnL returns the realized PnL for a close at exitPrice/size given side.
func ComputePnL(side Side, entryPrice, exitPrice, size decimal.Decimal) decimal.Decimal {
	if side == SideLong {
		return exitPrice.Sub(entryPrice).Mul(size)
	}
	return entryPrice.Sub(exitPrice).Mul(size)
}

// IdempotencyEntry caches the outcome of a prior sendOrder call keyed by a
// truncated signal-id digest, so retried or duplicate deliveries observe the
// same result at most once.
type IdempotencyEntry struct {
	Key          string
	CachedResult *OrderResult
	ExpiresAt    time.Time
}

// OrderBookLevel is one price/quantity rung of a cached order book.
type OrderBookLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// OrderBookSnapshot is consumed from an external WS-fed cache; it is never
// produced by the core itself.
type OrderBookSnapshot struct {
	Symbol       string
	Bids         []OrderBookLevel // descending by price
	Asks         []OrderBookLevel // ascending by price
	LastUpdateTS time.Time
}

// ModelRecommendation is the regime engine's trading stance.
type ModelRecommendation string

const (
	RecommendTrendFollow ModelRecommendation = "TREND_FOLLOW"
	RecommendMeanRevert  ModelRecommendation = "MEAN_REVERT"
	RecommendNoTrade     ModelRecommendation = "NO_TRADE"
)

// RegimeVector is consumed from the external regime-engine library; the core
// treats it as an opaque struct and never recomputes its fields.
type RegimeVector struct {
	Symbol              string
	RegimeState          int // -1, 0, +1
	MarketStructureScore float64
	MomentumScore        float64
	Hurst                float64
	Entropy              float64
	VPIN                 float64
	ModelRecommendation  ModelRecommendation
	Timestamp            time.Time
}

// Severity is the urgency of a SystemEvent.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// SystemEvent is an append-only audit record of a noteworthy occurrence:
// reconciliation mismatches, kill-switch trips, flatten actions.
type SystemEvent struct {
	EventType   string
	Severity    Severity
	Description string
	Context     map[string]interface{}
	Timestamp   time.Time
}

// OrderSide is the broker-facing buy/sell direction of an order request,
// distinct from position Side since a reduce-only close sells a long.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// OrderType is the execution style requested of the adapter.
type OrderType string

const (
	OrderLimit  OrderType = "LIMIT"
	OrderMarket OrderType = "MARKET"
)

// OrderParams describes an order the pipeline wants the Broker Gateway to
// place on behalf of a signal.
type OrderParams struct {
	Symbol       string
	Side         OrderSide
	Type         OrderType
	Size         decimal.Decimal
	LimitPrice   decimal.Decimal
	PostOnly     bool
	ReduceOnly   bool
	StopLoss     decimal.Decimal
	TakeProfits  []decimal.Decimal
	ClientOrderID string
}

// OrderStatus is the broker-side lifecycle of a single order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// OrderResult is what the adapter/Gateway returns for any order operation.
type OrderResult struct {
	Success       bool
	BrokerOrderID string
	ClientOrderID string
	Status        OrderStatus
	Filled        bool
	FillPrice     decimal.Decimal
	FilledSize    decimal.Decimal
	Error         string
	Retryable     bool
}

// Account is the broker account snapshot used by phase/safety decisions.
type Account struct {
	TotalWalletBalance decimal.Decimal
	AvailableBalance   decimal.Decimal
	AccountLeverage    int
}
