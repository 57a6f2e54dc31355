// Package shadow implements the authoritative in-process position and
// intent ledger. Every mutation to a Position passes through ShadowState and
// emits exactly one primary event; a broker confirmation is the only thing
// that can create or grow a Position, which is what prevents ghost
// positions when a downstream gate vetoes a signal after it was accepted.
package shadow

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"titan/internal/core"
	"titan/internal/eventbus"
)

// ErrInvalidIntent is returned by ProcessIntent for a malformed payload.
type ErrInvalidIntent struct{ Reason string }

func (e ErrInvalidIntent) Error() string { return "invalid intent: " + e.Reason }

// IntentPayload is the minimal shape ProcessIntent validates; callers
// (the HTTP webhook handler) translate the wire JSON into this.
type IntentPayload struct {
	SignalID    string
	Symbol      string
	Direction   core.Direction
	EntryZone   []decimal.Decimal
	StopLoss    decimal.Decimal
	TakeProfits []decimal.Decimal
	Size        decimal.Decimal
}

// PriceFunc resolves the current market price for a symbol; used by
// close-all operations that need a per-symbol exit price.
type PriceFunc func(symbol string) (decimal.Decimal, bool)

const (
	defaultIntentTTL  = 5 * time.Minute
	defaultHistoryCap = 1000
	sizeEpsilon       = 1e-10
)

// State is the Shadow State ledger: the single source of truth for
// positions and pending intents.
type State struct {
	mu sync.Mutex

	positions map[string]*core.Position // symbol -> position
	intents   map[string]*core.Intent   // signal_id -> intent
	history   []core.TradeRecord        // bounded ring, append-only
	historyCap int

	intentTTL time.Duration
	bus       core.EventPublisher
	logger    core.ILogger
}

// New creates an empty Shadow State.
func New(bus core.EventPublisher, logger core.ILogger) *State {
	return &State{
		positions:  make(map[string]*core.Position),
		intents:    make(map[string]*core.Intent),
		historyCap: defaultHistoryCap,
		intentTTL:  defaultIntentTTL,
		bus:        bus,
		logger:     logger.WithField("component", "shadow_state"),
	}
}

// ProcessIntent validates minimum fields and stores a PENDING intent.
func (s *State) ProcessIntent(p IntentPayload) (*core.Intent, error) {
	if p.SignalID == "" {
		return nil, ErrInvalidIntent{Reason: "signal_id empty"}
	}
	if p.Symbol == "" {
		return nil, ErrInvalidIntent{Reason: "symbol empty"}
	}
	if p.Direction != core.DirectionLong && p.Direction != core.DirectionShort {
		return nil, ErrInvalidIntent{Reason: "direction must be +1 or -1"}
	}

	intent := &core.Intent{
		SignalID:    p.SignalID,
		Symbol:      p.Symbol,
		Direction:   p.Direction,
		EntryZone:   p.EntryZone,
		StopLoss:    p.StopLoss,
		TakeProfits: p.TakeProfits,
		Size:        p.Size,
		Status:      core.IntentPending,
		ReceivedAt:  time.Now(),
	}

	s.mu.Lock()
	s.intents[p.SignalID] = intent
	s.mu.Unlock()

	s.publish(eventbus.TopicIntentProcessed, intent.Clone())
	return intent.Clone(), nil
}

// ValidateIntent transitions PENDING -> VALIDATED. Idempotent; a missing id
// is a no-op returning nil.
func (s *State) ValidateIntent(signalID string) *core.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[signalID]
	if !ok || intent.Status != core.IntentPending {
		if ok {
			return intent.Clone()
		}
		return nil
	}
	intent.Status = core.IntentValidated
	clone := intent.Clone()
	s.publishUnlocked(eventbus.TopicIntentValidated, clone)
	return clone
}

// RejectIntent transitions PENDING/VALIDATED -> REJECTED. A rejected intent
// never mutates positions: this is the anti-ghost-position invariant.
func (s *State) RejectIntent(signalID, reason string) *core.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[signalID]
	if !ok {
		return nil
	}
	if intent.Status == core.IntentRejected || intent.Status == core.IntentExecuted {
		return intent.Clone()
	}
	intent.Status = core.IntentRejected
	intent.RejectionReason = reason
	clone := intent.Clone()
	s.publishUnlocked(eventbus.TopicIntentRejected, clone)
	return clone
}

// BrokerResponse is the minimal broker confirmation ShadowState needs to
// mutate a Position.
type BrokerResponse struct {
	Filled     bool
	FillPrice  decimal.Decimal
	FilledSize decimal.Decimal
}

// ConfirmExecution only advances state when broker_response.filled == true.
// It opens a new Position or pyramids an existing one, volume-weighting the
// entry price. This is the only path by which a Position is created.
func (s *State) ConfirmExecution(signalID string, resp BrokerResponse) (*core.Position, error) {
	if !resp.Filled {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[signalID]
	if !ok {
		return nil, fmt.Errorf("confirmExecution: unknown signal_id %q", signalID)
	}
	if intent.Status == core.IntentRejected {
		// Anti-ghost-position invariant: a rejected intent must never mutate positions.
		return nil, fmt.Errorf("confirmExecution: signal_id %q was rejected", signalID)
	}

	side := core.SideLong
	if intent.Direction == core.DirectionShort {
		side = core.SideShort
	}

	existing, hasExisting := s.positions[intent.Symbol]

	var pos *core.Position
	topic := eventbus.TopicPositionOpened
	if hasExisting && existing.Side == side {
		// Pyramid: volume-weighted average entry price.
		oldSize := existing.Size
		newSize := oldSize.Add(resp.FilledSize)
		weightedEntry := existing.EntryPrice.Mul(oldSize).
			Add(resp.FillPrice.Mul(resp.FilledSize)).
			Div(newSize)

		existing.Size = newSize
		existing.EntryPrice = weightedEntry
		pos = existing
		topic = eventbus.TopicPositionUpdated
	} else if hasExisting {
		// Side flip is invalid without a full close first; the pipeline must
		// have closed the opposing position before this execution.
		return nil, fmt.Errorf("confirmExecution: position %s already open on opposite side", intent.Symbol)
	} else {
		pos = &core.Position{
			Symbol:      intent.Symbol,
			Side:        side,
			Size:        resp.FilledSize,
			EntryPrice:  resp.FillPrice,
			StopLoss:    intent.StopLoss,
			TakeProfits: intent.TakeProfits,
			SignalID:    signalID,
			OpenedAt:    time.Now(),
		}
		s.positions[intent.Symbol] = pos
	}

	intent.Status = core.IntentExecuted
	clone := pos.Clone()
	s.publishUnlocked(topic, clone)
	return clone, nil
}

// ClosePosition fully closes a position and appends a TradeRecord.
func (s *State) ClosePosition(symbol string, exitPrice decimal.Decimal, reason core.CloseReason) (*core.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closePartial(symbol, exitPrice, decimal.Zero, reason, true)
}

// ClosePartialPosition reduces a position's size without terminating it.
// size must satisfy 0 < size <= current_size.
func (s *State) ClosePartialPosition(symbol string, exitPrice, size decimal.Decimal, reason core.CloseReason) (*core.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("closePartialPosition: no position for %s", symbol)
	}
	if size.LessThanOrEqual(decimal.Zero) || size.GreaterThan(pos.Size) {
		return nil, fmt.Errorf("closePartialPosition: size %s out of range (0, %s]", size, pos.Size)
	}
	return s.closePartial(symbol, exitPrice, size, reason, false)
}

// closePartial performs the actual close; callers must hold s.mu. If full is
// true the whole position is closed regardless of size.
func (s *State) closePartial(symbol string, exitPrice, size decimal.Decimal, reason core.CloseReason, full bool) (*core.TradeRecord, error) {
	pos, ok := s.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("closePosition: no position for %s", symbol)
	}

	closeSize := size
	if full {
		closeSize = pos.Size
	}

	pnl := core.ComputePnL(pos.Side, pos.EntryPrice, exitPrice, closeSize)
	pnlPct := decimal.Zero
	notional := pos.EntryPrice.Mul(closeSize)
	if !notional.IsZero() {
		pnlPct = pnl.Div(notional).Mul(decimal.NewFromInt(100))
	}

	tpPrice := decimal.Zero
	if len(pos.TakeProfits) > 0 {
		tpPrice = pos.TakeProfits[0]
	}
	slippagePct := decimal.Zero
	if !pos.EntryPrice.IsZero() {
		slippagePct = exitPrice.Sub(pos.EntryPrice).Div(pos.EntryPrice).Abs().Mul(decimal.NewFromInt(100))
	}

	rec := core.TradeRecord{
		SignalID:    pos.SignalID,
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		StopPrice:   pos.StopLoss,
		TPPrice:     tpPrice,
		FillPrice:   exitPrice,
		Size:        closeSize,
		PnL:         pnl,
		PnLPct:      pnlPct,
		SlippagePct: slippagePct,
		RegimeState: pos.RegimeState,
		Phase:       pos.Phase,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    time.Now(),
		CloseReason: reason,
	}
	s.appendHistory(rec)

	remaining := pos.Size.Sub(closeSize)
	if remaining.Abs().LessThan(decimal.NewFromFloat(sizeEpsilon)) || full {
		delete(s.positions, symbol)
		s.publishUnlocked(eventbus.TopicPositionClosed, rec)
	} else {
		pos.Size = remaining
		s.publishUnlocked(eventbus.TopicPositionPartial, rec)
	}
	s.publishUnlocked(eventbus.TopicTradeRecorded, rec)

	return &rec, nil
}

func (s *State) appendHistory(rec core.TradeRecord) {
	s.history = append(s.history, rec)
	if len(s.history) > s.historyCap {
		s.history = s.history[len(s.history)-s.historyCap:]
	}
}

// CloseAllPositions iterates a snapshot of symbols, resolves an exit price
// via priceFn, and closes each. A missing/invalid price skips that symbol
// and emits a WARN event rather than failing the whole sweep.
func (s *State) CloseAllPositions(priceFn PriceFunc, reason core.CloseReason) []core.TradeRecord {
	s.mu.Lock()
	symbols := make([]string, 0, len(s.positions))
	for sym := range s.positions {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()

	records := make([]core.TradeRecord, 0, len(symbols))
	for _, sym := range symbols {
		price, ok := priceFn(sym)
		if !ok || price.LessThanOrEqual(decimal.Zero) {
			s.publish(eventbus.TopicSystemEvent, core.SystemEvent{
				EventType:   "close_all_skip_no_price",
				Severity:    core.SeverityWarn,
				Description: fmt.Sprintf("no valid exit price for %s during close-all", sym),
				Context:     map[string]interface{}{"symbol": sym},
				Timestamp:   time.Now(),
			})
			continue
		}
		s.mu.Lock()
		rec, err := s.closePartial(sym, price, decimal.Zero, reason, true)
		s.mu.Unlock()
		if err != nil {
			continue
		}
		records = append(records, *rec)
	}
	return records
}

// IsZombieSignal returns true if a close intent arrives for a symbol with no
// open position.
func (s *State) IsZombieSignal(symbol, signalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.positions[symbol]
	if !ok {
		s.logger.Warn("zombie signal: close for nonexistent position", "symbol", symbol, "signal_id", signalID)
		return true
	}
	return false
}

// HasPosition reports whether symbol currently has an open position.
func (s *State) HasPosition(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.positions[symbol]
	return ok
}

// GetPosition returns a deep copy of the position for symbol, if any.
func (s *State) GetPosition(symbol string) (*core.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[symbol]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// GetAllPositions returns deep copies of every open position.
func (s *State) GetAllPositions() []core.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p.Clone())
	}
	return out
}

// GetHistory returns a copy of the bounded trade history ring.
func (s *State) GetHistory() []core.TradeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.TradeRecord, len(s.history))
	copy(out, s.history)
	return out
}

// SweepExpiredIntents demotes PENDING intents older than the TTL to EXPIRED.
// Intended to be called periodically by the monotonic scheduler.
func (s *State) SweepExpiredIntents() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	now := time.Now()
	for _, intent := range s.intents {
		if intent.Status == core.IntentPending && now.Sub(intent.ReceivedAt) > s.intentTTL {
			intent.Status = core.IntentExpired
			expired++
		}
	}
	return expired
}

// snapshot is the JSON-serializable form of the Shadow State.
type snapshot struct {
	Positions map[string]*core.Position `json:"positions"`
	Intents   map[string]*core.Intent   `json:"intents"`
	History   []core.TradeRecord        `json:"history"`
}

// Serialize produces a JSON snapshot for crash recovery.
func (s *State) Serialize() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(snapshot{
		Positions: s.positions,
		Intents:   s.intents,
		History:   s.history,
	})
}

// Deserialize restores state from a prior Serialize output, replacing
// whatever state is currently held.
func (s *State) Deserialize(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Positions == nil {
		snap.Positions = make(map[string]*core.Position)
	}
	if snap.Intents == nil {
		snap.Intents = make(map[string]*core.Intent)
	}
	s.positions = snap.Positions
	s.intents = snap.Intents
	s.history = snap.History
	return nil
}

// RestorePosition re-inserts a position recovered from the durable store on
// startup, synthesizing a recovered_{symbol}_{now} signal id.
func (s *State) RestorePosition(pos core.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos.SignalID == "" {
		pos.SignalID = fmt.Sprintf("recovered_%s_%d", pos.Symbol, time.Now().UnixNano())
	}
	p := pos
	s.positions[pos.Symbol] = &p
}

// IdempotencyKey computes the deterministic fingerprint used by the Broker
// Gateway to dedupe side effects for a signal.
func IdempotencyKey(signalID string) string {
	sum := sha256.Sum256([]byte(signalID))
	return fmt.Sprintf("%x", sum)[:32]
}

func (s *State) publish(topic string, event interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, event)
	}
}

func (s *State) publishUnlocked(topic string, event interface{}) {
	// Called while s.mu is held by most paths. eventbus.Bus.Publish only
	// enqueues and returns; a subscriber's handler (including one that
	// calls back into ShadowState and blocks on s.mu, e.g. a kill-switch
	// flatten) always runs after this function's caller has released the
	// lock, not before.
	s.publish(topic, event)
}
