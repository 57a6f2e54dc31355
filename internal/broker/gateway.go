// Package broker provides the uniform Broker Gateway over heterogeneous
// adapters: idempotency, retries, timeouts, and fire-and-forget audit
// persistence, grounded on the same failsafe-go retry/circuit-breaker
// pipeline style used by pkg/http.Client.
package broker

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"titan/internal/core"
	"titan/internal/eventbus"
)

const (
	idempotencyTTL     = 5 * time.Minute
	defaultTimeout     = 5 * time.Second
	defaultMaxRetries  = 3
	sweepInterval      = 60 * time.Second
)

var retryableMsg = regexp.MustCompile(`(?i)timeout|rate.?limit|ECONNRESET`)

var retryableCodes = map[string]bool{
	"ETIMEDOUT":    true,
	"ECONNRESET":   true,
	"ECONNREFUSED": true,
	"RATE_LIMIT":   true,
	"TIMEOUT":      true,
}

// RetryableError lets an adapter flag an error as retryable explicitly,
// independent of message sniffing.
type RetryableError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *RetryableError
	if errAs(err, &re) {
		if re.Retryable || retryableCodes[re.Code] {
			return true
		}
	}
	return retryableMsg.MatchString(err.Error())
}

func errAs(err error, target **RetryableError) bool {
	for err != nil {
		if re, ok := err.(*RetryableError); ok {
			*target = re
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// AuditSink persists a filled order fire-and-forget; implemented by the
// durable store's trade writer. A failure here must never block the trading
// path.
type AuditSink interface {
	RecordTrade(ctx context.Context, signalID string, result core.OrderResult, params core.OrderParams)
}

// Gateway is the uniform, adapter-backed broker API.
type Gateway struct {
	adapter core.BrokerAdapter
	bus     core.EventPublisher
	audit   AuditSink
	logger  core.ILogger

	timeout    time.Duration
	maxRetries int

	mu      sync.Mutex
	cache   map[string]*core.IdempotencyEntry
	keyLock map[string]*sync.Mutex // serializes first-processing duplicates per signal_id
}

// New wraps adapter behind the Gateway. audit may be nil if no durable store
// is wired yet (e.g. in tests).
func New(adapter core.BrokerAdapter, bus core.EventPublisher, audit AuditSink, logger core.ILogger) *Gateway {
	return &Gateway{
		adapter:    adapter,
		bus:        bus,
		audit:      audit,
		logger:     logger.WithField("component", "broker_gateway"),
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetries,
		cache:      make(map[string]*core.IdempotencyEntry),
		keyLock:    make(map[string]*sync.Mutex),
	}
}

// SetAdapter swaps the underlying adapter at runtime (e.g. paper -> live).
func (g *Gateway) SetAdapter(a core.BrokerAdapter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adapter = a
}

// idempotencyKey truncates the SHA-256 digest of signalID to 32 hex chars.
func idempotencyKey(signalID string) string {
	sum := sha256.Sum256([]byte(signalID))
	return hex.EncodeToString(sum[:])[:32]
}

// ClientOrderID builds titan_{symbol}_{side}_{unix_ms}_{rand_hex8}.
func ClientOrderID(symbol string, side core.OrderSide) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("titan_%s_%s_%d_%s", symbol, strings.ToLower(string(side)), time.Now().UnixMilli(), hex.EncodeToString(b[:]))
}

// SendOrder is the gateway's core contract: idempotent, retried, timed-out,
// and never throws across the boundary — a failure is surfaced as
// OrderResult{Success:false}.
func (g *Gateway) SendOrder(ctx context.Context, signalID string, params core.OrderParams) *core.OrderResult {
	key := idempotencyKey(signalID)

	g.mu.Lock()
	if entry, ok := g.cache[key]; ok && time.Now().Before(entry.ExpiresAt) {
		g.mu.Unlock()
		return entry.CachedResult
	}
	lock, ok := g.keyLock[key]
	if !ok {
		lock = &sync.Mutex{}
		g.keyLock[key] = lock
	}
	g.mu.Unlock()

	// Serialize concurrent duplicates of the same signal_id through a
	// key-specific lock during first processing.
	lock.Lock()
	defer lock.Unlock()

	// Re-check cache: a duplicate may have waited on the lock while the
	// first caller finished.
	g.mu.Lock()
	if entry, ok := g.cache[key]; ok && time.Now().Before(entry.ExpiresAt) {
		g.mu.Unlock()
		return entry.CachedResult
	}
	g.mu.Unlock()

	clientOrderID := ClientOrderID(params.Symbol, params.Side)
	params.ClientOrderID = clientOrderID

	result := g.dispatch(ctx, clientOrderID, params)

	g.mu.Lock()
	g.cache[key] = &core.IdempotencyEntry{
		Key:          key,
		CachedResult: result,
		ExpiresAt:    time.Now().Add(idempotencyTTL),
	}
	g.mu.Unlock()

	if result.Success && result.Filled {
		g.publish(eventbus.TopicOrderFilled, *result)
		if g.audit != nil {
			go g.audit.RecordTrade(context.Background(), signalID, *result, params)
		}
	} else if !result.Success {
		g.publish(eventbus.TopicOrderRejected, *result)
	}

	return result
}

// dispatch wraps the adapter call with a timeout and bounded retries with
// linear-by-attempt backoff (delay * attempt), retrying only classified
// transient errors.
func (g *Gateway) dispatch(ctx context.Context, clientOrderID string, params core.OrderParams) *core.OrderResult {
	policy := retrypolicy.NewBuilder[*core.OrderResult]().
		HandleIf(func(r *core.OrderResult, err error) bool {
			return err != nil && isRetryable(err)
		}).
		WithMaxRetries(g.maxRetries).
		OnRetry(func(e failsafe.ExecutionEvent[*core.OrderResult]) {
			delay := time.Duration(e.Attempts()) * 200 * time.Millisecond
			time.Sleep(delay)
		}).
		Build()

	executor := failsafe.With[*core.OrderResult](policy)

	res, err := executor.GetWithExecution(func(exec failsafe.Execution[*core.OrderResult]) (*core.OrderResult, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		r, err := g.adapter.SendOrder(callCtx, clientOrderID, params)
		return r, err
	})
	if err != nil {
		g.logger.Error("sendOrder failed after retries", "client_order_id", clientOrderID, "error", err)
		return &core.OrderResult{Success: false, ClientOrderID: clientOrderID, Error: err.Error(), Retryable: isRetryable(err)}
	}
	return res
}

// GetPositions proxies the adapter.
func (g *Gateway) GetPositions(ctx context.Context, symbol string) ([]core.Position, error) {
	return g.adapter.GetPositions(ctx, symbol)
}

// GetAccount proxies the adapter.
func (g *Gateway) GetAccount(ctx context.Context) (*core.Account, error) {
	return g.adapter.GetAccount(ctx)
}

// CancelOrder proxies the adapter.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	return g.adapter.CancelOrder(ctx, symbol, brokerOrderID)
}

// ClosePosition proxies the adapter.
func (g *Gateway) ClosePosition(ctx context.Context, symbol string) (*core.OrderResult, error) {
	return g.adapter.ClosePosition(ctx, symbol)
}

// CloseAllPositions proxies the adapter; errors are logged by the caller,
// never thrown across the reconciliation boundary.
func (g *Gateway) CloseAllPositions(ctx context.Context) error {
	return g.adapter.CloseAllPositions(ctx)
}

// SetStopLoss proxies the adapter.
func (g *Gateway) SetStopLoss(ctx context.Context, symbol string, price float64) error {
	return g.adapter.SetStopLoss(ctx, symbol, price)
}

// SetTakeProfit proxies the adapter.
func (g *Gateway) SetTakeProfit(ctx context.Context, symbol string, price float64) error {
	return g.adapter.SetTakeProfit(ctx, symbol, price)
}

// TestConnection proxies the adapter.
func (g *Gateway) TestConnection(ctx context.Context) error {
	return g.adapter.TestConnection(ctx)
}

// SweepExpiredEntries drops idempotency cache entries past their TTL. Meant
// to run every 60s on the monotonic scheduler.
func (g *Gateway) SweepExpiredEntries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	n := 0
	for k, e := range g.cache {
		if now.After(e.ExpiresAt) {
			delete(g.cache, k)
			delete(g.keyLock, k)
			n++
		}
	}
	return n
}

func (g *Gateway) publish(topic string, event interface{}) {
	if g.bus != nil {
		g.bus.Publish(topic, event)
	}
}

// SweepInterval is exported for the scheduler to wire without duplicating
// the constant.
const SweepInterval = sweepInterval
