package safety

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"titan/internal/core"
)

const (
	backoffMaxMultiplier = 16.0
	backoffRecoveryAfter = 5 * time.Minute
)

// RateLimiterConfig is the steady-state token bucket shape per exchange.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// exchangeState tracks one exchange's bucket plus its adaptive 429 backoff.
type exchangeState struct {
	limiter    *rate.Limiter
	multiplier float64
	lastTrip   time.Time
}

// RateLimiter is a per-exchange token bucket with adaptive backoff: a 429
// doubles the multiplier (capped at 16x), and the multiplier halves back
// toward 1 after a sustained recovery window with no further 429s.
type RateLimiter struct {
	mu      sync.Mutex
	cfg     map[string]RateLimiterConfig
	state   map[string]*exchangeState
	logger  core.ILogger
}

// NewRateLimiter builds a RateLimiter seeded with per-exchange configs.
func NewRateLimiter(cfg map[string]RateLimiterConfig, logger core.ILogger) *RateLimiter {
	return &RateLimiter{
		cfg:    cfg,
		state:  make(map[string]*exchangeState),
		logger: logger.WithField("component", "rate_limiter"),
	}
}

func (r *RateLimiter) stateFor(exchange string) *exchangeState {
	if s, ok := r.state[exchange]; ok {
		return s
	}
	cfg, ok := r.cfg[exchange]
	if !ok {
		cfg = RateLimiterConfig{RequestsPerSecond: 10, Burst: 10}
	}
	s := &exchangeState{
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		multiplier: 1.0,
	}
	r.state[exchange] = s
	return s
}

// Throttle blocks until a request of the given weight is allowed to proceed
// against exchange's current effective rate (base rate / multiplier).
func (r *RateLimiter) Throttle(ctx context.Context, exchange string, weight int) error {
	r.mu.Lock()
	s := r.stateFor(exchange)
	r.recoverLocked(s)
	lim := s.limiter
	mult := s.multiplier
	baseRate := float64(lim.Limit())
	r.mu.Unlock()

	if err := lim.WaitN(ctx, weight); err != nil {
		return err
	}
	if mult > 1.0 && baseRate > 0 {
		// Degrade the effective throughput by the active multiplier: sleep
		// an additional penalty proportional to backoff and request size.
		penalty := time.Duration(float64(time.Second) * (mult - 1.0) * float64(weight) / baseRate)
		select {
		case <-time.After(penalty):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RecordRateLimitHit doubles the exchange's backoff multiplier, capped at
// 16x, and marks the trip time for the recovery window.
func (r *RateLimiter) RecordRateLimitHit(exchange string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stateFor(exchange)
	s.multiplier *= 2
	if s.multiplier > backoffMaxMultiplier {
		s.multiplier = backoffMaxMultiplier
	}
	s.lastTrip = time.Now()
	r.logger.Warn("rate limit hit, backing off", "exchange", exchange, "multiplier", s.multiplier)
}

// recoverLocked halves the multiplier back toward 1 once a full recovery
// window has elapsed with no further trips.
func (r *RateLimiter) recoverLocked(s *exchangeState) {
	if s.multiplier <= 1.0 || s.lastTrip.IsZero() {
		return
	}
	if time.Since(s.lastTrip) >= backoffRecoveryAfter {
		s.multiplier /= 2
		if s.multiplier < 1.0 {
			s.multiplier = 1.0
		}
		s.lastTrip = time.Now()
	}
}

// Multiplier reports the current backoff multiplier for exchange (1.0 =
// nominal).
func (r *RateLimiter) Multiplier(exchange string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateFor(exchange).multiplier
}
