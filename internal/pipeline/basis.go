package pipeline

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"titan/internal/core"
)

const (
	defaultMaxBasisTolerance = 0.005 // 0.5%
	desyncCriticalTolerance  = 0.01  // 1%
	desyncSustainWindow      = 5 * time.Minute
)

// BasisReason names a basis-sync observation worth logging or acting on.
type BasisReason string

const (
	ReasonHighBasisSpread   BasisReason = "HIGH_BASIS_SPREAD"
	ReasonFeedDesyncCritical BasisReason = "FEED_DESYNC_CRITICAL"
	ReasonForceFillBasisSync BasisReason = "FORCE_FILL_BASIS_SYNC"
)

// BasisObservation is the result of one Evaluate call.
type BasisObservation struct {
	Basis       decimal.Decimal
	BasisPct    decimal.Decimal
	HighSpread  bool
	DesyncCritical bool
}

type desyncTracker struct {
	since time.Time
	armed bool
}

// BasisSync computes the TV-vs-broker price basis and tracks sustained
// desync per symbol so a transient spike does not itself trip the critical
// alarm: only a full desyncSustainWindow of continuous >1% divergence does.
type BasisSync struct {
	mu            sync.Mutex
	maxTolerance  decimal.Decimal
	desyncTol     decimal.Decimal
	sustainWindow time.Duration
	tracking      map[string]*desyncTracker
	logger        core.ILogger
}

// NewBasisSync builds a BasisSync with the spec's default tolerances.
func NewBasisSync(logger core.ILogger) *BasisSync {
	return &BasisSync{
		maxTolerance:  decimal.NewFromFloat(defaultMaxBasisTolerance),
		desyncTol:     decimal.NewFromFloat(desyncCriticalTolerance),
		sustainWindow: desyncSustainWindow,
		tracking:      make(map[string]*desyncTracker),
		logger:        logger.WithField("component", "basis_sync"),
	}
}

// Evaluate computes basis = tvPrice - brokerPrice and classifies it.
func (b *BasisSync) Evaluate(symbol string, tvPrice, brokerPrice decimal.Decimal) BasisObservation {
	basis := tvPrice.Sub(brokerPrice)
	pct := decimal.Zero
	if !brokerPrice.IsZero() {
		pct = basis.Abs().Div(brokerPrice)
	}

	obs := BasisObservation{Basis: basis, BasisPct: pct}

	if pct.GreaterThan(b.maxTolerance) {
		obs.HighSpread = true
		b.logger.Warn("high basis spread", "symbol", symbol, "basis_pct", pct.String())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tr, ok := b.tracking[symbol]
	if !ok {
		tr = &desyncTracker{}
		b.tracking[symbol] = tr
	}

	if pct.GreaterThan(b.desyncTol) {
		if !tr.armed {
			tr.armed = true
			tr.since = time.Now()
		} else if time.Since(tr.since) >= b.sustainWindow {
			obs.DesyncCritical = true
			b.logger.Error("feed desync critical", "symbol", symbol, "basis_pct", pct.String(), "sustained_for", time.Since(tr.since).String())
		}
	} else {
		tr.armed = false
	}

	return obs
}

// ShouldForceFill reports whether a basis-tracked intent's CONFIRM arrived
// after its own timeout elapsed, in which case the pipeline force-fills
// rather than leaving the intent stranded.
func ShouldForceFill(armedAt time.Time, timeout time.Duration, confirmArrived bool) bool {
	return confirmArrived && time.Since(armedAt) > timeout
}
