package safety

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"titan/internal/core"
	apphttp "titan/pkg/http"
	"titan/pkg/retry"
)

// FundingQuote is one symbol's latest perpetual funding-rate sample.
type FundingQuote struct {
	Rate           decimal.Decimal
	PaymentsPerDay int
}

// FundingSource is the narrow read surface the transport layer needs to
// enrich an inbound signal with live funding data the webhook payload
// itself never carries.
type FundingSource interface {
	Funding(symbol string) (FundingQuote, bool)
}

type fundingQuoteWire struct {
	Symbol         string          `json:"symbol"`
	FundingRate    decimal.Decimal `json:"funding_rate"`
	PaymentsPerDay int             `json:"payments_per_day"`
}

// FundingPoller periodically fetches perpetual funding rates for a fixed
// symbol list from a REST endpoint and caches the latest sample per symbol,
// so the Derivatives Regime gate always has a fresh annualized-funding
// input even though TradingView webhooks never carry one.
type FundingPoller struct {
	client   *apphttp.Client
	symbols  []string
	interval time.Duration
	logger   core.ILogger

	mu    sync.RWMutex
	cache map[string]FundingQuote
}

// NewFundingPoller builds a poller against baseURL, polling every interval
// for each of symbols. Pass a signer of nil if the funding endpoint is
// public, as most exchange funding-rate endpoints are.
func NewFundingPoller(baseURL string, symbols []string, interval time.Duration, signer apphttp.Signer, logger core.ILogger) *FundingPoller {
	return &FundingPoller{
		client:   apphttp.NewClient(baseURL, 5*time.Second, signer),
		symbols:  symbols,
		interval: interval,
		logger:   logger.WithField("component", "funding_poller"),
		cache:    make(map[string]FundingQuote),
	}
}

// Funding implements FundingSource.
func (p *FundingPoller) Funding(symbol string) (FundingQuote, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.cache[symbol]
	return q, ok
}

// Run implements bootstrap.Runner: it polls every symbol on each tick until
// ctx is canceled. A failed fetch for one symbol logs and leaves the prior
// cached value in place rather than clearing it.
func (p *FundingPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *FundingPoller) pollAll(ctx context.Context) {
	for _, symbol := range p.symbols {
		if err := p.pollOne(ctx, symbol); err != nil {
			p.logger.Warn("funding poll failed", "symbol", symbol, "error", err)
		}
	}
}

// pollOne retries the fetch-and-decode operation as a unit: failsafe-go
// inside apphttp.Client already retries transport-level 5xx/network errors,
// this outer retry additionally covers a malformed response body, which the
// HTTP-layer policy has no visibility into.
func (p *FundingPoller) pollOne(ctx context.Context, symbol string) error {
	var quote fundingQuoteWire
	err := retry.Do(ctx, retry.DefaultPolicy, func(error) bool { return true }, func() error {
		body, err := p.client.Get(ctx, "/fundingRate", map[string]string{"symbol": symbol})
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &quote)
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.cache[symbol] = FundingQuote{Rate: quote.FundingRate, PaymentsPerDay: quote.PaymentsPerDay}
	p.mu.Unlock()
	return nil
}
