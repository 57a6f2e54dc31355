// Package marketdata is the concurrency-safe read cache that sits between a
// raw exchange WebSocket feed and the pipeline's narrow read interfaces
// (OrderBookSource, RegimeSource, BrokerPriceSource). It holds no decision
// logic: it only stores whatever the feed last reported and answers point
// lookups under a read-write lock, the way the teacher's in-memory state
// types are built.
package marketdata

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"titan/internal/core"
)

// Cache is the last-value-wins store for order books, regime vectors, and
// broker mark prices, keyed by symbol.
type Cache struct {
	mu     sync.RWMutex
	books  map[string]core.OrderBookSnapshot
	regime map[string]core.RegimeVector
	prices map[string]decimal.Decimal

	logger core.ILogger
}

// New returns an empty Cache.
func New(logger core.ILogger) *Cache {
	return &Cache{
		books:  make(map[string]core.OrderBookSnapshot),
		regime: make(map[string]core.RegimeVector),
		prices: make(map[string]decimal.Decimal),
		logger: logger,
	}
}

// Snapshot implements pipeline.OrderBookSource.
func (c *Cache) Snapshot(symbol string) (core.OrderBookSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	book, ok := c.books[symbol]
	return book, ok
}

// Current implements pipeline.RegimeSource.
func (c *Cache) Current(symbol string) (core.RegimeVector, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rv, ok := c.regime[symbol]
	return rv, ok
}

// Price implements pipeline.BrokerPriceSource.
func (c *Cache) Price(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[symbol]
	return p, ok
}

// UpdateBook replaces the cached order book for a symbol, stamping
// LastUpdateTS if the caller left it zero.
func (c *Cache) UpdateBook(book core.OrderBookSnapshot) {
	if book.LastUpdateTS.IsZero() {
		book.LastUpdateTS = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.books[book.Symbol] = book
}

// UpdateRegime replaces the cached regime vector for a symbol.
func (c *Cache) UpdateRegime(rv core.RegimeVector) {
	if rv.Timestamp.IsZero() {
		rv.Timestamp = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regime[rv.Symbol] = rv
}

// UpdatePrice replaces the cached broker mark price for a symbol.
func (c *Cache) UpdatePrice(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
}
