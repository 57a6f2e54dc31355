package broker

import (
	"sync"
	"testing"
	"time"

	"titan/internal/core"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (n nopLogger) WithField(string, interface{}) core.ILogger     { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

type nopBus struct{}

func (nopBus) Publish(topic string, event interface{}) {}

func TestGateway_SweepExpiredEntries(t *testing.T) {
	g := New(nil, nopBus{}, nil, nopLogger{})

	g.mu.Lock()
	g.cache["expired"] = &core.IdempotencyEntry{Key: "expired", ExpiresAt: time.Now().Add(-time.Minute)}
	g.cache["live"] = &core.IdempotencyEntry{Key: "live", ExpiresAt: time.Now().Add(time.Hour)}
	g.keyLock["expired"] = &sync.Mutex{}
	g.mu.Unlock()

	n := g.SweepExpiredEntries()
	if n != 1 {
		t.Fatalf("expected 1 swept entry, got %d", n)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.cache["expired"]; ok {
		t.Fatal("expired entry should have been removed")
	}
	if _, ok := g.cache["live"]; !ok {
		t.Fatal("live entry should remain")
	}
	if _, ok := g.keyLock["expired"]; ok {
		t.Fatal("expired key lock should have been removed")
	}
}
