package shadow

import (
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

func TestState_SweepExpiredIntents(t *testing.T) {
	s := New(nopBus{}, nopLogger{})

	s.mu.Lock()
	s.intents["stale"] = &core.Intent{SignalID: "stale", Status: core.IntentPending, ReceivedAt: time.Now().Add(-time.Hour)}
	s.intents["fresh"] = &core.Intent{SignalID: "fresh", Status: core.IntentPending, ReceivedAt: time.Now()}
	s.intents["done"] = &core.Intent{SignalID: "done", Status: core.IntentExecuted, ReceivedAt: time.Now().Add(-time.Hour)}
	s.mu.Unlock()

	n := s.SweepExpiredIntents()
	if n != 1 {
		t.Fatalf("expected 1 expired intent, got %d", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intents["stale"].Status != core.IntentExpired {
		t.Fatalf("expected stale intent demoted to EXPIRED, got %s", s.intents["stale"].Status)
	}
	if s.intents["done"].Status != core.IntentExecuted {
		t.Fatal("non-pending intent must not be touched by the sweep")
	}
}
