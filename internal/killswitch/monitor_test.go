package killswitch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"titan/internal/core"
	"titan/internal/eventbus"
)

// waitForReason polls get until it returns a non-empty string or timeout
// elapses; eventbus.Bus.Publish delivers asynchronously, so handler side
// effects can land after Publish returns.
func waitForReason(t *testing.T, timeout time.Duration, get func() string) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r := get(); r != "" {
			return r
		}
		time.Sleep(time.Millisecond)
	}
	return get()
}

type fakeAccounts struct {
	balance decimal.Decimal
}

func (f *fakeAccounts) GetAccount(ctx context.Context) (*core.Account, error) {
	return &core.Account{TotalWalletBalance: f.balance}, nil
}

func TestCoordinator_FlashCrashTripsOnPoll(t *testing.T) {
	flash := NewFlashCrashMonitor(FlashCrashConfig{Window: time.Minute, MaxDropPct: decimal.NewFromFloat(0.10)}, nopLogger{})
	zscore := NewZScoreDetector(DefaultZScoreConfig, nopLogger{})
	accounts := &fakeAccounts{balance: decimal.NewFromInt(10000)}

	var mu sync.Mutex
	var gotReason string
	onTrip := func(reason string, ev core.SystemEvent) {
		mu.Lock()
		defer mu.Unlock()
		gotReason = reason
	}

	c := NewCoordinator(flash, zscore, accounts, 5*time.Millisecond, onTrip, nopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	defer cancel()

	time.Sleep(20 * time.Millisecond)
	accounts.balance = decimal.NewFromInt(8000) // 20% drop, beyond 10% threshold

	got := waitForReason(t, time.Second, func() string {
		mu.Lock()
		defer mu.Unlock()
		return gotReason
	})
	if got != "FLASH_CRASH" {
		t.Fatalf("expected FLASH_CRASH trip, got %q", got)
	}
}

func TestCoordinator_SubscribeTripsOnTradeRecorded(t *testing.T) {
	flash := NewFlashCrashMonitor(DefaultFlashCrashConfig, nopLogger{})
	zscore := NewZScoreDetector(ZScoreConfig{Window: 5, ZThreshold: -1.0, ExpectedMean: 0.0}, nopLogger{})
	accounts := &fakeAccounts{balance: decimal.NewFromInt(10000)}

	var mu sync.Mutex
	var gotReason string
	onTrip := func(reason string, ev core.SystemEvent) {
		mu.Lock()
		defer mu.Unlock()
		gotReason = reason
	}

	c := NewCoordinator(flash, zscore, accounts, time.Hour, onTrip, nopLogger{})
	bus := eventbus.New(nopLogger{})
	c.Subscribe(bus)

	for i := 0; i < 5; i++ {
		bus.Publish(eventbus.TopicTradeRecorded, core.TradeRecord{
			Symbol: "BTCUSDT",
			PnL:    decimal.NewFromInt(10),
		})
	}
	for i := 0; i < 3; i++ {
		bus.Publish(eventbus.TopicTradeRecorded, core.TradeRecord{
			Symbol: "BTCUSDT",
			PnL:    decimal.NewFromInt(-500),
		})
	}

	got := waitForReason(t, time.Second, func() string {
		mu.Lock()
		defer mu.Unlock()
		return gotReason
	})
	if got != "ZSCORE_DRIFT" {
		t.Fatalf("expected ZSCORE_DRIFT trip, got %q", got)
	}
}

func TestCoordinator_SubscribeIgnoresNonTradeEvents(t *testing.T) {
	flash := NewFlashCrashMonitor(DefaultFlashCrashConfig, nopLogger{})
	zscore := NewZScoreDetector(DefaultZScoreConfig, nopLogger{})
	accounts := &fakeAccounts{balance: decimal.NewFromInt(10000)}

	var mu sync.Mutex
	tripped := false
	onTrip := func(reason string, ev core.SystemEvent) {
		mu.Lock()
		defer mu.Unlock()
		tripped = true
	}

	c := NewCoordinator(flash, zscore, accounts, time.Hour, onTrip, nopLogger{})
	bus := eventbus.New(nopLogger{})
	c.Subscribe(bus)

	bus.Publish(eventbus.TopicTradeRecorded, "not a trade record")

	// A bounded wait rather than an immediate check: Publish delivers
	// asynchronously now, so "nothing happened" must be given time to
	// happen before we can trust its absence.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if tripped {
		t.Fatal("expected non-TradeRecord payload to be ignored")
	}
}
