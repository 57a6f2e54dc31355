package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"titan/internal/autoexec"
	"titan/internal/broker"
	"titan/internal/broker/mockadapter"
	"titan/internal/config"
	"titan/internal/core"
	"titan/internal/l2"
	"titan/internal/phase"
	"titan/internal/safety"
	"titan/internal/shadow"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (n nopLogger) WithField(string, interface{}) core.ILogger     { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

type fakeBus struct{ events []string }

func (f *fakeBus) Publish(topic string, event interface{}) { f.events = append(f.events, topic) }

type fakeBooks struct{ snapshot core.OrderBookSnapshot }

func (f *fakeBooks) Snapshot(symbol string) (core.OrderBookSnapshot, bool) { return f.snapshot, true }

type fakeRegime struct{ vec core.RegimeVector }

func (f *fakeRegime) Current(symbol string) (core.RegimeVector, bool) { return f.vec, true }

type fakePrices struct{ price decimal.Decimal }

func (f *fakePrices) Price(symbol string) (decimal.Decimal, bool) { return f.price, true }

func freshBook() core.OrderBookSnapshot {
	bids := make([]core.OrderBookLevel, 0, 10)
	asks := make([]core.OrderBookLevel, 0, 10)
	for i := 0; i < 10; i++ {
		bids = append(bids, core.OrderBookLevel{Price: decimal.New(int64(10000-i), -2), Qty: decimal.NewFromInt(1000)})
		asks = append(asks, core.OrderBookLevel{Price: decimal.New(int64(10001+i), -2), Qty: decimal.NewFromInt(1000)})
	}
	return core.OrderBookSnapshot{Symbol: "BTCUSDT", Bids: bids, Asks: asks, LastUpdateTS: time.Now()}
}

func buildPipeline(t *testing.T) (*Pipeline, *mockadapter.Adapter) {
	t.Helper()
	bus := &fakeBus{}
	logger := nopLogger{}

	cfgMgr := config.NewManager(&config.Config{
		Whitelist: config.WhitelistConfig{Enabled: true, Symbols: []string{"BTCUSDT"}},
		RiskTuner: config.RiskTunerConfig{MakerFeePct: 0.0002, TakerFeePct: 0.0006},
	}, nil)

	phaseMgr := phase.New(phase.DefaultConfig, bus, logger)
	phaseMgr.UpdateEquity(decimal.NewFromInt(5000)) // TREND_RIDER: allows "day_swing","scalp"

	chain := safety.NewChain(nil, nil, nil, nil, logger)

	adapter := mockadapter.New()
	gw := broker.New(adapter, bus, nil, logger)
	shadowState := shadow.New(bus, logger)

	om := NewOrderManager(DefaultOrderManagerConfig, 0.0002, 0.0006, gw, logger)

	p := New(Config{
		ConfigMgr: cfgMgr,
		PhaseMgr:  phaseMgr,
		Safety:    chain,
		Trigger:   NewClientSideTrigger(5*time.Second, logger),
		Basis:     NewBasisSync(logger),
		L2:        l2.New(logger),
		Orders:    om,
		Gateway:   gw,
		Shadow:    shadowState,
		Bus:       bus,
		Books:     &fakeBooks{snapshot: freshBook()},
		Regime:    &fakeRegime{vec: core.RegimeVector{MarketStructureScore: 80, MomentumScore: 10}},
		Prices:    &fakePrices{price: decimal.NewFromInt(100)},
		Logger:    logger,
	})
	return p, adapter
}

func TestPipeline_HappyPathOpensPosition(t *testing.T) {
	p, _ := buildPipeline(t)

	outcome := p.ProcessSync(context.Background(), SignalPayload{
		SignalID: "sig-1", Symbol: "BTCUSDT", SignalType: "scalp",
		Direction: core.DirectionLong, Size: decimal.NewFromInt(1),
		StopLoss:   decimal.NewFromInt(90),
		AssetClass: "crypto",
	})

	require.True(t, outcome.Accepted)
	require.NotNil(t, outcome.Position)
	assert.Equal(t, "BTCUSDT", outcome.Position.Symbol)
}

func TestPipeline_RejectsDisabledAsset(t *testing.T) {
	p, _ := buildPipeline(t)

	outcome := p.ProcessSync(context.Background(), SignalPayload{
		SignalID: "sig-2", Symbol: "ETHUSDT", SignalType: "scalp",
		Direction: core.DirectionLong, Size: decimal.NewFromInt(1),
		AssetClass: "crypto",
	})

	assert.False(t, outcome.Accepted)
	assert.Equal(t, "ASSET_DISABLED", outcome.BlockReason)
}

func TestPipeline_RejectsDisallowedSignalType(t *testing.T) {
	p, _ := buildPipeline(t)

	outcome := p.ProcessSync(context.Background(), SignalPayload{
		SignalID: "sig-3", Symbol: "BTCUSDT", SignalType: "nonexistent_type",
		Direction: core.DirectionLong, Size: decimal.NewFromInt(1),
		AssetClass: "crypto",
	})

	assert.False(t, outcome.Accepted)
	assert.Equal(t, "SIGNAL_TYPE_NOT_ALLOWED_IN_PHASE", outcome.BlockReason)
}

func TestPipeline_StaleL2CacheVetoes(t *testing.T) {
	p, _ := buildPipeline(t)
	p.books = &fakeBooks{snapshot: core.OrderBookSnapshot{
		Symbol: "BTCUSDT", LastUpdateTS: time.Now().Add(-time.Second),
		Bids: freshBook().Bids, Asks: freshBook().Asks,
	}}

	outcome := p.ProcessSync(context.Background(), SignalPayload{
		SignalID: "sig-4", Symbol: "BTCUSDT", SignalType: "scalp",
		Direction: core.DirectionLong, Size: decimal.NewFromInt(1),
		AssetClass: "crypto",
	})

	assert.False(t, outcome.Accepted)
	assert.Equal(t, "STALE_L2_CACHE", outcome.BlockReason)
}

func TestPipeline_PrepareConfirmTriggerFlow(t *testing.T) {
	p, _ := buildPipeline(t)

	prepOutcome := p.ProcessSync(context.Background(), SignalPayload{
		SignalID: "sig-5", Symbol: "BTCUSDT", SignalType: "scalp",
		Direction: core.DirectionLong, IsPrepare: true,
		TriggerThreshold: decimal.NewFromInt(95), TriggerDirection: TriggerAbove,
		TriggerTimeoutMs: 5000,
	})
	require.True(t, prepOutcome.Accepted)

	fired := p.trigger.OnTick("BTCUSDT", decimal.NewFromInt(100))
	require.Contains(t, fired, "sig-5")

	confirmOutcome := p.ProcessSync(context.Background(), SignalPayload{
		SignalID: "sig-5", Symbol: "BTCUSDT", SignalType: "scalp",
		Direction: core.DirectionLong, Size: decimal.NewFromInt(1),
		IsConfirm: true, AssetClass: "crypto",
	})
	require.True(t, confirmOutcome.Accepted)

	dupOutcome := p.ProcessSync(context.Background(), SignalPayload{
		SignalID: "sig-5", Symbol: "BTCUSDT", SignalType: "scalp",
		Direction: core.DirectionLong, Size: decimal.NewFromInt(1),
		IsConfirm: true, AssetClass: "crypto",
	})
	assert.False(t, dupOutcome.Accepted)
	assert.Equal(t, ReasonAlreadyFired, dupOutcome.BlockReason)
}

func TestPipeline_CloseSignalClosesOpenPosition(t *testing.T) {
	p, _ := buildPipeline(t)

	openOutcome := p.ProcessSync(context.Background(), SignalPayload{
		SignalID: "sig-6", Symbol: "BTCUSDT", SignalType: "scalp",
		Direction: core.DirectionLong, Size: decimal.NewFromInt(1),
		StopLoss:   decimal.NewFromInt(90),
		AssetClass: "crypto",
	})
	require.True(t, openOutcome.Accepted)

	closeOutcome := p.ProcessSync(context.Background(), SignalPayload{
		SignalID: "sig-6-close", Symbol: "BTCUSDT",
		IsClose: true, CloseReason: core.CloseAPIClose,
		TVPrice: decimal.NewFromInt(110),
	})

	require.True(t, closeOutcome.Accepted)
	require.NotNil(t, closeOutcome.OrderResult)
	assert.True(t, closeOutcome.OrderResult.Filled)
	assert.True(t, closeOutcome.OrderResult.FillPrice.Equal(decimal.NewFromInt(110)))
	assert.False(t, p.shadow.HasPosition("BTCUSDT"))
}

func TestPipeline_CloseSignalRejectsZombieSignal(t *testing.T) {
	p, _ := buildPipeline(t)

	closeOutcome := p.ProcessSync(context.Background(), SignalPayload{
		SignalID: "sig-7-close", Symbol: "BTCUSDT",
		IsClose: true, CloseReason: core.CloseAPIClose,
		TVPrice: decimal.NewFromInt(110),
	})

	assert.False(t, closeOutcome.Accepted)
	assert.Equal(t, "ZOMBIE_SIGNAL", closeOutcome.BlockReason)
}

func TestPipeline_CloseSignalBypassesDisabledAutoExec(t *testing.T) {
	p, _ := buildPipeline(t)

	openOutcome := p.ProcessSync(context.Background(), SignalPayload{
		SignalID: "sig-8", Symbol: "BTCUSDT", SignalType: "scalp",
		Direction: core.DirectionLong, Size: decimal.NewFromInt(1),
		StopLoss:   decimal.NewFromInt(90),
		AssetClass: "crypto",
	})
	require.True(t, openOutcome.Accepted)

	p.autoExec = autoexec.New()
	p.autoExec.Disable()

	closeOutcome := p.ProcessSync(context.Background(), SignalPayload{
		SignalID: "sig-8-close", Symbol: "BTCUSDT",
		IsClose: true, CloseReason: core.CloseStopLoss,
		TVPrice: decimal.NewFromInt(85),
	})

	require.True(t, closeOutcome.Accepted)
	assert.False(t, p.shadow.HasPosition("BTCUSDT"))
}
