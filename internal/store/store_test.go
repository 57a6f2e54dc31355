package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "titan_test.db")
	s, err := Open(path, nopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStore_SaveAndRecoverOpenPosition(t *testing.T) {
	s, _ := openTestStore(t)

	pos := core.Position{
		Symbol:     "BTCUSDT",
		Side:       core.SideLong,
		Size:       decimal.NewFromFloat(1.5),
		EntryPrice: decimal.NewFromInt(50000),
		StopLoss:   decimal.NewFromInt(49000),
		SignalID:   "sig-1",
		Phase:      2,
		OpenedAt:   time.Now(),
	}
	s.SavePosition(pos)

	// SavePosition runs on the worker pool; wait for drain deterministically.
	s.pool.SubmitAndWait(func() {})

	recovered, err := s.RecoverOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "BTCUSDT", recovered[0].Symbol)
	assert.True(t, recovered[0].Size.Equal(decimal.NewFromFloat(1.5)))
}

func TestStore_MarkPositionClosedExcludesFromRecovery(t *testing.T) {
	s, _ := openTestStore(t)

	pos := core.Position{Symbol: "ETHUSDT", Side: core.SideShort, Size: decimal.NewFromInt(2), EntryPrice: decimal.NewFromInt(3000), OpenedAt: time.Now()}
	s.SavePosition(pos)
	s.pool.SubmitAndWait(func() {})

	s.MarkPositionClosed("ETHUSDT")
	s.pool.SubmitAndWait(func() {})

	recovered, err := s.RecoverOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestStore_SaveTrade(t *testing.T) {
	s, path := openTestStore(t)

	rec := core.TradeRecord{
		SignalID: "sig-2", Symbol: "BTCUSDT", Side: core.SideLong,
		EntryPrice: decimal.NewFromInt(100), ExitPrice: decimal.NewFromInt(110), Size: decimal.NewFromInt(1),
		PnL: decimal.NewFromInt(10), PnLPct: decimal.NewFromFloat(0.1),
		OpenedAt: time.Now(), ClosedAt: time.Now(), CloseReason: core.CloseTakeProfit,
	}
	s.SaveTrade(rec)
	s.pool.SubmitAndWait(func() {})

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT count(*) FROM trades`).Scan(&count))
	assert.Equal(t, 1, count)
	_ = path
}

func TestStore_BackupAndVerify(t *testing.T) {
	s, path := openTestStore(t)
	s.SavePosition(core.Position{Symbol: "BTCUSDT", Side: core.SideLong, Size: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100), OpenedAt: time.Now()})
	s.pool.SubmitAndWait(func() {})

	backupDir := filepath.Join(t.TempDir(), "backups")
	backupPath, err := s.Backup(context.Background(), path, BackupConfig{Dir: backupDir})
	require.NoError(t, err)
	assert.FileExists(t, backupPath)

	restoredPath := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, Restore(backupPath, restoredPath, nopLogger{}))
	assert.FileExists(t, restoredPath)
	_ = os.Remove(restoredPath)
}

func TestStore_QueryTrades(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Now()

	s.SaveTrade(core.TradeRecord{
		SignalID: "sig-btc", Symbol: "BTCUSDT", Side: core.SideLong,
		EntryPrice: decimal.NewFromInt(100), ExitPrice: decimal.NewFromInt(110), Size: decimal.NewFromInt(1),
		PnL: decimal.NewFromInt(10), PnLPct: decimal.NewFromFloat(0.1),
		OpenedAt: now, ClosedAt: now, CloseReason: core.CloseTakeProfit,
	})
	s.SaveTrade(core.TradeRecord{
		SignalID: "sig-eth", Symbol: "ETHUSDT", Side: core.SideShort,
		EntryPrice: decimal.NewFromInt(200), ExitPrice: decimal.NewFromInt(190), Size: decimal.NewFromInt(1),
		PnL: decimal.NewFromInt(10), PnLPct: decimal.NewFromFloat(0.05),
		OpenedAt: now, ClosedAt: now.Add(time.Minute), CloseReason: core.CloseStopLoss,
	})
	s.pool.SubmitAndWait(func() {})

	all, err := s.QueryTrades(context.Background(), TradeFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ETHUSDT", all[0].Symbol, "most recent close should sort first")

	btcOnly, err := s.QueryTrades(context.Background(), TradeFilter{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, btcOnly, 1)
	assert.Equal(t, "sig-btc", btcOnly[0].SignalID)

	limited, err := s.QueryTrades(context.Background(), TradeFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_Performance(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Now()

	s.SaveTrade(core.TradeRecord{
		SignalID: "win", Symbol: "BTCUSDT", Side: core.SideLong,
		EntryPrice: decimal.NewFromInt(100), ExitPrice: decimal.NewFromInt(110), Size: decimal.NewFromInt(1),
		PnL: decimal.NewFromInt(10), PnLPct: decimal.NewFromFloat(0.1),
		OpenedAt: now, ClosedAt: now, CloseReason: core.CloseTakeProfit,
	})
	s.SaveTrade(core.TradeRecord{
		SignalID: "loss", Symbol: "BTCUSDT", Side: core.SideLong,
		EntryPrice: decimal.NewFromInt(100), ExitPrice: decimal.NewFromInt(95), Size: decimal.NewFromInt(1),
		PnL: decimal.NewFromInt(-5), PnLPct: decimal.NewFromFloat(-0.05),
		OpenedAt: now, ClosedAt: now, CloseReason: core.CloseStopLoss,
	})
	s.pool.SubmitAndWait(func() {})

	summary, err := s.Performance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalTrades)
	assert.Equal(t, 1, summary.Wins)
	assert.Equal(t, 1, summary.Losses)
	assert.True(t, summary.TotalPnL.Equal(decimal.NewFromInt(5)))
	assert.True(t, summary.WinRatePct.Equal(decimal.NewFromInt(50)))
}
