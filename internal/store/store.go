// Package store is the durable persistence layer: SQLite under WAL, written
// fire-and-forget via a bounded worker pool with a bounded retry queue, plus
// gzip-compressed timestamped backups with an optional best-effort S3
// upload. Grounded on the teacher's SQLiteStore (database/sql over
// go-sqlite3, checksum-verified JSON blobs, serializable transactions),
// generalized from a single state blob to the trades/positions/regime
// snapshot/system event tables this domain needs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"

	"titan/internal/core"
	"titan/pkg/concurrency"
)

// AuditSink is implemented by Store for the broker gateway's fire-and-forget
// trade audit trail.
var _ interface {
	RecordTrade(ctx context.Context, signalID string, result core.OrderResult, params core.OrderParams)
} = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	signal_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	exit_price TEXT NOT NULL,
	stop_price TEXT NOT NULL,
	tp_price TEXT NOT NULL,
	fill_price TEXT NOT NULL,
	size TEXT NOT NULL,
	pnl TEXT NOT NULL,
	pnl_pct TEXT NOT NULL,
	slippage_pct TEXT NOT NULL,
	execution_latency_ms INTEGER NOT NULL,
	regime_state INTEGER NOT NULL,
	phase INTEGER NOT NULL,
	close_reason TEXT NOT NULL,
	opened_at INTEGER NOT NULL,
	closed_at INTEGER NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at);
CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades(timestamp);

CREATE TABLE IF NOT EXISTS positions (
	symbol TEXT PRIMARY KEY,
	side TEXT NOT NULL,
	size TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	stop_loss TEXT NOT NULL,
	signal_id TEXT NOT NULL,
	phase INTEGER NOT NULL,
	opened_at INTEGER NOT NULL,
	closed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_positions_open ON positions(closed_at);
CREATE INDEX IF NOT EXISTS idx_positions_opened_at ON positions(opened_at);

CREATE TABLE IF NOT EXISTS regime_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	market_structure_score REAL NOT NULL,
	momentum_score REAL NOT NULL,
	model_recommendation TEXT NOT NULL,
	regime_state TEXT NOT NULL,
	trend_state TEXT NOT NULL,
	vol_state TEXT NOT NULL,
	captured_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_regime_symbol_time ON regime_snapshots(symbol, captured_at);

CREATE TABLE IF NOT EXISTS system_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	description TEXT NOT NULL,
	context_json TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_severity_time ON system_events(severity, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_event_type ON system_events(event_type);
`

// retryOp is a single queued write awaiting a retry after a failure.
type retryOp struct {
	operation string
	name      string
	data      interface{}
	attempts  int
}

const maxRetryAttempts = 3

// Store is the SQLite-backed durable store.
type Store struct {
	db     *sql.DB
	logger core.ILogger
	pool   *concurrency.WorkerPool

	retryCh chan retryOp
}

// Open opens (and migrates) the SQLite database at path under WAL mode.
func Open(path string, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.WithField("component", "store"),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "store_writes",
			MaxWorkers: 4,
			MaxCapacity: 1000,
		}, logger),
		retryCh: make(chan retryOp, 1000),
	}
	go s.retryLoop()
	return s, nil
}

// Close drains the write pool and closes the database.
func (s *Store) Close() error {
	s.pool.Stop()
	close(s.retryCh)
	return s.db.Close()
}

// Ping reports whether the underlying database connection is alive, for the
// health manager's periodic check.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// RecordTrade persists a closed trade fire-and-forget: the call returns
// immediately and the write happens on the pool, with bounded retry on
// transient failure. Never blocks the trading path.
func (s *Store) RecordTrade(ctx context.Context, signalID string, result core.OrderResult, params core.OrderParams) {
	_ = s.pool.Submit(func() {
		s.writeTradeAudit(signalID, result, params)
	})
}

func (s *Store) writeTradeAudit(signalID string, result core.OrderResult, params core.OrderParams) {
	stopPrice := "0"
	if !params.StopLoss.IsZero() {
		stopPrice = params.StopLoss.String()
	}
	tpPrice := "0"
	if len(params.TakeProfits) > 0 {
		tpPrice = params.TakeProfits[0].String()
	}
	now := time.Now().Unix()
	_, err := s.db.Exec(
		`INSERT INTO trades (signal_id, symbol, side, entry_price, exit_price, stop_price, tp_price, fill_price, size, pnl, pnl_pct, slippage_pct, execution_latency_ms, regime_state, phase, close_reason, opened_at, closed_at, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		signalID, params.Symbol, string(params.Side), result.FillPrice.String(), "0", stopPrice, tpPrice, result.FillPrice.String(),
		result.FilledSize.String(), "0", "0", "0", 0, 0, 0, "ORDER_FILL", now, now, now,
	)
	if err != nil {
		s.enqueueRetry("insert_trade_audit", signalID, core.TradeRecord{
			SignalID: signalID, Symbol: params.Symbol, Side: core.Side(params.Side),
			EntryPrice: result.FillPrice, StopPrice: params.StopLoss, TPPrice: decimal.RequireFromString(tpPrice),
			FillPrice: result.FillPrice, Size: result.FilledSize, CloseReason: core.CloseReason("ORDER_FILL"),
			OpenedAt: time.Unix(now, 0), ClosedAt: time.Unix(now, 0),
		})
		s.logger.Error("failed to persist trade audit, queued for retry", "signal_id", signalID, "error", err)
	}
}

// SaveTrade persists a fully-closed TradeRecord fire-and-forget.
func (s *Store) SaveTrade(rec core.TradeRecord) {
	_ = s.pool.Submit(func() {
		if err := s.insertTrade(rec); err != nil {
			s.enqueueRetryRecord("insert_trade", rec)
			s.logger.Error("failed to persist trade, queued for retry", "signal_id", rec.SignalID, "error", err)
		}
	})
}

func (s *Store) insertTrade(rec core.TradeRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO trades (signal_id, symbol, side, entry_price, exit_price, stop_price, tp_price, fill_price, size, pnl, pnl_pct, slippage_pct, execution_latency_ms, regime_state, phase, close_reason, opened_at, closed_at, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SignalID, rec.Symbol, string(rec.Side), rec.EntryPrice.String(), rec.ExitPrice.String(),
		rec.StopPrice.String(), rec.TPPrice.String(), rec.FillPrice.String(), rec.Size.String(),
		rec.PnL.String(), rec.PnLPct.String(), rec.SlippagePct.String(), rec.ExecutionLatencyMs, rec.RegimeState, rec.Phase,
		string(rec.CloseReason), rec.OpenedAt.Unix(), rec.ClosedAt.Unix(), rec.ClosedAt.Unix(),
	)
	return err
}

// SavePosition upserts the currently open position for a symbol.
func (s *Store) SavePosition(pos core.Position) {
	_ = s.pool.Submit(func() {
		if err := s.upsertPosition(pos); err != nil {
			s.enqueueRetryRecord("save_position", pos)
			s.logger.Error("failed to persist position, queued for retry", "symbol", pos.Symbol, "error", err)
		}
	})
}

func (s *Store) upsertPosition(pos core.Position) error {
	_, err := s.db.Exec(
		`INSERT INTO positions (symbol, side, size, entry_price, stop_loss, signal_id, phase, opened_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		 ON CONFLICT(symbol) DO UPDATE SET side=excluded.side, size=excluded.size, entry_price=excluded.entry_price,
			stop_loss=excluded.stop_loss, signal_id=excluded.signal_id, phase=excluded.phase, closed_at=NULL`,
		pos.Symbol, string(pos.Side), pos.Size.String(), pos.EntryPrice.String(), pos.StopLoss.String(), pos.SignalID, pos.Phase, pos.OpenedAt.Unix(),
	)
	return err
}

// MarkPositionClosed stamps closed_at so crash recovery skips it.
func (s *Store) MarkPositionClosed(symbol string) {
	_ = s.pool.Submit(func() {
		if _, err := s.db.Exec(`UPDATE positions SET closed_at = ? WHERE symbol = ?`, time.Now().Unix(), symbol); err != nil {
			s.logger.Error("failed to mark position closed", "symbol", symbol, "error", err)
		}
	})
}

// RecoverOpenPositions returns every position whose closed_at is NULL, for
// restoring shadow state on startup after a crash.
func (s *Store) RecoverOpenPositions(ctx context.Context) ([]core.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, side, size, entry_price, stop_loss, signal_id, phase, opened_at FROM positions WHERE closed_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	var out []core.Position
	for rows.Next() {
		var (
			symbol, side, size, entryPrice, stopLoss, signalID string
			phase                                              int
			openedAt                                           int64
		)
		if err := rows.Scan(&symbol, &side, &size, &entryPrice, &stopLoss, &signalID, &phase, &openedAt); err != nil {
			return nil, fmt.Errorf("failed to scan open position row: %w", err)
		}
		pos, err := rowToPosition(symbol, side, size, entryPrice, stopLoss, signalID, phase, openedAt)
		if err != nil {
			s.logger.Error("skipping corrupt position row during recovery", "symbol", symbol, "error", err)
			continue
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// RecordRegimeSnapshot persists a regime vector sample fire-and-forget.
// trend_state/vol_state are derived from the Hurst exponent and VPIN the
// regime engine already computes: Hurst > 0.5 means the series is
// trend-reinforcing rather than mean-reverting, and VPIN above 0.5 flags
// informed-trading-driven (high) volatility.
func (s *Store) RecordRegimeSnapshot(symbol string, regime core.RegimeVector) {
	_ = s.pool.Submit(func() {
		trendState := "RANGING"
		if regime.Hurst > 0.5 {
			trendState = "TRENDING"
		}
		volState := "LOW_VOL"
		if regime.VPIN > 0.5 {
			volState = "HIGH_VOL"
		}
		_, err := s.db.Exec(
			`INSERT INTO regime_snapshots (symbol, market_structure_score, momentum_score, model_recommendation, regime_state, trend_state, vol_state, captured_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			symbol, regime.MarketStructureScore, regime.MomentumScore, string(regime.ModelRecommendation),
			strconv.Itoa(regime.RegimeState), trendState, volState, time.Now().Unix(),
		)
		if err != nil {
			s.logger.Error("failed to persist regime snapshot", "symbol", symbol, "error", err)
		}
	})
}

// RecordSystemEvent persists an audit event fire-and-forget.
func (s *Store) RecordSystemEvent(ev core.SystemEvent) {
	_ = s.pool.Submit(func() {
		ctxJSON, _ := json.Marshal(ev.Context)
		_, err := s.db.Exec(
			`INSERT INTO system_events (event_type, severity, description, context_json, timestamp) VALUES (?, ?, ?, ?, ?)`,
			ev.EventType, string(ev.Severity), ev.Description, string(ctxJSON), ev.Timestamp.Unix(),
		)
		if err != nil {
			s.logger.Error("failed to persist system event", "event_type", ev.EventType, "error", err)
		}
	})
}

// TradeFilter narrows a trade history query for the admin API.
type TradeFilter struct {
	StartDate time.Time
	EndDate   time.Time
	Symbol    string
	Limit     int
}

// QueryTrades returns closed trades matching filter, most recent first.
func (s *Store) QueryTrades(ctx context.Context, filter TradeFilter) ([]core.TradeRecord, error) {
	query := `SELECT signal_id, symbol, side, entry_price, exit_price, stop_price, tp_price, fill_price, size, pnl, pnl_pct,
	          slippage_pct, execution_latency_ms, regime_state, phase, close_reason, opened_at, closed_at
	          FROM trades WHERE 1=1`
	var args []interface{}
	if !filter.StartDate.IsZero() {
		query += " AND closed_at >= ?"
		args = append(args, filter.StartDate.Unix())
	}
	if !filter.EndDate.IsZero() {
		query += " AND closed_at <= ?"
		args = append(args, filter.EndDate.Unix())
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	query += " ORDER BY closed_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []core.TradeRecord
	for rows.Next() {
		var (
			signalID, symbol, side, entryPrice, exitPrice, stopPrice, tpPrice, fillPrice string
			size, pnl, pnlPct, slippagePct, closeReason                                  string
			executionLatencyMs, regimeState, phase                                       int
			openedAt, closedAt                                                            int64
		)
		if err := rows.Scan(&signalID, &symbol, &side, &entryPrice, &exitPrice, &stopPrice, &tpPrice, &fillPrice,
			&size, &pnl, &pnlPct, &slippagePct, &executionLatencyMs, &regimeState, &phase, &closeReason, &openedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		entryDec, _ := decimal.NewFromString(entryPrice)
		exitDec, _ := decimal.NewFromString(exitPrice)
		stopDec, _ := decimal.NewFromString(stopPrice)
		tpDec, _ := decimal.NewFromString(tpPrice)
		fillDec, _ := decimal.NewFromString(fillPrice)
		sizeDec, _ := decimal.NewFromString(size)
		pnlDec, _ := decimal.NewFromString(pnl)
		pnlPctDec, _ := decimal.NewFromString(pnlPct)
		slippageDec, _ := decimal.NewFromString(slippagePct)
		out = append(out, core.TradeRecord{
			SignalID: signalID, Symbol: symbol, Side: core.Side(side),
			EntryPrice: entryDec, ExitPrice: exitDec, StopPrice: stopDec, TPPrice: tpDec, FillPrice: fillDec, Size: sizeDec,
			PnL: pnlDec, PnLPct: pnlPctDec, SlippagePct: slippageDec, ExecutionLatencyMs: int64(executionLatencyMs),
			RegimeState: regimeState, Phase: phase, CloseReason: core.CloseReason(closeReason),
			OpenedAt: time.Unix(openedAt, 0), ClosedAt: time.Unix(closedAt, 0),
		})
	}
	return out, rows.Err()
}

// PerformanceSummary aggregates realized trade performance for the admin API.
type PerformanceSummary struct {
	TotalTrades int
	Wins        int
	Losses      int
	WinRatePct  decimal.Decimal
	TotalPnL    decimal.Decimal
}

// Performance computes an all-time realized PnL summary over the trades table.
func (s *Store) Performance(ctx context.Context) (PerformanceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pnl FROM trades`)
	if err != nil {
		return PerformanceSummary{}, fmt.Errorf("failed to query performance: %w", err)
	}
	defer rows.Close()

	summary := PerformanceSummary{TotalPnL: decimal.Zero}
	for rows.Next() {
		var pnlStr string
		if err := rows.Scan(&pnlStr); err != nil {
			return PerformanceSummary{}, fmt.Errorf("failed to scan pnl: %w", err)
		}
		pnl, err := decimal.NewFromString(pnlStr)
		if err != nil {
			continue
		}
		summary.TotalTrades++
		summary.TotalPnL = summary.TotalPnL.Add(pnl)
		if pnl.IsPositive() {
			summary.Wins++
		} else if pnl.IsNegative() {
			summary.Losses++
		}
	}
	if err := rows.Err(); err != nil {
		return PerformanceSummary{}, err
	}
	if summary.TotalTrades > 0 {
		summary.WinRatePct = decimal.NewFromInt(int64(summary.Wins)).Div(decimal.NewFromInt(int64(summary.TotalTrades))).Mul(decimal.NewFromInt(100))
	}
	return summary, nil
}

func (s *Store) enqueueRetry(operation, name string, data interface{}) {
	select {
	case s.retryCh <- retryOp{operation: operation, name: name, data: data}:
	default:
		s.logger.Error("retry queue full, dropping write", "operation", operation, "name", name)
	}
}

func (s *Store) enqueueRetryRecord(operation string, data interface{}) {
	s.enqueueRetry(operation, "", data)
}

// retryLoop drains the retry queue with exponential backoff (base * 2^attempts).
func (s *Store) retryLoop() {
	const base = 500 * time.Millisecond
	for op := range s.retryCh {
		op.attempts++
		delay := base * time.Duration(1<<uint(op.attempts))
		time.Sleep(delay)

		var err error
		switch rec := op.data.(type) {
		case core.TradeRecord:
			err = s.insertTrade(rec)
		case core.Position:
			err = s.upsertPosition(rec)
		default:
			continue
		}

		if err != nil && op.attempts < maxRetryAttempts {
			s.enqueueRetry(op.operation, op.name, op.data)
		} else if err != nil {
			s.logger.Error("write permanently failed after max retries", "operation", op.operation, "attempts", op.attempts, "error", err)
		}
	}
}

func rowToPosition(symbol, side, size, entryPrice, stopLoss, signalID string, phase int, openedAt int64) (core.Position, error) {
	sizeDec, err := decimal.NewFromString(size)
	if err != nil {
		return core.Position{}, fmt.Errorf("invalid size %q: %w", size, err)
	}
	entryDec, err := decimal.NewFromString(entryPrice)
	if err != nil {
		return core.Position{}, fmt.Errorf("invalid entry_price %q: %w", entryPrice, err)
	}
	stopDec, err := decimal.NewFromString(stopLoss)
	if err != nil {
		stopDec = decimal.Zero
	}
	return core.Position{
		Symbol:     symbol,
		Side:       core.Side(side),
		Size:       sizeDec,
		EntryPrice: entryDec,
		StopLoss:   stopDec,
		SignalID:   signalID,
		Phase:      phase,
		OpenedAt:   time.Unix(openedAt, 0),
	}, nil
}
