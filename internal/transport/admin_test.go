package transport

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"titan/internal/autoexec"
	"titan/internal/config"
	"titan/internal/core"
	"titan/internal/panicctl"
	"titan/internal/shadow"
	"titan/internal/store"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (n nopLogger) WithField(string, interface{}) core.ILogger     { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

type fakeBus struct{}

func (fakeBus) Publish(string, interface{}) {}

func buildTestServer(t *testing.T) *Server {
	t.Helper()
	logger := nopLogger{}

	cfgMgr := config.NewManager(&config.Config{
		App:       config.AppConfig{Mode: "paper"},
		RiskTuner: config.RiskTunerConfig{MakerFeePct: 0.0002, TakerFeePct: 0.0006},
	}, nil)

	shadowState := shadow.New(fakeBus{}, logger)
	exec := autoexec.New()

	dbPath := filepath.Join(t.TempDir(), "admin_test.db")
	st, err := store.Open(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctl := panicctl.New(shadowState, nil, nil, nil, exec, st, fakeBus{}, func(string) (decimal.Decimal, bool) { return decimal.Zero, false }, logger)

	return New(Config{
		Addr:      "127.0.0.1:0",
		ConfigMgr: cfgMgr,
		Shadow:    shadowState,
		AutoExec:  exec,
		PanicCtl:  ctl,
		Store:     st,
		Logger:    logger,
	})
}

func TestHandleStatus(t *testing.T) {
	s := buildTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"paper"`)
	assert.Contains(t, rec.Body.String(), `"auto_exec_enabled":true`)
}

func TestHandleAutoExecToggle(t *testing.T) {
	s := buildTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auto-exec/disable", nil)
	rec := httptest.NewRecorder()
	s.handleAutoExecDisable(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.cfg.AutoExec.Enabled())

	req2 := httptest.NewRequest(http.MethodPost, "/api/auto-exec/enable", nil)
	rec2 := httptest.NewRecorder()
	s.handleAutoExecEnable(rec2, req2)
	assert.True(t, s.cfg.AutoExec.Enabled())
}

func TestHandleAutoExec_WrongMethod(t *testing.T) {
	s := buildTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auto-exec/enable", nil)
	rec := httptest.NewRecorder()
	s.handleAutoExecEnable(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleTestConnection_NoGateway(t *testing.T) {
	s := buildTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/test-connection", nil)
	rec := httptest.NewRecorder()
	s.handleTestConnection(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlePositionsActive_Empty(t *testing.T) {
	s := buildTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/positions/active", nil)
	rec := httptest.NewRecorder()
	s.handlePositionsActive(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"positions":[]`)
}

func TestHandlePerformanceSummary_EmptyStore(t *testing.T) {
	s := buildTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/performance/summary", nil)
	rec := httptest.NewRecorder()
	s.handlePerformanceSummary(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"TotalTrades":0`)
}

func TestHandleEmergencyFlatten(t *testing.T) {
	s := buildTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/emergency-flatten", nil)
	req.Header.Set("X-Operator-ID", "alice")
	rec := httptest.NewRecorder()
	s.handleEmergencyFlatten(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.cfg.AutoExec.Enabled(), "flatten-all must disarm auto-exec")
}

func TestHandleConfig_Get(t *testing.T) {
	s := buildTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()
	s.handleConfig(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"max_risk_pct"`)
}
