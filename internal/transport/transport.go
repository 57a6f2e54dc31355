// Package transport is the thin HTTP/WebSocket layer that receives
// TradingView-style webhooks and serves the admin API. It holds no trading
// logic of its own: every route translates a wire request into a call on
// internal/pipeline, internal/config, or internal/panicctl and serializes
// whatever those packages return. Grounded on teacher pkg/liveserver (hub +
// server) for the status push and on the teacher's request-signing client
// for the inbound HMAC verification it mirrors.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"titan/internal/autoexec"
	"titan/internal/broker"
	"titan/internal/config"
	"titan/internal/core"
	"titan/internal/panicctl"
	"titan/internal/pipeline"
	"titan/internal/safety"
	"titan/internal/shadow"
	"titan/internal/store"
	"titan/pkg/liveserver"
)

// Config bundles the collaborators Server needs. Store, Gateway, AutoExec,
// Funding and StatusHub may be nil: the trade-history/performance and
// test-connection routes return 503 without their collaborator, a nil
// AutoExec reads as enabled, and /ws/status is not mounted without a hub.
// The other fields are required.
type Config struct {
	Addr          string
	HMACSecret    []byte
	Pipeline      *pipeline.Pipeline
	ConfigMgr     *config.Manager
	PanicCtl      *panicctl.Controller
	Shadow        *shadow.State
	Store         *store.Store
	Gateway       *broker.Gateway
	AutoExec      *autoexec.Flag
	Funding       safety.FundingSource // nil tolerated: webhook funding fields stay zero-valued
	StatusHub     *liveserver.Server
	Logger        core.ILogger
}

// Server is the combined admin-API + webhook + status-websocket HTTP server.
type Server struct {
	cfg    Config
	logger core.ILogger
	srv    *http.Server
}

// New builds a Server. Call Run to start listening.
func New(cfg Config) *Server {
	return &Server{cfg: cfg, logger: cfg.Logger.WithField("component", "transport")}
}

// Run implements bootstrap.Runner: it starts the server and blocks until ctx
// is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/test-connection", s.handleTestConnection)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/auto-exec/enable", s.handleAutoExecEnable)
	mux.HandleFunc("/api/auto-exec/disable", s.handleAutoExecDisable)
	mux.HandleFunc("/api/emergency-flatten", s.handleEmergencyFlatten)
	mux.HandleFunc("/api/cancel-all", s.handleCancelAll)
	mux.HandleFunc("/api/trades", s.handleTrades)
	mux.HandleFunc("/api/positions/active", s.handlePositionsActive)
	mux.HandleFunc("/api/performance/summary", s.handlePerformanceSummary)
	mux.Handle("/metrics", promhttp.Handler())
	if s.cfg.StatusHub != nil {
		mux.HandleFunc("/ws/status", s.cfg.StatusHub.Handler())
	}

	s.srv = &http.Server{Addr: s.cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("transport listening", "addr", s.cfg.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
