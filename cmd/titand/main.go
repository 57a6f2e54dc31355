// Command titand is the trading execution daemon: it loads configuration,
// wires every gate and collaborator, and runs the webhook/admin server, the
// market-data feed, and the background safety runners until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"titan/internal/alert"
	"titan/internal/autoexec"
	"titan/internal/bootstrap"
	"titan/internal/broker"
	"titan/internal/broker/mockadapter"
	"titan/internal/broker/paperadapter"
	"titan/internal/config"
	"titan/internal/core"
	"titan/internal/eventbus"
	"titan/internal/infrastructure/health"
	"titan/internal/killswitch"
	"titan/internal/l2"
	"titan/internal/marketdata"
	"titan/internal/panicctl"
	"titan/internal/phase"
	"titan/internal/pipeline"
	"titan/internal/reconcile"
	"titan/internal/safety"
	"titan/internal/shadow"
	"titan/internal/store"
	"titan/internal/transport"
	"titan/pkg/liveserver"
	"titan/pkg/telemetry"
	"titan/pkg/websocket"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/titand.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("titand version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	cfg, logger := app.Cfg, app.Logger

	logger.Info("starting titand", "version", version, "mode", cfg.App.Mode, "broker", cfg.Broker.Name)

	telem, err := telemetry.Setup("titand")
	if err != nil {
		logger.Fatal("failed to set up telemetry", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", "error", err)
		}
	}()

	bus := eventbus.New(logger)

	st, err := store.Open(cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("failed to open durable store", "error", err)
	}

	shadowState := shadow.New(bus, logger)
	recovered, err := st.RecoverOpenPositions(context.Background())
	if err != nil {
		logger.Warn("failed to recover open positions", "error", err)
	}
	for _, pos := range recovered {
		shadowState.RestorePosition(pos)
	}
	logger.Info("recovered open positions from durable store", "count", len(recovered))

	marketCache := marketdata.New(logger)

	// No live venue adapter ships with this daemon: the execution core's own
	// gates (L2, safety chain, reconciliation) are what's under test here, not
	// a venue's REST/WS wire protocol. "paper" mode fills against the live
	// order book cache; anything else falls back to the fixed-price mock.
	var adapter core.BrokerAdapter
	if cfg.App.Mode == "paper" {
		adapter = paperadapter.New(marketCache, decimal.NewFromInt(10000))
	} else {
		adapter = mockadapter.New()
	}
	gateway := broker.New(adapter, bus, st, logger)

	phaseMgr := phase.New(phase.DefaultConfig, bus, logger)
	configMgr := config.NewManager(cfg, bus)

	cb := safety.NewCircuitBreaker(safety.DefaultCircuitBreakerConfig, logger)
	liq := safety.NewLiquidationDetector(safety.DefaultLiquidationDetectorConfig, logger)
	rl := safety.NewRateLimiter(map[string]safety.RateLimiterConfig{
		cfg.Broker.Name: {RequestsPerSecond: cfg.Safety.RateLimitPerSec, Burst: int(cfg.Safety.RateLimitPerSec * 2)},
	}, logger)
	regime := safety.NewDerivativesRegime(logger)
	safetyChain := safety.NewChain(cb, liq, rl, regime, logger)

	cronSched := cron.New(cron.WithLocation(time.UTC))
	if _, err := cronSched.AddFunc(fmt.Sprintf("0 %d * * *", safety.DefaultCircuitBreakerConfig.ResetHourUTC), cb.ResetDaily); err != nil {
		logger.Warn("failed to schedule circuit breaker daily reset", "error", err)
	}

	fundingPoller := safety.NewFundingPoller(cfg.Broker.BaseURL, cfg.Whitelist.Symbols, 5*time.Minute, nil, logger)

	l2Validator := l2.New(logger)

	trigger := pipeline.NewClientSideTrigger(30*time.Second, logger)
	basis := pipeline.NewBasisSync(logger)

	if _, err := cronSched.AddFunc("@every 60s", func() {
		if n := gateway.SweepExpiredEntries(); n > 0 {
			logger.Debug("swept expired idempotency cache entries", "count", n)
		}
	}); err != nil {
		logger.Warn("failed to schedule idempotency cache sweep", "error", err)
	}
	if _, err := cronSched.AddFunc("@every 30s", func() {
		if n := shadowState.SweepExpiredIntents(); n > 0 {
			logger.Debug("swept expired intents", "count", n)
		}
	}); err != nil {
		logger.Warn("failed to schedule intent TTL sweep", "error", err)
	}
	if _, err := cronSched.AddFunc("@every 30s", func() {
		if n := trigger.SweepExpired(); n > 0 {
			logger.Debug("swept expired client-side triggers", "count", n)
		}
	}); err != nil {
		logger.Warn("failed to schedule trigger sweep", "error", err)
	}
	cronSched.Start()

	orderMgr := pipeline.NewOrderManager(pipeline.DefaultOrderManagerConfig, cfg.RiskTuner.MakerFeePct, cfg.RiskTuner.TakerFeePct, gateway, logger)

	execFlag := autoexec.New()

	pl := pipeline.New(pipeline.Config{
		ConfigMgr: configMgr,
		PhaseMgr:  phaseMgr,
		Safety:    safetyChain,
		Trigger:   trigger,
		Basis:     basis,
		L2:        l2Validator,
		Orders:    orderMgr,
		Gateway:   gateway,
		Shadow:    shadowState,
		Bus:       bus,
		Books:     marketCache,
		Regime:    marketCache,
		Prices:    marketCache,
		Logger:    logger,
		AutoExec:  execFlag,
	})

	priceFn := func(symbol string) (decimal.Decimal, bool) { return marketCache.Price(symbol) }

	panicCtl := panicctl.New(shadowState, gateway, trigger, orderMgr, execFlag, st, bus, priceFn, logger)

	onTrip := func(reason string, ev core.SystemEvent) {
		logger.Error("kill switch tripped", "reason", reason)
		execFlag.Disable()
		st.RecordSystemEvent(ev)
		bus.Publish(eventbus.TopicSystemEvent, ev)
		panicCtl.FlattenAll(context.Background(), reason)
	}

	heartbeat := killswitch.NewHeartbeat(killswitch.DefaultHeartbeatConfig, logger, onTrip, execFlag.Disable)
	flashCrash := killswitch.NewFlashCrashMonitor(killswitch.DefaultFlashCrashConfig, logger)
	zscore := killswitch.NewZScoreDetector(killswitch.DefaultZScoreConfig, logger)
	coordinator := killswitch.NewCoordinator(flashCrash, zscore, gateway, 10*time.Second, onTrip, logger)
	coordinator.Subscribe(bus)

	reconciler := reconcile.New(reconcile.DefaultConfig, shadowState, gateway, execFlag, st, priceFn, bus, logger)

	healthMgr := health.NewHealthManager(logger)
	healthMgr.Register("store", func() error { return st.Ping() })
	healthMgr.Register("broker", func() error { return gateway.TestConnection(context.Background()) })

	alertMgr := alert.NewManager(logger, alert.Warning)
	if url := os.Getenv("TITAND_SLACK_WEBHOOK_URL"); url != "" {
		alertMgr.AddChannel(alert.NewSlackChannel(url))
	}
	if token, chatID := os.Getenv("TITAND_TELEGRAM_BOT_TOKEN"), os.Getenv("TITAND_TELEGRAM_CHAT_ID"); token != "" && chatID != "" {
		alertMgr.AddChannel(alert.NewTelegramChannel(token, chatID))
	}
	bus.Subscribe(eventbus.TopicSystemEvent, alertMgr)

	hub := liveserver.NewHub(logger)
	statusHub := liveserver.NewServer(hub, logger, nil)

	wsURL := os.Getenv("TITAND_MARKETDATA_WS_URL")
	var mdClient *websocket.Client
	if wsURL != "" {
		mdClient = websocket.NewClient(wsURL, marketCache.Handler(), logger)
	}

	srv := transport.New(transport.Config{
		Addr:       cfg.App.ListenAddress,
		HMACSecret: []byte(cfg.Safety.HMACSecret),
		Pipeline:   pl,
		ConfigMgr:  configMgr,
		PanicCtl:   panicCtl,
		Shadow:     shadowState,
		Store:      st,
		Gateway:    gateway,
		AutoExec:   execFlag,
		Funding:    fundingPoller,
		StatusHub:  statusHub,
		Logger:     logger,
	})

	runners := []bootstrap.Runner{
		srv,
		heartbeat,
		coordinator,
		reconciler,
		fundingPoller,
		runnerFunc(func(ctx context.Context) error { hub.Run(ctx); return nil }),
	}
	if mdClient != nil {
		runners = append(runners, &websocketRunner{client: mdClient})
	}

	err = app.Run(runners...)
	cronSched.Stop()
	if err != nil {
		logger.Fatal("titand exited with error", "error", err)
	}
}

// runnerFunc adapts a plain function to bootstrap.Runner.
type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

// websocketRunner adapts pkg/websocket.Client's Start/Stop lifecycle to
// bootstrap.Runner's blocking Run(ctx) error shape.
type websocketRunner struct {
	client *websocket.Client
}

func (w *websocketRunner) Run(ctx context.Context) error {
	w.client.Start()
	<-ctx.Done()
	w.client.Stop()
	return nil
}
