package killswitch

import (
	"context"
	"time"

	"titan/internal/core"
	"titan/internal/eventbus"
)

// AccountSource resolves the current equity snapshot for the flash-crash
// monitor's polling loop.
type AccountSource interface {
	GetAccount(ctx context.Context) (*core.Account, error)
}

// Coordinator wires the FlashCrashMonitor and ZScoreDetector into the
// running process: it polls equity on an interval and subscribes to closed
// trades on the Event Bus, invoking onTrip whenever either gate fires.
// The Heartbeat is a separate Runner since it is driven by Beat() calls from
// the pipeline rather than by polling or events.
type Coordinator struct {
	flash  *FlashCrashMonitor
	zscore *ZScoreDetector

	accounts     AccountSource
	pollInterval time.Duration
	onTrip       func(reason string, ev core.SystemEvent)
	logger       core.ILogger
}

// NewCoordinator builds a Coordinator. pollInterval controls how often
// equity is sampled for the flash-crash check.
func NewCoordinator(flash *FlashCrashMonitor, zscore *ZScoreDetector, accounts AccountSource, pollInterval time.Duration, onTrip func(reason string, ev core.SystemEvent), logger core.ILogger) *Coordinator {
	return &Coordinator{
		flash:        flash,
		zscore:       zscore,
		accounts:     accounts,
		pollInterval: pollInterval,
		onTrip:       onTrip,
		logger:       logger.WithField("component", "killswitch_coordinator"),
	}
}

// Subscribe registers the Coordinator's trade-closed handler on bus. Call
// this once during wiring, before Run.
func (c *Coordinator) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.TopicTradeRecorded, eventbus.SubscriberFunc(func(topic string, event interface{}) {
		rec, ok := event.(core.TradeRecord)
		if !ok {
			return
		}
		pnlFloat, _ := rec.PnL.Float64()
		if z, tripped := c.zscore.RecordTradePnL(pnlFloat); tripped {
			c.onTrip("ZSCORE_DRIFT", core.SystemEvent{
				EventType:   "ZSCORE_DRIFT",
				Severity:    core.SeverityCritical,
				Description: "rolling trade PnL z-score breached threshold",
				Context:     map[string]interface{}{"z_score": z, "symbol": rec.Symbol},
				Timestamp:   time.Now(),
			})
		}
	}))
}

// Run implements bootstrap.Runner: polls equity for the flash-crash check
// until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			acct, err := c.accounts.GetAccount(ctx)
			if err != nil {
				c.logger.Warn("flash-crash equity poll failed", "error", err)
				continue
			}
			if c.flash.RecordEquity(acct.TotalWalletBalance) {
				c.onTrip("FLASH_CRASH", core.SystemEvent{
					EventType:   "FLASH_CRASH",
					Severity:    core.SeverityCritical,
					Description: "equity dropped beyond the flash-crash threshold within the monitoring window",
					Context:     map[string]interface{}{"equity": acct.TotalWalletBalance.String()},
					Timestamp:   time.Now(),
				})
			}
		}
	}
}
