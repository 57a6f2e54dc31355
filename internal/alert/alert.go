// Package alert fans SystemEvents out to operator-facing channels (Slack,
// Telegram). It subscribes to the Event Bus rather than being called
// directly by domain components, so adding a channel never touches the
// trading path.
package alert

import (
	"context"
	"sync"
	"time"

	"titan/internal/core"
	"titan/internal/eventbus"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// Manager fans a SystemEvent out to every registered AlertChannel and
// implements eventbus.Subscriber so it can be wired directly to
// eventbus.TopicSystemEvent.
type Manager struct {
	channels []AlertChannel
	minLevel AlertLevel
	logger   core.ILogger
	mu       sync.RWMutex
}

// NewManager creates an alert fan-out manager. minLevel filters which
// SystemEvent severities are forwarded to channels; pass Warning to ignore
// routine INFO events.
func NewManager(logger core.ILogger, minLevel AlertLevel) *Manager {
	return &Manager{
		channels: make([]AlertChannel, 0),
		minLevel: minLevel,
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (am *Manager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("added alert channel", "name", ch.Name())
}

// HandleEvent implements eventbus.Subscriber. It is wired to
// eventbus.TopicSystemEvent and translates a core.SystemEvent into an
// AlertPayload fanned out to every channel.
func (am *Manager) HandleEvent(topic string, event interface{}) {
	se, ok := event.(core.SystemEvent)
	if !ok {
		return
	}

	level := severityToLevel(se.Severity)
	if !am.shouldForward(level) {
		return
	}

	fields := make(map[string]string, len(se.Context))
	for k, v := range se.Context {
		fields[k] = toString(v)
	}

	am.Alert(context.Background(), se.EventType, se.Description, level, fields)
}

func (am *Manager) shouldForward(level AlertLevel) bool {
	rank := map[AlertLevel]int{Info: 0, Warning: 1, Error: 2, Critical: 3}
	return rank[level] >= rank[am.minLevel]
}

func severityToLevel(s core.Severity) AlertLevel {
	switch s {
	case core.SeverityWarn:
		return Warning
	case core.SeverityError:
		return Error
	case core.SeverityCritical:
		return Critical
	default:
		return Info
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	return "" // best-effort; non-string non-stringer context fields are dropped from the alert body
}

func (am *Manager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.logger.Info("triggering alert", "title", title, "level", level)

	am.mu.RLock()
	defer am.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ch := range am.channels {
		wg.Add(1)
		go func(c AlertChannel) {
			defer wg.Done()
			timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

var _ eventbus.Subscriber = (*Manager)(nil)
