package bootstrap

import (
	"titan/internal/core"
	"titan/pkg/logging"
)

// InitLogger builds the process-wide structured logger from configuration
// and installs it as the package-level global used by pkg/logging's
// convenience functions.
func InitLogger(cfg *Config) core.ILogger {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		logger, _ = logging.NewZapLogger("INFO")
	}
	logging.SetGlobalLogger(logger)
	return logger
}
