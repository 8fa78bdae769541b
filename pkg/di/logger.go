package di

import (
	"conversation-engine/backend/pkg/config"
	"conversation-engine/backend/pkg/logger"
)

// NewLogger builds the process logger from cfg and tags every record with
// component.
func NewLogger(cfg *config.Config, component string) *logger.Logger {
	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format != "text"
	logConfig.Component = component
	return logger.New(logConfig)
}
