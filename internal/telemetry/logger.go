package telemetry

import (
	"fmt"
	"strings"

	"github.com/lychee-technology/formsync"
	"go.uber.org/zap"
)

// NewLogger builds the process logger. "debug" selects the development preset; any other
// level uses the production preset at that level. Format "console" switches the encoder.
func NewLogger(cfg formsync.LoggingConfig) (*zap.Logger, error) {
	level := strings.ToLower(strings.TrimSpace(cfg.Level))
	if level == "debug" {
		return zap.NewDevelopment()
	}

	zc := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		zc.Level = lvl
	}
	if cfg.Format == "console" {
		zc.Encoding = "console"
	}
	return zc.Build()
}
