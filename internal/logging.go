package internal

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/jhump/grpchub/internal/config"
)

// NewLogger builds the logger of the example programs at the configured
// level.
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// Fatal reports an error that happened before a logger could be built, and
// exits.
func Fatal(err error) {
	_, _ = fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
