// Package corolog builds the *zap.Logger used throughout corofiber, so
// every package (hub, tpool, cmd/corofiberd) gets the same field
// conventions and output format instead of each constructing zap
// independently.
package corolog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-profile logger, JSON-encoded at info level,
// unless development is true, in which case it builds a human-readable
// console logger at debug level (mirrors the env-style switch used
// across the retrieval pack's zap consumers).
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	return zap.NewProduction()
}

// Named is a convenience for attaching a component name, used so hub,
// tpool and pool logs can be told apart in a shared process.
func Named(base *zap.Logger, component string) *zap.Logger {
	if base == nil {
		return zap.NewNop()
	}
	return base.Named(component)
}
