// Package logging builds the process logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ngoyal88/recordreplay/pkg/config"
)

// New builds a logger from cfg. The returned level can be changed at
// runtime, which is how config reloads adjust verbosity.
func New(cfg config.LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	atom := zap.NewAtomicLevelAt(level)

	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, atom, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zc.Level = atom
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := zc.Build()
	if err != nil {
		return nil, atom, fmt.Errorf("build logger: %w", err)
	}
	return log, atom, nil
}

func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(s)
}

// FollowConfig keeps atom in sync with the logging level of store.
func FollowConfig(store *config.Store, atom zap.AtomicLevel, log *zap.Logger) {
	store.OnChange(func(c *config.Config) {
		level, err := ParseLevel(c.Logging.Level)
		if err != nil {
			log.Warn("ignoring invalid log level", zap.String("level", c.Logging.Level))
			return
		}
		if level != atom.Level() {
			atom.SetLevel(level)
			log.Info("log level changed", zap.Stringer("level", level))
		}
	})
}
