// Package logutil builds the process logger from viper configuration.
package logutil

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/viper"
)

// LoggerFromViper builds a slog.Logger from the log.level and log.format
// viper keys. Format "json" uses the slog JSON handler; anything else uses
// a tinted text handler.
func LoggerFromViper() (*slog.Logger, error) {
	level, err := ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return nil, err
	}
	format := strings.ToLower(strings.TrimSpace(viper.GetString("log.format")))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})), nil
}

// ParseLevel maps a config string onto a slog level. Empty means info.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %q", raw)
	}
}
