package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"photovault/internal/config"
)

const (
	logLevelEnvKey  = "PHOTOVAULT_LOG_LEVEL"
	logFormatEnvKey = "PHOTOVAULT_LOG_FORMAT"
)

func configureLoggerForCLI(flagLevel, configLevel string) (string, error) {
	envLevel := os.Getenv(logLevelEnvKey)
	rawLevel, source := selectedLogLevel(flagLevel, envLevel, configLevel)
	if err := configureDefaultLogger(rawLevel); err != nil {
		if source == "flag" {
			return "", fmt.Errorf("invalid --log-level %q", flagLevel)
		}
		_ = configureDefaultLogger("")
		switch source {
		case "env":
			return fmt.Sprintf("warning: invalid %s=%q; defaulting to %s", logLevelEnvKey, envLevel, config.DefaultLogLevel), nil
		case "config":
			return fmt.Sprintf("warning: invalid log_level=%q; defaulting to %s", configLevel, config.DefaultLogLevel), nil
		default:
			return "", nil
		}
	}
	return "", nil
}

func selectedLogLevel(flagLevel, envLevel, configLevel string) (string, string) {
	if strings.TrimSpace(flagLevel) != "" {
		return flagLevel, "flag"
	}
	if strings.TrimSpace(envLevel) != "" {
		return envLevel, "env"
	}
	if strings.TrimSpace(configLevel) != "" {
		return configLevel, "config"
	}
	return "", "default"
}

func configureDefaultLogger(rawLevel string) error {
	level, err := parseLogLevel(rawLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(os.Stderr, level, os.Getenv(logFormatEnvKey)))
	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = config.DefaultLogLevel
	}
	if strings.EqualFold(value, "warning") {
		value = "warn"
	}

	if numeric, err := strconv.Atoi(value); err == nil {
		return slog.Level(numeric), nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

// newLogger writes text records, or JSON when format is "json".
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
