package internal

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the root logger every component receives through its
// constructor. Level comes from config, quiet forces errors only, and an
// optional file target replaces the console writer.
func NewLogger(cfg LoggingConfig, quiet bool) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	if quiet {
		level = zerolog.ErrorLevel
	}

	var w io.Writer
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
	} else {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// RedactToken masks a credential for log output, keeping only enough of the
// tail to tell two values apart.
func RedactToken(token string) string {
	if len(token) <= 8 {
		return "[REDACTED]"
	}
	return fmt.Sprintf("...%s (%d chars)", token[len(token)-4:], len(token))
}
