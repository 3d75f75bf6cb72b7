package daemon

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger from [logging]. The returned closer
// releases the log file, if one was opened.
func NewLogger(cfg LoggingConfig) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("[logging] level: %w", err)
		}
		level = l
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	switch strings.ToLower(cfg.Format) {
	case "", "console":
		if cfg.File == "" {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
		}
	case "json":
	default:
		closer.Close()
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("[logging] format must be json or console, got %q", cfg.Format)
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Str("service", "propserve").Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
