package telemetry

import (
	"fmt"
	"io"
	"log/slog"

	slogmulti "github.com/samber/slog-multi"
)

// LogConfig describes where and how processes log.
type LogConfig struct {
	Level  string
	Format string
	// File, when set, receives a JSON copy of every record.
	File io.Writer
}

// NewLogHandler builds the process handler writing to w.
func NewLogHandler(w io.Writer, cfg LogConfig) (slog.Handler, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("telemetry: invalid log level %q: %w", cfg.Level, err)
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("telemetry: unknown log format %q", cfg.Format)
	}

	if cfg.File == nil {
		return handler, nil
	}
	return slogmulti.Fanout(handler, slog.NewJSONHandler(cfg.File, opts)), nil
}
