package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"blockingest/internal/domain"
)

type Config struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	Service    string
	Version    string
}

// Init installs the process-wide slog logger. The closer is nil without a log file.
func Init(cfg Config) (io.Closer, error) {
	return initTo(os.Stdout, cfg)
}

func initTo(stdout io.Writer, cfg Config) (io.Closer, error) {
	writers := []io.Writer{stdout}
	var closer io.Closer
	if strings.TrimSpace(cfg.File) != "" {
		writer, err := NewRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups)
		if err != nil {
			return nil, err
		}
		closer = writer
		writers = append(writers, writer)
	}

	level := parseLevel(cfg.Level)
	handler := newHandler(io.MultiWriter(writers...), cfg.Format, level)
	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With(slog.String("service", cfg.Service))
	}
	if cfg.Version != "" {
		logger = logger.With(slog.String("version", cfg.Version))
	}
	slog.SetDefault(logger)

	log.SetFlags(0)
	log.SetOutput(slog.NewLogLogger(logger.Handler(), level).Writer())
	return closer, nil
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func ForTask(logger *slog.Logger, task domain.IngestionTask) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(
		slog.String("chain", task.ChainName),
		slog.String("schema", task.Schema),
		slog.String("mode", string(task.Mode)),
	)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
