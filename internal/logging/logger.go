// Package logging builds the process-wide slog logger: a stderr console sink,
// a rotating main log and a rotating faults log for warnings and above.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/syntrixbase/beacon/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	openFiles   []*lumberjack.Logger
	openFilesMu sync.Mutex
)

// Initialize installs the configured logger as slog's default.
func Initialize(cfg config.LoggingConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	slog.SetDefault(logger)

	slog.Info("Logging initialized",
		"level", cfg.Level,
		"dir", cfg.Dir,
		"console", cfg.Console.Enabled,
		"file", cfg.File.Enabled,
		"faults", cfg.Faults.Enabled,
	)
	return nil
}

// NewLogger builds a logger from cfg. With every sink disabled the logger
// discards.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var routes []Route

	if cfg.Console.Enabled {
		routes = append(routes, sinkRoute(os.Stderr, cfg.Console))
	}

	for _, sink := range []config.SinkConfig{cfg.File, cfg.Faults} {
		if !sink.Enabled {
			continue
		}
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		w := openRotating(filepath.Join(cfg.Dir, sink.Name), cfg.Rotation)
		routes = append(routes, sinkRoute(w, sink))
	}

	switch len(routes) {
	case 0:
		return Discard(), nil
	case 1:
		return slog.New(routes[0].Handler), nil
	default:
		return slog.New(NewFanout(routes...)), nil
	}
}

// Shutdown closes every file opened by NewLogger.
func Shutdown() error {
	openFilesMu.Lock()
	defer openFilesMu.Unlock()

	var errs []error
	for _, f := range openFiles {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close log file %s: %w", f.Filename, err))
		}
	}
	openFiles = nil
	return errors.Join(errs...)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func sinkRoute(w io.Writer, sink config.SinkConfig) Route {
	level := config.LogLevel(sink.Level)
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if sink.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return Route{Handler: h, Min: level}
}

func openRotating(path string, rot config.RotationConfig) *lumberjack.Logger {
	f := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSize,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAge,
		Compress:   rot.Compress,
	}
	openFilesMu.Lock()
	openFiles = append(openFiles, f)
	openFilesMu.Unlock()
	return f
}
