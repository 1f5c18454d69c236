// Package logging configures the process-wide slog logger from the relay's
// logging config, optionally teeing output into a size-rotated log file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mmrelay/mmrelay/internal/mmrelay/config"
)

const (
	defaultMaxSizeMB   = 10
	defaultBackupCount = 1
)

// Setup builds the logger described by cfg, installs it as the slog default
// and returns it. An explicit logfile path (from the --logfile flag) overrides
// the configured filename.
func Setup(cfg config.LoggingConfig, logfile string) *slog.Logger {
	var lvl slog.Level
	switch cfg.Level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if logfile == "" && cfg.LogToFile {
		logfile = cfg.Filename
	}
	if logfile != "" {
		if rotated, err := fileWriter(cfg, logfile); err != nil {
			slog.Warn("cannot open log file, logging to stderr only", "path", logfile, "error", err)
		} else {
			out = io.MultiWriter(os.Stderr, rotated)
		}
	}

	log := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}

// fileWriter opens a lumberjack rotating writer for the given path, creating
// parent directories as needed.
func fileWriter(cfg config.LoggingConfig, path string) (io.Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	maxSize := cfg.MaxLogSize
	if maxSize <= 0 {
		maxSize = defaultMaxSizeMB
	}
	backups := cfg.BackupCount
	if backups <= 0 {
		backups = defaultBackupCount
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: backups,
	}, nil
}
