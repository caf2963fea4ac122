// Package log configures the process wide slog logger.
package log

import (
	"io"
	"log/slog"
	"runtime/debug"

	charmlog "charm.land/log/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a logger. With a log file, JSON records go to a rotating file;
// otherwise human readable records go to w. The returned closer releases
// the file and is a no-op for w.
func New(w io.Writer, logFile string, debug bool) (*slog.Logger, io.Closer) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	if logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
		}
		handler := slog.NewJSONHandler(rotator, &slog.HandlerOptions{
			Level:     level,
			AddSource: debug,
		})
		return slog.New(handler), rotator
	}

	logger := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		Prefix:          "council",
	})
	if debug {
		logger.SetLevel(charmlog.DebugLevel)
	}
	return slog.New(logger), nopCloser{}
}

// Setup installs a logger built by New as the slog default.
func Setup(w io.Writer, logFile string, debug bool) io.Closer {
	logger, closer := New(w, logFile, debug)
	slog.SetDefault(logger)
	return closer
}

// RecoverPanic logs a recovered panic with its stack and runs cleanup.
// It must be deferred directly.
func RecoverPanic(name string, cleanup func()) {
	if r := recover(); r != nil {
		slog.Error("Recovered from panic", "component", name, "panic", r, "stack", string(debug.Stack()))
		if cleanup != nil {
			cleanup()
		}
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
