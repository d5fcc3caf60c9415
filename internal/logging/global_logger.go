package logging

import (
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetLogLevel parses a human-friendly level name and applies it to the
// package-level logrus logger. Unrecognized values fall back to InfoLevel.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// InitOptions configures the global logrus output.
type InitOptions struct {
	// FilePath is the log file to rotate into. Empty disables file logging.
	FilePath string
	// MaxSizeMB is the size in megabytes at which the log file rotates.
	MaxSizeMB int
	// MaxAgeDays is how long rotated files are retained.
	MaxAgeDays int
	// MaxBackups caps the number of rotated files kept.
	MaxBackups int
	// Level is the initial log level, per SetLogLevel.
	Level string
}

// Init wires the global logrus logger to write structured JSON lines to
// its current output (stderr by default) and, when FilePath is set, to a
// rotating file via lumberjack. The ring buffer hook is installed unconditionally so recent log lines remain
// available to the dashboard even when file logging is disabled.
func Init(opts InitOptions) {
	log.SetFormatter(&log.JSONFormatter{})
	SetLogLevel(opts.Level)
	log.AddHook(GlobalBuffer)

	if opts.FilePath == "" {
		return
	}

	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}
	maxAge := opts.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 1
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 24
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.FilePath,
		MaxSize:    maxSize,
		MaxAge:     maxAge,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(log.StandardLogger().Out, rotator))
}
