// Package logging provides the structured logger used across horadrim.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is the process-wide structured logger. It is configured once by Init
// and is safe to read concurrently thereafter (the dispatcher is
// single-threaded, so no locking is required around writes).
var Log = logrus.New()

// Config controls where log lines go and at what level.
type Config struct {
	// ErrorLogPath, when set, receives a copy of every line written at the
	// configured level, in addition to stderr; lines are not filtered by
	// severity. Empty means stderr only.
	ErrorLogPath string
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
}

// Init configures the package-level Log according to cfg. It may be called
// more than once; the last call wins.
func Init(cfg Config) error {
	Log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	Log.SetLevel(parseLevel(cfg.Level))

	if cfg.ErrorLogPath == "" {
		Log.SetOutput(os.Stderr)
		return nil
	}

	f, err := os.OpenFile(cfg.ErrorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	Log.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
