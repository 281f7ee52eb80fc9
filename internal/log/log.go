// Package log provides the process-wide leveled logger.
package log

import (
	"sync"
)

// Logger is the logging interface used across the node. Trace level exists
// because the packet paths log every drop; keep those behind
// IsTraceEnabled checks when formatting is not free.
type Logger interface {
	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
}

var (
	mu     sync.RWMutex
	logger Logger = mustDefaultLogger()
)

// GetLogger returns the global logger. Before Init it returns a plain
// stdout logger at info level, so packages are always safe to log from.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init installs the configured global logger. Later calls replace the
// earlier configuration (used by tests).
func Init(cfg *Config) error {
	l, err := newLogrusLogger(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

func mustDefaultLogger() Logger {
	l, err := newLogrusLogger(&Config{Level: "info", Pattern: defaultPattern, Time: defaultTimeFormat})
	if err != nil {
		panic(err)
	}
	return l
}
