// Package logging provides a small leveled wrapper over the standard
// library logger, matching the "log.Printf with a component prefix" style
// used throughout vecgo (e.g. "vecgo indexer: ...").
package logging

import (
	"log"
	"os"
)

// Level is a filtering threshold, ordered least to most verbose.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// ParseLevel maps a config string ("error", "warn", "info", "debug") to a
// Level, defaulting to LevelInfo for unrecognized values.
func ParseLevel(s string) Level {
	switch s {
	case "error":
		return LevelError
	case "warn", "warning":
		return LevelWarn
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// Logger is a component-scoped, level-filtered logger.
type Logger struct {
	component string
	level     Level
	out       *log.Logger
}

// New creates a Logger for component, writing to stderr with the standard
// log flags, filtered at level.
func New(component string, level Level) *Logger {
	return &Logger{
		component: component,
		level:     level,
		out:       log.New(os.Stderr, "", log.LstdFlags),
	}
}

// With returns a new Logger scoped to a sub-component, inheriting level.
func (l *Logger) With(component string) *Logger {
	return &Logger{component: l.component + "." + component, level: l.level, out: l.out}
}

func (l *Logger) log(level Level, prefix, format string, args ...interface{}) {
	if level > l.level {
		return
	}
	msg := prefix + " " + l.component + ": " + format
	l.out.Printf(msg, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, "DEBUG", format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(LevelInfo, "INFO", format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(LevelWarn, "WARN", format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, "ERROR", format, args...) }
