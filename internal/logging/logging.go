// Package logging provides the trace/debug/info/warn/error level filter
// behind the general.log_level config option, layered directly on top of
// the standard log package.
package logging

import (
	"fmt"
	"log"
	"strings"
)

// Level is a log_level value, ordered from most to least verbose.
type Level int

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
)

// ParseLevel parses a log_level config string, defaulting to Info for
// anything unrecognized rather than failing startup over a typo'd config
// value.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return Trace
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Logger gates log.Printf calls by level.
type Logger struct {
	min Level
}

// New creates a Logger that only emits records at or above min.
func New(min Level) *Logger {
	return &Logger{min: min}
}

func (l *Logger) logf(level Level, prefix, format string, args ...interface{}) {
	if level < l.min {
		return
	}
	log.Printf(prefix+" "+format, args...)
}

func (l *Logger) Tracef(format string, args ...interface{}) { l.logf(Trace, "[trace]", format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(Debug, "[debug]", format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(Info, "[info]", format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(Warn, "[warn]", format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(Error, "[error]", format, args...) }

// String renders a Level the way it would appear in a log_level config value.
func (lv Level) String() string {
	switch lv {
	case Trace:
		return "trace"
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(lv))
	}
}
