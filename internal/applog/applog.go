// Package applog configures the process-wide logrus logger used by every
// other package, following the pack's "package-level logger plus
// log.Fields" convention (see etrirepo-25G-Simulator's devices package).
package applog

import (
	"fmt"
	"log/syslog"

	log "github.com/sirupsen/logrus"
	logsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// Fields is log.Fields, re-exported so callers need only import applog.
type Fields = log.Fields

// Level mirrors the -D 0..4 debug level of spec.md section 6.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var levelMap = map[Level]log.Level{
	LevelError: log.ErrorLevel,
	LevelWarn:  log.WarnLevel,
	LevelInfo:  log.InfoLevel,
	LevelDebug: log.DebugLevel,
	LevelTrace: log.TraceLevel,
}

// ParseLevel clamps n into the 0..4 range and maps it to a Level, per
// spec.md section 6's "-D n debug level 0..4".
func ParseLevel(n int) Level {
	switch {
	case n <= int(LevelError):
		return LevelError
	case n >= int(LevelTrace):
		return LevelTrace
	default:
		return Level(n)
	}
}

// Setup installs level and, when useSyslog is set, a syslog hook that
// mirrors every record to the local syslog daemon via facility LOG_DAEMON,
// per spec.md section 6's -s flag.
func Setup(level Level, useSyslog bool) error {
	log.SetLevel(levelMap[level])

	if !useSyslog {
		return nil
	}
	hook, err := logsyslog.NewSyslogHook("", "", syslog.LOG_DAEMON, "mcastbridged")
	if err != nil {
		return fmt.Errorf("applog: connect syslog: %w", err)
	}
	log.AddHook(hook)
	return nil
}

// WithFields returns an entry carrying fields, the package's standard
// logging entry point.
func WithFields(fields Fields) *log.Entry {
	return log.WithFields(fields)
}

// Fatalf logs at Fatal and terminates the process, for configuration and
// resource-acquisition errors per spec.md section 7.
func Fatalf(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}

// Warnf logs a runtime packet or emission error, continuing the datapath
// per spec.md section 7.
func Warnf(format string, args ...interface{}) {
	log.Warnf(format, args...)
}

// Debugf logs protocol-state detail useful while diagnosing a snooper or
// forwarder.
func Debugf(format string, args ...interface{}) {
	log.Debugf(format, args...)
}
