// Package log provides the leveled logging calls used throughout the
// engine. It mirrors the call surface gvisor's own pkg/log exposes
// (Infof/Warningf/Debugf/Errorf against a package-level default logger)
// but is backed by logrus so that field-structured logging is available
// to callers that want it.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

func init() {
	std.SetOutput(os.Stderr)
	std.SetLevel(logrus.InfoLevel)
}

// SetLevel controls the minimum level emitted by the package logger.
// Valid names: "debug", "info", "warn", "error".
func SetLevel(name string) {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		std.Warnf("log.SetLevel: unknown level %q, leaving at %s", name, std.GetLevel())
		return
	}
	std.SetLevel(lvl)
}

// Debugf logs at debug level. Used for per-packet tracing.
func Debugf(format string, args ...interface{}) { std.Debugf(format, args...) }

// Infof logs at info level. Used for setup/registration events.
func Infof(format string, args ...interface{}) { std.Infof(format, args...) }

// Warningf logs at warn level. Used for abnormal connection events, such
// as a TCP connection aborted at its retransmit deadline.
func Warningf(format string, args ...interface{}) { std.Warnf(format, args...) }

// Errorf logs at error level. Used for operational failures.
func Errorf(format string, args ...interface{}) { std.Errorf(format, args...) }

// WithField returns an entry that carries a structured key/value through
// a chain of related log lines (e.g. a bring-up session id).
func WithField(key string, value interface{}) *logrus.Entry {
	return std.WithField(key, value)
}
