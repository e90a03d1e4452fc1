// Package logger provides the logging interface used across Bifrost's
// components. Every long-running piece (writer, sequencer, log server)
// takes a Logger through its options rather than reaching for a
// package-level global.
package logger

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface components depend on. It intentionally
// mirrors a small, printf-style surface so call sites never need to know
// which backend is wired in.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// Silent toggles whether log output is suppressed. Used by tests and by
	// components that have not been given an explicit logger.
	Silent(silent bool)
}

// logrusLogger adapts *logrus.Logger to the Logger interface.
type logrusLogger struct {
	log     *logrus.Logger
	silent  bool
	fields  logrus.Fields
	discard io.Writer
}

// New creates a Logger backed by logrus at the given level (as defined by
// logrus.Level). The zero value is logrus.PanicLevel, which suppresses
// every line below panic; it is not logrus's default level.
func New(level logrus.Level) Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &logrusLogger{log: l, discard: io.Discard}
}

// NewWithFields returns a Logger that annotates every line with the given
// structured fields, e.g. {"loglet": id, "component": "sequencer"}.
func NewWithFields(l Logger, fields map[string]interface{}) Logger {
	ll, ok := l.(*logrusLogger)
	if !ok {
		return l
	}
	merged := make(logrus.Fields, len(ll.fields)+len(fields))
	for k, v := range ll.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &logrusLogger{log: ll.log, silent: ll.silent, fields: merged, discard: ll.discard}
}

func (l *logrusLogger) entry() *logrus.Entry {
	if l.silent {
		e := logrus.NewEntry(l.log)
		e.Logger = &logrus.Logger{Out: io.Discard, Formatter: l.log.Formatter, Level: l.log.Level, Hooks: make(logrus.LevelHooks)}
		return e.WithFields(l.fields)
	}
	return l.log.WithFields(l.fields)
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry().Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry().Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry().Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry().Errorf(format, args...) }

func (l *logrusLogger) Silent(silent bool) { l.silent = silent }

// NewNop returns a Logger that discards everything. Used as the default when
// a component is constructed without an explicit logger, matching the
// "Options.Logger == nil -> silent logger" pattern components use.
func NewNop() Logger {
	l := New(logrus.InfoLevel)
	l.Silent(true)
	return l
}
