// Package logging provides a small structured-logging helper shared by the
// securechan packages, wrapping logrus with a pinned component field.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger wraps logrus with a fixed set of base fields for one component
// (pump, channel, handshake, secure, listener, ...).
type Logger struct {
	component string
	fields    logrus.Fields
}

// New creates a logger for the named component.
func New(component string) *Logger {
	return &Logger{
		component: component,
		fields: logrus.Fields{
			"component": component,
		},
	}
}

// With returns a copy of the logger with an additional field set.
func (l *Logger) With(key string, value interface{}) *Logger {
	fields := make(logrus.Fields, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Logger{component: l.component, fields: fields}
}

// WithError returns a copy of the logger with an error field set.
func (l *Logger) WithError(err error) *Logger {
	return l.With("error", err.Error())
}

func (l *Logger) entry() *logrus.Entry {
	return logrus.WithFields(l.fields)
}

// Debug logs a debug-level message.
func (l *Logger) Debug(msg string) { l.entry().Debug(msg) }

// Info logs an info-level message.
func (l *Logger) Info(msg string) { l.entry().Info(msg) }

// Warn logs a warn-level message.
func (l *Logger) Warn(msg string) { l.entry().Warn(msg) }

// Error logs an error-level message.
func (l *Logger) Error(msg string) { l.entry().Error(msg) }
