// Copyright The Taskdwarf Authors
// SPDX-License-Identifier: Apache-2.0

// Package log provides the logger used across the module. It configures a
// single shared logrus instance so that library and CLI output share one
// format and level.
package log // import "github.com/crashdiag/taskdwarf/internal/log"

import (
	"github.com/sirupsen/logrus"
)

const (
	PanicLevel = logrus.PanicLevel
	FatalLevel = logrus.FatalLevel
	ErrorLevel = logrus.ErrorLevel
	WarnLevel  = logrus.WarnLevel
	InfoLevel  = logrus.InfoLevel
	DebugLevel = logrus.DebugLevel

	// time.RFC3339Nano removes trailing zeros from the seconds field.
	// The following format doesn't (fixed-width output).
	timeStampFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// Logger embeds the logging library interface used by this module.
type Logger interface {
	logrus.FieldLogger
}

var logger = StandardLogger()

// StandardLogger returns the shared logger instance, configured for plain
// text output with fixed-width timestamps and full level names.
func StandardLogger() Logger {
	l := logrus.StandardLogger()
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:          true,
		FullTimestamp:          true,
		TimestampFormat:        timeStampFormat,
		DisableSorting:         true,
		DisableLevelTruncation: true,
		QuoteEmptyFields:       true,
	})
	l.SetLevel(InfoLevel)
	// Allow concurrent writes to the log destination.
	l.SetNoLock()
	l.SetReportCaller(false)
	return l
}

// Labels are key/value pairs attached to a log message.
type Labels map[string]any

// With returns a logger that adds the given labels to every message.
func With(labels Labels) Logger {
	return logger.WithFields(logrus.Fields(labels))
}

// Printf mirrors the library function, using the shared logger.
func Printf(format string, args ...any) {
	logger.Printf(format, args...)
}

// Fatalf mirrors the library function, using the shared logger.
func Fatalf(format string, args ...any) {
	logger.Fatalf(format, args...)
}

// Errorf mirrors the library function, using the shared logger.
func Errorf(format string, args ...any) {
	logger.Errorf(format, args...)
}

// Warnf mirrors the library function, using the shared logger.
func Warnf(format string, args ...any) {
	logger.Warnf(format, args...)
}

// Infof mirrors the library function, using the shared logger.
func Infof(format string, args ...any) {
	logger.Infof(format, args...)
}

// Debugf mirrors the library function, using the shared logger.
func Debugf(format string, args ...any) {
	logger.Debugf(format, args...)
}

// Error mirrors the library function, using the shared logger.
func Error(args ...any) {
	logger.Error(args...)
}

// Fatal mirrors the library function, using the shared logger.
func Fatal(args ...any) {
	logger.Fatal(args...)
}

// SetLevel adjusts the level of the shared logger.
func SetLevel(level logrus.Level) {
	logger.(*logrus.Logger).SetLevel(level)
}
