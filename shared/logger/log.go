// Package logger is a thin structured-logging facade over logrus.
package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Ctx is the logging context type to be passed to the logging functions.
type Ctx map[string]any

// Logger is the main logging interface.
type Logger interface {
	Panic(msg string, ctx ...Ctx)
	Fatal(msg string, ctx ...Ctx)
	Error(msg string, ctx ...Ctx)
	Warn(msg string, ctx ...Ctx)
	Info(msg string, ctx ...Ctx)
	Debug(msg string, ctx ...Ctx)
	Trace(msg string, ctx ...Ctx)

	AddContext(ctx Ctx) Logger
}

// Log contains the logger used by all the logging functions.
var Log Logger

type logWrapper struct {
	entry *logrus.Entry
}

func init() {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	Log = &logWrapper{entry: logrus.NewEntry(logger)}
}

// InitLogger initializes the package level logger with the requested verbosity.
func InitLogger(verbose bool, debug bool) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	switch {
	case debug:
		logger.SetLevel(logrus.DebugLevel)
	case verbose:
		logger.SetLevel(logrus.InfoLevel)
	default:
		logger.SetLevel(logrus.WarnLevel)
	}

	Log = &logWrapper{entry: logrus.NewEntry(logger)}
}

func (lw *logWrapper) getEntry(ctx []Ctx) *logrus.Entry {
	entry := lw.entry
	for _, c := range ctx {
		entry = entry.WithFields(logrus.Fields(c))
	}

	return entry
}

func (lw *logWrapper) Panic(msg string, ctx ...Ctx) {
	lw.getEntry(ctx).Panic(msg)
}

func (lw *logWrapper) Fatal(msg string, ctx ...Ctx) {
	lw.getEntry(ctx).Fatal(msg)
}

func (lw *logWrapper) Error(msg string, ctx ...Ctx) {
	lw.getEntry(ctx).Error(msg)
}

func (lw *logWrapper) Warn(msg string, ctx ...Ctx) {
	lw.getEntry(ctx).Warn(msg)
}

func (lw *logWrapper) Info(msg string, ctx ...Ctx) {
	lw.getEntry(ctx).Info(msg)
}

func (lw *logWrapper) Debug(msg string, ctx ...Ctx) {
	lw.getEntry(ctx).Debug(msg)
}

func (lw *logWrapper) Trace(msg string, ctx ...Ctx) {
	lw.getEntry(ctx).Trace(msg)
}

// AddContext returns a new logger with the given context added to every message.
func (lw *logWrapper) AddContext(ctx Ctx) Logger {
	return &logWrapper{entry: lw.entry.WithFields(logrus.Fields(ctx))}
}

// Panic logs a panic level message and panics.
func Panic(msg string, ctx ...Ctx) { Log.Panic(msg, ctx...) }

// Fatal logs a fatal level message and exits.
func Fatal(msg string, ctx ...Ctx) { Log.Fatal(msg, ctx...) }

// Error logs an error level message.
func Error(msg string, ctx ...Ctx) { Log.Error(msg, ctx...) }

// Warn logs a warning level message.
func Warn(msg string, ctx ...Ctx) { Log.Warn(msg, ctx...) }

// Info logs an info level message.
func Info(msg string, ctx ...Ctx) { Log.Info(msg, ctx...) }

// Debug logs a debug level message.
func Debug(msg string, ctx ...Ctx) { Log.Debug(msg, ctx...) }

// Trace logs a trace level message.
func Trace(msg string, ctx ...Ctx) { Log.Trace(msg, ctx...) }

// Errorf logs a formatted error level message.
func Errorf(format string, args ...any) { Log.Error(fmt.Sprintf(format, args...)) }

// Warnf logs a formatted warning level message.
func Warnf(format string, args ...any) { Log.Warn(fmt.Sprintf(format, args...)) }

// Infof logs a formatted info level message.
func Infof(format string, args ...any) { Log.Info(fmt.Sprintf(format, args...)) }

// Debugf logs a formatted debug level message.
func Debugf(format string, args ...any) { Log.Debug(fmt.Sprintf(format, args...)) }
