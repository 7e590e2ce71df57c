// Package logging provides the structured logger used across vnoded and
// vcmd. It wraps logrus the way LXD's shared/logger package does: callers
// pass a message plus an optional context map rather than reaching for
// logrus's field API directly, which keeps call sites short and keeps the
// backing library swappable.
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
)

// Ctx is a bag of structured fields attached to a log line.
type Ctx map[string]interface{}

// Logger is the logging handle passed down through the server and client.
type Logger struct {
	entry *logrus.Entry
}

// Options configures a new Logger.
type Options struct {
	// Verbose raises the level to Debug; otherwise Info.
	Verbose bool
	// Output is where log lines are written. Defaults to stderr.
	Output io.Writer
	// Fields are attached to every line emitted by this Logger, e.g. the
	// control-channel path or a connection's peer id.
	Fields Ctx
}

// New builds a Logger. Output defaults to a colorable stderr so ANSI level
// colors survive on Windows-hosted terminals and degrade cleanly when
// redirected to a file.
func New(opts Options) *Logger {
	out := opts.Output
	if out == nil {
		out = colorable.NewColorableStderr()
	}

	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	l.SetLevel(logrus.InfoLevel)
	if opts.Verbose {
		l.SetLevel(logrus.DebugLevel)
	}

	entry := logrus.NewEntry(l)
	if len(opts.Fields) > 0 {
		entry = entry.WithFields(logrus.Fields(opts.Fields))
	}

	return &Logger{entry: entry}
}

// Discard returns a Logger that drops everything, for tests and for
// optional-logger fields that weren't wired up.
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(l)}
}

// With returns a child Logger with ctx merged into every subsequent line.
func (l *Logger) With(ctx Ctx) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{entry: l.entry.WithFields(logrus.Fields(ctx))}
}

func (l *Logger) fields(ctx []Ctx) *logrus.Entry {
	if len(ctx) == 0 {
		return l.entry
	}
	merged := Ctx{}
	for _, c := range ctx {
		for k, v := range c {
			merged[k] = v
		}
	}
	return l.entry.WithFields(logrus.Fields(merged))
}

func (l *Logger) Debug(msg string, ctx ...Ctx) {
	if l == nil {
		return
	}
	l.fields(ctx).Debug(msg)
}

func (l *Logger) Info(msg string, ctx ...Ctx) {
	if l == nil {
		return
	}
	l.fields(ctx).Info(msg)
}

func (l *Logger) Warn(msg string, ctx ...Ctx) {
	if l == nil {
		return
	}
	l.fields(ctx).Warn(msg)
}

func (l *Logger) Error(msg string, ctx ...Ctx) {
	if l == nil {
		return
	}
	l.fields(ctx).Error(msg)
}

// WithError attaches err under logrus's "error" field.
func (l *Logger) WithError(err error) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{entry: l.entry.WithError(err)}
}

// OpenLogFile opens path for append, creating it with 0640 permissions if
// it does not exist, matching vnoded's "-l logfile" option.
func OpenLogFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
}
