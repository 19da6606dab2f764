// The MIT License (MIT)
//
// Copyright (c) 2013-2016 Oryx(ossrs)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

// Package logger provides connection-oriented log service for NCP.
//
//	logger.Info.Println(Context, ...)
//	logger.Trace.Println(Context, ...)
//	logger.Warn.Println(Context, ...)
//	logger.Error.Println(Context, ...)
//
// @remark the Context is optional thus can be nil.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Context is the per-connection logging context: every connection gets a
// small integer id, assigned by an atomic counter, used to correlate log
// lines belonging to the same socket.
type Context interface {
	// Cid returns the current connection's id.
	Cid() int
}

// Logger is the NCP logger. Implementations wrap a single logrus level so
// that Info/Trace/Warn/Error can be swapped or silenced independently.
type Logger interface {
	Println(ctx Context, a ...interface{})
	Printf(ctx Context, format string, a ...interface{})
}

type logrusLogger struct {
	level logrus.Level
	entry *logrus.Entry
}

// NewLogrusLogger returns a Logger backed by entry, logging at level.
func NewLogrusLogger(entry *logrus.Entry, level logrus.Level) Logger {
	return &logrusLogger{level: level, entry: entry}
}

func (v *logrusLogger) fields(ctx Context) *logrus.Entry {
	if ctx == nil {
		return v.entry.WithField("pid", os.Getpid())
	}
	return v.entry.WithField("pid", os.Getpid()).WithField("cid", ctx.Cid())
}

func (v *logrusLogger) Println(ctx Context, a ...interface{}) {
	v.fields(ctx).Log(v.level, a...)
}

func (v *logrusLogger) Printf(ctx Context, format string, a ...interface{}) {
	v.fields(ctx).Logf(v.level, format, a...)
}

// Info, the verbose info level, very detail log, the lowest level, to discard by default.
var Info Logger

// I is the alias for Info level logging.
func I(ctx Context, a ...interface{}) { Info.Println(ctx, a...) }

// Trace, the trace level, something important, the default log level, to stdout.
var Trace Logger

// T is the alias for Trace level logging.
func T(ctx Context, a ...interface{}) { Trace.Println(ctx, a...) }

// Warn, the warning level, dangerous information, to stderr.
var Warn Logger

// W is the alias for Warn level logging.
func W(ctx Context, a ...interface{}) { Warn.Println(ctx, a...) }

// Error, the error level, fatal error things, to stderr.
var Error Logger

// E is the alias for Error level logging.
func E(ctx Context, a ...interface{}) { Error.Println(ctx, a...) }

func newBaseLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	// Each Logger filters by its own level; the base logger passes all.
	l.SetLevel(logrus.TraceLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

func init() {
	Info = NewLogrusLogger(logrus.NewEntry(newBaseLogger(io.Discard)), logrus.InfoLevel)
	Trace = NewLogrusLogger(logrus.NewEntry(newBaseLogger(os.Stdout)), logrus.TraceLevel)
	Warn = NewLogrusLogger(logrus.NewEntry(newBaseLogger(os.Stderr)), logrus.WarnLevel)
	Error = NewLogrusLogger(logrus.NewEntry(newBaseLogger(os.Stderr)), logrus.ErrorLevel)
}

// Switch redirects Trace, Warn and Error to w; Info remains discarded.
// @remark user must close previous io for logger never close it.
func Switch(w io.Writer) {
	Trace = NewLogrusLogger(logrus.NewEntry(newBaseLogger(w)), logrus.TraceLevel)
	Warn = NewLogrusLogger(logrus.NewEntry(newBaseLogger(w)), logrus.WarnLevel)
	Error = NewLogrusLogger(logrus.NewEntry(newBaseLogger(w)), logrus.ErrorLevel)

	if c, ok := w.(io.Closer); ok {
		previousIo = c
	}
}

var previousIo io.Closer

// Close cleans up the logger, discarding any log until switched to a fresh writer.
func Close() (err error) {
	Info = NewLogrusLogger(logrus.NewEntry(newBaseLogger(io.Discard)), logrus.InfoLevel)
	Trace = NewLogrusLogger(logrus.NewEntry(newBaseLogger(io.Discard)), logrus.TraceLevel)
	Warn = NewLogrusLogger(logrus.NewEntry(newBaseLogger(io.Discard)), logrus.WarnLevel)
	Error = NewLogrusLogger(logrus.NewEntry(newBaseLogger(io.Discard)), logrus.ErrorLevel)

	if previousIo != nil {
		err = previousIo.Close()
		previousIo = nil
	}

	return
}
