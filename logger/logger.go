// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package logger

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

const RFC3339UsecTz0 = "2006-01-02T15:04:05.000000Z07:00"

// Ensure nopLogger implements interface.
var _ Logger = &nopLogger{}

// Logger represents an interface for a shared logger.
type Logger interface {
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Panicf(format string, v ...interface{})
	// WithPrefix returns a new Logger with the same configuration as
	// this one, but all logs will have the given prefix.
	WithPrefix(prefix string) Logger
}

const (
	LevelPanic = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

func LevelPrefix(level int) string {
	return [...]string{"PANIC: ", "ERROR: ", "WARN:  ", "INFO:  ", "DEBUG: "}[level]
}

// NopLogger represents a Logger that doesn't do anything.
var NopLogger Logger = &nopLogger{}

type nopLogger struct{}

func (n *nopLogger) Printf(format string, v ...interface{}) {}
func (n *nopLogger) Debugf(format string, v ...interface{}) {}
func (n *nopLogger) Infof(format string, v ...interface{})  {}
func (n *nopLogger) Warnf(format string, v ...interface{})  {}
func (n *nopLogger) Errorf(format string, v ...interface{}) {}
func (n *nopLogger) Panicf(format string, v ...interface{}) {}

func (n *nopLogger) WithPrefix(prefix string) Logger {
	return n
}

// standardLogger is a basic implementation of Logger based on log.Logger.
type standardLogger struct {
	logger    *log.Logger
	verbosity int
	prefix    string
	w         io.Writer
}

// write in UTC with constant width and microsecond resolution.
type formatLog struct {
	w io.Writer
}

func (fl formatLog) Write(bytes []byte) (int, error) {
	return fmt.Fprintf(fl.w, "%v %v", time.Now().UTC().Format(RFC3339UsecTz0), string(bytes))
}

func newStandardLogger(w io.Writer, verbosity int, prefix string) *standardLogger {
	logger := log.New(formatLog{w: w}, prefix, log.Lmsgprefix)
	return &standardLogger{
		logger:    logger,
		verbosity: verbosity,
		prefix:    prefix,
		w:         w,
	}
}

func NewStandardLogger(w io.Writer) *standardLogger {
	return newStandardLogger(w, LevelInfo, "")
}

func NewVerboseLogger(w io.Writer) *standardLogger {
	return newStandardLogger(w, LevelDebug, "")
}

func (s *standardLogger) printf(level int, format string, v ...interface{}) {
	if level > s.verbosity {
		return
	}
	s.logger.Printf(LevelPrefix(level)+format, v...)
}

func (s *standardLogger) Printf(format string, v ...interface{}) {
	s.printf(LevelInfo, format, v...)
}

func (s *standardLogger) Debugf(format string, v ...interface{}) {
	s.printf(LevelDebug, format, v...)
}

func (s *standardLogger) Infof(format string, v ...interface{}) {
	s.printf(LevelInfo, format, v...)
}

func (s *standardLogger) Warnf(format string, v ...interface{}) {
	s.printf(LevelWarn, format, v...)
}

func (s *standardLogger) Errorf(format string, v ...interface{}) {
	s.printf(LevelError, format, v...)
}

func (s *standardLogger) Panicf(format string, v ...interface{}) {
	s.printf(LevelPanic, format, v...)
	panic(fmt.Sprintf(format, v...))
}

// WithPrefix appends prefix to any existing prefix, so component loggers
// nest as "journal: " under "quadstore: ".
func (s *standardLogger) WithPrefix(prefix string) Logger {
	return newStandardLogger(s.w, s.verbosity, s.prefix+prefix)
}

// Logfer is a thing that has only a Logf() method, like for instance,
// testing.T or testing.B.
type Logfer interface {
	Logf(format string, v ...interface{})
}

// LogfLogger is a test logger that wraps something that has a Logf interface
// and makes it act like our logger.
type LogfLogger struct {
	wrapped Logfer
	prefix  string
}

func (ll *LogfLogger) Printf(format string, v ...interface{}) {
	ll.wrapped.Logf(ll.prefix+format, v...)
}

func (ll *LogfLogger) Debugf(format string, v ...interface{}) {
	ll.wrapped.Logf(ll.prefix+LevelPrefix(LevelDebug)+format, v...)
}

func (ll *LogfLogger) Infof(format string, v ...interface{}) {
	ll.wrapped.Logf(ll.prefix+LevelPrefix(LevelInfo)+format, v...)
}

func (ll *LogfLogger) Warnf(format string, v ...interface{}) {
	ll.wrapped.Logf(ll.prefix+LevelPrefix(LevelWarn)+format, v...)
}

func (ll *LogfLogger) Errorf(format string, v ...interface{}) {
	ll.wrapped.Logf(ll.prefix+LevelPrefix(LevelError)+format, v...)
}

func (ll *LogfLogger) Panicf(format string, v ...interface{}) {
	ll.wrapped.Logf(ll.prefix+LevelPrefix(LevelPanic)+format, v...)
}

func (ll *LogfLogger) WithPrefix(prefix string) Logger {
	return &LogfLogger{wrapped: ll.wrapped, prefix: ll.prefix + prefix}
}

func NewLogfLogger(l Logfer) *LogfLogger {
	return &LogfLogger{wrapped: l}
}

// BufferLogger represents a test Logger that holds log messages
// in a buffer for review.
type BufferLogger struct {
	buf *bytes.Buffer
	mu  sync.Mutex
}

// NewBufferLogger returns a new instance of BufferLogger.
func NewBufferLogger() *BufferLogger {
	return &BufferLogger{
		buf: &bytes.Buffer{},
	}
}

func (b *BufferLogger) Printf(format string, v ...interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprintf(b.buf, format, v...)
	b.buf.WriteByte('\n')
}

func (b *BufferLogger) Debugf(format string, v ...interface{}) {}
func (b *BufferLogger) Infof(format string, v ...interface{}) {
	b.Printf(LevelPrefix(LevelInfo)+format, v...)
}
func (b *BufferLogger) Warnf(format string, v ...interface{}) {
	b.Printf(LevelPrefix(LevelWarn)+format, v...)
}
func (b *BufferLogger) Errorf(format string, v ...interface{}) {
	b.Printf(LevelPrefix(LevelError)+format, v...)
}
func (b *BufferLogger) Panicf(format string, v ...interface{}) {
	b.Printf(LevelPrefix(LevelPanic)+format, v...)
}

// WithPrefix does nothing for BufferLogger.
func (b *BufferLogger) WithPrefix(prefix string) Logger {
	return b
}

// String returns everything logged so far.
func (b *BufferLogger) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
