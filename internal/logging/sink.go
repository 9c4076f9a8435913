// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// TimestampFormat is prepended to messages by timestamped SinkLoggers.
const TimestampFormat = "2006-01-02T15:04:05.000000Z "

// SinkLogger is a Logger that filters logs by level and hands them to a Sink.
type SinkLogger struct {
	level     Level
	timestamp bool
	sink      Sink
}

// NewSinkLogger creates a new SinkLogger. Logs below level are dropped.
// If timestamp is true, a UTC timestamp is prepended to every message.
func NewSinkLogger(level Level, timestamp bool, sink Sink) *SinkLogger {
	return &SinkLogger{level: level, timestamp: timestamp, sink: sink}
}

// Log sends a log to the associated sink.
func (l *SinkLogger) Log(level Level, ts time.Time, msg string) {
	if level < l.level {
		return
	}
	if l.timestamp {
		msg = ts.UTC().Format(TimestampFormat) + msg
	}
	l.sink.Log(msg)
}

// Sink is a destination of logs, e.g. a log file or console.
type Sink interface {
	Log(msg string)
}

// FuncSink is a Sink that calls a function. Calls are serialized.
type FuncSink struct {
	mu sync.Mutex
	f  func(msg string)
}

// NewFuncSink creates a new FuncSink from a function.
func NewFuncSink(f func(msg string)) *FuncSink {
	return &FuncSink{f: f}
}

// Log calls the function.
func (s *FuncSink) Log(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.f(msg)
}

// WriterSink is a Sink writing one line per log to an io.Writer.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a new WriterSink.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Log writes msg and a newline.
func (s *WriterSink) Log(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, msg)
}

// ConsoleLogger writes Debug/Info logs to out and Warning/Error logs to errOut.
// Warnings are prefixed like the console output of other test tools so that
// wrappers can grep for them.
type ConsoleLogger struct {
	level Level
	out   Sink
	err   Sink
}

// NewConsoleLogger creates a ConsoleLogger dropping logs below level.
func NewConsoleLogger(level Level, out, errOut io.Writer) *ConsoleLogger {
	return &ConsoleLogger{level: level, out: NewWriterSink(out), err: NewWriterSink(errOut)}
}

// Log implements Logger.
func (l *ConsoleLogger) Log(level Level, ts time.Time, msg string) {
	if level < l.level {
		return
	}
	switch level {
	case LevelWarning:
		l.err.Log("Warning: " + msg)
	case LevelError:
		l.err.Log(msg)
	default:
		l.out.Log(msg)
	}
}
