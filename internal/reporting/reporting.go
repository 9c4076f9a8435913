// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package reporting writes test results of a run in human and machine
// readable formats.
package reporting

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/results"
	"go.chromium.org/hostrun/internal/settings"
)

// Logger parameters recognized by all file loggers.
const (
	// LogFileName fixes the name of the output file. An existing file is
	// overwritten.
	LogFileName = "LogFileName"
	// LogFilePrefix makes the output file name the prefix followed by the
	// framework and a timestamp, so that reruns do not collide.
	LogFilePrefix = "LogFilePrefix"
)

// logFileTimeFormat is the timestamp format of LogFilePrefix file names.
const logFileTimeFormat = "20060102150405"

// Logger receives the results of a run.
type Logger interface {
	// TestResult is called for each test as soon as its result is known.
	// Calls are serialized.
	TestResult(r *results.TestResult) error
	// Close is called once with the final result of the run.
	Close(ctx context.Context, run *results.RunResult) error
}

// Options holds what loggers need to know about the run.
type Options struct {
	// ResultsDir is where relative log file names are resolved.
	ResultsDir string
	// Framework is the short name of the target framework, e.g. "net8.0".
	Framework string
	// Start is the start time of the run.
	Start time.Time
	// Stdout receives console output.
	Stdout io.Writer
}

// NewLogger creates the logger selected by spec.
func NewLogger(spec settings.LoggerSpec, opts *Options) (Logger, error) {
	switch strings.ToLower(spec.Name) {
	case "console":
		out := opts.Stdout
		if out == nil {
			out = os.Stdout
		}
		return newConsoleLogger(out, spec.Parameters)
	case "junit":
		path, err := ResolveLogFilePath(spec.Parameters, opts.ResultsDir, JUnitFileName, opts.Framework, opts.Start)
		if err != nil {
			return nil, err
		}
		return newJUnitLogger(path), nil
	case "jsonl":
		path, err := ResolveLogFilePath(spec.Parameters, opts.ResultsDir, StreamedResultsFileName, opts.Framework, opts.Start)
		if err != nil {
			return nil, err
		}
		return newStreamedLogger(path)
	}
	return nil, errors.Errorf("unknown logger %q", spec.Name)
}

// ResolveLogFilePath returns the output file of a file logger with params.
// defaultName is used when neither LogFileName nor LogFilePrefix is given.
func ResolveLogFilePath(params map[string]string, resultsDir, defaultName, framework string, now time.Time) (string, error) {
	name, hasName := lookupFold(params, LogFileName)
	prefix, hasPrefix := lookupFold(params, LogFilePrefix)
	switch {
	case hasName && hasPrefix:
		return "", errors.Errorf("logger parameters %s and %s cannot be used together", LogFileName, LogFilePrefix)
	case hasName:
		if name == "" {
			return "", errors.Errorf("logger parameter %s is empty", LogFileName)
		}
	case hasPrefix:
		if prefix == "" {
			return "", errors.Errorf("logger parameter %s is empty", LogFilePrefix)
		}
		name = prefix
		if framework != "" {
			name += "_" + framework
		}
		name += "_" + now.UTC().Format(logFileTimeFormat) + filepath.Ext(defaultName)
	default:
		name = defaultName
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	return filepath.Join(resultsDir, name), nil
}

func lookupFold(params map[string]string, key string) (string, bool) {
	for k, v := range params {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// MultiLogger fans results out to several loggers.
type MultiLogger []Logger

// TestResult passes r to all loggers and returns the first error.
func (m MultiLogger) TestResult(r *results.TestResult) error {
	var firstErr error
	for _, l := range m {
		if err := l.TestResult(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes all loggers and returns the first error.
func (m MultiLogger) Close(ctx context.Context, run *results.RunResult) error {
	var firstErr error
	for _, l := range m {
		if err := l.Close(ctx, run); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
