// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"os"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/adapters"
	"go.chromium.org/hostrun/internal/attachments"
	"go.chromium.org/hostrun/internal/command"
	"go.chromium.org/hostrun/internal/filter"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/settings"
	"go.chromium.org/hostrun/internal/sources"
)

// splitArgs splits positional arguments into sources and the inline
// settings given after "--".
func splitArgs(args []string) (srcs, inline []string) {
	for i, a := range args {
		if a == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

// configFlags holds the flags shared by subcommands that resolve a run
// configuration.
type configFlags struct {
	switches settings.Switches
	diag     string
}

func (c *configFlags) SetFlags(f *flag.FlagSet) {
	c.switches.SetFlags(f)
	f.StringVar(&c.diag, "diag", "", "file to write debug logs to")
}

// resolve returns the run configuration for the command line. Errors carry
// StatusBadSettings.
func (c *configFlags) resolve(inline []string) (*settings.RunConfiguration, error) {
	var xml []byte
	if c.switches.SettingsFile != "" {
		b, err := os.ReadFile(c.switches.SettingsFile)
		if err != nil {
			return nil, command.NewStatusErrorf(command.StatusBadSettings, "Settings file %s could not be read: %v", c.switches.SettingsFile, err)
		}
		xml = b
	}
	cfg, err := settings.Resolve(settings.Default(), xml, inline, &c.switches)
	if err != nil {
		return nil, command.NewStatusErrorf(command.StatusBadSettings, "%v", err)
	}
	if expr := cfg.TestCaseFilter(); expr != "" {
		if _, err := filter.Parse(expr); err != nil {
			return nil, command.NewStatusErrorf(command.StatusBadSettings, "%v", err)
		}
	}
	return cfg, nil
}

// attachDiag adds a debug log file to ctx if -diag was given. The returned
// function closes it.
func (c *configFlags) attachDiag(ctx context.Context) (context.Context, func(), error) {
	if c.diag == "" {
		return ctx, func() {}, nil
	}
	f, err := os.Create(c.diag)
	if err != nil {
		return ctx, nil, command.NewStatusErrorf(command.StatusBadArgs, "Failed to create diagnostics log: %v", err)
	}
	ctx = logging.AttachLogger(ctx, logging.NewSinkLogger(logging.LevelDebug, true, logging.NewWriterSink(f)))
	return ctx, func() { f.Close() }, nil
}

// statusError attaches an exit status to an engine error.
func statusError(err error) error {
	var se *command.StatusError
	switch {
	case errors.As(err, &se):
		return err
	case errors.Is(err, sources.ErrNoSources), errors.Is(err, adapters.ErrNoRunnableSources):
		return command.NewStatusErrorf(command.StatusNoSources, "%v", err)
	case errors.Is(err, attachments.ErrNoSession):
		return command.NewStatusErrorf(command.StatusBadArgs, "%v", err)
	default:
		return command.NewStatusErrorf(command.StatusInternalError, "%v", err)
	}
}
