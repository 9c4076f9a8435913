// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"

	"go.chromium.org/hostrun/internal/attachments"
	"go.chromium.org/hostrun/internal/command"
	"go.chromium.org/hostrun/internal/engine"
	"go.chromium.org/hostrun/internal/genericexec"
	"go.chromium.org/hostrun/internal/logging"
)

// runCmd implements subcommands.Command to support running tests.
type runCmd struct {
	cfg         configFlags
	failFast    int
	session     string
	newSession  bool
	metricsFile string
	dumpTool    string
	stdout      io.Writer
}

var _ = subcommands.Command(&runCmd{})

func newRunCmd(stdout io.Writer) *runCmd {
	return &runCmd{stdout: stdout}
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run tests" }
func (*runCmd) Usage() string {
	return `Usage: run [flag]... <source>... [-- <inline setting>...]

Description:
    Discovers and runs the tests in the given sources.
    Exits with 0 if all tests passed, 1 if any test failed or the run was
    aborted, 2 on bad arguments, 3 on invalid settings, 4 if no source could
    be run and 5 on internal errors.

Inline settings:
    Settings after "--" override the settings file, e.g.

        $ hostrun run a.dll -- RunConfiguration.TestSessionTimeout=60000 \
            'TestRunParameters.Parameter(name="url", value="http://x")'

Flag:
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	r.cfg.SetFlags(f)
	f.IntVar(&r.failFast, "fail_fast", 0, "stop after this many failed tests; 0 never stops")
	f.StringVar(&r.session, "session", "", "session id to save attachments under for merge-attachments")
	f.BoolVar(&r.newSession, "new_session", false, "save attachments under a new session id and print it")
	f.StringVar(&r.metricsFile, "metrics_file", "", "file to write run metrics to")
	f.StringVar(&r.dumpTool, "dump_tool", "", "command taking hang dumps; receives <pid> <dump type> <output file>")
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	srcs, inline := splitArgs(f.Args())
	if len(srcs) == 0 {
		logging.Info(ctx, "Missing sources.\n\n"+r.Usage())
		return subcommands.ExitUsageError
	}
	ctx, closeDiag, err := r.cfg.attachDiag(ctx)
	if err != nil {
		return subcommands.ExitStatus(command.WriteError(os.Stderr, err))
	}
	defer closeDiag()
	logging.Debug(ctx, "Command line: ", strings.Join(os.Args, " "))

	cfg, err := r.cfg.resolve(inline)
	if err != nil {
		return subcommands.ExitStatus(command.WriteError(os.Stderr, err))
	}

	session := r.session
	if session == "" && r.newSession {
		session = attachments.NewSessionID()
		logging.Info(ctx, "Session: ", session)
	}
	opts := &engine.Options{
		Sources:     srcs,
		Config:      cfg,
		SessionID:   session,
		FailFast:    r.failFast,
		Stdout:      r.stdout,
		MetricsFile: r.metricsFile,
	}
	if fields := strings.Fields(r.dumpTool); len(fields) > 0 {
		opts.DumpTool = genericexec.CommandExec(fields[0], fields[1:]...)
	}

	run, err := engine.Run(ctx, opts)
	if err != nil {
		return subcommands.ExitStatus(command.WriteError(os.Stderr, statusError(err)))
	}
	return subcommands.ExitStatus(run.ExitCode())
}
