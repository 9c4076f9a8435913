// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"go.chromium.org/hostrun/internal/command"
	"go.chromium.org/hostrun/internal/engine"
	"go.chromium.org/hostrun/internal/logging"
)

// mergeCmd implements subcommands.Command to process the attachments of all
// runs of a session together.
type mergeCmd struct {
	cfg     configFlags
	session string
	stdout  io.Writer
}

var _ = subcommands.Command(&mergeCmd{})

func newMergeCmd(stdout io.Writer) *mergeCmd {
	return &mergeCmd{stdout: stdout}
}

func (*mergeCmd) Name() string     { return "merge-attachments" }
func (*mergeCmd) Synopsis() string { return "merge attachments of a test session" }
func (*mergeCmd) Usage() string {
	return `Usage: merge-attachments -session <id> [flag]...

Description:
    Processes the attachments saved by all "run -session <id>" invocations
    together, e.g. merging their code coverage, and prints the results.

Flag:
`
}

func (m *mergeCmd) SetFlags(f *flag.FlagSet) {
	m.cfg.SetFlags(f)
	f.StringVar(&m.session, "session", "", "session id given to run")
}

func (m *mergeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if m.session == "" {
		logging.Info(ctx, "Missing -session.\n\n"+m.Usage())
		return subcommands.ExitUsageError
	}
	ctx, closeDiag, err := m.cfg.attachDiag(ctx)
	if err != nil {
		return subcommands.ExitStatus(command.WriteError(os.Stderr, err))
	}
	defer closeDiag()

	cfg, err := m.cfg.resolve(f.Args())
	if err != nil {
		return subcommands.ExitStatus(command.WriteError(os.Stderr, err))
	}
	sets, err := engine.MergeAttachments(ctx, &engine.MergeOptions{SessionID: m.session, Config: cfg})
	if err != nil {
		return subcommands.ExitStatus(command.WriteError(os.Stderr, statusError(err)))
	}
	fmt.Fprintln(m.stdout, "Attachments:")
	for _, s := range sets {
		for _, a := range s.Attachments {
			fmt.Fprintf(m.stdout, "  %s\n", a.Path)
		}
	}
	return subcommands.ExitSuccess
}
