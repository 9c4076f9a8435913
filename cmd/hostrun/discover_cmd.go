// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"go.chromium.org/hostrun/internal/command"
	"go.chromium.org/hostrun/internal/engine"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/protocol"
)

// discoverCmd implements subcommands.Command to support listing tests.
type discoverCmd struct {
	cfg        configFlags
	fullNames  bool   // print fully qualified names instead of display names
	json       bool   // marshal tests to JSON instead of just printing names
	targetPath string // file to write names to instead of stdout
	stdout     io.Writer
}

var _ = subcommands.Command(&discoverCmd{})

func newDiscoverCmd(stdout io.Writer) *discoverCmd {
	return &discoverCmd{stdout: stdout}
}

func (*discoverCmd) Name() string     { return "discover" }
func (*discoverCmd) Synopsis() string { return "list tests" }
func (*discoverCmd) Usage() string {
	return `Usage: discover [flag]... <source>... [-- <inline setting>...]

Description:
    Lists the tests in the given sources that match -testcasefilter, in
    source order.

Flag:
`
}

func (d *discoverCmd) SetFlags(f *flag.FlagSet) {
	d.cfg.SetFlags(f)
	f.BoolVar(&d.fullNames, "list_full_names", false, "print fully qualified test names")
	f.BoolVar(&d.json, "json", false, "print full test details as JSON")
	f.StringVar(&d.targetPath, "list_tests_target_path", "", "file to write the test names to")
}

func (d *discoverCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	srcs, inline := splitArgs(f.Args())
	if len(srcs) == 0 {
		logging.Info(ctx, "Missing sources.\n\n"+d.Usage())
		return subcommands.ExitUsageError
	}
	ctx, closeDiag, err := d.cfg.attachDiag(ctx)
	if err != nil {
		return subcommands.ExitStatus(command.WriteError(os.Stderr, err))
	}
	defer closeDiag()

	cfg, err := d.cfg.resolve(inline)
	if err != nil {
		return subcommands.ExitStatus(command.WriteError(os.Stderr, err))
	}
	tests, err := engine.Discover(ctx, &engine.Options{Sources: srcs, Config: cfg})
	if err != nil {
		return subcommands.ExitStatus(command.WriteError(os.Stderr, statusError(err)))
	}

	w := d.stdout
	if d.targetPath != "" {
		f, err := os.Create(d.targetPath)
		if err != nil {
			logging.Info(ctx, "Failed to write tests: ", err)
			return subcommands.ExitFailure
		}
		defer f.Close()
		w = f
	} else if !d.json {
		fmt.Fprintln(w, "The following Tests are available:")
	}
	if err := d.printTests(w, tests); err != nil {
		logging.Info(ctx, "Failed to write tests: ", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// printTests writes tests to w, one name per line unless -json was given.
func (d *discoverCmd) printTests(w io.Writer, tests []*protocol.TestCase) error {
	if d.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tests)
	}
	indent := "    "
	if d.targetPath != "" {
		indent = ""
	}
	bw := bufio.NewWriter(w)
	for _, t := range tests {
		name := t.FullyQualifiedName
		if !d.fullNames && t.DisplayName != "" {
			name = t.DisplayName
		}
		fmt.Fprintf(bw, "%s%s\n", indent, name)
	}
	return bw.Flush()
}
