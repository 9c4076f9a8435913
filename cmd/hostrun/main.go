// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package main implements the hostrun executable, used to discover and run
// tests in out-of-process test hosts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"go.chromium.org/hostrun/internal/command"
	"go.chromium.org/hostrun/internal/logging"
)

// Version is the version info of this command. It is filled in at build time.
var Version = "<unknown>"

// installSignalHandler cancels the run on the first SIGINT so that hosts can
// stop after their current test. A second signal restores the terminal and
// exits right away.
func installSignalHandler(ctx context.Context, cancel context.CancelFunc) {
	var st *term.State
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		var err error
		if st, err = term.GetState(fd); err != nil {
			logging.Debug(ctx, "Failed to get terminal state: ", err)
		}
	}
	restore := func(os.Signal) {
		if st != nil {
			term.Restore(fd, st)
		}
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, unix.SIGINT)
	go func() {
		<-sc
		signal.Stop(sc)
		fmt.Fprintln(os.Stderr, "\nCancelling test run; press Ctrl-C again to exit immediately")
		command.InstallSignalHandler(os.Stderr, restore)
		cancel()
	}()
}

// doMain implements the main body of the program. It's a separate function so
// that its deferred functions will run before os.Exit makes the program exit
// immediately.
func doMain() int {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(newRunCmd(os.Stdout), "")
	subcommands.Register(newDiscoverCmd(os.Stdout), "")
	subcommands.Register(newMergeCmd(os.Stdout), "")

	version := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "use verbose logging")
	flag.Parse()

	if *version {
		fmt.Printf("hostrun version %s\n", Version)
		return command.StatusSuccess
	}

	level := logging.LevelInfo
	if *verbose {
		level = logging.LevelDebug
	}
	ctx := logging.AttachLogger(context.Background(), logging.NewConsoleLogger(level, os.Stdout, os.Stderr))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	installSignalHandler(ctx, cancel)

	return int(subcommands.Execute(ctx))
}

func main() {
	os.Exit(doMain())
}
