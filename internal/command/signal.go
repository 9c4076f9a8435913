// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package command

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

var selfName = filepath.Base(os.Args[0])

// InstallSignalHandler calls callback on the first SIGINT or SIGTERM, then
// terminates host processes started by this process and exits with
// StatusTestsFailed. On SIGTERM all goroutines are dumped to out first.
func InstallSignalHandler(out io.Writer, callback func(sig os.Signal)) {
	ch := make(chan os.Signal, 1)
	go func() {
		sig := <-ch
		fmt.Fprintf(out, "\n%s: Caught %v signal; exiting\n", selfName, sig)
		callback(sig)
		if sig == unix.SIGTERM {
			fmt.Fprintf(out, "\n%s: Dumping all goroutines...\n\n", selfName)
			if p := pprof.Lookup("goroutine"); p != nil {
				p.WriteTo(out, 2)
			}
			fmt.Fprintf(out, "\n%s: Finished dumping goroutines\n", selfName)
		}
		if err := TerminateChildren(int32(os.Getpid())); err != nil {
			fmt.Fprintf(out, "Failed to terminate host processes: %v\n", err)
		}
		os.Exit(StatusTestsFailed)
	}()
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM)
}

// TerminateChildren sends SIGTERM to direct children of pid.
func TerminateChildren(pid int32) error {
	procs, err := process.Processes()
	if err != nil {
		return err
	}
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil || ppid != pid {
			continue
		}
		p.Terminate()
	}
	return nil
}
