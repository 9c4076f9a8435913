// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package crash

import (
	"fmt"
	"strings"

	"go.chromium.org/hostrun/internal/genericexec"
)

// Kind classifies how a host process ended.
type Kind int

// Kinds of host termination. Only KindNone and KindKilled are not failures
// of the host itself.
const (
	// KindNone is a clean exit with status 0.
	KindNone Kind = iota
	// KindKilled means hostrun killed the host, e.g. on cancellation.
	KindKilled
	// KindHang means hostrun killed the host after it stopped responding.
	KindHang
	KindStackOverflow
	KindUnhandledException
	KindRuntimeNotFound
	// KindSignal is a death by a signal not sent by hostrun.
	KindSignal
	// KindExitCode is any other non-zero exit.
	KindExitCode
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindKilled:
		return "Killed"
	case KindHang:
		return "Hang"
	case KindStackOverflow:
		return "StackOverflow"
	case KindUnhandledException:
		return "UnhandledException"
	case KindRuntimeNotFound:
		return "RuntimeNotFound"
	case KindSignal:
		return "Signal"
	default:
		return "ExitCode"
	}
}

// Crashed reports whether k is a crash of the host.
func (k Kind) Crashed() bool {
	return k >= KindStackOverflow
}

// exitCodeNotFound is the shell convention for a command that was not found.
const exitCodeNotFound = 127

var (
	stackOverflowMarkers = []string{
		"Stack overflow",
		"stack overflow",
		"StackOverflowException",
		"goroutine stack exceeds",
	}
	unhandledMarkers = []string{
		"Unhandled exception",
		"Unhandled Exception",
		"panic: ",
		"fatal error: ",
	}
	runtimeNotFoundMarkers = []string{
		"You must install or update .NET",
		"A fatal error occurred. The required library",
		"The framework 'Microsoft.NETCore.App', version",
		"cannot execute binary file",
	}
)

// Classify determines the kind of a host termination from its exit status
// and the last lines it wrote to stderr. The stderr content wins over the
// status because runtimes report the same status for different failures.
func Classify(status genericexec.ExitStatus, tail []string) Kind {
	text := strings.Join(tail, "\n")
	switch {
	case containsAny(text, stackOverflowMarkers):
		return KindStackOverflow
	case containsAny(text, runtimeNotFoundMarkers), status.Code == exitCodeNotFound:
		return KindRuntimeNotFound
	case containsAny(text, unhandledMarkers):
		return KindUnhandledException
	case status.Signaled():
		return KindSignal
	case status.Code != 0:
		return KindExitCode
	}
	return KindNone
}

func isMarker(line string) bool {
	return containsAny(line, stackOverflowMarkers) || containsAny(line, runtimeNotFoundMarkers) || containsAny(line, unhandledMarkers)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

var crashDescriptions = map[Kind]string{
	KindStackOverflow:      "Stack overflow",
	KindUnhandledException: "Unhandled exception",
	KindSignal:             "Killed by signal",
	KindExitCode:           "Unexpected exit",
}

// Report describes the termination of a host.
type Report struct {
	HostID string
	PID    int
	Kind   Kind
	Status genericexec.ExitStatus
	// Tail holds the last lines the host wrote to stderr.
	Tail []string
	// Dumps lists collected dump files.
	Dumps []string
	// DumpErr is set if dumps were expected but none was collected.
	DumpErr error
}

// Crashed reports whether the host crashed.
func (r *Report) Crashed() bool { return r.Kind.Crashed() }

// Message returns a user-facing description of an abnormal termination.
func (r *Report) Message() string {
	var b strings.Builder
	switch r.Kind {
	case KindHang:
		fmt.Fprintf(&b, "Test host process %s (pid %d) stopped responding and was killed.", r.HostID, r.PID)
	case KindKilled:
		fmt.Fprintf(&b, "Test host process %s (pid %d) was killed.", r.HostID, r.PID)
	case KindRuntimeNotFound:
		fmt.Fprintf(&b, "Test host process %s (pid %d) could not start its runtime.", r.HostID, r.PID)
	case KindNone:
		fmt.Fprintf(&b, "Test host process %s (pid %d) exited.", r.HostID, r.PID)
	default:
		fmt.Fprintf(&b, "Test host process %s (pid %d) crashed: %s (", r.HostID, r.PID, crashDescriptions[r.Kind])
		if r.Status.Signaled() {
			fmt.Fprintf(&b, "signal %v", r.Status.Signal)
		} else {
			fmt.Fprintf(&b, "exit code %d", r.Status.Code)
		}
		b.WriteString(").")
	}
	if len(r.Tail) > 0 {
		b.WriteString(" Last output on stderr:\n")
		b.WriteString(strings.Join(r.Tail, "\n"))
	}
	return b.String()
}
