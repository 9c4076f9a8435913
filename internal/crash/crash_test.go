// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package crash

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/hostrun/internal/genericexec"
	"go.chromium.org/hostrun/internal/settings"
	"go.chromium.org/hostrun/testutil"
)

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(3)
	io.WriteString(b, "one\ntwo\r\nthr")
	io.WriteString(b, "ee\nfour\nfive")
	if diff := cmp.Diff(b.Lines(), []string{"three", "four", "five"}); diff != "" {
		t.Errorf("Lines mismatch (-got +want):\n%s", diff)
	}
	if !b.Truncated() {
		t.Error("Truncated() = false; want true")
	}
}

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		name   string
		status genericexec.ExitStatus
		tail   []string
		want   Kind
	}{
		{"clean", genericexec.ExitStatus{}, nil, KindNone},
		{"dotnet stack overflow", genericexec.ExitStatus{Code: 134}, []string{"Stack overflow.", "   at Tests.Recurse()"}, KindStackOverflow},
		{"go stack overflow", genericexec.ExitStatus{Code: 2}, []string{"runtime: goroutine stack exceeds 1000000000-byte limit", "fatal error: stack overflow"}, KindStackOverflow},
		{"unhandled", genericexec.ExitStatus{Code: 1}, []string{"Unhandled exception. System.InvalidOperationException: boom"}, KindUnhandledException},
		{"panic", genericexec.ExitStatus{Code: 2}, []string{"panic: boom", "", "goroutine 1 [running]:"}, KindUnhandledException},
		{"runtime missing", genericexec.ExitStatus{Code: 150}, []string{"You must install or update .NET to run this application."}, KindRuntimeNotFound},
		{"command missing", genericexec.ExitStatus{Code: 127}, []string{"sh: testhost.x86: not found"}, KindRuntimeNotFound},
		{"segv", genericexec.ExitStatus{Code: -1, Signal: syscall.SIGSEGV}, nil, KindSignal},
		{"exit code", genericexec.ExitStatus{Code: 3}, []string{"bye"}, KindExitCode},
	} {
		if got := Classify(tc.status, tc.tail); got != tc.want {
			t.Errorf("%s: Classify = %v; want %v", tc.name, got, tc.want)
		}
	}
}

func TestReportMessage(t *testing.T) {
	r := &Report{HostID: "host-1", PID: 42, Kind: KindStackOverflow, Status: genericexec.ExitStatus{Code: 134}, Tail: []string{"Stack overflow.", "   at Recurse()"}}
	const want = "Test host process host-1 (pid 42) crashed: Stack overflow (exit code 134). Last output on stderr:\nStack overflow.\n   at Recurse()"
	if got := r.Message(); got != want {
		t.Errorf("Message() = %q; want %q", got, want)
	}
}

func TestCollectDumps(t *testing.T) {
	td := testutil.TempDir(t)
	if err := testutil.WriteFiles(td, map[string]string{
		"testhost_100.dmp":   "",
		"child_1000_1.dmp":   "",
		"testhost_100.log":   "",
		"unrelated_1001.dmp": "",
	}); err != nil {
		t.Fatal(err)
	}
	found, missing, err := CollectDumps(td, []int{100, 1000, 10})
	if err != nil {
		t.Fatal("CollectDumps failed: ", err)
	}
	wantFound := []string{filepath.Join(td, "testhost_100.dmp"), filepath.Join(td, "child_1000_1.dmp")}
	if diff := cmp.Diff(found, wantFound); diff != "" {
		t.Errorf("Found dumps mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(missing, []int{10}); diff != "" {
		t.Errorf("Missing pids mismatch (-got +want):\n%s", diff)
	}

	if found, missing, err := CollectDumps(filepath.Join(td, "none"), []int{1}); err != nil || len(found) != 0 || len(missing) != 1 {
		t.Errorf("CollectDumps(nonexistent) = %v, %v, %v; want no dumps", found, missing, err)
	}
}

// watchShell runs script under sh and watches it until it exits.
func watchShell(t *testing.T, m *Monitor, script string) *Report {
	t.Helper()
	cmd := genericexec.CommandExec("sh", "-c", script).WithEnv(m.HostEnv())
	proc, err := cmd.Interact(context.Background(), nil)
	if err != nil {
		t.Fatal("Interact failed: ", err)
	}
	proc.Stdin().Close()
	w := m.Watch(context.Background(), "host-1", proc)
	io.Copy(io.Discard, proc.Stdout())
	return w.Finish(context.Background())
}

func blameWithDumps() settings.BlameSettings {
	return settings.BlameSettings{Enabled: true, CollectDump: true, DumpType: settings.DumpMini, HangDumpType: settings.DumpFull}
}

func TestWatchCrashWithHostDump(t *testing.T) {
	td := testutil.TempDir(t)
	m := NewMonitor(&Config{Blame: blameWithDumps(), DumpDir: td})
	r := watchShell(t, m, `echo starting >&2; : > "$HOSTRUN_DUMP_DIR/testhost_$$.dmp"; echo "Unhandled exception. boom" >&2; exit 1`)

	if r.Kind != KindUnhandledException {
		t.Errorf("Kind = %v; want UnhandledException", r.Kind)
	}
	if diff := cmp.Diff(r.Tail, []string{"starting", "Unhandled exception. boom"}); diff != "" {
		t.Errorf("Tail mismatch (-got +want):\n%s", diff)
	}
	want := []string{filepath.Join(td, fmt.Sprintf("testhost_%d.dmp", r.PID))}
	if diff := cmp.Diff(r.Dumps, want); diff != "" {
		t.Errorf("Dumps mismatch (-got +want):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(td, fmt.Sprintf("host-1_%d.stderr", r.PID))); !os.IsNotExist(err) {
		t.Errorf("stderr spool was not removed: %v", err)
	}
}

func TestWatchStackOverflowFallbackDump(t *testing.T) {
	td := testutil.TempDir(t)
	m := NewMonitor(&Config{Blame: blameWithDumps(), DumpDir: td})
	r := watchShell(t, m, `printf 'Stack overflow.\n   at Tests.Recurse()' >&2; exit 134`)

	if r.Kind != KindStackOverflow {
		t.Errorf("Kind = %v; want StackOverflow", r.Kind)
	}
	if r.DumpErr != nil {
		t.Errorf("DumpErr = %v; want nil", r.DumpErr)
	}
	if len(r.Dumps) != 1 {
		t.Fatalf("Dumps = %v; want one fallback dump", r.Dumps)
	}
	b, err := os.ReadFile(r.Dumps[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "Stack overflow.") {
		t.Errorf("Fallback dump does not contain stderr: %q", b)
	}
	if !strings.Contains(r.Message(), "Stack overflow") {
		t.Errorf("Message() = %q; want it to mention Stack overflow", r.Message())
	}
}

func TestWatchCleanExitCollectsNothing(t *testing.T) {
	td := testutil.TempDir(t)
	m := NewMonitor(&Config{Blame: blameWithDumps(), DumpDir: td})
	r := watchShell(t, m, `echo fine >&2`)
	if r.Kind != KindNone || len(r.Dumps) != 0 {
		t.Errorf("Report = %+v; want clean exit without dumps", r)
	}
	files, err := testutil.ReadFiles(td)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("Dump directory is not empty: %v", files)
	}
}

func TestHangDumpAndKill(t *testing.T) {
	td := testutil.TempDir(t)
	m := NewMonitor(&Config{Blame: blameWithDumps(), DumpDir: td})
	cmd := genericexec.CommandExec("sh", "-c", "sleep 60 & wait")
	proc, err := cmd.Interact(context.Background(), nil)
	if err != nil {
		t.Fatal("Interact failed: ", err)
	}
	w := m.Watch(context.Background(), "host-2", proc)

	files, err := m.TakeHangDump(context.Background(), "host-2", proc.Pid())
	if err != nil {
		t.Fatal("TakeHangDump failed: ", err)
	}
	if len(files) != 1 {
		t.Fatalf("TakeHangDump returned %v; want one file", files)
	}
	b, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	var snaps []processSnapshot
	if err := json.Unmarshal(b, &snaps); err != nil {
		t.Fatalf("Hang dump is not a snapshot: %v", err)
	}
	if len(snaps) == 0 || int(snaps[0].PID) != proc.Pid() {
		t.Errorf("Hang dump snapshots = %+v; want the host first", snaps)
	}

	w.ExpectKill(KindHang)
	if err := KillTree(proc.Pid()); err != nil {
		t.Error("KillTree failed: ", err)
	}
	io.Copy(io.Discard, proc.Stdout())
	r := w.Finish(context.Background())
	if r.Kind != KindHang {
		t.Errorf("Kind = %v; want Hang", r.Kind)
	}
	if !r.Status.Signaled() {
		t.Errorf("Status = %+v; want killed by a signal", r.Status)
	}
}

func TestHangDumpWithTool(t *testing.T) {
	td := testutil.TempDir(t)
	tool := genericexec.CommandExec("sh", "-c", `printf '%s\n' "$@" > "$3"`, "dumptool")
	m := NewMonitor(&Config{Blame: blameWithDumps(), DumpDir: td, DumpTool: tool})
	proc, err := genericexec.CommandExec("sleep", "60").Interact(context.Background(), nil)
	if err != nil {
		t.Fatal("Interact failed: ", err)
	}
	defer proc.Wait(context.Background())
	defer proc.Kill()

	files, err := m.TakeHangDump(context.Background(), "host-3", proc.Pid())
	if err != nil {
		t.Fatal("TakeHangDump failed: ", err)
	}
	out := filepath.Join(td, fmt.Sprintf("host-3_%d_hangdump%s", proc.Pid(), DumpExt))
	if diff := cmp.Diff(files, []string{out}); diff != "" {
		t.Errorf("TakeHangDump files mismatch (-got +want):\n%s", diff)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("%d\nfull\n%s\n", proc.Pid(), out)
	if diff := cmp.Diff(string(b), want); diff != "" {
		t.Errorf("Dump tool arguments mismatch (-got +want):\n%s", diff)
	}
}

func TestKillTreeRejectsInvalidPID(t *testing.T) {
	for _, pid := range []int{0, -1} {
		if err := KillTree(pid); err == nil {
			t.Errorf("KillTree(%d) succeeded; want an error", pid)
		}
	}
}

func TestWatchFindsMarkerBeforeLongTrace(t *testing.T) {
	m := NewMonitor(&Config{TailLines: 10})
	r := watchShell(t, m, `echo "fatal error: stack overflow" >&2; i=0; while [ $i -lt 100 ]; do echo "frame $i" >&2; i=$((i+1)); done; exit 2`)
	if r.Kind != KindStackOverflow {
		t.Errorf("Kind = %v; want StackOverflow", r.Kind)
	}
	if len(r.Tail) != 10 || r.Tail[9] != "frame 99" {
		t.Errorf("Tail = %q; want the last 10 frames", r.Tail)
	}
}
