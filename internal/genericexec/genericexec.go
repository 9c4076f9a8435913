// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package genericexec abstracts the external commands hostrun starts: host
// processes, attachment processors and dump tools.
package genericexec

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"

	"al.essio.dev/pkg/shellescape"
	"golang.org/x/sys/unix"
)

// Cmd is an external command that can be started several times.
type Cmd interface {
	// Run runs the command synchronously with extraArgs appended.
	Run(ctx context.Context, extraArgs []string, stdin io.Reader, stdout, stderr io.Writer) error

	// Interact starts the command asynchronously with extraArgs appended.
	// When ctx is cancelled the whole process group is killed.
	Interact(ctx context.Context, extraArgs []string) (Process, error)

	// String returns the command line quoted for a POSIX shell.
	String() string
}

// Process is a running external process.
type Process interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser

	// Kill sends SIGKILL to the process group of the process.
	Kill() error

	// Wait waits for the process to exit and releases its resources. It must
	// always be called, after stdout and stderr have been drained.
	Wait(ctx context.Context) error

	// ExitStatus describes how the process terminated. Valid after Wait.
	ExitStatus() ExitStatus
}

// ExitStatus describes the termination of a process.
type ExitStatus struct {
	// Code is the exit code, or -1 if the process was killed by a signal.
	Code int
	// Signal is the signal that killed the process, or 0.
	Signal syscall.Signal
	// CoreDumped is set if the kernel wrote a core file.
	CoreDumped bool
}

// Signaled reports whether the process was killed by a signal.
func (s ExitStatus) Signaled() bool { return s.Signal != 0 }

// ExecCmd is a local command.
type ExecCmd struct {
	name     string
	baseArgs []string
	env      []string
	dir      string
}

var _ Cmd = &ExecCmd{}

// CommandExec returns an ExecCmd running name with baseArgs.
func CommandExec(name string, baseArgs ...string) *ExecCmd {
	return &ExecCmd{name: name, baseArgs: baseArgs}
}

// WithEnv returns a copy of c whose processes get env added to the current
// environment.
func (c *ExecCmd) WithEnv(env map[string]string) *ExecCmd {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	nc := *c
	nc.env = append([]string(nil), c.env...)
	for _, k := range keys {
		nc.env = append(nc.env, k+"="+env[k])
	}
	return &nc
}

// WithDir returns a copy of c running in dir.
func (c *ExecCmd) WithDir(dir string) *ExecCmd {
	nc := *c
	nc.dir = dir
	return &nc
}

func (c *ExecCmd) String() string {
	return shellescape.QuoteCommand(append([]string{c.name}, c.baseArgs...))
}

// Env returns the extra environment entries of c.
func (c *ExecCmd) Env() []string {
	return append([]string(nil), c.env...)
}

func (c *ExecCmd) command(ctx context.Context, extraArgs []string) *exec.Cmd {
	args := append(append([]string(nil), c.baseArgs...), extraArgs...)
	cmd := exec.CommandContext(ctx, c.name, args...)
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Dir = c.dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	return cmd
}

// Run runs the command synchronously. See Cmd.Run.
func (c *ExecCmd) Run(ctx context.Context, extraArgs []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cmd := c.command(ctx, extraArgs)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// Interact starts the command asynchronously. See Cmd.Interact.
func (c *ExecCmd) Interact(ctx context.Context, extraArgs []string) (p Process, retErr error) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		if retErr != nil {
			cancel()
		}
	}()

	cmd := c.command(ctx, extraArgs)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &ExecProcess{cmd: cmd, cancel: cancel, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// ExecProcess is a locally running process started by ExecCmd.Interact.
type ExecProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

var _ Process = &ExecProcess{}

func (p *ExecProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *ExecProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *ExecProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *ExecProcess) Stderr() io.ReadCloser { return p.stderr }

// Kill kills the process group.
func (p *ExecProcess) Kill() error {
	if err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}

// Wait waits for the process to exit. Cancelling ctx kills the process group.
func (p *ExecProcess) Wait(ctx context.Context) error {
	exited := make(chan struct{})
	defer close(exited)
	go func() {
		select {
		case <-ctx.Done():
		case <-exited:
		}
		p.cancel()
	}()
	return p.cmd.Wait()
}

// ExitStatus describes how the process exited.
func (p *ExecProcess) ExitStatus() ExitStatus {
	ps := p.cmd.ProcessState
	if ps == nil {
		return ExitStatus{Code: -1}
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ExitStatus{Code: ps.ExitCode()}
	}
	return ExitStatus{Code: -1, Signal: ws.Signal(), CoreDumped: ws.CoreDump()}
}
