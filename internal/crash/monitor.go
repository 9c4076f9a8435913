// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package crash watches host processes, classifies abnormal terminations and
// collects crash and hang dumps.
package crash

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/semaphore"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/genericexec"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/settings"
)

// Environment variables passed to hosts when dump collection is enabled.
const (
	DumpDirEnv  = "HOSTRUN_DUMP_DIR"
	DumpTypeEnv = "HOSTRUN_DUMP_TYPE"
)

const (
	defaultChildPollInterval = 500 * time.Millisecond
	maxConcurrentDumps       = 2
)

// Config configures a Monitor.
type Config struct {
	Blame settings.BlameSettings
	// DumpDir receives dumps. Hosts are told to write their own dumps here.
	DumpDir string
	// DumpTool, if set, takes hang dumps. It is run with the arguments
	// <pid> <dump type> <output file>.
	DumpTool genericexec.Cmd
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// ChildPollInterval is how often child processes of hosts are
	// enumerated.
	ChildPollInterval time.Duration
	// TailLines is the number of stderr lines kept per host.
	TailLines int
}

// Monitor watches host processes.
type Monitor struct {
	cfg   Config
	clk   clock.Clock
	dumps *semaphore.Weighted
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg *Config) *Monitor {
	c := *cfg
	if c.Clock == nil {
		c.Clock = clock.NewClock()
	}
	if c.ChildPollInterval <= 0 {
		c.ChildPollInterval = defaultChildPollInterval
	}
	return &Monitor{cfg: c, clk: c.Clock, dumps: semaphore.NewWeighted(maxConcurrentDumps)}
}

// collectingDumps reports whether hosts should produce crash dumps.
func (m *Monitor) collectingDumps() bool {
	return m.cfg.Blame.Enabled && m.cfg.Blame.CollectDump && m.cfg.DumpDir != ""
}

// CollectsHangDumps reports whether hung hosts should be dumped before they
// are killed.
func (m *Monitor) CollectsHangDumps() bool {
	return m.cfg.Blame.Enabled && m.cfg.Blame.CollectHangDump && m.cfg.DumpDir != ""
}

// HostEnv returns environment variables to pass to hosts so that they write
// dumps where the monitor looks for them.
func (m *Monitor) HostEnv() map[string]string {
	if !m.collectingDumps() {
		return nil
	}
	env := map[string]string{
		DumpDirEnv:  m.cfg.DumpDir,
		DumpTypeEnv: string(m.cfg.Blame.DumpType),
	}
	if m.cfg.Blame.DumpType == settings.DumpFull {
		env["GOTRACEBACK"] = "all"
	}
	return env
}

// Watch is the observation of one host process. Finish must be called once
// the host's stdout has been drained.
type Watch struct {
	m    *Monitor
	id   string
	proc genericexec.Process
	tail *tailBuffer

	spoolPath  string
	stderrDone chan struct{}
	stopPoll   chan struct{}
	pollDone   chan struct{}

	mu       sync.Mutex
	children map[int32]string
	expected Kind // KindKilled or KindHang once hostrun killed the host

	finishOnce sync.Once
	report     *Report
}

// Watch starts watching p, identified by id in messages. It consumes p's
// stderr.
func (m *Monitor) Watch(ctx context.Context, id string, p genericexec.Process) *Watch {
	w := &Watch{
		m:          m,
		id:         id,
		proc:       p,
		tail:       newTailBuffer(m.cfg.TailLines),
		stderrDone: make(chan struct{}),
		stopPoll:   make(chan struct{}),
		pollDone:   make(chan struct{}),
		children:   make(map[int32]string),
	}

	var out io.Writer = w.tail
	var spool *os.File
	if m.collectingDumps() {
		// Runtimes print their last words on stderr even when they cannot
		// write a dump, so keep all of it as the fallback dump.
		path := filepath.Join(m.cfg.DumpDir, fmt.Sprintf("%s_%d.stderr", id, p.Pid()))
		if err := os.MkdirAll(m.cfg.DumpDir, 0755); err != nil {
			logging.Warningf(ctx, "Failed to create dump directory: %v", err)
		} else if f, err := os.Create(path); err != nil {
			logging.Warningf(ctx, "Failed to create stderr spool: %v", err)
		} else {
			spool, w.spoolPath = f, path
			out = io.MultiWriter(w.tail, f)
		}
	}

	go func() {
		defer close(w.stderrDone)
		io.Copy(out, p.Stderr())
		if spool != nil {
			spool.Close()
		}
	}()
	go w.pollChildren(ctx)
	return w
}

// pollChildren records descendants of the host until stopPoll is closed.
func (w *Watch) pollChildren(ctx context.Context) {
	defer close(w.pollDone)
	tick := w.m.clk.NewTicker(w.m.cfg.ChildPollInterval)
	defer tick.Stop()
	for {
		for _, p := range descendants(int32(w.proc.Pid())) {
			name, _ := p.Name()
			w.mu.Lock()
			if _, ok := w.children[p.Pid]; !ok {
				logging.Debugf(ctx, "Host %s started child process %d (%s)", w.id, p.Pid, name)
				w.children[p.Pid] = name
			}
			w.mu.Unlock()
		}
		select {
		case <-tick.C():
		case <-w.stopPoll:
			return
		}
	}
}

// descendants returns all live descendants of pid.
func descendants(pid int32) []*process.Process {
	root, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	var all []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue
		}
		all = append(all, children...)
		queue = append(queue, children...)
	}
	return all
}

// Tail returns the last lines the host wrote to stderr so far.
func (w *Watch) Tail() []string { return w.tail.Lines() }

// Children returns the pids of child processes observed so far, sorted.
func (w *Watch) Children() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	pids := make([]int, 0, len(w.children))
	for pid := range w.children {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)
	return pids
}

// ExpectKill records that hostrun is about to kill the host for reason
// (KindKilled or KindHang), so the termination is not classified as a
// crash.
func (w *Watch) ExpectKill(reason Kind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.expected == KindNone || reason == KindHang {
		w.expected = reason
	}
}

// Finish waits for the host to exit and returns the report of its
// termination. Crash dumps are collected if configured. It is safe to call
// Finish more than once; later calls return the same report.
func (w *Watch) Finish(ctx context.Context) *Report {
	w.finishOnce.Do(func() {
		<-w.stderrDone
		close(w.stopPoll)
		<-w.pollDone
		w.proc.Wait(ctx)

		status := w.proc.ExitStatus()
		r := &Report{HostID: w.id, PID: w.proc.Pid(), Status: status, Tail: w.tail.Lines()}
		w.mu.Lock()
		expected := w.expected
		w.mu.Unlock()
		r.Kind = Classify(status, append(w.tail.Notable(), r.Tail...))
		if expected != KindNone && (status.Signaled() || r.Kind == KindNone || r.Kind == KindExitCode) {
			r.Kind = expected
		}

		if w.m.collectingDumps() && (r.Kind.Crashed() || w.m.cfg.Blame.CollectAlways) {
			r.Dumps, r.DumpErr = w.collectDumps(ctx, r)
			if r.DumpErr != nil {
				logging.Warningf(ctx, "Host %s: %v", w.id, r.DumpErr)
			}
		}
		if w.spoolPath != "" {
			os.Remove(w.spoolPath)
		}
		w.report = r
	})
	return w.report
}

// collectDumps gathers dumps of the host and its children. A missing dump of
// a child is tolerated since children often exit before they can be dumped.
// If the host wrote no dump itself its stderr spool stands in for one.
func (w *Watch) collectDumps(ctx context.Context, r *Report) ([]string, error) {
	pids := append([]int{r.PID}, w.Children()...)
	found, missing, err := CollectDumps(w.m.cfg.DumpDir, pids)
	if err != nil {
		return nil, err
	}
	hostHasDump := true
	for _, pid := range missing {
		if pid == r.PID {
			hostHasDump = false
			continue
		}
		logging.Debugf(ctx, "Host %s: no dump for child process %d", w.id, pid)
	}
	if !hostHasDump && w.spoolPath != "" {
		dst := filepath.Join(w.m.cfg.DumpDir, fmt.Sprintf("%s_%d_crash%s", w.id, r.PID, DumpExt))
		if err := os.Rename(w.spoolPath, dst); err == nil {
			w.spoolPath = ""
			found = append([]string{dst}, found...)
		}
	}
	if len(found) == 0 {
		return nil, errors.Errorf("no dump was collected for host process %d or any of its %d children", r.PID, len(pids)-1)
	}
	return found, nil
}
