// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package crash

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/settings"
)

// DumpExt is the extension of dump files.
const DumpExt = ".dmp"

// CollectDumps returns dump files in dir whose names contain one of pids as
// a separate number, e.g. "testhost_1234.dmp" for 1234. missing lists the
// pids without a dump. A nonexistent dir has no dumps.
func CollectDumps(dir string, pids []int) (found []string, missing []int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, errors.Wrapf(err, "failed to list dumps in %s", dir)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == DumpExt {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, pid := range pids {
		re := regexp.MustCompile(`(^|\D)` + strconv.Itoa(pid) + `(\D|$)`)
		hit := false
		for _, n := range names {
			if re.MatchString(n) {
				found = append(found, filepath.Join(dir, n))
				hit = true
			}
		}
		if !hit {
			missing = append(missing, pid)
		}
	}
	return found, missing, nil
}

// processSnapshot is written as a hang dump when no dump tool is configured.
type processSnapshot struct {
	PID        int32    `json:"pid"`
	PPID       int32    `json:"ppid"`
	Name       string   `json:"name"`
	Cmdline    string   `json:"cmdline"`
	Status     []string `json:"status,omitempty"`
	NumThreads int32    `json:"numThreads"`
	RSS        uint64   `json:"rss"`
	VMS        uint64   `json:"vms"`
	CreateTime int64    `json:"createTime"`
	OpenFiles  []string `json:"openFiles,omitempty"`
	Environ    []string `json:"environ,omitempty"`
}

func snapshot(p *process.Process, full bool) processSnapshot {
	s := processSnapshot{PID: p.Pid}
	s.PPID, _ = p.Ppid()
	s.Name, _ = p.Name()
	s.Cmdline, _ = p.Cmdline()
	s.Status, _ = p.Status()
	s.NumThreads, _ = p.NumThreads()
	if mi, err := p.MemoryInfo(); err == nil {
		s.RSS, s.VMS = mi.RSS, mi.VMS
	}
	s.CreateTime, _ = p.CreateTime()
	if full {
		if files, err := p.OpenFiles(); err == nil {
			for _, f := range files {
				s.OpenFiles = append(s.OpenFiles, f.Path)
			}
		}
		s.Environ, _ = p.Environ()
	}
	return s
}

// TakeHangDump takes a dump of the running process pid and its descendants
// into the dump directory and returns the written files. With a dump tool
// configured, the tool is run once per process; otherwise a snapshot of the
// process tree is written.
func (m *Monitor) TakeHangDump(ctx context.Context, hostID string, pid int) ([]string, error) {
	if m.cfg.DumpDir == "" {
		return nil, errors.New("no dump directory configured")
	}
	if err := os.MkdirAll(m.cfg.DumpDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create dump directory")
	}
	if err := m.dumps.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.dumps.Release(1)

	dumpType := m.cfg.Blame.HangDumpType
	procs := []int32{int32(pid)}
	for _, p := range descendants(int32(pid)) {
		procs = append(procs, p.Pid)
	}

	if m.cfg.DumpTool != nil {
		var files []string
		for _, p := range procs {
			out := filepath.Join(m.cfg.DumpDir, fmt.Sprintf("%s_%d_hangdump%s", hostID, p, DumpExt))
			logging.Debugf(ctx, "Taking %s hang dump of %d with %s", dumpType, p, m.cfg.DumpTool)
			args := []string{strconv.Itoa(int(p)), string(dumpType), out}
			if err := m.cfg.DumpTool.Run(ctx, args, nil, nil, nil); err != nil {
				logging.Warningf(ctx, "Failed to take hang dump of process %d: %v", p, err)
				continue
			}
			files = append(files, out)
		}
		if len(files) == 0 {
			return nil, errors.Errorf("no hang dump was taken for host process %d", pid)
		}
		return files, nil
	}

	var snaps []processSnapshot
	for _, p := range procs {
		proc, err := process.NewProcess(p)
		if err != nil {
			continue
		}
		snaps = append(snaps, snapshot(proc, dumpType == settings.DumpFull))
	}
	if len(snaps) == 0 {
		return nil, errors.Errorf("process %d is gone", pid)
	}
	b, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return nil, err
	}
	out := filepath.Join(m.cfg.DumpDir, fmt.Sprintf("%s_%d_hangdump%s", hostID, pid, DumpExt))
	if err := os.WriteFile(out, b, 0644); err != nil {
		return nil, errors.Wrap(err, "failed to write hang dump")
	}
	return []string{out}, nil
}

// KillTree kills pid, its process group and all its descendants.
func KillTree(pid int) error {
	if pid <= 0 {
		return errors.Errorf("invalid pid %d", pid)
	}
	procs := descendants(int32(pid))
	var firstErr error
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		firstErr = err
	}
	for _, p := range procs {
		if err := p.Kill(); err != nil && firstErr == nil {
			if ok, _ := p.IsRunning(); ok {
				firstErr = err
			}
		}
	}
	return firstErr
}
