// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package fakehost provides a fake test host for unit tests.
//
// The fake host is the test binary itself, re-executed through fakeexec, so
// any test binary linking this package can start it.
package fakehost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"testing"
	"time"

	"gopkg.in/yaml.v2"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/host"
	"go.chromium.org/hostrun/internal/adapters"
	"go.chromium.org/hostrun/internal/fakeexec"
	"go.chromium.org/hostrun/internal/protocol"
	"go.chromium.org/hostrun/internal/settings"
)

// ExecutorURI is the executor URI of the fake adapter.
const ExecutorURI = "executor://fakehost/v1"

// Action is something a fake test does besides reporting its outcome.
type Action string

// Actions of fake tests.
const (
	ActionNone Action = ""
	// ActionStackOverflow overflows the stack of the host.
	ActionStackOverflow Action = "stackOverflow"
	// ActionPanic panics in the host.
	ActionPanic Action = "panic"
	// ActionHang blocks forever while heartbeats continue.
	ActionHang Action = "hang"
	// ActionFreeze stops the host process so that it sends nothing at all.
	ActionFreeze Action = "freeze"
	// ActionExit exits the host with status 3.
	ActionExit Action = "exit"
)

// Test is a fake test.
type Test struct {
	Name       string
	Outcome    protocol.Outcome
	SkipReason string
	Traits     map[string][]string
	// Sleep is how long the test takes. Cancellation does not interrupt it.
	Sleep  time.Duration
	Action Action
	// DiscoverAction is done when the test is discovered.
	DiscoverAction Action
	// Coverage, if set, is written as a coverage attachment of the test.
	Coverage string
}

// Params configures a fake host.
type Params struct {
	// Sources maps base names of sources to their tests. Other sources fail
	// to load.
	Sources map[string][]Test
	// SupportsSTA is reported in the handshake.
	SupportsSTA bool
	// StartLog, if set, is a file the host appends "<pid> <framework>
	// <platform>" to on startup.
	StartLog string
	// Stderr is written to stderr on startup.
	Stderr string
	// ExitCode, if non-zero, makes the host exit on startup.
	ExitCode int
	// NoHandshake makes the host start but never send HostReady.
	NoHandshake bool
	// RunCoverage, if set, is written as a run level coverage attachment.
	RunCoverage string
}

var auxMain = fakeexec.NewAuxMain("fakehost", serve)

func serve(p Params) {
	if p.StartLog != "" {
		if f, err := os.OpenFile(p.StartLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644); err == nil {
			fmt.Fprintf(f, "%d %s %s\n", os.Getpid(), os.Getenv(protocol.FrameworkEnv), os.Getenv(protocol.PlatformEnv))
			f.Close()
		}
	}
	fmt.Fprint(os.Stderr, p.Stderr)
	if p.ExitCode != 0 {
		os.Exit(p.ExitCode)
	}
	if p.NoHandshake {
		time.Sleep(time.Hour)
	}
	os.Exit(host.Main(os.Stdin, os.Stdout, os.Stderr, &adapter{p: p}))
}

type adapter struct {
	p Params
}

func (a *adapter) SupportsSTA() bool { return a.p.SupportsSTA }

func (a *adapter) tests(source string) ([]Test, error) {
	tests, ok := a.p.Sources[filepath.Base(source)]
	if !ok {
		return nil, errors.Errorf("%s is not a fake test source", source)
	}
	return tests, nil
}

func (a *adapter) Discover(ctx context.Context, source string, s *protocol.Settings, found func(tc *protocol.TestCase) error) error {
	tests, err := a.tests(source)
	if err != nil {
		return err
	}
	for _, t := range tests {
		runAction(t.DiscoverAction)
		if err := found(&protocol.TestCase{
			FullyQualifiedName: t.Name,
			ExecutorURI:        ExecutorURI,
			Source:             source,
			Traits:             t.Traits,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *adapter) Run(ctx context.Context, source string, names []string, s *protocol.Settings, r *host.Reporter) error {
	tests, err := a.tests(source)
	if err != nil {
		return err
	}
	if len(names) > 0 {
		byName := make(map[string]Test)
		for _, t := range tests {
			byName[t.Name] = t
		}
		tests = nil
		for _, n := range names {
			if t, ok := byName[n]; ok {
				tests = append(tests, t)
			}
		}
	}

	for _, t := range tests {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.Start(t.Name)
		runAction(t.Action)
		time.Sleep(t.Sleep)

		var sets []protocol.AttachmentSet
		if t.Coverage != "" {
			set, err := writeCoverage(s.ResultsDirectory, t.Name, t.Coverage)
			if err != nil {
				r.Error(t.Name, err)
			} else {
				sets = append(sets, set)
			}
		}
		outcome := t.Outcome
		if outcome == "" {
			outcome = protocol.OutcomePassed
		}
		if outcome == protocol.OutcomeFailed {
			r.Log(t.Name, "Checking the result")
			r.Error(t.Name, errors.New("assertion failed"))
		}
		r.End(t.Name, outcome, t.SkipReason, sets...)
	}

	if a.p.RunCoverage != "" {
		set, err := writeCoverage(s.ResultsDirectory, "run", a.p.RunCoverage)
		if err != nil {
			return err
		}
		r.AddRunAttachments(set)
	}
	return nil
}

func runAction(act Action) {
	switch act {
	case ActionStackOverflow:
		debug.SetMaxStack(1 << 20)
		recurse(0)
	case ActionPanic:
		panic("fake test panicked")
	case ActionHang:
		time.Sleep(time.Hour)
	case ActionFreeze:
		syscall.Kill(os.Getpid(), syscall.SIGSTOP)
		time.Sleep(time.Hour)
	case ActionExit:
		os.Exit(3)
	}
}

func recurse(n int) int {
	var buf [128]byte
	buf[n%len(buf)] = byte(n)
	return recurse(n+1) + int(buf[(n+1)%len(buf)])
}

func writeCoverage(resultsDir, name, content string) (protocol.AttachmentSet, error) {
	dir := filepath.Join(resultsDir, fmt.Sprintf("fakehost_%d", os.Getpid()))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return protocol.AttachmentSet{}, err
	}
	path := filepath.Join(dir, name+".coverprofile")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return protocol.AttachmentSet{}, err
	}
	return protocol.AttachmentSet{
		CollectorURI: settings.CodeCoverageURI,
		DisplayName:  settings.CodeCoverageFriendlyName,
		Attachments:  []protocol.Attachment{{Path: path}},
	}, nil
}

// Adapter returns an adapter descriptor starting fake hosts with p.
func Adapter(t *testing.T, p Params, shared bool) *adapters.Adapter {
	t.Helper()
	ap, err := auxMain.Params(p)
	if err != nil {
		t.Fatal("Failed to prepare fake host: ", err)
	}
	return &adapters.Adapter{
		Name:        "fakehost",
		ExecutorURI: ExecutorURI,
		Shared:      shared,
		Host:        adapters.HostSpec{Command: []string{ap.Executable()}, Env: ap.EnvMap()},
	}
}

// Install writes a manifest declaring the fake adapter to dir.
func Install(t *testing.T, dir string, p Params, shared bool) {
	t.Helper()
	a := Adapter(t, p, shared)
	m := map[string]interface{}{
		"adapters": []map[string]interface{}{{
			"name":        a.Name,
			"executorUri": a.ExecutorURI,
			"shared":      a.Shared,
			"host": map[string]interface{}{
				"command": a.Host.Command,
				"env":     a.Host.Env,
			},
		}},
	}
	b, err := yaml.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "fakehost"+adapters.ManifestSuffix), b, 0644); err != nil {
		t.Fatal(err)
	}
}
