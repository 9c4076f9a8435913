// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package discovery_test

import (
	"context"
	"io"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/hostrun/internal/adapters"
	"go.chromium.org/hostrun/internal/discovery"
	"go.chromium.org/hostrun/internal/fakehost"
	"go.chromium.org/hostrun/internal/filter"
	"go.chromium.org/hostrun/internal/hostpool"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/logging/loggingtest"
	"go.chromium.org/hostrun/internal/protocol"
	"go.chromium.org/hostrun/internal/settings"
	"go.chromium.org/hostrun/internal/sources"
)

var fakeParams = fakehost.Params{
	Sources: map[string][]fakehost.Test{
		"a.dll": {
			{Name: "A.Tests.Pass"},
			{Name: "A.Tests.Fail", Outcome: protocol.OutcomeFailed},
			{Name: "A.Tests.Unit", Traits: map[string][]string{"TestCategory": {"Unit"}}},
		},
		"b.dll": {
			{Name: "B.Tests.Pass"},
			{Name: "B.Tests.Other"},
		},
	},
}

func units(a *adapters.Adapter, names ...string) []*discovery.Unit {
	var us []*discovery.Unit
	for _, n := range names {
		us = append(us, &discovery.Unit{
			Source: &sources.Source{
				Path:         "/src/" + n,
				Framework:    settings.Framework{Name: settings.NetCoreApp, Version: "8.0"},
				Platform:     settings.PlatformX64,
				AssemblyType: sources.AssemblyManaged,
			},
			Adapter: a,
		})
	}
	return us
}

// collect consumes s and returns the names of found tests, sorted, and the
// unit results by source path.
func collect(ctx context.Context, t *testing.T, s *discovery.Stream) ([]string, map[string]*discovery.UnitResult) {
	t.Helper()
	var names []string
	done := make(map[string]*discovery.UnitResult)
	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal("Next failed: ", err)
		}
		if ev.Test != nil {
			names = append(names, ev.Test.FullyQualifiedName)
		}
		if ev.Done != nil {
			done[ev.Done.Unit.Source.Path] = ev.Done
		}
	}
	sort.Strings(names)
	return names, done
}

func options(t *testing.T, expr string) *discovery.Options {
	o := &discovery.Options{Config: settings.Default().Freeze()}
	if expr != "" {
		f, err := filter.Parse(expr)
		if err != nil {
			t.Fatal(err)
		}
		o.Filter = f
	}
	return o
}

func TestDiscoverStreamsMatchingTests(t *testing.T) {
	ctx, logger := loggingtest.Context(t, logging.LevelWarning)
	a := fakehost.Adapter(t, fakeParams, true)
	pool := hostpool.New(ctx, &hostpool.Config{MaxHosts: 2})
	defer pool.Close(ctx)

	s := discovery.Discover(ctx, pool, units(a, "a.dll", "b.dll"), options(t, "Name=Pass|TestCategory=unit"))
	names, done := collect(ctx, t, s)

	if diff := cmp.Diff(names, []string{"A.Tests.Pass", "A.Tests.Unit", "B.Tests.Pass"}); diff != "" {
		t.Errorf("Found tests mismatch (-got +want):\n%s", diff)
	}
	if got := s.Found(); got != 5 {
		t.Errorf("Found() = %d; want 5", got)
	}
	if len(done) != 2 {
		t.Fatalf("Got %d unit results; want 2", len(done))
	}
	for path, r := range done {
		if r.Err != nil {
			t.Errorf("Unit %s failed: %v", path, r.Err)
		}
		if r.Host != nil {
			t.Errorf("Unit %s kept host %s without Keep", path, r.Host.ID())
		}
		for _, tc := range r.Tests {
			if tc.Source != path || tc.ExecutorURI != fakehost.ExecutorURI {
				t.Errorf("Test %s has source %q and executor %q; want %q and %q", tc.FullyQualifiedName, tc.Source, tc.ExecutorURI, path, fakehost.ExecutorURI)
			}
		}
	}
	if logs := logger.Logs(); len(logs) > 0 {
		t.Errorf("Unexpected warnings:\n%s", logger)
	}
}

func TestDiscoverWarnsOnceWhenFilterMatchesNothing(t *testing.T) {
	ctx, logger := loggingtest.Context(t, logging.LevelWarning)
	a := fakehost.Adapter(t, fakeParams, true)
	pool := hostpool.New(ctx, &hostpool.Config{MaxHosts: 2})
	defer pool.Close(ctx)

	s := discovery.Discover(ctx, pool, units(a, "a.dll", "b.dll"), options(t, "NameThatMatchesNoTestInTheAssembly"))
	names, _ := collect(ctx, t, s)
	if len(names) != 0 {
		t.Errorf("Found %v; want nothing", names)
	}
	const want = "No test matches the given testcase filter `NameThatMatchesNoTestInTheAssembly` in /src/a.dll /src/b.dll"
	if n := logger.Count(want); n != 1 {
		t.Errorf("Got %d filter warnings; want 1:\n%s", n, logger)
	}
	if n := logger.Count("No test matches"); n != 1 {
		t.Errorf("Got %d warnings about the filter; want 1:\n%s", n, logger)
	}
}

func TestDiscoverNoTests(t *testing.T) {
	ctx, logger := loggingtest.Context(t, logging.LevelWarning)
	a := fakehost.Adapter(t, fakehost.Params{Sources: map[string][]fakehost.Test{"empty.dll": nil}}, false)
	pool := hostpool.New(ctx, &hostpool.Config{MaxHosts: 1})
	defer pool.Close(ctx)

	s := discovery.Discover(ctx, pool, units(a, "empty.dll"), options(t, ""))
	collect(ctx, t, s)
	if n := logger.Count("No test is available in /src/empty.dll."); n != 1 {
		t.Errorf("Got %d warnings about missing tests; want 1:\n%s", n, logger)
	}
}

func TestDiscoverSourceFailure(t *testing.T) {
	ctx, logger := loggingtest.Context(t, logging.LevelWarning)
	a := fakehost.Adapter(t, fakeParams, true)
	pool := hostpool.New(ctx, &hostpool.Config{MaxHosts: 1})
	defer pool.Close(ctx)

	s := discovery.Discover(ctx, pool, units(a, "a.dll", "missing.dll"), options(t, ""))
	names, done := collect(ctx, t, s)
	if len(names) != 3 {
		t.Errorf("Found %v; want the 3 tests of a.dll", names)
	}
	if r := done["/src/missing.dll"]; r == nil || r.Err == nil {
		t.Errorf("Unit missing.dll = %+v; want an error", r)
	}
	if n := logger.Count("Failed to discover tests in /src/missing.dll"); n != 1 {
		t.Errorf("Got %d warnings about missing.dll; want 1:\n%s", n, logger)
	}
	// The host survives a source it cannot load and is reused.
	if got := len(pool.Hosts()); got != 1 {
		t.Errorf("Pool started %d hosts; want 1", got)
	}
}

func TestDiscoverKeepsHosts(t *testing.T) {
	ctx, _ := loggingtest.Context(t, logging.LevelWarning)
	a := fakehost.Adapter(t, fakeParams, true)
	pool := hostpool.New(ctx, &hostpool.Config{MaxHosts: 2})
	defer pool.Close(ctx)

	opts := options(t, "")
	opts.Keep = true
	s := discovery.Discover(ctx, pool, units(a, "a.dll", "b.dll"), opts)
	_, done := collect(ctx, t, s)
	for path, r := range done {
		if r.Host == nil {
			t.Errorf("Unit %s has no host; want one kept", path)
			continue
		}
		if st := r.Host.State(); st != hostpool.InUse {
			t.Errorf("Kept host of %s is %v; want InUse", path, st)
		}
		pool.Release(ctx, r.Host)
	}
}

func TestDiscoverIsolateStopsHosts(t *testing.T) {
	ctx, _ := loggingtest.Context(t, logging.LevelWarning)
	a := fakehost.Adapter(t, fakeParams, true)
	pool := hostpool.New(ctx, &hostpool.Config{MaxHosts: 1})

	opts := options(t, "")
	opts.Isolate = true
	s := discovery.Discover(ctx, pool, units(a, "a.dll", "b.dll"), opts)
	collect(ctx, t, s)
	pool.Close(ctx)

	// Each unit got a fresh host although the adapter shares hosts.
	hosts := pool.Hosts()
	if len(hosts) != 2 {
		t.Fatalf("Pool started %d hosts; want 2", len(hosts))
	}
	for _, h := range hosts {
		if h.State != hostpool.Exited {
			t.Errorf("Host %s is %v; want Exited", h.ID, h.State)
		}
	}
}
