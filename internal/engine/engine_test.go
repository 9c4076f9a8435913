// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package engine_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/adapters"
	"go.chromium.org/hostrun/internal/attachments"
	"go.chromium.org/hostrun/internal/engine"
	"go.chromium.org/hostrun/internal/fakehost"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/logging/loggingtest"
	"go.chromium.org/hostrun/internal/protocol"
	"go.chromium.org/hostrun/internal/reporting"
	"go.chromium.org/hostrun/internal/results"
	"go.chromium.org/hostrun/internal/settings"
	"go.chromium.org/hostrun/internal/sources"
	"go.chromium.org/hostrun/internal/sources/sourcestest"
	"go.chromium.org/hostrun/testutil"
)

const net8 = ".NETCoreApp,Version=v8.0"

// env is a temporary workspace with an adapter directory, sources and a
// results directory.
type env struct {
	dir        string
	adapterDir string
	resultsDir string
	sources    []string
}

// newEnv installs a fake adapter serving p and writes one x86 source for
// each key of p.Sources.
func newEnv(t *testing.T, p fakehost.Params, names ...string) *env {
	t.Helper()
	td := testutil.TempDir(t)
	e := &env{
		dir:        td,
		adapterDir: filepath.Join(td, "adapters"),
		resultsDir: filepath.Join(td, "results"),
	}
	if err := os.MkdirAll(e.adapterDir, 0755); err != nil {
		t.Fatal(err)
	}
	fakehost.Install(t, e.adapterDir, p, false)
	for _, n := range names {
		path := filepath.Join(td, n)
		if err := sourcestest.WriteManaged(path, settings.PlatformX86, net8); err != nil {
			t.Fatal(err)
		}
		e.sources = append(e.sources, path)
	}
	return e
}

func (e *env) config() *settings.MutableConfig {
	cfg := settings.Default()
	cfg.TestAdapterPaths = []string{e.adapterDir}
	cfg.ResultsDirectory = e.resultsDir
	return cfg
}

func (e *env) run(ctx context.Context, t *testing.T, cfg *settings.MutableConfig, opts *engine.Options) (*results.RunResult, string) {
	t.Helper()
	var stdout bytes.Buffer
	if opts == nil {
		opts = &engine.Options{}
	}
	opts.Sources = e.sources
	opts.Config = cfg.Freeze()
	opts.Stdout = &stdout
	run, err := engine.Run(ctx, opts)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	return run, stdout.String()
}

func mixedTests(prefix string) []fakehost.Test {
	return []fakehost.Test{
		{Name: prefix + ".Pass"},
		{Name: prefix + ".Fail", Outcome: protocol.OutcomeFailed},
		{Name: prefix + ".Skip", Outcome: protocol.OutcomeSkipped, SkipReason: "ignored"},
	}
}

func TestRunTwoSources(t *testing.T) {
	td := testutil.TempDir(t)
	startLog := filepath.Join(td, "starts")
	e := newEnv(t, fakehost.Params{
		StartLog: startLog,
		Sources: map[string][]fakehost.Test{
			"a.dll": mixedTests("A"),
			"b.dll": mixedTests("B"),
		},
	}, "a.dll", "b.dll")
	ctx, _ := loggingtest.Context(t, logging.LevelInfo)

	run, out := e.run(ctx, t, e.config(), nil)

	if run.Passed != 2 || run.Failed != 2 || run.Skipped != 2 || run.Total != 6 {
		t.Errorf("Got passed=%d failed=%d skipped=%d total=%d; want 2, 2, 2, 6", run.Passed, run.Failed, run.Skipped, run.Total)
	}
	if code := run.ExitCode(); code != 1 {
		t.Errorf("ExitCode() = %d; want 1", code)
	}
	var names []string
	for _, r := range run.Results {
		names = append(names, r.Test.FullyQualifiedName)
	}
	want := []string{"A.Pass", "A.Fail", "A.Skip", "B.Pass", "B.Fail", "B.Skip"}
	if diff := cmp.Diff(names, want); diff != "" {
		t.Errorf("Results mismatch (-got +want):\n%s", diff)
	}

	b, err := os.ReadFile(startLog)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Errorf("Started %d hosts; want 2:\n%s", len(lines), b)
	}
	for _, l := range lines {
		if !strings.HasSuffix(l, " "+net8+" X86") {
			t.Errorf("Host started as %q; want %s X86", l, net8)
		}
	}

	for _, s := range []string{"  Failed  A.Fail", "a.dll", "b.dll", "Failed!  - Failed:     2, Passed:     2, Skipped:     2, Total:     6"} {
		if !strings.Contains(out, s) {
			t.Errorf("Output does not contain %q:\n%s", s, out)
		}
	}
}

// hostStarts returns the number of hosts that logged their start to path.
func hostStarts(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatal(err)
	}
	return len(strings.Split(strings.TrimSpace(string(b)), "\n"))
}

func TestRunInIsolation(t *testing.T) {
	for _, tc := range []struct {
		isolate    bool
		wantStarts int
	}{
		{false, 1},
		{true, 2},
	} {
		td := testutil.TempDir(t)
		startLog := filepath.Join(td, "starts")
		e := newEnv(t, fakehost.Params{StartLog: startLog, Sources: map[string][]fakehost.Test{"a.dll": mixedTests("A")}}, "a.dll")
		ctx, _ := loggingtest.Context(t, logging.LevelInfo)
		cfg := e.config()
		cfg.InIsolation = tc.isolate

		run, _ := e.run(ctx, t, cfg, nil)

		if run.Total != 3 {
			t.Errorf("InIsolation=%v: total = %d; want 3", tc.isolate, run.Total)
		}
		if got := hostStarts(t, startLog); got != tc.wantStarts {
			t.Errorf("InIsolation=%v: started %d hosts; want %d", tc.isolate, got, tc.wantStarts)
		}
	}
}

func TestRunReusesSharedHosts(t *testing.T) {
	p := fakehost.Params{Sources: map[string][]fakehost.Test{
		"a.dll": mixedTests("A"),
		"b.dll": mixedTests("B"),
		"c.dll": mixedTests("C"),
	}}
	e := newEnv(t, p, "a.dll", "b.dll", "c.dll")
	fakehost.Install(t, e.adapterDir, p, true)
	ctx, _ := loggingtest.Context(t, logging.LevelInfo)
	cfg := e.config()
	cfg.MaxCpuCount = 1

	// A single shared host alternates between discovery and execution.
	for i := 0; i < 10; i++ {
		run, _ := e.run(ctx, t, cfg, nil)
		if run.Passed != 3 || run.Failed != 3 || run.Skipped != 3 || run.Aborted {
			t.Fatalf("Run %d: passed=%d failed=%d skipped=%d aborted=%v; want 3, 3, 3, false", i, run.Passed, run.Failed, run.Skipped, run.Aborted)
		}
	}
}

func TestRunDiscoveryHostCrash(t *testing.T) {
	e := newEnv(t, fakehost.Params{Sources: map[string][]fakehost.Test{
		"a.dll": {{Name: "A.Crash", DiscoverAction: fakehost.ActionExit}},
		"b.dll": mixedTests("B"),
	}}, "a.dll", "b.dll")
	ctx, _ := loggingtest.Context(t, logging.LevelInfo)

	run, _ := e.run(ctx, t, e.config(), nil)

	if run.Passed != 1 || run.Failed != 1 || run.Skipped != 1 {
		t.Errorf("Got passed=%d failed=%d skipped=%d; want 1, 1, 1", run.Passed, run.Failed, run.Skipped)
	}
	if !run.Aborted || !strings.HasPrefix(run.AbortReason, "The active test run was aborted. Reason: ") {
		t.Errorf("Aborted = %v, AbortReason = %q; want aborted by the host crash", run.Aborted, run.AbortReason)
	}
	if code := run.ExitCode(); code != 1 {
		t.Errorf("ExitCode() = %d; want 1", code)
	}
}

func TestRunNoTests(t *testing.T) {
	e := newEnv(t, fakehost.Params{Sources: map[string][]fakehost.Test{"empty.dll": nil}}, "empty.dll")
	ctx, _ := loggingtest.Context(t, logging.LevelInfo)

	for _, tc := range []struct {
		treatAsError bool
		wantCode     int
	}{
		{false, 0},
		{true, 1},
	} {
		cfg := e.config()
		cfg.TreatNoTestsAsError = tc.treatAsError
		run, out := e.run(ctx, t, cfg, nil)
		if code := run.ExitCode(); code != tc.wantCode {
			t.Errorf("TreatNoTestsAsError=%v: ExitCode() = %d; want %d", tc.treatAsError, code, tc.wantCode)
		}
		if !strings.Contains(out, "No test is available.") {
			t.Errorf("TreatNoTestsAsError=%v: output does not mention missing tests:\n%s", tc.treatAsError, out)
		}
	}
}

func TestRunSessionTimeout(t *testing.T) {
	e := newEnv(t, fakehost.Params{Sources: map[string][]fakehost.Test{
		"a.dll": {
			{Name: "A.Fast"},
			{Name: "A.Slow", Sleep: time.Minute},
		},
	}}, "a.dll")
	ctx, _ := loggingtest.Context(t, logging.LevelInfo)
	cfg := e.config()
	cfg.TestSessionTimeout = 2 * time.Second

	run, _ := e.run(ctx, t, cfg, nil)

	if !run.Aborted {
		t.Fatal("Run was not aborted")
	}
	if want := "Aborting test run: test run timeout of 2000 milliseconds exceeded."; run.AbortReason != want {
		t.Errorf("AbortReason = %q; want %q", run.AbortReason, want)
	}
	got := make(map[string]results.Outcome)
	for _, r := range run.Results {
		got[r.Test.FullyQualifiedName] = r.Outcome
	}
	want := map[string]results.Outcome{"A.Fast": results.Passed, "A.Slow": results.Aborted}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Outcomes mismatch (-got +want):\n%s", diff)
	}
	if code := run.ExitCode(); code != 1 {
		t.Errorf("ExitCode() = %d; want 1", code)
	}
}

func TestRunFilter(t *testing.T) {
	e := newEnv(t, fakehost.Params{Sources: map[string][]fakehost.Test{"a.dll": mixedTests("A")}}, "a.dll")
	ctx, _ := loggingtest.Context(t, logging.LevelInfo)
	cfg := e.config()
	cfg.TestCaseFilter = "FullyQualifiedName~Pass|FullyQualifiedName=A.Skip"

	run, _ := e.run(ctx, t, cfg, nil)

	if run.Passed != 1 || run.Skipped != 1 || run.Total != 2 {
		t.Errorf("Got passed=%d skipped=%d total=%d; want 1, 1, 2", run.Passed, run.Skipped, run.Total)
	}
}

func TestRunLogFileName(t *testing.T) {
	e := newEnv(t, fakehost.Params{Sources: map[string][]fakehost.Test{"a.dll": mixedTests("A")}}, "a.dll")
	ctx, _ := loggingtest.Context(t, logging.LevelInfo)
	cfg := e.config()
	cfg.Loggers = []settings.LoggerSpec{{Name: "junit", Parameters: map[string]string{"LogFileName": "out.xml"}}}

	e.run(ctx, t, cfg, nil)
	e.run(ctx, t, cfg, nil)

	matches, err := filepath.Glob(filepath.Join(e.resultsDir, "*.xml"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(matches, []string{filepath.Join(e.resultsDir, "out.xml")}); diff != "" {
		t.Errorf("Result files mismatch (-got +want):\n%s", diff)
	}
}

type recordingLogger struct {
	names  []string
	closed *results.RunResult
}

func (l *recordingLogger) TestResult(r *results.TestResult) error {
	l.names = append(l.names, r.Test.FullyQualifiedName)
	return nil
}

func (l *recordingLogger) Close(ctx context.Context, run *results.RunResult) error {
	l.closed = run
	return nil
}

func TestRunExtraLoggers(t *testing.T) {
	e := newEnv(t, fakehost.Params{Sources: map[string][]fakehost.Test{"a.dll": mixedTests("A")}}, "a.dll")
	ctx, _ := loggingtest.Context(t, logging.LevelInfo)
	l := &recordingLogger{}
	metricsFile := filepath.Join(e.dir, "metrics.prom")

	run, _ := e.run(ctx, t, e.config(), &engine.Options{Loggers: []reporting.Logger{l}, MetricsFile: metricsFile})

	if diff := cmp.Diff(l.names, []string{"A.Pass", "A.Fail", "A.Skip"}); diff != "" {
		t.Errorf("Logged results mismatch (-got +want):\n%s", diff)
	}
	if l.closed != run {
		t.Error("Logger was not closed with the run result")
	}
	b, err := os.ReadFile(metricsFile)
	if err != nil {
		t.Fatal("Metrics file not written: ", err)
	}
	if !strings.Contains(string(b), "hostrun_") {
		t.Errorf("Metrics file has no hostrun metrics:\n%s", b)
	}
}

func TestRunNoSources(t *testing.T) {
	e := newEnv(t, fakehost.Params{})
	ctx, _ := loggingtest.Context(t, logging.LevelInfo)
	bad := filepath.Join(e.dir, "notes.txt")
	if err := os.WriteFile(bad, []byte("not a binary"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := engine.Run(ctx, &engine.Options{Sources: []string{bad}, Config: e.config().Freeze(), Stdout: &bytes.Buffer{}})
	if !errors.Is(err, sources.ErrNoSources) {
		t.Errorf("Run returned %v; want ErrNoSources", err)
	}
}

func TestRunNoAdapter(t *testing.T) {
	td := testutil.TempDir(t)
	src := filepath.Join(td, "a.dll")
	if err := sourcestest.WriteManaged(src, settings.PlatformX64, net8); err != nil {
		t.Fatal(err)
	}
	emptyDir := filepath.Join(td, "adapters")
	if err := os.MkdirAll(emptyDir, 0755); err != nil {
		t.Fatal(err)
	}
	cfg := settings.Default()
	cfg.TestAdapterPaths = []string{emptyDir}
	cfg.ResultsDirectory = filepath.Join(td, "results")
	ctx, _ := loggingtest.Context(t, logging.LevelInfo)

	_, err := engine.Run(ctx, &engine.Options{Sources: []string{src}, Config: cfg.Freeze(), Stdout: &bytes.Buffer{}})
	if !errors.Is(err, adapters.ErrNoRunnableSources) {
		t.Errorf("Run returned %v; want ErrNoRunnableSources", err)
	}
}

func TestDiscover(t *testing.T) {
	e := newEnv(t, fakehost.Params{Sources: map[string][]fakehost.Test{
		"a.dll": mixedTests("A"),
		"b.dll": mixedTests("B"),
	}}, "b.dll", "a.dll")
	ctx, _ := loggingtest.Context(t, logging.LevelInfo)
	cfg := e.config()
	cfg.TestCaseFilter = "Name!=Skip"

	tests, err := engine.Discover(ctx, &engine.Options{Sources: e.sources, Config: cfg.Freeze()})
	if err != nil {
		t.Fatal("Discover failed: ", err)
	}
	var names []string
	for _, tc := range tests {
		names = append(names, tc.FullyQualifiedName)
	}
	if diff := cmp.Diff(names, []string{"B.Pass", "B.Fail", "A.Pass", "A.Fail"}); diff != "" {
		t.Errorf("Discovered tests mismatch (-got +want):\n%s", diff)
	}
}

func TestMergeAttachments(t *testing.T) {
	e := newEnv(t, fakehost.Params{Sources: map[string][]fakehost.Test{
		"a.dll": {{Name: "A.Covered", Coverage: "mode: count\na.go:1.1,2.2 1 1\nb.go:1.1,2.2 1 0\n"}},
	}}, "a.dll")
	ctx, _ := loggingtest.Context(t, logging.LevelInfo)
	session := attachments.NewSessionID()

	for i := 0; i < 2; i++ {
		run, _ := e.run(ctx, t, e.config(), &engine.Options{SessionID: session})
		if len(run.Attachments) != 1 {
			t.Fatalf("Run %d has attachments %+v; want one coverage set", i, run.Attachments)
		}
	}

	sets, err := engine.MergeAttachments(ctx, &engine.MergeOptions{SessionID: session, Config: e.config().Freeze()})
	if err != nil {
		t.Fatal("MergeAttachments failed: ", err)
	}
	if len(sets) != 1 || len(sets[0].Attachments) != 1 {
		t.Fatalf("MergeAttachments returned %+v; want one merged profile", sets)
	}
	b, err := os.ReadFile(sets[0].Attachments[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(string(b), "mode: count\na.go:1.1,2.2 1 2\nb.go:1.1,2.2 1 0\n"); diff != "" {
		t.Errorf("Merged profile mismatch (-got +want):\n%s", diff)
	}
}

func TestMergeAttachmentsUnknownSession(t *testing.T) {
	e := newEnv(t, fakehost.Params{})
	ctx, _ := loggingtest.Context(t, logging.LevelInfo)
	_, err := engine.MergeAttachments(ctx, &engine.MergeOptions{SessionID: attachments.NewSessionID(), Config: e.config().Freeze()})
	if !errors.Is(err, attachments.ErrNoSession) {
		t.Errorf("MergeAttachments returned %v; want ErrNoSession", err)
	}
}
