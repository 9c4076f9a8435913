// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package results

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"go.chromium.org/hostrun/internal/protocol"
	"go.chromium.org/hostrun/internal/settings"
)

func result(source, name string, o Outcome, d time.Duration) *TestResult {
	return &TestResult{
		Test:      protocol.TestCase{FullyQualifiedName: name, Source: source},
		Outcome:   o,
		Duration:  d,
		Framework: "net8.0",
	}
}

func config(treatNoTestsAsError bool) *settings.RunConfiguration {
	c := settings.Default()
	c.TreatNoTestsAsError = treatNoTestsAsError
	return c.Freeze()
}

func TestAggregate(t *testing.T) {
	p1 := &Partial{
		Results: []*TestResult{
			result("/src/b.dll", "B.Pass", Passed, 10*time.Millisecond),
			result("/src/b.dll", "B.Fail", Failed, 20*time.Millisecond),
			result("/src/b.dll", "B.Skip", Skipped, 0),
		},
		Diagnostics: []string{"host-1 crashed"},
	}
	p2 := &Partial{
		Results: []*TestResult{
			result("/src/a.dll", "A.Pass", Passed, time.Second),
			result("/src/a.dll", "A.Fail", Failed, 0),
			result("/src/a.dll", "A.Skip", Skipped, 0),
		},
	}
	atts := []protocol.AttachmentSet{{CollectorURI: settings.CodeCoverageURI}}

	rr := Aggregate([]*Partial{p1, p2}, atts, config(false), 3*time.Second)

	if got, want := [4]int{rr.Passed, rr.Failed, rr.Skipped, rr.Total}, [4]int{2, 2, 2, 6}; got != want {
		t.Errorf("Counts (passed, failed, skipped, total) = %v; want %v", got, want)
	}
	if got := rr.ExitCode(); got != 1 {
		t.Errorf("ExitCode() = %d; want 1", got)
	}
	if diff := cmp.Diff(rr.Attachments, atts); diff != "" {
		t.Errorf("Attachments mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(rr.DiagnosticsLog, []string{"host-1 crashed"}); diff != "" {
		t.Errorf("DiagnosticsLog mismatch (-got +want):\n%s", diff)
	}

	want := []*SourceSummary{
		{Source: "/src/a.dll", Framework: "net8.0", Passed: 1, Failed: 1, Skipped: 1, Total: 3, Duration: time.Second},
		{Source: "/src/b.dll", Framework: "net8.0", Passed: 1, Failed: 1, Skipped: 1, Total: 3, Duration: 30 * time.Millisecond},
	}
	if diff := cmp.Diff(rr.Sources, want); diff != "" {
		t.Errorf("Sources mismatch (-got +want):\n%s", diff)
	}
}

func TestExitCode(t *testing.T) {
	for _, tc := range []struct {
		name     string
		partial  *Partial
		noTests  bool
		wantCode int
	}{
		{"all passed", &Partial{Results: []*TestResult{result("a", "T", Passed, 0)}}, false, 0},
		{"skipped only", &Partial{Results: []*TestResult{result("a", "T", Skipped, 0)}}, true, 0},
		{"failure", &Partial{Results: []*TestResult{result("a", "T", Failed, 0)}}, false, 1},
		{"no tests allowed", &Partial{}, false, 0},
		{"no tests is error", &Partial{}, true, 1},
		{"aborted", &Partial{Results: []*TestResult{result("a", "T", Passed, 0)}, AbortReasons: []string{"timeout"}}, false, 1},
	} {
		rr := Aggregate([]*Partial{tc.partial}, nil, config(tc.noTests), 0)
		if got := rr.ExitCode(); got != tc.wantCode {
			t.Errorf("%s: ExitCode() = %d; want %d", tc.name, got, tc.wantCode)
		}
	}
}

func TestAggregateAborted(t *testing.T) {
	p := &Partial{
		Results: []*TestResult{
			result("a.dll", "T.Pass", Passed, 0),
			result("a.dll", "T.Sleep", Aborted, 0),
		},
		NotRun:       []protocol.TestCase{{FullyQualifiedName: "T.Later", Source: "a.dll"}},
		AbortReasons: []string{"Aborting test run: test run timeout of 1000 milliseconds exceeded."},
	}
	var q Partial
	q.Merge(p)
	q.Merge(&Partial{AbortReasons: []string{"Aborting test run: test run timeout of 1000 milliseconds exceeded."}})

	rr := Aggregate([]*Partial{&q}, nil, config(false), 0)
	want := &RunResult{
		Passed:      1,
		Total:       2,
		NotRun:      1,
		Aborted:     true,
		AbortReason: "Aborting test run: test run timeout of 1000 milliseconds exceeded.",
		DiagnosticsLog: []string{
			"Aborting test run: test run timeout of 1000 milliseconds exceeded.",
		},
	}
	if diff := cmp.Diff(rr, want, cmpopts.IgnoreFields(RunResult{}, "Results", "Sources")); diff != "" {
		t.Errorf("Aggregate mismatch (-got +want):\n%s", diff)
	}
	if got := rr.Status(); got != "Aborted!" {
		t.Errorf("Status() = %q; want %q", got, "Aborted!")
	}
}

func TestSummaryLine(t *testing.T) {
	rr := &RunResult{Passed: 2, Failed: 2, Skipped: 2, Total: 6, Duration: 1500 * time.Millisecond}
	const want = "Failed!  - Failed:     2, Passed:     2, Skipped:     2, Total:     6, Duration: 1 s"
	if got := rr.SummaryLine(); got != want {
		t.Errorf("SummaryLine() = %q; want %q", got, want)
	}

	s := &SourceSummary{Source: "/src/a.dll", Framework: "net8.0", Passed: 3, Total: 3, Duration: 42 * time.Millisecond}
	const wantSource = "Passed!  - Failed:     0, Passed:     3, Skipped:     0, Total:     3, Duration: 42 ms - a.dll (net8.0)"
	if got := s.SummaryLine(); got != wantSource {
		t.Errorf("SummaryLine() = %q; want %q", got, wantSource)
	}
}

func TestFormatDuration(t *testing.T) {
	for _, tc := range []struct {
		d    time.Duration
		want string
	}{
		{0, "< 1 ms"},
		{999 * time.Microsecond, "< 1 ms"},
		{250 * time.Millisecond, "250 ms"},
		{12*time.Second + 300*time.Millisecond, "12 s"},
		{65 * time.Second, "1 m 5 s"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2 h 3 m"},
	} {
		if got := FormatDuration(tc.d); got != tc.want {
			t.Errorf("FormatDuration(%v) = %q; want %q", tc.d, got, tc.want)
		}
	}
}
