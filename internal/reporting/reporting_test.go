// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package reporting_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/hostrun/internal/protocol"
	"go.chromium.org/hostrun/internal/reporting"
	"go.chromium.org/hostrun/internal/results"
	"go.chromium.org/hostrun/internal/settings"
	"go.chromium.org/hostrun/testutil"
)

var start = time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)

func result(source, name string, o results.Outcome, errs ...string) *results.TestResult {
	r := &results.TestResult{
		Test:      protocol.TestCase{FullyQualifiedName: name, Source: source},
		Outcome:   o,
		Start:     start,
		Duration:  1500 * time.Millisecond,
		Framework: "net8.0",
	}
	for _, e := range errs {
		r.Errors = append(r.Errors, results.Error{Time: start, Reason: e, Stack: "at " + name})
	}
	if o == results.Skipped {
		r.SkipReason = "ignored"
	}
	return r
}

func runResult(rs ...*results.TestResult) *results.RunResult {
	return results.Aggregate([]*results.Partial{{Results: rs}}, nil, settings.Default().Freeze(), 3*time.Second)
}

func TestResolveLogFilePath(t *testing.T) {
	for _, tc := range []struct {
		name   string
		params map[string]string
		want   string
	}{
		{"default", nil, "/res/results.xml"},
		{"file name", map[string]string{"LogFileName": "out.xml"}, "/res/out.xml"},
		{"absolute file name", map[string]string{"logfilename": "/tmp/out.xml"}, "/tmp/out.xml"},
		{"prefix", map[string]string{"LogFilePrefix": "nightly"}, "/res/nightly_net8.0_20240304050607.xml"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := reporting.ResolveLogFilePath(tc.params, "/res", reporting.JUnitFileName, "net8.0", start)
			if err != nil {
				t.Fatal("ResolveLogFilePath failed: ", err)
			}
			if got != tc.want {
				t.Errorf("ResolveLogFilePath(%v) = %q; want %q", tc.params, got, tc.want)
			}
		})
	}
}

func TestResolveLogFilePathConflict(t *testing.T) {
	params := map[string]string{"LogFileName": "a.xml", "LogFilePrefix": "a"}
	if _, err := reporting.ResolveLogFilePath(params, "/res", reporting.JUnitFileName, "", start); err == nil {
		t.Error("ResolveLogFilePath succeeded with both LogFileName and LogFilePrefix")
	}
}

func TestNewLoggerUnknown(t *testing.T) {
	if _, err := reporting.NewLogger(settings.LoggerSpec{Name: "trx"}, &reporting.Options{}); err == nil {
		t.Error("NewLogger succeeded for an unknown logger")
	}
}

func writeRun(t *testing.T, spec settings.LoggerSpec, opts *reporting.Options, rs ...*results.TestResult) {
	t.Helper()
	l, err := reporting.NewLogger(spec, opts)
	if err != nil {
		t.Fatal("NewLogger failed: ", err)
	}
	for _, r := range rs {
		if err := l.TestResult(r); err != nil {
			t.Fatal("TestResult failed: ", err)
		}
	}
	if err := l.Close(context.Background(), runResult(rs...)); err != nil {
		t.Fatal("Close failed: ", err)
	}
}

type junitDoc struct {
	Tests    int `xml:"tests,attr"`
	Failures int `xml:"failures,attr"`
	Skipped  int `xml:"skipped,attr"`
	Suites   []struct {
		Name  string `xml:"name,attr"`
		Cases []struct {
			Name     string `xml:"name,attr"`
			Status   string `xml:"status,attr"`
			Result   string `xml:"result,attr"`
			Time     string `xml:"time,attr"`
			Failures []struct {
				Message string `xml:"message,attr"`
				Details string `xml:",chardata"`
			} `xml:"failure"`
		} `xml:"testcase"`
	} `xml:"testsuite"`
}

func readJUnit(t *testing.T, path string) *junitDoc {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc junitDoc
	if err := xml.Unmarshal(b, &doc); err != nil {
		t.Fatalf("Malformed JUnit XML: %v\n%s", err, b)
	}
	return &doc
}

func TestJUnitLogger(t *testing.T) {
	td := testutil.TempDir(t)
	spec := settings.LoggerSpec{Name: "junit", Parameters: map[string]string{"LogFileName": "out.xml"}}
	writeRun(t, spec, &reporting.Options{ResultsDir: td},
		result("/src/a.dll", "A.Tests.Pass", results.Passed),
		result("/src/a.dll", "A.Tests.Fail", results.Failed, "assertion failed"),
		result("/src/b.dll", "B.Tests.Skip", results.Skipped),
	)

	doc := readJUnit(t, filepath.Join(td, "out.xml"))
	if doc.Tests != 3 || doc.Failures != 1 || doc.Skipped != 1 {
		t.Errorf("Got tests=%d failures=%d skipped=%d; want 3, 1, 1", doc.Tests, doc.Failures, doc.Skipped)
	}
	if len(doc.Suites) != 2 || doc.Suites[0].Name != "a.dll" || doc.Suites[1].Name != "b.dll" {
		t.Fatalf("Got suites %+v; want a.dll and b.dll", doc.Suites)
	}
	fail := doc.Suites[0].Cases[1]
	if fail.Name != "A.Tests.Fail" || fail.Time != "1.5" || len(fail.Failures) != 1 || fail.Failures[0].Message != "assertion failed" {
		t.Errorf("Failed case = %+v", fail)
	}
	if skip := doc.Suites[1].Cases[0]; skip.Status != "notrun" || skip.Result != "skipped" {
		t.Errorf("Skipped case = %+v; want notrun/skipped", skip)
	}
}

func TestJUnitLoggerOverwritesOnRerun(t *testing.T) {
	td := testutil.TempDir(t)
	spec := settings.LoggerSpec{Name: "junit", Parameters: map[string]string{"LogFileName": "out.xml"}}
	opts := &reporting.Options{ResultsDir: td}

	writeRun(t, spec, opts,
		result("/src/a.dll", "A.One", results.Passed),
		result("/src/a.dll", "A.Two", results.Failed, "x"),
		result("/src/a.dll", "A.Three", results.Passed),
	)
	writeRun(t, spec, opts, result("/src/a.dll", "A.One", results.Passed))

	doc := readJUnit(t, filepath.Join(td, "out.xml"))
	if doc.Tests != 1 || doc.Failures != 0 {
		t.Errorf("Got tests=%d failures=%d after rerun; want 1, 0", doc.Tests, doc.Failures)
	}
	files, err := testutil.ReadFiles(td)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Errorf("Results directory has %d files; want only out.xml", len(files))
	}
}

func TestStreamedLogger(t *testing.T) {
	td := testutil.TempDir(t)
	spec := settings.LoggerSpec{Name: "jsonl"}
	opts := &reporting.Options{ResultsDir: td}
	path := filepath.Join(td, reporting.StreamedResultsFileName)

	writeRun(t, spec, opts, result("/src/a.dll", "A.Old", results.Passed), result("/src/a.dll", "A.Older", results.Passed))
	writeRun(t, spec, opts, result("/src/a.dll", "A.Pass", results.Passed), result("/src/a.dll", "A.Fail", results.Failed, "x"))

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var names []string
	var summary string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line struct {
			Test    protocol.TestCase `json:"test"`
			Summary string            `json:"summary"`
		}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("Malformed line %q: %v", sc.Text(), err)
		}
		if line.Summary != "" {
			summary = line.Summary
			continue
		}
		names = append(names, line.Test.FullyQualifiedName)
	}
	if diff := cmp.Diff(names, []string{"A.Pass", "A.Fail"}); diff != "" {
		t.Errorf("Streamed results mismatch (-got +want):\n%s", diff)
	}
	if !strings.HasPrefix(summary, "Failed! ") {
		t.Errorf("Summary = %q; want a failed run", summary)
	}
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	writeRun(t, settings.LoggerSpec{Name: "console"}, &reporting.Options{Stdout: &buf},
		result("/src/a.dll", "A.Pass", results.Passed),
		result("/src/a.dll", "A.Fail", results.Failed, "assertion failed"),
		result("/src/b.dll", "B.Skip", results.Skipped),
	)
	out := buf.String()
	for _, want := range []string{
		"  Passed  A.Pass [1 s]\n",
		"  Failed  A.Fail [1 s]\n  Error Message:\n   assertion failed\n  Stack Trace:\n   at A.Fail\n",
		"  Skipped B.Skip [1 s]\n    Skip reason: ignored\n",
		"Failed!  - Failed:     1, Passed:     1, Skipped:     0, Total:     2, Duration: 3 s - a.dll (net8.0)\n",
		"Failed!  - Failed:     1, Passed:     1, Skipped:     1, Total:     3, Duration: 3 s\n",
		"b.dll",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Console output does not contain %q:\n%s", want, out)
		}
	}
}

func TestConsoleLoggerMinimal(t *testing.T) {
	var buf bytes.Buffer
	spec := settings.LoggerSpec{Name: "console", Parameters: map[string]string{"Verbosity": "minimal"}}
	writeRun(t, spec, &reporting.Options{Stdout: &buf},
		result("/src/a.dll", "A.Pass", results.Passed),
		result("/src/a.dll", "A.Fail", results.Failed, "assertion failed"),
	)
	out := buf.String()
	if strings.Contains(out, "A.Pass") {
		t.Errorf("Minimal console output lists a passed test:\n%s", out)
	}
	if !strings.Contains(out, "A.Fail") {
		t.Errorf("Minimal console output misses a failed test:\n%s", out)
	}
}
