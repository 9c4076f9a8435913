// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package reporting

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.chromium.org/hostrun/internal/results"
)

// JUnitFileName is the default file name of the junit logger.
const JUnitFileName = "results.xml"

// testSuites is the top level XML element of JUnit result.
type testSuites struct {
	XMLName    xml.Name
	Tests      int          `xml:"tests,attr"`
	Failures   int          `xml:"failures,attr"`
	Skipped    int          `xml:"skipped,attr"`
	Time       string       `xml:"time,attr"`
	TestSuites []*testSuite `xml:"testsuite"`
}

// testSuite holds the results of one source.
type testSuite struct {
	Name      string      `xml:"name,attr"`
	Framework string      `xml:"framework,attr,omitempty"`
	Tests     int         `xml:"tests,attr"`
	Failures  int         `xml:"failures,attr"`
	Skipped   int         `xml:"skipped,attr"`
	TestCase  []*testCase `xml:"testcase"`
}

// testCase is an element in JUnit XML test result.
type testCase struct {
	Name      string `xml:"name,attr"`
	ClassName string `xml:"classname,attr,omitempty"`
	Status    string `xml:"status,attr"`         // run or notrun
	Result    string `xml:"result,attr"`         // more detailed result
	Timestamp string `xml:"timestamp,attr"`      // start time, in ISO8601
	Time      string `xml:"time,attr,omitempty"` // duration, in seconds (with a decimal point)

	Failure   []*failure `xml:"failure,omitempty"`
	Skipped   *skipped   `xml:"skipped,omitempty"`
	SystemOut string     `xml:"system-out,omitempty"`
}

type failure struct {
	Message string `xml:"message,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
	Details string `xml:",cdata"`
}

type skipped struct {
	Message string `xml:"message,attr,omitempty"`
}

// junitLogger writes all results to a JUnit XML file when the run ends.
// The file is replaced as a whole, so a rerun never leaves a mix of two
// documents behind.
type junitLogger struct {
	path string
}

func newJUnitLogger(path string) *junitLogger {
	return &junitLogger{path: path}
}

func (l *junitLogger) TestResult(r *results.TestResult) error { return nil }

func (l *junitLogger) Close(ctx context.Context, run *results.RunResult) error {
	data, err := marshalJUnit(run)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

func marshalJUnit(run *results.RunResult) ([]byte, error) {
	suites := testSuites{
		XMLName: xml.Name{Local: "testsuites"},
		Time:    seconds(run.Duration),
	}
	bySource := make(map[string]*testSuite)
	for _, r := range run.Results {
		suite := bySource[r.Test.Source]
		if suite == nil {
			suite = &testSuite{Name: filepath.Base(r.Test.Source), Framework: r.Framework}
			bySource[r.Test.Source] = suite
			suites.TestSuites = append(suites.TestSuites, suite)
		}
		tc := &testCase{
			Name:      r.Test.FullyQualifiedName,
			ClassName: className(r.Test.FullyQualifiedName),
			Timestamp: r.Start.UTC().Format(time.RFC3339),
			// Decimal point is needed for distinguishing it from nanoseconds notation.
			// e.g. "1.0" for one second.
			Time:      seconds(r.Duration),
			SystemOut: strings.Join(r.Output, "\n"),
		}
		switch r.Outcome {
		case results.Skipped:
			tc.Status = "notrun"
			tc.Result = "skipped"
			tc.Skipped = &skipped{Message: r.SkipReason}
			suite.Skipped++
		case results.Passed:
			tc.Status = "run"
			tc.Result = "completed"
		default:
			tc.Status = "run"
			tc.Result = "completed"
			if r.Outcome == results.Aborted {
				tc.Result = "aborted"
			}
			for _, e := range r.Errors {
				tc.Failure = append(tc.Failure, &failure{Message: e.Reason, Details: e.Stack})
			}
			if len(tc.Failure) == 0 {
				tc.Failure = append(tc.Failure, &failure{Message: string(r.Outcome)})
			}
			suite.Failures++
		}
		suite.Tests++
		suite.TestCase = append(suite.TestCase, tc)
	}
	for _, s := range suites.TestSuites {
		suites.Tests += s.Tests
		suites.Failures += s.Failures
		suites.Skipped += s.Skipped
	}

	data, err := xml.MarshalIndent(suites, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(data, '\n')...), nil
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.1f", d.Seconds())
}

// className returns the part of a fully qualified test name before the
// method name.
func className(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return ""
}
