// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package results defines test results and combines the partial results of
// hosts into the result of a run.
package results

import (
	"sort"
	"time"

	"go.chromium.org/hostrun/internal/protocol"
	"go.chromium.org/hostrun/internal/settings"
)

// Outcome is the terminal state of a test in a run.
type Outcome string

// Outcomes of tests.
const (
	Passed  Outcome = "passed"
	Failed  Outcome = "failed"
	Skipped Outcome = "skipped"
	// Aborted is the outcome of a test that was running when the run was
	// aborted by a timeout.
	Aborted Outcome = "aborted"
)

// Error describes an error encountered while running a test.
type Error struct {
	Time   time.Time `json:"time"`
	Reason string    `json:"reason"`
	Stack  string    `json:"stack,omitempty"`
}

// TestResult is the result of a single test.
type TestResult struct {
	// Test describes the test as discovered by its adapter.
	Test       protocol.TestCase `json:"test"`
	Outcome    Outcome           `json:"outcome"`
	Errors     []Error           `json:"errors,omitempty"`
	SkipReason string            `json:"skipReason,omitempty"`
	// Output holds log lines the test emitted.
	Output   []string      `json:"output,omitempty"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	// HostID names the host that ran the test.
	HostID    string `json:"hostId"`
	Framework string `json:"framework,omitempty"`
	Platform  string `json:"platform,omitempty"`

	Attachments []protocol.AttachmentSet `json:"attachments,omitempty"`
}

// Partial is the result of running a part of the tests of a run, e.g. on
// one host or by one execution pass.
type Partial struct {
	Results        []*TestResult
	RunAttachments []protocol.AttachmentSet
	// NotRun lists tests that were scheduled but never started.
	NotRun []protocol.TestCase
	// AbortReasons explains why the run was aborted. The run is aborted iff
	// it is non-empty.
	AbortReasons []string
	// Diagnostics holds messages about host crashes and other incidents
	// worth reporting at the end of the run.
	Diagnostics []string
}

// Aborted reports whether p aborted the run.
func (p *Partial) Aborted() bool { return len(p.AbortReasons) > 0 }

// Merge appends the contents of o to p. An abort reason already present
// in p is not repeated.
func (p *Partial) Merge(o *Partial) {
	if o == nil {
		return
	}
	p.Results = append(p.Results, o.Results...)
	p.RunAttachments = append(p.RunAttachments, o.RunAttachments...)
	p.NotRun = append(p.NotRun, o.NotRun...)
	p.Diagnostics = append(p.Diagnostics, o.Diagnostics...)
	for _, r := range o.AbortReasons {
		dup := false
		for _, s := range p.AbortReasons {
			if s == r {
				dup = true
				break
			}
		}
		if !dup {
			p.AbortReasons = append(p.AbortReasons, r)
		}
	}
}

// SourceSummary counts the results of one source.
type SourceSummary struct {
	Source    string
	Framework string
	Passed    int
	Failed    int
	Skipped   int
	Aborted   int
	Total     int
	Duration  time.Duration
}

// RunResult is the externally visible result of a run.
type RunResult struct {
	Passed  int
	Failed  int
	Skipped int
	// Total counts all tests that reached a terminal state, aborted ones
	// included.
	Total int
	// NotRun counts tests that never started.
	NotRun int
	// Aborted is set if the run was aborted, e.g. by a timeout or a host
	// crash. AbortReason explains why.
	Aborted     bool
	AbortReason string
	// TreatNoTestsAsError makes ExitCode fail a run without tests.
	TreatNoTestsAsError bool

	Results []*TestResult
	// Attachments are the run-level attachment sets after processing.
	Attachments []protocol.AttachmentSet
	Sources     []*SourceSummary
	Duration    time.Duration
	// DiagnosticsLog holds crash and abort messages of the run.
	DiagnosticsLog []string
}

// Aggregate combines partials into the result of a run. attachments are
// the processed run-level attachment sets; run-level sets in partials are
// assumed to have been handed to the attachment pipeline already.
func Aggregate(partials []*Partial, attachments []protocol.AttachmentSet, cfg *settings.RunConfiguration, duration time.Duration) *RunResult {
	var all Partial
	for _, p := range partials {
		all.Merge(p)
	}

	rr := &RunResult{
		Results:             all.Results,
		Attachments:         attachments,
		Duration:            duration,
		NotRun:              len(all.NotRun),
		Aborted:             all.Aborted(),
		TreatNoTestsAsError: cfg.TreatNoTestsAsError(),
		DiagnosticsLog:      all.Diagnostics,
	}
	if rr.Aborted {
		rr.AbortReason = all.AbortReasons[0]
		rr.DiagnosticsLog = append(rr.DiagnosticsLog, all.AbortReasons...)
	}

	bySource := make(map[string]*SourceSummary)
	for _, r := range all.Results {
		s := bySource[r.Test.Source]
		if s == nil {
			s = &SourceSummary{Source: r.Test.Source, Framework: r.Framework}
			bySource[r.Test.Source] = s
			rr.Sources = append(rr.Sources, s)
		}
		s.Total++
		rr.Total++
		s.Duration += r.Duration
		switch r.Outcome {
		case Passed:
			s.Passed++
			rr.Passed++
		case Failed:
			s.Failed++
			rr.Failed++
		case Skipped:
			s.Skipped++
			rr.Skipped++
		case Aborted:
			s.Aborted++
		}
	}
	sort.SliceStable(rr.Sources, func(i, j int) bool {
		return rr.Sources[i].Source < rr.Sources[j].Source
	})
	return rr
}

// ExitCode returns the process exit code for the run: 0 if no test failed,
// the run was not aborted and either some test ran or a run without tests
// is acceptable; 1 otherwise.
func (r *RunResult) ExitCode() int {
	if r.Failed > 0 || r.Aborted {
		return 1
	}
	if r.Total == 0 && r.TreatNoTestsAsError {
		return 1
	}
	return 0
}
