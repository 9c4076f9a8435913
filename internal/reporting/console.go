// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package reporting

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/results"
)

// Console verbosities, given as the Verbosity parameter.
const (
	verbosityQuiet   = "quiet"
	verbosityMinimal = "minimal"
	verbosityNormal  = "normal"
)

// consoleLogger prints results for humans.
type consoleLogger struct {
	w         io.Writer
	verbosity string
}

func newConsoleLogger(w io.Writer, params map[string]string) (*consoleLogger, error) {
	v, ok := lookupFold(params, "Verbosity")
	if !ok {
		v = verbosityNormal
	}
	v = strings.ToLower(v)
	switch v {
	case verbosityQuiet, verbosityMinimal, verbosityNormal:
	default:
		return nil, errors.Errorf("unknown console verbosity %q", v)
	}
	return &consoleLogger{w: w, verbosity: v}, nil
}

func (l *consoleLogger) TestResult(r *results.TestResult) error {
	if l.verbosity == verbosityQuiet {
		return nil
	}
	failed := r.Outcome == results.Failed || r.Outcome == results.Aborted
	if l.verbosity == verbosityMinimal && !failed {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  %-7s %s [%s]\n", outcomeWord(r.Outcome), displayName(r), results.FormatDuration(r.Duration))
	if r.Outcome == results.Skipped && r.SkipReason != "" {
		fmt.Fprintf(&b, "    Skip reason: %s\n", r.SkipReason)
	}
	if failed {
		for _, e := range r.Errors {
			b.WriteString("  Error Message:\n")
			writeIndented(&b, e.Reason, "   ")
			if e.Stack != "" {
				b.WriteString("  Stack Trace:\n")
				writeIndented(&b, e.Stack, "   ")
			}
		}
		if len(r.Output) > 0 {
			b.WriteString("  Standard Output Messages:\n")
			for _, line := range r.Output {
				writeIndented(&b, line, "   ")
			}
		}
	}
	_, err := io.WriteString(l.w, b.String())
	return err
}

func displayName(r *results.TestResult) string {
	if r.Test.DisplayName != "" {
		return r.Test.DisplayName
	}
	return r.Test.FullyQualifiedName
}

func outcomeWord(o results.Outcome) string {
	switch o {
	case results.Passed:
		return "Passed"
	case results.Skipped:
		return "Skipped"
	case results.Aborted:
		return "Aborted"
	default:
		return "Failed"
	}
}

func writeIndented(b *strings.Builder, s, indent string) {
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		b.WriteString(indent)
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

func (l *consoleLogger) Close(ctx context.Context, run *results.RunResult) error {
	var b strings.Builder
	b.WriteByte('\n')
	if len(run.Sources) > 1 && l.verbosity != verbosityQuiet {
		b.WriteString(sourceTable(run))
		b.WriteByte('\n')
	}
	if len(run.Attachments) > 0 && l.verbosity != verbosityQuiet {
		b.WriteString("Attachments:\n")
		for _, set := range run.Attachments {
			for _, a := range set.Attachments {
				fmt.Fprintf(&b, "  %s\n", a.Path)
			}
		}
		b.WriteByte('\n')
	}
	for _, d := range run.DiagnosticsLog {
		b.WriteString(d)
		b.WriteByte('\n')
	}
	if run.Total == 0 && run.NotRun == 0 {
		b.WriteString("No test is available.\n")
	}
	if l.verbosity != verbosityQuiet {
		for _, s := range run.Sources {
			b.WriteString(s.SummaryLine())
			b.WriteByte('\n')
		}
	}
	b.WriteString(run.SummaryLine())
	b.WriteByte('\n')
	_, err := io.WriteString(l.w, b.String())
	return err
}

// sourceTable renders per-source counts as a table.
func sourceTable(run *results.RunResult) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Source", "Framework", "Passed", "Failed", "Skipped", "Total", "Duration"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Source", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Total", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
	})
	for _, s := range run.Sources {
		t.AppendRow(table.Row{filepath.Base(s.Source), s.Framework, s.Passed, s.Failed, s.Skipped, s.Total, results.FormatDuration(s.Duration)})
	}
	t.AppendFooter(table.Row{"Total", "", run.Passed, run.Failed, run.Skipped, run.Total, results.FormatDuration(run.Duration)})
	t.SetStyle(table.StyleLight)
	return t.Render()
}
