// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package results

import (
	"fmt"
	"path/filepath"
	"time"
)

// Status returns the status word of the run summary.
func (r *RunResult) Status() string {
	switch {
	case r.Aborted:
		return "Aborted!"
	case r.ExitCode() != 0:
		return "Failed!"
	default:
		return "Passed!"
	}
}

// SummaryLine returns the one-line summary of the run, e.g.
//
//	Failed!  - Failed:     2, Passed:     2, Skipped:     2, Total:     6, Duration: 1 s
//
// Downstream tools parse this line; its format must not change.
func (r *RunResult) SummaryLine() string {
	return summaryLine(r.Status(), r.Failed, r.Passed, r.Skipped, r.Total, r.Duration)
}

// SummaryLine returns the summary line of one source, which is the run
// summary line followed by the source file name and its framework.
func (s *SourceSummary) SummaryLine() string {
	status := "Passed!"
	if s.Failed > 0 || s.Aborted > 0 {
		status = "Failed!"
	}
	line := summaryLine(status, s.Failed, s.Passed, s.Skipped, s.Total, s.Duration) + " - " + filepath.Base(s.Source)
	if s.Framework != "" {
		line += " (" + s.Framework + ")"
	}
	return line
}

func summaryLine(status string, failed, passed, skipped, total int, d time.Duration) string {
	return fmt.Sprintf("%-8s - Failed: %5d, Passed: %5d, Skipped: %5d, Total: %5d, Duration: %s",
		status, failed, passed, skipped, total, FormatDuration(d))
}

// FormatDuration formats d with the two most significant units, e.g.
// "1 m 5 s" or "250 ms".
func FormatDuration(d time.Duration) string {
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	ms := int(d % time.Second / time.Millisecond)
	switch {
	case h > 0:
		return fmt.Sprintf("%d h %d m", h, m)
	case m > 0:
		return fmt.Sprintf("%d m %d s", m, s)
	case s > 0:
		return fmt.Sprintf("%d s", s)
	case ms > 0:
		return fmt.Sprintf("%d ms", ms)
	default:
		return "< 1 ms"
	}
}
