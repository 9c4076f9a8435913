// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package reporting

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"go.chromium.org/hostrun/internal/results"
)

// StreamedResultsFileName is the default file name of the jsonl logger.
const StreamedResultsFileName = "streamed_results.jsonl"

// streamedSummary is the last line of a streamed results file.
type streamedSummary struct {
	Summary string `json:"summary"`
	Passed  int    `json:"passed"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
	Total   int    `json:"total"`
	NotRun  int    `json:"notRun"`
	Aborted bool   `json:"aborted"`
}

// streamedLogger writes each result as a JSON line as soon as it is known,
// so that results survive a crash of hostrun itself. An existing file is
// truncated.
type streamedLogger struct {
	f   *os.File
	enc *json.Encoder
}

func newStreamedLogger(path string) (*streamedLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &streamedLogger{f: f, enc: json.NewEncoder(f)}, nil
}

func (l *streamedLogger) TestResult(r *results.TestResult) error {
	return l.enc.Encode(r)
}

func (l *streamedLogger) Close(ctx context.Context, run *results.RunResult) error {
	err := l.enc.Encode(&streamedSummary{
		Summary: run.SummaryLine(),
		Passed:  run.Passed,
		Failed:  run.Failed,
		Skipped: run.Skipped,
		Total:   run.Total,
		NotRun:  run.NotRun,
		Aborted: run.Aborted,
	})
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}
