// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/hostrun/internal/protocol"
)

// Reporter reports test progress to hostrun. It is safe for concurrent use.
type Reporter struct {
	mw  *protocol.MessageWriter
	clk clock.Clock

	mu      sync.Mutex
	starts  map[string]time.Time
	done    map[string]bool
	runSets []protocol.AttachmentSet
}

func newReporter(mw *protocol.MessageWriter, clk clock.Clock) *Reporter {
	return &Reporter{mw: mw, clk: clk, starts: make(map[string]time.Time), done: make(map[string]bool)}
}

// Start reports that the test name started.
func (r *Reporter) Start(name string) error {
	now := r.clk.Now()
	r.mu.Lock()
	r.starts[name] = now
	r.mu.Unlock()
	return r.mw.WriteMessage(&protocol.TestStart{Time: now, Name: name})
}

// Log reports a log line of a running test.
func (r *Reporter) Log(name, text string) error {
	return r.mw.WriteMessage(&protocol.TestLog{Time: r.clk.Now(), Name: name, Text: text})
}

// Error reports an error of a running test. The test fails.
func (r *Reporter) Error(name string, err error) error {
	return r.mw.WriteMessage(&protocol.TestError{Time: r.clk.Now(), Name: name, Error: protocol.Error{Reason: err.Error()}})
}

// End reports that the test name finished. The duration is measured from
// the matching Start call.
func (r *Reporter) End(name string, outcome protocol.Outcome, skipReason string, sets ...protocol.AttachmentSet) error {
	now := r.clk.Now()
	r.mu.Lock()
	var d time.Duration
	if st, ok := r.starts[name]; ok {
		d = now.Sub(st)
	}
	r.done[name] = true
	r.mu.Unlock()
	return r.mw.WriteMessage(&protocol.TestEnd{
		Time:        now,
		Name:        name,
		Outcome:     outcome,
		SkipReason:  skipReason,
		Duration:    d,
		Attachments: sets,
	})
}

// AddRunAttachments adds attachments not tied to a single test. They are
// reported when the run request finishes.
func (r *Reporter) AddRunAttachments(sets ...protocol.AttachmentSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runSets = append(r.runSets, sets...)
}

func (r *Reporter) ended(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done[name]
}

func (r *Reporter) runAttachments() []protocol.AttachmentSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.AttachmentSet(nil), r.runSets...)
}
