// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package execution

import (
	"context"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/crash"
	"go.chromium.org/hostrun/internal/hostpool"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/protocol"
	"go.chromium.org/hostrun/internal/results"
	"go.chromium.org/hostrun/internal/settings"
)

// batchRun tracks the tests of one batch while its host runs them.
type batchRun struct {
	e *executor
	h *hostpool.Host
	b *Batch

	byName  map[string]*protocol.TestCase
	ended   map[string]bool
	running map[string]*results.TestResult
	last    string // name of the test started last

	hangTimer clock.Timer
	hangC     <-chan time.Time

	out *results.Partial
}

func newBatchRun(e *executor, h *hostpool.Host, b *Batch) *batchRun {
	byName := make(map[string]*protocol.TestCase, len(b.Tests))
	for _, tc := range b.Tests {
		byName[tc.FullyQualifiedName] = tc
	}
	return &batchRun{
		e:       e,
		h:       h,
		b:       b,
		byName:  byName,
		ended:   make(map[string]bool),
		running: make(map[string]*results.TestResult),
		out:     &results.Partial{},
	}
}

// run sends the run request and processes host messages until the host
// ends the run or is lost.
func (r *batchRun) run(ctx, runCtx context.Context) {
	defer r.stopHangTimer()

	names := make([]string, len(r.b.Tests))
	for i, tc := range r.b.Tests {
		names[i] = tc.FullyQualifiedName
	}
	req := &protocol.RunRequest{
		Time:     r.e.clk.Now(),
		Sources:  []string{r.b.Unit.Source.Path},
		Tests:    names,
		Settings: r.h.Settings(r.e.opts.Settings),
	}
	if err := r.h.Send(req); err != nil {
		logging.Debugf(ctx, "Failed to send run request to host %s: %v", r.h.ID(), err)
	}

	// The pump outlives cancellation of runCtx so that a cancelled host
	// can still report the test it is finishing. It must have exited before
	// run returns, as the host may then be handed to another reader.
	pumpCtx, stopPump := context.WithCancel(context.WithoutCancel(ctx))
	msgs := make(chan protocol.Msg)
	lost := make(chan error, 1)
	pumpDone := make(chan struct{})
	defer func() {
		stopPump()
		<-pumpDone
	}()
	go func() {
		defer close(pumpDone)
		for {
			msg, err := r.h.Next(pumpCtx)
			if err != nil {
				lost <- err
				return
			}
			select {
			case msgs <- msg:
			case <-pumpCtx.Done():
				return
			}
		}
	}()

	cancelled := runCtx.Done()
	var grace <-chan time.Time
	for {
		select {
		case msg := <-msgs:
			if r.handle(ctx, msg) {
				r.finish()
				return
			}
		case err := <-lost:
			var le *hostpool.LostError
			if !errors.As(err, &le) {
				logging.Debugf(ctx, "Lost host %s: %v", r.h.ID(), err)
				r.finish()
				return
			}
			r.lose(ctx, le.Report)
			return
		case <-cancelled:
			cancelled = nil
			cause := runCtx.Err()
			if r.e.sessionErr != nil && cause == r.e.sessionErr {
				logging.Warning(ctx, cause.Error())
				r.stop(ctx, r.e.pool.Kill(ctx, r.h), cause.Error())
				return
			}
			logging.Debugf(ctx, "Asking host %s to stop after its current test", r.h.ID())
			if err := r.h.Send(&protocol.CancelRequest{Time: r.e.clk.Now()}); err != nil {
				logging.Debugf(ctx, "Failed to send cancel request to host %s: %v", r.h.ID(), err)
			}
			t := r.e.clk.NewTimer(r.e.opts.CancelGrace)
			defer t.Stop()
			grace = t.C()
		case <-grace:
			logging.Warningf(ctx, "Host %s did not stop within %v after cancellation; killing it", r.h.ID(), r.e.opts.CancelGrace)
			reason := ""
			if err := runCtx.Err(); err != errFailFast {
				reason = r.e.reasonFor(err)
			}
			r.stop(ctx, r.e.pool.Kill(ctx, r.h), reason)
			return
		case <-r.hangC:
			d := r.e.opts.Config.Blame().TestTimeout
			logging.Warningf(ctx, "The specified inactivity time of %v has elapsed while running %s on host %s. Killing the test host process", d, r.last, r.h.ID())
			reason := fmt.Sprintf("The active test run was aborted because test %s did not finish within the test timeout of %v.", r.last, d)
			r.stop(ctx, r.e.pool.MarkHung(ctx, r.h), reason)
			return
		}
	}
}

// handle processes a message. It returns true once the run ended.
func (r *batchRun) handle(ctx context.Context, msg protocol.Msg) bool {
	switch m := msg.(type) {
	case *protocol.RunStart:
	case *protocol.TestStart:
		r.start(ctx, m)
	case *protocol.TestLog:
		if tr := r.running[m.Name]; tr != nil {
			tr.Output = append(tr.Output, m.Text)
		}
	case *protocol.TestError:
		if tr := r.running[m.Name]; tr != nil {
			tr.Errors = append(tr.Errors, results.Error{Time: m.Time, Reason: m.Error.Reason, Stack: m.Error.Stack})
		}
	case *protocol.TestEnd:
		r.end(ctx, m)
	case *protocol.RunLog:
		logging.Infof(ctx, "[%s] %s", r.h.ID(), m.Text)
	case *protocol.RunError:
		msg := fmt.Sprintf("Host %s failed to run tests: %s", r.h.ID(), m.Error.Reason)
		logging.Warning(ctx, msg)
		r.out.Diagnostics = append(r.out.Diagnostics, msg)
	case *protocol.RunEnd:
		r.out.RunAttachments = append(r.out.RunAttachments, m.Attachments...)
		return true
	default:
		logging.Debugf(ctx, "Ignoring %T from host %s during run", msg, r.h.ID())
	}
	return false
}

func (r *batchRun) newResult(name string, start time.Time) *results.TestResult {
	tc := r.byName[name]
	if tc == nil {
		tc = &protocol.TestCase{FullyQualifiedName: name, Source: r.b.Unit.Source.Path, ExecutorURI: r.b.Unit.Adapter.ExecutorURI}
	}
	key := r.h.Key()
	return &results.TestResult{
		Test:      *tc,
		Start:     start,
		HostID:    r.h.ID(),
		Framework: key.Framework.ShortName(),
		Platform:  key.Platform.String(),
	}
}

func (r *batchRun) start(ctx context.Context, m *protocol.TestStart) {
	r.running[m.Name] = r.newResult(m.Name, m.Time)
	r.last = m.Name
	if r.e.seq != nil {
		if err := r.e.seq.Add(r.h.ID(), m.Name, r.b.Unit.Source.Path, m.Time); err != nil {
			logging.Debugf(ctx, "Failed to write test sequence: %v", err)
		}
	}
	r.startHangTimer()
}

func (r *batchRun) end(ctx context.Context, m *protocol.TestEnd) {
	tr := r.running[m.Name]
	if tr == nil {
		tr = r.newResult(m.Name, m.Time.Add(-m.Duration))
	}
	delete(r.running, m.Name)
	if len(r.running) == 0 {
		r.stopHangTimer()
	}
	r.ended[m.Name] = true

	tr.Duration = m.Duration
	if tr.Duration <= 0 && !tr.Start.IsZero() {
		tr.Duration = m.Time.Sub(tr.Start)
	}
	tr.Attachments = m.Attachments
	switch m.Outcome {
	case protocol.OutcomePassed:
		tr.Outcome = results.Passed
	case protocol.OutcomeSkipped:
		tr.Outcome = results.Skipped
		tr.SkipReason = m.SkipReason
	case protocol.OutcomeNotFound:
		tr.Outcome = results.Failed
		tr.Errors = append(tr.Errors, results.Error{Time: m.Time, Reason: fmt.Sprintf("Test %s was not found in %s", m.Name, r.b.Unit.Source.Path)})
	default:
		tr.Outcome = results.Failed
	}
	if tr.Outcome == results.Passed && len(tr.Errors) > 0 {
		tr.Outcome = results.Failed
	}
	r.record(tr)
}

func (r *batchRun) record(tr *results.TestResult) {
	r.out.Results = append(r.out.Results, tr)
	r.e.emit(tr)
}

// finish reports tests that never started as not run.
func (r *batchRun) finish() {
	now := r.e.clk.Now()
	for _, tr := range r.running {
		tr.Outcome = results.Failed
		tr.Errors = append(tr.Errors, results.Error{Time: now, Reason: "Test did not report its end"})
		tr.Duration = now.Sub(tr.Start)
		r.record(tr)
		r.ended[tr.Test.FullyQualifiedName] = true
	}
	r.running = nil
	for _, tc := range r.b.Tests {
		if !r.ended[tc.FullyQualifiedName] {
			r.out.NotRun = append(r.out.NotRun, *tc)
		}
	}
}

// lose handles a host that crashed or stopped responding on its own.
func (r *batchRun) lose(ctx context.Context, rep *crash.Report) {
	reason := "The active test run was aborted. Reason: " + rep.Message()
	outcome := results.Failed
	if rep.Kind == crash.KindHang {
		outcome = results.Aborted
	}
	r.terminate(ctx, rep, outcome, reason)
}

// stop handles a host that hostrun killed, e.g. on timeout. An empty
// reason does not abort the run.
func (r *batchRun) stop(ctx context.Context, rep *crash.Report, reason string) {
	r.terminate(ctx, rep, results.Aborted, reason)
}

func (r *batchRun) terminate(ctx context.Context, rep *crash.Report, outcome results.Outcome, reason string) {
	r.stopHangTimer()
	now := r.e.clk.Now()
	msg := reason
	if msg == "" {
		msg = "Test was stopped because the run was cancelled"
	}
	if rep.Crashed() && outcome == results.Failed {
		msg = rep.Message()
	}
	for _, tr := range r.running {
		tr.Outcome = outcome
		tr.Errors = append(tr.Errors, results.Error{Time: now, Reason: msg})
		tr.Duration = now.Sub(tr.Start)
		r.record(tr)
		r.ended[tr.Test.FullyQualifiedName] = true
	}
	r.running = nil
	r.finish()

	if reason != "" {
		r.out.AbortReasons = append(r.out.AbortReasons, reason)
	}
	if rep.Crashed() || rep.Kind == crash.KindHang {
		diag := rep.Message()
		if r.last != "" {
			diag += fmt.Sprintf("\nThe last test started on host %s was %s.", r.h.ID(), r.last)
		}
		r.out.Diagnostics = append(r.out.Diagnostics, diag)
	}

	var files []protocol.Attachment
	for _, d := range rep.Dumps {
		files = append(files, protocol.Attachment{Path: d, Description: "Dump of " + r.h.ID()})
	}
	if len(files) > 0 && r.e.seq != nil {
		if p := r.e.seq.Path(r.h.ID()); p != "" {
			files = append(files, protocol.Attachment{Path: p, Description: "Test sequence of " + r.h.ID()})
		}
	}
	if len(files) > 0 {
		r.out.RunAttachments = append(r.out.RunAttachments, protocol.AttachmentSet{
			CollectorURI: settings.BlameURI,
			DisplayName:  "Blame",
			Attachments:  files,
		})
	}
	if rep.DumpErr != nil {
		logging.Warningf(ctx, "Dump collection for host %s failed: %v", r.h.ID(), rep.DumpErr)
	}
}

func (r *batchRun) startHangTimer() {
	d := r.e.opts.Config.Blame().TestTimeout
	if !r.e.opts.Config.Blame().Enabled || d <= 0 {
		return
	}
	r.stopHangTimer()
	r.hangTimer = r.e.clk.NewTimer(d)
	r.hangC = r.hangTimer.C()
}

func (r *batchRun) stopHangTimer() {
	if r.hangTimer != nil {
		r.hangTimer.Stop()
	}
	r.hangTimer = nil
	r.hangC = nil
}
