// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package execution runs discovered tests on hosts and turns host messages,
// crashes and timeouts into test results.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/sync/errgroup"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/discovery"
	"go.chromium.org/hostrun/internal/hostpool"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/metrics"
	"go.chromium.org/hostrun/internal/protocol"
	"go.chromium.org/hostrun/internal/results"
	"go.chromium.org/hostrun/internal/settings"
	"go.chromium.org/hostrun/internal/sources"
	"go.chromium.org/hostrun/internal/xcontext"
)

// DefaultCancelGrace is how long a host may take to finish its current test
// after cancellation before it is killed.
const DefaultCancelGrace = 5 * time.Second

// CanceledReason is the abort reason of a run cancelled by the user.
const CanceledReason = "Test run canceled."

// Batch is a list of tests of one unit to run in order on one host.
type Batch struct {
	Unit  *discovery.Unit
	Tests []*protocol.TestCase
	// Host, if set, is a host obtained from discovery. Execute takes over
	// its ownership. Otherwise a host is acquired from the pool.
	Host *hostpool.Host
}

// Options configures Execute.
type Options struct {
	Config *settings.RunConfiguration
	// Settings is sent to hosts; framework, platform and apartment state
	// are filled in per host.
	Settings protocol.Settings
	// Parallelism bounds the number of batches running at once. 0 means
	// the size of the pool.
	Parallelism int
	// CancelGrace defaults to DefaultCancelGrace.
	CancelGrace time.Duration
	// FailFast, if positive, stops the run after that many failed tests.
	FailFast int
	// SequenceDir, if set, receives one file per host listing the tests in
	// the order they started.
	SequenceDir string
	// Isolate stops each host after its batch instead of returning shared
	// hosts to the pool.
	Isolate bool
	// OnResult is called with each result as soon as it is known. Calls
	// are serialized.
	OnResult func(r *results.TestResult)
	Clock    clock.Clock
	Metrics  *metrics.Recorder
}

// errFailFast cancels the run once enough tests failed. It does not abort
// the run.
var errFailFast = errors.New("too many test failures")

// TimeoutReason returns the abort reason of a run exceeding a session
// timeout of d.
func TimeoutReason(d time.Duration) string {
	return fmt.Sprintf("Aborting test run: test run timeout of %d milliseconds exceeded.", d.Milliseconds())
}

type executor struct {
	pool *hostpool.Pool
	opts Options
	clk  clock.Clock
	seq  *sequenceLog

	sessionErr error // nil if no session timeout
	cancelRun  xcontext.CancelFunc

	mu       sync.Mutex
	partial  results.Partial
	failures int
}

// Execute runs batches received from batches until it is closed and
// returns the combined results. Execute drains batches even after the run
// was cancelled, reporting their tests as not run.
//
// The session timeout of the configuration bounds the whole call. When it
// expires, hosts are killed, running tests become Aborted and the run is
// aborted. When ctx is cancelled, hosts are asked to stop after their
// current test and killed after the cancel grace period.
func Execute(ctx context.Context, pool *hostpool.Pool, batches <-chan *Batch, opts *Options) (*results.Partial, error) {
	e := &executor{pool: pool, opts: *opts}
	if e.opts.Parallelism <= 0 {
		e.opts.Parallelism = pool.MaxHosts()
	}
	if e.opts.CancelGrace <= 0 {
		e.opts.CancelGrace = DefaultCancelGrace
	}
	e.clk = e.opts.Clock
	if e.clk == nil {
		e.clk = clock.NewClock()
	}
	if e.opts.SequenceDir != "" {
		seq, err := newSequenceLog(e.opts.SequenceDir)
		if err != nil {
			drain(ctx, pool, batches)
			return nil, err
		}
		e.seq = seq
		defer seq.Close()
	}

	runCtx := ctx
	if d := e.opts.Config.TestSessionTimeout(); d > 0 {
		e.sessionErr = errors.New(TimeoutReason(d))
		var cancel xcontext.CancelFunc
		runCtx, cancel = xcontext.WithTimeout(runCtx, e.clk, d, e.sessionErr)
		defer cancel(context.Canceled)
	}
	runCtx, e.cancelRun = xcontext.WithCancel(runCtx)
	defer e.cancelRun(context.Canceled)

	var g errgroup.Group
	g.SetLimit(e.opts.Parallelism)
	for b := range batches {
		b := b
		if runCtx.Err() != nil {
			e.merge(e.skipBatch(ctx, b))
			continue
		}
		g.Go(func() error {
			e.merge(e.runBatch(ctx, runCtx, b))
			return nil
		})
	}
	g.Wait()

	if err := runCtx.Err(); err != nil && err != errFailFast && e.unfinished() {
		e.abort(e.reasonFor(err))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.partial
	return &p, nil
}

// unfinished reports whether some test was aborted or not run.
func (e *executor) unfinished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.partial.NotRun) > 0 {
		return true
	}
	for _, r := range e.partial.Results {
		if r.Outcome == results.Aborted {
			return true
		}
	}
	return false
}

// drain consumes batches without running them.
func drain(ctx context.Context, pool *hostpool.Pool, batches <-chan *Batch) {
	for b := range batches {
		if b.Host != nil {
			pool.Release(ctx, b.Host)
		}
	}
}

func (e *executor) reasonFor(err error) string {
	if e.sessionErr != nil && err == e.sessionErr {
		return e.sessionErr.Error()
	}
	return CanceledReason
}

func (e *executor) merge(p *results.Partial) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.partial.Merge(p)
}

func (e *executor) abort(reason string) {
	e.merge(&results.Partial{AbortReasons: []string{reason}})
}

// emit reports a finished test.
func (e *executor) emit(r *results.TestResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.opts.OnResult != nil {
		e.opts.OnResult(r)
	}
	e.opts.Metrics.RecordTest(string(r.Outcome))
	if r.Outcome == results.Failed {
		e.failures++
		if e.opts.FailFast > 0 && e.failures == e.opts.FailFast {
			go e.cancelRun(errFailFast)
		}
	}
}

// skipBatch reports all tests of b as not run.
func (e *executor) skipBatch(ctx context.Context, b *Batch) *results.Partial {
	if b.Host != nil {
		e.pool.Release(ctx, b.Host)
	}
	p := &results.Partial{}
	for _, tc := range b.Tests {
		p.NotRun = append(p.NotRun, *tc)
	}
	return p
}

func (e *executor) runBatch(ctx, runCtx context.Context, b *Batch) *results.Partial {
	h := b.Host
	if h == nil {
		fw, pl := sources.Target(b.Unit.Source, e.opts.Config)
		var err error
		h, err = e.pool.Acquire(runCtx, b.Unit.Adapter, fw, pl)
		if err != nil {
			if runCtx.Err() != nil {
				return e.skipBatch(ctx, b)
			}
			return e.failBatch(b, fw, err)
		}
	}
	defer func() {
		if e.opts.Isolate {
			e.pool.Retire(ctx, h)
		} else {
			e.pool.Release(ctx, h)
		}
	}()

	logging.Debugf(ctx, "Running %d test(s) of %s on host %s", len(b.Tests), b.Unit.Source.Path, h.ID())
	r := newBatchRun(e, h, b)
	r.run(ctx, runCtx)
	return r.out
}

// failBatch reports all tests of b as failed because no host could be
// started for them.
func (e *executor) failBatch(b *Batch, fw settings.Framework, err error) *results.Partial {
	msg := err.Error()
	var se *hostpool.StartError
	if errors.As(err, &se) && se.Report != nil {
		msg = se.Report.Message()
	}
	p := &results.Partial{Diagnostics: []string{err.Error()}}
	now := e.clk.Now()
	for _, tc := range b.Tests {
		r := &results.TestResult{
			Test:      *tc,
			Outcome:   results.Failed,
			Errors:    []results.Error{{Time: now, Reason: msg}},
			Start:     now,
			Framework: fw.ShortName(),
		}
		e.emit(r)
		p.Results = append(p.Results, r)
	}
	return p
}
