// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package engine runs, lists and post-processes tests by wiring sources,
// adapters, hosts, discovery, execution, attachments and reporting
// together.
package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/adapters"
	"go.chromium.org/hostrun/internal/attachments"
	"go.chromium.org/hostrun/internal/crash"
	"go.chromium.org/hostrun/internal/discovery"
	"go.chromium.org/hostrun/internal/execution"
	"go.chromium.org/hostrun/internal/filter"
	"go.chromium.org/hostrun/internal/genericexec"
	"go.chromium.org/hostrun/internal/hostpool"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/metrics"
	"go.chromium.org/hostrun/internal/protocol"
	"go.chromium.org/hostrun/internal/reporting"
	"go.chromium.org/hostrun/internal/results"
	"go.chromium.org/hostrun/internal/settings"
	"go.chromium.org/hostrun/internal/sources"
	"go.chromium.org/hostrun/internal/xcontext"
)

// Options configures Run and Discover.
type Options struct {
	// Sources are the paths of test sources, in the order given by the
	// user.
	Sources []string
	Config  *settings.RunConfiguration
	// SessionID, if set, saves the processed attachments of the run so
	// that MergeAttachments can combine them with other runs of the
	// session.
	SessionID string
	// FailFast, if positive, stops the run after that many failed tests.
	FailFast int
	// Loggers receive results in addition to the loggers of Config. A
	// console logger writing to Stdout is added unless Config names one.
	Loggers []reporting.Logger
	Stdout  io.Writer
	// MetricsFile, if set, receives the metrics of the run.
	MetricsFile string
	// DumpTool takes hang dumps; see crash.Config.
	DumpTool genericexec.Cmd

	// Host timeouts; zero values use the defaults of hostpool.
	HandshakeTimeout time.Duration
	MessageTimeout   time.Duration
	CancelGrace      time.Duration

	Clock clock.Clock
}

// runner holds what Run and Discover share.
type runner struct {
	opts  Options
	cfg   *settings.RunConfiguration
	clk   clock.Clock
	runID string
	rec   *metrics.Recorder
	reg   *adapters.Registry
	units []*discovery.Unit
	flt   *filter.Filter
}

func newRunner(ctx context.Context, opts *Options) (*runner, error) {
	r := &runner{opts: *opts, cfg: opts.Config, clk: opts.Clock, runID: uuid.NewString()}
	if r.cfg == nil {
		r.cfg = settings.Default().Freeze()
	}
	if r.clk == nil {
		r.clk = clock.NewClock()
	}
	r.rec = metrics.NewRecorder(r.runID)

	srcs, err := sources.Resolve(ctx, opts.Sources)
	if err != nil {
		return nil, err
	}
	r.rec.RecordSources("resolved", len(srcs))
	if w := sources.CheckCompatibility(srcs, r.cfg); w != "" {
		logging.Warning(ctx, w)
	}

	r.reg, err = adapters.LoadRegistry(ctx, adapters.SearchDirs(r.cfg))
	if err != nil {
		return nil, err
	}
	found, err := r.reg.FindAdapters(ctx, srcs)
	if err != nil {
		return nil, err
	}
	for _, src := range srcs {
		as, ok := found[src]
		if !ok {
			continue
		}
		if len(as) > 1 {
			logging.Debugf(ctx, "Using adapter %s for %s; %d adapters can handle it", as[0].Name, src.Path, len(as))
		}
		r.units = append(r.units, &discovery.Unit{Source: src, Adapter: as[0]})
	}
	r.rec.RecordSources("runnable", len(r.units))

	if expr := r.cfg.TestCaseFilter(); expr != "" {
		if r.flt, err = filter.Parse(expr); err != nil {
			return nil, errors.Wrapf(err, "invalid test case filter %q", expr)
		}
	}
	return r, nil
}

func (r *runner) newPool(ctx context.Context, mon *crash.Monitor) *hostpool.Pool {
	maxHosts := r.cfg.MaxCpuCount()
	if maxHosts < 0 {
		maxHosts = 0
	}
	return hostpool.New(ctx, &hostpool.Config{
		MaxHosts:         maxHosts,
		Env:              r.cfg.EnvironmentVariables(),
		ApartmentState:   r.cfg.ApartmentState(),
		DisableSharing:   r.cfg.Parallel(),
		HandshakeTimeout: r.opts.HandshakeTimeout,
		MessageTimeout:   r.opts.MessageTimeout,
		Clock:            r.clk,
		Monitor:          mon,
		Metrics:          r.rec,
	})
}

// hostSettings returns the settings sent to every host.
func (r *runner) hostSettings(ctx context.Context) protocol.Settings {
	s := protocol.Settings{
		DisableAppDomain: r.cfg.DisableAppDomain(),
		ResultsDirectory: r.cfg.ResultsDirectory(),
		Parameters:       r.cfg.TestRunParameters(),
	}
	for _, d := range r.cfg.EnabledDataCollectors() {
		s.Collectors = append(s.Collectors, protocol.Collector{FriendlyName: d.FriendlyName, URI: d.URI, Configuration: d.Configuration})
	}
	xml, err := r.cfg.RunSettingsXML()
	if err != nil {
		logging.Debugf(ctx, "Failed to render run settings: %v", err)
	}
	s.RunSettingsXML = xml
	return s
}

// framework returns the short name of the framework tests run with, for
// log file names.
func (r *runner) framework() string {
	if fw := r.cfg.TargetFramework(); !fw.IsZero() {
		return fw.ShortName()
	}
	if len(r.units) > 0 {
		fw, _ := sources.Target(r.units[0].Source, r.cfg)
		return fw.ShortName()
	}
	return ""
}

// discoveryContext bounds discovery by the session timeout, which
// execution enforces on its own.
func (r *runner) discoveryContext(ctx context.Context) (context.Context, xcontext.CancelFunc) {
	if d := r.cfg.TestSessionTimeout(); d > 0 {
		return xcontext.WithTimeout(ctx, r.clk, d, errors.New(execution.TimeoutReason(d)))
	}
	return xcontext.WithCancel(ctx)
}

// Run discovers and runs tests per opts and returns the result of the run.
// Test failures are reported in the result, not as an error; errors mean
// the run could not be performed.
func Run(ctx context.Context, opts *Options) (*results.RunResult, error) {
	r, err := newRunner(ctx, opts)
	if err != nil {
		return nil, err
	}
	start := r.clk.Now()
	resDir := r.cfg.ResultsDirectory()
	runDir := filepath.Join(resDir, r.runID)
	if err := os.MkdirAll(resDir, 0755); err != nil {
		return nil, err
	}
	logging.Debugf(ctx, "Run %s: %d source(s), results in %s", r.runID, len(r.units), resDir)

	logger, err := r.newLoggers(start)
	if err != nil {
		return nil, err
	}

	var collectors []*adapters.Collector
	for _, d := range r.cfg.EnabledDataCollectors() {
		key := d.URI
		if key == "" {
			key = d.FriendlyName
		}
		if c, ok := r.reg.Collector(key); ok {
			collectors = append(collectors, c)
		}
	}
	pipeline := attachments.NewPipeline(ctx, attachments.FromCollectors(collectors), runDir)
	pipeline.SetMetrics(r.rec)

	mon := crash.NewMonitor(&crash.Config{
		Blame:    r.cfg.Blame(),
		DumpDir:  runDir,
		DumpTool: r.opts.DumpTool,
		Clock:    r.clk,
	})
	pool := r.newPool(ctx, mon)
	defer pool.Close(ctx)

	hs := r.hostSettings(ctx)
	dctx, cancel := r.discoveryContext(ctx)
	defer cancel(context.Canceled)
	stream := discovery.Discover(dctx, pool, r.units, &discovery.Options{
		Config:   r.cfg,
		Filter:   r.flt,
		Settings: hs,
		Keep:     !r.cfg.InIsolation(),
		Isolate:  r.cfg.InIsolation(),
		Clock:    r.clk,
	})

	batches := make(chan *execution.Batch)
	discovered := &results.Partial{}
	go func() {
		defer close(batches)
		defer stream.Close(ctx)
		for {
			ev, err := stream.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				logging.Debugf(ctx, "Discovery stopped: %v", err)
				if derr := dctx.Err(); derr != nil {
					reason := execution.CanceledReason
					if ctx.Err() == nil {
						reason = derr.Error()
					}
					discovered.AbortReasons = append(discovered.AbortReasons, reason)
				}
				return
			}
			d := ev.Done
			if d == nil {
				continue
			}
			if d.Err != nil {
				discovered.Diagnostics = append(discovered.Diagnostics, "Failed to discover tests in "+d.Unit.Source.Path+": "+d.Err.Error())
				if reason := hostLostReason(d.Err); reason != "" {
					discovered.AbortReasons = append(discovered.AbortReasons, reason)
				}
			}
			if len(d.Tests) == 0 {
				if d.Host != nil {
					pool.Release(ctx, d.Host)
				}
				continue
			}
			batches <- &execution.Batch{Unit: d.Unit, Tests: d.Tests, Host: d.Host}
		}
	}()

	executed, err := execution.Execute(ctx, pool, batches, &execution.Options{
		Config:      r.cfg,
		Settings:    hs,
		CancelGrace: r.opts.CancelGrace,
		FailFast:    r.opts.FailFast,
		SequenceDir: sequenceDir(r.cfg, runDir),
		Isolate:     r.cfg.InIsolation(),
		OnResult: func(res *results.TestResult) {
			if err := logger.TestResult(res); err != nil {
				logging.Warningf(ctx, "Failed to report %s: %v", res.Test.FullyQualifiedName, err)
			}
			pipeline.Add(ctx, res.Attachments...)
		},
		Clock:   r.clk,
		Metrics: r.rec,
	})
	if err != nil {
		return nil, err
	}

	sets := pipeline.Collect(ctx, executed.RunAttachments...)
	if r.opts.SessionID != "" {
		path, err := attachments.SaveSession(resDir, r.opts.SessionID, r.runID, sets)
		if err != nil {
			logging.Warningf(ctx, "Failed to save attachments of session %s: %v", r.opts.SessionID, err)
		} else {
			logging.Debugf(ctx, "Saved attachments of session %s to %s", r.opts.SessionID, path)
		}
	}

	pool.Close(ctx)
	st := pool.Stats()
	logging.Debugf(ctx, "Hosts: %d started, %d crashed, %d hung, at most %d at once", st.Started, st.Crashed, st.Hung, st.Peak)

	duration := r.clk.Since(start)
	run := results.Aggregate([]*results.Partial{discovered, executed}, sets, r.cfg, duration)
	r.rec.RecordRunDuration(duration)
	if err := logger.Close(ctx, run); err != nil {
		logging.Warningf(ctx, "Failed to write results: %v", err)
	}
	if r.opts.MetricsFile != "" {
		if err := r.rec.WriteFile(r.opts.MetricsFile); err != nil {
			logging.Warningf(ctx, "Failed to write metrics: %v", err)
		}
	}
	return run, nil
}

// hostLostReason returns the abort reason for err if it reports a host
// that crashed or failed to start, or "" otherwise.
func hostLostReason(err error) string {
	var le *hostpool.LostError
	if errors.As(err, &le) && le.Report != nil {
		return "The active test run was aborted. Reason: " + le.Report.Message()
	}
	var se *hostpool.StartError
	if errors.As(err, &se) && se.Report != nil {
		return "The active test run was aborted. Reason: " + se.Report.Message()
	}
	return ""
}

// sequenceDir returns where test sequence files go, or "" if blame is off.
func sequenceDir(cfg *settings.RunConfiguration, runDir string) string {
	if !cfg.Blame().Enabled {
		return ""
	}
	return runDir
}

func (r *runner) newLoggers(start time.Time) (reporting.MultiLogger, error) {
	ropts := &reporting.Options{
		ResultsDir: r.cfg.ResultsDirectory(),
		Framework:  r.framework(),
		Start:      start,
		Stdout:     r.opts.Stdout,
	}
	var ls reporting.MultiLogger
	console := false
	for _, spec := range r.cfg.Loggers() {
		l, err := reporting.NewLogger(spec, ropts)
		if err != nil {
			return nil, err
		}
		if spec.Name == "console" {
			console = true
		}
		ls = append(ls, l)
	}
	if !console {
		l, err := reporting.NewLogger(settings.LoggerSpec{Name: "console"}, ropts)
		if err != nil {
			return nil, err
		}
		ls = append(ls, l)
	}
	return append(ls, r.opts.Loggers...), nil
}

// Discover lists the tests of opts.Sources that match the test case filter,
// in the order of the sources.
func Discover(ctx context.Context, opts *Options) ([]*protocol.TestCase, error) {
	r, err := newRunner(ctx, opts)
	if err != nil {
		return nil, err
	}
	pool := r.newPool(ctx, nil)
	defer pool.Close(ctx)

	dctx, cancel := r.discoveryContext(ctx)
	defer cancel(context.Canceled)
	stream := discovery.Discover(dctx, pool, r.units, &discovery.Options{
		Config:   r.cfg,
		Filter:   r.flt,
		Settings: r.hostSettings(ctx),
		Isolate:  r.cfg.InIsolation(),
		Clock:    r.clk,
	})
	defer stream.Close(ctx)

	byUnit := make(map[*discovery.Unit][]*protocol.TestCase)
	for {
		ev, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if ev.Done != nil {
			byUnit[ev.Done.Unit] = ev.Done.Tests
		}
	}
	var tests []*protocol.TestCase
	for _, u := range r.units {
		tests = append(tests, byUnit[u]...)
	}
	return tests, nil
}

// MergeOptions configures MergeAttachments.
type MergeOptions struct {
	SessionID string
	// Config supplies the results directory and the adapter paths where
	// attachment processors are declared.
	Config *settings.RunConfiguration
}

// MergeAttachments processes together the attachments saved by all runs of
// a session and returns the merged attachment sets.
func MergeAttachments(ctx context.Context, opts *MergeOptions) ([]protocol.AttachmentSet, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = settings.Default().Freeze()
	}
	reg, err := adapters.LoadRegistry(ctx, adapters.SearchDirs(cfg))
	if err != nil {
		return nil, err
	}
	resDir := cfg.ResultsDirectory()
	out := filepath.Join(attachments.SessionDir(resDir, opts.SessionID), "merged")
	p := attachments.NewPipeline(ctx, attachments.FromCollectors(reg.Collectors()), out)
	return attachments.MergeSession(ctx, p, resDir, opts.SessionID)
}
