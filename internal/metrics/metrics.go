// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package metrics records run metrics and exports them in the Prometheus
// text exposition format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.chromium.org/hostrun/errors"
)

// Namespace prefixes all metric names.
const Namespace = "hostrun"

// Recorder holds the metrics of one run. All methods are safe for concurrent
// use, and a nil *Recorder discards everything.
type Recorder struct {
	reg *prometheus.Registry

	tests        *prometheus.CounterVec
	hostsStarted *prometheus.CounterVec
	hostCrashes  *prometheus.CounterVec
	hostHangs    prometheus.Counter
	dumps        prometheus.Counter
	sources      *prometheus.GaugeVec
	runDuration  prometheus.Gauge
	processorErr *prometheus.CounterVec
}

// NewRecorder returns a Recorder with its own registry, labeled with runID.
func NewRecorder(runID string) *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"run_id": runID}, reg))
	return &Recorder{
		reg: reg,
		tests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tests_total",
			Help:      "Number of tests by outcome",
		}, []string{"outcome"}),
		hostsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "hosts_started_total",
			Help:      "Number of host processes started",
		}, []string{"framework", "platform"}),
		hostCrashes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "host_crashes_total",
			Help:      "Number of host processes that exited abnormally",
		}, []string{"kind"}),
		hostHangs: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "host_hangs_total",
			Help:      "Number of host processes killed as hung",
		}),
		dumps: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "dumps_collected_total",
			Help:      "Number of crash and hang dumps collected",
		}),
		sources: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "sources",
			Help:      "Number of test sources by state",
		}, []string{"state"}),
		runDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of the run",
		}),
		processorErr: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "attachment_processor_errors_total",
			Help:      "Number of attachment processor failures",
		}, []string{"uri"}),
	}
}

// RecordTest counts a test with outcome.
func (r *Recorder) RecordTest(outcome string) {
	if r == nil {
		return
	}
	r.tests.WithLabelValues(outcome).Inc()
}

// RecordHostStarted counts a started host.
func (r *Recorder) RecordHostStarted(framework, platform string) {
	if r == nil {
		return
	}
	r.hostsStarted.WithLabelValues(framework, platform).Inc()
}

// RecordHostCrash counts a host crash of kind.
func (r *Recorder) RecordHostCrash(kind string) {
	if r == nil {
		return
	}
	r.hostCrashes.WithLabelValues(kind).Inc()
}

// RecordHostHang counts a hung host.
func (r *Recorder) RecordHostHang() {
	if r == nil {
		return
	}
	r.hostHangs.Inc()
}

// RecordDumps counts n collected dumps.
func (r *Recorder) RecordDumps(n int) {
	if r == nil {
		return
	}
	r.dumps.Add(float64(n))
}

// RecordSources sets the number of sources in state, e.g. "runnable" or
// "skipped".
func (r *Recorder) RecordSources(state string, n int) {
	if r == nil {
		return
	}
	r.sources.WithLabelValues(state).Set(float64(n))
}

// RecordRunDuration sets the run duration.
func (r *Recorder) RecordRunDuration(d time.Duration) {
	if r == nil {
		return
	}
	r.runDuration.Set(d.Seconds())
}

// RecordProcessorError counts a failure of the attachment processor for uri.
func (r *Recorder) RecordProcessorError(uri string) {
	if r == nil {
		return
	}
	r.processorErr.WithLabelValues(uri).Inc()
}

// Gatherer returns the registry holding r's metrics.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.reg
}

// WriteFile writes all metrics to path in the text exposition format.
func (r *Recorder) WriteFile(path string) error {
	if r == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return errors.Wrapf(err, "failed to write metrics to %s", path)
	}
	return nil
}
