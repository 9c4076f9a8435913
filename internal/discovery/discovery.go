// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package discovery finds the tests of sources by asking hosts to discover
// them.
package discovery

import (
	"context"
	"io"
	"strings"
	"sync/atomic"

	"code.cloudfoundry.org/clock"
	"golang.org/x/sync/errgroup"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/adapters"
	"go.chromium.org/hostrun/internal/filter"
	"go.chromium.org/hostrun/internal/hostpool"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/protocol"
	"go.chromium.org/hostrun/internal/settings"
	"go.chromium.org/hostrun/internal/sources"
)

// Unit is a source together with the adapter that handles it.
type Unit struct {
	Source  *sources.Source
	Adapter *adapters.Adapter
}

// Options configures Discover.
type Options struct {
	Config *settings.RunConfiguration
	// Filter selects tests. nil selects all tests.
	Filter *filter.Filter
	// Settings is sent to hosts; framework, platform and apartment state
	// are filled in per host.
	Settings protocol.Settings
	// Keep hands healthy hosts over to the caller through UnitResult.Host
	// instead of releasing them.
	Keep bool
	// Isolate stops hosts after discovery instead of returning shared ones
	// to the pool. Ignored for hosts kept by Keep.
	Isolate bool
	// Parallelism bounds the number of units discovered at once. 0 means
	// the size of the pool.
	Parallelism int
	Clock       clock.Clock
}

// UnitResult is the outcome of discovering one unit.
type UnitResult struct {
	Unit *Unit
	// Tests lists the tests found in the unit that match the filter, in
	// the order the host reported them.
	Tests []*protocol.TestCase
	// Host is the host that discovered Tests, handed over when Keep is set
	// and the host is still usable. The receiver must release it.
	Host *hostpool.Host
	// Err is set if the unit could not be discovered completely.
	Err error
}

// Event is an element of a Stream. Exactly one field is set.
type Event struct {
	// Test is a test matching the filter, reported as soon as it is found.
	Test *protocol.TestCase
	// Done reports that a unit finished.
	Done *UnitResult
}

// Stream is a lazy, finite sequence of discovery events.
type Stream struct {
	pool   *hostpool.Pool
	opts   Options
	clk    clock.Clock
	units  []*Unit
	events chan *Event
	cancel context.CancelFunc
	err    error // set before events is closed

	found   atomic.Int64 // tests reported by hosts
	matched atomic.Int64 // tests matching the filter
}

// Discover starts discovering tests of units on hosts from pool and returns
// the stream of results. Units are discovered concurrently; events of one
// unit arrive in the order its host reported them. The caller must consume
// the stream until Next returns an error or call Close.
//
// If no test matches the filter in any unit, a single warning naming the
// filter is logged at the end of the stream.
func Discover(ctx context.Context, pool *hostpool.Pool, units []*Unit, opts *Options) *Stream {
	o := *opts
	if o.Parallelism <= 0 {
		o.Parallelism = pool.MaxHosts()
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		pool:   pool,
		opts:   o,
		clk:    clk,
		units:  units,
		events: make(chan *Event),
		cancel: cancel,
	}
	go s.run(ctx)
	return s
}

// Next returns the next event. It returns io.EOF after the last event.
func (s *Stream) Next(ctx context.Context) (*Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			if s.err != nil {
				return nil, s.err
			}
			return nil, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops discovery and releases hosts of events not consumed yet.
func (s *Stream) Close(ctx context.Context) {
	s.cancel()
	for ev := range s.events {
		if ev.Done != nil && ev.Done.Host != nil {
			s.pool.Release(ctx, ev.Done.Host)
		}
	}
}

// Found returns the number of tests hosts reported so far, whether or not
// they match the filter.
func (s *Stream) Found() int { return int(s.found.Load()) }

func (s *Stream) run(ctx context.Context) {
	defer close(s.events)
	defer s.cancel()

	var g errgroup.Group
	g.SetLimit(s.opts.Parallelism)
	for _, u := range s.units {
		u := u
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return s.discoverUnit(ctx, u)
		})
	}
	if err := g.Wait(); err != nil {
		s.err = err
		return
	}
	if err := ctx.Err(); err != nil {
		s.err = err
		return
	}
	s.warnIfEmpty(ctx)
}

func (s *Stream) warnIfEmpty(ctx context.Context) {
	if s.matched.Load() > 0 {
		return
	}
	var paths []string
	for _, u := range s.units {
		paths = append(paths, u.Source.Path)
	}
	if s.opts.Filter != nil && s.found.Load() > 0 {
		logging.Warningf(ctx, "No test matches the given testcase filter `%s` in %s", s.opts.Filter, strings.Join(paths, " "))
		return
	}
	logging.Warningf(ctx, "No test is available in %s. Make sure that test discoverer & executors are registered "+
		"and platform & framework version settings are appropriate and try again.", strings.Join(paths, " "))
}

func (s *Stream) send(ctx context.Context, ev *Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// discoverUnit discovers u and sends its events. It returns an error only
// if ctx is done.
func (s *Stream) discoverUnit(ctx context.Context, u *Unit) error {
	fw, pl := sources.Target(u.Source, s.opts.Config)
	h, err := s.pool.Acquire(ctx, u.Adapter, fw, pl)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Warningf(ctx, "Failed to discover tests in %s: %v", u.Source.Path, err)
		return s.send(ctx, &Event{Done: &UnitResult{Unit: u, Err: err}})
	}

	tests, err := s.discoverOn(ctx, h, u)
	res := &UnitResult{Unit: u, Tests: tests, Err: err}
	switch {
	case ctx.Err() != nil:
		s.pool.Retire(context.WithoutCancel(ctx), h)
		return ctx.Err()
	case err != nil:
		logging.Warningf(ctx, "Failed to discover tests in %s: %v", u.Source.Path, err)
		s.pool.Release(ctx, h)
	case s.opts.Keep && len(tests) > 0:
		res.Host = h
	case s.opts.Isolate:
		s.pool.Retire(ctx, h)
	default:
		s.pool.Release(ctx, h)
	}

	if err := s.send(ctx, &Event{Done: res}); err != nil {
		if res.Host != nil {
			s.pool.Release(context.WithoutCancel(ctx), res.Host)
		}
		return err
	}
	return nil
}

// discoverOn runs one discovery exchange with h. A crash of the host is
// returned as *hostpool.LostError along with the tests found before it.
func (s *Stream) discoverOn(ctx context.Context, h *hostpool.Host, u *Unit) ([]*protocol.TestCase, error) {
	path := u.Source.Path
	req := &protocol.DiscoverRequest{
		Time:     s.clk.Now(),
		Sources:  []string{path},
		Settings: h.Settings(s.opts.Settings),
	}
	if err := h.Send(req); err != nil {
		logging.Debugf(ctx, "Failed to send discovery request to host %s: %v", h.ID(), err)
	}

	var tests []*protocol.TestCase
	for {
		msg, err := h.Next(ctx)
		if err != nil {
			return tests, err
		}
		switch m := msg.(type) {
		case *protocol.TestFound:
			tc := m.Test
			if tc.Source == "" {
				tc.Source = path
			}
			if tc.ExecutorURI == "" {
				tc.ExecutorURI = u.Adapter.ExecutorURI
			}
			s.found.Add(1)
			if s.opts.Filter != nil && !s.opts.Filter.Match(filter.Properties(&tc)) {
				continue
			}
			s.matched.Add(1)
			tests = append(tests, &tc)
			if err := s.send(ctx, &Event{Test: &tc}); err != nil {
				return tests, err
			}
		case *protocol.DiscoveryEnd:
			if m.Source != path {
				logging.Debugf(ctx, "Host %s ended discovery of unexpected source %s", h.ID(), m.Source)
				continue
			}
			if m.Error != nil {
				return tests, errors.New(m.Error.Reason)
			}
			logging.Debugf(ctx, "Found %d test(s) in %s", len(tests), path)
			return tests, nil
		case *protocol.RunLog:
			logging.Infof(ctx, "[%s] %s", h.ID(), m.Text)
		case *protocol.RunError:
			return tests, errors.Errorf("host %s: %s", h.ID(), m.Error.Reason)
		default:
			logging.Debugf(ctx, "Ignoring %T from host %s during discovery", msg, h.ID())
		}
	}
}
