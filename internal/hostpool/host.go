// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package hostpool

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.chromium.org/hostrun/internal/adapters"
	"go.chromium.org/hostrun/internal/crash"
	"go.chromium.org/hostrun/internal/genericexec"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/protocol"
	"go.chromium.org/hostrun/internal/settings"
)

// State is the lifecycle state of a host.
type State int

// Host states. Exited, Crashed and Hung are terminal.
const (
	NotStarted State = iota
	Starting
	Ready
	InUse
	Idle
	Exiting
	Exited
	Crashed
	Hung
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Starting:
		return "Starting"
	case Ready:
		return "Ready"
	case InUse:
		return "InUse"
	case Idle:
		return "Idle"
	case Exiting:
		return "Exiting"
	case Exited:
		return "Exited"
	case Crashed:
		return "Crashed"
	default:
		return "Hung"
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s >= Exited }

// live reports whether a host in state s counts against the pool size.
func (s State) live() bool { return s >= Starting && s <= Idle }

// Key identifies hosts able to serve the same sources.
type Key struct {
	ExecutorURI string
	Framework   settings.Framework
	Platform    settings.Platform
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ExecutorURI, k.Framework, k.Platform)
}

// Host is a host process owned by a Pool.
type Host struct {
	pool    *Pool
	id      string
	key     Key
	adapter *adapters.Adapter
	shared  bool

	proc  genericexec.Process
	watch *crash.Watch
	mw    *protocol.MessageWriter
	msgs  chan protocol.Msg
	errs  chan error

	quit     chan struct{} // closed once the host reached a terminal state
	quitOnce sync.Once

	ready     *protocol.HostReady
	apartment settings.ApartmentState

	// Guarded by pool.mu.
	state       State
	terminating bool
	report      *crash.Report
}

// ID returns the id assigned by the pool, e.g. "host-2".
func (h *Host) ID() string { return h.id }

// PID returns the process id, or 0 if the process was never started.
func (h *Host) PID() int {
	if h.proc == nil {
		return 0
	}
	return h.proc.Pid()
}

func (h *Host) Key() Key                   { return h.key }
func (h *Host) Adapter() *adapters.Adapter { return h.adapter }
func (h *Host) Shared() bool               { return h.shared }

// ApartmentState is the apartment state tests on this host run with. It
// differs from the requested one if the host does not support STA.
func (h *Host) ApartmentState() settings.ApartmentState { return h.apartment }

// Settings returns base completed with the framework, platform and
// apartment state of h.
func (h *Host) Settings(base protocol.Settings) protocol.Settings {
	s := base
	s.Framework = h.key.Framework.String()
	s.Platform = h.key.Platform.String()
	s.ApartmentState = h.apartment.String()
	return s
}

// State returns the current state of h.
func (h *Host) State() State {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.state
}

// Report returns how the host terminated, or nil if it is still running.
func (h *Host) Report() *crash.Report {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.report
}

// Send sends a request to the host.
func (h *Host) Send(msg protocol.Msg) error {
	return h.mw.WriteMessage(msg)
}

// LostError is returned by Host.Next when the host terminated unexpectedly
// or stopped responding.
type LostError struct {
	Report *crash.Report
}

func (e *LostError) Error() string { return e.Report.Message() }

// Next returns the next message from the host, skipping heartbeats.
//
// If the host sends nothing, not even a heartbeat, for the message timeout
// of the pool it is marked Hung and killed. If its output ends it is marked
// Crashed. Both return a *LostError.
func (h *Host) Next(ctx context.Context) (protocol.Msg, error) {
	for {
		msg, err := h.nextOnce(ctx)
		if err != nil {
			return nil, err
		}
		if _, ok := msg.(*protocol.Heartbeat); !ok {
			return msg, nil
		}
	}
}

func (h *Host) nextOnce(ctx context.Context) (protocol.Msg, error) {
	var timeout <-chan time.Time
	if d := h.pool.cfg.MessageTimeout; d > 0 {
		timer := h.pool.clk.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C()
	}

	select {
	case msg, ok := <-h.msgs:
		if ok {
			return msg, nil
		}
		return nil, &LostError{Report: h.pool.MarkCrashed(ctx, h)}
	case err := <-h.errs:
		logging.Warningf(ctx, "Host %s wrote invalid output: %v", h.id, err)
		return nil, &LostError{Report: h.pool.MarkCrashed(ctx, h)}
	case <-timeout:
		return nil, &LostError{Report: h.pool.MarkHung(ctx, h)}
	case <-h.quit:
		return nil, &LostError{Report: h.Report()}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readMessages forwards messages written by the host to h.msgs. msgs is
// closed at the end of the output; a decode error goes to h.errs instead.
func (h *Host) readMessages() {
	mr := protocol.NewMessageReader(h.proc.Stdout())
	for {
		msg, err := mr.ReadMessage()
		if err == io.EOF {
			close(h.msgs)
			return
		}
		if err != nil {
			h.errs <- err
			return
		}
		select {
		case h.msgs <- msg:
		case <-h.quit:
			return
		}
	}
}

// drain discards messages until the host terminates so that the reader
// never blocks the host on a full pipe.
func (h *Host) drain() {
	for {
		select {
		case _, ok := <-h.msgs:
			if !ok {
				return
			}
		case <-h.errs:
			return
		case <-h.quit:
			return
		}
	}
}

func (h *Host) closeQuit() {
	h.quitOnce.Do(func() { close(h.quit) })
}
