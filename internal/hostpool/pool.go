// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package hostpool starts and tracks the host processes tests run in.
package hostpool

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/shirou/gopsutil/v3/cpu"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/adapters"
	"go.chromium.org/hostrun/internal/crash"
	"go.chromium.org/hostrun/internal/genericexec"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/metrics"
	"go.chromium.org/hostrun/internal/protocol"
	"go.chromium.org/hostrun/internal/settings"
)

// Default timeouts of Config.
const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultMessageTimeout   = time.Minute
	DefaultExitTimeout      = 10 * time.Second
)

// Config contains parameters of a Pool.
type Config struct {
	// MaxHosts bounds the number of live hosts. 0 means the number of
	// logical CPUs.
	MaxHosts int
	// Env is added to the environment of every host.
	Env map[string]string
	// ApartmentState is the requested apartment state of test threads.
	ApartmentState settings.ApartmentState
	// DisableSharing starts a host per acquisition even for adapters
	// declaring shared hosts.
	DisableSharing bool

	HandshakeTimeout time.Duration
	// MessageTimeout is how long a host may stay silent before it is
	// considered hung. Negative disables the watchdog.
	MessageTimeout time.Duration
	// ExitTimeout is how long a host may take to exit once asked to.
	ExitTimeout time.Duration

	Clock   clock.Clock
	Monitor *crash.Monitor
	Metrics *metrics.Recorder
}

// Info is a snapshot of a host.
type Info struct {
	ID     string
	PID    int
	Key    Key
	Shared bool
	State  State
}

// Stats summarizes the hosts of a pool.
type Stats struct {
	Started int
	Crashed int
	Hung    int
	// Peak is the largest number of hosts alive at the same time.
	Peak int
}

// StartError is returned by Acquire when a host fails to start or to
// complete the handshake.
type StartError struct {
	HostID string
	Report *crash.Report
	Err    error
}

func (e *StartError) Error() string {
	msg := fmt.Sprintf("failed to start test host %s: %v", e.HostID, e.Err)
	if e.Report != nil && e.Report.Kind != crash.KindNone {
		msg += ". " + e.Report.Message()
	}
	return msg
}

func (e *StartError) Unwrap() error { return e.Err }

// Pool owns host processes. It is safe for concurrent use.
type Pool struct {
	cfg Config
	clk clock.Clock

	// ctx bounds the lifetime of host processes. It is detached from the
	// caller's cancellation so that hosts are stopped by the pool.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	hosts     []*Host
	nextID    int
	changed   chan struct{} // closed and replaced when capacity may be available
	closed    bool
	staWarned bool
	stats     Stats
}

// New creates a pool. Close must be called after use.
func New(ctx context.Context, cfg *Config) *Pool {
	c := *cfg
	if c.MaxHosts <= 0 {
		n, err := cpu.Counts(true)
		if err != nil || n <= 0 {
			n = runtime.NumCPU()
		}
		c.MaxHosts = n
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MessageTimeout == 0 {
		c.MessageTimeout = DefaultMessageTimeout
	}
	if c.ExitTimeout == 0 {
		c.ExitTimeout = DefaultExitTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.NewClock()
	}
	if c.Monitor == nil {
		c.Monitor = crash.NewMonitor(&crash.Config{Clock: c.Clock})
	}
	logging.Debugf(ctx, "Using up to %d test hosts", c.MaxHosts)

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Pool{
		cfg:     c,
		clk:     c.Clock,
		ctx:     pctx,
		cancel:  cancel,
		changed: make(chan struct{}),
	}
}

// MaxHosts returns the number of hosts that may be alive at once.
func (p *Pool) MaxHosts() int { return p.cfg.MaxHosts }

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) liveLocked() int {
	n := 0
	for _, h := range p.hosts {
		if h.state.live() {
			n++
		}
	}
	return n
}

// Acquire returns a host running adapter a for fw and pl, marked InUse.
//
// An idle host with the same adapter, framework and platform is reused if
// the adapter shares hosts. Otherwise a new host is started if fewer than
// MaxHosts hosts are alive, evicting an idle host if needed. Acquire blocks
// until one of these is possible or ctx is done.
func (p *Pool) Acquire(ctx context.Context, a *adapters.Adapter, fw settings.Framework, pl settings.Platform) (*Host, error) {
	key := Key{ExecutorURI: strings.ToLower(a.ExecutorURI), Framework: fw, Platform: pl}
	shared := a.Shared && !p.cfg.DisableSharing

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.New("host pool is closed")
		}
		if shared {
			for _, h := range p.hosts {
				if h.state == Idle && h.key == key {
					h.state = InUse
					p.mu.Unlock()
					logging.Debugf(ctx, "Reusing host %s (pid %d)", h.id, h.PID())
					return h, nil
				}
			}
		}

		var evict *Host
		if p.liveLocked() >= p.cfg.MaxHosts {
			for _, h := range p.hosts {
				if h.state == Idle {
					evict = h
					break
				}
			}
			if evict == nil {
				ch := p.changed
				p.mu.Unlock()
				select {
				case <-ch:
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			evict.state = Exiting
		}

		p.nextID++
		h := &Host{
			pool:    p,
			id:      fmt.Sprintf("host-%d", p.nextID),
			key:     key,
			adapter: a,
			shared:  shared,
			state:   Starting,
			quit:    make(chan struct{}),
		}
		p.hosts = append(p.hosts, h)
		if n := p.liveLocked(); n > p.stats.Peak {
			p.stats.Peak = n
		}
		p.mu.Unlock()

		if evict != nil {
			logging.Debugf(ctx, "Stopping idle host %s to make room for %s", evict.id, key)
			p.exitAsync(evict)
		}
		if err := p.start(ctx, h); err != nil {
			return nil, err
		}
		return h, nil
	}
}

func (p *Pool) start(ctx context.Context, h *Host) error {
	argv := h.adapter.HostCommand(h.key.Framework.ShortName(), h.key.Platform.Suffix())
	env := make(map[string]string)
	for k, v := range p.cfg.Env {
		env[k] = v
	}
	for k, v := range h.adapter.Host.Env {
		env[k] = v
	}
	for k, v := range p.cfg.Monitor.HostEnv() {
		env[k] = v
	}
	env[protocol.HostIDEnv] = h.id
	env[protocol.FrameworkEnv] = h.key.Framework.String()
	env[protocol.PlatformEnv] = h.key.Platform.String()

	cmd := genericexec.CommandExec(argv[0], argv[1:]...).WithEnv(env)
	logging.Debugf(ctx, "Starting host %s: %s", h.id, cmd)
	proc, err := cmd.Interact(p.ctx, nil)
	if err != nil {
		r := &crash.Report{HostID: h.id, Kind: crash.KindRuntimeNotFound, Status: genericexec.ExitStatus{Code: -1}, Tail: []string{err.Error()}}
		p.setTerminal(h, Crashed, r)
		p.cfg.Metrics.RecordHostCrash(r.Kind.String())
		return &StartError{HostID: h.id, Report: r, Err: err}
	}

	p.mu.Lock()
	h.proc = proc
	p.mu.Unlock()
	h.watch = p.cfg.Monitor.Watch(p.ctx, h.id, proc)
	h.mw = protocol.NewMessageWriter(proc.Stdin())
	h.msgs = make(chan protocol.Msg)
	h.errs = make(chan error, 1)
	go h.readMessages()

	ready, err := p.handshake(ctx, h)
	if err != nil {
		return err
	}
	h.ready = ready

	h.apartment = p.cfg.ApartmentState
	if h.apartment == settings.ApartmentSTA && !ready.SupportsSTA {
		h.apartment = settings.ApartmentMTA
		p.mu.Lock()
		warn := !p.staWarned
		p.staWarned = true
		p.mu.Unlock()
		if warn {
			logging.Warningf(ctx, "Test host for %s does not support apartment state STA; running tests with MTA instead", h.key.Framework)
		}
	}
	if ready.Framework != "" && ready.Framework != h.key.Framework.String() {
		logging.Debugf(ctx, "Host %s runs framework %s instead of %s", h.id, ready.Framework, h.key.Framework)
	}

	p.mu.Lock()
	h.state = Ready
	p.stats.Started++
	h.state = InUse
	p.mu.Unlock()
	p.cfg.Metrics.RecordHostStarted(h.key.Framework.String(), h.key.Platform.String())
	logging.Debugf(ctx, "Host %s is ready (pid %d)", h.id, proc.Pid())
	return nil
}

// handshake waits for HostReady. On failure the host is terminated and a
// *StartError is returned.
func (p *Pool) handshake(ctx context.Context, h *Host) (*protocol.HostReady, error) {
	timer := p.clk.NewTimer(p.cfg.HandshakeTimeout)
	defer timer.Stop()

	fail := func(grace time.Duration, reason crash.Kind, cause error) error {
		r := p.terminate(h, grace, reason)
		if r.Kind == crash.KindNone {
			r.Kind = crash.KindExitCode
		}
		p.setTerminal(h, Crashed, r)
		p.cfg.Metrics.RecordHostCrash(r.Kind.String())
		p.cfg.Metrics.RecordDumps(len(r.Dumps))
		return &StartError{HostID: h.id, Report: r, Err: cause}
	}

	for {
		select {
		case msg, ok := <-h.msgs:
			if !ok {
				return nil, fail(p.cfg.ExitTimeout, crash.KindKilled, errors.New("host exited before handshake"))
			}
			switch m := msg.(type) {
			case *protocol.HostReady:
				return m, nil
			case *protocol.Heartbeat:
			default:
				return nil, fail(0, crash.KindKilled, errors.Errorf("host sent %T before handshake", msg))
			}
		case err := <-h.errs:
			return nil, fail(p.cfg.ExitTimeout, crash.KindKilled, errors.Wrap(err, "invalid handshake"))
		case <-timer.C():
			return nil, fail(0, crash.KindHang, errors.Errorf("no handshake within %v", p.cfg.HandshakeTimeout))
		case <-ctx.Done():
			return nil, fail(0, crash.KindKilled, ctx.Err())
		}
	}
}

// Release returns a host obtained from Acquire. Shared hosts become Idle
// for reuse; others are asked to exit.
func (p *Pool) Release(ctx context.Context, h *Host) {
	p.mu.Lock()
	if h.state != InUse {
		p.mu.Unlock()
		return
	}
	if h.shared && !p.closed {
		h.state = Idle
		p.broadcastLocked()
		p.mu.Unlock()
		return
	}
	h.state = Exiting
	p.mu.Unlock()
	p.exitAsync(h)
}

// Retire asks a host to exit regardless of sharing.
func (p *Pool) Retire(ctx context.Context, h *Host) {
	p.mu.Lock()
	if h.state.Terminal() || h.terminating {
		p.mu.Unlock()
		return
	}
	h.state = Exiting
	p.mu.Unlock()
	p.exitAsync(h)
}

func (p *Pool) exitAsync(h *Host) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.exit(h)
	}()
}

// exit asks h to exit and waits for it, killing it after the exit timeout.
func (p *Pool) exit(h *Host) {
	if !p.claim(h) {
		return
	}
	h.Send(&protocol.ExitRequest{Time: p.clk.Now()})
	h.proc.Stdin().Close()
	r := p.terminate(h, p.cfg.ExitTimeout, crash.KindKilled)
	state := Exited
	if r.Crashed() {
		state = Crashed
		logging.Warningf(p.ctx, "Host %s crashed while exiting: %s", h.id, r.Message())
		p.cfg.Metrics.RecordHostCrash(r.Kind.String())
	}
	p.setTerminal(h, state, r)
}

// MarkCrashed handles a host whose output ended unexpectedly. It waits for
// the process to exit, killing it after the exit timeout, and returns the
// classified termination. Calling it again returns the same report.
func (p *Pool) MarkCrashed(ctx context.Context, h *Host) *crash.Report {
	if !p.claim(h) {
		return h.Report()
	}
	r := p.terminate(h, p.cfg.ExitTimeout, crash.KindKilled)
	if r.Kind == crash.KindNone {
		r.Kind = crash.KindExitCode
	}
	p.setTerminal(h, Crashed, r)
	p.cfg.Metrics.RecordHostCrash(r.Kind.String())
	p.cfg.Metrics.RecordDumps(len(r.Dumps))
	logging.Error(ctx, r.Message())
	for _, d := range r.Dumps {
		logging.Infof(ctx, "Collected dump of host %s: %s", h.id, d)
	}
	return r
}

// MarkHung kills a host that stopped responding, taking a hang dump first
// if configured. Calling it again returns the same report.
func (p *Pool) MarkHung(ctx context.Context, h *Host) *crash.Report {
	if !p.claim(h) {
		return h.Report()
	}
	var hangDumps []string
	if p.cfg.Monitor.CollectsHangDumps() {
		files, err := p.cfg.Monitor.TakeHangDump(p.ctx, h.id, h.PID())
		if err != nil {
			logging.Warningf(ctx, "Failed to take hang dump of host %s: %v", h.id, err)
		}
		hangDumps = files
	}
	r := p.terminate(h, 0, crash.KindHang)
	r.Dumps = append(hangDumps, r.Dumps...)
	p.setTerminal(h, Hung, r)
	p.cfg.Metrics.RecordHostHang()
	p.cfg.Metrics.RecordDumps(len(r.Dumps))
	logging.Error(ctx, r.Message())
	for _, d := range r.Dumps {
		logging.Infof(ctx, "Collected dump of host %s: %s", h.id, d)
	}
	return r
}

// Kill kills a host right away, e.g. when the run is cancelled, and returns
// its termination report. Calling it again returns the same report.
func (p *Pool) Kill(ctx context.Context, h *Host) *crash.Report {
	if !p.claim(h) {
		return h.Report()
	}
	logging.Debugf(ctx, "Killing host %s", h.id)
	r := p.terminate(h, 0, crash.KindKilled)
	p.setTerminal(h, Exited, r)
	return r
}

// claim marks h as being terminated by the caller. If another goroutine
// already does so, claim waits for it and returns false.
func (p *Pool) claim(h *Host) bool {
	p.mu.Lock()
	if h.terminating || h.state.Terminal() {
		p.mu.Unlock()
		<-h.quit
		return false
	}
	h.terminating = true
	h.state = Exiting
	p.broadcastLocked()
	p.mu.Unlock()
	return true
}

// terminate waits up to grace for the host process to exit by itself, then
// kills its process tree, and returns the termination report.
func (p *Pool) terminate(h *Host, grace time.Duration, reason crash.Kind) *crash.Report {
	go h.drain()
	done := make(chan *crash.Report, 1)
	go func() { done <- h.watch.Finish(p.ctx) }()

	if grace > 0 {
		timer := p.clk.NewTimer(grace)
		defer timer.Stop()
		select {
		case r := <-done:
			return r
		case <-timer.C():
			logging.Debugf(p.ctx, "Host %s did not exit within %v; killing it", h.id, grace)
		}
	}
	h.watch.ExpectKill(reason)
	if err := crash.KillTree(h.PID()); err != nil {
		logging.Debugf(p.ctx, "Failed to kill host %s: %v", h.id, err)
	}
	return <-done
}

func (p *Pool) setTerminal(h *Host, s State, r *crash.Report) {
	p.mu.Lock()
	h.state = s
	h.report = r
	h.terminating = true
	switch s {
	case Crashed:
		p.stats.Crashed++
	case Hung:
		p.stats.Hung++
	}
	p.broadcastLocked()
	p.mu.Unlock()
	h.closeQuit()
}

// Close stops all hosts: idle ones are asked to exit, busy ones are killed.
// Hosts acquired afterwards are stopped on release.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	var idle, busy []*Host
	for _, h := range p.hosts {
		if h.terminating || h.state.Terminal() {
			continue
		}
		switch h.state {
		case Ready, Idle:
			h.state = Exiting
			idle = append(idle, h)
		case InUse:
			busy = append(busy, h)
		}
	}
	p.broadcastLocked()
	p.mu.Unlock()

	for _, h := range idle {
		p.exitAsync(h)
	}
	for _, h := range busy {
		h := h
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.Kill(ctx, h)
		}()
	}
	p.wg.Wait()
	p.cancel()
}

// Hosts returns snapshots of all hosts started so far, in start order.
func (p *Pool) Hosts() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]Info, 0, len(p.hosts))
	for _, h := range p.hosts {
		infos = append(infos, Info{ID: h.id, PID: h.PID(), Key: h.key, Shared: h.shared, State: h.state})
	}
	return infos
}

// Stats returns counters of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
