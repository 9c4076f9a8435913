// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package host implements the host side of the hostrun protocol.
//
// A host binary wraps a test adapter and calls Main:
//
//	func main() {
//		os.Exit(host.Main(os.Stdin, os.Stdout, os.Stderr, &myAdapter{}))
//	}
//
// hostrun starts the binary with the command declared in the adapter
// manifest and drives it through stdin and stdout.
package host

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/crash"
	"go.chromium.org/hostrun/internal/protocol"
	"go.chromium.org/hostrun/internal/settings"
)

// Adapter discovers and runs tests of one test framework.
type Adapter interface {
	// Discover reports the tests found in source by calling found for each.
	// An error means source could not be loaded.
	Discover(ctx context.Context, source string, s *protocol.Settings, found func(tc *protocol.TestCase) error) error

	// Run runs the tests named in tests that belong to source, in order, and
	// reports them to r. Empty tests means all tests of source. Run should
	// return early with ctx.Err() once ctx is cancelled, after finishing the
	// current test.
	Run(ctx context.Context, source string, tests []string, s *protocol.Settings, r *Reporter) error
}

// STASupporter is implemented by adapters able to run tests on
// single-threaded apartment threads.
type STASupporter interface {
	SupportsSTA() bool
}

// Config contains optional parameters of Serve.
type Config struct {
	// Clock is used for timestamps and heartbeats. Nil means the wall clock.
	Clock clock.Clock
	// HeartbeatInterval defaults to protocol.DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
}

// Main runs a host process serving a. It returns the exit status of the
// process. Anything the adapter writes to os.Stdout is redirected to stderr
// since stdout carries protocol messages.
func Main(stdin io.Reader, stdout, stderr io.Writer, a Adapter) int {
	if f, ok := stdout.(*os.File); ok && f == os.Stdout {
		os.Stdout = os.Stderr
	}
	if err := Serve(context.Background(), stdin, stdout, a, nil); err != nil {
		fmt.Fprintln(stderr, "host: ", err)
		return 1
	}
	return 0
}

// Serve speaks the protocol on stdin and stdout until hostrun sends
// ExitRequest or closes stdin. cfg may be nil.
func Serve(ctx context.Context, stdin io.Reader, stdout io.Writer, a Adapter, cfg *Config) error {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.Clock == nil {
		c.Clock = clock.NewClock()
	}
	interval := protocol.DefaultHeartbeatInterval
	if c.HeartbeatInterval > 0 {
		interval = c.HeartbeatInterval
	}

	s := &server{
		adapter: a,
		clk:     c.Clock,
		mw:      protocol.NewMessageWriter(stdout),
		reqs:    make(chan protocol.Msg),
		errs:    make(chan error, 1),
		quit:    make(chan struct{}),
	}
	defer close(s.quit)

	sta := false
	if ss, ok := a.(STASupporter); ok {
		sta = ss.SupportsSTA()
	}
	if err := s.mw.WriteMessage(&protocol.HostReady{
		Time:        s.clk.Now(),
		PID:         os.Getpid(),
		Framework:   os.Getenv(protocol.FrameworkEnv),
		Platform:    os.Getenv(protocol.PlatformEnv),
		SupportsSTA: sta,
	}); err != nil {
		return errors.Wrap(err, "failed to send handshake")
	}

	hb := protocol.NewHeartbeatWriter(s.mw, s.clk, interval)
	defer hb.Stop()

	go s.readRequests(stdin)
	return s.loop(ctx)
}

type server struct {
	adapter Adapter
	clk     clock.Clock
	mw      *protocol.MessageWriter

	reqs chan protocol.Msg
	errs chan error
	quit chan struct{}

	queued []protocol.Msg // requests received while busy
}

var errExit = errors.New("exit requested")

func (s *server) readRequests(r io.Reader) {
	mr := protocol.NewMessageReader(r)
	for {
		msg, err := mr.ReadMessage()
		if err != nil {
			s.errs <- err
			return
		}
		select {
		case s.reqs <- msg:
		case <-s.quit:
			return
		}
	}
}

func (s *server) loop(ctx context.Context) error {
	for {
		var msg protocol.Msg
		if len(s.queued) > 0 {
			msg, s.queued = s.queued[0], s.queued[1:]
		} else {
			select {
			case msg = <-s.reqs:
			case err := <-s.errs:
				if err == io.EOF {
					return nil
				}
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var err error
		switch msg := msg.(type) {
		case *protocol.DiscoverRequest:
			err = s.interruptible(ctx, func(ctx context.Context) { s.discover(ctx, msg) })
		case *protocol.RunRequest:
			err = s.interruptible(ctx, func(ctx context.Context) { s.run(ctx, msg) })
		case *protocol.CancelRequest:
			// Nothing is running.
		case *protocol.ExitRequest:
			return nil
		default:
			return errors.Errorf("unexpected request %T", msg)
		}
		if err == errExit {
			return nil
		} else if err != nil {
			return err
		}
	}
}

// interruptible runs f while watching for CancelRequest and ExitRequest,
// which cancel the context passed to f. Other requests are queued for the
// loop, as f may have written its final message before it returns. Once f
// returns, errExit is returned if the host should exit.
func (s *server) interruptible(ctx context.Context, f func(ctx context.Context)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer dumpOnPanic()
		f(ctx)
	}()

	var exitErr error
	for {
		select {
		case <-done:
			return exitErr
		case msg := <-s.reqs:
			switch msg.(type) {
			case *protocol.CancelRequest:
				cancel()
			case *protocol.ExitRequest:
				cancel()
				exitErr = errExit
			default:
				s.queued = append(s.queued, msg)
			}
		case err := <-s.errs:
			cancel()
			if err == io.EOF {
				exitErr = errExit
			} else {
				exitErr = err
			}
		}
	}
}

func (s *server) discover(ctx context.Context, req *protocol.DiscoverRequest) {
	for _, src := range req.Sources {
		if ctx.Err() != nil {
			return
		}
		err := s.adapter.Discover(ctx, src, &req.Settings, func(tc *protocol.TestCase) error {
			t := *tc
			if t.Source == "" {
				t.Source = src
			}
			return s.mw.WriteMessage(&protocol.TestFound{Time: s.clk.Now(), Test: t})
		})
		end := &protocol.DiscoveryEnd{Time: s.clk.Now(), Source: src}
		if err != nil {
			end.Error = &protocol.Error{Reason: err.Error(), Stack: fmt.Sprintf("%+v", err)}
		}
		s.mw.WriteMessage(end)
	}
}

func (s *server) run(ctx context.Context, req *protocol.RunRequest) {
	s.mw.WriteMessage(&protocol.RunStart{Time: s.clk.Now(), Tests: req.Tests})
	r := newReporter(s.mw, s.clk)
	for _, src := range req.Sources {
		if ctx.Err() != nil {
			break
		}
		if err := s.adapter.Run(ctx, src, req.Tests, &req.Settings, r); err != nil && ctx.Err() == nil {
			s.mw.WriteMessage(&protocol.RunLog{Time: s.clk.Now(), Text: fmt.Sprintf("Failed to run tests in %s: %v", src, err)})
		}
	}
	if ctx.Err() == nil {
		for _, name := range req.Tests {
			if !r.ended(name) {
				r.End(name, protocol.OutcomeNotFound, "")
			}
		}
	}
	s.mw.WriteMessage(&protocol.RunEnd{Time: s.clk.Now(), Attachments: r.runAttachments()})
}

// dumpOnPanic writes a dump of a panicking host to the directory requested
// by hostrun, then lets the panic continue.
func dumpOnPanic() {
	r := recover()
	if r == nil {
		return
	}
	if dir := os.Getenv(crash.DumpDirEnv); dir != "" {
		stack := debug.Stack()
		if settings.DumpType(os.Getenv(crash.DumpTypeEnv)) == settings.DumpFull {
			buf := make([]byte, 1<<20)
			stack = buf[:runtime.Stack(buf, true)]
		}
		name := fmt.Sprintf("%s_%d%s", filepath.Base(os.Args[0]), os.Getpid(), crash.DumpExt)
		os.WriteFile(filepath.Join(dir, name), []byte(fmt.Sprintf("panic: %v\n\n%s", r, stack)), 0644)
	}
	panic(r)
}
