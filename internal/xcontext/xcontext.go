// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package xcontext provides contexts that are cancelled with caller-chosen
// errors, so that a session timeout can be told apart from a user interrupt
// by looking at ctx.Err().
package xcontext

import (
	"context"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
)

// CancelFunc cancels its context with err. Calls after the first have no
// effect. It panics if err is nil. When it returns, the context is cancelled.
type CancelFunc func(err error)

type xctx struct {
	parent   context.Context
	deadline time.Time
	hasDL    bool
	done     chan struct{}
	req      chan error // capacity 1
	err      atomic.Value
}

func newContext(parent context.Context, clk clock.Clock, dlErr error, dl time.Time) (context.Context, CancelFunc) {
	if clk == nil {
		clk = clock.NewClock()
	}
	deadline, hasDL := parent.Deadline()
	ownDL := dlErr != nil && (!hasDL || dl.Before(deadline))
	if ownDL {
		deadline, hasDL = dl, true
	}

	c := &xctx{
		parent:   parent,
		deadline: deadline,
		hasDL:    hasDL,
		done:     make(chan struct{}),
		req:      make(chan error, 1),
	}

	immediate := parent.Err()
	if immediate == nil && ownDL && !deadline.After(clk.Now()) {
		immediate = dlErr
	}
	if immediate != nil {
		c.err.Store(immediate)
		close(c.done)
		return c, c.cancel
	}

	go func() {
		var timeout <-chan time.Time
		if ownDL {
			tm := clk.NewTimer(deadline.Sub(clk.Now()))
			defer tm.Stop()
			timeout = tm.C()
		}
		var err error
		select {
		case <-parent.Done():
			err = parent.Err()
		case <-timeout:
			err = dlErr
		case err = <-c.req:
		}
		c.err.Store(err)
		close(c.done)
	}()
	return c, c.cancel
}

func (c *xctx) Deadline() (time.Time, bool) { return c.deadline, c.hasDL }

func (c *xctx) Done() <-chan struct{} { return c.done }

// Err may return errors other than context.Canceled and
// context.DeadlineExceeded.
func (c *xctx) Err() error {
	if v := c.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (c *xctx) Value(key interface{}) interface{} { return c.parent.Value(key) }

func (c *xctx) cancel(err error) {
	if err == nil {
		panic("xcontext: cancel called with nil error")
	}
	select {
	case c.req <- err:
	default:
	}
	<-c.done
}

// WithCancel returns a context that can be cancelled with any error.
func WithCancel(parent context.Context) (context.Context, CancelFunc) {
	return newContext(parent, nil, nil, time.Time{})
}

// WithTimeout returns a context cancelled with err once d elapses on clk.
// A nil clk means the wall clock. It panics if err is nil.
func WithTimeout(parent context.Context, clk clock.Clock, d time.Duration, err error) (context.Context, CancelFunc) {
	if err == nil {
		panic("xcontext: WithTimeout called with nil error")
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return newContext(parent, clk, err, clk.Now().Add(d))
}
