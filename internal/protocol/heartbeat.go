// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package protocol

import (
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
)

// DefaultHeartbeatInterval is how often hosts send Heartbeat.
const DefaultHeartbeatInterval = time.Second

// HeartbeatWriter writes Heartbeat messages periodically in the background.
type HeartbeatWriter struct {
	mu     sync.Mutex
	closed bool
	fin    chan struct{}
}

// NewHeartbeatWriter starts writing a Heartbeat to mw every d on clk, the
// first one immediately. If d is non-positive nothing is written. Stop must
// be called after use.
func NewHeartbeatWriter(mw *MessageWriter, clk clock.Clock, d time.Duration) *HeartbeatWriter {
	fin := make(chan struct{})
	go func() {
		defer close(fin)
		if d <= 0 {
			<-fin
			return
		}
		tick := clk.NewTicker(d)
		defer tick.Stop()

		mw.WriteMessage(&Heartbeat{Time: clk.Now()})
		for {
			select {
			case <-tick.C():
				mw.WriteMessage(&Heartbeat{Time: clk.Now()})
			case <-fin:
				return
			}
		}
	}()
	return &HeartbeatWriter{fin: fin}
}

// Stop stops the background goroutine. No Heartbeat is written after Stop
// returns. It is safe to call Stop more than once.
func (w *HeartbeatWriter) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	// fin is unbuffered, so the goroutine has stopped writing once the send
	// completes.
	w.fin <- struct{}{}
	w.closed = true
}
