// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package crash

import (
	"bytes"
	"strings"
	"sync"
)

// DefaultTailLines is the number of stderr lines kept per host.
const DefaultTailLines = 50

// tailBuffer keeps the last lines written to it. An unterminated last line
// is kept too, since a crashing process may never write the newline.
type tailBuffer struct {
	max int

	mu      sync.Mutex
	lines   []string
	partial []byte
	dropped int
	notable []string
}

// maxNotable bounds the crash marker lines kept regardless of the tail size.
const maxNotable = 8

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = DefaultTailLines
	}
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := append(b.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.push(strings.TrimRight(string(data[:i]), "\r"))
		data = data[i+1:]
	}
	b.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (b *tailBuffer) push(line string) {
	if len(b.notable) < maxNotable && isMarker(line) {
		b.notable = append(b.notable, line)
	}
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		n := len(b.lines) - b.max
		b.lines = append([]string(nil), b.lines[n:]...)
		b.dropped += n
	}
}

// Lines returns the kept lines, oldest first.
func (b *tailBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := append([]string(nil), b.lines...)
	if len(b.partial) > 0 {
		lines = append(lines, string(b.partial))
		if len(lines) > b.max {
			lines = lines[1:]
		}
	}
	return lines
}

// Truncated reports whether older lines were dropped.
func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}

// Notable returns lines carrying crash markers seen anywhere in the stream.
// Runtimes often print the reason of a crash before a long stack trace that
// pushes it out of the tail.
func (b *tailBuffer) Notable() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := append([]string(nil), b.notable...)
	if len(b.partial) > 0 && len(lines) < maxNotable && isMarker(string(b.partial)) {
		lines = append(lines, string(b.partial))
	}
	return lines
}
