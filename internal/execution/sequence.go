// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package execution

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// sequenceEntry is a line of a sequence file.
type sequenceEntry struct {
	Name   string    `json:"name"`
	Source string    `json:"source"`
	Start  time.Time `json:"start"`
}

// sequenceLog writes, for each host, a file listing tests in the order the
// host started them. After a crash the last line names the test that was
// running.
type sequenceLog struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

func newSequenceLog(dir string) (*sequenceLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &sequenceLog{dir: dir, files: make(map[string]*os.File)}, nil
}

// SequenceFileName returns the base name of the sequence file of hostID.
func SequenceFileName(hostID string) string {
	return "sequence_" + hostID + ".jsonl"
}

// Add appends a test to the sequence of hostID. Each entry is written
// through so that it survives a crash of hostrun itself.
func (l *sequenceLog) Add(hostID, name, source string, start time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f := l.files[hostID]
	if f == nil {
		var err error
		f, err = os.OpenFile(filepath.Join(l.dir, SequenceFileName(hostID)), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		l.files[hostID] = f
	}
	return json.NewEncoder(f).Encode(&sequenceEntry{Name: name, Source: source, Start: start})
}

// Path returns the sequence file of hostID, or "" if nothing was written
// for it.
func (l *sequenceLog) Path(hostID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f := l.files[hostID]; f != nil {
		return f.Name()
	}
	return ""
}

// Close closes all files.
func (l *sequenceLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
