// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package attachments

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/protocol"
)

// ErrNoSession is returned by MergeSession when no run saved attachments
// for the session.
var ErrNoSession = errors.New("no attachments were saved for the session")

// sessionRecord is the file saved by each run of a session.
type sessionRecord struct {
	SessionID   string                   `json:"sessionId"`
	RunID       string                   `json:"runId"`
	Attachments []protocol.AttachmentSet `json:"attachments"`
}

// NewSessionID returns a random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// SessionDir returns the directory where runs of sessionID save their
// attachments.
func SessionDir(resultsDir, sessionID string) string {
	return filepath.Join(resultsDir, "sessions", sessionID)
}

// SaveSession records sets of run runID as part of sessionID so that a later
// MergeSession can process them together with other runs of the session.
func SaveSession(resultsDir, sessionID, runID string, sets []protocol.AttachmentSet) (string, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", errors.Wrapf(err, "invalid session id %q", sessionID)
	}
	dir := SessionDir(resultsDir, sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(&sessionRecord{SessionID: sessionID, RunID: runID, Attachments: sets}, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, runID+".json")
	if err := os.WriteFile(path, b, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// MergeSession processes the attachments saved by all runs of sessionID
// with p. The result does not depend on the order the runs finished in.
func MergeSession(ctx context.Context, p *Pipeline, resultsDir, sessionID string) ([]protocol.AttachmentSet, error) {
	dir := SessionDir(resultsDir, sessionID)
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.Wrapf(ErrNoSession, "%s", sessionID)
	}
	sort.Strings(paths)

	var sets []protocol.AttachmentSet
	for _, path := range paths {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var rec sessionRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", path)
		}
		logging.Debugf(ctx, "Merging %d attachment set(s) of run %s", len(rec.Attachments), rec.RunID)
		sets = append(sets, rec.Attachments...)
	}
	return p.Collect(ctx, sortSets(sets)...), nil
}
