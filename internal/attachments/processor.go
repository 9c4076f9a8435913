// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package attachments post-processes attachment sets produced by data
// collectors during a run.
package attachments

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/adapters"
	"go.chromium.org/hostrun/internal/genericexec"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/protocol"
)

// Processor merges or transforms attachment sets of the collectors it claims.
type Processor interface {
	// Name identifies the processor in logs.
	Name() string
	// Path is the file the processor was declared in. It orders processors
	// claiming the same URI.
	Path() string
	// ExtensionURIs lists the collector URIs whose attachments are handled.
	ExtensionURIs() []string
	// SupportsIncrementalProcessing reports whether attachments may be
	// processed as they arrive instead of once at the end of a run.
	SupportsIncrementalProcessing() bool
	// Process returns sets replacing sets. New files are written to outDir.
	Process(ctx context.Context, sets []protocol.AttachmentSet, outDir string) ([]protocol.AttachmentSet, error)
}

// processRequest is written to the stdin of processor commands.
type processRequest struct {
	OutputDirectory string                   `json:"outputDirectory"`
	Attachments     []protocol.AttachmentSet `json:"attachments"`
}

// commandProcessor runs a processor command declared by a data collector.
type commandProcessor struct {
	c   *adapters.Collector
	cmd *genericexec.ExecCmd
}

// FromCollectors returns processors declared by cs. Collectors without a
// processor are skipped.
func FromCollectors(cs []*adapters.Collector) []Processor {
	var ps []Processor
	for _, c := range cs {
		if c.Processor == nil {
			continue
		}
		args := make([]string, len(c.Processor.Command))
		r := strings.NewReplacer("{dir}", filepath.Dir(c.ManifestPath))
		for i, a := range c.Processor.Command {
			args[i] = r.Replace(a)
		}
		cmd := genericexec.CommandExec(args[0], args[1:]...).WithEnv(c.Processor.Env)
		if c.ManifestPath != "" {
			cmd = cmd.WithDir(filepath.Dir(c.ManifestPath))
		}
		ps = append(ps, &commandProcessor{c: c, cmd: cmd})
	}
	return ps
}

func (p *commandProcessor) Name() string            { return p.c.FriendlyName }
func (p *commandProcessor) Path() string            { return p.c.ManifestPath }
func (p *commandProcessor) ExtensionURIs() []string { return p.c.Processor.ExtensionURIs }
func (p *commandProcessor) SupportsIncrementalProcessing() bool {
	return p.c.Processor.SupportsIncrementalProcessing
}

func (p *commandProcessor) Process(ctx context.Context, sets []protocol.AttachmentSet, outDir string) ([]protocol.AttachmentSet, error) {
	req, err := json.Marshal(&processRequest{OutputDirectory: outDir, Attachments: sets})
	if err != nil {
		return nil, err
	}
	logging.Debugf(ctx, "Running attachment processor: %s", p.cmd)
	var stdout, stderr bytes.Buffer
	if err := p.cmd.Run(ctx, nil, bytes.NewReader(req), &stdout, &stderr); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, errors.Wrapf(err, "%s failed", p.cmd)
		}
		return nil, errors.Wrapf(err, "%s failed: %s", p.cmd, msg)
	}
	var out []protocol.AttachmentSet
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, errors.Wrapf(err, "%s wrote malformed output", p.cmd)
	}
	return out, nil
}
