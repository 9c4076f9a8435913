// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package attachments

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/semaphore"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/metrics"
	"go.chromium.org/hostrun/internal/protocol"
)

const maxConcurrentProcessors = 4

// Pipeline routes attachment sets to the processor claiming their collector
// URI. Sets of unclaimed URIs pass through.
type Pipeline struct {
	outDir  string
	byURI   map[string]Processor
	builtin map[string]Processor // fallbacks by lower-case URI
	sem     *semaphore.Weighted
	rec     *metrics.Recorder

	mu      sync.Mutex
	pending map[string][]protocol.AttachmentSet // by lower-case URI
}

// NewPipeline returns a pipeline using processors and the built-in coverage
// processor. When several processors claim a URI, the one declared in the
// greatest path wins. If a processor fails on a URI the built-in coverage
// processor claims, the sets are processed by the built-in one instead.
// Processed files are written to outDir.
func NewPipeline(ctx context.Context, processors []Processor, outDir string) *Pipeline {
	ps := append([]Processor(nil), processors...)
	slices.SortStableFunc(ps, func(a, b Processor) int { return strings.Compare(b.Path(), a.Path()) })
	cov := Coverage()
	ps = append(ps, cov)

	builtin := make(map[string]Processor)
	for _, uri := range cov.ExtensionURIs() {
		builtin[strings.ToLower(uri)] = cov
	}

	byURI := make(map[string]Processor)
	for _, p := range ps {
		for _, uri := range p.ExtensionURIs() {
			key := strings.ToLower(uri)
			if kept, ok := byURI[key]; ok {
				if kept.Name() != p.Name() || kept.Path() != p.Path() {
					logging.Infof(ctx, "Attachment processor %s (%s) for %s is discarded; using %s (%s)", p.Name(), orBuiltin(p.Path()), uri, kept.Name(), orBuiltin(kept.Path()))
				}
				continue
			}
			logging.Debugf(ctx, "Using attachment processor %s (%s) for %s", p.Name(), orBuiltin(p.Path()), uri)
			byURI[key] = p
		}
	}
	return &Pipeline{
		outDir:  outDir,
		byURI:   byURI,
		builtin: builtin,
		sem:     semaphore.NewWeighted(maxConcurrentProcessors),
		pending: make(map[string][]protocol.AttachmentSet),
	}
}

func orBuiltin(path string) string {
	if path == "" {
		return "built-in"
	}
	return path
}

// SetMetrics makes p count processor failures in rec.
func (p *Pipeline) SetMetrics(rec *metrics.Recorder) {
	p.rec = rec
}

// Processor returns the processor handling uri.
func (p *Pipeline) Processor(uri string) (Processor, bool) {
	proc, ok := p.byURI[strings.ToLower(uri)]
	return proc, ok
}

// Add queues sets. Sets of incremental processors are processed right away
// and their result replaces everything queued so far for the URI.
func (p *Pipeline) Add(ctx context.Context, sets ...protocol.AttachmentSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, set := range sets {
		key := strings.ToLower(set.CollectorURI)
		p.pending[key] = append(p.pending[key], set)
		if proc, ok := p.byURI[key]; ok && proc.SupportsIncrementalProcessing() && len(p.pending[key]) > 1 {
			p.pending[key] = p.process(ctx, proc, p.pending[key])
		}
	}
}

// Collect processes everything added so far together with sets and returns
// the final attachment sets ordered by collector URI.
func (p *Pipeline) Collect(ctx context.Context, sets ...protocol.AttachmentSet) []protocol.AttachmentSet {
	p.Add(ctx, sets...)

	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string][]protocol.AttachmentSet)
	p.mu.Unlock()

	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	outs := make([][]protocol.AttachmentSet, len(keys))
	var wg sync.WaitGroup
	for i, k := range keys {
		proc, ok := p.byURI[k]
		if !ok {
			outs[i] = pending[k]
			continue
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			outs[i] = pending[k]
			continue
		}
		wg.Add(1)
		go func(i int, k string) {
			defer wg.Done()
			defer p.sem.Release(1)
			outs[i] = p.process(ctx, proc, pending[k])
		}(i, k)
	}
	wg.Wait()

	var all []protocol.AttachmentSet
	for _, o := range outs {
		all = append(all, o...)
	}
	return all
}

// process runs proc on sets. If proc fails, sets go to the built-in
// processor of their URI, or are returned unprocessed if there is none.
func (p *Pipeline) process(ctx context.Context, proc Processor, sets []protocol.AttachmentSet) []protocol.AttachmentSet {
	out, err := runProcessor(ctx, proc, sortSets(sets), p.outDir)
	if err == nil {
		return out
	}
	var uri string
	if len(sets) > 0 {
		uri = sets[0].CollectorURI
		p.rec.RecordProcessorError(uri)
	}
	if fb, ok := p.builtin[strings.ToLower(uri)]; ok && fb != proc {
		logging.Warningf(ctx, "Attachment processor %s failed; falling back to %s: %v", proc.Name(), fb.Name(), err)
		proc = fb
		out, err = runProcessor(ctx, fb, sortSets(sets), p.outDir)
		if err == nil {
			return out
		}
	}
	logging.Warningf(ctx, "Attachment processor %s failed; keeping attachments unprocessed: %v", proc.Name(), err)
	return sets
}

// runProcessor calls proc.Process, turning a panic into an error.
func runProcessor(ctx context.Context, proc Processor, sets []protocol.AttachmentSet, outDir string) (out []protocol.AttachmentSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, errors.Errorf("panic: %v", r)
		}
	}()
	return proc.Process(ctx, sets, outDir)
}

// sortSets returns a copy of sets with attachments ordered by path, so that
// processors see the same input regardless of the order runs finished in.
func sortSets(sets []protocol.AttachmentSet) []protocol.AttachmentSet {
	out := make([]protocol.AttachmentSet, len(sets))
	for i, s := range sets {
		s.Attachments = append([]protocol.Attachment(nil), s.Attachments...)
		slices.SortFunc(s.Attachments, func(a, b protocol.Attachment) int { return strings.Compare(a.Path, b.Path) })
		out[i] = s
	}
	slices.SortStableFunc(out, func(a, b protocol.AttachmentSet) int {
		var pa, pb string
		if len(a.Attachments) > 0 {
			pa = a.Attachments[0].Path
		}
		if len(b.Attachments) > 0 {
			pb = b.Attachments[0].Path
		}
		return strings.Compare(pa, pb)
	})
	return out
}
