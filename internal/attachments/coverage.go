// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package attachments

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/tools/cover"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/protocol"
	"go.chromium.org/hostrun/internal/settings"
)

// MergedCoverageName is the base name of the merged coverage profile.
const MergedCoverageName = "coverage.coverprofile"

const coverageModePrefix = "mode: "

// coverageProcessor merges Go coverage profiles into one file. Other files
// pass through untouched.
type coverageProcessor struct{}

// Coverage returns the built-in coverage processor.
func Coverage() Processor { return coverageProcessor{} }

func (coverageProcessor) Name() string                        { return "builtin coverage merger" }
func (coverageProcessor) Path() string                        { return "" }
func (coverageProcessor) ExtensionURIs() []string             { return []string{settings.CodeCoverageURI} }
func (coverageProcessor) SupportsIncrementalProcessing() bool { return true }

func (coverageProcessor) Process(ctx context.Context, sets []protocol.AttachmentSet, outDir string) ([]protocol.AttachmentSet, error) {
	var profiles, others []protocol.Attachment
	for _, set := range sets {
		for _, att := range set.Attachments {
			if isCoverProfile(att.Path) {
				profiles = append(profiles, att)
			} else {
				others = append(others, att)
			}
		}
	}

	out := protocol.AttachmentSet{
		CollectorURI: settings.CodeCoverageURI,
		DisplayName:  settings.CodeCoverageFriendlyName,
	}
	switch len(profiles) {
	case 0:
	case 1:
		out.Attachments = append(out.Attachments, profiles[0])
	default:
		p := newCoverProfile()
		for _, att := range profiles {
			if err := p.add(att.Path); err != nil {
				return nil, err
			}
		}
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return nil, err
		}
		path := filepath.Join(outDir, MergedCoverageName)
		if err := os.WriteFile(path, p.bytes(), 0644); err != nil {
			return nil, err
		}
		out.Attachments = append(out.Attachments, protocol.Attachment{Path: path, Description: "Merged coverage"})
	}
	slices.SortFunc(others, func(a, b protocol.Attachment) int { return strings.Compare(a.Path, b.Path) })
	out.Attachments = append(out.Attachments, others...)
	if len(out.Attachments) == 0 {
		return nil, nil
	}
	return []protocol.AttachmentSet{out}, nil
}

// isCoverProfile reports whether path starts with a coverage mode line.
func isCoverProfile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	line, _ := bufio.NewReader(f).ReadString('\n')
	return strings.HasPrefix(line, coverageModePrefix)
}

// coverProfile accumulates Go coverage profiles. Counts of identical blocks
// are summed, or ORed in set mode.
type coverProfile struct {
	mode  string
	files map[string]*cover.Profile
}

func newCoverProfile() *coverProfile {
	return &coverProfile{files: make(map[string]*cover.Profile)}
}

func (p *coverProfile) add(path string) error {
	profs, err := cover.ParseProfiles(path)
	if err != nil {
		return errors.Wrapf(err, "%s: malformed coverage profile", path)
	}
	for _, prof := range profs {
		if p.mode == "" {
			p.mode = prof.Mode
		} else if prof.Mode != p.mode {
			return errors.Errorf("%s: coverage mode %q does not match %q", path, prof.Mode, p.mode)
		}
		kept, ok := p.files[prof.FileName]
		if !ok {
			p.files[prof.FileName] = &cover.Profile{FileName: prof.FileName, Mode: prof.Mode, Blocks: prof.Blocks}
			continue
		}
		kept.Blocks = mergeBlocks(kept.Blocks, prof.Blocks, p.mode == "set")
	}
	return nil
}

// mergeBlocks merges two block lists sorted by start position.
func mergeBlocks(a, b []cover.ProfileBlock, set bool) []cover.ProfileBlock {
	out := make([]cover.ProfileBlock, 0, len(a)+len(b))
	for len(a) > 0 && len(b) > 0 {
		switch c := compareBlocks(a[0], b[0]); {
		case c < 0:
			out, a = append(out, a[0]), a[1:]
		case c > 0:
			out, b = append(out, b[0]), b[1:]
		default:
			m := a[0]
			if set {
				m.Count |= b[0].Count
			} else {
				m.Count += b[0].Count
			}
			out, a, b = append(out, m), a[1:], b[1:]
		}
	}
	out = append(out, a...)
	return append(out, b...)
}

func compareBlocks(a, b cover.ProfileBlock) int {
	for _, d := range []int{a.StartLine - b.StartLine, a.StartCol - b.StartCol, a.EndLine - b.EndLine, a.EndCol - b.EndCol} {
		if d != 0 {
			return d
		}
	}
	return 0
}

func (p *coverProfile) bytes() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s%s\n", coverageModePrefix, p.mode)
	names := maps.Keys(p.files)
	slices.Sort(names)
	for _, name := range names {
		for _, blk := range p.files[name].Blocks {
			fmt.Fprintf(&b, "%s:%d.%d,%d.%d %d %d\n", name, blk.StartLine, blk.StartCol, blk.EndLine, blk.EndCol, blk.NumStmt, blk.Count)
		}
	}
	return b.Bytes()
}
