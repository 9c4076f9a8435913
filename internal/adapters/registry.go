// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package adapters loads test adapter and data collector manifests and maps
// test sources to the adapters able to handle them.
package adapters

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/settings"
	"go.chromium.org/hostrun/internal/sources"
)

// PathEnv names an environment variable listing extra manifest directories,
// separated like PATH.
const PathEnv = "HOSTRUN_ADAPTER_PATH"

// ErrNoRunnableSources is returned by FindAdapters when no source can be
// handled by any adapter.
var ErrNoRunnableSources = errors.New("No test is available in the given sources. Make sure that test adapters are installed and /TestAdapterPath points to them")

// Registry holds the adapters and data collectors found in manifest
// directories.
type Registry struct {
	adapters   []*Adapter
	collectors []*Collector
}

// SearchDirs returns the manifest directories for cfg: the configured test
// adapter paths followed by existing directories listed in PathEnv.
func SearchDirs(cfg *settings.RunConfiguration) []string {
	dirs := cfg.TestAdapterPaths()
	for _, d := range filepath.SplitList(os.Getenv(PathEnv)) {
		if fi, err := os.Stat(d); err == nil && fi.IsDir() {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// LoadRegistry reads all manifests under dirs. Adapters with an executor URI
// already declared by an earlier manifest are ignored with a warning, so
// earlier directories take precedence. Data collectors are all kept; their
// attachment processors are deduplicated later.
func LoadRegistry(ctx context.Context, dirs []string) (*Registry, error) {
	r := &Registry{}
	seen := make(map[string]*Adapter)
	for _, dir := range dirs {
		fi, err := os.Stat(dir)
		if err != nil || !fi.IsDir() {
			return nil, errors.Errorf("the path %q specified in TestAdapterPath is not a directory", dir)
		}
		var paths []string
		if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), ManifestSuffix) {
				paths = append(paths, path)
			}
			return nil
		}); err != nil {
			return nil, errors.Wrapf(err, "failed to walk %s", dir)
		}
		for _, path := range paths {
			m, err := readManifest(path)
			if err != nil {
				return nil, err
			}
			for _, a := range m.Adapters {
				key := strings.ToLower(a.ExecutorURI)
				if prev, ok := seen[key]; ok {
					logging.Warningf(ctx, "Ignoring adapter %s from %s: already declared in %s", a.ExecutorURI, path, prev.ManifestPath)
					continue
				}
				seen[key] = a
				logging.Debugf(ctx, "Found adapter %s (%s) in %s", a.Name, a.ExecutorURI, path)
				r.adapters = append(r.adapters, a)
			}
			r.collectors = append(r.collectors, m.Collectors...)
		}
	}
	return r, nil
}

// Adapters returns all adapters in load order.
func (r *Registry) Adapters() []*Adapter {
	return append([]*Adapter(nil), r.adapters...)
}

// Collectors returns all data collectors in load order.
func (r *Registry) Collectors() []*Collector {
	return append([]*Collector(nil), r.collectors...)
}

// Collector returns the first data collector whose friendly name or URI
// equals nameOrURI, case-insensitively.
func (r *Registry) Collector(nameOrURI string) (*Collector, bool) {
	for _, c := range r.collectors {
		if strings.EqualFold(c.FriendlyName, nameOrURI) || strings.EqualFold(c.URI, nameOrURI) {
			return c, true
		}
	}
	return nil, false
}

// FindAdapters maps each source to the adapters able to handle it. Sources
// no adapter handles are skipped with a warning. ErrNoRunnableSources is
// returned if no source remains.
func (r *Registry) FindAdapters(ctx context.Context, srcs []*sources.Source) (map[*sources.Source][]*Adapter, error) {
	res := make(map[*sources.Source][]*Adapter)
	for _, src := range srcs {
		var as []*Adapter
		for _, a := range r.adapters {
			if a.Handles(src) {
				as = append(as, a)
			}
		}
		if len(as) == 0 {
			logging.Warningf(ctx, "Skipping source %s: no test adapter can handle %s %s sources", src.Path, orAny(src.Framework.String()), src.AssemblyType)
			continue
		}
		res[src] = as
	}
	if len(res) == 0 {
		return nil, ErrNoRunnableSources
	}
	return res, nil
}

func orAny(s string) string {
	if s == "" {
		return "unknown-framework"
	}
	return s
}
