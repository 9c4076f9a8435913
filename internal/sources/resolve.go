// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sources

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/logging"
	"go.chromium.org/hostrun/internal/settings"
)

// ErrNoSources is returned by Resolve when no source could be classified.
var ErrNoSources = errors.New("No test source files were specified, or none of them could be loaded")

// Resolve classifies paths in order. Sources that cannot be classified are
// skipped with a warning; it is an error only if all of them fail.
func Resolve(ctx context.Context, paths []string) ([]*Source, error) {
	if len(paths) == 0 {
		return nil, ErrNoSources
	}
	var srcs []*Source
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		src := Classify(abs)
		if src.AssemblyType == AssemblyNone {
			logging.Warningf(ctx, "Skipping source %s: %s", p, src.Reason)
			continue
		}
		logging.Debugf(ctx, "Source %s: %s %s %s", src.Path, src.AssemblyType, src.Framework, src.Platform)
		srcs = append(srcs, src)
	}
	if len(srcs) == 0 {
		return nil, ErrNoSources
	}
	return srcs, nil
}

// Target returns the framework and platform a host running src should use
// under cfg. Values set in cfg win; otherwise the source's own values are
// used, with AnyCPU sources running on the native platform.
func Target(src *Source, cfg *settings.RunConfiguration) (settings.Framework, settings.Platform) {
	fw := cfg.TargetFramework()
	if fw.IsZero() {
		fw = src.Framework
	}
	pl := cfg.TargetPlatform()
	if pl == settings.PlatformUnset || pl == settings.PlatformAnyCPU {
		pl = src.Platform
	}
	if pl == settings.PlatformAnyCPU || pl == settings.PlatformUnset {
		pl = settings.NativePlatform()
	}
	return fw, pl
}

// CheckCompatibility returns a warning naming every source whose framework
// or platform does not match the framework and platform set in cfg, or ""
// if all sources match. Mismatched sources are still run. Only values set
// explicitly in cfg are checked.
func CheckCompatibility(srcs []*Source, cfg *settings.RunConfiguration) string {
	wantFw := cfg.TargetFramework()
	wantPl := cfg.TargetPlatform()

	var lines []string
	for _, src := range srcs {
		fwBad := !wantFw.IsZero() && !src.Framework.IsZero() && !frameworkCompatible(src.Framework, wantFw)
		plBad := wantPl != settings.PlatformUnset && wantPl != settings.PlatformAnyCPU &&
			src.Platform != settings.PlatformAnyCPU && src.Platform != wantPl
		if !fwBad && !plBad {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s would use Framework %s and Platform %s.",
			filepath.Base(src.Path), orUnknown(src.Framework.String()), orUnknown(src.Platform.String())))
	}
	if len(lines) == 0 {
		return ""
	}
	fw, pl := wantFw.String(), wantPl.String()
	return fmt.Sprintf("Test run detected source(s) which would use different framework and platform versions. "+
		"Following source(s) do not match current settings, which are framework: %s and platform: %s.\n%s",
		orUnknown(fw), orUnknown(pl), strings.Join(lines, "\n"))
}

// frameworkCompatible reports whether a source built for src can run in a
// host of framework host. .NETStandard libraries run anywhere.
func frameworkCompatible(src, host settings.Framework) bool {
	if src.Name == settings.NetStandard {
		return true
	}
	return src.Name == host.Name && settings.CompareVersions(src.Version, host.Version) == 0
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
