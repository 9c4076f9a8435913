// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package settings

import (
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"go.chromium.org/hostrun/errors"
)

// Platform is a target processor architecture.
type Platform int

// Platforms recognized in run settings. PlatformUnset means no layer chose a
// platform and it is inferred from the sources.
const (
	PlatformUnset Platform = iota
	PlatformX86
	PlatformX64
	PlatformARM64
	PlatformAnyCPU
)

var platformNames = map[Platform]string{
	PlatformX86:    "X86",
	PlatformX64:    "X64",
	PlatformARM64:  "ARM64",
	PlatformAnyCPU: "AnyCPU",
}

func (p Platform) String() string {
	if s, ok := platformNames[p]; ok {
		return s
	}
	return ""
}

// Suffix returns the lower-case name used in host executable names, e.g.
// "x86" in "testhost.x86".
func (p Platform) Suffix() string {
	return strings.ToLower(p.String())
}

// ParsePlatform parses a platform name case-insensitively.
func ParsePlatform(s string) (Platform, error) {
	for p, n := range platformNames {
		if strings.EqualFold(n, s) {
			return p, nil
		}
	}
	return PlatformUnset, errors.Errorf("invalid platform %q", s)
}

// NativePlatform returns the platform of the machine hostrun runs on.
func NativePlatform() Platform {
	switch runtime.GOARCH {
	case "386":
		return PlatformX86
	case "arm64":
		return PlatformARM64
	default:
		return PlatformX64
	}
}

// ApartmentState is the COM threading model requested for test threads.
type ApartmentState int

// Apartment states. MTA is the default of every runtime.
const (
	ApartmentMTA ApartmentState = iota
	ApartmentSTA
)

func (a ApartmentState) String() string {
	if a == ApartmentSTA {
		return "STA"
	}
	return "MTA"
}

// ParseApartmentState parses "STA" or "MTA" case-insensitively.
func ParseApartmentState(s string) (ApartmentState, error) {
	switch strings.ToUpper(s) {
	case "MTA":
		return ApartmentMTA, nil
	case "STA":
		return ApartmentSTA, nil
	}
	return ApartmentMTA, errors.Errorf("invalid apartment state %q", s)
}

// Framework identifies a target framework, e.g. ".NETCoreApp,Version=v8.0".
// The zero value means unset.
type Framework struct {
	Name    string
	Version string
}

// Framework names.
const (
	NetFramework = ".NETFramework"
	NetCoreApp   = ".NETCoreApp"
	NetStandard  = ".NETStandard"
)

func (f Framework) String() string {
	if f.Name == "" {
		return ""
	}
	return f.Name + ",Version=v" + f.Version
}

// IsZero reports whether f is unset.
func (f Framework) IsZero() bool { return f.Name == "" }

// ShortName returns the short TFM, e.g. "net8.0" or "net462".
func (f Framework) ShortName() string {
	switch f.Name {
	case NetFramework:
		return "net" + strings.ReplaceAll(f.Version, ".", "")
	case NetCoreApp:
		if major, _ := strconv.Atoi(strings.SplitN(f.Version, ".", 2)[0]); major >= 5 {
			return "net" + f.Version
		}
		return "netcoreapp" + f.Version
	case NetStandard:
		return "netstandard" + f.Version
	}
	return f.String()
}

var (
	fullFrameworkRe  = regexp.MustCompile(`^(\.[A-Za-z]+),Version=v?(\d+(?:\.\d+)*)$`)
	netFxShortRe     = regexp.MustCompile(`^net(\d)(\d)(\d)?$`)
	netShortRe       = regexp.MustCompile(`^net(\d+\.\d+)$`)
	netCoreShortRe   = regexp.MustCompile(`^netcoreapp(\d+\.\d+)$`)
	netStandardRe    = regexp.MustCompile(`^netstandard(\d+\.\d+)$`)
	legacyFrameworks = map[string]Framework{
		"framework35":     {NetFramework, "3.5"},
		"framework40":     {NetFramework, "4.0"},
		"framework45":     {NetFramework, "4.5"},
		"frameworkcore10": {NetCoreApp, "1.0"},
	}
)

// ParseFramework accepts full names (".NETFramework,Version=v4.6.2"), short
// TFMs ("net462", "net8.0", "netcoreapp3.1") and legacy names ("Framework45").
func ParseFramework(s string) (Framework, error) {
	s = strings.TrimSpace(s)
	if m := fullFrameworkRe.FindStringSubmatch(s); m != nil {
		for _, n := range []string{NetFramework, NetCoreApp, NetStandard} {
			if strings.EqualFold(m[1], n) {
				return Framework{n, m[2]}, nil
			}
		}
		return Framework{m[1], m[2]}, nil
	}
	ls := strings.ToLower(s)
	if f, ok := legacyFrameworks[ls]; ok {
		return f, nil
	}
	if m := netFxShortRe.FindStringSubmatch(ls); m != nil {
		v := m[1] + "." + m[2]
		if m[3] != "" {
			v += "." + m[3]
		}
		return Framework{NetFramework, v}, nil
	}
	if m := netShortRe.FindStringSubmatch(ls); m != nil {
		return Framework{NetCoreApp, m[1]}, nil
	}
	if m := netCoreShortRe.FindStringSubmatch(ls); m != nil {
		return Framework{NetCoreApp, m[1]}, nil
	}
	if m := netStandardRe.FindStringSubmatch(ls); m != nil {
		return Framework{NetStandard, m[1]}, nil
	}
	return Framework{}, errors.Errorf("invalid framework %q", s)
}

// CompareVersions compares dotted version strings numerically.
func CompareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y int
		if i < len(as) {
			x, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			y, _ = strconv.Atoi(bs[i])
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}
