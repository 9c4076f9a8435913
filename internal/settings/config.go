// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package settings resolves the run configuration from defaults, a run
// settings file, inline "Section.Key=Value" arguments and command-line
// switches.
package settings

import (
	"strings"
	"time"

	"golang.org/x/exp/maps"
)

// Well-known data collector identities.
const (
	BlameFriendlyName        = "blame"
	BlameURI                 = "datacollector://Microsoft/TestPlatform/Extensions/Blame/v1"
	CodeCoverageFriendlyName = "Code Coverage"
	CodeCoverageURI          = "datacollector://Microsoft/CodeCoverage/2.0"
)

// DefaultResultsDirectory is used when no layer sets ResultsDirectory.
const DefaultResultsDirectory = "TestResults"

// DataCollectorSettings configures one data collector.
type DataCollectorSettings struct {
	FriendlyName string
	URI          string
	Enabled      bool
	// Configuration is the inner XML of the <Configuration> element.
	Configuration string
}

// Matches reports whether d and o name the same collector.
func (d DataCollectorSettings) Matches(o DataCollectorSettings) bool {
	if d.URI != "" && o.URI != "" {
		return strings.EqualFold(d.URI, o.URI)
	}
	return strings.EqualFold(d.FriendlyName, o.FriendlyName)
}

// LoggerSpec selects a result logger, e.g. "junit;LogFileName=out.xml".
type LoggerSpec struct {
	Name       string
	Parameters map[string]string
}

// DumpType selects how much memory a crash or hang dump contains.
type DumpType string

// Dump types.
const (
	DumpMini DumpType = "mini"
	DumpFull DumpType = "full"
)

// BlameSettings configures crash and hang diagnostics.
type BlameSettings struct {
	Enabled         bool
	CollectDump     bool
	DumpType        DumpType
	CollectAlways   bool
	CollectHangDump bool
	HangDumpType    DumpType
	// TestTimeout is the per-test hang timeout. Zero disables hang detection.
	TestTimeout time.Duration
}

// MutableConfig is like RunConfiguration but its fields are mutable.
// Call Freeze to obtain a RunConfiguration.
type MutableConfig struct {
	// See RunConfiguration for descriptions of these fields.

	MaxCpuCount           int
	TargetPlatform        Platform
	TargetFramework       Framework
	TestAdapterPaths      []string
	DisableAppDomain      bool
	ApartmentState        ApartmentState
	TestSessionTimeout    time.Duration
	TreatNoTestsAsError   bool
	ResultsDirectory      string
	EnvironmentVariables  map[string]string
	InIsolation           bool
	TestCaseFilter        string
	Blame                 BlameSettings
	DataCollectors        []DataCollectorSettings
	InProcDataCollectors  []DataCollectorSettings
	Loggers               []LoggerSpec
	TestRunParameters     map[string]string
	HasLegacySettings     bool
	ExtraRunConfiguration map[string]string
}

// Default returns the configuration used when no layer specifies anything.
func Default() *MutableConfig {
	return &MutableConfig{
		MaxCpuCount:           1,
		ResultsDirectory:      DefaultResultsDirectory,
		EnvironmentVariables:  map[string]string{},
		TestRunParameters:     map[string]string{},
		ExtraRunConfiguration: map[string]string{},
	}
}

// Clone returns a deep copy of c.
func (c *MutableConfig) Clone() *MutableConfig {
	n := *c
	n.TestAdapterPaths = append([]string(nil), c.TestAdapterPaths...)
	n.EnvironmentVariables = maps.Clone(c.EnvironmentVariables)
	n.TestRunParameters = maps.Clone(c.TestRunParameters)
	n.ExtraRunConfiguration = maps.Clone(c.ExtraRunConfiguration)
	n.DataCollectors = append([]DataCollectorSettings(nil), c.DataCollectors...)
	n.InProcDataCollectors = append([]DataCollectorSettings(nil), c.InProcDataCollectors...)
	n.Loggers = make([]LoggerSpec, len(c.Loggers))
	for i, l := range c.Loggers {
		n.Loggers[i] = LoggerSpec{Name: l.Name, Parameters: maps.Clone(l.Parameters)}
	}
	return &n
}

// Freeze returns an immutable RunConfiguration holding a copy of c.
func (c *MutableConfig) Freeze() *RunConfiguration {
	return &RunConfiguration{m: c.Clone()}
}

// RunConfiguration is the resolved, read-only configuration of a run.
// It is safe for concurrent use.
type RunConfiguration struct {
	m *MutableConfig
}

// MaxCpuCount is the maximum number of hosts running at once. 0 means the
// number of available cores.
func (c *RunConfiguration) MaxCpuCount() int { return c.m.MaxCpuCount }

// Parallel reports whether sources may run in parallel hosts.
func (c *RunConfiguration) Parallel() bool { return c.m.MaxCpuCount != 1 }

// TargetPlatform is the platform hosts are launched for. It is PlatformUnset
// until inferred from sources.
func (c *RunConfiguration) TargetPlatform() Platform { return c.m.TargetPlatform }

// TargetFramework is the framework of the run, or zero until inferred.
func (c *RunConfiguration) TargetFramework() Framework { return c.m.TargetFramework }

// TestAdapterPaths lists directories searched for adapter manifests, in order.
func (c *RunConfiguration) TestAdapterPaths() []string {
	return append([]string(nil), c.m.TestAdapterPaths...)
}

// DisableAppDomain requests one host per source even for shareable hosts.
func (c *RunConfiguration) DisableAppDomain() bool { return c.m.DisableAppDomain }

// ApartmentState is the requested apartment state of test threads.
func (c *RunConfiguration) ApartmentState() ApartmentState { return c.m.ApartmentState }

// TestSessionTimeout is the wall-clock budget of the whole run. Zero means
// no limit.
func (c *RunConfiguration) TestSessionTimeout() time.Duration { return c.m.TestSessionTimeout }

// TreatNoTestsAsError makes a run without tests fail.
func (c *RunConfiguration) TreatNoTestsAsError() bool { return c.m.TreatNoTestsAsError }

// ResultsDirectory is where loggers, collectors and hosts write files.
func (c *RunConfiguration) ResultsDirectory() string { return c.m.ResultsDirectory }

// EnvironmentVariables are added to the environment of every host.
func (c *RunConfiguration) EnvironmentVariables() map[string]string {
	return maps.Clone(c.m.EnvironmentVariables)
}

// InIsolation requests fresh hosts for execution instead of reusing the
// hosts that ran discovery.
func (c *RunConfiguration) InIsolation() bool { return c.m.InIsolation }

// TestCaseFilter is the filter expression selecting tests, or "".
func (c *RunConfiguration) TestCaseFilter() string { return c.m.TestCaseFilter }

// Blame returns crash and hang diagnostics settings.
func (c *RunConfiguration) Blame() BlameSettings { return c.m.Blame }

// DataCollectors returns out-of-process data collector settings.
func (c *RunConfiguration) DataCollectors() []DataCollectorSettings {
	return append([]DataCollectorSettings(nil), c.m.DataCollectors...)
}

// EnabledDataCollectors returns the enabled data collectors, in-process ones
// included.
func (c *RunConfiguration) EnabledDataCollectors() []DataCollectorSettings {
	var ds []DataCollectorSettings
	for _, d := range append(c.DataCollectors(), c.m.InProcDataCollectors...) {
		if d.Enabled {
			ds = append(ds, d)
		}
	}
	return ds
}

// Loggers returns the requested result loggers.
func (c *RunConfiguration) Loggers() []LoggerSpec {
	return c.m.Clone().Loggers
}

// TestRunParameters returns <TestRunParameters> values.
func (c *RunConfiguration) TestRunParameters() map[string]string {
	return maps.Clone(c.m.TestRunParameters)
}

// HasLegacySettings reports whether a <LegacySettings> section was given.
func (c *RunConfiguration) HasLegacySettings() bool { return c.m.HasLegacySettings }

// Mutable returns a mutable copy of c.
func (c *RunConfiguration) Mutable() *MutableConfig { return c.m.Clone() }
