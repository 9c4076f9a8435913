// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package settings

import (
	"flag"
	"strings"

	"go.chromium.org/hostrun/internal/command"
)

// Switches holds settings given as command-line switches. It is the
// highest-precedence layer.
type Switches struct {
	// SettingsFile is the path of a run settings file. It is read by the
	// caller and passed to Resolve.
	SettingsFile     string
	Framework        string
	Platform         string
	Parallel         bool
	TestAdapterPaths []string
	ResultsDirectory string
	TestCaseFilter   string
	InIsolation      bool
	Collect          []string
	Loggers          []string
	Environment      []string

	blame    string
	blameSet bool
}

// blameFlag makes "-blame" usable both bare and with options.
type blameFlag struct{ s *Switches }

func (f blameFlag) String() string   { return "" }
func (f blameFlag) IsBoolFlag() bool { return true }

func (f blameFlag) Set(v string) error {
	f.s.blameSet = true
	if v == "true" {
		v = ""
	}
	f.s.blame = v
	return nil
}

// SetBlame sets the /Blame switch value as if given on the command line.
func (s *Switches) SetBlame(v string) {
	blameFlag{s}.Set(v)
}

// SetFlags registers the switches on fs.
func (s *Switches) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&s.SettingsFile, "settings", "", "run settings file")
	fs.StringVar(&s.Framework, "framework", "", "target framework, e.g. net8.0 or .NETFramework,Version=v4.6.2")
	fs.StringVar(&s.Platform, "platform", "", "target platform (x86, x64, ARM64)")
	fs.BoolVar(&s.Parallel, "parallel", false, "run sources in parallel hosts")
	fs.Var(command.NewListFlag(";", func(v []string) { s.TestAdapterPaths = v }, nil),
		"test_adapter_path", "semicolon-separated directories containing adapter manifests")
	fs.StringVar(&s.ResultsDirectory, "results_directory", "", "directory for results and attachments")
	fs.StringVar(&s.TestCaseFilter, "testcasefilter", "", "filter expression selecting tests")
	fs.BoolVar(&s.InIsolation, "inisolation", false, "use fresh hosts for execution")
	fs.Var(blameFlag{s}, "blame", "enable blame; optionally CollectDump;DumpType=full;CollectHangDump;TestTimeout=90s")
	collect := command.RepeatedFlag(func(v string) error {
		s.Collect = append(s.Collect, v)
		return nil
	})
	fs.Var(&collect, "collect", "enable a data collector by friendly name (repeatable)")
	loggers := command.RepeatedFlag(func(v string) error {
		s.Loggers = append(s.Loggers, v)
		return nil
	})
	fs.Var(&loggers, "logger", "result logger, e.g. junit;LogFileName=out.xml (repeatable)")
	env := command.RepeatedFlag(func(v string) error {
		s.Environment = append(s.Environment, v)
		return nil
	})
	fs.Var(&env, "e", "NAME=VALUE environment variable for hosts (repeatable)")
}

// Layer converts s into a configuration layer.
func (s *Switches) Layer() (*Layer, error) {
	l := &Layer{Name: LayerSwitches}
	add := func(k, v string) { l.Values = append(l.Values, KeyValue{k, v}) }
	if s.Framework != "" {
		add(KeyTargetFramework, s.Framework)
	}
	if s.Platform != "" {
		add(KeyTargetPlatform, s.Platform)
	}
	if len(s.TestAdapterPaths) > 0 {
		add(KeyTestAdaptersPaths, strings.Join(s.TestAdapterPaths, ";"))
	}
	if s.ResultsDirectory != "" {
		add(KeyResultsDirectory, s.ResultsDirectory)
	}
	if s.TestCaseFilter != "" {
		add(KeyTestCaseFilter, s.TestCaseFilter)
	}
	if s.InIsolation {
		add(KeyInIsolation, "true")
	}
	for _, e := range s.Environment {
		name, value, ok := strings.Cut(e, "=")
		if !ok || name == "" {
			return nil, &FormatError{Layer: LayerSwitches, Key: "e", Value: e, Reason: "must be in the form NAME=VALUE"}
		}
		add(envPrefix+name, value)
	}
	if s.blameSet {
		d, err := ParseBlame(s.blame)
		if err != nil {
			return nil, err
		}
		l.DataCollectors = append(l.DataCollectors, d)
	}
	for _, name := range s.Collect {
		d := DataCollectorSettings{FriendlyName: name, Enabled: true}
		switch {
		case strings.EqualFold(name, CodeCoverageFriendlyName):
			d.URI = CodeCoverageURI
		case strings.EqualFold(name, BlameFriendlyName):
			d.URI = BlameURI
		}
		l.DataCollectors = append(l.DataCollectors, d)
	}
	for _, v := range s.Loggers {
		spec, err := ParseLoggerSpec(v)
		if err != nil {
			return nil, err
		}
		l.Loggers = append(l.Loggers, spec)
	}
	return l, nil
}
