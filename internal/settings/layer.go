// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package settings

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.chromium.org/hostrun/errors"
)

// Layer is one source of configuration. Each layer only overrides what it
// specifies; everything else falls through to lower layers.
type Layer struct {
	// Name identifies the layer in error messages.
	Name string
	// Values holds "Section.Key" settings in the order they were given.
	Values []KeyValue
	// DataCollectors and InProcDataCollectors replace collectors with the
	// same URI or friendly name and add the others.
	DataCollectors       []DataCollectorSettings
	InProcDataCollectors []DataCollectorSettings
	// Loggers replace loggers with the same name and add the others.
	Loggers           []LoggerSpec
	HasLegacySettings bool
}

// KeyValue is a "Section.Key" setting.
type KeyValue struct {
	Key   string
	Value string
}

// Layer names used in error messages.
const (
	LayerSettingsFile = "settings file"
	LayerInline       = "run settings arguments"
	LayerSwitches     = "command line"
)

// Canonical keys with dedicated handling.
const (
	KeyMaxCpuCount         = "RunConfiguration.MaxCpuCount"
	KeyTargetPlatform      = "RunConfiguration.TargetPlatform"
	KeyTargetFramework     = "RunConfiguration.TargetFrameworkVersion"
	KeyTestAdaptersPaths   = "RunConfiguration.TestAdaptersPaths"
	KeyDisableAppDomain    = "RunConfiguration.DisableAppDomain"
	KeyApartmentState      = "RunConfiguration.ExecutionThreadApartmentState"
	KeyTestSessionTimeout  = "RunConfiguration.TestSessionTimeout"
	KeyTreatNoTestsAsError = "RunConfiguration.TreatNoTestsAsError"
	KeyResultsDirectory    = "RunConfiguration.ResultsDirectory"
	KeyInIsolation         = "RunConfiguration.InIsolation"
	KeyTestCaseFilter      = "RunConfiguration.TestCaseFilter"

	envPrefix   = "RunConfiguration.EnvironmentVariables."
	paramPrefix = "TestRunParameters."
	rcPrefix    = "RunConfiguration."
)

type setter func(m *MutableConfig, v string) error

var setters = map[string]setter{
	strings.ToLower(KeyMaxCpuCount): func(m *MutableConfig, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return errors.New("must be a non-negative integer")
		}
		m.MaxCpuCount = n
		return nil
	},
	strings.ToLower(KeyTargetPlatform): func(m *MutableConfig, v string) error {
		p, err := ParsePlatform(strings.TrimSpace(v))
		if err != nil {
			return errors.New("must be one of x86, x64, ARM64, AnyCPU")
		}
		m.TargetPlatform = p
		return nil
	},
	strings.ToLower(KeyTargetFramework): func(m *MutableConfig, v string) error {
		f, err := ParseFramework(v)
		if err != nil {
			return errors.New("is not a known framework")
		}
		m.TargetFramework = f
		return nil
	},
	strings.ToLower(KeyTestAdaptersPaths): func(m *MutableConfig, v string) error {
		m.TestAdapterPaths = nil
		for _, p := range strings.Split(v, ";") {
			if p = strings.TrimSpace(p); p != "" {
				m.TestAdapterPaths = append(m.TestAdapterPaths, filepath.Clean(p))
			}
		}
		return nil
	},
	strings.ToLower(KeyDisableAppDomain): boolSetter(func(m *MutableConfig, b bool) { m.DisableAppDomain = b }),
	strings.ToLower(KeyApartmentState): func(m *MutableConfig, v string) error {
		a, err := ParseApartmentState(strings.TrimSpace(v))
		if err != nil {
			return errors.New("must be STA or MTA")
		}
		m.ApartmentState = a
		return nil
	},
	strings.ToLower(KeyTestSessionTimeout): func(m *MutableConfig, v string) error {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			return errors.New("must be a non-negative number of milliseconds")
		}
		m.TestSessionTimeout = time.Duration(n) * time.Millisecond
		return nil
	},
	strings.ToLower(KeyTreatNoTestsAsError): boolSetter(func(m *MutableConfig, b bool) { m.TreatNoTestsAsError = b }),
	strings.ToLower(KeyResultsDirectory): func(m *MutableConfig, v string) error {
		if v = strings.TrimSpace(v); v == "" {
			return errors.New("must not be empty")
		}
		m.ResultsDirectory = v
		return nil
	},
	strings.ToLower(KeyInIsolation): boolSetter(func(m *MutableConfig, b bool) { m.InIsolation = b }),
	strings.ToLower(KeyTestCaseFilter): func(m *MutableConfig, v string) error {
		m.TestCaseFilter = strings.TrimSpace(v)
		return nil
	},
}

func boolSetter(assign func(m *MutableConfig, b bool)) setter {
	return func(m *MutableConfig, v string) error {
		b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v)))
		if err != nil {
			return errors.New("must be true or false")
		}
		assign(m, b)
		return nil
	}
}

// apply sets one "Section.Key" value on m. Unknown RunConfiguration keys are
// kept verbatim for adapters; keys of other sections are rejected.
func (m *MutableConfig) apply(key, value string) error {
	lk := strings.ToLower(key)
	if set, ok := setters[lk]; ok {
		return set(m, value)
	}
	switch {
	case strings.HasPrefix(lk, strings.ToLower(envPrefix)) && len(key) > len(envPrefix):
		m.EnvironmentVariables[key[len(envPrefix):]] = value
	case strings.HasPrefix(lk, strings.ToLower(paramPrefix)) && len(key) > len(paramPrefix):
		m.TestRunParameters[key[len(paramPrefix):]] = value
	case strings.HasPrefix(lk, strings.ToLower(rcPrefix)) && len(key) > len(rcPrefix) && !strings.Contains(key[len(rcPrefix):], "."):
		m.ExtraRunConfiguration[key[len(rcPrefix):]] = value
	default:
		return errors.New("is not a supported setting")
	}
	return nil
}

// Apply overlays l on m.
func (m *MutableConfig) Apply(l *Layer) error {
	if m.EnvironmentVariables == nil {
		m.EnvironmentVariables = map[string]string{}
	}
	if m.TestRunParameters == nil {
		m.TestRunParameters = map[string]string{}
	}
	if m.ExtraRunConfiguration == nil {
		m.ExtraRunConfiguration = map[string]string{}
	}
	for _, kv := range l.Values {
		if err := m.apply(kv.Key, kv.Value); err != nil {
			return &FormatError{Layer: l.Name, Key: kv.Key, Value: kv.Value, Reason: err.Error()}
		}
	}
	m.DataCollectors = mergeCollectors(m.DataCollectors, l.DataCollectors)
	m.InProcDataCollectors = mergeCollectors(m.InProcDataCollectors, l.InProcDataCollectors)
	for _, lg := range l.Loggers {
		replaced := false
		for i, cur := range m.Loggers {
			if strings.EqualFold(cur.Name, lg.Name) {
				m.Loggers[i] = lg
				replaced = true
			}
		}
		if !replaced {
			m.Loggers = append(m.Loggers, lg)
		}
	}
	if l.HasLegacySettings {
		m.HasLegacySettings = true
	}
	for _, d := range l.DataCollectors {
		if d.Matches(DataCollectorSettings{FriendlyName: BlameFriendlyName, URI: BlameURI}) {
			b, err := parseBlameConfiguration(d.Configuration)
			if err != nil {
				return &FormatError{Layer: l.Name, Key: "DataCollector.blame", Value: d.Configuration, Reason: err.Error()}
			}
			b.Enabled = d.Enabled
			m.Blame = b
		}
	}
	return nil
}

func mergeCollectors(cur, overlay []DataCollectorSettings) []DataCollectorSettings {
	out := append([]DataCollectorSettings(nil), cur...)
	for _, d := range overlay {
		replaced := false
		for i, c := range out {
			if c.Matches(d) {
				if d.FriendlyName == "" {
					d.FriendlyName = c.FriendlyName
				}
				if d.URI == "" {
					d.URI = c.URI
				}
				if d.Configuration == "" {
					d.Configuration = c.Configuration
				}
				out[i] = d
				replaced = true
			}
		}
		if !replaced {
			out = append(out, d)
		}
	}
	return out
}
