// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package settings

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"go.chromium.org/hostrun/errors"
)

type xmlElem struct {
	XMLName  xml.Name
	Value    string    `xml:",chardata"`
	Children []xmlElem `xml:",any"`
}

type xmlInner struct {
	Inner string `xml:",innerxml"`
}

type xmlCollector struct {
	FriendlyName  string    `xml:"friendlyName,attr,omitempty"`
	URI           string    `xml:"uri,attr,omitempty"`
	Enabled       string    `xml:"enabled,attr,omitempty"`
	Configuration *xmlInner `xml:"Configuration"`
}

type xmlLogger struct {
	FriendlyName  string `xml:"friendlyName,attr"`
	URI           string `xml:"uri,attr,omitempty"`
	Enabled       string `xml:"enabled,attr,omitempty"`
	Configuration *struct {
		Elems []xmlElem `xml:",any"`
	} `xml:"Configuration"`
}

type xmlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlRunSettings struct {
	XMLName          xml.Name `xml:"RunSettings"`
	RunConfiguration *struct {
		Elems []xmlElem `xml:",any"`
	} `xml:"RunConfiguration"`
	DataCollection *struct {
		Collectors []xmlCollector `xml:"DataCollectors>DataCollector"`
	} `xml:"DataCollectionRunSettings"`
	InProcDataCollection *struct {
		Collectors []xmlCollector `xml:"InProcDataCollectors>InProcDataCollector"`
	} `xml:"InProcDataCollectionRunSettings"`
	LoggerRunSettings *struct {
		Loggers []xmlLogger `xml:"Loggers>Logger"`
	} `xml:"LoggerRunSettings"`
	TestRunParameters []xmlParam `xml:"TestRunParameters>Parameter"`
	LegacySettings    *xmlInner  `xml:"LegacySettings"`
}

// ParseRunSettings parses a run settings document into a Layer. A document
// that is not well-formed XML or whose root is not <RunSettings> yields a
// *FormatError. Values are validated later by Resolve.
func ParseRunSettings(b []byte) (*Layer, error) {
	var rs xmlRunSettings
	if err := xml.Unmarshal(b, &rs); err != nil {
		return nil, &FormatError{Layer: LayerSettingsFile, Reason: err.Error()}
	}

	l := &Layer{Name: LayerSettingsFile}
	if rc := rs.RunConfiguration; rc != nil {
		for _, e := range rc.Elems {
			name := e.XMLName.Local
			if name == "EnvironmentVariables" {
				for _, env := range e.Children {
					l.Values = append(l.Values, KeyValue{envPrefix + env.XMLName.Local, env.Value})
				}
				continue
			}
			l.Values = append(l.Values, KeyValue{rcPrefix + name, strings.TrimSpace(e.Value)})
		}
	}
	if dc := rs.DataCollection; dc != nil {
		for _, c := range dc.Collectors {
			d, err := c.settings()
			if err != nil {
				return nil, err
			}
			l.DataCollectors = append(l.DataCollectors, d)
		}
	}
	if dc := rs.InProcDataCollection; dc != nil {
		for _, c := range dc.Collectors {
			d, err := c.settings()
			if err != nil {
				return nil, err
			}
			l.InProcDataCollectors = append(l.InProcDataCollectors, d)
		}
	}
	if lr := rs.LoggerRunSettings; lr != nil {
		for _, lg := range lr.Loggers {
			if lg.Enabled != "" && !strings.EqualFold(lg.Enabled, "true") {
				continue
			}
			spec := LoggerSpec{Name: lg.FriendlyName, Parameters: map[string]string{}}
			if lg.Configuration != nil {
				for _, e := range lg.Configuration.Elems {
					spec.Parameters[e.XMLName.Local] = strings.TrimSpace(e.Value)
				}
			}
			l.Loggers = append(l.Loggers, spec)
		}
	}
	for _, p := range rs.TestRunParameters {
		l.Values = append(l.Values, KeyValue{paramPrefix + p.Name, p.Value})
	}
	l.HasLegacySettings = rs.LegacySettings != nil
	return l, nil
}

func (c xmlCollector) settings() (DataCollectorSettings, error) {
	d := DataCollectorSettings{FriendlyName: c.FriendlyName, URI: c.URI, Enabled: true}
	if c.FriendlyName == "" && c.URI == "" {
		return d, &FormatError{Layer: LayerSettingsFile, Key: "DataCollector", Reason: "a data collector needs a friendlyName or uri attribute"}
	}
	if c.Enabled != "" {
		b, err := strconv.ParseBool(strings.ToLower(c.Enabled))
		if err != nil {
			return d, &FormatError{Layer: LayerSettingsFile, Key: "DataCollector.enabled", Value: c.Enabled, Reason: "must be true or false"}
		}
		d.Enabled = b
	}
	if c.Configuration != nil {
		d.Configuration = strings.TrimSpace(c.Configuration.Inner)
	}
	return d, nil
}

// RunSettingsXML renders c as a run settings document. Hosts receive it so
// that adapters can read their own settings.
func (c *RunConfiguration) RunSettingsXML() (string, error) {
	m := c.m
	var rc []xmlElem
	add := func(name, value string) {
		rc = append(rc, xmlElem{XMLName: xml.Name{Local: name}, Value: value})
	}
	add("MaxCpuCount", strconv.Itoa(m.MaxCpuCount))
	if m.TargetPlatform != PlatformUnset {
		add("TargetPlatform", m.TargetPlatform.String())
	}
	if !m.TargetFramework.IsZero() {
		add("TargetFrameworkVersion", m.TargetFramework.String())
	}
	if len(m.TestAdapterPaths) > 0 {
		add("TestAdaptersPaths", strings.Join(m.TestAdapterPaths, ";"))
	}
	add("DisableAppDomain", strconv.FormatBool(m.DisableAppDomain))
	add("ExecutionThreadApartmentState", m.ApartmentState.String())
	if m.TestSessionTimeout > 0 {
		add("TestSessionTimeout", strconv.FormatInt(int64(m.TestSessionTimeout/time.Millisecond), 10))
	}
	add("TreatNoTestsAsError", strconv.FormatBool(m.TreatNoTestsAsError))
	add("ResultsDirectory", m.ResultsDirectory)
	add("InIsolation", strconv.FormatBool(m.InIsolation))
	if m.TestCaseFilter != "" {
		add("TestCaseFilter", m.TestCaseFilter)
	}
	extra := maps.Keys(m.ExtraRunConfiguration)
	slices.Sort(extra)
	for _, k := range extra {
		add(k, m.ExtraRunConfiguration[k])
	}
	if len(m.EnvironmentVariables) > 0 {
		env := xmlElem{XMLName: xml.Name{Local: "EnvironmentVariables"}}
		names := maps.Keys(m.EnvironmentVariables)
		slices.Sort(names)
		for _, k := range names {
			env.Children = append(env.Children, xmlElem{XMLName: xml.Name{Local: k}, Value: m.EnvironmentVariables[k]})
		}
		rc = append(rc, env)
	}

	rs := xmlRunSettings{}
	rs.RunConfiguration = &struct {
		Elems []xmlElem `xml:",any"`
	}{rc}
	if len(m.DataCollectors) > 0 {
		rs.DataCollection = &struct {
			Collectors []xmlCollector `xml:"DataCollectors>DataCollector"`
		}{toXMLCollectors(m.DataCollectors)}
	}
	if len(m.InProcDataCollectors) > 0 {
		rs.InProcDataCollection = &struct {
			Collectors []xmlCollector `xml:"InProcDataCollectors>InProcDataCollector"`
		}{toXMLCollectors(m.InProcDataCollectors)}
	}
	params := maps.Keys(m.TestRunParameters)
	slices.Sort(params)
	for _, k := range params {
		rs.TestRunParameters = append(rs.TestRunParameters, xmlParam{Name: k, Value: m.TestRunParameters[k]})
	}

	var b bytes.Buffer
	enc := xml.NewEncoder(&b)
	enc.Indent("", "  ")
	if err := enc.Encode(&rs); err != nil {
		return "", errors.Wrap(err, "failed to render run settings")
	}
	return b.String(), nil
}

func toXMLCollectors(ds []DataCollectorSettings) []xmlCollector {
	var xs []xmlCollector
	for _, d := range ds {
		x := xmlCollector{FriendlyName: d.FriendlyName, URI: d.URI, Enabled: strconv.FormatBool(d.Enabled)}
		if d.Configuration != "" {
			x.Configuration = &xmlInner{Inner: d.Configuration}
		}
		xs = append(xs, x)
	}
	return xs
}
