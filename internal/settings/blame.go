// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package settings

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.chromium.org/hostrun/errors"
)

type xmlBlame struct {
	CollectDump *struct {
		DumpType      string `xml:"DumpType,attr"`
		CollectAlways string `xml:"CollectAlways,attr"`
	} `xml:"CollectDump"`
	CollectHangDump *struct {
		TestTimeout  string `xml:"TestTimeout,attr"`
		HangDumpType string `xml:"HangDumpType,attr"`
	} `xml:"CollectDumpOnTestSessionHang"`
}

// parseBlameConfiguration parses the <Configuration> inner XML of the blame
// data collector.
func parseBlameConfiguration(inner string) (BlameSettings, error) {
	b := BlameSettings{DumpType: DumpMini, HangDumpType: DumpFull}
	var x xmlBlame
	if err := xml.Unmarshal([]byte("<Configuration>"+inner+"</Configuration>"), &x); err != nil {
		return b, err
	}
	if cd := x.CollectDump; cd != nil {
		b.CollectDump = true
		if cd.DumpType != "" {
			dt, err := parseDumpType(cd.DumpType)
			if err != nil {
				return b, err
			}
			b.DumpType = dt
		}
		if cd.CollectAlways != "" {
			v, err := strconv.ParseBool(strings.ToLower(cd.CollectAlways))
			if err != nil {
				return b, errors.Errorf("invalid CollectAlways value %q", cd.CollectAlways)
			}
			b.CollectAlways = v
		}
	}
	if hd := x.CollectHangDump; hd != nil {
		b.CollectHangDump = true
		b.TestTimeout = time.Hour
		if hd.TestTimeout != "" {
			d, err := parseTimeout(hd.TestTimeout)
			if err != nil {
				return b, err
			}
			b.TestTimeout = d
		}
		if hd.HangDumpType != "" {
			dt, err := parseDumpType(hd.HangDumpType)
			if err != nil {
				return b, err
			}
			b.HangDumpType = dt
		}
	}
	return b, nil
}

func parseDumpType(s string) (DumpType, error) {
	switch strings.ToLower(s) {
	case "mini":
		return DumpMini, nil
	case "full":
		return DumpFull, nil
	}
	return "", errors.Errorf("invalid dump type %q; must be mini or full", s)
}

// parseTimeout accepts Go durations ("90s", "1m30s") and plain milliseconds.
func parseTimeout(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return time.Duration(n) * time.Millisecond, nil
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, nil
	}
	return 0, errors.Errorf("invalid TestTimeout %q", s)
}

// ParseBlame parses the value of the /Blame switch, e.g.
// "CollectDump;DumpType=full;CollectHangDump;TestTimeout=90s", into blame
// data collector settings. An empty value enables blame without dumps.
func ParseBlame(v string) (DataCollectorSettings, error) {
	var collectDump, collectHang bool
	attrs := map[string]string{}
	for _, part := range strings.Split(v, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, hasVal := strings.Cut(part, "=")
		switch k := strings.ToLower(key); {
		case k == "collectdump" && !hasVal:
			collectDump = true
		case k == "collecthangdump" && !hasVal:
			collectHang = true
		case hasVal && (k == "dumptype" || k == "collectalways" || k == "testtimeout" || k == "hangdumptype"):
			attrs[k] = val
		default:
			return DataCollectorSettings{}, &FormatError{Layer: LayerSwitches, Key: "Blame", Value: v, Reason: fmt.Sprintf("unknown option %q", part)}
		}
	}

	var b strings.Builder
	if collectDump {
		b.WriteString("<CollectDump")
		writeAttr(&b, "DumpType", attrs["dumptype"])
		writeAttr(&b, "CollectAlways", attrs["collectalways"])
		b.WriteString(" />")
	}
	if collectHang || attrs["testtimeout"] != "" {
		b.WriteString("<CollectDumpOnTestSessionHang")
		writeAttr(&b, "TestTimeout", attrs["testtimeout"])
		writeAttr(&b, "HangDumpType", attrs["hangdumptype"])
		b.WriteString(" />")
	}
	d := DataCollectorSettings{FriendlyName: BlameFriendlyName, URI: BlameURI, Enabled: true, Configuration: b.String()}
	if _, err := parseBlameConfiguration(d.Configuration); err != nil {
		return DataCollectorSettings{}, &FormatError{Layer: LayerSwitches, Key: "Blame", Value: v, Reason: err.Error()}
	}
	return d, nil
}

func writeAttr(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	b.WriteString(" " + name + `="`)
	xml.EscapeText(b, []byte(value))
	b.WriteString(`"`)
}

// ParseLoggerSpec parses a /logger value such as
// "junit;LogFileName=results.xml".
func ParseLoggerSpec(v string) (LoggerSpec, error) {
	parts := strings.Split(v, ";")
	spec := LoggerSpec{Name: strings.TrimSpace(parts[0]), Parameters: map[string]string{}}
	if spec.Name == "" {
		return spec, &FormatError{Layer: LayerSwitches, Key: "logger", Value: v, Reason: "logger name is empty"}
	}
	for _, p := range parts[1:] {
		if strings.TrimSpace(p) == "" {
			continue
		}
		k, val, ok := strings.Cut(p, "=")
		if !ok {
			return spec, &FormatError{Layer: LayerSwitches, Key: "logger", Value: v, Reason: fmt.Sprintf("parameter %q must be in the form Key=Value", p)}
		}
		spec.Parameters[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	return spec, nil
}
