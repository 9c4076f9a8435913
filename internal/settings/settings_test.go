// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package settings

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/hostrun/errors"
)

const fileXML = `<?xml version="1.0" encoding="utf-8"?>
<RunSettings>
  <RunConfiguration>
    <MaxCpuCount>2</MaxCpuCount>
    <TargetPlatform>x64</TargetPlatform>
    <TargetFrameworkVersion>.NETFramework,Version=v4.6.2</TargetFrameworkVersion>
    <TestAdaptersPaths>/adapters/a;/adapters/b</TestAdaptersPaths>
    <ExecutionThreadApartmentState>STA</ExecutionThreadApartmentState>
    <TestSessionTimeout>10000</TestSessionTimeout>
    <TreatNoTestsAsError>true</TreatNoTestsAsError>
    <EnvironmentVariables>
      <RUNTIME_FLAG>1</RUNTIME_FLAG>
    </EnvironmentVariables>
  </RunConfiguration>
  <DataCollectionRunSettings>
    <DataCollectors>
      <DataCollector friendlyName="blame" enabled="True">
        <Configuration>
          <CollectDump DumpType="Full" />
          <CollectDumpOnTestSessionHang TestTimeout="90s" HangDumpType="mini" />
        </Configuration>
      </DataCollector>
    </DataCollectors>
  </DataCollectionRunSettings>
  <LoggerRunSettings>
    <Loggers>
      <Logger friendlyName="junit">
        <Configuration><LogFileName>out.xml</LogFileName></Configuration>
      </Logger>
    </Loggers>
  </LoggerRunSettings>
  <TestRunParameters>
    <Parameter name="webAppUrl" value="http://localhost" />
  </TestRunParameters>
</RunSettings>`

func TestResolveSettingsFile(t *testing.T) {
	cfg, err := Resolve(nil, []byte(fileXML), nil, nil)
	if err != nil {
		t.Fatal("Resolve failed: ", err)
	}
	if got := cfg.MaxCpuCount(); got != 2 {
		t.Errorf("MaxCpuCount() = %d; want 2", got)
	}
	if got := cfg.TargetPlatform(); got != PlatformX64 {
		t.Errorf("TargetPlatform() = %v; want X64", got)
	}
	if got, want := cfg.TargetFramework().String(), ".NETFramework,Version=v4.6.2"; got != want {
		t.Errorf("TargetFramework() = %q; want %q", got, want)
	}
	if diff := cmp.Diff(cfg.TestAdapterPaths(), []string{"/adapters/a", "/adapters/b"}); diff != "" {
		t.Errorf("TestAdapterPaths mismatch (-got +want):\n%s", diff)
	}
	if cfg.ApartmentState() != ApartmentSTA {
		t.Errorf("ApartmentState() = %v; want STA", cfg.ApartmentState())
	}
	if got := cfg.TestSessionTimeout(); got != 10*time.Second {
		t.Errorf("TestSessionTimeout() = %v; want 10s", got)
	}
	if !cfg.TreatNoTestsAsError() {
		t.Error("TreatNoTestsAsError() = false; want true")
	}
	if diff := cmp.Diff(cfg.EnvironmentVariables(), map[string]string{"RUNTIME_FLAG": "1"}); diff != "" {
		t.Errorf("EnvironmentVariables mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(cfg.TestRunParameters(), map[string]string{"webAppUrl": "http://localhost"}); diff != "" {
		t.Errorf("TestRunParameters mismatch (-got +want):\n%s", diff)
	}
	wantBlame := BlameSettings{
		Enabled:         true,
		CollectDump:     true,
		DumpType:        DumpFull,
		CollectHangDump: true,
		HangDumpType:    DumpMini,
		TestTimeout:     90 * time.Second,
	}
	if diff := cmp.Diff(cfg.Blame(), wantBlame); diff != "" {
		t.Errorf("Blame mismatch (-got +want):\n%s", diff)
	}
	wantLoggers := []LoggerSpec{{Name: "junit", Parameters: map[string]string{"LogFileName": "out.xml"}}}
	if diff := cmp.Diff(cfg.Loggers(), wantLoggers); diff != "" {
		t.Errorf("Loggers mismatch (-got +want):\n%s", diff)
	}
	if got := cfg.ResultsDirectory(); got != DefaultResultsDirectory {
		t.Errorf("ResultsDirectory() = %q; want default %q", got, DefaultResultsDirectory)
	}
}

func TestResolvePrecedence(t *testing.T) {
	const file = `<RunSettings><RunConfiguration>
	  <TargetPlatform>x64</TargetPlatform>
	  <MaxCpuCount>3</MaxCpuCount>
	  <TreatNoTestsAsError>true</TreatNoTestsAsError>
	</RunConfiguration></RunSettings>`

	for _, tc := range []struct {
		name     string
		xml      string
		inline   []string
		switches *Switches
		want     Platform
		wantCPU  int
	}{
		{"defaults", "", nil, nil, PlatformUnset, 1},
		{"file", file, nil, nil, PlatformX64, 3},
		{"inline over file", file, []string{"RunConfiguration.TargetPlatform=ARM64"}, nil, PlatformARM64, 3},
		{"switch over file", file, nil, &Switches{Platform: "x86"}, PlatformX86, 3},
		{"switch over inline", file, []string{"RunConfiguration.TargetPlatform=ARM64"}, &Switches{Platform: "x86"}, PlatformX86, 3},
		{"switch over inline without file", "", []string{"RunConfiguration.TargetPlatform=x64"}, &Switches{Platform: "X86"}, PlatformX86, 1},
		{"inline cpu count", file, []string{"RunConfiguration.MaxCpuCount=4"}, &Switches{Platform: "x86"}, PlatformX86, 4},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var b []byte
			if tc.xml != "" {
				b = []byte(tc.xml)
			}
			cfg, err := Resolve(nil, b, tc.inline, tc.switches)
			if err != nil {
				t.Fatal("Resolve failed: ", err)
			}
			if got := cfg.TargetPlatform(); got != tc.want {
				t.Errorf("TargetPlatform() = %v; want %v", got, tc.want)
			}
			if got := cfg.MaxCpuCount(); got != tc.wantCPU {
				t.Errorf("MaxCpuCount() = %d; want %d", got, tc.wantCPU)
			}
			if tc.xml != "" && !cfg.TreatNoTestsAsError() {
				t.Error("TreatNoTestsAsError from the settings file was lost")
			}
		})
	}
}

func TestResolveParallel(t *testing.T) {
	for _, tc := range []struct {
		inline []string
		want   int
	}{
		{nil, 0},
		{[]string{"RunConfiguration.MaxCpuCount=2"}, 2},
		{[]string{"RunConfiguration.MaxCpuCount=1"}, 0},
	} {
		cfg, err := Resolve(nil, nil, tc.inline, &Switches{Parallel: true})
		if err != nil {
			t.Fatalf("Resolve(%q) failed: %v", tc.inline, err)
		}
		if got := cfg.MaxCpuCount(); got != tc.want {
			t.Errorf("Resolve(%q): MaxCpuCount() = %d; want %d", tc.inline, got, tc.want)
		}
		if !cfg.Parallel() {
			t.Errorf("Resolve(%q): Parallel() = false; want true", tc.inline)
		}
	}
}

func TestResolveFormatErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		xml      string
		inline   []string
		switches *Switches
		wantMsg  string
	}{
		{
			name:    "bad platform in file",
			xml:     `<RunSettings><RunConfiguration><TargetPlatform>x31</TargetPlatform></RunConfiguration></RunSettings>`,
			wantMsg: "Settings file provided does not conform to required format. Invalid value 'x31' specified for 'RunConfiguration.TargetPlatform'",
		},
		{
			name:    "wrong root",
			xml:     `<Settings/>`,
			wantMsg: "Settings file provided does not conform to required format.",
		},
		{
			name:    "malformed xml",
			xml:     `<RunSettings><RunConfiguration>`,
			wantMsg: "Settings file provided does not conform to required format.",
		},
		{
			name:    "negative cpu count",
			inline:  []string{"RunConfiguration.MaxCpuCount=-1"},
			wantMsg: "Invalid value '-1' specified for 'RunConfiguration.MaxCpuCount'",
		},
		{
			name:    "inline without key",
			inline:  []string{"justavalue"},
			wantMsg: "Argument 'justavalue' must be in the form Section.Key=Value",
		},
		{
			name:    "unknown section",
			inline:  []string{"MSTest.Parallelize.Workers=4"},
			wantMsg: "'MSTest.Parallelize.Workers'",
		},
		{
			name:     "bad switch platform",
			switches: &Switches{Platform: "sparc"},
			wantMsg:  "Invalid command line. Invalid value 'sparc' specified for 'RunConfiguration.TargetPlatform'",
		},
		{
			name:    "bad apartment state",
			inline:  []string{"RunConfiguration.ExecutionThreadApartmentState=NTA"},
			wantMsg: "must be STA or MTA",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var b []byte
			if tc.xml != "" {
				b = []byte(tc.xml)
			}
			_, err := Resolve(nil, b, tc.inline, tc.switches)
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("Resolve returned %v; want *FormatError", err)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("Resolve error %q does not contain %q", err.Error(), tc.wantMsg)
			}
		})
	}
}

func TestResolveLayersOnlyOverrideWhatTheySpecify(t *testing.T) {
	base := Default()
	base.ResultsDirectory = "/base/results"
	base.EnvironmentVariables["KEEP"] = "1"
	cfg, err := Resolve(base, nil, []string{"RunConfiguration.EnvironmentVariables.ADDED=2"}, &Switches{Framework: "net8.0"})
	if err != nil {
		t.Fatal("Resolve failed: ", err)
	}
	if got := cfg.ResultsDirectory(); got != "/base/results" {
		t.Errorf("ResultsDirectory() = %q; want /base/results", got)
	}
	if diff := cmp.Diff(cfg.EnvironmentVariables(), map[string]string{"KEEP": "1", "ADDED": "2"}); diff != "" {
		t.Errorf("EnvironmentVariables mismatch (-got +want):\n%s", diff)
	}
	if got, want := cfg.TargetFramework().String(), ".NETCoreApp,Version=v8.0"; got != want {
		t.Errorf("TargetFramework() = %q; want %q", got, want)
	}
	if _, ok := base.EnvironmentVariables["ADDED"]; ok {
		t.Error("Resolve modified the defaults")
	}
}

func TestInlineTestRunParameter(t *testing.T) {
	l, err := ParseInlineArgs([]string{`TestRunParameters.Parameter(name="url", value="http://x=y")`, "RunConfiguration.InIsolation=true"})
	if err != nil {
		t.Fatal("ParseInlineArgs failed: ", err)
	}
	want := []KeyValue{{"TestRunParameters.url", "http://x=y"}, {"RunConfiguration.InIsolation", "true"}}
	if diff := cmp.Diff(l.Values, want); diff != "" {
		t.Errorf("Values mismatch (-got +want):\n%s", diff)
	}
}

func TestSwitchesCollectorsAndLoggers(t *testing.T) {
	sw := &Switches{
		Collect: []string{"Code Coverage"},
		Loggers: []string{"console", "junit;LogFilePrefix=run"},
	}
	sw.SetBlame("CollectDump;DumpType=mini;CollectHangDump;TestTimeout=5000")
	const file = `<RunSettings><LoggerRunSettings><Loggers>
	  <Logger friendlyName="junit"><Configuration><LogFileName>a.xml</LogFileName></Configuration></Logger>
	</Loggers></LoggerRunSettings></RunSettings>`
	cfg, err := Resolve(nil, []byte(file), nil, sw)
	if err != nil {
		t.Fatal("Resolve failed: ", err)
	}
	wantLoggers := []LoggerSpec{
		{Name: "junit", Parameters: map[string]string{"LogFilePrefix": "run"}},
		{Name: "console", Parameters: map[string]string{}},
	}
	if diff := cmp.Diff(cfg.Loggers(), wantLoggers); diff != "" {
		t.Errorf("Loggers mismatch (-got +want):\n%s", diff)
	}
	b := cfg.Blame()
	if !b.Enabled || !b.CollectDump || b.DumpType != DumpMini || !b.CollectHangDump || b.TestTimeout != 5*time.Second {
		t.Errorf("Blame() = %+v; want dumps enabled with 5s hang timeout", b)
	}
	var uris []string
	for _, d := range cfg.EnabledDataCollectors() {
		uris = append(uris, d.URI)
	}
	if diff := cmp.Diff(uris, []string{BlameURI, CodeCoverageURI}); diff != "" {
		t.Errorf("Enabled collector URIs mismatch (-got +want):\n%s", diff)
	}
}

func TestParseBlameRejectsUnknownOptions(t *testing.T) {
	if _, err := ParseBlame("CollectDump;DumpType=huge"); err == nil {
		t.Error("ParseBlame accepted DumpType=huge")
	}
	if _, err := ParseBlame("CollectEverything"); err == nil {
		t.Error("ParseBlame accepted CollectEverything")
	}
}

func TestRunSettingsXMLReparses(t *testing.T) {
	cfg, err := Resolve(nil, []byte(fileXML), []string{"RunConfiguration.CustomAdapterKey=on"}, &Switches{Platform: "x86"})
	if err != nil {
		t.Fatal("Resolve failed: ", err)
	}
	doc, err := cfg.RunSettingsXML()
	if err != nil {
		t.Fatal("RunSettingsXML failed: ", err)
	}
	again, err := Resolve(nil, []byte(doc), nil, nil)
	if err != nil {
		t.Fatalf("Resolve of rendered settings failed: %v\n%s", err, doc)
	}
	if again.TargetPlatform() != PlatformX86 || again.MaxCpuCount() != 2 || again.Blame().TestTimeout != 90*time.Second {
		t.Errorf("Rendered settings lost values:\n%s", doc)
	}
	if !strings.Contains(doc, "<CustomAdapterKey>on</CustomAdapterKey>") {
		t.Errorf("Rendered settings lack the adapter key:\n%s", doc)
	}
}

func TestParseFramework(t *testing.T) {
	for _, tc := range []struct {
		in, want, short string
	}{
		{".NETFramework,Version=v4.6.2", ".NETFramework,Version=v4.6.2", "net462"},
		{"net462", ".NETFramework,Version=v4.6.2", "net462"},
		{"net48", ".NETFramework,Version=v4.8", "net48"},
		{"net8.0", ".NETCoreApp,Version=v8.0", "net8.0"},
		{"netcoreapp3.1", ".NETCoreApp,Version=v3.1", "netcoreapp3.1"},
		{"Framework45", ".NETFramework,Version=v4.5", "net45"},
		{".netcoreapp,Version=v6.0", ".NETCoreApp,Version=v6.0", "net6.0"},
	} {
		f, err := ParseFramework(tc.in)
		if err != nil {
			t.Errorf("ParseFramework(%q) failed: %v", tc.in, err)
			continue
		}
		if f.String() != tc.want || f.ShortName() != tc.short {
			t.Errorf("ParseFramework(%q) = %q (%q); want %q (%q)", tc.in, f, f.ShortName(), tc.want, tc.short)
		}
	}
	if _, err := ParseFramework("java17"); err == nil {
		t.Error("ParseFramework(java17) succeeded")
	}
}

func TestRunSettingsXMLSortsKeys(t *testing.T) {
	m := Default()
	m.EnvironmentVariables = map[string]string{"ZED": "1", "ALPHA": "2"}
	m.TestRunParameters = map[string]string{"url": "x", "db": "y"}
	doc, err := m.Freeze().RunSettingsXML()
	if err != nil {
		t.Fatal("RunSettingsXML failed: ", err)
	}
	for _, pair := range [][2]string{{"<ALPHA>", "<ZED>"}, {`name="db"`, `name="url"`}} {
		i, j := strings.Index(doc, pair[0]), strings.Index(doc, pair[1])
		if i < 0 || j < 0 || i > j {
			t.Errorf("%s is not rendered before %s:\n%s", pair[0], pair[1], doc)
		}
	}
}
