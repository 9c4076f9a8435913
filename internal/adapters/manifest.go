// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package adapters

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"go.chromium.org/hostrun/errors"
	"go.chromium.org/hostrun/internal/sources"
)

// ManifestSuffix is the file name suffix of adapter manifests.
const ManifestSuffix = ".hostrun.yaml"

// manifest is the content of a manifest file. One file may declare several
// adapters and data collectors.
type manifest struct {
	Adapters   []*Adapter   `yaml:"adapters"`
	Collectors []*Collector `yaml:"collectors"`
}

// HostSpec describes how to start a host process.
//
// Command elements may contain placeholders: {dir} is the directory of the
// manifest, {platform} the lower-case platform (e.g. "x86") and {framework}
// the short framework name (e.g. "net8.0").
type HostSpec struct {
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env"`
}

// Adapter is a test adapter declared in a manifest.
type Adapter struct {
	Name        string `yaml:"name"`
	ExecutorURI string `yaml:"executorUri"`
	// AssemblyTypes lists "managed" and/or "native". Empty means both.
	AssemblyTypes []string `yaml:"assemblyTypes"`
	// Frameworks lists framework names (e.g. ".NETCoreApp") the adapter
	// handles. Empty means any.
	Frameworks []string `yaml:"frameworks"`
	// Extensions lists file extensions (e.g. ".dll") of sources the adapter
	// handles. Empty means any.
	Extensions []string `yaml:"extensions"`
	// Shared means one host may load several sources of the same framework
	// and platform.
	Shared bool     `yaml:"shared"`
	Host   HostSpec `yaml:"host"`

	// ManifestPath is the file the adapter was declared in.
	ManifestPath string `yaml:"-"`
}

// ProcessorSpec describes an attachment processor command. The command reads
// a JSON attachments request on stdin and writes the processed attachment
// sets as JSON on stdout.
type ProcessorSpec struct {
	Command                       []string          `yaml:"command"`
	Env                           map[string]string `yaml:"env"`
	ExtensionURIs                 []string          `yaml:"extensionUris"`
	SupportsIncrementalProcessing bool              `yaml:"supportsIncrementalProcessing"`
}

// Collector is a data collector declared in a manifest.
type Collector struct {
	FriendlyName string         `yaml:"friendlyName"`
	URI          string         `yaml:"uri"`
	Processor    *ProcessorSpec `yaml:"processor"`

	ManifestPath string `yaml:"-"`
}

func readManifest(path string) (*manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := yaml.UnmarshalStrict(b, &m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	for _, a := range m.Adapters {
		a.ManifestPath = path
		if err := a.validate(); err != nil {
			return nil, errors.Wrapf(err, "%s: adapter %q", path, a.Name)
		}
	}
	for _, c := range m.Collectors {
		c.ManifestPath = path
		if c.FriendlyName == "" || c.URI == "" {
			return nil, errors.Errorf("%s: data collector needs friendlyName and uri", path)
		}
		if p := c.Processor; p != nil && len(p.Command) == 0 {
			return nil, errors.Errorf("%s: processor of %s has no command", path, c.URI)
		}
	}
	return &m, nil
}

func (a *Adapter) validate() error {
	if a.Name == "" || a.ExecutorURI == "" {
		return errors.New("name and executorUri are required")
	}
	if len(a.Host.Command) == 0 {
		return errors.New("host.command is required")
	}
	for _, t := range a.AssemblyTypes {
		if t != sources.AssemblyManaged.String() && t != sources.AssemblyNative.String() {
			return errors.Errorf("unknown assembly type %q", t)
		}
	}
	return nil
}

// Handles reports whether a can discover and run tests in src.
func (a *Adapter) Handles(src *sources.Source) bool {
	if len(a.AssemblyTypes) > 0 && !containsFold(a.AssemblyTypes, src.AssemblyType.String()) {
		return false
	}
	if len(a.Frameworks) > 0 && (src.Framework.IsZero() || !containsFold(a.Frameworks, src.Framework.Name)) {
		return false
	}
	if len(a.Extensions) > 0 && !containsFold(a.Extensions, filepath.Ext(src.Path)) {
		return false
	}
	return true
}

// HostCommand returns the host command line for framework fw (short name)
// and platform pl (lower case), with placeholders expanded.
func (a *Adapter) HostCommand(fw, pl string) []string {
	r := strings.NewReplacer("{dir}", filepath.Dir(a.ManifestPath), "{platform}", pl, "{framework}", fw)
	cmd := make([]string, len(a.Host.Command))
	for i, s := range a.Host.Command {
		cmd[i] = r.Replace(s)
	}
	return cmd
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
