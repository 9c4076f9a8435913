// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package settings

import (
	"fmt"
)

// FormatError is returned when a layer does not conform to the expected
// schema, e.g. an invalid TargetPlatform value. It must be shown to the user.
type FormatError struct {
	Layer  string
	Key    string
	Value  string
	Reason string
}

func (e *FormatError) Error() string {
	head := fmt.Sprintf("Invalid %s.", e.Layer)
	if e.Layer == LayerSettingsFile {
		head = "Settings file provided does not conform to required format."
	}
	switch {
	case e.Key != "":
		return fmt.Sprintf("%s Invalid value '%s' specified for '%s': %s.", head, e.Value, e.Key, e.Reason)
	case e.Value != "":
		return fmt.Sprintf("%s Argument '%s' %s.", head, e.Value, e.Reason)
	default:
		return fmt.Sprintf("%s %s", head, e.Reason)
	}
}

// Resolve merges the configuration layers. Precedence from lowest to
// highest: defaults, settingsXML, inlineArgs, switches. settingsXML may be
// nil, and so may switches.
//
// The -parallel switch does not name a CPU count. It switches a sequential
// configuration (MaxCpuCount=1) to one host per core (MaxCpuCount=0) and
// leaves an explicit parallel count from lower layers alone.
func Resolve(defaults *MutableConfig, settingsXML []byte, inlineArgs []string, switches *Switches) (*RunConfiguration, error) {
	if defaults == nil {
		defaults = Default()
	}
	m := defaults.Clone()

	var layers []*Layer
	if settingsXML != nil {
		l, err := ParseRunSettings(settingsXML)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	if len(inlineArgs) > 0 {
		l, err := ParseInlineArgs(inlineArgs)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	if switches != nil {
		l, err := switches.Layer()
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}

	for _, l := range layers {
		if err := m.Apply(l); err != nil {
			return nil, err
		}
	}
	if switches != nil && switches.Parallel && m.MaxCpuCount == 1 {
		m.MaxCpuCount = 0
	}
	return m.Freeze(), nil
}
