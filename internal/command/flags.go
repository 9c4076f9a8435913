// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package command

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// EnumFlag implements flag.Value to map a user-supplied string to an enum
// value. Matching is case-insensitive since the CLI accepts "/Platform:x64"
// as well as "/Platform:X64".
type EnumFlag struct {
	valid  map[string]int
	assign func(val int)
	def    string
	set    bool
}

// NewEnumFlag returns an EnumFlag over valid. assign receives the parsed value;
// def is assigned immediately unless it is empty.
func NewEnumFlag(valid map[string]int, assign func(val int), def string) *EnumFlag {
	f := &EnumFlag{valid: make(map[string]int, len(valid)), assign: assign, def: def}
	for k, v := range valid {
		f.valid[strings.ToLower(k)] = v
	}
	if def != "" {
		if err := f.Set(def); err != nil {
			panic(err)
		}
		f.set = false
	}
	return f
}

// Default returns the default value used if the flag is unset.
func (f *EnumFlag) Default() string { return f.def }

// IsSet reports whether the flag was given on the command line.
func (f *EnumFlag) IsSet() bool { return f.set }

// QuotedValues returns a comma-separated list of quoted accepted values.
func (f *EnumFlag) QuotedValues() string {
	var qs []string
	for n := range f.valid {
		qs = append(qs, strconv.Quote(n))
	}
	sort.Strings(qs)
	return strings.Join(qs, ", ")
}

func (f *EnumFlag) String() string { return "" }

// Set implements flag.Value.
func (f *EnumFlag) Set(v string) error {
	ev, ok := f.valid[strings.ToLower(v)]
	if !ok {
		return fmt.Errorf("must be in %s", f.QuotedValues())
	}
	f.assign(ev)
	f.set = true
	return nil
}

// DurationFlag implements flag.Value to parse an integer count of units into
// a time.Duration. Go duration strings such as "90s" are accepted as well.
type DurationFlag struct {
	units time.Duration
	dst   *time.Duration
}

// NewDurationFlag returns a DurationFlag writing to dst, initialized to def.
func NewDurationFlag(units time.Duration, dst *time.Duration, def time.Duration) *DurationFlag {
	*dst = def
	return &DurationFlag{units: units, dst: dst}
}

func (f *DurationFlag) String() string {
	if f.dst == nil {
		return ""
	}
	return strconv.FormatInt(int64(*f.dst/f.units), 10)
}

// Set implements flag.Value.
func (f *DurationFlag) Set(v string) error {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		*f.dst = time.Duration(n) * f.units
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%q is neither an integer nor a duration", v)
	}
	*f.dst = d
	return nil
}

// ListFlag implements flag.Value to split a string into a list.
type ListFlag struct {
	sep    string
	assign func([]string)
	def    []string
}

// NewListFlag returns a ListFlag splitting on sep. def is assigned immediately.
func NewListFlag(sep string, assign func([]string), def []string) *ListFlag {
	assign(def)
	return &ListFlag{sep: sep, assign: assign, def: def}
}

func (f *ListFlag) String() string { return strings.Join(f.def, f.sep) }

// Set implements flag.Value.
func (f *ListFlag) Set(v string) error {
	var vals []string
	for _, s := range strings.Split(v, f.sep) {
		if s != "" {
			vals = append(vals, s)
		}
	}
	f.assign(vals)
	return nil
}

// RepeatedFlag implements flag.Value around a function called once per
// occurrence of the flag, e.g. "-logger console -logger junit".
type RepeatedFlag func(v string) error

func (f *RepeatedFlag) String() string { return "" }

// Set implements flag.Value.
func (f *RepeatedFlag) Set(v string) error { return (*f)(v) }
