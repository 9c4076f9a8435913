// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package settings

import (
	"regexp"
	"strings"
)

var (
	inlineKeyRe   = regexp.MustCompile(`^[A-Za-z_][\w]*(\.[\w-]+)+$`)
	inlineParamRe = regexp.MustCompile(`^TestRunParameters\.Parameter\(\s*name\s*=\s*"([^"]*)"\s*,\s*value\s*=\s*"([^"]*)"\s*\)$`)
)

// ParseInlineArgs parses arguments given after "--" on the command line.
// Each is either "Section.Key=Value" or
// `TestRunParameters.Parameter(name="n", value="v")`.
func ParseInlineArgs(args []string) (*Layer, error) {
	l := &Layer{Name: LayerInline}
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		if m := inlineParamRe.FindStringSubmatch(arg); m != nil {
			l.Values = append(l.Values, KeyValue{paramPrefix + m[1], m[2]})
			continue
		}
		key, value, ok := strings.Cut(arg, "=")
		if !ok || !inlineKeyRe.MatchString(key) {
			return nil, &FormatError{Layer: LayerInline, Value: arg, Reason: "must be in the form Section.Key=Value"}
		}
		l.Values = append(l.Values, KeyValue{key, value})
	}
	return l, nil
}
