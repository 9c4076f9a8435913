// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package filter

import (
	"strings"

	"go.chromium.org/hostrun/internal/protocol"
)

// Properties returns the filterable properties of tc.
func Properties(tc *protocol.TestCase) map[string][]string {
	fqn := tc.FullyQualifiedName
	// Parameterized names like "NS.C.M(1, 2)" split on the last dot before
	// the argument list.
	base := fqn
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}
	name, class := fqn, ""
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		class, name = fqn[:i], fqn[i+1:]
	}
	display := tc.DisplayName
	if display == "" {
		display = name
	}
	props := map[string][]string{
		PropFullyQualifiedName: {fqn},
		PropName:               {name},
		PropDisplayName:        {display},
		PropClassName:          {class},
	}
	for k, vs := range tc.Traits {
		props[k] = append(props[k], vs...)
	}
	return props
}
