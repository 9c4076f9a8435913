// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package stack captures short stack traces for the errors package.
package stack

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// maxDepth is the number of frames kept per trace.
const maxDepth = 8

// Stack is a snapshot of program counters.
type Stack []uintptr

// New captures the current stack. skip=0 makes the caller of New the
// innermost frame.
func New(skip int) Stack {
	pcs := make([]uintptr, maxDepth+1)
	return Stack(pcs[:runtime.Callers(skip+2, pcs)])
}

// String renders s one frame per line.
func (s Stack) String() string {
	if len(s) == 0 {
		return "\tat ???"
	}
	var b strings.Builder
	frames := runtime.CallersFrames(s)
	for n := 0; ; n++ {
		if n == maxDepth {
			b.WriteString("\n\t...")
			break
		}
		f, more := frames.Next()
		if n > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "\tat %s (%s:%d)", f.Function, filepath.Base(f.File), f.Line)
		if !more {
			break
		}
	}
	return b.String()
}
