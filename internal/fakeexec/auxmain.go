// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package fakeexec lets unit tests start fake host processes by re-executing
// the test binary into an auxiliary main function.
package fakeexec

import (
	"encoding/json"
	"fmt"
	"os"
)

const (
	auxMainNameEnv  = "AUX_MAIN_NAME"
	auxMainValueEnv = "AUX_MAIN_VALUE"
)

// AuxMain is a registered auxiliary main function.
type AuxMain struct {
	name string
}

var knownNames = map[string]struct{}{}

// NewAuxMain registers an auxiliary main function taking a JSON-serializable
// parameter of type T. It must be called in a top-level variable
// initialization:
//
//	var crashingHost = fakeexec.NewAuxMain("crashing_host", func(p hostParams) {
//		...
//	})
//
// When the current process was started for name, f runs and the process exits
// with status 0 (f may exit with another status itself).
func NewAuxMain[T any](name string, f func(T)) *AuxMain {
	if _, found := knownNames[name]; found {
		panic(fmt.Sprintf("fakeexec.NewAuxMain: multiple registrations for %q", name))
	}
	knownNames[name] = struct{}{}

	if os.Getenv(auxMainNameEnv) != name {
		return &AuxMain{name: name}
	}

	var param T
	if err := json.Unmarshal([]byte(os.Getenv(auxMainValueEnv)), &param); err != nil {
		panic(fmt.Sprintf("fakeexec.AuxMain: %s: failed to unmarshal parameter: %v", name, err))
	}
	f(param)
	os.Exit(0)
	panic("unreachable")
}

// Params returns what is needed to start a process running a with v.
func (a *AuxMain) Params(v interface{}) (*AuxMainParams, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &AuxMainParams{executable: exe, name: a.name, param: string(b)}, nil
}

// AuxMainParams describes how to start an auxiliary main function.
type AuxMainParams struct {
	executable string
	name       string
	param      string
}

// Executable returns the path of the current executable.
func (p *AuxMainParams) Executable() string {
	return p.executable
}

// EnvMap returns environment variables selecting the auxiliary main.
func (p *AuxMainParams) EnvMap() map[string]string {
	return map[string]string{
		auxMainNameEnv:  p.name,
		auxMainValueEnv: p.param,
	}
}

// Envs is like EnvMap but in "key=value" form.
func (p *AuxMainParams) Envs() []string {
	return []string{
		auxMainNameEnv + "=" + p.name,
		auxMainValueEnv + "=" + p.param,
	}
}
