// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fakeexec_test

import (
	"fmt"
	"os"
	"os/exec"
	"testing"

	"go.chromium.org/hostrun/internal/fakeexec"
)

type echoParams struct {
	Text string
	Code int
}

var echoMain = fakeexec.NewAuxMain("echo", func(p echoParams) {
	fmt.Print(p.Text)
	os.Exit(p.Code)
})

func TestAuxMain(t *testing.T) {
	p, err := echoMain.Params(echoParams{Text: "hi", Code: 7})
	if err != nil {
		t.Fatal("Params failed: ", err)
	}
	cmd := exec.Command(p.Executable())
	cmd.Env = append(os.Environ(), p.Envs()...)
	out, err := cmd.Output()
	if xerr, ok := err.(*exec.ExitError); !ok || xerr.ExitCode() != 7 {
		t.Errorf("Output returned %v; want exit status 7", err)
	}
	if string(out) != "hi" {
		t.Errorf("Output = %q; want %q", out, "hi")
	}
	if got := p.EnvMap()["AUX_MAIN_NAME"]; got != "echo" {
		t.Errorf("EnvMap()[AUX_MAIN_NAME] = %q; want %q", got, "echo")
	}
}
