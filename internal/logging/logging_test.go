// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging_test

import (
	"bytes"
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/hostrun/internal/logging"
)

type memorySink struct {
	mu   sync.Mutex
	msgs []string
}

func (ms *memorySink) Log(msg string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.msgs = append(ms.msgs, msg)
}

func (ms *memorySink) Get() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.msgs...)
}

func TestNoLogger(t *testing.T) {
	ctx := context.Background()
	if logging.HasLogger(ctx) {
		t.Error("HasLogger(context.Background()) = true; want false")
	}
	// Must not panic.
	logging.Info(ctx, "dropped")
	logging.Warningf(ctx, "dropped %d", 1)
}

func TestAttachLoggerPropagation(t *testing.T) {
	var parent, child, isolated memorySink
	ctx := logging.AttachLogger(context.Background(), logging.NewSinkLogger(logging.LevelDebug, false, &parent))
	childCtx := logging.AttachLogger(ctx, logging.NewSinkLogger(logging.LevelDebug, false, &child))
	isolatedCtx := logging.AttachLoggerNoPropagation(ctx, logging.NewSinkLogger(logging.LevelDebug, false, &isolated))

	logging.Info(ctx, "a")
	logging.Infof(childCtx, "b%d", 1)
	logging.Debug(isolatedCtx, "c")

	if diff := cmp.Diff(parent.Get(), []string{"a", "b1"}); diff != "" {
		t.Errorf("Parent logs mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(child.Get(), []string{"b1"}); diff != "" {
		t.Errorf("Child logs mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(isolated.Get(), []string{"c"}); diff != "" {
		t.Errorf("Isolated logs mismatch (-got +want):\n%s", diff)
	}
}

func TestSetLogPrefix(t *testing.T) {
	var sink memorySink
	ctx := logging.AttachLogger(context.Background(), logging.NewSinkLogger(logging.LevelInfo, false, &sink))
	ctx = logging.SetLogPrefix(ctx, "[host 3] ")
	logging.Warning(ctx, "slow")
	if diff := cmp.Diff(sink.Get(), []string{"[host 3] slow"}); diff != "" {
		t.Errorf("Logs mismatch (-got +want):\n%s", diff)
	}
}

func TestSinkLoggerLevelAndTimestamp(t *testing.T) {
	var sink memorySink
	logger := logging.NewSinkLogger(logging.LevelInfo, true, &sink)
	logger.Log(logging.LevelInfo, time.Time{}, "foo")
	logger.Log(logging.LevelDebug, time.Time{}, "bar")

	msgs := sink.Get()
	if len(msgs) != 1 {
		t.Fatalf("Got %d messages; want 1", len(msgs))
	}
	re := regexp.MustCompile(`^\d{4}-\d\d-\d\dT\d\d:\d\d:\d\d\.\d{6}Z foo$`)
	if !re.MatchString(msgs[0]) {
		t.Errorf("Message %q does not match %q", msgs[0], re)
	}
}

func TestMultiLoggerRemove(t *testing.T) {
	var a, b memorySink
	la := logging.NewSinkLogger(logging.LevelDebug, false, &a)
	lb := logging.NewSinkLogger(logging.LevelDebug, false, &b)
	ml := logging.NewMultiLogger(la)
	ml.AddLogger(lb)
	ml.Log(logging.LevelInfo, time.Time{}, "x")
	ml.RemoveLogger(la)
	ml.Log(logging.LevelInfo, time.Time{}, "y")

	if diff := cmp.Diff(a.Get(), []string{"x"}); diff != "" {
		t.Errorf("a mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(b.Get(), []string{"x", "y"}); diff != "" {
		t.Errorf("b mismatch (-got +want):\n%s", diff)
	}
}

func TestConsoleLogger(t *testing.T) {
	var out, errOut bytes.Buffer
	ctx := logging.AttachLogger(context.Background(), logging.NewConsoleLogger(logging.LevelInfo, &out, &errOut))
	logging.Debug(ctx, "hidden")
	logging.Info(ctx, "Starting test execution, please wait...")
	logging.Warning(ctx, "No test matches the given testcase filter `Foo`")
	logging.Error(ctx, "The active test run was aborted.")

	if got, want := out.String(), "Starting test execution, please wait...\n"; got != want {
		t.Errorf("stdout = %q; want %q", got, want)
	}
	want := "Warning: No test matches the given testcase filter `Foo`\nThe active test run was aborted.\n"
	if got := errOut.String(); got != want {
		t.Errorf("stderr = %q; want %q", got, want)
	}
}

func TestInvalidUTF8Removed(t *testing.T) {
	var got string
	ctx := logging.AttachLogger(context.Background(), logging.NewFuncLogger(func(_ logging.Level, _ time.Time, msg string) {
		got = msg
	}))
	logging.Info(ctx, "a\xffb")
	if got != "ab" {
		t.Errorf("Got %q; want %q", got, "ab")
	}
}
