// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package command contains code shared by the hostrun executable and the
// host processes it launches: exit statuses, flag types and signal handling.
package command

import (
	"fmt"
	"io"

	"go.chromium.org/hostrun/errors"
)

// Process exit statuses of the hostrun command.
const (
	// StatusSuccess means all tests passed (or no tests were found and that is
	// not treated as an error).
	StatusSuccess = 0
	// StatusTestsFailed means at least one test failed, the run was aborted,
	// or no tests ran with TreatNoTestsAsError set.
	StatusTestsFailed = 1
	// StatusBadArgs means the command line could not be parsed.
	StatusBadArgs = 2
	// StatusBadSettings means run settings could not be parsed or validated.
	StatusBadSettings = 3
	// StatusNoSources means no source could be handled by any adapter.
	StatusNoSources = 4
	// StatusInternalError means the engine itself failed.
	StatusInternalError = 5
)

// StatusError is an error carrying the exit status to report it with.
type StatusError struct {
	msg    string
	status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v (status %v)", e.msg, e.status)
}

// Status returns e's exit status.
func (e *StatusError) Status() int {
	return e.status
}

// Message returns e's message without the status suffix.
func (e *StatusError) Message() string {
	return e.msg
}

// NewStatusErrorf creates a StatusError with status and a formatted message.
func NewStatusErrorf(status int, format string, args ...interface{}) *StatusError {
	return &StatusError{fmt.Sprintf(format, args...), status}
}

// WriteError writes a newline-terminated fatal error to w and returns the
// status to exit with. StatusErrors anywhere in err's chain decide the status;
// otherwise StatusInternalError is used.
func WriteError(w io.Writer, err error) int {
	msg := err.Error()
	status := StatusInternalError
	var se *StatusError
	if errors.As(err, &se) {
		status = se.status
		if se == err {
			msg = se.msg
		}
	}
	if len(msg) > 0 && msg[len(msg)-1] != '\n' {
		msg += "\n"
	}
	io.WriteString(w, msg)
	return status
}
