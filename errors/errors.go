// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package errors constructs errors that remember where they were created.
//
// Use this package instead of the standard errors package or fmt.Errorf
// everywhere in hostrun. Every error built here records a short stack trace,
// and wrapped errors keep their cause so that both errors.Is/As and the
// "%+v" verb can walk the chain.
//
//	errors.New("host did not send a handshake")
//	errors.Errorf("host %d exited with status %d", pid, code)
//	errors.Wrap(err, "failed to parse run settings")
//	errors.Wrapf(err, "failed to start host for %s", src)
package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"go.chromium.org/hostrun/errors/stack"
)

// E is the error type produced by this package.
type E struct {
	msg   string
	stk   stack.Stack
	cause error
}

// Error implements the error interface.
func (e *E) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

// Unwrap returns the error wrapped by e, or nil.
func (e *E) Unwrap() error {
	return e.cause
}

// Format implements fmt.Formatter. "%+v" prints every error in the chain
// followed by the location it was created at.
func (e *E) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		io.WriteString(s, chain(e))
		return
	}
	io.WriteString(s, e.Error())
}

func chain(err error) string {
	var parts []string
	for err != nil {
		e, ok := err.(*E)
		if !ok {
			parts = append(parts, err.Error()+"\n\tat ???")
			break
		}
		parts = append(parts, e.msg+"\n"+e.stk.String())
		err = e.cause
	}
	return strings.Join(parts, "\n")
}

// New returns an error with msg, recording the caller's location.
func New(msg string) error {
	return &E{msg: msg, stk: stack.New(1)}
}

// Errorf is like New but formats its message with fmt.Sprintf.
func Errorf(format string, args ...interface{}) error {
	return &E{msg: fmt.Sprintf(format, args...), stk: stack.New(1)}
}

// Wrap returns an error with msg whose cause is cause.
// If cause is nil, Wrap behaves like New.
func Wrap(cause error, msg string) error {
	return &E{msg: msg, stk: stack.New(1), cause: cause}
}

// Wrapf is like Wrap but formats its message with fmt.Sprintf.
func Wrapf(cause error, format string, args ...interface{}) error {
	return &E{msg: fmt.Sprintf(format, args...), stk: stack.New(1), cause: cause}
}

// Unwrap calls the standard errors.Unwrap.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

// Is calls the standard errors.Is.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As calls the standard errors.As.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
