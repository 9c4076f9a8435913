// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package protocol defines the messages exchanged between hostrun and the
// host processes it launches.
//
// Requests are written by hostrun to the host's stdin; all other messages are
// written by the host to its stdout. stderr is free-form diagnostics. Both
// directions are streams of JSON objects, one per line. A typical exchange:
//
//	HostReady                      (host finished starting)
//	DiscoverRequest      ->
//		TestFound ... DiscoveryEnd (once per source)
//	RunRequest           ->
//		RunStart
//			TestStart
//				TestLog, TestError
//			TestEnd
//		RunEnd
//	ExitRequest          ->
//
// Heartbeat may appear anywhere after HostReady.
//
// Messages of all types unmarshal into a single messageUnion, so every field
// carries a JSON name prefixed by its message type ("testEndOutcome" for
// TestEnd.Outcome) and every type has a prefixed Time field.
package protocol

import (
	"time"
)

// Msg is implemented by all message types.
type Msg interface {
	// isMsg prevents other packages from defining message types.
	isMsg()
}

// Outcome is the terminal result of a test as reported by a host.
type Outcome string

// Outcomes a host may report in TestEnd.
const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	// OutcomeNotFound is reported for requested tests the host could not find.
	OutcomeNotFound Outcome = "notFound"
)

// TestCase describes a test found by an adapter inside a host.
type TestCase struct {
	FullyQualifiedName string              `json:"fullyQualifiedName"`
	DisplayName        string              `json:"displayName,omitempty"`
	ExecutorURI        string              `json:"executorUri"`
	Source             string              `json:"source"`
	Traits             map[string][]string `json:"traits,omitempty"`
	CodeFilePath       string              `json:"codeFilePath,omitempty"`
	LineNumber         int                 `json:"lineNumber,omitempty"`
}

// Attachment is one file produced by a data collector.
type Attachment struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// AttachmentSet groups attachments produced by one data collector.
type AttachmentSet struct {
	CollectorURI string       `json:"collectorUri"`
	DisplayName  string       `json:"displayName,omitempty"`
	Attachments  []Attachment `json:"attachments"`
}

// Collector is a data collector the host should enable.
type Collector struct {
	FriendlyName  string `json:"friendlyName"`
	URI           string `json:"uri"`
	Configuration string `json:"configuration,omitempty"`
}

// Settings carries the parts of the run configuration a host needs.
type Settings struct {
	Framework        string            `json:"framework,omitempty"`
	Platform         string            `json:"platform,omitempty"`
	ApartmentState   string            `json:"apartmentState,omitempty"`
	DisableAppDomain bool              `json:"disableAppDomain,omitempty"`
	ResultsDirectory string            `json:"resultsDirectory,omitempty"`
	Collectors       []Collector       `json:"collectors,omitempty"`
	Parameters       map[string]string `json:"parameters,omitempty"`
	// RunSettingsXML is the merged run settings document for adapters that
	// read their own sections.
	RunSettingsXML string `json:"runSettingsXml,omitempty"`
}

// Error describes a failure.
type Error struct {
	Reason string `json:"reason"`
	Stack  string `json:"stack,omitempty"`
}

// HostReady is the host's handshake, sent once on startup.
type HostReady struct {
	Time        time.Time `json:"hostReadyTime"`
	PID         int       `json:"hostReadyPid"`
	Framework   string    `json:"hostReadyFramework"`
	Platform    string    `json:"hostReadyPlatform"`
	SupportsSTA bool      `json:"hostReadySupportsSta"`
}

func (*HostReady) isMsg() {}

// DiscoverRequest asks the host to discover tests in Sources.
type DiscoverRequest struct {
	Time     time.Time `json:"discoverRequestTime"`
	Sources  []string  `json:"discoverRequestSources"`
	Settings Settings  `json:"discoverRequestSettings"`
}

func (*DiscoverRequest) isMsg() {}

// TestFound reports one discovered test.
type TestFound struct {
	Time time.Time `json:"testFoundTime"`
	Test TestCase  `json:"testFoundTest"`
}

func (*TestFound) isMsg() {}

// DiscoveryEnd reports that discovery of Source finished.
type DiscoveryEnd struct {
	Time   time.Time `json:"discoveryEndTime"`
	Source string    `json:"discoveryEndSource"`
	// Error is set if the adapter could not load the source.
	Error *Error `json:"discoveryEndError,omitempty"`
}

func (*DiscoveryEnd) isMsg() {}

// RunRequest asks the host to run Tests from Sources, in order.
type RunRequest struct {
	Time     time.Time `json:"runRequestTime"`
	Sources  []string  `json:"runRequestSources"`
	Tests    []string  `json:"runRequestTests"`
	Settings Settings  `json:"runRequestSettings"`
}

func (*RunRequest) isMsg() {}

// CancelRequest asks the host to stop after the current test.
type CancelRequest struct {
	Time time.Time `json:"cancelRequestTime"`
}

func (*CancelRequest) isMsg() {}

// ExitRequest asks the host to exit.
type ExitRequest struct {
	Time time.Time `json:"exitRequestTime"`
}

func (*ExitRequest) isMsg() {}

// RunStart reports the tests the host is about to run, in order.
type RunStart struct {
	Time  time.Time `json:"runStartTime"`
	Tests []string  `json:"runStartTests"`
}

func (*RunStart) isMsg() {}

// RunLog is a high-level log line of the host.
type RunLog struct {
	Time time.Time `json:"runLogTime"`
	Text string    `json:"runLogText"`
}

func (*RunLog) isMsg() {}

// RunError is a fatal error of the host. The current request is abandoned.
type RunError struct {
	Time  time.Time `json:"runErrorTime"`
	Error Error     `json:"runErrorError"`
}

func (*RunError) isMsg() {}

// RunEnd reports completion of a RunRequest.
type RunEnd struct {
	Time        time.Time       `json:"runEndTime"`
	Attachments []AttachmentSet `json:"runEndAttachments,omitempty"`
}

func (*RunEnd) isMsg() {}

// TestStart reports that a test started.
type TestStart struct {
	Time time.Time `json:"testStartTime"`
	Name string    `json:"testStartName"`
}

func (*TestStart) isMsg() {}

// TestLog is a log line of a running test.
type TestLog struct {
	Time time.Time `json:"testLogTime"`
	Name string    `json:"testLogName"`
	Text string    `json:"testLogText"`
}

func (*TestLog) isMsg() {}

// TestError is an error of a running test. A test with errors fails.
type TestError struct {
	Time  time.Time `json:"testErrorTime"`
	Name  string    `json:"testErrorName"`
	Error Error     `json:"testErrorError"`
}

func (*TestError) isMsg() {}

// TestEnd reports that a test finished.
type TestEnd struct {
	Time        time.Time       `json:"testEndTime"`
	Name        string          `json:"testEndName"`
	Outcome     Outcome         `json:"testEndOutcome"`
	SkipReason  string          `json:"testEndSkipReason,omitempty"`
	Duration    time.Duration   `json:"testEndDuration"`
	Attachments []AttachmentSet `json:"testEndAttachments,omitempty"`
}

func (*TestEnd) isMsg() {}

// Heartbeat is sent periodically to assert that the host is alive.
type Heartbeat struct {
	Time time.Time `json:"heartbeatTime"`
}

func (*Heartbeat) isMsg() {}

type messageUnion struct {
	*HostReady
	*DiscoverRequest
	*TestFound
	*DiscoveryEnd
	*RunRequest
	*CancelRequest
	*ExitRequest
	*RunStart
	*RunLog
	*RunError
	*RunEnd
	*TestStart
	*TestLog
	*TestError
	*TestEnd
	*Heartbeat
}
