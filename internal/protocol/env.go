// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package protocol

// Environment variables set by hostrun for the hosts it starts.
const (
	// HostIDEnv is the id hostrun assigned to the host, e.g. "host-3".
	HostIDEnv = "HOSTRUN_HOST_ID"
	// FrameworkEnv is the target framework the host should load sources
	// with, e.g. ".NETCoreApp,Version=v8.0".
	FrameworkEnv = "HOSTRUN_FRAMEWORK"
	// PlatformEnv is the target platform, e.g. "X64".
	PlatformEnv = "HOSTRUN_PLATFORM"
)
