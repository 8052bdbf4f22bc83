// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for vdmabuf packages.
//
// [SocketDir] creates a temporary directory in /tmp for Unix domain
// sockets. Socket paths are limited to 108 bytes (sun_path in
// sockaddr_un) and t.TempDir() paths under a nested TMPDIR can exceed
// it. [SocketPath] names a socket inside a fresh SocketDir. Both are
// removed when the test completes.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests waiting on a broker goroutine never hang the suite.
// [Eventually] polls for asynchronously published state.
//
// [UniqueID] generates monotonically increasing identifiers, for VM
// names and private info that must be distinguishable across tests.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no vdmabuf-internal dependencies.
package testutil
