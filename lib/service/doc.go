// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the broker daemon's out-of-band surfaces:
// a CBOR control socket and an HTTP server for metrics.
//
// These are separate from the buffer-sharing socket. The sharing
// protocol is fixed by existing C clients; the control socket is
// vdmabuf's own and may evolve.
//
//   - [SocketServer]: one CBOR request per connection, dispatched by
//     its "action" field to handlers registered with Handle, with
//     connection timeouts and graceful shutdown.
//   - [Client]: the matching caller, used by vdmabuf-ctl.
//   - [HTTPServer]: a TCP listener with graceful shutdown, serving the
//     Prometheus handler.
//
// The daemon composes these in its own main() function. The package
// provides building blocks, not a runtime.
//
// # Access control
//
// The control socket is read-only and protected by filesystem
// permissions on its path. It carries no authentication.
package service
