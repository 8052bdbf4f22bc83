// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the vdmabuf broker: a single-goroutine
// epoll loop that accepts client sessions on a Unix socket, binds each
// session to a [device.Device], and answers Alloc, Export, Unexport,
// Attach, Import, and Query requests framed by package wire.
//
// A [Broker] is an explicit value; several can run in one process
// against different sockets and devices. Run owns every piece of
// broker state. Other goroutines observe it only through [Broker.Status]
// snapshots and the Prometheus collectors from [Broker.Metrics].
//
// Session lifecycle:
//
//   - Front-end mode: the sole device is bound at accept. Attach is
//     accepted and ignored.
//   - Back-end mode: a session starts unattached and every request but
//     Attach fails until Attach names a configured VM.
//   - A session owns the BufferIds it exported. On disconnect the
//     broker unexports them against the session's device, all of them
//     under [CleanupAll] or only the oldest under [CleanupFirst].
//
// Error handling follows four classes. A malformed frame is dropped and
// the session kept, unless its declared payload was refused or cut
// short: the stream is then off a frame boundary, so the session gets
// the command's failure response and is disconnected. A device failure becomes a failure status in the
// response. A full session table closes the new connection before any
// frame is sent. A setup failure is returned from Run as a
// [*SetupError] before anything is served.
package broker
