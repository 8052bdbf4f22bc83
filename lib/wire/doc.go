// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the vdmabuf broker's local socket protocol: the
// shared buffer identifier, the command set, the fixed payload schema of
// each command, and the frame transport that carries them.
//
// A frame is a 12-byte header {type, payload size, descriptor count},
// written as one send, followed (when either count is nonzero) by the
// payload and at most one file descriptor in a single sendmsg with
// SCM_RIGHTS ancillary data. All integers are native byte order: the
// protocol never leaves the host, and the layouts mirror the C structs
// that existing producers and consumers link against.
//
// Request and response frames share the header shape. There is no
// generic error frame; a malformed frame is reported to the receiver
// as an error wrapping [ErrProtocol] and the receiver decides whether
// to drop the frame or the connection.
//
// [Conn] is the only place descriptors cross the socket. Nothing else
// in the module calls sendmsg or recvmsg.
package wire
