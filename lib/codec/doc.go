// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding configuration shared by the
// vdmabuf control socket and its clients.
//
// The buffer-sharing protocol itself is a fixed little-endian layout
// handled by lib/wire. CBOR is used only on the control socket, where
// the broker answers status requests and vdmabuf-ctl renders the
// result. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
//   - `cbor` tag: the type is only ever serialized as CBOR, such as
//     the control socket's request and response envelopes.
//   - `json` tag: the type is serialized as both JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags when `cbor` tags are
//     absent. The broker's status snapshot uses these, since
//     vdmabuf-ctl prints it as JSON.
//
// Never use both `cbor` and `json` tags on the same field.
package codec
