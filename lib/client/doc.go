// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the synchronous client for the vdmabuf broker.
//
// A [Client] is one broker session. [Connect] opens it on the
// front-end or back-end well-known socket and optionally attaches to a
// VM. Each method is one request/response round trip; failures are
// returned as they happen and nothing is retried. A failure status from
// the broker is a [*StatusError].
//
//	c, err := client.Connect(ctx, client.Options{Backend: true, VMName: "vm1"})
//	buffer, err := c.Alloc(ctx, 10000)
//	id, err := c.Export(ctx, buffer, nil)
//
// Descriptors returned by Alloc and Import belong to the caller.
package client
