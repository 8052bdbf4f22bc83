// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package device is the boundary between the broker and the kernel's
// cross-VM buffer sharing driver.
//
// [Device] is the capability the broker consumes: allocate a shareable
// buffer, export a buffer descriptor to a [wire.BufferID], unexport it,
// import a BufferID back to a descriptor, query an exported buffer,
// and read the driver's event records. The broker holds one Device per
// monitored VM and never calls the driver any other way.
//
// Two implementations exist:
//
//   - [Kernel] drives /dev/virtio-vdmabuf (guest, front-end) and
//     /dev/virtio-vdmabuf-be (host, back-end, one handle per VM) via
//     ioctl. The ioctl argument structs are the only Go types in the
//     module that must match a C layout bit for bit.
//   - [Fabric] is an in-process sharing domain backed by memfd. Its
//     devices behave like kernel devices attached to different VMs of
//     one host: a buffer exported on one is importable on all. Tests
//     and driverless development runs use it.
//
// Event records are the driver's notification stream (see [ParseEvents]).
package device
