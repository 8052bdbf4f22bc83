// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"os"

	"github.com/bureau-foundation/vdmabuf/lib/wire"
)

var (
	// ErrUnknownBuffer means the device has no live export for the
	// BufferID.
	ErrUnknownBuffer = errors.New("unknown buffer id")

	// ErrUnknownVM means the driver could not attach to the named VM.
	ErrUnknownVM = errors.New("unknown vm")

	// ErrInvalid means the device rejected the arguments (zero size,
	// oversized private info, nil descriptor).
	ErrInvalid = errors.New("invalid device request")

	// ErrClosed means the device handle has been closed.
	ErrClosed = errors.New("device closed")
)

// Role is the producer/consumer role mask set on a device handle.
type Role int32

const (
	RoleProducer Role = 0x1
	RoleConsumer Role = 0x2
)

// Device is one handle on the buffer sharing driver, bound to one VM.
//
// Descriptors returned by Alloc and Import belong to the caller.
// Export does not take ownership of its argument; the driver keeps its
// own reference to the exported buffer until Unexport.
type Device interface {
	// Name is the VM this handle is attached to. The front-end handle
	// has no VM name.
	Name() string

	// Fd is the descriptor to poll for readable event records.
	Fd() int

	// Alloc creates a shareable buffer of size bytes.
	Alloc(size uint32) (*os.File, error)

	// Export makes buffer importable across the VM boundary and returns
	// its id. private is opaque info stored with the export, at most
	// wire.MaxPrivateSize bytes.
	Export(buffer *os.File, private []byte) (wire.BufferID, error)

	// Unexport withdraws an export.
	Unexport(id wire.BufferID) error

	// Import returns a descriptor for the exported buffer id.
	Import(id wire.BufferID) (*os.File, error)

	// QuerySize returns the size in bytes of the exported buffer id.
	QuerySize(id wire.BufferID) (int64, error)

	// QueryPrivate returns the private info stored with the export.
	QueryPrivate(id wire.BufferID) ([]byte, error)

	// ReadEvents performs one non-blocking read of pending event
	// records into buffer. It returns 0 and a nil error when nothing is
	// pending.
	ReadEvents(buffer []byte) (int, error)

	// Close releases the handle.
	Close() error
}
