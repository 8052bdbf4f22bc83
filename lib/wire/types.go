// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
)

// Command is the frame type. Requests and their responses carry the
// same value.
type Command uint32

const (
	CommandAlloc    Command = 0x01
	CommandExport   Command = 0x02
	CommandUnexport Command = 0x03
	CommandAttach   Command = 0x04
	CommandImport   Command = 0x05
	CommandQuery    Command = 0x06

	// CommandImportEvent is reserved for delivering device export
	// notifications to sessions. The broker never sends it.
	CommandImportEvent Command = 0x07
)

func (c Command) String() string {
	switch c {
	case CommandAlloc:
		return "alloc"
	case CommandExport:
		return "export"
	case CommandUnexport:
		return "unexport"
	case CommandAttach:
		return "attach"
	case CommandImport:
		return "import"
	case CommandQuery:
		return "query"
	case CommandImportEvent:
		return "import-event"
	default:
		return fmt.Sprintf("command(%d)", uint32(c))
	}
}

// Status is the first field of every response payload.
type Status int32

const (
	StatusSuccess Status = 0
	StatusFailure Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Well-known broker socket paths.
const (
	DefaultFrontendSocket = "/dev/socket/vdmabuf"
	DefaultBackendSocket  = "/tmp/vdmabuf"
)

const (
	// HeaderSize is the wire size of Header.
	HeaderSize = 12

	// MaxVMNameLength is the size of the fixed VM name field in an
	// Attach request. Longer names cannot be expressed on the wire.
	MaxVMNameLength = 16

	// MaxPrivateSize bounds the private info attached to an export and
	// returned by a query.
	MaxPrivateSize = 192

	// MaxPayloadSize bounds the declared payload size Receive will
	// allocate for. The largest defined payload is a query response
	// carrying MaxPrivateSize bytes of private info.
	MaxPayloadSize = 4096
)

// Header is the fixed frame header.
type Header struct {
	Command         Command
	PayloadSize     uint32
	DescriptorCount uint32
}

// MarshalBinary encodes h in native byte order.
func (h Header) MarshalBinary() ([]byte, error) {
	buffer := make([]byte, HeaderSize)
	h.put(buffer)
	return buffer, nil
}

func (h Header) put(buffer []byte) {
	binary.NativeEndian.PutUint32(buffer[0:4], uint32(h.Command))
	binary.NativeEndian.PutUint32(buffer[4:8], h.PayloadSize)
	binary.NativeEndian.PutUint32(buffer[8:12], h.DescriptorCount)
}

// UnmarshalBinary decodes a native byte order header.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: %d header bytes", ErrShortHeader, len(data))
	}
	h.Command = Command(binary.NativeEndian.Uint32(data[0:4]))
	h.PayloadSize = binary.NativeEndian.Uint32(data[4:8])
	h.DescriptorCount = binary.NativeEndian.Uint32(data[8:12])
	return nil
}

// schema describes the payload shape a request of one command type
// must have.
type schema struct {
	minPayload  uint32
	maxPayload  uint32
	descriptors uint32
}

var requestSchemas = map[Command]schema{
	CommandAlloc:    {minPayload: allocRequestSize, maxPayload: allocRequestSize},
	CommandExport:   {minPayload: exportRequestSize, maxPayload: exportRequestSize + MaxPrivateSize, descriptors: 1},
	CommandUnexport: {minPayload: BufferIDSize, maxPayload: BufferIDSize},
	CommandAttach:   {minPayload: MaxVMNameLength, maxPayload: MaxVMNameLength},
	CommandImport:   {minPayload: BufferIDSize, maxPayload: BufferIDSize},
	CommandQuery:    {minPayload: BufferIDSize, maxPayload: BufferIDSize},
}

// IsRequest reports whether c is a command sessions may send.
func (c Command) IsRequest() bool {
	_, known := requestSchemas[c]
	return known
}

// ValidateRequest checks that a request header matches the payload
// size and descriptor count its command requires. Unknown commands
// and mismatches return an error wrapping ErrSchema.
func ValidateRequest(h Header) error {
	expected, known := requestSchemas[h.Command]
	if !known {
		return fmt.Errorf("%w: unknown %s", ErrSchema, h.Command)
	}
	if h.PayloadSize < expected.minPayload || h.PayloadSize > expected.maxPayload {
		return fmt.Errorf("%w: %s payload is %d bytes, want %d..%d",
			ErrSchema, h.Command, h.PayloadSize, expected.minPayload, expected.maxPayload)
	}
	if h.DescriptorCount != expected.descriptors {
		return fmt.Errorf("%w: %s carries %d descriptors, want %d",
			ErrSchema, h.Command, h.DescriptorCount, expected.descriptors)
	}
	return nil
}
