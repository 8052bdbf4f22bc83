// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Payload sizes. The export response keeps the 4 bytes of padding the
// C layout inserts before the 8-byte aligned BufferID.
const (
	allocRequestSize        = 4
	exportRequestSize       = 4
	statusResponseSize      = 4
	exportResponseSize      = 8 + BufferIDSize
	queryResponseHeaderSize = 12
)

// fixedPayload returns a size-byte buffer holding the first bytes of
// payload, zero-filled if payload is shorter. Response decoding uses
// this so a short or long response degrades the way a fixed C struct
// receive does: silently.
func fixedPayload(payload []byte, size int) []byte {
	buffer := make([]byte, size)
	copy(buffer, payload)
	return buffer
}

func requireSize(command Command, payload []byte, size int) error {
	if len(payload) != size {
		return fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrSchema, command, len(payload), size)
	}
	return nil
}

// EncodeAllocRequest encodes an Alloc request for size bytes.
func EncodeAllocRequest(size int32) []byte {
	payload := make([]byte, allocRequestSize)
	binary.NativeEndian.PutUint32(payload, uint32(size))
	return payload
}

// DecodeAllocRequest returns the requested allocation size.
func DecodeAllocRequest(payload []byte) (int32, error) {
	if err := requireSize(CommandAlloc, payload, allocRequestSize); err != nil {
		return 0, err
	}
	return int32(binary.NativeEndian.Uint32(payload)), nil
}

// EncodeExportRequest encodes an Export request. The reserved word is
// always zero; private, if any, follows it and is handed to the device
// as the export's private info.
func EncodeExportRequest(private []byte) ([]byte, error) {
	if len(private) > MaxPrivateSize {
		return nil, fmt.Errorf("export private info is %d bytes, limit %d", len(private), MaxPrivateSize)
	}
	payload := make([]byte, exportRequestSize+len(private))
	copy(payload[exportRequestSize:], private)
	return payload, nil
}

// DecodeExportRequest returns the private info following the reserved
// word, or nil when there is none.
func DecodeExportRequest(payload []byte) ([]byte, error) {
	if len(payload) < exportRequestSize || len(payload) > exportRequestSize+MaxPrivateSize {
		return nil, fmt.Errorf("%w: export payload is %d bytes", ErrSchema, len(payload))
	}
	if len(payload) == exportRequestSize {
		return nil, nil
	}
	return bytes.Clone(payload[exportRequestSize:]), nil
}

// EncodeBufferIDRequest encodes the payload shared by Unexport, Import,
// and Query requests.
func EncodeBufferIDRequest(id BufferID) []byte {
	payload := make([]byte, BufferIDSize)
	copy(payload, id[:])
	return payload
}

// DecodeBufferIDRequest decodes an Unexport, Import, or Query request.
func DecodeBufferIDRequest(command Command, payload []byte) (BufferID, error) {
	var id BufferID
	if err := requireSize(command, payload, BufferIDSize); err != nil {
		return id, err
	}
	copy(id[:], payload)
	return id, nil
}

// EncodeAttachRequest encodes a VM name into the fixed NUL-padded
// name field.
func EncodeAttachRequest(vmName string) ([]byte, error) {
	if vmName == "" {
		return nil, fmt.Errorf("vm name is empty")
	}
	if len(vmName) > MaxVMNameLength {
		return nil, fmt.Errorf("vm name %q is %d bytes, limit %d", vmName, len(vmName), MaxVMNameLength)
	}
	payload := make([]byte, MaxVMNameLength)
	copy(payload, vmName)
	return payload, nil
}

// DecodeAttachRequest returns the VM name, cut at the first NUL.
func DecodeAttachRequest(payload []byte) (string, error) {
	if err := requireSize(CommandAttach, payload, MaxVMNameLength); err != nil {
		return "", err
	}
	if index := bytes.IndexByte(payload, 0); index >= 0 {
		payload = payload[:index]
	}
	return string(payload), nil
}

// EncodeStatusResponse encodes the status-only response used by
// Alloc, Unexport, Attach, and Import.
func EncodeStatusResponse(status Status) []byte {
	payload := make([]byte, statusResponseSize)
	binary.NativeEndian.PutUint32(payload, uint32(status))
	return payload
}

// DecodeStatusResponse decodes a status-only response.
func DecodeStatusResponse(payload []byte) Status {
	fixed := fixedPayload(payload, statusResponseSize)
	return Status(int32(binary.NativeEndian.Uint32(fixed)))
}

// EncodeExportResponse encodes an Export response.
func EncodeExportResponse(status Status, id BufferID) []byte {
	payload := make([]byte, exportResponseSize)
	binary.NativeEndian.PutUint32(payload[0:4], uint32(status))
	copy(payload[8:], id[:])
	return payload
}

// DecodeExportResponse decodes an Export response.
func DecodeExportResponse(payload []byte) (Status, BufferID) {
	fixed := fixedPayload(payload, exportResponseSize)
	var id BufferID
	copy(id[:], fixed[8:])
	return Status(int32(binary.NativeEndian.Uint32(fixed[0:4]))), id
}

// QueryResponse is the payload of a Query response: the buffer's size
// and its private info as recorded at export.
type QueryResponse struct {
	Status  Status
	Size    int32
	Private []byte
}

// Encode encodes q as {status, size, private size, private bytes}.
func (q QueryResponse) Encode() ([]byte, error) {
	if len(q.Private) > MaxPrivateSize {
		return nil, fmt.Errorf("query private info is %d bytes, limit %d", len(q.Private), MaxPrivateSize)
	}
	payload := make([]byte, queryResponseHeaderSize+len(q.Private))
	binary.NativeEndian.PutUint32(payload[0:4], uint32(q.Status))
	binary.NativeEndian.PutUint32(payload[4:8], uint32(q.Size))
	binary.NativeEndian.PutUint32(payload[8:12], uint32(len(q.Private)))
	copy(payload[queryResponseHeaderSize:], q.Private)
	return payload, nil
}

// DecodeQueryResponse decodes a Query response. The private size field
// is clamped to the bytes actually present.
func DecodeQueryResponse(payload []byte) QueryResponse {
	fixed := fixedPayload(payload, queryResponseHeaderSize)
	response := QueryResponse{
		Status: Status(int32(binary.NativeEndian.Uint32(fixed[0:4]))),
		Size:   int32(binary.NativeEndian.Uint32(fixed[4:8])),
	}
	privateSize := int(int32(binary.NativeEndian.Uint32(fixed[8:12])))
	if privateSize <= 0 || len(payload) <= queryResponseHeaderSize {
		return response
	}
	available := payload[queryResponseHeaderSize:]
	if privateSize > len(available) {
		privateSize = len(available)
	}
	response.Private = bytes.Clone(available[:privateSize])
	return response
}
