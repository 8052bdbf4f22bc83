// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"bytes"
	"encoding/binary"

	"github.com/bureau-foundation/vdmabuf/lib/wire"
)

// EventHeaderSize is the size of one event record header. The driver's
// layout is:
//
//	struct virtio_vdmabuf_e_hdr {
//	    virtio_vdmabuf_buf_id_t buf_id; // offset 0, 16 bytes, 8-aligned
//	    int size;                       // offset 16
//	};                                  // padded to 24
//
// followed by size bytes of private info.
const EventHeaderSize = 24

// Event is one driver notification: a buffer was exported by the peer
// side, with the private info recorded at export.
type Event struct {
	ID      wire.BufferID
	Private []byte
}

// ParseEvents decodes back-to-back event records from one read. Parsing
// stops at the first record whose header or trailer does not fit in
// data, or whose size field is negative; the records before it are
// returned along with the number of bytes they consumed.
func ParseEvents(data []byte) ([]Event, int) {
	var events []Event
	offset := 0
	for offset+EventHeaderSize <= len(data) {
		record := data[offset:]
		privateSize := int(int32(binary.NativeEndian.Uint32(record[16:20])))
		if privateSize < 0 || EventHeaderSize+privateSize > len(record) {
			break
		}

		var event Event
		copy(event.ID[:], record[:wire.BufferIDSize])
		if privateSize > 0 {
			event.Private = bytes.Clone(record[EventHeaderSize : EventHeaderSize+privateSize])
		}
		events = append(events, event)
		offset += EventHeaderSize + privateSize
	}
	return events, offset
}

// AppendEvent appends the record encoding of event to data.
func AppendEvent(data []byte, event Event) []byte {
	var header [EventHeaderSize]byte
	copy(header[:wire.BufferIDSize], event.ID[:])
	binary.NativeEndian.PutUint32(header[16:20], uint32(len(event.Private)))
	data = append(data, header[:]...)
	return append(data, event.Private...)
}
