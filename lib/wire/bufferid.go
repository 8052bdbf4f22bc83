// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// BufferIDSize is the wire size of a BufferID.
const BufferIDSize = 16

// BufferID identifies a shared buffer across process and VM
// boundaries. It is issued by the device on export and is opaque to
// the broker: the layout is {uint64 id, int32 key[2]} in native byte
// order, but the broker only ever compares, stores, and forwards the
// raw bytes.
//
// BufferID is a comparable array so it can key maps directly.
type BufferID [BufferIDSize]byte

// NewBufferID assembles a BufferID from its components. Used by device
// implementations; the broker never constructs ids itself.
func NewBufferID(id uint64, key0, key1 int32) BufferID {
	var b BufferID
	binary.NativeEndian.PutUint64(b[0:8], id)
	binary.NativeEndian.PutUint32(b[8:12], uint32(key0))
	binary.NativeEndian.PutUint32(b[12:16], uint32(key1))
	return b
}

// ID returns the 64-bit id component.
func (b BufferID) ID() uint64 {
	return binary.NativeEndian.Uint64(b[0:8])
}

// IsZero reports whether every byte of b is zero.
func (b BufferID) IsZero() bool {
	return b == BufferID{}
}

// String returns the 32-character lowercase hex form of the raw bytes.
func (b BufferID) String() string {
	return hex.EncodeToString(b[:])
}

// MarshalText implements encoding.TextMarshaler so BufferIDs encode as
// hex strings in CBOR and JSON status output.
func (b BufferID) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *BufferID) UnmarshalText(text []byte) error {
	parsed, err := ParseBufferID(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// ParseBufferID parses either the 32-character hex form produced by
// String, or sixteen whitespace-separated decimal byte values (the
// form printed by the legacy producer tools, e.g. "12 0 0 0 ...").
func ParseBufferID(s string) (BufferID, error) {
	var b BufferID
	s = strings.TrimSpace(s)

	fields := strings.Fields(s)
	if len(fields) == BufferIDSize {
		for i, field := range fields {
			value, err := strconv.ParseUint(field, 10, 8)
			if err != nil {
				return BufferID{}, fmt.Errorf("buffer id byte %d: %w", i, err)
			}
			b[i] = byte(value)
		}
		return b, nil
	}

	if len(s) != 2*BufferIDSize {
		return BufferID{}, fmt.Errorf("buffer id %q: want %d hex characters or %d decimal bytes", s, 2*BufferIDSize, BufferIDSize)
	}
	if _, err := hex.Decode(b[:], []byte(s)); err != nil {
		return BufferID{}, fmt.Errorf("buffer id %q: %w", s, err)
	}
	return b, nil
}
