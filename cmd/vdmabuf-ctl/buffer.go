// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/vdmabuf/lib/bufhash"
	"github.com/bureau-foundation/vdmabuf/lib/client"
	"github.com/bureau-foundation/vdmabuf/lib/wire"
)

// produced describes a buffer produce exported.
type produced struct {
	BufferID wire.BufferID `json:"buffer_id"`
	Size     int           `json:"size"`
	Digest   string        `json:"digest"`
}

// consumed describes a buffer consume mapped.
type consumed struct {
	BufferID wire.BufferID `json:"buffer_id"`
	Size     int           `json:"size"`
	Digest   string        `json:"digest"`
	Private  string        `json:"private,omitempty"`
	Values   []int32       `json:"values"`
}

// mapShared maps the first size bytes of file.
func mapShared(file *os.File, size int, writable bool) ([]byte, error) {
	protection := unix.PROT_READ
	if writable {
		protection |= unix.PROT_WRITE
	}
	mapping, err := unix.Mmap(int(file.Fd()), 0, size, protection, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes: %w", size, err)
	}
	return mapping, nil
}

// fillPattern writes ascending native-endian int32 values 0, 1, 2, ...
func fillPattern(mapping []byte) {
	for index := 0; index+4 <= len(mapping); index += 4 {
		binary.NativeEndian.PutUint32(mapping[index:], uint32(index/4))
	}
}

// readValues returns the first count int32 values of mapping.
func readValues(mapping []byte, count int) []int32 {
	count = min(count, len(mapping)/4)
	values := make([]int32, count)
	for index := range values {
		values[index] = int32(binary.NativeEndian.Uint32(mapping[index*4:]))
	}
	return values
}

// produce allocates size bytes, fills them with the ascending pattern,
// and exports them. The session owns the export until it is closed or
// the returned id is unexported.
func produce(ctx context.Context, c *client.Client, size int, private []byte) (produced, error) {
	file, err := c.Alloc(ctx, size)
	if err != nil {
		return produced{}, err
	}
	defer file.Close()

	mapping, err := mapShared(file, size, true)
	if err != nil {
		return produced{}, err
	}
	fillPattern(mapping)
	digest := bufhash.Sum(mapping)
	if err := unix.Munmap(mapping); err != nil {
		return produced{}, fmt.Errorf("unmapping buffer: %w", err)
	}

	id, err := c.Export(ctx, file, private)
	if err != nil {
		return produced{}, err
	}
	return produced{BufferID: id, Size: size, Digest: digest.String()}, nil
}

// consume imports id, maps size bytes (the exported size when zero),
// and reports the digest and the first count values.
func consume(ctx context.Context, c *client.Client, id wire.BufferID, size, count int) (consumed, error) {
	info, err := c.Query(ctx, id)
	if err != nil {
		return consumed{}, err
	}
	if size == 0 {
		size = int(info.Size)
	}
	if size <= 0 || int64(size) > info.Size {
		return consumed{}, fmt.Errorf("size %d outside exported buffer of %d bytes", size, info.Size)
	}

	file, err := c.Import(ctx, id)
	if err != nil {
		return consumed{}, err
	}
	defer file.Close()

	mapping, err := mapShared(file, size, false)
	if err != nil {
		return consumed{}, err
	}
	defer unix.Munmap(mapping)

	return consumed{
		BufferID: id,
		Size:     size,
		Digest:   bufhash.Sum(mapping).String(),
		Private:  string(info.Private),
		Values:   readValues(mapping, count),
	}, nil
}
