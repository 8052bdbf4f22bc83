// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/vdmabuf/lib/wire"
)

// Fabric is an in-process buffer sharing domain. Every [Memory] device
// opened on a Fabric sees the exports of every other: a buffer
// exported on one device is importable on all of them, and each export
// produces an event record on every device except the exporter.
//
// Buffers are memfds, so an imported descriptor maps the same pages as
// the exported one.
type Fabric struct {
	mu      sync.Mutex
	nextID  uint64
	exports map[wire.BufferID]*memoryExport
	devices map[*Memory]struct{}
}

type memoryExport struct {
	owner   *Memory
	file    *os.File
	size    int64
	private []byte
}

// NewFabric returns an empty sharing domain.
func NewFabric() *Fabric {
	return &Fabric{
		nextID:  1,
		exports: make(map[wire.BufferID]*memoryExport),
		devices: make(map[*Memory]struct{}),
	}
}

// Open creates a device on the fabric. name is the VM name the device
// reports; pass "" for a front-end device.
func (f *Fabric) Open(name string) (*Memory, error) {
	if len(name) > wire.MaxVMNameLength {
		return nil, fmt.Errorf("vm name %q: %w", name, ErrInvalid)
	}
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("creating event pipe: %w", err)
	}
	device := &Memory{
		fabric:     f,
		name:       name,
		eventRead:  pipe[0],
		eventWrite: pipe[1],
	}
	f.mu.Lock()
	f.devices[device] = struct{}{}
	f.mu.Unlock()
	return device, nil
}

// Exported returns the number of live exports on the fabric.
func (f *Fabric) Exported() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.exports)
}

func (f *Fabric) newID() (wire.BufferID, error) {
	var keys [8]byte
	if _, err := rand.Read(keys[:]); err != nil {
		return wire.BufferID{}, fmt.Errorf("generating buffer key: %w", err)
	}
	id := wire.NewBufferID(f.nextID,
		int32(binary.NativeEndian.Uint32(keys[0:4])),
		int32(binary.NativeEndian.Uint32(keys[4:8])))
	f.nextID++
	return id, nil
}

// Memory is a [Device] on a [Fabric].
type Memory struct {
	fabric     *Fabric
	name       string
	eventRead  int
	eventWrite int
	closed     bool
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Fd() int { return m.eventRead }

func (m *Memory) Alloc(size uint32) (*os.File, error) {
	if size == 0 {
		return nil, fmt.Errorf("alloc of 0 bytes: %w", ErrInvalid)
	}
	if m.isClosed() {
		return nil, ErrClosed
	}
	fd, err := unix.MemfdCreate("vdmabuf", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sizing buffer to %d bytes: %w", size, err)
	}
	return os.NewFile(uintptr(fd), "vdmabuf-alloc"), nil
}

func (m *Memory) Export(buffer *os.File, private []byte) (wire.BufferID, error) {
	if buffer == nil {
		return wire.BufferID{}, fmt.Errorf("export of nil descriptor: %w", ErrInvalid)
	}
	if len(private) > wire.MaxPrivateSize {
		return wire.BufferID{}, fmt.Errorf("export private info of %d bytes: %w", len(private), ErrInvalid)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(int(buffer.Fd()), &stat); err != nil {
		return wire.BufferID{}, fmt.Errorf("stat of exported descriptor: %w", err)
	}
	if stat.Size <= 0 {
		return wire.BufferID{}, fmt.Errorf("export of empty buffer: %w", ErrInvalid)
	}
	held, err := unix.Dup(int(buffer.Fd()))
	if err != nil {
		return wire.BufferID{}, fmt.Errorf("duplicating exported descriptor: %w", err)
	}
	unix.CloseOnExec(held)

	f := m.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.closed {
		unix.Close(held)
		return wire.BufferID{}, ErrClosed
	}
	id, err := f.newID()
	if err != nil {
		unix.Close(held)
		return wire.BufferID{}, err
	}
	f.exports[id] = &memoryExport{
		owner:   m,
		file:    os.NewFile(uintptr(held), "vdmabuf-export"),
		size:    stat.Size,
		private: bytes.Clone(private),
	}

	record := AppendEvent(nil, Event{ID: id, Private: private})
	for peer := range f.devices {
		if peer == m {
			continue
		}
		// A full pipe drops the record, as a driver with a full event
		// queue would.
		unix.Write(peer.eventWrite, record)
	}
	return id, nil
}

func (m *Memory) Unexport(id wire.BufferID) error {
	f := m.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	export, ok := f.exports[id]
	if !ok || export.owner != m {
		return fmt.Errorf("unexport %s: %w", id, ErrUnknownBuffer)
	}
	delete(f.exports, id)
	return export.file.Close()
}

func (m *Memory) lookup(id wire.BufferID) (*memoryExport, error) {
	f := m.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	export, ok := f.exports[id]
	if !ok {
		return nil, fmt.Errorf("buffer %s: %w", id, ErrUnknownBuffer)
	}
	return export, nil
}

func (m *Memory) Import(id wire.BufferID) (*os.File, error) {
	f := m.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	export, ok := f.exports[id]
	if !ok {
		return nil, fmt.Errorf("import %s: %w", id, ErrUnknownBuffer)
	}
	fd, err := unix.Dup(int(export.file.Fd()))
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", id, err)
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), "vdmabuf-import"), nil
}

func (m *Memory) QuerySize(id wire.BufferID) (int64, error) {
	export, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	return export.size, nil
}

func (m *Memory) QueryPrivate(id wire.BufferID) ([]byte, error) {
	export, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(export.private), nil
}

func (m *Memory) ReadEvents(buffer []byte) (int, error) {
	count, err := unix.Read(m.eventRead, buffer)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading events: %w", err)
	}
	return count, nil
}

func (m *Memory) isClosed() bool {
	m.fabric.mu.Lock()
	defer m.fabric.mu.Unlock()
	return m.closed
}

// Close removes the device from its fabric and withdraws every export it
// still owns.
func (m *Memory) Close() error {
	f := m.fabric
	f.mu.Lock()
	if m.closed {
		f.mu.Unlock()
		return nil
	}
	m.closed = true
	delete(f.devices, m)
	for id, export := range f.exports {
		if export.owner == m {
			export.file.Close()
			delete(f.exports, id)
		}
	}
	f.mu.Unlock()

	unix.Close(m.eventWrite)
	return unix.Close(m.eventRead)
}
