// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/vdmabuf/lib/wire"
)

// Default device nodes.
const (
	DefaultFrontendPath = "/dev/virtio-vdmabuf"
	DefaultBackendPath  = "/dev/virtio-vdmabuf-be"
)

// Query subcommands for the QUERY_BUFINFO ioctl.
const (
	querySize            = 0x10
	queryPrivateInfoSize = 0x11
	queryPrivateInfo     = 0x12
)

// ioctl argument structs. Field order, padding, and sizes follow the
// driver's UAPI header; kernel_test.go pins every size.

type ioctlImport struct {
	ID    wire.BufferID
	Flags int32
	Fd    int32
}

type ioctlRole struct {
	Role int32
}

type ioctlExport struct {
	Fd          int32
	_           int32
	ID          wire.BufferID
	PrivateSize int32
	_           int32
	Private     *byte
}

type ioctlAlloc struct {
	Size uint32
	Fd   int32
}

type ioctlAttach struct {
	Name [wire.MaxVMNameLength]byte
}

type ioctlUnexport struct {
	ID wire.BufferID
}

type ioctlQuery struct {
	ID         wire.BufferID
	Subcommand int32
	_          int32
	Info       uintptr
}

// ioc builds an _IOC(_IOC_NONE, 'G', nr, size) request number.
func ioc(nr, size uintptr) uintptr {
	const (
		typeShift = 8
		sizeShift = 16
	)
	return size<<sizeShift | uintptr('G')<<typeShift | nr
}

var (
	requestImport   = ioc(2, unsafe.Sizeof(ioctlImport{}))
	requestRole     = ioc(3, unsafe.Sizeof(ioctlRole{}))
	requestExport   = ioc(4, unsafe.Sizeof(ioctlExport{}))
	requestAlloc    = ioc(5, unsafe.Sizeof(ioctlAlloc{}))
	requestAttach   = ioc(7, unsafe.Sizeof(ioctlAttach{}))
	requestUnexport = ioc(9, unsafe.Sizeof(ioctlUnexport{}))
	requestQuery    = ioc(10, unsafe.Sizeof(ioctlQuery{}))
)

func ioctl(fd int, request uintptr, argument unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, uintptr(argument))
	if errno != 0 {
		return errno
	}
	return nil
}

// Kernel is a handle on the vdmabuf character device.
type Kernel struct {
	fd   int
	name string
}

// OpenFrontend opens the guest-side device at path and sets the
// producer|consumer role.
func OpenFrontend(path string) (*Kernel, error) {
	return open(path, "")
}

// OpenBackend opens a host-side handle at path and attaches it to the
// named VM. An attach failure wraps ErrUnknownVM.
func OpenBackend(path, vmName string) (*Kernel, error) {
	if vmName == "" || len(vmName) > wire.MaxVMNameLength {
		return nil, fmt.Errorf("vm name %q: %w", vmName, ErrInvalid)
	}
	return open(path, vmName)
}

func open(path, vmName string) (*Kernel, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	device := &Kernel{fd: fd, name: vmName}

	if vmName != "" {
		var attach ioctlAttach
		copy(attach.Name[:], vmName)
		if err := ioctl(fd, requestAttach, unsafe.Pointer(&attach)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("attaching %s to vm %q: %w: %w", path, vmName, ErrUnknownVM, err)
		}
	}

	role := ioctlRole{Role: int32(RoleProducer | RoleConsumer)}
	if err := ioctl(fd, requestRole, unsafe.Pointer(&role)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting role on %s: %w", path, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting %s non-blocking: %w", path, err)
	}
	return device, nil
}

func (k *Kernel) Name() string { return k.name }

func (k *Kernel) Fd() int { return k.fd }

func (k *Kernel) Alloc(size uint32) (*os.File, error) {
	if size == 0 {
		return nil, fmt.Errorf("alloc of 0 bytes: %w", ErrInvalid)
	}
	argument := ioctlAlloc{Size: size, Fd: -1}
	if err := ioctl(k.fd, requestAlloc, unsafe.Pointer(&argument)); err != nil {
		return nil, fmt.Errorf("alloc %d bytes: %w", size, err)
	}
	return os.NewFile(uintptr(argument.Fd), "vdmabuf-alloc"), nil
}

func (k *Kernel) Export(buffer *os.File, private []byte) (wire.BufferID, error) {
	if buffer == nil {
		return wire.BufferID{}, fmt.Errorf("export of nil descriptor: %w", ErrInvalid)
	}
	if len(private) > wire.MaxPrivateSize {
		return wire.BufferID{}, fmt.Errorf("export private info of %d bytes: %w", len(private), ErrInvalid)
	}
	argument := ioctlExport{
		Fd:          int32(buffer.Fd()),
		PrivateSize: int32(len(private)),
	}
	if len(private) > 0 {
		argument.Private = &private[0]
	}
	err := ioctl(k.fd, requestExport, unsafe.Pointer(&argument))
	runtime.KeepAlive(buffer)
	runtime.KeepAlive(private)
	if err != nil {
		return wire.BufferID{}, fmt.Errorf("export: %w", err)
	}
	return argument.ID, nil
}

func (k *Kernel) Unexport(id wire.BufferID) error {
	argument := ioctlUnexport{ID: id}
	if err := ioctl(k.fd, requestUnexport, unsafe.Pointer(&argument)); err != nil {
		return fmt.Errorf("unexport %s: %w", id, err)
	}
	return nil
}

func (k *Kernel) Import(id wire.BufferID) (*os.File, error) {
	argument := ioctlImport{ID: id, Fd: -1}
	if err := ioctl(k.fd, requestImport, unsafe.Pointer(&argument)); err != nil {
		return nil, fmt.Errorf("import %s: %w", id, err)
	}
	return os.NewFile(uintptr(argument.Fd), "vdmabuf-import"), nil
}

func (k *Kernel) QuerySize(id wire.BufferID) (int64, error) {
	argument := ioctlQuery{ID: id, Subcommand: querySize}
	if err := ioctl(k.fd, requestQuery, unsafe.Pointer(&argument)); err != nil {
		return 0, fmt.Errorf("query size of %s: %w", id, err)
	}
	return int64(argument.Info), nil
}

func (k *Kernel) QueryPrivate(id wire.BufferID) ([]byte, error) {
	sizeQuery := ioctlQuery{ID: id, Subcommand: queryPrivateInfoSize}
	if err := ioctl(k.fd, requestQuery, unsafe.Pointer(&sizeQuery)); err != nil {
		return nil, fmt.Errorf("query private info size of %s: %w", id, err)
	}
	size := int(sizeQuery.Info)
	if size == 0 {
		return nil, nil
	}
	if size > wire.MaxPrivateSize {
		size = wire.MaxPrivateSize
	}

	// The driver copies the private info to the user address in Info.
	private := make([]byte, size)
	infoQuery := ioctlQuery{
		ID:         id,
		Subcommand: queryPrivateInfo,
		Info:       uintptr(unsafe.Pointer(&private[0])),
	}
	err := ioctl(k.fd, requestQuery, unsafe.Pointer(&infoQuery))
	runtime.KeepAlive(private)
	if err != nil {
		return nil, fmt.Errorf("query private info of %s: %w", id, err)
	}
	return private, nil
}

func (k *Kernel) ReadEvents(buffer []byte) (int, error) {
	count, err := unix.Read(k.fd, buffer)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading events: %w", err)
	}
	return count, nil
}

func (k *Kernel) Close() error {
	if k.fd < 0 {
		return nil
	}
	err := unix.Close(k.fd)
	k.fd = -1
	return err
}
