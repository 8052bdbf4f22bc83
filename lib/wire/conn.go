// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"syscall"
	"time"
)

// Frame is one received frame. File is the transferred descriptor, or
// nil when the header declared none. The receiver owns File and must
// close it (or hand it on) when done.
type Frame struct {
	Header  Header
	Payload []byte
	File    *os.File
}

// TakeFile returns the frame's descriptor and clears it, transferring
// ownership to the caller.
func (f *Frame) TakeFile() *os.File {
	file := f.File
	f.File = nil
	return file
}

// Close releases the frame's descriptor if it still holds one.
func (f *Frame) Close() error {
	if f.File == nil {
		return nil
	}
	err := f.File.Close()
	f.File = nil
	return err
}

// Conn sends and receives frames over a Unix stream socket. A Conn is
// not safe for concurrent use; each side of the protocol performs one
// request/response exchange at a time.
type Conn struct {
	conn *net.UnixConn

	// oob receives the SCM_RIGHTS control message for one descriptor.
	oob []byte
}

// NewConn wraps an established Unix stream connection.
func NewConn(conn *net.UnixConn) *Conn {
	return &Conn{
		conn: conn,
		oob:  make([]byte, syscall.CmsgSpace(4)),
	}
}

// Dial connects to the broker socket at path.
func Dial(ctx context.Context, path string) (*Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("dialing %s: not a unix connection", path)
	}
	return NewConn(unixConn), nil
}

// UnixConn returns the underlying connection.
func (c *Conn) UnixConn() *net.UnixConn {
	return c.conn
}

// SetDeadline sets the read and write deadline for subsequent frames.
// A zero time disables it.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Send writes one frame. The header goes out as a single write; the
// payload and optional descriptor follow as one sendmsg. A descriptor
// requires a non-empty payload because the ancillary data must ride
// on at least one byte. Send does not close file.
func (c *Conn) Send(command Command, payload []byte, file *os.File) error {
	if file != nil && len(payload) == 0 {
		return fmt.Errorf("sending %s: descriptor requires a payload", command)
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("sending %s: payload is %d bytes, limit %d", command, len(payload), MaxPayloadSize)
	}

	header := Header{Command: command, PayloadSize: uint32(len(payload))}
	if file != nil {
		header.DescriptorCount = 1
	}

	var headerBuffer [HeaderSize]byte
	header.put(headerBuffer[:])
	written, err := c.conn.Write(headerBuffer[:])
	if err != nil {
		return fmt.Errorf("sending %s header: %w", command, err)
	}
	if written != HeaderSize {
		return fmt.Errorf("sending %s header: short write of %d bytes", command, written)
	}

	if len(payload) == 0 {
		return nil
	}

	var oob []byte
	if file != nil {
		oob = syscall.UnixRights(int(file.Fd()))
	}
	written, _, err = c.conn.WriteMsgUnix(payload, oob, nil)
	runtime.KeepAlive(file)
	if err != nil {
		return fmt.Errorf("sending %s payload: %w", command, err)
	}
	if written != len(payload) {
		return fmt.Errorf("sending %s payload: short write of %d of %d bytes", command, written, len(payload))
	}
	return nil
}

// Receive reads one frame. It reads exactly HeaderSize bytes, then, if
// the header declares a payload or descriptor, performs one combined
// read of the declared payload size plus ancillary data.
//
// Errors wrapping ErrProtocol mean the frame was malformed; any
// descriptor that arrived with it has already been closed. Once the
// header is read they are *FrameError values carrying it. Other errors
// come from the transport (see IsClosed).
func (c *Conn) Receive() (*Frame, error) {
	var headerBuffer [HeaderSize]byte
	if _, err := io.ReadFull(c.conn, headerBuffer[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", ErrShortHeader, err)
		}
		return nil, err
	}

	frame := &Frame{}
	if err := frame.Header.UnmarshalBinary(headerBuffer[:]); err != nil {
		return nil, err
	}
	header := frame.Header

	if header.PayloadSize == 0 && header.DescriptorCount == 0 {
		return frame, nil
	}
	if header.PayloadSize == 0 {
		return nil, frameError(header, "%w: %s declares %d descriptors with no payload",
			ErrMissingDescriptor, header.Command, header.DescriptorCount)
	}
	if header.PayloadSize > MaxPayloadSize {
		return nil, frameError(header, "%w: %s declares %d bytes", ErrPayloadTooLarge, header.Command, header.PayloadSize)
	}

	payload := make([]byte, header.PayloadSize)
	received, oobReceived, _, _, err := c.conn.ReadMsgUnix(payload, c.oob)
	descriptors, parseErr := parseDescriptors(c.oob[:oobReceived])
	if err != nil {
		closeDescriptors(descriptors)
		return nil, err
	}
	if parseErr != nil {
		closeDescriptors(descriptors)
		return nil, frameError(header, "%w: %s control message: %v", ErrProtocol, header.Command, parseErr)
	}
	if received == 0 {
		closeDescriptors(descriptors)
		return nil, io.EOF
	}
	if uint32(received) < header.PayloadSize {
		closeDescriptors(descriptors)
		return nil, frameError(header, "%w: %s received %d of %d bytes", ErrShortPayload, header.Command, received, header.PayloadSize)
	}
	frame.Payload = payload

	if header.DescriptorCount == 0 {
		// Descriptors the header did not announce are not ours to keep.
		closeDescriptors(descriptors)
		return frame, nil
	}
	if len(descriptors) == 0 {
		return nil, frameError(header, "%w: %s declared %d descriptors", ErrMissingDescriptor, header.Command, header.DescriptorCount)
	}
	if descriptors[0] < 0 {
		closeDescriptors(descriptors[1:])
		return nil, frameError(header, "%w: %s carried descriptor %d", ErrProtocol, header.Command, descriptors[0])
	}
	closeDescriptors(descriptors[1:])
	frame.File = os.NewFile(uintptr(descriptors[0]), "vdmabuf-descriptor")
	return frame, nil
}

func frameError(header Header, format string, args ...any) *FrameError {
	return &FrameError{Header: header, Err: fmt.Errorf(format, args...)}
}

// parseDescriptors extracts every descriptor from SCM_RIGHTS messages
// in oob. Descriptors parsed before an error are still returned so the
// caller can close them.
func parseDescriptors(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	messages, err := syscall.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var descriptors []int
	for i := range messages {
		if messages[i].Header.Level != syscall.SOL_SOCKET || messages[i].Header.Type != syscall.SCM_RIGHTS {
			continue
		}
		rights, err := syscall.ParseUnixRights(&messages[i])
		if err != nil {
			return descriptors, err
		}
		descriptors = append(descriptors, rights...)
	}
	return descriptors, nil
}

func closeDescriptors(descriptors []int) {
	for _, descriptor := range descriptors {
		if descriptor >= 0 {
			syscall.Close(descriptor)
		}
	}
}
