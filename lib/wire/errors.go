// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrProtocol is wrapped by every malformed-frame error. The broker
// drops the offending frame and keeps the session unless the error also
// leaves the stream off a frame boundary (see IsDesynchronized).
var ErrProtocol = errors.New("protocol error")

var (
	// ErrShortHeader means fewer than HeaderSize bytes arrived before
	// the peer stopped sending.
	ErrShortHeader = fmt.Errorf("%w: short header", ErrProtocol)

	// ErrShortPayload means the payload read returned fewer bytes than
	// the header declared.
	ErrShortPayload = fmt.Errorf("%w: short payload", ErrProtocol)

	// ErrMissingDescriptor means the header declared a descriptor but
	// no valid SCM_RIGHTS message accompanied the payload.
	ErrMissingDescriptor = fmt.Errorf("%w: missing descriptor", ErrProtocol)

	// ErrSchema means the header's payload size or descriptor count
	// does not match the command's schema.
	ErrSchema = fmt.Errorf("%w: schema mismatch", ErrProtocol)

	// ErrPayloadTooLarge means the header declared more than
	// MaxPayloadSize bytes.
	ErrPayloadTooLarge = fmt.Errorf("%w: payload too large", ErrProtocol)
)

// FrameError is a malformed-frame error whose header was read, so the
// caller knows which command the peer attempted.
type FrameError struct {
	Header Header
	Err    error
}

func (e *FrameError) Error() string { return e.Err.Error() }

func (e *FrameError) Unwrap() error { return e.Err }

// IsDesynchronized reports whether err left the stream at an unknown
// offset into a frame: the declared payload was either refused unread
// or only partly delivered. Nothing further on the connection can be
// parsed as a header.
func IsDesynchronized(err error) bool {
	return errors.Is(err, ErrShortPayload) || errors.Is(err, ErrPayloadTooLarge)
}

// IsClosed reports whether err means the connection is finished: EOF
// (including EOF partway through a header), a closed connection, a
// broken pipe, a reset, or an expired I/O deadline. These end a session
// without being logged as failures.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
