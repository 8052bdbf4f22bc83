// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/vdmabuf/lib/wire"
)

// allocGranularity is the unit Alloc rounds requested sizes up to.
const allocGranularity = 4096

// ErrUnexpectedResponse means the broker answered with a frame that
// does not match the request.
var ErrUnexpectedResponse = errors.New("unexpected response from broker")

// StatusError is returned when the broker answers a request with a
// failure status.
type StatusError struct {
	Command wire.Command
	Status  wire.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vdmabuf %s: broker returned %s", e.Command, e.Status)
}

// Options configures Connect.
type Options struct {
	// SocketPath overrides the well-known socket selected by Backend.
	SocketPath string

	// Backend selects the host-side broker socket.
	Backend bool

	// VMName, when set, is attached to immediately after connecting.
	VMName string
}

func (o Options) socketPath() string {
	if o.SocketPath != "" {
		return o.SocketPath
	}
	if o.Backend {
		return wire.DefaultBackendSocket
	}
	return wire.DefaultFrontendSocket
}

// Client is one session with the broker. Methods serialize: each is a
// single request/response round trip, and no request is retried.
type Client struct {
	mu   sync.Mutex
	conn *wire.Conn
}

// Connect opens a session. If options.VMName is set it issues Attach
// and fails if the broker refuses.
func Connect(ctx context.Context, options Options) (*Client, error) {
	path := options.socketPath()
	conn, err := wire.Dial(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("connecting to vdmabuf broker at %s: %w", path, err)
	}
	c := &Client{conn: conn}
	if options.VMName != "" {
		if err := c.Attach(ctx, options.VMName); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return c, nil
}

// Close ends the session. The broker unexports what the session still
// owns.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends one request and returns its response. ctx's deadline
// bounds both directions, and cancelling ctx interrupts a blocked read.
func (c *Client) roundTrip(ctx context.Context, command wire.Command, payload []byte, file *os.File) (*wire.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("vdmabuf %s: %w", command, err)
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer func() {
		if stop() {
			c.conn.SetDeadline(time.Time{})
		}
	}()

	if err := c.conn.Send(command, payload, file); err != nil {
		return nil, c.transportError(ctx, command, err)
	}
	response, err := c.conn.Receive()
	if err != nil {
		return nil, c.transportError(ctx, command, err)
	}
	if response.Header.Command != command {
		response.Close()
		return nil, fmt.Errorf("vdmabuf %s: %w: got %s", command, ErrUnexpectedResponse, response.Header.Command)
	}
	return response, nil
}

func (c *Client) transportError(ctx context.Context, command wire.Command, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("vdmabuf %s: %w", command, ctxErr)
	}
	return fmt.Errorf("vdmabuf %s: %w", command, err)
}

// statusRequest performs a request whose response is a bare status.
func (c *Client) statusRequest(ctx context.Context, command wire.Command, payload []byte) error {
	response, err := c.roundTrip(ctx, command, payload, nil)
	if err != nil {
		return err
	}
	defer response.Close()
	if status := wire.DecodeStatusResponse(response.Payload); status != wire.StatusSuccess {
		return &StatusError{Command: command, Status: status}
	}
	return nil
}

// Attach binds the session to the named VM on a back-end broker.
func (c *Client) Attach(ctx context.Context, vmName string) error {
	payload, err := wire.EncodeAttachRequest(vmName)
	if err != nil {
		return fmt.Errorf("vdmabuf attach: %w", err)
	}
	return c.statusRequest(ctx, wire.CommandAttach, payload)
}

// Alloc requests a shareable buffer of at least size bytes, rounded up
// to a multiple of 4096. The caller owns the returned descriptor.
func (c *Client) Alloc(ctx context.Context, size int) (*os.File, error) {
	if size <= 0 {
		return nil, fmt.Errorf("vdmabuf alloc: size must be positive, got %d", size)
	}
	rounded := (int64(size) + allocGranularity - 1) / allocGranularity * allocGranularity
	if rounded > math.MaxInt32 {
		return nil, fmt.Errorf("vdmabuf alloc: size %d exceeds the protocol limit", size)
	}

	response, err := c.roundTrip(ctx, wire.CommandAlloc, wire.EncodeAllocRequest(int32(rounded)), nil)
	if err != nil {
		return nil, err
	}
	defer response.Close()
	if status := wire.DecodeStatusResponse(response.Payload); status != wire.StatusSuccess {
		return nil, &StatusError{Command: wire.CommandAlloc, Status: status}
	}
	file := response.TakeFile()
	if file == nil {
		return nil, fmt.Errorf("vdmabuf alloc: %w: success without a descriptor", ErrUnexpectedResponse)
	}
	return file, nil
}

// Export makes buffer importable and returns its BufferID. private is
// stored with the export and returned by Query; it may be nil. The
// session owns the export until Unexport or disconnect. Export does not
// close buffer.
func (c *Client) Export(ctx context.Context, buffer *os.File, private []byte) (wire.BufferID, error) {
	if buffer == nil {
		return wire.BufferID{}, errors.New("vdmabuf export: nil descriptor")
	}
	payload, err := wire.EncodeExportRequest(private)
	if err != nil {
		return wire.BufferID{}, fmt.Errorf("vdmabuf export: %w", err)
	}
	response, err := c.roundTrip(ctx, wire.CommandExport, payload, buffer)
	if err != nil {
		return wire.BufferID{}, err
	}
	defer response.Close()
	status, id := wire.DecodeExportResponse(response.Payload)
	if status != wire.StatusSuccess {
		return wire.BufferID{}, &StatusError{Command: wire.CommandExport, Status: status}
	}
	return id, nil
}

// Unexport withdraws an export.
func (c *Client) Unexport(ctx context.Context, id wire.BufferID) error {
	return c.statusRequest(ctx, wire.CommandUnexport, wire.EncodeBufferIDRequest(id))
}

// Import returns a descriptor for an exported buffer. The caller owns
// the descriptor; importing does not make this session responsible for
// the export.
func (c *Client) Import(ctx context.Context, id wire.BufferID) (*os.File, error) {
	response, err := c.roundTrip(ctx, wire.CommandImport, wire.EncodeBufferIDRequest(id), nil)
	if err != nil {
		return nil, err
	}
	defer response.Close()
	if status := wire.DecodeStatusResponse(response.Payload); status != wire.StatusSuccess {
		return nil, &StatusError{Command: wire.CommandImport, Status: status}
	}
	file := response.TakeFile()
	if file == nil {
		return nil, fmt.Errorf("vdmabuf import: %w: success without a descriptor", ErrUnexpectedResponse)
	}
	return file, nil
}

// BufferInfo describes an exported buffer.
type BufferInfo struct {
	Size    int64
	Private []byte
}

// Query returns the size and private info of an exported buffer.
func (c *Client) Query(ctx context.Context, id wire.BufferID) (BufferInfo, error) {
	response, err := c.roundTrip(ctx, wire.CommandQuery, wire.EncodeBufferIDRequest(id), nil)
	if err != nil {
		return BufferInfo{}, err
	}
	defer response.Close()
	decoded := wire.DecodeQueryResponse(response.Payload)
	if decoded.Status != wire.StatusSuccess {
		return BufferInfo{}, &StatusError{Command: wire.CommandQuery, Status: decoded.Status}
	}
	return BufferInfo{Size: int64(decoded.Size), Private: decoded.Private}, nil
}
