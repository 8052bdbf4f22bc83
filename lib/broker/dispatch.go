// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"math"
	"os"

	"github.com/bureau-foundation/vdmabuf/lib/device"
	"github.com/bureau-foundation/vdmabuf/lib/wire"
)

// dispatch answers one well-formed request. Every path sends exactly
// one response. Descriptors held by frame are closed on return.
func (b *Broker) dispatch(s *session, frame *wire.Frame) {
	defer frame.Close()

	command := frame.Header.Command
	if command != wire.CommandAttach && !s.attached() {
		b.logger.Debug("rejecting request", "session_id", s.id, "command", command.String(), "error", errUnattached)
		b.fail(s, command)
		return
	}

	switch command {
	case wire.CommandAlloc:
		b.handleAlloc(s, frame)
	case wire.CommandExport:
		b.handleExport(s, frame)
	case wire.CommandUnexport:
		b.handleUnexport(s, frame)
	case wire.CommandAttach:
		b.handleAttach(s, frame)
	case wire.CommandImport:
		b.handleImport(s, frame)
	case wire.CommandQuery:
		b.handleQuery(s, frame)
	}
}

// fail sends the failure response shape for command.
func (b *Broker) fail(s *session, command wire.Command) {
	var payload []byte
	switch command {
	case wire.CommandExport:
		payload = wire.EncodeExportResponse(wire.StatusFailure, wire.BufferID{})
	case wire.CommandQuery:
		payload, _ = wire.QueryResponse{Status: wire.StatusFailure}.Encode()
	default:
		payload = wire.EncodeStatusResponse(wire.StatusFailure)
	}
	b.respond(s, command, wire.StatusFailure, payload, nil)
}

func (b *Broker) succeed(s *session, command wire.Command, file *os.File) {
	b.respond(s, command, wire.StatusSuccess, wire.EncodeStatusResponse(wire.StatusSuccess), file)
}

func (b *Broker) deviceFailed(s *session, command wire.Command, err error) {
	b.logger.Info("device request failed",
		"session_id", s.id,
		"vm", deviceLabel(s.vmName()),
		"command", command.String(),
		"error", err,
	)
	b.fail(s, command)
}

// pageRound rounds a positive size up to a whole number of pages.
func pageRound(size int32) uint32 {
	page := uint64(os.Getpagesize())
	return uint32((uint64(size) + page - 1) / page * page)
}

func (b *Broker) handleAlloc(s *session, frame *wire.Frame) {
	size, err := wire.DecodeAllocRequest(frame.Payload)
	if err != nil || size <= 0 {
		b.logger.Debug("invalid alloc size", "session_id", s.id, "size", size)
		b.fail(s, wire.CommandAlloc)
		return
	}
	file, err := s.device.Alloc(pageRound(size))
	if err != nil {
		b.deviceFailed(s, wire.CommandAlloc, err)
		return
	}
	defer file.Close()
	b.succeed(s, wire.CommandAlloc, file)
}

func (b *Broker) handleExport(s *session, frame *wire.Frame) {
	file := frame.TakeFile()
	defer file.Close()

	private, err := wire.DecodeExportRequest(frame.Payload)
	if err != nil {
		b.fail(s, wire.CommandExport)
		return
	}
	id, err := s.device.Export(file, private)
	if err != nil {
		b.deviceFailed(s, wire.CommandExport, err)
		return
	}
	if s.owned.add(id) {
		b.metrics.exportedBuffers.Inc()
	}
	b.logger.Debug("buffer exported",
		"session_id", s.id,
		"vm", deviceLabel(s.vmName()),
		"buffer_id", id.String(),
		"private_size", len(private),
	)
	b.respond(s, wire.CommandExport, wire.StatusSuccess, wire.EncodeExportResponse(wire.StatusSuccess, id), nil)
	b.publish()
}

// handleUnexport forwards to the device whether or not the session owns
// the id. The owned set forgets the id only when the device accepted.
func (b *Broker) handleUnexport(s *session, frame *wire.Frame) {
	id, err := wire.DecodeBufferIDRequest(wire.CommandUnexport, frame.Payload)
	if err != nil {
		b.fail(s, wire.CommandUnexport)
		return
	}
	if err := s.device.Unexport(id); err != nil {
		b.deviceFailed(s, wire.CommandUnexport, err)
		return
	}
	if s.owned.remove(id) {
		b.metrics.exportedBuffers.Dec()
	}
	b.logger.Debug("buffer unexported", "session_id", s.id, "buffer_id", id.String())
	b.succeed(s, wire.CommandUnexport, nil)
	b.publish()
}

// handleAttach binds the session to the named VM's device. Front-end
// sessions are already bound and Attach succeeds without effect.
func (b *Broker) handleAttach(s *session, frame *wire.Frame) {
	name, err := wire.DecodeAttachRequest(frame.Payload)
	if err != nil {
		b.fail(s, wire.CommandAttach)
		return
	}
	if !b.config.Backend {
		b.succeed(s, wire.CommandAttach, nil)
		return
	}

	target := b.deviceByName(name)
	if target == nil {
		b.logger.Info("attach to unknown vm", "session_id", s.id, "vm", name, "error", device.ErrUnknownVM)
		b.fail(s, wire.CommandAttach)
		return
	}
	// Owned ids are only valid against the device that issued them.
	if s.device != nil && s.device != target && s.owned.len() > 0 {
		b.logger.Info("attach refused while owning exports",
			"session_id", s.id, "vm", name, "bound_vm", s.vmName(), "owned", s.owned.len())
		b.fail(s, wire.CommandAttach)
		return
	}

	s.device = target
	b.logger.Debug("session attached", "session_id", s.id, "vm", name)
	b.succeed(s, wire.CommandAttach, nil)
	b.publish()
}

func (b *Broker) deviceByName(name string) device.Device {
	if name == "" {
		return nil
	}
	for _, dev := range b.config.Devices {
		if dev.Name() == name {
			return dev
		}
	}
	return nil
}

func (b *Broker) handleImport(s *session, frame *wire.Frame) {
	id, err := wire.DecodeBufferIDRequest(wire.CommandImport, frame.Payload)
	if err != nil {
		b.fail(s, wire.CommandImport)
		return
	}
	file, err := s.device.Import(id)
	if err != nil {
		b.deviceFailed(s, wire.CommandImport, err)
		return
	}
	defer file.Close()
	b.succeed(s, wire.CommandImport, file)
}

func (b *Broker) handleQuery(s *session, frame *wire.Frame) {
	id, err := wire.DecodeBufferIDRequest(wire.CommandQuery, frame.Payload)
	if err != nil {
		b.fail(s, wire.CommandQuery)
		return
	}
	size, err := s.device.QuerySize(id)
	if err != nil {
		b.deviceFailed(s, wire.CommandQuery, err)
		return
	}
	if size < 0 || size > math.MaxInt32 {
		b.logger.Info("queried size does not fit the response", "session_id", s.id, "buffer_id", id.String(), "size", size)
		b.fail(s, wire.CommandQuery)
		return
	}
	private, err := s.device.QueryPrivate(id)
	if err != nil {
		b.deviceFailed(s, wire.CommandQuery, err)
		return
	}
	if len(private) > wire.MaxPrivateSize {
		private = private[:wire.MaxPrivateSize]
	}
	payload, err := wire.QueryResponse{Status: wire.StatusSuccess, Size: int32(size), Private: private}.Encode()
	if err != nil {
		b.deviceFailed(s, wire.CommandQuery, err)
		return
	}
	b.respond(s, wire.CommandQuery, wire.StatusSuccess, payload, nil)
}
