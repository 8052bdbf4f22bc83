// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/vdmabuf/lib/client"
	"github.com/bureau-foundation/vdmabuf/lib/clock"
	"github.com/bureau-foundation/vdmabuf/lib/device"
	"github.com/bureau-foundation/vdmabuf/lib/testutil"
	"github.com/bureau-foundation/vdmabuf/lib/wire"
)

type harness struct {
	broker *Broker
	fabric *device.Fabric
	socket string
	cancel context.CancelFunc
	done   chan error
}

// startBroker runs a broker on a memory fabric. With no vms it runs in
// front-end mode on one unnamed device; otherwise in back-end mode with
// one device per vm.
func startBroker(t *testing.T, vms []string, configure func(*Config)) *harness {
	t.Helper()

	fabric := device.NewFabric()
	config := Config{
		SocketPath: testutil.SocketPath(t, "vdmabuf.sock"),
		Backend:    len(vms) > 0,
	}
	names := vms
	if len(names) == 0 {
		names = []string{""}
	}
	for _, name := range names {
		dev, err := fabric.Open(name)
		if err != nil {
			t.Fatalf("opening fabric device %q: %v", name, err)
		}
		config.Devices = append(config.Devices, dev)
	}
	if configure != nil {
		configure(&config)
	}

	b, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		broker: b,
		fabric: fabric,
		socket: config.SocketPath,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { h.done <- b.Run(ctx) }()
	testutil.RequireClosed(t, b.Ready(), 5*time.Second, "broker ready")

	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, h.done, 5*time.Second, "broker shutdown"); err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return h
}

func (h *harness) connect(t *testing.T, vmName string) *client.Client {
	t.Helper()
	c, err := client.Connect(context.Background(), client.Options{
		SocketPath: h.socket,
		VMName:     vmName,
	})
	if err != nil {
		t.Fatalf("Connect(%q): %v", vmName, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func (h *harness) dial(t *testing.T) *wire.Conn {
	t.Helper()
	conn, err := wire.Dial(context.Background(), h.socket)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	testutil.Eventually(t, 5*time.Second, condition, description)
}

func mapBuffer(t *testing.T, file *os.File, size int) []byte {
	t.Helper()
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(data) })
	return data
}

func writePattern(data []byte) {
	for offset := 0; offset+4 <= len(data); offset += 4 {
		binary.NativeEndian.PutUint32(data[offset:], uint32(offset/4))
	}
}

func checkPattern(t *testing.T, data []byte) {
	t.Helper()
	for offset := 0; offset+4 <= len(data); offset += 4 {
		if value := binary.NativeEndian.Uint32(data[offset:]); value != uint32(offset/4) {
			t.Fatalf("pattern mismatch at int %d: got %d", offset/4, value)
		}
	}
}

func requireStatusError(t *testing.T, err error, command wire.Command) {
	t.Helper()
	var statusErr *client.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want *client.StatusError", err)
	}
	if statusErr.Command != command {
		t.Errorf("StatusError.Command = %s, want %s", statusErr.Command, command)
	}
}

func TestExportImportSharesMemory(t *testing.T) {
	h := startBroker(t, nil, nil)
	ctx := context.Background()
	producer := h.connect(t, "")
	consumer := h.connect(t, "")

	buffer, err := producer.Alloc(ctx, 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer buffer.Close()
	exported := mapBuffer(t, buffer, 4096)
	copy(exported, "frontend shared page")

	id, err := producer.Export(ctx, buffer, nil)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	imported, err := consumer.Import(ctx, id)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	defer imported.Close()
	view := mapBuffer(t, imported, 4096)
	if string(view[:20]) != "frontend shared page" {
		t.Errorf("imported contents = %q", view[:20])
	}
	view[0] = 'F'
	if exported[0] != 'F' {
		t.Error("write through imported mapping not visible to exporter")
	}

	// The exporter can import its own buffer too.
	again, err := producer.Import(ctx, id)
	if err != nil {
		t.Fatalf("Import by exporter: %v", err)
	}
	again.Close()
}

func TestBackendAllocPatternAcrossVMs(t *testing.T) {
	producerVM, consumerVM := testutil.UniqueID("vm"), testutil.UniqueID("vm")
	h := startBroker(t, []string{producerVM, consumerVM}, nil)
	ctx := context.Background()
	producer := h.connect(t, producerVM)
	consumer := h.connect(t, consumerVM)

	buffer, err := producer.Alloc(ctx, 10000)
	if err != nil {
		t.Fatalf("Alloc(10000): %v", err)
	}
	defer buffer.Close()
	info, err := buffer.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if want := int64(pageRound(12288)); info.Size() != want {
		t.Errorf("allocated %d bytes, want %d", info.Size(), want)
	}
	writePattern(mapBuffer(t, buffer, 10000))

	id, err := producer.Export(ctx, buffer, nil)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	imported, err := consumer.Import(ctx, id)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	defer imported.Close()
	checkPattern(t, mapBuffer(t, imported, 10000))
}

func TestQuery(t *testing.T) {
	h := startBroker(t, nil, nil)
	ctx := context.Background()
	producer := h.connect(t, "")
	consumer := h.connect(t, "")

	buffer, err := producer.Alloc(ctx, 10000)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer buffer.Close()
	id, err := producer.Export(ctx, buffer, []byte("format=rgba"))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	info, err := consumer.Query(ctx, id)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if want := int64(pageRound(12288)); info.Size != want {
		t.Errorf("Query size = %d, want %d", info.Size, want)
	}
	if string(info.Private) != "format=rgba" {
		t.Errorf("Query private = %q", info.Private)
	}

	_, err = consumer.Query(ctx, wire.NewBufferID(12345, 0, 0))
	requireStatusError(t, err, wire.CommandQuery)
}

func TestDisconnectReleasesExports(t *testing.T) {
	h := startBroker(t, nil, nil)
	ctx := context.Background()
	consumer := h.connect(t, "")

	producer, err := client.Connect(ctx, client.Options{SocketPath: h.socket})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	var ids []wire.BufferID
	for range 3 {
		buffer, err := producer.Alloc(ctx, 4096)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		id, err := producer.Export(ctx, buffer, nil)
		buffer.Close()
		if err != nil {
			t.Fatalf("Export: %v", err)
		}
		ids = append(ids, id)
	}
	if got := promtestutil.ToFloat64(h.broker.metrics.exportedBuffers); got != 3 {
		t.Errorf("exported_buffers = %v, want 3", got)
	}

	producer.Close()
	waitFor(t, "producer session cleanup", func() bool {
		return len(h.broker.Status().Sessions) == 1
	})
	if h.fabric.Exported() != 0 {
		t.Errorf("fabric still holds %d exports after disconnect", h.fabric.Exported())
	}
	for _, id := range ids {
		_, err := consumer.Import(ctx, id)
		requireStatusError(t, err, wire.CommandImport)
	}
	if got := promtestutil.ToFloat64(h.broker.metrics.exportedBuffers); got != 0 {
		t.Errorf("exported_buffers = %v after disconnect, want 0", got)
	}
}

func TestDisconnectCleanupFirst(t *testing.T) {
	h := startBroker(t, nil, func(config *Config) {
		config.Cleanup = CleanupFirst
	})
	ctx := context.Background()
	consumer := h.connect(t, "")

	producer, err := client.Connect(ctx, client.Options{SocketPath: h.socket})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	var ids []wire.BufferID
	for range 2 {
		buffer, err := producer.Alloc(ctx, 4096)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		id, err := producer.Export(ctx, buffer, nil)
		buffer.Close()
		if err != nil {
			t.Fatalf("Export: %v", err)
		}
		ids = append(ids, id)
	}

	producer.Close()
	waitFor(t, "producer session cleanup", func() bool {
		return len(h.broker.Status().Sessions) == 1
	})
	if h.fabric.Exported() != 1 {
		t.Fatalf("fabric holds %d exports, want 1 left behind", h.fabric.Exported())
	}
	_, err = consumer.Import(ctx, ids[0])
	requireStatusError(t, err, wire.CommandImport)

	leaked, err := consumer.Import(ctx, ids[1])
	if err != nil {
		t.Fatalf("Import of the uncleaned export: %v", err)
	}
	leaked.Close()
}

func TestUnexportIsForwarded(t *testing.T) {
	h := startBroker(t, nil, nil)
	ctx := context.Background()
	owner := h.connect(t, "")
	other := h.connect(t, "")

	buffer, err := owner.Alloc(ctx, 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer buffer.Close()
	id, err := owner.Export(ctx, buffer, nil)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	// Both sessions share the one front-end device, so the device
	// accepts the unexport even though this session does not own the
	// id.
	if err := other.Unexport(ctx, id); err != nil {
		t.Fatalf("Unexport from non-owner session: %v", err)
	}
	_, err = other.Import(ctx, id)
	requireStatusError(t, err, wire.CommandImport)

	// The owner's set still lists the id; a second unexport reaches
	// the device and fails there.
	err = owner.Unexport(ctx, id)
	requireStatusError(t, err, wire.CommandUnexport)
	status := h.broker.Status()
	if len(status.Sessions) != 2 || len(status.Sessions[0].Exported) != 1 {
		t.Errorf("owner session exported = %v, want the stale id kept", status.Sessions)
	}
}

func TestUnexportRemovesOwnership(t *testing.T) {
	h := startBroker(t, nil, nil)
	ctx := context.Background()
	owner := h.connect(t, "")

	buffer, err := owner.Alloc(ctx, 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer buffer.Close()
	id, err := owner.Export(ctx, buffer, nil)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := owner.Unexport(ctx, id); err != nil {
		t.Fatalf("Unexport: %v", err)
	}
	status := h.broker.Status()
	if len(status.Sessions) != 1 || len(status.Sessions[0].Exported) != 0 {
		t.Errorf("sessions after unexport = %+v", status.Sessions)
	}
	if got := promtestutil.ToFloat64(h.broker.metrics.exportedBuffers); got != 0 {
		t.Errorf("exported_buffers = %v, want 0", got)
	}
}

func TestSessionCapacity(t *testing.T) {
	h := startBroker(t, nil, func(config *Config) {
		config.MaxSessions = 2
	})
	first := h.connect(t, "")
	h.connect(t, "")
	waitFor(t, "two sessions accepted", func() bool {
		return h.broker.Status().Accepted == 2
	})

	refused := h.dial(t)
	refused.SetDeadline(time.Now().Add(5 * time.Second))
	frame, err := refused.Receive()
	if err == nil {
		t.Fatalf("refused connection received frame %+v", frame.Header)
	}
	if !wire.IsClosed(err) || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("refused connection error = %v, want a clean close", err)
	}
	if got := promtestutil.ToFloat64(h.broker.metrics.sessionsRejected); got != 1 {
		t.Errorf("sessions_rejected_total = %v, want 1", got)
	}

	// Capacity frees up again on disconnect.
	first.Close()
	waitFor(t, "first session gone", func() bool {
		return len(h.broker.Status().Sessions) == 1
	})
	third := h.connect(t, "")
	buffer, err := third.Alloc(context.Background(), 4096)
	if err != nil {
		t.Fatalf("Alloc after capacity freed: %v", err)
	}
	buffer.Close()
}

func writeHeader(t *testing.T, conn *wire.Conn, command wire.Command, payloadSize, descriptors uint32) {
	t.Helper()
	header, _ := wire.Header{Command: command, PayloadSize: payloadSize, DescriptorCount: descriptors}.MarshalBinary()
	if _, err := conn.UnixConn().Write(header); err != nil {
		t.Fatalf("writing header: %v", err)
	}
}

// requireQueryFailure sends a well-formed Query for an unknown id and
// checks the broker answers it on the same connection.
func requireQueryFailure(t *testing.T, conn *wire.Conn) {
	t.Helper()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := conn.Send(wire.CommandQuery, wire.EncodeBufferIDRequest(wire.NewBufferID(777, 0, 0)), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frame, err := conn.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	defer frame.Close()
	if frame.Header.Command != wire.CommandQuery {
		t.Fatalf("response command = %s, want query", frame.Header.Command)
	}
	if response := wire.DecodeQueryResponse(frame.Payload); response.Status != wire.StatusFailure {
		t.Errorf("query status = %s, want failure", response.Status)
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	h := startBroker(t, nil, nil)
	ctx := context.Background()
	bystander := h.connect(t, "")
	raw := h.dial(t)

	// Unknown command.
	writeHeader(t, raw, wire.Command(99), 0, 0)
	// Schema mismatch: Export without a descriptor.
	if err := raw.Send(wire.CommandExport, make([]byte, 4), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "schema errors counted", func() bool {
		return h.broker.Status().ProtocolErrors == 2
	})

	// The malformed session is still served, and so is everyone else.
	requireQueryFailure(t, raw)
	buffer, err := bystander.Alloc(ctx, 4096)
	if err != nil {
		t.Fatalf("bystander Alloc: %v", err)
	}
	buffer.Close()
	if got := promtestutil.ToFloat64(h.broker.metrics.protocolErrors); got != 2 {
		t.Errorf("protocol_errors_total = %v, want 2", got)
	}
	if sessions := len(h.broker.Status().Sessions); sessions != 2 {
		t.Errorf("sessions = %d, want 2", sessions)
	}
}

func TestTruncatedFramesEndSession(t *testing.T) {
	tests := []struct {
		name    string
		command wire.Command
		// declared is the header's payload size; sent is how many
		// payload bytes actually follow it.
		declared uint32
		sent     int
		// answered is false when the command is not a request and gets
		// no response before the disconnect.
		answered bool
	}{
		{"oversized query", wire.CommandQuery, 5000, 5000, true},
		{"oversized unknown command", wire.Command(99), 5000, 5000, false},
		{"short import", wire.CommandImport, wire.BufferIDSize, 4, true},
		{"short export", wire.CommandExport, 4, 2, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := startBroker(t, nil, nil)
			bystander := h.connect(t, "")
			raw := h.dial(t)

			frame, _ := wire.Header{Command: test.command, PayloadSize: test.declared}.MarshalBinary()
			frame = append(frame, make([]byte, test.sent)...)
			if _, err := raw.UnixConn().Write(frame); err != nil {
				t.Fatalf("writing frame: %v", err)
			}

			raw.SetDeadline(time.Now().Add(5 * time.Second))
			if test.answered {
				response, err := raw.Receive()
				if err != nil {
					t.Fatalf("Receive: %v", err)
				}
				if response.Header.Command != test.command {
					t.Errorf("response command = %s, want %s", response.Header.Command, test.command)
				}
				var status wire.Status
				switch test.command {
				case wire.CommandQuery:
					status = wire.DecodeQueryResponse(response.Payload).Status
				case wire.CommandExport:
					status, _ = wire.DecodeExportResponse(response.Payload)
				default:
					status = wire.DecodeStatusResponse(response.Payload)
				}
				if status != wire.StatusFailure {
					t.Errorf("response status = %s, want failure", status)
				}
				response.Close()
			}
			_, err := raw.Receive()
			if !wire.IsClosed(err) || errors.Is(err, os.ErrDeadlineExceeded) {
				t.Fatalf("Receive after truncated frame = %v, want a closed connection", err)
			}

			waitFor(t, "truncated session dropped", func() bool {
				return len(h.broker.Status().Sessions) == 1
			})
			buffer, err := bystander.Alloc(context.Background(), 4096)
			if err != nil {
				t.Fatalf("bystander Alloc: %v", err)
			}
			buffer.Close()
			if got := h.broker.Status().ProtocolErrors; got != 1 {
				t.Errorf("ProtocolErrors = %d, want 1", got)
			}
		})
	}
}

func TestImportDoesNotTransferOwnership(t *testing.T) {
	h := startBroker(t, nil, nil)
	ctx := context.Background()
	owner := h.connect(t, "")

	buffer, err := owner.Alloc(ctx, 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer buffer.Close()
	id, err := owner.Export(ctx, buffer, nil)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	importer, err := client.Connect(ctx, client.Options{SocketPath: h.socket})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	imported, err := importer.Import(ctx, id)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	imported.Close()
	importer.Close()
	waitFor(t, "importer session cleanup", func() bool {
		return len(h.broker.Status().Sessions) == 1
	})

	if exported := h.fabric.Exported(); exported != 1 {
		t.Errorf("fabric holds %d exports after importer disconnect, want 1", exported)
	}
	if err := owner.Unexport(ctx, id); err != nil {
		t.Errorf("owner Unexport after importer disconnect: %v", err)
	}
}

func TestIOTimeoutDropsStalledSession(t *testing.T) {
	h := startBroker(t, nil, func(config *Config) {
		config.IOTimeout = 100 * time.Millisecond
	})
	stalled := h.dial(t)
	if _, err := stalled.UnixConn().Write([]byte{1, 0, 0}); err != nil {
		t.Fatalf("writing partial header: %v", err)
	}
	waitFor(t, "stalled session accepted", func() bool {
		return h.broker.Status().Accepted == 1
	})
	waitFor(t, "stalled session dropped", func() bool {
		return len(h.broker.Status().Sessions) == 0
	})

	c := h.connect(t, "")
	buffer, err := c.Alloc(context.Background(), 4096)
	if err != nil {
		t.Fatalf("Alloc after stall: %v", err)
	}
	buffer.Close()
}

func TestAttachUnknownVM(t *testing.T) {
	h := startBroker(t, []string{"vm1"}, nil)
	ctx := context.Background()

	_, err := client.Connect(ctx, client.Options{SocketPath: h.socket, VMName: "nope"})
	requireStatusError(t, err, wire.CommandAttach)

	c := h.connect(t, "")
	err = c.Attach(ctx, "nope")
	requireStatusError(t, err, wire.CommandAttach)

	_, err = c.Alloc(ctx, 4096)
	requireStatusError(t, err, wire.CommandAlloc)
	_, err = c.Import(ctx, wire.NewBufferID(1, 0, 0))
	requireStatusError(t, err, wire.CommandImport)
	err = c.Unexport(ctx, wire.NewBufferID(1, 0, 0))
	requireStatusError(t, err, wire.CommandUnexport)

	scratch, err := os.CreateTemp(t.TempDir(), "export")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer scratch.Close()
	_, err = c.Export(ctx, scratch, nil)
	requireStatusError(t, err, wire.CommandExport)

	status := h.broker.Status()
	for _, session := range status.Sessions {
		if session.Attached {
			t.Errorf("session %d attached after unknown vm", session.ID)
		}
	}

	if err := c.Attach(ctx, "vm1"); err != nil {
		t.Fatalf("Attach(vm1): %v", err)
	}
	buffer, err := c.Alloc(ctx, 4096)
	if err != nil {
		t.Fatalf("Alloc after attach: %v", err)
	}
	buffer.Close()
}

func TestAttachRefusedWhileOwningExports(t *testing.T) {
	h := startBroker(t, []string{"vm1", "vm2"}, nil)
	ctx := context.Background()
	c := h.connect(t, "vm1")

	// Re-attaching to the same vm, or switching with nothing owned, is
	// allowed.
	if err := c.Attach(ctx, "vm2"); err != nil {
		t.Fatalf("Attach(vm2) with nothing owned: %v", err)
	}
	if err := c.Attach(ctx, "vm1"); err != nil {
		t.Fatalf("Attach(vm1) with nothing owned: %v", err)
	}

	buffer, err := c.Alloc(ctx, 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer buffer.Close()
	if _, err := c.Export(ctx, buffer, nil); err != nil {
		t.Fatalf("Export: %v", err)
	}
	err = c.Attach(ctx, "vm2")
	requireStatusError(t, err, wire.CommandAttach)
	if err := c.Attach(ctx, "vm1"); err != nil {
		t.Errorf("Attach to the bound vm: %v", err)
	}
	if vm := h.broker.Status().Sessions[0].VM; vm != "vm1" {
		t.Errorf("session vm = %q, want vm1", vm)
	}
}

func TestFrontendAttachIsNoop(t *testing.T) {
	h := startBroker(t, nil, nil)
	c := h.connect(t, "anything")
	buffer, err := c.Alloc(context.Background(), 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	buffer.Close()
	if !h.broker.Status().Sessions[0].Attached {
		t.Error("front-end session not attached")
	}
}

func TestAllocRejectsNonPositiveSize(t *testing.T) {
	h := startBroker(t, nil, nil)
	raw := h.dial(t)
	raw.SetDeadline(time.Now().Add(5 * time.Second))

	for _, size := range []int32{0, -4096} {
		if err := raw.Send(wire.CommandAlloc, wire.EncodeAllocRequest(size), nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
		frame, err := raw.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if frame.File != nil {
			t.Errorf("Alloc(%d) returned a descriptor", size)
		}
		if status := wire.DecodeStatusResponse(frame.Payload); status != wire.StatusFailure {
			t.Errorf("Alloc(%d) status = %s, want failure", size, status)
		}
		frame.Close()
	}
	if got := promtestutil.ToFloat64(h.broker.metrics.requests.WithLabelValues("alloc", "failure")); got != 2 {
		t.Errorf("requests_total{alloc,failure} = %v, want 2", got)
	}
}

func TestDeviceEventsAreCounted(t *testing.T) {
	h := startBroker(t, []string{"vm1", "vm2"}, nil)
	ctx := context.Background()
	producer := h.connect(t, "vm1")

	buffer, err := producer.Alloc(ctx, 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer buffer.Close()
	if _, err := producer.Export(ctx, buffer, []byte("hello")); err != nil {
		t.Fatalf("Export: %v", err)
	}

	waitFor(t, "event on vm2", func() bool {
		devices := h.broker.Status().Devices
		return len(devices) == 2 && devices[1].Events == 1
	})
	if events := h.broker.Status().Devices[0].Events; events != 0 {
		t.Errorf("exporting device saw %d events, want 0", events)
	}
	if got := promtestutil.ToFloat64(h.broker.metrics.deviceEvents.WithLabelValues("vm2")); got != 1 {
		t.Errorf("device_events_total{vm2} = %v, want 1", got)
	}
}

func TestShutdownCleansUp(t *testing.T) {
	fabric := device.NewFabric()
	dev, err := fabric.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	socket := testutil.SocketPath(t, "vdmabuf.sock")
	// A stale socket file is replaced.
	if err := os.WriteFile(socket, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	b, err := New(Config{SocketPath: socket, Devices: []device.Device{dev}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	testutil.RequireClosed(t, b.Ready(), 5*time.Second, "broker ready")

	c, err := client.Connect(ctx, client.Options{SocketPath: socket})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	buffer, err := c.Alloc(ctx, 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer buffer.Close()
	if _, err := c.Export(ctx, buffer, nil); err != nil {
		t.Fatalf("Export: %v", err)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "broker shutdown"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Errorf("socket file still present after shutdown: %v", err)
	}
	if fabric.Exported() != 0 {
		t.Errorf("fabric holds %d exports after shutdown", fabric.Exported())
	}
	if err := b.Run(context.Background()); err == nil {
		t.Error("second Run succeeded")
	}
}

func TestRunSetupError(t *testing.T) {
	fabric := device.NewFabric()
	dev, err := fabric.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := New(Config{
		SocketPath: filepath.Join(testutil.SocketDir(t), "missing", "vdmabuf.sock"),
		Devices:    []device.Device{dev},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = b.Run(context.Background())
	var setupErr *SetupError
	if !errors.As(err, &setupErr) {
		t.Fatalf("Run error = %v, want *SetupError", err)
	}
	select {
	case <-b.Ready():
		t.Error("Ready closed after setup failure")
	default:
	}
}

func TestNewValidation(t *testing.T) {
	fabric := device.NewFabric()
	frontend, err := fabric.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer frontend.Close()
	named, err := fabric.Open("vm1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer named.Close()

	tests := []struct {
		name   string
		config Config
	}{
		{"no socket", Config{Devices: []device.Device{frontend}}},
		{"frontend without device", Config{SocketPath: "/tmp/x"}},
		{"frontend with two devices", Config{SocketPath: "/tmp/x", Devices: []device.Device{frontend, named}}},
		{"backend unnamed device", Config{SocketPath: "/tmp/x", Backend: true, Devices: []device.Device{frontend}}},
		{"negative sessions", Config{SocketPath: "/tmp/x", Devices: []device.Device{frontend}, MaxSessions: -1}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := New(test.config); err == nil {
				t.Error("New succeeded")
			}
		})
	}

	b, err := New(Config{SocketPath: "/tmp/x", Backend: true, Devices: []device.Device{named}})
	if err != nil {
		t.Fatalf("New(backend): %v", err)
	}
	status := b.Status()
	if status.Mode != "backend" || status.MaxSessions != DefaultMaxSessions || status.Cleanup != "all" {
		t.Errorf("initial status = %+v", status)
	}
}

func TestStatusConnectedTime(t *testing.T) {
	epoch := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.Fake(epoch)
	h := startBroker(t, nil, func(config *Config) { config.Clock = fake })

	h.connect(t, "")
	waitFor(t, "first session", func() bool { return len(h.broker.Status().Sessions) == 1 })
	fake.Advance(time.Minute)
	h.connect(t, "")
	waitFor(t, "second session", func() bool { return len(h.broker.Status().Sessions) == 2 })

	sessions := h.broker.Status().Sessions
	if !sessions[0].Connected.Equal(epoch) {
		t.Errorf("session 1 connected = %v, want %v", sessions[0].Connected, epoch)
	}
	if want := epoch.Add(time.Minute); !sessions[1].Connected.Equal(want) {
		t.Errorf("session 2 connected = %v, want %v", sessions[1].Connected, want)
	}
}
