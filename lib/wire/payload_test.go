// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name    string
		header  Header
		wantErr bool
	}{
		{"alloc", Header{CommandAlloc, 4, 0}, false},
		{"alloc with descriptor", Header{CommandAlloc, 4, 1}, true},
		{"alloc short", Header{CommandAlloc, 2, 0}, true},
		{"export bare", Header{CommandExport, 4, 1}, false},
		{"export with private info", Header{CommandExport, 4 + MaxPrivateSize, 1}, false},
		{"export private info too long", Header{CommandExport, 4 + MaxPrivateSize + 1, 1}, true},
		{"export without descriptor", Header{CommandExport, 4, 0}, true},
		{"unexport", Header{CommandUnexport, BufferIDSize, 0}, false},
		{"unexport long", Header{CommandUnexport, BufferIDSize + 4, 0}, true},
		{"attach", Header{CommandAttach, MaxVMNameLength, 0}, false},
		{"attach empty", Header{CommandAttach, 0, 0}, true},
		{"import", Header{CommandImport, BufferIDSize, 0}, false},
		{"query", Header{CommandQuery, BufferIDSize, 0}, false},
		{"reserved import event", Header{CommandImportEvent, 0, 0}, true},
		{"unknown", Header{Command(99), 0, 0}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := ValidateRequest(test.header)
			if test.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, ErrSchema) || !errors.Is(err, ErrProtocol) {
					t.Errorf("error %v does not wrap ErrSchema and ErrProtocol", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestHeaderLayout(t *testing.T) {
	data, err := Header{Command: CommandExport, PayloadSize: 4, DescriptorCount: 1}.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(data) != HeaderSize {
		t.Fatalf("header is %d bytes, want %d", len(data), HeaderSize)
	}
	if got := binary.NativeEndian.Uint32(data[0:4]); got != 2 {
		t.Errorf("type field = %d, want 2", got)
	}
	if got := binary.NativeEndian.Uint32(data[4:8]); got != 4 {
		t.Errorf("size field = %d, want 4", got)
	}
	if got := binary.NativeEndian.Uint32(data[8:12]); got != 1 {
		t.Errorf("fd count field = %d, want 1", got)
	}

	var decoded Header
	if err := decoded.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if decoded != (Header{CommandExport, 4, 1}) {
		t.Errorf("decoded = %+v", decoded)
	}
	if err := decoded.UnmarshalBinary(data[:8]); !errors.Is(err, ErrShortHeader) {
		t.Errorf("UnmarshalBinary(8 bytes) = %v, want ErrShortHeader", err)
	}
}

func TestAllocRequest(t *testing.T) {
	size, err := DecodeAllocRequest(EncodeAllocRequest(12288))
	if err != nil {
		t.Fatalf("DecodeAllocRequest: %v", err)
	}
	if size != 12288 {
		t.Errorf("size = %d, want 12288", size)
	}
	if _, err := DecodeAllocRequest([]byte{1, 2}); !errors.Is(err, ErrSchema) {
		t.Errorf("short alloc request error = %v, want ErrSchema", err)
	}
}

func TestExportRequestPrivateInfo(t *testing.T) {
	payload, err := EncodeExportRequest(nil)
	if err != nil {
		t.Fatalf("EncodeExportRequest(nil): %v", err)
	}
	if !bytes.Equal(payload, []byte{0, 0, 0, 0}) {
		t.Errorf("bare export request = %v, want reserved word only", payload)
	}
	private, err := DecodeExportRequest(payload)
	if err != nil || private != nil {
		t.Errorf("DecodeExportRequest(bare) = %v, %v", private, err)
	}

	payload, err = EncodeExportRequest([]byte("frame=17"))
	if err != nil {
		t.Fatalf("EncodeExportRequest: %v", err)
	}
	private, err = DecodeExportRequest(payload)
	if err != nil {
		t.Fatalf("DecodeExportRequest: %v", err)
	}
	if string(private) != "frame=17" {
		t.Errorf("private = %q", private)
	}

	if _, err := EncodeExportRequest(make([]byte, MaxPrivateSize+1)); err == nil {
		t.Error("oversized private info accepted")
	}
}

func TestAttachRequest(t *testing.T) {
	payload, err := EncodeAttachRequest("vm1")
	if err != nil {
		t.Fatalf("EncodeAttachRequest: %v", err)
	}
	if len(payload) != MaxVMNameLength {
		t.Fatalf("attach payload is %d bytes", len(payload))
	}
	name, err := DecodeAttachRequest(payload)
	if err != nil {
		t.Fatalf("DecodeAttachRequest: %v", err)
	}
	if name != "vm1" {
		t.Errorf("name = %q, want vm1", name)
	}

	full := strings.Repeat("x", MaxVMNameLength)
	payload, err = EncodeAttachRequest(full)
	if err != nil {
		t.Fatalf("EncodeAttachRequest(16 bytes): %v", err)
	}
	if name, _ := DecodeAttachRequest(payload); name != full {
		t.Errorf("unterminated 16-byte name decoded as %q", name)
	}

	if _, err := EncodeAttachRequest(full + "y"); err == nil {
		t.Error("17-byte vm name accepted")
	}
	if _, err := EncodeAttachRequest(""); err == nil {
		t.Error("empty vm name accepted")
	}
}

func TestExportResponseLayout(t *testing.T) {
	id := NewBufferID(0x1122334455667788, 3, 4)
	payload := EncodeExportResponse(StatusSuccess, id)
	if len(payload) != 24 {
		t.Fatalf("export response is %d bytes, want 24", len(payload))
	}
	if !bytes.Equal(payload[8:], id[:]) {
		t.Errorf("buffer id not at offset 8: %x", payload)
	}

	status, decoded := DecodeExportResponse(payload)
	if status != StatusSuccess || decoded != id {
		t.Errorf("decoded %s %s", status, decoded)
	}

	// A truncated response decodes as zero fields rather than failing.
	status, decoded = DecodeExportResponse(EncodeStatusResponse(StatusFailure))
	if status != StatusFailure || !decoded.IsZero() {
		t.Errorf("truncated response decoded as %s %s", status, decoded)
	}
}

func TestStatusResponse(t *testing.T) {
	if got := DecodeStatusResponse(EncodeStatusResponse(StatusFailure)); got != StatusFailure {
		t.Errorf("status = %s, want failure", got)
	}
	if got := DecodeStatusResponse(nil); got != StatusSuccess {
		t.Errorf("empty status response = %s, want zero value", got)
	}
}

func TestQueryResponse(t *testing.T) {
	response := QueryResponse{Status: StatusSuccess, Size: 8192, Private: []byte{9, 8, 7}}
	payload, err := response.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(payload) != 12+3 {
		t.Fatalf("payload is %d bytes", len(payload))
	}

	decoded := DecodeQueryResponse(payload)
	if decoded.Status != StatusSuccess || decoded.Size != 8192 || !bytes.Equal(decoded.Private, []byte{9, 8, 7}) {
		t.Errorf("decoded = %+v", decoded)
	}

	// The private size field claims more than arrived.
	binary.NativeEndian.PutUint32(payload[8:12], 100)
	decoded = DecodeQueryResponse(payload)
	if !bytes.Equal(decoded.Private, []byte{9, 8, 7}) {
		t.Errorf("clamped private = %v", decoded.Private)
	}

	if _, err := (QueryResponse{Private: make([]byte, MaxPrivateSize+1)}).Encode(); err == nil {
		t.Error("oversized private info accepted")
	}
}

func TestCommandString(t *testing.T) {
	if CommandAttach.String() != "attach" {
		t.Errorf("CommandAttach = %q", CommandAttach.String())
	}
	if Command(42).String() != "command(42)" {
		t.Errorf("unknown command = %q", Command(42).String())
	}
}

func TestCommandIsRequest(t *testing.T) {
	for _, command := range []Command{CommandAlloc, CommandExport, CommandUnexport, CommandAttach, CommandImport, CommandQuery} {
		if !command.IsRequest() {
			t.Errorf("%s.IsRequest() = false", command)
		}
	}
	for _, command := range []Command{CommandImportEvent, Command(0), Command(99)} {
		if command.IsRequest() {
			t.Errorf("%s.IsRequest() = true", command)
		}
	}
}
