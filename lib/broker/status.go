// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"time"

	"github.com/bureau-foundation/vdmabuf/lib/wire"
)

// Status is a point-in-time view of the broker, published by the loop
// after every state change and safe to read from any goroutine.
type Status struct {
	Mode        string          `json:"mode"`
	SocketPath  string          `json:"socket_path"`
	MaxSessions int             `json:"max_sessions"`
	Cleanup     string          `json:"disconnect_cleanup"`
	Devices     []DeviceStatus  `json:"devices"`
	Sessions    []SessionStatus `json:"sessions"`

	// Accepted counts every session ever admitted; Rejected counts
	// connections closed at accept because the table was full.
	Accepted       uint64 `json:"accepted"`
	Rejected       uint64 `json:"rejected"`
	Requests       uint64 `json:"requests"`
	ProtocolErrors uint64 `json:"protocol_errors"`
}

// DeviceStatus describes one device binding.
type DeviceStatus struct {
	VM     string `json:"vm"`
	Events uint64 `json:"events"`
}

// SessionStatus describes one connected session.
type SessionStatus struct {
	ID        uint64          `json:"id"`
	VM        string          `json:"vm,omitempty"`
	Attached  bool            `json:"attached"`
	Connected time.Time       `json:"connected"`
	Exported  []wire.BufferID `json:"exported,omitempty"`
}

// counters are the loop-owned totals copied into each Status.
type counters struct {
	accepted       uint64
	rejected       uint64
	requests       uint64
	protocolErrors uint64
	deviceEvents   []uint64
}

// publish builds a fresh Status from loop state and stores it.
func (b *Broker) publish() {
	status := &Status{
		Mode:           b.mode(),
		SocketPath:     b.config.SocketPath,
		MaxSessions:    b.config.MaxSessions,
		Cleanup:        b.config.Cleanup.String(),
		Accepted:       b.counters.accepted,
		Rejected:       b.counters.rejected,
		Requests:       b.counters.requests,
		ProtocolErrors: b.counters.protocolErrors,
	}
	for index, dev := range b.config.Devices {
		status.Devices = append(status.Devices, DeviceStatus{
			VM:     deviceLabel(dev.Name()),
			Events: b.counters.deviceEvents[index],
		})
	}
	for _, s := range b.sessionOrder() {
		status.Sessions = append(status.Sessions, SessionStatus{
			ID:        s.id,
			VM:        s.vmName(),
			Attached:  s.attached(),
			Connected: s.connected,
			Exported:  s.owned.snapshot(),
		})
	}
	b.status.Store(status)
}

// Status returns the most recently published snapshot. Before Run has
// started listening it describes an idle broker.
func (b *Broker) Status() Status {
	return *b.status.Load()
}
