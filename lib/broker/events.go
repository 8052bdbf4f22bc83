// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"github.com/bureau-foundation/vdmabuf/lib/device"
)

// handleDevice performs one read of the device's pending event records
// and logs each. Events are not forwarded to sessions. A device that
// fails a read or hangs up is dropped from the poll set so it cannot
// spin the loop; its sessions keep working.
func (b *Broker) handleDevice(index int, events uint32) {
	dev := b.config.Devices[index]
	vm := deviceLabel(dev.Name())

	if events&readable == 0 {
		if events&hangup != 0 {
			b.logger.Warn("device hung up, no longer polling for events", "vm", vm)
			b.stopPollingDevice(dev)
		}
		return
	}

	count, err := dev.ReadEvents(b.eventBuffer)
	if err != nil {
		b.logger.Error("reading device events, no longer polling", "vm", vm, "error", err)
		b.stopPollingDevice(dev)
		return
	}
	if count == 0 {
		return
	}

	records, consumed := device.ParseEvents(b.eventBuffer[:count])
	for _, record := range records {
		b.logger.Debug("device event",
			"vm", vm,
			"buffer_id", record.ID.String(),
			"private_size", len(record.Private),
		)
	}
	if consumed < count {
		b.logger.Debug("discarding incomplete event record", "vm", vm, "bytes", count-consumed)
	}
	if len(records) == 0 {
		return
	}
	b.counters.deviceEvents[index] += uint64(len(records))
	b.metrics.deviceEvents.WithLabelValues(vm).Add(float64(len(records)))
	b.publish()
}

func (b *Broker) stopPollingDevice(dev device.Device) {
	fd := dev.Fd()
	if err := b.poller.remove(fd); err != nil {
		b.logger.Warn("unregistering device", "vm", deviceLabel(dev.Name()), "error", err)
	}
	delete(b.deviceFds, fd)
}
