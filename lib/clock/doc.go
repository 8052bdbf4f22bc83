// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The broker stamps each session's connect time through a Clock, and
// vdmabuf-ctl waits out produce's hold period through one. Tests use a
// FakeClock so those times are fixed and the waits fire on Advance:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go hold(c)
//	c.WaitForTimers(1)
//	c.Advance(30 * time.Second)
//
// Socket deadlines stay on real time; the kernel enforces them.
package clock
