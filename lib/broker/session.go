// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bureau-foundation/vdmabuf/lib/device"
	"github.com/bureau-foundation/vdmabuf/lib/wire"
)

// CleanupPolicy selects which owned BufferIds are unexported when a
// session disconnects.
type CleanupPolicy int

const (
	// CleanupAll unexports every BufferId the session still owns.
	CleanupAll CleanupPolicy = iota

	// CleanupFirst unexports only the oldest owned BufferId and
	// forgets the rest, leaving them exported on the device.
	CleanupFirst
)

func (p CleanupPolicy) String() string {
	switch p {
	case CleanupAll:
		return "all"
	case CleanupFirst:
		return "first"
	default:
		return fmt.Sprintf("cleanup(%d)", int(p))
	}
}

// ParseCleanupPolicy parses "all" or "first". The empty string is
// CleanupAll.
func ParseCleanupPolicy(value string) (CleanupPolicy, error) {
	switch strings.ToLower(value) {
	case "", "all":
		return CleanupAll, nil
	case "first":
		return CleanupFirst, nil
	default:
		return 0, fmt.Errorf("unknown disconnect cleanup policy %q (want all or first)", value)
	}
}

// ownedSet is the BufferIds a session exported and has not unexported,
// in export order. It is a cleanup cache; the device stays the
// authority on validity.
type ownedSet struct {
	ids []wire.BufferID
}

func (s *ownedSet) add(id wire.BufferID) bool {
	if slices.Contains(s.ids, id) {
		return false
	}
	s.ids = append(s.ids, id)
	return true
}

func (s *ownedSet) remove(id wire.BufferID) bool {
	index := slices.Index(s.ids, id)
	if index < 0 {
		return false
	}
	s.ids = slices.Delete(s.ids, index, index+1)
	return true
}

func (s *ownedSet) contains(id wire.BufferID) bool {
	return slices.Contains(s.ids, id)
}

func (s *ownedSet) len() int {
	return len(s.ids)
}

// drain empties the set and returns the ids to unexport under policy.
func (s *ownedSet) drain(policy CleanupPolicy) []wire.BufferID {
	ids := s.ids
	s.ids = nil
	if policy == CleanupFirst && len(ids) > 1 {
		return ids[:1]
	}
	return ids
}

func (s *ownedSet) snapshot() []wire.BufferID {
	return slices.Clone(s.ids)
}

// session is one connected peer. Only the loop goroutine touches it.
type session struct {
	id        uint64
	conn      *wire.Conn
	fd        int
	connected time.Time

	// device is nil until the session attaches. In front-end mode it
	// is bound at accept.
	device device.Device

	owned  ownedSet
	closed bool
}

func (s *session) attached() bool {
	return s.device != nil
}

func (s *session) vmName() string {
	if s.device == nil {
		return ""
	}
	return s.device.Name()
}
