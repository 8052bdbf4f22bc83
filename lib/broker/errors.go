// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
)

// ErrSessionTableFull is logged when a connection is refused because
// every session slot is taken.
var ErrSessionTableFull = errors.New("session table full")

// errUnattached is the reason a non-Attach request fails on a session
// with no bound device.
var errUnattached = errors.New("session is not attached to a vm")

// SetupError is returned by Run when the broker cannot start: the
// listening socket cannot be bound, or the poller cannot be built.
// Nothing has been served when it is returned.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("broker setup: %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}
