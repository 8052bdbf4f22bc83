// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// poller is a level-triggered epoll set plus an eventfd that wakes a
// blocked wait from another goroutine.
type poller struct {
	epoll  int
	wakeFd int
	events []unix.EpollEvent
}

// Readiness bits reported by wait.
const (
	readable = unix.EPOLLIN
	hangup   = unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLERR
)

func newPoller(batch int) (*poller, error) {
	epoll, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epoll)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &poller{
		epoll:  epoll,
		wakeFd: wakeFd,
		events: make([]unix.EpollEvent, batch),
	}
	if err := p.add(wakeFd, unix.EPOLLIN); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *poller) add(fd int, events uint32) error {
	event := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epoll, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// remove must be called before fd is closed so a reused descriptor
// number never inherits a stale registration.
func (p *poller) remove(fd int) error {
	if err := unix.EpollCtl(p.epoll, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// wait blocks until at least one registered descriptor is ready and
// returns the ready set. The returned slice is reused by the next call.
func (p *poller) wait() ([]unix.EpollEvent, error) {
	for {
		count, err := unix.EpollWait(p.epoll, p.events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("epoll_wait: %w", err)
		}
		return p.events[:count], nil
	}
}

// wake makes a blocked or future wait return with the wake descriptor
// ready. Safe to call from any goroutine.
func (p *poller) wake() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	unix.Write(p.wakeFd, one[:])
}

func (p *poller) isWake(fd int32) bool {
	return int(fd) == p.wakeFd
}

func (p *poller) close() {
	unix.Close(p.wakeFd)
	unix.Close(p.epoll)
}
