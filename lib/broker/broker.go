// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/vdmabuf/lib/clock"
	"github.com/bureau-foundation/vdmabuf/lib/device"
	"github.com/bureau-foundation/vdmabuf/lib/wire"
)

const (
	// DefaultMaxSessions is the session table capacity when
	// Config.MaxSessions is zero.
	DefaultMaxSessions = 20

	// MaxVMs bounds the devices a back-end broker monitors.
	MaxVMs = 10

	// eventBufferSize is the read size for device event records.
	eventBufferSize = 4096

	// pollBatch is the most ready descriptors handled per wakeup.
	pollBatch = 64
)

// Config describes one broker instance.
type Config struct {
	// SocketPath is where the broker listens. Any stale socket file is
	// removed first.
	SocketPath string

	// Backend selects host-side mode: sessions start unattached and
	// must Attach to one of Devices by VM name. In front-end mode
	// Devices holds exactly one device and every session is bound to
	// it at accept.
	Backend bool

	// Devices are the device bindings, fixed for the broker's
	// lifetime. The broker closes them when Run returns.
	Devices []device.Device

	// MaxSessions is the session table capacity. Zero means
	// DefaultMaxSessions.
	MaxSessions int

	// Cleanup selects which owned BufferIds a disconnect unexports.
	Cleanup CleanupPolicy

	// IOTimeout, when positive, bounds how long one request's receive
	// and response may take before the session is dropped.
	IOTimeout time.Duration

	// Clock stamps session connect times. Nil means clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Broker multiplexes client sessions onto device bindings. All broker
// state is owned by the goroutine running Run.
type Broker struct {
	config  Config
	logger  *slog.Logger
	metrics *Metrics

	status  atomic.Pointer[Status]
	ready   chan struct{}
	running atomic.Bool

	poller     *poller
	listener   *net.UnixListener
	listenerFd int

	// deviceFds maps a polled device descriptor to its index in
	// config.Devices.
	deviceFds map[int]int

	// sessions is keyed by the session socket's descriptor.
	sessions    map[int]*session
	nextSession uint64

	counters    counters
	eventBuffer []byte
}

// New validates config and returns a broker ready to Run.
func New(config Config) (*Broker, error) {
	if config.SocketPath == "" {
		return nil, errors.New("broker: socket path is required")
	}
	if config.Backend {
		if len(config.Devices) > MaxVMs {
			return nil, fmt.Errorf("broker: %d devices configured, limit %d", len(config.Devices), MaxVMs)
		}
	} else if len(config.Devices) != 1 {
		return nil, fmt.Errorf("broker: front-end mode needs exactly one device, have %d", len(config.Devices))
	}
	for index, dev := range config.Devices {
		if dev == nil {
			return nil, fmt.Errorf("broker: device %d is nil", index)
		}
		if config.Backend && dev.Name() == "" {
			return nil, fmt.Errorf("broker: back-end device %d has no vm name", index)
		}
	}
	if config.MaxSessions < 0 {
		return nil, fmt.Errorf("broker: max sessions must not be negative, got %d", config.MaxSessions)
	}
	if config.MaxSessions == 0 {
		config.MaxSessions = DefaultMaxSessions
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	b := &Broker{
		config:      config,
		logger:      config.Logger,
		metrics:     newMetrics(),
		ready:       make(chan struct{}),
		deviceFds:   make(map[int]int),
		sessions:    make(map[int]*session),
		eventBuffer: make([]byte, eventBufferSize),
		counters:    counters{deviceEvents: make([]uint64, len(config.Devices))},
	}
	for _, dev := range config.Devices {
		b.metrics.deviceEvents.WithLabelValues(deviceLabel(dev.Name()))
	}
	b.publish()
	return b, nil
}

// Ready is closed once the broker is listening.
func (b *Broker) Ready() <-chan struct{} {
	return b.ready
}

// Metrics returns the broker's collectors.
func (b *Broker) Metrics() *Metrics {
	return b.metrics
}

func (b *Broker) mode() string {
	if b.config.Backend {
		return "backend"
	}
	return "frontend"
}

// Run listens on the socket and serves sessions until ctx is cancelled.
// Setup failures are returned as *SetupError. On return every session
// has been disconnected with cleanup, the socket file is gone, and the
// devices are closed.
func (b *Broker) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("broker: Run called more than once")
	}
	defer b.closeDevices()

	var err error
	b.poller, err = newPoller(pollBatch)
	if err != nil {
		return &SetupError{Op: "creating poller", Err: err}
	}
	defer b.poller.close()

	if err := b.listen(); err != nil {
		return err
	}
	defer b.closeListener()

	for index, dev := range b.config.Devices {
		if err := b.poller.add(dev.Fd(), unix.EPOLLIN); err != nil {
			return &SetupError{Op: fmt.Sprintf("polling device %q", dev.Name()), Err: err}
		}
		b.deviceFds[dev.Fd()] = index
	}

	// The wake goroutine must be gone before the poller closes so it
	// never writes to a recycled descriptor.
	stop := make(chan struct{})
	var waker sync.WaitGroup
	waker.Add(1)
	go func() {
		defer waker.Done()
		select {
		case <-ctx.Done():
			b.poller.wake()
		case <-stop:
		}
	}()
	defer waker.Wait()
	defer close(stop)

	b.logger.Info("broker listening",
		"socket_path", b.config.SocketPath,
		"mode", b.mode(),
		"devices", len(b.config.Devices),
		"max_sessions", b.config.MaxSessions,
		"disconnect_cleanup", b.config.Cleanup.String(),
	)
	b.publish()
	close(b.ready)

	loopErr := b.loop(ctx)
	b.disconnectAll()
	if loopErr != nil {
		return loopErr
	}
	b.logger.Info("broker stopped", "socket_path", b.config.SocketPath)
	return nil
}

func (b *Broker) listen() error {
	path := b.config.SocketPath
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &SetupError{Op: "removing stale socket " + path, Err: err}
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return &SetupError{Op: "listening on " + path, Err: err}
	}
	fd, err := descriptorOf(listener)
	if err != nil {
		listener.Close()
		return &SetupError{Op: "listening on " + path, Err: err}
	}
	if err := b.poller.add(fd, unix.EPOLLIN); err != nil {
		listener.Close()
		return &SetupError{Op: "polling listener", Err: err}
	}
	b.listener = listener
	b.listenerFd = fd
	return nil
}

func (b *Broker) closeListener() {
	b.poller.remove(b.listenerFd)
	b.listener.Close()
	if err := os.Remove(b.config.SocketPath); err != nil && !os.IsNotExist(err) {
		b.logger.Warn("removing socket file", "socket_path", b.config.SocketPath, "error", err)
	}
}

func (b *Broker) closeDevices() {
	for _, dev := range b.config.Devices {
		if err := dev.Close(); err != nil {
			b.logger.Warn("closing device", "vm", deviceLabel(dev.Name()), "error", err)
		}
	}
}

// loop is the event loop. Within one batch, session and device events
// are handled before accepting, so a descriptor number freed by a
// disconnect in the batch cannot be mistaken for a new session.
func (b *Broker) loop(ctx context.Context) error {
	for {
		events, err := b.poller.wait()
		if err != nil {
			return err
		}

		accept := false
		for _, event := range events {
			fd := int(event.Fd)
			switch {
			case b.poller.isWake(event.Fd):
			case fd == b.listenerFd:
				accept = true
			default:
				if index, ok := b.deviceFds[fd]; ok {
					b.handleDevice(index, event.Events)
				} else if s, ok := b.sessions[fd]; ok {
					b.handleSession(s, event.Events)
				}
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if accept {
			b.accept()
		}
	}
}

func (b *Broker) accept() {
	conn, err := b.acceptConn()
	if err != nil {
		b.logger.Warn("accept failed", "error", err)
		return
	}
	if conn == nil {
		return
	}

	if len(b.sessions) >= b.config.MaxSessions {
		conn.Close()
		b.counters.rejected++
		b.metrics.sessionsRejected.Inc()
		b.logger.Warn("connection refused", "error", ErrSessionTableFull, "max_sessions", b.config.MaxSessions)
		b.publish()
		return
	}

	fd, err := descriptorOf(conn)
	if err == nil {
		err = b.poller.add(fd, unix.EPOLLIN|unix.EPOLLRDHUP)
	}
	if err != nil {
		conn.Close()
		b.logger.Error("registering session", "error", err)
		return
	}

	b.nextSession++
	s := &session{
		id:        b.nextSession,
		conn:      wire.NewConn(conn),
		fd:        fd,
		connected: b.config.Clock.Now(),
	}
	if !b.config.Backend {
		s.device = b.config.Devices[0]
	}
	b.sessions[fd] = s
	b.counters.accepted++
	b.metrics.sessionsActive.Inc()
	b.logger.Debug("session connected", "session_id", s.id, "attached", s.attached())
	b.publish()
}

// acceptConn accepts one pending connection without blocking. It
// returns nil and no error when the readiness was spurious.
func (b *Broker) acceptConn() (*net.UnixConn, error) {
	raw, err := b.listener.SyscallConn()
	if err != nil {
		return nil, err
	}
	var accepted int
	var acceptErr error
	if err := raw.Control(func(fd uintptr) {
		accepted, _, acceptErr = unix.Accept4(int(fd), unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	}); err != nil {
		return nil, err
	}
	if acceptErr == unix.EAGAIN || acceptErr == unix.ECONNABORTED || acceptErr == unix.EINTR {
		return nil, nil
	}
	if acceptErr != nil {
		return nil, fmt.Errorf("accept4: %w", acceptErr)
	}

	file := os.NewFile(uintptr(accepted), "vdmabuf-session")
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("wrapping accepted socket: %w", err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("accepted socket is %T, not a unix connection", conn)
	}
	return unixConn, nil
}

func (b *Broker) handleSession(s *session, events uint32) {
	if events&readable == 0 {
		if events&hangup != 0 {
			b.disconnect(s, "hangup")
		}
		return
	}
	b.serve(s)
}

// serve reads one frame from s and answers it.
func (b *Broker) serve(s *session) {
	if b.config.IOTimeout > 0 {
		s.conn.SetDeadline(time.Now().Add(b.config.IOTimeout))
		defer func() {
			if !s.closed {
				s.conn.SetDeadline(time.Time{})
			}
		}()
	}

	frame, err := s.conn.Receive()
	switch {
	case err == nil:
	case wire.IsClosed(err):
		b.disconnect(s, "closed")
		return
	case wire.IsDesynchronized(err):
		b.protocolError(s, err)
		var frameErr *wire.FrameError
		if errors.As(err, &frameErr) && frameErr.Header.Command.IsRequest() {
			b.fail(s, frameErr.Header.Command)
		}
		b.disconnect(s, "desynchronized")
		return
	case errors.Is(err, wire.ErrProtocol):
		b.protocolError(s, err)
		return
	default:
		b.logger.Warn("session receive failed", "session_id", s.id, "error", err)
		b.disconnect(s, "receive error")
		return
	}

	if err := wire.ValidateRequest(frame.Header); err != nil {
		frame.Close()
		b.protocolError(s, err)
		return
	}
	b.dispatch(s, frame)
}

func (b *Broker) protocolError(s *session, err error) {
	b.counters.protocolErrors++
	b.metrics.protocolErrors.Inc()
	b.logger.Warn("dropping malformed frame", "session_id", s.id, "error", err)
	b.publish()
}

// respond sends the response frame for one request. A send failure
// ends the session.
func (b *Broker) respond(s *session, command wire.Command, status wire.Status, payload []byte, file *os.File) {
	b.counters.requests++
	b.metrics.request(command, status)
	if err := s.conn.Send(command, payload, file); err != nil {
		if wire.IsClosed(err) {
			b.logger.Debug("peer gone before response", "session_id", s.id, "command", command.String())
		} else {
			b.logger.Warn("sending response", "session_id", s.id, "command", command.String(), "error", err)
		}
		b.disconnect(s, "send error")
	}
}

// disconnect releases the session's owned BufferIds per the cleanup
// policy and frees its slot.
func (b *Broker) disconnect(s *session, reason string) {
	if s.closed {
		return
	}
	s.closed = true
	if err := b.poller.remove(s.fd); err != nil {
		b.logger.Warn("unregistering session", "session_id", s.id, "error", err)
	}
	delete(b.sessions, s.fd)

	owned := s.owned.len()
	released := s.owned.drain(b.config.Cleanup)
	for _, id := range released {
		if err := s.device.Unexport(id); err != nil {
			b.logger.Info("unexport on disconnect failed",
				"session_id", s.id, "vm", deviceLabel(s.vmName()), "buffer_id", id.String(), "error", err)
		}
	}
	b.metrics.exportedBuffers.Sub(float64(owned))

	s.conn.Close()
	b.metrics.sessionsActive.Dec()
	b.logger.Debug("session disconnected",
		"session_id", s.id,
		"reason", reason,
		"released", len(released),
		"forgotten", owned-len(released),
	)
	b.publish()
}

func (b *Broker) disconnectAll() {
	for _, s := range b.sessionOrder() {
		b.disconnect(s, "shutdown")
	}
}

// sessionOrder returns the live sessions oldest first.
func (b *Broker) sessionOrder() []*session {
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	slices.SortFunc(sessions, func(x, y *session) int {
		switch {
		case x.id < y.id:
			return -1
		case x.id > y.id:
			return 1
		}
		return 0
	})
	return sessions
}

// descriptorOf returns the descriptor behind a socket. It stays valid
// until the socket is closed.
func descriptorOf(conn syscall.Conn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(descriptor uintptr) {
		fd = int(descriptor)
	}); err != nil {
		return -1, err
	}
	return fd, nil
}
