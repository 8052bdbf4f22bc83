// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/vdmabuf/lib/codec"
)

const (
	// maxRequestSize bounds one request. Control requests are a few
	// dozen bytes.
	maxRequestSize = 64 * 1024

	// requestTimeout bounds the wait for a request after accept.
	requestTimeout = 30 * time.Second

	// replyTimeout bounds the response write.
	replyTimeout = 10 * time.Second
)

// ActionFunc handles one action. raw is the whole CBOR request map,
// "action" included, for handlers that take extra fields. A nil result
// produces {ok: true} with no data.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the envelope for every control socket reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// SocketServer answers CBOR requests on a Unix socket, one request and
// one Response per connection. The broker daemon's --status-socket is
// one of these.
type SocketServer struct {
	path     string
	logger   *slog.Logger
	handlers map[string]ActionFunc
	ready    chan struct{}
	inflight sync.WaitGroup
}

// NewSocketServer returns a server for path. A nil logger discards.
func NewSocketServer(path string, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SocketServer{
		path:     path,
		logger:   logger,
		handlers: make(map[string]ActionFunc),
		ready:    make(chan struct{}),
	}
}

// Handle registers handler for action. It must be called before Serve
// and panics on a duplicate action.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Ready is closed once the socket is bound.
func (s *SocketServer) Ready() <-chan struct{} {
	return s.ready
}

// Serve listens on the socket path, replacing any stale socket file,
// and answers requests until ctx is cancelled. It returns after every
// in-flight request has been answered and the socket file is removed.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", s.path, err)
	}
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()
	defer os.Remove(s.path)
	defer listener.Close()

	close(s.ready)
	s.logger.Info("control socket listening", "path", s.path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("control socket accept failed", "error", err)
			continue
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			defer conn.Close()
			s.serveConn(ctx, conn)
		}()
	}
	s.inflight.Wait()
	s.logger.Info("control socket closed", "path", s.path)
	return nil
}

func (s *SocketServer) serveConn(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(requestTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.reply(conn, failure("invalid request: %v", err))
		return
	}
	s.reply(conn, s.dispatch(ctx, raw))
}

// dispatch routes one decoded request to its handler.
func (s *SocketServer) dispatch(ctx context.Context, raw codec.RawMessage) Response {
	var request struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &request); err != nil {
		return failure("invalid request: %v", err)
	}
	if request.Action == "" {
		return failure("missing required field: action")
	}
	handler, ok := s.handlers[request.Action]
	if !ok {
		return failure("unknown action %q", request.Action)
	}

	result, err := handler(ctx, raw)
	if err != nil {
		s.logger.Debug("control action failed", "action", request.Action, "error", err)
		return Response{Error: err.Error()}
	}
	if result == nil {
		return Response{OK: true}
	}
	data, err := codec.Marshal(result)
	if err != nil {
		return failure("internal: marshaling %s result: %v", request.Action, err)
	}
	return Response{OK: true, Data: data}
}

func (s *SocketServer) reply(conn net.Conn, response Response) {
	conn.SetWriteDeadline(time.Now().Add(replyTimeout))
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("writing control response", "error", err)
	}
}

func failure(format string, args ...any) Response {
	return Response{Error: fmt.Sprintf(format, args...)}
}
