// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Server accepts master connections and runs one handler goroutine per
// connection. Requests on a connection are handled strictly in order.
type Server struct {
	dispatcher *Dispatcher
	opts       *options
	metrics    *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   int32
	wg       sync.WaitGroup
}

// NewServer creates a new server around dispatcher.
func NewServer(dispatcher *Dispatcher, opts ...Option) *Server {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	metrics := options.metrics
	if metrics == nil {
		metrics = dispatcher.metrics
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		dispatcher: dispatcher,
		opts:       options,
		metrics:    metrics,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on listener until Close is called.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if atomic.LoadInt32(&s.closed) == 1 {
		s.mu.Unlock()
		listener.Close()
		return ErrGatewayClosed
	}
	s.listener = listener
	s.mu.Unlock()
	s.opts.logger.Info("gateway listening", slog.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.opts.logger.Error("accept error", slog.String("error", err.Error()))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if atomic.LoadInt32(&s.closed) == 1 {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		if len(s.conns) >= s.opts.maxConns {
			s.mu.Unlock()
			s.metrics.RejectedConns.Add(1)
			s.opts.logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.metrics.ActiveConns.Add(1)
		s.metrics.TotalConns.Add(1)
		s.wg.Add(1)
		s.mu.Unlock()

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
			tcpConn.SetNoDelay(true)
		}

		go s.handleConn(conn)
	}
}

// Close stops accepting, closes every master connection and waits for their
// handlers to return.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.opts.logger.Info("gateway stopped")
	return err
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of open master connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in connection handler",
				slog.String("remote", remote),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.metrics.ActiveConns.Add(-1)
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.opts.logger.Debug("connection accepted", slog.String("remote", remote))

	for {
		if atomic.LoadInt32(&s.closed) == 1 {
			return
		}

		if s.opts.idleTimeout > 0 {
			conn.SetReadDeadline(timeNow().Add(s.opts.idleTimeout))
		}

		frame, err := ReadFrame(conn)
		if err != nil {
			s.logReadError(remote, err)
			return
		}

		resp, err := s.dispatcher.Handle(s.ctx, frame)
		if err != nil {
			s.metrics.FramingErrors.Add(1)
			s.opts.logger.Warn("malformed request, closing connection",
				slog.String("remote", remote),
				slog.String("error", err.Error()))
			return
		}

		if s.opts.idleTimeout > 0 {
			conn.SetWriteDeadline(timeNow().Add(s.opts.idleTimeout))
		}

		if _, err := conn.Write(resp.Encode()); err != nil {
			s.opts.logger.Debug("write error",
				slog.String("remote", remote),
				slog.String("error", err.Error()))
			return
		}
	}
}

func (s *Server) logReadError(remote string, err error) {
	if errors.Is(err, ErrMalformedFrame) {
		s.metrics.FramingErrors.Add(1)
		s.opts.logger.Warn("malformed frame, closing connection",
			slog.String("remote", remote),
			slog.String("error", err.Error()))
		return
	}
	if err == io.EOF || atomic.LoadInt32(&s.closed) == 1 {
		s.opts.logger.Debug("connection closed", slog.String("remote", remote))
		return
	}
	// Idle timeouts are expected.
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		s.opts.logger.Debug("idle connection dropped", slog.String("remote", remote))
		return
	}
	s.opts.logger.Debug("read error",
		slog.String("remote", remote),
		slog.String("error", err.Error()))
}

// timeNow is a variable for testing
var timeNow = time.Now
