// Copyright (c) 2023 The Evloop Authors. All rights reserved.
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

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package evloop

import (
	"context"
	"net"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/evloop/evloop/internal/netpoll"
	"github.com/evloop/evloop/internal/socket"
	errorx "github.com/evloop/evloop/pkg/errors"
	"github.com/evloop/evloop/pkg/logging"
)

// StreamServer accepts inbound connections into new Stream transports, one
// fresh protocol per connection. Closing the server stops listening without
// touching already-accepted connections; WaitClosed blocks until those have
// drained too.
type StreamServer struct {
	loop    *Loop
	factory ProtocolFactory
	opts    *Options

	h     *SocketHandle
	addrs []net.Addr

	mu        sync.Mutex
	listening bool
	closed    bool
	conns     int
	closedCh  chan struct{}
	closeOnce sync.Once
}

// CreateServer binds a listening socket for network ("tcp", "tcp4", "tcp6"
// or "unix") on address. The socket is bound and listening on return; accept
// events start flowing after Listen or StartServing.
func (l *Loop) CreateServer(factory ProtocolFactory, network, address string, opts ...Option) (*StreamServer, error) {
	options := *l.opts
	for _, opt := range opts {
		opt(&options)
	}

	sockOpts := listenerSockOpts(&options)
	var (
		fd   int
		addr net.Addr
		err  error
	)
	switch {
	case strings.HasPrefix(network, "tcp"):
		fd, addr, err = socket.TCPSocket(network, address, true, options.Backlog, sockOpts...)
	case network == "unix":
		fd, addr, err = socket.UnixSocket(network, address, true, options.Backlog, sockOpts...)
	default:
		return nil, errorx.ErrUnsupportedProtocol
	}
	if err != nil {
		return nil, err
	}
	// The requested address may carry port 0; the kernel-assigned one is the
	// address callers can actually dial.
	if bound := localAddrOf(fd); bound != nil {
		addr = bound
	}

	s := &StreamServer{
		loop:     l,
		factory:  factory,
		opts:     &options,
		addrs:    []net.Addr{addr},
		closedCh: make(chan struct{}),
	}
	sh, err := l.initSocketHandle(fd, s.acceptReady, watchRead, addr, nil)
	if err != nil {
		return nil, err
	}
	// Accept interest stays off until Listen.
	if err = l.poller.ModNone(sh.pa); err != nil {
		_ = sh.Close()
		return nil, err
	}
	s.h = sh
	return s, nil
}

// Listen registers the connection-notification callback with the poller. The
// server must still be bound.
func (s *StreamServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errorx.ErrServerClosed
	}
	if s.h == nil || !s.h.Alive() {
		return errorx.ErrServerNotBound
	}
	if s.listening {
		return nil
	}
	if err := s.loop.poller.ModRead(s.h.pa); err != nil {
		return err
	}
	s.listening = true
	return nil
}

// StartServing is an alias for Listen.
func (s *StreamServer) StartServing() error {
	return s.Listen()
}

// Serving reports whether the server is accepting connections.
func (s *StreamServer) Serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening && !s.closed
}

// Sockets returns the bound addresses.
func (s *StreamServer) Sockets() []net.Addr {
	return s.addrs
}

// Close stops listening immediately. Accepted connections are left alone;
// they detach on their own ConnectionLost.
func (s *StreamServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.listening = false
	drained := s.conns == 0
	s.mu.Unlock()
	err := s.h.Close()
	if drained {
		s.closeOnce.Do(func() { close(s.closedCh) })
	}
	return err
}

// WaitClosed blocks until the listening socket is closed and the last
// accepted connection has detached, or until ctx expires.
func (s *StreamServer) WaitClosed(ctx context.Context) error {
	select {
	case <-s.closedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeForever listens and blocks until ctx is cancelled or the server is
// closed, then stops listening. Accepted connections keep running.
func (s *StreamServer) ServeForever(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return s.Close()
	case <-s.closedCh:
		return nil
	}
}

// acceptReady drains the kernel accept queue; loop goroutine only.
func (s *StreamServer) acceptReady(lfd int, _ netpoll.IOEvent) error {
	for {
		nfd, sa, err := unix.Accept(lfd)
		switch err {
		case nil:
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return nil
		default:
			logging.Warnf("%v: %v", errorx.ErrAcceptSocket, err)
			return nil
		}
		if err = unix.SetNonblock(nfd, true); err != nil {
			_ = unix.Close(nfd)
			continue
		}
		s.setupConnSockopts(nfd)

		remote := socket.SockaddrToTCPOrUnixAddr(sa)
		proto := s.factory()
		if s.opts.TLSConfig != nil {
			proto = newTLSProtocol(s.loop, proto, s.opts.TLSConfig, true,
				s.opts.TLSHandshakeTimeout, s.opts.TLSShutdownTimeout)
		}
		s.connAttached()
		if _, err = s.loop.newStream(nfd, proto, s.addrs[0], remote, s); err != nil {
			s.connDetached()
			logging.Warnf("failed to take over accepted fd=%d: %v", nfd, err)
		}
	}
}

func (s *StreamServer) setupConnSockopts(fd int) {
	if s.opts.TCPNoDelay {
		if err := socket.SetNoDelay(fd, 1); err != nil {
			logging.Warnf("failed to set TCP_NODELAY on fd=%d: %v", fd, err)
		}
	}
	if s.opts.TCPKeepAlive > 0 {
		if err := socket.SetKeepAlivePeriod(fd, int(s.opts.TCPKeepAlive.Seconds())); err != nil {
			logging.Warnf("failed to set keep-alive on fd=%d: %v", fd, err)
		}
	}
}

func (s *StreamServer) connAttached() {
	s.mu.Lock()
	s.conns++
	s.mu.Unlock()
}

func (s *StreamServer) connDetached() {
	s.mu.Lock()
	s.conns--
	drained := s.closed && s.conns == 0
	s.mu.Unlock()
	if drained {
		s.closeOnce.Do(func() { close(s.closedCh) })
	}
}

func listenerSockOpts(options *Options) []socket.Option {
	var sockOpts []socket.Option
	if options.ReuseAddr {
		sockOpts = append(sockOpts, socket.Option{SetSockopt: socket.SetReuseAddr, Opt: 1})
	}
	if options.ReusePort {
		sockOpts = append(sockOpts, socket.Option{SetSockopt: socket.SetReuseport, Opt: 1})
	}
	if options.SocketRecvBuffer > 0 {
		sockOpts = append(sockOpts, socket.Option{SetSockopt: socket.SetRecvBuffer, Opt: options.SocketRecvBuffer})
	}
	if options.SocketSendBuffer > 0 {
		sockOpts = append(sockOpts, socket.Option{SetSockopt: socket.SetSendBuffer, Opt: options.SocketSendBuffer})
	}
	return sockOpts
}
