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
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/evloop/evloop/internal/netpoll"
	"github.com/evloop/evloop/internal/socket"
	errorx "github.com/evloop/evloop/pkg/errors"
)

type connResult struct {
	s   *Stream
	err error
}

// CreateConnection resolves address, connects without blocking the loop and
// returns the live transport once ConnectionMade has been delivered. With a
// TLS config in opts the connection is upgraded first and the call returns
// after the handshake. Call it from outside the loop goroutine: it blocks
// until the loop completes the connect.
func (l *Loop) CreateConnection(ctx context.Context, factory ProtocolFactory, network, address string, opts ...Option) (Transport, error) {
	options := *l.opts
	for _, opt := range opts {
		opt(&options)
	}
	if !strings.HasPrefix(network, "tcp") && network != "unix" {
		return nil, errorx.ErrUnsupportedProtocol
	}

	candidates, err := l.resolver.resolve(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		candidates = []string{address}
	}

	var lastErr error
	for _, cand := range candidates {
		proto := factory()
		var tp *tlsProtocol
		if options.TLSConfig != nil {
			tp = newTLSProtocol(l, proto, options.TLSConfig, false,
				options.TLSHandshakeTimeout, options.TLSShutdownTimeout)
			proto = tp
		}
		s, err := l.dialStream(ctx, proto, network, cand, &options)
		if err != nil {
			lastErr = err
			continue
		}
		if tp == nil {
			return s, nil
		}
		t, err := tp.waitReady(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		return t, nil
	}
	return nil, lastErr
}

// CreateUnixConnection is CreateConnection for Unix domain sockets.
func (l *Loop) CreateUnixConnection(ctx context.Context, factory ProtocolFactory, address string, opts ...Option) (Transport, error) {
	return l.CreateConnection(ctx, factory, "unix", address, opts...)
}

func (l *Loop) dialStream(ctx context.Context, proto Protocol, network, address string, options *Options) (*Stream, error) {
	var (
		fd  int
		sa  unix.Sockaddr
		err error
	)
	if network == "unix" {
		sa, _, _, err = socket.GetUnixSockaddr(network, address)
		if err != nil {
			return nil, err
		}
		fd, _, err = socket.UnixSocket(network, address, false, 0)
	} else {
		sa, _, _, _, err = socket.GetTCPSockaddr(network, address)
		if err != nil {
			return nil, err
		}
		if fd, _, err = socket.TCPSocket(network, address, false, 0); err != nil {
			return nil, err
		}
		if options.TCPNoDelay {
			_ = socket.SetNoDelay(fd, 1)
		}
		err = os.NewSyscallError("connect", unix.Connect(fd, sa))
	}

	inProgress := false
	if sysErr, ok := err.(*os.SyscallError); ok && sysErr.Err == unix.EINPROGRESS {
		inProgress = true
	}
	if err != nil && !inProgress {
		if network != "unix" {
			_ = unix.Close(fd)
		}
		return nil, err
	}

	if !inProgress {
		return l.takeOverConnected(proto, fd)
	}
	return l.waitForConnect(ctx, proto, fd)
}

// takeOverConnected builds the stream for an fd whose connect completed
// synchronously; newStream still has to run on the loop goroutine.
func (l *Loop) takeOverConnected(proto Protocol, fd int) (*Stream, error) {
	ch := make(chan connResult, 1)
	if err := l.poller.Trigger(func(interface{}) error {
		s, err := l.newStream(fd, proto, localAddrOf(fd), remoteAddrOf(fd), nil)
		ch <- connResult{s: s, err: err}
		return nil
	}, nil); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	res := <-ch
	return res.s, res.err
}

// waitForConnect parks the fd in the poller until it turns writable, then
// checks SO_ERROR and promotes it into a stream.
func (l *Loop) waitForConnect(ctx context.Context, proto Protocol, fd int) (*Stream, error) {
	ch := make(chan connResult, 1)
	settled := false // loop goroutine only

	var h *NativeHandle
	onWritable := func(_ int, ev netpoll.IOEvent) error {
		if settled {
			return nil
		}
		settled = true
		soErr := socket.GetSoError(fd)
		if soErr == nil && netpoll.IsErrorEvent(ev) {
			soErr = unix.ECONNREFUSED
		}
		if !h.detach() {
			return nil
		}
		if soErr != nil {
			_ = unix.Close(fd)
			ch <- connResult{err: os.NewSyscallError("connect", soErr)}
			return nil
		}
		s, err := l.newStream(fd, proto, localAddrOf(fd), remoteAddrOf(fd), nil)
		ch <- connResult{s: s, err: err}
		return nil
	}

	// Register from the loop goroutine so the callback cannot observe a
	// half-built waiter.
	if err := l.poller.UrgentTrigger(func(interface{}) error {
		var ierr error
		if h, ierr = l.initHandle(fd, onWritable, watchWrite); ierr != nil {
			ch <- connResult{err: ierr}
		}
		return nil
	}, nil); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.s, res.err
	case <-ctx.Done():
		// Abandon the attempt from the loop goroutine so it cannot race the
		// writability callback.
		_ = l.poller.UrgentTrigger(func(interface{}) error {
			if !settled {
				settled = true
				if h != nil && h.detach() {
					_ = unix.Close(fd)
				}
			}
			return nil
		}, nil)
		return nil, ctx.Err()
	}
}

func localAddrOf(fd int) net.Addr {
	if sa, err := unix.Getsockname(fd); err == nil {
		return socket.SockaddrToTCPOrUnixAddr(sa)
	}
	return nil
}

func remoteAddrOf(fd int) net.Addr {
	if sa, err := unix.Getpeername(fd); err == nil {
		return socket.SockaddrToTCPOrUnixAddr(sa)
	}
	return nil
}
