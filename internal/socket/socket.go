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

// Package socket creates non-blocking sockets and converts between
// unix.Sockaddr and net.Addr, for the transports built on the poller.
package socket

import "net"

// Option is used for setting an option on socket.
type Option struct {
	SetSockopt func(int, int) error
	Opt        int
}

// TCPSocket creates a non-blocking TCP socket. A passive socket is bound to
// addr and set listening with the given backlog; an active one is only
// created, ready for a non-blocking connect.
func TCPSocket(proto, addr string, passive bool, backlog int, sockopts ...Option) (int, net.Addr, error) {
	return tcpSocket(proto, addr, passive, backlog, sockopts...)
}

// UDPSocket creates a non-blocking UDP socket. With connect set, the socket is
// connected to addr instead of bound to it.
func UDPSocket(proto, addr string, connect bool, sockopts ...Option) (int, net.Addr, error) {
	return udpSocket(proto, addr, connect, sockopts...)
}

// UnixSocket creates a non-blocking Unix domain stream socket, bound and
// listening when passive.
func UnixSocket(proto, addr string, passive bool, backlog int, sockopts ...Option) (int, net.Addr, error) {
	return udsSocket(proto, addr, passive, backlog, sockopts...)
}
