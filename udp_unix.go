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
	"net"
	"os"
	"strings"
	"sync"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/evloop/evloop/internal/netpoll"
	"github.com/evloop/evloop/internal/socket"
	errorx "github.com/evloop/evloop/pkg/errors"
	"github.com/evloop/evloop/pkg/logging"
	bsPool "github.com/evloop/evloop/pkg/pool/byteslice"
)

// UDPTransport is a connectionless datagram transport. A failed send or
// receive is reported through ErrorReceived and leaves the transport open;
// datagram sockets do not die on a single error.
type UDPTransport struct {
	loop  *Loop
	h     *SocketHandle
	proto DatagramProtocol

	connected  bool
	remoteSA   unix.Sockaddr
	remoteAddr net.Addr

	mu            sync.Mutex
	pending       *queue.Queue // of *pendingDatagram
	pendingBytes  int
	highWater     int
	lowWater      int
	paused        bool
	writeWatching bool
	closing       bool
	lostDelivered bool
}

type pendingDatagram struct {
	data []byte
	sa   unix.Sockaddr
}

// CreateDatagramEndpoint creates a UDP transport. With remoteAddr set, the
// socket is connected and plain sends go to that peer; otherwise it is bound
// to localAddr and every send needs an explicit destination. Call it from
// outside the loop goroutine: it blocks until ConnectionMade is delivered.
func (l *Loop) CreateDatagramEndpoint(factory func() DatagramProtocol, network, localAddr, remoteAddr string, opts ...Option) (*UDPTransport, error) {
	options := *l.opts
	for _, opt := range opts {
		opt(&options)
	}
	if !strings.HasPrefix(network, "udp") {
		return nil, errorx.ErrUnsupportedUDPProtocol
	}

	var (
		fd   int
		addr net.Addr
		err  error
	)
	connected := remoteAddr != ""
	if connected {
		fd, addr, err = socket.UDPSocket(network, remoteAddr, true)
	} else {
		fd, addr, err = socket.UDPSocket(network, localAddr, false)
	}
	if err != nil {
		return nil, err
	}

	t := &UDPTransport{
		loop:      l,
		proto:     factory(),
		connected: connected,
		pending:   queue.New(),
		highWater: options.WriteBufferHighWaterMark,
		lowWater:  options.WriteBufferLowWaterMark,
	}
	if connected {
		t.remoteAddr = addr
		if t.remoteSA, _, _, _, err = socket.GetUDPSockaddr(network, remoteAddr); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
	}

	ch := make(chan error, 1)
	if err = l.poller.Trigger(func(interface{}) error {
		local := localAddrOf(fd)
		remote := t.remoteAddr
		sh, ierr := l.initSocketHandle(fd, t.handleEvents, watchRead, local, remote)
		if ierr != nil {
			ch <- ierr
			return nil
		}
		t.h = sh
		sh.onError = t.onFatal
		sh.onClosed = func() {
			sh.closed()
			t.connectionLost()
		}
		t.callConnectionMade()
		ch <- nil
		return nil
	}, nil); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err = <-ch; err != nil {
		return nil, err
	}
	return t, nil
}

// SendTo transmits one datagram. On a connected transport addr must be nil
// or match the connected peer; on an unconnected one it is required.
func (t *UDPTransport) SendTo(p []byte, addr net.Addr) error {
	if len(p) == 0 {
		return nil
	}
	t.mu.Lock()
	if t.closing || !t.h.Alive() {
		t.mu.Unlock()
		return errorx.ErrTransportClosed
	}
	var sa unix.Sockaddr
	if t.connected {
		if addr != nil && addr.String() != t.remoteAddr.String() {
			t.mu.Unlock()
			return errorx.ErrAddressMismatch
		}
	} else {
		if addr == nil {
			t.mu.Unlock()
			return errorx.ErrAddressRequired
		}
		var err error
		if sa, err = udpAddrToSockaddr(addr); err != nil {
			t.mu.Unlock()
			return err
		}
	}

	var softErr error
	if t.pending.Length() == 0 {
		err := t.sendOne(p, sa)
		switch err {
		case nil:
			t.mu.Unlock()
			return nil
		case unix.EAGAIN, unix.EINTR:
		default:
			softErr = os.NewSyscallError("sendto", err)
		}
	}
	if softErr == nil {
		buf := bsPool.Get(len(p))
		copy(buf, p)
		t.pending.Add(&pendingDatagram{data: buf, sa: sa})
		t.pendingBytes += len(p)
		t.startWritingLocked()
	}
	t.maybePauseLocked()
	t.mu.Unlock()
	if softErr != nil {
		t.callErrorReceived(softErr)
	}
	return nil
}

// Write sends to the connected peer; shorthand for SendTo(p, nil).
func (t *UDPTransport) Write(p []byte) error {
	return t.SendTo(p, nil)
}

func (t *UDPTransport) sendOne(p []byte, sa unix.Sockaddr) error {
	return t.h.pinned(func(fd int, _ *netpoll.PollAttachment) error {
		if t.connected {
			_, err := unix.Write(fd, p)
			return err
		}
		return unix.Sendto(fd, p, 0, sa)
	})
}

// GetWriteBufferSize returns the number of bytes queued for sending.
func (t *UDPTransport) GetWriteBufferSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingBytes
}

// SetWriteBufferLimits mirrors the stream semantics.
func (t *UDPTransport) SetWriteBufferLimits(high, low int) error {
	t.mu.Lock()
	if high < 0 {
		if low < 0 {
			high = DefaultHighWaterMark
		} else {
			high = 4 * low
		}
	}
	if low < 0 {
		low = high / 4
	}
	if low > high {
		t.mu.Unlock()
		return errorx.ErrInvalidWaterMarks
	}
	t.highWater, t.lowWater = high, low
	t.maybePauseLocked()
	t.maybeResumeLocked()
	t.mu.Unlock()
	return nil
}

// GetWriteBufferLimits returns the resolved (low, high) water marks.
func (t *UDPTransport) GetWriteBufferLimits() (low, high int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lowWater, t.highWater
}

// Close drains queued datagrams before delivering ConnectionLost(nil).
// Idempotent.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	drained := t.pending.Length() == 0
	t.mu.Unlock()
	if drained {
		_ = t.h.Close()
	}
	return nil
}

// Abort drops queued datagrams and closes immediately.
func (t *UDPTransport) Abort() error {
	t.mu.Lock()
	t.closing = true
	t.dropPendingLocked()
	t.mu.Unlock()
	return t.h.Close()
}

// IsClosing reports whether the transport is closing or closed.
func (t *UDPTransport) IsClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

// GetExtraInfo supports "sockname", "peername" and "socket".
func (t *UDPTransport) GetExtraInfo(name string, def interface{}) interface{} {
	switch name {
	case "sockname":
		if a := t.h.LocalAddr(); a != nil {
			return a
		}
	case "peername":
		if a := t.h.RemoteAddr(); a != nil {
			return a
		}
	case "socket":
		if f, err := t.h.Socket(); err == nil {
			return f
		}
	}
	return def
}

func (t *UDPTransport) handleEvents(fd int, ev netpoll.IOEvent) error {
	if netpoll.IsWriteEvent(ev) {
		t.handleWrite()
	}
	if netpoll.IsReadEvent(ev) {
		t.handleRead()
	}
	return nil
}

func (t *UDPTransport) handleRead() {
	n, sa, err := unix.Recvfrom(t.h.fd, t.loop.buffer, 0)
	switch {
	case n > 0:
		var from net.Addr
		if sa != nil {
			from = socket.SockaddrToUDPAddr(sa)
		} else {
			from = t.remoteAddr
		}
		t.proto.DatagramReceived(t.loop.buffer[:n], from)
	case err == unix.EAGAIN || err == unix.EINTR || err == nil:
	default:
		t.callErrorReceived(os.NewSyscallError("recvfrom", err))
	}
}

func (t *UDPTransport) handleWrite() {
	t.mu.Lock()
	var softErrs []error
	for t.pending.Length() > 0 {
		d := t.pending.Peek().(*pendingDatagram)
		err := t.sendOne(d.data, d.sa)
		if err == unix.EAGAIN || err == unix.EINTR {
			break
		}
		t.pending.Remove()
		t.pendingBytes -= len(d.data)
		bsPool.Put(d.data)
		if err != nil {
			softErrs = append(softErrs, os.NewSyscallError("sendto", err))
		}
	}
	t.maybeResumeLocked()
	drained := t.pending.Length() == 0
	if drained {
		t.stopWritingLocked()
	}
	doClose := drained && t.closing
	t.mu.Unlock()

	for _, err := range softErrs {
		t.callErrorReceived(err)
	}
	if doClose {
		_ = t.h.Close()
	}
}

func (t *UDPTransport) onFatal(err error) {
	t.mu.Lock()
	t.closing = true
	t.dropPendingLocked()
	t.mu.Unlock()
	logging.Errorf("fatal error on udp transport fd=%d: %v", t.h.fd, err)
	_ = t.h.Close()
}

func (t *UDPTransport) dropPendingLocked() {
	for t.pending.Length() > 0 {
		d := t.pending.Remove().(*pendingDatagram)
		bsPool.Put(d.data)
	}
	t.pendingBytes = 0
}

// maybePauseLocked and maybeResumeLocked schedule the flow hooks on the loop
// goroutine while t.mu is still held, keeping pause/resume strictly
// alternating.
func (t *UDPTransport) maybePauseLocked() {
	if !t.paused && t.pendingBytes > t.highWater {
		t.paused = true
		t.loop.CallSoon(func() { t.callFlowHook(true) })
	}
}

func (t *UDPTransport) maybeResumeLocked() {
	if t.paused && t.pendingBytes <= t.lowWater {
		t.paused = false
		t.loop.CallSoon(func() { t.callFlowHook(false) })
	}
}

func (t *UDPTransport) startWritingLocked() {
	if t.writeWatching {
		return
	}
	t.writeWatching = true
	err := t.h.pinned(func(_ int, pa *netpoll.PollAttachment) error {
		return t.loop.poller.ModReadWrite(pa)
	})
	if err != nil && err != errorx.ErrHandleClosed {
		logging.Warnf("failed to watch writability on fd=%d: %v", t.h.fd, err)
	}
}

func (t *UDPTransport) stopWritingLocked() {
	if !t.writeWatching {
		return
	}
	t.writeWatching = false
	err := t.h.pinned(func(_ int, pa *netpoll.PollAttachment) error {
		return t.loop.poller.ModRead(pa)
	})
	if err != nil && err != errorx.ErrHandleClosed {
		logging.Warnf("failed to drop write interest on fd=%d: %v", t.h.fd, err)
	}
}

func (t *UDPTransport) callConnectionMade() {
	defer func() {
		if r := recover(); r != nil {
			t.loop.handleException(&callbackPanicError{recovered: r, stack: currentStack()})
		}
	}()
	t.proto.ConnectionMade(t)
}

// flowControlled is implemented by datagram protocols that also want
// PauseWriting/ResumeWriting notifications.
type flowControlled interface {
	PauseWriting()
	ResumeWriting()
}

func (t *UDPTransport) callFlowHook(pause bool) {
	fc, ok := t.proto.(flowControlled)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.loop.handleException(&callbackPanicError{recovered: r, stack: currentStack()})
		}
	}()
	if pause {
		fc.PauseWriting()
	} else {
		fc.ResumeWriting()
	}
}

func (t *UDPTransport) callErrorReceived(err error) {
	defer func() {
		if r := recover(); r != nil {
			t.loop.handleException(&callbackPanicError{recovered: r, stack: currentStack()})
		}
	}()
	t.proto.ErrorReceived(err)
}

func (t *UDPTransport) connectionLost() {
	t.mu.Lock()
	if t.lostDelivered {
		t.mu.Unlock()
		return
	}
	t.lostDelivered = true
	t.dropPendingLocked()
	t.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			t.loop.handleException(&callbackPanicError{recovered: r, stack: currentStack()})
		}
	}()
	t.proto.ConnectionLost(nil)
}

func udpAddrToSockaddr(addr net.Addr) (unix.Sockaddr, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		var err error
		if udpAddr, err = net.ResolveUDPAddr("udp", addr.String()); err != nil {
			return nil, err
		}
	}
	if ip4 := udpAddr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: udpAddr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: udpAddr.Port}
	copy(sa.Addr[:], udpAddr.IP.To16())
	return sa, nil
}
