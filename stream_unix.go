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
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/evloop/evloop/internal/netpoll"
	"github.com/evloop/evloop/internal/socket"
	"github.com/evloop/evloop/pkg/buffer/linkedlist"
	errorx "github.com/evloop/evloop/pkg/errors"
	"github.com/evloop/evloop/pkg/logging"
)

// Maximum number of iovec entries handed to one writev call.
const iovMax = 1024

// Stream is a buffered, flow-controlled duplex transport over a connected
// stream socket or pipe. Protocol callbacks are delivered on the loop
// goroutine; the transport methods themselves may be called from any
// goroutine.
type Stream struct {
	loop     *Loop
	h        *SocketHandle
	proto    Protocol
	buffered BufferedProtocol
	server   *StreamServer

	mu            sync.Mutex
	out           linkedlist.Buffer
	highWater     int
	lowWater      int
	paused        bool // protocol told to stop writing
	eofRequested  bool
	eofSent       bool
	eofDelivered  bool
	reading       bool
	writeWatching bool
	closing       bool
	closeErr      error
	lostDelivered bool
}

// newStream wires fd into a live transport and delivers ConnectionMade. It
// must run on the loop goroutine so no poll event can sneak in before
// ConnectionMade.
func (l *Loop) newStream(fd int, proto Protocol, local, remote net.Addr, server *StreamServer) (*Stream, error) {
	s := &Stream{
		loop:      l,
		proto:     proto,
		server:    server,
		reading:   true,
		highWater: l.opts.WriteBufferHighWaterMark,
		lowWater:  l.opts.WriteBufferLowWaterMark,
	}
	if bp, ok := proto.(BufferedProtocol); ok {
		s.buffered = bp
	}
	sh, err := l.initSocketHandle(fd, s.handleEvents, watchRead, local, remote)
	if err != nil {
		return nil, err
	}
	s.h = sh
	sh.onError = s.onFatal
	sh.onClosed = func() {
		sh.closed()
		s.connectionLost()
	}
	s.callConnectionMade()
	return s, nil
}

// Write appends p to the write buffer and initiates a send. The fast path
// bypasses the poller: with nothing pending, the chunk goes straight to the
// socket and only an unsent remainder is queued.
func (s *Stream) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	s.mu.Lock()
	if err := s.writeCheckLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	var fatal error
	if s.out.IsEmpty() && !s.writeWatching {
		n := 0
		err := s.h.pinned(func(fd int, _ *netpoll.PollAttachment) error {
			var werr error
			n, werr = unix.Write(fd, p)
			return werr
		})
		if err == nil && n == len(p) {
			s.mu.Unlock()
			return nil
		}
		if err != nil && err != unix.EAGAIN && err != unix.EINTR {
			fatal = os.NewSyscallError("write", err)
		} else {
			if n < 0 {
				n = 0
			}
			s.out.PushBack(p[n:])
			s.startWritingLocked()
		}
	} else {
		s.out.PushBack(p)
	}
	s.maybePauseLocked()
	s.mu.Unlock()
	if fatal != nil {
		s.closeWithError(fatal)
	}
	return nil
}

// Writelines writes a sequence of chunks in order, batching the fast path
// into a single writev.
func (s *Stream) Writelines(chunks [][]byte) error {
	s.mu.Lock()
	if err := s.writeCheckLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	var fatal error
	if s.out.IsEmpty() && !s.writeWatching {
		bs := chunks
		if len(bs) > iovMax {
			bs = bs[:iovMax]
		}
		n := 0
		err := s.h.pinned(func(fd int, _ *netpoll.PollAttachment) error {
			var werr error
			n, werr = writeChunks(fd, bs)
			return werr
		})
		if err != nil && err != unix.EAGAIN && err != unix.EINTR {
			fatal = os.NewSyscallError("writev", err)
		} else {
			if n < 0 {
				n = 0
			}
			for _, c := range chunks {
				if n >= len(c) {
					n -= len(c)
					continue
				}
				s.out.PushBack(c[n:])
				n = 0
			}
			if !s.out.IsEmpty() {
				s.startWritingLocked()
			}
		}
	} else {
		for _, c := range chunks {
			s.out.PushBack(c)
		}
	}
	s.maybePauseLocked()
	s.mu.Unlock()
	if fatal != nil {
		s.closeWithError(fatal)
	}
	return nil
}

func (s *Stream) writeCheckLocked() error {
	if s.eofRequested {
		return errorx.ErrWriteAfterEOF
	}
	if s.closing || !s.h.Alive() {
		return errorx.ErrTransportClosed
	}
	return nil
}

func writeChunks(fd int, bs [][]byte) (int, error) {
	if len(bs) == 1 {
		return unix.Write(fd, bs[0])
	}
	return unix.Writev(fd, bs)
}

// WriteEOF half-closes the write side. With buffered data still pending the
// shutdown is deferred until the buffer drains. Idempotent.
func (s *Stream) WriteEOF() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eofRequested {
		return nil
	}
	if s.closing || !s.h.Alive() {
		return errorx.ErrTransportClosed
	}
	s.eofRequested = true
	if s.out.IsEmpty() {
		s.eofSent = true
		return s.h.pinned(func(fd int, _ *netpoll.PollAttachment) error {
			return os.NewSyscallError("shutdown", unix.Shutdown(fd, unix.SHUT_WR))
		})
	}
	return nil
}

// CanWriteEOF reports whether the transport supports half-close; stream
// sockets do.
func (s *Stream) CanWriteEOF() bool {
	return true
}

// GetWriteBufferSize returns the number of bytes buffered for sending.
func (s *Stream) GetWriteBufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Buffered()
}

// SetWriteBufferLimits configures the flow-control water marks. A negative
// high selects the default (or four times low when low is given); a negative
// low defaults to a quarter of high.
func (s *Stream) SetWriteBufferLimits(high, low int) error {
	s.mu.Lock()
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
		s.mu.Unlock()
		return fmt.Errorf("%w: high=%d low=%d", errorx.ErrInvalidWaterMarks, high, low)
	}
	s.highWater, s.lowWater = high, low
	s.maybePauseLocked()
	s.maybeResumeLocked()
	s.mu.Unlock()
	return nil
}

// GetWriteBufferLimits returns the resolved (low, high) water marks.
func (s *Stream) GetWriteBufferLimits() (low, high int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lowWater, s.highWater
}

// PauseReading stops delivery of inbound data until ResumeReading.
// Idempotent.
func (s *Stream) PauseReading() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || !s.h.Alive() {
		return errorx.ErrTransportClosed
	}
	if !s.reading {
		return nil
	}
	s.reading = false
	return s.updateInterestLocked()
}

// ResumeReading re-enables delivery of inbound data. Idempotent.
func (s *Stream) ResumeReading() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || !s.h.Alive() {
		return errorx.ErrTransportClosed
	}
	if s.reading {
		return nil
	}
	s.reading = true
	return s.updateInterestLocked()
}

// Close flushes buffered writes, then closes the transport and delivers
// ConnectionLost(nil). Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.reading = false
	drained := s.out.IsEmpty()
	if !drained {
		// Flushing continues; the last writable event finalizes the close.
		_ = s.updateInterestLocked()
	}
	s.mu.Unlock()
	if drained {
		s.finalize()
	}
	return nil
}

// Abort closes immediately, dropping buffered writes. ConnectionLost(nil) is
// still delivered exactly once.
func (s *Stream) Abort() error {
	s.mu.Lock()
	if s.closing && s.out.IsEmpty() {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.reading = false
	s.out.Reset()
	s.mu.Unlock()
	s.finalize()
	return nil
}

// IsClosing reports whether the transport is closing or closed.
func (s *Stream) IsClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// GetExtraInfo exposes transport internals: "sockname", "peername" and
// "socket" are supported; anything else returns def.
func (s *Stream) GetExtraInfo(name string, def interface{}) interface{} {
	switch name {
	case "sockname":
		if a := s.h.LocalAddr(); a != nil {
			return a
		}
	case "peername":
		if a := s.h.RemoteAddr(); a != nil {
			return a
		}
	case "socket":
		if f, err := s.h.Socket(); err == nil {
			return f
		}
	}
	return def
}

// handleEvents is the poll callback; loop goroutine only.
func (s *Stream) handleEvents(fd int, ev netpoll.IOEvent) error {
	if netpoll.IsWriteEvent(ev) {
		if err := s.handleWrite(); err != nil {
			return err
		}
	}
	if netpoll.IsReadEvent(ev) || ev&netpoll.EventHup != 0 {
		return s.handleRead()
	}
	if ev&netpoll.EventErr != 0 {
		err := socket.GetSoError(fd)
		if err == nil {
			err = unix.ECONNRESET
		}
		s.closeWithError(os.NewSyscallError("getsockopt", err))
	}
	return nil
}

func (s *Stream) handleWrite() error {
	s.mu.Lock()
	for !s.out.IsEmpty() {
		bs := s.out.Peek(-1)
		if len(bs) > iovMax {
			bs = bs[:iovMax]
		}
		n, err := writeChunks(s.h.fd, bs)
		if n > 0 {
			s.out.Discard(n)
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			s.mu.Unlock()
			s.closeWithError(os.NewSyscallError("write", err))
			return nil
		}
	}
	s.maybeResumeLocked()
	drained := s.out.IsEmpty()
	var shutdownErr error
	if drained {
		if s.eofRequested && !s.eofSent {
			s.eofSent = true
			shutdownErr = unix.Shutdown(s.h.fd, unix.SHUT_WR)
		}
		s.stopWritingLocked()
	}
	doClose := drained && s.closing
	s.mu.Unlock()
	if shutdownErr != nil {
		logging.Warnf("half-close of fd=%d failed: %v", s.h.fd, shutdownErr)
	}
	if doClose {
		s.finalize()
	}
	return nil
}

func (s *Stream) handleRead() error {
	s.mu.Lock()
	reading := s.reading && !s.closing
	s.mu.Unlock()
	if !reading {
		return nil
	}

	buf := s.loop.buffer
	if s.buffered != nil {
		buf = s.buffered.GetBuffer(s.loop.opts.ReadBufferCap)
		if len(buf) == 0 {
			// Reading into any other buffer would lose the bytes as far as
			// the protocol is concerned.
			s.closeWithError(fmt.Errorf("%w: GetBuffer returned an empty buffer", errorx.ErrInvalidReadBuffer))
			return nil
		}
	}
	n, err := unix.Read(s.h.fd, buf)
	switch {
	case n > 0:
		if s.buffered != nil {
			s.buffered.BufferUpdated(n)
		} else {
			s.proto.DataReceived(buf[:n])
		}
	case n == 0 && err == nil:
		s.onEOF()
	case err == unix.EAGAIN || err == unix.EINTR:
	default:
		s.closeWithError(os.NewSyscallError("read", err))
	}
	return nil
}

// onEOF delivers EOFReceived once. A protocol returning true keeps the write
// side open; reading just stops. Otherwise the transport closes cleanly.
func (s *Stream) onEOF() {
	s.mu.Lock()
	if s.eofDelivered || s.closing {
		s.mu.Unlock()
		return
	}
	s.eofDelivered = true
	s.mu.Unlock()

	keepOpen := s.proto.EOFReceived()

	s.mu.Lock()
	s.reading = false
	if keepOpen && !s.closing {
		err := s.updateInterestLocked()
		s.mu.Unlock()
		if err != nil {
			logging.Warnf("failed to drop read interest on fd=%d: %v", s.h.fd, err)
		}
		return
	}
	s.mu.Unlock()
	_ = s.Close()
}

// onFatal handles unrecoverable errors from the poll callback path.
func (s *Stream) onFatal(err error) {
	s.closeWithError(err)
}

// closeWithError force-closes the transport; err lands in ConnectionLost.
// Expected end-of-file conditions never reach here.
func (s *Stream) closeWithError(err error) {
	s.mu.Lock()
	if s.closing && s.out.IsEmpty() {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.reading = false
	s.out.Reset()
	if s.closeErr == nil {
		s.closeErr = err
	}
	s.mu.Unlock()
	s.finalize()
}

// finalize issues the handle close; the close-completion callback delivers
// ConnectionLost exactly once.
func (s *Stream) finalize() {
	_ = s.h.Close()
}

// connectionLost runs from the handle's close completion, on the loop
// goroutine.
func (s *Stream) connectionLost() {
	s.mu.Lock()
	if s.lostDelivered {
		s.mu.Unlock()
		return
	}
	s.lostDelivered = true
	err := s.closeErr
	s.mu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.loop.handleException(&callbackPanicError{recovered: r, stack: currentStack()})
			}
		}()
		s.proto.ConnectionLost(err)
	}()
	if s.server != nil {
		s.server.connDetached()
	}
}

func (s *Stream) callConnectionMade() {
	defer func() {
		if r := recover(); r != nil {
			s.loop.handleException(&callbackPanicError{recovered: r, stack: currentStack()})
			_ = s.Abort()
		}
	}()
	s.proto.ConnectionMade(s)
}

// PauseWriting and ResumeWriting are user hooks; a panic there is reported
// but does not close the transport.
func (s *Stream) callPauseWriting() {
	defer func() {
		if r := recover(); r != nil {
			s.loop.handleException(&callbackPanicError{recovered: r, stack: currentStack()})
		}
	}()
	s.proto.PauseWriting()
}

func (s *Stream) callResumeWriting() {
	defer func() {
		if r := recover(); r != nil {
			s.loop.handleException(&callbackPanicError{recovered: r, stack: currentStack()})
		}
	}()
	s.proto.ResumeWriting()
}

// maybePauseLocked and maybeResumeLocked schedule the flow-control hooks on
// the loop goroutine while s.mu is still held, so the enqueue order matches
// the decision order and pause/resume alternate strictly.
func (s *Stream) maybePauseLocked() {
	if !s.paused && s.out.Buffered() > s.highWater {
		s.paused = true
		s.loop.CallSoon(s.callPauseWriting)
	}
}

func (s *Stream) maybeResumeLocked() {
	if s.paused && s.out.Buffered() <= s.lowWater {
		s.paused = false
		s.loop.CallSoon(s.callResumeWriting)
	}
}

func (s *Stream) startWritingLocked() {
	if s.writeWatching {
		return
	}
	s.writeWatching = true
	if err := s.updateInterestLocked(); err != nil {
		logging.Warnf("failed to watch writability on fd=%d: %v", s.h.fd, err)
	}
}

func (s *Stream) stopWritingLocked() {
	if !s.writeWatching {
		return
	}
	s.writeWatching = false
	if err := s.updateInterestLocked(); err != nil {
		logging.Warnf("failed to drop write interest on fd=%d: %v", s.h.fd, err)
	}
}

func (s *Stream) updateInterestLocked() error {
	if !s.h.Alive() {
		return nil
	}
	err := s.h.pinned(func(_ int, pa *netpoll.PollAttachment) error {
		switch {
		case s.reading && s.writeWatching:
			return s.loop.poller.ModReadWrite(pa)
		case s.writeWatching:
			return s.loop.poller.ModWrite(pa)
		case s.reading:
			return s.loop.poller.ModRead(pa)
		default:
			return s.loop.poller.ModNone(pa)
		}
	})
	if err == errorx.ErrHandleClosed {
		return nil
	}
	return err
}

var _ Transport = (*Stream)(nil)
