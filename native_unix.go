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
	"io"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/evloop/evloop/internal/netpoll"
	errorx "github.com/evloop/evloop/pkg/errors"
	"github.com/evloop/evloop/pkg/logging"
)

// Handle states. A handle is created UNINITIALIZED and either fails its init
// (INIT_FAILED, terminal) or becomes ALIVE; Close moves it through CLOSING to
// CLOSED (terminal, descriptor reclaimed).
const (
	stateUninitialized int32 = iota
	stateInitFailed
	stateAlive
	stateClosing
	stateClosed
)

// NativeHandle owns one OS descriptor registered with the poller. The
// descriptor is exclusively owned: the handle is the only authority that may
// close it, and sharing requires an explicit Dup.
type NativeHandle struct {
	loop  *Loop
	fd    int
	state int32
	pa    *netpoll.PollAttachment

	// opMu pins fd and pa for callers off the loop goroutine; the reclaim
	// path takes it exclusively before closing the descriptor and recycling
	// the attachment.
	opMu sync.RWMutex

	// onEvent receives poll events while the handle is alive.
	onEvent netpoll.PollEventHandler
	// onError, when set, takes over fatal-error teardown; otherwise the
	// handle just closes.
	onError func(error)
	// onClosed runs on the loop goroutine after the descriptor is reclaimed.
	onClosed func()
}

type watchInterest int

const (
	watchRead watchInterest = iota
	watchWrite
	watchReadWrite
)

// initHandle registers fd with the poller and the loop registry. It either
// returns a fully alive handle or an error with the descriptor closed; no
// half-initialized handle escapes.
func (l *Loop) initHandle(fd int, onEvent netpoll.PollEventHandler, interest watchInterest) (*NativeHandle, error) {
	h := &NativeHandle{loop: l, fd: fd, onEvent: onEvent}
	pa := netpoll.GetPollAttachment()
	pa.FD, pa.Callback = fd, onEvent
	var err error
	switch interest {
	case watchRead:
		err = l.poller.AddRead(pa)
	case watchWrite:
		err = l.poller.AddWrite(pa)
	case watchReadWrite:
		err = l.poller.AddReadWrite(pa)
	}
	if err != nil {
		netpoll.PutPollAttachment(pa)
		_ = unix.Close(fd)
		atomic.StoreInt32(&h.state, stateInitFailed)
		return nil, err
	}
	h.pa = pa
	atomic.StoreInt32(&h.state, stateAlive)
	l.registerHandle(h)
	return h, nil
}

// Fd returns the underlying descriptor.
func (h *NativeHandle) Fd() int {
	return h.fd
}

// Alive reports whether the handle accepts operations.
func (h *NativeHandle) Alive() bool {
	return atomic.LoadInt32(&h.state) == stateAlive
}

func (h *NativeHandle) ensureAlive() error {
	if !h.Alive() {
		return errorx.ErrHandleClosed
	}
	return nil
}

// Close transitions the handle to CLOSING and schedules the asynchronous
// close completion on the loop goroutine. Idempotent.
func (h *NativeHandle) Close() error {
	if !atomic.CompareAndSwapInt32(&h.state, stateAlive, stateClosing) {
		return nil
	}
	return h.loop.poller.UrgentTrigger(func(interface{}) error {
		h.closeComplete()
		return nil
	}, nil)
}

// closeComplete is the close-completion callback: it reclaims the descriptor
// exactly once and runs the owner's teardown hook. Loop goroutine only.
func (h *NativeHandle) closeComplete() {
	if !atomic.CompareAndSwapInt32(&h.state, stateClosing, stateClosed) {
		return
	}
	h.opMu.Lock()
	if err := h.loop.poller.Delete(h.fd); err != nil {
		logging.Warnf("failed to delete fd=%d from poller: %v", h.fd, err)
	}
	h.loop.deregisterHandle(h.fd)
	_ = unix.Close(h.fd)
	netpoll.PutPollAttachment(h.pa)
	h.pa = nil
	h.opMu.Unlock()
	if h.onClosed != nil {
		h.onClosed()
	}
}

// forceClose reclaims the descriptor without going through the poller; used
// during loop teardown when the poller may already be gone.
func (h *NativeHandle) forceClose() {
	for {
		switch st := atomic.LoadInt32(&h.state); st {
		case stateAlive, stateClosing:
			if atomic.CompareAndSwapInt32(&h.state, st, stateClosed) {
				h.opMu.Lock()
				h.loop.deregisterHandle(h.fd)
				_ = unix.Close(h.fd)
				h.pa = nil
				h.opMu.Unlock()
				if h.onClosed != nil {
					h.onClosed()
				}
				return
			}
		default:
			return
		}
	}
}

// detach unregisters the handle from the poller and the loop registry
// without closing the descriptor; ownership of the fd passes to the caller.
func (h *NativeHandle) detach() bool {
	if !atomic.CompareAndSwapInt32(&h.state, stateAlive, stateClosed) {
		return false
	}
	h.opMu.Lock()
	if err := h.loop.poller.Delete(h.fd); err != nil {
		logging.Warnf("failed to delete fd=%d from poller: %v", h.fd, err)
	}
	h.loop.deregisterHandle(h.fd)
	netpoll.PutPollAttachment(h.pa)
	h.pa = nil
	h.opMu.Unlock()
	return true
}

// pinned runs fn with the descriptor and attachment pinned: the reclaim path
// cannot close the fd or recycle the attachment until fn returns. Callers off
// the loop goroutine must reach fd and pa through here.
func (h *NativeHandle) pinned(fn func(fd int, pa *netpoll.PollAttachment) error) error {
	h.opMu.RLock()
	defer h.opMu.RUnlock()
	if atomic.LoadInt32(&h.state) == stateClosed || h.pa == nil {
		return errorx.ErrHandleClosed
	}
	return fn(h.fd, h.pa)
}

// fatal tears the handle down after an unrecoverable callback error.
func (h *NativeHandle) fatal(err error) {
	if h.onError != nil {
		h.onError(err)
		return
	}
	_ = h.Close()
}

// SocketHandle extends NativeHandle with socket addresses, an optional
// attached file object whose lifetime is bound to the handle, and a cached
// *os.File socket wrapper invalidated on close.
type SocketHandle struct {
	NativeHandle

	localAddr  net.Addr
	remoteAddr net.Addr

	fileMu   sync.Mutex
	attached io.Closer
	sockFile *os.File
}

func (l *Loop) initSocketHandle(fd int, onEvent netpoll.PollEventHandler, interest watchInterest, local, remote net.Addr) (*SocketHandle, error) {
	h, err := l.initHandle(fd, onEvent, interest)
	if err != nil {
		return nil, err
	}
	sh := &SocketHandle{NativeHandle: *h, localAddr: local, remoteAddr: remote}
	// The registry must point at the outer handle, and the embedded copy
	// must carry the teardown hook.
	sh.onClosed = sh.closed
	// The registry pins the handle for the handle's whole lifetime, so an
	// unclosed handle is never collected; reclaim happens through Close or
	// loop cleanup, nowhere else.
	l.registerHandle(&sh.NativeHandle)
	return sh, nil
}

// LocalAddr returns the bound local address.
func (sh *SocketHandle) LocalAddr() net.Addr {
	return sh.localAddr
}

// RemoteAddr returns the peer address, nil for unconnected sockets.
func (sh *SocketHandle) RemoteAddr() net.Addr {
	return sh.remoteAddr
}

// Dup duplicates the descriptor. Duplication is the only sanctioned way to
// share the socket; the caller owns the returned descriptor.
func (sh *SocketHandle) Dup() (int, error) {
	if err := sh.ensureAlive(); err != nil {
		return -1, err
	}
	dup := -1
	err := sh.pinned(func(fd int, _ *netpoll.PollAttachment) error {
		var derr error
		if dup, derr = unix.Dup(fd); derr != nil {
			return os.NewSyscallError("dup", derr)
		}
		unix.CloseOnExec(dup)
		return nil
	})
	if err != nil {
		return -1, err
	}
	return dup, nil
}

// AttachFile ties an external file-like object to the handle; it is closed
// exactly once when the handle closes, unless detached first.
func (sh *SocketHandle) AttachFile(c io.Closer) {
	sh.fileMu.Lock()
	sh.attached = c
	sh.fileMu.Unlock()
}

// DetachFile removes the attached file object without closing it.
func (sh *SocketHandle) DetachFile() io.Closer {
	sh.fileMu.Lock()
	c := sh.attached
	sh.attached = nil
	sh.fileMu.Unlock()
	return c
}

// Socket returns a cached *os.File wrapping a duplicate of the descriptor.
// The cache is invalidated when the handle closes.
func (sh *SocketHandle) Socket() (*os.File, error) {
	if err := sh.ensureAlive(); err != nil {
		return nil, err
	}
	sh.fileMu.Lock()
	defer sh.fileMu.Unlock()
	if sh.sockFile != nil {
		return sh.sockFile, nil
	}
	fd, err := sh.Dup()
	if err != nil {
		return nil, err
	}
	sh.sockFile = os.NewFile(uintptr(fd), sh.localAddr.String())
	return sh.sockFile, nil
}

func (sh *SocketHandle) closed() {
	sh.fileMu.Lock()
	attached, sockFile := sh.attached, sh.sockFile
	sh.attached, sh.sockFile = nil, nil
	sh.fileMu.Unlock()
	if attached != nil {
		if err := attached.Close(); err != nil {
			logging.Warnf("failed to close attached file of fd=%d: %v", sh.fd, err)
		}
	}
	if sockFile != nil {
		_ = sockFile.Close()
	}
}

type callbackPanicError struct {
	recovered interface{}
	stack     []byte
}

func (e *callbackPanicError) Error() string {
	return fmt.Sprintf("evloop: panic in callback: %v\n%s", e.recovered, e.stack)
}

func currentStack() []byte {
	buf := make([]byte, 4096)
	return buf[:runtime.Stack(buf, false)]
}
