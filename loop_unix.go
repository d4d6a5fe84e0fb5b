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
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evloop/evloop/internal/netpoll"
	errorx "github.com/evloop/evloop/pkg/errors"
	"github.com/evloop/evloop/pkg/logging"
	"github.com/evloop/evloop/pkg/pool/goroutine"
)

// Loop is the event loop. All protocol callbacks and handle state changes
// execute on the goroutine that calls Run; other goroutines reach the loop
// through the poller's task queues, never by touching loop state directly.
type Loop struct {
	opts   *Options
	poller *netpoll.Poller

	mu        sync.RWMutex
	handles   map[int]*NativeHandle // fd -> live handle
	reclaimed map[int]struct{}      // fds closed recently, readiness may trail

	workerPool *goroutine.Pool
	resolver   *Resolver

	exceptionHandler atomic.Value // func(error)

	buffer []byte // inbound scratch, loop goroutine only

	running    int32
	inShutdown int32
	done       chan struct{}
}

// NewLoop creates a Loop. Run must be called before transports become
// operational.
func NewLoop(opts ...Option) (*Loop, error) {
	options := loadOptions(opts...)

	logger, logFlusher := logging.GetDefaultLogger(), logging.GetDefaultFlusher()
	if options.LogPath != "" {
		var err error
		if logger, logFlusher, err = logging.CreateLoggerAsLocalFile(options.LogPath, options.LogLevel); err != nil {
			return nil, err
		}
	}
	if options.Logger != nil {
		logger, logFlusher = options.Logger, nil
	}
	logging.SetDefaultLoggerAndFlusher(logger, logFlusher)

	poller, err := netpoll.OpenPoller()
	if err != nil {
		return nil, err
	}
	l := &Loop{
		opts:       options,
		poller:     poller,
		handles:    make(map[int]*NativeHandle),
		reclaimed:  make(map[int]struct{}),
		workerPool: goroutine.Default(),
		buffer:     make([]byte, options.ReadBufferCap),
		done:       make(chan struct{}),
	}
	l.resolver = &Resolver{loop: l}
	l.exceptionHandler.Store(func(err error) {
		logging.Errorf("unhandled exception in event loop: %v", err)
	})
	return l, nil
}

// Run drives the poller until Shutdown. It blocks the calling goroutine,
// which becomes the loop goroutine.
func (l *Loop) Run() error {
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		return errorx.ErrLoopInShutdown
	}
	if l.opts.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	err := l.poller.Polling(l.dispatch)
	l.cleanup()
	close(l.done)
	if err == errorx.ErrLoopShutdown {
		return nil
	}
	return err
}

// Shutdown stops the loop and waits for the loop goroutine to exit or for
// ctx to expire. Remaining handles are force-closed on the way out.
func (l *Loop) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.inShutdown, 0, 1) {
		return errorx.ErrLoopInShutdown
	}
	if err := l.poller.UrgentTrigger(func(interface{}) error { return errorx.ErrLoopShutdown }, nil); err != nil {
		return err
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// dispatch routes one poll event to the handle registered for fd. An event
// for a descriptor with no live handle is dropped with an internal error in
// the log; it indicates bookkeeping went stale, not a caller mistake.
func (l *Loop) dispatch(fd int, ev netpoll.IOEvent) error {
	l.mu.RLock()
	h := l.handles[fd]
	_, reclaimed := l.reclaimed[fd]
	l.mu.RUnlock()
	if h == nil {
		if reclaimed {
			logging.Debugf("dropping event for reclaimed fd=%d", fd)
			return nil
		}
		logging.Errorf("internal error: %v (fd=%d)", errorx.ErrStaleHandle, fd)
		return nil
	}
	if !h.Alive() {
		// The handle is winding down and its close completion is already
		// queued; late readiness is routine, not a registry fault.
		return nil
	}
	return l.guard(h, func() error { return h.onEvent(fd, ev) })
}

// guard keeps panics and fatal errors out of the poller stack: the handle is
// closed and the exception goes to the loop exception handler.
func (l *Loop) guard(h *NativeHandle, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.handleException(&callbackPanicError{recovered: r, stack: currentStack()})
			h.fatal(nil)
		}
	}()
	if err = fn(); err != nil && err != errorx.ErrLoopShutdown {
		h.fatal(err)
		l.handleException(err)
		err = nil
	}
	return
}

// CallSoon schedules cb to run on the loop goroutine as soon as possible.
// Callbacks scheduled from the same goroutine run in FIFO order.
func (l *Loop) CallSoon(cb func()) *Handle {
	h := &Handle{loop: l, cb: cb}
	if err := l.poller.Trigger(func(interface{}) error {
		h.run()
		return nil
	}, nil); err != nil {
		l.handleException(err)
	}
	return h
}

// CallLater schedules cb to run on the loop goroutine after delay.
func (l *Loop) CallLater(delay time.Duration, cb func()) *TimerHandle {
	th := &TimerHandle{Handle: Handle{loop: l, cb: cb}, when: time.Now().Add(delay)}
	th.timer = time.AfterFunc(delay, func() {
		if err := l.poller.Trigger(func(interface{}) error {
			th.run()
			return nil
		}, nil); err != nil {
			l.handleException(err)
		}
	})
	return th
}

// SetExceptionHandler replaces the loop's global exception handler. The
// default logs at error level.
func (l *Loop) SetExceptionHandler(fn func(error)) {
	if fn == nil {
		fn = func(err error) {
			logging.Errorf("unhandled exception in event loop: %v", err)
		}
	}
	l.exceptionHandler.Store(fn)
}

func (l *Loop) handleException(err error) {
	if err == nil {
		return
	}
	l.exceptionHandler.Load().(func(error))(err)
}

// Resolver returns the loop's address resolver.
func (l *Loop) Resolver() *Resolver {
	return l.resolver
}

func (l *Loop) registerHandle(h *NativeHandle) {
	l.mu.Lock()
	l.handles[h.fd] = h
	delete(l.reclaimed, h.fd) // the kernel reused the fd
	l.mu.Unlock()
}

func (l *Loop) deregisterHandle(fd int) {
	l.mu.Lock()
	delete(l.handles, fd)
	// Readiness for this fd may already sit in the poll batch being drained.
	// Remember it so dispatch can tell a routine late event from a stale
	// registry entry. The set stays small; reset it before it can grow.
	if len(l.reclaimed) >= 128 {
		l.reclaimed = make(map[int]struct{})
	}
	l.reclaimed[fd] = struct{}{}
	l.mu.Unlock()
}

func (l *Loop) cleanup() {
	l.mu.Lock()
	handles := make([]*NativeHandle, 0, len(l.handles))
	for _, h := range l.handles {
		handles = append(handles, h)
	}
	l.handles = make(map[int]*NativeHandle)
	l.mu.Unlock()
	for _, h := range handles {
		h.forceClose()
	}
	_ = l.poller.Close()
	l.workerPool.Release()
	logging.Cleanup()
}
