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
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/evloop/evloop/internal/netpoll"
	"github.com/evloop/evloop/pkg/buffer/linkedlist"
	errorx "github.com/evloop/evloop/pkg/errors"
	"github.com/evloop/evloop/pkg/logging"
)

// StdioOption selects how one of the child's standard descriptors is wired.
type StdioOption int

const (
	// StdioDevNull redirects the descriptor to /dev/null.
	StdioDevNull StdioOption = iota
	// StdioInherit shares the parent's descriptor.
	StdioInherit
	// StdioPipe wires the descriptor to a pipe sub-transport on the loop.
	StdioPipe
)

// ProcessOption configures SubprocessExec.
type ProcessOption func(*processOptions)

type processOptions struct {
	stdin  StdioOption
	stdout StdioOption
	stderr StdioOption
	env    []string
	dir    string
}

// WithStdio selects the wiring for stdin, stdout and stderr.
func WithStdio(stdin, stdout, stderr StdioOption) ProcessOption {
	return func(o *processOptions) {
		o.stdin, o.stdout, o.stderr = stdin, stdout, stderr
	}
}

// WithProcessEnv sets the child environment; nil inherits the parent's.
func WithProcessEnv(env []string) ProcessOption {
	return func(o *processOptions) { o.env = env }
}

// WithProcessDir sets the child working directory.
func WithProcessDir(dir string) ProcessOption {
	return func(o *processOptions) { o.dir = dir }
}

// spawnMu is the process-wide "currently forking" token: spawns are
// serialized so signal-sensitive global state stays consistent across the
// start syscall. Held only for the duration of Start.
var spawnMu sync.Mutex

// Tags for events buffered before the transport's own handshake completes.
const (
	evPipeData int = iota
	evPipeLost
	evExited
	evLost
)

type procEvent struct {
	kind int
	fd   int
	data []byte
	err  error
}

// Process spawns a child and wires its stdio into pipe sub-transports. Pipe
// and exit events that arrive before ConnectionMade are buffered and
// replayed in arrival order once the handshake completes; ConnectionLost is
// delivered only after the child exited and every pipe reported
// disconnection.
type Process struct {
	loop  *Loop
	proto ProcessProtocol
	cmd   *exec.Cmd
	pid   int

	mu         sync.Mutex
	returnCode int
	exited     bool
	alivePipes int
	finished   bool
	closing    bool

	pipes map[int]*PipeTransport

	// ready/pending are loop-goroutine state.
	ready   bool
	pending *queue.Queue
}

// SubprocessExec spawns argv[0] with arguments argv[1:]. The returned
// transport is live; ConnectionMade is delivered on the loop goroutine.
// Call it from outside the loop goroutine: it waits for the loop to take
// over the pipes.
func (l *Loop) SubprocessExec(factory func() ProcessProtocol, argv []string, opts ...ProcessOption) (*Process, error) {
	options := processOptions{stdin: StdioPipe, stdout: StdioPipe, stderr: StdioPipe}
	for _, opt := range opts {
		opt(&options)
	}
	if len(argv) == 0 {
		return nil, errorx.ErrInvalidCommand
	}

	p := &Process{
		loop:       l,
		proto:      factory(),
		returnCode: -1,
		pipes:      make(map[int]*PipeTransport),
		pending:    queue.New(),
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = options.env
	cmd.Dir = options.dir
	p.cmd = cmd

	var childFiles []*os.File
	closeChildFiles := func() {
		for _, f := range childFiles {
			_ = f.Close()
		}
	}

	type pipeSpec struct {
		fdNum    int
		parentFd int
		writable bool
	}
	var pipeSpecs []pipeSpec
	closeParentFds := func() {
		for _, ps := range pipeSpecs {
			_ = unix.Close(ps.parentFd)
		}
	}

	wire := func(fdNum int, opt StdioOption, inherit *os.File) (*os.File, error) {
		switch opt {
		case StdioInherit:
			return inherit, nil
		case StdioPipe:
			r, w, err := os.Pipe()
			if err != nil {
				return nil, err
			}
			child, parent := r, w
			if fdNum != 0 {
				child, parent = w, r
			}
			pfd, err := unix.Dup(int(parent.Fd()))
			if err != nil {
				_ = r.Close()
				_ = w.Close()
				return nil, os.NewSyscallError("dup", err)
			}
			unix.CloseOnExec(pfd)
			if err = unix.SetNonblock(pfd, true); err != nil {
				_ = unix.Close(pfd)
				_ = r.Close()
				_ = w.Close()
				return nil, os.NewSyscallError("fcntl", err)
			}
			_ = parent.Close()
			childFiles = append(childFiles, child)
			pipeSpecs = append(pipeSpecs, pipeSpec{fdNum: fdNum, parentFd: pfd, writable: fdNum == 0})
			return child, nil
		default: // StdioDevNull: exec wires nil stdio to /dev/null.
			return nil, nil
		}
	}

	var err error
	if cmd.Stdin, err = wire(0, options.stdin, os.Stdin); err != nil {
		return nil, err
	}
	if cmd.Stdout, err = wire(1, options.stdout, os.Stdout); err != nil {
		closeChildFiles()
		closeParentFds()
		return nil, err
	}
	if cmd.Stderr, err = wire(2, options.stderr, os.Stderr); err != nil {
		closeChildFiles()
		closeParentFds()
		return nil, err
	}

	spawnMu.Lock()
	err = cmd.Start()
	spawnMu.Unlock()
	closeChildFiles()
	if err != nil {
		closeParentFds()
		return nil, err
	}
	p.pid = cmd.Process.Pid

	// Pipes are wired and the handshake delivered from the loop goroutine so
	// no pipe event can observe a half-built transport.
	done := make(chan struct{})
	if err = l.poller.Trigger(func(interface{}) error {
		defer close(done)
		for _, ps := range pipeSpecs {
			pt, perr := newPipeTransport(p, ps.fdNum, ps.parentFd, ps.writable)
			if perr != nil {
				logging.Errorf("failed to wire pipe fd=%d of pid=%d: %v", ps.fdNum, p.pid, perr)
				_ = unix.Close(ps.parentFd)
				continue
			}
			p.pipes[ps.fdNum] = pt
			p.mu.Lock()
			p.alivePipes++
			p.mu.Unlock()
		}
		if werr := l.workerPool.Submit(p.wait); werr != nil {
			// No worker available; fall back to a plain goroutine so the
			// child is still reaped.
			go p.wait()
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.handleException(&callbackPanicError{recovered: r, stack: currentStack()})
				}
			}()
			p.proto.ConnectionMade(p)
		}()
		p.ready = true
		for p.pending.Length() > 0 {
			p.deliverNow(p.pending.Remove().(*procEvent))
		}
		return nil
	}, nil); err != nil {
		closeParentFds()
		return nil, err
	}
	<-done
	return p, nil
}

// wait reaps the child on a worker goroutine.
func (p *Process) wait() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				code = -int(ws.Signal())
			} else {
				code = exitErr.ExitCode()
			}
		} else {
			logging.Errorf("wait for pid=%d failed: %v", p.pid, err)
			code = -1
		}
	}
	p.loop.CallSoon(func() {
		p.mu.Lock()
		p.returnCode = code
		p.exited = true
		p.mu.Unlock()
		p.deliver(&procEvent{kind: evExited})
		// The child is gone; writing to its stdin can only EPIPE now.
		for _, pt := range p.pipes {
			if pt.writable {
				_ = pt.Close()
			}
		}
		p.maybeFinish()
	})
}

// deliver queues ev while the handshake is pending, otherwise dispatches it.
// Loop goroutine only.
func (p *Process) deliver(ev *procEvent) {
	if !p.ready {
		p.pending.Add(ev)
		return
	}
	p.deliverNow(ev)
}

func (p *Process) deliverNow(ev *procEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.loop.handleException(&callbackPanicError{recovered: r, stack: currentStack()})
		}
	}()
	switch ev.kind {
	case evPipeData:
		p.proto.PipeDataReceived(ev.fd, ev.data)
	case evPipeLost:
		p.proto.PipeConnectionLost(ev.fd, ev.err)
	case evExited:
		p.proto.ProcessExited()
	case evLost:
		p.proto.ConnectionLost(ev.err)
	}
}

// pipeDisconnected is called by a pipe sub-transport on the loop goroutine
// once it has torn down.
func (p *Process) pipeDisconnected(fdNum int, err error) {
	p.mu.Lock()
	p.alivePipes--
	p.mu.Unlock()
	p.deliver(&procEvent{kind: evPipeLost, fd: fdNum, err: err})
	p.maybeFinish()
}

// maybeFinish completes the transport once the child has exited and all
// pipes are gone; finishing never races ahead of a pipe's own teardown.
func (p *Process) maybeFinish() {
	p.mu.Lock()
	done := p.exited && p.alivePipes == 0 && !p.finished
	if done {
		p.finished = true
	}
	p.mu.Unlock()
	if done {
		p.deliver(&procEvent{kind: evLost})
	}
}

// PID returns the child's process id.
func (p *Process) PID() int {
	return p.pid
}

// ReturnCode returns the exit status once the child has exited. Children
// killed by a signal report the negated signal number.
func (p *Process) ReturnCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.returnCode, p.exited
}

// PipeTransport returns the sub-transport for the child's fd (0, 1 or 2),
// nil when that descriptor was not piped.
func (p *Process) PipeTransport(fd int) *PipeTransport {
	return p.pipes[fd]
}

// Signal sends sig to the child.
func (p *Process) Signal(sig os.Signal) error {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited {
		return errorx.ErrProcessDone
	}
	return p.cmd.Process.Signal(sig)
}

// Terminate sends SIGTERM.
func (p *Process) Terminate() error {
	return p.Signal(unix.SIGTERM)
}

// Kill sends SIGKILL.
func (p *Process) Kill() error {
	return p.Signal(unix.SIGKILL)
}

// Close closes the pipe sub-transports; the child itself is left to exit on
// its own. Idempotent.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	p.mu.Unlock()
	for _, pt := range p.pipes {
		_ = pt.Close()
	}
	return nil
}

// IsClosing reports whether Close has been called.
func (p *Process) IsClosing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing
}

// PipeTransport is one stdio pipe of a child process: read-only for stdout
// and stderr, write-only for stdin.
type PipeTransport struct {
	proc     *Process
	fdNum    int
	writable bool
	h        *NativeHandle

	mu           sync.Mutex
	out          linkedlist.Buffer
	closing      bool
	lostErr      error
	disconnected bool
}

func newPipeTransport(p *Process, fdNum, fd int, writable bool) (*PipeTransport, error) {
	pt := &PipeTransport{proc: p, fdNum: fdNum, writable: writable}
	interest := watchRead
	if writable {
		// The first writable event finds an empty buffer and drops interest;
		// from then on write interest only materializes on EAGAIN.
		interest = watchWrite
	}
	h, err := p.loop.initHandle(fd, pt.handleEvents, interest)
	if err != nil {
		return nil, err
	}
	pt.h = h
	h.onError = func(ferr error) { pt.teardown(ferr) }
	h.onClosed = func() {
		pt.mu.Lock()
		err := pt.lostErr
		done := pt.disconnected
		pt.disconnected = true
		pt.mu.Unlock()
		if !done {
			p.pipeDisconnected(pt.fdNum, err)
		}
	}
	return pt, nil
}

// Write appends to the pipe's write buffer; only valid for the stdin pipe.
func (pt *PipeTransport) Write(p []byte) error {
	if !pt.writable {
		return errorx.ErrReadOnlyTransport
	}
	if len(p) == 0 {
		return nil
	}
	pt.mu.Lock()
	if pt.closing || !pt.h.Alive() {
		pt.mu.Unlock()
		return errorx.ErrTransportClosed
	}
	var fatal error
	if pt.out.IsEmpty() {
		n := 0
		err := pt.h.pinned(func(fd int, _ *netpoll.PollAttachment) error {
			var werr error
			n, werr = unix.Write(fd, p)
			return werr
		})
		if err == nil && n == len(p) {
			pt.mu.Unlock()
			return nil
		}
		if err != nil && err != unix.EAGAIN && err != unix.EINTR {
			fatal = os.NewSyscallError("write", err)
		} else {
			if n < 0 {
				n = 0
			}
			pt.out.PushBack(p[n:])
			werr := pt.h.pinned(func(_ int, pa *netpoll.PollAttachment) error {
				return pt.proc.loop.poller.ModWrite(pa)
			})
			if werr != nil && werr != errorx.ErrHandleClosed {
				logging.Warnf("failed to watch pipe writability: %v", werr)
			}
		}
	} else {
		pt.out.PushBack(p)
	}
	pt.mu.Unlock()
	if fatal != nil {
		pt.teardown(fatal)
	}
	return nil
}

// Close flushes pending writes, then closes the parent end of the pipe.
// Closing the stdin pipe is how EOF reaches the child.
func (pt *PipeTransport) Close() error {
	pt.mu.Lock()
	if pt.closing {
		pt.mu.Unlock()
		return nil
	}
	pt.closing = true
	drained := pt.out.IsEmpty()
	pt.mu.Unlock()
	if drained {
		return pt.h.Close()
	}
	return nil
}

func (pt *PipeTransport) handleEvents(_ int, ev netpoll.IOEvent) error {
	if pt.writable {
		if netpoll.IsWriteEvent(ev) || netpoll.IsErrorEvent(ev) {
			pt.flush(ev)
		}
		return nil
	}
	if netpoll.IsReadEvent(ev) || ev&netpoll.EventHup != 0 {
		pt.handleRead()
	}
	return nil
}

func (pt *PipeTransport) handleRead() {
	buf := pt.proc.loop.buffer
	n, err := unix.Read(pt.h.fd, buf)
	switch {
	case n > 0:
		data := append([]byte(nil), buf[:n]...)
		pt.proc.deliver(&procEvent{kind: evPipeData, fd: pt.fdNum, data: data})
	case n == 0 && err == nil:
		pt.teardown(nil)
	case err == unix.EAGAIN || err == unix.EINTR:
	case err == unix.EIO:
		// A pty slave hangup reads as EIO; treat it as EOF.
		pt.teardown(nil)
	default:
		pt.teardown(os.NewSyscallError("read", err))
	}
}

func (pt *PipeTransport) flush(ev netpoll.IOEvent) {
	pt.mu.Lock()
	var fatal error
	for !pt.out.IsEmpty() {
		bs := pt.out.Peek(-1)
		if len(bs) > iovMax {
			bs = bs[:iovMax]
		}
		n, err := writeChunks(pt.h.fd, bs)
		if n > 0 {
			pt.out.Discard(n)
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			pt.mu.Unlock()
			return
		}
		if err != nil {
			fatal = os.NewSyscallError("write", err)
			break
		}
	}
	if fatal == nil && netpoll.IsErrorEvent(ev) && pt.out.IsEmpty() && !pt.closing {
		// The read side went away; a subsequent write would EPIPE.
		fatal = unix.EPIPE
	}
	doClose := fatal == nil && pt.closing && pt.out.IsEmpty()
	if fatal == nil && !doClose && pt.out.IsEmpty() {
		if err := pt.proc.loop.poller.ModNone(pt.h.pa); err != nil {
			logging.Warnf("failed to drop pipe write interest: %v", err)
		}
	}
	pt.mu.Unlock()
	if fatal != nil {
		pt.teardown(fatal)
		return
	}
	if doClose {
		_ = pt.h.Close()
	}
}

// teardown closes the pipe handle; the close completion reports
// PipeConnectionLost through the process transport exactly once.
func (pt *PipeTransport) teardown(err error) {
	pt.mu.Lock()
	pt.closing = true
	if pt.lostErr == nil {
		pt.lostErr = err
	}
	pt.out.Reset()
	pt.mu.Unlock()
	_ = pt.h.Close()
}
