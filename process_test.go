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
	"bytes"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/eapache/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/evloop/evloop/pkg/errors"
)

type recProcessProto struct {
	mu     sync.Mutex
	events []string
	stdout bytes.Buffer
	stderr bytes.Buffer

	exited chan struct{}
	lostCh chan error
}

func newRecProcessProto() *recProcessProto {
	return &recProcessProto{
		exited: make(chan struct{}),
		lostCh: make(chan error, 1),
	}
}

func (p *recProcessProto) record(ev string) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recProcessProto) ConnectionMade(*Process) { p.record("made") }

func (p *recProcessProto) PipeDataReceived(fd int, b []byte) {
	p.mu.Lock()
	p.events = append(p.events, "data")
	if fd == 1 {
		p.stdout.Write(b)
	} else {
		p.stderr.Write(b)
	}
	p.mu.Unlock()
}

func (p *recProcessProto) PipeConnectionLost(fd int, err error) { p.record("pipelost") }

func (p *recProcessProto) ProcessExited() {
	p.record("exited")
	close(p.exited)
}

func (p *recProcessProto) ConnectionLost(err error) {
	p.record("lost")
	p.lostCh <- err
}

func (p *recProcessProto) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	copy(out, p.events)
	return out
}

func TestSubprocessCapturesStdout(t *testing.T) {
	l := startLoop(t)

	pp := newRecProcessProto()
	proc, err := l.SubprocessExec(func() ProcessProtocol { return pp },
		[]string{"/bin/sh", "-c", "printf hello"})
	require.NoError(t, err)
	assert.Greater(t, proc.PID(), 0)

	assert.NoError(t, waitLost(t, pp.lostCh))

	code, done := proc.ReturnCode()
	assert.True(t, done)
	assert.Zero(t, code)

	pp.mu.Lock()
	out := pp.stdout.String()
	pp.mu.Unlock()
	assert.Equal(t, "hello", out)

	events := pp.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "made", events[0])
	assert.Equal(t, "lost", events[len(events)-1])
	assert.Contains(t, events, "exited")
	// stdout data arrives before its pipe is reported lost.
	assert.Less(t, indexOf(events, "data"), indexOf(events, "pipelost"))
}

func indexOf(events []string, want string) int {
	for i, ev := range events {
		if ev == want {
			return i
		}
	}
	return -1
}

func TestSubprocessStdinRoundTrip(t *testing.T) {
	l := startLoop(t)

	pp := newRecProcessProto()
	proc, err := l.SubprocessExec(func() ProcessProtocol { return pp },
		[]string{"/bin/cat"})
	require.NoError(t, err)

	stdin := proc.PipeTransport(0)
	require.NotNil(t, stdin)
	require.NoError(t, stdin.Write([]byte("echoed")))
	require.NoError(t, stdin.Close())

	assert.NoError(t, waitLost(t, pp.lostCh))

	pp.mu.Lock()
	out := pp.stdout.String()
	pp.mu.Unlock()
	assert.Equal(t, "echoed", out)

	code, done := proc.ReturnCode()
	assert.True(t, done)
	assert.Zero(t, code)
}

func TestSubprocessTerminate(t *testing.T) {
	l := startLoop(t)

	pp := newRecProcessProto()
	proc, err := l.SubprocessExec(func() ProcessProtocol { return pp },
		[]string{"/bin/sleep", "10"})
	require.NoError(t, err)

	require.NoError(t, proc.Terminate())
	assert.NoError(t, waitLost(t, pp.lostCh))

	code, done := proc.ReturnCode()
	assert.True(t, done)
	assert.Equal(t, -int(syscall.SIGTERM), code)

	// Signaling after exit reports the process as gone.
	assert.ErrorIs(t, proc.Terminate(), errorx.ErrProcessDone)
}

func TestSubprocessWriteToReadPipe(t *testing.T) {
	l := startLoop(t)

	pp := newRecProcessProto()
	proc, err := l.SubprocessExec(func() ProcessProtocol { return pp },
		[]string{"/bin/sh", "-c", "exit 3"})
	require.NoError(t, err)

	if stdout := proc.PipeTransport(1); stdout != nil {
		assert.ErrorIs(t, stdout.Write([]byte("x")), errorx.ErrReadOnlyTransport)
	}

	assert.NoError(t, waitLost(t, pp.lostCh))
	code, done := proc.ReturnCode()
	assert.True(t, done)
	assert.Equal(t, 3, code)
}

func TestSubprocessEmptyCommand(t *testing.T) {
	l := startLoop(t)

	_, err := l.SubprocessExec(func() ProcessProtocol { return newRecProcessProto() }, nil)
	assert.ErrorIs(t, err, errorx.ErrInvalidCommand)
}

func TestSubprocessStderrSeparate(t *testing.T) {
	l := startLoop(t)

	pp := newRecProcessProto()
	_, err := l.SubprocessExec(func() ProcessProtocol { return pp },
		[]string{"/bin/sh", "-c", "printf out; printf err >&2"})
	require.NoError(t, err)

	assert.NoError(t, waitLost(t, pp.lostCh))

	pp.mu.Lock()
	defer pp.mu.Unlock()
	assert.Equal(t, "out", pp.stdout.String())
	assert.Equal(t, "err", pp.stderr.String())
}

func TestSubprocessReturnCodePendingWhileRunning(t *testing.T) {
	l := startLoop(t)

	pp := newRecProcessProto()
	proc, err := l.SubprocessExec(func() ProcessProtocol { return pp },
		[]string{"/bin/sleep", "10"}, WithStdio(StdioDevNull, StdioDevNull, StdioDevNull))
	require.NoError(t, err)

	_, done := proc.ReturnCode()
	assert.False(t, done)

	require.NoError(t, proc.Kill())
	assert.NoError(t, waitLost(t, pp.lostCh))

	code, done := proc.ReturnCode()
	assert.True(t, done)
	assert.Equal(t, -int(syscall.SIGKILL), code)

	select {
	case <-pp.exited:
	case <-time.After(time.Second):
		t.Fatal("ProcessExited never delivered")
	}
}

func TestProcessEventsQueuedUntilHandshake(t *testing.T) {
	l := startLoop(t)
	proto := newRecProcessProto()
	p := &Process{
		loop:    l,
		proto:   proto,
		pipes:   make(map[int]*PipeTransport),
		pending: queue.New(),
	}

	// Events landing before the handshake are parked, not dropped and not
	// delivered ahead of ConnectionMade.
	p.deliver(&procEvent{kind: evPipeData, fd: 1, data: []byte("early")})
	p.deliver(&procEvent{kind: evPipeData, fd: 2, data: []byte("err")})
	p.deliver(&procEvent{kind: evExited})
	assert.Empty(t, proto.Events())

	proto.ConnectionMade(p)
	p.ready = true
	for p.pending.Length() > 0 {
		p.deliverNow(p.pending.Remove().(*procEvent))
	}

	assert.Equal(t, []string{"made", "data", "data", "exited"}, proto.Events())
	assert.Equal(t, "early", proto.stdout.String())
	assert.Equal(t, "err", proto.stderr.String())
}
