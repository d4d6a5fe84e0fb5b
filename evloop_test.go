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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := NewLoop()
	require.NoError(t, err)
	go func() { _ = l.Run() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = l.Shutdown(ctx)
	})
	return l
}

// recProto records every callback it receives, in order.
type recProto struct {
	mu       sync.Mutex
	events   []string
	buf      bytes.Buffer
	keepOpen bool
	noRead   bool

	made    chan Transport
	lost    chan error
	paused  chan struct{}
	lostCnt int
}

func newRecProto() *recProto {
	return &recProto{
		made:   make(chan Transport, 1),
		lost:   make(chan error, 2),
		paused: make(chan struct{}, 1),
	}
}

func (p *recProto) record(ev string) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recProto) ConnectionMade(t Transport) {
	p.record("made")
	if p.noRead {
		_ = t.PauseReading()
	}
	p.made <- t
}

func (p *recProto) DataReceived(b []byte) {
	p.mu.Lock()
	p.events = append(p.events, "data")
	p.buf.Write(b)
	p.mu.Unlock()
}

func (p *recProto) EOFReceived() bool {
	p.record("eof")
	return p.keepOpen
}

func (p *recProto) PauseWriting() {
	p.record("pause")
	select {
	case p.paused <- struct{}{}:
	default:
	}
}

func (p *recProto) ResumeWriting() {
	p.record("resume")
}

func (p *recProto) ConnectionLost(err error) {
	p.mu.Lock()
	p.events = append(p.events, "lost")
	p.lostCnt++
	p.mu.Unlock()
	p.lost <- err
}

func (p *recProto) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	copy(out, p.events)
	return out
}

func (p *recProto) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.buf.Bytes()...)
}

func (p *recProto) LostCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lostCnt
}

func waitTransport(t *testing.T, ch chan Transport) Transport {
	t.Helper()
	select {
	case tr := <-ch:
		return tr
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ConnectionMade")
		return nil
	}
}

func waitLost(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ConnectionLost")
		return nil
	}
}

func TestCallSoonRunsInOrder(t *testing.T) {
	l := startLoop(t)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.CallSoon(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestTimerHandleCancel(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{}, 1)
	th := l.CallLater(50*time.Millisecond, func() { fired <- struct{}{} })
	th.Cancel()
	th.Cancel() // second cancel is a no-op

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(200 * time.Millisecond):
	}
	assert.True(t, th.Cancelled())
}

func TestCallLaterFires(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{}, 1)
	th := l.CallLater(10*time.Millisecond, func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.False(t, th.Cancelled())
	th.Cancel() // after run, a no-op
	assert.False(t, th.Cancelled())
}

func TestCallbackPanicRoutedToExceptionHandler(t *testing.T) {
	l := startLoop(t)

	caught := make(chan error, 1)
	l.SetExceptionHandler(func(err error) {
		select {
		case caught <- err:
		default:
		}
	})

	l.CallSoon(func() { panic("boom") })

	select {
	case err := <-caught:
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(3 * time.Second):
		t.Fatal("exception handler was not invoked")
	}

	// The loop survives the panic.
	ok := make(chan struct{}, 1)
	l.CallSoon(func() { ok <- struct{}{} })
	select {
	case <-ok:
	case <-time.After(3 * time.Second):
		t.Fatal("loop died after callback panic")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, l.Shutdown(ctx))
	assert.Error(t, l.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

// quietLogger records error-level output so tests can assert the loop stays
// silent across routine close races.
type quietLogger struct {
	mu     sync.Mutex
	errors []string
}

func (q *quietLogger) Debugf(string, ...interface{}) {}
func (q *quietLogger) Infof(string, ...interface{})  {}
func (q *quietLogger) Warnf(string, ...interface{})  {}
func (q *quietLogger) Fatalf(string, ...interface{}) {}

func (q *quietLogger) Errorf(format string, args ...interface{}) {
	q.mu.Lock()
	q.errors = append(q.errors, fmt.Sprintf(format, args...))
	q.mu.Unlock()
}

func (q *quietLogger) errorCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.errors)
}

func TestDispatchToleratesLateCloseEvents(t *testing.T) {
	ql := &quietLogger{}
	l, err := NewLoop(WithLogger(ql))
	require.NoError(t, err)
	go func() { _ = l.Run() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = l.Shutdown(ctx)
	})

	// Readiness collected in the same poll round a descriptor was reclaimed
	// in arrives after the registry entry is gone.
	l.deregisterHandle(42)
	assert.NoError(t, l.dispatch(42, 0))
	assert.Zero(t, ql.errorCount())

	// A handle that is winding down stays registered until close completion
	// runs; its late events are dropped without complaint.
	h := &NativeHandle{loop: l, fd: 43}
	atomic.StoreInt32(&h.state, stateClosing)
	l.registerHandle(h)
	assert.NoError(t, l.dispatch(43, 0))
	assert.Zero(t, ql.errorCount())
	l.deregisterHandle(43)

	// An fd the loop has never seen is a genuine registry fault.
	assert.NoError(t, l.dispatch(44, 0))
	assert.Equal(t, 1, ql.errorCount())
}
