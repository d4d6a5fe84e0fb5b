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
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/evloop/evloop/pkg/errors"
)

type streamPair struct {
	loop   *Loop
	server *StreamServer
	client *recProto
	peer   *recProto
	ct     Transport
	st     Transport
}

// dialPair spins up a loopback server, connects one client and returns both
// protocol recorders with their transports live.
func dialPair(t *testing.T, tweakServerProto func(*recProto)) *streamPair {
	t.Helper()
	l := startLoop(t)

	serverProtos := make(chan *recProto, 1)
	srv, err := l.CreateServer(func() Protocol {
		p := newRecProto()
		if tweakServerProto != nil {
			tweakServerProto(p)
		}
		serverProtos <- p
		return p
	}, "tcp", "127.0.0.1:0", WithReuseAddr(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	require.NoError(t, srv.Listen())

	cp := newRecProto()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ct, err := l.CreateConnection(ctx, func() Protocol { return cp }, "tcp", srv.Sockets()[0].String())
	require.NoError(t, err)

	var sp *recProto
	select {
	case sp = <-serverProtos:
	case <-time.After(3 * time.Second):
		t.Fatal("server never accepted")
	}
	st := waitTransport(t, sp.made)
	waitTransport(t, cp.made)

	return &streamPair{loop: l, server: srv, client: cp, peer: sp, ct: ct, st: st}
}

func TestStreamPingWriteEOF(t *testing.T) {
	pair := dialPair(t, nil)

	require.NoError(t, pair.ct.Write([]byte("ping")))
	require.NoError(t, pair.ct.WriteEOF())

	// EOFReceived returns false by default, so the server side closes and
	// both ends observe a clean ConnectionLost.
	assert.NoError(t, waitLost(t, pair.peer.lost))
	assert.NoError(t, waitLost(t, pair.client.lost))
	assert.Equal(t, []byte("ping"), pair.peer.Bytes())

	events := pair.peer.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "made", events[0])
	assert.Equal(t, "lost", events[len(events)-1])
	assert.Contains(t, events, "eof")
}

func TestStreamEOFKeepsWriteSideOpen(t *testing.T) {
	pair := dialPair(t, func(p *recProto) { p.keepOpen = true })

	require.NoError(t, pair.ct.Write([]byte("hi")))
	require.NoError(t, pair.ct.WriteEOF())

	// Server answers after the client half-closed.
	st := pair.st
	require.Eventually(t, func() bool {
		return string(pair.peer.Bytes()) == "hi"
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, st.Write([]byte("bye")))
	require.NoError(t, st.Close())

	assert.NoError(t, waitLost(t, pair.client.lost))
	assert.Equal(t, []byte("bye"), pair.client.Bytes())
	assert.NoError(t, waitLost(t, pair.peer.lost))
}

func TestStreamByteIntegrity(t *testing.T) {
	pair := dialPair(t, nil)

	rng := rand.New(rand.NewSource(42))
	payload := make([]byte, 1<<20)
	rng.Read(payload)

	// Uneven chunk sizes so the data crosses plenty of segment boundaries.
	for off := 0; off < len(payload); {
		n := 1 + rng.Intn(64*1024)
		if off+n > len(payload) {
			n = len(payload) - off
		}
		require.NoError(t, pair.ct.Write(payload[off:off+n]))
		off += n
	}
	require.NoError(t, pair.ct.WriteEOF())

	assert.NoError(t, waitLost(t, pair.peer.lost))
	assert.Equal(t, payload, pair.peer.Bytes())
}

func TestStreamWritelines(t *testing.T) {
	pair := dialPair(t, nil)

	require.NoError(t, pair.ct.Writelines([][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}))
	require.NoError(t, pair.ct.WriteEOF())

	assert.NoError(t, waitLost(t, pair.peer.lost))
	assert.Equal(t, []byte("abbccc"), pair.peer.Bytes())
}

func TestStreamCloseIdempotent(t *testing.T) {
	pair := dialPair(t, nil)

	require.NoError(t, pair.ct.Close())
	require.NoError(t, pair.ct.Close())
	assert.True(t, pair.ct.IsClosing())

	assert.NoError(t, waitLost(t, pair.client.lost))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, pair.client.LostCount())
}

func TestStreamWriteAfterEOF(t *testing.T) {
	pair := dialPair(t, nil)

	require.NoError(t, pair.ct.WriteEOF())
	require.NoError(t, pair.ct.WriteEOF()) // idempotent
	assert.ErrorIs(t, pair.ct.Write([]byte("x")), errorx.ErrWriteAfterEOF)
}

func TestStreamZeroLengthWriteIsNoop(t *testing.T) {
	pair := dialPair(t, nil)

	require.NoError(t, pair.ct.Write(nil))
	require.NoError(t, pair.ct.Write([]byte{}))
	assert.Zero(t, pair.ct.GetWriteBufferSize())
}

func TestWriteBufferLimitsRoundTrip(t *testing.T) {
	pair := dialPair(t, nil)
	ct := pair.ct

	require.NoError(t, ct.SetWriteBufferLimits(2048, -1))
	low, high := ct.GetWriteBufferLimits()
	assert.Equal(t, 512, low)
	assert.Equal(t, 2048, high)

	require.NoError(t, ct.SetWriteBufferLimits(-1, -1))
	low, high = ct.GetWriteBufferLimits()
	assert.Equal(t, DefaultHighWaterMark/4, low)
	assert.Equal(t, DefaultHighWaterMark, high)

	require.NoError(t, ct.SetWriteBufferLimits(-1, 1024))
	low, high = ct.GetWriteBufferLimits()
	assert.Equal(t, 1024, low)
	assert.Equal(t, 4096, high)

	assert.ErrorIs(t, ct.SetWriteBufferLimits(10, 100), errorx.ErrInvalidWaterMarks)
}

func TestPauseResumeStrictAlternation(t *testing.T) {
	// The server does not read, so the client's buffer has to climb over the
	// high water mark; once paused, the server resumes reading and drains.
	pair := dialPair(t, func(p *recProto) { p.noRead = true })
	ct := pair.ct

	require.NoError(t, ct.SetWriteBufferLimits(64*1024, 16*1024))

	chunk := make([]byte, 64*1024)
	total := 0
	for total < 8<<20 {
		require.NoError(t, ct.Write(chunk))
		total += len(chunk)
	}

	select {
	case <-pair.client.paused:
	case <-time.After(3 * time.Second):
		t.Fatal("protocol was never paused")
	}

	require.NoError(t, pair.st.ResumeReading())

	require.Eventually(t, func() bool {
		return len(pair.peer.Bytes()) == total
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, ct.Close())
	assert.NoError(t, waitLost(t, pair.client.lost))

	var pauses, resumes int
	expectPause := true
	for _, ev := range pair.client.Events() {
		switch ev {
		case "pause":
			require.True(t, expectPause, "two PauseWriting without ResumeWriting")
			expectPause = false
			pauses++
		case "resume":
			require.False(t, expectPause, "ResumeWriting without a preceding PauseWriting")
			expectPause = true
			resumes++
		}
	}
	assert.Greater(t, pauses, 0)
	assert.Equal(t, pauses, resumes)
}

func TestPauseResumeMultipleCycles(t *testing.T) {
	pair := dialPair(t, func(p *recProto) { p.noRead = true })
	ct := pair.ct

	require.NoError(t, ct.SetWriteBufferLimits(32*1024, 8*1024))

	chunk := make([]byte, 32*1024)
	for cycle := 0; cycle < 3; cycle++ {
		deadline := time.Now().Add(3 * time.Second)
		paused := false
		for !paused {
			require.True(t, time.Now().Before(deadline), "protocol was never paused")
			require.NoError(t, ct.Write(chunk))
			select {
			case <-pair.client.paused:
				paused = true
			default:
			}
		}
		require.NoError(t, pair.st.ResumeReading())
		require.Eventually(t, func() bool {
			return ct.GetWriteBufferSize() == 0
		}, 10*time.Second, 10*time.Millisecond)
		require.NoError(t, pair.st.PauseReading())
	}

	require.NoError(t, ct.Close())
	assert.NoError(t, waitLost(t, pair.client.lost))

	var pauses, resumes int
	expectPause := true
	for _, ev := range pair.client.Events() {
		switch ev {
		case "pause":
			require.True(t, expectPause, "two PauseWriting without ResumeWriting")
			expectPause = false
			pauses++
		case "resume":
			require.False(t, expectPause, "ResumeWriting without a preceding PauseWriting")
			expectPause = true
			resumes++
		}
	}
	assert.GreaterOrEqual(t, pauses, 3)
	assert.Equal(t, pauses, resumes)
}

func TestStreamConcurrentWriteAndAbort(t *testing.T) {
	pair := dialPair(t, func(p *recProto) { p.noRead = true })
	ct := pair.ct

	// Writers keep hitting the descriptor while Abort reclaims it; the
	// transport must reject them cleanly rather than touch a recycled fd.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chunk := make([]byte, 4096)
			for {
				select {
				case <-stop:
					return
				default:
				}
				if err := ct.Write(chunk); err != nil {
					return
				}
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ct.Abort())
	close(stop)
	wg.Wait()

	assert.NoError(t, waitLost(t, pair.client.lost))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, pair.client.LostCount())
}

func TestGetExtraInfo(t *testing.T) {
	pair := dialPair(t, nil)

	sockname := pair.ct.GetExtraInfo("sockname", nil)
	peername := pair.ct.GetExtraInfo("peername", nil)
	require.NotNil(t, sockname)
	require.NotNil(t, peername)
	assert.Equal(t, pair.server.Sockets()[0].String(), peername.(net.Addr).String())
	assert.Equal(t, "fallback", pair.ct.GetExtraInfo("nonsense", "fallback"))
}

// bufRecProto reads through GetBuffer/BufferUpdated instead of DataReceived.
type bufRecProto struct {
	*recProto
	scratch []byte
}

func (p *bufRecProto) GetBuffer(sizehint int) []byte {
	if cap(p.scratch) < sizehint {
		p.scratch = make([]byte, sizehint)
	}
	return p.scratch[:cap(p.scratch)]
}

func (p *bufRecProto) BufferUpdated(n int) {
	p.mu.Lock()
	p.events = append(p.events, "data")
	p.buf.Write(p.scratch[:n])
	p.mu.Unlock()
}

func TestBufferedProtocolReceivesData(t *testing.T) {
	l := startLoop(t)

	serverProtos := make(chan *bufRecProto, 1)
	srv, err := l.CreateServer(func() Protocol {
		p := &bufRecProto{recProto: newRecProto()}
		serverProtos <- p
		return p
	}, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	require.NoError(t, srv.Listen())

	cp := newRecProto()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ct, err := l.CreateConnection(ctx, func() Protocol { return cp }, "tcp", srv.Sockets()[0].String())
	require.NoError(t, err)

	require.NoError(t, ct.Write([]byte("direct into the protocol buffer")))
	require.NoError(t, ct.WriteEOF())

	var sp *bufRecProto
	select {
	case sp = <-serverProtos:
	case <-time.After(3 * time.Second):
		t.Fatal("server never accepted")
	}
	assert.NoError(t, waitLost(t, sp.lost))
	assert.Equal(t, []byte("direct into the protocol buffer"), sp.Bytes())
	assert.Contains(t, sp.Events(), "data")
}

// emptyBufProto misbehaves by handing out no buffer to read into.
type emptyBufProto struct {
	*recProto
	updated chan int
}

func (p *emptyBufProto) GetBuffer(int) []byte { return nil }

func (p *emptyBufProto) BufferUpdated(n int) {
	select {
	case p.updated <- n:
	default:
	}
}

func TestBufferedProtocolEmptyBufferIsFatal(t *testing.T) {
	l := startLoop(t)

	serverProtos := make(chan *emptyBufProto, 1)
	srv, err := l.CreateServer(func() Protocol {
		p := &emptyBufProto{recProto: newRecProto(), updated: make(chan int, 1)}
		serverProtos <- p
		return p
	}, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	require.NoError(t, srv.Listen())

	cp := newRecProto()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ct, err := l.CreateConnection(ctx, func() Protocol { return cp }, "tcp", srv.Sockets()[0].String())
	require.NoError(t, err)
	require.NoError(t, ct.Write([]byte("bytes")))

	var sp *emptyBufProto
	select {
	case sp = <-serverProtos:
	case <-time.After(3 * time.Second):
		t.Fatal("server never accepted")
	}

	// The transport must not pretend the bytes landed anywhere; it closes
	// with an error instead.
	err = waitLost(t, sp.lost)
	assert.ErrorIs(t, err, errorx.ErrInvalidReadBuffer)
	select {
	case n := <-sp.updated:
		t.Fatalf("BufferUpdated(%d) delivered without a buffer", n)
	default:
	}
}

func TestUnixStream(t *testing.T) {
	l := startLoop(t)
	sock := t.TempDir() + "/evloop.sock"

	serverProtos := make(chan *recProto, 1)
	srv, err := l.CreateServer(func() Protocol {
		p := newRecProto()
		serverProtos <- p
		return p
	}, "unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	require.NoError(t, srv.StartServing())

	cp := newRecProto()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ct, err := l.CreateUnixConnection(ctx, func() Protocol { return cp }, sock)
	require.NoError(t, err)
	waitTransport(t, cp.made)

	require.NoError(t, ct.Write([]byte("over unix")))
	require.NoError(t, ct.WriteEOF())

	var sp *recProto
	select {
	case sp = <-serverProtos:
	case <-time.After(3 * time.Second):
		t.Fatal("server never accepted")
	}
	assert.NoError(t, waitLost(t, sp.lost))
	assert.Equal(t, []byte("over unix"), sp.Bytes())
}
