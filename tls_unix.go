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
	"crypto/tls"
	"io"
	"net"
	"os"
	"sync"
	"time"

	errorx "github.com/evloop/evloop/pkg/errors"
	"github.com/evloop/evloop/pkg/logging"
	bbPool "github.com/evloop/evloop/pkg/pool/bytebuffer"
)

// tlsProtocol sits between a Stream and the application protocol. It feeds
// ciphertext between the raw transport and a tls.Conn running over an
// in-memory endpoint, and defers the inner ConnectionMade until the
// handshake has completed.
type tlsProtocol struct {
	loop             *Loop
	inner            Protocol
	cfg              *tls.Config
	isServer         bool
	handshakeTimeout time.Duration
	shutdownTimeout  time.Duration

	raw  Transport
	pipe *tlsEndpoint
	conn *tls.Conn
	t    *tlsTransport

	readyCh   chan error
	madeInner bool // inner got ConnectionMade; loop goroutine only
	lostSent  bool
}

func newTLSProtocol(l *Loop, inner Protocol, cfg *tls.Config, isServer bool, handshakeTimeout, shutdownTimeout time.Duration) *tlsProtocol {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultTLSHandshakeTimeout
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultTLSShutdownTimeout
	}
	return &tlsProtocol{
		loop:             l,
		inner:            inner,
		cfg:              cfg,
		isServer:         isServer,
		handshakeTimeout: handshakeTimeout,
		shutdownTimeout:  shutdownTimeout,
		readyCh:          make(chan error, 1),
	}
}

// waitReady blocks until the handshake settles; used by the client dial
// path.
func (p *tlsProtocol) waitReady(ctx context.Context) (Transport, error) {
	select {
	case err := <-p.readyCh:
		if err != nil {
			return nil, err
		}
		return p.t, nil
	case <-ctx.Done():
		p.loop.CallSoon(func() {
			if p.raw != nil {
				_ = p.raw.Abort()
			}
		})
		return nil, ctx.Err()
	}
}

func (p *tlsProtocol) ConnectionMade(t Transport) {
	p.raw = t
	p.pipe = newTLSEndpoint(t)
	if p.isServer {
		p.conn = tls.Server(p.pipe, p.cfg)
	} else {
		p.conn = tls.Client(p.pipe, p.cfg)
	}
	p.t = &tlsTransport{p: p}
	if err := p.loop.workerPool.Submit(p.handshake); err != nil {
		p.readyCh <- err
		_ = t.Abort()
	}
}

func (p *tlsProtocol) handshake() {
	ctx, cancel := context.WithTimeout(context.Background(), p.handshakeTimeout)
	err := p.conn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		p.readyCh <- err
		logging.Warnf("tls handshake failed: %v", err)
		p.loop.CallSoon(func() { _ = p.raw.Abort() })
		return
	}
	// The inner ConnectionMade must be committed before the dial path hands
	// the transport to the caller, so a Close racing the dial return still
	// observes the made/lost pair.
	p.loop.CallSoon(func() {
		p.madeInner = true
		p.inner.ConnectionMade(p.t)
		p.readyCh <- nil
		if p.raw.IsClosing() && !p.lostSent {
			// The raw transport went down before ConnectionMade landed; its
			// own ConnectionLost skipped the inner protocol.
			p.lostSent = true
			p.inner.ConnectionLost(nil)
		}
	})
	p.readPump()
}

// readPump moves plaintext from the tls.Conn to the inner protocol. It runs
// on the worker goroutine that performed the handshake.
func (p *tlsProtocol) readPump() {
	buf := make([]byte, DefaultReadBufferCap)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			p.loop.CallSoon(func() { p.inner.DataReceived(data) })
		}
		if err != nil {
			if err == io.EOF {
				p.loop.CallSoon(func() {
					if !p.inner.EOFReceived() {
						_ = p.raw.Close()
					}
				})
			} else if !p.raw.IsClosing() {
				p.loop.CallSoon(func() { _ = p.raw.Abort() })
			}
			return
		}
	}
}

// DataReceived carries ciphertext from the socket into the in-memory
// endpoint; the chunk is only valid for the duration of the call, so it is
// copied into the endpoint's buffer.
func (p *tlsProtocol) DataReceived(b []byte) {
	p.pipe.feed(b)
}

func (p *tlsProtocol) EOFReceived() bool {
	p.pipe.feedEOF()
	return false
}

func (p *tlsProtocol) PauseWriting() {
	if p.madeInner {
		p.inner.PauseWriting()
	}
}

func (p *tlsProtocol) ResumeWriting() {
	if p.madeInner {
		p.inner.ResumeWriting()
	}
}

func (p *tlsProtocol) ConnectionLost(err error) {
	p.pipe.feedEOF()
	if p.madeInner && !p.lostSent {
		p.lostSent = true
		p.inner.ConnectionLost(err)
	}
}

// tlsTransport is the Transport the inner protocol writes plaintext to.
type tlsTransport struct {
	p  *tlsProtocol
	mu sync.Mutex // serializes conn.Write
}

func (t *tlsTransport) Write(b []byte) (err error) {
	if len(b) == 0 {
		return nil
	}
	t.mu.Lock()
	_, err = t.p.conn.Write(b)
	t.mu.Unlock()
	return
}

func (t *tlsTransport) Writelines(chunks [][]byte) error {
	for _, c := range chunks {
		if err := t.Write(c); err != nil {
			return err
		}
	}
	return nil
}

// WriteEOF is unsupported: TLS has no half-close, only close_notify.
func (t *tlsTransport) WriteEOF() error {
	return errorx.ErrEOFNotSupported
}

func (t *tlsTransport) CanWriteEOF() bool { return false }

func (t *tlsTransport) GetWriteBufferSize() int { return t.p.raw.GetWriteBufferSize() }

func (t *tlsTransport) SetWriteBufferLimits(high, low int) error {
	return t.p.raw.SetWriteBufferLimits(high, low)
}

func (t *tlsTransport) GetWriteBufferLimits() (low, high int) {
	return t.p.raw.GetWriteBufferLimits()
}

func (t *tlsTransport) PauseReading() error  { return t.p.raw.PauseReading() }
func (t *tlsTransport) ResumeReading() error { return t.p.raw.ResumeReading() }

// Close sends close_notify, bounded by the shutdown timeout, then closes the
// underlying transport.
func (t *tlsTransport) Close() error {
	p := t.p
	if err := p.loop.workerPool.Submit(func() {
		done := make(chan struct{})
		timer := time.AfterFunc(p.shutdownTimeout, func() { _ = p.raw.Abort() })
		go func() {
			t.mu.Lock()
			_ = p.conn.Close()
			t.mu.Unlock()
			close(done)
		}()
		<-done
		timer.Stop()
		_ = p.raw.Close()
	}); err != nil {
		return p.raw.Close()
	}
	return nil
}

func (t *tlsTransport) Abort() error { return t.p.raw.Abort() }

func (t *tlsTransport) IsClosing() bool { return t.p.raw.IsClosing() }

func (t *tlsTransport) GetExtraInfo(name string, def interface{}) interface{} {
	switch name {
	case "ssl_conn":
		return t.p.conn
	case "cipher_suite":
		return t.p.conn.ConnectionState().CipherSuite
	}
	return t.p.raw.GetExtraInfo(name, def)
}

var _ Transport = (*tlsTransport)(nil)

// tlsEndpoint is the in-memory net.Conn the tls.Conn runs over: reads pull
// ciphertext fed from the socket, writes push ciphertext back out through
// the raw transport.
type tlsEndpoint struct {
	raw Transport

	mu       sync.Mutex
	cond     *sync.Cond
	buf      *bbPool.ByteBuffer
	off      int
	eof      bool
	deadline time.Time
	timer    *time.Timer
}

func newTLSEndpoint(raw Transport) *tlsEndpoint {
	e := &tlsEndpoint{raw: raw, buf: bbPool.Get()}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *tlsEndpoint) feed(b []byte) {
	e.mu.Lock()
	_, _ = e.buf.Write(b)
	e.mu.Unlock()
	e.cond.Broadcast()
}

func (e *tlsEndpoint) feedEOF() {
	e.mu.Lock()
	e.eof = true
	e.mu.Unlock()
	e.cond.Broadcast()
}

func (e *tlsEndpoint) Read(b []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.off == len(e.buf.B) {
		if e.eof {
			return 0, io.EOF
		}
		if !e.deadline.IsZero() && !time.Now().Before(e.deadline) {
			return 0, os.ErrDeadlineExceeded
		}
		e.cond.Wait()
	}
	n := copy(b, e.buf.B[e.off:])
	e.off += n
	if e.off == len(e.buf.B) {
		e.buf.Reset()
		e.off = 0
	}
	return n, nil
}

func (e *tlsEndpoint) Write(b []byte) (int, error) {
	if err := e.raw.Write(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (e *tlsEndpoint) Close() error {
	e.feedEOF()
	return nil
}

func (e *tlsEndpoint) LocalAddr() net.Addr {
	if a, ok := e.raw.GetExtraInfo("sockname", nil).(net.Addr); ok {
		return a
	}
	return nil
}

func (e *tlsEndpoint) RemoteAddr() net.Addr {
	if a, ok := e.raw.GetExtraInfo("peername", nil).(net.Addr); ok {
		return a
	}
	return nil
}

func (e *tlsEndpoint) SetDeadline(t time.Time) error { return e.SetReadDeadline(t) }

// SetReadDeadline wakes pending readers when the deadline passes; tls.Conn
// uses it to bound the handshake.
func (e *tlsEndpoint) SetReadDeadline(t time.Time) error {
	e.mu.Lock()
	e.deadline = t
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if !t.IsZero() {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		e.timer = time.AfterFunc(d, e.cond.Broadcast)
	}
	e.mu.Unlock()
	e.cond.Broadcast()
	return nil
}

func (e *tlsEndpoint) SetWriteDeadline(time.Time) error { return nil }

var _ net.Conn = (*tlsEndpoint)(nil)
