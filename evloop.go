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

// Package evloop is a poller-driven transport runtime: a single-goroutine
// event loop built on epoll (Linux) or kqueue (*BSD/Darwin), with buffered
// flow-controlled stream transports, a stream server with optional TLS
// upgrade, a datagram transport and a child-process transport.
//
// Application code supplies a protocol object per connection; the loop
// delivers events to it with a strict ordering guarantee: ConnectionMade is
// always first, ConnectionLost always last, and PauseWriting/ResumeWriting
// alternate strictly. All protocol callbacks run on the loop goroutine.
package evloop

import "net"

// Transport is the writable side handed to a protocol in ConnectionMade.
// Stream and the TLS upgrade shim both satisfy it.
type Transport interface {
	// Write appends p to the outbound buffer and initiates a send. Writing a
	// zero-length chunk is a no-op. Write fails after WriteEOF.
	Write(p []byte) error
	// Writelines writes a sequence of chunks in order.
	Writelines(chunks [][]byte) error
	// WriteEOF half-closes the write side once all buffered data drains.
	// Idempotent.
	WriteEOF() error
	// CanWriteEOF reports whether the transport supports half-close.
	CanWriteEOF() bool

	GetWriteBufferSize() int
	// SetWriteBufferLimits configures the flow-control water marks. Negative
	// values select the defaults; high must not end up below low.
	SetWriteBufferLimits(high, low int) error
	// GetWriteBufferLimits returns the resolved (low, high) water marks.
	GetWriteBufferLimits() (low, high int)

	PauseReading() error
	ResumeReading() error

	// Close flushes buffered writes and then delivers ConnectionLost(nil).
	// Abort drops buffered writes and closes immediately. Both are idempotent.
	Close() error
	Abort() error
	IsClosing() bool

	// GetExtraInfo returns transport-specific information such as "sockname",
	// "peername" and "socket", or def when name is unknown.
	GetExtraInfo(name string, def interface{}) interface{}
}

// Protocol receives stream events. Embed BaseProtocol to pick up no-op
// defaults for the callbacks a protocol does not care about.
type Protocol interface {
	// ConnectionMade is called exactly once, before any other callback.
	ConnectionMade(t Transport)
	// DataReceived delivers an inbound chunk. The chunk is only valid for the
	// duration of the call; retain a copy if needed.
	DataReceived(p []byte)
	// EOFReceived signals end-of-stream, at most once. Returning true keeps
	// the transport open for writing; returning false closes it.
	EOFReceived() bool
	// PauseWriting and ResumeWriting alternate strictly as the write buffer
	// crosses the configured water marks.
	PauseWriting()
	ResumeWriting()
	// ConnectionLost is called exactly once, last. err is nil on a clean
	// close or remote EOF.
	ConnectionLost(err error)
}

// BufferedProtocol lets a protocol supply the inbound buffer itself, saving a
// copy. When a Protocol also implements BufferedProtocol, the stream calls
// GetBuffer/BufferUpdated instead of DataReceived.
type BufferedProtocol interface {
	// GetBuffer returns a buffer of at least one byte to read into; sizehint
	// is the stream's preferred capacity.
	GetBuffer(sizehint int) []byte
	// BufferUpdated tells the protocol n bytes were read into the buffer.
	BufferUpdated(n int)
}

// DatagramProtocol receives datagram events from a UDPTransport.
type DatagramProtocol interface {
	ConnectionMade(t *UDPTransport)
	DatagramReceived(p []byte, addr net.Addr)
	// ErrorReceived reports a non-fatal send/receive error; the transport
	// stays open.
	ErrorReceived(err error)
	ConnectionLost(err error)
}

// ProcessProtocol receives child-process events from a Process transport.
// fd is the child's view of the pipe: 0 stdin, 1 stdout, 2 stderr.
type ProcessProtocol interface {
	ConnectionMade(t *Process)
	PipeDataReceived(fd int, p []byte)
	PipeConnectionLost(fd int, err error)
	ProcessExited()
	ConnectionLost(err error)
}

// BaseProtocol is a Protocol with no-op callbacks, meant for embedding.
type BaseProtocol struct{}

func (BaseProtocol) ConnectionMade(Transport) {}
func (BaseProtocol) DataReceived([]byte)      {}
func (BaseProtocol) EOFReceived() bool        { return false }
func (BaseProtocol) PauseWriting()            {}
func (BaseProtocol) ResumeWriting()           {}
func (BaseProtocol) ConnectionLost(error)     {}

// ProtocolFactory builds one protocol per accepted connection.
type ProtocolFactory func() Protocol
