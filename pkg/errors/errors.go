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

// Package errors defines common errors for evloop.
package errors

import "errors"

var (
	// ErrLoopShutdown occurs when the event loop is going to be shut down.
	ErrLoopShutdown = errors.New("evloop: event loop is going to be shutdown")
	// ErrLoopInShutdown occurs when attempting to shut the loop down more than once.
	ErrLoopInShutdown = errors.New("evloop: event loop is already in shutdown")
	// ErrHandleClosed occurs when operating on a handle that is not alive.
	ErrHandleClosed = errors.New("evloop: invalid operation on closed handle")
	// ErrWriteAfterEOF occurs when writing to a stream after WriteEOF has been issued.
	ErrWriteAfterEOF = errors.New("evloop: write after WriteEOF")
	// ErrTransportClosed occurs when operating on a transport that is closing or closed.
	ErrTransportClosed = errors.New("evloop: transport is closed")
	// ErrEOFNotSupported occurs when WriteEOF is called on a transport that cannot half-close.
	ErrEOFNotSupported = errors.New("evloop: transport does not support half-close")
	// ErrAddressMismatch occurs when SendTo carries an address that conflicts
	// with the remote address the transport was connected to.
	ErrAddressMismatch = errors.New("evloop: address conflicts with connected remote")
	// ErrAddressRequired occurs when SendTo omits the address on an unconnected transport.
	ErrAddressRequired = errors.New("evloop: destination address required on unconnected transport")
	// ErrServerClosed occurs when a server is asked to serve after Close.
	ErrServerClosed = errors.New("evloop: server is closed")
	// ErrServerNotBound occurs when Listen is called before the server socket is bound.
	ErrServerNotBound = errors.New("evloop: server socket is not bound")
	// ErrAcceptSocket occurs when the acceptor fails to take over a new connection.
	ErrAcceptSocket = errors.New("evloop: accept a new connection error")
	// ErrUnsupportedProtocol occurs when trying to use a network this module does not speak.
	ErrUnsupportedProtocol = errors.New("evloop: only unix, tcp/tcp4/tcp6, udp/udp4/udp6 are supported")
	// ErrUnsupportedTCPProtocol occurs when trying to use an unsupported TCP protocol.
	ErrUnsupportedTCPProtocol = errors.New("evloop: only tcp/tcp4/tcp6 are supported")
	// ErrUnsupportedUDPProtocol occurs when trying to use an unsupported UDP protocol.
	ErrUnsupportedUDPProtocol = errors.New("evloop: only udp/udp4/udp6 are supported")
	// ErrUnsupportedUDSProtocol occurs when trying to use an unsupported Unix protocol.
	ErrUnsupportedUDSProtocol = errors.New("evloop: only unix is supported")
	// ErrInvalidWaterMarks occurs when the low water mark is set above the high one.
	ErrInvalidWaterMarks = errors.New("evloop: high water mark must not be below low water mark")
	// ErrInvalidReadBuffer occurs when a buffered protocol hands out an empty read buffer.
	ErrInvalidReadBuffer = errors.New("evloop: protocol returned an invalid read buffer")
	// ErrNegativeSize occurs when trying to pass a negative size to a buffer.
	ErrNegativeSize = errors.New("evloop: negative size is not allowed")
	// ErrInvalidCommand occurs when spawning a process with an empty argv.
	ErrInvalidCommand = errors.New("evloop: empty command line")
	// ErrReadOnlyTransport occurs when writing to the read end of a pipe.
	ErrReadOnlyTransport = errors.New("evloop: transport is read-only")
	// ErrProcessDone occurs when signaling a process that has already exited.
	ErrProcessDone = errors.New("evloop: process has already finished")
	// ErrResolverCanceled occurs when an address resolution is canceled while still queued.
	ErrResolverCanceled = errors.New("evloop: address resolution canceled")
	// ErrStaleHandle reports a poll event delivered for a file descriptor with
	// no live handle attached; the event is dropped.
	ErrStaleHandle = errors.New("evloop: poll event for dead handle")
)
