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

package evloop

import (
	"crypto/tls"
	"time"

	"github.com/evloop/evloop/pkg/logging"
)

// Option is a function that will set up option.
type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := new(Options)
	for _, option := range options {
		option(opts)
	}
	if opts.ReadBufferCap <= 0 {
		opts.ReadBufferCap = DefaultReadBufferCap
	}
	if opts.WriteBufferHighWaterMark <= 0 {
		opts.WriteBufferHighWaterMark = DefaultHighWaterMark
	}
	if opts.WriteBufferLowWaterMark <= 0 {
		opts.WriteBufferLowWaterMark = opts.WriteBufferHighWaterMark / 4
	}
	return opts
}

const (
	// DefaultReadBufferCap is the default capacity of the inbound scratch buffer.
	DefaultReadBufferCap = 64 * 1024
	// DefaultHighWaterMark is the default write-buffer size above which
	// PauseWriting fires.
	DefaultHighWaterMark = 64 * 1024
	// DefaultTLSHandshakeTimeout bounds the TLS handshake on upgraded
	// connections.
	DefaultTLSHandshakeTimeout = 60 * time.Second
	// DefaultTLSShutdownTimeout bounds the close_notify exchange.
	DefaultTLSShutdownTimeout = 30 * time.Second
)

// Options are configurations for a Loop and the transports it creates.
type Options struct {
	// LockOSThread determines whether the loop goroutine is locked to its OS
	// thread for the lifetime of Run.
	LockOSThread bool

	// ReadBufferCap is the capacity of the per-loop scratch buffer inbound
	// stream data is read into before delivery.
	ReadBufferCap int

	// WriteBufferHighWaterMark and WriteBufferLowWaterMark are the default
	// flow-control limits for new transports; SetWriteBufferLimits overrides
	// them per transport. Low defaults to a quarter of high.
	WriteBufferHighWaterMark int
	WriteBufferLowWaterMark  int

	// Backlog is the listen backlog for stream servers; zero picks the
	// system maximum.
	Backlog int

	// ReuseAddr sets SO_REUSEADDR on listening sockets.
	ReuseAddr bool

	// ReusePort sets SO_REUSEPORT on listening sockets.
	ReusePort bool

	// TCPNoDelay controls Nagle's algorithm on accepted and dialed TCP
	// connections; enabled by default is not assumed, set it explicitly.
	TCPNoDelay bool

	// TCPKeepAlive sets the keep-alive period on TCP connections.
	TCPKeepAlive time.Duration

	// SocketRecvBuffer sets SO_RCVBUF on sockets created by the loop.
	SocketRecvBuffer int

	// SocketSendBuffer sets SO_SNDBUF on sockets created by the loop.
	SocketSendBuffer int

	// TLSConfig, when set on a server, upgrades every accepted connection
	// before ConnectionMade is delivered.
	TLSConfig *tls.Config

	// TLSHandshakeTimeout and TLSShutdownTimeout bound the TLS handshake and
	// the close_notify exchange.
	TLSHandshakeTimeout time.Duration
	TLSShutdownTimeout  time.Duration

	// Logger is the customized logger for logging info, if it is not set,
	// then evloop will use the default logger powered by zap.
	Logger logging.Logger

	// LogPath is the local path where logs will be written, this is the easy
	// way to set up logging, evloop instantiates a default uber-go/zap logger
	// with this log path, otherwise one should use Logger.
	LogPath string

	// LogLevel indicates the logging level, it should be used along with LogPath.
	LogLevel logging.Level
}

// WithOptions sets up all options.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithLockOSThread sets up LockOSThread mode for the loop goroutine.
func WithLockOSThread(lockOSThread bool) Option {
	return func(opts *Options) {
		opts.LockOSThread = lockOSThread
	}
}

// WithReadBufferCap sets up ReadBufferCap for the inbound scratch buffer.
func WithReadBufferCap(readBufferCap int) Option {
	return func(opts *Options) {
		opts.ReadBufferCap = readBufferCap
	}
}

// WithWriteBufferLimits sets up the default flow-control water marks.
func WithWriteBufferLimits(high, low int) Option {
	return func(opts *Options) {
		opts.WriteBufferHighWaterMark = high
		opts.WriteBufferLowWaterMark = low
	}
}

// WithBacklog sets up the listen backlog.
func WithBacklog(backlog int) Option {
	return func(opts *Options) {
		opts.Backlog = backlog
	}
}

// WithReuseAddr sets up SO_REUSEADDR.
func WithReuseAddr(reuseAddr bool) Option {
	return func(opts *Options) {
		opts.ReuseAddr = reuseAddr
	}
}

// WithReusePort sets up SO_REUSEPORT.
func WithReusePort(reusePort bool) Option {
	return func(opts *Options) {
		opts.ReusePort = reusePort
	}
}

// WithTCPNoDelay enables TCP_NODELAY on stream sockets.
func WithTCPNoDelay(noDelay bool) Option {
	return func(opts *Options) {
		opts.TCPNoDelay = noDelay
	}
}

// WithTCPKeepAlive sets up the keep-alive period for TCP connections.
func WithTCPKeepAlive(d time.Duration) Option {
	return func(opts *Options) {
		opts.TCPKeepAlive = d
	}
}

// WithSocketRecvBuffer sets the maximum socket receive buffer in bytes.
func WithSocketRecvBuffer(recvBuf int) Option {
	return func(opts *Options) {
		opts.SocketRecvBuffer = recvBuf
	}
}

// WithSocketSendBuffer sets the maximum socket send buffer in bytes.
func WithSocketSendBuffer(sendBuf int) Option {
	return func(opts *Options) {
		opts.SocketSendBuffer = sendBuf
	}
}

// WithTLSConfig sets up TLS upgrading of accepted connections.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(opts *Options) {
		opts.TLSConfig = cfg
	}
}

// WithTLSTimeouts bounds the TLS handshake and shutdown exchanges.
func WithTLSTimeouts(handshake, shutdown time.Duration) Option {
	return func(opts *Options) {
		opts.TLSHandshakeTimeout = handshake
		opts.TLSShutdownTimeout = shutdown
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithLogPath sets up the local path of log file.
func WithLogPath(fileName string) Option {
	return func(opts *Options) {
		opts.LogPath = fileName
	}
}

// WithLogLevel sets up the logging level.
func WithLogLevel(lvl logging.Level) Option {
	return func(opts *Options) {
		opts.LogLevel = lvl
	}
}
