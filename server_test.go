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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/evloop/evloop/pkg/errors"
)

func TestServerPublishesBoundPort(t *testing.T) {
	l := startLoop(t)

	srv, err := l.CreateServer(func() Protocol { return newRecProto() }, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	// Port 0 asks the kernel to pick; Sockets must report the assigned port.
	require.NotEmpty(t, srv.Sockets())
	tcpAddr, ok := srv.Sockets()[0].(*net.TCPAddr)
	require.True(t, ok)
	assert.NotZero(t, tcpAddr.Port)
}

func TestServerBoundBeforeListen(t *testing.T) {
	l := startLoop(t)

	srv, err := l.CreateServer(func() Protocol { return newRecProto() }, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	// The socket is bound at creation so the port is already known, but no
	// connections are accepted until Listen.
	require.NotEmpty(t, srv.Sockets())
	assert.False(t, srv.Serving())

	require.NoError(t, srv.Listen())
	assert.True(t, srv.Serving())
	require.NoError(t, srv.Listen()) // idempotent
}

func TestServerListenAfterClose(t *testing.T) {
	l := startLoop(t)

	srv, err := l.CreateServer(func() Protocol { return newRecProto() }, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close()) // idempotent
	assert.ErrorIs(t, srv.Listen(), errorx.ErrServerClosed)
}

func TestServerWaitClosed(t *testing.T) {
	pair := dialPair(t, nil)
	srv := pair.server

	require.NoError(t, srv.Close())

	// The accepted connection is still open, so WaitClosed must not return.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	assert.ErrorIs(t, srv.WaitClosed(ctx), context.DeadlineExceeded)
	cancel()

	require.NoError(t, pair.ct.Close())
	assert.NoError(t, waitLost(t, pair.peer.lost))

	ctx, cancel = context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.NoError(t, srv.WaitClosed(ctx))
}

func TestServerCloseKeepsConnectionsAlive(t *testing.T) {
	pair := dialPair(t, nil)

	require.NoError(t, pair.server.Close())

	// The live connection keeps working after the listener shuts down.
	require.NoError(t, pair.ct.Write([]byte("still here")))
	require.Eventually(t, func() bool {
		return string(pair.peer.Bytes()) == "still here"
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, pair.ct.Close())
	assert.NoError(t, waitLost(t, pair.peer.lost))
}

func TestServeForeverStopsOnContextCancel(t *testing.T) {
	l := startLoop(t)

	srv, err := l.CreateServer(func() Protocol { return newRecProto() }, "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeForever(ctx) }()

	require.Eventually(t, srv.Serving, 3*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("ServeForever did not return after cancel")
	}
	assert.ErrorIs(t, srv.Listen(), errorx.ErrServerClosed)
}
