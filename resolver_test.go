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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverLiteralAddress(t *testing.T) {
	l := startLoop(t)

	fut, err := l.Resolver().Getaddrinfo(context.Background(), "tcp", "127.0.0.1:8080")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	addrs, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "127.0.0.1:8080", addrs[0])
}

func TestResolverLocalhost(t *testing.T) {
	l := startLoop(t)

	fut, err := l.Resolver().Getaddrinfo(context.Background(), "tcp", "localhost:80")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addrs, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, addrs)
	for _, a := range addrs {
		assert.Contains(t, []string{"127.0.0.1:80", "[::1]:80"}, a)
	}
}

func TestResolverUnixPassthrough(t *testing.T) {
	l := startLoop(t)

	fut, err := l.Resolver().Getaddrinfo(context.Background(), "unix", "/tmp/some.sock")
	require.NoError(t, err)

	addrs, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/tmp/some.sock"}, addrs)
}

func TestResolverCancelAfterDone(t *testing.T) {
	l := startLoop(t)

	fut, err := l.Resolver().Getaddrinfo(context.Background(), "tcp", "127.0.0.1:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = fut.Wait(ctx)
	require.NoError(t, err)

	// Cancel is best effort and only lands while the request is queued.
	assert.False(t, fut.Cancel())
}

func TestResolverBadAddress(t *testing.T) {
	l := startLoop(t)

	_, err := l.Resolver().Getaddrinfo(context.Background(), "tcp", "no-port-here")
	assert.Error(t, err)
}
