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
	"context"
	"net"
	"sync/atomic"

	errorx "github.com/evloop/evloop/pkg/errors"
)

// Resolver runs blocking address resolution on the loop's worker pool so the
// loop goroutine never stalls on DNS.
type Resolver struct {
	loop *Loop
}

const (
	resolveQueued int32 = iota
	resolveRunning
	resolveDone
	resolveCanceled
)

// ResolveFuture is the pending result of a Getaddrinfo call. Cancellation is
// best-effort: it only succeeds while the lookup is still queued. Once a
// worker has picked it up, the lookup runs to completion and the result is
// discarded; callers must tolerate that latency.
type ResolveFuture struct {
	state int32
	done  chan struct{}
	addrs []string
	err   error
}

// Cancel tries to cancel the lookup; it reports whether it succeeded. A
// cancelled future resolves with ErrResolverCanceled.
func (f *ResolveFuture) Cancel() bool {
	if atomic.CompareAndSwapInt32(&f.state, resolveQueued, resolveCanceled) {
		f.err = errorx.ErrResolverCanceled
		close(f.done)
		return true
	}
	return false
}

// Wait blocks until the lookup resolves or ctx expires, returning the
// candidate addresses in "host:port" form.
func (f *ResolveFuture) Wait(ctx context.Context) ([]string, error) {
	select {
	case <-f.done:
		return f.addrs, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Getaddrinfo resolves address for network on the worker pool. For "unix"
// the address is returned as-is; for TCP/UDP networks the host part is
// resolved and one candidate per IP is produced.
func (r *Resolver) Getaddrinfo(ctx context.Context, network, address string) (*ResolveFuture, error) {
	f := &ResolveFuture{done: make(chan struct{})}
	if network == "unix" {
		f.addrs = []string{address}
		atomic.StoreInt32(&f.state, resolveDone)
		close(f.done)
		return f, nil
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if err = r.loop.workerPool.Submit(func() {
		if !atomic.CompareAndSwapInt32(&f.state, resolveQueued, resolveRunning) {
			return
		}
		ips, lookupErr := net.DefaultResolver.LookupIPAddr(ctx, host)
		if lookupErr != nil {
			f.err = lookupErr
		} else {
			for _, ip := range ips {
				f.addrs = append(f.addrs, net.JoinHostPort(ip.String(), port))
			}
		}
		atomic.StoreInt32(&f.state, resolveDone)
		close(f.done)
	}); err != nil {
		return nil, err
	}
	return f, nil
}

// resolve is the synchronous convenience used by the dial paths.
func (r *Resolver) resolve(ctx context.Context, network, address string) ([]string, error) {
	f, err := r.Getaddrinfo(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}
