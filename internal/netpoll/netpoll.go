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

// Package netpoll provides the event-notification facility the loop is built
// on. The backend is OS-specific: epoll on Linux, kqueue on *BSD/Darwin.
//
// A PollAttachment pairs a file descriptor with its event callback; it is the
// user-data pointer handed to the OS facility, and the poller hands it back
// verbatim on every event. The Poller also carries two task queues (urgent and
// ordinary) drained on its own goroutine after a wakeup, which is the only way
// other goroutines may run code on the poll goroutine.
package netpoll

import "sync"

// IOEvent is a backend-neutral bitmask of I/O readiness events.
type IOEvent uint32

const (
	// EventRead indicates the descriptor is readable.
	EventRead IOEvent = 1 << iota
	// EventWrite indicates the descriptor is writable.
	EventWrite
	// EventErr indicates an error condition on the descriptor.
	EventErr
	// EventHup indicates the peer closed its end.
	EventHup
)

// IsReadEvent reports whether ev carries readability.
func IsReadEvent(ev IOEvent) bool { return ev&EventRead != 0 }

// IsWriteEvent reports whether ev carries writability.
func IsWriteEvent(ev IOEvent) bool { return ev&EventWrite != 0 }

// IsErrorEvent reports whether ev carries an error or hangup condition.
func IsErrorEvent(ev IOEvent) bool { return ev&(EventErr|EventHup) != 0 }

// PollEventHandler is invoked on the poll goroutine for every event on a
// registered descriptor.
type PollEventHandler func(fd int, ev IOEvent) error

// PollAttachment is the user data registered with the poller for one
// file descriptor.
type PollAttachment struct {
	FD       int
	Callback PollEventHandler
}

var pollAttachmentPool = sync.Pool{New: func() interface{} { return new(PollAttachment) }}

// GetPollAttachment attempts to get a cached PollAttachment from pool.
func GetPollAttachment() *PollAttachment {
	return pollAttachmentPool.Get().(*PollAttachment)
}

// PutPollAttachment puts an unused PollAttachment back to pool.
func PutPollAttachment(pa *PollAttachment) {
	if pa == nil {
		return
	}
	pa.FD, pa.Callback = 0, nil
	pollAttachmentPool.Put(pa)
}

const (
	// InitPollEventsCap represents the initial capacity of poller event-list.
	InitPollEventsCap = 128
	// MaxAsyncTasksAtOneTime is the maximum amount of asynchronous tasks that
	// the poll goroutine will process at one time.
	MaxAsyncTasksAtOneTime = 256
)
