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
	"fmt"
	"sync/atomic"
	"time"
)

const (
	handlePending int32 = iota
	handleRan
	handleCancelled
)

// Handle is one pending callback scheduled on the loop via CallSoon. It can
// be cancelled until the moment it runs; cancelling it afterwards is a no-op.
type Handle struct {
	loop  *Loop
	cb    func()
	state int32
}

// Cancel suppresses the callback. Idempotent; a handle that already ran is
// left alone.
func (h *Handle) Cancel() {
	atomic.CompareAndSwapInt32(&h.state, handlePending, handleCancelled)
}

// Cancelled reports whether the handle was cancelled before it ran.
func (h *Handle) Cancelled() bool {
	return atomic.LoadInt32(&h.state) == handleCancelled
}

// run is the scheduler's exclusive entry point. A panic or error out of the
// callback goes to the loop exception handler, never into the scheduler.
func (h *Handle) run() {
	if !atomic.CompareAndSwapInt32(&h.state, handlePending, handleRan) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.loop.handleException(fmt.Errorf("evloop: callback panic: %v", r))
		}
	}()
	h.cb()
}

// TimerHandle is a Handle whose callback fires after a delay.
type TimerHandle struct {
	Handle
	timer *time.Timer
	when  time.Time
}

// Cancel stops the timer and suppresses the callback if it has not fired.
func (th *TimerHandle) Cancel() {
	th.timer.Stop()
	th.Handle.Cancel()
}

// When returns the scheduled fire time.
func (th *TimerHandle) When() time.Time {
	return th.when
}
