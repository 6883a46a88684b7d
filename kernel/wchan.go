/*
 * Copyright 2025 Argentum Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package kernel

import (
	"time"

	"github.com/argentum-os/kcore/container/ilist"
)

// WaitChannel is a bare sleep queue: threads block on it until some
// event wakes them. The higher-level primitives are built on the same
// mechanism; WaitChannel exposes it directly for ad-hoc events.
type WaitChannel struct {
	k *Kernel
	q ilist.List[*Thread]
}

// NewWaitChannel allocates and initializes a wait channel.
func (k *Kernel) NewWaitChannel() *WaitChannel {
	wc := &WaitChannel{}
	wc.Init(k)
	return wc
}

// Init initializes a statically allocated wait channel.
func (wc *WaitChannel) Init(k *Kernel) {
	wc.k = k
	wc.q = ilist.List[*Thread]{}
}

// Sleep blocks the current thread on the channel. If lock is non-nil
// it is released atomically with respect to wakeups and reacquired
// before returning.
func (wc *WaitChannel) Sleep(lock *SpinLock) error {
	return wc.SleepTimed(lock, 0)
}

// SleepTimed is Sleep with a timeout; non-positive means wait forever.
func (wc *WaitChannel) SleepTimed(lock *SpinLock, timeout time.Duration) error {
	k := wc.k
	if lock == nil {
		k.schedLock()
		defer k.schedUnlock()
	}
	return k.sleep(&wc.q, k.ticks(timeout), lock)
}

// WakeupOne wakes the highest-priority sleeper, FIFO among equals.
func (wc *WaitChannel) WakeupOne() {
	wc.k.wakeupOne(&wc.q, nil)
}

// WakeupAll wakes every sleeper in FIFO order.
func (wc *WaitChannel) WakeupAll() {
	wc.k.wakeupAll(&wc.q, nil)
}
