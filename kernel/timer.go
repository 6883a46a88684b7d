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

// timer is a single-shot tick timer. All timers live on one global
// pending list protected by the scheduler lock; the periodic tick
// decrements them and fires callbacks synchronously under the lock.
// Callbacks must be bounded and non-blocking.
type timer struct {
	link   ilist.Entry[*timer]
	remain int64
	fn     func()
	active bool
}

func (tm *timer) init(fn func()) {
	tm.link.Bind(tm)
	tm.fn = fn
	tm.active = false
	tm.remain = 0
}

// timerStartLocked arms tm with its current remain value.
// Caller holds the scheduler lock.
func (k *Kernel) timerStartLocked(tm *timer) {
	if tm.active {
		return
	}
	tm.active = true
	k.timers.PushBack(&tm.link)
}

// timerStopLocked disarms tm if armed. Caller holds the scheduler lock.
func (k *Kernel) timerStopLocked(tm *timer) {
	if !tm.active {
		return
	}
	tm.active = false
	k.timers.Remove(&tm.link)
}

// Tick advances kernel time by one tick: every pending timer is
// decremented, and those that reach zero are disarmed and fired, still
// under the scheduler lock. Drive it from the platform timer interrupt
// (see StartClock) or directly in tests.
func (k *Kernel) Tick() {
	k.schedLock()
	// Collect first: a callback may preempt this thread, and whatever
	// runs meanwhile is free to mutate the pending list.
	var fired []*timer
	e := k.timers.Front()
	for e != nil {
		next := e.Next()
		tm := e.Elem()
		tm.remain--
		if tm.remain <= 0 {
			tm.active = false
			k.timers.Remove(e)
			fired = append(fired, tm)
		}
		e = next
	}
	for _, tm := range fired {
		tm.fn()
	}
	k.schedUnlock()
}

// ticks converts a timeout to clock ticks. Non-positive durations mean
// "wait forever" and convert to zero; positive durations round up to
// at least one tick.
func (k *Kernel) ticks(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	t := (int64(d)*int64(k.tickHz) + int64(time.Second) - 1) / int64(time.Second)
	if t < 1 {
		t = 1
	}
	return t
}
