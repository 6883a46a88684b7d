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
	"fmt"
	"runtime"
	"time"

	"github.com/petermattis/goid"

	"github.com/argentum-os/kcore/container/ilist"
)

// State is a thread lifecycle state. Only the scheduler moves a thread
// to or from StateRunning.
type State int32

const (
	StateNone State = iota
	StateSuspended
	StateReady
	StateRunning
	StateSleeping
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateSuspended:
		return "suspended"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

const (
	// flagResched asks for a reschedule at the next opportunity: the
	// outermost IRQHandlerEnd or the release of the last primitive
	// spinlock.
	flagResched uint32 = 1 << iota
)

const threadTag uint32 = 0x54485244

// kstackPages is the kernel stack size of one thread, in pages.
const kstackPages = 1

// Thread is a schedulable flow of control with its own kernel stack
// and saved context.
type Thread struct {
	k   *Kernel
	typ uint32
	id  int64

	entry func()

	state State
	flags uint32

	// priority is the effective scheduling priority; smaller is
	// higher. It equals basePriority unless raised by mutex priority
	// inheritance.
	priority     int
	basePriority int

	kstack []byte
	ctx    *context

	// started reports whether the backing goroutine exists; it is
	// created on first dispatch.
	started bool

	// link puts the thread on exactly one ready queue or sleep queue
	// at a time.
	link ilist.Entry[*Thread]

	// sleepResult is posted by whoever ends the current sleep.
	sleepResult error

	// sleepTimer bounds timed sleeps; armed lazily.
	sleepTimer timer

	// ownedMutexes and blockedOn form the back-reference forest used
	// to recompute inherited priorities.
	ownedMutexes ilist.List[*Mutex]
	blockedOn    *Mutex
}

// NewThread creates a kernel thread that will run fn at the given
// priority. The thread starts suspended; call Resume to make it
// runnable.
func (k *Kernel) NewThread(fn func(), priority int) (*Thread, error) {
	if fn == nil || priority < 0 || priority >= k.maxPri {
		return nil, ErrInvalid
	}

	t := k.threadPool.Get()
	stack := k.stacks.AllocPages(kstackPages)
	if stack == nil {
		k.threadPool.Put(t)
		return nil, ErrNoMem
	}

	t.id = k.nextThreadID.Add(1)
	t.entry = fn
	t.state = StateSuspended
	t.flags = 0
	t.priority = priority
	t.basePriority = priority
	t.kstack = stack
	t.ctx = newContext()
	t.started = false
	t.sleepResult = nil
	t.blockedOn = nil
	t.sleepTimer.init(func() { k.sleepTimeout(t) })

	k.log.Debug().Int64("thread", t.id).Int("priority", priority).Msg("thread created")
	return t, nil
}

// Resume makes a suspended thread runnable, possibly preempting the
// current thread. Resuming a thread in any other state returns
// ErrInvalid with no side effects.
func (t *Thread) Resume() error {
	t.check()
	k := t.k

	k.schedLock()
	if t.state != StateSuspended {
		k.schedUnlock()
		return ErrInvalid
	}
	k.schedEnqueue(t)
	k.mayYield(t)
	k.schedUnlock()
	return nil
}

// Priority returns the thread's effective priority.
func (t *Thread) Priority() int {
	t.check()
	t.k.schedLock()
	p := t.priority
	t.k.schedUnlock()
	return p
}

// State returns the thread's lifecycle state.
func (t *Thread) State() State {
	t.check()
	t.k.schedLock()
	s := t.state
	t.k.schedUnlock()
	return s
}

func (t *Thread) check() {
	if t == nil || t.typ != threadTag {
		panic("kernel: bad thread pointer")
	}
}

// Current returns the thread running on the current CPU, or nil.
func (k *Kernel) Current() *Thread {
	c := k.enter()
	c.irqSave()
	t := c.thread
	c.irqRestore()
	return t
}

// Yield gives up the CPU, allowing another ready thread of the same or
// higher priority to run.
func (k *Kernel) Yield() {
	c := k.enter()
	t := c.thread
	if t == nil {
		panic("kernel: yield outside a kernel thread")
	}
	k.schedLock()
	k.schedEnqueue(t)
	k.yieldLocked()
	k.schedUnlock()
}

// Sleep blocks the current thread for at least d. It does not consume
// wakeups from any queue; only the tick clock ends it.
func (k *Kernel) Sleep(d time.Duration) {
	c := k.enter()
	if c.thread == nil {
		panic("kernel: sleep outside a kernel thread")
	}
	ticks := k.ticks(d)
	if ticks <= 0 {
		return
	}
	k.schedLock()
	k.sleep(nil, ticks, nil)
	k.schedUnlock()
}

// Exit terminates the current thread. Does not return: the scheduler
// reclaims the stack and descriptor. The trampoline calls it when the
// entry function returns; calling it directly inside the entry is also
// fine.
func (k *Kernel) Exit() {
	c := k.enter()
	t := c.thread
	if t == nil {
		panic("kernel: exit outside a kernel thread")
	}
	if c.spinHeld > 0 {
		panic("kernel: exit while holding a spinlock")
	}

	k.schedLock()
	k.timerStopLocked(&t.sleepTimer)
	t.state = StateDestroyed
	k.log.Debug().Int64("thread", t.id).Msg("thread exit")

	// Hand the CPU back to the scheduler and end the goroutine; this
	// context is never resumed.
	k.binds.unbind(goid.Get())
	c.sched.ch <- c
	runtime.Goexit()
}

// trampoline is the first code of every thread. It inherits the
// scheduler lock from the dispatching scheduler loop.
func (k *Kernel) trampoline(t *Thread) {
	c := <-t.ctx.ch
	k.binds.bind(goid.Get(), c)

	defer func() {
		if r := recover(); r != nil {
			k.log.Error().Int64("thread", t.id).Interface("panic", r).Msg("kernel thread panicked")
			panic(fmt.Sprintf("kernel: thread %d panicked: %v", t.id, r))
		}
	}()

	k.schedUnlock()
	k.cur().irqEnable()

	t.entry()

	k.Exit()
}

// reapThread frees the resources of a destroyed thread. Called from
// the scheduler loop with the scheduler lock released.
func (k *Kernel) reapThread(t *Thread) {
	k.log.Debug().Int64("thread", t.id).Msg("thread reaped")
	k.stacks.Free(t.kstack)
	t.kstack = nil
	t.entry = nil
	k.threadPool.Put(t)
}

// sleepTimeout is the sleep-timer callback: if the thread is still
// sleeping, pull it off its queue and make it runnable with
// ErrTimedOut. Runs under the scheduler lock, from Tick.
func (k *Kernel) sleepTimeout(t *Thread) {
	if t.state != StateSleeping {
		return
	}
	t.sleepResult = ErrTimedOut
	if l := t.link.List(); l != nil {
		l.Remove(&t.link)
	}
	k.schedEnqueue(t)
	k.mayYield(t)
}
