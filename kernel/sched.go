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
	"sync/atomic"

	"github.com/petermattis/goid"

	"github.com/argentum-os/kcore/container/ilist"
)

// schedLock acquires the global scheduler spinlock, nestable per CPU.
func (k *Kernel) schedLock() {
	c := k.enter()
	if c.lockCount == 0 {
		k.schedSpin.acquireOn(c)
	}
	c.lockCount++
}

// schedUnlock undoes one schedLock.
func (k *Kernel) schedUnlock() {
	c := k.cur()
	if c.lockCount <= 0 {
		panic("kernel: scheduler lock underflow")
	}
	c.lockCount--
	if c.lockCount == 0 {
		k.schedSpin.releaseOn(c)
	}
}

func (k *Kernel) schedHeld(c *cpu) bool {
	return c.lockCount > 0
}

// schedEnqueue adds t to the run queue of its priority and pokes idle
// CPUs. Caller holds the scheduler lock.
func (k *Kernel) schedEnqueue(t *Thread) {
	t.state = StateReady
	k.runq[t.priority].PushBack(&t.link)
	k.pokeIdle()
}

// schedDequeue retrieves the highest-priority ready thread, or nil.
// Caller holds the scheduler lock.
func (k *Kernel) schedDequeue() *Thread {
	for i := range k.runq {
		if e := k.runq[i].PopFront(); e != nil {
			return e.Elem()
		}
	}
	return nil
}

func (k *Kernel) pokeIdle() {
	for _, c := range k.cpus {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// yieldLocked switches from the current thread back into the scheduler
// loop. The scheduler lock is held and stays held, conceptually, across
// the switch: the CPU this goroutine resumes on holds it too. The IRQ
// nesting state travels with the thread.
//
// The caller must have enqueued the thread beforehand if it should run
// again.
func (k *Kernel) yieldLocked() {
	c := k.cur()
	t := c.thread
	if t == nil {
		panic("kernel: yield without current thread")
	}
	if !k.schedHeld(c) {
		panic("kernel: yield without scheduler lock")
	}
	if c.spinHeld > 0 {
		panic("kernel: yield while holding a spinlock")
	}

	savedCount, savedFlags := c.irqSaveCount, c.irqFlags
	nc := k.contextSwitch(t.ctx, c.sched, c)
	nc.irqSaveCount, nc.irqFlags = savedCount, savedFlags
}

// mayYield checks whether the thread that just became runnable should
// preempt the thread running on this CPU. Inside an interrupt handler,
// or while a primitive spinlock is held, the preemption is deferred.
// Caller holds the scheduler lock.
func (k *Kernel) mayYield(candidate *Thread) {
	c := k.cur()
	cur := c.thread
	if cur == nil || candidate.priority >= cur.priority {
		return
	}
	if c.isrNesting > 0 || c.spinHeld > 0 {
		// Delayed until the last IRQHandlerEnd or spinlock release.
		cur.flags |= flagResched
		return
	}
	k.schedEnqueue(cur)
	k.yieldLocked()
}

// maybeDeferredResched honors a preemption that was deferred because a
// primitive spinlock was held. Called right after the CPU released its
// last one.
func (k *Kernel) maybeDeferredResched(c *cpu) {
	t := c.thread
	if t == nil || t.flags&flagResched == 0 || c.isrNesting > 0 || c.lockCount > 0 {
		return
	}
	k.schedLock()
	if t.flags&flagResched != 0 {
		t.flags &^= flagResched
		k.schedEnqueue(t)
		k.yieldLocked()
	}
	k.schedUnlock()
}

// wakeupOneLocked removes the highest-priority thread from the sleep
// queue (FIFO among equals), stores the sleep result, and makes it
// runnable. Returns the thread, or nil if the queue was empty. The
// caller decides about preemption. Caller holds the scheduler lock.
func (k *Kernel) wakeupOneLocked(q *ilist.List[*Thread], result error) *Thread {
	var highest *Thread
	for e := q.Front(); e != nil; e = e.Next() {
		t := e.Elem()
		if highest == nil || t.priority < highest.priority {
			highest = t
		}
	}
	if highest == nil {
		return nil
	}
	q.Remove(&highest.link)
	highest.sleepResult = result
	k.schedEnqueue(highest)
	return highest
}

// wakeupAllLocked wakes every thread on the queue in FIFO order.
// Caller holds the scheduler lock.
func (k *Kernel) wakeupAllLocked(q *ilist.List[*Thread], result error) {
	for {
		e := q.PopFront()
		if e == nil {
			return
		}
		t := e.Elem()
		t.sleepResult = result
		k.schedEnqueue(t)
		k.mayYield(t)
	}
}

// wakeupOne is the lock-taking wrapper used by primitives that hold
// only their own spinlock.
func (k *Kernel) wakeupOne(q *ilist.List[*Thread], result error) {
	k.schedLock()
	if t := k.wakeupOneLocked(q, result); t != nil {
		k.mayYield(t)
	}
	k.schedUnlock()
}

func (k *Kernel) wakeupAll(q *ilist.List[*Thread], result error) {
	k.schedLock()
	k.wakeupAllLocked(q, result)
	k.schedUnlock()
}

// sleep blocks the current thread on q.
//
// If userLock is non-nil, the scheduler lock is acquired before the
// user lock is released, so a waker holding the user lock cannot miss
// this thread: by the time it can take the scheduler lock, the thread
// is on the queue. If userLock is nil the caller must already hold the
// scheduler lock.
//
// A positive timeout arms the thread's sleep timer. The return value
// is the sleep result posted by the waker: nil for a normal wakeup,
// ErrTimedOut for timer expiry, ErrInvalid if the queue was destroyed.
func (k *Kernel) sleep(q *ilist.List[*Thread], timeout int64, userLock *SpinLock) error {
	c := k.cur()
	t := c.thread
	if t == nil {
		panic("kernel: sleep without current thread")
	}

	if userLock != nil {
		k.schedLock()
		userLock.releaseOn(c)
	}
	if !k.schedHeld(c) {
		panic("kernel: sleep without scheduler lock")
	}

	if timeout > 0 {
		t.sleepTimer.remain = timeout
		k.timerStartLocked(&t.sleepTimer)
	}

	t.sleepResult = nil
	t.state = StateSleeping
	if q != nil {
		q.PushBack(&t.link)
	}

	k.yieldLocked()

	c = k.cur()
	if timeout > 0 {
		k.timerStopLocked(&t.sleepTimer)
	}

	if userLock != nil {
		k.schedUnlock()
		userLock.acquireOn(c)
	}

	return t.sleepResult
}

// schedLoop is the per-CPU scheduler main loop; it runs on its own
// goroutine and returns only at shutdown.
func (k *Kernel) schedLoop(c *cpu) {
	defer k.wg.Done()
	k.binds.bind(goid.Get(), c)
	k.schedLock()

	for {
		next := k.schedDequeue()
		if next != nil {
			next.state = StateRunning
			c.thread = next
			if k.prepareSwitch != nil {
				k.prepareSwitch(next)
			}
			if !next.started {
				next.started = true
				go k.trampoline(next)
			}
			k.contextSwitch(c.sched, next.ctx, c)

			c.thread = nil
			if k.finishSwitch != nil {
				k.finishSwitch(next)
			}

			if next.state == StateDestroyed {
				next.state = StateNone
				// Free the stack and descriptor with the scheduler
				// lock released.
				k.schedUnlock()
				k.reapThread(next)
				k.schedLock()
			}
			continue
		}

		k.schedUnlock()
		if atomic.LoadUint32(&k.stopped) == 1 {
			k.binds.unbind(goid.Get())
			return
		}
		// Idle: enable interrupts and wait for one (or for a poke).
		c.irqEnable()
		select {
		case <-c.wake:
		case irq := <-c.pending:
			k.dispatchOn(c, irq)
		}
		k.schedLock()
	}
}

// IRQHandlerBegin notifies the scheduler that interrupt handling has
// started on the current CPU.
func (k *Kernel) IRQHandlerBegin() {
	k.enter().isrNesting++
}

// IRQHandlerEnd notifies the scheduler that interrupt handling is
// finished. When the outermost handler exits and the interrupted
// thread was marked for rescheduling, it yields here.
func (k *Kernel) IRQHandlerEnd() {
	k.schedLock()

	c := k.cur()
	if c.isrNesting <= 0 {
		panic("kernel: IRQ handler nesting underflow")
	}
	c.isrNesting--

	if c.isrNesting == 0 && c.spinHeld == 0 {
		if t := c.thread; t != nil && t.flags&flagResched != 0 {
			t.flags &^= flagResched
			k.schedEnqueue(t)
			k.yieldLocked()
		}
	}

	k.schedUnlock()
}
