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
	"strings"
	"sync/atomic"
)

const nCallerPCs = 10

// SpinLock provides mutual exclusion between CPUs. Acquiring disables
// interrupts on the acquiring CPU, so a spinlock may protect data that
// interrupt handlers touch. Holding times must be short; the holder
// never blocks.
//
// Acquiring a lock this CPU already holds, or releasing one it does
// not, is a fatal error.
type SpinLock struct {
	k      *Kernel
	locked uint32
	owner  atomic.Pointer[cpu]
	name   string

	// pcs records the call stack of the last acquire, reported when a
	// double acquire is detected.
	pcs [nCallerPCs]uintptr
}

// NewSpinLock allocates and initializes a spinlock.
func (k *Kernel) NewSpinLock(name string) *SpinLock {
	l := &SpinLock{}
	l.Init(k, name)
	return l
}

// Init initializes a statically allocated spinlock.
func (l *SpinLock) Init(k *Kernel, name string) {
	l.k = k
	l.name = name
	l.locked = 0
	l.owner.Store(nil)
}

// Acquire takes the lock, disabling interrupts on this CPU first.
func (l *SpinLock) Acquire() {
	l.acquireOn(l.k.enter())
}

// Release drops the lock and restores the interrupt state saved by
// Acquire.
func (l *SpinLock) Release() {
	l.releaseOn(l.k.cur())
}

// Holding reports whether the current CPU holds the lock.
func (l *SpinLock) Holding() bool {
	c := l.k.enter()
	c.irqSave()
	r := l.holding(c)
	c.irqRestore()
	return r
}

func (l *SpinLock) acquireOn(c *cpu) {
	// Disable interrupts to avoid deadlock with handlers on this CPU.
	c.irqSave()

	if l.holding(c) {
		panic(fmt.Sprintf("kernel: CPU %d already holding %s, acquired at:\n%s",
			c.id, l.name, l.callerPCs()))
	}

	for !atomic.CompareAndSwapUint32(&l.locked, 0, 1) {
		runtime.Gosched()
	}

	l.owner.Store(c)
	l.savePCs()
	if l != &l.k.schedSpin {
		c.spinHeld++
	}
}

func (l *SpinLock) releaseOn(c *cpu) {
	if !l.holding(c) {
		panic(fmt.Sprintf("kernel: CPU %d cannot release %s: not the holder", c.id, l.name))
	}

	l.owner.Store(nil)
	l.pcs[0] = 0
	atomic.StoreUint32(&l.locked, 0)

	userUnlocked := false
	if l != &l.k.schedSpin {
		c.spinHeld--
		userUnlocked = c.spinHeld == 0
	}

	c.irqRestore()

	// A preemption requested while this lock was held was deferred;
	// honor it now that the last primitive lock is gone.
	if userUnlocked {
		l.k.maybeDeferredResched(c)
	}
}

func (l *SpinLock) holding(c *cpu) bool {
	return atomic.LoadUint32(&l.locked) == 1 && l.owner.Load() == c
}

func (l *SpinLock) savePCs() {
	n := runtime.Callers(3, l.pcs[:])
	for i := n; i < nCallerPCs; i++ {
		l.pcs[i] = 0
	}
}

func (l *SpinLock) callerPCs() string {
	var pcs []uintptr
	for _, pc := range l.pcs {
		if pc == 0 {
			break
		}
		pcs = append(pcs, pc)
	}
	if len(pcs) == 0 {
		return "  (no recorded callers)"
	}
	var sb strings.Builder
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		fmt.Fprintf(&sb, "  [%#x] %s (%s:%d)\n", f.PC, f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return sb.String()
}
