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
	"sync"

	"github.com/petermattis/goid"
)

// cpu is the per-CPU record. Except for the wake and pending channels,
// its fields are accessed only by code currently executing on the CPU,
// so they need no locking: execution on a CPU is serialized by the
// context hand-off.
type cpu struct {
	id int
	k  *Kernel

	// sched is the saved scheduler context; switching a thread out
	// hands the CPU back through it.
	sched *context

	// thread is the currently running thread, nil when idle.
	thread *Thread

	// lockCount is the scheduler-lock nesting level. The global
	// scheduler spinlock is held by this CPU iff lockCount > 0.
	lockCount int

	// irqSaveCount is the irqSave nesting level; irqFlags holds the
	// interrupt-enable state captured at the outermost irqSave.
	irqSaveCount int
	irqFlags     bool

	// irqOn is the simulated interrupt-enable flag.
	irqOn bool

	// isrNesting counts interrupt handlers active on this CPU.
	isrNesting int

	// spinHeld counts non-scheduler spinlocks held by this CPU.
	spinHeld int

	// wake is poked when a thread becomes runnable ("reschedule IPI").
	wake chan struct{}

	// pending carries raised but not yet taken interrupts.
	pending chan int

	// external marks a record standing in for an off-kernel caller
	// (another processor, a test goroutine); it never runs threads.
	external bool
}

// context is a saved execution context: a one-slot channel through
// which the CPU token is handed to whoever resumes it.
type context struct {
	ch chan *cpu
}

func newContext() *context {
	return &context{ch: make(chan *cpu, 1)}
}

// bindTable maps goroutine ids to the CPU they are executing on.
type bindTable struct {
	mu sync.RWMutex
	m  map[int64]*cpu
}

func (b *bindTable) bind(gid int64, c *cpu) {
	b.mu.Lock()
	b.m[gid] = c
	b.mu.Unlock()
}

func (b *bindTable) unbind(gid int64) {
	b.mu.Lock()
	delete(b.m, gid)
	b.mu.Unlock()
}

func (b *bindTable) get(gid int64) *cpu {
	b.mu.RLock()
	c := b.m[gid]
	b.mu.RUnlock()
	return c
}

// enter returns the CPU the calling goroutine is executing on.
// A goroutine outside the kernel gets a persistent external record:
// its operations behave like requests arriving from another processor.
func (k *Kernel) enter() *cpu {
	gid := goid.Get()
	if c := k.binds.get(gid); c != nil {
		return c
	}
	c := &cpu{
		id:       -1,
		k:        k,
		external: true,
		wake:     make(chan struct{}, 1),
		pending:  make(chan int, irqQueueDepth),
	}
	k.binds.bind(gid, c)
	return c
}

// cur returns the bound CPU, which must exist. Internal paths use it
// after enter (or a context switch) has established the binding.
func (k *Kernel) cur() *cpu {
	c := k.binds.get(goid.Get())
	if c == nil {
		panic("kernel: goroutine has no CPU binding")
	}
	return c
}

// contextSwitch hands the CPU to next and parks the caller on own.
// Returns the CPU the caller is resumed on, with the binding already
// re-established.
func (k *Kernel) contextSwitch(own, next *context, c *cpu) *cpu {
	k.binds.unbind(goid.Get())
	next.ch <- c
	nc := <-own.ch
	k.binds.bind(goid.Get(), nc)
	return nc
}

// irqSave disables interrupts on the CPU, capturing the previous
// enable state at the outermost call. Nestable.
func (c *cpu) irqSave() {
	if c.irqSaveCount == 0 {
		c.irqFlags = c.irqOn
		c.irqOn = false
	}
	c.irqSaveCount++
}

// irqRestore undoes one irqSave; the outermost call restores the
// captured enable state and services any interrupts that arrived.
func (c *cpu) irqRestore() {
	if c.irqSaveCount <= 0 {
		panic("kernel: IRQ state underflow")
	}
	c.irqSaveCount--
	if c.irqSaveCount == 0 && c.irqFlags {
		c.irqOn = true
		c.k.serviceIRQs(c)
	}
}

// irqEnable unconditionally enables interrupts on the CPU.
func (c *cpu) irqEnable() {
	c.irqOn = true
	c.k.serviceIRQs(c)
}

// IRQSave opens a nestable IRQ-disabled region on the current CPU.
func (k *Kernel) IRQSave() {
	k.enter().irqSave()
}

// IRQRestore closes the region opened by the matching IRQSave.
func (k *Kernel) IRQRestore() {
	k.cur().irqRestore()
}
