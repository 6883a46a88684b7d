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
	"sync"
	"time"
)

// MaxIRQ is the number of interrupt lines of the simulated controller.
const MaxIRQ = 64

// IRQTimer is the line reserved for the tick clock; its handler is
// attached by the kernel itself and drives Tick.
const IRQTimer = 0

const irqQueueDepth = 256

// Handler services an interrupt. The return value reports whether the
// line should be unmasked again; a threaded handler returns false from
// its notify stub and unmasks after the real work is done.
type Handler func(irq int) bool

// irqController is the simulated interrupt controller. Raised IRQs
// queue per CPU and are taken at interruptible points: the idle loop,
// the outermost IRQRestore that re-enables interrupts, and
// ServiceInterrupts.
type irqController struct {
	mu       sync.Mutex
	handlers [MaxIRQ]Handler
	masked   [MaxIRQ]bool
	deferred [MaxIRQ]bool // raised while masked, delivered on unmask
}

// Attach registers a raw handler for the line and unmasks it.
// Attaching to a line that already has a handler is fatal.
func (k *Kernel) Attach(irq int, h Handler) {
	if irq < 0 || irq >= MaxIRQ || h == nil {
		panic(fmt.Sprintf("kernel: invalid interrupt attach (irq %d)", irq))
	}
	ic := &k.irqc
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.handlers[irq] != nil {
		panic(fmt.Sprintf("kernel: interrupt handler %d already attached", irq))
	}
	ic.handlers[irq] = h
	ic.masked[irq] = false
}

// AttachThread registers a threaded handler: the line's raw handler
// only signals a semaphore, and a dedicated highest-priority kernel
// thread runs h in thread context. The line stays masked until h
// finishes and returns true.
func (k *Kernel) AttachThread(irq int, h Handler) error {
	sem, err := k.NewSemaphore(0)
	if err != nil {
		return err
	}
	t, err := k.NewThread(func() {
		for {
			if err := sem.Get(0); err != nil {
				panic(fmt.Sprintf("kernel: IRQ %d thread: %v", irq, err))
			}
			if h(irq) {
				k.Unmask(irq)
			}
		}
	}, 0)
	if err != nil {
		sem.Destroy()
		return err
	}

	k.Attach(irq, func(int) bool {
		sem.Put()
		// The handler thread re-enables the line when it is done.
		return false
	})

	return t.Resume()
}

// RaiseIRQ asserts an interrupt line towards the given CPU, like a
// device would. Delivery happens at the CPU's next interruptible
// point.
func (k *Kernel) RaiseIRQ(cpuID, irq int) {
	if cpuID < 0 || cpuID >= len(k.cpus) || irq < 0 || irq >= MaxIRQ {
		panic(fmt.Sprintf("kernel: invalid IRQ raise (cpu %d, irq %d)", cpuID, irq))
	}
	select {
	case k.cpus[cpuID].pending <- irq:
	default:
		k.log.Warn().Int("cpu", cpuID).Int("irq", irq).Msg("IRQ queue overflow, dropped")
	}
}

// Unmask re-enables an interrupt line, redelivering an interrupt that
// was raised while it was masked.
func (k *Kernel) Unmask(irq int) {
	ic := &k.irqc
	ic.mu.Lock()
	ic.masked[irq] = false
	redeliver := ic.deferred[irq]
	ic.deferred[irq] = false
	ic.mu.Unlock()
	if redeliver {
		k.RaiseIRQ(0, irq)
	}
}

// Mask disables an interrupt line.
func (k *Kernel) Mask(irq int) {
	ic := &k.irqc
	ic.mu.Lock()
	ic.masked[irq] = true
	ic.mu.Unlock()
}

// InterruptDispatch runs the handler for irq in interrupt context on
// the calling CPU, the simulation's equivalent of taking a trap. The
// line is masked for the duration and unmasked again if the handler
// says so. Preemption requested by the handler happens at the
// enclosing IRQHandlerEnd.
func (k *Kernel) InterruptDispatch(irq int) {
	c := k.enter()
	k.dispatchOn(c, irq)
}

func (k *Kernel) dispatchOn(c *cpu, irq int) {
	ic := &k.irqc
	ic.mu.Lock()
	if ic.masked[irq] {
		ic.deferred[irq] = true
		ic.mu.Unlock()
		return
	}
	h := ic.handlers[irq]
	ic.masked[irq] = true
	ic.mu.Unlock()

	k.IRQHandlerBegin()

	// Interrupts stay off on this CPU while the handler runs.
	wasOn := c.irqOn
	c.irqOn = false

	shouldUnmask := true
	if h != nil {
		shouldUnmask = h(irq)
	} else {
		k.log.Warn().Int("cpu", c.id).Int("irq", irq).Msg("unexpected IRQ")
	}
	if shouldUnmask {
		k.Unmask(irq)
	}

	c.irqOn = wasOn

	k.IRQHandlerEnd()
}

// ServiceInterrupts takes any interrupts pending on the current CPU.
// Long-running threads that never block may poll with it.
func (k *Kernel) ServiceInterrupts() {
	c := k.enter()
	if c.external || !c.irqOn {
		return
	}
	k.serviceIRQs(c)
}

// serviceIRQs drains the CPU's pending queue. Called with interrupts
// enabled on c.
func (k *Kernel) serviceIRQs(c *cpu) {
	if c.external {
		return
	}
	for {
		select {
		case irq := <-c.pending:
			k.dispatchOn(c, irq)
		default:
			return
		}
	}
}

// StartClock drives Tick from a simulated hardware clock raising
// IRQTimer at the given interval towards CPU 0.
func (k *Kernel) StartClock(interval time.Duration) {
	if interval <= 0 {
		panic("kernel: invalid clock interval")
	}
	k.clockMu.Lock()
	defer k.clockMu.Unlock()
	if k.clockStop != nil {
		panic("kernel: clock already running")
	}
	stop := make(chan struct{})
	k.clockStop = stop
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				k.RaiseIRQ(0, IRQTimer)
			}
		}
	}()
}

// StopClock stops the simulated hardware clock.
func (k *Kernel) StopClock() {
	k.clockMu.Lock()
	defer k.clockMu.Unlock()
	if k.clockStop != nil {
		close(k.clockStop)
		k.clockStop = nil
	}
}
