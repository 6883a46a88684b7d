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

// Package kernel implements the concurrency core of the Argentum
// kernel as a simulated SMP machine: logical CPUs and kernel threads
// are goroutines, a context switch is a channel hand-off, and the
// interrupt flag is per-CPU state. The scheduling discipline is the
// real one: per-priority FIFO run queues under one global scheduler
// spinlock, priority-ordered wakeups, preemption at interrupt-handler
// exit, spinlocks that disable interrupts on their CPU, and blocking
// primitives (wait channels, semaphores, priority-inheriting mutexes,
// mailboxes) built on scheduler sleep queues.
package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/argentum-os/kcore/container/ilist"
	"github.com/argentum-os/kcore/objectpool"
	"github.com/argentum-os/kcore/pagealloc"
)

const (
	// DefaultMaxPriorities is the number of ready queues unless
	// overridden with WithMaxPriorities.
	DefaultMaxPriorities = 32

	// DefaultTickHz is the tick frequency used to convert timeouts to
	// ticks unless overridden with WithTickHz.
	DefaultTickHz = 100

	defaultStackPages = 1024
	descriptorSlabCap = 16
)

// flagStatic marks a primitive initialized in place rather than taken
// from a descriptor pool; such objects go through Fini, not Destroy.
const flagStatic uint32 = 1 << 0

// Kernel is one simulated machine. Create it with New, boot it with
// Start, then create and resume threads against it.
type Kernel struct {
	ncpu       int
	maxPri     int
	tickHz     int
	stackPages int

	cpus  []*cpu
	binds bindTable

	// schedSpin is the global scheduler spinlock; every run-queue,
	// sleep-queue and timer mutation happens under it.
	schedSpin SpinLock

	runq   []ilist.List[*Thread]
	timers ilist.List[*timer]

	stacks *pagealloc.Allocator

	threadPool *objectpool.Pool[Thread]
	mboxPool   *objectpool.Pool[Mailbox]
	semPool    *objectpool.Pool[Semaphore]
	mutexPool  *objectpool.Pool[Mutex]

	prepareSwitch func(*Thread)
	finishSwitch  func(*Thread)

	irqc irqController

	clockMu   sync.Mutex
	clockStop chan struct{}

	nextThreadID atomic.Int64

	log zerolog.Logger

	started bool
	stopped uint32
	wg      sync.WaitGroup
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the logger used for kernel event tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(k *Kernel) { k.log = l }
}

// WithMaxPriorities sets the number of ready queues.
func WithMaxPriorities(n int) Option {
	return func(k *Kernel) { k.maxPri = n }
}

// WithTickHz sets the tick frequency used for timeout conversion.
func WithTickHz(hz int) Option {
	return func(k *Kernel) { k.tickHz = hz }
}

// WithStackPages sets the size, in pages, of the arena kernel stacks
// are carved from. Must be a power of two.
func WithStackPages(npages int) Option {
	return func(k *Kernel) { k.stackPages = npages }
}

// WithSwitchHooks installs hooks run around every context switch:
// prepare before the target thread runs, finish after it stops. The
// process layer uses them to load and unload address spaces.
func WithSwitchHooks(prepare, finish func(*Thread)) Option {
	return func(k *Kernel) {
		k.prepareSwitch = prepare
		k.finishSwitch = finish
	}
}

// New creates a machine with ncpu logical CPUs.
func New(ncpu int, opts ...Option) (*Kernel, error) {
	if ncpu < 1 {
		return nil, ErrInvalid
	}
	k := &Kernel{
		ncpu:       ncpu,
		maxPri:     DefaultMaxPriorities,
		tickHz:     DefaultTickHz,
		stackPages: defaultStackPages,
		log:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(k)
	}
	if k.maxPri < 1 || k.tickHz < 1 {
		return nil, ErrInvalid
	}

	k.binds.m = make(map[int64]*cpu)
	k.schedSpin.Init(k, "sched")
	k.runq = make([]ilist.List[*Thread], k.maxPri)

	stacks, err := pagealloc.New(k.stackPages)
	if err != nil {
		return nil, fmt.Errorf("kernel: stack arena: %w", err)
	}
	k.stacks = stacks

	if err := k.createPools(); err != nil {
		return nil, err
	}

	for i := 0; i < ncpu; i++ {
		k.cpus = append(k.cpus, &cpu{
			id:      i,
			k:       k,
			sched:   newContext(),
			wake:    make(chan struct{}, 1),
			pending: make(chan int, irqQueueDepth),
		})
	}

	// The tick clock line belongs to the kernel.
	k.Attach(IRQTimer, func(int) bool {
		k.Tick()
		return true
	})

	return k, nil
}

func (k *Kernel) createPools() error {
	var err error
	k.threadPool, err = objectpool.New("k_thread", descriptorSlabCap, func(t *Thread) {
		t.k = k
		t.typ = threadTag
		t.link.Bind(t)
	}, nil)
	if err != nil {
		return err
	}
	k.mboxPool, err = objectpool.New("k_mailbox", descriptorSlabCap, func(mb *Mailbox) {
		mb.k = k
		mb.typ = mailboxTag
		mb.lock.Init(k, "k_mailbox")
	}, func(mb *Mailbox) {
		if !mb.receivers.Empty() || !mb.senders.Empty() {
			panic("kernel: mailbox destroyed with waiters")
		}
	})
	if err != nil {
		return err
	}
	k.semPool, err = objectpool.New("k_semaphore", descriptorSlabCap, func(s *Semaphore) {
		s.k = k
		s.typ = semTag
	}, nil)
	if err != nil {
		return err
	}
	k.mutexPool, err = objectpool.New("k_mutex", descriptorSlabCap, func(m *Mutex) {
		m.k = k
		m.typ = mutexTag
		m.link.Bind(m)
	}, nil)
	return err
}

// Start boots the machine: one scheduler loop per CPU, all idle until
// threads are resumed.
func (k *Kernel) Start() {
	if k.started {
		panic("kernel: already started")
	}
	k.started = true
	for _, c := range k.cpus {
		k.wg.Add(1)
		go k.schedLoop(c)
	}
	k.log.Debug().Int("cpus", k.ncpu).Msg("kernel started")
}

// Shutdown stops the hardware clock and the scheduler loops. Each CPU
// exits when it next becomes idle; Shutdown blocks until all have.
// Threads still sleeping are abandoned.
func (k *Kernel) Shutdown() {
	k.StopClock()
	atomic.StoreUint32(&k.stopped, 1)
	for _, c := range k.cpus {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
	k.wg.Wait()
	k.log.Debug().Msg("kernel stopped")
}

// NumCPU returns the number of logical CPUs.
func (k *Kernel) NumCPU() int { return k.ncpu }

// MaxPriorities returns the number of ready queues; valid thread
// priorities are [0, MaxPriorities), smaller meaning higher.
func (k *Kernel) MaxPriorities() int { return k.maxPri }

// TickHz returns the tick frequency.
func (k *Kernel) TickHz() int { return k.tickHz }
