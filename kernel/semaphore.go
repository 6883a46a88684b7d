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

const semTag uint32 = 0x53454D41

// Semaphore is a counting semaphore. Waiters are released in priority
// order, FIFO among equals.
type Semaphore struct {
	k     *Kernel
	typ   uint32
	flags uint32

	count int
	q     ilist.List[*Thread]
}

// NewSemaphore allocates a semaphore with the given initial count from
// the kernel's descriptor pool. Destroy it with Destroy.
func (k *Kernel) NewSemaphore(initial int) (*Semaphore, error) {
	if initial < 0 {
		return nil, ErrInvalid
	}
	s := k.semPool.Get()
	s.initCommon(initial)
	s.flags = 0
	return s, nil
}

// Init initializes a statically allocated semaphore.
func (s *Semaphore) Init(k *Kernel, initial int) error {
	if initial < 0 {
		return ErrInvalid
	}
	s.k = k
	s.typ = semTag
	s.initCommon(initial)
	s.flags = flagStatic
	return nil
}

func (s *Semaphore) initCommon(initial int) {
	s.count = initial
	s.q = ilist.List[*Thread]{}
}

// TryGet takes one unit without blocking; ErrWouldBlock if none.
func (s *Semaphore) TryGet() error {
	s.check()
	k := s.k

	k.schedLock()
	defer k.schedUnlock()
	if s.count == 0 {
		return ErrWouldBlock
	}
	s.count--
	return nil
}

// Get takes one unit, blocking until one is available. A positive
// timeout bounds the wait with ErrTimedOut; non-positive waits forever.
// Returns ErrInvalid if the semaphore is destroyed while waiting.
func (s *Semaphore) Get(timeout time.Duration) error {
	s.check()
	k := s.k
	ticks := k.ticks(timeout)

	k.schedLock()
	defer k.schedUnlock()
	for s.count == 0 {
		if err := k.sleep(&s.q, ticks, nil); err != nil {
			return err
		}
	}
	s.count--
	return nil
}

// Put releases one unit and wakes the highest-priority waiter.
func (s *Semaphore) Put() {
	s.check()
	k := s.k

	k.schedLock()
	s.count++
	if t := k.wakeupOneLocked(&s.q, nil); t != nil {
		k.mayYield(t)
	}
	k.schedUnlock()
}

// Destroy wakes every waiter with ErrInvalid and returns the
// descriptor to the pool. Only for semaphores from NewSemaphore.
func (s *Semaphore) Destroy() {
	s.check()
	if s.flags&flagStatic != 0 {
		panic("kernel: cannot destroy a static semaphore")
	}
	s.finiCommon()
	s.k.semPool.Put(s)
}

// Fini wakes every waiter with ErrInvalid. Only for statically
// initialized semaphores.
func (s *Semaphore) Fini() {
	s.check()
	if s.flags&flagStatic == 0 {
		panic("kernel: cannot fini a dynamic semaphore")
	}
	s.finiCommon()
}

func (s *Semaphore) finiCommon() {
	k := s.k
	k.schedLock()
	k.wakeupAllLocked(&s.q, ErrInvalid)
	k.schedUnlock()
}

func (s *Semaphore) check() {
	if s == nil || s.typ != semTag {
		panic("kernel: bad semaphore pointer")
	}
}
