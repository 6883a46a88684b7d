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
	"github.com/argentum-os/kcore/container/ilist"
)

const mutexTag uint32 = 0x4D555458

// mutexChainMax caps transitive priority-inheritance propagation. The
// chain in a correct program is short; the cap only bounds the walk if
// ownership forms a long dependency path. Past the cap the donation
// stops, waiters still block and wake correctly.
const mutexChainMax = 32

// Mutex is an ownership lock with priority inheritance: while a
// high-priority thread is blocked on it, the owner runs at the
// waiter's priority, transitively along the chain of mutexes the
// owner itself is blocked on. Unlock hands the mutex to the
// highest-priority waiter.
type Mutex struct {
	k     *Kernel
	typ   uint32
	flags uint32

	owner *Thread
	q     ilist.List[*Thread]

	// link puts the mutex on its owner's owned-mutex list.
	link ilist.Entry[*Mutex]
}

// NewMutex allocates a mutex from the kernel's descriptor pool.
func (k *Kernel) NewMutex() *Mutex {
	m := k.mutexPool.Get()
	m.initCommon()
	m.flags = 0
	return m
}

// Init initializes a statically allocated mutex.
func (m *Mutex) Init(k *Kernel) {
	m.k = k
	m.typ = mutexTag
	m.link.Bind(m)
	m.initCommon()
	m.flags = flagStatic
}

func (m *Mutex) initCommon() {
	m.owner = nil
	m.q = ilist.List[*Thread]{}
}

// Lock acquires the mutex, blocking while another thread owns it.
// A mutex with waiters is always owned and destroying an owned mutex
// is fatal, so a blocked Lock ends only when Unlock hands it over.
// Locking a mutex the current thread already owns is fatal.
func (m *Mutex) Lock() error {
	m.check()
	k := m.k
	cur := k.Current()
	if cur == nil {
		panic("kernel: mutex lock outside a kernel thread")
	}

	k.schedLock()
	defer k.schedUnlock()

	if m.owner == cur {
		panic("kernel: mutex already held by current thread")
	}
	if m.owner == nil {
		m.grantLocked(cur)
		return nil
	}

	// Donate our priority down the ownership chain before sleeping.
	cur.blockedOn = m
	k.donateLocked(m, cur.priority)
	err := k.sleep(&m.q, 0, nil)
	cur.blockedOn = nil
	if err != nil {
		return err
	}
	// Unlock made us the owner before waking us.
	return nil
}

// TryLock acquires the mutex only if it is free; ErrWouldBlock
// otherwise.
func (m *Mutex) TryLock() error {
	m.check()
	k := m.k
	cur := k.Current()
	if cur == nil {
		panic("kernel: mutex lock outside a kernel thread")
	}

	k.schedLock()
	defer k.schedUnlock()
	if m.owner == cur {
		panic("kernel: mutex already held by current thread")
	}
	if m.owner != nil {
		return ErrWouldBlock
	}
	m.grantLocked(cur)
	return nil
}

// Unlock releases the mutex, reverting any inherited priority and
// handing ownership to the highest-priority waiter. Releasing a mutex
// the current thread does not own is fatal.
func (m *Mutex) Unlock() {
	m.check()
	k := m.k
	cur := k.Current()

	k.schedLock()
	defer k.schedUnlock()

	if m.owner != cur || cur == nil {
		panic("kernel: mutex not held by current thread")
	}

	cur.ownedMutexes.Remove(&m.link)
	m.owner = nil

	// Our effective priority may have been boosted by waiters of this
	// mutex; recompute it from what we still hold.
	k.recalcPriorityLocked(cur)

	if w := k.wakeupOneLocked(&m.q, nil); w != nil {
		m.grantLocked(w)
		// Remaining waiters keep the new owner boosted.
		if hp, ok := highestWaiterPriority(&m.q); ok && hp < w.priority {
			k.setPriorityLocked(w, hp)
		}
		k.mayYield(w)
	}
}

// Owner returns the owning thread, or nil.
func (m *Mutex) Owner() *Thread {
	m.check()
	m.k.schedLock()
	o := m.owner
	m.k.schedUnlock()
	return o
}

// Destroy wakes every waiter with ErrInvalid and returns the
// descriptor to the pool. The mutex must be unlocked.
func (m *Mutex) Destroy() {
	m.check()
	if m.flags&flagStatic != 0 {
		panic("kernel: cannot destroy a static mutex")
	}
	m.finiCommon()
	m.k.mutexPool.Put(m)
}

// Fini wakes every waiter with ErrInvalid. Only for statically
// initialized mutexes.
func (m *Mutex) Fini() {
	m.check()
	if m.flags&flagStatic == 0 {
		panic("kernel: cannot fini a dynamic mutex")
	}
	m.finiCommon()
}

func (m *Mutex) finiCommon() {
	k := m.k
	k.schedLock()
	if m.owner != nil {
		k.schedUnlock()
		panic("kernel: destroying a locked mutex")
	}
	k.wakeupAllLocked(&m.q, ErrInvalid)
	k.schedUnlock()
}

func (m *Mutex) check() {
	if m == nil || m.typ != mutexTag {
		panic("kernel: bad mutex pointer")
	}
}

// grantLocked records t as the owner. Caller holds the scheduler lock.
func (m *Mutex) grantLocked(t *Thread) {
	m.owner = t
	t.ownedMutexes.PushBack(&m.link)
}

// donateLocked raises the priority of m's owner to pri and propagates
// along the chain of mutexes the successive owners are blocked on.
// Caller holds the scheduler lock.
func (k *Kernel) donateLocked(m *Mutex, pri int) {
	for depth := 0; m != nil && depth < mutexChainMax; depth++ {
		o := m.owner
		if o == nil || o.priority <= pri {
			return
		}
		k.setPriorityLocked(o, pri)
		m = o.blockedOn
	}
}

// recalcPriorityLocked recomputes t's effective priority as the
// highest of its base priority and the priorities of every thread
// blocked on a mutex t still owns. Caller holds the scheduler lock.
func (k *Kernel) recalcPriorityLocked(t *Thread) {
	pri := t.basePriority
	t.ownedMutexes.Do(func(m *Mutex) {
		if hp, ok := highestWaiterPriority(&m.q); ok && hp < pri {
			pri = hp
		}
	})
	if pri != t.priority {
		k.setPriorityLocked(t, pri)
	}
}

// setPriorityLocked changes t's effective priority, repositioning it
// if it sits on a ready queue. Caller holds the scheduler lock.
func (k *Kernel) setPriorityLocked(t *Thread, pri int) {
	if t.state == StateReady {
		k.runq[t.priority].Remove(&t.link)
		t.priority = pri
		k.runq[pri].PushBack(&t.link)
		return
	}
	t.priority = pri
}

func highestWaiterPriority(q *ilist.List[*Thread]) (int, bool) {
	best, ok := 0, false
	q.Do(func(w *Thread) {
		if !ok || w.priority < best {
			best, ok = w.priority, true
		}
	})
	return best, ok
}
