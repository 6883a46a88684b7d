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

	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/argentum-os/kcore/container/ilist"
)

const mailboxTag uint32 = 0x4D424F58

// Mailbox is a bounded queue of fixed-size messages. Senders block
// while it is full, receivers while it is empty; each message is
// copied in and out of an internal ring buffer.
type Mailbox struct {
	k     *Kernel
	typ   uint32
	flags uint32

	lock SpinLock

	buf      []byte
	msgSize  int
	capacity int
	count    int
	rpos     int
	wpos     int

	// dynBuf marks a ring buffer borrowed from mcache by NewMailbox.
	dynBuf bool

	receivers ilist.List[*Thread]
	senders   ilist.List[*Thread]
}

// NewMailbox allocates a mailbox holding bufSize/msgSize messages of
// msgSize bytes each, with the ring buffer taken from mcache.
// Destroy it with Destroy.
func (k *Kernel) NewMailbox(msgSize, bufSize int) (*Mailbox, error) {
	if msgSize <= 0 || bufSize < msgSize {
		return nil, ErrInvalid
	}
	mb := k.mboxPool.Get()
	buf := mcache.Malloc(bufSize)
	mb.initCommon(msgSize, buf)
	mb.flags = 0
	mb.dynBuf = true
	return mb, nil
}

// Init initializes a statically allocated mailbox over a caller-owned
// buffer.
func (mb *Mailbox) Init(k *Kernel, msgSize int, buf []byte) error {
	if msgSize <= 0 || len(buf) < msgSize {
		return ErrInvalid
	}
	mb.k = k
	mb.typ = mailboxTag
	mb.lock.Init(k, "k_mailbox")
	mb.receivers = ilist.List[*Thread]{}
	mb.senders = ilist.List[*Thread]{}
	mb.initCommon(msgSize, buf)
	mb.flags = flagStatic
	mb.dynBuf = false
	return nil
}

func (mb *Mailbox) initCommon(msgSize int, buf []byte) {
	usable := len(buf) - len(buf)%msgSize
	mb.buf = buf[:usable]
	mb.msgSize = msgSize
	mb.capacity = usable / msgSize
	mb.count = 0
	mb.rpos = 0
	mb.wpos = 0
}

// Capacity returns the number of message slots.
func (mb *Mailbox) Capacity() int {
	mb.check()
	return mb.capacity
}

// Count returns the number of messages currently queued.
func (mb *Mailbox) Count() int {
	mb.check()
	mb.lock.Acquire()
	n := mb.count
	mb.lock.Release()
	return n
}

// TrySend enqueues msg without blocking; ErrWouldBlock when full.
// len(msg) must equal the mailbox message size.
func (mb *Mailbox) TrySend(msg []byte) error {
	mb.check()
	if len(msg) != mb.msgSize {
		return ErrInvalid
	}
	mb.lock.Acquire()
	err := mb.trySendLocked(msg)
	mb.lock.Release()
	return err
}

// TimedSend enqueues msg, blocking while the mailbox is full. A
// positive timeout bounds the wait with ErrTimedOut; non-positive
// waits forever. Returns ErrInvalid if the mailbox is destroyed while
// waiting.
func (mb *Mailbox) TimedSend(msg []byte, timeout time.Duration) error {
	mb.check()
	if len(msg) != mb.msgSize {
		return ErrInvalid
	}
	k := mb.k
	ticks := k.ticks(timeout)

	mb.lock.Acquire()
	var err error
	for {
		if err = mb.trySendLocked(msg); err != ErrWouldBlock {
			break
		}
		if err = k.sleep(&mb.senders, ticks, &mb.lock); err != nil {
			break
		}
	}
	mb.lock.Release()
	return err
}

func (mb *Mailbox) trySendLocked(msg []byte) error {
	if mb.count == mb.capacity {
		return ErrWouldBlock
	}
	copy(mb.buf[mb.wpos:mb.wpos+mb.msgSize], msg)
	mb.wpos += mb.msgSize
	if mb.wpos >= len(mb.buf) {
		mb.wpos = 0
	}
	mb.count++
	if mb.count == 1 {
		mb.k.wakeupOne(&mb.receivers, nil)
	}
	return nil
}

// TryReceive dequeues a message into msg without blocking;
// ErrWouldBlock when empty. len(msg) must equal the message size.
func (mb *Mailbox) TryReceive(msg []byte) error {
	mb.check()
	if len(msg) != mb.msgSize {
		return ErrInvalid
	}
	mb.lock.Acquire()
	err := mb.tryReceiveLocked(msg)
	mb.lock.Release()
	return err
}

// TimedReceive dequeues a message into msg, blocking while the mailbox
// is empty. Timeout semantics match TimedSend.
func (mb *Mailbox) TimedReceive(msg []byte, timeout time.Duration) error {
	mb.check()
	if len(msg) != mb.msgSize {
		return ErrInvalid
	}
	k := mb.k
	ticks := k.ticks(timeout)

	mb.lock.Acquire()
	var err error
	for {
		if err = mb.tryReceiveLocked(msg); err != ErrWouldBlock {
			break
		}
		if err = k.sleep(&mb.receivers, ticks, &mb.lock); err != nil {
			break
		}
	}
	mb.lock.Release()
	return err
}

func (mb *Mailbox) tryReceiveLocked(msg []byte) error {
	if mb.count == 0 {
		return ErrWouldBlock
	}
	copy(msg, mb.buf[mb.rpos:mb.rpos+mb.msgSize])
	mb.rpos += mb.msgSize
	if mb.rpos >= len(mb.buf) {
		mb.rpos = 0
	}
	if mb.count == mb.capacity {
		mb.k.wakeupOne(&mb.senders, nil)
	}
	mb.count--
	return nil
}

// Destroy wakes every waiter with ErrInvalid, returns the ring buffer
// to mcache, and puts the descriptor back. Only for mailboxes from
// NewMailbox.
func (mb *Mailbox) Destroy() {
	mb.check()
	if mb.flags&flagStatic != 0 {
		panic("kernel: cannot destroy a static mailbox")
	}

	mb.lock.Acquire()
	mb.finiCommon()
	buf := mb.buf
	mb.buf = nil
	mb.lock.Release()

	if mb.dynBuf {
		mcache.Free(buf)
	}
	mb.k.mboxPool.Put(mb)
}

// Fini wakes every waiter with ErrInvalid. Only for statically
// initialized mailboxes.
func (mb *Mailbox) Fini() {
	mb.check()
	if mb.flags&flagStatic == 0 {
		panic("kernel: cannot fini a dynamic mailbox")
	}
	mb.lock.Acquire()
	mb.finiCommon()
	mb.lock.Release()
}

// finiCommon wakes all waiters with the destroyed result. Caller holds
// the mailbox lock; the wakeups defer any preemption until it is
// released.
func (mb *Mailbox) finiCommon() {
	mb.k.wakeupAll(&mb.receivers, ErrInvalid)
	mb.k.wakeupAll(&mb.senders, ErrInvalid)
}

func (mb *Mailbox) check() {
	if mb == nil || mb.typ != mailboxTag {
		panic("kernel: bad mailbox pointer")
	}
}
