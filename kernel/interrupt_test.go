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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A raised IRQ reaches its handler from the idle loop.
func TestRaiseIRQIdleDelivery(t *testing.T) {
	k := newTestKernel(t, 1)
	fired := make(chan int, 1)

	k.Attach(5, func(irq int) bool {
		fired <- irq
		return true
	})

	k.RaiseIRQ(0, 5)
	select {
	case irq := <-fired:
		assert.Equal(t, 5, irq)
	case <-time.After(5 * time.Second):
		t.Fatal("IRQ never delivered")
	}

	// the line was unmasked again; a second raise works
	k.RaiseIRQ(0, 5)
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("second IRQ never delivered")
	}
}

func TestAttachValidation(t *testing.T) {
	k := newTestKernel(t, 1)

	assert.Panics(t, func() { k.Attach(-1, func(int) bool { return true }) })
	assert.Panics(t, func() { k.Attach(MaxIRQ, func(int) bool { return true }) })
	assert.Panics(t, func() { k.Attach(3, nil) })

	k.Attach(3, func(int) bool { return true })
	assert.Panics(t, func() { k.Attach(3, func(int) bool { return true }) })

	// the tick line belongs to the kernel
	assert.Panics(t, func() { k.Attach(IRQTimer, func(int) bool { return true }) })

	assert.Panics(t, func() { k.RaiseIRQ(7, 3) })
	assert.Panics(t, func() { k.RaiseIRQ(0, MaxIRQ) })
}

// A threaded handler runs in thread context, where blocking is legal,
// and re-enables its line afterwards.
func TestAttachThread(t *testing.T) {
	k := newTestKernel(t, 1)
	ran := make(chan struct{}, 4)

	require.NoError(t, k.AttachThread(9, func(irq int) bool {
		if k.Current() == nil {
			panic("threaded handler outside thread context")
		}
		k.Yield() // blocking is allowed here
		ran <- struct{}{}
		return true
	}))

	for i := 0; i < 3; i++ {
		k.RaiseIRQ(0, 9)
		select {
		case <-ran:
		case <-time.After(5 * time.Second):
			t.Fatal("threaded handler did not run")
		}
	}
}

// The simulated hardware clock drives Tick and fires sleep timeouts in
// real time.
func TestHardwareClock(t *testing.T) {
	k := newTestKernel(t, 1, WithTickHz(1000))
	wc := k.NewWaitChannel()
	done := make(chan struct{})
	var result error

	spawn(k, 5, func() {
		result = wc.SleepTimed(nil, 20*time.Millisecond)
		close(done)
	})

	k.StartClock(time.Millisecond)
	defer k.StopClock()

	waitDone(t, done)
	assert.ErrorIs(t, result, ErrTimedOut)
}

func TestClockLifecycle(t *testing.T) {
	k := newTestKernel(t, 1)

	assert.Panics(t, func() { k.StartClock(0) })
	k.StartClock(time.Millisecond)
	assert.Panics(t, func() { k.StartClock(time.Millisecond) })
	k.StopClock()
	k.StopClock() // idempotent
	k.StartClock(time.Millisecond)
	k.StopClock()
}

// ServiceInterrupts lets a busy thread take pending interrupts at a
// point of its choosing.
func TestServiceInterruptsPoll(t *testing.T) {
	k := newTestKernel(t, 1)
	done := make(chan struct{})
	var order []string

	k.Attach(11, func(int) bool {
		order = append(order, "isr")
		return true
	})

	spawn(k, 5, func() {
		k.RaiseIRQ(0, 11)
		order = append(order, "before-poll")
		k.ServiceInterrupts()
		order = append(order, "after-poll")
		close(done)
	})

	waitDone(t, done)
	assert.Equal(t, []string{"before-poll", "isr", "after-poll"}, order)
}
