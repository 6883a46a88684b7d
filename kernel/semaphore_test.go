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

func (s *Semaphore) waiterCount() int {
	s.k.schedLock()
	n := s.q.Len()
	s.k.schedUnlock()
	return n
}

func TestSemaphoreTryGet(t *testing.T) {
	k := newTestKernel(t, 1)

	s, err := k.NewSemaphore(2)
	require.NoError(t, err)
	defer s.Destroy()

	assert.NoError(t, s.TryGet())
	assert.NoError(t, s.TryGet())
	assert.ErrorIs(t, s.TryGet(), ErrWouldBlock)

	// put then get leaves the count where it was
	s.Put()
	assert.NoError(t, s.TryGet())
	assert.ErrorIs(t, s.TryGet(), ErrWouldBlock)
}

func TestSemaphoreValidation(t *testing.T) {
	k := newTestKernel(t, 1)

	_, err := k.NewSemaphore(-1)
	assert.ErrorIs(t, err, ErrInvalid)

	var s Semaphore
	assert.Panics(t, func() { s.TryGet() }) // uninitialized
	assert.ErrorIs(t, s.Init(k, -1), ErrInvalid)
	require.NoError(t, s.Init(k, 0))
	assert.ErrorIs(t, s.TryGet(), ErrWouldBlock)
}

func TestSemaphoreBlockingGet(t *testing.T) {
	k := newTestKernel(t, 1)
	done := make(chan struct{})

	s, err := k.NewSemaphore(0)
	require.NoError(t, err)
	var result error

	spawn(k, 5, func() {
		result = s.Get(0)
		close(done)
	})

	require.Eventually(t, func() bool { return s.waiterCount() == 1 },
		5*time.Second, time.Millisecond)

	s.Put()
	waitDone(t, done)
	assert.NoError(t, result)
	assert.ErrorIs(t, s.TryGet(), ErrWouldBlock) // consumed by the waiter
	s.Destroy()
}

func TestSemaphoreGetTimeout(t *testing.T) {
	k := newTestKernel(t, 1, WithTickHz(100))
	done := make(chan struct{})

	s, err := k.NewSemaphore(0)
	require.NoError(t, err)
	defer s.Destroy()
	var result error

	spawn(k, 5, func() {
		result = s.Get(50 * time.Millisecond) // 5 ticks
		close(done)
	})

	require.Eventually(t, func() bool { return s.waiterCount() == 1 },
		5*time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		k.Tick()
	}
	waitDone(t, done)
	assert.ErrorIs(t, result, ErrTimedOut)
}

func TestSemaphoreDestroyWakesWaiters(t *testing.T) {
	k := newTestKernel(t, 1)
	done := make(chan struct{}, 2)

	s, err := k.NewSemaphore(0)
	require.NoError(t, err)
	results := make([]error, 2)

	for i := 0; i < 2; i++ {
		i := i
		spawn(k, 5, func() {
			results[i] = s.Get(0)
			done <- struct{}{}
		})
	}

	require.Eventually(t, func() bool { return s.waiterCount() == 2 },
		5*time.Second, time.Millisecond)

	s.Destroy()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("waiter not woken by destroy")
		}
	}
	assert.ErrorIs(t, results[0], ErrInvalid)
	assert.ErrorIs(t, results[1], ErrInvalid)
}

func TestSemaphoreWakesHighestPriority(t *testing.T) {
	k := newTestKernel(t, 1)
	done := make(chan struct{})
	var order []string

	s, err := k.NewSemaphore(0)
	require.NoError(t, err)

	spawn(k, 0, func() {
		for _, w := range []struct {
			name string
			pri  int
		}{{"low", 9}, {"high", 2}} {
			w := w
			spawn(k, w.pri, func() {
				if err := s.Get(0); err != nil {
					panic(err)
				}
				order = append(order, w.name)
				if len(order) == 2 {
					close(done)
				}
			})
		}
	})

	require.Eventually(t, func() bool { return s.waiterCount() == 2 },
		5*time.Second, time.Millisecond)

	s.Put()
	s.Put()
	waitDone(t, done)
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestSemaphoreStaticLifecycle(t *testing.T) {
	k := newTestKernel(t, 1)

	var s Semaphore
	require.NoError(t, s.Init(k, 1))
	assert.NoError(t, s.TryGet())
	assert.Panics(t, func() { s.Destroy() }) // static objects use Fini
	s.Fini()

	d, err := k.NewSemaphore(0)
	require.NoError(t, err)
	assert.Panics(t, func() { d.Fini() }) // dynamic objects use Destroy
	d.Destroy()
}
