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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestKernel boots a machine and tears it down with the test.
func newTestKernel(t *testing.T, ncpu int, opts ...Option) *Kernel {
	t.Helper()
	k, err := New(ncpu, opts...)
	require.NoError(t, err)
	k.Start()
	t.Cleanup(k.Shutdown)
	return k
}

// spawn creates and resumes a thread; errors panic since they may
// occur off the test goroutine.
func spawn(k *Kernel, pri int, fn func()) *Thread {
	th, err := k.NewThread(fn, pri)
	if err != nil {
		panic(err)
	}
	if err := th.Resume(); err != nil {
		panic(err)
	}
	return th
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for kernel threads")
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = New(1, WithMaxPriorities(0))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = New(1, WithTickHz(0))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = New(1, WithStackPages(3))
	assert.Error(t, err)
}

func TestAccessors(t *testing.T) {
	k, err := New(2, WithMaxPriorities(8), WithTickHz(1000))
	require.NoError(t, err)
	assert.Equal(t, 2, k.NumCPU())
	assert.Equal(t, 8, k.MaxPriorities())
	assert.Equal(t, 1000, k.TickHz())
}

func TestCurrentOutsideKernel(t *testing.T) {
	k := newTestKernel(t, 1)
	assert.Nil(t, k.Current())
}

func TestIRQSaveRestoreRoundTrip(t *testing.T) {
	k := newTestKernel(t, 1)
	done := make(chan struct{})

	spawn(k, 5, func() {
		// nested regions leave the interrupt flag where it was
		k.IRQSave()
		k.IRQSave()
		k.IRQRestore()
		k.IRQRestore()
		close(done)
	})
	waitDone(t, done)

	// underflow is fatal
	k.IRQSave()
	k.IRQRestore()
	assert.Panics(t, func() { k.IRQRestore() })
}

// The switch hooks bracket every dispatch of a thread.
func TestSwitchHooks(t *testing.T) {
	var prepared, finished atomic.Int32
	k := newTestKernel(t, 1, WithSwitchHooks(
		func(*Thread) { prepared.Add(1) },
		func(*Thread) { finished.Add(1) },
	))
	done := make(chan struct{})

	spawn(k, 5, func() {
		k.Yield()
		close(done)
	})

	waitDone(t, done)
	// resume and the yield each cost one dispatch
	assert.Eventually(t, func() bool {
		return prepared.Load() == 2 && finished.Load() == 2
	}, 5*time.Second, time.Millisecond)
}

func TestThreadStackExhaustion(t *testing.T) {
	k := newTestKernel(t, 1, WithStackPages(2))

	_, err := k.NewThread(func() {}, 5)
	require.NoError(t, err)
	_, err = k.NewThread(func() {}, 5)
	require.NoError(t, err)
	_, err = k.NewThread(func() {}, 5)
	assert.ErrorIs(t, err, ErrNoMem)
}

func TestSMPSmoke(t *testing.T) {
	k := newTestKernel(t, 4)

	const n = 32
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		spawn(k, 5, func() { results <- i })
	}

	seen := map[int]bool{}
	for i := 0; i < n; i++ {
		select {
		case v := <-results:
			seen[v] = true
		case <-time.After(10 * time.Second):
			t.Fatal("threads did not all run")
		}
	}
	assert.Len(t, seen, n)
}
