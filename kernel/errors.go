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

import "errors"

// Recoverable error conditions. Everything else in this package is a
// programming error and panics.
var (
	// ErrWouldBlock is returned by try variants when the operation
	// cannot complete without blocking.
	ErrWouldBlock = errors.New("kernel: operation would block")

	// ErrTimedOut is returned when a timed wait elapses before the
	// awaited event occurs.
	ErrTimedOut = errors.New("kernel: timed out")

	// ErrInvalid is returned for invalid arguments, operations on an
	// object in the wrong state, and to waiters of a destroyed object.
	ErrInvalid = errors.New("kernel: invalid argument or destroyed object")

	// ErrNoMem is returned when a descriptor or stack allocation fails.
	ErrNoMem = errors.New("kernel: out of memory")
)
