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

// Package objectpool implements a slab-style allocator for fixed-size
// descriptors. Objects are constructed once when their slab is created
// and handed out repeatedly; a per-block magic tag catches double frees
// and foreign pointers on Put.
package objectpool

import (
	"fmt"
	"sync"

	"github.com/argentum-os/kcore/container/ilist"
)

// NameMax is the upper bound on a pool name length.
const NameMax = 64

const tagMagic uint64 = 0xBADC0DE5ABC0DE00

// Pool hands out *T blocks carved from slabs.
// Safe for concurrent use.
type Pool[T any] struct {
	mu sync.Mutex

	name     string
	slabCap  int
	ctor     func(*T)
	dtor     func(*T)

	// Slab lists, named after their free-block population:
	// exhausted slabs have no free blocks, partial slabs have some,
	// unused slabs have all blocks free.
	exhausted ilist.List[*slab[T]]
	partial   ilist.List[*slab[T]]
	unused    ilist.List[*slab[T]]

	tags map[*T]*tag[T]
}

type slab[T any] struct {
	link ilist.Entry[*slab[T]]
	objs []T
	tags []tag[T]
	free *tag[T]
	used int
}

type tag[T any] struct {
	magic     uint64
	obj       *T
	owner     *slab[T]
	next      *tag[T]
	allocated bool
}

// New creates a pool of T blocks with slabCap objects per slab.
// ctor runs once per object when its slab is created; dtor runs when
// the pool is destroyed. Either may be nil.
func New[T any](name string, slabCap int, ctor, dtor func(*T)) (*Pool[T], error) {
	if len(name) > NameMax {
		return nil, fmt.Errorf("objectpool: name %q longer than %d", name, NameMax)
	}
	if slabCap <= 0 {
		return nil, fmt.Errorf("objectpool: bad slab capacity %d", slabCap)
	}
	return &Pool[T]{
		name:    name,
		slabCap: slabCap,
		ctor:    ctor,
		dtor:    dtor,
		tags:    make(map[*T]*tag[T]),
	}, nil
}

// Name returns the pool name.
func (p *Pool[T]) Name() string { return p.name }

// Get returns a block from the pool, growing it by one slab if needed.
// Construction state from the ctor is preserved across Put/Get reuse.
func (p *Pool[T]) Get() *T {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.pickSlab()
	t := s.free
	s.free = t.next
	t.next = nil
	t.allocated = true
	s.used++
	p.relink(s)
	return t.obj
}

// Put returns a block to the pool.
// Panics if the block was not handed out by Get (wrong pool, double
// free, or a foreign pointer).
func (p *Pool[T]) Put(obj *T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.tags[obj]
	if t == nil || t.magic != tagMagic {
		panic(fmt.Sprintf("objectpool: %s: block not from this pool", p.name))
	}
	if !t.allocated {
		panic(fmt.Sprintf("objectpool: %s: double free", p.name))
	}
	s := t.owner
	t.allocated = false
	t.next = s.free
	s.free = t
	s.used--
	p.relink(s)
}

// InUse returns the number of blocks currently handed out.
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	each := func(s *slab[T]) { n += s.used }
	p.exhausted.Do(each)
	p.partial.Do(each)
	p.unused.Do(each)
	return n
}

// Destroy runs the dtor over every object and drops all slabs.
// Panics if any block is still allocated.
func (p *Pool[T]) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.exhausted.Empty() || !p.partial.Empty() {
		panic(fmt.Sprintf("objectpool: %s: destroy with blocks in use", p.name))
	}
	for !p.unused.Empty() {
		s := p.unused.PopFront().Elem()
		for i := range s.objs {
			if p.dtor != nil {
				p.dtor(&s.objs[i])
			}
			delete(p.tags, &s.objs[i])
		}
	}
}

// pickSlab returns a slab with at least one free block, creating one
// if every existing slab is exhausted. Caller holds p.mu.
func (p *Pool[T]) pickSlab() *slab[T] {
	if e := p.partial.Front(); e != nil {
		return e.Elem()
	}
	if e := p.unused.Front(); e != nil {
		return e.Elem()
	}
	s := &slab[T]{
		objs: make([]T, p.slabCap),
		tags: make([]tag[T], p.slabCap),
	}
	s.link.Bind(s)
	for i := p.slabCap - 1; i >= 0; i-- {
		t := &s.tags[i]
		t.magic = tagMagic
		t.obj = &s.objs[i]
		t.owner = s
		t.next = s.free
		s.free = t
		p.tags[t.obj] = t
		if p.ctor != nil {
			p.ctor(t.obj)
		}
	}
	p.unused.PushBack(&s.link)
	return s
}

// relink moves s onto the list matching its free-block population.
// Caller holds p.mu.
func (p *Pool[T]) relink(s *slab[T]) {
	if l := s.link.List(); l != nil {
		l.Remove(&s.link)
	}
	switch {
	case s.used == 0:
		p.unused.PushBack(&s.link)
	case s.free == nil:
		p.exhausted.PushBack(&s.link)
	default:
		p.partial.PushBack(&s.link)
	}
}
