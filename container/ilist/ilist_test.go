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

package ilist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct {
	value int
	link  Entry[*node]
}

func newNode(v int) *node {
	n := &node{value: v}
	n.link.Bind(n)
	return n
}

func collect(l *List[*node]) []int {
	var vv []int
	l.Do(func(n *node) {
		vv = append(vv, n.value)
	})
	return vv
}

func TestPushPop(t *testing.T) {
	var l List[*node]

	assert.True(t, l.Empty())
	assert.Nil(t, l.Front())
	assert.Nil(t, l.PopFront())

	for i := 0; i < 5; i++ {
		l.PushBack(&newNode(i).link)
	}
	assert.Equal(t, 5, l.Len())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, collect(&l))

	l.PushFront(&newNode(-1).link)
	assert.Equal(t, []int{-1, 0, 1, 2, 3, 4}, collect(&l))

	e := l.PopFront()
	require.NotNil(t, e)
	assert.Equal(t, -1, e.Elem().value)
	assert.False(t, e.InList())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, collect(&l))
}

func TestRemoveMiddle(t *testing.T) {
	var l List[*node]
	nodes := make([]*node, 10)
	for i := range nodes {
		nodes[i] = newNode(i)
		l.PushBack(&nodes[i].link)
	}

	// model-based check: mirror every removal against a plain slice
	model := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	for _, i := range []int{5, 0, 9, 3} {
		l.Remove(&nodes[i].link)
		for j, v := range model {
			if v == i {
				model = append(model[:j], model[j+1:]...)
				break
			}
		}
		assert.Equal(t, model, collect(&l))
		assert.Equal(t, len(model), l.Len())
	}
}

func TestReinsert(t *testing.T) {
	var a, b List[*node]
	n := newNode(42)

	a.PushBack(&n.link)
	assert.True(t, n.link.InList())
	a.Remove(&n.link)
	assert.False(t, n.link.InList())

	// the same entry can move to another list after removal
	b.PushBack(&n.link)
	assert.Equal(t, []int{42}, collect(&b))
	assert.True(t, a.Empty())
}

func TestIterate(t *testing.T) {
	var l List[*node]
	for i := 0; i < 4; i++ {
		l.PushBack(&newNode(i).link)
	}

	var got []int
	for e := l.Front(); e != nil; e = e.Next() {
		got = append(got, e.Elem().value)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestMisusePanics(t *testing.T) {
	var a, b List[*node]
	n := newNode(1)
	a.PushBack(&n.link)

	assert.Panics(t, func() { a.PushBack(&n.link) })
	assert.Panics(t, func() { b.Remove(&n.link) })
}
