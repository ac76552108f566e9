// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package view

import (
	"bytes"
	"container/heap"
	"context"

	"github.com/cubefs/journaldb/journal"
)

type cursor struct {
	it    journal.Iterator
	cur   journal.Entry
	order int
}

type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].cur.Key, h[j].cur.Key); c != 0 {
		return c < 0
	}
	return h[i].order < h[j].order
}
func (h cursorHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x interface{}) { *h = append(*h, x.(*cursor)) }
func (h *cursorHeap) Pop() interface{} {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// MergeIterator merges sources ordered newest first. For duplicate keys the
// newest entry wins. Tombstones are dropped unless keepDeleted is set.
type MergeIterator struct {
	h           cursorHeap
	keepDeleted bool
	closed      bool
}

func NewMergeIterator(ctx context.Context, sources []journal.Source, from, to []byte, keepDeleted bool) (*MergeIterator, error) {
	m := &MergeIterator{keepDeleted: keepDeleted}
	for i, src := range sources {
		it, err := src.NewIterator(ctx, from, to)
		if err != nil {
			m.Close()
			return nil, err
		}
		c := &cursor{it: it, order: i}
		ok, err := c.advance()
		if err != nil {
			it.Close()
			m.Close()
			return nil, err
		}
		if !ok {
			it.Close()
			continue
		}
		m.h = append(m.h, c)
	}
	heap.Init(&m.h)
	return m, nil
}

func (c *cursor) advance() (bool, error) {
	e, ok, err := c.it.Next()
	if err != nil || !ok {
		return false, err
	}
	c.cur = e
	return true, nil
}

func (m *MergeIterator) Next() (journal.Entry, bool, error) {
	for len(m.h) > 0 {
		top := m.h[0]
		e := top.cur
		// skip older duplicates of the same key
		for len(m.h) > 0 && bytes.Equal(m.h[0].cur.Key, e.Key) {
			if err := m.step(); err != nil {
				return journal.Entry{}, false, err
			}
		}
		if e.Deleted && !m.keepDeleted {
			continue
		}
		return e, true, nil
	}
	return journal.Entry{}, false, nil
}

func (m *MergeIterator) step() error {
	c := m.h[0]
	ok, err := c.advance()
	if err != nil {
		return err
	}
	if ok {
		heap.Fix(&m.h, 0)
		return nil
	}
	c.it.Close()
	heap.Pop(&m.h)
	return nil
}

func (m *MergeIterator) Close() {
	if m.closed {
		return
	}
	m.closed = true
	for _, c := range m.h {
		c.it.Close()
	}
	m.h = nil
}
