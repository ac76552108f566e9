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

package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/util/btree"

	"github.com/cubefs/journaldb/journal"
	"github.com/cubefs/journaldb/proto"
	"github.com/cubefs/journaldb/util"
)

const iteratorBatch = 256

type entryItem struct {
	key     []byte
	value   []byte
	deleted bool
}

func (e *entryItem) Less(than btree.Item) bool {
	return bytes.Compare(e.key, than.(*entryItem).key) < 0
}

func (e *entryItem) Copy() btree.Item {
	return &entryItem{key: e.key, value: e.value, deleted: e.deleted}
}

func (e *entryItem) entry() journal.Entry {
	return journal.Entry{Key: e.key, Value: e.value, Deleted: e.deleted}
}

type structure struct {
	j    *Journal
	root uint64

	md           atomic.Pointer[proto.IndexMetadata]
	writeCounter uint64

	lock       sync.RWMutex
	tree       *btree.BTree
	bytes      int64
	commitTime uint64
	parentTime uint64
}

func newStructure(j *Journal, root uint64, cp journal.Checkpoint) *structure {
	s := &structure{
		j:            j,
		root:         root,
		tree:         btree.New(32),
		writeCounter: cp.WriteCounter,
		parentTime:   cp.ParentTime,
	}
	s.md.Store(cp.Metadata)
	return s
}

func (s *structure) Name() string                        { return s.md.Load().Name }
func (s *structure) Metadata() *proto.IndexMetadata      { return s.md.Load() }
func (s *structure) SetMetadata(md *proto.IndexMetadata) { s.md.Store(md) }
func (s *structure) WriteCounter() uint64                { return atomic.LoadUint64(&s.writeCounter) }

func (s *structure) EntryCount() int64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return int64(s.tree.Len())
}

func (s *structure) ByteCount() int64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.bytes
}

func (s *structure) Checkpoint() journal.Checkpoint {
	s.lock.RLock()
	defer s.lock.RUnlock()
	md := s.md.Load()
	return journal.Checkpoint{
		Name:         md.Name,
		Metadata:     md,
		WriteCounter: s.WriteCounter(),
		EntryCount:   int64(s.tree.Len()),
		ByteCount:    s.bytes,
		CommitTime:   s.commitTime,
		ParentTime:   s.parentTime,
		Root:         s.root,
	}
}

func (s *structure) markCommitted(t uint64) {
	s.lock.Lock()
	s.commitTime = t
	s.lock.Unlock()
}

func (s *structure) Get(ctx context.Context, key []byte) (journal.Entry, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	found := s.tree.Get(&entryItem{key: key})
	if found == nil {
		return journal.Entry{}, false, nil
	}
	return found.(*entryItem).entry(), true, nil
}

func (s *structure) Put(ctx context.Context, key, value []byte) error {
	if err := s.j.checkWritable(); err != nil {
		return err
	}
	s.apply(&entryItem{key: util.CloneBytes(key), value: util.CloneBytes(value)})
	atomic.AddUint64(&s.writeCounter, 1)
	return nil
}

func (s *structure) Delete(ctx context.Context, key []byte) error {
	if err := s.j.checkWritable(); err != nil {
		return err
	}
	s.apply(&entryItem{key: util.CloneBytes(key), deleted: true})
	atomic.AddUint64(&s.writeCounter, 1)
	return nil
}

func (s *structure) apply(item *entryItem) {
	size := journal.EntrySize(item.key, item.value)
	s.lock.Lock()
	if old := s.tree.ReplaceOrInsert(item); old != nil {
		o := old.(*entryItem)
		s.bytes -= journal.EntrySize(o.key, o.value)
	}
	s.bytes += size
	s.lock.Unlock()
	s.j.addBytes(size)
}

func (s *structure) RangeCopy(ctx context.Context, src journal.Source, from, to []byte) (int64, error) {
	if err := s.j.checkWritable(); err != nil {
		return 0, err
	}
	it, err := src.NewIterator(ctx, from, to)
	if err != nil {
		return 0, err
	}
	defer it.Close()
	var n int64
	for {
		e, ok, err := it.Next()
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		s.apply(&entryItem{key: util.CloneBytes(e.Key), value: util.CloneBytes(e.Value), deleted: e.Deleted})
		n++
	}
}

func (s *structure) NewIterator(ctx context.Context, from, to []byte) (journal.Iterator, error) {
	return &iterator{s: s, next: util.CloneBytes(from), to: to}, nil
}

// iterator copies entries out of the tree in batches so writers are never
// blocked for the lifetime of a scan.
type iterator struct {
	s       *structure
	next    []byte
	to      []byte
	pending []journal.Entry
	done    bool
}

func (it *iterator) Next() (journal.Entry, bool, error) {
	if len(it.pending) == 0 {
		if it.done {
			return journal.Entry{}, false, nil
		}
		it.fill()
		if len(it.pending) == 0 {
			return journal.Entry{}, false, nil
		}
	}
	e := it.pending[0]
	it.pending = it.pending[1:]
	return e, true, nil
}

func (it *iterator) fill() {
	batch := make([]journal.Entry, 0, iteratorBatch)
	visit := func(i btree.Item) bool {
		item := i.(*entryItem)
		if it.to != nil && bytes.Compare(item.key, it.to) >= 0 {
			it.done = true
			return false
		}
		batch = append(batch, item.entry())
		return len(batch) < iteratorBatch
	}
	it.s.lock.RLock()
	if it.next == nil {
		it.s.tree.Ascend(visit)
	} else {
		it.s.tree.AscendGreaterOrEqual(&entryItem{key: it.next}, visit)
	}
	it.s.lock.RUnlock()
	if len(batch) < iteratorBatch {
		it.done = true
	}
	if len(batch) > 0 {
		last := batch[len(batch)-1].Key
		it.next = append(util.CloneBytes(last), 0)
	}
	it.pending = batch
}

func (it *iterator) Close() {
	it.pending = nil
	it.done = true
}

func sortCheckpoints(cps []journal.Checkpoint) {
	sort.Slice(cps, func(i, k int) bool { return cps[i].Name < cps[k].Name })
}
