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

package rocksdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cubefs/journaldb/common/kvstore"
	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/journal"
	"github.com/cubefs/journaldb/proto"
	"github.com/cubefs/journaldb/util"
)

const (
	flagValue     = byte(0)
	flagTombstone = byte(1)

	copyBatchSize = 1024
)

type structure struct {
	j      *Journal
	root   uint64
	prefix []byte

	md           atomic.Pointer[proto.IndexMetadata]
	writeCounter uint64

	// lock serializes read-modify-write of the counters
	lock       sync.Mutex
	entries    int64
	bytes      int64
	commitTime uint64
	parentTime uint64
}

func newStructure(j *Journal, root uint64, cp journal.Checkpoint) *structure {
	s := &structure{
		j:            j,
		root:         root,
		prefix:       rootPrefix(root),
		writeCounter: cp.WriteCounter,
		entries:      cp.EntryCount,
		bytes:        cp.ByteCount,
		commitTime:   cp.CommitTime,
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
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.entries
}

func (s *structure) ByteCount() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.bytes
}

func (s *structure) Checkpoint() journal.Checkpoint {
	s.lock.Lock()
	defer s.lock.Unlock()
	md := s.md.Load()
	return journal.Checkpoint{
		Name:         md.Name,
		Metadata:     md,
		WriteCounter: s.WriteCounter(),
		EntryCount:   s.entries,
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

func (s *structure) dataKey(key []byte) []byte {
	return append(append(make([]byte, 0, len(s.prefix)+len(key)), s.prefix...), key...)
}

func encodeValue(e journal.Entry) []byte {
	if e.Deleted {
		return []byte{flagTombstone}
	}
	return append([]byte{flagValue}, e.Value...)
}

func decodeValue(key, raw []byte) (journal.Entry, error) {
	if len(raw) == 0 {
		return journal.Entry{}, fmt.Errorf("%w: empty value for key %q", apierrors.ErrInvalidArgument, key)
	}
	if raw[0] == flagTombstone {
		return journal.Entry{Key: key, Deleted: true}, nil
	}
	return journal.Entry{Key: key, Value: raw[1:]}, nil
}

func (s *structure) Get(ctx context.Context, key []byte) (journal.Entry, bool, error) {
	raw, err := s.j.kv.Get(ctx, dataCF, s.dataKey(key))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return journal.Entry{}, false, nil
		}
		return journal.Entry{}, false, err
	}
	e, err := decodeValue(util.CloneBytes(key), raw)
	return e, err == nil, err
}

func (s *structure) Put(ctx context.Context, key, value []byte) error {
	if err := s.j.checkWritable(); err != nil {
		return err
	}
	if err := s.apply(ctx, journal.Entry{Key: key, Value: value}); err != nil {
		return err
	}
	atomic.AddUint64(&s.writeCounter, 1)
	return nil
}

func (s *structure) Delete(ctx context.Context, key []byte) error {
	if err := s.j.checkWritable(); err != nil {
		return err
	}
	if err := s.apply(ctx, journal.Entry{Key: key, Deleted: true}); err != nil {
		return err
	}
	atomic.AddUint64(&s.writeCounter, 1)
	return nil
}

func (s *structure) apply(ctx context.Context, e journal.Entry) error {
	dk := s.dataKey(e.Key)
	size := journal.EntrySize(e.Key, e.Value)

	s.lock.Lock()
	defer s.lock.Unlock()
	old, err := s.j.kv.Get(ctx, dataCF, dk)
	switch {
	case err == nil:
		prev, derr := decodeValue(e.Key, old)
		if derr != nil {
			return derr
		}
		s.bytes -= journal.EntrySize(prev.Key, prev.Value)
	case errors.Is(err, kvstore.ErrNotFound):
		s.entries++
	default:
		return err
	}
	if err = s.j.kv.Put(ctx, dataCF, dk, encodeValue(e)); err != nil {
		return err
	}
	s.bytes += size
	atomic.AddInt64(&s.j.bytesWritten, size)
	return nil
}

// RangeCopy writes in batches; the copied structure is not visible to
// readers until the journal registers and commits it.
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
		pending := make([]journal.Entry, 0, copyBatchSize)
		for len(pending) < copyBatchSize {
			e, ok, err := it.Next()
			if err != nil {
				return n, err
			}
			if !ok {
				break
			}
			pending = append(pending, e)
		}
		if len(pending) == 0 {
			return n, nil
		}
		for _, e := range pending {
			if err = s.apply(ctx, e); err != nil {
				return n, err
			}
			n++
		}
		if err = ctx.Err(); err != nil {
			return n, err
		}
	}
}

func (s *structure) NewIterator(ctx context.Context, from, to []byte) (journal.Iterator, error) {
	start, end := s.prefix, rootPrefix(s.root+1)
	if from != nil {
		start = s.dataKey(from)
	}
	if to != nil {
		end = s.dataKey(to)
	}
	return &iterator{
		it:     s.j.kv.Range(ctx, dataCF, start, end),
		prefix: len(s.prefix),
	}, nil
}

// recount rebuilds counters from the stored data after a reopen.
func (s *structure) recount(ctx context.Context) error {
	it, err := s.NewIterator(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer it.Close()
	var entries, size int64
	for {
		e, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		entries++
		size += journal.EntrySize(e.Key, e.Value)
	}
	s.lock.Lock()
	s.entries, s.bytes = entries, size
	s.lock.Unlock()
	return nil
}

func (s *structure) truncate(ctx context.Context) error {
	batch := s.j.kv.NewWriteBatch()
	defer batch.Close()
	batch.DeleteRange(dataCF, s.prefix, rootPrefix(s.root+1))
	return s.j.kv.Write(ctx, batch)
}

type iterator struct {
	it     kvstore.Iterator
	prefix int
}

func (it *iterator) Next() (journal.Entry, bool, error) {
	key, value, err := it.it.Next()
	if err != nil || key == nil {
		return journal.Entry{}, false, err
	}
	e, err := decodeValue(key[it.prefix:], value)
	if err != nil {
		return journal.Entry{}, false, err
	}
	return e, true, nil
}

func (it *iterator) Close() {
	it.it.Close()
}
