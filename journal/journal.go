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

package journal

import (
	"context"

	"github.com/cubefs/journaldb/proto"
)

// EntryOverhead approximates per-entry bookkeeping bytes counted against a
// journal's extent in addition to key and value.
const EntryOverhead = 16

type (
	Entry struct {
		Key     []byte
		Value   []byte
		Deleted bool
	}

	// Iterator yields entries in ascending key order.
	Iterator interface {
		Next() (Entry, bool, error)
		Close()
	}

	// Source is a readable ordered set of entries. Tombstones are returned
	// as entries with Deleted set so newer sources can shadow older ones.
	Source interface {
		Get(ctx context.Context, key []byte) (Entry, bool, error)
		// NewIterator covers from <= key < to. A nil bound is open.
		NewIterator(ctx context.Context, from, to []byte) (Iterator, error)
		EntryCount() int64
		ByteCount() int64
	}

	// Checkpoint is the recoverable state of one structure. CommitTime is
	// zero until the owning journal commits it.
	Checkpoint struct {
		Name         string               `msgpack:"name"`
		Metadata     *proto.IndexMetadata `msgpack:"metadata"`
		WriteCounter uint64               `msgpack:"write_counter"`
		EntryCount   int64                `msgpack:"entry_count"`
		ByteCount    int64                `msgpack:"byte_count"`
		CommitTime   uint64               `msgpack:"commit_time"`
		ParentTime   uint64               `msgpack:"parent_time"`
		Root         uint64               `msgpack:"root"`
	}

	// Structure is a mutable ordered structure living on one journal.
	Structure interface {
		Source
		Name() string
		Metadata() *proto.IndexMetadata
		SetMetadata(md *proto.IndexMetadata)
		// WriteCounter counts mutations over the whole history of the
		// index, including those on earlier journals.
		WriteCounter() uint64
		Checkpoint() Checkpoint
		Put(ctx context.Context, key, value []byte) error
		Delete(ctx context.Context, key []byte) error
		// RangeCopy copies entries of src, tombstones included, without
		// advancing the write counter.
		RangeCopy(ctx context.Context, src Source, from, to []byte) (int64, error)
	}

	Journal interface {
		Descriptor() proto.ResourceDescriptor
		CreateTime() uint64
		CloseTime() uint64
		LastCommitTime() uint64
		BytesWritten() int64
		MaximumExtent() int64
		Transient() bool
		ReadOnly() bool

		// Indices lists structures as of the last commit, sorted by name.
		Indices() []Checkpoint
		Index(name string) (Structure, bool)
		// LoadStructure opens the committed structure for cp, or creates an
		// empty one when cp has not been committed on this journal.
		LoadStructure(ctx context.Context, cp Checkpoint) (Structure, error)
		Register(ctx context.Context, s Structure) error
		Drop(ctx context.Context, name string) error
		Commit(ctx context.Context) (uint64, error)
		CloseForWrites(ctx context.Context, t uint64) error
		Close() error
		// Destroy closes the journal and removes its backing files.
		Destroy() error
	}

	Factory interface {
		Create(ctx context.Context, createTime uint64) (Journal, error)
		Open(ctx context.Context, desc proto.ResourceDescriptor) (Journal, error)
		Transient() bool
	}
)

// CheckpointFrom derives a new, uncommitted checkpoint that continues the
// history of prior under metadata md.
func CheckpointFrom(prior Checkpoint, md *proto.IndexMetadata) Checkpoint {
	return Checkpoint{
		Name:         md.Name,
		Metadata:     md,
		WriteCounter: prior.WriteCounter,
		ParentTime:   prior.CommitTime,
	}
}

// EntrySize is the number of bytes an entry accounts for.
func EntrySize(key, value []byte) int64 {
	return int64(len(key)+len(value)) + EntryOverhead
}

// EmptySource has no entries.
type EmptySource struct{}

func (EmptySource) Get(context.Context, []byte) (Entry, bool, error) { return Entry{}, false, nil }

func (EmptySource) NewIterator(context.Context, []byte, []byte) (Iterator, error) {
	return emptyIterator{}, nil
}
func (EmptySource) EntryCount() int64 { return 0 }
func (EmptySource) ByteCount() int64  { return 0 }

type emptyIterator struct{}

func (emptyIterator) Next() (Entry, bool, error) { return Entry{}, false, nil }
func (emptyIterator) Close()                     {}

// SliceIterator iterates over entries already sorted by key.
type SliceIterator struct {
	entries []Entry
}

func NewSliceIterator(entries []Entry) *SliceIterator {
	return &SliceIterator{entries: entries}
}

func (s *SliceIterator) Next() (Entry, bool, error) {
	if len(s.entries) == 0 {
		return Entry{}, false, nil
	}
	e := s.entries[0]
	s.entries = s.entries[1:]
	return e, true, nil
}

func (s *SliceIterator) Close() {}

// Drain reads every entry of it and closes it.
func Drain(it Iterator) ([]Entry, error) {
	defer it.Close()
	var ret []Entry
	for {
		e, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return ret, nil
		}
		ret = append(ret, e)
	}
}
