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

package resource

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/proto"
)

const (
	keyLen = 8 + 16

	defaultScanBatch = 64
)

var errKeyExists = errors.New("key exists")

type (
	// orderedStore is a sorted byte-key map. Scans return entries with
	// from <= key < to, where a nil to is unbounded.
	orderedStore interface {
		insert(key, value []byte) error
		get(key []byte) ([]byte, bool, error)
		remove(key []byte) (bool, error)
		scan(from, to []byte, limit int) ([]kv, error)
		count() (int, error)
		close() error
	}
	kv struct {
		key   []byte
		value []byte
	}
)

// Directory catalogs journals and index segments by (createTime, uuid).
// Inserts must be serialized by the caller.
type Directory struct {
	store orderedStore
}

// NewMemoryDirectory returns a directory that lives only in memory.
func NewMemoryDirectory() *Directory {
	return &Directory{store: newMemoryStore()}
}

// OpenDirectory opens or creates a durable directory at path.
func OpenDirectory(ctx context.Context, path string) (*Directory, error) {
	st, err := openBoltStore(path)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContextSafe(ctx).Infof("resource directory opened at %s", path)
	return &Directory{store: st}, nil
}

// EncodeKey concatenates the big-endian create time with the uuid bytes so
// that byte order equals (createTime, uuid) order.
func EncodeKey(createTime uint64, id uuid.UUID) []byte {
	key := make([]byte, keyLen)
	binary.BigEndian.PutUint64(key, createTime)
	copy(key[8:], id[:])
	return key
}

func DecodeKey(key []byte) (uint64, uuid.UUID, error) {
	if len(key) != keyLen {
		return 0, uuid.Nil, fmt.Errorf("%w: directory key length %d", apierrors.ErrInvalidArgument, len(key))
	}
	var id uuid.UUID
	copy(id[:], key[8:])
	return binary.BigEndian.Uint64(key), id, nil
}

func timeKey(createTime uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, createTime)
	return key
}

func (d *Directory) Insert(ctx context.Context, desc *proto.ResourceDescriptor) error {
	if desc == nil {
		return fmt.Errorf("%w: nil descriptor", apierrors.ErrInvalidArgument)
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	value, err := msgpack.Marshal(desc)
	if err != nil {
		return err
	}
	if err = d.store.insert(EncodeKey(desc.CreateTime, desc.UUID), value); err != nil {
		if errors.Is(err, errKeyExists) {
			return fmt.Errorf("%w: %s", apierrors.ErrDuplicateKey, desc)
		}
		return err
	}
	trace.SpanFromContextSafe(ctx).Debugf("resource directory add %s", desc)
	return nil
}

func (d *Directory) Lookup(ctx context.Context, createTime uint64, id uuid.UUID) (proto.ResourceDescriptor, bool, error) {
	value, ok, err := d.store.get(EncodeKey(createTime, id))
	if err != nil || !ok {
		return proto.ResourceDescriptor{}, false, err
	}
	desc, err := decodeDescriptor(value)
	if err != nil {
		return proto.ResourceDescriptor{}, false, err
	}
	return desc, true, nil
}

// Remove deletes an entry. Only the purge path calls it; the file itself
// must already be released.
func (d *Directory) Remove(ctx context.Context, createTime uint64, id uuid.UUID) error {
	ok, err := d.store.remove(EncodeKey(createTime, id))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s@%d", apierrors.ErrResourceNotFound, id, createTime)
	}
	trace.SpanFromContextSafe(ctx).Debugf("resource directory remove %s@%d", id, createTime)
	return nil
}

// ScanRange returns a lazy scanner over entries with from <= createTime < to.
// to == 0 means unbounded. Each call yields an independent scanner.
func (d *Directory) ScanRange(ctx context.Context, from, to uint64) *Scanner {
	s := &Scanner{store: d.store, next: timeKey(from), batch: defaultScanBatch}
	if to != 0 {
		s.end = timeKey(to)
	}
	return s
}

// All lists every entry in key order.
func (d *Directory) All(ctx context.Context) ([]proto.ResourceDescriptor, error) {
	var ret []proto.ResourceDescriptor
	s := d.ScanRange(ctx, 0, 0)
	for {
		desc, ok, err := s.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return ret, nil
		}
		ret = append(ret, desc)
	}
}

func (d *Directory) Len() (int, error) {
	return d.store.count()
}

func (d *Directory) Close() error {
	return d.store.close()
}

// Scanner walks a directory range in batches. It is not safe for
// concurrent use.
type Scanner struct {
	store   orderedStore
	next    []byte
	end     []byte
	batch   int
	pending []kv
	done    bool
}

func (s *Scanner) Next() (proto.ResourceDescriptor, bool, error) {
	if len(s.pending) == 0 {
		if s.done {
			return proto.ResourceDescriptor{}, false, nil
		}
		kvs, err := s.store.scan(s.next, s.end, s.batch)
		if err != nil {
			return proto.ResourceDescriptor{}, false, err
		}
		if len(kvs) < s.batch {
			s.done = true
		}
		if len(kvs) == 0 {
			return proto.ResourceDescriptor{}, false, nil
		}
		last := kvs[len(kvs)-1].key
		// smallest key greater than last
		s.next = append(append(make([]byte, 0, len(last)+1), last...), 0)
		s.pending = kvs
	}
	item := s.pending[0]
	s.pending = s.pending[1:]
	desc, err := decodeDescriptor(item.value)
	if err != nil {
		return proto.ResourceDescriptor{}, false, err
	}
	return desc, true, nil
}

func decodeDescriptor(value []byte) (proto.ResourceDescriptor, error) {
	var desc proto.ResourceDescriptor
	if err := msgpack.Unmarshal(value, &desc); err != nil {
		return desc, err
	}
	return desc, nil
}
