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

package segment

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sort"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/edsrzf/mmap-go"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/willf/bloom"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/journal"
	"github.com/cubefs/journaldb/proto"
	"github.com/cubefs/journaldb/util"
)

// Segment is an open, memory mapped segment file. It starts with one
// reference owned by the opener and unmaps when the last one is released.
type Segment struct {
	meta    meta
	file    *os.File
	data    mmap.MMap
	offsets []byte
	filter  *bloom.BloomFilter
	refs    int32
}

func Open(ctx context.Context, desc proto.ResourceDescriptor) (*Segment, error) {
	file, err := os.Open(desc.FilePath)
	if err != nil {
		return nil, errors.Info(err, "open segment", desc.FilePath)
	}
	data, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		file.Close()
		return nil, errors.Info(err, "mmap segment", desc.FilePath)
	}
	s := &Segment{file: file, data: data, refs: 1}
	if err = s.load(); err != nil {
		s.close()
		return nil, fmt.Errorf("%s: %w", desc.FilePath, err)
	}
	if !s.meta.Descriptor.Equal(desc) {
		s.close()
		return nil, fmt.Errorf("%w: %s holds %s", apierrors.ErrSegmentCorrupted, desc.FilePath, s.meta.Descriptor)
	}
	trace.SpanFromContextSafe(ctx).Debugf("segment opened: %s, %d entries", desc, s.meta.EntryCount)
	return s, nil
}

func (s *Segment) load() error {
	if len(s.data) < footerSize {
		return apierrors.ErrSegmentCorrupted
	}
	footer := s.data[len(s.data)-footerSize:]
	if binary.BigEndian.Uint64(footer[8:]) != magic {
		return fmt.Errorf("%w: bad magic", apierrors.ErrSegmentCorrupted)
	}
	metaLen := uint64(binary.BigEndian.Uint32(footer))
	if metaLen > uint64(len(s.data)-footerSize) {
		return fmt.Errorf("%w: meta length %d", apierrors.ErrSegmentCorrupted, metaLen)
	}
	metaEnd := uint64(len(s.data) - footerSize)
	raw := s.data[metaEnd-metaLen : metaEnd]
	if crc32.ChecksumIEEE(raw) != binary.BigEndian.Uint32(footer[4:]) {
		return fmt.Errorf("%w: meta checksum mismatch", apierrors.ErrSegmentCorrupted)
	}
	if err := msgpack.Unmarshal(raw, &s.meta); err != nil {
		return fmt.Errorf("%w: %v", apierrors.ErrSegmentCorrupted, err)
	}
	m := &s.meta
	offsetsEnd := m.DataLen + uint64(m.EntryCount)*offsetSize
	if offsetsEnd != m.BloomOffset || m.BloomOffset+m.BloomLen > metaEnd-metaLen {
		return fmt.Errorf("%w: inconsistent layout", apierrors.ErrSegmentCorrupted)
	}
	s.offsets = s.data[m.DataLen:offsetsEnd]
	s.filter = new(bloom.BloomFilter)
	if _, err := s.filter.ReadFrom(bytes.NewReader(s.data[m.BloomOffset : m.BloomOffset+m.BloomLen])); err != nil {
		return fmt.Errorf("%w: bloom filter: %v", apierrors.ErrSegmentCorrupted, err)
	}
	return nil
}

func (s *Segment) Descriptor() proto.ResourceDescriptor { return s.meta.Descriptor }
func (s *Segment) IndexName() string                    { return s.meta.IndexName }
func (s *Segment) EntryCount() int64                    { return s.meta.EntryCount }
func (s *Segment) ByteCount() int64                     { return s.meta.ByteCount }
func (s *Segment) HasTombstone() bool                   { return s.meta.HasTombstone }

func (s *Segment) Retain() {
	atomic.AddInt32(&s.refs, 1)
}

func (s *Segment) Release() {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		s.close()
	}
}

func (s *Segment) close() {
	if s.data != nil {
		s.data.Unmap()
		s.data = nil
	}
	s.file.Close()
}

func (s *Segment) entryAt(i int) (key, value []byte, deleted bool, err error) {
	off := binary.BigEndian.Uint64(s.offsets[i*offsetSize:])
	if off >= s.meta.DataLen {
		return nil, nil, false, apierrors.ErrSegmentCorrupted
	}
	return decodeEntry(s.data[off:s.meta.DataLen])
}

// search returns the index of the first entry with key >= target.
func (s *Segment) search(target []byte) (int, error) {
	var serr error
	i := sort.Search(int(s.meta.EntryCount), func(i int) bool {
		key, _, _, err := s.entryAt(i)
		if err != nil {
			serr = err
			return true
		}
		return bytes.Compare(key, target) >= 0
	})
	return i, serr
}

// KeyAt returns a copy of the i-th key in order.
func (s *Segment) KeyAt(i int) ([]byte, error) {
	if i < 0 || int64(i) >= s.meta.EntryCount {
		return nil, fmt.Errorf("%w: key index %d", apierrors.ErrInvalidArgument, i)
	}
	key, _, _, err := s.entryAt(i)
	return util.CloneBytes(key), err
}

func (s *Segment) Get(ctx context.Context, key []byte) (journal.Entry, bool, error) {
	if s.meta.EntryCount == 0 || !s.filter.Test(key) {
		return journal.Entry{}, false, nil
	}
	i, err := s.search(key)
	if err != nil || int64(i) >= s.meta.EntryCount {
		return journal.Entry{}, false, err
	}
	k, v, deleted, err := s.entryAt(i)
	if err != nil || !bytes.Equal(k, key) {
		return journal.Entry{}, false, err
	}
	return journal.Entry{Key: util.CloneBytes(k), Value: util.CloneBytes(v), Deleted: deleted}, true, nil
}

func (s *Segment) NewIterator(ctx context.Context, from, to []byte) (journal.Iterator, error) {
	start := 0
	if from != nil {
		var err error
		if start, err = s.search(from); err != nil {
			return nil, err
		}
	}
	s.Retain()
	return &iterator{s: s, pos: start, to: to}, nil
}

// iterator holds a reference on the segment until closed.
type iterator struct {
	s      *Segment
	pos    int
	to     []byte
	closed bool
}

func (it *iterator) Next() (journal.Entry, bool, error) {
	if it.closed || int64(it.pos) >= it.s.meta.EntryCount {
		return journal.Entry{}, false, nil
	}
	k, v, deleted, err := it.s.entryAt(it.pos)
	if err != nil {
		return journal.Entry{}, false, err
	}
	if it.to != nil && bytes.Compare(k, it.to) >= 0 {
		return journal.Entry{}, false, nil
	}
	it.pos++
	return journal.Entry{Key: util.CloneBytes(k), Value: util.CloneBytes(v), Deleted: deleted}, true, nil
}

func (it *iterator) Close() {
	if !it.closed {
		it.closed = true
		it.s.Release()
	}
}

// Remove deletes a segment file that is no longer referenced.
func Remove(desc proto.ResourceDescriptor) error {
	if err := os.Remove(desc.FilePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
