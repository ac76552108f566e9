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
	"io"
	"os"
	"path/filepath"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/willf/bloom"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/proto"
	"github.com/cubefs/journaldb/util"
	"github.com/cubefs/journaldb/util/limiter"
)

const (
	writeBufferSize       = 64 << 10
	defaultFalsePositive  = 0.01
	minExpectedBloomCount = 64
)

type WriterOptions struct {
	Dir       string
	IndexName string
	// ExpectedEntries sizes the bloom filter.
	ExpectedEntries int64
	Limiter         *limiter.Limiter
}

// Writer builds a segment from entries added in strictly ascending key
// order. The file only becomes visible under its final name on Finish.
type Writer struct {
	ctx  context.Context
	meta meta

	file    *os.File
	tw      *util.TimeWriter
	out     io.Writer
	pooled  []byte
	buf     []byte
	offset  uint64
	offsets []uint64
	filter  *bloom.BloomFilter
	lastKey []byte
	lim     *limiter.Limiter
	done    bool
}

func NewWriter(ctx context.Context, createTime uint64, opts WriterOptions) (*Writer, error) {
	if createTime == 0 {
		return nil, fmt.Errorf("%w: zero create time", apierrors.ErrInvalidArgument)
	}
	if opts.Limiter != nil {
		if err := opts.Limiter.Acquire(); err != nil {
			return nil, err
		}
	}
	desc := proto.ResourceDescriptor{UUID: uuid.New(), CreateTime: createTime, Kind: proto.KindSegment}
	desc.FilePath = FileName(opts.Dir, createTime, desc.UUID)
	file, err := os.OpenFile(desc.FilePath+tmpSuffix, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if opts.Limiter != nil {
			opts.Limiter.Release()
		}
		return nil, errors.Info(err, "create segment", desc.FilePath)
	}
	expected := opts.ExpectedEntries
	if expected < minExpectedBloomCount {
		expected = minExpectedBloomCount
	}
	pooled := util.GetBuffer(writeBufferSize)
	w := &Writer{
		ctx:    ctx,
		meta:   meta{Descriptor: desc, IndexName: opts.IndexName},
		file:   file,
		tw:     &util.TimeWriter{W: file},
		pooled: pooled,
		buf:    pooled[:0],
		filter: bloom.NewWithEstimates(uint(expected), defaultFalsePositive),
		lim:    opts.Limiter,
	}
	w.out = w.tw
	if opts.Limiter != nil {
		w.out = opts.Limiter.Writer(ctx, w.tw)
	}
	return w, nil
}

func (w *Writer) Descriptor() proto.ResourceDescriptor {
	return w.meta.Descriptor
}

func (w *Writer) EntryCount() int64 {
	return w.meta.EntryCount
}

// Size is the number of entry bytes written so far.
func (w *Writer) Size() uint64 {
	return w.offset
}

func (w *Writer) Add(key, value []byte, deleted bool) error {
	if w.done {
		return fmt.Errorf("%w: segment writer finished", apierrors.ErrIllegalState)
	}
	if w.meta.EntryCount > 0 && bytes.Compare(key, w.lastKey) <= 0 {
		return fmt.Errorf("%w: key %q not after %q", apierrors.ErrInvalidArgument, key, w.lastKey)
	}
	before := len(w.buf)
	w.buf = appendEntry(w.buf, key, value, deleted)
	w.offsets = append(w.offsets, w.offset)
	w.offset += uint64(len(w.buf) - before)
	w.filter.Add(key)

	w.lastKey = append(w.lastKey[:0], key...)
	if w.meta.EntryCount == 0 {
		w.meta.MinKey = util.CloneBytes(key)
	}
	w.meta.EntryCount++
	w.meta.ByteCount += int64(len(key) + len(value))
	w.meta.HasTombstone = w.meta.HasTombstone || deleted
	if len(w.buf) >= writeBufferSize {
		return w.flush()
	}
	return nil
}

func (w *Writer) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	if _, err := w.out.Write(w.buf); err != nil {
		return err
	}
	w.buf = w.buf[:0]
	return nil
}

// Finish writes the trailer, syncs the file and moves it to its final name.
func (w *Writer) Finish() (proto.ResourceDescriptor, error) {
	if err := w.finish(); err != nil {
		w.Abort()
		return proto.ResourceDescriptor{}, err
	}
	span := trace.SpanFromContextSafe(w.ctx)
	span.Debugf("segment %s finished: %d entries, %d bytes, write cost %s",
		w.meta.Descriptor, w.meta.EntryCount, w.offset, w.tw.GetCost())
	return w.meta.Descriptor, nil
}

func (w *Writer) finish() error {
	if w.done {
		return fmt.Errorf("%w: segment writer finished", apierrors.ErrIllegalState)
	}
	if err := w.flush(); err != nil {
		return err
	}
	w.meta.DataLen = w.offset
	w.meta.MaxKey = util.CloneBytes(w.lastKey)

	var scratch [offsetSize]byte
	for _, off := range w.offsets {
		binary.BigEndian.PutUint64(scratch[:], off)
		w.buf = append(w.buf, scratch[:]...)
		if len(w.buf) >= writeBufferSize {
			if err := w.flush(); err != nil {
				return err
			}
		}
	}
	if err := w.flush(); err != nil {
		return err
	}
	w.meta.BloomOffset = w.meta.DataLen + uint64(len(w.offsets))*offsetSize
	n, err := w.filter.WriteTo(w.out)
	if err != nil {
		return err
	}
	w.meta.BloomLen = uint64(n)

	raw, err := msgpack.Marshal(&w.meta)
	if err != nil {
		return err
	}
	footer := make([]byte, footerSize)
	binary.BigEndian.PutUint32(footer[0:], uint32(len(raw)))
	binary.BigEndian.PutUint32(footer[4:], crc32.ChecksumIEEE(raw))
	binary.BigEndian.PutUint64(footer[8:], magic)
	w.buf = append(append(w.buf, raw...), footer...)
	if err = w.flush(); err != nil {
		return err
	}
	if err = w.file.Sync(); err != nil {
		return err
	}
	if err = w.file.Close(); err != nil {
		return err
	}
	w.release()
	path := w.meta.Descriptor.FilePath
	if err = os.Rename(path+tmpSuffix, path); err != nil {
		return errors.Info(err, "rename segment", path)
	}
	if err = syncDir(filepath.Dir(path)); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// syncDir persists the directory entries of dir.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return errors.Info(err, "open segment dir", dir)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return errors.Info(err, "sync segment dir", dir)
	}
	return f.Close()
}

// Abort discards the partial file. Safe to call after Finish failed.
func (w *Writer) Abort() {
	if !w.done {
		w.file.Close()
		w.release()
	}
	os.Remove(w.meta.Descriptor.FilePath + tmpSuffix)
}

func (w *Writer) release() {
	w.done = true
	util.PutBuffer(w.pooled)
	w.pooled, w.buf = nil, nil
	if w.lim != nil {
		w.lim.Release()
	}
}
