// Copyright 2023 The Cuber Authors.
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

package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	rdb "github.com/tecbot/gorocksdb"
)

type (
	rocksdb struct {
		path      string
		db        *rdb.DB
		opt       *rdb.Options
		readOpt   *rdb.ReadOptions
		writeOpt  *rdb.WriteOptions
		cfHandles map[CF]*rdb.ColumnFamilyHandle
	}
	rangeIterator struct {
		iterator *rdb.Iterator
		to       []byte
		started  bool
	}
	writeBatch struct {
		s     *rocksdb
		batch *rdb.WriteBatch
	}
)

// Column families are fixed at open time.
func newRocksdb(ctx context.Context, path string, option *Option) (Store, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	dbOpt := genRocksdbOpts(option)
	cols := append([]CF{defaultCF}, option.ColumnFamily...)
	cfNames := make([]string, 0, len(cols))
	cfOpts := make([]*rdb.Options, 0, len(cols))
	for _, col := range cols {
		cfNames = append(cfNames, col.String())
		cfOpts = append(cfOpts, dbOpt)
	}

	db, cfhs, err := rdb.OpenDbColumnFamilies(dbOpt, path, cfNames, cfOpts)
	if err != nil {
		dbOpt.Destroy()
		return nil, err
	}
	handles := make(map[CF]*rdb.ColumnFamilyHandle, len(cfhs))
	for i, h := range cfhs {
		handles[cols[i]] = h
	}

	wo := rdb.NewDefaultWriteOptions()
	wo.SetSync(option.Sync)
	trace.SpanFromContextSafe(ctx).Debugf("rocksdb opened at %s with columns %v", path, cfNames)
	return &rocksdb{
		path:      path,
		db:        db,
		opt:       dbOpt,
		readOpt:   rdb.NewDefaultReadOptions(),
		writeOpt:  wo,
		cfHandles: handles,
	}, nil
}

func (s *rocksdb) Path() string {
	return s.path
}

func (s *rocksdb) Get(ctx context.Context, col CF, key []byte) ([]byte, error) {
	v, err := s.db.GetCF(s.readOpt, s.handle(col), key)
	if err != nil {
		return nil, err
	}
	defer v.Free()
	if !v.Exists() {
		return nil, ErrNotFound
	}
	return append(make([]byte, 0, v.Size()), v.Data()...), nil
}

func (s *rocksdb) Put(ctx context.Context, col CF, key, value []byte) error {
	return s.db.PutCF(s.writeOpt, s.handle(col), key, value)
}

func (s *rocksdb) Range(ctx context.Context, col CF, from, to []byte) Iterator {
	t := s.db.NewIteratorCF(s.readOpt, s.handle(col))
	if from != nil {
		t.Seek(from)
	} else {
		t.SeekToFirst()
	}
	return &rangeIterator{iterator: t, to: to}
}

func (s *rocksdb) NewWriteBatch() WriteBatch {
	return &writeBatch{s: s, batch: rdb.NewWriteBatch()}
}

func (s *rocksdb) Write(ctx context.Context, batch WriteBatch) error {
	return s.db.Write(s.writeOpt, batch.(*writeBatch).batch)
}

func (s *rocksdb) Close() {
	s.writeOpt.Destroy()
	s.readOpt.Destroy()
	for _, h := range s.cfHandles {
		h.Destroy()
	}
	s.db.Close()
	s.opt.Destroy()
}

func (s *rocksdb) handle(col CF) *rdb.ColumnFamilyHandle {
	if col == "" {
		col = defaultCF
	}
	cf, ok := s.cfHandles[col]
	if !ok {
		panic(fmt.Sprintf("col:%s not exist", col.String()))
	}
	return cf
}

func (it *rangeIterator) Next() (key []byte, value []byte, err error) {
	if it.started {
		it.iterator.Next()
	}
	it.started = true
	if err = it.iterator.Err(); err != nil {
		return nil, nil, err
	}
	if !it.iterator.Valid() {
		return nil, nil, nil
	}
	k := it.iterator.Key()
	defer k.Free()
	if it.to != nil && bytes.Compare(k.Data(), it.to) >= 0 {
		return nil, nil, nil
	}
	v := it.iterator.Value()
	defer v.Free()
	key = append(make([]byte, 0, k.Size()), k.Data()...)
	value = append(make([]byte, 0, v.Size()), v.Data()...)
	return key, value, nil
}

func (it *rangeIterator) Close() {
	it.iterator.Close()
}

func (w *writeBatch) Put(col CF, key, value []byte) {
	w.batch.PutCF(w.s.handle(col), key, value)
}

func (w *writeBatch) DeleteRange(col CF, from, to []byte) {
	w.batch.DeleteRangeCF(w.s.handle(col), from, to)
}

func (w *writeBatch) Count() int {
	return w.batch.Count()
}

func (w *writeBatch) Close() {
	w.batch.Destroy()
}

func genRocksdbOpts(opt *Option) *rdb.Options {
	opts := rdb.NewDefaultOptions()
	blockBaseOpt := rdb.NewDefaultBlockBasedTableOptions()
	opts.SetCreateIfMissing(opt.CreateIfMissing)
	if opt.BlockSize > 0 {
		blockBaseOpt.SetBlockSize(opt.BlockSize)
	}
	if opt.BlockCache > 0 {
		blockBaseOpt.SetBlockCache(rdb.NewLRUCache(opt.BlockCache))
	}
	if opt.MaxOpenFiles > 0 {
		opts.SetMaxOpenFiles(opt.MaxOpenFiles)
	}
	if opt.WriteBufferSize > 0 {
		opts.SetWriteBufferSize(opt.WriteBufferSize)
	}
	if opt.MaxBackgroundJobs > 0 {
		opts.SetMaxBackgroundCompactions(opt.MaxBackgroundJobs)
	}
	opts.SetStatsDumpPeriodSec(0)
	opts.SetBlockBasedTableFactory(blockBaseOpt)
	opts.SetCreateIfMissingColumnFamilies(true)
	return opts
}
