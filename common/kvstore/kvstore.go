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
	"context"
	"errors"
)

const (
	defaultCF = "default"

	RocksdbLsmKVType = LsmKVType("rocksdb")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
)

type (
	CF        string
	LsmKVType string

	// Store is an ordered key value store split into column families.
	// Every column family must be declared in Option.ColumnFamily.
	Store interface {
		Get(ctx context.Context, col CF, key []byte) ([]byte, error)
		Put(ctx context.Context, col CF, key, value []byte) error
		// Range iterates from <= key < to. A nil bound is open.
		Range(ctx context.Context, col CF, from, to []byte) Iterator
		NewWriteBatch() WriteBatch
		Write(ctx context.Context, batch WriteBatch) error
		Path() string
		Close()
	}
	// Iterator returns a nil key once the range is exhausted.
	Iterator interface {
		Next() (key []byte, value []byte, err error)
		Close()
	}
	WriteBatch interface {
		Put(col CF, key, value []byte)
		DeleteRange(col CF, from, to []byte)
		Count() int
		Close()
	}

	Option struct {
		Sync              bool   `json:"sync"`
		CreateIfMissing   bool   `json:"create_if_missing"`
		ColumnFamily      []CF   `json:"column_family"`
		BlockSize         int    `json:"block_size"`
		BlockCache        uint64 `json:"block_cache"`
		MaxOpenFiles      int    `json:"max_open_files"`
		WriteBufferSize   int    `json:"write_buffer_size"`
		MaxBackgroundJobs int    `json:"max_background_jobs"`
	}
)

func NewKVStore(ctx context.Context, path string, lsmType LsmKVType, option *Option) (Store, error) {
	switch lsmType {
	case RocksdbLsmKVType:
		return newRocksdb(ctx, path, option)
	default:
		return nil, ErrKVTypeNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}
