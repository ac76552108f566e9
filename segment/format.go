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

// Package segment implements immutable index segments. A segment file holds
// sorted entries followed by an offset table, a bloom filter over the keys,
// a msgpack encoded meta block and a fixed size footer:
//
//	| entries | offsets | bloom | meta | metaLen(4) crc(4) magic(8) |
//
// Each entry is uvarint(len(key)) key flag uvarint(len(value)) value.
package segment

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/proto"
)

const (
	magic      = uint64(0x6a646273_65676d31) // "jdbsegm1"
	footerSize = 16
	offsetSize = 8

	flagValue     = byte(0)
	flagTombstone = byte(1)

	fileSuffix = ".seg"
	tmpSuffix  = ".tmp"
)

type meta struct {
	Descriptor   proto.ResourceDescriptor `msgpack:"descriptor"`
	IndexName    string                   `msgpack:"index_name"`
	EntryCount   int64                    `msgpack:"entry_count"`
	ByteCount    int64                    `msgpack:"byte_count"`
	DataLen      uint64                   `msgpack:"data_len"`
	BloomOffset  uint64                   `msgpack:"bloom_offset"`
	BloomLen     uint64                   `msgpack:"bloom_len"`
	MinKey       []byte                   `msgpack:"min_key"`
	MaxKey       []byte                   `msgpack:"max_key"`
	HasTombstone bool                     `msgpack:"has_tombstone"`
}

// FileName returns the path of the segment created at createTime.
func FileName(dir string, createTime uint64, id uuid.UUID) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%020d-%s%s", createTime, id, fileSuffix))
}

func appendEntry(dst []byte, key, value []byte, deleted bool) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(key)))
	dst = append(dst, key...)
	if deleted {
		return append(dst, flagTombstone)
	}
	dst = append(dst, flagValue)
	dst = binary.AppendUvarint(dst, uint64(len(value)))
	return append(dst, value...)
}

// decodeEntry parses the entry at the head of b. Returned slices alias b.
func decodeEntry(b []byte) (key, value []byte, deleted bool, err error) {
	kl, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < kl+1 {
		return nil, nil, false, apierrors.ErrSegmentCorrupted
	}
	b = b[n:]
	key, b = b[:kl], b[kl:]
	if b[0] == flagTombstone {
		return key, nil, true, nil
	}
	b = b[1:]
	vl, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < vl {
		return nil, nil, false, apierrors.ErrSegmentCorrupted
	}
	return key, b[n : n+int(vl)], false, nil
}
