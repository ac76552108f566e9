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
	"bytes"
	"os"
	"path/filepath"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/cubefs/journaldb/util"
)

var bucketName = []byte("resources")

type boltStore struct {
	db *bolt.DB
}

func openBoltStore(path string) (*boltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Info(err, "open resource directory", path)
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (b *boltStore) insert(key, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		if bkt.Get(key) != nil {
			return errKeyExists
		}
		return bkt.Put(key, value)
	})
}

func (b *boltStore) get(key []byte) (value []byte, ok bool, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get(key); v != nil {
			// bolt values are only valid inside the transaction
			value, ok = util.CloneBytes(v), true
		}
		return nil
	})
	return
}

func (b *boltStore) remove(key []byte) (ok bool, err error) {
	err = b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		if bkt.Get(key) == nil {
			return nil
		}
		ok = true
		return bkt.Delete(key)
	})
	return
}

func (b *boltStore) scan(from, to []byte, limit int) (ret []kv, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Seek(from); k != nil && len(ret) < limit; k, v = c.Next() {
			if to != nil && bytes.Compare(k, to) >= 0 {
				break
			}
			ret = append(ret, kv{key: util.CloneBytes(k), value: util.CloneBytes(v)})
		}
		return nil
	})
	return
}

func (b *boltStore) count() (n int, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	return
}

func (b *boltStore) close() error {
	return b.db.Close()
}
