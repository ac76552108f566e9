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
	"sync"

	"github.com/cubefs/cubefs/util/btree"
)

type memoryItem kv

func (i *memoryItem) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*memoryItem).key) < 0
}

func (i *memoryItem) Copy() btree.Item {
	return &memoryItem{key: i.key, value: i.value}
}

type memoryStore struct {
	lock sync.RWMutex
	tree *btree.BTree
}

func newMemoryStore() *memoryStore {
	return &memoryStore{tree: btree.New(32)}
}

func (m *memoryStore) insert(key, value []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	item := &memoryItem{key: key, value: value}
	if m.tree.Get(item) != nil {
		return errKeyExists
	}
	m.tree.ReplaceOrInsert(item)
	return nil
}

func (m *memoryStore) get(key []byte) ([]byte, bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	found := m.tree.Get(&memoryItem{key: key})
	if found == nil {
		return nil, false, nil
	}
	return found.(*memoryItem).value, true, nil
}

func (m *memoryStore) remove(key []byte) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.tree.Delete(&memoryItem{key: key}) != nil, nil
}

func (m *memoryStore) scan(from, to []byte, limit int) ([]kv, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	ret := make([]kv, 0, limit)
	m.tree.AscendGreaterOrEqual(&memoryItem{key: from}, func(i btree.Item) bool {
		item := i.(*memoryItem)
		if to != nil && bytes.Compare(item.key, to) >= 0 {
			return false
		}
		ret = append(ret, kv(*item))
		return len(ret) < limit
	})
	return ret, nil
}

func (m *memoryStore) count() (int, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.tree.Len(), nil
}

func (m *memoryStore) close() error {
	return nil
}
