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

package kv

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// memStore is a sorted in-memory Store used by region/txn/scan/invindex
// tests and by the single-process dev entrypoint. It is not meant to back
// a production deployment; a real deployment wires Store to an on-disk
// ordered engine.
type memStore struct {
	mu   sync.RWMutex
	cols map[CF]map[string][]byte
}

func NewMemStore() Store {
	return &memStore{cols: map[CF]map[string][]byte{
		DefaultCF: {},
		MetaCF:    {},
		ReverseCF: {},
	}}
}

func (s *memStore) CreateColumn(cf CF) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cols[cf]; !ok {
		s.cols[cf] = map[string][]byte{}
	}
	return nil
}

func (s *memStore) GetAllColumns() []CF {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfs := make([]CF, 0, len(s.cols))
	for cf := range s.cols {
		cfs = append(cfs, cf)
	}
	return cfs
}

func (s *memStore) NewSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &memSnapshot{cols: map[CF]map[string][]byte{}}
	for cf, m := range s.cols {
		cp := make(map[string][]byte, len(m))
		for k, v := range m {
			cp[k] = append([]byte(nil), v...)
		}
		snap.cols[cf] = cp
	}
	return snap
}

func (s *memStore) Begin(snap Snapshot) Txn {
	ms, _ := snap.(*memSnapshot)
	return &memTxn{
		store:   s,
		snap:    ms,
		puts:    map[CF]map[string][]byte{},
		deletes: map[CF]map[string]struct{}{},
		locked:  map[string]struct{}{},
	}
}

func (s *memStore) Get(_ context.Context, cf CF, key []byte, snap Snapshot) (ValueGetter, error) {
	if ms, ok := snap.(*memSnapshot); ok {
		v, ok := ms.cols[cf][string(key)]
		if !ok {
			return nil, ErrNotFound
		}
		return &memValue{v}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cols[cf][string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return &memValue{append([]byte(nil), v...)}, nil
}

func (s *memStore) List(_ context.Context, cf CF, prefix, marker []byte, snap Snapshot) ListReader {
	var src map[string][]byte
	if ms, ok := snap.(*memSnapshot); ok {
		src = ms.cols[cf]
	} else {
		s.mu.RLock()
		src = make(map[string][]byte, len(s.cols[cf]))
		for k, v := range s.cols[cf] {
			src[k] = v
		}
		s.mu.RUnlock()
	}

	keys := make([]string, 0, len(src))
	for k := range src {
		if len(prefix) > 0 && !bytesHasPrefix([]byte(k), prefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if len(marker) > 0 {
		start = sort.SearchStrings(keys, string(marker))
	}
	return &memListReader{keys: keys, vals: src, pos: start - 1}
}

func (s *memStore) Write(_ context.Context, batch WriteBatch) error {
	b := batch.(*memWriteBatch)
	s.mu.Lock()
	defer s.mu.Unlock()
	for cf, m := range b.puts {
		dst, ok := s.cols[cf]
		if !ok {
			dst = map[string][]byte{}
			s.cols[cf] = dst
		}
		for k, v := range m {
			dst[k] = v
		}
	}
	for cf, m := range b.deletes {
		dst := s.cols[cf]
		for k := range m {
			delete(dst, k)
		}
	}
	for cf, rs := range b.delRanges {
		dst := s.cols[cf]
		for _, r := range rs {
			for k := range dst {
				if keyInRange([]byte(k), r.start, r.end) {
					delete(dst, k)
				}
			}
		}
	}
	return nil
}

func (s *memStore) Stats(context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n uint64
	var used uint64
	for _, m := range s.cols {
		n += uint64(len(m))
		for k, v := range m {
			used += uint64(len(k) + len(v))
		}
	}
	return Stats{Used: used, NumEntries: n}, nil
}

func (s *memStore) Close() {}

type memSnapshot struct {
	cols map[CF]map[string][]byte
}

func (s *memSnapshot) Close() {}

type memValue struct{ v []byte }

func (m *memValue) Value() []byte { return m.v }
func (m *memValue) Size() int     { return len(m.v) }
func (m *memValue) Close()        {}

type keyRange struct{ start, end []byte }

type memWriteBatch struct {
	puts      map[CF]map[string][]byte
	deletes   map[CF]map[string]struct{}
	delRanges map[CF][]keyRange
}

func NewMemWriteBatch() WriteBatch {
	return &memWriteBatch{
		puts:      map[CF]map[string][]byte{},
		deletes:   map[CF]map[string]struct{}{},
		delRanges: map[CF][]keyRange{},
	}
}

func (b *memWriteBatch) Put(cf CF, key, value []byte) {
	m, ok := b.puts[cf]
	if !ok {
		m = map[string][]byte{}
		b.puts[cf] = m
	}
	m[string(key)] = append([]byte(nil), value...)
}

func (b *memWriteBatch) Delete(cf CF, key []byte) {
	m, ok := b.deletes[cf]
	if !ok {
		m = map[string]struct{}{}
		b.deletes[cf] = m
	}
	m[string(key)] = struct{}{}
}

func (b *memWriteBatch) DeleteRange(cf CF, start, end []byte) {
	b.delRanges[cf] = append(b.delRanges[cf], keyRange{start: start, end: end})
}

func (b *memWriteBatch) Close() {}

// memTxn buffers writes and row locks over a fixed snapshot view until
// Commit flushes them atomically into the backing store.
type memTxn struct {
	mu      sync.Mutex
	store   *memStore
	snap    *memSnapshot
	puts    map[CF]map[string][]byte
	deletes map[CF]map[string]struct{}
	locked  map[string]struct{}
	done    bool
}

func (t *memTxn) Get(_ context.Context, cf CF, key []byte) (ValueGetter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.puts[cf]; ok {
		if v, ok := m[string(key)]; ok {
			return &memValue{v}, nil
		}
	}
	if m, ok := t.deletes[cf]; ok {
		if _, ok := m[string(key)]; ok {
			return nil, ErrNotFound
		}
	}
	if t.snap != nil {
		if v, ok := t.snap.cols[cf][string(key)]; ok {
			return &memValue{v}, nil
		}
		return nil, ErrNotFound
	}
	return t.store.Get(context.Background(), cf, key, nil)
}

func (t *memTxn) Put(cf CF, key, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.puts[cf]
	if !ok {
		m = map[string][]byte{}
		t.puts[cf] = m
	}
	m[string(key)] = append([]byte(nil), value...)
	if dm, ok := t.deletes[cf]; ok {
		delete(dm, string(key))
	}
}

func (t *memTxn) Delete(cf CF, key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.deletes[cf]
	if !ok {
		m = map[string]struct{}{}
		t.deletes[cf] = m
	}
	m[string(key)] = struct{}{}
	if pm, ok := t.puts[cf]; ok {
		delete(pm, string(key))
	}
}

func (t *memTxn) DeleteRange(cf CF, start, end []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var keys map[string][]byte
	if t.snap != nil {
		keys = t.snap.cols[cf]
	} else {
		t.store.mu.RLock()
		keys = t.store.cols[cf]
		t.store.mu.RUnlock()
	}
	m, ok := t.deletes[cf]
	if !ok {
		m = map[string]struct{}{}
		t.deletes[cf] = m
	}
	for k := range keys {
		if keyInRange([]byte(k), start, end) {
			m[k] = struct{}{}
		}
	}
}

func (t *memTxn) Lock(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locked[string(key)] = struct{}{}
	return nil
}

func (t *memTxn) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnClosed
	}
	t.done = true
	batch := &memWriteBatch{puts: t.puts, deletes: t.deletes, delRanges: map[CF][]keyRange{}}
	return t.store.Write(ctx, batch)
}

func (t *memTxn) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.puts = nil
	t.deletes = nil
}

type memListReader struct {
	keys []string
	vals map[string][]byte
	pos  int
}

func (r *memListReader) Next() (key []byte, val ValueGetter, ok bool) {
	r.pos++
	if r.pos < 0 || r.pos >= len(r.keys) {
		return nil, nil, false
	}
	k := r.keys[r.pos]
	return []byte(k), &memValue{r.vals[k]}, true
}

func (r *memListReader) Prev() (key []byte, val ValueGetter, ok bool) {
	r.pos--
	if r.pos < 0 || r.pos >= len(r.keys) {
		return nil, nil, false
	}
	k := r.keys[r.pos]
	return []byte(k), &memValue{r.vals[k]}, true
}

func (r *memListReader) SeekTo(key []byte) {
	r.pos = sort.SearchStrings(r.keys, string(key)) - 1
}

func (r *memListReader) SeekForPrev(key []byte) {
	i := sort.SearchStrings(r.keys, string(key))
	if i < len(r.keys) && r.keys[i] == string(key) {
		r.pos = i + 1
		return
	}
	r.pos = i
}

func (r *memListReader) Close() {}

func bytesHasPrefix(b, prefix []byte) bool { return bytes.HasPrefix(b, prefix) }

func keyInRange(k, start, end []byte) bool {
	if len(start) > 0 && bytes.Compare(k, start) < 0 {
		return false
	}
	if len(end) > 0 && bytes.Compare(k, end) >= 0 {
		return false
	}
	return true
}
