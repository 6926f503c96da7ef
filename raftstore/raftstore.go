// Package raftstore adapts the abstract kv.Store engine into
// raftgroup.Storage, so raft logs, hard state and membership records for
// every group hosted on a node live in the same engine as region data,
// the way the teacher's own master/raft_impl.go wraps its kvstore.Store
// with a dedicated raftWalCF rather than standing up a second engine.
package raftstore

import (
	"bytes"
	"context"

	"github.com/dbregion/regioncore/codec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/raftgroup"
)

// CF holds every raft log entry, hard state and conf state record this
// node's groups write, kept separate from region row data the same way
// the teacher keeps raftWalCF apart from its catalog/cluster column
// families.
const CF = kv.CF("raftlog")

// Storage implements raftgroup.Storage over a kv.Store.
type Storage struct {
	store kv.Store
}

// New registers CF on store and returns the adapter.
func New(store kv.Store) (*Storage, error) {
	if err := store.CreateColumn(CF); err != nil {
		return nil, err
	}
	return &Storage{store: store}, nil
}

func (s *Storage) Get(key []byte) (raftgroup.ValGetter, error) {
	v, err := s.store.Get(context.Background(), CF, key, nil)
	if err != nil {
		return nil, err
	}
	return valGetter{v}, nil
}

func (s *Storage) Iter(prefix []byte) raftgroup.Iterator {
	return &iterator{
		lr:     s.store.List(context.Background(), CF, prefix, nil, nil),
		prefix: append([]byte(nil), prefix...),
	}
}

func (s *Storage) NewBatch() raftgroup.Batch {
	return &batch{wb: kv.NewMemWriteBatch()}
}

func (s *Storage) Write(b raftgroup.Batch) error {
	return s.store.Write(context.Background(), b.(*batch).wb)
}

func (s *Storage) Put(key, value []byte) error {
	wb := kv.NewMemWriteBatch()
	wb.Put(CF, key, value)
	return s.store.Write(context.Background(), wb)
}

type valGetter struct {
	v kv.ValueGetter
}

func (g valGetter) Data() []byte { return g.v.Value() }
func (g valGetter) Close()       { g.v.Close() }

// iterator adapts kv.ListReader's pull-one-at-a-time shape to
// raftgroup.Iterator's seek-then-advance cursor shape.
type iterator struct {
	lr     kv.ListReader
	prefix []byte
	key    []byte
	val    kv.ValueGetter
}

func (i *iterator) SeekForPrev(prev []byte) error {
	i.lr.SeekForPrev(prev)
	return nil
}

func (i *iterator) Next() bool {
	key, val, ok := i.lr.Next()
	if !ok {
		return false
	}
	i.key, i.val = key, val
	return true
}

func (i *iterator) Prev() bool {
	key, val, ok := i.lr.Prev()
	if !ok {
		return false
	}
	i.key, i.val = key, val
	return true
}

func (i *iterator) Err() error { return nil }

func (i *iterator) ValidPrefix() bool { return bytes.HasPrefix(i.key, i.prefix) }

func (i *iterator) Key() raftgroup.ValGetter   { return valGetter{byteValue(i.key)} }
func (i *iterator) Value() raftgroup.ValGetter { return valGetter{i.val} }

func (i *iterator) Close() { i.lr.Close() }

type byteValue []byte

func (b byteValue) Value() []byte { return b }
func (b byteValue) Size() int     { return len(b) }
func (b byteValue) Close()        {}

type batchEntry struct {
	key, value []byte
}

// batch implements raftgroup.Batch; Data/From give it a wire encoding so
// a snapshot built on one node can be replayed verbatim on another.
type batch struct {
	wb      kv.WriteBatch
	entries []batchEntry
}

func (b *batch) Put(key, value []byte) {
	b.wb.Put(CF, key, value)
	b.entries = append(b.entries, batchEntry{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

func (b *batch) DeleteRange(start, end []byte) {
	b.wb.DeleteRange(CF, start, end)
}

// Data encodes every Put entry recorded so far; DeleteRange calls never
// appear here since a transmitted snapshot batch is always pure puts.
func (b *batch) Data() []byte {
	buf := codec.EncodeUint64(uint64(len(b.entries)))
	for _, e := range b.entries {
		buf = codec.AppendLengthPrefixed(buf, e.key)
		buf = codec.AppendLengthPrefixed(buf, e.value)
	}
	return buf
}

func (b *batch) From(data []byte) {
	if len(data) < 8 {
		return
	}
	n := codec.DecodeUint64(data[:8])
	data = data[8:]
	for i := uint64(0); i < n; i++ {
		key, rest, err := codec.ReadLengthPrefixed(data)
		if err != nil {
			return
		}
		value, rest2, err := codec.ReadLengthPrefixed(rest)
		if err != nil {
			return
		}
		b.Put(key, value)
		data = rest2
	}
}

func (b *batch) Close() { b.wb.Close() }
