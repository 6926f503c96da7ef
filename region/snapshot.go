package region

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/dbregion/regioncore/codec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
	"github.com/dbregion/regioncore/raftgroup"
	"github.com/dbregion/regioncore/util"
)

// regionBatch is the wire chunk of a region snapshot transfer: a sequence
// of (cf, key, value) records, length-prefixed the same way codec/request.go
// frames its fields, satisfying raftgroup.Batch so the raft snapshot
// stream can carry it without region depending on raftgroup's own storage
// format.
type regionBatch struct {
	recs []batchRecord
	data []byte
	buf  *bytes.Buffer
}

type batchRecord struct {
	cf    kv.CF
	key   []byte
	value []byte
	del   bool
}

func newRegionBatch() *regionBatch { return &regionBatch{} }

func (b *regionBatch) Put(key, value []byte) {
	b.recs = append(b.recs, batchRecord{key: key, value: value})
}

func (b *regionBatch) DeleteRange(start, end []byte) {
	b.recs = append(b.recs, batchRecord{key: start, value: end, del: true})
}

// Data serializes the batch into a pooled buffer (bytespool, via
// util.GetBufferWriter), returned to the pool on Close once the caller has
// finished sending it: a snapshot transfer allocates one of these per
// chunk, so reusing the backing array avoids a GC-visible allocation per
// chunk on a large snapshot.
func (b *regionBatch) Data() []byte {
	if b.data != nil {
		return b.data
	}
	w := util.GetBufferWriter(4 << 10)
	for _, r := range b.recs {
		writeChunkBytes(w, r.key)
		writeChunkBytes(w, r.value)
		flag := byte(0)
		if r.del {
			flag = 1
		}
		w.WriteByte(flag)
	}
	b.buf = w
	b.data = w.Bytes()
	return b.data
}

func (b *regionBatch) From(data []byte) {
	b.recs = b.recs[:0]
	buf := data
	for len(buf) > 0 {
		var key, value []byte
		key, buf = readChunkBytes(buf)
		value, buf = readChunkBytes(buf)
		if len(buf) == 0 {
			break
		}
		del := buf[0] == 1
		buf = buf[1:]
		b.recs = append(b.recs, batchRecord{key: key, value: value, del: del})
	}
}

func (b *regionBatch) Close() {
	if b.buf != nil {
		util.PutBufferWriter(b.buf)
		b.buf = nil
		b.data = nil
	}
}

func writeChunkBytes(w *bytes.Buffer, b []byte) {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(b)))
	w.Write(lb[:])
	w.Write(b)
}

func readChunkBytes(buf []byte) (b, rest []byte) {
	if len(buf) < 4 {
		return nil, nil
	}
	n := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil
	}
	return buf[:n], buf[n:]
}

const snapshotChunkRecords = 256

// regionSnapshot walks every row belonging to this region (default, meta
// and reverse column families, all prefixed by region_id) over a pinned
// kv.Snapshot, emitting fixed-size regionBatch chunks.
type regionSnapshot struct {
	snap  kv.Snapshot
	store kv.Store

	cfs      []kv.CF
	cfIdx    int
	iter     kv.ListReader
	prefix   []byte
	term     uint64
	index    uint64
	exhausted bool
}

func (r *Region) Snapshot() raftgroup.Snapshot {
	info := r.Info()
	return &regionSnapshot{
		snap:   r.store.NewSnapshot(),
		store:  r.store,
		cfs:    []kv.CF{kv.MetaCF, kv.DefaultCF, kv.ReverseCF},
		prefix: codec.EncodeUint64(info.ID),
		index:  r.AppliedIndex(),
	}
}

func (s *regionSnapshot) Term() uint64  { return s.term }
func (s *regionSnapshot) Index() uint64 { return s.index }

func (s *regionSnapshot) Close() error {
	if s.iter != nil {
		s.iter.Close()
	}
	s.snap.Close()
	return nil
}

func (s *regionSnapshot) ReadBatch() (raftgroup.Batch, error) {
	if s.exhausted {
		return nil, io.EOF
	}
	batch := newRegionBatch()
	for len(batch.recs) < snapshotChunkRecords {
		if s.iter == nil {
			if s.cfIdx >= len(s.cfs) {
				s.exhausted = true
				if len(batch.recs) == 0 {
					return nil, io.EOF
				}
				return batch, nil
			}
			cf := s.cfs[s.cfIdx]
			s.iter = s.store.List(context.Background(), cf, s.prefix, nil, s.snap)
			batch.recs = append(batch.recs, batchRecord{cf: cf, key: []byte("__cf__"), value: []byte(cf), del: false})
		}
		key, val, ok := s.iter.Next()
		if !ok {
			s.iter.Close()
			s.iter = nil
			s.cfIdx++
			continue
		}
		batch.recs = append(batch.recs, batchRecord{key: append([]byte(nil), key...), value: append([]byte(nil), val.Value()...)})
		val.Close()
	}
	return batch, nil
}

// ApplySnapshot rebuilds the region's rows from a stream of regionBatch
// chunks: a leading __cf__ marker record names the column family every
// following record belongs to until the next marker.
func (r *Region) ApplySnapshot(snap raftgroup.Snapshot) error {
	kvTxn := r.store.Begin(nil)

	cf := kv.MetaCF
	for {
		b, err := snap.ReadBatch()
		if err == io.EOF {
			break
		}
		if err != nil {
			kvTxn.Rollback()
			return err
		}
		rb, ok := b.(*regionBatch)
		if !ok {
			rb = newRegionBatch()
			rb.From(b.Data())
		}
		for _, rec := range rb.recs {
			if string(rec.key) == "__cf__" {
				cf = kv.CF(rec.value)
				continue
			}
			if rec.del {
				kvTxn.DeleteRange(cf, rec.key, rec.value)
				continue
			}
			kvTxn.Put(cf, rec.key, rec.value)
		}
		b.Close()
	}

	if err := kvTxn.Commit(context.Background()); err != nil {
		return err
	}

	info, err := r.loadRegionInfo()
	if err != nil {
		return err
	}
	r.publish(info)
	r.setAppliedIndex(info.AppliedIndex)
	return r.ReconcilePreparedTxns()
}

func (r *Region) loadRegionInfo() (*proto.RegionInfo, error) {
	info := r.Info()
	v, err := r.store.Get(context.Background(), kv.MetaCF, codec.RegionInfoKey(info.ID), nil)
	if err == kv.ErrNotFound {
		return info, nil
	}
	if err != nil {
		return nil, err
	}
	defer v.Close()
	return codec.DecodeRegionInfo(v.Value())
}
