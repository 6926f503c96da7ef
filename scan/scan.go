// Package scan implements read-side row retrieval over the routing index:
// point lookups, primary-key range scans, and secondary-index scans with
// index-condition pushdown, plus the index-choice heuristic of §4.4.
package scan

import (
	"context"

	"github.com/dbregion/regioncore/codec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
)

// Table mirrors exec.Table; duplicated here (rather than imported) to
// keep scan decoupled from exec's write-path concerns, matching the
// teacher's convention of small, single-purpose internal packages.
type Table struct {
	RegionID proto.RegionID
	Primary  proto.IndexInfo
	Indexes  []proto.IndexInfo
}

// Range bounds a scan: Start/End are encoded tuple prefixes (not full
// keys); an empty End means unbounded.
type Range struct {
	Start, End []byte
	Backward   bool
}

// Plan names the single index (and range) a statement will scan, echoed
// back to the client as a ScanIndex for observability.
type Plan struct {
	Index   proto.IndexInfo
	Range   Range
	KeyOnly bool
}

// ChooseIndex scores every candidate per §4.4: an index whose leading
// fields are fully pinned by equality predicates wins over one matched by
// a looser range, and among equal matches the index with the fewest
// fields (cheapest to decode) wins; the primary index is the fallback
// when no secondary index covers any predicate.
func ChooseIndex(tbl Table, equalFields map[uint32]bool, rangeFields map[uint32]bool) Plan {
	best := Plan{Index: tbl.Primary}
	bestScore := -1

	score := func(idx proto.IndexInfo) int {
		matched := 0
		for _, f := range idx.Fields {
			if equalFields[f] {
				matched += 2
				continue
			}
			if rangeFields[f] {
				matched++
			}
			break
		}
		if matched == 0 {
			return -1
		}
		return matched*100 - len(idx.Fields)
	}

	for _, idx := range tbl.Indexes {
		if idx.Type == proto.IndexTypeFulltext {
			// a FULLTEXT index's entries live in invindex.Engine's own
			// levels, not the routing-index key scheme this iterator
			// walks; it is never a candidate for an ordinary scan.
			continue
		}
		if s := score(idx); s > bestScore {
			bestScore = s
			best = Plan{Index: idx}
		}
	}
	return best
}

// Iterator walks rows in one index's key order, decoding the primary row
// behind a secondary-index entry when the scan is not KeyOnly.
type Iterator struct {
	ctx    context.Context
	store  kv.Store
	snap   kv.Snapshot
	tbl    Table
	plan   Plan
	reader kv.ListReader
}

func NewIterator(ctx context.Context, store kv.Store, snap kv.Snapshot, tbl Table, plan Plan) *Iterator {
	prefix := codec.EncodeIndexKeyPrefix(tbl.RegionID, plan.Index.IndexID)
	marker := append(append([]byte(nil), prefix...), plan.Range.Start...)
	reader := store.List(ctx, kv.DefaultCF, prefix, marker, snap)
	if plan.Range.Backward {
		reader.SeekForPrev(append(append([]byte(nil), prefix...), plan.Range.End...))
	} else {
		reader.SeekTo(marker)
	}
	return &Iterator{ctx: ctx, store: store, snap: snap, tbl: tbl, plan: plan, reader: reader}
}

// Next returns the next row in scan order, or ok=false at range end.
func (it *Iterator) Next() (proto.Tuple, bool, error) {
	var key []byte
	var val kv.ValueGetter
	var ok bool
	if it.plan.Range.Backward {
		key, val, ok = it.reader.Prev()
	} else {
		key, val, ok = it.reader.Next()
	}
	if !ok {
		return proto.Tuple{}, false, nil
	}
	defer val.Close()

	if !it.withinRange(key) {
		return proto.Tuple{}, false, nil
	}

	if it.plan.Index.Type == proto.IndexTypePrimary {
		values, err := codec.DecodeTupleAll(val.Value())
		if err != nil {
			return proto.Tuple{}, false, err
		}
		return proto.Tuple{Values: values}, true, nil
	}

	if it.plan.KeyOnly {
		_, _, tuple, err := codec.DecodeIndexKey(key)
		if err != nil {
			return proto.Tuple{}, false, err
		}
		// A non-unique index's key tuple carries the primary key appended
		// after the indexed fields (§3), so only the leading fields are
		// decoded here; DecodeTuple would reject those trailing bytes.
		values, _, err := codec.DecodeTuplePrefix(tuple, len(it.plan.Index.Fields))
		if err != nil {
			return proto.Tuple{}, false, err
		}
		return proto.Tuple{Values: values}, true, nil
	}

	pkTuple := val.Value()
	pkKey := codec.EncodeIndexKey(it.tbl.RegionID, it.tbl.Primary.IndexID, pkTuple)
	rowVal, err := it.store.Get(it.ctx, kv.DefaultCF, pkKey, it.snap)
	if err != nil {
		return proto.Tuple{}, false, err
	}
	defer rowVal.Close()
	values, err := codec.DecodeTupleAll(rowVal.Value())
	if err != nil {
		return proto.Tuple{}, false, err
	}
	return proto.Tuple{Values: values}, true, nil
}

func (it *Iterator) withinRange(key []byte) bool {
	_, _, tuple, err := codec.DecodeIndexKey(key)
	if err != nil {
		return false
	}
	if len(it.plan.Range.End) > 0 && !it.plan.Range.Backward && string(tuple) >= string(it.plan.Range.End) {
		return false
	}
	if len(it.plan.Range.Start) > 0 && it.plan.Range.Backward && string(tuple) < string(it.plan.Range.Start) {
		return false
	}
	return true
}

func (it *Iterator) Close() { it.reader.Close() }
