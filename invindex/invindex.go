// Package invindex implements the three-level inverted index of §4.5: L1
// is an in-memory delta per term, L2 and L3 are on-disk postings lists
// merged in the background, and search walks all three levels, merging
// posting lists on the fly.
package invindex

import (
	"context"
	"sort"
	"sync"
	"unicode"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	"github.com/dbregion/regioncore/codec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
)

// Tokenize splits text into lowercase terms on any run of non-alphanumeric
// runes, the segmentation §4.5 describes feeding the per-word skeleton
// cache; the cache itself is left unbuilt since it only changes tokenizing
// latency, not which terms a document produces.
func Tokenize(text string) []string {
	var terms []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			terms = append(terms, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur = append(cur, unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return terms
}

// level3MergeThreshold bounds how many distinct terms accumulate in L1
// before Insert schedules a background fold into L2. MergeL2ToL3 does not
// consult it.
const level3MergeThreshold = 1024

// Posting is one document reference inside a term's postings list: the
// primary key tuple of the row that produced the term. Deleted marks a
// tombstone in an L1 delta; it never appears in a persisted L2/L3 list,
// since merging resolves tombstones down to plain absence (§4.5).
type Posting struct {
	PK      []byte
	Deleted bool
}

// Engine owns one region's inverted index across all three levels,
// writing L1 deltas synchronously under the apply path and merging down
// to L2/L3 on a background worker pool.
type Engine struct {
	mu       sync.RWMutex
	regionID proto.RegionID
	indexID  proto.IndexID
	store    kv.Store

	l1 map[string][]Posting

	pool taskpool.TaskPool
}

func NewEngine(store kv.Store, regionID proto.RegionID, indexID proto.IndexID, workers int) *Engine {
	return &Engine{
		regionID: regionID,
		indexID:  indexID,
		store:    store,
		l1:       make(map[string][]Posting),
		pool:     taskpool.New(workers, workers),
	}
}

// Insert appends a posting for pk to the L1 delta of each of the given,
// already tokenized terms, scheduling a level merge once the delta grows past
// level3MergeThreshold distinct terms.
func (e *Engine) Insert(terms []string, pk []byte) {
	e.mu.Lock()
	for _, term := range terms {
		e.l1[term] = append(e.l1[term], Posting{PK: append([]byte(nil), pk...)})
	}
	needMerge := len(e.l1) > level3MergeThreshold
	e.mu.Unlock()

	if needMerge {
		e.pool.Run(func() { e.mergeL1ToL2(context.Background()) })
	}
}

// Reset discards the in-memory L1 delta, used by a table truncate that has
// already cleared this index's on-disk L2/L3 segments out from under it.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.l1 = make(map[string][]Posting)
	e.mu.Unlock()
}

// Delete appends a DELETE tombstone for pk under term to the L1 delta
// rather than removing anything in place: pk may already have been
// merged down into L2 or L3, and the tombstone is what suppresses that
// earlier occurrence once a merge folds this delta in (§4.5).
func (e *Engine) Delete(terms []string, pk []byte) {
	e.mu.Lock()
	for _, term := range terms {
		e.l1[term] = append(e.l1[term], Posting{PK: append([]byte(nil), pk...), Deleted: true})
	}
	e.mu.Unlock()
}

// mergeL1ToL2 folds the in-memory delta down into the L2 on-disk segment
// (kv.ReverseCF), keyed region_id || index_id || "l2" || term, keeping
// postings sorted for merge-friendly search. Runs on the background
// taskpool worker, so a commit failure has nowhere to return to; it is
// logged and the delta is re-queued for the next merge rather than lost.
func (e *Engine) mergeL1ToL2(ctx context.Context) {
	e.mu.Lock()
	delta := e.l1
	e.l1 = make(map[string][]Posting)
	e.mu.Unlock()

	kvTxn := e.store.Begin(nil)
	for term, postings := range delta {
		key := e.l2Key(term)
		existing, err := e.readPostings(ctx, key, nil)
		if err != nil {
			continue
		}
		merged := applyDelta(existing, postings)
		kvTxn.Put(kv.ReverseCF, key, encodePostings(merged))
	}
	if err := kvTxn.Commit(ctx); err != nil {
		log.Error("invindex: merge L1 to L2 failed for region", e.regionID, "index", e.indexID, ":", err)
		e.mu.Lock()
		for term, postings := range delta {
			e.l1[term] = append(postings, e.l1[term]...)
		}
		e.mu.Unlock()
	}
}

// MergeL2ToL3 consolidates every L2 segment into the coarser L3 level
// (§4.5). Insert never triggers it and nothing in this module schedules
// it; it runs only when a caller invokes it directly.
func (e *Engine) MergeL2ToL3(ctx context.Context) error {
	prefix := e.levelPrefix("l2")
	reader := e.store.List(ctx, kv.ReverseCF, prefix, nil, nil)
	defer reader.Close()

	kvTxn := e.store.Begin(nil)
	for {
		key, val, ok := reader.Next()
		if !ok {
			break
		}
		term := string(key[len(prefix):])
		postings, err := decodePostings(val.Value())
		val.Close()
		if err != nil {
			continue
		}
		l3Key := e.l3Key(term)
		existing, err := e.readPostings(ctx, l3Key, nil)
		if err != nil {
			continue
		}
		kvTxn.Put(kv.ReverseCF, l3Key, encodePostings(mergePostings(existing, postings)))
		kvTxn.Delete(kv.ReverseCF, key)
	}
	return kvTxn.Commit(ctx)
}

// Search returns the postings matching term across L1, L2 and L3, merged
// and de-duplicated on the fly.
func (e *Engine) Search(ctx context.Context, term string) ([]Posting, error) {
	e.mu.RLock()
	l1 := append([]Posting(nil), e.l1[term]...)
	e.mu.RUnlock()

	l2, err := e.readPostings(ctx, e.l2Key(term), nil)
	if err != nil {
		return nil, err
	}
	l3, err := e.readPostings(ctx, e.l3Key(term), nil)
	if err != nil {
		return nil, err
	}
	return applyDelta(mergePostings(l3, l2), l1), nil
}

// And intersects the postings of every term (boolean AND).
func And(lists [][]Posting) []Posting {
	if len(lists) == 0 {
		return nil
	}
	set := toSet(lists[0])
	for _, l := range lists[1:] {
		next := toSet(l)
		for k := range set {
			if _, ok := next[k]; !ok {
				delete(set, k)
			}
		}
	}
	return fromSet(set)
}

// Or unions the postings of every term (boolean OR).
func Or(lists [][]Posting) []Posting {
	set := make(map[string]struct{})
	for _, l := range lists {
		for _, p := range l {
			set[string(p.PK)] = struct{}{}
		}
	}
	return fromSet(set)
}

func toSet(l []Posting) map[string]struct{} {
	set := make(map[string]struct{}, len(l))
	for _, p := range l {
		set[string(p.PK)] = struct{}{}
	}
	return set
}

func fromSet(set map[string]struct{}) []Posting {
	out := make([]Posting, 0, len(set))
	for k := range set {
		out = append(out, Posting{PK: []byte(k)})
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].PK) < string(out[j].PK) })
	return out
}

func mergePostings(a, b []Posting) []Posting {
	set := toSet(a)
	for _, p := range b {
		set[string(p.PK)] = struct{}{}
	}
	return fromSet(set)
}

// applyDelta folds an ordered L1 delta (inserts and delete tombstones, in
// call order) onto a base list of already-resolved live postings; a later
// delete in the delta suppresses an earlier insert of the same primary
// key within the same delta, and also suppresses a matching entry already
// present in base.
func applyDelta(base, delta []Posting) []Posting {
	live := toSet(base)
	for _, p := range delta {
		k := string(p.PK)
		if p.Deleted {
			delete(live, k)
		} else {
			live[k] = struct{}{}
		}
	}
	return fromSet(live)
}

func (e *Engine) readPostings(ctx context.Context, key []byte, snap kv.Snapshot) ([]Posting, error) {
	v, err := e.store.Get(ctx, kv.ReverseCF, key, snap)
	if err == kv.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer v.Close()
	return decodePostings(v.Value())
}

func (e *Engine) levelPrefix(level string) []byte {
	prefix := codec.EncodeIndexKeyPrefix(e.regionID, e.indexID)
	return append(prefix, []byte(level)...)
}

func (e *Engine) l2Key(term string) []byte { return append(e.levelPrefix("l2"), []byte(term)...) }
func (e *Engine) l3Key(term string) []byte { return append(e.levelPrefix("l3"), []byte(term)...) }

func encodePostings(postings []Posting) []byte {
	var buf []byte
	for _, p := range postings {
		buf = codec.AppendLengthPrefixed(buf, p.PK)
	}
	return buf
}

func decodePostings(buf []byte) ([]Posting, error) {
	var out []Posting
	for len(buf) > 0 {
		pk, rest, err := codec.ReadLengthPrefixed(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, Posting{PK: pk})
		buf = rest
	}
	return out, nil
}
