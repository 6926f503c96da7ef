package txn

import (
	"sync"

	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
)

// finishedEntry caches the terminal outcome of a transaction that has
// already committed or rolled back, so a raft-replayed duplicate COMMIT or
// ROLLBACK after an acknowledgement was lost in flight is answered from
// cache instead of returning TXN_NOT_FOUND (§4.2 idempotence rule).
type finishedEntry struct {
	errCode      proto.ErrCode
	affectedRows int64
}

// Pool holds every transaction currently prepared against one region,
// plus a bounded cache of just-finished transactions for idempotent
// replay of the terminal phase.
type Pool struct {
	mu       sync.Mutex
	active   map[proto.TxnID]*Txn
	finished map[proto.TxnID]finishedEntry
	// finishedOrder bounds the finished cache to a fixed size, evicting
	// the oldest entry first (a simple ring, not a full LRU: replay only
	// ever needs a handful of recently acknowledged transactions).
	finishedOrder []proto.TxnID
	finishedCap   int
}

func NewPool(finishedCap int) *Pool {
	if finishedCap <= 0 {
		finishedCap = 1024
	}
	return &Pool{
		active:      make(map[proto.TxnID]*Txn),
		finished:    make(map[proto.TxnID]finishedEntry),
		finishedCap: finishedCap,
	}
}

// Begin opens a new transaction backed by kvTxn and registers it in the
// pool; the caller already ensured no transaction with this id is active.
func (p *Pool) Begin(id proto.TxnID, regionID proto.RegionID, kvTxn kv.Txn) *Txn {
	t := New(id, regionID, kvTxn)
	p.mu.Lock()
	p.active[id] = t
	p.mu.Unlock()
	return t
}

// Get returns the active transaction for id, or (nil, false).
func (p *Pool) Get(id proto.TxnID) (*Txn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.active[id]
	return t, ok
}

// Finished returns the cached terminal result for id if it already
// completed, letting the caller answer a replayed COMMIT/ROLLBACK without
// touching the KV engine again.
func (p *Pool) Finished(id proto.TxnID) (proto.ErrCode, int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.finished[id]
	return e.errCode, e.affectedRows, ok
}

// Finish removes id from the active set and records its terminal result in
// the finished cache, evicting the oldest entry if the cache is full.
func (p *Pool) Finish(id proto.TxnID, errCode proto.ErrCode, affectedRows int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, id)
	if _, exists := p.finished[id]; !exists {
		if len(p.finishedOrder) >= p.finishedCap {
			oldest := p.finishedOrder[0]
			p.finishedOrder = p.finishedOrder[1:]
			delete(p.finished, oldest)
		}
		p.finishedOrder = append(p.finishedOrder, id)
	}
	p.finished[id] = finishedEntry{errCode: errCode, affectedRows: affectedRows}
}

// Abandon discards every active transaction without recording a finished
// result, so an abandoned transaction is never mistaken for a terminal
// client decision. Region.LeaderChange does not call it: a leader change
// leaves in-flight transactions in the pool (§4.2).
func (p *Pool) Abandon() []*Txn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Txn, 0, len(p.active))
	for _, t := range p.active {
		out = append(out, t)
	}
	p.active = make(map[proto.TxnID]*Txn)
	return out
}

// Prepared returns every active transaction that has reached PREPARE, in
// no particular order; used by a split coordinator to replay prepared
// writes onto a freshly provisioned child region (§4.7 step 4).
func (p *Pool) Prepared() []*Txn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Txn, 0, len(p.active))
	for _, t := range p.active {
		if t.IsPrepared() {
			out = append(out, t)
		}
	}
	return out
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
