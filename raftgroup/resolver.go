package raftgroup

import "sync"

// cacheAddressResolver memoizes node_id -> Addr lookups so a busy region
// doesn't re-resolve the same peer address (region.Region.Peers, set by a
// membership change) on every raft message it sends.
type cacheAddressResolver struct {
	m        sync.Map
	resolver AddressResolver
}

func (r *cacheAddressResolver) Resolve(nodeId uint64) (Addr, error) {
	if v, ok := r.m.Load(nodeId); ok {
		return v.(Addr), nil
	}

	addr, err := r.resolver.Resolve(nodeId)
	if err != nil {
		return nil, err
	}
	r.m.Store(nodeId, addr)
	return addr, nil
}
