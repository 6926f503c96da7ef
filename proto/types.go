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

package proto

// IndexType enumerates the kinds of index a region's routing index, or one
// of a table's secondary indexes, can be.
type IndexType int

const (
	IndexTypePrimary IndexType = iota
	IndexTypeUnique
	IndexTypeKey
	IndexTypeFulltext
	IndexTypeRecommend
)

// IndexState is the online-DDL progression state of one secondary index
// within one region (§4.6). Transitions are linear in both directions.
type IndexState int

const (
	IndexStateNone IndexState = iota
	IndexStateDeleteOnly
	IndexStateWriteOnly
	IndexStateWriteLocal
	IndexStateDeleteLocal
	IndexStatePublic
)

func (s IndexState) String() string {
	switch s {
	case IndexStateNone:
		return "NONE"
	case IndexStateDeleteOnly:
		return "DELETE_ONLY"
	case IndexStateWriteOnly:
		return "WRITE_ONLY"
	case IndexStateWriteLocal:
		return "WRITE_LOCAL"
	case IndexStateDeleteLocal:
		return "DELETE_LOCAL"
	case IndexStatePublic:
		return "PUBLIC"
	default:
		return "UNKNOWN"
	}
}

// IndexInfo describes one index of a table: its identity, kind, the field
// ids it covers in order, and (for the owning region) its current DDL state.
type IndexInfo struct {
	IndexID TableID
	Name    string
	Type    IndexType
	State   IndexState
	Fields  []uint32
	Unique  bool
}

// RegionStatus gates structural operations: only one of split, merge, DDL,
// add-peer, or snapshot-install may run against a region at a time.
type RegionStatus int32

const (
	RegionStatusIdle RegionStatus = iota
	RegionStatusDoing
)

// Peer is one member of a region's replica set.
type Peer struct {
	NodeID  NodeID
	Addr    string
	Learner bool
}

// RegionInfo is the region descriptor persisted alongside applied_index and
// num_table_lines, and exchanged with clients on VERSION_OLD / heartbeats.
// start_key == end_key != "" marks a region merged away; an empty end_key
// denotes +∞ (§3).
type RegionInfo struct {
	ID          RegionID
	TableID     TableID
	MainTableID TableID
	IndexID     IndexID
	PartitionID uint32

	StartKey []byte
	EndKey   []byte

	Version     uint64
	AppliedIndex uint64

	Peers  []Peer
	Leader NodeID

	Status RegionStatus

	NumTableLines  int64
	NumDeleteLines int64
	UsedSize       uint64

	// Indexes lists every index of the table this region belongs to, the
	// primary index (IndexTypePrimary) included, together with its current
	// online-DDL state (§4.6).
	Indexes []IndexInfo

	// RelatedRegions carries the descriptor(s) a client needs to retry a
	// request that landed here with a stale version: the surviving sibling
	// of a merge this region was absorbed into, or the new child(ren) of a
	// split this region is the remaining parent half of. Attached to
	// VERSION_OLD responses (§4.8, §8, invariant 5) so a redirect always
	// covers some key in the client's intended range, even once this
	// region's own descriptor no longer does.
	RelatedRegions []RegionInfo
}

// Merged reports whether this region has been absorbed into a sibling by a
// merge (start_key == end_key != ε).
func (r *RegionInfo) Merged() bool {
	return len(r.StartKey) > 0 && string(r.StartKey) == string(r.EndKey)
}

// ContainsKey reports whether key falls in [StartKey, EndKey); an empty
// EndKey is treated as +∞.
func (r *RegionInfo) ContainsKey(key []byte) bool {
	if string(key) < string(r.StartKey) {
		return false
	}
	if len(r.EndKey) == 0 {
		return true
	}
	return string(key) < string(r.EndKey)
}

// Clone returns a deep copy safe to publish as a new immutable snapshot.
func (r *RegionInfo) Clone() *RegionInfo {
	c := *r
	c.StartKey = append([]byte(nil), r.StartKey...)
	c.EndKey = append([]byte(nil), r.EndKey...)
	c.Peers = append([]Peer(nil), r.Peers...)
	c.Indexes = append([]IndexInfo(nil), r.Indexes...)
	if r.RelatedRegions != nil {
		c.RelatedRegions = make([]RegionInfo, len(r.RelatedRegions))
		for i, rr := range r.RelatedRegions {
			// A related region's own RelatedRegions is never populated; it
			// exists only to be attached to, not to chain further.
			rr.RelatedRegions = nil
			c.RelatedRegions[i] = *rr.Clone()
		}
	}
	return &c
}
