// Package codec implements the key and value layouts of §3: routing-index
// keys under a region/index prefix, the column-store variant, and the
// persisted-meta keys of §6.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/dbregion/regioncore/proto"
)

const (
	regionIDSize = 8
	indexIDSize  = 8
	tableIDSize  = 4
	fieldIDSize  = 4
)

// EncodeIndexKeyPrefix returns region_id(8B BE) || index_id(8B BE), the
// common prefix of every key belonging to one index of one region.
func EncodeIndexKeyPrefix(regionID proto.RegionID, indexID proto.IndexID) []byte {
	b := make([]byte, regionIDSize+indexIDSize)
	binary.BigEndian.PutUint64(b, regionID)
	binary.BigEndian.PutUint64(b[regionIDSize:], indexID)
	return b
}

// EncodeIndexKey appends the encoded index tuple to the region/index
// prefix, producing a full routing-index (or secondary-index) key.
func EncodeIndexKey(regionID proto.RegionID, indexID proto.IndexID, tuple []byte) []byte {
	prefix := EncodeIndexKeyPrefix(regionID, indexID)
	return append(prefix, tuple...)
}

// DecodeIndexKey splits a full index key back into its region id, index id
// and the raw encoded tuple trailing them.
func DecodeIndexKey(key []byte) (regionID proto.RegionID, indexID proto.IndexID, tuple []byte, err error) {
	if len(key) < regionIDSize+indexIDSize {
		return 0, 0, nil, fmt.Errorf("codec: short index key: %d bytes", len(key))
	}
	regionID = binary.BigEndian.Uint64(key)
	indexID = binary.BigEndian.Uint64(key[regionIDSize:])
	tuple = key[regionIDSize+indexIDSize:]
	return
}

// EncodeColumnKeyPrefix returns region_id(8B) || table_id(4B) || field_id(4B),
// the column-store layout's substitute for index_id (§3): one non-PK field
// per physical key.
func EncodeColumnKeyPrefix(regionID proto.RegionID, tableID proto.TableID, fieldID uint32) []byte {
	b := make([]byte, regionIDSize+tableIDSize+fieldIDSize)
	binary.BigEndian.PutUint64(b, regionID)
	binary.BigEndian.PutUint32(b[regionIDSize:], uint32(tableID))
	binary.BigEndian.PutUint32(b[regionIDSize+tableIDSize:], fieldID)
	return b
}

// EncodeColumnKey appends the primary-key tuple bytes to the column-store
// prefix, so each column's value can be looked up by the row's PK.
func EncodeColumnKey(regionID proto.RegionID, tableID proto.TableID, fieldID uint32, pkTuple []byte) []byte {
	prefix := EncodeColumnKeyPrefix(regionID, tableID, fieldID)
	return append(prefix, pkTuple...)
}

// DecodeColumnKey is the inverse of EncodeColumnKey.
func DecodeColumnKey(key []byte) (regionID proto.RegionID, tableID proto.TableID, fieldID uint32, pkTuple []byte, err error) {
	const prefixLen = regionIDSize + tableIDSize + fieldIDSize
	if len(key) < prefixLen {
		return 0, 0, 0, nil, fmt.Errorf("codec: short column key: %d bytes", len(key))
	}
	regionID = binary.BigEndian.Uint64(key)
	tableID = proto.TableID(binary.BigEndian.Uint32(key[regionIDSize:]))
	fieldID = binary.BigEndian.Uint32(key[regionIDSize+tableIDSize:])
	pkTuple = key[prefixLen:]
	return
}

// ReplaceRegionID rewrites the leading region_id of an already-encoded key,
// used by split backfill (§4.7 step 3) to re-key a parent row onto the
// child's id without re-encoding the tuple.
func ReplaceRegionID(key []byte, newRegionID proto.RegionID) []byte {
	if len(key) < regionIDSize {
		return key
	}
	out := append([]byte(nil), key...)
	binary.BigEndian.PutUint64(out, newRegionID)
	return out
}

// KeyRegionID reads just the leading region id without decoding the rest
// of the key, used by scan-time region-fit checks.
func KeyRegionID(key []byte) (proto.RegionID, error) {
	if len(key) < regionIDSize {
		return 0, fmt.Errorf("codec: short key: %d bytes", len(key))
	}
	return binary.BigEndian.Uint64(key), nil
}
