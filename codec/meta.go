package codec

import (
	"encoding/binary"

	"github.com/dbregion/regioncore/proto"
)

// Meta keys live in kv.MetaCF, one row per region plus per-txn and
// per-snapshot sentinels (§6).
var (
	metaRegionInfoPrefix    = []byte("ri")
	metaAppliedIndexPrefix  = []byte("ai")
	metaNumLinesPrefix      = []byte("nl")
	metaPreCommitPrefix     = []byte("pc")
	metaDoingSnapshotPrefix = []byte("ds")
	metaDdlInfoPrefix       = []byte("dd")
)

func regionKey(prefix []byte, regionID proto.RegionID) []byte {
	b := make([]byte, len(prefix)+regionIDSize)
	copy(b, prefix)
	binary.BigEndian.PutUint64(b[len(prefix):], regionID)
	return b
}

func RegionInfoKey(regionID proto.RegionID) []byte    { return regionKey(metaRegionInfoPrefix, regionID) }
func AppliedIndexKey(regionID proto.RegionID) []byte  { return regionKey(metaAppliedIndexPrefix, regionID) }
func NumTableLinesKey(regionID proto.RegionID) []byte { return regionKey(metaNumLinesPrefix, regionID) }
func DoingSnapshotKey(regionID proto.RegionID) []byte { return regionKey(metaDoingSnapshotPrefix, regionID) }
func DdlInfoKey(regionID proto.RegionID) []byte       { return regionKey(metaDdlInfoPrefix, regionID) }

// PreCommitKey addresses the sentinel persisted between a txn's PREPARE
// apply and its COMMIT apply: pre_commit(region_id, txn_id) ->
// (post_num_table_lines, applied_index_when_prepared).
func PreCommitKey(regionID proto.RegionID, txnID proto.TxnID) []byte {
	b := make([]byte, len(metaPreCommitPrefix)+regionIDSize+8)
	off := copy(b, metaPreCommitPrefix)
	binary.BigEndian.PutUint64(b[off:], regionID)
	binary.BigEndian.PutUint64(b[off+regionIDSize:], txnID)
	return b
}

// PreCommitPrefix addresses every pre_commit sentinel for one region,
// scanned at load time to reconcile transactions that were PREPAREd but
// never reached COMMIT or ROLLBACK before a restart (§4.1, §4.2).
func PreCommitPrefix(regionID proto.RegionID) []byte { return regionKey(metaPreCommitPrefix, regionID) }

// DecodePreCommitTxnID extracts the txn_id suffix from a key produced by
// PreCommitKey.
func DecodePreCommitTxnID(key []byte) proto.TxnID {
	return proto.TxnID(binary.BigEndian.Uint64(key[len(key)-8:]))
}

// PreCommitValue is the decoded payload of a PreCommitKey row.
type PreCommitValue struct {
	PostNumTableLines int64
	AppliedIndex      uint64
}

func EncodePreCommitValue(v PreCommitValue) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, uint64(v.PostNumTableLines))
	binary.BigEndian.PutUint64(b[8:], v.AppliedIndex)
	return b
}

func DecodePreCommitValue(b []byte) PreCommitValue {
	return PreCommitValue{
		PostNumTableLines: int64(binary.BigEndian.Uint64(b)),
		AppliedIndex:      binary.BigEndian.Uint64(b[8:]),
	}
}

func EncodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func DecodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func EncodeInt64(v int64) []byte {
	return EncodeUint64(uint64(v))
}

func DecodeInt64(b []byte) int64 {
	return int64(DecodeUint64(b))
}
