package proto

// OpType is the closed set of operation kinds carried by Request.op_type (§6).
type OpType int32

const (
	OpNone OpType = iota
	OpSelect
	OpInsert
	OpDelete
	OpUpdate
	OpKill
	OpBegin
	OpPrepare
	OpPrepareV2
	OpCommit
	OpRollback
	OpTruncateTable
	OpKVBatch
	OpKVBatchSplit
	OpStartSplit
	OpStartSplitForTail
	OpValidateAndAddVersion
	OpAddVersionForSplitRegion
	OpAdjustKeyAndAddVersion
	OpAddPeer
	// OpDdlChangeIndexState advances one secondary index's online-DDL
	// state (§4.6). The distilled operation surface enumerated the DDL
	// state machine itself but not the wire op that drives it through
	// consensus; this op fills that gap the way OpValidateAndAddVersion
	// fills the equivalent gap for split.
	OpDdlChangeIndexState
	// OpDdlAddIndex registers a brand-new secondary index (req.NewRegionInfo
	// carries the full post-add Indexes slice) in IndexStateNone, the entry
	// point of the §4.6 add-index state progression.
	OpDdlAddIndex
	// OpDdlDropIndex removes a secondary index's descriptor (req.Plan is its
	// 8B BE index id) once its drop progression reaches IndexStateNone.
	OpDdlDropIndex
	// OpDdlBackfillIndex populates one index's entries for a batch of
	// already-existing rows (req.Plan is the 8B BE target index id,
	// req.Tuples the rows) during the §4.6 WRITE_ONLY backfill pass,
	// without re-touching the primary index or any other secondary index
	// the way a plain INSERT would.
	OpDdlBackfillIndex
	// OpFulltextSearch queries one FULLTEXT index's postings (§4.5): a
	// read-only op served from the local snapshot the same way OpSelect
	// is, combining req.FulltextTerms via AND/OR per req.FulltextMatchAll
	// and materializing the matching rows.
	OpFulltextSearch
)

func (t OpType) String() string {
	switch t {
	case OpSelect:
		return "SELECT"
	case OpInsert:
		return "INSERT"
	case OpDelete:
		return "DELETE"
	case OpUpdate:
		return "UPDATE"
	case OpKill:
		return "KILL"
	case OpBegin:
		return "BEGIN"
	case OpPrepare:
		return "PREPARE"
	case OpPrepareV2:
		return "PREPARE_V2"
	case OpCommit:
		return "COMMIT"
	case OpRollback:
		return "ROLLBACK"
	case OpTruncateTable:
		return "TRUNCATE_TABLE"
	case OpKVBatch:
		return "KV_BATCH"
	case OpKVBatchSplit:
		return "KV_BATCH_SPLIT"
	case OpStartSplit:
		return "START_SPLIT"
	case OpStartSplitForTail:
		return "START_SPLIT_FOR_TAIL"
	case OpValidateAndAddVersion:
		return "VALIDATE_AND_ADD_VERSION"
	case OpAddVersionForSplitRegion:
		return "ADD_VERSION_FOR_SPLIT_REGION"
	case OpAdjustKeyAndAddVersion:
		return "ADJUSTKEY_AND_ADD_VERSION"
	case OpAddPeer:
		return "ADD_PEER"
	case OpDdlChangeIndexState:
		return "DDL_CHANGE_INDEX_STATE"
	case OpDdlAddIndex:
		return "DDL_ADD_INDEX"
	case OpDdlDropIndex:
		return "DDL_DROP_INDEX"
	case OpDdlBackfillIndex:
		return "DDL_BACKFILL_INDEX"
	case OpFulltextSearch:
		return "FULLTEXT_SEARCH"
	default:
		return "NONE"
	}
}

// IsWrite reports whether op must be proposed through consensus rather than
// served directly from a snapshot.
func (t OpType) IsWrite() bool {
	switch t {
	case OpSelect, OpNone, OpKill, OpFulltextSearch:
		return false
	default:
		return true
	}
}

// IsStructural reports whether op is a split/merge/DDL/membership operation
// serialized by the region's status gate (§4.6–4.8, §5).
func (t OpType) IsStructural() bool {
	switch t {
	case OpStartSplit, OpStartSplitForTail, OpValidateAndAddVersion,
		OpAddVersionForSplitRegion, OpAdjustKeyAndAddVersion, OpAddPeer,
		OpDdlChangeIndexState, OpDdlAddIndex, OpDdlDropIndex:
		return true
	default:
		return false
	}
}
