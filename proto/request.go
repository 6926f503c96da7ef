package proto

// Tuple is one row projected to the slot layout requested by the client.
type Tuple struct {
	Values []Value
}

// Record carries a raw primary-key/value pair for KV_BATCH style requests
// and for inverted-index backfill payloads.
type Record struct {
	Key   []byte
	Value []byte
}

// KVOp is one write inside a KV_BATCH / KV_BATCH_SPLIT request: a region
// re-key of a single source row during split backfill, or a plain put.
type KVOp struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// SortField requests ordering of scan output by field id, ascending unless
// Desc is set.
type SortField struct {
	FieldID uint32
	Desc    bool
}

// TxnInfo is the per-region view of one multi-statement transaction carried
// on the wire: cache-plan replay state for PREPARE, and the idempotence
// marker for COMMIT/ROLLBACK.
type TxnInfo struct {
	TxnID            TxnID
	LastSeqID        uint64
	StartSeqID       uint64
	NeedRollbackSeqs []uint64
	Optimize1PC      bool
	AffectedRows     int64
}

// ScanIndex names the index an iterator chose, echoed back for EXPLAIN /
// observability purposes.
type ScanIndex struct {
	IndexID  TableID
	KeyOnly  bool
	Backward bool
}

// Request is the single request-response shape of the region RPC surface
// (§6): op_type dispatches to 2PC phases, DML, or structural operations.
type Request struct {
	OpType        OpType
	RegionID      RegionID
	RegionVersion uint64

	Plan   []byte
	Tuples []Tuple

	TxnInfos []TxnInfo
	Records  []Record
	KVOps    []KVOp

	SplitStartKey  []byte
	NewRegionInfo  *RegionInfo
	SortFields     []SortField

	// RelatedRegionInfo carries the sibling descriptor for an
	// OpAdjustKeyAndAddVersion proposal against the region being retired by
	// a merge, or the child descriptor for an OpValidateAndAddVersion
	// proposal against a split parent. Distinct from NewRegionInfo, which
	// OpValidateAndAddVersion's abort path already uses to restore the
	// parent's pre-split descriptor.
	RelatedRegionInfo *RegionInfo

	SelectWithoutLeader bool
	LogID               uint64

	// FulltextIndexID/FulltextTerms/FulltextMatchAll drive
	// OpFulltextSearch (§4.5): which FULLTEXT index to query, the
	// per-term postings to fetch, and whether to AND or OR them together.
	FulltextIndexID  TableID
	FulltextTerms    []string
	FulltextMatchAll bool
}

// Response mirrors Request: errcode/leader/regions drive client-side
// redirect and retry (§7); row_values/records carry read results.
type Response struct {
	ErrCode      ErrCode
	MysqlErrCode int32
	ErrMsg       string

	Leader       NodeID
	AffectedRows int64

	RowValues []Tuple
	Regions   []*RegionInfo
	TxnInfos  []TxnInfo
	Records   []Record

	LastSeqID  *uint64
	ScanIndexes []ScanIndex
}
