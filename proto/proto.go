package proto

const (
	ReqIdKey = "req-id"
)

type (
	NodeID   = uint32
	RegionID = uint64
	TableID  = uint64
	IndexID  = uint64
	TxnID    = uint64
)
