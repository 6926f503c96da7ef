package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/dbregion/regioncore/proto"
)

// EncodeRequest/DecodeRequest give every region-core request a single wire
// format, used both as the gRPC request payload and as the bytes carried
// inside a raft proposal (§6): the op_type, region id/version, the
// pre-planned tuples or KV ops, and the 2PC txn_info slice that rides
// alongside every phase.

// AppendLengthPrefixed and ReadLengthPrefixed expose the same
// length-prefixed byte-string framing Request/RegionInfo fields use, for
// callers outside this package that need one more wire shape (invindex
// postings lists) without inventing a second encoding.
func AppendLengthPrefixed(buf, b []byte) []byte { return appendBytes(buf, b) }

func ReadLengthPrefixed(buf []byte) (b, rest []byte, err error) { return readBytes(buf) }

func appendBytes(buf []byte, b []byte) []byte {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(b)))
	buf = append(buf, lb[:]...)
	return append(buf, b...)
}

func readBytes(buf []byte) (b, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("codec: short length prefix")
	}
	n := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, fmt.Errorf("codec: short byte field: want %d have %d", n, len(buf))
	}
	return buf[:n], buf[n:], nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func readUint64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, fmt.Errorf("codec: short uint64 field")
	}
	return binary.BigEndian.Uint64(buf), buf[8:], nil
}

func encodeTupleField(buf []byte, t proto.Tuple) []byte {
	buf = appendUint64(buf, uint64(len(t.Values)))
	for _, v := range t.Values {
		buf = EncodeValue(buf, v)
	}
	return buf
}

func decodeTupleField(buf []byte) (proto.Tuple, []byte, error) {
	n, rest, err := readUint64(buf)
	if err != nil {
		return proto.Tuple{}, nil, err
	}
	buf = rest
	values := make([]proto.Value, 0, n)
	for i := uint64(0); i < n; i++ {
		v, r, err := DecodeValue(buf)
		if err != nil {
			return proto.Tuple{}, nil, err
		}
		values = append(values, v)
		buf = r
	}
	return proto.Tuple{Values: values}, buf, nil
}

func EncodeTxnInfo(info proto.TxnInfo) []byte {
	var buf []byte
	buf = appendUint64(buf, info.TxnID)
	buf = appendUint64(buf, info.LastSeqID)
	buf = appendUint64(buf, info.StartSeqID)
	buf = appendUint64(buf, uint64(len(info.NeedRollbackSeqs)))
	for _, s := range info.NeedRollbackSeqs {
		buf = appendUint64(buf, s)
	}
	b := byte(0)
	if info.Optimize1PC {
		b = 1
	}
	buf = append(buf, b)
	buf = appendUint64(buf, uint64(info.AffectedRows))
	return buf
}

func DecodeTxnInfo(buf []byte) (proto.TxnInfo, []byte, error) {
	var info proto.TxnInfo
	var err error
	if info.TxnID, buf, err = readUint64(buf); err != nil {
		return info, nil, err
	}
	if info.LastSeqID, buf, err = readUint64(buf); err != nil {
		return info, nil, err
	}
	if info.StartSeqID, buf, err = readUint64(buf); err != nil {
		return info, nil, err
	}
	var n uint64
	if n, buf, err = readUint64(buf); err != nil {
		return info, nil, err
	}
	info.NeedRollbackSeqs = make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		var s uint64
		if s, buf, err = readUint64(buf); err != nil {
			return info, nil, err
		}
		info.NeedRollbackSeqs = append(info.NeedRollbackSeqs, s)
	}
	if len(buf) < 1 {
		return info, nil, fmt.Errorf("codec: short txn info")
	}
	info.Optimize1PC = buf[0] == 1
	buf = buf[1:]
	var affected uint64
	if affected, buf, err = readUint64(buf); err != nil {
		return info, nil, err
	}
	info.AffectedRows = int64(affected)
	return info, buf, nil
}

func EncodeRequest(req *proto.Request) []byte {
	var buf []byte
	buf = appendUint64(buf, uint64(req.OpType))
	buf = appendUint64(buf, req.RegionID)
	buf = appendUint64(buf, req.RegionVersion)
	buf = appendBytes(buf, req.Plan)

	buf = appendUint64(buf, uint64(len(req.Tuples)))
	for _, t := range req.Tuples {
		buf = encodeTupleField(buf, t)
	}

	buf = appendUint64(buf, uint64(len(req.TxnInfos)))
	for _, ti := range req.TxnInfos {
		buf = appendBytes(buf, EncodeTxnInfo(ti))
	}

	buf = appendUint64(buf, uint64(len(req.Records)))
	for _, r := range req.Records {
		buf = appendBytes(buf, r.Key)
		buf = appendBytes(buf, r.Value)
	}

	buf = appendUint64(buf, uint64(len(req.KVOps)))
	for _, op := range req.KVOps {
		buf = appendBytes(buf, op.Key)
		buf = appendBytes(buf, op.Value)
		b := byte(0)
		if op.Delete {
			b = 1
		}
		buf = append(buf, b)
	}

	buf = appendBytes(buf, req.SplitStartKey)

	hasRegion := byte(0)
	if req.NewRegionInfo != nil {
		hasRegion = 1
	}
	buf = append(buf, hasRegion)
	if req.NewRegionInfo != nil {
		buf = appendBytes(buf, EncodeRegionInfo(req.NewRegionInfo))
	}

	hasRelated := byte(0)
	if req.RelatedRegionInfo != nil {
		hasRelated = 1
	}
	buf = append(buf, hasRelated)
	if req.RelatedRegionInfo != nil {
		buf = appendBytes(buf, EncodeRegionInfo(req.RelatedRegionInfo))
	}

	buf = appendUint64(buf, uint64(len(req.SortFields)))
	for _, sf := range req.SortFields {
		buf = appendUint64(buf, uint64(sf.FieldID))
		b := byte(0)
		if sf.Desc {
			b = 1
		}
		buf = append(buf, b)
	}

	sw := byte(0)
	if req.SelectWithoutLeader {
		sw = 1
	}
	buf = append(buf, sw)
	buf = appendUint64(buf, req.LogID)

	buf = appendUint64(buf, uint64(req.FulltextIndexID))
	buf = appendUint64(buf, uint64(len(req.FulltextTerms)))
	for _, term := range req.FulltextTerms {
		buf = appendBytes(buf, []byte(term))
	}
	ma := byte(0)
	if req.FulltextMatchAll {
		ma = 1
	}
	buf = append(buf, ma)
	return buf
}

func DecodeRequest(buf []byte) (*proto.Request, error) {
	req := &proto.Request{}
	var err error
	var u uint64

	if u, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	req.OpType = proto.OpType(u)
	if req.RegionID, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	if req.RegionVersion, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	if req.Plan, buf, err = readBytes(buf); err != nil {
		return nil, err
	}

	var n uint64
	if n, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	req.Tuples = make([]proto.Tuple, 0, n)
	for i := uint64(0); i < n; i++ {
		var t proto.Tuple
		if t, buf, err = decodeTupleField(buf); err != nil {
			return nil, err
		}
		req.Tuples = append(req.Tuples, t)
	}

	if n, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	req.TxnInfos = make([]proto.TxnInfo, 0, n)
	for i := uint64(0); i < n; i++ {
		var raw []byte
		if raw, buf, err = readBytes(buf); err != nil {
			return nil, err
		}
		ti, _, err := DecodeTxnInfo(raw)
		if err != nil {
			return nil, err
		}
		req.TxnInfos = append(req.TxnInfos, ti)
	}

	if n, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	req.Records = make([]proto.Record, 0, n)
	for i := uint64(0); i < n; i++ {
		var rec proto.Record
		if rec.Key, buf, err = readBytes(buf); err != nil {
			return nil, err
		}
		if rec.Value, buf, err = readBytes(buf); err != nil {
			return nil, err
		}
		req.Records = append(req.Records, rec)
	}

	if n, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	req.KVOps = make([]proto.KVOp, 0, n)
	for i := uint64(0); i < n; i++ {
		var op proto.KVOp
		if op.Key, buf, err = readBytes(buf); err != nil {
			return nil, err
		}
		if op.Value, buf, err = readBytes(buf); err != nil {
			return nil, err
		}
		if len(buf) < 1 {
			return nil, fmt.Errorf("codec: short kv op")
		}
		op.Delete = buf[0] == 1
		buf = buf[1:]
		req.KVOps = append(req.KVOps, op)
	}

	if req.SplitStartKey, buf, err = readBytes(buf); err != nil {
		return nil, err
	}

	if len(buf) < 1 {
		return nil, fmt.Errorf("codec: short request")
	}
	hasRegion := buf[0] == 1
	buf = buf[1:]
	if hasRegion {
		var raw []byte
		if raw, buf, err = readBytes(buf); err != nil {
			return nil, err
		}
		ri, err := DecodeRegionInfo(raw)
		if err != nil {
			return nil, err
		}
		req.NewRegionInfo = ri
	}

	if len(buf) < 1 {
		return nil, fmt.Errorf("codec: short request related region flag")
	}
	hasRelated := buf[0] == 1
	buf = buf[1:]
	if hasRelated {
		var raw []byte
		if raw, buf, err = readBytes(buf); err != nil {
			return nil, err
		}
		rr, err := DecodeRegionInfo(raw)
		if err != nil {
			return nil, err
		}
		req.RelatedRegionInfo = rr
	}

	if n, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	req.SortFields = make([]proto.SortField, 0, n)
	for i := uint64(0); i < n; i++ {
		var fieldID uint64
		if fieldID, buf, err = readUint64(buf); err != nil {
			return nil, err
		}
		if len(buf) < 1 {
			return nil, fmt.Errorf("codec: short sort field")
		}
		desc := buf[0] == 1
		buf = buf[1:]
		req.SortFields = append(req.SortFields, proto.SortField{FieldID: uint32(fieldID), Desc: desc})
	}

	if len(buf) < 1 {
		return nil, fmt.Errorf("codec: short request tail")
	}
	req.SelectWithoutLeader = buf[0] == 1
	buf = buf[1:]
	if req.LogID, buf, err = readUint64(buf); err != nil {
		return nil, err
	}

	var ftIndexID uint64
	if ftIndexID, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	req.FulltextIndexID = proto.TableID(ftIndexID)
	if n, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	req.FulltextTerms = make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		var term []byte
		if term, buf, err = readBytes(buf); err != nil {
			return nil, err
		}
		req.FulltextTerms = append(req.FulltextTerms, string(term))
	}
	if len(buf) < 1 {
		return nil, fmt.Errorf("codec: short request fulltext tail")
	}
	req.FulltextMatchAll = buf[0] == 1
	return req, nil
}

// EncodeResponse/DecodeResponse give Response the same single wire format
// Request has, used as the gRPC response payload for the region service.
func EncodeResponse(resp *proto.Response) []byte {
	var buf []byte
	buf = appendUint64(buf, uint64(resp.ErrCode))
	buf = appendUint64(buf, uint64(resp.MysqlErrCode))
	buf = appendBytes(buf, []byte(resp.ErrMsg))
	buf = appendUint64(buf, uint64(resp.Leader))
	buf = appendUint64(buf, uint64(resp.AffectedRows))

	buf = appendUint64(buf, uint64(len(resp.RowValues)))
	for _, t := range resp.RowValues {
		buf = encodeTupleField(buf, t)
	}

	buf = appendUint64(buf, uint64(len(resp.Regions)))
	for _, ri := range resp.Regions {
		buf = appendBytes(buf, EncodeRegionInfo(ri))
	}

	buf = appendUint64(buf, uint64(len(resp.TxnInfos)))
	for _, ti := range resp.TxnInfos {
		buf = appendBytes(buf, EncodeTxnInfo(ti))
	}

	buf = appendUint64(buf, uint64(len(resp.Records)))
	for _, r := range resp.Records {
		buf = appendBytes(buf, r.Key)
		buf = appendBytes(buf, r.Value)
	}

	hasSeq := byte(0)
	if resp.LastSeqID != nil {
		hasSeq = 1
	}
	buf = append(buf, hasSeq)
	if resp.LastSeqID != nil {
		buf = appendUint64(buf, *resp.LastSeqID)
	}

	buf = appendUint64(buf, uint64(len(resp.ScanIndexes)))
	for _, si := range resp.ScanIndexes {
		buf = appendUint64(buf, si.IndexID)
		b := byte(0)
		if si.KeyOnly {
			b = 1
		}
		buf = append(buf, b)
		b = 0
		if si.Backward {
			b = 1
		}
		buf = append(buf, b)
	}
	return buf
}

func DecodeResponse(buf []byte) (*proto.Response, error) {
	resp := &proto.Response{}
	var err error
	var u uint64

	if u, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	resp.ErrCode = proto.ErrCode(u)
	if u, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	resp.MysqlErrCode = int32(u)
	var msg []byte
	if msg, buf, err = readBytes(buf); err != nil {
		return nil, err
	}
	resp.ErrMsg = string(msg)
	if u, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	resp.Leader = proto.NodeID(u)
	if u, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	resp.AffectedRows = int64(u)

	var n uint64
	if n, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	resp.RowValues = make([]proto.Tuple, 0, n)
	for i := uint64(0); i < n; i++ {
		var t proto.Tuple
		if t, buf, err = decodeTupleField(buf); err != nil {
			return nil, err
		}
		resp.RowValues = append(resp.RowValues, t)
	}

	if n, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	resp.Regions = make([]*proto.RegionInfo, 0, n)
	for i := uint64(0); i < n; i++ {
		var raw []byte
		if raw, buf, err = readBytes(buf); err != nil {
			return nil, err
		}
		ri, err := DecodeRegionInfo(raw)
		if err != nil {
			return nil, err
		}
		resp.Regions = append(resp.Regions, ri)
	}

	if n, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	resp.TxnInfos = make([]proto.TxnInfo, 0, n)
	for i := uint64(0); i < n; i++ {
		var raw []byte
		if raw, buf, err = readBytes(buf); err != nil {
			return nil, err
		}
		ti, _, err := DecodeTxnInfo(raw)
		if err != nil {
			return nil, err
		}
		resp.TxnInfos = append(resp.TxnInfos, ti)
	}

	if n, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	resp.Records = make([]proto.Record, 0, n)
	for i := uint64(0); i < n; i++ {
		var rec proto.Record
		if rec.Key, buf, err = readBytes(buf); err != nil {
			return nil, err
		}
		if rec.Value, buf, err = readBytes(buf); err != nil {
			return nil, err
		}
		resp.Records = append(resp.Records, rec)
	}

	if len(buf) < 1 {
		return nil, fmt.Errorf("codec: short response")
	}
	hasSeq := buf[0] == 1
	buf = buf[1:]
	if hasSeq {
		var seq uint64
		if seq, buf, err = readUint64(buf); err != nil {
			return nil, err
		}
		resp.LastSeqID = &seq
	}

	if n, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	resp.ScanIndexes = make([]proto.ScanIndex, 0, n)
	for i := uint64(0); i < n; i++ {
		var indexID uint64
		if indexID, buf, err = readUint64(buf); err != nil {
			return nil, err
		}
		if len(buf) < 2 {
			return nil, fmt.Errorf("codec: short scan index")
		}
		keyOnly := buf[0] == 1
		backward := buf[1] == 1
		buf = buf[2:]
		resp.ScanIndexes = append(resp.ScanIndexes, proto.ScanIndex{
			IndexID:  indexID,
			KeyOnly:  keyOnly,
			Backward: backward,
		})
	}
	return resp, nil
}

// EncodeRegionInfo/DecodeRegionInfo serialize a RegionInfo snapshot for
// NewRegionInfo payloads and for the region_info meta row (§6).
func EncodeRegionInfo(ri *proto.RegionInfo) []byte {
	var buf []byte
	buf = appendUint64(buf, ri.ID)
	buf = appendUint64(buf, ri.TableID)
	buf = appendUint64(buf, ri.MainTableID)
	buf = appendUint64(buf, ri.IndexID)
	buf = appendUint64(buf, uint64(ri.PartitionID))
	buf = appendBytes(buf, ri.StartKey)
	buf = appendBytes(buf, ri.EndKey)
	buf = appendUint64(buf, ri.Version)
	buf = appendUint64(buf, ri.AppliedIndex)

	buf = appendUint64(buf, uint64(len(ri.Peers)))
	for _, p := range ri.Peers {
		buf = appendUint64(buf, uint64(p.NodeID))
		buf = appendBytes(buf, []byte(p.Addr))
		b := byte(0)
		if p.Learner {
			b = 1
		}
		buf = append(buf, b)
	}

	buf = appendUint64(buf, uint64(ri.Leader))
	buf = appendUint64(buf, uint64(ri.Status))
	buf = appendUint64(buf, uint64(ri.NumTableLines))
	buf = appendUint64(buf, uint64(ri.NumDeleteLines))
	buf = appendUint64(buf, ri.UsedSize)

	buf = appendUint64(buf, uint64(len(ri.Indexes)))
	for _, idx := range ri.Indexes {
		buf = appendUint64(buf, idx.IndexID)
		buf = appendBytes(buf, []byte(idx.Name))
		buf = appendUint64(buf, uint64(idx.Type))
		buf = appendUint64(buf, uint64(idx.State))
		buf = appendUint64(buf, uint64(len(idx.Fields)))
		for _, f := range idx.Fields {
			buf = appendUint64(buf, uint64(f))
		}
		b := byte(0)
		if idx.Unique {
			b = 1
		}
		buf = append(buf, b)
	}

	// RelatedRegions is flattened one level deep: a related region's own
	// RelatedRegions is never populated (enforced by RegionInfo.Clone), so
	// encoding it here would only ever write a zero-length list.
	buf = appendUint64(buf, uint64(len(ri.RelatedRegions)))
	for _, rr := range ri.RelatedRegions {
		buf = appendBytes(buf, EncodeRegionInfo(&rr))
	}
	return buf
}

func DecodeRegionInfo(buf []byte) (*proto.RegionInfo, error) {
	ri := &proto.RegionInfo{}
	var err error
	if ri.ID, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	if ri.TableID, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	if ri.MainTableID, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	if ri.IndexID, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	var partitionID uint64
	if partitionID, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	ri.PartitionID = uint32(partitionID)
	if ri.StartKey, buf, err = readBytes(buf); err != nil {
		return nil, err
	}
	if ri.EndKey, buf, err = readBytes(buf); err != nil {
		return nil, err
	}
	if ri.Version, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	if ri.AppliedIndex, buf, err = readUint64(buf); err != nil {
		return nil, err
	}

	var n uint64
	if n, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	ri.Peers = make([]proto.Peer, 0, n)
	for i := uint64(0); i < n; i++ {
		var p proto.Peer
		var nodeID uint64
		if nodeID, buf, err = readUint64(buf); err != nil {
			return nil, err
		}
		p.NodeID = proto.NodeID(nodeID)
		var addr []byte
		if addr, buf, err = readBytes(buf); err != nil {
			return nil, err
		}
		p.Addr = string(addr)
		if len(buf) < 1 {
			return nil, fmt.Errorf("codec: short peer")
		}
		p.Learner = buf[0] == 1
		buf = buf[1:]
		ri.Peers = append(ri.Peers, p)
	}

	var leader uint64
	if leader, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	ri.Leader = proto.NodeID(leader)
	var status uint64
	if status, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	ri.Status = proto.RegionStatus(status)
	var numLines uint64
	if numLines, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	ri.NumTableLines = int64(numLines)
	var numDel uint64
	if numDel, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	ri.NumDeleteLines = int64(numDel)
	if ri.UsedSize, buf, err = readUint64(buf); err != nil {
		return nil, err
	}

	if n, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	ri.Indexes = make([]proto.IndexInfo, 0, n)
	for i := uint64(0); i < n; i++ {
		var idx proto.IndexInfo
		if idx.IndexID, buf, err = readUint64(buf); err != nil {
			return nil, err
		}
		var name []byte
		if name, buf, err = readBytes(buf); err != nil {
			return nil, err
		}
		idx.Name = string(name)
		var typ uint64
		if typ, buf, err = readUint64(buf); err != nil {
			return nil, err
		}
		idx.Type = proto.IndexType(typ)
		var state uint64
		if state, buf, err = readUint64(buf); err != nil {
			return nil, err
		}
		idx.State = proto.IndexState(state)
		var nf uint64
		if nf, buf, err = readUint64(buf); err != nil {
			return nil, err
		}
		if nf > 0 {
			idx.Fields = make([]uint32, 0, nf)
		}
		for j := uint64(0); j < nf; j++ {
			var f uint64
			if f, buf, err = readUint64(buf); err != nil {
				return nil, err
			}
			idx.Fields = append(idx.Fields, uint32(f))
		}
		if len(buf) < 1 {
			return nil, fmt.Errorf("codec: short index info")
		}
		idx.Unique = buf[0] == 1
		buf = buf[1:]
		ri.Indexes = append(ri.Indexes, idx)
	}

	if n, buf, err = readUint64(buf); err != nil {
		return nil, err
	}
	ri.RelatedRegions = make([]proto.RegionInfo, 0, n)
	for i := uint64(0); i < n; i++ {
		var raw []byte
		if raw, buf, err = readBytes(buf); err != nil {
			return nil, err
		}
		rr, err := DecodeRegionInfo(raw)
		if err != nil {
			return nil, err
		}
		ri.RelatedRegions = append(ri.RelatedRegions, *rr)
	}
	return ri, nil
}
