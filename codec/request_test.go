package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbregion/regioncore/proto"
)

func TestEncodeDecodeRequestFulltextFieldsRoundTrip(t *testing.T) {
	req := &proto.Request{
		OpType:           proto.OpFulltextSearch,
		RegionID:         1,
		FulltextIndexID:  3,
		FulltextTerms:    []string{"hello", "world"},
		FulltextMatchAll: true,
	}
	buf := EncodeRequest(req)
	got, err := DecodeRequest(buf)
	require.NoError(t, err)
	require.Equal(t, req.OpType, got.OpType)
	require.Equal(t, req.FulltextIndexID, got.FulltextIndexID)
	require.Equal(t, req.FulltextTerms, got.FulltextTerms)
	require.Equal(t, req.FulltextMatchAll, got.FulltextMatchAll)
}

// TestEncodeDecodeRequestRelatedRegionInfoRoundTrip covers the sibling/child
// descriptor an OpAdjustKeyAndAddVersion or OpValidateAndAddVersion proposal
// carries alongside the region's own NewRegionInfo.
func TestEncodeDecodeRequestRelatedRegionInfoRoundTrip(t *testing.T) {
	req := &proto.Request{
		OpType:   proto.OpAdjustKeyAndAddVersion,
		RegionID: 1,
		NewRegionInfo: &proto.RegionInfo{
			ID:       1,
			StartKey: []byte("a"),
			EndKey:   []byte("a"),
		},
		RelatedRegionInfo: &proto.RegionInfo{
			ID:       2,
			StartKey: []byte("a"),
			EndKey:   []byte("z"),
		},
	}
	buf := EncodeRequest(req)
	got, err := DecodeRequest(buf)
	require.NoError(t, err)
	require.NotNil(t, got.NewRegionInfo)
	require.Equal(t, req.NewRegionInfo.ID, got.NewRegionInfo.ID)
	require.NotNil(t, got.RelatedRegionInfo)
	require.Equal(t, req.RelatedRegionInfo.ID, got.RelatedRegionInfo.ID)
	require.Equal(t, req.RelatedRegionInfo.EndKey, got.RelatedRegionInfo.EndKey)
}

func TestEncodeDecodeRequestNoRelatedRegionInfo(t *testing.T) {
	req := &proto.Request{OpType: proto.OpInsert, RegionID: 1}
	buf := EncodeRequest(req)
	got, err := DecodeRequest(buf)
	require.NoError(t, err)
	require.Nil(t, got.RelatedRegionInfo)
}

// TestEncodeDecodeRegionInfoRelatedRegionsRoundTrip covers the persisted
// region_info meta row carrying the sibling/child descriptor attached by a
// completed merge or split, consumed to populate a later VERSION_OLD
// response.
func TestEncodeDecodeRegionInfoRelatedRegionsRoundTrip(t *testing.T) {
	ri := &proto.RegionInfo{
		ID:       1,
		StartKey: []byte("a"),
		EndKey:   []byte("a"),
		RelatedRegions: []proto.RegionInfo{
			{ID: 2, StartKey: []byte("a"), EndKey: []byte("z")},
		},
	}
	buf := EncodeRegionInfo(ri)
	got, err := DecodeRegionInfo(buf)
	require.NoError(t, err)
	require.Len(t, got.RelatedRegions, 1)
	require.Equal(t, ri.RelatedRegions[0].ID, got.RelatedRegions[0].ID)
	require.Equal(t, ri.RelatedRegions[0].EndKey, got.RelatedRegions[0].EndKey)
}

func TestEncodeDecodeResponseRoundTrip(t *testing.T) {
	seq := uint64(42)
	resp := &proto.Response{
		ErrCode:      proto.ErrCodeSuccess,
		MysqlErrCode: 1062,
		ErrMsg:       "duplicate key",
		Leader:       7,
		AffectedRows: 3,
		RowValues: []proto.Tuple{
			{Values: []proto.Value{proto.Int64Value(1)}},
		},
		Regions: []*proto.RegionInfo{
			{
				ID:      1,
				TableID: 2,
				StartKey: []byte("a"),
				EndKey:   []byte("z"),
				Peers:    []proto.Peer{{NodeID: 1, Addr: "127.0.0.1:1"}},
				Indexes:  []proto.IndexInfo{{IndexID: 9, Name: "PRIMARY", Type: proto.IndexTypePrimary}},
			},
		},
		TxnInfos: []proto.TxnInfo{
			{TxnID: 11, LastSeqID: 2, StartSeqID: 1, NeedRollbackSeqs: []uint64{1, 2}, Optimize1PC: true, AffectedRows: 5},
		},
		Records: []proto.Record{
			{Key: []byte("k1"), Value: []byte("v1")},
		},
		LastSeqID: &seq,
		ScanIndexes: []proto.ScanIndex{
			{IndexID: 3, KeyOnly: true, Backward: false},
		},
	}

	buf := EncodeResponse(resp)
	got, err := DecodeResponse(buf)
	require.NoError(t, err)

	require.Equal(t, resp.ErrCode, got.ErrCode)
	require.Equal(t, resp.MysqlErrCode, got.MysqlErrCode)
	require.Equal(t, resp.ErrMsg, got.ErrMsg)
	require.Equal(t, resp.Leader, got.Leader)
	require.Equal(t, resp.AffectedRows, got.AffectedRows)
	require.Equal(t, resp.RowValues, got.RowValues)
	require.Len(t, got.Regions, 1)
	require.Equal(t, resp.Regions[0].ID, got.Regions[0].ID)
	require.Equal(t, resp.Regions[0].StartKey, got.Regions[0].StartKey)
	require.Equal(t, resp.Regions[0].EndKey, got.Regions[0].EndKey)
	require.Equal(t, resp.Regions[0].Peers, got.Regions[0].Peers)
	require.Equal(t, resp.Regions[0].Indexes, got.Regions[0].Indexes)
	require.Equal(t, resp.TxnInfos, got.TxnInfos)
	require.Equal(t, resp.Records, got.Records)
	require.NotNil(t, got.LastSeqID)
	require.Equal(t, *resp.LastSeqID, *got.LastSeqID)
	require.Equal(t, resp.ScanIndexes, got.ScanIndexes)
}

func TestEncodeDecodeResponseNoOptionalFields(t *testing.T) {
	resp := &proto.Response{ErrCode: proto.ErrCodeVersionOld}
	buf := EncodeResponse(resp)
	got, err := DecodeResponse(buf)
	require.NoError(t, err)
	require.Equal(t, resp.ErrCode, got.ErrCode)
	require.Nil(t, got.LastSeqID)
	require.Empty(t, got.Regions)
	require.Empty(t, got.TxnInfos)
}
