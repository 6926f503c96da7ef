package region

import (
	"github.com/dbregion/regioncore/exec"
	"github.com/dbregion/regioncore/invindex"
	"github.com/dbregion/regioncore/proto"
)

// tableOf builds the exec.Table view of the region's schema from its
// current RegionInfo snapshot: the primary index is always index 0 of a
// freshly created region's Indexes slice by convention (§3 calls the
// routing index "the index owned by the region"; this repo represents it
// as an ordinary IndexInfo of IndexTypePrimary so DDL and exec share one
// shape for every index, primary included).
func tableOf(info *proto.RegionInfo) exec.Table {
	tbl := exec.Table{RegionID: info.ID}
	for _, idx := range info.Indexes {
		if idx.Type == proto.IndexTypePrimary {
			tbl.Primary = idx
			continue
		}
		tbl.Indexes = append(tbl.Indexes, idx)
	}
	return tbl
}

// table is tableOf plus every FULLTEXT index's persistent invindex.Engine:
// an engine's L1 delta must outlive a single Apply call, so it is cached
// on the Region (fulltextEngine) rather than rebuilt from this per-call
// schema snapshot.
func (r *Region) table(info *proto.RegionInfo) exec.Table {
	tbl := tableOf(info)
	for _, idx := range tbl.Indexes {
		if idx.Type != proto.IndexTypeFulltext {
			continue
		}
		if tbl.FulltextEngines == nil {
			tbl.FulltextEngines = make(map[proto.IndexID]*invindex.Engine)
		}
		tbl.FulltextEngines[idx.IndexID] = r.fulltextEngine(idx.IndexID)
	}
	return tbl
}
