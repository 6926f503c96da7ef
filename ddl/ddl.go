// Package ddl implements the online add-index / drop-index coordinator of
// §4.6: it drives one secondary index through the
// NONE -> DELETE_ONLY -> WRITE_ONLY -> WRITE_LOCAL -> PUBLIC progression
// (or its reverse, PUBLIC -> WRITE_LOCAL -> DELETE_LOCAL -> NONE, for a
// drop), backfilling existing rows once every region observes WRITE_ONLY
// so concurrent foreground writes and the backfill never race on the same
// row without a lock.
package ddl

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/dbregion/regioncore/codec"
	"github.com/dbregion/regioncore/exec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
	"github.com/dbregion/regioncore/region"
)

// Region is the subset of region.Region the ddl coordinator drives.
type Region interface {
	ID() proto.RegionID
	Info() *proto.RegionInfo
	Query(ctx context.Context, req *proto.Request) (*proto.Response, error)
}

// Coordinator drives one index's DDL progression across every region of
// its table; a table's regions are independent raft groups, so each state
// transition is proposed against all of them before the next phase starts.
type Coordinator struct {
	store       kv.Store
	stepTimeout time.Duration
	locks       *exec.RowLocks
}

func NewCoordinator(store kv.Store, stepTimeout time.Duration) *Coordinator {
	return &Coordinator{store: store, stepTimeout: stepTimeout, locks: exec.NewRowLocks()}
}

// AddIndex runs the full create-index protocol against every region of the
// table the index belongs to.
func (c *Coordinator) AddIndex(ctx context.Context, regions []Region, idx proto.IndexInfo) error {
	idx.State = proto.IndexStateNone
	if err := c.addIndexDescriptor(ctx, regions, idx); err != nil {
		return errors.Info(err, "register index descriptor")
	}

	progression := []proto.IndexState{
		proto.IndexStateDeleteOnly,
		proto.IndexStateWriteOnly,
	}
	for _, state := range progression {
		if err := c.setState(ctx, regions, idx.IndexID, state); err != nil {
			return errors.Info(err, "advance index state")
		}
	}

	if err := c.backfill(ctx, regions, idx); err != nil {
		return errors.Info(err, "backfill index")
	}

	if err := c.setState(ctx, regions, idx.IndexID, proto.IndexStateWriteLocal); err != nil {
		return errors.Info(err, "advance index state")
	}
	if err := c.setState(ctx, regions, idx.IndexID, proto.IndexStatePublic); err != nil {
		return errors.Info(err, "publish index")
	}
	return nil
}

// DropIndex runs the reverse progression and finally removes the index's
// descriptor once every region has stopped observing it entirely.
func (c *Coordinator) DropIndex(ctx context.Context, regions []Region, indexID proto.IndexID) error {
	progression := []proto.IndexState{
		proto.IndexStateWriteLocal,
		proto.IndexStateDeleteLocal,
		proto.IndexStateNone,
	}
	for _, state := range progression {
		if err := c.setState(ctx, regions, indexID, state); err != nil {
			return errors.Info(err, "advance index state")
		}
	}
	return c.removeIndexDescriptor(ctx, regions, indexID)
}

func (c *Coordinator) setState(ctx context.Context, regions []Region, indexID proto.IndexID, state proto.IndexState) error {
	ctx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	defer cancel()
	for _, r := range regions {
		info := r.Info()
		if _, err := r.Query(ctx, &proto.Request{
			OpType:        proto.OpDdlChangeIndexState,
			RegionID:      info.ID,
			RegionVersion: info.Version,
			Plan:          region.EncodeDdlChangeIndexStatePlan(indexID, state),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) addIndexDescriptor(ctx context.Context, regions []Region, idx proto.IndexInfo) error {
	for _, r := range regions {
		info := r.Info()
		newInfo := info.Clone()
		newInfo.Indexes = append(newInfo.Indexes, idx)
		if _, err := r.Query(ctx, &proto.Request{
			OpType:        proto.OpDdlAddIndex,
			RegionID:      info.ID,
			RegionVersion: info.Version,
			NewRegionInfo: newInfo,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) removeIndexDescriptor(ctx context.Context, regions []Region, indexID proto.IndexID) error {
	for _, r := range regions {
		info := r.Info()
		if _, err := r.Query(ctx, &proto.Request{
			OpType:        proto.OpDdlDropIndex,
			RegionID:      info.ID,
			RegionVersion: info.Version,
			Plan:          region.EncodeDdlDropIndexPlan(indexID),
		}); err != nil {
			return err
		}
	}
	return nil
}

// backfill walks every existing row of each region's primary index (under
// WRITE_ONLY, so any concurrent foreground write already maintains the new
// index too) and proposes the secondary-index entries in batches of up to
// 256 rows. c.locks is private to this coordinator and each key is
// unlocked again before its batch is proposed, so it does not exclude
// foreground writes; a key already held in c.locks is skipped.
func (c *Coordinator) backfill(ctx context.Context, regions []Region, idx proto.IndexInfo) error {
	for _, r := range regions {
		info := r.Info()
		tbl := exec.Table{RegionID: info.ID, Primary: primaryOf(info), Indexes: []proto.IndexInfo{idx}}

		prefix := codec.EncodeIndexKeyPrefix(info.ID, tbl.Primary.IndexID)
		snap := c.store.NewSnapshot()
		reader := c.store.List(ctx, kv.DefaultCF, prefix, nil, snap)

		const batchSize = 256
		for {
			rows := make([]proto.Tuple, 0, batchSize)
			for len(rows) < batchSize {
				key, val, ok := reader.Next()
				if !ok {
					break
				}
				values, err := codec.DecodeTupleAll(val.Value())
				val.Close()
				if err != nil {
					reader.Close()
					snap.Close()
					return err
				}
				if !c.locks.TryLock(key) {
					continue
				}
				rows = append(rows, proto.Tuple{Values: values})
				c.locks.Unlock(key)
			}
			if len(rows) == 0 {
				break
			}
			if _, err := r.Query(ctx, &proto.Request{
				OpType:   proto.OpDdlBackfillIndex,
				RegionID: info.ID,
				Plan:     region.EncodeDdlBackfillIndexPlan(idx.IndexID),
				Tuples:   rows,
			}); err != nil {
				reader.Close()
				snap.Close()
				return err
			}
			if len(rows) < batchSize {
				break
			}
		}
		reader.Close()
		snap.Close()
	}
	return nil
}

func primaryOf(info *proto.RegionInfo) proto.IndexInfo {
	for _, idx := range info.Indexes {
		if idx.Type == proto.IndexTypePrimary {
			return idx
		}
	}
	return proto.IndexInfo{}
}
