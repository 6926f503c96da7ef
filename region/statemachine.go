package region

import (
	"context"

	"github.com/dbregion/regioncore/codec"
	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
	"github.com/dbregion/regioncore/raftgroup"
)

// ApplyMemberChange implements raftgroup.StateMachine: it folds the
// replica-set change into the region's own descriptor so heartbeats and
// VERSION_OLD responses reflect the new peer set without a separate
// membership RPC.
func (r *Region) ApplyMemberChange(cc *raftgroup.Member, index uint64) error {
	info := r.Info()
	newInfo := info.Clone()

	switch cc.ChangeType {
	case raftgroup.MemberChangeRemoveNode:
		peers := newInfo.Peers[:0]
		for _, p := range info.Peers {
			if uint64(p.NodeID) != cc.NodeID {
				peers = append(peers, p)
			}
		}
		newInfo.Peers = peers
	default:
		found := false
		for i, p := range newInfo.Peers {
			if uint64(p.NodeID) == cc.NodeID {
				newInfo.Peers[i].Addr = cc.Host
				newInfo.Peers[i].Learner = cc.Learner
				found = true
				break
			}
		}
		if !found {
			newInfo.Peers = append(newInfo.Peers, proto.Peer{
				NodeID:  proto.NodeID(cc.NodeID),
				Addr:    cc.Host,
				Learner: cc.Learner,
			})
		}
	}

	kvTxn := r.store.Begin(nil)
	kvTxn.Put(kv.MetaCF, codec.RegionInfoKey(info.ID), codec.EncodeRegionInfo(newInfo))
	kvTxn.Put(kv.MetaCF, codec.AppliedIndexKey(info.ID), codec.EncodeUint64(index))
	if err := kvTxn.Commit(context.Background()); err != nil {
		return err
	}

	r.setAppliedIndex(index)
	r.publish(newInfo)
	return nil
}
