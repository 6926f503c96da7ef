package raftgroup

import (
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// groupHandler is the seam between a single group's Propose/apply logic and
// the node-wide resources (id generation, outbound transport, the
// goroutine driving raft Ready()) shared by every group hosted on a node.
// A real deployment wires this to Manager; tests can substitute a fake.
type groupHandler interface {
	HandleNextID() uint64
	HandlePropose(ctx context.Context, groupID uint64, req proposalRequest) error
	HandleSignalToWorker(ctx context.Context, groupID uint64)
	HandleSnapshot(ctx context.Context, groupID uint64, msg raftpb.Message) error
	HandleMaybeCoalesceHeartbeat(ctx context.Context, groupID uint64, msg *raftpb.Message) bool
	HandleSendRaftMessageRequest(ctx context.Context, req *RaftMessageRequest, class connectionClass) error
	HandleSendRaftSnapshotRequest(ctx context.Context, snapshot *outgoingSnapshot) error
}

// ManagerConfig configures the node-wide raft driver.
type ManagerConfig struct {
	NodeID        uint64
	TickInterval  time.Duration
	QueueSize     int
	Transport     *transport
	AddrResolver  AddressResolver
	RawStorage    Storage
}

// NewManager builds a Manager that hosts every raft group on this node and
// drives their Ready() loops on a shared ticker, the way a single raft node
// process multiplexes many ranges/shards in production multi-raft designs.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 4096
	}
	m := &Manager{
		cfg:    cfg,
		idGen:  newIDGenerator(cfg.NodeID, time.Now()),
		signal: make(chan uint64, 1024),
		stop:   make(chan struct{}),
	}
	go m.tickLoop()
	go m.driveLoop()
	return m
}

// Manager implements groupHandler and transportHandler for every group
// hosted on one node.
type Manager struct {
	cfg    ManagerConfig
	idGen  *idGenerator
	groups sync.Map // uint64 -> *group
	queues sync.Map // uint64 -> proposalQueue
	signal chan uint64
	stop   chan struct{}
}

// GroupConfig describes one raft group to be hosted by the Manager.
type GroupConfig struct {
	ID            uint64
	Members       []Member
	ElectionTick  int
	HeartbeatTick int
	Storage       Storage
	StateMachine  StateMachine
}

// NewGroup constructs and registers a raft group driven by this Manager.
func (m *Manager) NewGroup(cfg GroupConfig) (Group, error) {
	if cfg.ElectionTick == 0 {
		cfg.ElectionTick = 10
	}
	if cfg.HeartbeatTick == 0 {
		cfg.HeartbeatTick = 1
	}

	stg, err := newStorage(storageConfig{
		id:              cfg.ID,
		maxSnapshotNum:  4,
		snapshotTimeout: time.Minute,
		members:         cfg.Members,
		raw:             cfg.Storage,
		sm:              cfg.StateMachine,
	})
	if err != nil {
		return nil, errors.Info(err, "new raft log storage failed")
	}

	peers := make([]raft.Peer, 0, len(cfg.Members))
	for _, mem := range cfg.Members {
		peers = append(peers, raft.Peer{ID: mem.NodeID})
	}

	rc := &raft.Config{
		ID:              m.cfg.NodeID,
		ElectionTick:    cfg.ElectionTick,
		HeartbeatTick:   cfg.HeartbeatTick,
		Storage:         &raftStorageAdapter{s: stg},
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
	}
	rn, err := raft.NewRawNode(rc)
	if err != nil {
		return nil, errors.Info(err, "new raw raft node failed")
	}

	g := &group{
		id:      cfg.ID,
		nodeID:  m.cfg.NodeID,
		sm:      cfg.StateMachine,
		handler: m,
		storage: stg,
	}
	g.rawNodeMu.rawNode = rn

	m.groups.Store(cfg.ID, g)
	m.queues.Store(cfg.ID, newProposalQueue(m.cfg.QueueSize))

	return g, nil
}

func (m *Manager) HandleNextID() uint64 {
	return m.idGen.Next()
}

func (m *Manager) HandlePropose(ctx context.Context, groupID uint64, req proposalRequest) error {
	v, ok := m.queues.Load(groupID)
	if !ok {
		return ErrGroupNotFound
	}
	if err := v.(proposalQueue).Push(ctx, req); err != nil {
		return err
	}
	m.HandleSignalToWorker(ctx, groupID)
	return nil
}

func (m *Manager) HandleSignalToWorker(ctx context.Context, groupID uint64) {
	select {
	case m.signal <- groupID:
	default:
	}
}

func (m *Manager) HandleSnapshot(ctx context.Context, groupID uint64, msg raftpb.Message) error {
	v, ok := m.groups.Load(groupID)
	if !ok {
		return ErrGroupNotFound
	}
	g := v.(*group)
	snapshot := g.storage.GetSnapshot(string(msg.Snapshot.Data))
	if snapshot == nil {
		return errors.New("outgoing snapshot not found")
	}
	return m.cfg.Transport.SendSnapshot(ctx, snapshot)
}

// HandleMaybeCoalesceHeartbeat does not coalesce; every heartbeat is sent
// as its own message. Coalescing many groups' heartbeats into one wire
// message is a throughput optimization this driver leaves for later.
func (m *Manager) HandleMaybeCoalesceHeartbeat(ctx context.Context, groupID uint64, msg *raftpb.Message) bool {
	return false
}

func (m *Manager) HandleSendRaftMessageRequest(ctx context.Context, req *RaftMessageRequest, class connectionClass) error {
	return m.cfg.Transport.SendAsync(ctx, req, class)
}

func (m *Manager) HandleSendRaftSnapshotRequest(ctx context.Context, snapshot *outgoingSnapshot) error {
	return m.cfg.Transport.SendSnapshot(ctx, snapshot)
}

// HandleRaftRequest implements transportHandler: step an inbound message
// into the addressed group's raw node.
func (m *Manager) HandleRaftRequest(ctx context.Context, req *RaftMessageRequest, stream MessageResponseStream) error {
	v, ok := m.groups.Load(req.GroupID)
	if !ok {
		return ErrGroupNotFound
	}
	g := v.(*group)
	if err := (*internalGroupProcessor)(g).ProcessRaftMessageRequest(ctx, req); err != nil {
		return err
	}
	m.HandleSignalToWorker(ctx, req.GroupID)
	return nil
}

func (m *Manager) HandleRaftResponse(ctx context.Context, resp *RaftMessageResponse) error {
	if resp.Err != nil {
		v, ok := m.groups.Load(resp.GroupID)
		if ok {
			(*internalGroupProcessor)(v.(*group)).AddUnreachableRemoteReplica(resp.From)
		}
	}
	return nil
}

func (m *Manager) HandleRaftSnapshot(ctx context.Context, req *RaftSnapshotRequest, stream SnapshotResponseStream) error {
	v, ok := m.groups.Load(req.Header.RaftMessageRequest.GroupID)
	if !ok {
		return ErrGroupNotFound
	}
	g := v.(*group)
	return (*internalGroupProcessor)(g).ProcessRaftSnapshotRequest(ctx, req, stream)
}

func (m *Manager) tickLoop() {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.groups.Range(func(key, value interface{}) bool {
				(*internalGroupProcessor)(value.(*group)).Tick()
				m.HandleSignalToWorker(context.Background(), key.(uint64))
				return true
			})
		}
	}
}

// driveLoop processes Ready() for whichever group was signalled, the
// single-goroutine-per-tick analogue of etcd/raft's documented node loop
// generalized to many groups sharing one node.
func (m *Manager) driveLoop() {
	for {
		var groupID uint64
		select {
		case <-m.stop:
			return
		case groupID = <-m.signal:
		}

		v, ok := m.groups.Load(groupID)
		if !ok {
			continue
		}
		m.processReady(v.(*group))
	}
}

func (m *Manager) processReady(g *group) {
	ctx := context.Background()
	proc := (*internalGroupProcessor)(g)

	if q, ok := m.queues.Load(g.id); ok {
		q.(proposalQueue).Iter(func(req proposalRequest) bool {
			proc.WithRaftRawNodeLocked(func(rn *raft.RawNode) error {
				if req.entryType == raftpb.EntryConfChange {
					member := &Member{}
					if err := member.Unmarshal(req.data.Data); err != nil {
						return err
					}
					cc := raftpb.ConfChange{
						Type:    member.ChangeType.ConfChangeType(),
						NodeID:  member.NodeID,
						Context: encodeConfChangeContext(req.data.notifyID, req.data.Data),
					}
					return rn.ProposeConfChange(cc)
				}
				data, err := req.data.Marshal()
				if err != nil {
					return err
				}
				return rn.Propose(data)
			})
			return true
		})
	}

	var rn *raft.RawNode
	proc.WithRaftRawNodeLocked(func(r *raft.RawNode) error {
		rn = r
		return nil
	})
	if rn == nil || !rn.HasReady() {
		return
	}

	span := trace.SpanFromContext(ctx)
	ready := rn.Ready()

	if err := proc.SaveHardStateAndEntries(ctx, ready.HardState, ready.Entries); err != nil {
		span.Errorf("save hard state and entries failed: %s", err)
		return
	}

	// The actual snapshot payload is applied to the state machine out of
	// band, via ProcessRaftSnapshotRequest on the dedicated snapshot
	// stream; a non-empty ready.Snapshot here only tells raft it may
	// advance its own bookkeeping past this index/term.

	proc.ProcessSendRaftMessage(ctx, ready.Messages)

	if err := proc.ApplyCommittedEntries(ctx, ready.CommittedEntries); err != nil {
		span.Errorf("apply committed entries failed: %s", err)
	}

	for _, rs := range ready.ReadStates {
		proc.ApplyReadIndex(ctx, rs)
	}

	if ready.SoftState != nil && ready.SoftState.Lead != 0 {
		if err := proc.ApplyLeaderChange(ready.SoftState.Lead); err != nil {
			span.Errorf("apply leader change failed: %s", err)
		}
	}

	proc.WithRaftRawNodeLocked(func(r *raft.RawNode) error {
		r.Advance(ready)
		return nil
	})
}

// raftStorageAdapter satisfies go.etcd.io/etcd/raft/v3's Storage interface
// using the region's own storage type, whose method set already matches it
// except for the ApplySnapshot hook which raft.Storage does not require.
type raftStorageAdapter struct {
	s *storage
}

func (a *raftStorageAdapter) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	return a.s.InitialState()
}

func (a *raftStorageAdapter) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	return a.s.Entries(lo, hi, maxSize)
}

func (a *raftStorageAdapter) Term(i uint64) (uint64, error) {
	return a.s.Term(i)
}

func (a *raftStorageAdapter) LastIndex() (uint64, error) {
	return a.s.LastIndex()
}

func (a *raftStorageAdapter) FirstIndex() (uint64, error) {
	return a.s.FirstIndex()
}

func (a *raftStorageAdapter) Snapshot() (raftpb.Snapshot, error) {
	return a.s.Snapshot()
}
