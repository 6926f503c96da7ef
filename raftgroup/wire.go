package raftgroup

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// ProposalData is the unit of data carried through a single raft log entry.
// notifyID links the entry back to the goroutine blocked in Group.Propose
// waiting for its result; it is not meaningful across restarts. Marshal
// always writes it, as zero when unset.
type ProposalData struct {
	Op      uint32
	TraceID string
	Data    []byte

	notifyID uint64
}

func (p *ProposalData) Marshal() ([]byte, error) {
	traceID := []byte(p.TraceID)
	b := make([]byte, 8+4+4+len(traceID)+len(p.Data))
	off := 0
	binary.BigEndian.PutUint64(b[off:], p.notifyID)
	off += 8
	binary.BigEndian.PutUint32(b[off:], p.Op)
	off += 4
	binary.BigEndian.PutUint32(b[off:], uint32(len(traceID)))
	off += 4
	off += copy(b[off:], traceID)
	copy(b[off:], p.Data)
	return b, nil
}

func (p *ProposalData) Unmarshal(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("raftgroup: short proposal data: %d bytes", len(data))
	}
	off := 0
	p.notifyID = binary.BigEndian.Uint64(data[off:])
	off += 8
	p.Op = binary.BigEndian.Uint32(data[off:])
	off += 4
	traceLen := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if len(data) < off+traceLen {
		return fmt.Errorf("raftgroup: truncated proposal trace id")
	}
	p.TraceID = string(data[off : off+traceLen])
	off += traceLen
	p.Data = append([]byte(nil), data[off:]...)
	return nil
}

// MemberChangeType mirrors raftpb.ConfChangeType for the members this
// package persists alongside the raw conf change.
type MemberChangeType int32

const (
	MemberChangeAddNode MemberChangeType = iota
	MemberChangeRemoveNode
	MemberChangeAddLearnerNode
)

func (t MemberChangeType) ConfChangeType() raftpb.ConfChangeType {
	switch t {
	case MemberChangeRemoveNode:
		return raftpb.ConfChangeRemoveNode
	case MemberChangeAddLearnerNode:
		return raftpb.ConfChangeAddLearnerNode
	default:
		return raftpb.ConfChangeAddNode
	}
}

// Member describes one voter/learner of a raft group. It travels inside
// raftpb.ConfChange.Context so every replica learns the new peer's address
// at the moment the membership change is applied.
type Member struct {
	NodeID     uint64
	ChangeType MemberChangeType
	Learner    bool
	Host       string
}

func (m *Member) Marshal() ([]byte, error) {
	host := []byte(m.Host)
	b := make([]byte, 8+4+1+4+len(host))
	off := 0
	binary.BigEndian.PutUint64(b[off:], m.NodeID)
	off += 8
	binary.BigEndian.PutUint32(b[off:], uint32(m.ChangeType))
	off += 4
	if m.Learner {
		b[off] = 1
	}
	off++
	binary.BigEndian.PutUint32(b[off:], uint32(len(host)))
	off += 4
	copy(b[off:], host)
	return b, nil
}

func (m *Member) Unmarshal(data []byte) error {
	if len(data) < 17 {
		return fmt.Errorf("raftgroup: short member payload: %d bytes", len(data))
	}
	off := 0
	m.NodeID = binary.BigEndian.Uint64(data[off:])
	off += 8
	m.ChangeType = MemberChangeType(binary.BigEndian.Uint32(data[off:]))
	off += 4
	m.Learner = data[off] == 1
	off++
	hostLen := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if len(data) < off+hostLen {
		return fmt.Errorf("raftgroup: truncated member host")
	}
	m.Host = string(data[off : off+hostLen])
	return nil
}

// encodeConfChangeContext packs the proposer's notifyID alongside the
// marshaled Member inside a raftpb.ConfChange.Context, since conf change
// entries bypass ProposalData and carry only raw bytes through raft.
func encodeConfChangeContext(notifyID uint64, memberData []byte) []byte {
	b := make([]byte, 8+len(memberData))
	binary.BigEndian.PutUint64(b, notifyID)
	copy(b[8:], memberData)
	return b
}

func decodeConfChangeContext(data []byte) (notifyID uint64, memberData []byte, err error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("raftgroup: short conf change context: %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), data[8:], nil
}

// Error is the wire representation of a group-level failure, distinct from
// Go's built-in error so it can ride inside a RaftMessageResponse.
type Error struct {
	ErrorCode uint32
	Msg       string
}

func (e *Error) Error() string {
	return e.Msg
}

// RaftMessageRequest carries one raft transport message between two nodes
// participating in the same group.
type RaftMessageRequest struct {
	GroupID uint64
	To      uint64
	From    uint64
	Message raftpb.Message

	Heartbeats         []raftpb.Message
	HeartbeatResponses []raftpb.Message
}

func newRaftMessageRequest() *RaftMessageRequest {
	return &RaftMessageRequest{}
}

// release is a no-op hook kept for symmetry with a future sync.Pool based
// allocator; request reuse is not implemented yet.
func (r *RaftMessageRequest) release() {}

func (r *RaftMessageRequest) Size() int {
	return 32 + r.Message.Size()
}

// RaftMessageRequestBatch groups several RaftMessageRequest values sent over
// one stream send, amortizing the per-call overhead of the transport.
type RaftMessageRequestBatch struct {
	Requests []RaftMessageRequest
}

// RaftMessageResponse reports the outcome of handling a RaftMessageRequest
// back to its sender; Err is non-nil only when the receiving group rejected
// or failed to apply the message.
type RaftMessageResponse struct {
	GroupID uint64
	To      uint64
	From    uint64
	Err     *Error
}

// RaftSnapshotHeader describes the snapshot that follows on the stream: its
// recorder id and, on the receiving side, the raft message that triggered
// the transfer.
type RaftSnapshotHeader struct {
	ID                 string
	RaftMessageRequest *RaftMessageRequest
}

type raftSnapshotStatus int32

const (
	RaftSnapshotResponse_ACCEPTED raftSnapshotStatus = iota
	RaftSnapshotResponse_APPLIED
	RaftSnapshotResponse_ERROR
)

// RaftSnapshotRequest streams one chunk of a state machine snapshot; Header
// is only set on the first chunk and Final marks the last one.
type RaftSnapshotRequest struct {
	Header *RaftSnapshotHeader
	Data   []byte
	Seq    uint32
	Final  bool
}

// RaftSnapshotResponse acknowledges a RaftSnapshotRequest chunk, or reports
// a terminal Status/Message when the transfer cannot proceed.
type RaftSnapshotResponse struct {
	Status  raftSnapshotStatus
	Message string
}
