// Package api defines the wire messages for quiver's internal peer-to-peer
// RPCs (consensus and shard replication). The message types are maintained by
// hand against quiver.proto using the legacy struct-tag form understood by the
// protobuf runtime; this keeps the repo buildable without a codegen step while
// staying wire-compatible with the .proto definitions.
package api

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

// Log entry types stored in LogEntry.Type.
const (
	LogCommand       int32 = 0 // metadata command applied to the topology state machine
	LogConfiguration int32 = 1 // cluster membership change
	LogNoop          int32 = 2 // no effect, used to assert leadership
)

// Marshal serializes a message to the protobuf wire format.
func Marshal(m protoadapt.MessageV1) ([]byte, error) {
	return proto.Marshal(protoadapt.MessageV2Of(m))
}

// Unmarshal deserializes protobuf wire data into a message.
func Unmarshal(data []byte, m protoadapt.MessageV1) error {
	return proto.Unmarshal(data, protoadapt.MessageV2Of(m))
}

// LogEntry is one entry of the replicated consensus log.
type LogEntry struct {
	Index uint64 `protobuf:"varint,1,opt,name=index"`
	Term  uint64 `protobuf:"varint,2,opt,name=term"`
	Type  int32  `protobuf:"varint,3,opt,name=type"`
	Data  []byte `protobuf:"bytes,4,opt,name=data"`
}

func (m *LogEntry) Reset()         { *m = LogEntry{} }
func (m *LogEntry) String() string { return fmt.Sprintf("%+v", *m) }
func (*LogEntry) ProtoMessage()    {}

// PeerInfo describes one peer in a committed cluster configuration.
type PeerInfo struct {
	Id      uint64 `protobuf:"varint,1,opt,name=id"`
	Address string `protobuf:"bytes,2,opt,name=address"`
	IsVoter bool   `protobuf:"varint,3,opt,name=is_voter"`
}

func (m *PeerInfo) Reset()         { *m = PeerInfo{} }
func (m *PeerInfo) String() string { return fmt.Sprintf("%+v", *m) }
func (*PeerInfo) ProtoMessage()    {}

// ClusterConfiguration is the payload of a LogConfiguration entry.
type ClusterConfiguration struct {
	Peers []*PeerInfo `protobuf:"bytes,1,rep,name=peers"`
}

func (m *ClusterConfiguration) Reset()         { *m = ClusterConfiguration{} }
func (m *ClusterConfiguration) String() string { return fmt.Sprintf("%+v", *m) }
func (*ClusterConfiguration) ProtoMessage()    {}

// VoteRequest asks a peer for its vote in an election.
type VoteRequest struct {
	Term         uint64 `protobuf:"varint,1,opt,name=term"`
	CandidateId  uint64 `protobuf:"varint,2,opt,name=candidate_id"`
	LastLogIndex uint64 `protobuf:"varint,3,opt,name=last_log_index"`
	LastLogTerm  uint64 `protobuf:"varint,4,opt,name=last_log_term"`
}

func (m *VoteRequest) Reset()         { *m = VoteRequest{} }
func (m *VoteRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*VoteRequest) ProtoMessage()    {}

// VoteResponse answers a VoteRequest.
type VoteResponse struct {
	Term        uint64 `protobuf:"varint,1,opt,name=term"`
	VoteGranted bool   `protobuf:"varint,2,opt,name=vote_granted"`
}

func (m *VoteResponse) Reset()         { *m = VoteResponse{} }
func (m *VoteResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*VoteResponse) ProtoMessage()    {}

// AppendEntriesRequest replicates log entries (or, when empty, acts as a
// leader heartbeat).
type AppendEntriesRequest struct {
	Term         uint64      `protobuf:"varint,1,opt,name=term"`
	LeaderId     uint64      `protobuf:"varint,2,opt,name=leader_id"`
	PrevLogIndex uint64      `protobuf:"varint,3,opt,name=prev_log_index"`
	PrevLogTerm  uint64      `protobuf:"varint,4,opt,name=prev_log_term"`
	Entries      []*LogEntry `protobuf:"bytes,5,rep,name=entries"`
	LeaderCommit uint64      `protobuf:"varint,6,opt,name=leader_commit"`
}

func (m *AppendEntriesRequest) Reset()         { *m = AppendEntriesRequest{} }
func (m *AppendEntriesRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*AppendEntriesRequest) ProtoMessage()    {}

// AppendEntriesResponse answers an AppendEntriesRequest.
type AppendEntriesResponse struct {
	Term         uint64 `protobuf:"varint,1,opt,name=term"`
	Success      bool   `protobuf:"varint,2,opt,name=success"`
	LastLogIndex uint64 `protobuf:"varint,3,opt,name=last_log_index"`
}

func (m *AppendEntriesResponse) Reset()         { *m = AppendEntriesResponse{} }
func (m *AppendEntriesResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*AppendEntriesResponse) ProtoMessage()    {}

// InstallSnapshotRequest carries one chunk of a topology snapshot to a
// follower that is too far behind to catch up from the log.
type InstallSnapshotRequest struct {
	Term              uint64 `protobuf:"varint,1,opt,name=term"`
	LeaderId          uint64 `protobuf:"varint,2,opt,name=leader_id"`
	LastIncludedIndex uint64 `protobuf:"varint,3,opt,name=last_included_index"`
	LastIncludedTerm  uint64 `protobuf:"varint,4,opt,name=last_included_term"`
	Offset            uint64 `protobuf:"varint,5,opt,name=offset"`
	Data              []byte `protobuf:"bytes,6,opt,name=data"`
	Done              bool   `protobuf:"varint,7,opt,name=done"`
}

func (m *InstallSnapshotRequest) Reset()         { *m = InstallSnapshotRequest{} }
func (m *InstallSnapshotRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*InstallSnapshotRequest) ProtoMessage()    {}

// InstallSnapshotResponse answers an InstallSnapshotRequest.
type InstallSnapshotResponse struct {
	Term uint64 `protobuf:"varint,1,opt,name=term"`
}

func (m *InstallSnapshotResponse) Reset()         { *m = InstallSnapshotResponse{} }
func (m *InstallSnapshotResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*InstallSnapshotResponse) ProtoMessage()    {}

// JoinClusterRequest asks the leader to add a new peer as a learner.
type JoinClusterRequest struct {
	PeerId  uint64 `protobuf:"varint,1,opt,name=peer_id"`
	Address string `protobuf:"bytes,2,opt,name=address"`
}

func (m *JoinClusterRequest) Reset()         { *m = JoinClusterRequest{} }
func (m *JoinClusterRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*JoinClusterRequest) ProtoMessage()    {}

// JoinClusterResponse answers a JoinClusterRequest. LeaderHint carries the id
// of the current leader when the receiving node is not it.
type JoinClusterResponse struct {
	Success    bool   `protobuf:"varint,1,opt,name=success"`
	LeaderHint uint64 `protobuf:"varint,2,opt,name=leader_hint"`
	Error      string `protobuf:"bytes,3,opt,name=error"`
}

func (m *JoinClusterResponse) Reset()         { *m = JoinClusterResponse{} }
func (m *JoinClusterResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*JoinClusterResponse) ProtoMessage()    {}

// RemovePeerRequest asks the leader to remove a peer from the cluster.
type RemovePeerRequest struct {
	PeerId uint64 `protobuf:"varint,1,opt,name=peer_id"`
}

func (m *RemovePeerRequest) Reset()         { *m = RemovePeerRequest{} }
func (m *RemovePeerRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*RemovePeerRequest) ProtoMessage()    {}

// RemovePeerResponse answers a RemovePeerRequest.
type RemovePeerResponse struct {
	Success    bool   `protobuf:"varint,1,opt,name=success"`
	LeaderHint uint64 `protobuf:"varint,2,opt,name=leader_hint"`
	Error      string `protobuf:"bytes,3,opt,name=error"`
}

func (m *RemovePeerResponse) Reset()         { *m = RemovePeerResponse{} }
func (m *RemovePeerResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*RemovePeerResponse) ProtoMessage()    {}

// ProposeCommandRequest forwards a state machine command to the leader for
// replication. Sent by non-leader nodes whose local layers need a metadata
// change committed.
type ProposeCommandRequest struct {
	Command []byte `protobuf:"bytes,1,opt,name=command"`
}

func (m *ProposeCommandRequest) Reset()         { *m = ProposeCommandRequest{} }
func (m *ProposeCommandRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*ProposeCommandRequest) ProtoMessage()    {}

// ProposeCommandResponse answers a ProposeCommandRequest. On success Index is
// the committed log index of the command.
type ProposeCommandResponse struct {
	Success    bool   `protobuf:"varint,1,opt,name=success"`
	Index      uint64 `protobuf:"varint,2,opt,name=index"`
	LeaderHint uint64 `protobuf:"varint,3,opt,name=leader_hint"`
	Error      string `protobuf:"bytes,4,opt,name=error"`
}

func (m *ProposeCommandResponse) Reset()         { *m = ProposeCommandResponse{} }
func (m *ProposeCommandResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*ProposeCommandResponse) ProtoMessage()    {}

// ForwardOperationRequest replicates one point operation to a replica of a
// shard. OperationId is the per-shard monotonic sequence number; the payload
// is opaque to the replication core.
type ForwardOperationRequest struct {
	Collection  string `protobuf:"bytes,1,opt,name=collection"`
	ShardId     uint32 `protobuf:"varint,2,opt,name=shard_id"`
	OperationId uint64 `protobuf:"varint,3,opt,name=operation_id"`
	Payload     []byte `protobuf:"bytes,4,opt,name=payload"`
}

func (m *ForwardOperationRequest) Reset()         { *m = ForwardOperationRequest{} }
func (m *ForwardOperationRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*ForwardOperationRequest) ProtoMessage()    {}

// ForwardOperationResponse reports the replica's applied position so the
// sender can detect lag and resend missing operations.
type ForwardOperationResponse struct {
	Success       bool   `protobuf:"varint,1,opt,name=success"`
	LastAppliedId uint64 `protobuf:"varint,2,opt,name=last_applied_id"`
	Error         string `protobuf:"bytes,3,opt,name=error"`
}

func (m *ForwardOperationResponse) Reset()         { *m = ForwardOperationResponse{} }
func (m *ForwardOperationResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*ForwardOperationResponse) ProtoMessage()    {}

// TransferSnapshotRequest carries one chunk of a shard data snapshot during a
// shard transfer. CutoffOperationId is the source's applied position at the
// moment the snapshot was taken; operations after it are replayed from the
// operation log during catch-up.
type TransferSnapshotRequest struct {
	TransferId        string `protobuf:"bytes,1,opt,name=transfer_id"`
	Collection        string `protobuf:"bytes,2,opt,name=collection"`
	ShardId           uint32 `protobuf:"varint,3,opt,name=shard_id"`
	Offset            uint64 `protobuf:"varint,4,opt,name=offset"`
	Data              []byte `protobuf:"bytes,5,opt,name=data"`
	Done              bool   `protobuf:"varint,6,opt,name=done"`
	CutoffOperationId uint64 `protobuf:"varint,7,opt,name=cutoff_operation_id"`
}

func (m *TransferSnapshotRequest) Reset()         { *m = TransferSnapshotRequest{} }
func (m *TransferSnapshotRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*TransferSnapshotRequest) ProtoMessage()    {}

// TransferSnapshotResponse answers a TransferSnapshotRequest.
type TransferSnapshotResponse struct {
	Success       bool   `protobuf:"varint,1,opt,name=success"`
	LastAppliedId uint64 `protobuf:"varint,2,opt,name=last_applied_id"`
	Error         string `protobuf:"bytes,3,opt,name=error"`
}

func (m *TransferSnapshotResponse) Reset()         { *m = TransferSnapshotResponse{} }
func (m *TransferSnapshotResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*TransferSnapshotResponse) ProtoMessage()    {}

// ReplicaInfoRequest probes a peer for the applied position of one replica.
type ReplicaInfoRequest struct {
	Collection string `protobuf:"bytes,1,opt,name=collection"`
	ShardId    uint32 `protobuf:"varint,2,opt,name=shard_id"`
}

func (m *ReplicaInfoRequest) Reset()         { *m = ReplicaInfoRequest{} }
func (m *ReplicaInfoRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*ReplicaInfoRequest) ProtoMessage()    {}

// ReplicaInfoResponse answers a ReplicaInfoRequest.
type ReplicaInfoResponse struct {
	Exists        bool   `protobuf:"varint,1,opt,name=exists"`
	LastAppliedId uint64 `protobuf:"varint,2,opt,name=last_applied_id"`
}

func (m *ReplicaInfoResponse) Reset()         { *m = ReplicaInfoResponse{} }
func (m *ReplicaInfoResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*ReplicaInfoResponse) ProtoMessage()    {}
