// Package transport provides the networking infrastructure for quiver's
// peer-to-peer communication: consensus RPCs between Raft nodes and
// replication RPCs between shard replicas.
//
// Thread Safety: Implementations of Transport must be safe for concurrent use
// by multiple goroutines.
package transport

import (
	"context"
	"errors"

	"github.com/quiverdb/quiver/api"
)

// Error variables for transport operations.
var (
	// ErrTransportClosed is returned when operations are attempted on a closed transport.
	ErrTransportClosed = errors.New("transport is closed")
	// ErrConnectionFailed is returned when a connection to a peer cannot be established.
	ErrConnectionFailed = errors.New("failed to connect to peer")
	// ErrNoReplicaHandler is returned when a replication RPC arrives before a
	// handler has been registered.
	ErrNoReplicaHandler = errors.New("no replica handler registered")
)

// Transport defines the interface for consensus communication between nodes.
// Implementations must be safe for concurrent use by multiple goroutines.
type Transport interface {
	// Consumer returns a channel for receiving incoming consensus RPC requests.
	// The Raft core reads from this channel to process requests asynchronously.
	Consumer() <-chan RPC

	// LocalAddr returns the address on which this transport listens.
	LocalAddr() string

	// SendRequestVote sends a vote request to the target node.
	SendRequestVote(target string, req *api.VoteRequest) (*api.VoteResponse, error)

	// SendAppendEntries sends an append entries request to the target node.
	SendAppendEntries(target string, req *api.AppendEntriesRequest) (*api.AppendEntriesResponse, error)

	// SendInstallSnapshot sends a snapshot installation request to the target node.
	SendInstallSnapshot(target string, req *api.InstallSnapshotRequest) (*api.InstallSnapshotResponse, error)

	// SendJoinCluster sends a join cluster request to the target node.
	SendJoinCluster(target string, req *api.JoinClusterRequest) (*api.JoinClusterResponse, error)

	// SendRemovePeer sends a remove peer request to the target node.
	SendRemovePeer(target string, req *api.RemovePeerRequest) (*api.RemovePeerResponse, error)

	// SendProposeCommand forwards a state machine command to the target node
	// for replication. Used by non-leader nodes to reach the leader.
	SendProposeCommand(target string, req *api.ProposeCommandRequest) (*api.ProposeCommandResponse, error)

	// Connect establishes and pools a connection to the peer address.
	Connect(peerAddr string) error

	// Close shuts down the transport and releases all resources.
	Close() error
}

// ReplicaTransport is the client side of the shard replication protocol.
// Replication calls carry a context because the shard layer attaches
// per-operation deadlines; a timed-out forward has an unknown outcome and is
// safe to retry thanks to idempotent operation ids.
type ReplicaTransport interface {
	// SendForwardOperation replicates one point operation to a replica on the target node.
	SendForwardOperation(ctx context.Context, target string, req *api.ForwardOperationRequest) (*api.ForwardOperationResponse, error)

	// SendTransferSnapshot sends one chunk of a shard snapshot to the target node.
	SendTransferSnapshot(ctx context.Context, target string, req *api.TransferSnapshotRequest) (*api.TransferSnapshotResponse, error)

	// SendReplicaInfo probes the target node for the applied position of one replica.
	SendReplicaInfo(ctx context.Context, target string, req *api.ReplicaInfoRequest) (*api.ReplicaInfoResponse, error)
}

// ReplicaHandler is the server side of the shard replication protocol,
// implemented by the shard manager. Unlike consensus RPCs, replication RPCs
// are dispatched synchronously: ordering is enforced per shard by the replica
// receiver, not by a single global loop.
type ReplicaHandler interface {
	HandleForwardOperation(ctx context.Context, req *api.ForwardOperationRequest) (*api.ForwardOperationResponse, error)
	HandleTransferSnapshot(ctx context.Context, req *api.TransferSnapshotRequest) (*api.TransferSnapshotResponse, error)
	HandleReplicaInfo(ctx context.Context, req *api.ReplicaInfoRequest) (*api.ReplicaInfoResponse, error)
}

// RPC represents an incoming consensus RPC request with a channel for the
// response. This decouples the transport layer from the Raft core: the
// transport receives requests and puts them on a channel, the Raft core
// processes them and sends responses back via RespChan. This allows the Raft
// core to process all events through a single select statement.
type RPC struct {
	Request  interface{}
	RespChan chan RPCResponse
}

// RPCResponse wraps the response and any error from processing an RPC request.
type RPCResponse struct {
	// Response is the response to the RPC (VoteResponse, AppendEntriesResponse, ...).
	Response interface{}

	// Error contains any error that occurred during processing.
	Error error
}
