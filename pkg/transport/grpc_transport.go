package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/quiverdb/quiver/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// defaultConsumerBufferSize is the default buffer size for the consumer channel.
	defaultConsumerBufferSize = 256
)

// GRPCTransport implements Transport and ReplicaTransport using gRPC.
// It is safe for concurrent use by multiple goroutines.
type GRPCTransport struct {
	// Embed Unimplemented servers for forward compatibility
	api.UnimplementedRaftServer
	api.UnimplementedReplicaServer

	localAddr string
	consumer  chan RPC

	// Replication RPCs bypass the consumer channel and are dispatched to the
	// registered handler directly.
	replicaMu      sync.RWMutex
	replicaHandler ReplicaHandler

	// Connection pool: map[peerAddr]*grpc.ClientConn
	connPool sync.Map

	// gRPC server components
	server   *grpc.Server
	listener net.Listener

	// Shutdown coordination
	shutdown   chan struct{}
	shutdownMu sync.Mutex
}

// NewGRPCTransport creates a new GRPCTransport that listens on the given address.
// It starts a gRPC server handling both the consensus and replication services.
func NewGRPCTransport(listenAddr string) (*GRPCTransport, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	t := &GRPCTransport{
		localAddr: listener.Addr().String(),
		consumer:  make(chan RPC, defaultConsumerBufferSize),
		shutdown:  make(chan struct{}),
		listener:  listener,
	}

	t.server = grpc.NewServer()
	api.RegisterRaftServer(t.server, t)
	api.RegisterReplicaServer(t.server, t)

	// Start the gRPC server in a goroutine
	go func() {
		_ = t.server.Serve(listener)
	}()

	return t, nil
}

// Consumer returns a read-only channel for receiving incoming consensus RPCs.
// The Raft core reads from this channel to process requests asynchronously.
func (t *GRPCTransport) Consumer() <-chan RPC {
	return t.consumer
}

// LocalAddr returns the address on which this transport listens.
func (t *GRPCTransport) LocalAddr() string {
	return t.localAddr
}

// SetReplicaHandler registers the handler for incoming replication RPCs.
// Must be called before any replica of this node can receive operations.
func (t *GRPCTransport) SetReplicaHandler(h ReplicaHandler) {
	t.replicaMu.Lock()
	t.replicaHandler = h
	t.replicaMu.Unlock()
}

// SendRequestVote sends a vote request to the target node.
// It uses the connection pool to reuse connections.
func (t *GRPCTransport) SendRequestVote(target string, req *api.VoteRequest) (*api.VoteResponse, error) {
	conn, err := t.getOrCreateConn(target)
	if err != nil {
		return nil, err
	}

	client := api.NewRaftClient(conn)
	return client.RequestVote(context.Background(), req)
}

// SendAppendEntries sends an append entries request to the target node.
// It uses the connection pool to reuse connections.
func (t *GRPCTransport) SendAppendEntries(target string, req *api.AppendEntriesRequest) (*api.AppendEntriesResponse, error) {
	conn, err := t.getOrCreateConn(target)
	if err != nil {
		return nil, err
	}

	client := api.NewRaftClient(conn)
	return client.AppendEntries(context.Background(), req)
}

// SendInstallSnapshot sends a snapshot installation request to the target node.
// It uses the connection pool to reuse connections.
func (t *GRPCTransport) SendInstallSnapshot(target string, req *api.InstallSnapshotRequest) (*api.InstallSnapshotResponse, error) {
	conn, err := t.getOrCreateConn(target)
	if err != nil {
		return nil, err
	}

	client := api.NewRaftClient(conn)
	return client.InstallSnapshot(context.Background(), req)
}

// SendJoinCluster sends a join cluster request to the target node.
// It uses the connection pool to reuse connections.
func (t *GRPCTransport) SendJoinCluster(target string, req *api.JoinClusterRequest) (*api.JoinClusterResponse, error) {
	conn, err := t.getOrCreateConn(target)
	if err != nil {
		return nil, err
	}

	client := api.NewRaftClient(conn)
	return client.JoinCluster(context.Background(), req)
}

// SendRemovePeer sends a remove peer request to the target node.
// It uses the connection pool to reuse connections.
func (t *GRPCTransport) SendRemovePeer(target string, req *api.RemovePeerRequest) (*api.RemovePeerResponse, error) {
	conn, err := t.getOrCreateConn(target)
	if err != nil {
		return nil, err
	}

	client := api.NewRaftClient(conn)
	return client.RemovePeer(context.Background(), req)
}

// SendProposeCommand forwards a state machine command to the target node.
// It uses the connection pool to reuse connections.
func (t *GRPCTransport) SendProposeCommand(target string, req *api.ProposeCommandRequest) (*api.ProposeCommandResponse, error) {
	conn, err := t.getOrCreateConn(target)
	if err != nil {
		return nil, err
	}

	client := api.NewRaftClient(conn)
	return client.ProposeCommand(context.Background(), req)
}

// SendForwardOperation replicates one point operation to a replica on the target node.
func (t *GRPCTransport) SendForwardOperation(ctx context.Context, target string, req *api.ForwardOperationRequest) (*api.ForwardOperationResponse, error) {
	conn, err := t.getOrCreateConn(target)
	if err != nil {
		return nil, err
	}

	client := api.NewReplicaClient(conn)
	return client.ForwardOperation(ctx, req)
}

// SendTransferSnapshot sends one chunk of a shard snapshot to the target node.
func (t *GRPCTransport) SendTransferSnapshot(ctx context.Context, target string, req *api.TransferSnapshotRequest) (*api.TransferSnapshotResponse, error) {
	conn, err := t.getOrCreateConn(target)
	if err != nil {
		return nil, err
	}

	client := api.NewReplicaClient(conn)
	return client.TransferSnapshot(ctx, req)
}

// SendReplicaInfo probes the target node for the applied position of one replica.
func (t *GRPCTransport) SendReplicaInfo(ctx context.Context, target string, req *api.ReplicaInfoRequest) (*api.ReplicaInfoResponse, error) {
	conn, err := t.getOrCreateConn(target)
	if err != nil {
		return nil, err
	}

	client := api.NewReplicaClient(conn)
	return client.ReplicaInfo(ctx, req)
}

// Connect establishes and pools a connection to the peer address.
// If a connection already exists for the peer, this is a no-op.
func (t *GRPCTransport) Connect(peerAddr string) error {
	// Check if already connected
	if _, ok := t.connPool.Load(peerAddr); ok {
		return nil
	}

	// Check if transport is closed
	select {
	case <-t.shutdown:
		return ErrTransportClosed
	default:
	}

	// Dial the target address
	conn, err := grpc.NewClient(peerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return ErrConnectionFailed
	}

	// Store connection in pool
	t.connPool.Store(peerAddr, conn)
	return nil
}

// getOrCreateConn returns an existing connection from the pool or creates a new one.
// Uses LoadOrStore to handle the race condition where multiple goroutines try to
// connect to the same peer simultaneously - only one connection is kept.
func (t *GRPCTransport) getOrCreateConn(peerAddr string) (*grpc.ClientConn, error) {
	// Check if transport is closed
	select {
	case <-t.shutdown:
		return nil, ErrTransportClosed
	default:
	}

	// Check for existing connection
	if val, ok := t.connPool.Load(peerAddr); ok {
		return val.(*grpc.ClientConn), nil
	}

	// Dial the target address
	conn, err := grpc.NewClient(peerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, ErrConnectionFailed
	}

	// Store connection in pool (use LoadOrStore to handle race conditions)
	actual, loaded := t.connPool.LoadOrStore(peerAddr, conn)
	if loaded {
		// Another goroutine stored a connection first, close ours and use theirs
		conn.Close()
		return actual.(*grpc.ClientConn), nil
	}

	return conn, nil
}

// Close shuts down the transport and releases all resources.
// It stops the gRPC server gracefully, closes all pooled connections,
// and closes the consumer channel. This method is safe to call multiple times.
func (t *GRPCTransport) Close() error {
	t.shutdownMu.Lock()
	defer t.shutdownMu.Unlock()

	// Check if already closed
	select {
	case <-t.shutdown:
		return nil
	default:
	}

	// Signal shutdown to all goroutines
	close(t.shutdown)

	// Stop gRPC server gracefully (this also closes the listener)
	if t.server != nil {
		t.server.GracefulStop()
	}

	// Close all pooled connections
	t.connPool.Range(func(key, value interface{}) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			conn.Close()
		}
		t.connPool.Delete(key)
		return true
	})

	// Close consumer channel
	close(t.consumer)

	return nil
}

// Compile-time checks that GRPCTransport implements both transport interfaces.
var (
	_ Transport        = (*GRPCTransport)(nil)
	_ ReplicaTransport = (*GRPCTransport)(nil)
)

// dispatchConsensus wraps a consensus request in an RPC struct, sends it to
// the consumer channel and waits for the Raft core to process and respond.
func (t *GRPCTransport) dispatchConsensus(ctx context.Context, req interface{}) (interface{}, error) {
	respChan := make(chan RPCResponse, 1)
	rpc := RPC{
		Request:  req,
		RespChan: respChan,
	}

	// Send to consumer channel
	select {
	case t.consumer <- rpc:
	case <-t.shutdown:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Wait for response
	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Response, nil
	case <-t.shutdown:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestVote handles incoming vote requests from peers (implements api.RaftServer).
func (t *GRPCTransport) RequestVote(ctx context.Context, req *api.VoteRequest) (*api.VoteResponse, error) {
	resp, err := t.dispatchConsensus(ctx, req)
	if err != nil {
		return nil, err
	}
	voteResp, ok := resp.(*api.VoteResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return voteResp, nil
}

// AppendEntries handles incoming append entries requests from peers (implements api.RaftServer).
func (t *GRPCTransport) AppendEntries(ctx context.Context, req *api.AppendEntriesRequest) (*api.AppendEntriesResponse, error) {
	resp, err := t.dispatchConsensus(ctx, req)
	if err != nil {
		return nil, err
	}
	appendResp, ok := resp.(*api.AppendEntriesResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return appendResp, nil
}

// InstallSnapshot handles incoming snapshot installation requests from peers (implements api.RaftServer).
func (t *GRPCTransport) InstallSnapshot(ctx context.Context, req *api.InstallSnapshotRequest) (*api.InstallSnapshotResponse, error) {
	resp, err := t.dispatchConsensus(ctx, req)
	if err != nil {
		return nil, err
	}
	snapshotResp, ok := resp.(*api.InstallSnapshotResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return snapshotResp, nil
}

// JoinCluster handles incoming join cluster requests from new nodes (implements api.RaftServer).
func (t *GRPCTransport) JoinCluster(ctx context.Context, req *api.JoinClusterRequest) (*api.JoinClusterResponse, error) {
	resp, err := t.dispatchConsensus(ctx, req)
	if err != nil {
		return nil, err
	}
	joinResp, ok := resp.(*api.JoinClusterResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return joinResp, nil
}

// RemovePeer handles incoming remove peer requests (implements api.RaftServer).
func (t *GRPCTransport) RemovePeer(ctx context.Context, req *api.RemovePeerRequest) (*api.RemovePeerResponse, error) {
	resp, err := t.dispatchConsensus(ctx, req)
	if err != nil {
		return nil, err
	}
	removeResp, ok := resp.(*api.RemovePeerResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return removeResp, nil
}

// ProposeCommand handles an incoming command proposal (implements api.RaftServer).
func (t *GRPCTransport) ProposeCommand(ctx context.Context, req *api.ProposeCommandRequest) (*api.ProposeCommandResponse, error) {
	resp, err := t.dispatchConsensus(ctx, req)
	if err != nil {
		return nil, err
	}
	proposeResp, ok := resp.(*api.ProposeCommandResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return proposeResp, nil
}

// replicaHandlerOrErr returns the registered replica handler, or an error if
// none has been registered yet.
func (t *GRPCTransport) replicaHandlerOrErr() (ReplicaHandler, error) {
	t.replicaMu.RLock()
	defer t.replicaMu.RUnlock()
	if t.replicaHandler == nil {
		return nil, ErrNoReplicaHandler
	}
	return t.replicaHandler, nil
}

// ForwardOperation handles an incoming operation forward (implements api.ReplicaServer).
func (t *GRPCTransport) ForwardOperation(ctx context.Context, req *api.ForwardOperationRequest) (*api.ForwardOperationResponse, error) {
	h, err := t.replicaHandlerOrErr()
	if err != nil {
		return nil, err
	}
	return h.HandleForwardOperation(ctx, req)
}

// TransferSnapshot handles an incoming shard snapshot chunk (implements api.ReplicaServer).
func (t *GRPCTransport) TransferSnapshot(ctx context.Context, req *api.TransferSnapshotRequest) (*api.TransferSnapshotResponse, error) {
	h, err := t.replicaHandlerOrErr()
	if err != nil {
		return nil, err
	}
	return h.HandleTransferSnapshot(ctx, req)
}

// ReplicaInfo handles an incoming replica probe (implements api.ReplicaServer).
func (t *GRPCTransport) ReplicaInfo(ctx context.Context, req *api.ReplicaInfoRequest) (*api.ReplicaInfoResponse, error) {
	h, err := t.replicaHandlerOrErr()
	if err != nil {
		return nil, err
	}
	return h.HandleReplicaInfo(ctx, req)
}
