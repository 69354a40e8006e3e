// Package raft implements the consensus core that replicates quiver's
// collection topology across the cluster.
//
// # Thread Safety Guarantees
//
// The Raft struct is safe for concurrent use by multiple goroutines. Thread safety
// is achieved through a single goroutine running the main loop that handles all
// state transitions, RPC processing, and timer events via a select statement.
//
// Public methods that access state acquire the mutex for safe reads.
// State modifications only occur within the main loop goroutine.
//
// File Organization:
// - raft.go: Core types, interfaces, Raft struct, NewRaft, public getters, Start/Stop, main loop
// - election.go: Leader election (startElection, handleVoteRequest/Response, becomeLeader, stepDownToFollower)
// - replication.go: Log replication (sendAppendEntries, handleAppendEntries, advanceCommitIndex)
// - snapshot_ops.go: Snapshot operations (handleInstallSnapshot, sendInstallSnapshot, Snapshot)
// - apply.go: Entry application (applyEntries, applyConfigEntry, Propose)
// - membership.go: Peer, Membership, configuration serialization
package raft

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/quiverdb/quiver/api"
	"github.com/quiverdb/quiver/pkg/transport"
)

// Sentinel errors for Raft operations. Using sentinel errors enables callers
// to use errors.Is() for reliable error handling even when errors are wrapped.
var (
	ErrNotLeader       = errors.New("node is not the leader")
	ErrStopped         = errors.New("raft node is stopped")
	ErrTimeout         = errors.New("operation timed out")
	ErrNoSnapshotStore = errors.New("no snapshot store configured")
	ErrSnapshotFailed  = errors.New("snapshot operation failed")

	// ErrPeerNotFound is returned when attempting to remove a peer that is not
	// part of the current configuration.
	ErrPeerNotFound = errors.New("peer not found in cluster configuration")

	// ErrConfigChangeInFlight is returned when a membership change is requested
	// while a previous one has not yet committed. Membership changes are
	// serialized one at a time so that any two configurations the cluster can
	// operate under share a majority.
	ErrConfigChangeInFlight = errors.New("a membership change is already in progress")
)

// Keys for persisting Raft state that must survive restarts. Per the Raft paper,
// currentTerm and votedFor must be persisted before responding to any RPC to
// prevent a node from voting twice in the same term after a crash.
var (
	keyCurrentTerm = []byte("currentTerm")
	keyVotedFor    = []byte("votedFor")
)

// NodeState represents the current role of a Raft node in the consensus protocol.
// Transitions: Follower → Candidate (on election timeout) → Leader (on majority vote)
//
//	Any state → Follower (on discovering higher term)
type NodeState int

const (
	Follower  NodeState = iota // Passive: responds to RPCs, doesn't initiate
	Candidate                  // Actively seeking votes to become leader
	Leader                     // Handles client requests, replicates logs to followers
)

// String returns a human-readable representation of the NodeState.
func (s NodeState) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// Config holds the configuration for a Raft node.
type Config struct {
	// ID is the unique identifier for this node. Must be non-zero and stable
	// across restarts; id 0 means "no peer" throughout the package.
	ID uint64

	// Address is the network address this node's transport listens on.
	// It is advertised to peers through configuration entries.
	Address string

	// Peers is the bootstrap membership (excluding self). Only consulted when
	// the log contains no configuration entry and no snapshot carries one.
	Peers []Peer

	// ElectionTimeout is the base timeout before starting an election.
	// Randomized to [ElectionTimeout, 2*ElectionTimeout] to prevent split votes
	// when multiple followers timeout simultaneously after leader failure.
	ElectionTimeout time.Duration

	// HeartbeatTimeout controls how often the leader sends empty AppendEntries.
	// Must be significantly less than ElectionTimeout to prevent unnecessary elections.
	HeartbeatTimeout time.Duration

	// SnapshotThreshold triggers automatic snapshots when log grows beyond
	// this many entries. Snapshots reduce memory usage and speed up follower
	// catch-up. Set to 0 to disable automatic snapshots.
	SnapshotThreshold uint64

	// SnapshotChunkSize controls the size of chunks when streaming snapshots
	// to followers. Larger chunks reduce RPC overhead but increase memory usage.
	SnapshotChunkSize int
}

// DefaultSnapshotChunkSize is the default chunk size for InstallSnapshot RPC (1MB).
const DefaultSnapshotChunkSize = 1024 * 1024

// LogStore provides persistent storage for the replicated log.
// Implementations must be crash-safe: entries written via StoreLogs must
// survive process restarts. This is critical for Raft correctness - losing
// acknowledged entries could cause committed data to be lost.
type LogStore interface {
	FirstIndex() (uint64, error)
	LastIndex() (uint64, error)
	GetLog(index uint64) (*api.LogEntry, error)
	StoreLogs(logs []*api.LogEntry) error
	DeleteRange(min, max uint64) error // Used for log compaction after snapshots
}

// StableStore provides persistent storage for Raft's critical state (term, votedFor).
// This state MUST be persisted before responding to any RPC to ensure correctness
// after crashes. Without this guarantee, a node could vote twice in the same term.
type StableStore interface {
	Get(key []byte) ([]byte, error)
	Set(key []byte, val []byte) error
	GetUint64(key []byte) (uint64, error)
	SetUint64(key []byte, val uint64) error
}

// StateMachine is the application-specific state that Raft replicates; in
// quiver this is the topology state machine holding collection metadata.
// Commands are applied in log order. The state machine MUST be deterministic:
// given the same sequence of commands, all nodes must arrive at identical state.
// Non-determinism (e.g., using wall-clock time) would cause replicas to diverge.
type StateMachine interface {
	Apply(logBytes []byte) interface{}
	Snapshot() (io.ReadCloser, error)
	Restore(rc io.ReadCloser) error
}

// CompactableLogStore extends LogStore with compaction tracking capabilities.
type CompactableLogStore interface {
	LogStore
	// SetCompactedIndex sets the compacted index for tracking compaction state.
	SetCompactedIndex(index uint64) error
}

// pendingSnapshotState tracks an in-progress snapshot installation from a leader.
// Snapshots arrive in chunks via InstallSnapshot RPC. We accumulate chunks in a
// temp file until the final chunk arrives, then atomically install the snapshot.
// This prevents partial snapshots from corrupting state if the transfer fails.
type pendingSnapshotState struct {
	meta       *SnapshotMeta
	file       *os.File
	bytesRecvd int64
}

// Raft implements the consensus core.
//
// Thread Safety: All public methods are safe for concurrent use. State modifications
// only occur within the main loop goroutine, which processes all events through
// a single select statement. Public getters acquire a read lock for safe access.
type Raft struct {
	// Persistent state (must be persisted before responding to RPCs)
	currentTerm uint64
	votedFor    uint64 // 0 means no vote cast in currentTerm

	// Volatile state on all servers
	state       NodeState
	commitIndex uint64 // Highest log entry known to be committed
	lastApplied uint64 // Highest log entry applied to state machine

	// Volatile state on leaders (reinitialized after each election)
	// These track replication progress to each follower. Reinitialized on
	// becoming leader because we don't know followers' log state.
	nextIndex  map[uint64]uint64 // Next log index to send to each peer
	matchIndex map[uint64]uint64 // Highest log index known to be replicated on each peer

	leaderID   uint64      // Current known leader (0 if unknown)
	membership *Membership // Current cluster membership

	// Index of the last proposed membership change entry. While this index is
	// above commitIndex, further membership changes are rejected.
	pendingConfigIndex uint64

	// Snapshot state - tracks the most recent snapshot for log compaction
	// and follower catch-up when they're too far behind
	snapshotStore     SnapshotStore
	lastSnapshotIndex uint64
	lastSnapshotTerm  uint64
	snapshotting      bool // Guards against concurrent automatic snapshots

	pendingSnapshot *pendingSnapshotState // Follower-side snapshot installation

	// Dependencies
	logStore     LogStore
	stableStore  StableStore
	stateMachine StateMachine
	transport    transport.Transport
	config       Config

	// Event channels and timers
	rpcChan         <-chan transport.RPC
	stopChan        chan struct{}
	doneChan        chan struct{}
	electionTimer   *time.Timer
	heartbeatTicker *time.Ticker

	// Election tracking
	votesReceived map[uint64]bool
	electionTerm  uint64

	// Synchronization
	mu      sync.RWMutex
	running bool
}

// NewRaft creates a new Raft node. It loads persisted state from StableStore,
// restores the state machine from any existing snapshot, and initializes the
// node as a Follower. The node won't participate in consensus until Start() is called.
func NewRaft(config Config, logStore LogStore, stableStore StableStore,
	stateMachine StateMachine, trans transport.Transport, snapshotStore SnapshotStore) (*Raft, error) {

	if config.ID == 0 {
		return nil, errors.New("node id must be non-zero")
	}

	// Load persisted state - these values survive restarts
	currentTerm, err := stableStore.GetUint64(keyCurrentTerm)
	if err != nil {
		return nil, err
	}

	votedFor, err := stableStore.GetUint64(keyVotedFor)
	if err != nil {
		return nil, err
	}

	// Bootstrap membership from the configured peer list. A configuration
	// entry in the log or snapshot supersedes this.
	membership := &Membership{
		Peers: make([]Peer, 0, len(config.Peers)+1),
	}
	membership.Peers = append(membership.Peers, Peer{
		ID:      config.ID,
		Address: config.Address,
		Role:    Voter,
	})
	for _, peer := range config.Peers {
		if peer.ID == config.ID {
			continue
		}
		p := peer
		if p.Role != Learner {
			p.Role = Voter
		}
		membership.Peers = append(membership.Peers, p)
	}

	// Initialize snapshot state and restore from snapshot if available
	var lastSnapshotIndex, lastSnapshotTerm uint64
	var commitIndex, lastApplied uint64
	if snapshotStore != nil {
		meta, err := snapshotStore.GetMeta()
		if err == nil {
			lastSnapshotIndex = meta.LastIncludedIndex
			lastSnapshotTerm = meta.LastIncludedTerm

			// Open snapshot to restore state machine
			_, reader, err := snapshotStore.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to open snapshot for restore: %w", err)
			}

			if err := stateMachine.Restore(reader); err != nil {
				return nil, fmt.Errorf("failed to restore state machine from snapshot: %w", err)
			}

			commitIndex = meta.LastIncludedIndex
			lastApplied = meta.LastIncludedIndex

			if meta.Configuration != nil {
				membership = meta.Configuration
			}
		} else if err != ErrNoSnapshot {
			return nil, fmt.Errorf("failed to read snapshot metadata: %w", err)
		}
	}

	r := &Raft{
		currentTerm: currentTerm,
		votedFor:    votedFor,

		state:       Follower,
		commitIndex: commitIndex,
		lastApplied: lastApplied,

		nextIndex:  make(map[uint64]uint64),
		matchIndex: make(map[uint64]uint64),

		membership: membership,

		snapshotStore:     snapshotStore,
		lastSnapshotIndex: lastSnapshotIndex,
		lastSnapshotTerm:  lastSnapshotTerm,

		logStore:     logStore,
		stableStore:  stableStore,
		stateMachine: stateMachine,
		transport:    trans,

		config: config,

		rpcChan:  trans.Consumer(),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),

		votesReceived: make(map[uint64]bool),
		electionTerm:  0,

		running: false,
	}

	// Reconstruct cluster membership from committed LogConfiguration entries
	if err := r.reconstructMembershipFromLog(); err != nil {
		return nil, err
	}

	return r, nil
}

// State returns the current node state (Follower, Candidate, Leader).
func (r *Raft) State() NodeState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Leader returns the current known leader id (0 if unknown).
func (r *Raft) Leader() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leaderID
}

// LeaderAddress returns the address of the current known leader, or "" when
// the leader is unknown or absent from the configuration.
func (r *Raft) LeaderAddress() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if peer := r.membership.Find(r.leaderID); peer != nil {
		return peer.Address
	}
	return ""
}

// CurrentTerm returns the current term of the node.
func (r *Raft) CurrentTerm() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentTerm
}

// VotedFor returns the candidate id that received this node's vote in the
// current term (0 if none).
func (r *Raft) VotedFor() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.votedFor
}

// NextIndex returns a copy of the nextIndex map for testing purposes.
func (r *Raft) NextIndex() map[uint64]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[uint64]uint64)
	for k, v := range r.nextIndex {
		result[k] = v
	}
	return result
}

// MatchIndex returns a copy of the matchIndex map for testing purposes.
func (r *Raft) MatchIndex() map[uint64]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[uint64]uint64)
	for k, v := range r.matchIndex {
		result[k] = v
	}
	return result
}

// VotesReceived returns the number of votes received in the current election.
func (r *Raft) VotesReceived() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.votesReceived)
}

// LastSnapshotIndex returns the lastIncludedIndex of the most recent snapshot.
func (r *Raft) LastSnapshotIndex() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSnapshotIndex
}

// LastSnapshotTerm returns the lastIncludedTerm of the most recent snapshot.
func (r *Raft) LastSnapshotTerm() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSnapshotTerm
}

// GetMembership returns a copy of the current cluster membership.
func (r *Raft) GetMembership() Membership {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.membership == nil {
		return Membership{}
	}
	return *r.membership.Clone()
}

// IsVoter returns whether the specified peer is a voter in the current configuration.
func (r *Raft) IsVoter(peerID uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isVoterUnlocked(peerID)
}

// GetVoters returns the ids of all voters in the current configuration.
func (r *Raft) GetVoters() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.votersUnlocked()
}

// GetLearners returns the ids of all learners in the current configuration.
func (r *Raft) GetLearners() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.membership == nil {
		return nil
	}
	learners := make([]uint64, 0)
	for _, peer := range r.membership.Peers {
		if peer.Role == Learner {
			learners = append(learners, peer.ID)
		}
	}
	return learners
}

// CommitIndex returns the current commit index for testing purposes.
func (r *Raft) CommitIndex() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commitIndex
}

// LastApplied returns the last applied index for testing purposes.
func (r *Raft) LastApplied() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastApplied
}

// calculateQuorum returns the minimum number of nodes needed for a majority.
func calculateQuorum(voters []uint64) int {
	return (len(voters) / 2) + 1
}

// votersUnlocked returns the ids of all voters without acquiring the lock.
func (r *Raft) votersUnlocked() []uint64 {
	if r.membership == nil {
		return nil
	}
	voters := make([]uint64, 0)
	for _, peer := range r.membership.Peers {
		if peer.Role == Voter {
			voters = append(voters, peer.ID)
		}
	}
	return voters
}

// isVoterUnlocked returns whether the specified peer is a voter without acquiring the lock.
func (r *Raft) isVoterUnlocked(peerID uint64) bool {
	peer := r.membership.Find(peerID)
	return peer != nil && peer.Role == Voter
}

// peersExceptSelf returns all configured peers other than this node.
// Caller must hold at least the read lock.
func (r *Raft) peersExceptSelf() []Peer {
	if r.membership == nil {
		return nil
	}
	peers := make([]Peer, 0, len(r.membership.Peers))
	for _, peer := range r.membership.Peers {
		if peer.ID != r.config.ID {
			peers = append(peers, peer)
		}
	}
	return peers
}

// Start begins the Raft consensus loop.
func (r *Raft) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	// Replay committed log entries to rebuild state machine
	if err := r.replayLogEntries(); err != nil {
		return fmt.Errorf("failed to replay log entries: %w", err)
	}

	r.electionTimer = time.NewTimer(r.randomElectionTimeout())
	r.heartbeatTicker = time.NewTicker(r.config.HeartbeatTimeout)

	r.running = true

	go r.run()

	return nil
}

// Stop gracefully shuts down the Raft node.
func (r *Raft) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	<-r.doneChan

	return nil
}

// run is the main loop that handles all state transitions, RPC processing,
// and timer events through a select statement.
func (r *Raft) run() {
	defer close(r.doneChan)

	for {
		select {
		case <-r.stopChan:
			r.electionTimer.Stop()
			r.heartbeatTicker.Stop()
			return

		case <-r.electionTimer.C:
			r.mu.Lock()
			if r.state != Leader {
				_ = r.startElection()
			}
			r.electionTimer.Reset(r.randomElectionTimeout())
			r.mu.Unlock()

		case <-r.heartbeatTicker.C:
			r.mu.RLock()
			isLeader := r.state == Leader
			peers := r.peersExceptSelf()
			r.mu.RUnlock()

			if isLeader {
				for _, peer := range peers {
					r.sendAppendEntries(peer)
				}
			}

		case rpc := <-r.rpcChan:
			r.handleRPC(rpc)
		}
	}
}

// handleRPC processes an incoming RPC request and sends the response.
func (r *Raft) handleRPC(rpc transport.RPC) {
	var resp transport.RPCResponse

	switch req := rpc.Request.(type) {
	case *api.VoteRequest:
		r.mu.Lock()
		if req.Term > r.currentTerm {
			if err := r.stepDownToFollower(req.Term); err != nil {
				r.mu.Unlock()
				resp.Error = err
				rpc.RespChan <- resp
				return
			}
		}
		r.mu.Unlock()

		resp.Response = r.handleVoteRequest(req)

	case *api.AppendEntriesRequest:
		r.mu.Lock()
		if req.Term > r.currentTerm {
			if err := r.stepDownToFollower(req.Term); err != nil {
				r.mu.Unlock()
				resp.Error = err
				rpc.RespChan <- resp
				return
			}
		} else if req.Term >= r.currentTerm && r.state == Candidate {
			r.state = Follower
			r.leaderID = req.LeaderId
		}
		r.mu.Unlock()

		resp.Response = r.handleAppendEntries(req)

	case *api.InstallSnapshotRequest:
		resp.Response = r.handleInstallSnapshot(req)

	case *api.JoinClusterRequest:
		resp.Response = r.handleJoinCluster(req)

	case *api.RemovePeerRequest:
		resp.Response = r.handleRemovePeer(req)

	case *api.ProposeCommandRequest:
		// Proposals wait for commit; handle off the main loop so votes and
		// appends keep flowing while the wait is in progress.
		go func() {
			rpc.RespChan <- transport.RPCResponse{Response: r.handleProposeCommand(req)}
		}()
		return

	default:
		resp.Error = errors.New("unknown RPC type")
	}

	rpc.RespChan <- resp
}

// NotLeaderError is returned when a leader-only operation is attempted on a
// non-leader. LeaderHint carries the id of the last known leader so callers
// can redirect.
type NotLeaderError struct {
	LeaderHint uint64
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderHint != 0 {
		return fmt.Sprintf("node is not the leader; leader is peer %d", e.LeaderHint)
	}
	return "node is not the leader"
}

func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}

// notLeaderErrorUnlocked builds a NotLeaderError from the current leader hint.
// Caller must hold at least the read lock.
func (r *Raft) notLeaderErrorUnlocked() *NotLeaderError {
	e := &NotLeaderError{LeaderHint: r.leaderID}
	if peer := r.membership.Find(r.leaderID); peer != nil {
		e.LeaderAddr = peer.Address
	}
	return e
}

// JoinCluster handles a request to add a new peer to the cluster. The peer
// joins as a learner: it receives log replication immediately but does not
// count toward election or commit quorums until it has caught up and is
// promoted. Only one membership change may be in flight at a time.
func (r *Raft) JoinCluster(peerID uint64, addr string) error {
	r.mu.Lock()

	if r.state != Leader {
		err := r.notLeaderErrorUnlocked()
		r.mu.Unlock()
		return err
	}

	if !r.running {
		r.mu.Unlock()
		return ErrStopped
	}

	// Idempotency: joining an existing peer is a no-op
	if r.membership.Find(peerID) != nil {
		r.mu.Unlock()
		return nil
	}

	if r.pendingConfigIndex > r.commitIndex {
		r.mu.Unlock()
		return ErrConfigChangeInFlight
	}

	newMembership := r.membership.Clone()
	newMembership.Peers = append(newMembership.Peers, Peer{
		ID:      peerID,
		Address: addr,
		Role:    Learner,
	})

	newIndex, err := r.appendConfigEntry(newMembership)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	r.nextIndex[peerID] = newIndex + 1
	r.matchIndex[peerID] = 0

	r.mu.Unlock()

	return r.waitForCommit(newIndex, 10*time.Second)
}

// RemovePeer handles a request to remove a peer from the cluster. Callers are
// responsible for draining any state pinned to the peer before removal; the
// consensus layer only validates membership. Only one membership change may
// be in flight at a time.
func (r *Raft) RemovePeer(peerID uint64) error {
	r.mu.Lock()

	if r.state != Leader {
		err := r.notLeaderErrorUnlocked()
		r.mu.Unlock()
		return err
	}

	if !r.running {
		r.mu.Unlock()
		return ErrStopped
	}

	if r.membership.Find(peerID) == nil {
		r.mu.Unlock()
		return ErrPeerNotFound
	}

	if r.pendingConfigIndex > r.commitIndex {
		r.mu.Unlock()
		return ErrConfigChangeInFlight
	}

	removingSelf := peerID == r.config.ID

	newMembership := &Membership{
		Peers: make([]Peer, 0, len(r.membership.Peers)-1),
	}
	for _, peer := range r.membership.Peers {
		if peer.ID != peerID {
			newMembership.Peers = append(newMembership.Peers, peer)
		}
	}

	newIndex, err := r.appendConfigEntry(newMembership)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	r.mu.Unlock()

	if err := r.waitForCommit(newIndex, 10*time.Second); err != nil {
		return err
	}

	// A leader that removed itself steps down once the entry commits.
	if removingSelf {
		r.mu.Lock()
		r.state = Follower
		r.leaderID = 0
		r.mu.Unlock()
	}
	return nil
}

// appendConfigEntry serializes a membership and appends it to the log as a
// LogConfiguration entry, marking the change as in flight.
// Caller must hold the write lock.
func (r *Raft) appendConfigEntry(m *Membership) (uint64, error) {
	configData, err := SerializeMembership(m)
	if err != nil {
		return 0, err
	}

	lastIndex, err := r.logStore.LastIndex()
	if err != nil {
		return 0, err
	}
	newIndex := lastIndex + 1

	entry := &api.LogEntry{
		Index: newIndex,
		Term:  r.currentTerm,
		Type:  api.LogConfiguration,
		Data:  configData,
	}

	if err := r.logStore.StoreLogs([]*api.LogEntry{entry}); err != nil {
		return 0, err
	}

	r.pendingConfigIndex = newIndex
	return newIndex, nil
}

// waitForCommit polls until the given index commits, leadership is lost, or
// the timeout elapses.
func (r *Raft) waitForCommit(index uint64, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			return ErrTimeout
		case <-ticker.C:
			r.mu.RLock()
			committed := r.commitIndex >= index
			isLeader := r.state == Leader
			r.mu.RUnlock()

			if committed {
				return nil
			}
			if !isLeader {
				return ErrNotLeader
			}
		}
	}
}

// handleJoinCluster processes an incoming JoinCluster RPC.
func (r *Raft) handleJoinCluster(req *api.JoinClusterRequest) *api.JoinClusterResponse {
	err := r.JoinCluster(req.PeerId, req.Address)
	if err != nil {
		if notLeaderErr, ok := err.(*NotLeaderError); ok {
			return &api.JoinClusterResponse{
				Success:    false,
				LeaderHint: notLeaderErr.LeaderHint,
				Error:      notLeaderErr.Error(),
			}
		}
		return &api.JoinClusterResponse{
			Success: false,
			Error:   err.Error(),
		}
	}
	return &api.JoinClusterResponse{
		Success: true,
	}
}

// handleRemovePeer processes an incoming RemovePeer RPC.
func (r *Raft) handleRemovePeer(req *api.RemovePeerRequest) *api.RemovePeerResponse {
	err := r.RemovePeer(req.PeerId)
	if err != nil {
		if notLeaderErr, ok := err.(*NotLeaderError); ok {
			return &api.RemovePeerResponse{
				Success:    false,
				LeaderHint: notLeaderErr.LeaderHint,
				Error:      notLeaderErr.Error(),
			}
		}
		return &api.RemovePeerResponse{
			Success: false,
			Error:   err.Error(),
		}
	}
	return &api.RemovePeerResponse{
		Success: true,
	}
}

// handleProposeCommand processes a command proposal forwarded by another node.
func (r *Raft) handleProposeCommand(req *api.ProposeCommandRequest) *api.ProposeCommandResponse {
	index, err := r.Propose(req.Command, 5*time.Second)
	if err != nil {
		if notLeaderErr, ok := err.(*NotLeaderError); ok {
			return &api.ProposeCommandResponse{
				Success:    false,
				LeaderHint: notLeaderErr.LeaderHint,
				Error:      notLeaderErr.Error(),
			}
		}
		return &api.ProposeCommandResponse{
			Success: false,
			Error:   err.Error(),
		}
	}
	return &api.ProposeCommandResponse{
		Success: true,
		Index:   index,
	}
}

// compactLog deletes log entries from FirstIndex to lastSnapshotIndex.
func (r *Raft) compactLog() error {
	if r.lastSnapshotIndex == 0 {
		return nil
	}

	firstIndex, err := r.logStore.FirstIndex()
	if err != nil {
		return fmt.Errorf("failed to get first log index: %w", err)
	}

	if firstIndex == 0 {
		if compactable, ok := r.logStore.(CompactableLogStore); ok {
			if err := compactable.SetCompactedIndex(r.lastSnapshotIndex); err != nil {
				return fmt.Errorf("failed to set compacted index: %w", err)
			}
		}
		return nil
	}

	if firstIndex > r.lastSnapshotIndex {
		return nil
	}

	if err := r.logStore.DeleteRange(firstIndex, r.lastSnapshotIndex); err != nil {
		return fmt.Errorf("failed to delete log range [%d, %d]: %w", firstIndex, r.lastSnapshotIndex, err)
	}

	if compactable, ok := r.logStore.(CompactableLogStore); ok {
		if err := compactable.SetCompactedIndex(r.lastSnapshotIndex); err != nil {
			return fmt.Errorf("failed to set compacted index: %w", err)
		}
	}

	return nil
}

// CompactLog is a public method to trigger log compaction after a snapshot.
func (r *Raft) CompactLog() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compactLog()
}
