// Package raft provides end-to-end integration tests for the consensus core.
// These tests use the real gRPC transport, BoltDB storage, and topology FSM.
package raft

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quiverdb/quiver/pkg/storage"
	"github.com/quiverdb/quiver/pkg/topology"
	"github.com/quiverdb/quiver/pkg/transport"
)

// e2eNode represents a complete consensus node with all real components.
type e2eNode struct {
	id        uint64
	addr      string
	raft      *Raft
	transport *transport.GRPCTransport
	store     *storage.BoltStore
	fsm       *topology.FSM
	dbPath    string
}

// e2eCluster manages a cluster of real consensus nodes for end-to-end testing.
type e2eCluster struct {
	nodes   map[uint64]*e2eNode
	tempDir string
}

func newE2ECluster(t *testing.T) *e2eCluster {
	tempDir, err := os.MkdirTemp("", "raft-e2e-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	return &e2eCluster{
		nodes:   make(map[uint64]*e2eNode),
		tempDir: tempDir,
	}
}

func (c *e2eCluster) addNode(t *testing.T, id uint64, addr string, peers []Peer, electionTimeout time.Duration) *e2eNode {
	// Create BoltDB store
	dbPath := filepath.Join(c.tempDir, fmt.Sprintf("node%d.db", id))
	store, err := storage.NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BoltStore for node %d: %v", id, err)
	}

	// Create topology FSM
	topo := topology.NewFSM()

	// Create gRPC transport
	trans, err := transport.NewGRPCTransport(addr)
	if err != nil {
		store.Close()
		t.Fatalf("Failed to create GRPCTransport for node %d: %v", id, err)
	}

	config := Config{
		ID:               id,
		Address:          addr,
		Peers:            peers,
		ElectionTimeout:  electionTimeout,
		HeartbeatTimeout: 50 * time.Millisecond,
	}

	raft, err := NewRaft(config, store, store, topo, trans, nil)
	if err != nil {
		trans.Close()
		store.Close()
		t.Fatalf("Failed to create node %d: %v", id, err)
	}

	node := &e2eNode{
		id:        id,
		addr:      addr,
		raft:      raft,
		transport: trans,
		store:     store,
		fsm:       topo,
		dbPath:    dbPath,
	}

	c.nodes[id] = node
	return node
}

// addThreeNodes builds a fully connected 3-voter cluster on consecutive ports.
func (c *e2eCluster) addThreeNodes(t *testing.T, basePort int) {
	addrs := map[uint64]string{
		1: fmt.Sprintf("127.0.0.1:%d", basePort),
		2: fmt.Sprintf("127.0.0.1:%d", basePort+1),
		3: fmt.Sprintf("127.0.0.1:%d", basePort+2),
	}

	for id, addr := range addrs {
		var peers []Peer
		for peerID, peerAddr := range addrs {
			if peerID != id {
				peers = append(peers, Peer{ID: peerID, Address: peerAddr, Role: Voter})
			}
		}
		c.addNode(t, id, addr, peers, 150*time.Millisecond)
	}
}

func (c *e2eCluster) startAll(t *testing.T) {
	for id, node := range c.nodes {
		if err := node.raft.Start(); err != nil {
			t.Fatalf("Failed to start node %d: %v", id, err)
		}
	}
}

func (c *e2eCluster) stopNode(t *testing.T, id uint64) {
	node := c.nodes[id]
	if err := node.raft.Stop(); err != nil {
		t.Logf("Error stopping node %d: %v", id, err)
	}
}

func (c *e2eCluster) cleanup() {
	for _, node := range c.nodes {
		node.raft.Stop()
		node.transport.Close()
		node.store.Close()
	}
	os.RemoveAll(c.tempDir)
}

func (c *e2eCluster) waitForLeader(timeout time.Duration) uint64 {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for id, node := range c.nodes {
			if node.raft.State() == Leader {
				return id
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return 0
}

func (c *e2eCluster) countLeaders() int {
	count := 0
	for _, node := range c.nodes {
		if node.raft.State() == Leader {
			count++
		}
	}
	return count
}

func (c *e2eCluster) getNode(id uint64) *e2eNode {
	return c.nodes[id]
}

// proposeWithRetry proposes a command through whichever node is currently
// leader, retrying across leadership changes.
func (c *e2eCluster) proposeWithRetry(t *testing.T, cmd []byte) uint64 {
	var lastErr error
	for i := 0; i < 5; i++ {
		leaderID := c.waitForLeader(2 * time.Second)
		if leaderID == 0 {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		index, err := c.getNode(leaderID).raft.Propose(cmd, 3*time.Second)
		if err == nil {
			return index
		}
		lastErr = err
		t.Logf("Propose attempt %d failed: %v, retrying...", i+1, err)
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("Failed to propose command after retries: %v", lastErr)
	return 0
}

func encodeCreateCollection(t *testing.T, name string, shards uint32, peers []uint64) []byte {
	placement := make(map[uint32][]uint64, shards)
	for shardID := uint32(0); shardID < shards; shardID++ {
		placement[shardID] = peers
	}
	cmd := &topology.Command{
		Op: topology.OpCreateCollection,
		CreateCollection: &topology.CreateCollection{
			Name:              name,
			ShardNumber:       shards,
			ReplicationFactor: uint32(len(peers)),
			Placement:         placement,
		},
	}
	data, err := cmd.Encode()
	if err != nil {
		t.Fatalf("Failed to encode command: %v", err)
	}
	return data
}

// =============================================================================
// End-to-End Integration Tests
// =============================================================================

// TestE2E_3NodeClusterElectsLeader tests that a 3-node cluster using real
// gRPC transport, BoltDB storage, and the topology FSM elects a leader.
func TestE2E_3NodeClusterElectsLeader(t *testing.T) {
	cluster := newE2ECluster(t)
	defer cluster.cleanup()

	cluster.addThreeNodes(t, 19100)
	cluster.startAll(t)

	leaderID := cluster.waitForLeader(5 * time.Second)
	if leaderID == 0 {
		t.Fatal("No leader elected within timeout")
	}

	t.Logf("Leader elected: node %d", leaderID)

	// Allow cluster to stabilize
	time.Sleep(300 * time.Millisecond)

	stableLeaderID := cluster.waitForLeader(2 * time.Second)
	if stableLeaderID == 0 {
		t.Fatal("No stable leader after waiting")
	}

	leaderCount := cluster.countLeaders()
	if leaderCount < 1 {
		t.Errorf("Expected at least 1 leader, got %d", leaderCount)
	}

	t.Logf("Stable leader: node %d, leader count: %d", stableLeaderID, leaderCount)

	// Followers learn the leader id from heartbeats
	for id, node := range cluster.nodes {
		if node.raft.State() != Leader {
			t.Logf("Node %d knows leader as %d", id, node.raft.Leader())
		}
	}
}

// TestE2E_LeaderFailureTriggersNewElection tests that when the leader fails,
// the remaining nodes elect a new leader using real components.
func TestE2E_LeaderFailureTriggersNewElection(t *testing.T) {
	cluster := newE2ECluster(t)
	defer cluster.cleanup()

	cluster.addThreeNodes(t, 19200)
	cluster.startAll(t)

	initialLeader := cluster.waitForLeader(5 * time.Second)
	if initialLeader == 0 {
		t.Fatal("No initial leader elected")
	}

	t.Logf("Initial leader: node %d", initialLeader)
	initialTerm := cluster.getNode(initialLeader).raft.CurrentTerm()

	cluster.stopNode(t, initialLeader)
	t.Logf("Stopped leader node %d", initialLeader)

	// Allow election timeout
	time.Sleep(500 * time.Millisecond)

	var newLeader uint64
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for id, node := range cluster.nodes {
			if id != initialLeader && node.raft.State() == Leader {
				newLeader = id
				break
			}
		}
		if newLeader != 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if newLeader == 0 {
		t.Fatal("No new leader elected after original leader failure")
	}
	if newLeader == initialLeader {
		t.Error("New leader should be different from stopped leader")
	}

	t.Logf("New leader: node %d", newLeader)

	newTerm := cluster.getNode(newLeader).raft.CurrentTerm()
	if newTerm <= initialTerm {
		t.Errorf("New term %d should be > initial term %d", newTerm, initialTerm)
	}

	t.Logf("Initial term: %d, New term: %d", initialTerm, newTerm)
}

// TestE2E_CommandReplicationWithRealStorage tests that topology commands are
// replicated, applied on every node, and persisted in BoltDB.
func TestE2E_CommandReplicationWithRealStorage(t *testing.T) {
	cluster := newE2ECluster(t)
	defer cluster.cleanup()

	cluster.addThreeNodes(t, 19300)
	cluster.startAll(t)

	leaderID := cluster.waitForLeader(5 * time.Second)
	if leaderID == 0 {
		t.Fatal("No leader elected")
	}
	t.Logf("Leader: node %d", leaderID)

	// Allow leader to stabilize
	time.Sleep(300 * time.Millisecond)

	cmd := encodeCreateCollection(t, "vectors", 2, []uint64{1, 2, 3})
	index := cluster.proposeWithRetry(t, cmd)
	t.Logf("Command committed at index %d", index)

	// Wait for followers to apply
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		applied := 0
		for _, node := range cluster.nodes {
			if node.fsm.View().Resolve("vectors") != nil {
				applied++
			}
		}
		if applied == len(cluster.nodes) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	for id, node := range cluster.nodes {
		c := node.fsm.View().Resolve("vectors")
		if c == nil {
			t.Errorf("Node %d did not apply the collection", id)
			continue
		}
		if c.ShardNumber != 2 {
			t.Errorf("Node %d has shard number %d, want 2", id, c.ShardNumber)
		}
	}

	// Verify the log was persisted to BoltDB on every node
	for id, node := range cluster.nodes {
		lastIndex, err := node.store.LastIndex()
		if err != nil {
			t.Errorf("Failed to get last index from node %d: %v", id, err)
			continue
		}
		if lastIndex < index {
			t.Errorf("Node %d last log index %d, want >= %d", id, lastIndex, index)
			continue
		}

		entry, err := node.store.GetLog(index)
		if err != nil {
			t.Errorf("Failed to get log entry from node %d: %v", id, err)
			continue
		}
		t.Logf("Node %d has log entry at index %d with term %d", id, entry.Index, entry.Term)
	}
}

// TestE2E_ProposeOnFollowerReturnsNotLeader tests that a follower rejects
// proposals with a leader hint.
func TestE2E_ProposeOnFollowerReturnsNotLeader(t *testing.T) {
	cluster := newE2ECluster(t)
	defer cluster.cleanup()

	cluster.addThreeNodes(t, 19400)
	cluster.startAll(t)

	leaderID := cluster.waitForLeader(5 * time.Second)
	if leaderID == 0 {
		t.Fatal("No leader elected")
	}
	time.Sleep(300 * time.Millisecond)

	var follower *e2eNode
	for id, node := range cluster.nodes {
		if id != leaderID && node.raft.State() != Leader {
			follower = node
			break
		}
	}
	if follower == nil {
		t.Fatal("No follower found")
	}

	cmd := encodeCreateCollection(t, "vectors", 1, []uint64{1})
	_, err := follower.raft.Propose(cmd, time.Second)
	if err == nil {
		t.Fatal("Propose on follower should fail")
	}

	var notLeader *NotLeaderError
	if !errors.As(err, &notLeader) {
		t.Fatalf("Expected NotLeaderError, got %v", err)
	}
	t.Logf("Follower node %d redirected to leader %d at %q",
		follower.id, notLeader.LeaderHint, notLeader.LeaderAddr)
}

// TestE2E_LearnerJoinPromotionAndRemoval tests the full membership lifecycle:
// a new node joins as a learner, catches up, gets promoted to voter, and is
// later removed from the cluster.
func TestE2E_LearnerJoinPromotionAndRemoval(t *testing.T) {
	cluster := newE2ECluster(t)
	defer cluster.cleanup()

	addr1 := "127.0.0.1:19500"
	addr2 := "127.0.0.1:19501"

	// Single-node cluster; node 1 elects itself immediately.
	node1 := cluster.addNode(t, 1, addr1, nil, 150*time.Millisecond)

	// The joining node starts with a long election timeout so it does not
	// campaign before it learns the cluster configuration from the leader.
	cluster.addNode(t, 2, addr2, []Peer{{ID: 1, Address: addr1, Role: Voter}}, 10*time.Second)

	cluster.startAll(t)

	leaderID := cluster.waitForLeader(5 * time.Second)
	if leaderID != 1 {
		t.Fatalf("Expected node 1 as leader, got %d", leaderID)
	}

	// Seed some log entries so the learner has something to catch up on.
	cmd := encodeCreateCollection(t, "vectors", 1, []uint64{1})
	cluster.proposeWithRetry(t, cmd)

	if err := node1.raft.JoinCluster(2, addr2); err != nil {
		t.Fatalf("JoinCluster failed: %v", err)
	}

	// The learner is promoted once its log catches up with the leader's
	// commit index.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if node1.raft.IsVoter(2) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !node1.raft.IsVoter(2) {
		t.Fatalf("Node 2 was not promoted to voter; voters=%v learners=%v",
			node1.raft.GetVoters(), node1.raft.GetLearners())
	}
	t.Logf("Node 2 promoted to voter")

	// The new node applied the seeded state during catch-up.
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cluster.getNode(2).fsm.View().Resolve("vectors") != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if cluster.getNode(2).fsm.View().Resolve("vectors") == nil {
		t.Error("Node 2 did not apply seeded state during catch-up")
	}

	// Joining again is idempotent.
	if err := node1.raft.JoinCluster(2, addr2); err != nil {
		t.Fatalf("Re-join should be idempotent: %v", err)
	}

	// Remove the node again.
	if err := node1.raft.RemovePeer(2); err != nil {
		t.Fatalf("RemovePeer failed: %v", err)
	}
	membership := node1.raft.GetMembership()
	if membership.Find(2) != nil {
		t.Error("Node 2 still in membership after removal")
	}

	// Removing an unknown peer fails.
	if err := node1.raft.RemovePeer(9); err == nil {
		t.Error("RemovePeer(9) should fail for unknown peer")
	}
}
