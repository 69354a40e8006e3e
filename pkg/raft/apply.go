// Package raft implements the consensus core.
//
// apply.go contains log entry application functionality including:
// - Applying committed entries to the state machine
// - Applying configuration entries to update cluster membership
// - Reconstructing cluster membership from log on restart
// - Replaying log entries after restart
// - Client command submission (Propose)
package raft

import (
	"fmt"
	"time"

	"github.com/quiverdb/quiver/api"
)

// applyEntries applies all committed but not yet applied entries to the state machine.
// Entries are applied in strictly increasing index order to maintain determinism.
// This separation of commit and apply allows the state machine to be updated
// asynchronously from the consensus protocol.
func (r *Raft) applyEntries() {
	// Apply all entries from lastApplied + 1 to commitIndex in order
	for r.lastApplied < r.commitIndex {
		nextIndex := r.lastApplied + 1

		entry, err := r.logStore.GetLog(nextIndex)
		if err != nil {
			return
		}

		// Apply the entry based on its type
		switch entry.Type {
		case api.LogCommand:
			// Apply command entries to the state machine
			r.stateMachine.Apply(entry.Data)
		case api.LogConfiguration:
			// Apply configuration entries to update cluster membership
			r.applyConfigEntry(entry)
		}
		// LogNoop entries are applied but have no effect

		// Increment lastApplied after successful application
		r.lastApplied = nextIndex
	}

	// Check if automatic snapshot should be triggered
	r.maybeSnapshot()
}

// applyConfigEntry applies a LogConfiguration entry to update cluster membership.
// It deserializes the Membership from the entry data and installs it as the
// current configuration.
// This method assumes the caller holds the mutex.
func (r *Raft) applyConfigEntry(entry *api.LogEntry) {
	if entry == nil || entry.Type != api.LogConfiguration {
		return
	}

	membership, err := DeserializeMembership(entry.Data)
	if err != nil {
		// Malformed config entry, skip
		return
	}

	r.membership = membership

	// If we're the leader, ensure nextIndex/matchIndex are initialized for new peers
	if r.state == Leader {
		lastIndex, err := r.logStore.LastIndex()
		if err != nil {
			lastIndex = 0
		}
		for _, peer := range r.peersExceptSelf() {
			if _, exists := r.nextIndex[peer.ID]; !exists {
				r.nextIndex[peer.ID] = lastIndex + 1
				r.matchIndex[peer.ID] = 0
			}
		}
	}
}

// reconstructMembershipFromLog scans log entries for the LogConfiguration type
// and applies them in order to rebuild cluster membership on restart.
// This is necessary because cluster membership is stored in the log itself,
// not in a separate configuration file, enabling atomic membership changes.
func (r *Raft) reconstructMembershipFromLog() error {
	firstIndex, err := r.logStore.FirstIndex()
	if err != nil {
		return err
	}

	lastIndex, err := r.logStore.LastIndex()
	if err != nil {
		return err
	}

	// If log is empty, keep the bootstrap configuration
	if firstIndex == 0 || lastIndex == 0 {
		return nil
	}

	// Scan all log entries in order and apply config entries
	for idx := firstIndex; idx <= lastIndex; idx++ {
		entry, err := r.logStore.GetLog(idx)
		if err != nil {
			// Skip entries that can't be read (compacted)
			continue
		}

		if entry.Type == api.LogConfiguration {
			membership, err := DeserializeMembership(entry.Data)
			if err != nil {
				// Skip malformed config entries
				continue
			}
			r.membership = membership
		}
	}

	return nil
}

// replayLogEntries replays all committed log entries from lastApplied+1 to the last log index.
// Called during startup to rebuild state machine state from the log. This handles the case
// where entries were committed but the node crashed before taking a snapshot.
func (r *Raft) replayLogEntries() error {
	lastIndex, err := r.logStore.LastIndex()
	if err != nil {
		return err
	}

	// If no log entries, nothing to replay
	if lastIndex == 0 {
		return nil
	}

	// Set commitIndex to lastIndex since all persisted entries were committed
	// (entries are only persisted after being committed in a previous run)
	if lastIndex > r.commitIndex {
		r.commitIndex = lastIndex
	}

	// Apply all entries from lastApplied+1 to commitIndex
	for r.lastApplied < r.commitIndex {
		nextIndex := r.lastApplied + 1
		entry, err := r.logStore.GetLog(nextIndex)
		if err != nil {
			return fmt.Errorf("failed to get log entry %d: %w", nextIndex, err)
		}

		if entry.Type == api.LogCommand {
			r.stateMachine.Apply(entry.Data)
		}

		r.lastApplied = nextIndex
	}

	return nil
}

// Propose submits a command to be replicated (leader only).
// It appends the command to the log and waits for commit or timeout,
// returning the log index at which the command committed. The caller can use
// the index to wait for the command's effect on the local state machine.
func (r *Raft) Propose(cmd []byte, timeout time.Duration) (uint64, error) {
	r.mu.Lock()

	// Reject if not leader
	if r.state != Leader {
		err := r.notLeaderErrorUnlocked()
		r.mu.Unlock()
		return 0, err
	}

	// Check if running
	if !r.running {
		r.mu.Unlock()
		return 0, ErrStopped
	}

	// Get next log index
	lastIndex, err := r.logStore.LastIndex()
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	newIndex := lastIndex + 1

	entry := &api.LogEntry{
		Index: newIndex,
		Term:  r.currentTerm,
		Type:  api.LogCommand,
		Data:  cmd,
	}

	// Append to log
	if err := r.logStore.StoreLogs([]*api.LogEntry{entry}); err != nil {
		r.mu.Unlock()
		return 0, err
	}

	// Try to advance commit index immediately (handles single-node cluster case)
	r.advanceCommitIndex()

	r.mu.Unlock()

	// Wait for commit or timeout
	if err := r.waitForCommit(newIndex, timeout); err != nil {
		return 0, err
	}
	return newIndex, nil
}
