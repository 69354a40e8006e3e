package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/quiverdb/quiver/api"
	"github.com/quiverdb/quiver/pkg/raft"
	"github.com/quiverdb/quiver/pkg/transport"
)

// forwardingProposer submits metadata commands to consensus. A proposal on a
// follower is forwarded to the last known leader, so the shard layer can
// propose from any node.
type forwardingProposer struct {
	raft      *raft.Raft
	transport transport.Transport
}

// Propose replicates a command, locally when this node leads, otherwise
// through the leader. Returns the log index the command was committed at.
func (p *forwardingProposer) Propose(cmd []byte, timeout time.Duration) (uint64, error) {
	index, err := p.raft.Propose(cmd, timeout)
	if err == nil {
		return index, nil
	}

	var notLeader *raft.NotLeaderError
	if !errors.As(err, &notLeader) || notLeader.LeaderAddr == "" {
		return 0, err
	}

	resp, err := p.transport.SendProposeCommand(notLeader.LeaderAddr, &api.ProposeCommandRequest{
		Command: cmd,
	})
	if err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, fmt.Errorf("leader rejected proposal: %s", resp.Error)
	}
	return resp.Index, nil
}
