package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quiverdb/quiver/pkg/raft"
	"github.com/quiverdb/quiver/pkg/shard"
	"github.com/quiverdb/quiver/pkg/storage"
	"github.com/quiverdb/quiver/pkg/topology"
	"github.com/quiverdb/quiver/pkg/transport"
)

const (
	// raftDBFilename holds consensus log and stable state.
	raftDBFilename = "raft.db"
	// oplogDBFilename holds the per-shard operation logs.
	oplogDBFilename = "oplog.db"
)

func main() {
	cfg, err := ParseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		slog.Error("failed to parse flags", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("node", cfg.ID)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	boltStore, err := storage.NewBoltStore(filepath.Join(cfg.DataDir, raftDBFilename))
	if err != nil {
		logger.Error("failed to open consensus store", "error", err)
		os.Exit(1)
	}

	oplog, err := storage.NewOpLog(filepath.Join(cfg.DataDir, oplogDBFilename))
	if err != nil {
		logger.Error("failed to open operation log", "error", err)
		os.Exit(1)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(filepath.Join(cfg.DataDir, "snapshots"))
	if err != nil {
		logger.Error("failed to open snapshot store", "error", err)
		os.Exit(1)
	}

	fsm := topology.NewFSM()

	grpcTransport, err := transport.NewGRPCTransport(cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to start transport", "listen", cfg.ListenAddr, "error", err)
		os.Exit(1)
	}

	peers := make([]raft.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, raft.Peer{ID: p.ID, Address: p.Address, Role: raft.Voter})
	}
	raftNode, err := raft.NewRaft(raft.Config{
		ID:               cfg.ID,
		Address:          grpcTransport.LocalAddr(),
		Peers:            peers,
		ElectionTimeout:  cfg.ElectionTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}, boltStore, boltStore, fsm, grpcTransport, snapshotStore)
	if err != nil {
		logger.Error("failed to create consensus node", "error", err)
		os.Exit(1)
	}

	proposer := &forwardingProposer{raft: raftNode, transport: grpcTransport}
	store := newNodeStorage()

	manager := shard.NewManager(shard.ManagerConfig{
		SelfID:    cfg.ID,
		OpLog:     oplog,
		Store:     store,
		Topology:  fsm,
		Proposer:  proposer,
		Transport: grpcTransport,
		Resolve: func(peerID uint64) (string, bool) {
			membership := raftNode.GetMembership()
			if peer := membership.Find(peerID); peer != nil {
				return peer.Address, true
			}
			return "", false
		},
		Peers: func() []uint64 {
			membership := raftNode.GetMembership()
			ids := make([]uint64, 0, len(membership.Peers))
			for _, peer := range membership.Peers {
				ids = append(ids, peer.ID)
			}
			return ids
		},
	})
	grpcTransport.SetReplicaHandler(manager)

	if err := raftNode.Start(); err != nil {
		logger.Error("failed to start consensus", "error", err)
		os.Exit(1)
	}
	manager.Start()
	logger.Info("node started", "listen", grpcTransport.LocalAddr(), "peers", len(cfg.Peers))

	api := newAPIServer(cfg.ID, raftNode, manager, store, fsm, proposer, logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.routes(),
	}
	go func() {
		logger.Info("http api listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", "signal", sig.String())

	os.Exit(shutdown(logger, httpServer, manager, raftNode, grpcTransport, boltStore, oplog))
}

// shutdown stops the components in dependency order: HTTP first so no new
// work arrives, then the shard manager, consensus, transport, and stores.
func shutdown(logger *slog.Logger, httpServer *http.Server, manager *shard.Manager,
	raftNode *raft.Raft, grpcTransport *transport.GRPCTransport,
	boltStore *storage.BoltStore, oplog *storage.OpLog) int {

	exitCode := 0
	fail := func(component string, err error) {
		logger.Error("shutdown step failed", "component", component, "error", err)
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		fail("http", err)
	}

	manager.Stop()

	if err := raftNode.Stop(); err != nil {
		fail("raft", err)
	}
	if err := grpcTransport.Close(); err != nil {
		fail("transport", err)
	}
	if err := boltStore.Close(); err != nil {
		fail("consensus store", err)
	}
	if err := oplog.Close(); err != nil {
		fail("operation log", err)
	}

	if exitCode == 0 {
		logger.Info("shutdown complete")
	}
	return exitCode
}
