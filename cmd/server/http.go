package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quiverdb/quiver/pkg/pointstore"
	"github.com/quiverdb/quiver/pkg/raft"
	"github.com/quiverdb/quiver/pkg/shard"
	"github.com/quiverdb/quiver/pkg/topology"
)

// apiServer exposes the HTTP API: collection and alias management, point
// operations, and cluster administration.
type apiServer struct {
	selfID   uint64
	raft     *raft.Raft
	manager  *shard.Manager
	storage  *nodeStorage
	fsm      *topology.FSM
	proposer shard.Proposer
	logger   *slog.Logger
}

func newAPIServer(selfID uint64, raftNode *raft.Raft, manager *shard.Manager,
	storage *nodeStorage, fsm *topology.FSM, proposer shard.Proposer, logger *slog.Logger) *apiServer {
	return &apiServer{
		selfID:   selfID,
		raft:     raftNode,
		manager:  manager,
		storage:  storage,
		fsm:      fsm,
		proposer: proposer,
		logger:   logger,
	}
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/collections", func(r chi.Router) {
		r.Get("/", s.handleListCollections)
		r.Post("/", s.handleCreateCollection)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetCollection)
			r.Patch("/", s.handleUpdateCollection)
			r.Delete("/", s.handleDeleteCollection)
			r.Post("/points", s.handleUpsertPoints)
			r.Post("/points/delete", s.handleDeletePoints)
			r.Post("/points/payload", s.handleSetPayload)
			r.Post("/points/payload/clear", s.handleClearPayload)
			r.Get("/points/{id}", s.handleGetPoint)
			r.Post("/points/scroll", s.handleScrollPoints)
		})
	})
	r.Post("/aliases", s.handleChangeAliases)

	r.Route("/cluster", func(r chi.Router) {
		r.Get("/", s.handleClusterStatus)
		r.Post("/peers", s.handleAddPeer)
		r.Delete("/peers/{id}", s.handleRemovePeer)
		r.Post("/transfers", s.handleStartTransfer)
		r.Post("/snapshot", s.handleSnapshot)
	})

	return r
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// errorStatus maps shard and consensus errors to HTTP statuses.
func (s *apiServer) errorStatus(err error) int {
	switch {
	case errors.Is(err, shard.ErrCollectionNotFound),
		errors.Is(err, pointstore.ErrPointNotFound):
		return http.StatusNotFound
	case errors.Is(err, shard.ErrNotShardHolder):
		return http.StatusMisdirectedRequest
	case errors.Is(err, shard.ErrReplicaInitializing),
		errors.Is(err, shard.ErrStaleTopology),
		errors.Is(err, raft.ErrNotLeader):
		return http.StatusServiceUnavailable
	case errors.Is(err, topology.ErrInvalidCommand),
		errors.Is(err, pointstore.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, topology.ErrCollectionExists),
		errors.Is(err, topology.ErrAliasExists),
		errors.Is(err, topology.ErrTransferExists):
		return http.StatusConflict
	case errors.Is(err, topology.ErrCollectionNotFound),
		errors.Is(err, topology.ErrReplicaNotFound),
		errors.Is(err, topology.ErrAliasNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// proposeCommand replicates a metadata command through consensus. The
// proposer forwards to the leader, so the handler works on any node.
func (s *apiServer) proposeCommand(cmd *topology.Command) error {
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	_, err = s.proposer.Propose(data, shard.DefaultProposeTimeout)
	return err
}

func (s *apiServer) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name              string `json:"name"`
		ShardNumber       uint32 `json:"shard_number"`
		ReplicationFactor uint32 `json:"replication_factor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ShardNumber == 0 {
		req.ShardNumber = 1
	}
	if req.ReplicationFactor == 0 {
		req.ReplicationFactor = 1
	}

	placement, err := s.manager.PlacementFor(req.ShardNumber, req.ReplicationFactor)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	err = s.proposeCommand(&topology.Command{
		Op: topology.OpCreateCollection,
		CreateCollection: &topology.CreateCollection{
			Name:              req.Name,
			ShardNumber:       req.ShardNumber,
			ReplicationFactor: req.ReplicationFactor,
			Placement:         placement,
		},
	})
	if err != nil {
		s.writeError(w, s.errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"result": "created"})
}

func (s *apiServer) handleListCollections(w http.ResponseWriter, _ *http.Request) {
	state := s.fsm.View()
	names := make([]string, 0, len(state.Collections))
	for name := range state.Collections {
		names = append(names, name)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"collections": names,
		"aliases":     state.Aliases,
	})
}

func (s *apiServer) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	collection := s.fsm.View().Resolve(name)
	if collection == nil {
		s.writeError(w, http.StatusNotFound, shard.ErrCollectionNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, collection)
}

func (s *apiServer) handleUpdateCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReplicationFactor *uint32 `json:"replication_factor,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.proposeCommand(&topology.Command{
		Op: topology.OpUpdateCollection,
		UpdateCollection: &topology.UpdateCollection{
			Name:              chi.URLParam(r, "name"),
			ReplicationFactor: req.ReplicationFactor,
		},
	})
	if err != nil {
		s.writeError(w, s.errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "updated"})
}

func (s *apiServer) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	err := s.proposeCommand(&topology.Command{
		Op:               topology.OpDeleteCollection,
		DeleteCollection: &topology.DeleteCollection{Name: chi.URLParam(r, "name")},
	})
	if err != nil {
		s.writeError(w, s.errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "deleted"})
}

func (s *apiServer) handleChangeAliases(w http.ResponseWriter, r *http.Request) {
	var req topology.ChangeAliases
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.proposeCommand(&topology.Command{
		Op:            topology.OpChangeAliases,
		ChangeAliases: &req,
	})
	if err != nil {
		s.writeError(w, s.errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

// pointKey is the routing key of a point: its id in big-endian form, so the
// same point always lands on the same shard.
func pointKey(id uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], id)
	return key[:]
}

// submitPerPoint groups single-point operations by routing key and submits
// them through the shard layer. build returns the operation for one point id.
func (s *apiServer) submitPerPoint(ctx context.Context, collection string, wait bool,
	ids []uint64, build func(id uint64) *pointstore.Operation) (shard.UpdateStatus, error) {

	status := shard.Completed
	for _, id := range ids {
		payload, err := build(id).Encode()
		if err != nil {
			return shard.Acknowledged, err
		}
		st, err := s.manager.Submit(ctx, collection, pointKey(id), payload, wait)
		if err != nil {
			return st, err
		}
		if st == shard.Acknowledged {
			status = shard.Acknowledged
		}
	}
	return status, nil
}

func waitParam(r *http.Request) bool {
	return r.URL.Query().Get("wait") == "true"
}

func (s *apiServer) writeUpdateResult(w http.ResponseWriter, status shard.UpdateStatus, err error) {
	var partial *shard.PartialFailureError
	if errors.As(err, &partial) {
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":       status.String(),
			"failed_peers": partial.FailedPeers,
		})
		return
	}
	if err != nil {
		s.writeError(w, s.errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
}

func (s *apiServer) handleUpsertPoints(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Points []pointstore.Point `json:"points"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	collection := chi.URLParam(r, "name")
	wait := waitParam(r)
	byID := make(map[uint64]pointstore.Point, len(req.Points))
	ids := make([]uint64, 0, len(req.Points))
	for _, p := range req.Points {
		if _, seen := byID[p.ID]; !seen {
			ids = append(ids, p.ID)
		}
		byID[p.ID] = p
	}

	status, err := s.submitPerPoint(r.Context(), collection, wait, ids, func(id uint64) *pointstore.Operation {
		return &pointstore.Operation{
			Op:           pointstore.OpUpsertPoints,
			UpsertPoints: &pointstore.UpsertPoints{Points: []pointstore.Point{byID[id]}},
		}
	})
	s.writeUpdateResult(w, status, err)
}

func (s *apiServer) handleDeletePoints(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []uint64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	status, err := s.submitPerPoint(r.Context(), chi.URLParam(r, "name"), waitParam(r), req.IDs,
		func(id uint64) *pointstore.Operation {
			return &pointstore.Operation{
				Op:           pointstore.OpDeletePoints,
				DeletePoints: &pointstore.DeletePoints{IDs: []uint64{id}},
			}
		})
	s.writeUpdateResult(w, status, err)
}

func (s *apiServer) handleSetPayload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs     []uint64                   `json:"ids"`
		Payload map[string]json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	status, err := s.submitPerPoint(r.Context(), chi.URLParam(r, "name"), waitParam(r), req.IDs,
		func(id uint64) *pointstore.Operation {
			return &pointstore.Operation{
				Op:         pointstore.OpSetPayload,
				SetPayload: &pointstore.SetPayload{IDs: []uint64{id}, Payload: req.Payload},
			}
		})
	s.writeUpdateResult(w, status, err)
}

func (s *apiServer) handleClearPayload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []uint64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	status, err := s.submitPerPoint(r.Context(), chi.URLParam(r, "name"), waitParam(r), req.IDs,
		func(id uint64) *pointstore.Operation {
			return &pointstore.Operation{
				Op:           pointstore.OpClearPayload,
				ClearPayload: &pointstore.ClearPayload{IDs: []uint64{id}},
			}
		})
	s.writeUpdateResult(w, status, err)
}

func (s *apiServer) handleGetPoint(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	collection := s.fsm.View().Resolve(name)
	if collection == nil {
		s.writeError(w, http.StatusNotFound, shard.ErrCollectionNotFound)
		return
	}
	shardID := shard.RouteKey(collection, pointKey(id))
	store, ok := s.storage.lookup(collection.Name, shardID)
	if !ok {
		s.writeError(w, http.StatusMisdirectedRequest, shard.ErrNotShardHolder)
		return
	}

	point, err := store.Get(id)
	if err != nil {
		s.writeError(w, s.errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, point)
}

func (s *apiServer) handleScrollPoints(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShardID uint32 `json:"shard_id"`
		From    uint64 `json:"from"`
		Limit   int    `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Limit <= 0 || req.Limit > 1000 {
		req.Limit = 100
	}

	name := chi.URLParam(r, "name")
	collection := s.fsm.View().Resolve(name)
	if collection == nil {
		s.writeError(w, http.StatusNotFound, shard.ErrCollectionNotFound)
		return
	}
	store, ok := s.storage.lookup(collection.Name, req.ShardID)
	if !ok {
		s.writeError(w, http.StatusMisdirectedRequest, shard.ErrNotShardHolder)
		return
	}

	points := make([]*pointstore.Point, 0, req.Limit)
	store.Scroll(req.From, req.Limit, func(p *pointstore.Point) bool {
		points = append(points, p)
		return true
	})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"points": points})
}

func (s *apiServer) handleClusterStatus(w http.ResponseWriter, _ *http.Request) {
	membership := s.raft.GetMembership()
	peers := make([]map[string]interface{}, 0, len(membership.Peers))
	for _, peer := range membership.Peers {
		peers = append(peers, map[string]interface{}{
			"id":      peer.ID,
			"address": peer.Address,
			"role":    peer.Role.String(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":      s.selfID,
		"state":        s.raft.State().String(),
		"term":         s.raft.CurrentTerm(),
		"leader":       s.raft.Leader(),
		"commit_index": s.raft.CommitIndex(),
		"peers":        peers,
		"topology":     s.fsm.View(),
	})
}

func (s *apiServer) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      uint64 `json:"id"`
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.raft.JoinCluster(req.ID, req.Address); err != nil {
		s.writeError(w, s.errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "joined"})
}

func (s *apiServer) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	// A peer still holding shard replicas must be drained first; removing it
	// would silently lose its replicas.
	if s.fsm.View().PeerHasReplicas(id) {
		s.writeError(w, http.StatusConflict,
			errors.New("peer still holds shard replicas; move them first"))
		return
	}

	if err := s.raft.RemovePeer(id); err != nil {
		s.writeError(w, s.errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "removed"})
}

func (s *apiServer) handleStartTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Collection string `json:"collection"`
		ShardID    uint32 `json:"shard_id"`
		From       uint64 `json:"from"`
		To         uint64 `json:"to"`
		Move       bool   `json:"move"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	transferID, err := s.manager.StartTransfer(req.Collection, req.ShardID, req.From, req.To, req.Move)
	if err != nil {
		s.writeError(w, s.errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"transfer_id": transferID})
}

func (s *apiServer) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	meta, err := s.raft.Snapshot()
	if err != nil {
		s.writeError(w, s.errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"index": meta.LastIncludedIndex,
		"term":  meta.LastIncludedTerm,
	})
}
