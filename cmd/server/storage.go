package main

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/quiverdb/quiver/pkg/pointstore"
)

// nodeStorage holds the point stores of every shard replica hosted on this
// node. It is the storage collaborator of the shard layer and the read path
// of the HTTP API.
type nodeStorage struct {
	mu     sync.Mutex
	shards map[string]*pointstore.Store
}

func newNodeStorage() *nodeStorage {
	return &nodeStorage{shards: make(map[string]*pointstore.Store)}
}

func shardKey(collection string, shardID uint32) string {
	return fmt.Sprintf("%s/%d", collection, shardID)
}

// shard returns the store of one shard, creating it on first use.
func (s *nodeStorage) shard(collection string, shardID uint32) *pointstore.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := shardKey(collection, shardID)
	store, ok := s.shards[key]
	if !ok {
		store = pointstore.NewStore()
		s.shards[key] = store
	}
	return store
}

// lookup returns the store of one shard without creating it.
func (s *nodeStorage) lookup(collection string, shardID uint32) (*pointstore.Store, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.shards[shardKey(collection, shardID)]
	return store, ok
}

// Apply executes one operation-log payload against the shard's point store.
func (s *nodeStorage) Apply(collection string, shardID uint32, _ uint64, payload []byte) error {
	return s.shard(collection, shardID).ApplyRaw(payload)
}

// SnapshotExport materializes the shard's data as a stream for transfers.
func (s *nodeStorage) SnapshotExport(collection string, shardID uint32) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if err := s.shard(collection, shardID).Export(&buf); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

// SnapshotImport replaces the shard's data with an exported stream.
func (s *nodeStorage) SnapshotImport(collection string, shardID uint32, r io.Reader) error {
	return s.shard(collection, shardID).Import(r)
}

// Drop removes the shard's data from this node.
func (s *nodeStorage) Drop(collection string, shardID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shards, shardKey(collection, shardID))
	return nil
}
