// Package pointstore implements the in-memory point storage backing one shard
// replica. Points live in a lock-free skip list keyed by point id, so reads
// never block the replication path. Mutations arrive as idempotent operations
// replayed from the shard operation log.
package pointstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

type pointMap = skipmap.OrderedMap[uint64, *Point]

// Point is one stored point: a vector plus an arbitrary JSON payload.
// Stored points are treated as immutable; mutations install a fresh copy.
type Point struct {
	ID      uint64                     `json:"id"`
	Vector  []float32                  `json:"vector,omitempty"`
	Payload map[string]json.RawMessage `json:"payload,omitempty"`
}

// clone returns a copy whose payload map is safe to mutate.
func (p *Point) clone() *Point {
	out := &Point{
		ID:     p.ID,
		Vector: p.Vector,
	}
	if p.Payload != nil {
		out.Payload = make(map[string]json.RawMessage, len(p.Payload))
		for k, v := range p.Payload {
			out.Payload[k] = v
		}
	}
	return out
}

// Store holds the points of one shard replica. Reads may run concurrently
// with mutations; snapshot import swaps the whole map atomically.
type Store struct {
	points atomic.Pointer[pointMap]
}

// NewStore creates an empty point store.
func NewStore() *Store {
	s := &Store{}
	s.points.Store(skipmap.New[uint64, *Point]())
	return s
}

// Get returns the point with the given id.
func (s *Store) Get(id uint64) (*Point, error) {
	p, ok := s.points.Load().Load(id)
	if !ok {
		return nil, ErrPointNotFound
	}
	return p, nil
}

// Count returns the number of stored points.
func (s *Store) Count() int {
	return s.points.Load().Len()
}

// Scroll visits points in ascending id order starting at from, stopping after
// limit points or when fn returns false.
func (s *Store) Scroll(from uint64, limit int, fn func(*Point) bool) {
	seen := 0
	s.points.Load().Range(func(id uint64, p *Point) bool {
		if id < from {
			return true
		}
		if limit > 0 && seen >= limit {
			return false
		}
		seen++
		return fn(p)
	})
}

// Apply executes one operation against the store. Operations are idempotent:
// applying the same operation again leaves the store in the same state.
func (s *Store) Apply(op *Operation) error {
	points := s.points.Load()

	switch op.Op {
	case OpUpsertPoints:
		if op.UpsertPoints == nil {
			return ErrInvalidOperation
		}
		for i := range op.UpsertPoints.Points {
			p := op.UpsertPoints.Points[i]
			points.Store(p.ID, p.clone())
		}
		return nil

	case OpDeletePoints:
		if op.DeletePoints == nil {
			return ErrInvalidOperation
		}
		for _, id := range op.DeletePoints.IDs {
			points.Delete(id)
		}
		return nil

	case OpSetPayload:
		if op.SetPayload == nil {
			return ErrInvalidOperation
		}
		for _, id := range op.SetPayload.IDs {
			p, ok := points.Load(id)
			if !ok {
				continue
			}
			updated := p.clone()
			if updated.Payload == nil {
				updated.Payload = make(map[string]json.RawMessage, len(op.SetPayload.Payload))
			}
			for k, v := range op.SetPayload.Payload {
				updated.Payload[k] = v
			}
			points.Store(id, updated)
		}
		return nil

	case OpDeletePayload:
		if op.DeletePayload == nil {
			return ErrInvalidOperation
		}
		for _, id := range op.DeletePayload.IDs {
			p, ok := points.Load(id)
			if !ok {
				continue
			}
			updated := p.clone()
			for _, k := range op.DeletePayload.Keys {
				delete(updated.Payload, k)
			}
			points.Store(id, updated)
		}
		return nil

	case OpClearPayload:
		if op.ClearPayload == nil {
			return ErrInvalidOperation
		}
		for _, id := range op.ClearPayload.IDs {
			p, ok := points.Load(id)
			if !ok {
				continue
			}
			updated := p.clone()
			updated.Payload = nil
			points.Store(id, updated)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidOperation, op.Op)
	}
}

// ApplyRaw decodes and applies a serialized operation, as replayed from the
// shard operation log.
func (s *Store) ApplyRaw(payload []byte) error {
	op, err := DecodeOperation(payload)
	if err != nil {
		return err
	}
	return s.Apply(op)
}

// Export writes all points to w as newline-delimited JSON in ascending id
// order. Used to stream a shard snapshot during a transfer.
func (s *Store) Export(w io.Writer) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	var encErr error
	s.points.Load().Range(func(_ uint64, p *Point) bool {
		if err := enc.Encode(p); err != nil {
			encErr = err
			return false
		}
		return true
	})
	if encErr != nil {
		return encErr
	}
	return bw.Flush()
}

// Import replaces the store contents with points read from an Export stream.
func (s *Store) Import(r io.Reader) error {
	fresh := skipmap.New[uint64, *Point]()
	dec := json.NewDecoder(r)
	for {
		var p Point
		if err := dec.Decode(&p); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("decode snapshot point: %w", err)
		}
		fresh.Store(p.ID, &p)
	}
	s.points.Store(fresh)
	return nil
}

// Clear removes all points.
func (s *Store) Clear() {
	s.points.Store(skipmap.New[uint64, *Point]())
}
