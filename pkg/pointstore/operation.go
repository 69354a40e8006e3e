package pointstore

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Errors returned by operation decoding and application.
var (
	// ErrInvalidOperation is returned for malformed or empty operations.
	ErrInvalidOperation = errors.New("invalid point operation")
	// ErrPointNotFound is returned by lookups for missing point ids.
	ErrPointNotFound = errors.New("point not found")
)

// Operation names for Operation.Op.
const (
	OpUpsertPoints  = "upsert_points"
	OpDeletePoints  = "delete_points"
	OpSetPayload    = "set_payload"
	OpDeletePayload = "delete_payload"
	OpClearPayload  = "clear_payload"
)

// Operation is the envelope for point mutations carried through the shard
// operation log. Exactly one field is set, selected by Op. Applying the same
// operation twice leaves the store unchanged, which makes replay after a
// crash or a retried forward safe.
type Operation struct {
	Op string `json:"op"`

	UpsertPoints  *UpsertPoints  `json:"upsert_points,omitempty"`
	DeletePoints  *DeletePoints  `json:"delete_points,omitempty"`
	SetPayload    *SetPayload    `json:"set_payload,omitempty"`
	DeletePayload *DeletePayload `json:"delete_payload,omitempty"`
	ClearPayload  *ClearPayload  `json:"clear_payload,omitempty"`
}

// Encode serializes the operation for the operation log.
func (o *Operation) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// DecodeOperation deserializes an operation from an operation log payload.
func DecodeOperation(data []byte) (*Operation, error) {
	var o Operation
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if o.Op == "" {
		return nil, fmt.Errorf("%w: missing op", ErrInvalidOperation)
	}
	return &o, nil
}

// UpsertPoints inserts points or fully replaces existing ones.
type UpsertPoints struct {
	Points []Point `json:"points"`
}

// DeletePoints removes points by id. Missing ids are ignored.
type DeletePoints struct {
	IDs []uint64 `json:"ids"`
}

// SetPayload merges the given payload keys into each listed point.
// Missing points are ignored.
type SetPayload struct {
	IDs     []uint64                   `json:"ids"`
	Payload map[string]json.RawMessage `json:"payload"`
}

// DeletePayload removes the given payload keys from each listed point.
type DeletePayload struct {
	IDs  []uint64 `json:"ids"`
	Keys []string `json:"keys"`
}

// ClearPayload removes all payload from each listed point.
type ClearPayload struct {
	IDs []uint64 `json:"ids"`
}
