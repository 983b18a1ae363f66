// Package stores provides the append-only event log backing the request
// state machine. Events are the sole source of truth; request and machine
// status are projections rebuilt by replay. Backends are pluggable behind
// the Store interface: in-memory for tests and SQLite for durable runs.
package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// AggregateRequest and AggregateMachine are the known aggregate types.
const (
	AggregateRequest = "request"
	AggregateMachine = "machine"
)

// ErrConcurrencyConflict is returned by Append when the aggregate's current
// version does not match the caller's expected version. The caller reloads
// the aggregate and reapplies.
var ErrConcurrencyConflict = errors.New("event append version conflict")

// Event is one immutable record in the log.
type Event struct {
	// ID is the global append order, assigned by the store.
	ID int64 `json:"id"`

	// AggregateType and AggregateID identify the owning aggregate.
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`

	// Sequence is the per-aggregate version the event produces, starting
	// at 1. Assigned by the store on append.
	Sequence int64 `json:"sequence"`

	// Kind names the transition, e.g. "request.created".
	Kind string `json:"kind"`

	// Payload is the event body.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timestamp is when the event was appended.
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent is the caller-supplied part of an event to append.
type NewEvent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Store is the uniform event log interface.
type Store interface {
	// Append writes events for one aggregate. expectedVersion must equal
	// the aggregate's current highest sequence (0 for a new aggregate) or
	// Append fails with ErrConcurrencyConflict and writes nothing. The
	// returned events carry their assigned IDs and sequences.
	Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int64, events []NewEvent) ([]Event, error)

	// ReadAggregate returns an aggregate's events in sequence order.
	ReadAggregate(ctx context.Context, aggregateType, aggregateID string) ([]Event, error)

	// ReadAllSince returns every event with a global ID greater than
	// since, in global order. Used by projection rebuilds; since 0 reads
	// the whole log.
	ReadAllSince(ctx context.Context, since int64) ([]Event, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
