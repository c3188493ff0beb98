// Package events carries the observation stream of a running cluster:
// elections, replication progress, failures and network behavior, in a
// shape WebSocket clients can render directly.
package events

import (
	"time"

	"github.com/lithammer/shortuuid/v3"
)

// Type categorizes events.
type Type string

const (
	// Message events
	TypeMessageDropped Type = "message_dropped"

	// Node events
	TypeNodeStateChanged Type = "node_state_changed"
	TypeNodeCrashed      Type = "node_crashed"
	TypeNodeRecovered    Type = "node_recovered"

	// Network events
	TypePartitionCreated Type = "partition_created"
	TypePartitionHealed  Type = "partition_healed"

	// Consensus events
	TypeLeaderElected Type = "leader_elected"
	TypeVoteRequested Type = "vote_requested"
	TypeVoteCast      Type = "vote_cast"
	TypeLogAppended   Type = "log_appended"
	TypeLogCommitted  Type = "log_committed"
)

// Event is one observation with an opaque unique ID and free-form data.
type Event struct {
	ID   string         `json:"id"`
	Type Type           `json:"type"`
	Node string         `json:"node,omitempty"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// New builds an event stamped with a fresh ID and the current time.
func New(t Type, node string, data map[string]any) Event {
	return Event{
		ID:   shortuuid.New(),
		Type: t,
		Node: node,
		At:   time.Now(),
		Data: data,
	}
}

// Emitter receives events as they happen. Emit must not block.
type Emitter interface {
	Emit(evt Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(evt Event)

func (f EmitterFunc) Emit(evt Event) { f(evt) }

// Nop discards all events.
var Nop Emitter = EmitterFunc(func(Event) {})
