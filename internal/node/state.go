// Package node owns the per-process NodeState and the Controller that is
// the only component allowed to mutate it. Every other subsystem
// (detector, replication, snapshot, containment) receives a capability
// reference into the Controller rather than touching NodeState fields
// directly — keeping "the only mutators" invariant from spec §4.6 a
// property of the type system, not a convention.
package node

import (
	"sync"
	"time"

	"github.com/ocx/fabric/pkg/fileevent"
)

// PendingSnapshot records one in-flight command_id on the node side (when
// it started and the last phase seen) — the node only tracks its own
// production of a result, the
// coordinator owns fleet-wide pending state (see internal/snapshot).
type PendingSnapshot struct {
	CommandID    string
	StartedAt    time.Time
	LastCommand  fileevent.Phase
}

// NodeState is the single owned, lock-guarded structure backing spec §3's
// NodeState data model. Every field is mutated exclusively through
// Controller methods.
type NodeState struct {
	mu sync.Mutex

	clientID string

	lockdown bool
	gate     *Gate

	vectorClock VectorClock

	metadataCache map[string]fileevent.FileMeta

	velocityWindow []time.Time

	lastSnapshotCommandID string
	pendingSnapshots      map[string]*PendingSnapshot
}

// VectorClock is the node-local live view; callers get snapshots via
// Clock(), never the live map, to avoid aliasing across the lock boundary.
type VectorClock = fileevent.VectorClock

// NewNodeState constructs a NodeState for clientID with an open gate and
// an empty clock component for clientID pre-seeded at zero.
func NewNodeState(clientID string) *NodeState {
	return &NodeState{
		clientID:         clientID,
		gate:             NewGate(),
		vectorClock:      VectorClock{clientID: 0},
		metadataCache:    make(map[string]fileevent.FileMeta),
		velocityWindow:   make([]time.Time, 0, 10),
		pendingSnapshots: make(map[string]*PendingSnapshot),
	}
}

// ClientID returns this node's stable identifier.
func (s *NodeState) ClientID() string { return s.clientID }

// Lockdown reports whether the node is currently in containment lockdown
// (I1: no local mutation path writes while true).
func (s *NodeState) Lockdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockdown
}

// Gate exposes the write gate so blocking callers (mutator, replication
// receiver) can wait on it without a Controller round-trip per operation.
func (s *NodeState) Gate() *Gate { return s.gate }

// Clock returns an independent copy of the current vector clock.
func (s *NodeState) Clock() VectorClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vectorClock.Clone()
}

// CachedMeta returns the cached size/mtime for path, if any.
func (s *NodeState) CachedMeta(path string) (fileevent.FileMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metadataCache[path]
	return m, ok
}
