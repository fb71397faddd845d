package node

import (
	"log/slog"
	"time"

	"github.com/ocx/fabric/pkg/fileevent"
)

// Controller is the per-node wiring point spec §4.6 describes: it owns the
// only NodeState mutators and starts every other subsystem against it.
// Detector, replication, snapshot, and containment all hold a *Controller
// and call its methods instead of touching NodeState fields.
type Controller struct {
	state *NodeState
	log   *slog.Logger
}

// NewController wraps state with the mutation surface other subsystems use.
func NewController(state *NodeState) *Controller {
	return &Controller{
		state: state,
		log:   slog.With("component", "controller", "client_id", state.ClientID()),
	}
}

// State returns the read-only capability surface (Lockdown/Gate/Clock/CachedMeta).
func (c *Controller) State() *NodeState { return c.state }

// SetLockdown sets the containment flag. Per I1, once true, Local Mutator
// and the replication Receiver must refuse all writes; per I5 the Detector
// must stop emitting.
func (c *Controller) SetLockdown(v bool) {
	c.state.mu.Lock()
	c.state.lockdown = v
	c.state.mu.Unlock()
	c.log.Info("lockdown state changed", "lockdown", v)
}

// CloseGate closes the write gate (PREPARE side of the barrier, I2).
func (c *Controller) CloseGate() {
	c.state.gate.Close()
	c.log.Debug("write gate closed")
}

// OpenGate opens the write gate (COMMIT side of the barrier).
func (c *Controller) OpenGate() {
	c.state.gate.Open()
	c.log.Debug("write gate opened")
}

// BumpClock increments the node's own vector-clock component and returns a
// snapshot of the resulting clock, satisfying I3: the increment happens
// under the same lock that will be read by the caller publishing the op,
// so there is no window where a second local mutation could observe and
// republish a stale value.
func (c *Controller) BumpClock() VectorClock {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.vectorClock[c.state.clientID]++
	return c.state.vectorClock.Clone()
}

// AdmitRemoteOp implements I4: a replication op is applied iff the sender's
// component in the incoming clock strictly exceeds this node's recorded
// view of that sender. On admission the local view is advanced by merge
// (component-wise max) so replays and duplicate delivery are rejected.
func (c *Controller) AdmitRemoteOp(op fileevent.ReplicationOp) bool {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()

	incoming := op.VectorClock[op.SenderID]
	local := c.state.vectorClock[op.SenderID]
	if incoming <= local {
		return false
	}
	c.state.vectorClock.Merge(op.VectorClock)
	return true
}

// UpdateMeta refreshes the cached size/mtime for path after a local or
// replicated mutation settles.
func (c *Controller) UpdateMeta(path string, meta fileevent.FileMeta) {
	c.state.mu.Lock()
	c.state.metadataCache[path] = meta
	c.state.mu.Unlock()
}

// RecordModify appends now to the bounded velocity window (capacity 10,
// oldest dropped) and reports whether the window is full and its span is
// under the velocity threshold — B3's "10 modifications within 0.99s"
// fires on the 10th.
func (c *Controller) RecordModify(now time.Time, windowSize int, threshold time.Duration) bool {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()

	w := append(c.state.velocityWindow, now)
	if len(w) > windowSize {
		w = w[len(w)-windowSize:]
	}
	c.state.velocityWindow = w

	if len(w) < windowSize {
		return false
	}
	return w[windowSize-1].Sub(w[0]) < threshold
}

// TrackPendingSnapshot records that this node has accepted a phase for
// command_id, used for the node-side PERFORM dedup (idempotency: "remember
// last command_id; skip if equal").
func (c *Controller) TrackPendingSnapshot(commandID string, phase fileevent.Phase) (alreadySeen bool) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()

	if phase == fileevent.PhasePerform && c.state.lastSnapshotCommandID == commandID {
		return true
	}
	if phase == fileevent.PhasePerform {
		c.state.lastSnapshotCommandID = commandID
	}
	c.state.pendingSnapshots[commandID] = &PendingSnapshot{
		CommandID:   commandID,
		StartedAt:   time.Now(),
		LastCommand: phase,
	}
	return false
}

// ClearPendingSnapshot drops the bookkeeping entry for a completed round.
func (c *Controller) ClearPendingSnapshot(commandID string) {
	c.state.mu.Lock()
	delete(c.state.pendingSnapshots, commandID)
	c.state.mu.Unlock()
}

// SweepStalePendingSnapshots drops any pending-snapshot entry older than
// timeout and reopens the write gate, the node-side half of the pending
// round bound: if the coordinator crashes or is partitioned away after
// PREPARE/PERFORM but before COMMIT arrives, the node must not sit frozen
// indefinitely. Returns the expired command_ids for logging.
func (c *Controller) SweepStalePendingSnapshots(timeout time.Duration) []string {
	c.state.mu.Lock()
	var expired []string
	now := time.Now()
	for id, p := range c.state.pendingSnapshots {
		if now.Sub(p.StartedAt) > timeout {
			expired = append(expired, id)
			delete(c.state.pendingSnapshots, id)
		}
	}
	c.state.mu.Unlock()

	if len(expired) > 0 {
		c.state.gate.Open()
		c.log.Warn("pending snapshot entries timed out, reopening gate", "command_ids", expired)
	}
	return expired
}
