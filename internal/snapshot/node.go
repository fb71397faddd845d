package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/fabric/internal/eventbus"
	"github.com/ocx/fabric/internal/node"
	"github.com/ocx/fabric/pkg/fileevent"
)

const (
	performExchange = "regular_snapshot"
	resultsQueue    = "snapshot_results"
)

// NodeSide implements the per-node half of the barrier: PREPARE/COMMIT are
// driven by HTTP handlers in internal/api calling Prepare/Commit directly;
// PERFORM arrives over the durable snapshot fanout and is handled here.
type NodeSide struct {
	ctrl     *node.Controller
	bus      eventbus.Adapter
	producer *Producer
	log      *slog.Logger
}

// NewNodeSide wires the node-side barrier handlers.
func NewNodeSide(ctrl *node.Controller, bus eventbus.Adapter, producer *Producer) *NodeSide {
	return &NodeSide{
		ctrl:     ctrl,
		bus:      bus,
		producer: producer,
		log:      slog.With("component", "snapshot.node"),
	}
}

// Prepare closes the write gate (I2). Idempotent: re-closing an
// already-closed gate is a no-op, matching "duplicate PREPARE for an
// already-closed gate simply re-returns 200".
func (n *NodeSide) Prepare(commandID string) {
	n.ctrl.CloseGate()
	n.ctrl.TrackPendingSnapshot(commandID, fileevent.PhasePrepare)
}

// Commit opens the write gate. Idempotent (R1): opening an already-open
// gate is a no-op.
func (n *NodeSide) Commit(commandID string) {
	n.ctrl.OpenGate()
	n.ctrl.ClearPendingSnapshot(commandID)
}

// Start subscribes to the durable PERFORM fanout and begins producing
// snapshots on receipt.
func (n *NodeSide) Start(ctx context.Context) (func(), error) {
	if err := n.bus.DeclareFanout(ctx, performExchange); err != nil {
		return nil, fmt.Errorf("declare %s fanout: %w", performExchange, err)
	}
	if err := n.bus.DeclareQueue(ctx, resultsQueue); err != nil {
		return nil, fmt.Errorf("declare %s queue: %w", resultsQueue, err)
	}
	return n.bus.Subscribe(ctx, performExchange, n.handlePerform)
}

// StartPendingSweep periodically force-clears pending-snapshot bookkeeping
// older than timeout, reopening the write gate if it finds any. Covers a
// coordinator that never sends COMMIT for a round this node already
// PREPAREd or PERFORMed against.
func (n *NodeSide) StartPendingSweep(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.ctrl.SweepStalePendingSnapshots(timeout)
			}
		}
	}()
}

func (n *NodeSide) handlePerform(msg eventbus.Message) {
	var cmd fileevent.SnapshotCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		n.log.Warn("malformed snapshot command, dropping", "error", err)
		return
	}

	// Duplicate PERFORM for the same command_id is deduplicated at the
	// node: remember the last command_id, skip if equal.
	if n.ctrl.TrackPendingSnapshot(cmd.CommandID, fileevent.PhasePerform) {
		n.log.Debug("duplicate PERFORM, skipping", "command_id", cmd.CommandID)
		return
	}

	clientID := n.ctrl.State().ClientID()
	handle, err := n.producer.Produce(cmd.CommandID, clientID)

	result := fileevent.SnapshotResult{
		CommandID: cmd.CommandID,
		ClientID:  clientID,
		WallTS:    time.Now(),
	}
	if err != nil {
		n.log.Warn("snapshot production failed", "command_id", cmd.CommandID, "error", err)
		result.Status = fileevent.ResultFailed
		result.Error = err.Error()
	} else {
		result.Status = fileevent.ResultDone
		result.SnapshotHandle = handle
	}

	payload, err := json.Marshal(result)
	if err != nil {
		n.log.Warn("failed to marshal snapshot result", "error", err)
		return
	}
	if err := n.bus.Publish(context.Background(), resultsQueue, payload); err != nil {
		n.log.Warn("failed to publish snapshot result", "error", err)
	}
}
