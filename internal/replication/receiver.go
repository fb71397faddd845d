package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ocx/fabric/internal/eventbus"
	"github.com/ocx/fabric/internal/mutator"
	"github.com/ocx/fabric/internal/node"
	"github.com/ocx/fabric/pkg/fileevent"
)

// Receiver applies inbound ReplicationOps to the local filesystem. It
// subscribes to the shared `finance_sync` fanout, discards its own echoes
// and clock-stale ops (I4), waits on the write gate like every other write
// path (I2), and replies with a SyncAck once the mutation lands.
type Receiver struct {
	bus     eventbus.Adapter
	ctrl    *node.Controller
	mutator *mutator.Mutator
	log     *slog.Logger
}

// NewReceiver wires a Receiver for ctrl's node, applying accepted ops
// through mut.
func NewReceiver(bus eventbus.Adapter, ctrl *node.Controller, mut *mutator.Mutator) *Receiver {
	return &Receiver{
		bus:     bus,
		ctrl:    ctrl,
		mutator: mut,
		log:     slog.With("component", "replication.receiver"),
	}
}

// Start declares the fanout exchange and subscribes, returning an
// unsubscribe function.
func (r *Receiver) Start(ctx context.Context) (func(), error) {
	if err := r.bus.DeclareFanout(ctx, financeSyncExchange); err != nil {
		return nil, fmt.Errorf("declare finance_sync fanout: %w", err)
	}
	return r.bus.Subscribe(ctx, financeSyncExchange, r.handle)
}

func (r *Receiver) handle(msg eventbus.Message) {
	var op fileevent.ReplicationOp
	if err := json.Unmarshal(msg.Payload, &op); err != nil {
		r.log.Warn("malformed replication op, dropping", "error", err)
		return
	}

	// Echo suppression: I4's clock check is authoritative dedup, but
	// skip our own messages outright to avoid redundant gate waits.
	if op.SenderID == r.ctrl.State().ClientID() {
		return
	}

	// Every peer-originated write blocks on the gate exactly like a
	// local API write (I2).
	r.ctrl.State().Gate().Wait()

	if r.ctrl.State().Lockdown() {
		r.log.Debug("dropping replication op: node in lockdown", "filename", op.Filename)
		return
	}

	if !r.ctrl.AdmitRemoteOp(op) {
		r.log.Debug("discarding stale replication op", "sender", op.SenderID, "filename", op.Filename)
		return
	}

	if err := r.apply(op); err != nil {
		r.log.Warn("failed to apply replication op", "sender", op.SenderID, "filename", op.Filename, "error", err)
		return
	}

	r.ack(op)
}

func (r *Receiver) apply(op fileevent.ReplicationOp) error {
	switch op.Op {
	case fileevent.OpCreate:
		return r.mutator.Create(op.Filename, op.Content)
	case fileevent.OpWrite:
		_, err := r.mutator.Append(op.Filename, op.Content)
		return err
	case fileevent.OpDelete:
		return r.mutator.Delete(op.Filename)
	default:
		return fmt.Errorf("unknown replication op kind: %s", op.Op)
	}
}

func (r *Receiver) ack(op fileevent.ReplicationOp) {
	ack := fileevent.SyncAck{
		SenderID:      r.ctrl.State().ClientID(),
		CorrelationID: op.CorrelationID,
		Status:        "ACK",
	}
	payload, err := json.Marshal(ack)
	if err != nil {
		r.log.Warn("failed to marshal sync ack", "error", err)
		return
	}
	replyQueue := "reply." + op.CorrelationID
	if err := r.bus.Publish(context.Background(), replyQueue, payload); err != nil {
		r.log.Warn("failed to publish sync ack", "error", err)
	}
}
