// Package replication implements the fanout broadcast-and-await protocol of
// spec §4.2: every locally-accepted mutation is published on the
// `finance_sync` exchange, with a private per-op reply channel collecting
// ACKs up to a soft quorum or a timeout, whichever comes first.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/fabric/internal/eventbus"
	"github.com/ocx/fabric/internal/node"
	"github.com/ocx/fabric/pkg/fileevent"
)

const financeSyncExchange = "finance_sync"

// Broadcaster publishes locally-originated mutations and waits for a
// best-effort ACK quorum (§4.2: returns success either way — ACK count is
// observational).
type Broadcaster struct {
	bus        eventbus.Adapter
	ctrl       *node.Controller
	ackQuorum  int
	ackTimeout time.Duration
	log        *slog.Logger
}

// NewBroadcaster returns a Broadcaster publishing on bus for ctrl's node,
// waiting for ackQuorum distinct-sender ACKs or ackTimeout, whichever is
// first.
func NewBroadcaster(bus eventbus.Adapter, ctrl *node.Controller, ackQuorum int, ackTimeout time.Duration) *Broadcaster {
	return &Broadcaster{
		bus:        bus,
		ctrl:       ctrl,
		ackQuorum:  ackQuorum,
		ackTimeout: ackTimeout,
		log:        slog.With("component", "replication.broadcaster"),
	}
}

// Send publishes op's content as a ReplicationOp: bumps the local vector
// clock (I3), attaches a fresh correlation id and a private reply
// subscription, and waits up to ackTimeout for ackQuorum distinct senders
// to ACK before returning. The return value is always nil on successful
// publish — the ACK wait is observational, not a commit gate.
func (b *Broadcaster) Send(ctx context.Context, op fileevent.Op, filename string, content []byte) error {
	clock := b.ctrl.BumpClock()
	correlationID := uuid.NewString()

	replyQueue := "reply." + correlationID
	if err := b.bus.DeclareQueue(ctx, replyQueue); err != nil {
		return fmt.Errorf("declare reply queue: %w", err)
	}

	replOp := fileevent.ReplicationOp{
		SenderID:      b.ctrl.State().ClientID(),
		Op:            op,
		Filename:      filename,
		Content:       content,
		CorrelationID: correlationID,
		VectorClock:   clock,
	}
	payload, err := json.Marshal(replOp)
	if err != nil {
		return fmt.Errorf("marshal replication op: %w", err)
	}

	acks := make(map[string]bool, b.ackQuorum)
	ackCh := make(chan fileevent.SyncAck, 16)

	waitCtx, cancel := context.WithTimeout(ctx, b.ackTimeout)
	defer cancel()

	unsubscribe, err := b.bus.Subscribe(waitCtx, replyQueue, func(msg eventbus.Message) {
		var ack fileevent.SyncAck
		if jsonErr := json.Unmarshal(msg.Payload, &ack); jsonErr != nil {
			return
		}
		if ack.CorrelationID != correlationID {
			return
		}
		select {
		case ackCh <- ack:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to reply queue: %w", err)
	}
	defer unsubscribe()

	if err := b.bus.Publish(ctx, financeSyncExchange, payload); err != nil {
		return fmt.Errorf("publish replication op: %w", err)
	}

	deadline := time.NewTimer(b.ackTimeout)
	defer deadline.Stop()

waitLoop:
	for len(acks) < b.ackQuorum {
		select {
		case ack := <-ackCh:
			acks[ack.SenderID] = true
		case <-deadline.C:
			b.log.Warn("replication ack quorum timeout",
				"filename", filename, "received", len(acks), "quorum", b.ackQuorum)
			break waitLoop
		case <-ctx.Done():
			return nil
		}
	}

	b.log.Debug("replication broadcast complete", "filename", filename, "acks", len(acks))
	return nil
}
