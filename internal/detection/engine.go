// Package detection implements the Detection Engine (§4.3): it consumes
// the fleet-wide `file_events` stream, classifies each event against a
// global entropy threshold, and on a confirmed or suspected threat issues a
// synchronous fleet-wide containment order. Grounded on
// original_source/detection/detection.py's msg_callback/handle_malware.
package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/fabric/internal/containment"
	"github.com/ocx/fabric/internal/eventbus"
	"github.com/ocx/fabric/pkg/fileevent"
)

const fileEventsTopic = "file_events"

// legacyCommandsQueue is the non-durable queue the original implementation
// published lockdown broadcasts to; superseded by the Containment RPC and
// kept only for deployments that still have a legacy listener attached
// (gated behind Config.Detection.PublishLegacyCommands).
const legacyCommandsQueue = "commands"

// Engine is the fleet-wide classifier and containment trigger.
type Engine struct {
	bus              eventbus.Adapter
	fleet            *containment.FleetClient
	entropyThreshold float64
	publishLegacy    bool
	state            *DashboardState
	metrics          *Metrics
	log              *slog.Logger
}

// NewEngine wires an Engine consuming events from bus and triggering
// lockdowns through fleet.
func NewEngine(bus eventbus.Adapter, fleet *containment.FleetClient, entropyThreshold float64, publishLegacy bool, state *DashboardState, metrics *Metrics) *Engine {
	return &Engine{
		bus:              bus,
		fleet:            fleet,
		entropyThreshold: entropyThreshold,
		publishLegacy:    publishLegacy,
		state:            state,
		metrics:          metrics,
		log:              slog.With("component", "detection.engine"),
	}
}

// Start subscribes to file_events and begins classifying. Returns an
// unsubscribe function.
func (e *Engine) Start(ctx context.Context) (func(), error) {
	if err := e.bus.DeclareQueue(ctx, fileEventsTopic); err != nil {
		return nil, fmt.Errorf("declare %s queue: %w", fileEventsTopic, err)
	}
	return e.bus.Subscribe(ctx, fileEventsTopic, e.handle)
}

func (e *Engine) handle(msg eventbus.Message) {
	var event fileevent.FileEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		e.log.Warn("malformed file event, dropping", "error", err)
		return
	}

	e.metrics.EventsProcessed.WithLabelValues(event.NodeID, string(event.Kind)).Inc()
	e.metrics.EntropyObserved.WithLabelValues(event.NodeID).Observe(event.Entropy)
	e.state.LogMessageProcessing(event.NodeID, event.Path, event.Entropy, string(event.Kind))

	if event.Kind == fileevent.KindLockDown {
		e.state.LogClientStatus(event.NodeID, StatusLocked, event.Entropy, "local lockdown confirmed by node")
		return
	}

	severity := event.Classify(e.entropyThreshold)
	switch severity {
	case fileevent.SeverityConfirmed, fileevent.SeveritySuspected:
		e.metrics.ThreatsDetected.WithLabelValues(event.NodeID, string(severity)).Inc()
		e.handleThreat(event, severity)
	default:
		e.state.LogClientStatus(event.NodeID, StatusSafe, event.Entropy, "normal activity: "+event.Path)
	}
}

// handleThreat assembles a threat_id and fans a Containment RPC out to
// every known node — not only the one that reported the event, since
// lateral movement may already be underway on a peer.
func (e *Engine) handleThreat(event fileevent.FileEvent, severity fileevent.Severity) {
	alertMsg := fmt.Sprintf("%s detected: entropy %.2f on %s", severity, event.Entropy, event.Path)
	e.log.Warn(alertMsg, "node_id", event.NodeID, "event_kind", event.Kind)
	e.state.LogClientStatus(event.NodeID, StatusInfected, event.Entropy, alertMsg)

	threatID := fmt.Sprintf("RANSOM-%d", time.Now().Unix())
	reason := fmt.Sprintf("entropy threshold breached on %s (%s)", event.NodeID, event.Kind)

	results := e.fleet.TriggerFleetLockdown(context.Background(), threatID, reason)
	for _, r := range results {
		// The lockdown order is logged as issued regardless of RPC outcome:
		// the fleet was told to lock down, and that attempt is the audit
		// event, independent of whether the node answered.
		e.state.LogCommandLockdown(r.ClientID)
		if r.Err != nil {
			e.metrics.ContainmentFails.WithLabelValues(r.ClientID).Inc()
			e.log.Warn("containment RPC failed", "target_node", r.ClientID, "threat_id", threatID, "error", r.Err)
			continue
		}
		e.metrics.LockdownsIssued.WithLabelValues(r.ClientID).Inc()
		if r.ClientID != event.NodeID {
			e.state.LogClientStatus(r.ClientID, StatusLocked, 0, "system lockdown initiated")
		}
	}

	if e.publishLegacy {
		e.publishLegacyCommand(threatID, event.NodeID, reason)
	}
}

func (e *Engine) publishLegacyCommand(threatID, nodeID, reason string) {
	payload, err := json.Marshal(map[string]string{
		"type":      "LOCK_DOWN",
		"threat_id": threatID,
		"node_id":   nodeID,
		"reason":    reason,
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(context.Background(), legacyCommandsQueue, payload); err != nil {
		e.log.Warn("failed to publish legacy command", "error", err)
	}
}
