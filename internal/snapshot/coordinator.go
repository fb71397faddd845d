package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/fabric/internal/eventbus"
	"github.com/ocx/fabric/internal/store"
	"github.com/ocx/fabric/pkg/fileevent"
)

// NodeAddr is one finance node's HTTP control-plane endpoint.
type NodeAddr struct {
	ClientID string
	BaseURL  string
}

// Coordinator drives the PREPARE/PERFORM/COMMIT barrier on a fixed cadence,
// grounded on original_source/recovery/scheduler.py's snapshot_loop and
// results_listener, adapted from pika/requests to eventbus.Adapter and a
// plain http.Client.
type Coordinator struct {
	bus           eventbus.Adapter
	store         *store.Store
	nodes         []NodeAddr
	requiredNodes map[string]bool
	httpClient    *http.Client

	prepareTimeout time.Duration
	commitTimeout  time.Duration
	roundInterval  time.Duration
	pendingTimeout time.Duration

	log *slog.Logger

	mu      sync.Mutex
	pending map[string]map[string]string // command_id -> client_id -> snapshot_handle
}

// NewCoordinator wires a Coordinator that drives nodes over HTTP and
// broadcasts PERFORM over bus, persisting results to st. pendingTimeout
// bounds how long a round waits for quorum-DONE once PERFORM has been
// published before it is force-committed (§5: "if PERFORM results do not
// all arrive within one round interval, the coordinator issues COMMIT and
// moves on").
func NewCoordinator(bus eventbus.Adapter, st *store.Store, nodes []NodeAddr, requiredNodes []string, prepareTimeout, commitTimeout, roundInterval, pendingTimeout time.Duration) *Coordinator {
	required := make(map[string]bool, len(requiredNodes))
	for _, n := range requiredNodes {
		required[n] = true
	}
	return &Coordinator{
		bus:            bus,
		store:          st,
		nodes:          nodes,
		requiredNodes:  required,
		httpClient:     &http.Client{},
		prepareTimeout: prepareTimeout,
		commitTimeout:  commitTimeout,
		roundInterval:  roundInterval,
		pendingTimeout: pendingTimeout,
		log:            slog.With("component", "snapshot.coordinator"),
		pending:        make(map[string]map[string]string),
	}
}

// NewNodeAddr constructs a NodeAddr for NewCoordinator's nodes slice.
func NewNodeAddr(clientID, baseURL string) NodeAddr {
	return NodeAddr{ClientID: clientID, BaseURL: baseURL}
}

// Run drives the PREPARE/PERFORM/COMMIT loop until ctx is cancelled,
// sleeping roundInterval between rounds (§4.4).
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.bus.DeclareFanout(ctx, performExchange); err != nil {
		return fmt.Errorf("declare %s fanout: %w", performExchange, err)
	}
	if err := c.bus.DeclareQueue(ctx, resultsQueue); err != nil {
		return fmt.Errorf("declare %s queue: %w", resultsQueue, err)
	}
	unsubscribe, err := c.bus.Subscribe(ctx, resultsQueue, c.handleResult)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", resultsQueue, err)
	}
	defer unsubscribe()

	ticker := time.NewTicker(c.roundInterval)
	defer ticker.Stop()

	c.runRound(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.runRound(ctx)
		}
	}
}

func (c *Coordinator) runRound(ctx context.Context) {
	commandID := uuid.NewString()
	c.log.Info("starting snapshot round", "command_id", commandID)

	allReady, prepResults := c.prepareAllParallel(ctx, commandID)
	for node, ok := range prepResults {
		if ok {
			c.log.Debug("prepare ok", "node", node, "command_id", commandID)
		} else {
			c.log.Warn("prepare failed", "node", node, "command_id", commandID)
		}
	}

	if !allReady {
		c.log.Warn("aborting snapshot round: not all nodes ready", "command_id", commandID)
		c.commitAllParallel(ctx, commandID)
		return
	}

	c.mu.Lock()
	c.pending[commandID] = make(map[string]string)
	c.mu.Unlock()

	cmd := fileevent.SnapshotCommand{
		CommandID: commandID,
		Phase:     fileevent.PhasePerform,
		WallTS:    time.Now(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		c.log.Error("failed to marshal snapshot command", "error", err)
		return
	}
	if err := c.bus.Publish(ctx, performExchange, payload); err != nil {
		c.log.Error("failed to publish PERFORM, unfreezing nodes", "command_id", commandID, "error", err)
		c.commitAllParallel(ctx, commandID)
		c.clearPending(commandID)
		return
	}

	// PERFORM went out; bound how long we wait for quorum-DONE before
	// force-committing, so a down or partitioned node can't leave this
	// round's entry (and that node's write gate) pending forever.
	time.AfterFunc(c.pendingTimeout, func() {
		c.expirePending(commandID)
	})
}

// expirePending force-commits a round that is still awaiting quorum once
// pendingTimeout has elapsed since PERFORM was published. A no-op if the
// round already reached quorum-DONE or FAILED and cleared itself.
func (c *Coordinator) expirePending(commandID string) {
	c.mu.Lock()
	_, stillPending := c.pending[commandID]
	c.mu.Unlock()
	if !stillPending {
		return
	}

	c.log.Warn("snapshot round timed out waiting for quorum, forcing commit", "command_id", commandID)
	c.commitAllParallel(context.Background(), commandID)
	c.clearPending(commandID)
}

// prepareAllParallel fans PREPARE out to every node with prepareTimeout per
// call, aborting the round (all_ready=false) on any failure.
func (c *Coordinator) prepareAllParallel(ctx context.Context, commandID string) (bool, map[string]bool) {
	results := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, n := range c.nodes {
		wg.Add(1)
		go func(n NodeAddr) {
			defer wg.Done()
			ok := c.postPhase(ctx, n, "/snapshot/prepare", commandID, c.prepareTimeout)
			mu.Lock()
			results[n.ClientID] = ok
			mu.Unlock()
		}(n)
	}
	wg.Wait()

	allReady := true
	for _, ok := range results {
		if !ok {
			allReady = false
		}
	}
	return allReady, results
}

// commitAllParallel fans COMMIT out to every node, best-effort: a failure
// here is only logged, and that node's gate stays closed until a later
// COMMIT arrives or its own pending-snapshot sweep reopens it (R1 still
// holds — a repeated COMMIT once the node recovers is a no-op).
func (c *Coordinator) commitAllParallel(ctx context.Context, commandID string) (bool, map[string]bool) {
	results := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, n := range c.nodes {
		wg.Add(1)
		go func(n NodeAddr) {
			defer wg.Done()
			ok := c.postPhase(ctx, n, "/snapshot/commit", commandID, c.commitTimeout)
			mu.Lock()
			results[n.ClientID] = ok
			mu.Unlock()
		}(n)
	}
	wg.Wait()

	allOK := true
	for node, ok := range results {
		if !ok {
			allOK = false
			c.log.Warn("commit failed", "node", node, "command_id", commandID)
		}
	}
	return allOK, results
}

func (c *Coordinator) postPhase(ctx context.Context, n NodeAddr, path, commandID string, timeout time.Duration) bool {
	body, err := json.Marshal(fileevent.SnapshotCommand{CommandID: commandID, WallTS: time.Now()})
	if err != nil {
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, n.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("node unreachable", "node", n.ClientID, "path", path, "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// handleResult consumes SnapshotResult messages from the durable results
// queue, persisting each and committing the round once every required node
// has reported DONE, or immediately on any FAILED (original_source's
// results_listener).
func (c *Coordinator) handleResult(msg eventbus.Message) {
	var result fileevent.SnapshotResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		c.log.Warn("malformed snapshot result, dropping", "error", err)
		return
	}
	if result.CommandID == "" || result.ClientID == "" {
		return
	}

	ctx := context.Background()
	if c.store != nil {
		if storeErr := c.store.UpsertResult(ctx, store.Result{
			CommandID:      result.CommandID,
			ClientID:       result.ClientID,
			Status:         string(result.Status),
			SnapshotHandle: result.SnapshotHandle,
			Error:          result.Error,
		}); storeErr != nil {
			c.log.Error("failed to persist snapshot result", "error", storeErr)
		}
	}

	switch result.Status {
	case fileevent.ResultDone:
		c.mu.Lock()
		done := c.pending[result.CommandID]
		if done == nil {
			done = make(map[string]string)
			c.pending[result.CommandID] = done
		}
		done[result.ClientID] = result.SnapshotHandle
		quorumMet := c.hasQuorumLocked(result.CommandID)
		c.mu.Unlock()

		if quorumMet {
			c.log.Info("all required nodes done, committing round", "command_id", result.CommandID)
			c.commitAllParallel(ctx, result.CommandID)
			c.clearPending(result.CommandID)
		}

	case fileevent.ResultFailed:
		c.log.Warn("snapshot failed on node, unfreezing round", "command_id", result.CommandID, "client_id", result.ClientID, "error", result.Error)
		c.commitAllParallel(ctx, result.CommandID)
		c.clearPending(result.CommandID)
	}
}

func (c *Coordinator) hasQuorumLocked(commandID string) bool {
	done := c.pending[commandID]
	for node := range c.requiredNodes {
		if _, ok := done[node]; !ok {
			return false
		}
	}
	return true
}

func (c *Coordinator) clearPending(commandID string) {
	c.mu.Lock()
	delete(c.pending, commandID)
	c.mu.Unlock()
}
