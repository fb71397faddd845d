package containment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ocx/fabric/pkg/containmentpb"
	"github.com/ocx/fabric/pkg/fileevent"
)

// FleetClient fans TriggerLockdown out to every known node, used by the
// Detection Engine. Each call gets its own timeout; one node's failure
// never blocks or cancels the calls to the others (§7: "logged; other
// nodes still contacted; engine does not block").
type FleetClient struct {
	addrs       map[string]string // client_id -> "host:port"
	callTimeout time.Duration
	log         *slog.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewFleetClient returns a client dialing each of addrs lazily on first use.
func NewFleetClient(addrs map[string]string, callTimeout time.Duration) *FleetClient {
	return &FleetClient{
		addrs:       addrs,
		callTimeout: callTimeout,
		log:         slog.With("component", "containment.client"),
		conns:       make(map[string]*grpc.ClientConn),
	}
}

func (f *FleetClient) connFor(clientID string) (*grpc.ClientConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cc, ok := f.conns[clientID]; ok {
		return cc, nil
	}
	addr, ok := f.addrs[clientID]
	if !ok {
		return nil, fmt.Errorf("no known address for node %s", clientID)
	}
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(containmentpb.Codec)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s (%s): %w", clientID, addr, err)
	}
	f.conns[clientID] = cc
	return cc, nil
}

// NodeResult is one node's outcome from a fanned-out TriggerLockdown call.
type NodeResult struct {
	ClientID string
	Response *containmentpb.LockdownResponse
	Err      error
}

// TriggerFleetLockdown calls TriggerLockdown on every node this client
// knows about, concurrently, and returns every result — including errors —
// without short-circuiting on the first failure.
func (f *FleetClient) TriggerFleetLockdown(ctx context.Context, threatID, reason string) []NodeResult {
	results := make([]NodeResult, len(f.addrs))
	var wg sync.WaitGroup
	i := 0
	for clientID := range f.addrs {
		wg.Add(1)
		idx := i
		i++
		go func(clientID string, idx int) {
			defer wg.Done()
			results[idx] = f.triggerOne(ctx, clientID, threatID, reason)
		}(clientID, idx)
	}
	wg.Wait()
	return results
}

func (f *FleetClient) triggerOne(ctx context.Context, clientID, threatID, reason string) NodeResult {
	cc, err := f.connFor(clientID)
	if err != nil {
		f.log.Warn("containment RPC dial failed", "node", clientID, "error", err)
		return NodeResult{ClientID: clientID, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()

	client := containmentpb.NewContainmentClient(cc)
	resp, err := client.TriggerLockdown(callCtx, &fileevent.LockdownRequest{
		ThreatID:     threatID,
		Reason:       reason,
		TargetedNode: fileevent.TargetAll,
		TS:           time.Now(),
	})
	if err != nil {
		f.log.Warn("containment RPC call failed", "node", clientID, "threat_id", threatID, "error", err)
		return NodeResult{ClientID: clientID, Err: err}
	}
	return NodeResult{ClientID: clientID, Response: resp}
}

// Close tears down every cached connection.
func (f *FleetClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for _, cc := range f.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
