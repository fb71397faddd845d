package snapshot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/fabric/internal/eventbus"
	"github.com/ocx/fabric/pkg/fileevent"
)

// fakeBus is the same minimal in-memory eventbus.Adapter used by the
// replication package's tests.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string][]eventbus.Handler
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string][]eventbus.Handler)}
}

func (f *fakeBus) DeclareFanout(ctx context.Context, name string) error { return nil }
func (f *fakeBus) DeclareQueue(ctx context.Context, name string) error  { return nil }

func (f *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	hs := append([]eventbus.Handler(nil), f.handlers[channel]...)
	f.mu.Unlock()
	for _, h := range hs {
		go h(eventbus.Message{Payload: payload})
	}
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, channel string, handler eventbus.Handler) (func(), error) {
	f.mu.Lock()
	f.handlers[channel] = append(f.handlers[channel], handler)
	f.mu.Unlock()
	return func() {}, nil
}

func (f *fakeBus) Close() error { return nil }

var _ eventbus.Adapter = (*fakeBus)(nil)

// fakeNodeServer is a per-node httptest server recording which phases it
// received, letting tests simulate a node that fails PREPARE.
type fakeNodeServer struct {
	srv         *httptest.Server
	failPrepare bool

	mu      sync.Mutex
	commits int
}

func newFakeNodeServer(failPrepare bool) *fakeNodeServer {
	f := &fakeNodeServer{failPrepare: failPrepare}
	mux := http.NewServeMux()
	mux.HandleFunc("/snapshot/prepare", func(w http.ResponseWriter, r *http.Request) {
		if f.failPrepare {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/snapshot/commit", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.commits++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeNodeServer) Close() { f.srv.Close() }

func (f *fakeNodeServer) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

// TestCoordinator_AbortsRoundOnPrepareFailure covers P3: if any node fails
// PREPARE the round commits (unfreezes) immediately instead of publishing
// PERFORM.
func TestCoordinator_AbortsRoundOnPrepareFailure(t *testing.T) {
	bus := newFakeBus()

	ok := newFakeNodeServer(false)
	defer ok.Close()
	bad := newFakeNodeServer(true)
	defer bad.Close()

	var performSeen int
	_, err := bus.Subscribe(context.Background(), performExchange, func(msg eventbus.Message) {
		performSeen++
	})
	require.NoError(t, err)

	coord := NewCoordinator(bus, nil, []NodeAddr{
		NewNodeAddr("finance1", ok.srv.URL),
		NewNodeAddr("finance2", bad.srv.URL),
	}, []string{"finance1", "finance2"}, 2*time.Second, 2*time.Second, time.Hour, time.Hour)

	coord.runRound(context.Background())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, performSeen, "a failed PREPARE must not be followed by PERFORM")
}

// TestCoordinator_PublishesPerformWhenAllReady covers P3/S4: once every node
// acks PREPARE, the coordinator broadcasts a PERFORM command carrying the
// same command_id.
func TestCoordinator_PublishesPerformWhenAllReady(t *testing.T) {
	bus := newFakeBus()

	n1 := newFakeNodeServer(false)
	defer n1.Close()
	n2 := newFakeNodeServer(false)
	defer n2.Close()

	received := make(chan fileevent.SnapshotCommand, 1)
	_, err := bus.Subscribe(context.Background(), performExchange, func(msg eventbus.Message) {
		var cmd fileevent.SnapshotCommand
		if jsonErr := json.Unmarshal(msg.Payload, &cmd); jsonErr == nil {
			received <- cmd
		}
	})
	require.NoError(t, err)

	coord := NewCoordinator(bus, nil, []NodeAddr{
		NewNodeAddr("finance1", n1.srv.URL),
		NewNodeAddr("finance2", n2.srv.URL),
	}, []string{"finance1", "finance2"}, 2*time.Second, 2*time.Second, time.Hour, time.Hour)

	coord.runRound(context.Background())

	select {
	case cmd := <-received:
		assert.Equal(t, fileevent.PhasePerform, cmd.Phase)
		assert.NotEmpty(t, cmd.CommandID)
	case <-time.After(time.Second):
		t.Fatal("expected a PERFORM command to be published")
	}
}

// TestCoordinator_QuorumTriggersCommit covers R1/S5: once every required
// node reports DONE for a command, the coordinator fans out COMMIT.
func TestCoordinator_QuorumTriggersCommit(t *testing.T) {
	bus := newFakeBus()

	n1 := newFakeNodeServer(false)
	defer n1.Close()
	n2 := newFakeNodeServer(false)
	defer n2.Close()

	coord := NewCoordinator(bus, nil, []NodeAddr{
		NewNodeAddr("finance1", n1.srv.URL),
		NewNodeAddr("finance2", n2.srv.URL),
	}, []string{"finance1", "finance2"}, 2*time.Second, 2*time.Second, time.Hour, time.Hour)
	coord.store = nil

	ctx := context.Background()
	require.NoError(t, coord.bus.DeclareQueue(ctx, resultsQueue))
	unsub, err := coord.bus.Subscribe(ctx, resultsQueue, coord.handleResult)
	require.NoError(t, err)
	defer unsub()

	commandID := "cmd-quorum"
	coord.mu.Lock()
	coord.pending[commandID] = make(map[string]string)
	coord.mu.Unlock()

	publishResult := func(clientID string) {
		res := fileevent.SnapshotResult{
			CommandID:      commandID,
			ClientID:       clientID,
			Status:         fileevent.ResultDone,
			SnapshotHandle: "/data/snapshots/" + commandID + "/" + clientID,
		}
		payload, marshalErr := json.Marshal(res)
		require.NoError(t, marshalErr)
		require.NoError(t, coord.bus.Publish(ctx, resultsQueue, payload))
	}

	publishResult("finance1")
	time.Sleep(20 * time.Millisecond)
	publishResult("finance2")

	require.Eventually(t, func() bool {
		coord.mu.Lock()
		_, stillPending := coord.pending[commandID]
		coord.mu.Unlock()
		return !stillPending
	}, time.Second, 10*time.Millisecond, "pending entry should clear once quorum commits")
}

// TestCoordinator_PendingTimeoutForcesCommit covers §5's "if PERFORM results
// do not all arrive within one round interval, the coordinator issues
// COMMIT and moves on": a node that never reports a result must not leave
// its round pending forever.
func TestCoordinator_PendingTimeoutForcesCommit(t *testing.T) {
	bus := newFakeBus()

	n1 := newFakeNodeServer(false)
	defer n1.Close()
	n2 := newFakeNodeServer(false)
	defer n2.Close()

	coord := NewCoordinator(bus, nil, []NodeAddr{
		NewNodeAddr("finance1", n1.srv.URL),
		NewNodeAddr("finance2", n2.srv.URL),
	}, []string{"finance1", "finance2"}, 2*time.Second, 2*time.Second, time.Hour, 50*time.Millisecond)

	// Neither node will ever publish a SnapshotResult, simulating both
	// being down or partitioned after PREPARE/PERFORM succeed.
	coord.runRound(context.Background())

	require.Eventually(t, func() bool {
		coord.mu.Lock()
		pendingCount := len(coord.pending)
		coord.mu.Unlock()
		return pendingCount == 0
	}, time.Second, 10*time.Millisecond, "pending entry should clear once pendingTimeout elapses")

	assert.Positive(t, n1.commitCount(), "expected a forced COMMIT to finance1")
	assert.Positive(t, n2.commitCount(), "expected a forced COMMIT to finance2")
}
