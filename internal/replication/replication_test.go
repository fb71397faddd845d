package replication

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/fabric/internal/eventbus"
	"github.com/ocx/fabric/internal/mutator"
	"github.com/ocx/fabric/internal/node"
	"github.com/ocx/fabric/pkg/fileevent"
)

func readFile(dir, filename string) ([]byte, error) {
	return os.ReadFile(filepath.Join(dir, filename))
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// fakeBus is a minimal in-memory eventbus.Adapter standing in for Redis in
// unit tests: every Publish call fans out to every current Subscribe
// handler on that channel, each on its own goroutine, matching the fanout
// semantics the real broker provides.
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

// TestBroadcastAndApply covers R2: writing content to the primary produces
// a file with that content on the peer, and P2: the primary's vector clock
// strictly advanced before publication.
func TestBroadcastAndApply(t *testing.T) {
	bus := newFakeBus()

	primaryDir := t.TempDir()
	peerDir := t.TempDir()

	primaryCtrl := node.NewController(node.NewNodeState("finance1"))
	peerCtrl := node.NewController(node.NewNodeState("finance2"))

	peerMutator := mutator.New(peerDir, peerCtrl)
	peerReceiver := NewReceiver(bus, peerCtrl, peerMutator)
	unsub, err := peerReceiver.Start(context.Background())
	require.NoError(t, err)
	defer unsub()

	broadcaster := NewBroadcaster(bus, primaryCtrl, 1, 2*time.Second)

	clockBefore := primaryCtrl.State().Clock()["finance1"]

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, broadcaster.Send(ctx, fileevent.OpCreate, "notes.txt", []byte("hello")))

	clockAfter := primaryCtrl.State().Clock()["finance1"]
	assert.Greater(t, clockAfter, clockBefore)

	require.Eventually(t, func() bool {
		data, err := readFile(peerDir, "notes.txt")
		return err == nil && string(data) == "hello"
	}, time.Second, 10*time.Millisecond)

	_ = primaryDir
}

// TestReceiver_DiscardsStaleClock covers P4/I4: a replayed op whose clock
// does not exceed the peer's recorded view of the sender is discarded.
func TestReceiver_DiscardsStaleClock(t *testing.T) {
	bus := newFakeBus()
	peerDir := t.TempDir()

	peerCtrl := node.NewController(node.NewNodeState("finance2"))
	peerMutator := mutator.New(peerDir, peerCtrl)
	receiver := NewReceiver(bus, peerCtrl, peerMutator)
	unsub, err := receiver.Start(context.Background())
	require.NoError(t, err)
	defer unsub()

	op := fileevent.ReplicationOp{
		SenderID:      "finance1",
		Op:            fileevent.OpCreate,
		Filename:      "stale.txt",
		Content:       []byte("x"),
		CorrelationID: "c1",
		VectorClock:   fileevent.VectorClock{"finance1": 0},
	}
	receiver.handle(eventbus.Message{Payload: mustMarshal(t, op)})

	time.Sleep(50 * time.Millisecond)
	_, err = readFile(peerDir, "stale.txt")
	assert.Error(t, err, "op with non-advancing clock must not be applied")
}

// TestReceiver_IgnoresOwnEcho covers the finance_sync echo-suppression rule.
func TestReceiver_IgnoresOwnEcho(t *testing.T) {
	bus := newFakeBus()
	dir := t.TempDir()

	ctrl := node.NewController(node.NewNodeState("finance1"))
	mut := mutator.New(dir, ctrl)
	receiver := NewReceiver(bus, ctrl, mut)
	unsub, err := receiver.Start(context.Background())
	require.NoError(t, err)
	defer unsub()

	op := fileevent.ReplicationOp{
		SenderID:      "finance1",
		Op:            fileevent.OpCreate,
		Filename:      "echo.txt",
		Content:       []byte("x"),
		CorrelationID: "c1",
		VectorClock:   fileevent.VectorClock{"finance1": 1},
	}
	receiver.handle(eventbus.Message{Payload: mustMarshal(t, op)})

	time.Sleep(50 * time.Millisecond)
	_, err = readFile(dir, "echo.txt")
	assert.Error(t, err)
}
