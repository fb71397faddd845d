package detection

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/fabric/internal/containment"
	"github.com/ocx/fabric/internal/eventbus"
	"github.com/ocx/fabric/pkg/fileevent"
)

type fakeBus struct {
	mu       sync.Mutex
	handlers map[string][]eventbus.Handler
	published map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers:  make(map[string][]eventbus.Handler),
		published: make(map[string][][]byte),
	}
}

func (f *fakeBus) DeclareFanout(ctx context.Context, name string) error { return nil }
func (f *fakeBus) DeclareQueue(ctx context.Context, name string) error  { return nil }

func (f *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	f.published[channel] = append(f.published[channel], payload)
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

// TestEngine_LowEntropyMarksSafe covers the benign branch: an event below
// threshold never reaches the containment path.
func TestEngine_LowEntropyMarksSafe(t *testing.T) {
	bus := newFakeBus()
	state := NewDashboardState([]string{"finance1"}, "")
	fleet := containment.NewFleetClient(map[string]string{}, time.Second)

	engine := NewEngine(bus, fleet, 7.5, false, state, NewMetrics())

	event := fileevent.FileEvent{NodeID: "finance1", Path: "/data/monitor/report.csv", Kind: fileevent.KindModify, Entropy: 2.0, WallTS: time.Now()}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	engine.handle(eventbus.Message{Payload: payload})

	snap := state.Snapshot()
	assert.Equal(t, StatusSafe, snap.NodeStatuses["finance1"])
}

// TestEngine_ConfirmedKindAlwaysTriggersContainment covers §4.3: a
// BAIT_TRIGGERED event is CONFIRMED regardless of entropy, and the engine
// marks the reporting node Infected and fans the legacy command out when
// enabled.
func TestEngine_ConfirmedKindAlwaysTriggersContainment(t *testing.T) {
	bus := newFakeBus()
	state := NewDashboardState([]string{"finance1", "finance2"}, "")
	// Unreachable address: the RPC itself fails, but the lockdown order is
	// still bookkept as issued (see Engine.handleThreat).
	fleet := containment.NewFleetClient(map[string]string{"finance2": "127.0.0.1:1"}, 200*time.Millisecond)

	engine := NewEngine(bus, fleet, 7.5, true, state, NewMetrics())

	event := fileevent.FileEvent{NodeID: "finance1", Path: "/data/monitor/!000_admin_passwords.txt", Kind: fileevent.KindBaitTriggered, Entropy: 8.0, WallTS: time.Now()}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	engine.handle(eventbus.Message{Payload: payload})

	snap := state.Snapshot()
	assert.Equal(t, StatusInfected, snap.NodeStatuses["finance1"])
	assert.NotEmpty(t, snap.IssuedCommands)

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.published[legacyCommandsQueue]) > 0
	}, time.Second, 10*time.Millisecond)
}

// TestEngine_LockDownKindDoesNotReclassify covers the LOCK_DOWN echo path:
// a node's own confirmation event just updates dashboard status, it never
// re-enters the classifier.
func TestEngine_LockDownKindDoesNotReclassify(t *testing.T) {
	bus := newFakeBus()
	state := NewDashboardState([]string{"finance1"}, "")
	fleet := containment.NewFleetClient(map[string]string{}, time.Second)
	engine := NewEngine(bus, fleet, 7.5, false, state, NewMetrics())

	event := fileevent.FileEvent{NodeID: "finance1", Path: "/data/monitor", Kind: fileevent.KindLockDown, Entropy: 0, WallTS: time.Now()}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	engine.handle(eventbus.Message{Payload: payload})

	snap := state.Snapshot()
	assert.Equal(t, StatusLocked, snap.NodeStatuses["finance1"])
	assert.Empty(t, snap.IssuedCommands)
}
