package node

import "sync"

// Gate is the write gate from spec §3/§5: a binary open/closed condition.
// Many readers (write paths) can wait for it to open; one setter closes or
// opens it at a time. Modeled as a sync.Cond over a bool rather than a
// channel so Wait can be called from an arbitrary number of goroutines
// without each needing its own channel plumbing.
type Gate struct {
	mu   sync.Mutex
	cond *sync.Cond
	open bool
}

// NewGate returns a Gate that starts open.
func NewGate() *Gate {
	g := &Gate{open: true}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Wait blocks until the gate is open.
func (g *Gate) Wait() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for !g.open {
		g.cond.Wait()
	}
}

// Close shuts the gate. Idempotent: closing an already-closed gate is a
// no-op (duplicate PREPARE per spec §4.4).
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = false
}

// Open releases the gate and wakes every waiter. Idempotent: opening an
// already-open gate is a no-op (duplicate COMMIT).
func (g *Gate) Open() {
	g.mu.Lock()
	g.open = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

// IsOpen reports the current state without blocking.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}
