package mutator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/fabric/internal/node"
)

func newTestMutator(t *testing.T) (*Mutator, *node.Controller) {
	t.Helper()
	dir := t.TempDir()
	ctrl := node.NewController(node.NewNodeState("finance1"))
	return New(dir, ctrl), ctrl
}

func TestMutator_CreateAndAppend(t *testing.T) {
	m, _ := newTestMutator(t)

	require.NoError(t, m.Create("notes.txt", []byte("hello")))

	full, err := m.Append("notes.txt", []byte("\nworld"))
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld", string(full))
}

func TestMutator_Delete(t *testing.T) {
	m, _ := newTestMutator(t)
	require.NoError(t, m.Create("to-delete.txt", []byte("x")))
	require.NoError(t, m.Delete("to-delete.txt"))

	_, err := os.Stat(filepath.Join(m.root, "to-delete.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestMutator_DeleteMissingIsNotError(t *testing.T) {
	m, _ := newTestMutator(t)
	assert.NoError(t, m.Delete("never-existed.txt"))
}

// TestMutator_RefusesWritesUnderLockdown covers I1.
func TestMutator_RefusesWritesUnderLockdown(t *testing.T) {
	m, ctrl := newTestMutator(t)
	ctrl.SetLockdown(true)

	err := m.Create("blocked.txt", []byte("x"))
	assert.ErrorIs(t, err, ErrLockedDown)
}

// TestMutator_BlocksOnClosedGate covers I2: a write issued while the gate
// is closed does not proceed until Open is called.
func TestMutator_BlocksOnClosedGate(t *testing.T) {
	m, ctrl := newTestMutator(t)
	ctrl.CloseGate()

	done := make(chan error, 1)
	go func() {
		done <- m.Create("gated.txt", []byte("x"))
	}()

	select {
	case <-done:
		t.Fatal("create should not complete while gate is closed")
	case <-time.After(100 * time.Millisecond):
	}

	ctrl.OpenGate()
	require.NoError(t, <-done)
}
