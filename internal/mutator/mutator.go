// Package mutator implements the Local File Mutator: the sole authoritative
// path for local CREATE/APPEND/DELETE primitives against the monitored
// directory. Every call blocks on the node's write gate and refuses to run
// while the node is in lockdown, satisfying I1/I2.
package mutator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ocx/fabric/internal/node"
)

// ErrLockedDown is returned when a mutation is attempted while the node is
// in containment lockdown.
var ErrLockedDown = fmt.Errorf("node is in lockdown: writes refused")

// Mutator performs filesystem mutations under root, gated by ctrl's write
// gate and lockdown flag.
type Mutator struct {
	root string
	ctrl *node.Controller
}

// New returns a Mutator rooted at root.
func New(root string, ctrl *node.Controller) *Mutator {
	return &Mutator{root: root, ctrl: ctrl}
}

// gateAndCheck waits for the write gate to open, then rejects the call if
// lockdown is active. The gate can open while a lockdown-setting event
// races in; re-checking after Wait keeps I1 intact.
func (m *Mutator) gateAndCheck() error {
	m.ctrl.State().Gate().Wait()
	if m.ctrl.State().Lockdown() {
		return ErrLockedDown
	}
	return nil
}

func (m *Mutator) resolve(filename string) string {
	return filepath.Join(m.root, filename)
}

// Create writes filename with content, replacing any existing file of that
// name.
func (m *Mutator) Create(filename string, content []byte) error {
	if err := m.gateAndCheck(); err != nil {
		return err
	}
	path := m.resolve(filename)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("create %s: %w", filename, err)
	}
	m.refreshMeta(path)
	return nil
}

// Append opens filename (creating it if absent) and appends content,
// returning the full resulting file content the way the source's
// local_write reads back the whole file after writing.
func (m *Mutator) Append(filename string, content []byte) ([]byte, error) {
	if err := m.gateAndCheck(); err != nil {
		return nil, err
	}
	path := m.resolve(filename)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("append open %s: %w", filename, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return nil, fmt.Errorf("append write %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("append close %s: %w", filename, err)
	}

	full, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("append readback %s: %w", filename, err)
	}
	m.refreshMeta(path)
	return full, nil
}

// Delete removes filename if present; deleting an absent file is not an error.
func (m *Mutator) Delete(filename string) error {
	if err := m.gateAndCheck(); err != nil {
		return err
	}
	path := m.resolve(filename)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", filename, err)
	}
	return nil
}

func (m *Mutator) refreshMeta(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	m.ctrl.UpdateMeta(path, metaFromInfo(info))
}
