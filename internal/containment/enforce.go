package containment

import (
	"fmt"
	"os"

	"github.com/ocx/fabric/internal/node"
)

// lockedMode grants the owner read+execute only; POSIX forbids modifying a
// directory's contents without write on the directory itself, so this
// single top-level chmod is sufficient to block every descendant (§4.5).
const lockedMode os.FileMode = 0500

// unlockedMode is restored by Unlock.
const unlockedMode os.FileMode = 0755

// Enforcer applies and reverses the storage-level lockdown on the monitored
// directory.
type Enforcer struct {
	root string
	ctrl *node.Controller
}

// NewEnforcer returns an Enforcer guarding root via ctrl's lockdown flag.
func NewEnforcer(root string, ctrl *node.Controller) *Enforcer {
	return &Enforcer{root: root, ctrl: ctrl}
}

// Lockdown hardens the monitored directory's permission bits and flips the
// controller's lockdown flag. Idempotent: re-chmod'ing an already-locked
// directory and re-setting an already-true flag are both harmless.
func (e *Enforcer) Lockdown() error {
	if err := os.Chmod(e.root, lockedMode); err != nil {
		return fmt.Errorf("chmod %s to locked mode: %w", e.root, err)
	}
	e.ctrl.SetLockdown(true)
	return nil
}

// Unlock is operator/recovery-triggered, never engine-triggered (§4.5):
// restores permissions and clears the lockdown flag. Idempotent.
func (e *Enforcer) Unlock() error {
	if err := os.Chmod(e.root, unlockedMode); err != nil {
		return fmt.Errorf("chmod %s to unlocked mode: %w", e.root, err)
	}
	e.ctrl.SetLockdown(false)
	return nil
}
