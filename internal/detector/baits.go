package detector

import (
	"fmt"
	"os"
	"path/filepath"
)

// baitContent gives each deployed bait file plausible body text so that a
// directory listing or a quick open does not immediately read as a
// tripwire.
var baitContent = map[string]string{
	"!000_admin_passwords.txt":  "root:changeme\nfinance-admin:Tr0ub4dor&3\nbackup-svc:n/a\n",
	"~system_config_backup.ini": "[backup]\nlast_run=2024-01-01T00:00:00Z\nstatus=ok\n",
	"zzz_do_not_delete.dat":     "DO NOT DELETE - required by finance reconciliation job\n",
}

// DeployBaits writes every configured bait filename into root if it does
// not already exist. Called once at controller startup, before the
// watcher begins dispatching.
func DeployBaits(root string, filenames []string) error {
	for _, name := range filenames {
		path := filepath.Join(root, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		content, ok := baitContent[name]
		if !ok {
			content = "placeholder\n"
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("deploy bait %s: %w", name, err)
		}
	}
	return nil
}
