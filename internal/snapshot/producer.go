package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Producer copies the monitored directory into a deterministic location
// under root, resolving Open Question (b): a single
// <SnapshotRoot>/<command_id>/<client_id>/... layout replaces the two
// overlapping drafts in the source scheduler.
type Producer struct {
	monitorDir string
	root       string
}

// NewProducer returns a Producer that snapshots monitorDir into subtrees
// of root.
func NewProducer(monitorDir, root string) *Producer {
	return &Producer{monitorDir: monitorDir, root: root}
}

// MonitorDir returns the directory this producer snapshots from.
func (p *Producer) MonitorDir() string { return p.monitorDir }

// Produce copies every file under the monitored directory into
// <root>/<commandID>/<clientID>/... and returns that directory as the
// opaque snapshot handle.
func (p *Producer) Produce(commandID, clientID string) (string, error) {
	dest := filepath.Join(p.root, commandID, clientID)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", fmt.Errorf("mkdir snapshot dest: %w", err)
	}

	err := filepath.Walk(p.monitorDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(p.monitorDir, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target, info)
	})
	if err != nil {
		return "", fmt.Errorf("produce snapshot for %s/%s: %w", commandID, clientID, err)
	}
	return dest, nil
}

func copyFile(src, dst string, info os.FileInfo) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
