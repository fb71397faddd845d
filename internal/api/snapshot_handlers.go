package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/ocx/fabric/pkg/fileevent"
)

// handlePrepare is the PREPARE side of the barrier: close the write gate
// and report success. Idempotent (§4.4: duplicate PREPARE re-returns 200).
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var cmd fileevent.SnapshotCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.nodeSide.Prepare(cmd.CommandID)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "prepared", "command_id": cmd.CommandID})
}

// handleCommit is the COMMIT side of the barrier: open the write gate.
// Idempotent (R1).
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var cmd fileevent.SnapshotCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.nodeSide.Commit(cmd.CommandID)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "committed", "command_id": cmd.CommandID})
}

// handleSnapshotData serves the current monitored directory as a flat
// relative-path -> base64-content map, for collaborators that want the
// node's raw file state directly over HTTP rather than via the snapshot
// fanout (kept for the legacy draft in original_source's commented-out
// snapshot_scheduler, where the coordinator itself pulled data this way).
func (s *Server) handleSnapshotData(w http.ResponseWriter, r *http.Request) {
	root := s.producer.MonitorDir()
	out := make(map[string]string)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		out[rel] = base64.StdEncoding.EncodeToString(data)
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
