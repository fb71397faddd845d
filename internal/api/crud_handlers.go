package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ocx/fabric/internal/mutator"
	"github.com/ocx/fabric/pkg/fileevent"
)

type writeRequest struct {
	Filename string `json:"filename"`
	Content  []byte `json:"content"`
	Append   bool   `json:"append"`
}

type deleteRequest struct {
	Filename string `json:"filename"`
}

// handleWrite is the collaborator-invoked entry point for local mutations:
// it applies the write through the Local Mutator (I1/I2 gating) and then
// broadcasts it to peers via the Replication Broadcaster.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Filename == "" {
		http.Error(w, "filename is required", http.StatusBadRequest)
		return
	}

	op := fileevent.OpCreate
	var err error
	if req.Append {
		op = fileevent.OpWrite
		_, err = s.mutator.Append(req.Filename, req.Content)
	} else {
		err = s.mutator.Create(req.Filename, req.Content)
	}
	if err != nil {
		s.writeMutationError(w, err)
		return
	}

	if broadcastErr := s.broadcaster.Send(r.Context(), op, req.Filename, req.Content); broadcastErr != nil {
		s.log.Warn("replication broadcast failed after local write", "filename", req.Filename, "error", broadcastErr)
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "written", "filename": req.Filename})
}

// handleDelete mirrors handleWrite for deletions.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Filename == "" {
		http.Error(w, "filename is required", http.StatusBadRequest)
		return
	}

	if err := s.mutator.Delete(req.Filename); err != nil {
		s.writeMutationError(w, err)
		return
	}

	if broadcastErr := s.broadcaster.Send(context.Background(), fileevent.OpDelete, req.Filename, nil); broadcastErr != nil {
		s.log.Warn("replication broadcast failed after local delete", "filename", req.Filename, "error", broadcastErr)
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted", "filename": req.Filename})
}

func (s *Server) writeMutationError(w http.ResponseWriter, err error) {
	if errors.Is(err, mutator.ErrLockedDown) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
