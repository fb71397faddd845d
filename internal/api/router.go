// Package api implements the per-node HTTP control surface (§6): the
// coordinator's PREPARE/COMMIT/data calls, the collaborator-facing CRUD
// endpoints that front the Local Mutator and Replication Broadcaster, and a
// websocket event stream. Grounded on the teacher's internal/api/server.go
// router shape.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/fabric/internal/mutator"
	"github.com/ocx/fabric/internal/node"
	"github.com/ocx/fabric/internal/replication"
	"github.com/ocx/fabric/internal/snapshot"
)

// Server is the per-node HTTP API.
type Server struct {
	ctrl        *node.Controller
	mutator     *mutator.Mutator
	broadcaster *replication.Broadcaster
	nodeSide    *snapshot.NodeSide
	producer    *snapshot.Producer
	streamer    *EventStreamer
	log         *slog.Logger
}

// NewServer wires a per-node API surface. streamer may be nil, in which case
// /snapshot/stream responds 501.
func NewServer(ctrl *node.Controller, mut *mutator.Mutator, bcast *replication.Broadcaster, nodeSide *snapshot.NodeSide, producer *snapshot.Producer, streamer *EventStreamer) *Server {
	return &Server{
		ctrl:        ctrl,
		mutator:     mut,
		broadcaster: bcast,
		nodeSide:    nodeSide,
		producer:    producer,
		streamer:    streamer,
		log:         slog.With("component", "api.server"),
	}
}

// Router builds the gorilla/mux router backing this node's HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/snapshot/prepare", s.handlePrepare).Methods(http.MethodPost)
	r.HandleFunc("/snapshot/commit", s.handleCommit).Methods(http.MethodPost)
	r.HandleFunc("/snapshot/data", s.handleSnapshotData).Methods(http.MethodGet)
	r.HandleFunc("/snapshot/stream", s.handleSnapshotStream)

	r.HandleFunc("/write", s.handleWrite).Methods(http.MethodPost)
	r.HandleFunc("/delete", s.handleDelete).Methods(http.MethodPost)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	return r
}

// ListenAndServe starts the HTTP server on addr with the read/write
// timeouts the teacher's cmd/server/main.go applies to its own listeners.
func (s *Server) ListenAndServe(addr string, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	s.log.Info("node HTTP API listening", "addr", addr)
	return srv.ListenAndServe()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}
