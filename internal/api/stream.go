package api

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// SnapshotEvent is one barrier-phase transition pushed to connected
// dashboard clients over /snapshot/stream.
type SnapshotEvent struct {
	Phase     string `json:"phase"` // PREPARE / PERFORM / COMMIT
	CommandID string `json:"command_id"`
	Detail    string `json:"detail,omitempty"`
}

// EventStreamer is a websocket hub broadcasting SnapshotEvents to every
// connected client, grounded on the teacher's internal/websocket.DAGStreamer
// register/unregister/broadcast pattern. Events reach clients only through
// Broadcast; the node's barrier handlers (Prepare, Commit, PERFORM) do not
// call it.
type EventStreamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan SnapshotEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// NewEventStreamer returns a hub that must have Run called on it in its own
// goroutine before use.
func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan SnapshotEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: slog.With("component", "api.stream"),
	}
}

// Run drives the hub loop until stop is closed.
func (es *EventStreamer) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case client := <-es.register:
			es.mu.Lock()
			es.clients[client] = true
			es.mu.Unlock()
		case client := <-es.unregister:
			es.mu.Lock()
			if _, ok := es.clients[client]; ok {
				delete(es.clients, client)
				client.Close()
			}
			es.mu.Unlock()
		case event := <-es.broadcast:
			es.mu.RLock()
			for client := range es.clients {
				if err := client.WriteJSON(event); err != nil {
					es.log.Warn("websocket write failed, dropping client", "error", err)
					client.Close()
					delete(es.clients, client)
				}
			}
			es.mu.RUnlock()
		}
	}
}

// Broadcast queues event for delivery to every connected client.
func (es *EventStreamer) Broadcast(event SnapshotEvent) {
	select {
	case es.broadcast <- event:
	default:
		es.log.Warn("snapshot event stream backlog full, dropping event", "phase", event.Phase, "command_id", event.CommandID)
	}
}

func (s *Server) handleSnapshotStream(w http.ResponseWriter, r *http.Request) {
	if s.streamer == nil {
		http.Error(w, "event stream not enabled", http.StatusNotImplemented)
		return
	}
	conn, err := s.streamer.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.streamer.register <- conn

	go func() {
		defer func() { s.streamer.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
