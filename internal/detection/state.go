package detection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	maxLogLines     = 10
	maxHistoryPoint = 50
	maxCommandLines = 50
)

// NodeStatus is the dashboard-facing label for a node's last known state,
// ported from original_source/detection/detection.py's current_state values.
type NodeStatus string

const (
	StatusSafe    NodeStatus = "Safe"
	StatusLocked  NodeStatus = "Locked"
	StatusInfected NodeStatus = "Infected"
)

// EntropyPoint is one sample on the rolling entropy chart.
type EntropyPoint struct {
	Time    string  `json:"time"`
	Entropy float64 `json:"entropy"`
}

// DashboardState mirrors original_source's global current_state dict: a
// rolling in-memory view of every node's status plus bounded log ring
// buffers, flushed to disk after every update (when a log file is set) for
// the (external) dashboard collaborator to read.
type DashboardState struct {
	mu sync.Mutex

	NodeStatuses   map[string]NodeStatus `json:"node_statuses"`
	LastEntropy    float64               `json:"last_entropy"`
	Logs           []string              `json:"logs"`
	EntropyHistory []EntropyPoint        `json:"entropy_history"`
	ProcessingLogs []string              `json:"processing_logs"`
	IssuedCommands []string              `json:"issued_commands"`

	logFile string
}

// NewDashboardState seeds every known node as Safe and wires logFile as the
// flush target ("" disables flushing, useful in tests).
func NewDashboardState(knownNodes []string, logFile string) *DashboardState {
	statuses := make(map[string]NodeStatus, len(knownNodes))
	for _, n := range knownNodes {
		statuses[n] = StatusSafe
	}
	return &DashboardState{
		NodeStatuses: statuses,
		logFile:      logFile,
	}
}

// LogClientStatus records a status transition, entropy sample, and log line
// for clientID, trimming every ring buffer to its cap.
func (s *DashboardState) LogClientStatus(clientID string, status NodeStatus, entropy float64, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.NodeStatuses[clientID] = status
	s.LastEntropy = entropy

	now := time.Now().Format("15:04:05")
	s.Logs = appendBounded(s.Logs, fmt.Sprintf("[%s] %s", now, message), maxLogLines)
	s.EntropyHistory = appendBoundedPoint(s.EntropyHistory, EntropyPoint{Time: now, Entropy: entropy}, maxHistoryPoint)

	s.flushLocked()
}

// LogCommandLockdown records a LOCK_DOWN command issuance.
func (s *DashboardState) LogCommandLockdown(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format("15:04:05")
	s.IssuedCommands = appendBounded(s.IssuedCommands, fmt.Sprintf("[%s] LOCK_DOWN: %s", now, clientID), maxCommandLines)
	s.flushLocked()
}

// LogMessageProcessing records that an inbound FileEvent was handled, for
// the dashboard's live event feed.
func (s *DashboardState) LogMessageProcessing(clientID, path string, entropy float64, eventKind string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format("15:04:05")
	line := fmt.Sprintf("[%s] %s | %s | %s | Entropy: %.2f", now, clientID, filepath.Base(path), eventKind, entropy)
	s.ProcessingLogs = appendBounded(s.ProcessingLogs, line, maxCommandLines)
	s.flushLocked()
}

// Snapshot returns a JSON-serializable copy of the current state, safe to
// hand to an HTTP handler without holding the lock.
func (s *DashboardState) Snapshot() DashboardState {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[string]NodeStatus, len(s.NodeStatuses))
	for k, v := range s.NodeStatuses {
		statuses[k] = v
	}
	return DashboardState{
		NodeStatuses:   statuses,
		LastEntropy:    s.LastEntropy,
		Logs:           append([]string(nil), s.Logs...),
		EntropyHistory: append([]EntropyPoint(nil), s.EntropyHistory...),
		ProcessingLogs: append([]string(nil), s.ProcessingLogs...),
		IssuedCommands: append([]string(nil), s.IssuedCommands...),
	}
}

func (s *DashboardState) flushLocked() {
	if s.logFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.logFile), 0755); err != nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	_ = os.WriteFile(s.logFile, data, 0644)
}

func appendBounded(lines []string, line string, cap int) []string {
	lines = append(lines, line)
	if len(lines) > cap {
		lines = lines[len(lines)-cap:]
	}
	return lines
}

func appendBoundedPoint(points []EntropyPoint, p EntropyPoint, cap int) []EntropyPoint {
	points = append(points, p)
	if len(points) > cap {
		points = points[len(points)-cap:]
	}
	return points
}
