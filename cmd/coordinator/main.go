// Command coordinator runs the fleet-wide control plane: it drives the
// snapshot PREPARE/PERFORM/COMMIT barrier against every configured node,
// classifies the fleet's file_events stream, and fans out containment RPCs
// when a threat is confirmed. Construction order follows the teacher's
// cmd/server/main.go: build every subsystem, then start them.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/fabric/internal/config"
	"github.com/ocx/fabric/internal/containment"
	"github.com/ocx/fabric/internal/detection"
	"github.com/ocx/fabric/internal/eventbus"
	"github.com/ocx/fabric/internal/snapshot"
	"github.com/ocx/fabric/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, continuing with process environment")
	}

	cfg := config.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.PostgresDSN)
	if err != nil {
		log.Fatalf("open snapshot audit store: %v", err)
	}
	defer st.Close()

	durableBus, err := eventbus.NewPubSubAdapter(ctx, cfg.Bus.PubSubProjectID)
	if err != nil {
		log.Fatalf("connect durable bus: %v", err)
	}
	defer durableBus.Close()

	peers, err := parsePeers(cfg.Node.Peers)
	if err != nil {
		log.Fatalf("parse peers: %v", err)
	}

	nodeAddrs := make([]snapshot.NodeAddr, 0, len(peers))
	grpcAddrs := make(map[string]string, len(peers))
	for clientID, host := range peers {
		nodeAddrs = append(nodeAddrs, snapshot.NewNodeAddr(clientID, "http://"+host))
		grpcAddrs[clientID] = hostOnly(host) + ":" + cfg.Containment.GRPCPort
	}

	coord := snapshot.NewCoordinator(
		durableBus, st, nodeAddrs, cfg.Snapshot.RequiredNodes,
		time.Duration(cfg.Snapshot.PrepareTimeoutSec)*time.Second,
		time.Duration(cfg.Snapshot.CommitTimeoutSec)*time.Second,
		time.Duration(cfg.Snapshot.RoundIntervalSec)*time.Second,
		time.Duration(cfg.Snapshot.PendingTimeoutSec)*time.Second,
	)

	fleet := containment.NewFleetClient(grpcAddrs, time.Duration(cfg.Containment.CallTimeoutSec)*time.Second)
	defer fleet.Close()

	knownNodes := make([]string, 0, len(peers))
	for clientID := range peers {
		knownNodes = append(knownNodes, clientID)
	}
	dashboard := detection.NewDashboardState(knownNodes, "")
	metrics := detection.NewMetrics()

	engine := detection.NewEngine(durableBus, fleet, cfg.Detection.EntropyThreshold, cfg.Detection.PublishLegacyCommands, dashboard, metrics)
	unsubEngine, err := engine.Start(ctx)
	if err != nil {
		log.Fatalf("start detection engine: %v", err)
	}
	defer unsubEngine()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("coordinator metrics listening", "addr", cfg.Detection.MetricsAddr)
		if err := http.ListenAndServe(cfg.Detection.MetricsAddr, mux); err != nil {
			slog.Error("metrics server stopped", "error", err)
		}
	}()

	slog.Info("coordinator started", "node_count", len(nodeAddrs), "round_interval", cfg.Snapshot.RoundIntervalSec)
	if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("coordinator run: %v", err)
	}
	slog.Info("coordinator shutting down")
}

// parsePeers reads "client_id@host:port" entries into a client_id -> host:port map.
func parsePeers(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "@", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed peer entry %q, expected client_id@host:port", entry)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

func hostOnly(hostPort string) string {
	if idx := strings.LastIndex(hostPort, ":"); idx != -1 {
		return hostPort[:idx]
	}
	return hostPort
}
