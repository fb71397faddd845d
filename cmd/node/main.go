// Command node runs one finance-fleet node: it deploys bait files, watches
// the monitored directory, replicates locally-accepted writes, answers the
// coordinator's snapshot barrier and containment RPC, and serves the CRUD +
// websocket HTTP surface collaborators talk to. Construction order follows
// the teacher's cmd/server/main.go: build every subsystem around a shared
// owning struct, then start them.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocx/fabric/internal/api"
	"github.com/ocx/fabric/internal/config"
	"github.com/ocx/fabric/internal/containment"
	"github.com/ocx/fabric/internal/detector"
	"github.com/ocx/fabric/internal/eventbus"
	"github.com/ocx/fabric/internal/mutator"
	"github.com/ocx/fabric/internal/node"
	"github.com/ocx/fabric/internal/replication"
	"github.com/ocx/fabric/internal/snapshot"
	"github.com/ocx/fabric/pkg/fileevent"
)

const fileEventsTopic = "file_events"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, continuing with process environment")
	}

	cfg := config.Get()
	if cfg.Node.ClientID == "" {
		log.Fatal("CLIENT_ID is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Node.MonitorDir, 0755); err != nil {
		log.Fatalf("create monitor dir: %v", err)
	}
	if err := detector.DeployBaits(cfg.Node.MonitorDir, cfg.Detector.BaitFiles); err != nil {
		log.Fatalf("deploy bait files: %v", err)
	}

	state := node.NewNodeState(cfg.Node.ClientID)
	ctrl := node.NewController(state)

	replBus, err := eventbus.NewRedisAdapter(cfg.Bus.RedisAddr, cfg.Bus.RedisPassword, cfg.Bus.RedisDB, time.Duration(cfg.Bus.ReconnectBackoffSec)*time.Second)
	if err != nil {
		log.Fatalf("connect replication bus: %v", err)
	}
	defer replBus.Close()

	durableBus, err := eventbus.NewPubSubAdapter(ctx, cfg.Bus.PubSubProjectID)
	if err != nil {
		log.Fatalf("connect durable bus: %v", err)
	}
	defer durableBus.Close()

	mut := mutator.New(cfg.Node.MonitorDir, ctrl)
	broadcaster := replication.NewBroadcaster(replBus, ctrl, cfg.Replication.AckQuorum, time.Duration(cfg.Replication.AckTimeoutSec)*time.Second)
	receiver := replication.NewReceiver(replBus, ctrl, mut)

	unsubReceiver, err := receiver.Start(ctx)
	if err != nil {
		log.Fatalf("start replication receiver: %v", err)
	}
	defer unsubReceiver()

	producer := snapshot.NewProducer(cfg.Node.MonitorDir, cfg.Snapshot.Root)
	nodeSide := snapshot.NewNodeSide(ctrl, durableBus, producer)
	unsubSnapshot, err := nodeSide.Start(ctx)
	if err != nil {
		log.Fatalf("start snapshot node-side: %v", err)
	}
	defer unsubSnapshot()
	pendingTimeout := time.Duration(cfg.Snapshot.PendingTimeoutSec) * time.Second
	nodeSide.StartPendingSweep(ctx, pendingTimeout, pendingTimeout)

	emit := func(ev fileevent.FileEvent) {
		payload, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("failed to marshal file event", "error", err)
			return
		}
		if err := durableBus.Publish(ctx, fileEventsTopic, payload); err != nil {
			slog.Warn("failed to publish file event", "error", err)
		}
	}
	if err := durableBus.DeclareQueue(ctx, fileEventsTopic); err != nil {
		log.Fatalf("declare file_events queue: %v", err)
	}

	pipeline := detector.NewPipeline(ctrl, &cfg.Detector, emit)
	watcher, err := detector.NewWatcher(cfg.Node.MonitorDir, pipeline)
	if err != nil {
		log.Fatalf("create watcher: %v", err)
	}
	if err := watcher.Start(); err != nil {
		log.Fatalf("start watcher: %v", err)
	}
	defer watcher.Stop()

	enforcer := containment.NewEnforcer(cfg.Node.MonitorDir, ctrl)
	containmentSrv := containment.NewServer(enforcer)
	go func() {
		addr := ":" + cfg.Containment.GRPCPort
		if err := containment.Serve(ctx, addr, containmentSrv, cfg.Containment.WorkerPoolSize); err != nil {
			slog.Error("containment server stopped", "error", err)
		}
	}()

	streamer := api.NewEventStreamer()
	streamStop := make(chan struct{})
	go streamer.Run(streamStop)
	defer close(streamStop)

	httpServer := api.NewServer(ctrl, mut, broadcaster, nodeSide, producer, streamer)
	go func() {
		addr := ":" + cfg.Node.HTTPPort
		readTimeout := time.Duration(cfg.Node.ReadTimeoutSec) * time.Second
		writeTimeout := time.Duration(cfg.Node.WriteTimeoutSec) * time.Second
		if err := httpServer.ListenAndServe(addr, readTimeout, writeTimeout); err != nil {
			slog.Error("node HTTP server stopped", "error", err)
		}
	}()

	slog.Info("node started", "client_id", cfg.Node.ClientID, "monitor_dir", cfg.Node.MonitorDir, "http_port", cfg.Node.HTTPPort)
	<-ctx.Done()
	slog.Info("node shutting down")
}
