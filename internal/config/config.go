package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Fabric Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Bus         BusConfig         `yaml:"bus"`
	Detector    DetectorConfig    `yaml:"detector"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Detection   DetectionConfig   `yaml:"detection"`
	Containment ContainmentConfig `yaml:"containment"`
	Store       StoreConfig       `yaml:"store"`
	Replication ReplicationConfig `yaml:"replication"`
}

// NodeConfig describes this process's identity and HTTP surface.
type NodeConfig struct {
	ClientID        string   `yaml:"client_id"`
	MonitorDir      string   `yaml:"monitor_dir"`
	HTTPPort        string   `yaml:"http_port"`
	Peers           []string `yaml:"peers"` // "client_id@host:port"
	ReadTimeoutSec  int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec"`
}

// BusConfig configures the Event Bus Adapter's two backends.
type BusConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	PubSubProjectID string `yaml:"pubsub_project_id"`
	Exchange        string `yaml:"exchange"`     // regular_snapshot fanout topic
	ResultQueue     string `yaml:"result_queue"` // snapshot_results topic
	FileEventsTopic string `yaml:"file_events_topic"`

	ReconnectBackoffSec int `yaml:"reconnect_backoff_sec"`
}

// DetectorConfig tunes the Behavioural Detector's heuristic thresholds.
type DetectorConfig struct {
	BaitFiles           []string `yaml:"bait_files"`
	VelocityWindow      int      `yaml:"velocity_window"`
	VelocityWindowSec   float64  `yaml:"velocity_window_sec"`
	SizeDeltaThreshold  float64  `yaml:"size_delta_threshold"`
	SampleBlockSize     int      `yaml:"sample_block_size"`
	SampleBlockCount    int      `yaml:"sample_block_count"`
	FullReadCeilingByte int64    `yaml:"full_read_ceiling_bytes"`
	CreateSettleMs      int      `yaml:"create_settle_ms"`
}

// SnapshotConfig governs the coordinator's barrier round and the node-side
// snapshot producer.
type SnapshotConfig struct {
	Root              string   `yaml:"root"`
	RoundIntervalSec  int      `yaml:"round_interval_sec"`
	PrepareTimeoutSec int      `yaml:"prepare_timeout_sec"`
	CommitTimeoutSec  int      `yaml:"commit_timeout_sec"`
	PendingTimeoutSec int      `yaml:"pending_timeout_sec"`
	RequiredNodes     []string `yaml:"required_nodes"`
}

// DetectionConfig tunes the Detection Engine's global threshold.
type DetectionConfig struct {
	EntropyThreshold      float64 `yaml:"entropy_threshold"`
	PublishLegacyCommands bool    `yaml:"publish_legacy_commands"`
	MetricsAddr           string  `yaml:"metrics_addr"`
}

// ContainmentConfig configures the gRPC lockdown RPC.
type ContainmentConfig struct {
	GRPCPort       string `yaml:"grpc_port"`
	CallTimeoutSec int    `yaml:"call_timeout_sec"`
	WorkerPoolSize int    `yaml:"worker_pool_size"`
}

// StoreConfig configures the coordinator's Postgres audit index.
type StoreConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ReplicationConfig tunes the broadcast-and-await replication sender: how
// many distinct-sender ACKs it waits for and how long before giving up.
type ReplicationConfig struct {
	AckQuorum     int `yaml:"ack_quorum"`
	AckTimeoutSec int `yaml:"ack_timeout_sec"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("Config: failed to load config file: (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from YAML file
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	c.Node.ClientID = getEnv("CLIENT_ID", c.Node.ClientID)
	c.Node.MonitorDir = getEnv("MONITOR_DIR", c.Node.MonitorDir)
	c.Node.HTTPPort = getEnv("NODE_HTTP_PORT", c.Node.HTTPPort)
	if peers := getEnv("PEERS", ""); peers != "" {
		c.Node.Peers = splitCSV(peers)
	}
	if v := getEnvInt("NODE_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Node.ReadTimeoutSec = v
	}
	if v := getEnvInt("NODE_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Node.WriteTimeoutSec = v
	}

	c.Bus.RedisAddr = getEnv("REDIS_ADDR", c.Bus.RedisAddr)
	c.Bus.RedisPassword = getEnv("REDIS_PASSWORD", c.Bus.RedisPassword)
	if v := getEnvInt("REDIS_DB", -1); v >= 0 {
		c.Bus.RedisDB = v
	}
	c.Bus.PubSubProjectID = getEnv("GCP_PROJECT_ID", c.Bus.PubSubProjectID)
	c.Bus.Exchange = getEnv("EXCHANGE", c.Bus.Exchange)
	c.Bus.ResultQueue = getEnv("RESULT_QUEUE", c.Bus.ResultQueue)
	c.Bus.FileEventsTopic = getEnv("FILE_EVENTS_TOPIC", c.Bus.FileEventsTopic)
	// BROKER_HOST seeds the redis address when one wasn't set explicitly,
	// kept for compatibility with deployments that only name a host.
	if broker := getEnv("BROKER_HOST", ""); broker != "" && c.Bus.RedisAddr == "" {
		c.Bus.RedisAddr = broker + ":6379"
	}

	if len(c.Detector.BaitFiles) == 0 {
		if baits := getEnv("BAIT_FILES", ""); baits != "" {
			c.Detector.BaitFiles = splitCSV(baits)
		}
	}
	if v := getEnvFloat("SIZE_DELTA_THRESHOLD", 0); v > 0 {
		c.Detector.SizeDeltaThreshold = v
	}

	if v := getEnvFloat("ENTROPY_THRESHOLD", 0); v > 0 {
		c.Detection.EntropyThreshold = v
	}
	c.Detection.PublishLegacyCommands = getEnvBool("PUBLISH_LEGACY_COMMANDS", c.Detection.PublishLegacyCommands)
	c.Detection.MetricsAddr = getEnv("METRICS_ADDR", c.Detection.MetricsAddr)

	c.Snapshot.Root = getEnv("SNAPSHOT_ROOT", c.Snapshot.Root)
	if v := getEnvInt("SNAPSHOT_ROUND_INTERVAL_SEC", 0); v > 0 {
		c.Snapshot.RoundIntervalSec = v
	}
	if nodes := getEnv("SNAPSHOT_REQUIRED_NODES", ""); nodes != "" {
		c.Snapshot.RequiredNodes = splitCSV(nodes)
	}

	c.Containment.GRPCPort = getEnv("CONTAINMENT_GRPC_PORT", c.Containment.GRPCPort)
	if v := getEnvInt("CONTAINMENT_CALL_TIMEOUT_SEC", 0); v > 0 {
		c.Containment.CallTimeoutSec = v
	}

	c.Store.PostgresDSN = getEnv("SNAPSHOT_STORE_DSN", c.Store.PostgresDSN)

	if v := getEnvInt("REPLICATION_ACK_QUORUM", 0); v > 0 {
		c.Replication.AckQuorum = v
	}
	if v := getEnvInt("REPLICATION_ACK_TIMEOUT_SEC", 0); v > 0 {
		c.Replication.AckTimeoutSec = v
	}

	// Apply defaults for zero values
	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields
func (c *Config) applyDefaults() {
	if c.Node.MonitorDir == "" {
		c.Node.MonitorDir = "/data/monitor"
	}
	if c.Node.HTTPPort == "" {
		c.Node.HTTPPort = "5000"
	}
	if c.Node.ReadTimeoutSec == 0 {
		c.Node.ReadTimeoutSec = 15
	}
	if c.Node.WriteTimeoutSec == 0 {
		c.Node.WriteTimeoutSec = 15
	}

	if c.Bus.RedisAddr == "" {
		c.Bus.RedisAddr = "localhost:6379"
	}
	if c.Bus.Exchange == "" {
		c.Bus.Exchange = "regular_snapshot"
	}
	if c.Bus.ResultQueue == "" {
		c.Bus.ResultQueue = "snapshot_results"
	}
	if c.Bus.FileEventsTopic == "" {
		c.Bus.FileEventsTopic = "file_events"
	}
	if c.Bus.ReconnectBackoffSec == 0 {
		c.Bus.ReconnectBackoffSec = 5
	}

	if len(c.Detector.BaitFiles) == 0 {
		c.Detector.BaitFiles = []string{
			"!000_admin_passwords.txt",
			"~system_config_backup.ini",
			"zzz_do_not_delete.dat",
		}
	}
	if c.Detector.VelocityWindow == 0 {
		c.Detector.VelocityWindow = 10
	}
	if c.Detector.VelocityWindowSec == 0 {
		c.Detector.VelocityWindowSec = 1.0
	}
	if c.Detector.SizeDeltaThreshold == 0 {
		c.Detector.SizeDeltaThreshold = 0.3
	}
	if c.Detector.SampleBlockSize == 0 {
		c.Detector.SampleBlockSize = 4096
	}
	if c.Detector.SampleBlockCount == 0 {
		c.Detector.SampleBlockCount = 4
	}
	if c.Detector.FullReadCeilingByte == 0 {
		c.Detector.FullReadCeilingByte = 16 * 1024
	}
	if c.Detector.CreateSettleMs == 0 {
		c.Detector.CreateSettleMs = 50
	}

	if c.Snapshot.Root == "" {
		c.Snapshot.Root = "/data/snapshots"
	}
	if c.Snapshot.RoundIntervalSec == 0 {
		c.Snapshot.RoundIntervalSec = 60
	}
	if c.Snapshot.PrepareTimeoutSec == 0 {
		c.Snapshot.PrepareTimeoutSec = 2
	}
	if c.Snapshot.CommitTimeoutSec == 0 {
		c.Snapshot.CommitTimeoutSec = 2
	}
	if c.Snapshot.PendingTimeoutSec == 0 {
		c.Snapshot.PendingTimeoutSec = 60
	}
	if len(c.Snapshot.RequiredNodes) == 0 {
		c.Snapshot.RequiredNodes = []string{"finance1", "finance2", "finance3", "finance4"}
	}

	if c.Detection.EntropyThreshold == 0 {
		c.Detection.EntropyThreshold = 7.5
	}
	if c.Detection.MetricsAddr == "" {
		c.Detection.MetricsAddr = ":9090"
	}

	if c.Containment.GRPCPort == "" {
		c.Containment.GRPCPort = "50051"
	}
	if c.Containment.CallTimeoutSec == 0 {
		c.Containment.CallTimeoutSec = 3
	}
	if c.Containment.WorkerPoolSize == 0 {
		c.Containment.WorkerPoolSize = 10
	}

	if c.Replication.AckQuorum == 0 {
		c.Replication.AckQuorum = 3
	}
	if c.Replication.AckTimeoutSec == 0 {
		c.Replication.AckTimeoutSec = 10
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
