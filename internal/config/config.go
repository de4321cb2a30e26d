// Package config loads and validates the depth-feed core's single YAML
// configuration file: source endpoints, fabric selection, cadence, and the
// ambient logging/metrics/redis/shared-memory settings that surround them.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written either as
// "2s"/"100ms" strings or as raw nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Mode selects the distribution fabric variant.
type Mode string

const (
	ModeShared       Mode = "shared"
	ModeBroadcast    Mode = "broadcast"
	ModeSharedMemory Mode = "shared_memory"
)

// Exchange selects which endpoint triple to dial.
type Exchange string

const (
	ExchangeSpot    Exchange = "spot"
	ExchangeFutures Exchange = "futures"
)

// Config is the top-level value object loaded from YAML.
type Config struct {
	App         AppConfig         `yaml:"depthfeed"`
	Source      SourceConfig      `yaml:"source"`
	Fabric      FabricConfig      `yaml:"fabric"`
	Producer    ProducerConfig    `yaml:"producer"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// AppConfig names and versions the running process.
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// EndpointSet is one exchange's websocket/REST endpoint triple.
type EndpointSet struct {
	WSURL        string `yaml:"ws_url"`
	RESTURL      string `yaml:"rest_url"`
	StreamSuffix string `yaml:"suffix"`
	Symbol       string `yaml:"symbol"`
}

// SourceConfig selects the exchange, instrument, and depth, plus the
// connection-pool tuning the REST snapshot client uses.
type SourceConfig struct {
	Exchange       Exchange                 `yaml:"exchange"`
	Depth          int                      `yaml:"depth"`
	Endpoints      map[Exchange]EndpointSet `yaml:"endpoints"`
	ConnectionPool ConnectionPoolConfig     `yaml:"connection_pool"`
	SnapshotRetry  SnapshotRetryConfig      `yaml:"snapshot_retry"`
}

// ConnectionPoolConfig tunes the pooled http.Transport behind the REST
// snapshot client.
type ConnectionPoolConfig struct {
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	MaxConnsPerHost int      `yaml:"max_conns_per_host"`
	IdleConnTimeout Duration `yaml:"idle_conn_timeout"`
}

// SnapshotRetryConfig bounds the REST snapshot fetch.
type SnapshotRetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Backoff     Duration `yaml:"backoff"`
	Timeout     Duration `yaml:"timeout"`
}

// FabricConfig selects and configures the distribution fabric variant.
type FabricConfig struct {
	Mode         Mode               `yaml:"mode"`
	SharedHost   SharedHostConfig   `yaml:"shared_host"`
	Leader       LeaderConfig       `yaml:"leader"`
	SharedMemory SharedMemoryConfig `yaml:"shared_memory"`
}

// SharedHostConfig configures the shared-host fan-out server.
type SharedHostConfig struct {
	ListenAddr string   `yaml:"listen_addr"`
	PruneEvery Duration `yaml:"prune_every"`
	VisibleTTL Duration `yaml:"visible_ttl"`
	HiddenTTL  Duration `yaml:"hidden_ttl"`
}

// LeaderConfig configures the Redis-backed election cell and bus.
type LeaderConfig struct {
	RedisAddr      string   `yaml:"redis_addr"`
	RedisDB        int      `yaml:"redis_db"`
	ElectionKey    string   `yaml:"election_key"`
	HeartbeatTTL   Duration `yaml:"heartbeat_ttl"`
	HeartbeatEvery Duration `yaml:"heartbeat_every"`
	FollowerTTL    Duration `yaml:"follower_ttl"`
	PingEvery      Duration `yaml:"ping_every"`
}

// SharedMemoryConfig configures the mmap-backed region.
type SharedMemoryConfig struct {
	Path string `yaml:"path"`
}

// ProducerConfig tunes the Producer Host's publish cadence.
type ProducerConfig struct {
	CadenceMs    int `yaml:"cadence_ms"`
	BufferSize   int `yaml:"buffer_size"`
	GapTolerance int `yaml:"gap_tolerance"`
}

// BridgeConfig tunes the Frame Bridge's display cadence.
type BridgeConfig struct {
	FrameHz          int  `yaml:"frame_hz"`
	FPSInstantaneous bool `yaml:"fps_instantaneous"`
}

// LoggingConfig selects log level, format, and output destination.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// MetricsConfig controls the optional CloudWatch export path.
type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

// CloudWatchConfig is disabled by default; see internal/metrics.EnableCloudWatch.
type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

// DiagnosticsConfig controls the ambient gin-based HTTP surface.
type DiagnosticsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LoadConfig reads, parses, and validates the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := strings.TrimSpace(os.Getenv("DEPTHFEED_REDIS_ADDR")); v != "" {
		cfg.Fabric.Leader.RedisAddr = v
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Source: SourceConfig{
			Exchange: ExchangeFutures,
			Depth:    15,
			Endpoints: map[Exchange]EndpointSet{
				ExchangeSpot: {
					WSURL:        "wss://stream.binance.us:9443/ws",
					RESTURL:      "https://api.binance.us/api/v3/depth",
					StreamSuffix: "@depth@100ms",
					Symbol:       "BTCUSD",
				},
				ExchangeFutures: {
					WSURL:        "wss://fstream.binance.com/ws",
					RESTURL:      "https://fapi.binance.com/fapi/v1/depth",
					StreamSuffix: "@depth",
					Symbol:       "BTCUSDT",
				},
			},
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    20,
				MaxConnsPerHost: 10,
				IdleConnTimeout: Duration(90 * time.Second),
			},
			SnapshotRetry: SnapshotRetryConfig{
				MaxAttempts: 3,
				Backoff:     Duration(2 * time.Second),
				Timeout:     Duration(10 * time.Second),
			},
		},
		Fabric: FabricConfig{
			Mode: ModeShared,
			SharedHost: SharedHostConfig{
				ListenAddr: ":8090",
				PruneEvery: Duration(3 * time.Second),
				VisibleTTL: Duration(6 * time.Second),
				HiddenTTL:  Duration(60 * time.Second),
			},
			Leader: LeaderConfig{
				RedisAddr:      "localhost:6379",
				ElectionKey:    "depthfeed:leader",
				HeartbeatTTL:   Duration(5 * time.Second),
				HeartbeatEvery: Duration(2 * time.Second),
				FollowerTTL:    Duration(5 * time.Second),
				PingEvery:      Duration(2 * time.Second),
			},
			SharedMemory: SharedMemoryConfig{
				Path: "/tmp/depthfeed.shm",
			},
		},
		Producer: ProducerConfig{
			CadenceMs:    100,
			BufferSize:   2048,
			GapTolerance: 1000,
		},
		Bridge: BridgeConfig{
			FrameHz:          60,
			FPSInstantaneous: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Diagnostics: DiagnosticsConfig{
			Enabled:    true,
			ListenAddr: ":8091",
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Source.Exchange != ExchangeSpot && cfg.Source.Exchange != ExchangeFutures {
		return fmt.Errorf("source.exchange must be %q or %q", ExchangeSpot, ExchangeFutures)
	}
	if _, ok := cfg.Source.Endpoints[cfg.Source.Exchange]; !ok {
		return fmt.Errorf("source.endpoints has no entry for exchange %q", cfg.Source.Exchange)
	}
	if cfg.Source.Depth <= 0 {
		return fmt.Errorf("source.depth must be greater than 0")
	}

	switch cfg.Fabric.Mode {
	case ModeShared, ModeBroadcast, ModeSharedMemory:
	default:
		return fmt.Errorf("fabric.mode must be one of %q, %q, %q", ModeShared, ModeBroadcast, ModeSharedMemory)
	}

	if cfg.Fabric.Mode == ModeBroadcast && cfg.Fabric.Leader.RedisAddr == "" {
		return fmt.Errorf("fabric.leader.redis_addr is required in broadcast mode")
	}

	if cfg.Producer.CadenceMs <= 0 {
		return fmt.Errorf("producer.cadence_ms must be greater than 0")
	}
	if cfg.Producer.GapTolerance <= 0 {
		return fmt.Errorf("producer.gap_tolerance must be greater than 0")
	}

	if cfg.Bridge.FrameHz <= 0 {
		return fmt.Errorf("bridge.frame_hz must be greater than 0")
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Namespace == "" {
		return fmt.Errorf("metrics.cloudwatch.namespace is required when CloudWatch export is enabled")
	}

	return nil
}

// Endpoint returns the configured endpoint triple for the selected exchange.
func (c *Config) Endpoint() EndpointSet {
	return c.Source.Endpoints[c.Source.Exchange]
}
