package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a fleet process (gateway or CLI).
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway"`
	Broker       BrokerConfig       `yaml:"broker"`
	Events       EventsConfig       `yaml:"events"`
	Database     DatabaseConfig     `yaml:"database"`
	Accumulator  AccumulatorConfig  `yaml:"accumulator"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Transport    TransportConfig    `yaml:"transport"`
	Server       ServerConfig       `yaml:"server"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// GatewayConfig identifies this gateway and controls its liveness reporting.
type GatewayConfig struct {
	ID string `yaml:"id"` // defaults to hostname when empty

	// HeartbeatInterval is how often the gateway renews its liveness key.
	// The registry TTL is three times this interval so a single missed
	// tick does not mark the gateway dead.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// BrokerConfig configures the Redis broker that holds all cross-process state.
type BrokerConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Timeout  time.Duration `yaml:"timeout"`

	// StreamMaxLen is the high-water mark for per-gateway command streams;
	// older entries are trimmed (approximately) past this point.
	StreamMaxLen int64 `yaml:"stream_max_len"`
}

// EventsConfig configures the optional NATS fan-out of fleet events.
type EventsConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	StreamName string        `yaml:"stream_name"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DatabaseConfig configures the Postgres record store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// AccumulatorConfig controls inbound message debouncing.
type AccumulatorConfig struct {
	Debounce time.Duration `yaml:"debounce"`

	// BufferTTL is a safety bound on buffered item ids in the broker; it
	// must be well above Debounce so a crashed gateway's buffers survive
	// until the next FlushAll sweep.
	BufferTTL time.Duration `yaml:"buffer_ttl"`
}

// OrchestratorConfig controls the decide/act loop.
type OrchestratorConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	LockLease     time.Duration `yaml:"lock_lease"`

	// DecisionURL is the external decision service endpoint. Required for
	// gateway processes; the CLI never consults it.
	DecisionURL string `yaml:"decision_url"`
}

// TransportConfig configures the duplex-messaging bridge connection.
type TransportConfig struct {
	BridgeURL      string        `yaml:"bridge_url"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// ServerConfig configures the metrics/health HTTP listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// TelemetryConfig configures optional OTLP tracing.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration suitable for local development
// against a broker on localhost.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			HeartbeatInterval: 10 * time.Second,
		},
		Broker: BrokerConfig{
			Addr:         "localhost:6379",
			Timeout:      5 * time.Second,
			StreamMaxLen: 1024,
		},
		Events: EventsConfig{
			URL:        "nats://localhost:4222",
			StreamName: "FLEET",
			Timeout:    10 * time.Second,
		},
		Accumulator: AccumulatorConfig{
			Debounce:  6 * time.Second,
			BufferTTL: 10 * time.Minute,
		},
		Orchestrator: OrchestratorConfig{
			MaxIterations: 5,
			LockLease:     2 * time.Minute,
		},
		Transport: TransportConfig{
			DialTimeout:    10 * time.Second,
			ReconnectDelay: 5 * time.Second,
		},
		Server: ServerConfig{
			Addr:         ":9090",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file at the specified
// path, layered over DefaultConfig. Environment variables referenced in the
// file (e.g. ${FLEET_REDIS_PASSWORD}) are expanded before parsing.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as runtime
// misbehavior deep inside the coordination layer.
func (c *Config) Validate() error {
	if c.Gateway.HeartbeatInterval <= 0 {
		return fmt.Errorf("gateway.heartbeat_interval must be positive, got %s", c.Gateway.HeartbeatInterval)
	}
	if c.Accumulator.Debounce <= 0 {
		return fmt.Errorf("accumulator.debounce must be positive, got %s", c.Accumulator.Debounce)
	}
	if c.Accumulator.BufferTTL <= c.Accumulator.Debounce {
		return fmt.Errorf("accumulator.buffer_ttl (%s) must exceed the debounce window (%s)",
			c.Accumulator.BufferTTL, c.Accumulator.Debounce)
	}
	if c.Orchestrator.MaxIterations <= 0 {
		return fmt.Errorf("orchestrator.max_iterations must be positive, got %d", c.Orchestrator.MaxIterations)
	}
	return nil
}

// HeartbeatTTL returns the registry liveness TTL derived from the heartbeat
// interval.
func (g GatewayConfig) HeartbeatTTL() time.Duration {
	return 3 * g.HeartbeatInterval
}
