package cluster

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default cluster shape
const (
	DefaultNodes     = 5
	DefaultCapacity  = int64(2 << 30)
	DefaultBlockSize = 64 << 10
	DefaultChunkSize = 1 << 20
	DefaultBasePort  = 8000
)

// ErrInvalidConfig is returned by Validate for unusable settings
var ErrInvalidConfig = errors.New("invalid cluster config")

// Config describes one simulated cluster.
// Durations are written as Go duration strings in YAML ("200ms", "1s").
type Config struct {
	DataDir       string         `yaml:"data_dir"` // empty keeps every disk in memory
	Network       NetworkConfig  `yaml:"network"`
	Transfer      TransferConfig `yaml:"transfer"`
	CapacityBytes int64          `yaml:"capacity_bytes"`
	Seed          uint64         `yaml:"seed"`
	TickInterval  time.Duration  `yaml:"tick_interval"`
	RPCTimeout    time.Duration  `yaml:"rpc_timeout"`
	Nodes         int            `yaml:"nodes"`
	BlockSize     int            `yaml:"block_size"`
	ChunkSize     int            `yaml:"chunk_size"`
	BasePort      int            `yaml:"base_port"`
}

// NetworkConfig tunes addressing, delivery and liveness
type NetworkConfig struct {
	PoolBase          string        `yaml:"pool_base"`
	PoolSize          int           `yaml:"pool_size"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	LossProbability   float64       `yaml:"loss_probability"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SuspectAfter      int           `yaml:"suspect_after"` // k missed intervals; offline after 2k
	InboxSize         int           `yaml:"inbox_size"`
}

// TransferConfig tunes the transfer simulator
type TransferConfig struct {
	RateBps         int64         `yaml:"rate_bps"`
	Latency         time.Duration `yaml:"latency"`
	LossProbability float64       `yaml:"loss_probability"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

// DefaultConfig returns a five node in-memory cluster on a loss-free network
func DefaultConfig() Config {
	return Config{
		Nodes:         DefaultNodes,
		CapacityBytes: DefaultCapacity,
		BlockSize:     DefaultBlockSize,
		ChunkSize:     DefaultChunkSize,
		BasePort:      DefaultBasePort,
		TickInterval:  10 * time.Millisecond,
		RPCTimeout:    5 * time.Second,
		Seed:          1,
		Network: NetworkConfig{
			PoolBase:          "10.0.0.0",
			PoolSize:          254,
			AckTimeout:        200 * time.Millisecond,
			MaxRetries:        3,
			HeartbeatInterval: time.Second,
			SuspectAfter:      3,
			InboxSize:         256,
		},
		Transfer: TransferConfig{
			RateBps:     100 << 20,
			Latency:     50 * time.Millisecond,
			MaxAttempts: 3,
		},
	}
}

// LoadConfig reads a YAML file over the defaults.
// Keys missing from the file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from CLOUDSIM_* variables.
// getenv is os.Getenv outside of tests.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("CLOUDSIM_DATA_DIR"); v != "" {
		c.DataDir = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CLOUDSIM_NODES", &c.Nodes},
		{"CLOUDSIM_BLOCK_SIZE", &c.BlockSize},
		{"CLOUDSIM_CHUNK_SIZE", &c.ChunkSize},
		{"CLOUDSIM_BASE_PORT", &c.BasePort},
		{"CLOUDSIM_MAX_RETRIES", &c.Network.MaxRetries},
	}
	for _, e := range ints {
		if v := getenv(e.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = n
		}
	}

	if v := getenv("CLOUDSIM_CAPACITY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CLOUDSIM_CAPACITY: %w", err)
		}
		c.CapacityBytes = n
	}
	if v := getenv("CLOUDSIM_RATE_BPS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CLOUDSIM_RATE_BPS: %w", err)
		}
		c.Transfer.RateBps = n
	}
	if v := getenv("CLOUDSIM_SEED"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CLOUDSIM_SEED: %w", err)
		}
		c.Seed = n
	}
	if v := getenv("CLOUDSIM_LOSS"); v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CLOUDSIM_LOSS: %w", err)
		}
		c.Network.LossProbability = p
		c.Transfer.LossProbability = p
	}
	if v := getenv("CLOUDSIM_HEARTBEAT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CLOUDSIM_HEARTBEAT_INTERVAL: %w", err)
		}
		c.Network.HeartbeatInterval = d
	}
	return nil
}

// Validate reports the first unusable setting
func (c Config) Validate() error {
	switch {
	case c.Nodes < 1:
		return fmt.Errorf("%w: nodes must be at least 1, got %d", ErrInvalidConfig, c.Nodes)
	case c.Network.PoolSize < 2 || c.Network.PoolSize > 254:
		return fmt.Errorf("%w: pool_size must be in [2,254], got %d", ErrInvalidConfig, c.Network.PoolSize)
	case c.Nodes >= c.Network.PoolSize:
		// one address is kept for the coordinator's client endpoint
		return fmt.Errorf("%w: %d nodes do not fit a pool of %d", ErrInvalidConfig, c.Nodes, c.Network.PoolSize)
	case c.BlockSize <= 0:
		return fmt.Errorf("%w: block_size must be positive", ErrInvalidConfig)
	case c.CapacityBytes < int64(c.BlockSize):
		return fmt.Errorf("%w: capacity %d is smaller than one block", ErrInvalidConfig, c.CapacityBytes)
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalidConfig)
	case c.TickInterval <= 0 || c.RPCTimeout <= 0:
		return fmt.Errorf("%w: tick_interval and rpc_timeout must be positive", ErrInvalidConfig)
	case c.Network.AckTimeout <= 0 || c.Network.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: ack_timeout and heartbeat_interval must be positive", ErrInvalidConfig)
	case c.Network.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidConfig)
	case c.Network.SuspectAfter < 1:
		return fmt.Errorf("%w: suspect_after must be at least 1", ErrInvalidConfig)
	case c.Network.LossProbability < 0 || c.Network.LossProbability >= 1:
		return fmt.Errorf("%w: network loss_probability must be in [0,1)", ErrInvalidConfig)
	case c.Transfer.LossProbability < 0 || c.Transfer.LossProbability >= 1:
		return fmt.Errorf("%w: transfer loss_probability must be in [0,1)", ErrInvalidConfig)
	case c.Transfer.RateBps <= 0:
		return fmt.Errorf("%w: rate_bps must be positive", ErrInvalidConfig)
	case c.Transfer.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidConfig)
	}
	return nil
}
