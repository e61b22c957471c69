package configuration

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"quorumkv/internal/configuration/properties"
	"quorumkv/internal/configuration/util"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigDir = "internal/static"
	configDirEnv     = "QUORUMKV_CONFIG_DIR"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads the base and profile configuration from the directory named by
// QUORUMKV_CONFIG_DIR, or internal/static when unset.
func Load() (*properties.Config, error) {
	dir := defaultConfigDir
	if v, ok := os.LookupEnv(configDirEnv); ok && v != "" {
		dir = v
	}
	return LoadFrom(dir)
}

func LoadFrom(dir string) (*properties.Config, error) {
	cfg, err := loadBaseConfig(dir)
	if err != nil {
		return nil, err
	}

	if cfg.Application.Profile != "" {
		if err := loadProfileConfig(dir, cfg); err != nil {
			return nil, err
		}
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadBaseConfig(dir string) (*properties.Config, error) {
	baseConfig, err := util.LoadAndExpandYaml(dir, "application")
	if err != nil {
		slog.Error("Error loading base config", "error", err)
		return nil, err
	}

	cfg := properties.Config{}
	if err := yaml.Unmarshal(baseConfig, &cfg); err != nil {
		slog.Error("Error parsing base config", "error", err)
		return nil, fmt.Errorf("parse base config: %w", err)
	}

	return &cfg, nil
}

func loadProfileConfig(dir string, cfg *properties.Config) error {
	profileConfig, err := util.LoadAndExpandYaml(dir, "application-"+cfg.Application.Profile)
	if err != nil {
		slog.Error("Error loading profile config", "profile", cfg.Application.Profile, "error", err)
		return err
	}

	if err := yaml.Unmarshal(profileConfig, cfg); err != nil {
		slog.Error("Error parsing profile config", "profile", cfg.Application.Profile, "error", err)
		return fmt.Errorf("parse profile config: %w", err)
	}

	return nil
}

func applyDefaults(cfg *properties.Config) {
	if cfg.Application.LogLevel == "" {
		cfg.Application.LogLevel = "info"
	}

	t := &cfg.Transport
	if t.Network == "" {
		t.Network = "tcp"
	}
	if t.Timeout == 0 {
		t.Timeout = 2000
	}
	if t.SendQueueSize == 0 {
		t.SendQueueSize = 1024
	}
	if t.MaxConcurrentStreams == 0 {
		t.MaxConcurrentStreams = 256
	}

	e := &cfg.Election
	if e.TickInterval == 0 {
		e.TickInterval = 50
	}
	if e.ElectionTicks == 0 {
		e.ElectionTicks = 10
	}
	if e.ElectionStaggerTicks == 0 {
		e.ElectionStaggerTicks = 3
	}
	if e.HeartbeatTicks == 0 {
		e.HeartbeatTicks = 2
	}
	if e.PeerDeadTicks == 0 {
		e.PeerDeadTicks = 2 * e.ElectionTicks
	}

	x := &cfg.Transaction
	if x.VoteTimeout == 0 {
		x.VoteTimeout = 2000
	}
	if x.WorkingTimeout == 0 {
		x.WorkingTimeout = 1000
	}
	if x.RetryInterval == 0 {
		x.RetryInterval = 200
	}
	if x.RecoveryInterval == 0 {
		x.RecoveryInterval = 500
	}
	if x.FinishedRetention == 0 {
		x.FinishedRetention = 60_000
	}
	if x.ReplicationFactor == 0 {
		x.ReplicationFactor = 3
	}

	if cfg.Counter.AntiEntropyInterval == 0 {
		cfg.Counter.AntiEntropyInterval = 500
	}
}

func Validate(cfg *properties.Config) error {
	c := cfg.Cluster
	if c.NodeId == 0 {
		return fmt.Errorf("%w: cluster.node-id must be non-zero", ErrInvalidConfig)
	}
	if _, ok := c.Peers[c.NodeId]; !ok {
		return fmt.Errorf("%w: cluster.peers must contain node %d", ErrInvalidConfig, c.NodeId)
	}
	if _, ok := c.Peers[0]; ok {
		return fmt.Errorf("%w: node id 0 is reserved", ErrInvalidConfig)
	}
	// transaction ids carry the node id in their top 16 bits
	for id := range c.Peers {
		if id > math.MaxUint16 {
			return fmt.Errorf("%w: node id %d exceeds %d", ErrInvalidConfig, id, math.MaxUint16)
		}
	}

	e := cfg.Election
	if e.ElectionTicks <= 0 || e.HeartbeatTicks <= 0 || e.PeerDeadTicks <= 0 {
		return fmt.Errorf("%w: election tick counts must be positive", ErrInvalidConfig)
	}
	if 2*e.HeartbeatTicks >= e.ElectionTicks {
		return fmt.Errorf("%w: heartbeat-ticks must be below half of election-ticks", ErrInvalidConfig)
	}
	if e.JitterTicks < 0 || e.ElectionStaggerTicks < 0 {
		return fmt.Errorf("%w: jitter and stagger ticks must not be negative", ErrInvalidConfig)
	}

	if cfg.Transaction.ReplicationFactor < 1 {
		return fmt.Errorf("%w: transaction.replication-factor must be at least 1", ErrInvalidConfig)
	}
	if cfg.Counter.Fanout < 0 {
		return fmt.Errorf("%w: counter.fanout must not be negative", ErrInvalidConfig)
	}

	return nil
}
