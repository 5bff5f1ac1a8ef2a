// Package config loads the replication core's configuration file and
// environment overrides via viper, scoped to the tunables this repository
// actually has.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"meshkv/core"
	"meshkv/pkg/kverrors"
	"meshkv/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// FileConfig mirrors the YAML layout accepted by Load.
type FileConfig struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers"`
		DiscoveryTag   string   `mapstructure:"discovery_tag"`
	} `mapstructure:"network"`

	Storage struct {
		DataDir string `mapstructure:"data_dir"`
	} `mapstructure:"storage"`

	Tolerances struct {
		FutureSkewSeconds int `mapstructure:"future_skew_seconds"`
		MaxValueBytes     int `mapstructure:"max_value_bytes"`
	} `mapstructure:"tolerances"`

	Gossip struct {
		AnnounceIntervalSeconds int `mapstructure:"announce_interval_seconds"`
		PeerTTLSeconds          int `mapstructure:"peer_ttl_seconds"`
		CleanupIntervalSeconds  int `mapstructure:"cleanup_interval_seconds"`
	} `mapstructure:"gossip"`

	Peers struct {
		IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"`
		MaxFailures        int `mapstructure:"max_failures"`
		BackoffSeconds     int `mapstructure:"backoff_seconds"`
		TargetCount        int `mapstructure:"target_count"`
	} `mapstructure:"peers"`

	Resources struct {
		MaxConcurrentOps int `mapstructure:"max_concurrent_ops"`
	} `mapstructure:"resources"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// ToCore converts the file-shaped configuration into core.Config, filling
// any zero-valued field from core.DefaultConfig so a partial YAML file is
// valid.
func (f FileConfig) ToCore() core.Config {
	cfg := core.DefaultConfig()
	if f.Network.ListenAddr != "" {
		cfg.ListenAddr = f.Network.ListenAddr
	}
	if len(f.Network.BootstrapPeers) > 0 {
		cfg.BootstrapPeers = f.Network.BootstrapPeers
	}
	if f.Network.DiscoveryTag != "" {
		cfg.DiscoveryTag = f.Network.DiscoveryTag
	}
	if f.Storage.DataDir != "" {
		cfg.DataDir = f.Storage.DataDir
	}
	if f.Tolerances.FutureSkewSeconds > 0 {
		cfg.FutureSkewTolerance = time.Duration(f.Tolerances.FutureSkewSeconds) * time.Second
	}
	if f.Tolerances.MaxValueBytes > 0 {
		cfg.MaxValueBytes = f.Tolerances.MaxValueBytes
	}
	if f.Gossip.AnnounceIntervalSeconds > 0 {
		cfg.AnnounceInterval = time.Duration(f.Gossip.AnnounceIntervalSeconds) * time.Second
	}
	if f.Gossip.PeerTTLSeconds > 0 {
		cfg.PeerTTL = time.Duration(f.Gossip.PeerTTLSeconds) * time.Second
		cfg.BootstrapPeerTTL = 5 * cfg.PeerTTL
	}
	if f.Gossip.CleanupIntervalSeconds > 0 {
		cfg.CleanupInterval = time.Duration(f.Gossip.CleanupIntervalSeconds) * time.Second
	}
	if f.Peers.IdleTimeoutSeconds > 0 {
		cfg.IdleTimeout = time.Duration(f.Peers.IdleTimeoutSeconds) * time.Second
	}
	if f.Peers.MaxFailures > 0 {
		cfg.MaxFailures = f.Peers.MaxFailures
	}
	if f.Peers.BackoffSeconds > 0 {
		cfg.BackoffDuration = time.Duration(f.Peers.BackoffSeconds) * time.Second
	}
	if f.Peers.TargetCount > 0 {
		cfg.TargetPeerCount = f.Peers.TargetCount
	}
	if f.Resources.MaxConcurrentOps > 0 {
		cfg.MaxConcurrentOps = f.Resources.MaxConcurrentOps
	}
	return cfg
}

// Load reads <name>.yaml from the given search paths via
// viper.SetConfigName/AddConfigPath/ReadInConfig, merges environment
// overrides via AutomaticEnv, and returns the resulting core.Config. A
// missing file is not an error: defaults apply. If MESHKV_PROFILE names a
// profile (e.g. "prod"), the loaded file becomes "<name>.<profile>" instead
// of plain name.
func Load(name string, paths ...string) (core.Config, error) {
	if profile := utils.EnvOrDefault("MESHKV_PROFILE", ""); profile != "" {
		name = name + "." + profile
	}
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("MESHKV")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return core.Config{}, kverrors.Wrap(kverrors.Validation, "config.Load", err)
		}
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return core.Config{}, kverrors.Wrap(kverrors.Validation, "config.Load", fmt.Errorf("unmarshal: %w", err))
	}
	return fc.ToCore(), nil
}
