// Package config defines all configuration for the exchange core. Config
// is loaded from a YAML file (default: configs/config.yaml) with fields
// overridable via EXC_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Matching    MatchingConfig    `mapstructure:"matching"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	MarketData  MarketDataConfig  `mapstructure:"market_data"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// StorageConfig sets the on-disk layout and the flush/compaction knobs.
type StorageConfig struct {
	DataDir            string        `mapstructure:"data_dir"`
	MaxSegmentBytes    int64         `mapstructure:"max_segment_bytes"`
	MemtableSealBytes  int           `mapstructure:"memtable_seal_bytes"`
	BlockSizeBytes     int           `mapstructure:"block_size_bytes"`
	L0CompactionFiles  int           `mapstructure:"l0_compaction_files"`
	CompactionInterval time.Duration `mapstructure:"compaction_interval"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

// WALDir, SSTDir, and CheckpointDir derive the persisted-state layout from
// DataDir: wal/, sst/, checkpoints/.
func (s StorageConfig) WALDir() string        { return s.DataDir + "/wal" }
func (s StorageConfig) SSTDir() string        { return s.DataDir + "/sst" }
func (s StorageConfig) CheckpointDir() string { return s.DataDir + "/checkpoints" }

// MatchingConfig tunes the order router.
type MatchingConfig struct {
	// BreakerThreshold is how many consecutive WAL failures trip the
	// reject-all circuit breaker.
	BreakerThreshold int `mapstructure:"breaker_threshold"`
}

// RiskConfig sets account-level limits.
type RiskConfig struct {
	// MaintenanceMarginRate scales used margin into the liquidation
	// threshold checked at settlement.
	MaintenanceMarginRate float64 `mapstructure:"maintenance_margin_rate"`
}

// SnapshotConfig tunes the differential snapshot manager.
type SnapshotConfig struct {
	MaxPendingPatches int `mapstructure:"max_pending_patches"`
}

// NotifyConfig tunes the notification broker and gateway.
type NotifyConfig struct {
	BandCapacity int `mapstructure:"band_capacity"`
}

// MarketDataConfig tunes the snapshot/K-line generator.
type MarketDataConfig struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	DepthLevels      int           `mapstructure:"depth_levels"`
}

// ReplicationConfig selects the node's role. A follower pulls from
// PrimaryURL and never accepts client writes.
type ReplicationConfig struct {
	Role       string `mapstructure:"role"` // "primary" or "follower"
	PrimaryURL string `mapstructure:"primary_url"`
}

// ServerConfig controls the client-facing WebSocket endpoint.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with EXC_* env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.max_segment_bytes", int64(128<<20))
	v.SetDefault("storage.memtable_seal_bytes", 64<<20)
	v.SetDefault("storage.block_size_bytes", 4<<10)
	v.SetDefault("storage.l0_compaction_files", 4)
	v.SetDefault("storage.compaction_interval", "10s")
	v.SetDefault("storage.checkpoint_interval", "1m")
	v.SetDefault("matching.breaker_threshold", 3)
	v.SetDefault("risk.maintenance_margin_rate", 1.0)
	v.SetDefault("snapshot.max_pending_patches", 256)
	v.SetDefault("notify.band_capacity", 4096)
	v.SetDefault("market_data.snapshot_interval", "1s")
	v.SetDefault("market_data.depth_levels", 5)
	v.SetDefault("replication.role", "primary")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.MaxSegmentBytes <= 0 {
		return fmt.Errorf("storage.max_segment_bytes must be > 0")
	}
	if c.Storage.BlockSizeBytes <= 0 {
		return fmt.Errorf("storage.block_size_bytes must be > 0")
	}
	switch c.Replication.Role {
	case "primary":
	case "follower":
		if c.Replication.PrimaryURL == "" {
			return fmt.Errorf("replication.primary_url is required for a follower")
		}
	default:
		return fmt.Errorf("replication.role must be primary or follower")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Risk.MaintenanceMarginRate <= 0 {
		return fmt.Errorf("risk.maintenance_margin_rate must be > 0")
	}
	return nil
}
