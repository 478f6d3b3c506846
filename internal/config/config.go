// Package config loads streamplay's runtime tunables: cache sizing, the
// playback timers, and the two infrastructure knobs the CLI and
// devserver need that the core itself has no opinion about
// (SeekIndexPath, MaxOpenConnections).
//
// Layering follows drondeseries-altmount's config package: a struct of
// nested sub-configs, a validated zero-to-defaults constructor, and
// spf13/viper to merge an optional YAML file with environment
// overrides before unmarshaling into the struct.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CacheConfig sizes the VirtualBuffer/CachedFile layer.
type CacheConfig struct {
	BudgetBytes      int64 `mapstructure:"budget_bytes"`
	BlockSizeBytes   int64 `mapstructure:"block_size_bytes"`
	CloseEnoughBytes int64 `mapstructure:"close_enough_bytes"`
}

// PlaybackConfig carries PlaybackCore's speed bounds and phase timers.
type PlaybackConfig struct {
	MinSpeed           float64       `mapstructure:"min_speed"`
	MaxSpeed           float64       `mapstructure:"max_speed"`
	SeekBufferingDelay time.Duration `mapstructure:"seek_buffering_delay"`
	TickBufferingDelay time.Duration `mapstructure:"tick_buffering_delay"`
	FramePace          time.Duration `mapstructure:"frame_pace"`
	StartSkip          time.Duration `mapstructure:"start_skip"`
	HardFailureWindow  time.Duration `mapstructure:"hard_failure_window"`
}

// NetworkConfig bounds how many ranged-fetch connections the fetcher
// pool may hold open across every CachedFile sharing it.
type NetworkConfig struct {
	MaxOpenConnections int `mapstructure:"max_open_connections"`
}

// Config is the top-level tunable set for one streamplay process.
type Config struct {
	Cache    CacheConfig    `mapstructure:"cache"`
	Playback PlaybackConfig `mapstructure:"playback"`
	Network  NetworkConfig  `mapstructure:"network"`

	// SeekIndexPath, if non-empty, is the directory backing a
	// persisted seekindex.Store shared across runs against the same
	// recording. Empty disables the on-disk hint store.
	SeekIndexPath string `mapstructure:"seek_index_path"`
}

const (
	DefaultCacheBudgetBytes   = 200 * 1024 * 1024
	DefaultBlockSizeBytes     = 100 * 1024 * 1024
	DefaultCloseEnoughBytes   = 5 * 1024 * 1024
	DefaultMinSpeed           = 0.1
	DefaultMaxSpeed           = 10.0
	DefaultSeekBufferingDelay = 100 * time.Millisecond
	DefaultTickBufferingDelay = 500 * time.Millisecond
	DefaultFramePace          = 16 * time.Millisecond
	DefaultStartSkip          = 99 * time.Millisecond
	DefaultHardFailureWindow  = 100 * time.Millisecond
	DefaultMaxOpenConnections = 4
)

// Default returns the documented defaults from spec.md §6, with the two
// expansion knobs defaulted to a shared four-connection pool and no
// persisted seek index.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			BudgetBytes:      DefaultCacheBudgetBytes,
			BlockSizeBytes:   DefaultBlockSizeBytes,
			CloseEnoughBytes: DefaultCloseEnoughBytes,
		},
		Playback: PlaybackConfig{
			MinSpeed:           DefaultMinSpeed,
			MaxSpeed:           DefaultMaxSpeed,
			SeekBufferingDelay: DefaultSeekBufferingDelay,
			TickBufferingDelay: DefaultTickBufferingDelay,
			FramePace:          DefaultFramePace,
			StartSkip:          DefaultStartSkip,
			HardFailureWindow:  DefaultHardFailureWindow,
		},
		Network: NetworkConfig{
			MaxOpenConnections: DefaultMaxOpenConnections,
		},
	}
}

// Load merges the documented defaults with an optional YAML file at path
// (skipped if path is empty or the file doesn't exist) and environment
// variables prefixed STREAMPLAY_ (nested fields addressed with
// underscores, e.g. STREAMPLAY_CACHE_BUDGET_BYTES), following the layered
// viper setup drondeseries-altmount uses for its own config file.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("streamplay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil && !isConfigFileNotFound(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if !os.IsNotExist(statErr) {
			return Config{}, fmt.Errorf("config: checking %s: %w", path, statErr)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshaling: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("cache.budget_bytes", cfg.Cache.BudgetBytes)
	v.SetDefault("cache.block_size_bytes", cfg.Cache.BlockSizeBytes)
	v.SetDefault("cache.close_enough_bytes", cfg.Cache.CloseEnoughBytes)
	v.SetDefault("playback.min_speed", cfg.Playback.MinSpeed)
	v.SetDefault("playback.max_speed", cfg.Playback.MaxSpeed)
	v.SetDefault("playback.seek_buffering_delay", cfg.Playback.SeekBufferingDelay)
	v.SetDefault("playback.tick_buffering_delay", cfg.Playback.TickBufferingDelay)
	v.SetDefault("playback.frame_pace", cfg.Playback.FramePace)
	v.SetDefault("playback.start_skip", cfg.Playback.StartSkip)
	v.SetDefault("playback.hard_failure_window", cfg.Playback.HardFailureWindow)
	v.SetDefault("network.max_open_connections", cfg.Network.MaxOpenConnections)
	v.SetDefault("seek_index_path", cfg.SeekIndexPath)
}

func isConfigFileNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound)
}

// Validate checks the invariants the core assumes hold of any Config it
// is handed, following the shape of drondeseries-altmount's
// Config.Validate: one error per bad field, wrapped with its field name.
func (c Config) Validate() error {
	if c.Cache.BudgetBytes <= 0 {
		return fmt.Errorf("config: cache.budget_bytes must be positive")
	}
	if c.Cache.BlockSizeBytes <= 0 {
		return fmt.Errorf("config: cache.block_size_bytes must be positive")
	}
	if c.Cache.CloseEnoughBytes < 0 {
		return fmt.Errorf("config: cache.close_enough_bytes must not be negative")
	}
	if c.Playback.MinSpeed <= 0 || c.Playback.MaxSpeed < c.Playback.MinSpeed {
		return fmt.Errorf("config: playback.min_speed/max_speed must satisfy 0 < min <= max")
	}
	if c.Playback.FramePace <= 0 {
		return fmt.Errorf("config: playback.frame_pace must be positive")
	}
	if c.Network.MaxOpenConnections <= 0 {
		return fmt.Errorf("config: network.max_open_connections must be positive")
	}
	return nil
}
