// Package config carries the engine configuration: defaults, YAML file
// loading with environment variable overrides, validation and an
// atomically swappable runtime view.
//
// Precedence: defaults, then YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nuvalabs/playersync/internal/pool"
	"github.com/nuvalabs/playersync/retry"
	"github.com/nuvalabs/playersync/store"
	"github.com/nuvalabs/playersync/types"
)

// Config is the complete engine configuration.
type Config struct {
	// Engine tunes the save/load pipeline.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Cache bounds the snapshot cache.
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Batch tunes the write coalescer.
	Batch BatchConfig `yaml:"batch" env:"BATCH"`

	// Autosave schedules the periodic full sweep.
	Autosave AutosaveConfig `yaml:"autosave" env:"AUTOSAVE"`

	// CrashProtection tunes the stall supervisor.
	CrashProtection CrashProtectionConfig `yaml:"crash_protection" env:"CRASH_PROTECTION"`

	// Sync toggles which state sections travel.
	Sync types.SyncOptions `yaml:"sync" env:"SYNC"`

	// Persistence and Serialization size the two worker pools.
	Persistence   pool.Config `yaml:"persistence" env:"PERSISTENCE"`
	Serialization pool.Config `yaml:"serialization" env:"SERIALIZATION"`

	// Mongo configures the backend.
	Mongo store.MongoConfig `yaml:"mongo" env:"MONGO"`

	// Codec tunes inventory encoding.
	Codec CodecConfig `yaml:"codec" env:"CODEC"`

	// Log configures the zap logger.
	Log LogConfig `yaml:"log" env:"LOG"`
}

// EngineConfig tunes the save/load pipeline.
type EngineConfig struct {
	// LoadTimeout bounds a blocking load against the backend.
	LoadTimeout time.Duration `yaml:"load_timeout" env:"LOAD_TIMEOUT"`

	// SaveTimeout bounds a single backend write.
	SaveTimeout time.Duration `yaml:"save_timeout" env:"SAVE_TIMEOUT"`

	// SaveCooldown rate-limits saves per entity.
	SaveCooldown time.Duration `yaml:"save_cooldown" env:"SAVE_COOLDOWN"`

	// ReconcileEvery makes every Kth save per entity use strict
	// comparison instead of the quick policy, so deltas the quick
	// policy skips still reach the backend eventually.
	ReconcileEvery uint64 `yaml:"reconcile_every" env:"RECONCILE_EVERY"`

	// ShutdownTimeout bounds the final flush on Shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// CacheConfig bounds the snapshot cache.
type CacheConfig struct {
	Capacity      int           `yaml:"capacity" env:"CAPACITY"`
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// BatchConfig tunes the write coalescer.
type BatchConfig struct {
	// Threshold is the queue depth that triggers an immediate flush,
	// and the maximum batch size per backend call.
	Threshold int `yaml:"threshold" env:"THRESHOLD"`

	// MaxWait flushes a partial batch that has been waiting this long.
	MaxWait time.Duration `yaml:"max_wait" env:"MAX_WAIT"`
}

// AutosaveConfig schedules the periodic save of every active entity.
type AutosaveConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Interval is the normal sweep period.
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`

	// HighLoadThreshold is the active entity count at which the sweep
	// tightens to the shorter HighLoadInterval, bounding how much
	// progress a crash can cost when many entities are live.
	HighLoadThreshold int           `yaml:"high_load_threshold" env:"HIGH_LOAD_THRESHOLD"`
	HighLoadInterval  time.Duration `yaml:"high_load_interval" env:"HIGH_LOAD_INTERVAL"`

	// BulkThreshold switches the sweep from per-entity saves to one
	// bulk write when at least this many entities are active.
	BulkThreshold int `yaml:"bulk_threshold" env:"BULK_THRESHOLD"`
}

// CrashProtectionConfig tunes the stall supervisor.
type CrashProtectionConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// ProbeInterval is how often the liveness probe should fire.
	ProbeInterval time.Duration `yaml:"probe_interval" env:"PROBE_INTERVAL"`

	// LagThreshold is the probe gap that counts as a stall.
	LagThreshold time.Duration `yaml:"lag_threshold" env:"LAG_THRESHOLD"`

	// Cooldown is the minimum spacing between emergency saves.
	Cooldown time.Duration `yaml:"cooldown" env:"COOLDOWN"`

	// Retry shapes per-entity write retries during an emergency save.
	Retry retry.Policy `yaml:"retry" env:"RETRY"`
}

// CodecConfig tunes inventory encoding.
type CodecConfig struct {
	// MemoCapacity bounds the encode memo. Zero disables it.
	MemoCapacity int `yaml:"memo_capacity" env:"MEMO_CAPACITY"`

	// MaxCachedBlobLen skips memoizing encodings longer than this.
	MaxCachedBlobLen int `yaml:"max_cached_blob_len" env:"MAX_CACHED_BLOB_LEN"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`

	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`

	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// Default returns the tuned defaults. Numbers reflect a busy game host:
// a couple thousand concurrently tracked entities with save bursts on
// world events.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			LoadTimeout:     30 * time.Second,
			SaveTimeout:     10 * time.Second,
			SaveCooldown:    time.Second,
			ReconcileEvery:  16,
			ShutdownTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Capacity:      2000,
			TTL:           30 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Batch: BatchConfig{
			Threshold: 25,
			MaxWait:   50 * time.Millisecond,
		},
		Autosave: AutosaveConfig{
			Enabled:           true,
			Interval:          5 * time.Minute,
			HighLoadThreshold: 100,
			HighLoadInterval:  60 * time.Second,
			BulkThreshold:     20,
		},
		CrashProtection: CrashProtectionConfig{
			Enabled:       true,
			ProbeInterval: time.Second,
			LagThreshold:  10 * time.Second,
			Cooldown:      30 * time.Second,
			Retry:         retry.DefaultPolicy(),
		},
		Sync:          types.DefaultSyncOptions(),
		Persistence:   pool.Config{Workers: 8, QueueSize: 512},
		Serialization: pool.Config{Workers: 4, QueueSize: 256},
		Mongo:         store.DefaultMongoConfig(),
		Codec: CodecConfig{
			MemoCapacity:     1000,
			MaxCachedBlobLen: 10000,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []string

	if c.Cache.Capacity <= 0 {
		errs = append(errs, "cache capacity must be positive")
	}
	if c.Batch.Threshold <= 0 {
		errs = append(errs, "batch threshold must be positive")
	}
	if c.Batch.MaxWait <= 0 {
		errs = append(errs, "batch max_wait must be positive")
	}
	if c.Engine.ReconcileEvery == 0 {
		errs = append(errs, "reconcile_every must be at least 1")
	}
	if c.Persistence.Workers <= 0 || c.Serialization.Workers <= 0 {
		errs = append(errs, "pool workers must be positive")
	}
	if c.Autosave.Enabled && c.Autosave.Interval <= 0 {
		errs = append(errs, "autosave interval must be positive")
	}
	if c.CrashProtection.Enabled {
		if c.CrashProtection.ProbeInterval <= 0 {
			errs = append(errs, "crash protection probe_interval must be positive")
		}
		if c.CrashProtection.LagThreshold <= c.CrashProtection.ProbeInterval {
			errs = append(errs, "crash protection lag_threshold must exceed probe_interval")
		}
	}
	if c.Mongo.Database == "" || c.Mongo.Collection == "" {
		errs = append(errs, "mongo database and collection are required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// EnvPrefix is the prefix for environment variable overrides, e.g.
// PLAYERSYNC_MONGO_HOST.
const EnvPrefix = "PLAYERSYNC"

// Load builds the configuration from defaults, the YAML file at path
// (skipped when path is empty or the file does not exist) and
// environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv walks the struct and overrides fields whose env-tagged
// variable is set.
func applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		key := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := applyEnv(field, key); err != nil {
				return err
			}
			continue
		}

		value := os.Getenv(key)
		if value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}
