// Package config loads Bifrost's closed configuration option set (spec.md
// §6) with github.com/spf13/viper and adapts it into the per-component
// Options structs (logstore.PebbleOptions, logstore.WriterOptions,
// local.Options, replicated.SequencerOptions/ClientOptions/Policy,
// metadatastore.Options), the same "Options struct with defaults applied in
// a constructor" shape liftbridge's commitlog.New uses, but sourced from
// file/env instead of being built up by hand (SPEC_FULL.md §10.3).
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/restatedev/bifrost/logger"
	"github.com/restatedev/bifrost/loglet/local"
	"github.com/restatedev/bifrost/loglet/replicated"
	"github.com/restatedev/bifrost/logstore"
	"github.com/restatedev/bifrost/metadatastore"
	"github.com/restatedev/bifrost/recordcache"
)

// Config is the closed set of configuration options spec.md §6 enumerates.
// Every field here corresponds to exactly one bullet in that section; no
// option exists outside this struct.
type Config struct {
	// Local log store (C2/C3).
	DataDir              string   `mapstructure:"data_dir"`
	WALEnabled           bool     `mapstructure:"wal_enabled"`
	BatchWALFlushes      bool     `mapstructure:"batch_wal_flushes"`
	MemtableCount        int      `mapstructure:"memtable_count"`
	LevelCompression     []string `mapstructure:"level_compression"`
	WriteBatchMaxBytes   int      `mapstructure:"write_batch_max_bytes"`
	WriteBatchMaxRecords int      `mapstructure:"write_batch_max_records"`

	// Replicated loglet (C7/C8).
	ReplicationFactor    int           `mapstructure:"replication_factor"`
	FailureDomains       int           `mapstructure:"failure_domains"`
	SpreadStrategy       string        `mapstructure:"spread_strategy"` // "flood" | "balanced"
	SequencerMaxInFlight int           `mapstructure:"sequencer_max_in_flight"`
	SequencerMaxRetries  int           `mapstructure:"sequencer_max_retries"`
	RPCTimeout           time.Duration `mapstructure:"rpc_timeout"`

	// Record cache (C6).
	RecordCacheBytes int `mapstructure:"record_cache_bytes"`

	// Metadata store (narrow chain load/store interface Bifrost consumes).
	NodeID             string        `mapstructure:"node_id"`
	MetadataDir        string        `mapstructure:"metadata_dir"`
	MetadataBootstrap  bool          `mapstructure:"metadata_bootstrap"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`

	// Ambient.
	LogLevel string `mapstructure:"log_level"`
}

// defaults mirrors the zero-value-filled-in-after-Unmarshal shape of
// commitlog.New's defaultMaxSegmentBytes-style constants (SPEC_FULL.md
// §10.3), expressed as viper.SetDefault calls so env/file overrides still
// win.
func defaults(v *viper.Viper) {
	v.SetDefault("wal_enabled", true)
	v.SetDefault("batch_wal_flushes", true)
	v.SetDefault("memtable_count", 4)
	v.SetDefault("level_compression", []string{"none", "snappy", "snappy", "zstd", "zstd", "zstd", "zstd"})
	v.SetDefault("write_batch_max_bytes", 4<<20)
	v.SetDefault("write_batch_max_records", 1000)

	v.SetDefault("replication_factor", 3)
	v.SetDefault("failure_domains", 1)
	v.SetDefault("spread_strategy", "flood")
	v.SetDefault("sequencer_max_in_flight", 1000)
	v.SetDefault("sequencer_max_retries", 3)
	v.SetDefault("rpc_timeout", 5*time.Second)

	v.SetDefault("record_cache_bytes", 64<<20)

	v.SetDefault("metadata_bootstrap", false)
	v.SetDefault("checkpoint_interval", time.Second)

	v.SetDefault("log_level", "info")
}

// Load reads configuration from path (if non-empty), then from any
// BIFROST_-prefixed environment variable, matching the precedence viper
// documents (explicit Set > flag > env > config file > default).
// path may be empty, in which case only env vars and defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("bifrost")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)

	// AutomaticEnv only resolves keys viper already knows about (from a
	// default, the config file, or an explicit bind); data_dir/node_id/
	// metadata_dir have no sensible default, so they need an explicit
	// BindEnv to be readable from BIFROST_DATA_DIR etc.
	for _, key := range []string{"data_dir", "node_id", "metadata_dir"} {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrapf(err, "config: bind env for %s", key)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "config: read config file")
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if c.DataDir == "" {
		return nil, errors.New("config: data_dir is required")
	}
	if c.NodeID == "" {
		return nil, errors.New("config: node_id is required")
	}
	if c.MetadataDir == "" {
		c.MetadataDir = c.DataDir
	}
	return &c, nil
}

// Logger builds the ambient logger.Logger this process's components share,
// each annotated with its own fields via logger.NewWithFields.
func (c *Config) Logger() (logger.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrapf(err, "config: log_level %q", c.LogLevel)
	}
	return logger.New(level), nil
}

func compressionLevels(names []string) ([]pebble.Compression, error) {
	levels := make([]pebble.Compression, len(names))
	for i, n := range names {
		switch strings.ToLower(n) {
		case "none":
			levels[i] = pebble.NoCompression
		case "snappy":
			levels[i] = pebble.SnappyCompression
		case "zstd":
			levels[i] = pebble.ZstdCompression
		default:
			return nil, errors.Errorf("config: unknown level_compression value %q", n)
		}
	}
	return levels, nil
}

// PebbleOptions adapts Config into the local log store's on-disk engine
// options (C2, spec.md §4.2/§6).
func (c *Config) PebbleOptions(dir string, log logger.Logger) (logstore.PebbleOptions, error) {
	levels, err := compressionLevels(c.LevelCompression)
	if err != nil {
		return logstore.PebbleOptions{}, err
	}
	return logstore.PebbleOptions{
		Dir:              dir,
		WALEnabled:       c.WALEnabled,
		BatchWALFlushes:  c.BatchWALFlushes,
		MemtableCount:    c.MemtableCount,
		LevelCompression: levels,
		Logger:           log,
	}, nil
}

// WriterOptions adapts Config into the log-store writer's batch-admission
// bounds (C3, spec.md §4.3/§6).
func (c *Config) WriterOptions(log logger.Logger) logstore.WriterOptions {
	return logstore.WriterOptions{
		MaxBatchRecords: c.WriteBatchMaxRecords,
		MaxBatchBytes:   c.WriteBatchMaxBytes,
		BatchWALFlushes: c.BatchWALFlushes,
		Logger:          log,
	}
}

// RecordCache constructs the process-wide shared record cache (C6,
// spec.md §4.6/§6) sized from RecordCacheBytes. A budget of 0 makes the
// cache a documented no-op, never an error.
func (c *Config) RecordCache() *recordcache.Cache {
	return recordcache.New(c.RecordCacheBytes)
}

// LocalLogletOptions adapts Config into a local loglet's options (C5).
// cache may be nil, matching local.Options' documented nil-is-valid field.
func (c *Config) LocalLogletOptions(cache *recordcache.Cache, log logger.Logger) local.Options {
	return local.Options{Cache: cache, Logger: log}
}

// ReplicationPolicy adapts Config into the replication policy a replicated
// segment's sequencer and client share (spec.md §3/§4.5/§6).
func (c *Config) ReplicationPolicy() (replicated.Policy, error) {
	var spread replicated.SpreadStrategy
	switch strings.ToLower(c.SpreadStrategy) {
	case "", "flood":
		spread = replicated.Flood
	case "balanced":
		spread = replicated.Balanced
	default:
		return replicated.Policy{}, errors.Errorf("config: unknown spread_strategy %q", c.SpreadStrategy)
	}
	return replicated.Policy{
		ReplicationFactor: c.ReplicationFactor,
		MaxFailures:       c.FailureDomains,
		Spread:            spread,
	}, nil
}

// SequencerOptions adapts Config into the sequencer's back-pressure/retry
// bounds (C7, spec.md §4.5/§6, back-pressure default per SPEC_FULL.md §13).
func (c *Config) SequencerOptions(log logger.Logger) replicated.SequencerOptions {
	return replicated.SequencerOptions{
		MaxInFlight: c.SequencerMaxInFlight,
		MaxRetries:  c.SequencerMaxRetries,
		Logger:      log,
	}
}

// ClientOptions adapts Config into the non-sequencer client's per-RPC
// timeout (C8, spec.md §4.5/§6).
func (c *Config) ClientOptions(log logger.Logger) replicated.ClientOptions {
	return replicated.ClientOptions{
		RequestTimeout: c.RPCTimeout,
		Logger:         log,
	}
}

// MetadataStoreOptions adapts Config into the chain metadata store's
// options (spec.md §1).
func (c *Config) MetadataStoreOptions(log logger.Logger) metadatastore.Options {
	return metadatastore.Options{
		NodeID:             c.NodeID,
		Dir:                c.MetadataDir,
		Bootstrap:          c.MetadataBootstrap,
		CheckpointInterval: c.CheckpointInterval,
		Logger:             log,
	}
}
