package stonesql

import (
	"fmt"

	"github.com/spf13/viper"
)

// EngineConfig is the engine's configuration, loaded from YAML.
type EngineConfig struct {
	Storage struct {
		// Mode is "disk" or "memory".
		Mode string `mapstructure:"mode"`
		// DirectIO opens data files with O_DIRECT.
		DirectIO bool `mapstructure:"direct_io"`
	} `mapstructure:"storage"`

	BufferPool struct {
		// FrameCount is the per-file frame budget.
		FrameCount int `mapstructure:"frame_count"`
		// DoubleWrite enables the torn-page staging file.
		DoubleWrite bool `mapstructure:"double_write"`
		// DoubleWriteThreshold is the slot count that triggers a flush.
		DoubleWriteThreshold int `mapstructure:"double_write_threshold"`
	} `mapstructure:"buffer_pool"`

	Wal struct {
		// Handler is "disk" or "vacuous".
		Handler string `mapstructure:"handler"`
		// EntriesPerFile caps the LSN window of one log file.
		EntriesPerFile int `mapstructure:"entries_per_file"`
		// BufferBytes caps the in-memory entry queue.
		BufferBytes int64 `mapstructure:"buffer_bytes"`
	} `mapstructure:"wal"`

	Trx struct {
		// Kit is "mvcc" or "vacuous".
		Kit string `mapstructure:"kit"`
	} `mapstructure:"trx"`

	Server struct {
		// ThreadModel is consumed by the session layer, not the
		// engine: "one-per-connection" or "pool".
		ThreadModel string `mapstructure:"thread_model"`
	} `mapstructure:"server"`
}

// DefaultConfig is a durable single-node setup: disk storage, disk
// WAL, MVCC transactions, double-write on.
func DefaultConfig() *EngineConfig {
	cfg := &EngineConfig{}
	cfg.Storage.Mode = "disk"
	cfg.BufferPool.DoubleWrite = true
	cfg.Wal.Handler = "disk"
	cfg.Trx.Kit = "mvcc"
	cfg.Server.ThreadModel = "one-per-connection"
	return cfg
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*EngineConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("storage.mode", "disk")
	v.SetDefault("storage.direct_io", false)
	v.SetDefault("buffer_pool.frame_count", 0)
	v.SetDefault("buffer_pool.double_write", true)
	v.SetDefault("buffer_pool.double_write_threshold", 0)
	v.SetDefault("wal.handler", "disk")
	v.SetDefault("wal.entries_per_file", 0)
	v.SetDefault("wal.buffer_bytes", 0)
	v.SetDefault("trx.kit", "mvcc")
	v.SetDefault("server.thread_model", "one-per-connection")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
