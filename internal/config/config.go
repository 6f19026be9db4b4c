package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/Hk669/snailDB/pkg/engine"
)

// Config is the root configuration for a snailDB process.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	Server  ServerConfig  `yaml:"http-server"`
	Storage StorageConfig `yaml:"storage"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig covers the on-disk layout, memtable sizing and
// compaction shape of a single database directory.
type StorageConfig struct {
	DataDir               string     `yaml:"data_dir"`
	MemtableBytes         uint64     `yaml:"memtable_bytes"`
	BlockSizeBytes        int        `yaml:"block_size_bytes"`
	BloomFPRate           float64    `yaml:"bloom_fp_rate"`
	Compaction            Compaction `yaml:"compaction"`
	CompressBlocks        bool       `yaml:"compress_blocks"`
	CompactionConcurrency int        `yaml:"compaction_concurrency"`
}

type Compaction struct {
	L0Trigger           int   `yaml:"l0_trigger"`
	BaseLevelBytes      int64 `yaml:"base_level_bytes"`
	LevelSizeMultiplier int   `yaml:"level_size_multiplier"`
	MaxLevels           int   `yaml:"max_levels"`
	TargetFileSizeBytes int64 `yaml:"target_file_size_bytes"`
}

// Default returns a baseline development config.
func Default() Config {
	eo := engine.DefaultOptions()
	return Config{
		Logger: LoggerConfig{Level: "INFO", JSON: false},
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:        "./data",
			MemtableBytes:  eo.MemtableBytes,
			BlockSizeBytes: eo.BlockSize,
			BloomFPRate:    eo.BloomFPRate,
			Compaction: Compaction{
				L0Trigger:           eo.L0CompactionTrigger,
				BaseLevelBytes:      eo.BaseLevelBytes,
				LevelSizeMultiplier: eo.LevelSizeMultiplier,
				MaxLevels:           eo.MaxLevels,
				TargetFileSizeBytes: eo.TargetFileSize,
			},
			CompactionConcurrency: eo.CompactionConcurrency,
		},
	}
}

// Load reads a YAML config file. A missing file is not an error, the
// defaults are used instead.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using defaults", "path", path)
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EngineOptions maps the storage section onto engine options.
func (c Config) EngineOptions() engine.Options {
	return engine.Options{
		MemtableBytes:         c.Storage.MemtableBytes,
		BlockSize:             c.Storage.BlockSizeBytes,
		BloomFPRate:           c.Storage.BloomFPRate,
		L0CompactionTrigger:   c.Storage.Compaction.L0Trigger,
		BaseLevelBytes:        c.Storage.Compaction.BaseLevelBytes,
		LevelSizeMultiplier:   c.Storage.Compaction.LevelSizeMultiplier,
		MaxLevels:             c.Storage.Compaction.MaxLevels,
		TargetFileSize:        c.Storage.Compaction.TargetFileSizeBytes,
		CompactionConcurrency: c.Storage.CompactionConcurrency,
		Compression:           c.Storage.CompressBlocks,
	}
}

// SetupLogger installs the global slog logger per the config.
func (c Config) SetupLogger() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logger.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
