// Package config loads the YAML configuration of the gojo2pc server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sushant-115/gojo2pc/core/twophase"
	"github.com/sushant-115/gojo2pc/core/write_engine/wal"
	"github.com/sushant-115/gojo2pc/pkg/logger"
	"github.com/sushant-115/gojo2pc/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// CAFile verifies client certificates when set.
	CAFile string `yaml:"ca_file"`
}

type ServerConfig struct {
	GRPCAddr          string    `yaml:"grpc_addr"`
	RequestsPerSecond float64   `yaml:"requests_per_second"`
	Burst             int       `yaml:"burst"`
	TLS               TLSConfig `yaml:"tls"`
}

type StatusLogConfig struct {
	Path string `yaml:"path"`
}

type CheckpointConfig struct {
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
}

type StorageConfig struct {
	DataDir        string  `yaml:"data_dir"`
	RemovalsPerSec float64 `yaml:"removals_per_sec"`
}

// Config is the whole server configuration.
type Config struct {
	Logger     logger.Config    `yaml:"logger"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	WAL        wal.Options      `yaml:"wal"`
	TwoPhase   twophase.Config  `yaml:"twophase"`
	StatusLog  StatusLogConfig  `yaml:"status_log"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
}

// Default returns a configuration rooted at dataDir.
func Default(dataDir string) Config {
	return Config{
		Logger:    logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{ServiceName: "gojo2pc", MetricsAddr: ":9464", TraceSampleRatio: 1},
		WAL: wal.Options{
			Backend:     wal.BackendSegment,
			Dir:         dataDir + "/wal",
			BufferSize:  64 * 1024,
			SegmentSize: 16 * 1024 * 1024,
		},
		TwoPhase:   twophase.Config{MaxPreparedXacts: twophase.DefaultMaxPreparedXacts, MaxRecordLen: twophase.MaxRecordLen},
		StatusLog:  StatusLogConfig{Path: dataDir + "/xact_status.db"},
		Checkpoint: CheckpointConfig{Dir: dataDir, Interval: 5 * time.Minute},
		Storage:    StorageConfig{DataDir: dataDir + "/base"},
		Server:     ServerConfig{GRPCAddr: ":7432", RequestsPerSecond: 1000, Burst: 100},
	}
}

// Load reads path over Default(dataDir). An empty path returns the defaults.
func Load(path, dataDir string) (Config, error) {
	cfg := Default(dataDir)
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if err := c.Logger.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.TwoPhase.MaxPreparedXacts <= 0 {
		errs = append(errs, fmt.Errorf("twophase.max_prepared_xacts must be positive, got %d", c.TwoPhase.MaxPreparedXacts))
	}
	if c.TwoPhase.MaxRecordLen <= 0 || c.TwoPhase.MaxRecordLen > twophase.MaxRecordLen {
		errs = append(errs, fmt.Errorf("twophase.max_record_len must be in (0, %d], got %d", twophase.MaxRecordLen, c.TwoPhase.MaxRecordLen))
	}
	switch c.WAL.Backend {
	case wal.BackendSegment, wal.BackendBolt:
	default:
		errs = append(errs, fmt.Errorf("wal.backend %q is not %q or %q", c.WAL.Backend, wal.BackendSegment, wal.BackendBolt))
	}
	if c.WAL.Dir == "" {
		errs = append(errs, errors.New("wal.dir is required"))
	}
	if c.WAL.Backend == wal.BackendSegment && (c.WAL.BufferSize <= 0 || c.WAL.SegmentSize <= 0) {
		errs = append(errs, errors.New("wal.buffer_size and wal.segment_size must be positive"))
	}
	if c.StatusLog.Path == "" {
		errs = append(errs, errors.New("status_log.path is required"))
	}
	if c.Checkpoint.Interval <= 0 {
		errs = append(errs, fmt.Errorf("checkpoint.interval must be positive, got %s", c.Checkpoint.Interval))
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls needs cert_file and key_file"))
	}
	return errors.Join(errs...)
}
