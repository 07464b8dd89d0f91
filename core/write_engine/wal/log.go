package wal

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Log is implemented by every log backend.
type Log interface {
	Append(record *LogRecord) (begin LSN, end LSN, err error)
	Flush(upTo LSN) error
	Read(lsn LSN) (*LogRecord, error)
	Iterate(from LSN, fn func(*LogRecord) error) error
	CurrentLSN() LSN
	Close() error
}

const (
	BackendSegment = "segment"
	BackendBolt    = "bolt"
)

// Options selects and sizes a log backend.
type Options struct {
	Backend     string `yaml:"backend"`
	Dir         string `yaml:"dir"`
	BufferSize  int    `yaml:"buffer_size"`
	SegmentSize int64  `yaml:"segment_size"`
	NoSync      bool   `yaml:"no_sync"`
}

// Open returns the backend named by opts.Backend.
func Open(opts Options, logger *zap.Logger) (Log, error) {
	switch opts.Backend {
	case BackendSegment, "":
		lm, err := NewLogManager(opts.Dir, opts.BufferSize, opts.SegmentSize, logger)
		if err != nil {
			return nil, err
		}
		return lm, nil
	case BackendBolt:
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", opts.Dir, err)
		}
		bl, err := OpenBoltLog(filepath.Join(opts.Dir, "wal.bolt"), opts.NoSync, logger)
		if err != nil {
			return nil, err
		}
		return bl, nil
	default:
		return nil, fmt.Errorf("unknown log backend %q", opts.Backend)
	}
}
