// Package checkpoint persists the restart point of the server: where log
// replay starts and which prepared transactions were in flight at that point.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sushant-115/gojo2pc/core/transaction"
	"github.com/sushant-115/gojo2pc/core/twophase"
	"github.com/sushant-115/gojo2pc/core/write_engine/wal"
	"go.uber.org/zap"
)

const fileName = "checkpoint.json"

var ErrCorruptCheckpoint = errors.New("checkpoint file is corrupted")

// Checkpoint is the content of the checkpoint file.
type Checkpoint struct {
	RedoLSN   wal.LSN                    `json:"redo_lsn"`
	Timestamp int64                      `json:"timestamp"` // informational only
	NextXid   transaction.TxnID          `json:"next_xid"`
	Prepared  []twophase.PreparedPointer `json:"prepared"`
	OldestLSN wal.LSN                    `json:"oldest_lsn"`
}

// Store reads and writes the checkpoint file of a data directory.
type Store struct {
	path   string
	mu     sync.RWMutex
	logger *zap.Logger
}

func NewStore(dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: filepath.Join(dir, fileName), logger: logger.Named("checkpoint")}
}

// Save atomically replaces the checkpoint file.
func (s *Store) Save(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.Timestamp == 0 {
		cp.Timestamp = time.Now().Unix()
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	// write temp file, fsync, rename over the old file, fsync the directory
	tempPath := s.path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open temp checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync temp checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp checkpoint: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}
	if dir, err := os.Open(filepath.Dir(s.path)); err == nil {
		dir.Sync()
		dir.Close()
	}

	s.logger.Info("Checkpoint saved",
		zap.Uint64("redoLSN", uint64(cp.RedoLSN)),
		zap.Int("prepared", len(cp.Prepared)),
		zap.Uint64("nextXid", uint64(cp.NextXid)))
	return nil
}

// Load returns the last checkpoint, or an empty one if none was ever saved.
// A file that cannot be parsed is an error.
func (s *Store) Load() (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Checkpoint{RedoLSN: wal.InvalidLSN}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", s.path, ErrCorruptCheckpoint, err)
	}
	s.logger.Info("Checkpoint loaded",
		zap.Uint64("redoLSN", uint64(cp.RedoLSN)),
		zap.Int("prepared", len(cp.Prepared)),
		zap.Int64("timestamp", cp.Timestamp))
	return &cp, nil
}

// Log is the part of the write-ahead log the checkpointer uses.
type Log interface {
	Append(rec *wal.LogRecord) (wal.LSN, wal.LSN, error)
	Flush(upTo wal.LSN) error
	CurrentLSN() wal.LSN
}

// Checkpointer takes checkpoints of a two-phase manager.
type Checkpointer struct {
	store  *Store
	mgr    *twophase.Manager
	log    Log
	xids   transaction.XidCounter
	logger *zap.Logger
}

func NewCheckpointer(store *Store, mgr *twophase.Manager, log Log, xids transaction.XidCounter, logger *zap.Logger) *Checkpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpointer{store: store, mgr: mgr, log: log, xids: xids, logger: logger.Named("checkpointer")}
}

// Checkpoint captures the prepared set, logs a checkpoint record and saves
// the checkpoint file.
func (c *Checkpointer) Checkpoint() (*Checkpoint, error) {
	st := c.mgr.CaptureCheckpoint(c.log.CurrentLSN)
	cp := Checkpoint{
		RedoLSN:   st.RedoLSN,
		NextXid:   c.xids.Peek(),
		Prepared:  st.Prepared,
		OldestLSN: st.OldestLSN,
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint record: %w", err)
	}
	_, end, err := c.log.Append(&wal.LogRecord{Type: wal.LogRecordTypeCheckpoint, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to write checkpoint record: %w", err)
	}
	if err := c.log.Flush(end); err != nil {
		return nil, fmt.Errorf("failed to flush checkpoint record: %w", err)
	}
	if err := c.store.Save(cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Run checkpoints every interval until ctx is cancelled.
func (c *Checkpointer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Checkpoint(); err != nil {
				c.logger.Error("Checkpoint failed", zap.Error(err))
			}
		}
	}
}
