package wal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

// BoltLog stores log records as raft log entries in a bolt file. The LSN of a
// record is its entry index, so positions advance by one per record.
type BoltLog struct {
	store  *raftboltdb.BoltStore
	noSync bool
	logger *zap.Logger

	mu      sync.Mutex
	last    uint64
	flushed uint64
	closed  bool
}

// OpenBoltLog opens the log file at path. With noSync, commits skip fsync and
// Flush syncs explicitly.
func OpenBoltLog(path string, noSync bool, logger *zap.Logger) (*BoltLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := raftboltdb.New(raftboltdb.Options{Path: path, NoSync: noSync})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt log %s: %w", path, err)
	}
	last, err := store.LastIndex()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to read last index of bolt log: %w", err)
	}
	logger.Info("Bolt log opened", zap.String("path", path), zap.Uint64("lastIndex", last))
	return &BoltLog{store: store, noSync: noSync, logger: logger.Named("bolt_wal"), last: last, flushed: last}, nil
}

// Append stores the record as the next entry. begin is the entry index, end is begin+1.
func (b *BoltLog) Append(record *LogRecord) (LSN, LSN, error) {
	frame, err := record.Serialize()
	if err != nil {
		return InvalidLSN, InvalidLSN, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return InvalidLSN, InvalidLSN, ErrLogClosed
	}
	idx := b.last + 1
	if err := b.store.StoreLog(&raft.Log{
		Index:      idx,
		Term:       1,
		Type:       raft.LogCommand,
		Data:       frame,
		AppendedAt: time.Now(),
	}); err != nil {
		return InvalidLSN, InvalidLSN, fmt.Errorf("failed to store log entry %d: %w", idx, err)
	}
	b.last = idx
	if !b.noSync {
		b.flushed = idx
	}
	record.LSN = LSN(idx)
	b.logger.Debug("Appended log record",
		zap.Uint64("lsn", idx), zap.Stringer("type", record.Type), zap.Uint64("txnID", record.TxnID))
	return LSN(idx), LSN(idx + 1), nil
}

func (b *BoltLog) Flush(upTo LSN) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrLogClosed
	}
	if upTo != InvalidLSN && uint64(upTo) <= b.flushed+1 {
		return nil
	}
	if err := b.store.Sync(); err != nil {
		return fmt.Errorf("failed to sync bolt log: %w", err)
	}
	b.flushed = b.last
	return nil
}

func (b *BoltLog) Read(lsn LSN) (*LogRecord, error) {
	var entry raft.Log
	if err := b.store.GetLog(uint64(lsn), &entry); err != nil {
		if errors.Is(err, raft.ErrLogNotFound) {
			return nil, fmt.Errorf("lsn %d: %w", lsn, ErrInvalidLSN)
		}
		return nil, fmt.Errorf("failed to read log entry %d: %w", lsn, err)
	}
	lr := &LogRecord{LSN: lsn}
	if err := lr.Deserialize(entry.Data); err != nil {
		return nil, fmt.Errorf("log entry %d: %w", lsn, err)
	}
	return lr, nil
}

func (b *BoltLog) Iterate(from LSN, fn func(*LogRecord) error) error {
	first, err := b.store.FirstIndex()
	if err != nil {
		return fmt.Errorf("failed to read first index of bolt log: %w", err)
	}
	b.mu.Lock()
	last := b.last
	b.mu.Unlock()

	start := uint64(from)
	if start < first {
		start = first
	}
	if start == 0 {
		start = 1
	}
	for idx := start; idx <= last; idx++ {
		lr, err := b.Read(LSN(idx))
		if err != nil {
			return err
		}
		if err := fn(lr); err != nil {
			return err
		}
	}
	return nil
}

func (b *BoltLog) CurrentLSN() LSN {
	b.mu.Lock()
	defer b.mu.Unlock()
	return LSN(b.last + 1)
}

func (b *BoltLog) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.store.Close()
}
