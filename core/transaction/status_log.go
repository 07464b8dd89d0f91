package transaction

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"
)

var (
	ErrStatusConflict  = errors.New("transaction already has a different final status")
	ErrStatusLogClosed = errors.New("status log is closed")
)

var statusBucket = []byte("xact_status")

// MemStatusLog keeps transaction outcomes in memory.
type MemStatusLog struct {
	mu     sync.RWMutex
	states map[TxnID]TransactionState
}

func NewMemStatusLog() *MemStatusLog {
	return &MemStatusLog{states: make(map[TxnID]TransactionState)}
}

func (m *MemStatusLog) MarkCommitted(xid TxnID) error { return m.set(xid, TxnStateCommitted) }
func (m *MemStatusLog) MarkAborted(xid TxnID) error   { return m.set(xid, TxnStateAborted) }

func (m *MemStatusLog) set(xid TxnID, state TransactionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.states[xid]; ok && cur.Resolved() && cur != state {
		return fmt.Errorf("xid %d is %s: %w", xid, cur, ErrStatusConflict)
	}
	m.states[xid] = state
	return nil
}

func (m *MemStatusLog) Status(xid TxnID) (TransactionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[xid], nil
}

// LatestXid returns the highest xid with a recorded outcome, or InvalidTxnID.
func (m *MemStatusLog) LatestXid() (TxnID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := InvalidTxnID
	for xid := range m.states {
		if xid > latest {
			latest = xid
		}
	}
	return latest, nil
}

// BoltStatusLog persists transaction outcomes in a bolt database, one key per xid.
type BoltStatusLog struct {
	db     *bolt.DB
	logger *zap.Logger
}

// OpenBoltStatusLog opens (or creates) the status database at path.
func OpenBoltStatusLog(path string, logger *zap.Logger) (*BoltStatusLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open status log %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(statusBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create status bucket: %w", err)
	}
	logger.Info("Status log opened", zap.String("path", path))
	return &BoltStatusLog{db: db, logger: logger.Named("status_log")}, nil
}

func (s *BoltStatusLog) MarkCommitted(xid TxnID) error { return s.set(xid, TxnStateCommitted) }
func (s *BoltStatusLog) MarkAborted(xid TxnID) error   { return s.set(xid, TxnStateAborted) }

func (s *BoltStatusLog) set(xid TxnID, state TransactionState) error {
	key := xidKey(xid)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(statusBucket)
		if cur := b.Get(key); len(cur) == 1 {
			existing := TransactionState(cur[0])
			if existing.Resolved() && existing != state {
				return fmt.Errorf("xid %d is %s: %w", xid, existing, ErrStatusConflict)
			}
		}
		return b.Put(key, []byte{byte(state)})
	})
	if err != nil {
		s.logger.Error("Failed to record transaction status",
			zap.Uint64("xid", uint64(xid)), zap.Stringer("state", state), zap.Error(err))
		return err
	}
	return nil
}

func (s *BoltStatusLog) Status(xid TxnID) (TransactionState, error) {
	state := TxnStateRunning
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(statusBucket).Get(xidKey(xid))
		if len(v) == 1 {
			state = TransactionState(v[0])
		}
		return nil
	})
	if err != nil {
		return TxnStateRunning, fmt.Errorf("failed to read status of xid %d: %w", xid, err)
	}
	return state, nil
}

// LatestXid returns the highest xid with a recorded outcome, or InvalidTxnID
// when the log is empty. Keys are big-endian so the last key is the highest.
func (s *BoltStatusLog) LatestXid() (TxnID, error) {
	latest := InvalidTxnID
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(statusBucket).Cursor().Last()
		if len(k) == 8 {
			latest = TxnID(binary.BigEndian.Uint64(k))
		}
		return nil
	})
	if err != nil {
		return InvalidTxnID, fmt.Errorf("failed to read latest xid: %w", err)
	}
	return latest, nil
}

func (s *BoltStatusLog) Close() error {
	if s.db == nil {
		return ErrStatusLogClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func xidKey(xid TxnID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(xid))
	return k[:]
}
