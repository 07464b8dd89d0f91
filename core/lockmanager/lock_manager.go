// Package lockmanager holds heavyweight object locks of transactions. Locks of
// a prepared transaction are written into its prepare record, are taken
// again by recovery and are released when the transaction is finished.
package lockmanager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/sushant-115/gojo2pc/core/transaction"
	"github.com/sushant-115/gojo2pc/core/twophase"
	"go.uber.org/zap"
)

// LockMode is the strength of a lock.
type LockMode uint8

const (
	LockShared    LockMode = 1
	LockExclusive LockMode = 2
)

func (m LockMode) String() string {
	switch m {
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("LockMode(%d)", uint8(m))
	}
}

// LockTag names a lockable object.
type LockTag struct {
	DatabaseID uint32
	ObjectID   uint64
}

func (t LockTag) String() string {
	return fmt.Sprintf("%d/%d", t.DatabaseID, t.ObjectID)
}

// lockRecordSize is the sub-record payload: database u32 | object u64 | mode u8 | pad.
const lockRecordSize = 16

var (
	ErrLockConflict = errors.New("lock is held in a conflicting mode")
	ErrBadLockData  = errors.New("malformed lock sub-record")
)

type lockEntry struct {
	holders map[transaction.TxnID]LockMode
}

// LockManager grants locks without waiting; a conflicting request fails.
type LockManager struct {
	mu      sync.Mutex
	locks   map[LockTag]*lockEntry
	byOwner map[transaction.TxnID][]LockTag
	logger  *zap.Logger
}

func NewLockManager(logger *zap.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{
		locks:   make(map[LockTag]*lockEntry),
		byOwner: make(map[transaction.TxnID][]LockTag),
		logger:  logger.Named("lockmanager"),
	}
}

func compatible(held, requested LockMode) bool {
	return held == LockShared && requested == LockShared
}

// Acquire takes tag in mode for xid. Re-acquiring a held lock is a no-op and a
// shared lock is upgraded when xid is its only holder.
func (lm *LockManager) Acquire(xid transaction.TxnID, tag LockTag, mode LockMode) error {
	if mode != LockShared && mode != LockExclusive {
		return fmt.Errorf("invalid lock mode %d", mode)
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	e, ok := lm.locks[tag]
	if !ok {
		e = &lockEntry{holders: make(map[transaction.TxnID]LockMode)}
		lm.locks[tag] = e
	}
	cur, holds := e.holders[xid]
	if holds && cur >= mode {
		return nil
	}
	for other, m := range e.holders {
		if other == xid {
			continue
		}
		if !compatible(m, mode) {
			return fmt.Errorf("%s lock on %s held by xid %d: %w", m, tag, other, ErrLockConflict)
		}
	}
	e.holders[xid] = mode
	if !holds {
		lm.byOwner[xid] = append(lm.byOwner[xid], tag)
	}
	return nil
}

// ReleaseAll drops every lock of xid and returns how many were held.
func (lm *LockManager) ReleaseAll(xid transaction.TxnID) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	tags := lm.byOwner[xid]
	for _, tag := range tags {
		e := lm.locks[tag]
		if e == nil {
			continue
		}
		delete(e.holders, xid)
		if len(e.holders) == 0 {
			delete(lm.locks, tag)
		}
	}
	delete(lm.byOwner, xid)
	return len(tags)
}

// Held returns the locks of xid keyed by tag.
func (lm *LockManager) Held(xid transaction.TxnID) map[LockTag]LockMode {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make(map[LockTag]LockMode, len(lm.byOwner[xid]))
	for _, tag := range lm.byOwner[xid] {
		out[tag] = lm.locks[tag].holders[xid]
	}
	return out
}

// SubRecords turns the locks of xid into prepare sub-records.
func (lm *LockManager) SubRecords(xid transaction.TxnID) []twophase.SubRecord {
	held := lm.Held(xid)
	out := make([]twophase.SubRecord, 0, len(held))
	for tag, mode := range held {
		out = append(out, twophase.SubRecord{
			RMID: twophase.RMLock,
			Info: uint16(mode),
			Data: EncodeLock(tag, mode),
		})
	}
	return out
}

func EncodeLock(tag LockTag, mode LockMode) []byte {
	buf := make([]byte, lockRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], tag.DatabaseID)
	binary.LittleEndian.PutUint64(buf[4:12], tag.ObjectID)
	buf[12] = byte(mode)
	return buf
}

func DecodeLock(data []byte) (LockTag, LockMode, error) {
	if len(data) != lockRecordSize {
		return LockTag{}, 0, fmt.Errorf("%d bytes: %w", len(data), ErrBadLockData)
	}
	mode := LockMode(data[12])
	if mode != LockShared && mode != LockExclusive {
		return LockTag{}, 0, fmt.Errorf("mode %d: %w", mode, ErrBadLockData)
	}
	return LockTag{
		DatabaseID: binary.LittleEndian.Uint32(data[0:4]),
		ObjectID:   binary.LittleEndian.Uint64(data[4:12]),
	}, mode, nil
}

// ResourceManager returns the handlers to register under twophase.RMLock.
func (lm *LockManager) ResourceManager() twophase.ResourceManager {
	release := func(xid transaction.TxnID, _ uint16, _ []byte) {
		lm.ReleaseAll(xid)
	}
	return twophase.ResourceManager{
		PostCommit: release,
		PostAbort:  release,
		Recover:    lm.recoverLock,
	}
}

func (lm *LockManager) recoverLock(xid transaction.TxnID, _ uint16, data []byte) {
	tag, mode, err := DecodeLock(data)
	if err != nil {
		lm.logger.Error("Skipping unreadable lock of prepared transaction", zap.Uint64("xid", uint64(xid)), zap.Error(err))
		return
	}
	if err := lm.Acquire(xid, tag, mode); err != nil {
		lm.logger.Error("Failed to re-acquire lock of prepared transaction",
			zap.Uint64("xid", uint64(xid)), zap.Stringer("tag", tag), zap.Error(err))
	}
}
