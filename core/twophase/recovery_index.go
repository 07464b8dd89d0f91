package twophase

import (
	"sort"
	"sync"

	"github.com/sushant-115/gojo2pc/core/transaction"
	"github.com/sushant-115/gojo2pc/core/write_engine/wal"
)

// PreparedPointer locates the prepare record of an unresolved transaction.
type PreparedPointer struct {
	Xid transaction.TxnID `json:"xid"`
	LSN wal.LSN           `json:"lsn"`
}

// CheckpointAggregate is the list of prepared pointers stored with a checkpoint.
type CheckpointAggregate struct {
	Pointers []PreparedPointer
}

func newCheckpointAggregate() *CheckpointAggregate {
	return &CheckpointAggregate{Pointers: make([]PreparedPointer, 0, 10)}
}

func (a *CheckpointAggregate) Add(p PreparedPointer) {
	a.Pointers = append(a.Pointers, p)
}

// Oldest returns the smallest LSN in the aggregate. Log older than it may be discarded.
func (a *CheckpointAggregate) Oldest() (wal.LSN, bool) {
	return oldestLSN(a.Pointers)
}

func oldestLSN(ptrs []PreparedPointer) (wal.LSN, bool) {
	if len(ptrs) == 0 {
		return wal.InvalidLSN, false
	}
	oldest := ptrs[0].LSN
	for _, p := range ptrs[1:] {
		if p.LSN < oldest {
			oldest = p.LSN
		}
	}
	return oldest, true
}

// RecoveryIndex maps the xid of every unresolved prepared transaction to its
// prepare record. It lives only in memory.
type RecoveryIndex struct {
	mu      sync.Mutex
	entries map[transaction.TxnID]wal.LSN
}

func NewRecoveryIndex() *RecoveryIndex {
	return &RecoveryIndex{entries: make(map[transaction.TxnID]wal.LSN)}
}

func (ri *RecoveryIndex) Add(xid transaction.TxnID, lsn wal.LSN) {
	ri.mu.Lock()
	ri.entries[xid] = lsn
	ri.mu.Unlock()
}

func (ri *RecoveryIndex) Remove(xid transaction.TxnID) {
	ri.mu.Lock()
	delete(ri.entries, xid)
	ri.mu.Unlock()
}

func (ri *RecoveryIndex) Lookup(xid transaction.TxnID) (wal.LSN, bool) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	lsn, ok := ri.entries[xid]
	return lsn, ok
}

func (ri *RecoveryIndex) Len() int {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return len(ri.entries)
}

// Load adds every pointer of a checkpoint aggregate.
func (ri *RecoveryIndex) Load(ptrs []PreparedPointer) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	for _, p := range ptrs {
		ri.entries[p.Xid] = p.LSN
	}
}

// Snapshot returns the entries ordered by xid.
func (ri *RecoveryIndex) Snapshot() []PreparedPointer {
	ri.mu.Lock()
	out := make([]PreparedPointer, 0, len(ri.entries))
	for xid, lsn := range ri.entries {
		out = append(out, PreparedPointer{Xid: xid, LSN: lsn})
	}
	ri.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Xid < out[j].Xid })
	return out
}
