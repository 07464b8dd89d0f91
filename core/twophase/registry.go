package twophase

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojo2pc/core/transaction"
	"github.com/sushant-115/gojo2pc/core/write_engine/wal"
)

// DefaultMaxPreparedXacts is the registry capacity when none is configured.
const DefaultMaxPreparedXacts = 5

// Entry is one registry slot. Fields are guarded by Registry.mu; the session
// holding the entry may read the immutable ones without it.
type Entry struct {
	slot          int
	gid           string
	xid           transaction.TxnID
	ownerID       uint32
	databaseID    uint32
	preparedAt    time.Time
	distribTS     uint32
	distribXid    uint32
	beginLSN      wal.LSN
	endLSN        wal.LSN
	subxids       []transaction.TxnID
	valid         bool
	locker        uuid.UUID
	dependentWork int
	handle        *transaction.Handle
}

// EntryInfo is a copy of an entry handed out to callers.
type EntryInfo struct {
	GID           string
	Xid           transaction.TxnID
	OwnerID       uint32
	DatabaseID    uint32
	PreparedAt    time.Time
	BeginLSN      wal.LSN
	EndLSN        wal.LSN
	Subxids       []transaction.TxnID
	Valid         bool
	Locked        bool
	DependentWork int

	// DistribTimestamp and DistribXid are cracked from a coordinator-issued
	// GID and are zero for any other identifier.
	DistribTimestamp uint32
	DistribXid       uint32
}

// ReserveRequest describes the entry to create.
type ReserveRequest struct {
	GID        string
	Xid        transaction.TxnID
	OwnerID    uint32
	DatabaseID uint32
	PreparedAt time.Time
	Subxids    []transaction.TxnID
	BeginLSN   wal.LSN
	EndLSN     wal.LSN
}

type xidCacheEntry struct {
	xid    transaction.TxnID
	slot   int
	handle *transaction.Handle
}

// Registry is the fixed-capacity table of in-flight prepared transactions.
// Slots live in an arena and are recycled through a free-index stack.
type Registry struct {
	mu         sync.RWMutex
	slots      []Entry
	free       []int
	active     []int
	visibility transaction.VisibilityIndex
	cache      *xidCacheEntry
	cacheMu    sync.Mutex
}

func NewRegistry(capacity int, visibility transaction.VisibilityIndex) *Registry {
	if capacity <= 0 {
		capacity = DefaultMaxPreparedXacts
	}
	r := &Registry{
		slots:      make([]Entry, capacity),
		free:       make([]int, 0, capacity),
		active:     make([]int, 0, capacity),
		visibility: visibility,
	}
	for i := capacity - 1; i >= 0; i-- {
		r.free = append(r.free, i)
	}
	return r
}

func (r *Registry) Capacity() int { return len(r.slots) }

// Len returns the number of entries, valid or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Reserve claims a free slot for req and locks it for sess. The entry is not
// valid until Validate is called.
func (r *Registry) Reserve(sess *Session, req ReserveRequest) (*Entry, error) {
	if err := ValidateGID(req.GID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess.held != nil {
		return nil, ErrSessionHoldsEntry
	}
	for _, i := range r.active {
		e := &r.slots[i]
		if e.gid != req.GID {
			continue
		}
		if e.valid {
			return nil, fmt.Errorf("identifier %q: %w", req.GID, ErrDuplicateIdentifier)
		}
		return nil, fmt.Errorf("identifier %q is being prepared: %w", req.GID, ErrBusy)
	}
	if len(r.free) == 0 {
		return nil, fmt.Errorf("capacity %d: %w", len(r.slots), ErrExhausted)
	}

	slot := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	subxids := append([]transaction.TxnID(nil), req.Subxids...)
	distribTS, distribXid, _ := ParseGID(req.GID)
	e := &r.slots[slot]
	*e = Entry{
		slot:       slot,
		gid:        req.GID,
		xid:        req.Xid,
		ownerID:    req.OwnerID,
		databaseID: req.DatabaseID,
		preparedAt: req.PreparedAt,
		distribTS:  distribTS,
		distribXid: distribXid,
		beginLSN:   req.BeginLSN,
		endLSN:     req.EndLSN,
		subxids:    subxids,
		locker:     sess.ID,
		handle: &transaction.Handle{
			Xid:        req.Xid,
			Subxids:    subxids,
			DatabaseID: req.DatabaseID,
			OwnerID:    req.OwnerID,
			Prepared:   true,
		},
	}
	r.active = append(r.active, slot)
	sess.held = e
	return e, nil
}

// SetPosition records where the prepare record of e starts and ends.
func (r *Registry) SetPosition(e *Entry, begin, end wal.LSN) {
	r.mu.Lock()
	e.beginLSN = begin
	e.endLSN = end
	r.mu.Unlock()
}

// Validate marks e as prepared and publishes its visibility handle.
func (r *Registry) Validate(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.valid = true
	if r.visibility != nil {
		r.visibility.Publish(e.handle)
	}
}

// Invalidate clears the valid flag once the outcome is durable.
func (r *Registry) Invalidate(e *Entry) {
	r.mu.Lock()
	e.valid = false
	r.mu.Unlock()
}

// Lock finds the valid entry named gid and locks it for sess.
func (r *Registry) Lock(sess *Session, gid string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess.held != nil {
		return nil, ErrSessionHoldsEntry
	}
	for _, i := range r.active {
		e := &r.slots[i]
		if !e.valid || e.gid != gid {
			continue
		}
		if e.locker != uuid.Nil {
			return nil, fmt.Errorf("identifier %q: %w", gid, ErrBusy)
		}
		if sess.UserID != e.ownerID && !sess.Superuser {
			return nil, fmt.Errorf("identifier %q: %w", gid, ErrPermissionDenied)
		}
		if sess.DatabaseID != e.databaseID && sess.Role != RoleExecute {
			return nil, fmt.Errorf("identifier %q in database %d: %w", gid, e.databaseID, ErrCrossDatabase)
		}
		e.locker = sess.ID
		sess.held = e
		return e, nil
	}
	return nil, fmt.Errorf("identifier %q: %w", gid, ErrNotFound)
}

// Unlock drops the session's lock on its entry without releasing the slot.
func (r *Registry) Unlock(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess.held == nil {
		return
	}
	sess.held.locker = uuid.Nil
	sess.held = nil
}

// Release removes the session's entry and returns its slot to the free stack.
func (r *Registry) Release(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(sess)
}

func (r *Registry) releaseLocked(sess *Session) {
	e := sess.held
	if e == nil {
		return
	}
	for i, slot := range r.active {
		if slot != e.slot {
			continue
		}
		last := len(r.active) - 1
		r.active[i] = r.active[last]
		r.active = r.active[:last]
		break
	}
	r.cacheMu.Lock()
	if r.cache != nil && r.cache.slot == e.slot {
		r.cache = nil
	}
	r.cacheMu.Unlock()
	slot := e.slot
	*e = Entry{slot: slot}
	r.free = append(r.free, slot)
	sess.held = nil
}

// AtAbort unwinds a session that errored out while holding an entry: an
// entry that never became valid is released, a valid one is only unlocked.
// It returns true when the slot was released.
func (r *Registry) AtAbort(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := sess.held
	if e == nil {
		return false
	}
	if !e.valid {
		r.releaseLocked(sess)
		return true
	}
	e.locker = uuid.Nil
	sess.held = nil
	return false
}

// FindByXid returns the visibility handle of the entry for xid.
func (r *Registry) FindByXid(xid transaction.TxnID) (*transaction.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	r.cacheMu.Lock()
	cached := r.cache
	r.cacheMu.Unlock()
	if cached != nil && cached.xid == xid {
		return cached.handle, true
	}
	for _, i := range r.active {
		e := &r.slots[i]
		if e.xid != xid {
			continue
		}
		r.cacheMu.Lock()
		r.cache = &xidCacheEntry{xid: xid, slot: i, handle: e.handle}
		r.cacheMu.Unlock()
		return e.handle, true
	}
	return nil, false
}

// IncrDependentWork bumps the dependent-work counter of the entry named gid.
func (r *Registry) IncrDependentWork(gid string) (int, error) {
	return r.adjustDependentWork(gid, 1)
}

// DecrDependentWork lowers the dependent-work counter of the entry named gid.
func (r *Registry) DecrDependentWork(gid string) (int, error) {
	return r.adjustDependentWork(gid, -1)
}

func (r *Registry) adjustDependentWork(gid string, delta int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range r.active {
		e := &r.slots[i]
		if e.gid != gid {
			continue
		}
		if e.dependentWork+delta < 0 {
			return e.dependentWork, fmt.Errorf("identifier %q: %w", gid, ErrDependentWorkUnderflow)
		}
		e.dependentWork += delta
		return e.dependentWork, nil
	}
	return 0, fmt.Errorf("identifier %q: %w", gid, ErrNotFound)
}

// List returns copies of all entries, including ones not yet valid.
func (r *Registry) List() []EntryInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EntryInfo, 0, len(r.active))
	for _, i := range r.active {
		out = append(out, r.slots[i].info())
	}
	return out
}

// PreparedPointers returns (xid, prepare LSN) for every valid entry.
func (r *Registry) PreparedPointers() []PreparedPointer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agg := newCheckpointAggregate()
	for _, i := range r.active {
		e := &r.slots[i]
		if e.valid {
			agg.Add(PreparedPointer{Xid: e.xid, LSN: e.beginLSN})
		}
	}
	return agg.Pointers
}

func (r *Registry) info(e *Entry) EntryInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return e.info()
}

func (r *Registry) dependentWork(e *Entry) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return e.dependentWork
}

func (e *Entry) info() EntryInfo {
	return EntryInfo{
		GID:           e.gid,
		Xid:           e.xid,
		OwnerID:       e.ownerID,
		DatabaseID:    e.databaseID,
		PreparedAt:    e.preparedAt,
		BeginLSN:      e.beginLSN,
		EndLSN:        e.endLSN,
		Subxids:       append([]transaction.TxnID(nil), e.subxids...),
		Valid:         e.valid,
		Locked:        e.locker != uuid.Nil,
		DependentWork: e.dependentWork,

		DistribTimestamp: e.distribTS,
		DistribXid:       e.distribXid,
	}
}
