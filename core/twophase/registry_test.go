package twophase

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojo2pc/core/transaction"
)

func reserveValid(t *testing.T, r *Registry, sess *Session, gid string, xid transaction.TxnID) *Entry {
	t.Helper()
	e, err := r.Reserve(sess, ReserveRequest{
		GID:        gid,
		Xid:        xid,
		OwnerID:    sess.UserID,
		DatabaseID: sess.DatabaseID,
		PreparedAt: time.Now(),
	})
	require.NoError(t, err)
	r.Validate(e)
	r.Unlock(sess)
	return e
}

func TestRegistry_ConcurrentReserveRespectsCapacity(t *testing.T) {
	r := NewRegistry(2, nil)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess := NewSession(10, 1)
			_, errs[i] = r.Reserve(sess, ReserveRequest{
				GID: []string{"a", "b", "c"}[i],
				Xid: transaction.TxnID(100 + i),
			})
		}(i)
	}
	wg.Wait()

	exhausted := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrExhausted)
			exhausted++
		}
	}
	require.Equal(t, 1, exhausted)
	require.Equal(t, 2, r.Len())
}

func TestRegistry_DuplicateOnlyAmongValid(t *testing.T) {
	r := NewRegistry(4, nil)
	s1 := NewSession(10, 1)
	_, err := r.Reserve(s1, ReserveRequest{GID: "gtx1", Xid: 100})
	require.NoError(t, err)

	// Same identifier while the first is still being prepared.
	s2 := NewSession(10, 1)
	_, err = r.Reserve(s2, ReserveRequest{GID: "gtx1", Xid: 101})
	require.ErrorIs(t, err, ErrBusy)
	require.NotErrorIs(t, err, ErrDuplicateIdentifier)

	// The first attempt fails and goes away; the identifier is free again.
	require.True(t, r.AtAbort(s1))
	e, err := r.Reserve(s2, ReserveRequest{GID: "gtx1", Xid: 101})
	require.NoError(t, err)
	r.Validate(e)
	r.Unlock(s2)

	s3 := NewSession(10, 1)
	_, err = r.Reserve(s3, ReserveRequest{GID: "gtx1", Xid: 102})
	require.ErrorIs(t, err, ErrDuplicateIdentifier)
}

func TestRegistry_ReserveRejections(t *testing.T) {
	r := NewRegistry(2, nil)
	sess := NewSession(10, 1)

	_, err := r.Reserve(sess, ReserveRequest{GID: strings.Repeat("x", GIDSize), Xid: 5})
	require.ErrorIs(t, err, ErrIdentifierTooLong)
	_, err = r.Reserve(sess, ReserveRequest{GID: "one\x00", Xid: 5})
	require.ErrorIs(t, err, ErrInvalidIdentifier)
	require.Zero(t, r.Len())

	_, err = r.Reserve(sess, ReserveRequest{GID: "one", Xid: 5})
	require.NoError(t, err)
	_, err = r.Reserve(sess, ReserveRequest{GID: "two", Xid: 6})
	require.ErrorIs(t, err, ErrSessionHoldsEntry)
}

func TestRegistry_Lock(t *testing.T) {
	r := NewRegistry(4, nil)
	owner := NewSession(10, 1)
	reserveValid(t, r, owner, "gtx1", 100)

	_, err := r.Lock(NewSession(10, 1), "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = r.Lock(NewSession(11, 1), "gtx1")
	require.ErrorIs(t, err, ErrPermissionDenied)

	_, err = r.Lock(NewSession(10, 2), "gtx1")
	require.ErrorIs(t, err, ErrCrossDatabase)

	worker := NewSession(10, 2)
	worker.Role = RoleExecute
	e, err := r.Lock(worker, "gtx1")
	require.NoError(t, err)
	require.True(t, e.info().Locked)

	super := NewSession(99, 1)
	super.Superuser = true
	_, err = r.Lock(super, "gtx1")
	require.ErrorIs(t, err, ErrBusy)

	r.Unlock(worker)
	_, err = r.Lock(super, "gtx1")
	require.NoError(t, err)
}

func TestRegistry_LockIgnoresInvalidEntries(t *testing.T) {
	r := NewRegistry(4, nil)
	preparer := NewSession(10, 1)
	_, err := r.Reserve(preparer, ReserveRequest{GID: "gtx1", Xid: 100, OwnerID: 10, DatabaseID: 1})
	require.NoError(t, err)

	_, err = r.Lock(NewSession(10, 1), "gtx1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_AtAbort(t *testing.T) {
	r := NewRegistry(2, nil)

	// Invalid entry: released.
	s1 := NewSession(10, 1)
	_, err := r.Reserve(s1, ReserveRequest{GID: "a", Xid: 100})
	require.NoError(t, err)
	require.True(t, r.AtAbort(s1))
	require.False(t, s1.HoldsEntry())
	require.Zero(t, r.Len())

	// Valid entry: only unlocked.
	s2 := NewSession(10, 1)
	e, err := r.Reserve(s2, ReserveRequest{GID: "b", Xid: 101})
	require.NoError(t, err)
	r.Validate(e)
	require.False(t, r.AtAbort(s2))
	require.False(t, s2.HoldsEntry())
	require.Equal(t, 1, r.Len())
	info := r.List()[0]
	require.True(t, info.Valid)
	require.False(t, info.Locked)

	require.False(t, r.AtAbort(NewSession(10, 1)))
}

func TestRegistry_ReleaseRecyclesSlots(t *testing.T) {
	pa := transaction.NewProcArray()
	r := NewRegistry(1, pa)
	sess := NewSession(10, 1)

	for i := 0; i < 5; i++ {
		xid := transaction.TxnID(100 + i)
		e, err := r.Reserve(sess, ReserveRequest{GID: "gtx", Xid: xid, Subxids: []transaction.TxnID{xid + 1000}})
		require.NoError(t, err)
		r.Validate(e)
		require.True(t, pa.IsInProgress(xid + 1000))

		h, ok := r.FindByXid(xid)
		require.True(t, ok)
		require.Equal(t, xid, h.Xid)
		require.True(t, h.Prepared)

		pa.Withdraw(e.handle, xid+1000)
		r.Release(sess)
		_, ok = r.FindByXid(xid)
		require.False(t, ok)
	}
	require.Zero(t, r.Len())
	require.Zero(t, pa.Len())
}

func TestRegistry_DependentWork(t *testing.T) {
	r := NewRegistry(2, nil)
	reserveValid(t, r, NewSession(10, 1), "gtx1", 100)

	n, err := r.IncrDependentWork("gtx1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = r.IncrDependentWork("gtx1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = r.DecrDependentWork("gtx1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = r.DecrDependentWork("gtx1")
	require.NoError(t, err)
	_, err = r.DecrDependentWork("gtx1")
	require.ErrorIs(t, err, ErrDependentWorkUnderflow)

	_, err = r.IncrDependentWork("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_PreparedPointersSkipsInvalid(t *testing.T) {
	r := NewRegistry(4, nil)
	s := NewSession(10, 1)
	e := reserveValid(t, r, s, "done", 100)
	r.SetPosition(e, 500, 600)

	_, err := r.Reserve(NewSession(10, 1), ReserveRequest{GID: "pending", Xid: 101, BeginLSN: 700})
	require.NoError(t, err)

	require.Equal(t, []PreparedPointer{{Xid: 100, LSN: 500}}, r.PreparedPointers())
	require.Len(t, r.List(), 2)
}

func TestRecoveryIndex(t *testing.T) {
	ri := NewRecoveryIndex()
	ri.Load([]PreparedPointer{{Xid: 9, LSN: 300}, {Xid: 4, LSN: 100}})
	ri.Add(7, 200)

	require.Equal(t, []PreparedPointer{{4, 100}, {7, 200}, {9, 300}}, ri.Snapshot())
	lsn, ok := ri.Lookup(7)
	require.True(t, ok)
	require.EqualValues(t, 200, lsn)

	ri.Remove(7)
	_, ok = ri.Lookup(7)
	require.False(t, ok)
	require.Equal(t, 2, ri.Len())

	agg := newCheckpointAggregate()
	_, ok = agg.Oldest()
	require.False(t, ok)
	for _, p := range ri.Snapshot() {
		agg.Add(p)
	}
	oldest, ok := agg.Oldest()
	require.True(t, ok)
	require.EqualValues(t, 100, oldest)
}
