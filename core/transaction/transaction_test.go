package transaction

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLatestTxnID(t *testing.T) {
	require.Equal(t, TxnID(100), LatestTxnID(100, nil))
	require.Equal(t, TxnID(103), LatestTxnID(100, []TxnID{101, 103, 102}))
	require.Equal(t, TxnID(100), LatestTxnID(100, []TxnID{7}))
}

func TestXidGenerator_AdvancePast(t *testing.T) {
	g := NewXidGenerator(101)
	require.Equal(t, TxnID(101), g.Peek())

	g.AdvancePast(103)
	require.Equal(t, TxnID(104), g.Peek())

	// Never moves backwards.
	g.AdvancePast(50)
	require.Equal(t, TxnID(104), g.Peek())

	require.Equal(t, TxnID(104), g.Next())
	require.Equal(t, TxnID(105), g.Peek())
}

func TestXidGenerator_ConcurrentNextIsUnique(t *testing.T) {
	g := NewXidGenerator(0)
	var mu sync.Mutex
	seen := make(map[TxnID]struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := g.Next()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 800)
	_, hasInvalid := seen[InvalidTxnID]
	require.False(t, hasInvalid)
}

func TestProcArray_PublishWithdraw(t *testing.T) {
	p := NewProcArray()
	h := &Handle{Xid: 100, Subxids: []TxnID{101, 102}}
	p.Publish(h)
	require.True(t, p.IsInProgress(100))
	require.True(t, p.IsInProgress(102))
	require.False(t, p.IsInProgress(103))

	p.Withdraw(h, 102)
	require.False(t, p.IsInProgress(100))
	require.Equal(t, TxnID(102), p.LatestCompletedXid())
	require.Equal(t, 0, p.Len())
}

func TestProcArray_TwoHandlesSameXid(t *testing.T) {
	p := NewProcArray()
	session := &Handle{Xid: 100}
	prepared := &Handle{Xid: 100, Prepared: true}
	p.Publish(session)
	p.Publish(prepared)

	p.Withdraw(session, 100)
	require.True(t, p.IsInProgress(100), "prepared handle must keep the xid in progress")
	p.Withdraw(prepared, 100)
	require.False(t, p.IsInProgress(100))
}

func TestSubTransMap_TopParent(t *testing.T) {
	s := NewSubTransMap()
	s.SetParent(101, 100)
	s.SetParent(102, 101)
	require.Equal(t, TxnID(100), s.Parent(101))
	require.Equal(t, TxnID(100), s.TopParent(102))
	require.Equal(t, TxnID(55), s.TopParent(55))
}

func TestMemStatusLog_Conflict(t *testing.T) {
	s := NewMemStatusLog()
	require.NoError(t, s.MarkCommitted(10))
	require.NoError(t, s.MarkCommitted(10))
	require.ErrorIs(t, s.MarkAborted(10), ErrStatusConflict)

	st, err := s.Status(10)
	require.NoError(t, err)
	require.Equal(t, TxnStateCommitted, st)

	st, err = s.Status(11)
	require.NoError(t, err)
	require.Equal(t, TxnStateRunning, st)
}

// TestBoltStatusLog_SurvivesReopen checks outcomes are read back after the
// database file is closed and reopened.
func TestBoltStatusLog_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.db")
	logger := zap.NewNop()

	s, err := OpenBoltStatusLog(path, logger)
	require.NoError(t, err)
	require.NoError(t, s.MarkCommitted(100))
	require.NoError(t, s.MarkAborted(200))
	require.ErrorIs(t, s.MarkAborted(100), ErrStatusConflict)
	require.NoError(t, s.Close())

	s2, err := OpenBoltStatusLog(path, logger)
	require.NoError(t, err)
	defer s2.Close()

	st, err := s2.Status(100)
	require.NoError(t, err)
	require.Equal(t, TxnStateCommitted, st)

	st, err = s2.Status(200)
	require.NoError(t, err)
	require.Equal(t, TxnStateAborted, st)

	st, err = s2.Status(300)
	require.NoError(t, err)
	require.Equal(t, TxnStateRunning, st)
}

func TestStatusLog_LatestXid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.db")
	logger := zap.NewNop()

	s, err := OpenBoltStatusLog(path, logger)
	require.NoError(t, err)
	latest, err := s.LatestXid()
	require.NoError(t, err)
	require.Equal(t, InvalidTxnID, latest)

	require.NoError(t, s.MarkAborted(300))
	require.NoError(t, s.MarkCommitted(7))
	require.NoError(t, s.MarkCommitted(256))
	require.NoError(t, s.Close())

	s2, err := OpenBoltStatusLog(path, logger)
	require.NoError(t, err)
	defer s2.Close()
	latest, err = s2.LatestXid()
	require.NoError(t, err)
	require.Equal(t, TxnID(300), latest)

	// A generator restored from a stale checkpoint skips every recorded xid.
	gen := NewXidGenerator(FirstNormalTxnID)
	gen.AdvancePast(latest)
	require.Greater(t, gen.Next(), TxnID(300))

	mem := NewMemStatusLog()
	latest, err = mem.LatestXid()
	require.NoError(t, err)
	require.Equal(t, InvalidTxnID, latest)
	require.NoError(t, mem.MarkAborted(42))
	require.NoError(t, mem.MarkCommitted(9))
	latest, err = mem.LatestXid()
	require.NoError(t, err)
	require.Equal(t, TxnID(42), latest)
}
