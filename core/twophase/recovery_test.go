package twophase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojo2pc/core/transaction"
	"github.com/sushant-115/gojo2pc/core/write_engine/wal"
)

// crash stops the log of h without finishing anything in flight.
func crash(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.lm.Close())
}

func TestRecovery_RebuildsPreparedEntry(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	status := newOrderedStatus()

	h1 := newHarness(t, dir, status, 0)
	require.NoError(t, h1.mgr.StartupRecovery(ctx, wal.InvalidLSN, nil))
	require.NoError(t, h1.mgr.Prepare(ctx, NewSession(10, 1), prepareReq("gtx1", 100, 101, 103)))
	before := h1.mgr.List()[0]
	crash(t, h1)

	h2 := newHarness(t, dir, status, 0)
	require.False(t, h2.mgr.Ready())
	require.NoError(t, h2.mgr.StartupRecovery(ctx, wal.InvalidLSN, nil))
	require.True(t, h2.mgr.Ready())

	entries := h2.mgr.List()
	require.Len(t, entries, 1)
	after := entries[0]
	require.Equal(t, before.GID, after.GID)
	require.Equal(t, before.Xid, after.Xid)
	require.Equal(t, before.OwnerID, after.OwnerID)
	require.Equal(t, before.DatabaseID, after.DatabaseID)
	require.True(t, before.PreparedAt.Equal(after.PreparedAt))
	require.Equal(t, before.Subxids, after.Subxids)
	require.Equal(t, before.BeginLSN, after.BeginLSN)
	require.Equal(t, wal.InvalidLSN, after.EndLSN)
	require.True(t, after.Valid)
	require.False(t, after.Locked)

	require.Equal(t, 1, h2.counter.get("recover"))
	require.True(t, h2.procs.IsInProgress(103))
	require.Equal(t, transaction.TxnID(100), h2.subtrans.Parent(101))
	require.Equal(t, transaction.TxnID(100), h2.subtrans.Parent(103))
	require.Equal(t, transaction.TxnID(104), h2.xids.Peek())

	// A worker session from another database may finish it.
	worker := NewSession(10, 7)
	worker.Role = RoleExecute
	require.NoError(t, h2.mgr.FinishPrepared(ctx, worker, "gtx1", true))
	st, err := status.Status(103)
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateCommitted, st)
	require.Empty(t, h2.mgr.List())
}

func TestRecovery_PrescanAdvancesXidCounter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	status := newOrderedStatus()

	h1 := newHarness(t, dir, status, 0)
	require.NoError(t, h1.mgr.StartupRecovery(ctx, wal.InvalidLSN, nil))
	require.NoError(t, h1.mgr.Prepare(ctx, NewSession(10, 1), prepareReq("gtx1", 100, 101, 103)))
	cp := h1.mgr.CaptureCheckpoint(h1.lm.CurrentLSN)
	crash(t, h1)

	// The checkpoint redo position is past the prepare record, so only the
	// checkpoint pointer knows about it.
	h2 := newHarness(t, dir, status, 0)
	h2.xids.AdvancePast(100)
	require.Equal(t, transaction.TxnID(101), h2.xids.Peek())

	h2.mgr.SetupCheckpointPrepared(cp.Prepared)
	n, err := h2.mgr.ReplayLog(ctx, cp.RedoLSN)
	require.NoError(t, err)
	require.Zero(t, n)

	oldest, err := h2.mgr.Prescan(ctx)
	require.NoError(t, err)
	require.Equal(t, transaction.TxnID(100), oldest)
	require.GreaterOrEqual(t, h2.xids.Peek(), transaction.TxnID(104))

	require.NoError(t, h2.mgr.Recover(ctx))
	require.Len(t, h2.mgr.List(), 1)
	require.ErrorIs(t, h2.mgr.Recover(ctx), ErrAlreadyRecovered)
}

func TestRecovery_FinishedTransactionIsNotRecovered(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	status := newOrderedStatus()

	h1 := newHarness(t, dir, status, 0)
	require.NoError(t, h1.mgr.StartupRecovery(ctx, wal.InvalidLSN, nil))
	require.NoError(t, h1.mgr.Prepare(ctx, NewSession(10, 1), prepareReq("gtx1", 100, 101)))
	require.NoError(t, h1.mgr.FinishPrepared(ctx, NewSession(10, 1), "gtx1", true))
	require.Equal(t, 1, h1.counter.get("commit"))
	crash(t, h1)

	h2 := newHarness(t, dir, status, 0)
	require.NoError(t, h2.mgr.StartupRecovery(ctx, wal.InvalidLSN, nil))
	require.Empty(t, h2.mgr.List())
	require.Zero(t, h2.mgr.RecoveryIndex().Len())
	require.Zero(t, h2.counter.get("recover"))
	require.Zero(t, h2.counter.get("commit"))
	require.Equal(t, transaction.TxnID(102), h2.xids.Peek())

	// Storage cleanup is redone from the completion record.
	calls := h2.cleaner.calls()
	require.Len(t, calls, 1)
	require.True(t, calls[0].isCommit)
	require.Equal(t, []ResourceObject{{Action: DropOnCommit, Path: "base/1/old"}}, calls[0].objects)
}

func TestRecovery_StaleCheckpointPointerIsDropped(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	status := newOrderedStatus()

	h1 := newHarness(t, dir, status, 0)
	require.NoError(t, h1.mgr.StartupRecovery(ctx, wal.InvalidLSN, nil))
	require.NoError(t, h1.mgr.Prepare(ctx, NewSession(10, 1), prepareReq("gtx1", 100)))
	cp := h1.mgr.CaptureCheckpoint(h1.lm.CurrentLSN)
	require.NoError(t, h1.mgr.FinishPrepared(ctx, NewSession(10, 1), "gtx1", false))
	redo := h1.lm.CurrentLSN()
	crash(t, h1)

	h2 := newHarness(t, dir, status, 0)
	require.NoError(t, h2.mgr.StartupRecovery(ctx, redo, cp.Prepared))
	require.Empty(t, h2.mgr.List())
	require.Zero(t, h2.mgr.RecoveryIndex().Len())
	require.Zero(t, h2.counter.get("recover"))
}

func TestRecovery_ReservationWithoutRecordLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	status := newOrderedStatus()

	h1 := newHarness(t, dir, status, 0)
	require.NoError(t, h1.mgr.StartupRecovery(ctx, wal.InvalidLSN, nil))
	_, err := h1.mgr.Registry().Reserve(NewSession(10, 1), ReserveRequest{GID: "gtx1", Xid: 100})
	require.NoError(t, err)
	crash(t, h1)

	h2 := newHarness(t, dir, status, 0)
	require.NoError(t, h2.mgr.StartupRecovery(ctx, wal.InvalidLSN, nil))
	require.Empty(t, h2.mgr.List())

	// The identifier is free after restart.
	require.NoError(t, h2.mgr.Prepare(ctx, NewSession(10, 1), prepareReq("gtx1", 100)))
}

func TestRecovery_UnreadablePointerIsCorruption(t *testing.T) {
	h := newHarness(t, t.TempDir(), newOrderedStatus(), 0)
	err := h.mgr.StartupRecovery(context.Background(), wal.InvalidLSN,
		[]PreparedPointer{{Xid: 100, LSN: 1 << 40}})
	require.ErrorIs(t, err, ErrDataCorrupted)
	require.False(t, h.mgr.Ready())
}

func TestRecovery_XidCounterSkipsRecordedOutcomes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	status := newOrderedStatus()

	// A transaction takes an xid and aborts before writing a prepare record.
	// Only the status log remembers it.
	h1 := newHarness(t, dir, status, 0)
	require.NoError(t, h1.mgr.StartupRecovery(ctx, wal.InvalidLSN, nil))
	aborted := h1.xids.Next()
	require.NoError(t, status.MarkAborted(aborted))
	crash(t, h1)

	h2 := newHarness(t, dir, status, 0)
	require.NoError(t, h2.mgr.StartupRecovery(ctx, wal.InvalidLSN, nil))
	xid := h2.xids.Next()
	require.Greater(t, xid, aborted)

	require.NoError(t, h2.mgr.Prepare(ctx, NewSession(10, 1), prepareReq("gtx1", xid)))
	require.NoError(t, h2.mgr.FinishPrepared(ctx, NewSession(10, 1), "gtx1", true))
	st, err := status.Status(xid)
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateCommitted, st)
	require.Empty(t, h2.fatalErrs)
}

func TestRecovery_ReplayRecordsOutcomeLostInCrash(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	h1 := newHarness(t, dir, newOrderedStatus(), 0)
	require.NoError(t, h1.mgr.StartupRecovery(ctx, wal.InvalidLSN, nil))
	require.NoError(t, h1.mgr.Prepare(ctx, NewSession(10, 1), prepareReq("gtx1", 100, 101, 103)))
	require.NoError(t, h1.mgr.Prepare(ctx, NewSession(10, 1), prepareReq("gtx2", 200, 201)))
	require.NoError(t, h1.mgr.FinishPrepared(ctx, NewSession(10, 1), "gtx1", true))
	require.NoError(t, h1.mgr.FinishPrepared(ctx, NewSession(10, 1), "gtx2", false))
	crash(t, h1)

	// The status log written before the crash is gone; the completion
	// records alone must restore the outcomes.
	status := newOrderedStatus()
	h2 := newHarness(t, dir, status, 0)
	require.NoError(t, h2.mgr.StartupRecovery(ctx, wal.InvalidLSN, nil))

	for _, xid := range []transaction.TxnID{100, 101, 103} {
		st, err := status.Status(xid)
		require.NoError(t, err)
		require.Equal(t, transaction.TxnStateCommitted, st, "xid %d", xid)
	}
	for _, xid := range []transaction.TxnID{200, 201} {
		st, err := status.Status(xid)
		require.NoError(t, err)
		require.Equal(t, transaction.TxnStateAborted, st, "xid %d", xid)
	}
	require.Equal(t, []transaction.TxnID{100, 101, 103, 200, 201}, status.marked)

	require.Empty(t, h2.mgr.List())
	require.Zero(t, h2.mgr.RecoveryIndex().Len())
	require.Zero(t, h2.counter.get("commit"))
	require.Zero(t, h2.counter.get("abort"))
	require.Zero(t, h2.counter.get("recover"))
	require.Equal(t, transaction.TxnID(202), h2.xids.Peek())
	require.Len(t, h2.cleaner.calls(), 2)
	require.Empty(t, h2.fatalErrs)
}

func TestRecovery_KeepsDistributedIdentity(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	status := newOrderedStatus()

	h1 := newHarness(t, dir, status, 0)
	require.NoError(t, h1.mgr.StartupRecovery(ctx, wal.InvalidLSN, nil))
	require.NoError(t, h1.mgr.Prepare(ctx, NewSession(10, 1), prepareReq("1700000000-42", 100)))
	require.NoError(t, h1.mgr.Prepare(ctx, NewSession(10, 1), prepareReq("local-gtx", 200)))

	distrib := func(entries []EntryInfo) map[string][2]uint32 {
		out := make(map[string][2]uint32)
		for _, e := range entries {
			out[e.GID] = [2]uint32{e.DistribTimestamp, e.DistribXid}
		}
		return out
	}
	want := map[string][2]uint32{
		"1700000000-42": {1700000000, 42},
		"local-gtx":     {0, 0},
	}
	require.Equal(t, want, distrib(h1.mgr.List()))
	crash(t, h1)

	h2 := newHarness(t, dir, status, 0)
	require.NoError(t, h2.mgr.StartupRecovery(ctx, wal.InvalidLSN, nil))
	require.Equal(t, want, distrib(h2.mgr.List()))
}
