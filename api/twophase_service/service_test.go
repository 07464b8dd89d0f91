package twophaseservice

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojo2pc/core/lockmanager"
	"github.com/sushant-115/gojo2pc/core/storage_engine/objstore"
	"github.com/sushant-115/gojo2pc/core/transaction"
	"github.com/sushant-115/gojo2pc/core/twophase"
	"github.com/sushant-115/gojo2pc/core/write_engine/wal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type testNode struct {
	mgr    *twophase.Manager
	locks  *lockmanager.LockManager
	status *transaction.MemStatusLog
	conn   *grpc.ClientConn
}

func startNode(t *testing.T, opts ServerOptions) *testNode {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	lm, err := wal.NewLogManager(dir+"/wal", 4096, 1<<20, logger)
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })
	dropper, err := objstore.NewFileDropper(dir+"/base", 0, logger)
	require.NoError(t, err)

	locks := lockmanager.NewLockManager(logger)
	callbacks := &twophase.Callbacks{}
	require.NoError(t, callbacks.Register(twophase.RMLock, locks.ResourceManager()))
	status := transaction.NewMemStatusLog()
	procs := transaction.NewProcArray()
	xids := transaction.NewXidGenerator(transaction.FirstNormalTxnID)

	mgr, err := twophase.NewManager(twophase.Config{MaxPreparedXacts: 4}, twophase.Deps{
		Log:        lm,
		Status:     status,
		Visibility: procs,
		SubTrans:   transaction.NewSubTransMap(),
		Xids:       xids,
		Cleaner:    dropper,
		Callbacks:  callbacks,
		Logger:     logger,
	})
	require.NoError(t, err)
	require.NoError(t, mgr.StartupRecovery(context.Background(), wal.InvalidLSN, nil))

	svc, err := NewServer(Deps{Manager: mgr, Locks: locks, Xids: xids, Visibility: procs, Status: status, Objects: dropper, Logger: logger})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(svc, opts)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testNode{mgr: mgr, locks: locks, status: status, conn: conn}
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, status.Code(err), err.Error())
}

func TestService_PrepareListCommit(t *testing.T) {
	node := startNode(t, ServerOptions{})
	ctx := context.Background()
	c := NewClient(node.conn, Identity{User: 10, Database: 1})

	xid, err := c.Prepare(ctx, PrepareArgs{GID: "1700000000-1", Subxacts: 2, Locks: []uint64{16384}, DropOnAbort: []string{"base/1/16384"}})
	require.NoError(t, err)
	require.NotEqual(t, transaction.InvalidTxnID, xid)
	require.Len(t, node.locks.Held(xid), 1)

	list, err := c.ListPrepared(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "1700000000-1", list[0].GID)
	require.Equal(t, xid, list[0].Xid)
	require.Equal(t, uint32(10), list[0].Owner)
	require.Equal(t, uint32(1), list[0].Database)
	require.False(t, list[0].PreparedAt.IsZero())
	require.Equal(t, uint32(1700000000), list[0].DistribTimestamp)
	require.Equal(t, uint32(1), list[0].DistribXid)

	found, err := c.CommitPrepared(ctx, "1700000000-1", false)
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, node.locks.Held(xid))

	st, err := node.status.Status(xid)
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateCommitted, st)
	st, err = node.status.Status(xid + 2)
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateCommitted, st)

	list, err = c.ListPrepared(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestService_ErrorCodes(t *testing.T) {
	node := startNode(t, ServerOptions{})
	ctx := context.Background()
	owner := NewClient(node.conn, Identity{User: 10, Database: 1})

	_, err := owner.Prepare(ctx, PrepareArgs{GID: "gtx1", Locks: []uint64{1}})
	require.NoError(t, err)

	_, err = owner.Prepare(ctx, PrepareArgs{GID: "gtx1"})
	requireCode(t, err, codes.AlreadyExists)

	// The conflicting transaction is rolled back and leaves nothing behind.
	_, err = owner.Prepare(ctx, PrepareArgs{GID: "gtx2", Locks: []uint64{1}})
	requireCode(t, err, codes.Aborted)
	require.Len(t, node.mgr.List(), 1)

	_, err = owner.RollbackPrepared(ctx, "missing", false)
	requireCode(t, err, codes.NotFound)
	found, err := owner.RollbackPrepared(ctx, "missing", true)
	require.NoError(t, err)
	require.False(t, found)

	_, err = NewClient(node.conn, Identity{User: 11, Database: 1}).CommitPrepared(ctx, "gtx1", false)
	requireCode(t, err, codes.PermissionDenied)
	_, err = NewClient(node.conn, Identity{User: 10, Database: 2}).CommitPrepared(ctx, "gtx1", false)
	requireCode(t, err, codes.Unimplemented)

	_, err = owner.DecrDependentWork(ctx, "gtx1")
	requireCode(t, err, codes.FailedPrecondition)
	n, err := owner.IncrDependentWork(ctx, "gtx1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	worker := NewClient(node.conn, Identity{User: 10, Database: 2, Role: "execute"})
	found, err = worker.RollbackPrepared(ctx, "gtx1", false)
	require.NoError(t, err)
	require.True(t, found)

	_, err = owner.Prepare(ctx, PrepareArgs{GID: ""})
	requireCode(t, err, codes.InvalidArgument)
	_, err = owner.Prepare(ctx, PrepareArgs{GID: "gtx\x00tail", Locks: []uint64{1}})
	requireCode(t, err, codes.InvalidArgument)
	require.Empty(t, node.mgr.List())
	_, err = owner.Prepare(ctx, PrepareArgs{GID: "gtx3", Locks: []uint64{1}})
	require.NoError(t, err)
}

func TestService_RejectsMalformedRequests(t *testing.T) {
	node := startNode(t, ServerOptions{})
	ctx := context.Background()

	call := func(method string, fields map[string]any) error {
		in, err := structpb.NewStruct(fields)
		require.NoError(t, err)
		return node.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, new(structpb.Struct))
	}
	requireCode(t, call(MethodPrepare, map[string]any{"gid": 5.0}), codes.InvalidArgument)
	requireCode(t, call(MethodPrepare, map[string]any{"gid": "g", "user": -1.0}), codes.InvalidArgument)
	requireCode(t, call(MethodPrepare, map[string]any{"gid": "g", "locks": "1"}), codes.InvalidArgument)
	requireCode(t, call(MethodPrepare, map[string]any{"gid": "g", "drop_on_abort": []any{1.0}}), codes.InvalidArgument)
	requireCode(t, call(MethodCommitPrepared, map[string]any{"gid": "g", "role": "boss"}), codes.InvalidArgument)
	require.Empty(t, node.mgr.List())
}

func TestService_PrepareRejectsObjectsOutsideDataDir(t *testing.T) {
	node := startNode(t, ServerOptions{})
	ctx := context.Background()
	c := NewClient(node.conn, Identity{User: 10, Database: 1})

	_, err := c.Prepare(ctx, PrepareArgs{GID: "gtx1", Locks: []uint64{7}, DropOnCommit: []string{"../../etc/passwd"}})
	requireCode(t, err, codes.InvalidArgument)
	require.Empty(t, node.mgr.List())

	// Nothing was taken: the same lock and identifier are free.
	xid, err := c.Prepare(ctx, PrepareArgs{GID: "gtx1", Locks: []uint64{7}, DropOnCommit: []string{"base/1/7"}})
	require.NoError(t, err)
	require.Len(t, node.locks.Held(xid), 1)
}

func TestService_RateLimited(t *testing.T) {
	node := startNode(t, ServerOptions{RequestsPerSecond: 0.001, Burst: 1})
	ctx := context.Background()
	c := NewClient(node.conn, Identity{User: 10, Database: 1})

	_, err := c.ListPrepared(ctx)
	require.NoError(t, err)
	_, err = c.ListPrepared(ctx)
	requireCode(t, err, codes.ResourceExhausted)
}
