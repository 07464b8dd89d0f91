package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	twophaseservice "github.com/sushant-115/gojo2pc/api/twophase_service"
	"github.com/sushant-115/gojo2pc/pkg/connection"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeNode answers like a participant that has prepared only the gids in prepared.
type fakeNode struct {
	mu       sync.Mutex
	prepared map[string]bool
	finished []string
}

func (f *fakeNode) Prepare(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared[req.GetFields()["gid"].GetStringValue()] = true
	return structpb.NewStruct(map[string]any{"xid": 42.0, "subxids": []any{}})
}

func (f *fakeNode) finish(req *structpb.Struct, verb string) (*structpb.Struct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gid := req.GetFields()["gid"].GetStringValue()
	if !f.prepared[gid] {
		if req.GetFields()["missing_ok"].GetBoolValue() {
			return structpb.NewStruct(map[string]any{"found": false})
		}
		return nil, status.Errorf(codes.NotFound, "identifier %q not found", gid)
	}
	delete(f.prepared, gid)
	f.finished = append(f.finished, verb+" "+gid)
	return structpb.NewStruct(map[string]any{"found": true})
}

func (f *fakeNode) CommitPrepared(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return f.finish(req, "commit")
}

func (f *fakeNode) RollbackPrepared(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return f.finish(req, "rollback")
}

func (f *fakeNode) ListPrepared(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := []any{}
	for gid := range f.prepared {
		list = append(list, map[string]any{"gid": gid, "xid": 42.0, "prepared_at": time.Unix(0, 0).UTC().Format(time.RFC3339Nano)})
	}
	return structpb.NewStruct(map[string]any{"transactions": list})
}

func (f *fakeNode) IncrDependentWork(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"dependent_work": 1.0})
}

func (f *fakeNode) DecrDependentWork(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"dependent_work": 0.0})
}

// startCluster serves one fakeNode per name and returns a cli whose pool
// dials them in memory.
func startCluster(t *testing.T, names ...string) (*cli, map[string]*fakeNode, *bytes.Buffer) {
	t.Helper()
	nodes := make(map[string]*fakeNode)
	listeners := make(map[string]*bufconn.Listener)
	for _, name := range names {
		node := &fakeNode{prepared: make(map[string]bool)}
		lis := bufconn.Listen(1 << 20)
		srv := twophaseservice.NewGRPCServer(node, twophaseservice.ServerOptions{})
		go srv.Serve(lis)
		t.Cleanup(srv.Stop)
		nodes[name] = node
		listeners[name] = lis
	}
	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := listeners[addr]
		if !ok {
			return nil, fmt.Errorf("no node at %s", addr)
		}
		return lis.DialContext(ctx)
	}
	pool := connection.NewConnectionPoolManager(nil, grpc.WithContextDialer(dialer))
	t.Cleanup(func() { pool.Close() })

	out := &bytes.Buffer{}
	return &cli{
		pool:    pool,
		addr:    "passthrough:///" + names[0],
		id:      twophaseservice.Identity{User: 10, Database: 1},
		out:     out,
		timeout: 5 * time.Second,
	}, nodes, out
}

func TestCLI_PrepareListCommit(t *testing.T) {
	c, nodes, out := startCluster(t, "node-a")
	ctx := context.Background()

	require.NoError(t, c.run(ctx, []string{"prepare", "gtx1", "16384"}))
	require.Contains(t, out.String(), `PREPARE TRANSACTION "gtx1" (xid 42)`)

	out.Reset()
	require.NoError(t, c.run(ctx, []string{"list"}))
	require.Contains(t, out.String(), "gtx1")
	require.Contains(t, out.String(), "(1 prepared)")

	out.Reset()
	require.NoError(t, c.run(ctx, []string{"commit", "gtx1"}))
	require.Contains(t, out.String(), `COMMIT PREPARED "gtx1"`)
	require.Equal(t, []string{"commit gtx1"}, nodes["node-a"].finished)

	err := c.run(ctx, []string{"rollback", "gtx1"})
	require.Equal(t, codes.NotFound, status.Code(err))

	out.Reset()
	require.NoError(t, c.run(ctx, []string{"rollback", "gtx1", "missing_ok"}))
	require.Contains(t, out.String(), "not prepared here, skipped")
}

func TestCLI_FinishAllFansOut(t *testing.T) {
	c, nodes, out := startCluster(t, "node-a", "node-b", "node-c")
	nodes["node-a"].prepared["gtx7"] = true
	nodes["node-c"].prepared["gtx7"] = true

	err := c.run(context.Background(), []string{"commit-all", "gtx7",
		"passthrough:///node-a", "passthrough:///node-b", "passthrough:///node-c"})
	require.NoError(t, err)

	require.Equal(t, []string{"commit gtx7"}, nodes["node-a"].finished)
	require.Empty(t, nodes["node-b"].finished)
	require.Equal(t, []string{"commit gtx7"}, nodes["node-c"].finished)
	require.Contains(t, out.String(), `passthrough:///node-b: COMMIT PREPARED "gtx7": not prepared here, skipped`)
	require.Len(t, c.pool.Addresses(), 3)
}

func TestCLI_FinishAllReportsUnreachableNode(t *testing.T) {
	c, nodes, out := startCluster(t, "node-a")
	nodes["node-a"].prepared["gtx8"] = true

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.timeout = time.Second
	err := c.run(ctx, []string{"rollback-all", "gtx8", "passthrough:///node-a", "passthrough:///node-z"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "node-z")
	require.Equal(t, []string{"rollback gtx8"}, nodes["node-a"].finished)
	require.Contains(t, out.String(), `passthrough:///node-a: ROLLBACK PREPARED "gtx8"`)
}

func TestCLI_Usage(t *testing.T) {
	c, _, out := startCluster(t, "node-a")
	ctx := context.Background()

	require.Error(t, c.run(ctx, nil))
	require.Error(t, c.run(ctx, []string{"prepare"}))
	require.Error(t, c.run(ctx, []string{"prepare", "g", "not-a-number"}))
	require.Error(t, c.run(ctx, []string{"commit-all", "g"}))
	require.Error(t, c.run(ctx, []string{"frobnicate"}))
	require.ErrorIs(t, c.run(ctx, []string{"quit"}), errExit)

	require.NoError(t, c.run(ctx, []string{"help"}))
	require.Contains(t, out.String(), "commit-all <gid> <addr>...")
}
