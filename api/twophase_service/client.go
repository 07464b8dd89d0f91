package twophaseservice

import (
	"context"
	"fmt"
	"time"

	"github.com/sushant-115/gojo2pc/core/transaction"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Identity is who a client acts as.
type Identity struct {
	User      uint32
	Database  uint32
	Superuser bool
	Role      string
}

func (id Identity) fields() map[string]any {
	m := map[string]any{
		"user":      float64(id.User),
		"database":  float64(id.Database),
		"superuser": id.Superuser,
	}
	if id.Role != "" {
		m["role"] = id.Role
	}
	return m
}

// PrepareArgs describe the local transaction to run and prepare.
type PrepareArgs struct {
	GID          string
	Subxacts     int
	Locks        []uint64
	SharedLocks  []uint64
	DropOnCommit []string
	DropOnAbort  []string
}

// PreparedXact is one row of ListPrepared.
type PreparedXact struct {
	GID           string
	Xid           transaction.TxnID
	PreparedAt    time.Time
	Owner         uint32
	Database      uint32
	Locked        bool
	DependentWork int

	DistribTimestamp uint32
	DistribXid       uint32
}

// Client calls the TwoPhase service.
type Client struct {
	conn grpc.ClientConnInterface
	id   Identity
}

func NewClient(conn grpc.ClientConnInterface, id Identity) *Client {
	return &Client{conn: conn, id: id}
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Prepare runs a local transaction on the server and prepares it as args.GID.
func (c *Client) Prepare(ctx context.Context, args PrepareArgs) (transaction.TxnID, error) {
	in := c.id.fields()
	in["gid"] = args.GID
	if args.Subxacts > 0 {
		in["subxacts"] = float64(args.Subxacts)
	}
	in["locks"] = numbers(args.Locks)
	in["shared_locks"] = numbers(args.SharedLocks)
	in["drop_on_commit"] = strs(args.DropOnCommit)
	in["drop_on_abort"] = strs(args.DropOnAbort)
	out, err := c.invoke(ctx, MethodPrepare, in)
	if err != nil {
		return transaction.InvalidTxnID, err
	}
	return transaction.TxnID(out.GetFields()["xid"].GetNumberValue()), nil
}

// CommitPrepared commits gid. With missingOK an unknown gid is reported as found == false.
func (c *Client) CommitPrepared(ctx context.Context, gid string, missingOK bool) (bool, error) {
	return c.finish(ctx, MethodCommitPrepared, gid, missingOK)
}

func (c *Client) RollbackPrepared(ctx context.Context, gid string, missingOK bool) (bool, error) {
	return c.finish(ctx, MethodRollbackPrepared, gid, missingOK)
}

func (c *Client) finish(ctx context.Context, method, gid string, missingOK bool) (bool, error) {
	in := c.id.fields()
	in["gid"] = gid
	in["missing_ok"] = missingOK
	out, err := c.invoke(ctx, method, in)
	if err != nil {
		return false, err
	}
	return out.GetFields()["found"].GetBoolValue(), nil
}

func (c *Client) ListPrepared(ctx context.Context) ([]PreparedXact, error) {
	out, err := c.invoke(ctx, MethodListPrepared, map[string]any{})
	if err != nil {
		return nil, err
	}
	var list []PreparedXact
	for _, v := range out.GetFields()["transactions"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		at, _ := time.Parse(time.RFC3339Nano, f["prepared_at"].GetStringValue())
		list = append(list, PreparedXact{
			GID:           f["gid"].GetStringValue(),
			Xid:           transaction.TxnID(f["xid"].GetNumberValue()),
			PreparedAt:    at,
			Owner:         uint32(f["owner"].GetNumberValue()),
			Database:      uint32(f["database"].GetNumberValue()),
			Locked:        f["locked"].GetBoolValue(),
			DependentWork: int(f["dependent_work"].GetNumberValue()),

			DistribTimestamp: uint32(f["distrib_timestamp"].GetNumberValue()),
			DistribXid:       uint32(f["distrib_xid"].GetNumberValue()),
		})
	}
	return list, nil
}

func (c *Client) IncrDependentWork(ctx context.Context, gid string) (int, error) {
	return c.dependentWork(ctx, MethodIncrDependentWork, gid)
}

func (c *Client) DecrDependentWork(ctx context.Context, gid string) (int, error) {
	return c.dependentWork(ctx, MethodDecrDependentWork, gid)
}

func (c *Client) dependentWork(ctx context.Context, method, gid string) (int, error) {
	out, err := c.invoke(ctx, method, map[string]any{"gid": gid})
	if err != nil {
		return 0, err
	}
	return int(out.GetFields()["dependent_work"].GetNumberValue()), nil
}

func numbers(ns []uint64) []any {
	out := make([]any, len(ns))
	for i, n := range ns {
		out[i] = float64(n)
	}
	return out
}

func strs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
