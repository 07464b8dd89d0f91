// Package twophaseservice exposes the two-phase manager over gRPC.
package twophaseservice

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sushant-115/gojo2pc/core/lockmanager"
	"github.com/sushant-115/gojo2pc/core/transaction"
	"github.com/sushant-115/gojo2pc/core/twophase"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// XidAllocator hands out new transaction ids.
type XidAllocator interface {
	Next() transaction.TxnID
}

// ObjectResolver maps a storage object path to its location, rejecting paths
// the storage cleaner could never remove.
type ObjectResolver interface {
	Resolve(path string) (string, error)
}

// Deps are the collaborators of the service. Objects is optional.
type Deps struct {
	Manager    *twophase.Manager
	Locks      *lockmanager.LockManager
	Xids       XidAllocator
	Visibility transaction.VisibilityIndex
	Status     transaction.StatusLog
	Objects    ObjectResolver
	Logger     *zap.Logger
}

// Server implements TwoPhaseServer. It plays the local transaction for a
// Prepare request: it allocates ids, takes locks and hands the result to
// the manager.
type Server struct {
	mgr     *twophase.Manager
	locks   *lockmanager.LockManager
	xids    XidAllocator
	vis     transaction.VisibilityIndex
	status  transaction.StatusLog
	objects ObjectResolver
	logger  *zap.Logger
}

var _ TwoPhaseServer = (*Server)(nil)

func NewServer(deps Deps) (*Server, error) {
	if deps.Manager == nil || deps.Locks == nil || deps.Xids == nil || deps.Status == nil {
		return nil, errors.New("twophase service requires a manager, a lock manager, an xid allocator and a status log")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		mgr:     deps.Manager,
		locks:   deps.Locks,
		xids:    deps.Xids,
		vis:     deps.Visibility,
		status:  deps.Status,
		objects: deps.Objects,
		logger:  logger.Named("twophase_service"),
	}, nil
}

// Prepare request fields: gid, user, database, superuser, subxacts (count),
// locks and shared_locks (object ids in the session database),
// drop_on_commit and drop_on_abort (object paths). Reply: xid, subxids.
func (s *Server) Prepare(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	gid, err := requiredString(f, "gid")
	if err != nil {
		return nil, err
	}
	if err := twophase.ValidateGID(gid); err != nil {
		return nil, toStatus(err)
	}
	sess, err := sessionFrom(f)
	if err != nil {
		return nil, err
	}
	nsub, err := optionalUint(f, "subxacts", math.MaxInt16)
	if err != nil {
		return nil, err
	}
	exclusive, err := uintList(f, "locks")
	if err != nil {
		return nil, err
	}
	shared, err := uintList(f, "shared_locks")
	if err != nil {
		return nil, err
	}
	objects, err := s.objectList(f)
	if err != nil {
		return nil, err
	}

	xid := s.xids.Next()
	subxids := make([]transaction.TxnID, 0, nsub)
	for i := uint64(0); i < nsub; i++ {
		subxids = append(subxids, s.xids.Next())
	}
	sess.Xact = &transaction.Handle{Xid: xid, Subxids: subxids, DatabaseID: sess.DatabaseID, OwnerID: sess.UserID}
	if s.vis != nil {
		s.vis.Publish(sess.Xact)
	}

	err = s.prepareLocal(ctx, sess, gid, xid, subxids, exclusive, shared, objects)
	if err != nil {
		s.abortLocal(sess, xid, subxids, err)
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"xid":     float64(xid),
		"subxids": txnIDList(subxids),
	})
}

func (s *Server) prepareLocal(ctx context.Context, sess *twophase.Session, gid string, xid transaction.TxnID,
	subxids []transaction.TxnID, exclusive, shared []uint64, objects []twophase.ResourceObject) error {
	for _, obj := range exclusive {
		tag := lockmanager.LockTag{DatabaseID: sess.DatabaseID, ObjectID: obj}
		if err := s.locks.Acquire(xid, tag, lockmanager.LockExclusive); err != nil {
			return err
		}
	}
	for _, obj := range shared {
		tag := lockmanager.LockTag{DatabaseID: sess.DatabaseID, ObjectID: obj}
		if err := s.locks.Acquire(xid, tag, lockmanager.LockShared); err != nil {
			return err
		}
	}
	return s.mgr.Prepare(ctx, sess, twophase.PrepareRequest{
		GID:        gid,
		Xid:        xid,
		Subxids:    subxids,
		Objects:    objects,
		SubRecords: s.locks.SubRecords(xid),
	})
}

// objectList decodes drop_on_commit and drop_on_abort. Paths the cleaner
// would refuse are rejected here, while the request can still fail cleanly.
func (s *Server) objectList(f map[string]*structpb.Value) ([]twophase.ResourceObject, error) {
	var objects []twophase.ResourceObject
	for _, group := range []struct {
		field  string
		action twophase.ObjectAction
	}{{"drop_on_commit", twophase.DropOnCommit}, {"drop_on_abort", twophase.DropOnAbort}} {
		paths, err := stringList(f, group.field)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			if s.objects != nil {
				if _, err := s.objects.Resolve(p); err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "%s: %v", group.field, err)
				}
			}
			objects = append(objects, twophase.ResourceObject{Action: group.action, Path: p})
		}
	}
	return objects, nil
}

// abortLocal rolls back the local transaction of a failed Prepare. After a
// fatal error the prepare record may be durable, so the outcome is left to
// recovery.
func (s *Server) abortLocal(sess *twophase.Session, xid transaction.TxnID, subxids []transaction.TxnID, cause error) {
	if errors.Is(cause, twophase.ErrFatal) {
		return
	}
	s.locks.ReleaseAll(xid)
	if sess.Xact != nil && s.vis != nil {
		s.vis.Withdraw(sess.Xact, transaction.LatestTxnID(xid, subxids))
	}
	for _, id := range append([]transaction.TxnID{xid}, subxids...) {
		if err := s.status.MarkAborted(id); err != nil {
			s.logger.Error("Failed to record abort of local transaction", zap.Uint64("xid", uint64(id)), zap.Error(err))
		}
	}
	s.logger.Info("Local transaction aborted", zap.Uint64("xid", uint64(xid)), zap.Error(cause))
}

// CommitPrepared request fields: gid, user, database, superuser, role
// ("dispatch", "execute" or "utility"), missing_ok. Reply: found.
func (s *Server) CommitPrepared(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.finish(ctx, req, true)
}

// RollbackPrepared takes the same fields as CommitPrepared.
func (s *Server) RollbackPrepared(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.finish(ctx, req, false)
}

func (s *Server) finish(ctx context.Context, req *structpb.Struct, isCommit bool) (*structpb.Struct, error) {
	f := req.GetFields()
	gid, err := requiredString(f, "gid")
	if err != nil {
		return nil, err
	}
	sess, err := sessionFrom(f)
	if err != nil {
		return nil, err
	}
	found := true
	if f["missing_ok"].GetBoolValue() {
		found, err = s.mgr.FinishPreparedIfExists(ctx, sess, gid, isCommit)
	} else {
		err = s.mgr.FinishPrepared(ctx, sess, gid, isCommit)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"found": found})
}

// ListPrepared returns the prepared transactions, like pg_prepared_xacts.
// Entries still being prepared are not listed.
func (s *Server) ListPrepared(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	entries := s.mgr.List()
	list := make([]any, 0, len(entries))
	for _, e := range entries {
		if !e.Valid {
			continue
		}
		list = append(list, map[string]any{
			"gid":            e.GID,
			"xid":            float64(e.Xid),
			"prepared_at":    e.PreparedAt.UTC().Format(time.RFC3339Nano),
			"owner":          float64(e.OwnerID),
			"database":       float64(e.DatabaseID),
			"locked":         e.Locked,
			"dependent_work": float64(e.DependentWork),

			"distrib_timestamp": float64(e.DistribTimestamp),
			"distrib_xid":       float64(e.DistribXid),
		})
	}
	return structpb.NewStruct(map[string]any{"transactions": list})
}

// IncrDependentWork request: gid. Reply: dependent_work.
func (s *Server) IncrDependentWork(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.adjustDependentWork(req, s.mgr.IncrDependentWork)
}

func (s *Server) DecrDependentWork(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.adjustDependentWork(req, s.mgr.DecrDependentWork)
}

func (s *Server) adjustDependentWork(req *structpb.Struct, fn func(string) (int, error)) (*structpb.Struct, error) {
	gid, err := requiredString(req.GetFields(), "gid")
	if err != nil {
		return nil, err
	}
	n, err := fn(gid)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"dependent_work": float64(n)})
}

// --- request decoding ---

func sessionFrom(f map[string]*structpb.Value) (*twophase.Session, error) {
	user, err := optionalUint(f, "user", math.MaxUint32)
	if err != nil {
		return nil, err
	}
	db, err := optionalUint(f, "database", math.MaxUint32)
	if err != nil {
		return nil, err
	}
	sess := twophase.NewSession(uint32(user), uint32(db))
	sess.Superuser = f["superuser"].GetBoolValue()
	switch role := f["role"].GetStringValue(); role {
	case "", "dispatch":
		sess.Role = twophase.RoleDispatch
	case "execute":
		sess.Role = twophase.RoleExecute
	case "utility":
		sess.Role = twophase.RoleUtility
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown role %q", role)
	}
	return sess, nil
}

func requiredString(f map[string]*structpb.Value, name string) (string, error) {
	v, ok := f[name]
	if !ok {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok || sv.StringValue == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s must be a non-empty string", name)
	}
	return sv.StringValue, nil
}

func asUint(v *structpb.Value, name string, max uint64) (uint64, error) {
	nv, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a number", name)
	}
	n := nv.NumberValue
	if n < 0 || n != math.Trunc(n) || n > float64(max) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer in [0, %d], got %v", name, max, n)
	}
	return uint64(n), nil
}

func optionalUint(f map[string]*structpb.Value, name string, max uint64) (uint64, error) {
	v, ok := f[name]
	if !ok {
		return 0, nil
	}
	return asUint(v, name, max)
}

func uintList(f map[string]*structpb.Value, name string) ([]uint64, error) {
	v, ok := f[name]
	if !ok {
		return nil, nil
	}
	lv, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "%s must be a list", name)
	}
	out := make([]uint64, 0, len(lv.ListValue.GetValues()))
	for i, item := range lv.ListValue.GetValues() {
		n, err := asUint(item, fmt.Sprintf("%s[%d]", name, i), math.MaxUint32)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func stringList(f map[string]*structpb.Value, name string) ([]string, error) {
	v, ok := f[name]
	if !ok {
		return nil, nil
	}
	lv, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "%s must be a list", name)
	}
	out := make([]string, 0, len(lv.ListValue.GetValues()))
	for i, item := range lv.ListValue.GetValues() {
		sv, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "%s[%d] must be a string", name, i)
		}
		out = append(out, sv.StringValue)
	}
	return out, nil
}

func txnIDList(ids []transaction.TxnID) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = float64(id)
	}
	return out
}
