// Package twophase keeps track of prepared distributed transactions: it
// writes their state to the log at PREPARE, finishes them with COMMIT
// PREPARED or ROLLBACK PREPARED, and rebuilds them from the log after a crash.
package twophase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sushant-115/gojo2pc/core/transaction"
	"github.com/sushant-115/gojo2pc/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojo2pc/internal/telemetry"
	"github.com/sushant-115/gojo2pc/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Log is the part of the write-ahead log the manager needs.
type Log interface {
	Append(rec *wal.LogRecord) (begin wal.LSN, end wal.LSN, err error)
	Flush(upTo wal.LSN) error
	Read(at wal.LSN) (*wal.LogRecord, error)
	Iterate(from wal.LSN, fn func(*wal.LogRecord) error) error
}

// StorageCleaner removes storage objects whose fate was decided by a
// prepared transaction. It must tolerate objects that are already gone.
type StorageCleaner interface {
	DropObjects(xid transaction.TxnID, objects []ResourceObject, isCommit bool, dependentWork int) error
}

// Config sizes the manager.
type Config struct {
	MaxPreparedXacts int `yaml:"max_prepared_xacts"`
	MaxRecordLen     int `yaml:"max_record_len"`
}

// Deps are the collaborators of the manager. Log, Status and Xids are required.
type Deps struct {
	Log        Log
	Status     transaction.StatusLog
	Visibility transaction.VisibilityIndex
	SubTrans   transaction.SubTransIndex
	Xids       transaction.XidCounter
	Cleaner    StorageCleaner
	Callbacks  *Callbacks
	Logger     *zap.Logger
	Telemetry  *telemetry.Telemetry
	// OnFatal is called when the process can no longer guarantee durability.
	// The default panics.
	OnFatal func(error)
	Now     func() time.Time
}

// PrepareRequest is the state of a local transaction being prepared.
type PrepareRequest struct {
	GID        string
	Xid        transaction.TxnID
	Subxids    []transaction.TxnID
	Objects    []ResourceObject
	SubRecords []SubRecord
	PreparedAt time.Time
}

// SubRecord is resource-manager state carried by a prepare record.
type SubRecord struct {
	RMID RMID
	Info uint16
	Data []byte
}

// CheckpointState is what a checkpoint must persist for prepared transactions.
type CheckpointState struct {
	RedoLSN  wal.LSN
	Prepared []PreparedPointer
	// OldestLSN is the oldest prepare record still needed, or InvalidLSN.
	OldestLSN wal.LSN
}

// Manager drives PREPARE, COMMIT PREPARED, ROLLBACK PREPARED and recovery.
type Manager struct {
	cfg        Config
	log        Log
	status     transaction.StatusLog
	visibility transaction.VisibilityIndex
	subtrans   transaction.SubTransIndex
	xids       transaction.XidCounter
	cleaner    StorageCleaner
	callbacks  *Callbacks
	logger     *zap.Logger
	tracer     trace.Tracer
	metrics    *internaltelemetry.TwoPhaseMetrics
	onFatal    func(error)
	now        func() time.Time

	registry *Registry
	index    *RecoveryIndex

	// checkpointStart orders checkpoint capture against the durable parts of
	// prepare and finish.
	checkpointStart sync.RWMutex
	ready           atomic.Bool
	recovered       atomic.Bool
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Log == nil || deps.Status == nil || deps.Xids == nil {
		return nil, errors.New("twophase manager requires a log, a status log and an xid counter")
	}
	if cfg.MaxPreparedXacts <= 0 {
		cfg.MaxPreparedXacts = DefaultMaxPreparedXacts
	}
	if cfg.MaxRecordLen <= 0 || cfg.MaxRecordLen > MaxRecordLen {
		cfg.MaxRecordLen = MaxRecordLen
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer, metrics, err := newInstruments(deps.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to create two-phase metrics: %w", err)
	}
	m := &Manager{
		cfg:        cfg,
		log:        deps.Log,
		status:     deps.Status,
		visibility: deps.Visibility,
		subtrans:   deps.SubTrans,
		xids:       deps.Xids,
		cleaner:    deps.Cleaner,
		callbacks:  deps.Callbacks,
		logger:     logger.Named("twophase"),
		tracer:     tracer,
		metrics:    metrics,
		onFatal:    deps.OnFatal,
		now:        deps.Now,
		registry:   NewRegistry(cfg.MaxPreparedXacts, deps.Visibility),
		index:      NewRecoveryIndex(),
	}
	if m.callbacks == nil {
		m.callbacks = &Callbacks{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.onFatal == nil {
		m.onFatal = func(err error) { panic(err) }
	}
	return m, nil
}

// Ready reports whether recovery has finished and new work is accepted.
func (m *Manager) Ready() bool { return m.ready.Load() }

func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) RecoveryIndex() *RecoveryIndex { return m.index }

// Prepare makes the transaction described by req durable as a prepared
// transaction named req.GID. On success the transaction survives crashes
// until FinishPrepared decides it. ctx is only honoured before the prepare
// record is written.
func (m *Manager) Prepare(ctx context.Context, sess *Session, req PrepareRequest) (err error) {
	ctx, span, _ := m.StartMetricsAndTrace(ctx, "Prepare", req.GID)
	defer func() { m.EndMetricsAndTrace(ctx, span, "Prepare", err) }()
	span.SetAttributes(attribute.Int64("twophase.xid", int64(req.Xid)))

	if !m.ready.Load() {
		return ErrNotReady
	}
	if err := ValidateGID(req.GID); err != nil {
		return err
	}
	if req.Xid == transaction.InvalidTxnID {
		return errors.New("cannot prepare a transaction without an xid")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	preparedAt := req.PreparedAt
	if preparedAt.IsZero() {
		preparedAt = m.now()
	}
	// The record keeps microseconds.
	preparedAt = preparedAt.Truncate(time.Microsecond)

	e, err := m.registry.Reserve(sess, ReserveRequest{
		GID:        req.GID,
		Xid:        req.Xid,
		OwnerID:    sess.UserID,
		DatabaseID: sess.DatabaseID,
		PreparedAt: preparedAt,
		Subxids:    req.Subxids,
	})
	if err != nil {
		return err
	}

	data, err := m.buildPrepareRecord(req, sess, preparedAt)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		m.AtAbort(sess)
		return err
	}

	m.checkpointStart.RLock()
	begin, end, err := m.log.Append(&wal.LogRecord{
		TxnID: uint64(req.Xid),
		Type:  wal.LogRecordTypePrepare,
		Data:  data,
	})
	if err != nil {
		m.checkpointStart.RUnlock()
		m.AtAbort(sess)
		return fmt.Errorf("failed to write prepare record for %q: %w", req.GID, err)
	}
	m.index.Add(req.Xid, begin)
	m.registry.SetPosition(e, begin, end)
	if err := m.log.Flush(end); err != nil {
		m.checkpointStart.RUnlock()
		return m.fatal(fmt.Errorf("failed to flush prepare record for %q at %d: %w", req.GID, begin, err))
	}

	m.registry.Validate(e)
	if sess.Xact != nil && m.visibility != nil {
		m.visibility.Withdraw(sess.Xact, transaction.InvalidTxnID)
	}
	sess.Xact = nil
	m.checkpointStart.RUnlock()

	m.PostPrepare(sess)

	m.metrics.PreparedCounter.Add(ctx, 1)
	m.metrics.ActivePreparedUpDownCtr.Add(ctx, 1)
	m.logger.Info("Transaction prepared",
		zap.String("gid", req.GID),
		zap.Uint64("xid", uint64(req.Xid)),
		zap.Int("subxacts", len(req.Subxids)),
		zap.Uint64("lsn", uint64(begin)))
	return nil
}

func (m *Manager) buildPrepareRecord(req PrepareRequest, sess *Session, preparedAt time.Time) ([]byte, error) {
	b, err := BeginRecord(PrepareHeader{
		Xid:        req.Xid,
		DatabaseID: sess.DatabaseID,
		OwnerID:    sess.UserID,
		PreparedAt: preparedAt,
		GID:        req.GID,
	}, req.Subxids, req.Objects)
	if err != nil {
		return nil, err
	}
	for _, sr := range req.SubRecords {
		if err := b.AppendSubRecord(sr.RMID, sr.Info, sr.Data); err != nil {
			return nil, err
		}
	}
	return b.Finalize(m.cfg.MaxRecordLen)
}

// PostPrepare releases the session's lock on the entry it just prepared.
func (m *Manager) PostPrepare(sess *Session) {
	m.registry.Unlock(sess)
}

// AtAbort is the unwind handler for a session that fails while holding an
// entry. An entry that never became valid is removed; a valid one is unlocked.
func (m *Manager) AtAbort(sess *Session) {
	if !sess.HoldsEntry() {
		return
	}
	if m.registry.AtAbort(sess) {
		m.logger.Debug("Released reservation of failed prepare", zap.String("session", sess.ID.String()))
	}
}

// FinishPrepared commits or rolls back the prepared transaction named gid.
func (m *Manager) FinishPrepared(ctx context.Context, sess *Session, gid string, isCommit bool) error {
	_, err := m.finish(ctx, sess, gid, isCommit, true)
	return err
}

// FinishPreparedIfExists is FinishPrepared that reports false instead of
// ErrNotFound when gid is unknown.
func (m *Manager) FinishPreparedIfExists(ctx context.Context, sess *Session, gid string, isCommit bool) (bool, error) {
	return m.finish(ctx, sess, gid, isCommit, false)
}

func (m *Manager) finish(ctx context.Context, sess *Session, gid string, isCommit, raiseIfNotFound bool) (found bool, err error) {
	op := "RollbackPrepared"
	if isCommit {
		op = "CommitPrepared"
	}
	ctx, span, started := m.StartMetricsAndTrace(ctx, op, gid)
	defer func() { m.EndMetricsAndTrace(ctx, span, op, err) }()

	if !m.ready.Load() {
		return false, ErrNotReady
	}
	e, err := m.registry.Lock(sess, gid)
	if err != nil {
		if !raiseIfNotFound && errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := ctx.Err(); err != nil {
		m.AtAbort(sess)
		return true, err
	}

	info := m.registry.info(e)
	span.SetAttributes(attribute.Int64("twophase.xid", int64(info.Xid)))
	rec, err := m.readPrepareRecord(info.BeginLSN, info.Xid, gid)
	if err != nil {
		m.AtAbort(sess)
		m.logger.Error("Two-phase state data is corrupted",
			zap.String("gid", gid),
			zap.Uint64("xid", uint64(info.Xid)),
			zap.Uint64("lsn", uint64(info.BeginLSN)),
			zap.Error(err))
		return true, err
	}

	xid := info.Xid
	children := rec.Subxids
	latestXid := transaction.LatestTxnID(xid, children)
	objects := rec.ObjectsFor(isCommit)
	distribTS, distribXid, _ := ParseGID(gid)
	payload, err := (&CompletionRecord{
		Xid:              xid,
		DistribTimestamp: distribTS,
		DistribXid:       distribXid,
		XactTime:         m.now(),
		Objects:          objects,
		Subxids:          children,
	}).Encode()
	if err != nil {
		m.AtAbort(sess)
		return true, err
	}
	recType := wal.LogRecordTypeAbortPrepared
	if isCommit {
		recType = wal.LogRecordTypeCommitPrepared
	}

	m.checkpointStart.RLock()
	defer m.checkpointStart.RUnlock()

	if !isCommit {
		st, err := m.status.Status(xid)
		if err != nil {
			m.AtAbort(sess)
			return true, fmt.Errorf("failed to read status of xid %d: %w", xid, err)
		}
		if st == transaction.TxnStateCommitted {
			return true, m.fatal(fmt.Errorf("cannot abort transaction %d, it was already committed", xid))
		}
	}

	_, end, err := m.log.Append(&wal.LogRecord{TxnID: uint64(xid), Type: recType, Data: payload})
	if err != nil {
		m.AtAbort(sess)
		return true, fmt.Errorf("failed to write %s record for %q: %w", recType, gid, err)
	}
	if err := m.log.Flush(end); err != nil {
		return true, m.fatal(fmt.Errorf("failed to flush %s record for %q: %w", recType, gid, err))
	}

	// The outcome is durable from here on; nothing below may be skipped.
	if err := m.recordOutcome(xid, children, isCommit); err != nil {
		return true, m.fatal(err)
	}
	if m.visibility != nil {
		m.visibility.Withdraw(e.handle, latestXid)
	}
	m.registry.Invalidate(e)

	if m.cleaner != nil {
		if err := m.cleaner.DropObjects(xid, objects, isCommit, m.registry.dependentWork(e)); err != nil {
			m.logger.Error("Failed to drop storage objects of prepared transaction",
				zap.String("gid", gid), zap.Uint64("xid", uint64(xid)), zap.Error(err))
		}
	}

	table := &m.callbacks.PostAbort
	if isCommit {
		table = &m.callbacks.PostCommit
	}
	if err := ProcessRecords(rec, table); err != nil {
		m.logger.Error("Failed to process two-phase sub-records", zap.String("gid", gid), zap.Error(err))
	}

	m.index.Remove(xid)
	m.registry.Release(sess)

	outcome := "rollback"
	if isCommit {
		outcome = "commit"
	}
	m.metrics.FinishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("twophase.outcome", outcome)))
	m.metrics.ActivePreparedUpDownCtr.Add(ctx, -1)
	m.metrics.FinishLatencyHistogram.Record(ctx, time.Since(started).Milliseconds(),
		metric.WithAttributes(attribute.String("twophase.outcome", outcome)))
	m.logger.Info("Prepared transaction finished",
		zap.String("gid", gid),
		zap.Uint64("xid", uint64(xid)),
		zap.String("outcome", outcome),
		zap.Uint64("latestXid", uint64(latestXid)))
	return true, nil
}

// recordOutcome marks the parent before any child.
func (m *Manager) recordOutcome(xid transaction.TxnID, children []transaction.TxnID, isCommit bool) error {
	mark := m.status.MarkAborted
	if isCommit {
		mark = m.status.MarkCommitted
	}
	if err := mark(xid); err != nil {
		return fmt.Errorf("failed to record outcome of xid %d: %w", xid, err)
	}
	for _, c := range children {
		if err := mark(c); err != nil {
			return fmt.Errorf("failed to record outcome of subtransaction %d of %d: %w", c, xid, err)
		}
	}
	return nil
}

func (m *Manager) readPrepareRecord(lsn wal.LSN, xid transaction.TxnID, gid string) (*PrepareRecord, error) {
	lr, err := m.log.Read(lsn)
	if err != nil {
		return nil, fmt.Errorf("failed to read two-phase state of %q at lsn %d: %w: %w", gid, lsn, ErrDataCorrupted, err)
	}
	if lr.Type != wal.LogRecordTypePrepare {
		return nil, corrupted("record at lsn %d is %s, not a prepare record", lsn, lr.Type)
	}
	rec, err := DecodePrepareRecord(lr.Data)
	if err != nil {
		return nil, fmt.Errorf("two-phase state of %q at lsn %d: %w", gid, lsn, err)
	}
	if rec.Header.Xid != xid || (gid != "" && rec.Header.GID != gid) {
		return nil, corrupted("record at lsn %d belongs to xid %d (%q), expected %d (%q)",
			lsn, rec.Header.Xid, rec.Header.GID, xid, gid)
	}
	return rec, nil
}

func (m *Manager) fatal(err error) error {
	err = fmt.Errorf("%w: %w", ErrFatal, err)
	m.logger.Error("Two-phase commit cannot continue", zap.Error(err))
	m.onFatal(err)
	return err
}

// IncrDependentWork records one more piece of work that must finish before
// storage cleanup of gid may run.
func (m *Manager) IncrDependentWork(gid string) (int, error) {
	return m.registry.IncrDependentWork(gid)
}

func (m *Manager) DecrDependentWork(gid string) (int, error) {
	return m.registry.DecrDependentWork(gid)
}

// List returns copies of every registry entry.
func (m *Manager) List() []EntryInfo {
	return m.registry.List()
}

// Lookup returns the visibility handle of the prepared transaction xid.
func (m *Manager) Lookup(xid transaction.TxnID) (*transaction.Handle, bool) {
	return m.registry.FindByXid(xid)
}

// CaptureCheckpoint returns the redo position and the prepared pointers as one
// consistent cut: no prepare or finish is between its log write and its
// in-memory update while currentLSN is read.
func (m *Manager) CaptureCheckpoint(currentLSN func() wal.LSN) CheckpointState {
	m.checkpointStart.Lock()
	defer m.checkpointStart.Unlock()
	st := CheckpointState{
		RedoLSN:  currentLSN(),
		Prepared: m.registry.PreparedPointers(),
	}
	if oldest, ok := oldestLSN(st.Prepared); ok {
		st.OldestLSN = oldest
	}
	return st
}
