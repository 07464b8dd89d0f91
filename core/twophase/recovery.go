package twophase

import (
	"context"
	"fmt"

	"github.com/sushant-115/gojo2pc/core/transaction"
	"github.com/sushant-115/gojo2pc/core/write_engine/wal"
	"go.uber.org/zap"
)

// SetupCheckpointPrepared seeds the recovery index with the prepared pointers
// saved by the last checkpoint.
func (m *Manager) SetupCheckpointPrepared(ptrs []PreparedPointer) {
	m.index.Load(ptrs)
	m.logger.Info("Loaded prepared transactions from checkpoint", zap.Int("count", len(ptrs)))
}

// ReplayLog scans the log from the checkpoint redo position. Prepare records
// add recovery index entries; completion records remove them and redo their
// status and storage effects. It returns the number of records seen.
func (m *Manager) ReplayLog(ctx context.Context, from wal.LSN) (int, error) {
	count := 0
	err := m.log.Iterate(from, func(lr *wal.LogRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		count++
		switch lr.Type {
		case wal.LogRecordTypePrepare:
			rec, err := DecodePrepareRecord(lr.Data)
			if err != nil {
				return fmt.Errorf("prepare record at lsn %d: %w", lr.LSN, err)
			}
			m.index.Add(rec.Header.Xid, lr.LSN)
			m.xids.AdvancePast(transaction.LatestTxnID(rec.Header.Xid, rec.Subxids))
		case wal.LogRecordTypeCommitPrepared, wal.LogRecordTypeAbortPrepared:
			isCommit := lr.Type == wal.LogRecordTypeCommitPrepared
			c, err := DecodeCompletion(lr.Data)
			if err != nil {
				return fmt.Errorf("%s record at lsn %d: %w", lr.Type, lr.LSN, err)
			}
			if err := m.redoCompletion(c, isCommit); err != nil {
				return fmt.Errorf("%s record at lsn %d: %w", lr.Type, lr.LSN, err)
			}
		}
		return nil
	})
	if err != nil {
		return count, err
	}
	m.logger.Info("Replayed log",
		zap.Uint64("fromLSN", uint64(from)),
		zap.Int("records", count),
		zap.Int("unresolved", m.index.Len()))
	return count, nil
}

func (m *Manager) redoCompletion(c *CompletionRecord, isCommit bool) error {
	m.index.Remove(c.Xid)
	m.xids.AdvancePast(transaction.LatestTxnID(c.Xid, c.Subxids))
	if err := m.recordOutcome(c.Xid, c.Subxids, isCommit); err != nil {
		return err
	}
	if m.cleaner != nil && len(c.Objects) > 0 {
		if err := m.cleaner.DropObjects(c.Xid, c.Objects, isCommit, 0); err != nil {
			m.logger.Warn("Failed to redo storage cleanup", zap.Uint64("xid", uint64(c.Xid)), zap.Error(err))
		}
	}
	return nil
}

// Prescan inspects every unresolved prepared transaction before recovery. It
// returns the oldest xid that is still needed and advances the xid counter
// past every subtransaction id recorded in a prepare record.
func (m *Manager) Prescan(ctx context.Context) (transaction.TxnID, error) {
	oldest := m.xids.Peek()
	for _, p := range m.index.Snapshot() {
		if err := ctx.Err(); err != nil {
			return oldest, err
		}
		st, err := m.status.Status(p.Xid)
		if err != nil {
			return oldest, err
		}
		if st.Resolved() {
			m.logger.Warn("Removing stale two-phase state",
				zap.Uint64("xid", uint64(p.Xid)), zap.Stringer("status", st))
			m.index.Remove(p.Xid)
			continue
		}
		rec, err := m.readPrepareRecord(p.LSN, p.Xid, "")
		if err != nil {
			return oldest, err
		}
		if p.Xid.Precedes(oldest) {
			oldest = p.Xid
		}
		for _, sub := range rec.Subxids {
			m.xids.AdvancePast(sub)
		}
	}
	return oldest, nil
}

// Recover recreates a registry entry for every unresolved prepared
// transaction and replays its sub-records through the recovery callbacks.
// It may run only once.
func (m *Manager) Recover(ctx context.Context) error {
	if !m.recovered.CompareAndSwap(false, true) {
		return ErrAlreadyRecovered
	}
	sess := NewSession(0, 0)
	sess.Superuser = true
	sess.Role = RoleExecute

	for _, p := range m.index.Snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := m.status.Status(p.Xid)
		if err != nil {
			return err
		}
		if st.Resolved() {
			m.index.Remove(p.Xid)
			continue
		}
		rec, err := m.readPrepareRecord(p.LSN, p.Xid, "")
		if err != nil {
			m.logger.Error("Two-phase state data is corrupted",
				zap.Uint64("xid", uint64(p.Xid)), zap.Uint64("lsn", uint64(p.LSN)), zap.Error(err))
			return err
		}
		hdr := rec.Header
		m.logger.Info("Recovering prepared transaction",
			zap.String("gid", hdr.GID), zap.Uint64("xid", uint64(hdr.Xid)))

		if m.subtrans != nil {
			for _, child := range rec.Subxids {
				m.subtrans.SetParent(child, hdr.Xid)
			}
		}
		sess.UserID = hdr.OwnerID
		sess.DatabaseID = hdr.DatabaseID
		e, err := m.registry.Reserve(sess, ReserveRequest{
			GID:        hdr.GID,
			Xid:        hdr.Xid,
			OwnerID:    hdr.OwnerID,
			DatabaseID: hdr.DatabaseID,
			PreparedAt: hdr.PreparedAt,
			Subxids:    rec.Subxids,
			BeginLSN:   p.LSN,
		})
		if err != nil {
			return fmt.Errorf("failed to recover prepared transaction %q: %w", hdr.GID, err)
		}
		m.registry.Validate(e)
		if err := ProcessRecords(rec, &m.callbacks.Recover); err != nil {
			m.registry.Unlock(sess)
			return err
		}
		m.registry.Unlock(sess)

		m.metrics.RecoveredCounter.Add(ctx, 1)
		m.metrics.ActivePreparedUpDownCtr.Add(ctx, 1)
	}
	return nil
}

// StartupRecovery runs the whole startup sequence from a checkpoint and opens
// the manager for new work.
func (m *Manager) StartupRecovery(ctx context.Context, redo wal.LSN, prepared []PreparedPointer) error {
	m.SetupCheckpointPrepared(prepared)
	if _, err := m.ReplayLog(ctx, redo); err != nil {
		return fmt.Errorf("log replay failed: %w", err)
	}
	if err := m.advancePastStatusLog(); err != nil {
		return err
	}
	oldest, err := m.Prescan(ctx)
	if err != nil {
		return fmt.Errorf("prescan of prepared transactions failed: %w", err)
	}
	if err := m.Recover(ctx); err != nil {
		return fmt.Errorf("recovery of prepared transactions failed: %w", err)
	}
	m.ready.Store(true)
	m.logger.Info("Prepared transactions recovered",
		zap.Int("count", m.registry.Len()),
		zap.Uint64("oldestXid", uint64(oldest)),
		zap.Uint64("nextXid", uint64(m.xids.Peek())))
	return nil
}

// advancePastStatusLog moves the xid counter past every xid the status log
// holds an outcome for. Transactions aborted before writing a prepare record
// leave no trace in the log, only in the status log.
func (m *Manager) advancePastStatusLog() error {
	h, ok := m.status.(transaction.XidHorizon)
	if !ok {
		return nil
	}
	latest, err := h.LatestXid()
	if err != nil {
		return fmt.Errorf("failed to read latest recorded xid: %w", err)
	}
	if latest != transaction.InvalidTxnID {
		m.xids.AdvancePast(latest)
	}
	return nil
}
