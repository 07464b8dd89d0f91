package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// setupLogManager creates a LogManager in a temporary directory for isolated testing.
func setupLogManager(t *testing.T, segmentSize int64) (*LogManager, string) {
	t.Helper()
	tempDir := t.TempDir()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	lm, err := NewLogManager(tempDir, 4096, segmentSize, logger)
	require.NoError(t, err)
	return lm, tempDir
}

func newTestLogRecord(txnID uint64, data string) *LogRecord {
	return &LogRecord{Type: LogRecordTypePrepare, TxnID: txnID, Data: []byte(data)}
}

// --- Test Cases ---

// TestLogManager_AppendAndRead writes a few records and reads each one back by
// the position Append returned.
func TestLogManager_AppendAndRead(t *testing.T) {
	lm, _ := setupLogManager(t, 1<<20)
	defer lm.Close()

	var begins []LSN
	prevEnd := InvalidLSN
	for i := 0; i < 3; i++ {
		rec := newTestLogRecord(uint64(100+i), fmt.Sprintf("record data %d", i))
		begin, end, err := lm.Append(rec)
		require.NoError(t, err)
		require.Equal(t, begin, rec.LSN)
		require.Equal(t, begin+LSN(rec.Size()), end)
		if prevEnd != InvalidLSN {
			require.Equal(t, prevEnd, begin, "records are laid out back to back")
		}
		prevEnd = end
		begins = append(begins, begin)
	}
	require.NoError(t, lm.Flush(prevEnd))
	require.Equal(t, prevEnd, lm.FlushedLSN())

	for i, lsn := range begins {
		rec, err := lm.Read(lsn)
		require.NoError(t, err)
		require.Equal(t, lsn, rec.LSN)
		require.Equal(t, uint64(100+i), rec.TxnID)
		require.Equal(t, LogRecordTypePrepare, rec.Type)
		require.Equal(t, fmt.Sprintf("record data %d", i), string(rec.Data))
	}

	_, err := lm.Read(prevEnd + 100)
	require.ErrorIs(t, err, ErrInvalidLSN)
}

// TestLogManager_RecoveryAndRead simulates a restart: a new LogManager on the
// same directory must see the old records at the same positions.
func TestLogManager_RecoveryAndRead(t *testing.T) {
	tempDir := t.TempDir()
	logger := zap.NewNop()

	lm1, err := NewLogManager(tempDir, 4096, 1<<20, logger)
	require.NoError(t, err)
	begin, end, err := lm1.Append(newTestLogRecord(7, "this must survive a restart"))
	require.NoError(t, err)
	require.NoError(t, lm1.Flush(end))
	require.NoError(t, lm1.Close())

	lm2, err := NewLogManager(tempDir, 4096, 1<<20, logger)
	require.NoError(t, err)
	defer lm2.Close()

	require.Equal(t, end, lm2.CurrentLSN())
	rec, err := lm2.Read(begin)
	require.NoError(t, err)
	require.Equal(t, "this must survive a restart", string(rec.Data))

	begin2, _, err := lm2.Append(newTestLogRecord(8, "after restart"))
	require.NoError(t, err)
	require.Equal(t, end, begin2)
}

// TestLogManager_SegmentRollAndIterate forces several segment rolls and checks
// that iteration from any record boundary returns the rest of the log in order.
func TestLogManager_SegmentRollAndIterate(t *testing.T) {
	lm, dir := setupLogManager(t, 128)
	defer lm.Close()

	var begins []LSN
	for i := 0; i < 10; i++ {
		begin, _, err := lm.Append(newTestLogRecord(uint64(i), fmt.Sprintf("payload-%02d-%s", i, "xxxxxxxxxxxxxxxxxxxxxxxx")))
		require.NoError(t, err)
		begins = append(begins, begin)
	}
	require.NoError(t, lm.Flush(InvalidLSN))

	files, err := filepath.Glob(filepath.Join(dir, "log_*.log"))
	require.NoError(t, err)
	require.Greater(t, len(files), 1, "segment limit must have forced a roll")

	var seen []uint64
	require.NoError(t, lm.Iterate(InvalidLSN, func(r *LogRecord) error {
		seen = append(seen, r.TxnID)
		return nil
	}))
	require.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)

	seen = nil
	require.NoError(t, lm.Iterate(begins[6], func(r *LogRecord) error {
		seen = append(seen, r.TxnID)
		return nil
	}))
	require.Equal(t, []uint64{6, 7, 8, 9}, seen)

	for i, lsn := range begins {
		rec, err := lm.Read(lsn)
		require.NoError(t, err)
		require.Equal(t, uint64(i), rec.TxnID)
	}
}

// TestLogManager_TornTailIsTruncated appends garbage after the last record, as
// a crash in the middle of a write would, and checks that reopening drops it.
func TestLogManager_TornTailIsTruncated(t *testing.T) {
	tempDir := t.TempDir()
	logger := zap.NewNop()

	lm1, err := NewLogManager(tempDir, 4096, 1<<20, logger)
	require.NoError(t, err)
	_, end, err := lm1.Append(newTestLogRecord(1, "intact"))
	require.NoError(t, err)
	require.NoError(t, lm1.Close())

	f, err := os.OpenFile(filepath.Join(tempDir, "log_00001.log"), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x40, 0, 0, 0, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lm2, err := NewLogManager(tempDir, 4096, 1<<20, logger)
	require.NoError(t, err)
	defer lm2.Close()
	require.Equal(t, end, lm2.CurrentLSN())

	count := 0
	require.NoError(t, lm2.Iterate(InvalidLSN, func(*LogRecord) error {
		count++
		return nil
	}))
	require.Equal(t, 1, count)
}

func TestLogRecord_CorruptFrame(t *testing.T) {
	frame, err := newTestLogRecord(3, "abc").Serialize()
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF

	var lr LogRecord
	require.ErrorIs(t, lr.Deserialize(frame), ErrCorruptRecord)
	require.ErrorIs(t, lr.Deserialize(frame[:5]), ErrCorruptRecord)
}

func TestLogManager_AppendAfterClose(t *testing.T) {
	lm, _ := setupLogManager(t, 1<<20)
	require.NoError(t, lm.Close())
	require.NoError(t, lm.Close())

	_, _, err := lm.Append(newTestLogRecord(1, "late"))
	require.ErrorIs(t, err, ErrLogClosed)
}
