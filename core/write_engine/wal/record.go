package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// LSN is a position in the log. Positions are strictly increasing; the zero
// value never addresses a record.
type LSN uint64

const InvalidLSN LSN = 0

// LogRecordType defines the type of operation logged.
type LogRecordType byte

const (
	LogRecordTypeCheckpoint     LogRecordType = iota + 1 // Checkpoint marker, Data is the checkpoint payload
	LogRecordTypePrepare                                 // Prepared transaction state
	LogRecordTypeCommitPrepared                          // Commit of a prepared transaction
	LogRecordTypeAbortPrepared                           // Rollback of a prepared transaction
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordTypeCheckpoint:
		return "CHECKPOINT"
	case LogRecordTypePrepare:
		return "PREPARE"
	case LogRecordTypeCommitPrepared:
		return "COMMIT_PREPARED"
	case LogRecordTypeAbortPrepared:
		return "ABORT_PREPARED"
	default:
		return fmt.Sprintf("LogRecordType(%d)", byte(t))
	}
}

var (
	ErrLogRecordTooLarge = errors.New("log record too large")
	ErrCorruptRecord     = errors.New("corrupt log record")
	ErrInvalidLSN        = errors.New("no log record at position")
	ErrLogClosed         = errors.New("log is closed")
)

// MaxRecordDataSize bounds LogRecord.Data.
const MaxRecordDataSize = 1<<30 - 1

// frame layout: len u32 | crc u32 | txnID u64 | type u8 | pad [3] | data
const frameHeaderSize = 20

// LogRecord represents a single entry in the Write-Ahead Log.
type LogRecord struct {
	LSN   LSN // assigned on append, not stored in the frame
	TxnID uint64
	Type  LogRecordType
	Data  []byte
}

// Size returns the serialized size of the record.
func (lr *LogRecord) Size() int {
	return frameHeaderSize + len(lr.Data)
}

// Serialize converts a LogRecord into a self-checking frame.
func (lr *LogRecord) Serialize() ([]byte, error) {
	if len(lr.Data) > MaxRecordDataSize {
		return nil, fmt.Errorf("%d bytes of data: %w", len(lr.Data), ErrLogRecordTooLarge)
	}
	buf := make([]byte, lr.Size())
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint64(buf[8:16], lr.TxnID)
	buf[16] = byte(lr.Type)
	copy(buf[frameHeaderSize:], lr.Data)
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(buf[8:]))
	return buf, nil
}

// Deserialize reads a frame produced by Serialize.
func (lr *LogRecord) Deserialize(frame []byte) error {
	if len(frame) < frameHeaderSize {
		return fmt.Errorf("frame of %d bytes is shorter than header: %w", len(frame), ErrCorruptRecord)
	}
	total := binary.LittleEndian.Uint32(frame[0:4])
	if int(total) != len(frame) {
		return fmt.Errorf("frame length %d does not match header length %d: %w", len(frame), total, ErrCorruptRecord)
	}
	if crc32.ChecksumIEEE(frame[8:]) != binary.LittleEndian.Uint32(frame[4:8]) {
		return fmt.Errorf("checksum mismatch: %w", ErrCorruptRecord)
	}
	lr.TxnID = binary.LittleEndian.Uint64(frame[8:16])
	lr.Type = LogRecordType(frame[16])
	lr.Data = append([]byte(nil), frame[frameHeaderSize:]...)
	return nil
}

// frameLength peeks at the length prefix of a frame header.
func frameLength(hdr []byte) int {
	return int(binary.LittleEndian.Uint32(hdr[0:4]))
}
