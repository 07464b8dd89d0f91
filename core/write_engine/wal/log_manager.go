package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	segmentMagic      uint32 = 0x474A574C
	segmentVersion    uint32 = 1
	segmentHeaderSize        = 16 // magic u32 | version u32 | startLSN u64
)

type segmentInfo struct {
	id       uint64
	path     string
	startLSN LSN // LSN of byte 0 of the file
	endLSN   LSN // LSN one past the last byte of the file
}

// LogManager manages the Write-Ahead Log segment files.
// A record's LSN is the start LSN of its segment plus its byte offset in the file.
type LogManager struct {
	logDir           string
	logger           *zap.Logger
	logFile          *os.File      // Current active log segment file handle
	segments         []segmentInfo // Ordered, the last one is active
	currentLSN       LSN           // The next LSN to be assigned
	writtenLSN       LSN           // Everything below has been handed to the OS
	flushedLSN       LSN           // Everything below has been fsynced
	buffer           *bytes.Buffer // In-memory buffer for log records before they reach the file
	mu               sync.Mutex
	bufferSize       int
	segmentSizeLimit int64
	closed           bool
	stopChan         chan struct{}
	wg               sync.WaitGroup
}

// NewLogManager opens the log in logDir, truncating a torn tail left by a
// crash, and starts the background flusher.
func NewLogManager(logDir string, bufferSize int, segmentSizeLimit int64, logger *zap.Logger) (*LogManager, error) {
	if bufferSize <= 0 {
		return nil, fmt.Errorf("log buffer size must be positive")
	}
	if segmentSizeLimit <= segmentHeaderSize {
		return nil, fmt.Errorf("log segment size limit must be larger than %d bytes", segmentHeaderSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	lm := &LogManager{
		logDir:           logDir,
		logger:           logger.Named("wal"),
		buffer:           bytes.NewBuffer(make([]byte, 0, bufferSize)),
		bufferSize:       bufferSize,
		segmentSizeLimit: segmentSizeLimit,
		stopChan:         make(chan struct{}),
	}
	if err := lm.openSegments(); err != nil {
		return nil, fmt.Errorf("failed to initialize log segments: %w", err)
	}

	lm.wg.Add(1)
	go lm.flusher()

	lm.logger.Info("LogManager initialized",
		zap.String("dir", logDir),
		zap.Int("segments", len(lm.segments)),
		zap.Uint64("currentLSN", uint64(lm.currentLSN)))
	return lm, nil
}

func (lm *LogManager) getLogSegmentPath(segmentID uint64) string {
	return filepath.Join(lm.logDir, fmt.Sprintf("log_%05d.log", segmentID))
}

// openSegments scans the log directory, validates the last segment and opens it for appends.
func (lm *LogManager) openSegments() error {
	files, err := os.ReadDir(lm.logDir)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", lm.logDir, err)
	}
	var ids []uint64
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasPrefix(name, "log_") || !strings.HasSuffix(name, ".log") {
			continue
		}
		id, parseErr := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "log_"), ".log"), 10, 64)
		if parseErr != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		path := lm.getLogSegmentPath(id)
		start, size, err := readSegmentHeader(path)
		if err != nil {
			return err
		}
		lm.segments = append(lm.segments, segmentInfo{id: id, path: path, startLSN: start, endLSN: start + LSN(size)})
	}

	if len(lm.segments) == 0 {
		return lm.createSegment(1, 0)
	}

	last := &lm.segments[len(lm.segments)-1]
	validEnd, err := lm.scanValidEnd(*last)
	if err != nil {
		return err
	}
	if validEnd < last.endLSN {
		lm.logger.Warn("Truncating torn tail of log segment",
			zap.String("segment", last.path),
			zap.Uint64("validEndLSN", uint64(validEnd)),
			zap.Uint64("fileEndLSN", uint64(last.endLSN)))
		if err := os.Truncate(last.path, int64(validEnd-last.startLSN)); err != nil {
			return fmt.Errorf("failed to truncate log segment %s: %w", last.path, err)
		}
		last.endLSN = validEnd
	}

	f, err := os.OpenFile(last.path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log segment %s: %w", last.path, err)
	}
	lm.logFile = f
	lm.currentLSN = last.endLSN
	lm.writtenLSN = last.endLSN
	lm.flushedLSN = last.endLSN
	return nil
}

func readSegmentHeader(path string) (LSN, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open log segment %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to stat log segment %s: %w", path, err)
	}
	var hdr [segmentHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return 0, 0, fmt.Errorf("failed to read header of log segment %s: %w", path, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != segmentMagic {
		return 0, 0, fmt.Errorf("log segment %s has a bad magic number: %w", path, ErrCorruptRecord)
	}
	return LSN(binary.LittleEndian.Uint64(hdr[8:16])), info.Size(), nil
}

// scanValidEnd returns the end of the last intact record in seg.
func (lm *LogManager) scanValidEnd(seg segmentInfo) (LSN, error) {
	f, err := os.Open(seg.path)
	if err != nil {
		return 0, fmt.Errorf("failed to open log segment %s: %w", seg.path, err)
	}
	defer f.Close()
	if _, err := f.Seek(segmentHeaderSize, io.SeekStart); err != nil {
		return 0, err
	}
	reader := bufio.NewReader(f)
	pos := seg.startLSN + segmentHeaderSize
	for pos < seg.endLSN {
		var lr LogRecord
		n, err := readFrame(reader, &lr)
		if err != nil {
			break
		}
		pos += LSN(n)
	}
	return pos, nil
}

// createSegment must be called with lm.mu held or before the manager is shared.
func (lm *LogManager) createSegment(id uint64, start LSN) error {
	path := lm.getLogSegmentPath(id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create log segment %s: %w", path, err)
	}
	var hdr [segmentHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], segmentMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], segmentVersion)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(start))
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return fmt.Errorf("failed to write header of log segment %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync log segment %s: %w", path, err)
	}
	syncDir(lm.logDir)

	lm.logFile = f
	end := start + segmentHeaderSize
	lm.segments = append(lm.segments, segmentInfo{id: id, path: path, startLSN: start, endLSN: end})
	lm.currentLSN = end
	lm.writtenLSN = end
	lm.flushedLSN = end
	return nil
}

// CurrentLSN returns the position the next record will be written at.
func (lm *LogManager) CurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.currentLSN
}

// FlushedLSN returns the position below which everything is durable.
func (lm *LogManager) FlushedLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushedLSN
}

// Append adds a LogRecord to the log and returns the position it starts at and
// the position just past it. The record is not durable until Flush(end) returns.
func (lm *LogManager) Append(record *LogRecord) (LSN, LSN, error) {
	frame, err := record.Serialize()
	if err != nil {
		return InvalidLSN, InvalidLSN, err
	}
	size := int64(len(frame))

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return InvalidLSN, InvalidLSN, ErrLogClosed
	}

	active := lm.segments[len(lm.segments)-1]
	offset := int64(lm.currentLSN - active.startLSN)
	if offset > segmentHeaderSize && offset+size > lm.segmentSizeLimit {
		if err := lm.rollLogSegment(); err != nil {
			return InvalidLSN, InvalidLSN, fmt.Errorf("failed to roll log segment before append: %w", err)
		}
	}

	if lm.buffer.Len()+len(frame) > lm.bufferSize {
		if err := lm.flushInternal(); err != nil {
			return InvalidLSN, InvalidLSN, fmt.Errorf("failed to flush log buffer before append: %w", err)
		}
	}
	if _, err := lm.buffer.Write(frame); err != nil {
		return InvalidLSN, InvalidLSN, fmt.Errorf("failed to write record to log buffer: %w", err)
	}

	begin := lm.currentLSN
	lm.currentLSN += LSN(size)
	lm.segments[len(lm.segments)-1].endLSN = lm.currentLSN
	record.LSN = begin

	lm.logger.Debug("Appended log record",
		zap.Uint64("lsn", uint64(begin)),
		zap.Stringer("type", record.Type),
		zap.Uint64("txnID", record.TxnID),
		zap.Int64("size", size))
	return begin, lm.currentLSN, nil
}

// Flush makes every record that ends at or before upTo durable.
func (lm *LogManager) Flush(upTo LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return ErrLogClosed
	}
	if upTo != InvalidLSN && upTo <= lm.flushedLSN {
		return nil
	}
	return lm.syncInternal()
}

// syncInternal must be called with lm.mu held.
func (lm *LogManager) syncInternal() error {
	if err := lm.flushInternal(); err != nil {
		return fmt.Errorf("failed to flush log buffer: %w", err)
	}
	if err := lm.logFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	lm.flushedLSN = lm.writtenLSN
	return nil
}

// flushInternal writes the buffered log records to the log file.
// This method MUST be called with lm.mu locked. It does NOT call Sync().
func (lm *LogManager) flushInternal() error {
	if lm.buffer.Len() == 0 {
		return nil
	}
	if lm.logFile == nil {
		return fmt.Errorf("log file is not open, cannot flush")
	}
	n, err := lm.logFile.Write(lm.buffer.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write log buffer to file: %w", err)
	}
	if n != lm.buffer.Len() {
		return fmt.Errorf("short write to log file: expected %d, wrote %d", lm.buffer.Len(), n)
	}
	lm.writtenLSN += LSN(n)
	lm.buffer.Reset()
	return nil
}

// rollLogSegment syncs and closes the active segment and opens the next one.
// This method MUST be called with lm.mu locked.
func (lm *LogManager) rollLogSegment() error {
	if err := lm.syncInternal(); err != nil {
		return err
	}
	active := lm.segments[len(lm.segments)-1]
	if err := lm.logFile.Close(); err != nil {
		return fmt.Errorf("failed to close log file %s: %w", active.path, err)
	}
	lm.logFile = nil
	if err := lm.createSegment(active.id+1, lm.currentLSN); err != nil {
		return err
	}
	lm.logger.Info("Rolled to new log segment",
		zap.Uint64("segment", active.id+1),
		zap.Uint64("startLSN", uint64(lm.currentLSN)))
	return nil
}

// snapshot hands buffered bytes to the OS and returns the segment list.
func (lm *LogManager) snapshot() ([]segmentInfo, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil, ErrLogClosed
	}
	if err := lm.flushInternal(); err != nil {
		return nil, err
	}
	return append([]segmentInfo(nil), lm.segments...), nil
}

// Read returns the record starting at lsn.
func (lm *LogManager) Read(lsn LSN) (*LogRecord, error) {
	segments, err := lm.snapshot()
	if err != nil {
		return nil, err
	}
	for _, seg := range segments {
		if lsn < seg.startLSN+segmentHeaderSize || lsn >= seg.endLSN {
			continue
		}
		f, err := os.Open(seg.path)
		if err != nil {
			return nil, fmt.Errorf("failed to open log segment %s: %w", seg.path, err)
		}
		defer f.Close()
		r := io.NewSectionReader(f, int64(lsn-seg.startLSN), int64(seg.endLSN-lsn))
		lr := &LogRecord{LSN: lsn}
		if _, err := readFrame(bufio.NewReader(r), lr); err != nil {
			return nil, fmt.Errorf("failed to read log record at %d: %w", lsn, err)
		}
		return lr, nil
	}
	return nil, fmt.Errorf("lsn %d: %w", lsn, ErrInvalidLSN)
}

// Iterate calls fn for each record at or after from, in log order, until fn
// returns an error or the end of the log is reached.
func (lm *LogManager) Iterate(from LSN, fn func(*LogRecord) error) error {
	segments, err := lm.snapshot()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if seg.endLSN <= from {
			continue
		}
		start := seg.startLSN + segmentHeaderSize
		if from > start {
			start = from
		}
		if err := iterateSegment(seg, start, fn); err != nil {
			return err
		}
	}
	return nil
}

func iterateSegment(seg segmentInfo, start LSN, fn func(*LogRecord) error) error {
	f, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("failed to open log segment %s: %w", seg.path, err)
	}
	defer f.Close()
	reader := bufio.NewReader(io.NewSectionReader(f, int64(start-seg.startLSN), int64(seg.endLSN-start)))
	pos := start
	for pos < seg.endLSN {
		lr := &LogRecord{LSN: pos}
		n, err := readFrame(reader, lr)
		if err != nil {
			return fmt.Errorf("failed to read log record at %d in %s: %w", pos, seg.path, err)
		}
		if err := fn(lr); err != nil {
			return err
		}
		pos += LSN(n)
	}
	return nil
}

// readFrame reads one frame from reader into lr and returns its size.
func readFrame(reader *bufio.Reader, lr *LogRecord) (int, error) {
	hdr, err := reader.Peek(frameHeaderSize)
	if err != nil {
		if err == io.EOF && len(hdr) == 0 {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("truncated frame header: %w", ErrCorruptRecord)
	}
	n := frameLength(hdr)
	if n < frameHeaderSize || n > MaxRecordDataSize+frameHeaderSize {
		return 0, fmt.Errorf("frame length %d out of range: %w", n, ErrCorruptRecord)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(reader, frame); err != nil {
		return 0, fmt.Errorf("truncated frame: %w", ErrCorruptRecord)
	}
	if err := lr.Deserialize(frame); err != nil {
		return 0, err
	}
	return n, nil
}

// flusher periodically hands buffered records to the OS and syncs them.
func (lm *LogManager) flusher() {
	defer lm.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-lm.stopChan:
			return
		case <-ticker.C:
			lm.mu.Lock()
			if !lm.closed && lm.flushedLSN < lm.currentLSN {
				if err := lm.syncInternal(); err != nil {
					lm.logger.Error("Periodic log flush failed", zap.Error(err))
				}
			}
			lm.mu.Unlock()
		}
	}
}

// Close stops the flusher, syncs what is buffered and closes the active segment.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return nil
	}
	lm.closed = true
	lm.mu.Unlock()

	close(lm.stopChan)
	lm.wg.Wait()

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if err := lm.syncInternal(); err != nil {
		lm.logger.Error("Final log flush failed", zap.Error(err))
	}
	if err := lm.logFile.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	lm.logFile = nil
	lm.logger.Info("LogManager closed", zap.Uint64("currentLSN", uint64(lm.currentLSN)))
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
