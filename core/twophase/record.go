package twophase

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"github.com/sushant-115/gojo2pc/core/transaction"
	commonutils "github.com/sushant-115/gojo2pc/internal/common_utils"
)

const (
	// GIDSize bounds a transaction identifier, including its terminating NUL.
	GIDSize = 200
	// MaxRecordLen is the default ceiling for a prepare record.
	MaxRecordLen = 1<<30 - 1

	recordMagic         uint32 = 0x57F94531
	prepareHeaderSize          = 40 + GIDSize
	subRecordHeaderSize        = 8
	crcSize                    = 4
)

// ObjectAction says when a storage object is removed.
type ObjectAction uint8

const (
	DropOnCommit ObjectAction = 1
	DropOnAbort  ObjectAction = 2
)

// ResourceObject is a storage object whose removal depends on the outcome.
type ResourceObject struct {
	Action ObjectAction
	Path   string
}

// Matches reports whether the object is removed by the given outcome.
func (o ResourceObject) Matches(isCommit bool) bool {
	if isCommit {
		return o.Action == DropOnCommit
	}
	return o.Action == DropOnAbort
}

// PrepareHeader is the fixed part of a prepare record.
type PrepareHeader struct {
	Xid        transaction.TxnID
	DatabaseID uint32
	OwnerID    uint32
	PreparedAt time.Time
	GID        string
}

// RecordBuilder accumulates a prepare record. Segments are 8-byte aligned.
type RecordBuilder struct {
	buf []byte
}

// BeginRecord writes the header, subtransaction ids and storage objects.
func BeginRecord(hdr PrepareHeader, subxids []transaction.TxnID, objects []ResourceObject) (*RecordBuilder, error) {
	if err := ValidateGID(hdr.GID); err != nil {
		return nil, err
	}
	if len(subxids) > math.MaxInt32 || len(objects) > math.MaxInt16 {
		return nil, fmt.Errorf("%d subtransactions, %d objects: %w", len(subxids), len(objects), ErrRecordTooLarge)
	}
	blob, err := encodeObjects(objects)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, prepareHeaderSize, prepareHeaderSize+len(subxids)*8+len(blob)+64)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], recordMagic)
	// buf[4:8] total length, patched by Finalize
	le.PutUint64(buf[8:16], uint64(hdr.Xid))
	le.PutUint32(buf[16:20], hdr.DatabaseID)
	le.PutUint32(buf[20:24], hdr.OwnerID)
	le.PutUint64(buf[24:32], uint64(hdr.PreparedAt.UnixMicro()))
	le.PutUint32(buf[32:36], uint32(int32(len(subxids))))
	le.PutUint16(buf[36:38], uint16(int16(len(objects))))
	copy(buf[40:40+GIDSize], hdr.GID)

	buf = appendTxnIDs(buf, subxids)
	buf = commonutils.PadTo(buf)
	buf = append(buf, blob...)
	buf = commonutils.PadTo(buf)
	return &RecordBuilder{buf: buf}, nil
}

// AppendSubRecord adds one resource-manager sub-record.
func (b *RecordBuilder) AppendSubRecord(rmid RMID, info uint16, payload []byte) error {
	if rmid == RMEnd || rmid > RMMaxID {
		return fmt.Errorf("invalid resource manager %s for sub-record", rmid)
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("sub-record payload of %d bytes: %w", len(payload), ErrRecordTooLarge)
	}
	b.appendSubRecord(rmid, info, payload)
	return nil
}

func (b *RecordBuilder) appendSubRecord(rmid RMID, info uint16, payload []byte) {
	var hdr [subRecordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(rmid))
	binary.LittleEndian.PutUint16(hdr[6:8], info)
	b.buf = append(b.buf, hdr[:]...)
	b.buf = append(b.buf, payload...)
	b.buf = commonutils.PadTo(b.buf)
}

// Finalize terminates the sub-record list, back-patches the total length and
// appends the checksum. The builder must not be used afterwards.
func (b *RecordBuilder) Finalize(maxLen int) ([]byte, error) {
	if maxLen <= 0 || maxLen > MaxRecordLen {
		maxLen = MaxRecordLen
	}
	b.appendSubRecord(RMEnd, 0, nil)
	total := len(b.buf) + crcSize
	if total > maxLen {
		return nil, fmt.Errorf("record of %d bytes exceeds %d: %w", total, maxLen, ErrRecordTooLarge)
	}
	binary.LittleEndian.PutUint32(b.buf[4:8], uint32(total))
	crc := crc32.ChecksumIEEE(b.buf)
	out := binary.LittleEndian.AppendUint32(b.buf, crc)
	b.buf = nil
	return out, nil
}

// PrepareRecord is a decoded prepare record.
type PrepareRecord struct {
	Header  PrepareHeader
	Subxids []transaction.TxnID
	Objects []ResourceObject

	subRecords []byte
}

// DecodePrepareRecord validates and decodes data produced by Finalize.
func DecodePrepareRecord(data []byte) (*PrepareRecord, error) {
	if len(data) < prepareHeaderSize+subRecordHeaderSize+crcSize {
		return nil, corrupted("record of %d bytes is too short", len(data))
	}
	le := binary.LittleEndian
	if le.Uint32(data[0:4]) != recordMagic {
		return nil, corrupted("bad magic number %#x", le.Uint32(data[0:4]))
	}
	if total := le.Uint32(data[4:8]); int(total) != len(data) {
		return nil, corrupted("length %d does not match header length %d", len(data), total)
	}
	body := data[:len(data)-crcSize]
	if crc32.ChecksumIEEE(body) != le.Uint32(data[len(data)-crcSize:]) {
		return nil, corrupted("checksum mismatch")
	}

	nsub := int32(le.Uint32(data[32:36]))
	nobj := int16(le.Uint16(data[36:38]))
	if nsub < 0 || nobj < 0 {
		return nil, corrupted("negative counts %d/%d", nsub, nobj)
	}
	gid := data[40 : 40+GIDSize]
	if i := bytes.IndexByte(gid, 0); i >= 0 {
		gid = gid[:i]
	}
	rec := &PrepareRecord{
		Header: PrepareHeader{
			Xid:        transaction.TxnID(le.Uint64(data[8:16])),
			DatabaseID: le.Uint32(data[16:20]),
			OwnerID:    le.Uint32(data[20:24]),
			PreparedAt: time.UnixMicro(int64(le.Uint64(data[24:32]))),
			GID:        string(gid),
		},
	}

	off := prepareHeaderSize
	subxids, next, err := readTxnIDs(body, off, int(nsub))
	if err != nil {
		return nil, err
	}
	rec.Subxids = subxids
	off = commonutils.AlignUp(next)

	objects, next, err := decodeObjects(body, off, int(nobj))
	if err != nil {
		return nil, err
	}
	rec.Objects = objects
	off = commonutils.AlignUp(next)
	if off > len(body) {
		return nil, corrupted("sub-records start past end of record")
	}
	rec.subRecords = body[off:]

	// Walk the chain once so callers never see a truncated list.
	if err := rec.ForEachSubRecord(func(RMID, uint16, []byte) error { return nil }); err != nil {
		return nil, err
	}
	return rec, nil
}

// ForEachSubRecord calls fn for every sub-record up to the end sentinel.
func (r *PrepareRecord) ForEachSubRecord(fn func(rmid RMID, info uint16, data []byte) error) error {
	buf := r.subRecords
	off := 0
	for {
		if off+subRecordHeaderSize > len(buf) {
			return corrupted("sub-record list is not terminated")
		}
		n := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		rmid := RMID(binary.LittleEndian.Uint16(buf[off+4 : off+6]))
		info := binary.LittleEndian.Uint16(buf[off+6 : off+8])
		off += subRecordHeaderSize
		if rmid > RMMaxID {
			return corrupted("unknown resource manager %d", uint16(rmid))
		}
		if rmid == RMEnd {
			return nil
		}
		if n < 0 || off+n > len(buf) {
			return corrupted("sub-record of %d bytes overruns record", n)
		}
		if err := fn(rmid, info, buf[off:off+n]); err != nil {
			return err
		}
		off = commonutils.AlignUp(off + n)
	}
}

// ProcessRecords dispatches every sub-record of r to the matching handler in table.
func ProcessRecords(r *PrepareRecord, table *CallbackTable) error {
	xid := r.Header.Xid
	return r.ForEachSubRecord(func(rmid RMID, info uint16, data []byte) error {
		if cb := table[rmid]; cb != nil {
			cb(xid, info, data)
		}
		return nil
	})
}

// ObjectsFor returns the storage objects removed by the given outcome.
func (r *PrepareRecord) ObjectsFor(isCommit bool) []ResourceObject {
	return filterObjects(r.Objects, isCommit)
}

func filterObjects(objects []ResourceObject, isCommit bool) []ResourceObject {
	var out []ResourceObject
	for _, o := range objects {
		if o.Matches(isCommit) {
			out = append(out, o)
		}
	}
	return out
}

func appendTxnIDs(buf []byte, ids []transaction.TxnID) []byte {
	for _, id := range ids {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
	}
	return buf
}

func readTxnIDs(buf []byte, off, n int) ([]transaction.TxnID, int, error) {
	if n == 0 {
		return nil, off, nil
	}
	if off+n*8 > len(buf) || n*8 < 0 {
		return nil, 0, corrupted("%d subtransaction ids overrun record", n)
	}
	ids := make([]transaction.TxnID, n)
	for i := range ids {
		ids[i] = transaction.TxnID(binary.LittleEndian.Uint64(buf[off : off+8]))
		off += 8
	}
	return ids, off, nil
}

// object: action u8 | pad u8 | path_len u16 | path
func encodeObjects(objects []ResourceObject) ([]byte, error) {
	var buf []byte
	for _, o := range objects {
		if o.Action != DropOnCommit && o.Action != DropOnAbort {
			return nil, fmt.Errorf("invalid action %d for object %q", o.Action, o.Path)
		}
		if len(o.Path) > math.MaxUint16 {
			return nil, fmt.Errorf("object path of %d bytes: %w", len(o.Path), ErrRecordTooLarge)
		}
		buf = append(buf, byte(o.Action), 0)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(o.Path)))
		buf = append(buf, o.Path...)
	}
	return buf, nil
}

func decodeObjects(buf []byte, off, n int) ([]ResourceObject, int, error) {
	if n == 0 {
		return nil, off, nil
	}
	objects := make([]ResourceObject, 0, n)
	for i := 0; i < n; i++ {
		if off+4 > len(buf) {
			return nil, 0, corrupted("object %d overruns record", i)
		}
		action := ObjectAction(buf[off])
		l := int(binary.LittleEndian.Uint16(buf[off+2 : off+4]))
		off += 4
		if off+l > len(buf) {
			return nil, 0, corrupted("object %d path overruns record", i)
		}
		if action != DropOnCommit && action != DropOnAbort {
			return nil, 0, corrupted("object %d has invalid action %d", i, action)
		}
		objects = append(objects, ResourceObject{Action: action, Path: string(buf[off : off+l])})
		off += l
	}
	return objects, off, nil
}

func corrupted(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrDataCorrupted)
}
