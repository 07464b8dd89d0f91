package twophase

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/sushant-115/gojo2pc/core/transaction"
	commonutils "github.com/sushant-115/gojo2pc/internal/common_utils"
)

const completionHeaderSize = 32

// CompletionRecord is the log payload of COMMIT PREPARED and ROLLBACK PREPARED.
type CompletionRecord struct {
	Xid              transaction.TxnID
	DistribTimestamp uint32
	DistribXid       uint32
	XactTime         time.Time
	Objects          []ResourceObject // only the objects removed by this outcome
	Subxids          []transaction.TxnID
}

// Encode lays the record out as header, objects blob (aligned), subtransaction ids.
func (c *CompletionRecord) Encode() ([]byte, error) {
	if len(c.Subxids) > math.MaxInt32 || len(c.Objects) > math.MaxInt16 {
		return nil, fmt.Errorf("%d subtransactions, %d objects: %w", len(c.Subxids), len(c.Objects), ErrRecordTooLarge)
	}
	blob, err := encodeObjects(c.Objects)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, completionHeaderSize, completionHeaderSize+len(blob)+8+len(c.Subxids)*8)
	le := binary.LittleEndian
	le.PutUint64(buf[0:8], uint64(c.Xid))
	le.PutUint32(buf[8:12], c.DistribTimestamp)
	le.PutUint32(buf[12:16], c.DistribXid)
	le.PutUint64(buf[16:24], uint64(c.XactTime.UnixMicro()))
	le.PutUint16(buf[24:26], uint16(int16(len(c.Objects))))
	le.PutUint32(buf[28:32], uint32(int32(len(c.Subxids))))
	buf = append(buf, blob...)
	buf = commonutils.PadTo(buf)
	buf = appendTxnIDs(buf, c.Subxids)
	return buf, nil
}

// DecodeCompletion is the inverse of Encode.
func DecodeCompletion(data []byte) (*CompletionRecord, error) {
	if len(data) < completionHeaderSize {
		return nil, corrupted("completion record of %d bytes is too short", len(data))
	}
	le := binary.LittleEndian
	c := &CompletionRecord{
		Xid:              transaction.TxnID(le.Uint64(data[0:8])),
		DistribTimestamp: le.Uint32(data[8:12]),
		DistribXid:       le.Uint32(data[12:16]),
		XactTime:         time.UnixMicro(int64(le.Uint64(data[16:24]))),
	}
	nobj := int16(le.Uint16(data[24:26]))
	nsub := int32(le.Uint32(data[28:32]))
	if nobj < 0 || nsub < 0 {
		return nil, corrupted("negative counts %d/%d", nobj, nsub)
	}
	objects, off, err := decodeObjects(data, completionHeaderSize, int(nobj))
	if err != nil {
		return nil, err
	}
	c.Objects = objects
	subxids, _, err := readTxnIDs(data, commonutils.AlignUp(off), int(nsub))
	if err != nil {
		return nil, err
	}
	c.Subxids = subxids
	return c, nil
}
