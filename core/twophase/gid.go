package twophase

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseGID cracks a coordinator-issued identifier of the form
// "<timestamp>-<distributed xid>". Other identifiers yield ok == false.
func ParseGID(gid string) (timestamp uint32, distribXid uint32, ok bool) {
	ts, dxid, found := strings.Cut(gid, "-")
	if !found {
		return 0, 0, false
	}
	t, err := strconv.ParseUint(ts, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	d, err := strconv.ParseUint(dxid, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(t), uint32(d), true
}

// FormatGID is the inverse of ParseGID.
func FormatGID(timestamp, distribXid uint32) string {
	return fmt.Sprintf("%d-%d", timestamp, distribXid)
}

// ValidateGID checks that gid fits the fixed identifier field of a prepare
// record and survives the round trip through it.
func ValidateGID(gid string) error {
	if len(gid) >= GIDSize {
		return fmt.Errorf("identifier of %d bytes: %w", len(gid), ErrIdentifierTooLong)
	}
	if strings.IndexByte(gid, 0) >= 0 {
		return fmt.Errorf("identifier %q: %w", gid, ErrInvalidIdentifier)
	}
	return nil
}
