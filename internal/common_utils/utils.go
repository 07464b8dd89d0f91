package commonutils

// MaxAlign is the alignment every segment of an on-disk record is padded to.
const MaxAlign = 8

// AlignUp rounds n up to the next multiple of MaxAlign.
func AlignUp(n int) int {
	return (n + MaxAlign - 1) &^ (MaxAlign - 1)
}

// PadTo appends zero bytes to buf until its length is MaxAlign-aligned.
func PadTo(buf []byte) []byte {
	for len(buf)%MaxAlign != 0 {
		buf = append(buf, 0)
	}
	return buf
}
