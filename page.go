package polyleaf

import "bytes"

// PageID addresses one pageSize-aligned frame in the buffer manager's
// virtual range (spec.md section 4.1). PageID 0 is reserved for the
// metadata page, matching the original source's "pid 0 reserved for
// metadata" convention (vmache.cpp BufferManager::BufferManager).
type PageID uint64

// MetadataPageID is the fixed location of the tree's root pointer.
const MetadataPageID PageID = 0

// head returns an order-preserving 4-byte prefix of key, big-endian packed
// and zero-padded when key is shorter than 4 bytes. Two keys whose heads
// differ can be compared by comparing the returned uint32s directly,
// without touching the remaining bytes. Grounded on
// original_source/btree/common.hpp's head().
func head(key []byte) uint32 {
	var buf [4]byte
	n := copy(buf[:], key)
	_ = n
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
}

// spanCompare is the byte-lexicographic ordering used throughout the tree
// driver for key comparison. Grounded on common.hpp's span_compare, which
// is itself just std::span's lexicographic <=>.
func spanCompare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// commonPrefixLength returns the length of the longest common prefix of a
// and b, used by prefix truncation (spec.md section 3.1) and by basic-leaf
// separator construction. Grounded on common.hpp's commonPrefixLength.
func commonPrefixLength(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
