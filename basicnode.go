package polyleaf

import (
	"encoding/binary"
)

// Byte offsets within a basic node's header. Grounded on
// original_source/btree/BTreeNode.hpp's BTreeNodeHeader, with the
// RangeOpCounter byte dropped (see counters.go) and the remaining fields
// laid out in the same order via encoding/binary rather than a C++ struct
// overlay, matching the byte-slice discipline ajg7-GengarDB/pkg/storage
// uses for its page header.
const (
	offTagDirty     = 0
	offReserved     = 1
	offCount        = 2
	offSpaceUsed    = 4
	offDataOffset   = 6
	offUpper        = 8 // PageID, 8 bytes
	offLowerFenceOf = 16
	offLowerFenceLn = 18
	offUpperFenceOf = 20
	offUpperFenceLn = 22
	offPrefixLength = 24
	offHintsStart   = 28

	basicSlotSize = 10 // offset(2) + keyLen(2) + payloadLen(2) + head(4)
)

// basicNode is the polymorphic dispatch target for both TagInner and
// TagLeaf: a slotted page with a slot array growing up from the header and
// a heap growing down from the end of the page, fence keys bounding the
// key range, and an optional common-prefix truncation. Grounded on
// original_source/btree/BTreeNode.hpp.
type basicNode struct {
	buf       []byte
	hintCount int
}

func newBasicNode(buf []byte, hintCount int) basicNode {
	return basicNode{buf: buf, hintCount: hintCount}
}

func (n basicNode) headerSize() int { return offHintsStart + n.hintCount*4 }

func (n basicNode) u16(off int) int           { return int(binary.LittleEndian.Uint16(n.buf[off:])) }
func (n basicNode) setU16(off int, v int)     { binary.LittleEndian.PutUint16(n.buf[off:], uint16(v)) }

func (n basicNode) count() int        { return n.u16(offCount) }
func (n basicNode) setCount(v int)    { n.setU16(offCount, v) }
func (n basicNode) spaceUsed() int    { return n.u16(offSpaceUsed) }
func (n basicNode) setSpaceUsed(v int) { n.setU16(offSpaceUsed, v) }
func (n basicNode) dataOffset() int   { return n.u16(offDataOffset) }
func (n basicNode) setDataOffset(v int) { n.setU16(offDataOffset, v) }
func (n basicNode) prefixLength() int { return n.u16(offPrefixLength) }
func (n basicNode) setPrefixLength(v int) { n.setU16(offPrefixLength, v) }

func (n basicNode) upper() PageID     { return PageID(binary.LittleEndian.Uint64(n.buf[offUpper:])) }
func (n basicNode) setUpper(p PageID) { binary.LittleEndian.PutUint64(n.buf[offUpper:], uint64(p)) }

func (n basicNode) isLeaf() bool  { return pageTag(n.buf) == TagLeaf }
func (n basicNode) isInner() bool { return pageTag(n.buf) == TagInner }

// init resets the page to an empty basic node, matching
// BTreeNode::init(isLeaf, roc).
func (n basicNode) init(isLeaf bool) {
	if isLeaf {
		n.buf[offTagDirty] = uint8(TagLeaf) | 0x80
	} else {
		n.buf[offTagDirty] = uint8(TagInner) | 0x80
	}
	n.setCount(0)
	n.setSpaceUsed(0)
	n.setDataOffset(len(n.buf))
	n.setPrefixLength(0)
	n.setU16(offLowerFenceOf, 0)
	n.setU16(offLowerFenceLn, 0)
	n.setU16(offUpperFenceOf, 0)
	n.setU16(offUpperFenceLn, 0)
	n.setUpper(0)
}

func (n basicNode) getLowerFence() []byte {
	off, ln := n.u16(offLowerFenceOf), n.u16(offLowerFenceLn)
	return n.buf[off : off+ln]
}

func (n basicNode) getUpperFence() []byte {
	off, ln := n.u16(offUpperFenceOf), n.u16(offUpperFenceLn)
	return n.buf[off : off+ln]
}

func (n basicNode) getPrefix() []byte {
	return n.getLowerFence()[:n.prefixLength()]
}

// freeSpace is the space available for a new slot + heap entry without
// compaction.
func (n basicNode) freeSpace() int {
	return n.dataOffset() - (n.headerSize() + n.count()*basicSlotSize)
}

// freeSpaceAfterCompaction is what freeSpace would become after squeezing
// out tombstoned/fragmented heap bytes.
func (n basicNode) freeSpaceAfterCompaction() int {
	return len(n.buf) - (n.headerSize() + n.count()*basicSlotSize) - n.spaceUsed()
}

func (n basicNode) spaceNeeded(keyLen, payloadLen int) int {
	return basicSlotSize + (keyLen - n.prefixLength()) + payloadLen
}

// requestSpaceFor compacts in place if needed and reports whether
// spaceNeeded bytes are now available.
func (n basicNode) requestSpaceFor(spaceNeeded int) bool {
	if spaceNeeded <= n.freeSpace() {
		return true
	}
	if spaceNeeded <= n.freeSpaceAfterCompaction() {
		n.compactify()
		return true
	}
	return false
}

func (n basicNode) slotOffset(i int) int { return n.headerSize() + i*basicSlotSize }

func (n basicNode) slotHeapOffset(i int) int { return n.u16(n.slotOffset(i)) }
func (n basicNode) slotKeyLen(i int) int     { return n.u16(n.slotOffset(i) + 2) }
func (n basicNode) slotPayloadLen(i int) int { return n.u16(n.slotOffset(i) + 4) }
func (n basicNode) slotHead(i int) uint32 {
	return binary.LittleEndian.Uint32(n.buf[n.slotOffset(i)+6:])
}

func (n basicNode) setSlot(i, heapOff, keyLen, payloadLen int, head uint32) {
	so := n.slotOffset(i)
	n.setU16(so, heapOff)
	n.setU16(so+2, keyLen)
	n.setU16(so+4, payloadLen)
	binary.LittleEndian.PutUint32(n.buf[so+6:], head)
}

// getKeySuffix returns the stored (possibly prefix-truncated) key bytes
// for slotId, without reattaching the common prefix.
func (n basicNode) getKeySuffix(slotId int) []byte {
	off := n.slotHeapOffset(slotId)
	ln := n.slotKeyLen(slotId)
	return n.buf[off : off+ln]
}

// getKey reconstructs the full key for slotId by prepending the node's
// common prefix, matching BTreeNode::getKey.
func (n basicNode) getKey(slotId int) []byte {
	prefix := n.getPrefix()
	suffix := n.getKeySuffix(slotId)
	out := make([]byte, len(prefix)+len(suffix))
	copy(out, prefix)
	copy(out[len(prefix):], suffix)
	return out
}

func (n basicNode) getPayload(slotId int) []byte {
	off := n.slotHeapOffset(slotId) + n.slotKeyLen(slotId)
	ln := n.slotPayloadLen(slotId)
	return n.buf[off : off+ln]
}

// getChild reads an inner node's child PageID out of a slot's payload,
// where the original stores child pointers as the 8-byte payload of an
// inner entry.
func (n basicNode) getChild(slotId int) PageID {
	p := n.getPayload(slotId)
	return PageID(binary.LittleEndian.Uint64(p))
}

// setChildPayload overwrites slotId's child pointer in place. Valid only
// for inner nodes, whose payload is always exactly 8 bytes.
func (n basicNode) setChildPayload(slotId int, child PageID) {
	p := n.getPayload(slotId)
	binary.LittleEndian.PutUint64(p, uint64(child))
}

// makeHint rebuilds the evenly spaced head-sampling hint array used to
// narrow lowerBound's binary search range, matching BTreeNode::makeHint.
func (n basicNode) makeHint() {
	cnt := n.count()
	if cnt == 0 {
		return
	}
	hintCount := n.hintCount
	step := cnt / (hintCount + 1)
	if step < 1 {
		step = 1
	}
	for i := 0; i < hintCount; i++ {
		slotId := (i + 1) * step
		if slotId >= cnt {
			slotId = cnt - 1
		}
		binary.LittleEndian.PutUint32(n.buf[offHintsStart+i*4:], n.slotHead(slotId))
	}
}

func (n basicNode) updateHint(slotId int) {
	_ = slotId
	n.makeHint()
}

// searchHint narrows a binary search range using the sampled hint array,
// matching BTreeNode::searchHint.
func (n basicNode) searchHint(keyHead uint32) (lower, upper int) {
	cnt := n.count()
	lower, upper = 0, cnt
	if cnt <= n.hintCount*2 {
		return
	}
	hintCount := n.hintCount
	step := cnt / (hintCount + 1)
	if step < 1 {
		step = 1
	}
	lowerHint, upperHint := 0, hintCount-1
	for i := 0; i < hintCount; i++ {
		h := binary.LittleEndian.Uint32(n.buf[offHintsStart+i*4:])
		if h < keyHead {
			lowerHint = i
		}
	}
	for i := hintCount - 1; i >= 0; i-- {
		h := binary.LittleEndian.Uint32(n.buf[offHintsStart+i*4:])
		if h >= keyHead {
			upperHint = i
		}
	}
	lower = lowerHint * step
	upper = (upperHint + 2) * step
	if upper > cnt {
		upper = cnt
	}
	return
}

// lowerBound returns the first slot whose key is >= key, and whether that
// slot is an exact match. key is the full, untruncated key.
func (n basicNode) lowerBound(key []byte) (idx int, found bool) {
	prefix := n.getPrefix()
	pl := len(prefix)
	if len(key) < pl || spanCompare(key[:pl], prefix) != 0 {
		// key diverges from this node's prefix before pl bytes; the
		// comparison is decided by the prefix mismatch alone.
		if spanCompare(key, prefix) < 0 {
			return 0, false
		}
		return n.count(), false
	}
	suffix := key[pl:]
	keyHead := head(suffix)
	lo, hi := n.searchHint(keyHead)
	for lo < hi {
		mid := (lo + hi) / 2
		h := n.slotHead(mid)
		var cmp int
		if h != keyHead {
			if h < keyHead {
				cmp = -1
			} else {
				cmp = 1
			}
		} else {
			cmp = spanCompare(n.getKeySuffix(mid), suffix)
		}
		if cmp < 0 {
			lo = mid + 1
		} else if cmp > 0 {
			hi = mid
		} else {
			return mid, true
		}
	}
	return lo, false
}

// storeKeyValue writes key (prefix-truncated) and payload into slotId's
// heap entry, assuming space has already been reserved.
func (n basicNode) storeKeyValue(slotId int, key, payload []byte) {
	suffix := key[n.prefixLength():]
	space := len(suffix) + len(payload)
	newOff := n.dataOffset() - space
	copy(n.buf[newOff:], suffix)
	copy(n.buf[newOff+len(suffix):], payload)
	n.setSlot(slotId, newOff, len(suffix), len(payload), head(suffix))
	n.setDataOffset(newOff)
	n.setSpaceUsed(n.spaceUsed() + space)
}

// insert places key/payload in sorted position, returning false if there
// is no room even after compaction.
func (n basicNode) insert(key, payload []byte) bool {
	if !n.requestSpaceFor(n.spaceNeeded(len(key), len(payload))) {
		return false
	}
	idx, found := n.lowerBound(key)
	cnt := n.count()
	if !found {
		for i := cnt; i > idx; i-- {
			n.copySlotMeta(i, i-1)
		}
		n.setCount(cnt + 1)
	}
	n.storeKeyValue(idx, key, payload)
	n.makeHint()
	return true
}

func (n basicNode) copySlotMeta(dst, src int) {
	copy(n.buf[n.slotOffset(dst):n.slotOffset(dst)+basicSlotSize], n.buf[n.slotOffset(src):n.slotOffset(src)+basicSlotSize])
}

func (n basicNode) removeSlot(slotId int) {
	cnt := n.count()
	n.setSpaceUsed(n.spaceUsed() - n.slotKeyLen(slotId) - n.slotPayloadLen(slotId))
	for i := slotId; i < cnt-1; i++ {
		n.copySlotMeta(i, i+1)
	}
	n.setCount(cnt - 1)
	n.makeHint()
}

func (n basicNode) remove(key []byte) bool {
	idx, found := n.lowerBound(key)
	if !found {
		return false
	}
	n.removeSlot(idx)
	return true
}

// compactify squeezes out fragmented heap space left by prior
// removeSlot/insert churn, matching BTreeNode::compactify (via a
// scratch copy rather than the original's in-place tmp-node swap).
func (n basicNode) compactify() {
	cnt := n.count()
	type entry struct {
		key, payload []byte
	}
	entries := make([]entry, cnt)
	for i := 0; i < cnt; i++ {
		entries[i] = entry{
			key:     append([]byte(nil), n.getKeySuffix(i)...),
			payload: append([]byte(nil), n.getPayload(i)...),
		}
	}
	lower := append([]byte(nil), n.getLowerFence()...)
	upper := append([]byte(nil), n.getUpperFence()...)
	n.setDataOffset(len(n.buf))
	n.setSpaceUsed(0)
	n.setFences(lower, upper)
	for i, e := range entries {
		space := len(e.key) + len(e.payload)
		newOff := n.dataOffset() - space
		copy(n.buf[newOff:], e.key)
		copy(n.buf[newOff+len(e.key):], e.payload)
		n.setSlot(i, newOff, len(e.key), len(e.payload), head(e.key))
		n.setDataOffset(newOff)
		n.setSpaceUsed(n.spaceUsed() + space)
	}
	n.makeHint()
}

// setFences installs new lower/upper fence keys and recomputes the common
// prefix, matching BTreeNode::setFences. Must be called with enough free
// space reserved by the caller (fences are written after existing slots
// during a split, before any of the moved entries).
func (n basicNode) setFences(lower, upper []byte) {
	newOff := n.dataOffset() - len(lower) - len(upper)
	copy(n.buf[newOff:], lower)
	copy(n.buf[newOff+len(lower):], upper)
	n.setU16(offLowerFenceOf, newOff)
	n.setU16(offLowerFenceLn, len(lower))
	n.setU16(offUpperFenceOf, newOff+len(lower))
	n.setU16(offUpperFenceLn, len(upper))
	n.setDataOffset(newOff)
	n.setSpaceUsed(n.spaceUsed() + len(lower) + len(upper))
	n.setPrefixLength(commonPrefixLength(lower, upper))
}

// copyKeyValueRange copies [srcSlot, srcSlot+srcCount) of n into dst
// starting at dstSlot, re-truncating each key to dst's own prefix.
func (n basicNode) copyKeyValueRange(dst basicNode, dstSlot, srcSlot, srcCount int) {
	for i := 0; i < srcCount; i++ {
		key := n.getKey(srcSlot + i)
		payload := n.getPayload(srcSlot + i)
		space := (len(key) - dst.prefixLength()) + len(payload)
		newOff := dst.dataOffset() - space
		suffix := key[dst.prefixLength():]
		copy(dst.buf[newOff:], suffix)
		copy(dst.buf[newOff+len(suffix):], payload)
		dst.setSlot(dstSlot+i, newOff, len(suffix), len(payload), head(suffix))
		dst.setDataOffset(newOff)
		dst.setSpaceUsed(dst.spaceUsed() + space)
	}
	if dstSlot+srcCount > dst.count() {
		dst.setCount(dstSlot + srcCount)
	}
}

// findSeparator picks the split point and a separator key that is as
// short as possible while still discriminating the two halves, matching
// BTreeNode::findSeparator.
func (n basicNode) findSeparator() (slotId int, sepKey []byte) {
	cnt := n.count()
	slotId = cnt / 2
	a, b := n.getKey(slotId), n.getKey(slotId+1)
	cp := commonPrefixLength(a, b)
	if cp+1 <= len(b) {
		sepKey = append([]byte(nil), b[:cp+1]...)
	} else {
		sepKey = append([]byte(nil), b...)
	}
	return slotId, sepKey
}

// splitNode initializes right as an empty basicNode of n's leaf/inner kind,
// moves the upper half of n's entries into it, sets both nodes' fences
// around sepKey, and truncates n to its lower half.
func (n basicNode) splitNode(right basicNode, sepSlot int, sepKey []byte) {
	oldUpper := n.upper()
	oldLowerFence := append([]byte(nil), n.getLowerFence()...)
	oldUpperFence := append([]byte(nil), n.getUpperFence()...)
	cnt := n.count()

	right.init(n.isLeaf())
	right.setFences(sepKey, oldUpperFence)
	n.copyKeyValueRange(right, 0, sepSlot+1, cnt-sepSlot-1)
	if n.isInner() {
		right.setUpper(oldUpper)
	}

	keep := make([]basicKV, sepSlot+1)
	for i := 0; i <= sepSlot; i++ {
		keep[i] = basicKV{key: n.getKey(i), payload: append([]byte(nil), n.getPayload(i)...)}
	}
	var newUpper PageID
	if n.isInner() {
		newUpper = n.getChild(sepSlot)
	}

	n.init(n.isLeaf())
	n.setFences(oldLowerFence, sepKey)
	for i, kv := range keep {
		if n.isInner() && i == sepSlot {
			// The separator's own child becomes the new upper pointer,
			// not a regular slot entry (inner nodes have count+1 children).
			n.setUpper(newUpper)
			continue
		}
		n.storeKeyValue(i, kv.key, kv.payload)
		n.setCount(i + 1)
	}
	n.makeHint()
	right.makeHint()
}

type basicKV struct {
	key, payload []byte
}

// lookupInner returns the child PageID that key descends into.
func (n basicNode) lookupInner(key []byte) PageID {
	idx, found := n.lowerBound(key)
	if found {
		idx++
	}
	if idx == n.count() {
		return n.upper()
	}
	return n.getChild(idx)
}

// insertChild inserts a separator key pointing at child, used when a
// split propagates a new separator into its parent inner node.
func (n basicNode) insertChild(key []byte, child PageID) bool {
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], uint64(child))
	return n.insert(key, payload[:])
}

// isUnderfull reports whether this node has shrunk enough (via deletes)
// to be a merge candidate, matching BTreeNodeHeader's underFullSize*
// constants; pageSize/4 is used for both leaf and inner here since
// spec.md does not distinguish separate leaf/inner page sizes.
func (n basicNode) isUnderfull() bool {
	return n.spaceUsed()+n.headerSize()+n.count()*basicSlotSize < len(n.buf)/4
}

// rangeLookup walks slots starting at the first one >= startKey, invoking
// cb(key, payload) for each; it stops early if cb returns false.
func (n basicNode) rangeLookup(startKey []byte, cb func(key, payload []byte) bool) {
	idx, _ := n.lowerBound(startKey)
	for i := idx; i < n.count(); i++ {
		if !cb(n.getKey(i), n.getPayload(i)) {
			return
		}
	}
}
