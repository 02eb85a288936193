package polyleaf

// AnyNode is the tagged-union dispatch layer described in spec.md section
// 3: every page is interpreted through whichever typed view its tag
// selects. Go has no native union (original_source/btree/AnyNode.hpp
// reinterpret_casts the same bytes through five different C++ structs);
// AnyNode instead holds the raw page bytes once and routes each call to
// basicNode/hashNode/denseNode by switching on tag().
type AnyNode struct {
	buf []byte
	cfg Config
}

func NewAnyNode(buf []byte, cfg Config) AnyNode { return AnyNode{buf: buf, cfg: cfg} }

func (a AnyNode) Tag() Tag    { return pageTag(a.buf) }
func (a AnyNode) Bytes() []byte { return a.buf }
func (a AnyNode) IsLeaf() bool { return a.Tag() != TagInner }
func (a AnyNode) IsInner() bool { return a.Tag() == TagInner }

func (a AnyNode) basic() basicNode { return newBasicNode(a.buf, a.cfg.Features.HintCount) }
func (a AnyNode) hash() hashNode   { return newHashNode(a.buf) }
func (a AnyNode) dense() denseNode { return newDenseNode(a.buf) }

// InitInner formats a fresh page as an empty inner (basic) node.
func (a AnyNode) InitInner() { a.basic().init(false) }

// InitLeaf formats a fresh page as an empty basic leaf — the default
// format every new leaf starts in, matching BTree::BTree's
// "root=enableHash&&!enableHashAdapt ? hash : basic" policy in its basic
// branch; Open formats a hash root itself for the other branch (spec.md
// section 3, "basic is the default, most general format").
func (a AnyNode) InitLeaf() { a.basic().init(true) }

func (a AnyNode) GetLowerFence() []byte {
	switch a.Tag() {
	case TagHash:
		return a.hash().getLowerFence()
	case TagDense, TagDense2:
		return a.dense().getLowerFence()
	default:
		return a.basic().getLowerFence()
	}
}

func (a AnyNode) GetUpperFence() []byte {
	switch a.Tag() {
	case TagHash:
		return a.hash().getUpperFence()
	case TagDense, TagDense2:
		return a.dense().getUpperFence()
	default:
		return a.basic().getUpperFence()
	}
}

func (a AnyNode) Upper() PageID {
	return a.basic().upper() // only inner nodes call this; inner is always basic
}

func (a AnyNode) SetUpper(p PageID) { a.basic().setUpper(p) }

// LookupInner descends one level of an inner node.
func (a AnyNode) LookupInner(key []byte) PageID { return a.basic().lookupInner(key) }

// InsertChild installs a new separator/child pair into an inner node,
// reporting false if the node is out of space (the caller must split it).
func (a AnyNode) InsertChild(key []byte, child PageID) bool {
	return a.basic().insertChild(key, child)
}

// Lookup returns the payload for key, dispatching per tag.
func (a AnyNode) Lookup(key []byte) ([]byte, bool) {
	switch a.Tag() {
	case TagHash:
		return a.hash().lookup(key)
	case TagDense:
		return a.dense().lookup1(key)
	case TagDense2:
		return a.dense().lookup2(key)
	default:
		idx, found := a.basic().lowerBound(key)
		if !found {
			return nil, false
		}
		return a.basic().getPayload(idx), true
	}
}

// Insert writes key/payload into a leaf, returning false if there is no
// room (the tree driver must then split this leaf and retry).
func (a AnyNode) Insert(key, payload []byte) bool {
	switch a.Tag() {
	case TagHash:
		return a.hash().insert(key, payload)
	case TagDense:
		return a.dense().insert1(key, payload)
	case TagDense2:
		return a.dense().insert2(key, payload)
	default:
		return a.basic().insert(key, payload)
	}
}

func (a AnyNode) Remove(key []byte) bool {
	switch a.Tag() {
	case TagHash:
		return a.hash().remove(key)
	case TagDense:
		return a.dense().remove1(key)
	case TagDense2:
		return a.dense().remove2(key)
	default:
		return a.basic().remove(key)
	}
}

// RangeLookup walks this leaf starting from the first key >= startKey.
func (a AnyNode) RangeLookup(startKey []byte, cb func(key, payload []byte) bool) {
	switch a.Tag() {
	case TagHash:
		a.hash().rangeLookup(startKey, cb)
	case TagDense:
		a.dense().rangeLookup1(startKey, cb)
	case TagDense2:
		a.dense().rangeLookup2(startKey, cb)
	default:
		a.basic().rangeLookup(startKey, cb)
	}
}

func (a AnyNode) IsUnderfull() bool {
	switch a.Tag() {
	case TagHash:
		return a.hash().isUnderfull()
	case TagDense, TagDense2:
		return a.dense().occupancy() == 0
	default:
		return a.basic().isUnderfull()
	}
}

// FindSeparator picks a split point and separator key, only meaningful
// for the ordered formats (basic/hash); dense leaves are always converted
// to basic before splitting (see ConvertDenseToBasic below).
func (a AnyNode) FindSeparator() (slotId int, sepKey []byte) {
	if a.Tag() == TagHash {
		return a.hash().findSeparator()
	}
	return a.basic().findSeparator()
}

// SplitNode splits this leaf/inner node into itself (lower half) and
// right (upper half); both halves keep this node's format (basic or hash).
// For a hash leaf, the sorted slot order established by findSeparator is
// reused directly.
func (a AnyNode) SplitNode(right AnyNode, sepSlot int, sepKey []byte) {
	switch a.Tag() {
	case TagHash:
		splitHashNode(a.hash(), right, sepSlot, sepKey)
	default:
		a.basic().splitNode(right.basic(), sepSlot, sepKey)
	}
}

// RepointChildAfterSplit fixes up an inner node after InsertChild(sepKey,
// left) has just added the lower half's separator: the pointer that used
// to serve the whole pre-split range (whichever slot or upper currently
// sits immediately above sepKey) is redirected to newRight, since left now
// only serves keys below sepKey.
func (a AnyNode) RepointChildAfterSplit(sepKey []byte, newRight PageID) {
	b := a.basic()
	idx, found := b.lowerBound(sepKey)
	if !found {
		return
	}
	next := idx + 1
	if next == b.count() {
		b.setUpper(newRight)
		return
	}
	b.setChildPayload(next, newRight)
}

func splitHashNode(left hashNode, right AnyNode, sepSlot int, sepKey []byte) {
	oldUpperFence := append([]byte(nil), left.getUpperFence()...)
	oldLowerFence := append([]byte(nil), left.getLowerFence()...)
	cnt := left.count()

	rh := right.hash()
	rh.init(left.hashCapacity())
	rh.setFences(sepKey, oldUpperFence)
	for i := sepSlot + 1; i < cnt; i++ {
		rh.insert(left.getKey(i), left.getPayload(i))
	}

	kept := make([]basicKV, sepSlot+1)
	for i := 0; i <= sepSlot; i++ {
		kept[i] = basicKV{key: left.getKey(i), payload: append([]byte(nil), left.getPayload(i)...)}
	}
	left.init(left.hashCapacity())
	left.setFences(oldLowerFence, sepKey)
	for _, kv := range kept {
		left.insert(kv.key, kv.payload)
	}
}

// --- Hash <-> Basic adaptation (spec.md section 4.7) ---

// ConvertHashToBasic rebuilds dst (an empty, freshly initialized basic
// page) from src's sorted contents. Used when a hash leaf's counter
// saturates high ("range-favourable"), matching HashNode::tryConvertToBasic.
func ConvertHashToBasic(src hashNode, dst AnyNode) {
	src.sort()
	dst.InitLeaf()
	b := dst.basic()
	b.setFences(src.getLowerFence(), src.getUpperFence())
	for i := 0; i < src.count(); i++ {
		b.insert(src.getKey(i), src.getPayload(i))
	}
}

// ConvertBasicToHash rebuilds dst (an empty, freshly initialized hash
// page) from src's contents. Used when a basic leaf's counter bottoms out
// at zero ("point-favourable") and it has bad heads, matching
// BTreeNode::tryConvertToHash.
func ConvertBasicToHash(src basicNode, dst AnyNode, hashCapacity int) {
	h := dst.hash()
	h.init(hashCapacity)
	h.setFences(src.getLowerFence(), src.getUpperFence())
	for i := 0; i < src.count(); i++ {
		h.insert(src.getKey(i), src.getPayload(i))
	}
}

// HasBadHeads reports whether a basic leaf's slot heads collide often
// enough that head comparison no longer narrows a search, which is when
// hash conversion pays off. It counts duplicate 4-byte heads over all
// slots (BTreeNode::hasBadHeads).
func HasBadHeads(n basicNode) bool {
	cnt := n.count()
	if cnt < 2 {
		return false
	}
	seen := make(map[uint32]struct{}, cnt)
	collisions := 0
	for i := 0; i < cnt; i++ {
		h := n.slotHead(i)
		if _, ok := seen[h]; ok {
			collisions++
		}
		seen[h] = struct{}{}
	}
	return collisions*4 > cnt // more than 25% collide on their 4-byte head
}

// --- Numeric densification (spec.md section 3's Dense-1/Dense-2 formats) ---

// tryDensify reports whether every key in a basic leaf is a fixed-width
// big-endian numeric suffix forming a contiguous-enough range, and if so
// returns the parameters a Dense-1 conversion would use. This is a
// best-effort heuristic: on any non-numeric or variable-width key it
// simply declines, leaving the leaf in its basic format.
func tryDensify(n basicNode) (arrayStart uint64, numSlots, valueLength int, ok bool) {
	cnt := n.count()
	if cnt == 0 {
		return 0, 0, 0, false
	}
	valueLength = n.slotPayloadLen(0)
	keyLen := n.slotKeyLen(0) + n.prefixLength()
	if keyLen == 0 || keyLen > 8 {
		return 0, 0, 0, false
	}
	nums := make([]uint64, cnt)
	for i := 0; i < cnt; i++ {
		if n.slotPayloadLen(i) != valueLength {
			return 0, 0, 0, false
		}
		key := n.getKey(i)
		if len(key) != keyLen {
			return 0, 0, 0, false
		}
		var v uint64
		for _, b := range key {
			v = v<<8 | uint64(b)
		}
		nums[i] = v
	}
	lo, hi := nums[0], nums[0]
	for _, v := range nums {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo + 1
	if span == 0 || span > uint64(4*cnt) || span > 1<<20 {
		return 0, 0, 0, false // too sparse to be worth a dense representation
	}
	return lo, int(span), valueLength, true
}

// ConvertBasicToDense1 rebuilds dst from src using the parameters tryDensify
// already validated.
func ConvertBasicToDense1(src basicNode, dst AnyNode, arrayStart uint64, numSlots, valueLength int) {
	d := dst.dense()
	d.initDense1(arrayStart, numSlots, valueLength)
	d.setFences(src.getLowerFence(), src.getUpperFence())
	for i := 0; i < src.count(); i++ {
		d.insert1(src.getKey(i), src.getPayload(i))
	}
}

// ConvertDenseToBasic rebuilds dst from a Dense-1 or Dense-2 leaf,
// reversing densification once a scan or split needs ordered slot access.
func ConvertDenseToBasic(src denseNode, dst AnyNode) {
	dst.InitLeaf()
	b := dst.basic()
	b.setFences(src.getLowerFence(), src.getUpperFence())
	if src.isDense2() {
		for i := 0; i < src.numSlots(); i++ {
			if !src.isSet(i) {
				continue
			}
			off, ln := src.slotEntry(i)
			b.insert(src.indexToKey(i), src.buf[off:off+ln])
		}
	} else {
		for i := 0; i < src.numSlots(); i++ {
			if !src.isSet(i) {
				continue
			}
			off := src.valuesOffset() + i*src.valueLength()
			b.insert(src.indexToKey(i), src.buf[off:off+src.valueLength()])
		}
	}
}
