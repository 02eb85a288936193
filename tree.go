package polyleaf

import "encoding/binary"

// hashCapacityForPageSize sizes a fresh hash leaf's candidate-slot array
// when converting a basic leaf to hash, matching config.hpp's
// hashNodeCapacity heuristic of "roughly one candidate slot per 8 bytes of
// usable page".
func hashCapacityForPageSize(pageSize uint32) int {
	cap := int(pageSize) / 8
	if cap < 16 {
		cap = 16
	}
	return cap
}

// Tree is the driver described in spec.md section 4: it owns the root
// pointer and ties the buffer manager, the OLC guards, and the polymorphic
// node dispatch layer together into insert/lookup/range-lookup operations.
// Grounded on original_source/btree/btree.hpp's BTree and btree.cpp's
// insertImpl/lookupImpl/range_lookupImpl/trySplit/ensureSpace.
type Tree struct {
	bm       *BufferManager
	cfg      Config
	counters *counterTable
}

// MetaDataPage is the fixed PageID 0's contents: the current root's PageID,
// stored after the page's leading tag+dirty header. Matches btree.hpp's
// MetaDataPage. Updating the root marks the page dirty.
func metaRoot(buf []byte) PageID { return PageID(binary.LittleEndian.Uint64(buf[8:])) }
func setMetaRoot(buf []byte, p PageID) {
	binary.LittleEndian.PutUint64(buf[8:], uint64(p))
	setPageDirty(buf, true)
}

// Open bootstraps (or reattaches to) a tree backed by cfg. A freshly
// initialized backing store gets PageID 0 as its metadata page and a single
// empty leaf root (a hash leaf when Hash is enabled without HashAdapt,
// otherwise a basic leaf); an existing one is trusted as-is.
func Open(cfg Config) (*Tree, error) {
	bm, err := NewBufferManager(cfg)
	if err != nil {
		return nil, err
	}

	metaBuf, err := bm.FixX(MetadataPageID)
	if err != nil {
		bm.Close()
		return nil, err
	}
	root := metaRoot(metaBuf)
	if root == MetadataPageID {
		rootPid, rootBuf, err := bm.AllocPage()
		if err != nil {
			bm.UnfixX(MetadataPageID)
			bm.Close()
			return nil, err
		}
		if cfg.Features.Hash && !cfg.Features.HashAdapt {
			AnyNode{buf: rootBuf, cfg: cfg}.hash().init(hashCapacityForPageSize(cfg.PageSize))
		} else {
			AnyNode{buf: rootBuf, cfg: cfg}.InitLeaf()
		}
		bm.UnfixX(rootPid)
		setMetaRoot(metaBuf, rootPid)
	}
	bm.UnfixX(MetadataPageID)

	return &Tree{bm: bm, cfg: cfg, counters: newCounterTable()}, nil
}

// Close releases the backing store; dirty resident pages are not written
// back first.
func (t *Tree) Close() error { return t.bm.Close() }

// Stats exposes the buffer manager's residency counters (spec.md section 6's
// observability surface), consumed by metrics.go.
func (t *Tree) Stats() Stats { return t.bm.Stats() }

// RunMaintenance triggers one on-demand eviction sweep, used by
// maintenance.go's scheduler between on-demand evictions driven by
// ensureFreePages.
func (t *Tree) RunMaintenance() { t.bm.RunMaintenance() }

func (t *Tree) getRoot() PageID {
	for {
		o, err := NewGuardO(t.bm, MetadataPageID)
		if err != nil {
			if isRestart(err) {
				continue
			}
			// Only a backing-store I/O failure reaches here; per spec.md
			// section 7 that is unrecoverable.
			if fe, ok := err.(*fatalError); ok {
				abort(fe)
			}
			abort(newIOError("reading metadata page: %v", err))
		}
		root := metaRoot(o.Bytes())
		if o.Validate() == nil {
			return root
		}
	}
}

func (t *Tree) installRoot(newRoot PageID) error {
	buf, err := t.bm.FixX(MetadataPageID)
	if err != nil {
		return err
	}
	setMetaRoot(buf, newRoot)
	t.bm.UnfixX(MetadataPageID)
	return nil
}

// descendToLeaf walks from the current root to the leaf responsible for
// key, optimistically coupling one level of GuardO to the next (vmache.hpp's
// "validate parent, then open child" discipline). It returns the leaf's
// immediate parent (nil if the leaf is the root) alongside the leaf itself;
// both guards are still open (unvalidated-since-read) on success.
func (t *Tree) descendToLeaf(key []byte) (parent *GuardO, leaf *GuardO, err error) {
outer:
	for {
		root := t.getRoot()
		o, err := NewGuardO(t.bm, root)
		if err != nil {
			if isRestart(err) {
				continue outer
			}
			return nil, nil, err
		}
		var par *GuardO
		for (AnyNode{o.Bytes(), t.cfg}).IsInner() {
			an := AnyNode{o.Bytes(), t.cfg}
			child := an.LookupInner(key)
			childO, cerr := ChildGuardO(t.bm, child, o)
			if cerr != nil {
				if par != nil {
					par.ReleaseIgnore()
				}
				o.ReleaseIgnore()
				if isRestart(cerr) {
					continue outer
				}
				return nil, nil, cerr
			}
			if par != nil {
				par.ReleaseIgnore()
			}
			par = o
			o = childO
		}
		return par, o, nil
	}
}

// descendTo is descendToLeaf generalized to stop at a specific PageID
// (inner or leaf) rather than always running to a leaf. It is used to
// relocate a node's parent when that node itself needs to be split
// (ensureSpace's "re-descend from the root" strategy in btree.cpp). found
// is false if target could not be reached by key — it was concurrently
// split, merged, or converted away, in which case the caller should treat
// the condition that prompted the split as already resolved.
func (t *Tree) descendTo(key []byte, target PageID) (parent *GuardO, node *GuardO, found bool, err error) {
outer:
	for {
		root := t.getRoot()
		o, err := NewGuardO(t.bm, root)
		if err != nil {
			if isRestart(err) {
				continue outer
			}
			return nil, nil, false, err
		}
		if o.PID() == target {
			return nil, o, true, nil
		}
		var par *GuardO
		for {
			an := AnyNode{o.Bytes(), t.cfg}
			if !an.IsInner() {
				if par != nil {
					par.ReleaseIgnore()
				}
				o.ReleaseIgnore()
				return nil, nil, false, nil
			}
			child := an.LookupInner(key)
			childO, cerr := ChildGuardO(t.bm, child, o)
			if cerr != nil {
				if par != nil {
					par.ReleaseIgnore()
				}
				o.ReleaseIgnore()
				if isRestart(cerr) {
					continue outer
				}
				return nil, nil, false, cerr
			}
			if par != nil {
				par.ReleaseIgnore()
			}
			par, o = o, childO
			if o.PID() == target {
				return par, o, true, nil
			}
		}
	}
}

// Insert installs key/payload, splitting leaves (and, recursively, their
// ancestors) as needed to make room. Grounded on btree.cpp's insertImpl +
// trySplit + ensureSpace, collapsed into a single retry loop: rather than
// the original's in-place parent-coupled split-and-continue, a failed
// insert releases everything, splits the offending node by re-descending
// from the root, and restarts the whole operation. This trades a little
// performance under heavy contention for a much simpler, still-correct
// driver.
func (t *Tree) Insert(key, payload []byte) error {
	if uint32(len(key)+len(payload)) > t.cfg.MaxKVSize() {
		return ErrTooBig
	}
	for {
		_, leafO, err := t.descendToLeaf(key)
		if err != nil {
			return err
		}
		leafX, err := UpgradeToX(leafO)
		if err != nil {
			if isRestart(err) {
				continue
			}
			return err
		}

		an := AnyNode{leafX.Bytes(), t.cfg}
		counter := t.counters.get(leafX.PID(), t.cfg.Adaptation.MaxCount)
		// On Hash: possibly convert to basic first per counter, then try
		// the insert against whichever format the leaf ends up in
		// (spec.md section 4.8 step 4).
		t.convertHashIfSaturated(an, counter)
		if an.Insert(key, payload) {
			counter.pointOp(t.cfg.Adaptation)
			t.maybeAdaptFormat(leafX.PID(), an, counter)
			leafX.Release()
			return nil
		}

		pid := leafX.PID()
		leafX.Release()
		if err := t.splitNodeByKey(key, pid); err != nil {
			if isRestart(err) {
				continue
			}
			return err
		}
	}
}

// maybeAdaptFormat applies the hash<->basic conversion policy from spec.md
// section 4.7 after a successful point operation. Both directions build
// into a scratch buffer first and copy back, since the source and
// destination formats lay the page out differently and cannot be
// transformed in place.
func (t *Tree) maybeAdaptFormat(pid PageID, an AnyNode, counter *rangeOpCounter) {
	if !t.cfg.Features.HashAdapt {
		return
	}
	switch an.Tag() {
	case TagLeaf:
		if !t.cfg.Features.Hash {
			return
		}
		basic := an.basic()
		if !counter.shouldConvertToHash() {
			return
		}
		if !HasBadHeads(basic) {
			counter.setGoodHeads()
			return
		}
		scratch := make([]byte, len(an.buf))
		ConvertBasicToHash(basic, AnyNode{scratch, t.cfg}, hashCapacityForPageSize(t.cfg.PageSize))
		copy(an.buf, scratch)
	case TagHash:
		t.convertHashIfSaturated(an, counter)
	}
}

// convertHashIfSaturated converts an in place from hash to basic once its
// range-op counter has saturated, spec.md section 4.8's "possibly convert
// to basic first per counter" step — shared by Insert (before the format
// dispatch retries), Lookup, and RangeLookup (both before their own
// leaf-format dispatch). Reports whether a conversion happened. an must
// already be held under an exclusive guard: this mutates page bytes in
// place via a scratch-buffer rebuild.
func (t *Tree) convertHashIfSaturated(an AnyNode, counter *rangeOpCounter) bool {
	if an.Tag() != TagHash {
		return false
	}
	if !counter.shouldConvertToBasic(t.cfg.Adaptation.MaxCount) {
		return false
	}
	scratch := make([]byte, len(an.buf))
	ConvertHashToBasic(an.hash(), AnyNode{scratch, t.cfg})
	copy(an.buf, scratch)
	return true
}

// tryDensifyInPlace converts an in place to Dense-1 when tryDensify's
// heuristics find it eligible; otherwise a no-op. Only ever called on a
// basic leaf, never an inner node.
func (t *Tree) tryDensifyInPlace(an AnyNode) {
	arrayStart, numSlots, valueLength, ok := tryDensify(an.basic())
	if !ok {
		return
	}
	scratch := make([]byte, len(an.buf))
	ConvertBasicToDense1(an.basic(), AnyNode{scratch, t.cfg}, arrayStart, numSlots, valueLength)
	copy(an.buf, scratch)
}

// splitNodeByKey locates target (still reachable via key, unless something
// else already resolved the overflow concurrently) and splits it in place,
// installing a new root if target was the root.
func (t *Tree) splitNodeByKey(key []byte, target PageID) error {
	parentO, nodeO, found, err := t.descendTo(key, target)
	if err != nil {
		return err
	}
	if !found {
		// Someone else already split/converted this node away.
		return nil
	}

	nodeX, err := UpgradeToX(nodeO)
	if err != nil {
		if parentO != nil {
			parentO.ReleaseIgnore()
		}
		return err
	}

	an := AnyNode{nodeX.Bytes(), t.cfg}
	if an.Tag() == TagDense || an.Tag() == TagDense2 {
		// Dense leaves always convert to basic before splitting; a dense
		// leaf is full only when every slot in its numeric range is
		// occupied, which densify's own heuristics avoid in practice, but
		// the conversion keeps the split path uniform.
		scratch := make([]byte, len(an.buf))
		ConvertDenseToBasic(an.dense(), AnyNode{scratch, t.cfg})
		copy(an.buf, scratch)
		an = AnyNode{nodeX.Bytes(), t.cfg}
	}

	sepSlot, sepKey := an.FindSeparator()

	rightX, err := AllocGuardX(t.bm)
	if err != nil {
		nodeX.Release()
		if parentO != nil {
			parentO.ReleaseIgnore()
		}
		return err
	}
	right := AnyNode{rightX.Bytes(), t.cfg}
	an.SplitNode(right, sepSlot, sepKey)
	if t.cfg.Features.Dense && t.cfg.Features.DensifySplit && an.Tag() == TagLeaf {
		// A split often produces two contiguous numeric-key halves out of
		// one that wasn't dense enough on its own; re-check both freshly
		// split leaves rather than waiting for the next point op to notice.
		t.tryDensifyInPlace(an)
		t.tryDensifyInPlace(right)
	}
	// Left keeps its existing PageID and counter entry; right starts a
	// fresh one at the default (counterTable.get lazily seeds it).
	t.counters.get(rightX.PID(), t.cfg.Adaptation.MaxCount)

	leftPID, rightPID := nodeX.PID(), rightX.PID()
	nodeX.Release()
	rightX.Release()

	if parentO == nil {
		return t.installNewRoot(leftPID, sepKey, rightPID)
	}

	parentX, err := UpgradeToX(parentO)
	if err != nil {
		return err
	}
	parentAn := AnyNode{parentX.Bytes(), t.cfg}
	if !parentAn.InsertChild(sepKey, leftPID) {
		parentPID := parentX.PID()
		parentX.Release()
		// Parent itself needs to split first; recurse, then retry
		// installing this child pointer (ensureSpace's re-descend loop).
		if err := t.splitNodeByKey(key, parentPID); err != nil {
			return err
		}
		return t.installSeparator(key, parentPID, sepKey, leftPID, rightPID)
	}
	parentAn.RepointChildAfterSplit(sepKey, rightPID)
	parentX.Release()
	return nil
}

// installSeparator retries installing (sepKey -> left, ... -> right) into
// parentPID after that parent was itself split, since parentPID may no
// longer be the correct parent for key.
func (t *Tree) installSeparator(key []byte, parentPID PageID, sepKey []byte, left, right PageID) error {
	_, nodeO, found, err := t.descendTo(key, parentPID)
	if err != nil {
		return err
	}
	if !found {
		// parentPID was itself replaced/split further; the ordinary
		// insert-driven retry loop in Insert will find the right home for
		// left/right's contents on its next pass.
		return nil
	}
	nodeX, err := UpgradeToX(nodeO)
	if err != nil {
		return err
	}
	an := AnyNode{nodeX.Bytes(), t.cfg}
	if an.InsertChild(sepKey, left) {
		an.RepointChildAfterSplit(sepKey, right)
		nodeX.Release()
		return nil
	}
	pid := nodeX.PID()
	nodeX.Release()
	if err := t.splitNodeByKey(key, pid); err != nil {
		return err
	}
	return t.installSeparator(key, pid, sepKey, left, right)
}

// installNewRoot replaces the root with a fresh inner node over
// {leftPID, rightPID}, matching btree.cpp's "old root was the node that
// split" path in ensureSpace.
func (t *Tree) installNewRoot(leftPID PageID, sepKey []byte, rightPID PageID) error {
	rootX, err := AllocGuardX(t.bm)
	if err != nil {
		return err
	}
	an := AnyNode{rootX.Bytes(), t.cfg}
	an.InitInner()
	an.InsertChild(sepKey, leftPID)
	an.SetUpper(rightPID)
	newRoot := rootX.PID()
	rootX.Release()
	return t.installRoot(newRoot)
}

// Lookup returns a copy of key's payload, or ErrNotFound.
func (t *Tree) Lookup(key []byte) ([]byte, error) {
	for {
		_, leafO, err := t.descendToLeaf(key)
		if err != nil {
			return nil, err
		}

		an := AnyNode{leafO.Bytes(), t.cfg}
		counter := t.counters.get(leafO.PID(), t.cfg.Adaptation.MaxCount)

		// For Hash leaves that exceed the range-op threshold, try to
		// convert to basic first (spec.md section 4.8). Converting
		// mutates the page in place, so it needs the exclusive lock
		// the rest of the OLC scheme reserves for writers; only upgrade
		// when a conversion is actually going to happen.
		var leafX *GuardX
		if an.Tag() == TagHash && counter.shouldConvertToBasic(t.cfg.Adaptation.MaxCount) {
			x, err := UpgradeToX(leafO)
			if err != nil {
				if isRestart(err) {
					continue
				}
				return nil, err
			}
			leafX = x
			an = AnyNode{x.Bytes(), t.cfg}
			t.convertHashIfSaturated(an, counter)
		}

		val, found := an.Lookup(key)
		var out []byte
		if found {
			out = append([]byte(nil), val...)
		}

		if leafX != nil {
			leafO = leafX.Downgrade()
		}
		if verr := leafO.Release(); verr != nil {
			if isRestart(verr) {
				continue
			}
			return nil, verr
		}
		counter.pointOp(t.cfg.Adaptation)
		if !found {
			return nil, ErrNotFound
		}
		return out, nil
	}
}

// maxScanLeaves bounds a single RangeLookup's leaf-hop count. spec.md's
// Design Notes (open question a) call the original's silent abort() on an
// over-deep scan a defect; ErrScanTooDeep is the observable replacement.
// Since each leaf is visited one at a time (validated and released before
// the next is opened) rather than held open in a bounded guard cache, this
// bound exists purely as a runaway-scan backstop, not a guard-count limit.
const maxScanLeaves = 1 << 20

// RangeLookup walks key/payload pairs starting at the first key >= startKey,
// calling cb for each until cb returns false or the keyspace is exhausted.
// Grounded on btree.cpp's range_lookupImpl, redesigned to cross leaf
// boundaries by re-descending on upperFence+0x00 rather than following a
// right-sibling pointer (this format's leaves carry no such pointer).
func (t *Tree) RangeLookup(startKey []byte, cb func(key, payload []byte) bool) error {
	cur := append([]byte(nil), startKey...)
	for hops := 0; ; hops++ {
		if hops > maxScanLeaves {
			return ErrScanTooDeep
		}

		_, leafO, err := t.descendToLeaf(cur)
		if err != nil {
			return err
		}

		an := AnyNode{leafO.Bytes(), t.cfg}
		pid := leafO.PID()

		// hashNode.rangeLookup sorts the slot table in place whenever it
		// isn't already sorted (hashNode.sort, called from lowerBound) —
		// a real mutation of shared page bytes, which needs the
		// exclusive lock the rest of the OLC scheme reserves for
		// writers. Mirrors btree.cpp's range_lookupImpl, case Tag::Hash:
		// upgrade before sort(), downgrade back after. This is also
		// where a Hash leaf that has exceeded the range-op threshold
		// converts to basic first (spec.md section 4.8).
		var leafX *GuardX
		if an.Tag() == TagHash {
			x, err := UpgradeToX(leafO)
			if err != nil {
				if isRestart(err) {
					continue
				}
				return err
			}
			leafX = x
			an = AnyNode{x.Bytes(), t.cfg}
			counter := t.counters.get(pid, t.cfg.Adaptation.MaxCount)
			t.convertHashIfSaturated(an, counter)
		}

		upperFence := append([]byte(nil), an.GetUpperFence()...)
		isLast := len(upperFence) == 0

		stop := false
		an.RangeLookup(cur, func(k, v []byte) bool {
			if !cb(append([]byte(nil), k...), append([]byte(nil), v...)) {
				stop = true
				return false
			}
			return true
		})

		if leafX != nil {
			leafO = leafX.Downgrade()
		}
		if verr := leafO.Release(); verr != nil {
			if isRestart(verr) {
				continue
			}
			return verr
		}
		counter := t.counters.get(pid, t.cfg.Adaptation.MaxCount)
		counter.rangeOp(t.cfg.Adaptation)

		if stop || isLast {
			return nil
		}
		cur = append(upperFence, 0x00)
	}
}

// Remove deletes key, reporting whether it was present. Underfull leaves
// are left in place: spec.md's Non-goals exclude merge/rebalance, matching
// btree.cpp's own "removeImpl does not merge" behavior for this port.
func (t *Tree) Remove(key []byte) (bool, error) {
	for {
		_, leafO, err := t.descendToLeaf(key)
		if err != nil {
			return false, err
		}
		leafX, err := UpgradeToX(leafO)
		if err != nil {
			if isRestart(err) {
				continue
			}
			return false, err
		}
		an := AnyNode{leafX.Bytes(), t.cfg}
		removed := an.Remove(key)
		leafX.Release()
		return removed, nil
	}
}
