package polyleaf

import "runtime"

// sameVersionBits reports whether a and b carry the same version, ignoring
// whatever state occupies the top byte. Grounded on vmache.hpp's
// "(stateAndVersion << 8) == (version << 8)" check used throughout
// GuardO/GuardX/GuardS.
func sameVersionBits(a, b uint64) bool {
	return (a << 8) == (b << 8)
}

// GuardO is an optimistic, version-checked page handle (spec.md section
// 4.1's OLC scheme). It never blocks writers and never itself holds a
// lock; every read through it must be followed by Validate (or a
// consuming Upgrade) before the caller trusts what it saw. Grounded on
// original_source/btree/vmache.hpp's GuardO; Go has no destructors, so the
// "check on scope exit" discipline becomes an explicit Release/Validate
// call made by the tree driver at every point a C++ guard would fall out
// of scope.
type GuardO struct {
	bm      *BufferManager
	pid     PageID
	ptr     []byte
	version uint64
}

// NewGuardO parses pid optimistically, waiting out any in-progress lock
// and clearing a stale Marked bit as it goes, exactly as GuardO::init does.
func NewGuardO(bm *BufferManager, pid PageID) (*GuardO, error) {
	ps := bm.State(pid)
	for repeat := 0; ; repeat++ {
		v := ps.load()
		if isNotMLE(v) {
			return &GuardO{bm: bm, pid: pid, ptr: bm.Peek(pid), version: v}, nil
		}
		switch stateOf(v) {
		case stateMarked:
			newV := sameVersion(v, stateUnlocked)
			if ps.word.CompareAndSwap(v, newV) {
				return &GuardO{bm: bm, pid: pid, ptr: bm.Peek(pid), version: newV}, nil
			}
		case stateLocked:
			// Fall through to yield below.
		case stateEvicted:
			if ps.tryLockX(v) {
				if err := bm.handleFault(pid); err != nil {
					ps.unlockX()
					return nil, err
				}
				bm.UnfixX(pid)
			}
		default:
			return nil, newIOError("GuardO init: page %d in impossible state %d", pid, stateOf(v))
		}
		if repeat > 0 && repeat%1024 == 0 {
			runtime.Gosched()
		}
	}
}

// ChildGuardO descends one level: it validates parent first (mirroring the
// two-argument GuardO(pid, parent) constructor, which checks the parent's
// version before trusting the child pointer it just read out of it), then
// opens pid.
func ChildGuardO(bm *BufferManager, pid PageID, parent *GuardO) (*GuardO, error) {
	if err := parent.Validate(); err != nil {
		return nil, err
	}
	return NewGuardO(bm, pid)
}

// PID returns the page this guard addresses.
func (g *GuardO) PID() PageID { return g.pid }

// Bytes returns the (unvalidated) frame bytes. Callers must call Validate
// after finishing a read, and must discard anything derived from Bytes if
// Validate returns errRestart.
func (g *GuardO) Bytes() []byte { return g.ptr }

// Validate re-checks the page's version, matching GuardO::checkVersionAndRestart.
// It returns errRestart (never wrapped — see errors.go) if the page
// changed since g was created.
func (g *GuardO) Validate() error {
	if g.ptr == nil {
		return nil
	}
	ps := g.bm.State(g.pid)
	cur := ps.load()
	if cur == g.version {
		return nil
	}
	if sameVersionBits(cur, g.version) {
		state := stateOf(cur)
		if state <= stateMaxShared {
			return nil
		}
		if state == stateMarked {
			if ps.word.CompareAndSwap(cur, sameVersion(cur, stateUnlocked)) {
				return nil
			}
		}
	}
	return errRestart
}

// Release validates one final time and detaches the guard. Call this
// wherever the C++ source would let a GuardO fall out of scope.
func (g *GuardO) Release() error {
	err := g.Validate()
	g.ptr = nil
	return err
}

// ReleaseIgnore detaches the guard without a final version check, for the
// case where the caller already knows it is discarding the guard's data
// (GuardO::release_ignore).
func (g *GuardO) ReleaseIgnore() { g.ptr = nil }

// GuardX is an exclusive page handle: once acquired, no optimistic or
// shared reader can observe a torn write, and the tree driver is free to
// mutate Bytes() directly. Grounded on vmache.hpp's GuardX.
type GuardX struct {
	bm  *BufferManager
	pid PageID
	ptr []byte
}

// NewGuardX blocks until pid is exclusively locked, faulting it in first
// if necessary.
func NewGuardX(bm *BufferManager, pid PageID) (*GuardX, error) {
	ptr, err := bm.FixX(pid)
	if err != nil {
		return nil, err
	}
	setPageDirty(ptr, true)
	return &GuardX{bm: bm, pid: pid, ptr: ptr}, nil
}

// AllocGuardX reserves a brand new page and returns it already X-locked,
// matching GuardX::alloc.
func AllocGuardX(bm *BufferManager) (*GuardX, error) {
	pid, ptr, err := bm.AllocPage()
	if err != nil {
		return nil, err
	}
	return &GuardX{bm: bm, pid: pid, ptr: ptr}, nil
}

// UpgradeToX consumes o and attempts to acquire the exclusive lock in
// place, restarting the whole operation (errRestart) if o's page changed
// underneath it or another writer wins the race. On success o must not be
// used again. Grounded on vmache.hpp's `explicit GuardX(GuardO<T> &&other)`.
func UpgradeToX(o *GuardO) (*GuardX, error) {
	ps := o.bm.State(o.pid)
	for repeat := 0; ; repeat++ {
		cur := ps.load()
		if !sameVersionBits(cur, o.version) {
			return nil, errRestart
		}
		state := stateOf(cur)
		if state == stateUnlocked || state == stateMarked {
			if ps.tryLockX(cur) {
				setPageDirty(o.ptr, true)
				g := &GuardX{bm: o.bm, pid: o.pid, ptr: o.ptr}
				o.ptr = nil
				return g, nil
			}
		}
		if repeat > 0 && repeat%1024 == 0 {
			runtime.Gosched()
		}
	}
}

// Downgrade converts g back into an optimistic guard without releasing
// the underlying page, matching GuardX::downgrade. g must not be used
// again afterward.
func (g *GuardX) Downgrade() *GuardO {
	next := g.bm.State(g.pid).downgradeXtoO()
	o := &GuardO{bm: g.bm, pid: g.pid, ptr: g.ptr, version: next}
	g.ptr = nil
	return o
}

func (g *GuardX) PID() PageID    { return g.pid }
func (g *GuardX) Bytes() []byte  { return g.ptr }

// Release unlocks the page. Safe to call more than once.
func (g *GuardX) Release() {
	if g.ptr != nil {
		g.bm.UnfixX(g.pid)
		g.ptr = nil
	}
}

// GuardS is a shared (read-only, blocking) page handle, used where a
// reader needs to hold a page stable across more than a single optimistic
// read — e.g. while a dirty page is being written back during eviction.
// Grounded on vmache.hpp's GuardS.
type GuardS struct {
	bm  *BufferManager
	pid PageID
	ptr []byte
}

func NewGuardS(bm *BufferManager, pid PageID) (*GuardS, error) {
	ptr, err := bm.FixS(pid)
	if err != nil {
		return nil, err
	}
	return &GuardS{bm: bm, pid: pid, ptr: ptr}, nil
}

// UpgradeToS consumes o and attempts to acquire a shared lock in place,
// matching vmache.hpp's `GuardS(GuardO<T> &&other)`.
func UpgradeToS(o *GuardO) (*GuardS, error) {
	ps := o.bm.State(o.pid)
	if ps.tryLockS(o.version) {
		g := &GuardS{bm: o.bm, pid: o.pid, ptr: o.ptr}
		o.ptr = nil
		return g, nil
	}
	return nil, errRestart
}

func (g *GuardS) PID() PageID   { return g.pid }
func (g *GuardS) Bytes() []byte { return g.ptr }

func (g *GuardS) Release() {
	if g.ptr != nil {
		g.bm.UnfixS(g.pid)
		g.ptr = nil
	}
}
