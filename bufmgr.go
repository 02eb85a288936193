package polyleaf

import (
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dsnet/golib/memfile"
	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

// backingStore is the durable side of the buffer manager (spec.md section
// 4.1's "direct block I/O"). A real deployment backs it with an O_DIRECT
// file via directBackingStore; tests use memBackingStore instead, grounded
// on bltree_test_util.go's in-memory harness pattern from the teacher.
type backingStore interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Close() error
}

type memBackingStore struct {
	mu  sync.Mutex
	buf []byte
	f   *memfile.File
}

func newMemBackingStore() *memBackingStore {
	buf := make([]byte, 0, 1<<20)
	return &memBackingStore{buf: buf, f: memfile.New(&buf)}
}

func (m *memBackingStore) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.ReadAt(p, off)
}

func (m *memBackingStore) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.WriteAt(p, off)
}

func (m *memBackingStore) Sync() error  { return nil }
func (m *memBackingStore) Close() error { return nil }

// directBackingStore opens the block file with O_DIRECT, matching
// vmache.cpp's BufferManager ctor ("open(path, O_RDWR | O_DIRECT, ...)").
// Frames handed to it must come from directio.AlignedBlock so reads and
// writes satisfy O_DIRECT's alignment requirement.
type directBackingStore struct {
	f *os.File
}

func newDirectBackingStore(path string) (*directBackingStore, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	// O_DIRECT bypasses the page cache for data but still leaves block
	// access patterns to the kernel's readahead heuristics; this store
	// does its own random-access page faulting, so disable readahead it
	// would otherwise waste.
	if err := unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM); err != nil {
		f.Close()
		return nil, err
	}
	return &directBackingStore{f: f}, nil
}

func (d *directBackingStore) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *directBackingStore) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }

// Sync flushes written pages past the block layer's volatile write cache.
// O_DIRECT delivers writes straight to the device queue but does not by
// itself guarantee they have reached stable storage.
func (d *directBackingStore) Sync() error { return unix.Fdatasync(int(d.f.Fd())) }

func (d *directBackingStore) Close() error { return d.f.Close() }

func pageDirty(frame []byte) bool { return tagDirtyByte{b: frame[0]}.dirty() }

func setPageDirty(frame []byte, dirty bool) {
	td := tagDirtyByte{b: frame[0]}
	td.setDirty(dirty)
	frame[0] = td.b
}

func pageTag(frame []byte) Tag { return tagDirtyByte{b: frame[0]}.tag() }

// frameSlot holds the resident bytes of one page, or nil when the page is
// not currently faulted in. The original source keeps every virtual page
// permanently mapped (mmap over-commit) so a page's address never moves;
// Go has no portable cgo-free equivalent, so frameSlot is instead an
// atomic pointer that's populated on fault-in and cleared on eviction —
// readers only ever dereference it while holding a valid OLC guard, so the
// version check after the read still catches a concurrent eviction.
type frameSlot = atomic.Pointer[[]byte]

// BufferManager is the buffer pool from spec.md section 4.1: a virtual
// range of pageSize frames, a bounded resident set evicted by a clock
// sweep, and direct block I/O underneath. Grounded on
// ryogrid-bltree-go-for-embedding/bufmgr.go's BufMgr for overall shape
// (NewBufMgr/PageIn/PageOut/Close naming and lifecycle), with the locking
// itself replaced end to end by the OLC scheme from
// original_source/btree/vmache.hpp's BufferManager (spec.md requires OLC,
// the teacher used rwlock-chained latches instead — see DESIGN.md).
type BufferManager struct {
	cfg        Config
	pageSize   uint32
	virtCount  uint64
	physBudget uint64
	batch      uint64
	workers    int

	pageState []pageState
	frames    []frameSlot
	resident  *residentPageSet
	backing   backingStore

	physUsed   atomic.Uint64
	allocCount atomic.Uint64
	readCount  atomic.Uint64
	writeCount atomic.Uint64
}

// NewBufferManager opens or creates the backing store and sizes the
// virtual/physical bookkeeping arrays per cfg. PageID 0 is reserved for
// the tree's metadata page.
func NewBufferManager(cfg Config) (*BufferManager, error) {
	var backing backingStore
	if cfg.BackingFilePath == "" {
		backing = newMemBackingStore()
	} else {
		db, err := newDirectBackingStore(cfg.BackingFilePath)
		if err != nil {
			return nil, newIOError("opening backing file %q", cfg.BackingFilePath).wrap(err)
		}
		backing = db
	}

	bm := &BufferManager{
		cfg:        cfg,
		pageSize:   cfg.PageSize,
		virtCount:  cfg.VirtualPageBudget,
		physBudget: cfg.PhysicalPageBudget,
		batch:      32,
		workers:    cfg.WorkerCount,
		pageState:  make([]pageState, cfg.VirtualPageBudget),
		frames:     make([]frameSlot, cfg.VirtualPageBudget),
		resident:   newResidentPageSet(cfg.PhysicalPageBudget),
		backing:    backing,
	}
	for i := range bm.pageState {
		bm.pageState[i].init()
	}
	bm.allocCount.Store(1)
	return bm, nil
}

func (b *BufferManager) Close() error { return b.backing.Close() }

func (b *BufferManager) PageSize() uint32 { return b.pageSize }

func (b *BufferManager) getPageState(pid PageID) *pageState { return &b.pageState[pid] }

// ensureFreePages triggers an eviction pass once residency crosses 95% of
// the physical budget, matching vmache.cpp's ensureFreePages threshold.
func (b *BufferManager) ensureFreePages() {
	if b.physUsed.Load()*20 >= b.physBudget*19 {
		b.evict()
	}
}

// AllocPage reserves a fresh PageID and returns its zeroed, X-locked frame.
// The caller must unfixX it once initialized, per spec.md's "every frame
// acquisition is immediately scoped to a guard" discipline.
func (b *BufferManager) AllocPage() (PageID, []byte, error) {
	b.physUsed.Add(1)
	b.ensureFreePages()

	pid := PageID(b.allocCount.Add(1) - 1)
	if uint64(pid) >= b.virtCount {
		return 0, nil, newBadConfigError("virtual page budget exhausted at pid %d", pid)
	}

	ps := b.getPageState(pid)
	old := ps.load()
	if !ps.tryLockX(old) {
		return 0, nil, newIOError("freshly allocated page %d was not Unlocked", pid)
	}

	frame := directio.AlignedBlock(int(b.pageSize))
	b.frames[pid].Store(&frame)
	setPageDirty(frame, true)
	b.resident.insert(pid)
	return pid, frame, nil
}

// handleFault reads pid's page off the backing store into a freshly
// allocated frame. Called with pid's state already X-locked by the caller.
func (b *BufferManager) handleFault(pid PageID) error {
	b.physUsed.Add(1)
	b.ensureFreePages()

	frame := directio.AlignedBlock(int(b.pageSize))
	off := int64(pid) * int64(b.pageSize)
	if _, err := b.backing.ReadAt(frame, off); err != nil && err != io.EOF {
		return newIOError("reading page %d", pid).wrap(err)
	}
	b.frames[pid].Store(&frame)
	b.readCount.Add(1)
	b.resident.insert(pid)
	return nil
}

// FixX acquires an exclusive lock on pid, faulting it in if evicted.
func (b *BufferManager) FixX(pid PageID) ([]byte, error) {
	ps := b.getPageState(pid)
	for {
		old := ps.load()
		switch stateOf(old) {
		case stateEvicted:
			if ps.tryLockX(old) {
				if err := b.handleFault(pid); err != nil {
					ps.unlockXEvicted()
					return nil, err
				}
				return *b.frames[pid].Load(), nil
			}
		case stateMarked, stateUnlocked:
			if ps.tryLockX(old) {
				// A pid that was reserved (e.g. by AllocPage or the fixed
				// metadata pid) but never actually faulted in yet has no
				// frame; treat that the same as an Evicted fault.
				if b.frames[pid].Load() == nil {
					if err := b.handleFault(pid); err != nil {
						ps.unlockXEvicted()
						return nil, err
					}
				}
				return *b.frames[pid].Load(), nil
			}
		default:
			// Locked or Shared(n): another holder is active, spin.
		}
		runtime.Gosched()
	}
}

// FixS acquires a shared (optimistic-safe) lock on pid, faulting it in if
// evicted. Returned bytes must only be trusted after the guard's version
// check passes (see guard.go).
func (b *BufferManager) FixS(pid PageID) ([]byte, error) {
	ps := b.getPageState(pid)
	for {
		old := ps.load()
		switch stateOf(old) {
		case stateLocked:
			// An exclusive holder is active, spin.
		case stateEvicted:
			if ps.tryLockX(old) {
				if err := b.handleFault(pid); err != nil {
					ps.unlockXEvicted()
					return nil, err
				}
				ps.unlockX()
			}
		default:
			if ps.tryLockS(old) {
				if b.frames[pid].Load() == nil {
					// Shared lock on a never-faulted frame: upgrade
					// momentarily to populate it, mirroring the Evicted path.
					b.getPageState(pid).unlockS()
					if ps.tryLockX(ps.load()) {
						if err := b.handleFault(pid); err != nil {
							ps.unlockXEvicted()
							return nil, err
						}
						ps.unlockX()
					}
					continue
				}
				return *b.frames[pid].Load(), nil
			}
		}
		runtime.Gosched()
	}
}

func (b *BufferManager) UnfixS(pid PageID) { b.getPageState(pid).unlockS() }
func (b *BufferManager) UnfixX(pid PageID) { b.getPageState(pid).unlockX() }

// Peek loads pid's current frame pointer without taking any lock — used by
// GuardO for the optimistic read path, where validity is established
// entirely by the version check that follows.
func (b *BufferManager) Peek(pid PageID) []byte {
	p := b.frames[pid].Load()
	if p == nil {
		return nil
	}
	return *p
}

// State exposes the raw OLC lock word, used by guard.go.
func (b *BufferManager) State(pid PageID) *pageState { return b.getPageState(pid) }

// RunMaintenance runs one on-demand eviction sweep, exported for
// maintenance.go's scheduled background pass.
func (b *BufferManager) RunMaintenance() { b.evict() }

// evict runs one clock-sweep eviction pass, grounded step for step on
// vmache.cpp's BufferManager::evict: mark unlocked candidates, shared-lock
// and batch-write dirty marked candidates, then try to upgrade everything
// to exclusive before dropping it from the resident set.
func (b *BufferManager) evict() {
	batch := b.batch
	toEvict := make([]PageID, 0, batch)
	toWrite := make([]PageID, 0, batch)

	for uint64(len(toEvict)+len(toWrite)) < batch {
		b.resident.iterateClockBatch(batch, func(pid PageID) {
			ps := b.getPageState(pid)
			v := ps.load()
			switch stateOf(v) {
			case stateMarked:
				frame := b.frames[pid].Load()
				if frame != nil && pageDirty(*frame) {
					if ps.tryLockS(v) {
						toWrite = append(toWrite, pid)
					}
				} else {
					toEvict = append(toEvict, pid)
				}
			case stateUnlocked:
				ps.tryMark(v)
			default:
				// Locked, Shared or already Evicted: skip this round.
			}
		})
	}

	b.writebackBatch(toWrite)
	b.writeCount.Add(uint64(len(toWrite)))

	kept := toEvict[:0]
	for _, pid := range toEvict {
		ps := b.getPageState(pid)
		v := ps.load()
		if stateOf(v) == stateMarked && ps.tryLockX(v) {
			kept = append(kept, pid)
		}
	}
	toEvict = kept

	for _, pid := range toWrite {
		ps := b.getPageState(pid)
		v := ps.load()
		if stateOf(v) == 1 && ps.word.CompareAndSwap(v, sameVersion(v, stateLocked)) {
			toEvict = append(toEvict, pid)
		} else {
			ps.unlockS()
		}
	}

	for _, pid := range toEvict {
		b.frames[pid].Store(nil)
	}

	for _, pid := range toEvict {
		if !b.resident.remove(pid) {
			fatalf(fatalIO, "evicting page %d: missing from resident set", pid)
		}
		b.getPageState(pid).unlockXEvicted()
	}

	if n := len(toEvict); n > 0 {
		b.physUsed.Add(^uint64(n - 1))
	}
}

// writebackBatch fans pending dirty-page writes out across up to
// cfg.WorkerCount goroutines. The original source issues these as one
// batched libaio submission (LibaioInterface::writePages); Go has no
// portable cgo-free io_uring/libaio binding in this dependency set, so a
// bounded worker-goroutine pool stands in for the same "batched async
// writeback" concern.
func (b *BufferManager) writebackBatch(pids []PageID) {
	if len(pids) == 0 {
		return
	}
	workers := b.workers
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for _, pid := range pids {
		framePtr := b.frames[pid].Load()
		if framePtr == nil {
			continue
		}
		frame := *framePtr
		setPageDirty(frame, false)
		wg.Add(1)
		sem <- struct{}{}
		go func(pid PageID, frame []byte) {
			defer wg.Done()
			defer func() { <-sem }()
			off := int64(pid) * int64(b.pageSize)
			if _, err := b.backing.WriteAt(frame, off); err != nil {
				fatalf(fatalIO, "writing back page %d: %v", pid, err)
			}
		}(pid, frame)
	}
	wg.Wait()
	if err := b.backing.Sync(); err != nil {
		fatalf(fatalIO, "syncing backing store after writeback: %v", err)
	}
}

// Stats is a point-in-time snapshot of buffer manager counters, consumed
// by metrics.go's prometheus collector.
type Stats struct {
	PhysUsed   uint64
	AllocCount uint64
	ReadCount  uint64
	WriteCount uint64
}

func (b *BufferManager) Stats() Stats {
	return Stats{
		PhysUsed:   b.physUsed.Load(),
		AllocCount: b.allocCount.Load(),
		ReadCount:  b.readCount.Load(),
		WriteCount: b.writeCount.Load(),
	}
}
