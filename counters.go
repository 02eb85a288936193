package polyleaf

import "sync"

// counterTable tracks each leaf's rangeOpCounter in memory, keyed by
// PageID. The original source embeds RangeOpCounter directly in a page's
// header byte, mutated via relaxed atomics even by optimistic (lock-free)
// readers. Go's race detector (rightly) flags unsynchronized byte writes
// into a page's shared backing array as a data race, and spec.md section 5
// already treats this counter as "weakly consistent, approximate is
// acceptable" — so it is kept out of the on-disk page entirely and tracked
// here instead, backed by tag.go's atomic rangeOpCounter. A leaf's counter
// is lost on restart; that only resets an adaptation heuristic, never
// correctness, which is the same guarantee the original's persisted-but-
// approximate byte gave.
type counterTable struct {
	m sync.Map // PageID -> *rangeOpCounter
}

func newCounterTable() *counterTable { return &counterTable{} }

func (t *counterTable) get(pid PageID, maxCount uint8) *rangeOpCounter {
	if v, ok := t.m.Load(pid); ok {
		return v.(*rangeOpCounter)
	}
	c := &rangeOpCounter{}
	c.init(maxCount / 2)
	actual, _ := t.m.LoadOrStore(pid, c)
	return actual.(*rangeOpCounter)
}

func (t *counterTable) drop(pid PageID) { t.m.Delete(pid) }

// adopt copies the counter stored for one PageID to another, if there is
// one.
func (t *counterTable) adopt(from, to PageID) {
	if v, ok := t.m.Load(from); ok {
		t.m.Store(to, v)
	}
}
