package polyleaf

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"testing"
)

func testTreeConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PageSize = 4096
	cfg.VirtualPageBudget = 1 << 16
	cfg.PhysicalPageBudget = 1 << 12
	cfg.BackingFilePath = ""
	return cfg
}

func openTestTree(t *testing.T) *Tree {
	t.Helper()
	cfg := testTreeConfig(t)
	tr, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

// S1-equivalent: basic insert/lookup round trip survives the driver.
func TestTreeInsertLookup(t *testing.T) {
	tr := openTestTree(t)
	keys := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma"), []byte("delta")}
	for i, k := range keys {
		if err := tr.Insert(k, []byte(fmt.Sprintf("payload-%d", i))); err != nil {
			t.Fatalf("Insert(%s): %v", k, err)
		}
	}
	for i, k := range keys {
		v, err := tr.Lookup(k)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", k, err)
		}
		want := fmt.Sprintf("payload-%d", i)
		if string(v) != want {
			t.Fatalf("Lookup(%s) = %q, want %q", k, v, want)
		}
	}
	if _, err := tr.Lookup([]byte("missing")); err != ErrNotFound {
		t.Fatalf("Lookup(missing) err = %v, want ErrNotFound", err)
	}
}

// S3: duplicate insert replaces the payload rather than adding a slot.
func TestTreeDuplicateInsertReplaces(t *testing.T) {
	tr := openTestTree(t)
	if err := tr.Insert([]byte("k"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Insert([]byte("k"), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	v, err := tr.Lookup([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "v2" {
		t.Fatalf("Lookup(k) = %q, want v2", v)
	}
}

// S4-equivalent: enough random keys to force at least one split, all
// remaining individually reachable afterward.
func TestTreeSplitPropagation(t *testing.T) {
	tr := openTestTree(t)
	const n = 4000
	rng := rand.New(rand.NewSource(1))
	type kv struct{ k, v []byte }
	entries := make([]kv, n)
	for i := range entries {
		k := make([]byte, 32)
		rng.Read(k)
		v := make([]byte, 8)
		binary.LittleEndian.PutUint64(v, uint64(i))
		entries[i] = kv{k, v}
		if err := tr.Insert(k, v); err != nil {
			t.Fatalf("Insert #%d: %v", i, err)
		}
	}
	for i, e := range entries {
		got, err := tr.Lookup(e.k)
		if err != nil {
			t.Fatalf("Lookup #%d: %v", i, err)
		}
		if binary.LittleEndian.Uint64(got) != uint64(i) {
			t.Fatalf("Lookup #%d mismatch: got %x", i, got)
		}
	}
}

func TestTreeRangeLookup(t *testing.T) {
	tr := openTestTree(t)
	for i := 0; i < 200; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		v := []byte(fmt.Sprintf("val-%04d", i))
		if err := tr.Insert(k, v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	var seen []string
	err := tr.RangeLookup([]byte("key-0050"), func(k, v []byte) bool {
		seen = append(seen, string(k))
		return len(seen) < 10
	})
	if err != nil {
		t.Fatalf("RangeLookup: %v", err)
	}
	if len(seen) != 10 {
		t.Fatalf("got %d keys, want 10", len(seen))
	}
	if seen[0] != "key-0050" {
		t.Fatalf("first key = %q, want key-0050", seen[0])
	}
	for i := 1; i < len(seen); i++ {
		if seen[i-1] >= seen[i] {
			t.Fatalf("range not ascending at %d: %q >= %q", i, seen[i-1], seen[i])
		}
	}
}

// S5: a Hash leaf whose range-op counter saturates converts to basic in
// place, and continues to serve correct, ordered range scans afterward.
func TestTreeHashLeafConvertsToBasicUnderRangeScans(t *testing.T) {
	tr := openTestTree(t)
	tr.cfg.Adaptation.RangeOpProbability = 1.0

	root := tr.getRoot()
	rootX, err := NewGuardX(tr.bm, root)
	if err != nil {
		t.Fatal(err)
	}
	an := AnyNode{rootX.Bytes(), tr.cfg}
	scratch := make([]byte, len(an.buf))
	ConvertBasicToHash(an.basic(), AnyNode{scratch, tr.cfg}, hashCapacityForPageSize(tr.cfg.PageSize))
	copy(an.buf, scratch)
	rootX.Release()

	const n = 40
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("h-%03d", i))
		keys[i] = k
		if err := tr.Insert(k, []byte(fmt.Sprintf("v-%03d", i))); err != nil {
			t.Fatalf("Insert(%s): %v", k, err)
		}
	}

	leafTag := func() Tag {
		o, err := NewGuardO(tr.bm, root)
		if err != nil {
			t.Fatal(err)
		}
		tag := AnyNode{o.Bytes(), tr.cfg}.Tag()
		o.ReleaseIgnore()
		return tag
	}
	if got := leafTag(); got != TagHash {
		t.Fatalf("leaf tag = %v before scans, want TagHash", got)
	}

	// The conversion happens at the start of the scan that follows the one
	// saturating the counter.
	for i := uint8(0); i <= tr.cfg.Adaptation.MaxCount; i++ {
		if err := tr.RangeLookup(keys[0], func(k, v []byte) bool { return true }); err != nil {
			t.Fatalf("RangeLookup: %v", err)
		}
	}

	if got := leafTag(); got != TagLeaf {
		t.Fatalf("leaf tag = %v after saturating range scans, want TagLeaf", got)
	}

	var got []string
	if err := tr.RangeLookup(keys[0], func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	}); err != nil {
		t.Fatalf("RangeLookup after conversion: %v", err)
	}
	if len(got) != n {
		t.Fatalf("got %d keys after conversion, want %d", len(got), n)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("not ordered after conversion at %d: %q >= %q", i, got[i-1], got[i])
		}
	}
}

func TestTreeRemove(t *testing.T) {
	tr := openTestTree(t)
	if err := tr.Insert([]byte("x"), []byte("y")); err != nil {
		t.Fatal(err)
	}
	ok, err := tr.Remove([]byte("x"))
	if err != nil || !ok {
		t.Fatalf("Remove = %v, %v, want true, nil", ok, err)
	}
	if _, err := tr.Lookup([]byte("x")); err != ErrNotFound {
		t.Fatalf("Lookup after Remove: %v", err)
	}
	ok, err = tr.Remove([]byte("x"))
	if err != nil || ok {
		t.Fatalf("second Remove = %v, %v, want false, nil", ok, err)
	}
}

func TestTreeTooBigRejected(t *testing.T) {
	tr := openTestTree(t)
	big := make([]byte, tr.cfg.MaxKVSize()+1)
	if err := tr.Insert(big, nil); err != ErrTooBig {
		t.Fatalf("Insert(oversized) = %v, want ErrTooBig", err)
	}
}

func TestTreeConcurrentInsertLookup(t *testing.T) {
	tr := openTestTree(t)
	const workers = 8
	const perWorker = 500
	done := make(chan error, workers)
	for w := 0; w < workers; w++ {
		w := w
		go func() {
			for i := 0; i < perWorker; i++ {
				k := []byte(fmt.Sprintf("w%02d-%05d", w, i))
				if err := tr.Insert(k, k); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}()
	}
	for w := 0; w < workers; w++ {
		if err := <-done; err != nil {
			t.Fatalf("worker insert: %v", err)
		}
	}
	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			k := []byte(fmt.Sprintf("w%02d-%05d", w, i))
			v, err := tr.Lookup(k)
			if err != nil {
				t.Fatalf("Lookup(%s): %v", k, err)
			}
			if string(v) != string(k) {
				t.Fatalf("Lookup(%s) = %q", k, v)
			}
		}
	}
}
