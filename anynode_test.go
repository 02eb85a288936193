package polyleaf

import (
	"encoding/binary"
	"fmt"
	"testing"
)

func newTestPageConfig() Config {
	cfg := DefaultConfig()
	cfg.PageSize = 4096
	return cfg
}

func TestConvertBasicToHashAndBack(t *testing.T) {
	cfg := newTestPageConfig()
	buf := make([]byte, cfg.PageSize)
	an := AnyNode{buf, cfg}
	an.InitLeaf()

	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("%03d-key", i))
		v := []byte(fmt.Sprintf("val-%03d", i))
		if !an.Insert(k, v) {
			t.Fatalf("Insert(%s) failed", k)
		}
	}

	basic := an.basic()
	if HasBadHeads(basic) {
		t.Skip("synthetic keys happened to collide on head; not exercising this path")
	}

	scratch := make([]byte, len(buf))
	ConvertBasicToHash(basic, AnyNode{scratch, cfg}, hashCapacityForPageSize(cfg.PageSize))
	hashAn := AnyNode{scratch, cfg}
	if hashAn.Tag() != TagHash {
		t.Fatalf("converted page tag = %v, want TagHash", hashAn.Tag())
	}
	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("%03d-key", i))
		want := fmt.Sprintf("val-%03d", i)
		v, found := hashAn.Lookup(k)
		if !found || string(v) != want {
			t.Fatalf("hash Lookup(%s) = %q,%v want %q", k, v, found, want)
		}
	}

	back := make([]byte, len(buf))
	ConvertHashToBasic(hashAn.hash(), AnyNode{back, cfg})
	backAn := AnyNode{back, cfg}
	if backAn.Tag() != TagLeaf {
		t.Fatalf("converted-back tag = %v, want TagLeaf", backAn.Tag())
	}
	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("%03d-key", i))
		want := fmt.Sprintf("val-%03d", i)
		v, found := backAn.Lookup(k)
		if !found || string(v) != want {
			t.Fatalf("basic Lookup(%s) after round trip = %q,%v want %q", k, v, found, want)
		}
	}
}

// S2-equivalent: sequential 4-byte big-endian integer keys should be
// recognized by tryDensify and survive a Dense-1 round trip.
func TestDensifySequentialIntegerKeys(t *testing.T) {
	cfg := newTestPageConfig()
	buf := make([]byte, cfg.PageSize)
	an := AnyNode{buf, cfg}
	an.InitLeaf()

	const n = 150
	for i := 0; i < n; i++ {
		var k [4]byte
		binary.BigEndian.PutUint32(k[:], uint32(i))
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, uint64(i))
		if !an.Insert(k[:], v) {
			t.Fatalf("Insert(%d) failed", i)
		}
	}

	arrayStart, numSlots, valueLength, ok := tryDensify(an.basic())
	if !ok {
		t.Fatal("tryDensify declined a dense sequential-integer leaf")
	}
	if valueLength != 8 {
		t.Fatalf("valueLength = %d, want 8", valueLength)
	}

	dense := make([]byte, len(buf))
	ConvertBasicToDense1(an.basic(), AnyNode{dense, cfg}, arrayStart, numSlots, valueLength)
	denseAn := AnyNode{dense, cfg}
	if denseAn.Tag() != TagDense {
		t.Fatalf("tag = %v, want TagDense", denseAn.Tag())
	}

	var probe [4]byte
	const idx = 123
	binary.BigEndian.PutUint32(probe[:], idx)
	v, found := denseAn.Lookup(probe[:])
	if !found || binary.BigEndian.Uint64(v) != uint64(idx) {
		t.Fatalf("dense Lookup(%d) = %v,%v", idx, v, found)
	}

	back := make([]byte, len(buf))
	ConvertDenseToBasic(denseAn.dense(), AnyNode{back, cfg})
	backAn := AnyNode{back, cfg}
	for i := 0; i < n; i++ {
		var k [4]byte
		binary.BigEndian.PutUint32(k[:], uint32(i))
		v, found := backAn.Lookup(k[:])
		if !found || binary.BigEndian.Uint64(v) != uint64(i) {
			t.Fatalf("basic Lookup(%d) after dense round trip = %v,%v", i, v, found)
		}
	}
}

func TestSplitBasicLeafProducesOrderedHalves(t *testing.T) {
	cfg := newTestPageConfig()
	buf := make([]byte, cfg.PageSize)
	left := AnyNode{buf, cfg}
	left.InitLeaf()

	for i := 0; i < 40; i++ {
		k := []byte(fmt.Sprintf("k-%03d", i))
		if !left.Insert(k, []byte(fmt.Sprintf("v-%03d", i))) {
			t.Fatalf("Insert(%d) failed", i)
		}
	}

	sepSlot, sepKey := left.FindSeparator()
	rightBuf := make([]byte, cfg.PageSize)
	right := AnyNode{rightBuf, cfg}
	left.SplitNode(right, sepSlot, sepKey)

	for i := 0; i < 40; i++ {
		k := []byte(fmt.Sprintf("k-%03d", i))
		want := fmt.Sprintf("v-%03d", i)
		if v, found := left.Lookup(k); found {
			if string(v) != want {
				t.Fatalf("left.Lookup(%s) = %q, want %q", k, v, want)
			}
			continue
		}
		v, found := right.Lookup(k)
		if !found || string(v) != want {
			t.Fatalf("split lost key %s", k)
		}
	}
}
