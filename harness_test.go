package polyleaf

import "testing"

func openTestHarness(t *testing.T) *Harness {
	t.Helper()
	cfg := testTreeConfig(t)
	h, err := OpenHarness(cfg)
	if err != nil {
		t.Fatalf("OpenHarness: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHarnessLookupCallback(t *testing.T) {
	h := openTestHarness(t)
	if err := h.Insert([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	calls := 0
	var got []byte
	if err := h.Lookup([]byte("k"), func(payload []byte) {
		calls++
		got = append([]byte(nil), payload...)
	}); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("cb called %d times, want 1", calls)
	}
	if string(got) != "v" {
		t.Fatalf("got %q, want v", got)
	}
}

func TestHarnessLookupMissingIsQuiet(t *testing.T) {
	h := openTestHarness(t)
	calls := 0
	if err := h.Lookup([]byte("absent"), func([]byte) { calls++ }); err != nil {
		t.Fatalf("Lookup(absent): %v", err)
	}
	if calls != 0 {
		t.Fatalf("cb called %d times for missing key, want 0", calls)
	}
}

func TestHarnessRangeLookupReconstructsKeys(t *testing.T) {
	h := openTestHarness(t)
	for _, k := range []string{"aa", "ab", "ac", "ad"} {
		if err := h.Insert([]byte(k), []byte(k+"-v")); err != nil {
			t.Fatal(err)
		}
	}
	outBuf := make([]byte, 64)
	var keys []string
	err := h.RangeLookup([]byte("ab"), outBuf, func(keyLen int, payload []byte) bool {
		keys = append(keys, string(outBuf[:keyLen]))
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"ab", "ac", "ad"}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestHarnessStatsAndMaintenance(t *testing.T) {
	h := openTestHarness(t)
	if err := h.Insert([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	before := h.Stats()
	if before.AllocCount == 0 {
		t.Fatalf("expected at least one page allocated")
	}
	h.RunMaintenance() // must not panic with nothing to evict
}
