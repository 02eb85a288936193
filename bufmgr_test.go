package polyleaf

import (
	"sync"
	"testing"
)

func testBufConfig(t *testing.T, virt, phys uint64) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.VirtualPageBudget = virt
	cfg.PhysicalPageBudget = phys
	cfg.WorkerCount = 2
	return cfg
}

func TestBufferManagerAllocAndFix(t *testing.T) {
	bm, err := NewBufferManager(testBufConfig(t, 64, 16))
	if err != nil {
		t.Fatalf("NewBufferManager: %v", err)
	}
	defer bm.Close()

	pid, frame, err := bm.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if pid == MetadataPageID {
		t.Fatalf("AllocPage returned reserved metadata pid")
	}
	frame[1] = 0x42
	bm.UnfixX(pid)

	got, err := bm.FixS(pid)
	if err != nil {
		t.Fatalf("FixS: %v", err)
	}
	if got[1] != 0x42 {
		t.Fatalf("expected byte 0x42, got %#x", got[1])
	}
	bm.UnfixS(pid)
}

func TestBufferManagerEvictsUnderPressure(t *testing.T) {
	bm, err := NewBufferManager(testBufConfig(t, 256, 8))
	if err != nil {
		t.Fatalf("NewBufferManager: %v", err)
	}
	defer bm.Close()

	pids := make([]PageID, 0, 64)
	for i := 0; i < 64; i++ {
		pid, frame, err := bm.AllocPage()
		if err != nil {
			t.Fatalf("AllocPage %d: %v", i, err)
		}
		frame[1] = byte(i)
		bm.UnfixX(pid)
		pids = append(pids, pid)
	}

	if bm.Stats().PhysUsed > bm.physBudget {
		t.Fatalf("resident count %d exceeds budget %d", bm.Stats().PhysUsed, bm.physBudget)
	}

	for i, pid := range pids {
		frame, err := bm.FixS(pid)
		if err != nil {
			t.Fatalf("FixS %d: %v", i, err)
		}
		if frame[1] != byte(i) {
			t.Fatalf("page %d: expected %d, got %d (evicted page lost its write-back)", pid, byte(i), frame[1])
		}
		bm.UnfixS(pid)
	}
}

func TestBufferManagerConcurrentFixUnfix(t *testing.T) {
	bm, err := NewBufferManager(testBufConfig(t, 128, 32))
	if err != nil {
		t.Fatalf("NewBufferManager: %v", err)
	}
	defer bm.Close()

	pid, frame, err := bm.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	frame[1] = 0
	bm.UnfixX(pid)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				f, err := bm.FixX(pid)
				if err != nil {
					t.Errorf("FixX: %v", err)
					return
				}
				f[1]++
				bm.UnfixX(pid)
			}
		}()
	}
	wg.Wait()

	final, err := bm.FixS(pid)
	if err != nil {
		t.Fatalf("FixS: %v", err)
	}
	defer bm.UnfixS(pid)
	if final[1] != byte(8*200) {
		t.Fatalf("expected %d increments visible, got %d", byte(8*200), final[1])
	}
}
