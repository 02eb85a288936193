package polyleaf

import "testing"

func testBufForGuards(t *testing.T) *BufferManager {
	t.Helper()
	cfg := testBufConfig(t, 256, 64)
	bm, err := NewBufferManager(cfg)
	if err != nil {
		t.Fatalf("NewBufferManager: %v", err)
	}
	t.Cleanup(func() { bm.Close() })
	return bm
}

func TestGuardOValidateDetectsConcurrentWrite(t *testing.T) {
	bm := testBufForGuards(t)
	pid, _, err := bm.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	bm.UnfixX(pid)

	o, err := NewGuardO(bm, pid)
	if err != nil {
		t.Fatal(err)
	}

	x, err := bm.FixX(pid)
	if err != nil {
		t.Fatal(err)
	}
	x[0] = 0xAB
	bm.UnfixX(pid)

	if err := o.Validate(); !isRestart(err) {
		t.Fatalf("Validate after concurrent write = %v, want errRestart", err)
	}
}

func TestGuardOValidateSucceedsWithoutConcurrentWrite(t *testing.T) {
	bm := testBufForGuards(t)
	pid, _, err := bm.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	bm.UnfixX(pid)

	o, err := NewGuardO(bm, pid)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Validate(); err != nil {
		t.Fatalf("Validate with no writer = %v, want nil", err)
	}
}

func TestUpgradeToXThenRelease(t *testing.T) {
	bm := testBufForGuards(t)
	pid, _, err := bm.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	bm.UnfixX(pid)

	o, err := NewGuardO(bm, pid)
	if err != nil {
		t.Fatal(err)
	}
	x, err := UpgradeToX(o)
	if err != nil {
		t.Fatalf("UpgradeToX: %v", err)
	}
	x.Bytes()[0] = 0x42
	x.Release()

	s, err := NewGuardS(bm, pid)
	if err != nil {
		t.Fatal(err)
	}
	if s.Bytes()[0] != 0x42 {
		t.Fatalf("byte after upgrade+release = %x, want 0x42", s.Bytes()[0])
	}
	s.Release()
}

func TestUpgradeToXRestartsAfterConcurrentChange(t *testing.T) {
	bm := testBufForGuards(t)
	pid, _, err := bm.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	bm.UnfixX(pid)

	o, err := NewGuardO(bm, pid)
	if err != nil {
		t.Fatal(err)
	}

	x, err := bm.FixX(pid)
	if err != nil {
		t.Fatal(err)
	}
	x[0] = 0x99
	bm.UnfixX(pid)

	if _, err := UpgradeToX(o); !isRestart(err) {
		t.Fatalf("UpgradeToX after concurrent write = %v, want errRestart", err)
	}
}
