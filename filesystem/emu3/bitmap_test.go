package emu3

import "testing"

func TestDirBlockBitmapReserveLowestFree(t *testing.T) {
	bm := newDirBlockBitmap(4)
	i, ok := bm.reserve()
	if !ok || i != 0 {
		t.Fatalf("reserve = (%d, %v), want (0, true)", i, ok)
	}
	j, ok := bm.reserve()
	if !ok || j != 1 {
		t.Fatalf("reserve = (%d, %v), want (1, true)", j, ok)
	}
}

func TestDirBlockBitmapExhausted(t *testing.T) {
	bm := newDirBlockBitmap(2)
	if _, ok := bm.reserve(); !ok {
		t.Fatal("expected first reserve to succeed")
	}
	if _, ok := bm.reserve(); !ok {
		t.Fatal("expected second reserve to succeed")
	}
	if _, ok := bm.reserve(); ok {
		t.Fatal("expected third reserve to fail: bitmap is exhausted")
	}
}

func TestDirBlockBitmapFreeMakesIndexReservableAgain(t *testing.T) {
	bm := newDirBlockBitmap(1)
	i, _ := bm.reserve()
	bm.free(i)
	if _, ok := bm.reserve(); !ok {
		t.Fatal("freed index should be reservable again")
	}
}

func TestDirBlockBitmapMarkUsedAndIsUsed(t *testing.T) {
	bm := newDirBlockBitmap(4)
	if err := bm.markUsed(2); err != nil {
		t.Fatalf("markUsed: %v", err)
	}
	if !bm.isUsed(2) {
		t.Error("index 2 should be used after markUsed")
	}
	if bm.isUsed(3) {
		t.Error("index 3 should not be used")
	}
}

func TestDirBlockBitmapMarkUsedOutOfRange(t *testing.T) {
	bm := newDirBlockBitmap(2)
	if err := bm.markUsed(5); err != ErrInvalidGeometry {
		t.Errorf("got %v, want ErrInvalidGeometry", err)
	}
}

func TestDirBlockBitmapFreeCount(t *testing.T) {
	bm := newDirBlockBitmap(4)
	_, _ = bm.reserve()
	_, _ = bm.reserve()
	if got := bm.freeCount(); got != 2 {
		t.Errorf("freeCount = %d, want 2", got)
	}
}
