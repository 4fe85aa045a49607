package emu3

import (
	"bytes"
	"io"
	"os"
	"testing"
)

// newTestImage builds a minimal but valid mountable image in memory:
// superblock at block 0, root area of 1 block, 3 dir-content blocks, a
// 1-block cluster list, and 4 data clusters of 128 blocks each (exp=1).
func newTestImage(t *testing.T) *memStorage {
	t.Helper()
	const (
		rootStart  = 1
		rootBlocks = 1
		dirStart   = 2
		dirBlocks  = 3
		clStart    = 5
		clBlocks   = 1
		dataStart  = 6
		clusters   = 4
		bpc        = 128 // exp=1
	)
	total := dataStart + clusters*bpc
	storage := newMemStorage(int64(total) * blockSize)
	block0 := buildBlock0(uint32(total), rootStart, rootBlocks, dirStart, dirBlocks, clStart, clBlocks, dataStart, clusters, 1)
	if _, err := storage.WriteAt(block0, 0); err != nil {
		t.Fatalf("write block0: %v", err)
	}
	return storage
}

func TestOpenEmptyImage(t *testing.T) {
	fsys, err := Open(newTestImage(t), V4, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	entries, err := fsys.ReadDir("/")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty root, got %d entries", len(entries))
	}
}

func TestOpenRejectsBadSignature(t *testing.T) {
	storage := newTestImage(t)
	block0 := make([]byte, blockSize)
	_, _ = storage.ReadAt(block0, 0)
	block0[0] = 'X'
	_, _ = storage.WriteAt(block0, 0)
	if _, err := Open(storage, V4, nil); err != ErrInvalidSignature {
		t.Errorf("got %v, want ErrInvalidSignature", err)
	}
}

func TestMkdirAndCreateFileInSubdir(t *testing.T) {
	fsys, err := Open(newTestImage(t), V3, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := fsys.Mkdir("/bank"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	f, err := fsys.OpenFile("/bank/samp.wav", os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatalf("OpenFile create: %v", err)
	}
	data := bytes.Repeat([]byte{0xAB}, 1024)
	if n, err := f.Write(data); err != nil || n != len(data) {
		t.Fatalf("Write = (%d, %v), want (%d, nil)", n, err, len(data))
	}
	_ = f.Close()

	entries, err := fsys.ReadDir("/bank")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "samp.wav" || entries[0].Size() != 1024 {
		t.Fatalf("unexpected dir listing: %+v", entries)
	}

	f2, err := fsys.OpenFile("/bank/samp.wav", os.O_RDONLY)
	if err != nil {
		t.Fatalf("OpenFile read: %v", err)
	}
	readBack, err := io.ReadAll(f2)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(readBack, data) {
		t.Fatalf("read-back content mismatch: got %d bytes", len(readBack))
	}
}

func TestCreateAtRootRejectedForV3(t *testing.T) {
	fsys, err := Open(newTestImage(t), V3, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := fsys.OpenFile("/samp.wav", os.O_CREATE|os.O_RDWR); err != ErrPermissionDenied {
		t.Errorf("got %v, want ErrPermissionDenied", err)
	}
}

func TestCreateAtRootAllowedForV4(t *testing.T) {
	fsys, err := Open(newTestImage(t), V4, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f, err := fsys.OpenFile("/samp.wav", os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatalf("OpenFile create at root (v4): %v", err)
	}
	_ = f.Close()
}

func TestTruncateResetsSize(t *testing.T) {
	fsys, err := Open(newTestImage(t), V4, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f, _ := fsys.OpenFile("/samp.wav", os.O_CREATE|os.O_RDWR)
	_, _ = f.Write(bytes.Repeat([]byte{1}, 100))
	_ = f.Close()

	f2, err := fsys.OpenFile("/samp.wav", os.O_RDWR|os.O_TRUNC)
	if err != nil {
		t.Fatalf("OpenFile trunc: %v", err)
	}
	info, err := f2.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("size after O_TRUNC = %d, want 0", info.Size())
	}
}

func TestRenameSameDirectory(t *testing.T) {
	fsys, err := Open(newTestImage(t), V4, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f, _ := fsys.OpenFile("/old.wav", os.O_CREATE|os.O_RDWR)
	_ = f.Close()
	if err := fsys.Rename("/old.wav", "/new.wav"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := fsys.OpenFile("/old.wav", os.O_RDONLY); err != ErrNotFound {
		t.Errorf("old name should be gone, got %v", err)
	}
	if _, err := fsys.OpenFile("/new.wav", os.O_RDONLY); err != nil {
		t.Errorf("new name should open cleanly: %v", err)
	}
}

func TestUnlinkFreesClusterChain(t *testing.T) {
	fsys, err := Open(newTestImage(t), V4, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	before := fsys.chain.freeCount()
	f, _ := fsys.OpenFile("/x.wav", os.O_CREATE|os.O_RDWR)
	_, _ = f.Write(bytes.Repeat([]byte{1}, int(fsys.geom.ClusterBytes)+1)) // spans 2 clusters
	_ = f.Close()
	mid := fsys.chain.freeCount()
	if mid >= before {
		t.Fatalf("expected free cluster count to drop after writing, before=%d mid=%d", before, mid)
	}
	if err := fsys.Remove("/x.wav"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	after := fsys.chain.freeCount()
	if after != before {
		t.Errorf("freeCount after unlink = %d, want %d (back to starting value)", after, before)
	}
}

func TestRmdirRejectsNonEmpty(t *testing.T) {
	fsys, err := Open(newTestImage(t), V3, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := fsys.Mkdir("/bank"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	f, _ := fsys.OpenFile("/bank/a.wav", os.O_CREATE|os.O_RDWR)
	_ = f.Close()
	if err := fsys.Remove("/bank"); err != ErrDirectoryNotEmpty {
		t.Errorf("got %v, want ErrDirectoryNotEmpty", err)
	}
	if err := fsys.Remove("/bank/a.wav"); err != nil {
		t.Fatalf("Remove file: %v", err)
	}
	if err := fsys.Remove("/bank"); err != nil {
		t.Errorf("Remove empty dir: %v", err)
	}
}

func TestStatfsReportsFreeBlocksAndDentries(t *testing.T) {
	fsys, err := Open(newTestImage(t), V4, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	before, err := fsys.Statfs()
	if err != nil {
		t.Fatalf("Statfs: %v", err)
	}
	f, _ := fsys.OpenFile("/samp.wav", os.O_CREATE|os.O_RDWR)
	_ = f.Close()
	after, err := fsys.Statfs()
	if err != nil {
		t.Fatalf("Statfs: %v", err)
	}
	if after.FreeDentries != before.FreeDentries-1 {
		t.Errorf("FreeDentries after create = %d, want %d", after.FreeDentries, before.FreeDentries-1)
	}
	if after.FreeBlocks != before.FreeBlocks-fsys.geom.BlocksPerCluster {
		t.Errorf("FreeBlocks after create = %d, want %d", after.FreeBlocks, before.FreeBlocks-fsys.geom.BlocksPerCluster)
	}
}

func TestXattrBankNumberRoundTrip(t *testing.T) {
	fsys, err := Open(newTestImage(t), V4, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f, _ := fsys.OpenFile("/samp.wav", os.O_CREATE|os.O_RDWR)
	_ = f.Close()

	if err := fsys.SetXattr("/samp.wav", "user.bank.number", []byte("42")); err != nil {
		t.Fatalf("SetXattr: %v", err)
	}
	got, err := fsys.GetXattr("/samp.wav", "user.bank.number")
	if err != nil {
		t.Fatalf("GetXattr: %v", err)
	}
	if string(got) != "42" {
		t.Errorf("GetXattr = %q, want %q", got, "42")
	}
}

func TestXattrRejectsOutOfRange(t *testing.T) {
	fsys, err := Open(newTestImage(t), V4, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f, _ := fsys.OpenFile("/samp.wav", os.O_CREATE|os.O_RDWR)
	_ = f.Close()
	if err := fsys.SetXattr("/samp.wav", "user.bank.number", []byte("999")); err != ErrRange {
		t.Errorf("got %v, want ErrRange", err)
	}
}

func TestXattrRejectsNonNumeric(t *testing.T) {
	fsys, err := Open(newTestImage(t), V4, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f, _ := fsys.OpenFile("/samp.wav", os.O_CREATE|os.O_RDWR)
	_ = f.Close()
	if err := fsys.SetXattr("/samp.wav", "user.bank.number", []byte("nope")); err != ErrInvalidArgument {
		t.Errorf("got %v, want ErrInvalidArgument", err)
	}
}

// TestRenameCrossDirectoryV4 exercises the cross-directory rename rule of
// §4.7: moving a file from the root into a subdirectory onto an existing
// live target clobbers that target, carries the source's contents across,
// reassigns id from the destination's free-id set, and keeps the moved
// file's inode identity stable via InodeMap rewrite.
func TestRenameCrossDirectoryV4(t *testing.T) {
	fsys, err := Open(newTestImage(t), V4, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := fsys.Mkdir("/bank"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	a, err := fsys.OpenFile("/a.wav", os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatalf("create a.wav: %v", err)
	}
	data := bytes.Repeat([]byte{0x7}, 10)
	if _, err := a.Write(data); err != nil {
		t.Fatalf("write a.wav: %v", err)
	}
	_ = a.Close()

	b, err := fsys.OpenFile("/bank/b.wav", os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatalf("create b.wav: %v", err)
	}
	_ = b.Close()

	aInoBefore, err := fsys.OpenFile("/a.wav", os.O_RDONLY)
	if err != nil {
		t.Fatalf("open a.wav: %v", err)
	}
	dnumBefore := aInoBefore.(*File).dnum
	ino := fsys.inodes.Lookup(dnumBefore)
	_ = aInoBefore.Close()

	if err := fsys.Rename("/a.wav", "/bank/b.wav"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, err := fsys.OpenFile("/a.wav", os.O_RDONLY); err != ErrNotFound {
		t.Errorf("old name should be gone, got %v", err)
	}
	f2, err := fsys.OpenFile("/bank/b.wav", os.O_RDONLY)
	if err != nil {
		t.Fatalf("open renamed target: %v", err)
	}
	readBack, err := io.ReadAll(f2)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(readBack, data) {
		t.Errorf("renamed file content mismatch: got %d bytes", len(readBack))
	}

	newDnum := f2.(*File).dnum
	if fsys.inodes.Lookup(newDnum) != ino {
		t.Errorf("inode identity did not survive cross-directory rename")
	}
}

func TestRenameNoReplaceFailsOnExistingTarget(t *testing.T) {
	fsys, err := Open(newTestImage(t), V4, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a, _ := fsys.OpenFile("/a.wav", os.O_CREATE|os.O_RDWR)
	_ = a.Close()
	b, _ := fsys.OpenFile("/b.wav", os.O_CREATE|os.O_RDWR)
	_ = b.Close()

	if err := fsys.RenameWithFlags("/a.wav", "/b.wav", RenameNoReplace); err != ErrExists {
		t.Errorf("got %v, want ErrExists", err)
	}
	if _, err := fsys.OpenFile("/a.wav", os.O_RDONLY); err != nil {
		t.Errorf("source should be untouched after a failed NoReplace rename: %v", err)
	}
}

// TestRenameRootBoundaryRejectedForV3 exercises the v3-only restriction
// that a file may not be renamed across the root/non-root boundary
// (files cannot live at the root under v3 in the first place, so the
// only reachable case is moving a subdirectory file up to the root).
func TestRenameRootBoundaryRejectedForV3(t *testing.T) {
	fsys, err := Open(newTestImage(t), V3, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := fsys.Mkdir("/bank"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	f, _ := fsys.OpenFile("/bank/a.wav", os.O_CREATE|os.O_RDWR)
	_ = f.Close()
	if err := fsys.Rename("/bank/a.wav", "/a.wav"); err != ErrPermissionDenied {
		t.Errorf("got %v, want ErrPermissionDenied", err)
	}
}
