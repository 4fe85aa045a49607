package emu3

import "github.com/dagargo/go-emu3fs/util/bitmap"

// dirBlockBitmap tracks which dir-content blocks are in use by some
// directory's block_list. It is rebuilt at mount by scanning the
// root area and every live subdirectory's block_list, never persisted.
type dirBlockBitmap struct {
	bm    *bitmap.Bitmap
	count uint32
}

func newDirBlockBitmap(dirContentBlocks uint32) *dirBlockBitmap {
	return &dirBlockBitmap{bm: bitmap.NewBits(int(dirContentBlocks)), count: dirContentBlocks}
}

// reserve returns the lowest unused dir-content block (relative index
// into the dir-content region) and marks it used.
func (d *dirBlockBitmap) reserve() (uint32, bool) {
	i := d.bm.FirstFree(0)
	if i < 0 || uint32(i) >= d.count {
		return 0, false
	}
	_ = d.bm.Set(i)
	return uint32(i), true
}

// markUsed marks a specific relative block index as used, used while
// rebuilding the bitmap at mount from the on-disk block_list entries.
func (d *dirBlockBitmap) markUsed(index uint32) error {
	if index >= d.count {
		return ErrInvalidGeometry
	}
	return d.bm.Set(int(index))
}

// isUsed reports whether a relative block index is currently claimed by
// some directory.
func (d *dirBlockBitmap) isUsed(index uint32) bool {
	if index >= d.count {
		return false
	}
	ok, _ := d.bm.IsSet(int(index))
	return ok
}

// free clears a relative dir-content block index, making it available
// for reservation again.
func (d *dirBlockBitmap) free(index uint32) {
	if index < d.count {
		_ = d.bm.Clear(int(index))
	}
}

// freeCount returns how many dir-content blocks are currently unused,
// used by statfs.
func (d *dirBlockBitmap) freeCount() uint32 {
	var n uint32
	for i := uint32(0); i < d.count; i++ {
		if !d.isUsed(i) {
			n++
		}
	}
	return n
}
