package emu3

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// dirRef names a directory: either the root (a contiguous run of blocks
// starting at Geometry.RootStart) or a subdirectory, identified by the
// location of its own dentry so its block_list can be rewritten in place
// when a new dir-content block is reserved for it.
type dirRef struct {
	root       bool
	dnum       uint32 // dnum of the subdirectory's own dentry; unused for root
	entryBlock uint32
	entrySlot  int
}

func rootRef() dirRef { return dirRef{root: true} }

// dirEntry is one live name visible to iterate/lookup.
type dirEntry struct {
	Name string
	Dnum uint32
	Kind slotKind
}

// DirectoryEngine implements lookup, iteration, create, unlink, mkdir,
// rmdir and rename over the dentry tables, following the one- and
// two-variant rules of the on-disk format (the "two-level"
// layout only changes whether files are permitted at the root; both
// variants share this same flat block scanning).
type DirectoryEngine struct {
	io      *BlockIO
	geom    Geometry
	bitmap  *dirBlockBitmap
	chain   *clusterChain
	log     *logrus.Logger
}

func newDirectoryEngine(io *BlockIO, geom Geometry, bm *dirBlockBitmap, chain *clusterChain, log *logrus.Logger) *DirectoryEngine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DirectoryEngine{io: io, geom: geom, bitmap: bm, chain: chain, log: log}
}

func dnumOf(block uint32, slot int) uint32 { return block<<4 | uint32(slot) }

func blockOf(dnum uint32) uint32 { return dnum >> 4 }
func slotOf(dnum uint32) int     { return int(dnum & 0xf) }

// readDentry fetches a single 32-byte slot.
func (e *DirectoryEngine) readDentry(block uint32, slot int) (dentry, error) {
	buf, err := e.io.Read(block)
	if err != nil {
		return dentry{}, err
	}
	defer e.io.Release(buf)
	off := slot * dentrySize
	return dentryFromBytes(buf.Data[off : off+dentrySize]), nil
}

// writeDentry persists a single slot, read-modify-write on its block.
func (e *DirectoryEngine) writeDentry(block uint32, slot int, d dentry) error {
	buf, err := e.io.Read(block)
	if err != nil {
		return err
	}
	defer e.io.Release(buf)
	off := slot * dentrySize
	copy(buf.Data[off:off+dentrySize], d.toBytes())
	buf.MarkDirty()
	return e.io.Write(buf)
}

// blocksOf returns the ordered list of dentry-table blocks belonging to a
// directory: the root area's contiguous run, or a subdirectory's
// block_list entries up to the first -1.
func (e *DirectoryEngine) blocksOf(ref dirRef) ([]uint32, error) {
	if ref.root {
		blocks := make([]uint32, e.geom.RootBlocks)
		for i := range blocks {
			blocks[i] = e.geom.RootStart + uint32(i)
		}
		return e.healFirstBlock(blocks), nil
	}
	d, err := e.readDentry(ref.entryBlock, ref.entrySlot)
	if err != nil {
		return nil, err
	}
	if d.classify() != slotDir {
		return nil, ErrNotADirectory
	}
	da := d.dirAttrs()
	var blocks []uint32
	for _, b := range da.BlockList {
		if b <= 0 {
			break
		}
		blocks = append(blocks, uint32(b))
	}
	return blocks, nil
}

// healFirstBlock guards against a corrupt signature byte in the very
// first root block, a failure mode the original driver repairs rather
// than refusing to mount over (grounded on emu3_get_rootblocks's
// fallback in super.c): if block 0 of the root area does not parse as
// valid dentry data (all 16 slots classify as neither file nor dir, and
// none is a plausible free slot with a zero unknown byte), it is
// rewritten as sixteen zeroed free slots before any other access touches it.
func (e *DirectoryEngine) healFirstBlock(blocks []uint32) []uint32 {
	if len(blocks) == 0 {
		return blocks
	}
	first := blocks[0]
	buf, err := e.io.Read(first)
	if err != nil {
		return blocks
	}
	corrupt := true
	for s := 0; s < entriesPerBlock; s++ {
		off := s * dentrySize
		d := dentryFromBytes(buf.Data[off : off+dentrySize])
		if d.classify() != slotFree || d.Unknown == 0 {
			corrupt = false
			break
		}
	}
	if corrupt {
		for i := range buf.Data {
			buf.Data[i] = 0
		}
		buf.MarkDirty()
		if err := e.io.Write(buf); err != nil {
			e.log.Warnf("emu3: failed to heal first root block: %v", err)
		} else {
			e.log.Infof("emu3: healed corrupt first root block %d", first)
		}
	}
	e.io.Release(buf)
	return blocks
}

// lookup scans a directory's blocks for name, applying the same
// normalization on both sides.
func (e *DirectoryEngine) lookup(ref dirRef, name string) (uint32, dentry, bool, error) {
	blocks, err := e.blocksOf(ref)
	if err != nil {
		return 0, dentry{}, false, err
	}
	for _, block := range blocks {
		buf, err := e.io.Read(block)
		if err != nil {
			return 0, dentry{}, false, err
		}
		for s := 0; s < entriesPerBlock; s++ {
			off := s * dentrySize
			d := dentryFromBytes(buf.Data[off : off+dentrySize])
			kind := d.classify()
			if kind == slotFree {
				continue
			}
			if namesEqual(d.Name, mustName(name)) {
				e.io.Release(buf)
				return dnumOf(block, s), d, true, nil
			}
		}
		e.io.Release(buf)
	}
	return 0, dentry{}, false, nil
}

func mustName(name string) [maxNameLength]byte {
	var out [maxNameLength]byte
	n := name
	if len(n) > maxNameLength {
		n = n[:maxNameLength]
	}
	copy(out[:], n)
	for i := len(n); i < maxNameLength; i++ {
		out[i] = ' '
	}
	return out
}

// iterate lists every live entry in a directory.
func (e *DirectoryEngine) iterate(ref dirRef) ([]dirEntry, error) {
	blocks, err := e.blocksOf(ref)
	if err != nil {
		return nil, err
	}
	var out []dirEntry
	for _, block := range blocks {
		buf, err := e.io.Read(block)
		if err != nil {
			return nil, err
		}
		for s := 0; s < entriesPerBlock; s++ {
			off := s * dentrySize
			d := dentryFromBytes(buf.Data[off : off+dentrySize])
			kind := d.classify()
			if kind == slotFree {
				continue
			}
			out = append(out, dirEntry{Name: displayName(d.Name), Dnum: dnumOf(block, s), Kind: kind})
		}
		e.io.Release(buf)
	}
	return out, nil
}

// findFreeSlot returns the first free slot among blocks, scanning in
// order.
func (e *DirectoryEngine) findFreeSlot(blocks []uint32) (uint32, int, error) {
	for _, block := range blocks {
		buf, err := e.io.Read(block)
		if err != nil {
			return 0, 0, err
		}
		for s := 0; s < entriesPerBlock; s++ {
			off := s * dentrySize
			d := dentryFromBytes(buf.Data[off : off+dentrySize])
			if d.classify() == slotFree {
				e.io.Release(buf)
				return block, s, nil
			}
		}
		e.io.Release(buf)
	}
	return 0, 0, ErrNoSpace
}

// growBlockList reserves a new dir-content block for a subdirectory and
// appends it to the owning dentry's block_list, or fails with NoSpace if
// the subdirectory is already at its 7-block ceiling or the bitmap is
// exhausted.
func (e *DirectoryEngine) growBlockList(ref dirRef) (uint32, error) {
	if ref.root {
		return 0, ErrNoSpace
	}
	d, err := e.readDentry(ref.entryBlock, ref.entrySlot)
	if err != nil {
		return 0, err
	}
	if d.classify() != slotDir {
		return 0, ErrNotADirectory
	}
	da := d.dirAttrs()
	pos := -1
	for i, b := range da.BlockList {
		if b <= 0 {
			pos = i
			break
		}
	}
	if pos < 0 {
		return 0, ErrNoSpace
	}
	rel, ok := e.bitmap.reserve()
	if !ok {
		return 0, ErrNoSpace
	}
	block := e.geom.DirContentStart + rel
	da.BlockList[pos] = int16(block)
	d.setDirAttrs(da)
	if err := e.writeDentry(ref.entryBlock, ref.entrySlot, d); err != nil {
		e.bitmap.free(rel)
		return 0, err
	}
	buf := &Buffer{Block: block, Data: make([]byte, blockSize)}
	buf.MarkDirty()
	if err := e.io.Write(buf); err != nil {
		return 0, err
	}
	e.io.Release(buf)
	return block, nil
}

// nextFreeID returns the lowest id in 0..maxFilesPerDir-1 not currently
// held by a live file slot among blocks.
func (e *DirectoryEngine) nextFreeID(blocks []uint32) (byte, error) {
	used := make([]bool, maxFilesPerDir)
	for _, block := range blocks {
		buf, err := e.io.Read(block)
		if err != nil {
			return 0, err
		}
		for s := 0; s < entriesPerBlock; s++ {
			off := s * dentrySize
			d := dentryFromBytes(buf.Data[off : off+dentrySize])
			if d.classify() == slotFile && int(d.ID) < maxFilesPerDir {
				used[d.ID] = true
			}
		}
		e.io.Release(buf)
	}
	for i := 0; i < maxFilesPerDir; i++ {
		if !used[i] {
			return byte(i), nil
		}
	}
	return 0, ErrNoSpace
}

// create allocates a new file slot in parent: name padded, id assigned,
// a single-cluster chain, size zero, type
// STD, properties zeroed (v3) or the v4 "E4B0" marker.
func (e *DirectoryEngine) create(ref dirRef, name string, variant Variant) (uint32, error) {
	if ref.root && variant == V3 {
		return 0, ErrPermissionDenied
	}
	rawName, err := setName(name)
	if err != nil {
		return 0, err
	}
	blocks, err := e.blocksOf(ref)
	if err != nil {
		return 0, err
	}
	if _, _, found, err := e.lookup(ref, name); err != nil {
		return 0, err
	} else if found {
		return 0, ErrExists
	}
	id, err := e.nextFreeID(blocks)
	if err != nil {
		return 0, err
	}
	startCluster, ok := e.chain.nextFree()
	if !ok {
		return 0, ErrNoSpace
	}
	block, slot, err := e.findFreeSlot(blocks)
	if err == ErrNoSpace {
		block, err = e.growBlockList(ref)
		if err != nil {
			return 0, err
		}
		slot = 0
	} else if err != nil {
		return 0, err
	}

	e.chain.entries[startCluster] = clusterEOC

	var d dentry
	d.Name = rawName
	d.ID = id
	fa := fileAttrs{StartCluster: uint16(startCluster), Clusters: 1, Blocks: 1, Bytes: 0, Type: ftypeStd}
	if variant == V4 {
		fa.Props = [5]byte{0, 'E', '4', 'B', '0'}
	}
	d.setFileAttrs(fa)

	if err := e.writeDentry(block, slot, d); err != nil {
		e.chain.entries[startCluster] = clusterFree
		return 0, err
	}
	return dnumOf(block, slot), nil
}

// mkdir creates a subdirectory of the root, the only place the layout permits
// one: a free root slot, a freshly reserved dir-content block, and the
// 0x40 directory marker.
func (e *DirectoryEngine) mkdir(name string) (uint32, error) {
	rawName, err := setName(name)
	if err != nil {
		return 0, err
	}
	blocks, err := e.blocksOf(rootRef())
	if err != nil {
		return 0, err
	}
	if _, _, found, err := e.lookup(rootRef(), name); err != nil {
		return 0, err
	} else if found {
		return 0, ErrExists
	}
	block, slot, err := e.findFreeSlot(blocks)
	if err != nil {
		return 0, err
	}
	rel, ok := e.bitmap.reserve()
	if !ok {
		return 0, ErrNoSpace
	}
	contentBlock := e.geom.DirContentStart + rel
	zero := &Buffer{Block: contentBlock, Data: make([]byte, blockSize)}
	zero.MarkDirty()
	if err := e.io.Write(zero); err != nil {
		e.bitmap.free(rel)
		return 0, err
	}
	e.io.Release(zero)

	var d dentry
	d.Name = rawName
	d.ID = dirID40
	da := dirAttrs{}
	da.BlockList[0] = int16(contentBlock)
	for i := 1; i < blocksPerSubdir; i++ {
		da.BlockList[i] = dirSlotFree
	}
	d.setDirAttrs(da)
	if err := e.writeDentry(block, slot, d); err != nil {
		e.bitmap.free(rel)
		return 0, err
	}
	return dnumOf(block, slot), nil
}

// rmdir removes an empty subdirectory: every named block must contain
// only free or tombstoned slots.
func (e *DirectoryEngine) rmdir(name string) error {
	dnum, d, found, err := e.lookup(rootRef(), name)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if d.classify() != slotDir {
		return ErrNotADirectory
	}
	sub := dirRef{dnum: dnum, entryBlock: blockOf(dnum), entrySlot: slotOf(dnum)}
	blocks, err := e.blocksOf(sub)
	if err != nil {
		return err
	}
	for _, block := range blocks {
		buf, err := e.io.Read(block)
		if err != nil {
			return err
		}
		for s := 0; s < entriesPerBlock; s++ {
			off := s * dentrySize
			sd := dentryFromBytes(buf.Data[off : off+dentrySize])
			if sd.classify() != slotFree {
				e.io.Release(buf)
				return ErrDirectoryNotEmpty
			}
		}
		e.io.Release(buf)
	}
	da := d.dirAttrs()
	for _, b := range da.BlockList {
		if b > 0 {
			e.bitmap.free(uint32(b) - e.geom.DirContentStart)
		}
	}
	return e.writeDentry(sub.entryBlock, sub.entrySlot, dentry{})
}

// unlink tombstones a file slot: type becomes DEL, name and start_cluster
// are left untouched in the raw bytes (this resolves the ambiguity over
// whether start_cluster is reset: the original driver does not reset
// it, so neither does this one), and the slot stops classifying as live.
func (e *DirectoryEngine) unlink(ref dirRef, name string) (fileAttrs, error) {
	dnum, d, found, err := e.lookup(ref, name)
	if err != nil {
		return fileAttrs{}, err
	}
	if !found {
		return fileAttrs{}, ErrNotFound
	}
	if d.classify() != slotFile {
		return fileAttrs{}, ErrIsADirectory
	}
	fa := d.fileAttrs()
	fa.Type = ftypeDel
	d.setFileAttrs(fa)
	block, slot := blockOf(dnum), slotOf(dnum)
	if err := e.writeDentry(block, slot, d); err != nil {
		return fileAttrs{}, err
	}
	return fa, nil
}

// rename implements the rename/overwrite rule. Same-directory rename
// rewrites the name field in place, first tombstoning a live file already
// holding the new name (a directory there fails with ErrIsADirectory).
// Cross-directory rename copies the whole
// dentry (preserving every field except id, which is reassigned from the
// destination directory's free-id set), tombstones the source slot, and
// — if a slot already exists at the destination name — tombstones that
// slot first (its cluster chain is the caller's responsibility to free,
// since DirectoryEngine does not itself own cluster allocation policy
// beyond creating new chains).
func (e *DirectoryEngine) rename(oldRef dirRef, oldName string, newRef dirRef, newName string) (uint32, *fileAttrs, error) {
	oldDnum, oldD, found, err := e.lookup(oldRef, oldName)
	if err != nil {
		return 0, nil, err
	}
	if !found {
		return 0, nil, ErrNotFound
	}
	rawNewName, err := setName(newName)
	if err != nil {
		return 0, nil, err
	}

	sameDir := oldRef.root == newRef.root && oldRef.dnum == newRef.dnum
	if sameDir {
		var clobbered *fileAttrs
		if existingDnum, existingD, found, err := e.lookup(newRef, newName); err != nil {
			return 0, nil, err
		} else if found && existingDnum != oldDnum {
			if existingD.classify() != slotFile {
				return 0, nil, fmt.Errorf("%w: rename target is a directory", ErrIsADirectory)
			}
			fa := existingD.fileAttrs()
			fa.Type = ftypeDel
			existingD.setFileAttrs(fa)
			if err := e.writeDentry(blockOf(existingDnum), slotOf(existingDnum), existingD); err != nil {
				return 0, nil, err
			}
			clobbered = &fa
		}
		oldD.Name = rawNewName
		if err := e.writeDentry(blockOf(oldDnum), slotOf(oldDnum), oldD); err != nil {
			return 0, nil, err
		}
		return oldDnum, clobbered, nil
	}

	var clobbered *fileAttrs
	if existingDnum, existingD, found, err := e.lookup(newRef, newName); err != nil {
		return 0, nil, err
	} else if found {
		if existingD.classify() == slotFile {
			fa := existingD.fileAttrs()
			fa.Type = ftypeDel
			existingD.setFileAttrs(fa)
			clobbered = &fa
		}
		if err := e.writeDentry(blockOf(existingDnum), slotOf(existingDnum), existingD); err != nil {
			return 0, nil, err
		}
	}

	destBlocks, err := e.blocksOf(newRef)
	if err != nil {
		return 0, nil, err
	}
	id, err := e.nextFreeID(destBlocks)
	if err != nil {
		return 0, nil, err
	}
	block, slot, err := e.findFreeSlot(destBlocks)
	if err == ErrNoSpace {
		block, err = e.growBlockList(newRef)
		if err != nil {
			return 0, nil, err
		}
		slot = 0
	} else if err != nil {
		return 0, nil, err
	}

	newD := oldD
	newD.Name = rawNewName
	newD.ID = id
	if err := e.writeDentry(block, slot, newD); err != nil {
		return 0, nil, err
	}

	oldFa := oldD.fileAttrs()
	oldFa.Type = ftypeDel
	oldD.setFileAttrs(oldFa)
	if err := e.writeDentry(blockOf(oldDnum), slotOf(oldDnum), oldD); err != nil {
		return 0, nil, err
	}

	return dnumOf(block, slot), clobbered, nil
}
