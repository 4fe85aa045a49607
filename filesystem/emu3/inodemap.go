package emu3

import "sync"

// InodeMap is the per-mount bidirectional mapping between host-visible
// inode numbers and on-disk dentry locations (dnum = block<<4 | slot),
// It exists because dnum is not stable across a
// cross-directory rename (the dentry moves to a new slot), while POSIX
// callers expect a file's inode number to survive a rename. The map is
// pure runtime state, rebuilt empty at every mount; the root directory
// always holds the well-known inode id 1.
type InodeMap struct {
	mu     sync.Mutex
	next   uint64
	toDnum map[uint64]uint32
	toIno  map[uint32]uint64
}

func newInodeMap() *InodeMap {
	return &InodeMap{
		next:   rootInodeID + 1,
		toDnum: make(map[uint64]uint32),
		toIno:  make(map[uint32]uint64),
	}
}

// RootIno is the fixed inode id of the mount's root directory.
func (m *InodeMap) RootIno() uint64 { return rootInodeID }

// IsRoot reports whether ino names the root directory.
func (m *InodeMap) IsRoot(ino uint64) bool { return ino == rootInodeID }

// Lookup returns the inode id bound to dnum, allocating a fresh one on
// first encounter: the map grows lazily as paths are visited.
func (m *InodeMap) Lookup(dnum uint32) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ino, ok := m.toIno[dnum]; ok {
		return ino
	}
	ino := m.next
	m.next++
	m.toIno[dnum] = ino
	m.toDnum[ino] = dnum
	return ino
}

// Dnum resolves an inode id back to its current dentry location.
func (m *InodeMap) Dnum(ino uint64) (uint32, bool) {
	if ino == rootInodeID {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dnum, ok := m.toDnum[ino]
	return dnum, ok
}

// Rebind updates the map after a cross-directory rename moved a live
// dentry from oldDnum to newDnum, so the inode id handed out earlier
// keeps resolving to the same file (the inode id remains stable via
// InodeMap rewrite").
func (m *InodeMap) Rebind(oldDnum, newDnum uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ino, ok := m.toIno[oldDnum]
	if !ok {
		return
	}
	delete(m.toIno, oldDnum)
	m.toIno[newDnum] = ino
	m.toDnum[ino] = newDnum
}

// Forget drops a mapping once its dentry has been tombstoned and will
// never be looked up again under that dnum, bounding the map's growth
// across a long-lived mount.
func (m *InodeMap) Forget(dnum uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ino, ok := m.toIno[dnum]
	if !ok {
		return
	}
	delete(m.toIno, dnum)
	delete(m.toDnum, ino)
}
