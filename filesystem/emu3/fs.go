package emu3

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dagargo/go-emu3fs/backend"
	"github.com/dagargo/go-emu3fs/filesystem"
	"github.com/dagargo/go-emu3fs/util/timestamp"
)

// FileSystem is the FsFacade: it implements filesystem.FileSystem over
// one mounted emu3/emu4 volume, and additionally exposes statfs-style
// accounting and the single synthetic extended attribute.
// A single mutex serializes every mutating operation, matching the locking
// model; read-only lookups proceed without it.
type FileSystem struct {
	mu sync.Mutex

	backend backend.Storage
	io      *BlockIO
	geom    Geometry
	variant Variant

	bitmap          *dirBlockBitmap
	chain           *clusterChain
	directoryEngine *DirectoryEngine
	fileEngine      *fileEngine
	inodes          *InodeMap

	mountTime time.Time
	fsid      uuid.UUID
	log       *logrus.Logger
}

// Open mounts an emu3 (variant V3) or emu4 (variant V4) volume from the
// given backend, parsing the superblock and rebuilding the in-memory
// cluster chain and dir-block bitmap. Mount names map 1:1 to Variant:
// "emu3" mounts V3, "emu4" mounts V4.
func Open(b backend.Storage, variant Variant, log *logrus.Logger) (*FileSystem, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	block0 := make([]byte, blockSize)
	if _, err := b.ReadAt(block0, 0); err != nil {
		return nil, ErrBlockUnreadable
	}
	geom, err := parseSuperblock(block0, variant)
	if err != nil {
		return nil, err
	}

	fsys := &FileSystem{
		backend:   b,
		io:        NewBlockIO(b, 0),
		geom:      geom,
		variant:   variant,
		mountTime: timestamp.GetTime(),
		fsid:      uuid.New(),
		log:       log,
	}
	fsys.chain = newClusterChain(geom, log)
	if err := fsys.chain.load(fsys.io); err != nil {
		return nil, err
	}
	fsys.bitmap = newDirBlockBitmap(geom.DirContentBlocks)
	fsys.directoryEngine = newDirectoryEngine(fsys.io, geom, fsys.bitmap, fsys.chain, log)
	fsys.fileEngine = newFileEngine(fsys.io, geom, fsys.chain)
	fsys.inodes = newInodeMap()

	if err := fsys.rebuildBitmap(); err != nil {
		return nil, err
	}
	return fsys, nil
}

// rebuildBitmap scans the root area for subdirectories and marks every
// dir-content block named in a block_list as used, per the invariant
// that the bitmap is the union over all directories and is never itself
// persisted.
func (fsys *FileSystem) rebuildBitmap() error {
	entries, err := fsys.directoryEngine.iterate(rootRef())
	if err != nil {
		return err
	}
	seen := make(map[uint32]uint32)
	for _, e := range entries {
		if e.Kind != slotDir {
			continue
		}
		d, err := fsys.directoryEngine.readDentry(blockOf(e.Dnum), slotOf(e.Dnum))
		if err != nil {
			return err
		}
		for _, b := range d.dirAttrs().BlockList {
			if b <= 0 {
				continue
			}
			abs := uint32(b)
			if owner, used := seen[abs]; used {
				fsys.log.Errorf("emu3: dir-content block %d claimed by both dentry %d and %d", b, owner, e.Dnum)
				return ErrInvalidGeometry
			}
			seen[abs] = e.Dnum
			if err := fsys.bitmap.markUsed(abs - fsys.geom.DirContentStart); err != nil {
				return err
			}
		}
	}
	return nil
}

// Type implements filesystem.FileSystem.
func (fsys *FileSystem) Type() filesystem.Type { return filesystem.TypeEMU3 }

// Sync flushes the in-memory cluster chain to disk. Dentries and file
// data are written through synchronously as each operation completes
// (see BlockIO.Write), so the cluster list is the only state this driver
// batches in memory; Sync (and Unmount) is the only ordering guarantee
// §5 requires: the cluster list is fully durable before the call returns.
func (fsys *FileSystem) Sync() error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	return fsys.chain.writeBack(fsys.io)
}

// Unmount flushes the cluster list and releases the backend. After
// Unmount returns, fsys must not be used again.
func (fsys *FileSystem) Unmount() error {
	if err := fsys.Sync(); err != nil {
		return err
	}
	return fsys.backend.Close()
}

// pathParts splits a pathname into its components. The format supports
// at most two levels (a directory component under the root, and a leaf
// name); callers reject paths with more components.
func pathParts(pathname string) []string {
	clean := strings.Trim(pathname, "/")
	if clean == "" || clean == "." {
		return nil
	}
	return strings.Split(clean, "/")
}

// resolveDir resolves a directory pathname ("/" or "/bank") to a dirRef.
func (fsys *FileSystem) resolveDir(pathname string) (dirRef, error) {
	parts := pathParts(pathname)
	if len(parts) == 0 {
		return rootRef(), nil
	}
	if len(parts) > 1 {
		return dirRef{}, ErrNotADirectory
	}
	dnum, d, found, err := fsys.directoryEngine.lookup(rootRef(), parts[0])
	if err != nil {
		return dirRef{}, err
	}
	if !found || d.classify() != slotDir {
		return dirRef{}, ErrNotFound
	}
	return dirRef{dnum: dnum, entryBlock: blockOf(dnum), entrySlot: slotOf(dnum)}, nil
}

// resolveParent splits a file pathname into its parent dirRef and leaf
// name, e.g. "/bank/samp.wav" -> (dirRef for /bank, "samp.wav").
func (fsys *FileSystem) resolveParent(pathname string) (dirRef, string, error) {
	parts := pathParts(pathname)
	if len(parts) == 0 {
		return dirRef{}, "", ErrInvalidArgument
	}
	if len(parts) == 1 {
		return rootRef(), parts[0], nil
	}
	if len(parts) > 2 {
		return dirRef{}, "", ErrNotADirectory
	}
	parent, err := fsys.resolveDir("/" + parts[0])
	if err != nil {
		return dirRef{}, "", err
	}
	return parent, parts[1], nil
}

// resolveMaybeDir reports whether pathname names a directory (the root,
// or one of the root's immediate subdirectories). It never errors for a
// pathname that simply names a file instead; callers fall through to
// file resolution in that case.
func (fsys *FileSystem) resolveMaybeDir(pathname string) (dirRef, string, bool, error) {
	parts := pathParts(pathname)
	if len(parts) == 0 {
		return rootRef(), "/", true, nil
	}
	dnum, d, found, err := fsys.directoryEngine.lookup(rootRef(), parts[0])
	if err != nil {
		return dirRef{}, "", false, err
	}
	if !found || d.classify() != slotDir {
		return dirRef{}, "", false, nil
	}
	return dirRef{dnum: dnum, entryBlock: blockOf(dnum), entrySlot: slotOf(dnum)}, displayName(d.Name), true, nil
}

// Mkdir implements filesystem.FileSystem. Subdirectories are only
// permitted directly under the root.
func (fsys *FileSystem) Mkdir(pathname string) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	parts := pathParts(pathname)
	if len(parts) != 1 {
		return ErrPermissionDenied
	}
	_, err := fsys.directoryEngine.mkdir(parts[0])
	return err
}

// Mknod is not supported: the format has no notion of device or pipe
// nodes.
func (fsys *FileSystem) Mknod(pathname string, mode uint32, dev int) error {
	return filesystem.ErrNotSupported
}

// Link is not supported: the format has no hard link concept.
func (fsys *FileSystem) Link(oldpath, newpath string) error { return filesystem.ErrNotSupported }

// Symlink is not supported.
func (fsys *FileSystem) Symlink(oldpath, newpath string) error { return filesystem.ErrNotSupported }

// Chmod is not supported: the on-disk format carries no permission bits.
func (fsys *FileSystem) Chmod(name string, mode os.FileMode) error {
	return filesystem.ErrNotSupported
}

// Chown is not supported: the on-disk format carries no ownership.
func (fsys *FileSystem) Chown(name string, uid, gid int) error {
	return filesystem.ErrNotSupported
}

// ReadDir implements filesystem.FileSystem.
func (fsys *FileSystem) ReadDir(pathname string) ([]os.FileInfo, error) {
	ref, err := fsys.resolveDir(pathname)
	if err != nil {
		return nil, err
	}
	entries, err := fsys.directoryEngine.iterate(ref)
	if err != nil {
		return nil, err
	}
	out := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.Kind == slotDir {
			out = append(out, fileInfo{name: e.Name, isDir: true, modTime: fsys.mountTime})
			continue
		}
		d, err := fsys.directoryEngine.readDentry(blockOf(e.Dnum), slotOf(e.Dnum))
		if err != nil {
			return nil, err
		}
		fa := d.fileAttrs()
		out = append(out, fileInfo{name: e.Name, size: decodeFileSize(fa.Clusters, fa.Blocks, fa.Bytes, fsys.geom.ClusterBytes), modTime: fsys.mountTime})
	}
	return out, nil
}

// OpenFile implements filesystem.FileSystem. O_CREATE creates a new
// file if it does not already exist; O_TRUNC resets it to zero length.
// Opening a directory (the root, or one of its subdirectories) yields a
// read-only handle whose only valid operations are Stat and ReadDir, so
// io/fs consumers such as http.FileServer can walk the tree.
func (fsys *FileSystem) OpenFile(pathname string, flag int) (filesystem.File, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	parts := pathParts(pathname)
	if len(parts) <= 1 {
		if ref, name, isDir, err := fsys.resolveMaybeDir(pathname); err != nil {
			return nil, err
		} else if isDir {
			return &File{fsys: fsys, isDir: true, name: name, ref: ref, readOnly: true}, nil
		}
	}

	parent, name, err := fsys.resolveParent(pathname)
	if err != nil {
		return nil, err
	}
	dnum, d, found, err := fsys.directoryEngine.lookup(parent, name)
	if err != nil {
		return nil, err
	}
	if !found {
		if flag&os.O_CREATE == 0 {
			return nil, ErrNotFound
		}
		dnum, err = fsys.directoryEngine.create(parent, name, fsys.variant)
		if err != nil {
			return nil, err
		}
		d, err = fsys.directoryEngine.readDentry(blockOf(dnum), slotOf(dnum))
		if err != nil {
			return nil, err
		}
	}
	if d.classify() != slotFile {
		return nil, ErrIsADirectory
	}
	attrs := d.fileAttrs()
	size := decodeFileSize(attrs.Clusters, attrs.Blocks, attrs.Bytes, fsys.geom.ClusterBytes)
	if flag&os.O_TRUNC != 0 {
		if _, err := fsys.fileEngine.setSize(uint32(attrs.StartCluster), 0); err != nil {
			return nil, err
		}
		size = 0
		attrs.Clusters, attrs.Blocks, attrs.Bytes = encodeFileSize(0, fsys.geom.ClusterBytes)
		d.setFileAttrs(attrs)
		if err := fsys.directoryEngine.writeDentry(blockOf(dnum), slotOf(dnum), d); err != nil {
			return nil, err
		}
	}
	f := &File{
		fsys:     fsys,
		dnum:     dnum,
		name:     displayName(d.Name),
		attrs:    attrs,
		size:     size,
		readOnly: flag&(os.O_WRONLY|os.O_RDWR) == 0,
	}
	if flag&os.O_APPEND != 0 {
		f.offset = size
	}
	fsys.inodes.Lookup(dnum)
	return f, nil
}

// RenameFlag selects the rename/overwrite semantics for RenameWithFlags.
type RenameFlag int

const (
	// RenameReplace clobbers an existing target, the default POSIX
	// rename(2) behavior.
	RenameReplace RenameFlag = iota
	// RenameNoReplace fails with ErrExists rather than clobbering a
	// live target.
	RenameNoReplace
)

// Rename implements filesystem.FileSystem, following the same- and
// cross-directory rename rules with RenameReplace semantics.
func (fsys *FileSystem) Rename(oldpath, newpath string) error {
	return fsys.RenameWithFlags(oldpath, newpath, RenameReplace)
}

// RenameWithFlags extends Rename with the NoReplace flag from §4.7: v3
// forbids moving a file between the root and a subdirectory, and
// RenameNoReplace fails with ErrExists rather than clobbering a live
// target at newpath.
func (fsys *FileSystem) RenameWithFlags(oldpath, newpath string, flag RenameFlag) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	oldParent, oldName, err := fsys.resolveParent(oldpath)
	if err != nil {
		return err
	}
	newParent, newName, err := fsys.resolveParent(newpath)
	if err != nil {
		return err
	}
	oldDnum, _, found, err := fsys.directoryEngine.lookup(oldParent, oldName)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if fsys.variant == V3 && oldParent.root != newParent.root {
		return ErrPermissionDenied
	}
	if flag == RenameNoReplace {
		if _, _, found, err := fsys.directoryEngine.lookup(newParent, newName); err != nil {
			return err
		} else if found {
			return ErrExists
		}
	}
	newDnum, clobbered, err := fsys.directoryEngine.rename(oldParent, oldName, newParent, newName)
	if err != nil {
		return err
	}
	if clobbered != nil {
		fsys.chain.freeChain(uint32(clobbered.StartCluster))
	}
	if newDnum != oldDnum {
		fsys.inodes.Rebind(oldDnum, newDnum)
	}
	return nil
}

// Remove implements filesystem.FileSystem: unlinks a file (freeing its
// cluster chain) or removes an empty subdirectory.
func (fsys *FileSystem) Remove(pathname string) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	parent, name, err := fsys.resolveParent(pathname)
	if err != nil {
		return err
	}
	dnum, d, found, err := fsys.directoryEngine.lookup(parent, name)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if d.classify() == slotDir {
		return fsys.directoryEngine.rmdir(name)
	}
	fa, err := fsys.directoryEngine.unlink(parent, name)
	if err != nil {
		return err
	}
	fsys.chain.freeChain(uint32(fa.StartCluster))
	fsys.inodes.Forget(dnum)
	return nil
}

// Label reports the volume label. The format carries none.
func (fsys *FileSystem) Label() string { return "" }

// SetLabel is not supported: the format has no label field.
func (fsys *FileSystem) SetLabel(label string) error { return filesystem.ErrNotSupported }

// StatfsResult mirrors the handful of fields a POSIX statfs(2) call
// reports, computed fresh on every call by scanning current state
// rather than maintaining a running counter (this resolves the historical
// ambiguity over incremental vs. scanning free-inode accounting in favor
// of always scanning, matching the counted properties' cost model).
type StatfsResult struct {
	BlockSize     uint32
	TotalBlocks   uint32
	FreeBlocks    uint32 // free clusters plus free dir-content blocks, expressed in blocks
	TotalDentries uint32
	FreeDentries  uint32
	FilesystemID  uuid.UUID
}

// Statfs reports free dentries, free blocks and volume identity.
func (fsys *FileSystem) Statfs() (StatfsResult, error) {
	freeClusters := fsys.chain.freeCount()
	entries, err := fsys.directoryEngine.iterate(rootRef())
	if err != nil {
		return StatfsResult{}, err
	}
	totalSlots := fsys.geom.TotalDentrySlots()
	usedSlots := uint32(0)
	var countDir func(ref dirRef) error
	countDir = func(ref dirRef) error {
		es, err := fsys.directoryEngine.iterate(ref)
		if err != nil {
			return err
		}
		usedSlots += uint32(len(es))
		return nil
	}
	if err := countDir(rootRef()); err != nil {
		return StatfsResult{}, err
	}
	for _, e := range entries {
		if e.Kind != slotDir {
			continue
		}
		sub := dirRef{dnum: e.Dnum, entryBlock: blockOf(e.Dnum), entrySlot: slotOf(e.Dnum)}
		if err := countDir(sub); err != nil {
			return StatfsResult{}, err
		}
	}
	return StatfsResult{
		BlockSize:     blockSize,
		TotalBlocks:   fsys.geom.RootBlocks + fsys.geom.DirContentBlocks + fsys.geom.ClusterCount*fsys.geom.BlocksPerCluster,
		FreeBlocks:    freeClusters*fsys.geom.BlocksPerCluster + fsys.bitmap.freeCount(),
		TotalDentries: totalSlots,
		FreeDentries:  totalSlots - usedSlots,
		FilesystemID:  fsys.fsid,
	}, nil
}

// ListXattr implements listxattr: every file exposes exactly one
// attribute, user.bank.number.
func (fsys *FileSystem) ListXattr(pathname string) ([]string, error) {
	parent, name, err := fsys.resolveParent(pathname)
	if err != nil {
		return nil, err
	}
	_, d, found, err := fsys.directoryEngine.lookup(parent, name)
	if err != nil {
		return nil, err
	}
	if !found || d.classify() != slotFile {
		return nil, ErrNotFound
	}
	return []string{"user.bank.number"}, nil
}

// GetXattr implements getxattr("user.bank.number"): the decimal
// ASCII representation of the dentry id byte.
func (fsys *FileSystem) GetXattr(pathname, attr string) ([]byte, error) {
	if attr != "user.bank.number" {
		return nil, ErrNotFound
	}
	parent, name, err := fsys.resolveParent(pathname)
	if err != nil {
		return nil, err
	}
	_, d, found, err := fsys.directoryEngine.lookup(parent, name)
	if err != nil {
		return nil, err
	}
	if !found || d.classify() != slotFile {
		return nil, ErrNotFound
	}
	return []byte(strconv.Itoa(int(d.ID))), nil
}

// SetXattr implements setxattr("user.bank.number", N): rejects
// out-of-range values with Range and non-numeric strings with
// InvalidArgument.
func (fsys *FileSystem) SetXattr(pathname, attr string, value []byte) error {
	if attr != "user.bank.number" {
		return ErrInvalidArgument
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(value)))
	if err != nil {
		return ErrInvalidArgument
	}
	if n < 0 || n >= maxFilesPerDir {
		return ErrRange
	}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	parent, name, err := fsys.resolveParent(pathname)
	if err != nil {
		return err
	}
	dnum, d, found, err := fsys.directoryEngine.lookup(parent, name)
	if err != nil {
		return err
	}
	if !found || d.classify() != slotFile {
		return ErrNotFound
	}
	blocks, err := fsys.directoryEngine.blocksOf(parent)
	if err != nil {
		return err
	}
	for _, block := range blocks {
		buf, err := fsys.io.Read(block)
		if err != nil {
			return err
		}
		for s := 0; s < entriesPerBlock; s++ {
			off := s * dentrySize
			other := dentryFromBytes(buf.Data[off : off+dentrySize])
			if other.classify() == slotFile && int(other.ID) == n && dnumOf(block, s) != dnum {
				fsys.io.Release(buf)
				return ErrExists
			}
		}
		fsys.io.Release(buf)
	}
	d.ID = byte(n)
	return fsys.directoryEngine.writeDentry(blockOf(dnum), slotOf(dnum), d)
}
