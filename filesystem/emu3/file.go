package emu3

import (
	"io"
	"io/fs"
	"os"
	"time"
)

// encodeFileSize converts a byte count into the on-disk (clusters, blocks,
// bytes) tuple: clusters is the number of clusters the file spans,
// rounding up; blocks is the number of whole 512-byte blocks in the final
// cluster plus one, and bytes is the remainder in that last block, so that
// decodeFileSize gives n back. N=0 encodes as (1,1,0) rather than (0,0,0).
func encodeFileSize(n int64, clusterBytes uint32) (clusters, blocks, bytes uint16) {
	if n <= 0 {
		return 1, 1, 0
	}
	cb := int64(clusterBytes)
	nClusters := (n + cb - 1) / cb
	rem := n - (nClusters-1)*cb
	nBlocks := rem/blockSize + 1
	nBytes := rem % blockSize
	return uint16(nClusters), uint16(nBlocks), uint16(nBytes)
}

// decodeFileSize is encodeFileSize's inverse:
// (clusters-1)*cluster_bytes + (blocks-1)*512 + bytes.
func decodeFileSize(clusters, blocks, bytes uint16, clusterBytes uint32) int64 {
	return (int64(clusters)-1)*int64(clusterBytes) + (int64(blocks)-1)*blockSize + int64(bytes)
}

// fileEngine turns a start cluster plus a byte offset into a physical
// block, and handles growing or shrinking a file's cluster chain to
// match a new size. It has no notion of dentries; the
// DirectoryEngine and FileSystem facade own updating FileAttrs.Clusters/
// Blocks/Bytes after a write changes a file's extent.
type fileEngine struct {
	io    *BlockIO
	geom  Geometry
	chain *clusterChain
}

func newFileEngine(io *BlockIO, geom Geometry, chain *clusterChain) *fileEngine {
	return &fileEngine{io: io, geom: geom, chain: chain}
}

// physBlock resolves the physical block number holding byte offset off
// within the file whose chain starts at startCluster.
func (e *fileEngine) physBlock(startCluster uint32, off int64) (uint32, error) {
	clusterIdx := int(off / int64(e.geom.ClusterBytes))
	cluster, ok := e.chain.follow(startCluster, clusterIdx)
	if !ok {
		return 0, ErrIoError
	}
	blockInCluster := uint32((off % int64(e.geom.ClusterBytes)) / blockSize)
	return e.geom.DataStart + (cluster-1)*e.geom.BlocksPerCluster + blockInCluster, nil
}

// readAt reads up to len(p) bytes starting at byte offset off within a
// file of the given size and start cluster.
func (e *fileEngine) readAt(startCluster uint32, size int64, off int64, p []byte) (int, error) {
	if off >= size {
		return 0, io.EOF
	}
	max := size - off
	if int64(len(p)) > max {
		p = p[:max]
	}
	total := 0
	for total < len(p) {
		blk, err := e.physBlock(startCluster, off+int64(total))
		if err != nil {
			return total, err
		}
		buf, err := e.io.Read(blk)
		if err != nil {
			return total, err
		}
		inBlock := int((off + int64(total)) % blockSize)
		n := copy(p[total:], buf.Data[inBlock:])
		e.io.Release(buf)
		total += n
	}
	var err error
	if off+int64(total) >= size {
		err = io.EOF
	}
	return total, err
}

// writeAt writes p at byte offset off, growing the cluster chain as
// needed. It returns the number of clusters the chain occupies after the
// write, for the caller to persist into FileAttrs.
func (e *fileEngine) writeAt(startCluster uint32, off int64, p []byte) (int, int, error) {
	needClusters := int((off+int64(len(p))+int64(e.geom.ClusterBytes)-1)/int64(e.geom.ClusterBytes))
	if needClusters < 1 {
		needClusters = 1
	}
	haveClusters := e.chain.length(startCluster)
	if needClusters > haveClusters {
		if err := e.chain.append(startCluster, needClusters-haveClusters); err != nil {
			return 0, haveClusters, err
		}
		haveClusters = needClusters
	}
	total := 0
	for total < len(p) {
		blk, err := e.physBlock(startCluster, off+int64(total))
		if err != nil {
			return total, haveClusters, err
		}
		buf, err := e.io.Read(blk)
		if err != nil {
			return total, haveClusters, err
		}
		inBlock := int((off + int64(total)) % blockSize)
		n := copy(buf.Data[inBlock:], p[total:])
		buf.MarkDirty()
		if err := e.io.Write(buf); err != nil {
			e.io.Release(buf)
			return total, haveClusters, err
		}
		e.io.Release(buf)
		total += n
	}
	return total, haveClusters, nil
}

// setSize grows or shrinks the cluster chain to hold exactly size bytes,
// returning the resulting cluster count.
func (e *fileEngine) setSize(startCluster uint32, size int64) (int, error) {
	needClusters := int((size + int64(e.geom.ClusterBytes) - 1) / int64(e.geom.ClusterBytes))
	if needClusters < 1 {
		needClusters = 1
	}
	haveClusters := e.chain.length(startCluster)
	if needClusters > haveClusters {
		if err := e.chain.append(startCluster, needClusters-haveClusters); err != nil {
			return haveClusters, err
		}
		return needClusters, nil
	}
	if needClusters < haveClusters {
		e.chain.pruneTo(startCluster, needClusters)
		return needClusters, nil
	}
	return haveClusters, nil
}

// fileInfo implements fs.FileInfo for both files and directories.
type fileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) ModTime() time.Time { return fi.modTime }
func (fi fileInfo) IsDir() bool        { return fi.isDir }
func (fi fileInfo) Sys() interface{}   { return nil }
func (fi fileInfo) Mode() fs.FileMode {
	if fi.isDir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}

// File is an open handle to an emu3 file or directory, implementing
// filesystem.File (fs.ReadDirFile plus io.Writer and io.Seeker).
type File struct {
	fsys     *FileSystem
	dnum     uint32
	ref      dirRef
	isDir    bool
	name     string
	attrs    fileAttrs
	size     int64 // decoded from attrs.{Clusters,Blocks,Bytes} at open time
	offset   int64
	entries  []dirEntry
	readOnly bool
}

func (f *File) Stat() (fs.FileInfo, error) {
	if f.isDir {
		return fileInfo{name: f.name, isDir: true, modTime: f.fsys.mountTime}, nil
	}
	return fileInfo{name: f.name, size: f.size, modTime: f.fsys.mountTime}, nil
}

func (f *File) Read(p []byte) (int, error) {
	if f.isDir {
		return 0, ErrIsADirectory
	}
	n, err := f.fsys.fileEngine.readAt(uint32(f.attrs.StartCluster), f.size, f.offset, p)
	f.offset += int64(n)
	return n, err
}

func (f *File) Write(p []byte) (int, error) {
	if f.isDir {
		return 0, ErrIsADirectory
	}
	if f.readOnly {
		return 0, os.ErrPermission
	}
	f.fsys.mu.Lock()
	defer f.fsys.mu.Unlock()
	n, _, err := f.fsys.fileEngine.writeAt(uint32(f.attrs.StartCluster), f.offset, p)
	f.offset += int64(n)
	if f.size < f.offset {
		f.size = f.offset
	}
	f.attrs.Clusters, f.attrs.Blocks, f.attrs.Bytes = encodeFileSize(f.size, f.fsys.geom.ClusterBytes)
	if werr := f.syncAttrs(); werr != nil && err == nil {
		err = werr
	}
	return n, err
}

// syncAttrs re-reads the on-disk dentry to preserve Name/Unknown/ID and
// rewrites only the FileAttrs tail with the handle's current view.
func (f *File) syncAttrs() error {
	d, err := f.fsys.directoryEngine.readDentry(blockOf(f.dnum), slotOf(f.dnum))
	if err != nil {
		return err
	}
	d.setFileAttrs(f.attrs)
	return f.fsys.directoryEngine.writeDentry(blockOf(f.dnum), slotOf(f.dnum), d)
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.offset
	case io.SeekEnd:
		base = f.size
	default:
		return 0, ErrInvalidArgument
	}
	newOff := base + offset
	if newOff < 0 {
		return 0, ErrInvalidArgument
	}
	f.offset = newOff
	return f.offset, nil
}

func (f *File) ReadDir(n int) ([]fs.DirEntry, error) {
	if !f.isDir {
		return nil, ErrNotADirectory
	}
	if f.entries == nil {
		entries, err := f.fsys.directoryEngine.iterate(f.ref)
		if err != nil {
			return nil, err
		}
		f.entries = entries
	}
	var out []fs.DirEntry
	for len(f.entries) > 0 && (n <= 0 || len(out) < n) {
		e := f.entries[0]
		f.entries = f.entries[1:]
		out = append(out, dirEntryAdapter{e})
	}
	if n > 0 && len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}

func (f *File) Close() error { return nil }

// dirEntryAdapter implements fs.DirEntry over our dirEntry.
type dirEntryAdapter struct{ e dirEntry }

func (d dirEntryAdapter) Name() string { return d.e.Name }
func (d dirEntryAdapter) IsDir() bool  { return d.e.Kind == slotDir }
func (d dirEntryAdapter) Type() fs.FileMode {
	if d.e.Kind == slotDir {
		return fs.ModeDir
	}
	return 0
}
func (d dirEntryAdapter) Info() (fs.FileInfo, error) {
	return fileInfo{name: d.e.Name, isDir: d.e.Kind == slotDir}, nil
}
