package emu3

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
)

// clusterChain is the in-memory mirror of the on-disk cluster-list
// region: a FAT-style array of 16-bit LE pointers, one per cluster,
// loaded whole at mount and written back at unmount or explicit sync
// Index 0 is reserved and never allocated; valid chain indices
// run 1..clusters.
type clusterChain struct {
	entries []uint16 // len == clusters+1
	geom    Geometry
	log     *logrus.Logger
}

func newClusterChain(geom Geometry, log *logrus.Logger) *clusterChain {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &clusterChain{
		entries: make([]uint16, geom.ClusterCount+1),
		geom:    geom,
		log:     log,
	}
}

// load reads the cluster-list region from disk into memory.
func (c *clusterChain) load(io *BlockIO) error {
	buf := make([]byte, 0, c.geom.ClusterListBlocks*blockSize)
	for i := uint32(0); i < c.geom.ClusterListBlocks; i++ {
		b, err := io.Read(c.geom.ClusterListStart + i)
		if err != nil {
			return err
		}
		buf = append(buf, b.Data...)
		io.Release(b)
	}
	n := c.geom.ClusterCount + 1
	if uint32(len(buf))/2 < n {
		n = uint32(len(buf)) / 2
	}
	for i := uint32(0); i < n; i++ {
		c.entries[i] = binary.LittleEndian.Uint16(buf[i*2 : i*2+2])
	}
	return nil
}

// writeBack persists the whole in-memory chain to the cluster-list
// region; this must complete before unmount/sync returns.
func (c *clusterChain) writeBack(io *BlockIO) error {
	buf := make([]byte, c.geom.ClusterListBlocks*blockSize)
	for i, v := range c.entries {
		if uint32(i)*2+2 > uint32(len(buf)) {
			break
		}
		binary.LittleEndian.PutUint16(buf[i*2:i*2+2], v)
	}
	for i := uint32(0); i < c.geom.ClusterListBlocks; i++ {
		block := &Buffer{Block: c.geom.ClusterListStart + i, Data: buf[i*blockSize : (i+1)*blockSize]}
		block.MarkDirty()
		if err := io.Write(block); err != nil {
			return err
		}
		io.Release(block)
	}
	return nil
}

// nextFree returns the lowest index in 1..clusters-1 whose entry is free.
func (c *clusterChain) nextFree() (uint32, bool) {
	for i := uint32(1); i < c.geom.ClusterCount; i++ {
		if c.entries[i] == clusterFree {
			return i, true
		}
	}
	return 0, false
}

// follow returns the base-0 nth node of the chain starting at start. A
// loop in the on-disk chain must not hang the traversal, so every walk is
// bounded by the total cluster count.
func (c *clusterChain) follow(start uint32, n int) (uint32, bool) {
	cur := start
	for i := 0; i < n; i++ {
		if i >= int(c.geom.ClusterCount) {
			c.log.Warnf("emu3: cluster chain from %d exceeds cluster count, stopping traversal", start)
			return 0, false
		}
		next := c.entries[cur]
		if next == clusterEOC || next == clusterFree {
			return 0, false
		}
		cur = uint32(next)
	}
	return cur, true
}

// length walks the chain from start and returns how many live nodes it
// contains before hitting the EOC marker, bounded against looping chains.
func (c *clusterChain) length(start uint32) int {
	cur := start
	for i := 0; i < int(c.geom.ClusterCount)+1; i++ {
		if c.entries[cur] == clusterEOC {
			return i + 1
		}
		if c.entries[cur] == clusterFree {
			c.log.Warnf("emu3: cluster chain from %d runs into a free cluster at %d", start, cur)
			return i + 1
		}
		cur = uint32(c.entries[cur])
	}
	c.log.Errorf("emu3: cluster chain from %d looks cyclic, stopping traversal", start)
	return int(c.geom.ClusterCount)
}

// append extends the chain by allocating extra new free clusters after
// its current end. On failure it undoes any partial allocation it made
// and returns ErrNoSpace.
func (c *clusterChain) append(start uint32, extra int) error {
	if extra <= 0 {
		return nil
	}
	tailLen := c.length(start)
	tail, ok := c.follow(start, tailLen-1)
	if !ok {
		tail = start
	}
	origTail, origTailValue := tail, c.entries[tail]
	allocated := make([]uint32, 0, extra)
	for i := 0; i < extra; i++ {
		next, ok := c.nextFree()
		if !ok {
			for _, cl := range allocated {
				c.entries[cl] = clusterFree
			}
			c.entries[origTail] = origTailValue
			return ErrNoSpace
		}
		c.entries[tail] = uint16(next)
		c.entries[next] = clusterEOC
		allocated = append(allocated, next)
		tail = next
	}
	return nil
}

// pruneTo truncates the chain starting at start so that it contains
// exactly clusters live nodes, freeing everything downstream. It
// tolerates being called when the chain is already at the target length.
func (c *clusterChain) pruneTo(start uint32, clusters int) {
	if clusters <= 0 {
		clusters = 1
	}
	last, ok := c.follow(start, clusters-1)
	if !ok {
		return
	}
	next := c.entries[last]
	c.entries[last] = clusterEOC
	for next != clusterEOC && next != clusterFree {
		freed := next
		next = c.entries[freed]
		c.entries[freed] = clusterFree
	}
}

// freeChain frees every cluster in the chain starting at start,
// including the terminator.
func (c *clusterChain) freeChain(start uint32) {
	cur := start
	for i := 0; i <= int(c.geom.ClusterCount); i++ {
		next := c.entries[cur]
		c.entries[cur] = clusterFree
		if next == clusterEOC || next == clusterFree {
			return
		}
		cur = uint32(next)
	}
	c.log.Errorf("emu3: cluster chain from %d looks cyclic while freeing, stopped early", start)
}

// freeCount returns the number of free clusters in 1..clusters-1,
// used by statfs and by the free-cluster round-trip property.
func (c *clusterChain) freeCount() uint32 {
	var n uint32
	for i := uint32(1); i < c.geom.ClusterCount; i++ {
		if c.entries[i] == clusterFree {
			n++
		}
	}
	return n
}
