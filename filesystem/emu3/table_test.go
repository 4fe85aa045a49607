package emu3

import "testing"

func testGeom(clusterCount uint32) Geometry {
	return Geometry{ClusterCount: clusterCount, ClusterListStart: 1, ClusterListBlocks: 1, DataStart: 2, BlocksPerCluster: 128, ClusterBytes: 65536}
}

func TestClusterChainNextFree(t *testing.T) {
	c := newClusterChain(testGeom(10), nil)
	c.entries[1] = clusterEOC
	next, ok := c.nextFree()
	if !ok || next != 2 {
		t.Fatalf("nextFree = (%d, %v), want (2, true)", next, ok)
	}
}

func TestClusterChainNextFreeExhausted(t *testing.T) {
	c := newClusterChain(testGeom(3), nil)
	for i := uint32(1); i < 3; i++ {
		c.entries[i] = clusterEOC
	}
	if _, ok := c.nextFree(); ok {
		t.Fatalf("expected no free cluster")
	}
}

func TestClusterChainAppendAndFollow(t *testing.T) {
	c := newClusterChain(testGeom(10), nil)
	c.entries[1] = clusterEOC
	if err := c.append(1, 2); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := c.length(1); got != 3 {
		t.Fatalf("length = %d, want 3", got)
	}
	if n, ok := c.follow(1, 2); !ok || c.entries[n] != clusterEOC {
		t.Fatalf("follow(1,2) should land on the chain's terminal node")
	}
}

func TestClusterChainAppendNoSpaceUndoesPartialAllocation(t *testing.T) {
	c := newClusterChain(testGeom(3), nil)
	c.entries[1] = clusterEOC
	c.entries[2] = clusterFree
	if err := c.append(1, 5); err != ErrNoSpace {
		t.Fatalf("got %v, want ErrNoSpace", err)
	}
	if c.entries[2] != clusterFree {
		t.Fatalf("partial allocation must be rolled back on failure")
	}
}

func TestClusterChainPruneTo(t *testing.T) {
	c := newClusterChain(testGeom(10), nil)
	c.entries[1] = 2
	c.entries[2] = 3
	c.entries[3] = clusterEOC
	c.pruneTo(1, 1)
	if c.entries[1] != clusterEOC {
		t.Errorf("chain[1] = %#x, want EOC after pruning to length 1", c.entries[1])
	}
	if c.entries[2] != clusterFree || c.entries[3] != clusterFree {
		t.Errorf("downstream clusters must be freed after pruneTo")
	}
}

func TestClusterChainPruneToAlreadyAtTarget(t *testing.T) {
	c := newClusterChain(testGeom(10), nil)
	c.entries[1] = clusterEOC
	c.pruneTo(1, 1)
	if c.entries[1] != clusterEOC {
		t.Errorf("pruneTo at the current length must be a no-op")
	}
}

func TestClusterChainFreeChain(t *testing.T) {
	c := newClusterChain(testGeom(10), nil)
	c.entries[1] = 2
	c.entries[2] = clusterEOC
	c.freeChain(1)
	if c.entries[1] != clusterFree || c.entries[2] != clusterFree {
		t.Errorf("freeChain must free every node including the terminator")
	}
}

func TestClusterChainLengthBoundedAgainstCycle(t *testing.T) {
	c := newClusterChain(testGeom(4), nil)
	c.entries[1] = 2
	c.entries[2] = 1 // cyclic
	got := c.length(1)
	if got > int(c.geom.ClusterCount) {
		t.Errorf("length() must not exceed ClusterCount on a cyclic chain, got %d", got)
	}
}

func TestClusterChainFreeCount(t *testing.T) {
	c := newClusterChain(testGeom(5), nil)
	c.entries[1] = clusterEOC
	c.entries[2] = clusterEOC
	if got := c.freeCount(); got != 2 {
		t.Errorf("freeCount = %d, want 2", got)
	}
}

func TestClusterChainLoadAndWriteBackRoundTrip(t *testing.T) {
	geom := testGeom(3)
	geom.ClusterListStart = 0
	geom.ClusterListBlocks = 1
	storage := newMemStorage(int64(blockSize))
	io := NewBlockIO(storage, 0)

	c := newClusterChain(geom, nil)
	c.entries[1] = 2
	c.entries[2] = clusterEOC
	if err := c.writeBack(io); err != nil {
		t.Fatalf("writeBack: %v", err)
	}

	reloaded := newClusterChain(geom, nil)
	if err := reloaded.load(io); err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.entries[1] != 2 || reloaded.entries[2] != clusterEOC {
		t.Errorf("reloaded chain = %v, want [_, 2, 0x7FFF]", reloaded.entries)
	}
}
