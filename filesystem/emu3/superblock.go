package emu3

import (
	"encoding/binary"
)

// Geometry is the parsed, read-only content of block 0. Once parsed it is
// treated as opaque by every other component; they only ever read its
// fields.
type Geometry struct {
	TotalBlocks       uint32
	RootStart         uint32
	RootBlocks        uint32
	DirContentStart   uint32
	DirContentBlocks  uint32
	ClusterListStart  uint32
	ClusterListBlocks uint32
	DataStart         uint32
	ClusterCount      uint32
	ClusterExponent   uint8
	BlocksPerCluster  uint32
	ClusterBytes      uint32
	Variant           Variant
}

// parseSuperblock parses block 0 of an emu3/emu4 image into a Geometry.
//
// Layout (little-endian throughout):
//
//	+0x00  4 B  signature "EMU3"
//	+0x04  u32  total blocks
//	+0x08  u32  root start block
//	+0x0C  u32  root blocks
//	+0x10  u32  dir-content start block
//	+0x14  u32  dir-content blocks
//	+0x18  u32  cluster-list start block
//	+0x1C  u32  cluster-list blocks
//	+0x20  u32  data start block
//	+0x24  u32  cluster count (v4 disks: halved when byte 0x28 >= 5)
//	+0x28  u8   cluster-size exponent; cluster bytes = 1 << (15 + this)
func parseSuperblock(block0 []byte, variant Variant) (Geometry, error) {
	if len(block0) < 0x29 {
		return Geometry{}, ErrInvalidGeometry
	}
	if string(block0[0:4]) != "EMU3" {
		return Geometry{}, ErrInvalidSignature
	}

	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(block0[off : off+4]) }

	exp := block0[0x28]
	// exp == 0 would make the historical shift (0x10000 << (exp-1)) ill-defined;
	// we reject it outright rather than reproduce that ambiguity.
	if exp == 0 {
		return Geometry{}, ErrInvalidGeometry
	}

	g := Geometry{
		TotalBlocks:       u32(0x04),
		RootStart:         u32(0x08),
		RootBlocks:        u32(0x0C),
		DirContentStart:   u32(0x10),
		DirContentBlocks:  u32(0x14),
		ClusterListStart:  u32(0x18),
		ClusterListBlocks: u32(0x1C),
		DataStart:         u32(0x20),
		ClusterCount:      u32(0x24),
		ClusterExponent:   exp,
		Variant:           variant,
	}
	g.ClusterBytes = uint32(1) << (15 + uint(exp))
	g.BlocksPerCluster = g.ClusterBytes / blockSize

	if variant == V4 && exp >= 5 {
		g.ClusterCount /= 2
	}

	if err := g.validate(); err != nil {
		return Geometry{}, err
	}
	return g, nil
}

// validate enforces that all region ranges are disjoint, appear in the
// listed order, and fit within the device.
func (g Geometry) validate() error {
	if g.BlocksPerCluster < 64 || g.BlocksPerCluster&(g.BlocksPerCluster-1) != 0 {
		return ErrInvalidGeometry
	}
	if g.RootBlocks == 0 || g.ClusterListBlocks == 0 || g.ClusterCount == 0 {
		return ErrInvalidGeometry
	}
	regions := []struct {
		start, length uint32
	}{
		{g.RootStart, g.RootBlocks},
		{g.DirContentStart, g.DirContentBlocks},
		{g.ClusterListStart, g.ClusterListBlocks},
		{g.DataStart, g.ClusterCount * g.BlocksPerCluster},
	}
	var prevEnd uint32
	for _, r := range regions {
		if r.start < prevEnd {
			return ErrInvalidGeometry
		}
		end := r.start + r.length
		if end < r.start { // overflow
			return ErrInvalidGeometry
		}
		prevEnd = end
	}
	if prevEnd > g.TotalBlocks {
		return ErrInvalidGeometry
	}
	return nil
}

// RootAreaBlocks is the number of 512-byte blocks the dentry table of the
// root directory spans.
func (g Geometry) RootAreaBlocks() uint32 { return g.RootBlocks }

// TotalDentrySlots is the total number of 32-byte dentry slots addressable
// across the root area and the dir-content area, used for statfs.
func (g Geometry) TotalDentrySlots() uint32 {
	return entriesPerBlock * (g.RootBlocks + g.DirContentBlocks)
}
