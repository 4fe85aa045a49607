// Package emu3 implements the on-disk filesystem used by the E-mu EIII
// and EIV family of hardware samplers: a flat or two-level directory of
// fixed-size name entries over a cluster-chained data area, addressed
// in fixed 512-byte physical blocks.
//
// Two minor variants of the layout are supported behind a single code
// path: v3, where the root holds directory descriptors only and files
// live exclusively inside subdirectories, and v4, where files may also
// live directly at the root and may be renamed between the root and a
// subdirectory.
package emu3

// Variant selects which minor revision of the on-disk layout a mount
// targets. The mount name ("emu3" or "emu4") is what the host collaborator
// uses to pick one; the driver itself never inspects the device to guess.
type Variant int

const (
	// V3 is the original layout: files may not live at the root, and a
	// file may not be renamed between the root and a subdirectory.
	V3 Variant = iota
	// V4 relaxes both restrictions above and changes the file
	// properties byte pattern and cluster-count encoding.
	V4
)

func (v Variant) String() string {
	if v == V4 {
		return "v4"
	}
	return "v3"
}

const (
	blockSize           = 512
	dentrySize          = 32
	entriesPerBlock     = blockSize / dentrySize // 16
	maxNameLength       = 16
	clusterEntriesPerBlock = blockSize / 2 // 256 u16 entries
	blocksPerSubdir     = 7                // DirAttrs.block_list length
	maxFilesPerDir      = 100              // EMU3_MAX_REGULAR_FILE
	rootInodeID         = 1

	clusterFree = 0x0000
	clusterEOC  = 0x7FFF

	dirSlotFree  = -1 // DirAttrs block_list sentinel
	dirID40      = 0x40
	dirID80      = 0x80
)

// File type byte values for Dentry.FileAttrs.type.
const (
	ftypeDel = 0x00
	ftypeSys = 0x80
	ftypeStd = 0x81
	ftypeUpd = 0x83
)
