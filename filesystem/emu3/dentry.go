package emu3

import (
	"bytes"
	"encoding/binary"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// slotKind is what a dentry slot currently holds, per the discrimination
// rules: a slot is a file iff id < 100, clusters > 0 and type is
// one of STD/UPD/SYS; a slot is a directory iff id is one of the two
// reserved directory markers and its first block_list entry is a real
// block number; otherwise it is free (this includes tombstoned DEL
// slots, which retain their old bytes but classify as free).
type slotKind int

const (
	slotFree slotKind = iota
	slotFile
	slotDir
)

// fileAttrs is the 14-byte dentry tail when the slot holds a file.
type fileAttrs struct {
	StartCluster uint16
	Clusters     uint16
	Blocks       uint16
	Bytes        uint16
	Type         byte
	Props        [5]byte
}

// dirAttrs is the 14-byte dentry tail when the slot holds a directory: 7
// signed 16-bit LE block numbers, -1 meaning a free slot in the list.
type dirAttrs struct {
	BlockList [blocksPerSubdir]int16
}

// dentry is one 32-byte on-disk record: a 16-byte space-padded name, one
// verbatim "unknown" byte, one id byte, and a 14-byte tail holding either
// fileAttrs or dirAttrs depending on classification.
type dentry struct {
	Name    [maxNameLength]byte
	Unknown byte
	ID      byte
	Tail    [14]byte
}

func dentryFromBytes(b []byte) dentry {
	var d dentry
	copy(d.Name[:], b[0:16])
	d.Unknown = b[16]
	d.ID = b[17]
	copy(d.Tail[:], b[18:32])
	return d
}

func (d dentry) toBytes() []byte {
	b := make([]byte, dentrySize)
	copy(b[0:16], d.Name[:])
	b[16] = d.Unknown
	b[17] = d.ID
	copy(b[18:32], d.Tail[:])
	return b
}

func (d dentry) fileAttrs() fileAttrs {
	var fa fileAttrs
	fa.StartCluster = binary.LittleEndian.Uint16(d.Tail[0:2])
	fa.Clusters = binary.LittleEndian.Uint16(d.Tail[2:4])
	fa.Blocks = binary.LittleEndian.Uint16(d.Tail[4:6])
	fa.Bytes = binary.LittleEndian.Uint16(d.Tail[6:8])
	fa.Type = d.Tail[8]
	copy(fa.Props[:], d.Tail[9:14])
	return fa
}

func (d *dentry) setFileAttrs(fa fileAttrs) {
	binary.LittleEndian.PutUint16(d.Tail[0:2], fa.StartCluster)
	binary.LittleEndian.PutUint16(d.Tail[2:4], fa.Clusters)
	binary.LittleEndian.PutUint16(d.Tail[4:6], fa.Blocks)
	binary.LittleEndian.PutUint16(d.Tail[6:8], fa.Bytes)
	d.Tail[8] = fa.Type
	copy(d.Tail[9:14], fa.Props[:])
}

func (d dentry) dirAttrs() dirAttrs {
	var da dirAttrs
	for i := 0; i < blocksPerSubdir; i++ {
		da.BlockList[i] = int16(binary.LittleEndian.Uint16(d.Tail[i*2 : i*2+2]))
	}
	return da
}

func (d *dentry) setDirAttrs(da dirAttrs) {
	for i := 0; i < blocksPerSubdir; i++ {
		binary.LittleEndian.PutUint16(d.Tail[i*2:i*2+2], uint16(da.BlockList[i]))
	}
}

func (d dentry) classify() slotKind {
	if int(d.ID) < maxFilesPerDir {
		fa := d.fileAttrs()
		if fa.Clusters > 0 {
			switch fa.Type {
			case ftypeStd, ftypeUpd, ftypeSys:
				return slotFile
			}
		}
	}
	if d.ID == dirID40 || d.ID == dirID80 {
		da := d.dirAttrs()
		if da.BlockList[0] > 0 {
			return slotDir
		}
	}
	return slotFree
}

// setName validates and space-pads a filename into the 16-byte on-disk
// field. Names longer than 16 bytes or empty names are rejected.
func setName(name string) ([maxNameLength]byte, error) {
	var out [maxNameLength]byte
	if len(name) == 0 {
		return out, ErrNameEmpty
	}
	if len(name) > maxNameLength {
		return out, ErrNameTooLong
	}
	// the name's bytes are stored as given, so only names whose Latin-1
	// encoding equals those bytes (plain ASCII) are accepted; any other
	// character, Latin-1 or not, is rejected rather than mangled on write.
	enc := charmap.ISO8859_1.NewEncoder()
	encoded, err := enc.String(name)
	if err != nil || encoded != name {
		return out, ErrInvalidArgument
	}
	copy(out[:], name)
	for i := len(name); i < maxNameLength; i++ {
		out[i] = ' '
	}
	return out, nil
}

// strip trims the trailing ASCII space padding from a raw on-disk name.
func strip(raw [maxNameLength]byte) string {
	return strings.TrimRight(string(raw[:]), " ")
}

// displayName applies the one lossy transformation the raw on-disk name
// needs to be safe as a path component: '/' becomes '?', since slash is
// the only byte a POSIX path cannot carry but the sampler's name field
// may. Lookups must normalize both sides the same way.
func displayName(raw [maxNameLength]byte) string {
	return strings.ReplaceAll(strip(raw), "/", "?")
}

// namesEqual compares two on-disk names using the same normalization
// applied on both sides, so a lossy '/' -> '?' mapping never causes a
// spurious match or miss.
func namesEqual(a, b [maxNameLength]byte) bool {
	return bytes.Equal(
		[]byte(displayName(a)),
		[]byte(displayName(b)),
	)
}
