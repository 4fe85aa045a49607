// Package emu3fs opens E-mu EIII/EIV sampler disk images and exposes the
// sampler's proprietary on-disk filesystem as a mountable, POSIX-shaped
// filesystem.FileSystem. It does not concern itself with partition
// tables or container formats: an emu3/emu4 image occupies its backing
// device whole, from block 0.
package emu3fs

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/dagargo/go-emu3fs/backend"
	"github.com/dagargo/go-emu3fs/backend/file"
	"github.com/dagargo/go-emu3fs/filesystem/emu3"
)

// MountName is one of the two names a device or image is mounted under;
// it selects the on-disk layout variant.
type MountName string

const (
	// MountEMU3 mounts the v3 layout: files may not live at the root.
	MountEMU3 MountName = "emu3"
	// MountEMU4 mounts the v4 layout: files may live at the root and may
	// be renamed between the root and a subdirectory.
	MountEMU4 MountName = "emu4"
)

// Variant reports the on-disk layout variant a mount name selects, for
// callers that need to lay out a geometry before a FileSystem exists to
// mount.
func (m MountName) Variant() (emu3.Variant, error) {
	switch m {
	case MountEMU3:
		return emu3.V3, nil
	case MountEMU4:
		return emu3.V4, nil
	default:
		return 0, fmt.Errorf("unknown mount name %q, must be %q or %q", m, MountEMU3, MountEMU4)
	}
}

// Open mounts the image at path under the given mount name. The path
// must already exist; use Create to lay down a fresh image first. log
// may be nil, in which case the package's standard logger is used.
func Open(path string, mount MountName, readOnly bool, log *logrus.Logger) (*emu3.FileSystem, error) {
	variant, err := mount.Variant()
	if err != nil {
		return nil, err
	}
	storage, err := file.OpenFromPath(path, readOnly)
	if err != nil {
		return nil, err
	}
	return emu3.Open(storage, variant, log)
}

// OpenStorage mounts an already-open backend.Storage, for callers that
// manage the underlying device themselves (e.g. to mount a block device
// opened with platform-specific flags).
func OpenStorage(storage backend.Storage, mount MountName, log *logrus.Logger) (*emu3.FileSystem, error) {
	variant, err := mount.Variant()
	if err != nil {
		return nil, err
	}
	return emu3.Open(storage, variant, log)
}

// ErrImageExists is returned by Create when path already exists; Create
// refuses to overwrite an existing image, keeping "must not exist" and
// "must exist" as two distinct entry points.
var ErrImageExists = errors.New("emu3fs: image already exists")

// Create allocates a new, zeroed image file of the given size in bytes
// and returns a backend.Storage over it, ready for a formatting tool to
// lay down a superblock, root area, cluster list and bitmap. It does not
// itself write any emu3 structure, and this repository contains no such
// formatting tool; formatting is left to the caller.
func Create(path string, size int64) (backend.Storage, error) {
	if size <= 0 {
		return nil, fmt.Errorf("emu3fs: invalid image size %d", size)
	}
	if _, err := os.Stat(path); err == nil {
		return nil, ErrImageExists
	}
	return file.CreateFromPath(path, size)
}
