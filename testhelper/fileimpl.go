package testhelper

import (
	"fmt"
	"os"

	"github.com/dagargo/go-emu3fs/backend"
)

type reader func(b []byte, offset int64) (int, error)
type writer func(b []byte, offset int64) (int, error)

// FileImpl implements backend.Storage by delegating reads and writes to
// caller-supplied closures, for tests that want to stub out a backing
// device (e.g. to inject read/write errors at specific offsets) without
// standing up a real in-memory disk image.
type FileImpl struct {
	Reader reader
	Writer writer
}

var _ backend.Storage = (*FileImpl)(nil)

func (f *FileImpl) Stat() (os.FileInfo, error) {
	return nil, nil
}

func (f *FileImpl) Read(b []byte) (int, error) {
	return f.Reader(b, 0)
}

func (f *FileImpl) Close() error {
	return nil
}

// ReadAt read at a particular offset
func (f *FileImpl) ReadAt(b []byte, offset int64) (int, error) {
	return f.Reader(b, offset)
}

// WriteAt write at a particular offset
func (f *FileImpl) WriteAt(b []byte, offset int64) (int, error) {
	return f.Writer(b, offset)
}

// Seek seek a particular offset - does not actually work
//
//nolint:unused,revive // to implement the interface
func (f *FileImpl) Seek(offset int64, whence int) (int64, error) {
	return 0, fmt.Errorf("FileImpl does not implement Seek()")
}

// Sys has no OS-specific file backing a stubbed reader/writer pair.
func (f *FileImpl) Sys() (*os.File, error) {
	return nil, fmt.Errorf("FileImpl has no underlying os.File")
}

// Writable returns f itself: the Writer closure is always available,
// regardless of any notion of an open mode.
func (f *FileImpl) Writable() (backend.WritableFile, error) {
	return f, nil
}
