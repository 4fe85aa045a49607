package emu3

import (
	"io"
	"io/fs"
	"os"

	"github.com/dagargo/go-emu3fs/backend"
)

// memStorage is a minimal in-memory backend.Storage used to exercise the
// block and directory engines without touching the host filesystem.
type memStorage struct {
	data []byte
}

func newMemStorage(size int64) *memStorage {
	return &memStorage{data: make([]byte, size)}
}

func (m *memStorage) Stat() (fs.FileInfo, error)            { return nil, nil }
func (m *memStorage) Sys() (*os.File, error)                { return nil, nil }
func (m *memStorage) Close() error                          { return nil }
func (m *memStorage) Seek(offset int64, whence int) (int64, error) { return offset, nil }

func (m *memStorage) Read(p []byte) (int, error) { return m.ReadAt(p, 0) }

func (m *memStorage) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memStorage) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:end], p)
	return len(p), nil
}

func (m *memStorage) Writable() (backend.WritableFile, error) { return writableMemStorage{m}, nil }

type writableMemStorage struct{ m *memStorage }

func (w writableMemStorage) Stat() (fs.FileInfo, error)                 { return w.m.Stat() }
func (w writableMemStorage) Sys() (*os.File, error)                     { return w.m.Sys() }
func (w writableMemStorage) Close() error                               { return nil }
func (w writableMemStorage) Read(p []byte) (int, error)                 { return w.m.Read(p) }
func (w writableMemStorage) ReadAt(p []byte, off int64) (int, error)    { return w.m.ReadAt(p, off) }
func (w writableMemStorage) WriteAt(p []byte, off int64) (int, error)   { return w.m.WriteAt(p, off) }
func (w writableMemStorage) Seek(offset int64, whence int) (int64, error) {
	return w.m.Seek(offset, whence)
}
