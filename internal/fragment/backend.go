package fragment

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Backend holds the reconstructed bytes of one file.
// Writes past the current end zero-fill the gap.
type Backend interface {
	io.WriterAt
	io.ReaderAt
	Truncate(size int64) error
	Size() (int64, error)
	Sync() error
	Close() error
}

// MemBackend is an in-memory Backend.
type MemBackend struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemBackend returns an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{}
}

func (m *MemBackend) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		if end > int64(cap(m.data)) {
			grown := make([]byte, end, end+end/4)
			copy(grown, m.data)
			m.data = grown
		} else {
			old := len(m.data)
			m.data = m.data[:end]
			clear(m.data[old:])
		}
	}
	copy(m.data[off:end], p)
	return len(p), nil
}

func (m *MemBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemBackend) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("negative size %d", size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if size <= int64(len(m.data)) {
		m.data = m.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.data)
	m.data = grown
	return nil
}

func (m *MemBackend) Size() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data)), nil
}

// Bytes returns a copy of the current contents.
func (m *MemBackend) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

func (m *MemBackend) Sync() error  { return nil }
func (m *MemBackend) Close() error { return nil }

// FileBackend is a sparse destination file on disk.
type FileBackend struct {
	path string
	f    *os.File
}

// OpenFileBackend opens (creating if needed) the destination file without truncating it.
func OpenFileBackend(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination file: %w", err)
	}
	return &FileBackend{path: path, f: f}, nil
}

// Path returns the destination pathname.
func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) WriteAt(p []byte, off int64) (int, error) { return b.f.WriteAt(p, off) }
func (b *FileBackend) ReadAt(p []byte, off int64) (int, error)  { return b.f.ReadAt(p, off) }
func (b *FileBackend) Truncate(size int64) error                { return b.f.Truncate(size) }
func (b *FileBackend) Sync() error                              { return b.f.Sync() }
func (b *FileBackend) Close() error                             { return b.f.Close() }

func (b *FileBackend) Size() (int64, error) {
	info, err := b.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
