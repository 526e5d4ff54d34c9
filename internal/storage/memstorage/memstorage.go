// Package memstorage is an in-memory implementation of storage.Storage
// (spec.md §9: "the storage backend (disk today, memory for tests)"),
// for torrent orchestrator tests that shouldn't touch a filesystem.
package memstorage

import (
	"sync"

	"github.com/popcorn-fx/torrent-engine/internal/storage"
)

// MemStorage keeps every file's bytes in a map, growing files on
// write exactly like the disk-backed implementation (sparse regions
// read back as zero).
type MemStorage struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// New returns an empty MemStorage.
func New() *MemStorage {
	return &MemStorage{files: make(map[string][]byte)}
}

// Write extends the file if needed and writes data at offset.
func (m *MemStorage) Write(path string, offset int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.files[path]
	need := offset + int64(len(data))
	if int64(len(f)) < need {
		grown := make([]byte, need)
		copy(grown, f)
		f = grown
	}
	copy(f[offset:], data)
	m.files[path] = f
	return nil
}

// Read returns ErrUnexpectedEOF if the range isn't fully backed.
func (m *MemStorage) Read(path string, r storage.Range) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[path]
	if !ok {
		return nil, storage.ErrUnavailable
	}
	if r.End > int64(len(f)) {
		return nil, storage.ErrUnexpectedEOF
	}
	out := make([]byte, r.Len())
	copy(out, f[r.Begin:r.End])
	return out, nil
}

// ReadWithPadding zero-pads any missing tail instead of failing.
func (m *MemStorage) ReadWithPadding(path string, r storage.Range) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, r.Len())
	f, ok := m.files[path]
	if !ok {
		return out, nil
	}
	copy(out, sliceFrom(f, r.Begin))
	return out, nil
}

func sliceFrom(b []byte, begin int64) []byte {
	if begin >= int64(len(b)) {
		return nil
	}
	return b[begin:]
}

// ReadAll reads the whole file.
func (m *MemStorage) ReadAll(path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[path]
	if !ok {
		return nil, storage.ErrUnavailable
	}
	out := make([]byte, len(f))
	copy(out, f)
	return out, nil
}

// Allocate ensures path exists and is at least length bytes.
func (m *MemStorage) Allocate(path string, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.files[path]
	if int64(len(f)) < length {
		grown := make([]byte, length)
		copy(grown, f)
		m.files[path] = grown
	} else if f == nil {
		m.files[path] = make([]byte, length)
	}
	return nil
}

// Sync is a no-op: there is no backing file to fsync.
func (m *MemStorage) Sync(path string) error { return nil }

// Close is a no-op: there are no file handles to release.
func (m *MemStorage) Close() error { return nil }
