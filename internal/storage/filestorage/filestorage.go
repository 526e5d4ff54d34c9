// Package filestorage is the disk-backed implementation of
// storage.Storage (spec.md §4.1), including the part-file used to
// hold bytes for excluded (priority=None) files.
package filestorage

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/popcorn-fx/torrent-engine/internal/storage"
)

// FileStorage implements storage.Storage against a base directory on
// disk. A per-path file handle cache is guarded by an RWMutex;
// reads/writes to different paths proceed without contending on that
// lock once the handle is cached (spec.md §5 "reads and writes to
// different files proceed in parallel").
type FileStorage struct {
	dest string

	mu      sync.RWMutex
	handles map[string]*os.File

	part *partFile
}

// New opens (creating if necessary) a FileStorage rooted at dest. The
// short info hash names the part file, e.g. ".deadbeef....parts".
func New(dest string, shortInfoHash [20]byte) (*FileStorage, error) {
	if err := os.MkdirAll(dest, 0750); err != nil {
		return nil, err
	}
	partName := fmt.Sprintf(".%s.parts", hex.EncodeToString(shortInfoHash[:]))
	pf, err := newPartFile(filepath.Join(dest, partName))
	if err != nil {
		return nil, err
	}
	return &FileStorage{
		dest:    dest,
		handles: make(map[string]*os.File),
		part:    pf,
	}, nil
}

// Dest returns the storage's base directory.
func (s *FileStorage) Dest() string { return s.dest }

func (s *FileStorage) resolve(path string) (string, error) {
	full := filepath.Join(s.dest, filepath.FromSlash(path))
	// Defense in depth: filepool.validatePath already rejects escaping
	// paths at the string level before reaching here; re-check with the
	// resolved absolute form so a bug upstream can't write outside dest.
	rel, err := filepath.Rel(s.dest, full)
	if err != nil || rel == ".." || len(rel) >= 3 && rel[:3] == "../" {
		return "", storage.ErrInvalidFilepath
	}
	return full, nil
}

func (s *FileStorage) handle(path string, create bool) (*os.File, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	f, ok := s.handles[full]
	s.mu.RUnlock()
	if ok {
		return f, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok = s.handles[full]; ok {
		return f, nil
	}
	if create {
		if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
			return nil, err
		}
	}
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err = os.OpenFile(full, flags, 0640)
	if err != nil {
		if !create && os.IsNotExist(err) {
			return nil, storage.ErrUnavailable
		}
		return nil, err
	}
	s.handles[full] = f
	return f, nil
}

// Write extends the file if needed (sparse, zero-filled gap) and
// writes data at offset.
func (s *FileStorage) Write(path string, offset int64, data []byte) error {
	f, err := s.handle(path, true)
	if err != nil {
		return err
	}
	_, err = f.WriteAt(data, offset)
	return err
}

// Sync fsyncs path's file handle (opening it if it isn't cached yet)
// so prior writes are durable. A no-op if path doesn't exist on disk.
func (s *FileStorage) Sync(path string) error {
	f, err := s.handle(path, false)
	if err != nil {
		if err == storage.ErrUnavailable {
			return nil
		}
		return err
	}
	return f.Sync()
}

// Read returns ErrUnexpectedEOF if the range isn't fully backed by the
// file.
func (s *FileStorage) Read(path string, r storage.Range) ([]byte, error) {
	f, err := s.handle(path, false)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, r.Len())
	n, err := f.ReadAt(buf, r.Begin)
	if err == io.EOF || (err == nil && int64(n) < r.Len()) {
		return nil, storage.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadWithPadding zero-pads any missing tail rather than failing.
func (s *FileStorage) ReadWithPadding(path string, r storage.Range) ([]byte, error) {
	f, err := s.handle(path, false)
	if err != nil {
		if err == storage.ErrUnavailable {
			return make([]byte, r.Len()), nil
		}
		return nil, err
	}
	buf := make([]byte, r.Len())
	n, err := f.ReadAt(buf, r.Begin)
	if err != nil && err != io.EOF {
		return nil, err
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return buf, nil
}

// Allocate ensures path exists and is at least length bytes, creating
// parent directories and extending (sparsely) as needed, without
// touching any bytes already present. Used by internal/allocator to
// pre-size files before downloads begin.
func (s *FileStorage) Allocate(path string, length int64) error {
	f, err := s.handle(path, true)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() >= length {
		return nil
	}
	return f.Truncate(length)
}

// ReadAll reads the entire file.
func (s *FileStorage) ReadAll(path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full) // #nosec G304 -- path validated by resolve/filepool.validatePath
}

// Close releases every cached file handle.
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.handles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.handles = make(map[string]*os.File)
	if err := s.part.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// WritePart writes bytes belonging to an excluded (priority=None)
// file's range into the shared part file.
func (s *FileStorage) WritePart(path string, fileLength, offset int64, data []byte) error {
	return s.part.Write(path, fileLength, offset, data)
}

// ReadPart reads bytes previously written with WritePart.
func (s *FileStorage) ReadPart(path string, fileLength int64, r storage.Range) ([]byte, error) {
	return s.part.Read(path, fileLength, r)
}

// MigrateFromPart copies every byte stored for path out of the part
// file into the real on-disk file, per spec.md §4.1: "when a file
// transitions None→Normal, its already-stored bytes move from
// part-file to the real file before new writes resume." It is a
// no-op if nothing was ever written to the part file for this path.
func (s *FileStorage) MigrateFromPart(path string, length int64) error {
	data, ok, err := s.part.ReadAllIfPresent(path, length)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := s.Write(path, 0, data); err != nil {
		return err
	}
	return s.part.Forget(path)
}
