package filestorage

import (
	"io"
	"os"
	"sync"

	"github.com/popcorn-fx/torrent-engine/internal/storage"
)

// partFile is a single sparse file holding bytes for files whose
// priority is None (spec.md §4.1). Each tracked path is assigned a
// fixed-size slot sized to that file's length; slots never move once
// assigned, so concurrent writers touching disjoint files never
// contend beyond the index lock.
type partFile struct {
	mu   sync.Mutex
	f    *os.File
	next int64
	slot map[string]int64 // path -> offset within the part file
}

func newPartFile(path string) (*partFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, err
	}
	return &partFile{f: f, slot: make(map[string]int64)}, nil
}

// offsetFor returns the slot offset for path, reserving fileLength
// bytes for it if this is the first time path is seen.
func (p *partFile) offsetFor(path string, fileLength int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	off, ok := p.slot[path]
	if ok {
		return off
	}
	off = p.next
	p.slot[path] = off
	p.next += fileLength
	return off
}

// Write stores data at offset within path's logical range.
func (p *partFile) Write(path string, fileLength, offset int64, data []byte) error {
	base := p.offsetFor(path, fileLength)
	_, err := p.f.WriteAt(data, base+offset)
	return err
}

// Read returns r's bytes from path's logical range. Returns
// ErrUnexpectedEOF if the slot has never been written that far.
func (p *partFile) Read(path string, fileLength int64, r storage.Range) ([]byte, error) {
	p.mu.Lock()
	base, ok := p.slot[path]
	p.mu.Unlock()
	if !ok {
		return nil, storage.ErrUnexpectedEOF
	}
	buf := make([]byte, r.Len())
	n, err := p.f.ReadAt(buf, base+r.Begin)
	if err == io.EOF || (err == nil && int64(n) < r.Len()) {
		return nil, storage.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadAllIfPresent returns the full logical range for path, if path
// has ever been written to the part file.
func (p *partFile) ReadAllIfPresent(path string, length int64) ([]byte, bool, error) {
	p.mu.Lock()
	base, ok := p.slot[path]
	p.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	buf := make([]byte, length)
	n, err := p.f.ReadAt(buf, base)
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return buf, true, nil
}

// Forget drops path's slot from the index. The underlying bytes in
// the sparse file are left in place (the slot is simply never reused
// in this process lifetime). The part file is opened without
// truncation, so those bytes stay on disk across restarts, but the
// slot index starts empty each run.
func (p *partFile) Forget(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.slot, path)
	return nil
}

func (p *partFile) Close() error {
	return p.f.Close()
}
