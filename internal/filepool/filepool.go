// Package filepool implements the File data model and FilePool
// indexed collection from spec.md §3 and §4.2.
package filepool

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/popcorn-fx/torrent-engine/internal/metainfo"
	"github.com/popcorn-fx/torrent-engine/internal/piece"
)

// File is the data-model type from spec.md §3.
type File struct {
	Index        int
	TorrentPath  string // relative, validated, slash-separated
	TorrentOffset int64
	Length       int64
	Attributes   string
	Priority     piece.Priority

	// PieceStart/PieceEnd is the half-open range of piece indices that
	// overlap this file.
	PieceStart, PieceEnd uint32
}

// IsPadding reports whether this is a BEP47 padding file: it
// contributes bytes to the layout but has no disk presence.
func (f *File) IsPadding() bool {
	return strings.ContainsRune(f.Attributes, 'p')
}

// Pool is the FilePool from spec.md §4.2: files ordered by
// TorrentOffset, never overlapping, each knowing which pieces it
// spans.
type Pool struct {
	mu    sync.RWMutex
	files []*File
}

// Build lays out files from parsed torrent metadata against a given
// piece length, computing each file's byte offset and overlapping
// piece range. Files are ordered exactly as they appear in the info
// dictionary (spec.md §3 invariant: "files are ordered by
// torrent_offset").
func Build(infos []metainfo.FileInfo, pieceLength int64) (*Pool, error) {
	files := make([]*File, len(infos))
	var offset int64
	for i, fi := range infos {
		p, err := validatePath(fi.Path)
		if err != nil {
			return nil, err
		}
		f := &File{
			Index:         i,
			TorrentPath:   p,
			TorrentOffset: offset,
			Length:        fi.Length,
			Attributes:    fi.Attributes,
		}
		f.PieceStart = uint32(offset / pieceLength)
		end := offset + fi.Length
		if fi.Length == 0 {
			f.PieceEnd = f.PieceStart
		} else {
			f.PieceEnd = uint32((end - 1) / pieceLength) + 1
		}
		files[i] = f
		offset += fi.Length
	}
	return &Pool{files: files}, nil
}

// validatePath canonicalizes a torrent-supplied relative path
// purely at the string level (spec.md §4.1: "does not touch the
// filesystem") and rejects anything that would escape the storage
// root.
func validatePath(parts []string) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("filepool: empty path")
	}
	cleaned := filepath.ToSlash(filepath.Clean(strings.Join(parts, "/")))
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("filepool: invalid path %q", parts)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("filepool: path %q escapes storage root", parts)
	}
	return cleaned, nil
}

// Get returns the file at index, or nil.
func (p *Pool) Get(index int) *File {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if index < 0 || index >= len(p.files) {
		return nil
	}
	return p.files[index]
}

// Len returns the file count.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.files)
}

// All returns every file, in torrent order.
func (p *Pool) All() []*File {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*File, len(p.files))
	copy(out, p.files)
	return out
}

// FileIndexAtOffset returns the file containing the given absolute
// torrent offset, via binary search since files are offset-ordered.
func (p *Pool) FileIndexAtOffset(offset int64) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	lo, hi := 0, len(p.files)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		f := p.files[mid]
		if offset < f.TorrentOffset {
			hi = mid - 1
		} else if offset >= f.TorrentOffset+f.Length {
			lo = mid + 1
		} else {
			return mid
		}
	}
	return -1
}

// FileIndexForPiece returns the first file overlapping the given
// piece index, or -1.
func (p *Pool) FileIndexForPiece(index uint32) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i, f := range p.files {
		if index >= f.PieceStart && index < f.PieceEnd {
			return i
		}
	}
	return -1
}

// ByName finds a file by its full relative path.
func (p *Pool) ByName(name string) *File {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, f := range p.files {
		if f.TorrentPath == name {
			return f
		}
	}
	return nil
}

// Largest returns the file with the greatest length, or nil if empty.
func (p *Pool) Largest() *File {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var best *File
	for _, f := range p.files {
		if best == nil || f.Length > best.Length {
			best = f
		}
	}
	return best
}

// SetPriority sets a file's priority directly (no piece propagation;
// callers use PiecePool.SetPriority via the propagation helper below
// to implement spec.md §4.2's "every piece overlapping that file
// inherits the maximum of (its current priority, the new file
// priority)").
func (p *Pool) SetPriority(index int, priority piece.Priority) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.files) {
		return
	}
	p.files[index].Priority = priority
}

// PropagatePriority applies the file-priority-change rule from
// spec.md §4.2 to the given PiecePool: every piece overlapping the
// file is raised to at least the file's new priority, and to at least
// the priority of any other file that also overlaps it (two files can
// share a piece at a boundary). A piece is never lowered by this call.
func (p *Pool) PropagatePriority(pieces *piece.Pool, index int, priority piece.Priority) {
	p.mu.Lock()
	f := p.files[index]
	f.Priority = priority
	p.mu.Unlock()

	for idx := f.PieceStart; idx < f.PieceEnd; idx++ {
		max := priority
		p.mu.RLock()
		for _, other := range p.files {
			if other.Index == index {
				continue
			}
			if idx >= other.PieceStart && idx < other.PieceEnd && other.Priority > max {
				max = other.Priority
			}
		}
		p.mu.RUnlock()
		pieces.SetPriority(idx, max)
	}
}
