// Package verifier hash-checks every piece of a torrent already
// present on disk before downloading begins (spec.md §4.1 "hash_check"
// driven across a whole torrent at once, mirroring internal/allocator's
// single-pass-over-the-pool shape).
package verifier

import (
	"github.com/popcorn-fx/torrent-engine/internal/filepool"
	"github.com/popcorn-fx/torrent-engine/internal/hashcheck"
	"github.com/popcorn-fx/torrent-engine/internal/piece"
	"github.com/popcorn-fx/torrent-engine/internal/storage"
)

// Progress reports a running checked-piece count, sent to a caller's
// progress channel as each piece finishes hashing.
type Progress struct {
	Checked uint32
}

// Verifier walks a piece pool's pieces in order, reading each from
// store and comparing against its recorded hash.
type Verifier struct {
	Error error
}

// New builds a Verifier.
func New() *Verifier {
	return &Verifier{}
}

// hashSource adapts a piece.Pool's per-index hashes to
// hashcheck.Source without introducing an import cycle.
type hashSource struct {
	pool *piece.Pool
}

func (s hashSource) HashV1(index uint32) []byte {
	if pc := s.pool.Get(index); pc != nil {
		return pc.HashV1
	}
	return nil
}

func (s hashSource) HashV2(index uint32) []byte {
	if pc := s.pool.Get(index); pc != nil {
		return pc.HashV2
	}
	return nil
}

// Run reads and verifies every piece in pool against store, setting
// the pool's completion bit for pieces that match. Missing files
// (storage.ErrUnavailable) are treated as "not yet downloaded" rather
// than an error. Progress is reported on progressC; the Verifier
// itself is sent on resultC when done, mirroring allocator's
// progress/result channel convention.
func (v *Verifier) Run(pool *piece.Pool, files *filepool.Pool, store storage.Storage, progressC chan Progress, resultC chan *Verifier) {
	src := hashSource{pool: pool}
	var checked uint32
	for i := 0; i < pool.Len(); i++ {
		index := uint32(i)
		pc := pool.Get(index)
		if pc == nil {
			continue
		}
		ok, err := v.verifyPiece(src, index, pc, files, store)
		if err != nil {
			v.Error = err
			resultC <- v
			return
		}
		if ok {
			pool.SetCompleted(index)
		}
		checked++
		select {
		case progressC <- Progress{Checked: checked}:
		default:
		}
	}
	resultC <- v
}

// verifyPiece reads every byte of piece index from the file(s) it
// overlaps, tolerating not-yet-allocated files, then runs the hash
// check. A read error distinct from "file doesn't exist yet" aborts
// the whole run since it indicates a storage fault, not a missing
// download.
func (v *Verifier) verifyPiece(src hashSource, index uint32, pc *piece.Piece, files *filepool.Pool, store storage.Storage) (bool, error) {
	data := make([]byte, 0, pc.Length)
	remaining := int64(pc.Length)
	offset := pc.Offset
	for remaining > 0 {
		fi := files.FileIndexAtOffset(offset)
		if fi == -1 {
			// Past the last file (padding tail); treat as incomplete.
			return false, nil
		}
		f := files.Get(fi)
		within := offset - f.TorrentOffset
		n := f.Length - within
		if n > remaining {
			n = remaining
		}
		if f.IsPadding() {
			data = append(data, hashcheck.PaddingZeros(int(n))...)
		} else {
			chunk, err := store.ReadWithPadding(f.TorrentPath, storage.Range{Begin: within, End: within + n})
			if err != nil {
				if err == storage.ErrUnavailable {
					return false, nil
				}
				return false, err
			}
			data = append(data, chunk...)
		}
		offset += n
		remaining -= n
	}
	return hashcheck.Verify(src, index, data)
}
