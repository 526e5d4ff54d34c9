// Package allocator pre-creates and sizes every non-padding file of a
// torrent on disk before downloading or hash-checking begins
// (spec.md §4.1).
package allocator

import (
	"github.com/popcorn-fx/torrent-engine/internal/filepool"
	"github.com/popcorn-fx/torrent-engine/internal/storage"
)

// Progress reports running allocated-byte totals, sent to a caller's
// progress channel as each file completes.
type Progress struct {
	AllocatedSize int64
}

// Allocator walks a FilePool, sizing each file on disk to its final
// length. Padding files (BEP47) are skipped: they contribute to the
// byte layout but have no disk presence.
type Allocator struct {
	Error error
}

// New builds an Allocator.
func New() *Allocator {
	return &Allocator{}
}

// Run allocates every file in pool against store, reporting running
// totals on progressC and sending itself on resultC when done (with
// Error set if allocation failed partway through). Intended to run in
// its own goroutine, mirroring the progress/result channel pattern
// used throughout the torrent orchestrator's background workers.
func (a *Allocator) Run(files *filepool.Pool, store storage.Storage, progressC chan Progress, resultC chan *Allocator) {
	var allocated int64
	for _, f := range files.All() {
		if f.IsPadding() {
			continue
		}
		if err := store.Allocate(f.TorrentPath, f.Length); err != nil {
			a.Error = err
			resultC <- a
			return
		}
		allocated += f.Length
		select {
		case progressC <- Progress{AllocatedSize: allocated}:
		default:
		}
	}
	resultC <- a
}
