package piece

import (
	"sort"
	"sync"

	"github.com/popcorn-fx/torrent-engine/internal/bitfield"
)

// Pool is the PiecePool from spec.md §4.2: an ordered mapping of
// pieces sharing a completion bitfield, guarded by a single RWMutex
// (readers dominate, writers are short, per spec.md §5).
type Pool struct {
	mu       sync.RWMutex
	pieces   []*Piece
	bitfield *bitfield.Bitfield
}

// NewPool builds a pool over pieces, indexed by Piece.Index (assumed
// contiguous from 0).
func NewPool(pieces []*Piece) *Pool {
	return &Pool{
		pieces:   pieces,
		bitfield: bitfield.New(uint32(len(pieces))),
	}
}

// Get returns the piece at index, or nil if out of range.
func (p *Pool) Get(index uint32) *Piece {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if int(index) >= len(p.pieces) {
		return nil
	}
	return p.pieces[index]
}

// Len returns the total piece count.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pieces)
}

// Bitfield returns a copy of the completion bitfield (spec.md §4.2
// invariant: bitfield.len() == pieces.len()).
func (p *Pool) Bitfield() *bitfield.Bitfield {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bitfield.Copy()
}

// IsCompleted reports whether every wanted piece is completed when all
// is false, or every piece regardless of priority when all is true.
func (p *Pool) IsCompleted(all bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, pc := range p.pieces {
		if !p.bitfield.Test(pc.Index) {
			if all || pc.Priority != PriorityNone {
				return false
			}
		}
	}
	return true
}

// IsPieceCompleted reports the completion bit for a single piece.
func (p *Pool) IsPieceCompleted(index uint32) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bitfield.Test(index)
}

// SetCompleted flips the completion bit for index, the result of a
// successful hash verification (spec.md §4.1).
func (p *Pool) SetCompleted(index uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bitfield.Set(index)
}

// ClearCompleted clears the completion bit, e.g. after a hash mismatch.
func (p *Pool) ClearCompleted(index uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bitfield.Clear(index)
	if int(index) < len(p.pieces) {
		p.pieces[index].ResetParts()
	}
}

// SetPartCompleted rolls a block completion up into whole-piece
// completion, returning true if the piece just became complete.
func (p *Pool) SetPartCompleted(index uint32, blockIndex int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(index) >= len(p.pieces) {
		return false
	}
	return p.pieces[index].SetPartCompleted(blockIndex)
}

// UpdateAvailability adjusts the observed-peer count for a piece, used
// by rarest-first piece selection.
func (p *Pool) UpdateAvailability(index uint32, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(index) >= len(p.pieces) {
		return
	}
	p.pieces[index].Availability += delta
	if p.pieces[index].Availability < 0 {
		p.pieces[index].Availability = 0
	}
}

// SetPriority sets the priority of a single piece to at least the
// given value (never lowers it below an existing higher priority via
// this call — callers that need to force-lower use SetPriorityExact).
func (p *Pool) SetPriority(index uint32, priority Priority) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(index) >= len(p.pieces) {
		return
	}
	if priority > p.pieces[index].Priority {
		p.pieces[index].Priority = priority
	}
}

// SetPriorityExact sets the priority unconditionally, used by
// prioritize_pieces and when a torrent's metadata first assigns every
// piece's priority.
func (p *Pool) SetPriorityExact(index uint32, priority Priority) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(index) >= len(p.pieces) {
		return
	}
	p.pieces[index].Priority = priority
}

// InterestedPieces returns pieces that are not completed and have a
// non-None priority (spec.md §4.2 "interested_pieces").
func (p *Pool) InterestedPieces() []*Piece {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Piece
	for _, pc := range p.pieces {
		if !p.bitfield.Test(pc.Index) && pc.Priority != PriorityNone {
			out = append(out, pc)
		}
	}
	return out
}

// WantedPieces returns not-completed, non-None-priority pieces sorted
// by descending priority, and within a priority tier by ascending
// index (a stable, deterministic tie-break; callers needing
// rarest-first or sequential ordering re-sort the result, per
// spec.md §4.3's tie-break rules).
func (p *Pool) WantedPieces() []*Piece {
	out := p.InterestedPieces()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// InterestedSize returns the total byte length of not-completed,
// non-None-priority pieces (spec.md §4.2 "interested size").
func (p *Pool) InterestedSize() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var total int64
	for _, pc := range p.pieces {
		if !p.bitfield.Test(pc.Index) && pc.Priority != PriorityNone {
			total += int64(pc.Length)
		}
	}
	return total
}

// PiecePriorities returns a snapshot of every piece's priority, keyed
// by index (spec.md §4.8 piece_priorities()).
func (p *Pool) PiecePriorities() map[uint32]Priority {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[uint32]Priority, len(p.pieces))
	for _, pc := range p.pieces {
		out[pc.Index] = pc.Priority
	}
	return out
}
