// Package piece implements the Piece/Block data model (spec.md §3) and
// the PiecePool indexed collection (spec.md §4.2).
package piece

import (
	"github.com/popcorn-fx/torrent-engine/internal/bitfield"
)

// BlockSize is the standard request granularity, 16 KiB.
const BlockSize = 16 * 1024

// Priority mirrors spec.md §3's Piece.priority enum.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityNow
)

// Block is a fixed-size subunit of a Piece, the unit of peer requests.
type Block struct {
	Index  uint32 // piece index
	Begin  uint32 // byte offset within the piece
	Length uint32
}

// Piece is the data-model type from spec.md §3.
type Piece struct {
	Index      uint32
	Offset     int64 // absolute byte offset in the torrent
	Length     uint32
	HashV1     []byte // SHA-1, 20 bytes, nil if not present
	HashV2     []byte // SHA-256, 32 bytes, nil if not present
	Blocks     []Block
	Priority   Priority
	Availability int

	completedParts *bitfield.Bitfield
}

// NewPiece builds a Piece and its block list.
func NewPiece(index uint32, offset int64, length uint32, hashV1, hashV2 []byte) *Piece {
	p := &Piece{
		Index:  index,
		Offset: offset,
		Length: length,
		HashV1: hashV1,
		HashV2: hashV2,
	}
	p.Blocks = buildBlocks(index, length)
	p.completedParts = bitfield.New(uint32(len(p.Blocks)))
	return p
}

func buildBlocks(index uint32, length uint32) []Block {
	n := length / BlockSize
	rem := length % BlockSize
	if rem != 0 {
		n++
	}
	blocks := make([]Block, n)
	for i := uint32(0); i < n; i++ {
		begin := i * BlockSize
		sz := uint32(BlockSize)
		if i == n-1 && rem != 0 {
			sz = rem
		}
		blocks[i] = Block{Index: index, Begin: begin, Length: sz}
	}
	return blocks
}

// SetPartCompleted marks the block at blockIndex complete. Returns true
// if every block of the piece is now complete (spec.md §4.2's
// "set_part_completed ... rolls up to whole-piece completion").
func (p *Piece) SetPartCompleted(blockIndex int) bool {
	p.completedParts.Set(uint32(blockIndex))
	return p.completedParts.All()
}

// ResetParts clears every completed-part bit, used after a failed hash
// verification (spec.md §4.1: "all parts reset to not completed").
func (p *Piece) ResetParts() {
	p.completedParts = bitfield.New(uint32(len(p.Blocks)))
}

// PartsCompleted reports the completed/total block counts.
func (p *Piece) PartsCompleted() (completed, total uint32) {
	return p.completedParts.Count(), uint32(len(p.Blocks))
}

// AllPartsCompleted reports whether every block is marked complete.
func (p *Piece) AllPartsCompleted() bool {
	return p.completedParts.All()
}
