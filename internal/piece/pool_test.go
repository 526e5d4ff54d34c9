package piece

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func buildPool(n int, length uint32) *Pool {
	pieces := make([]*Piece, n)
	for i := 0; i < n; i++ {
		pieces[i] = NewPiece(uint32(i), int64(i)*int64(length), length, make([]byte, 20), nil)
	}
	return NewPool(pieces)
}

func TestWantedPiecesExcludesNonePriority(t *testing.T) {
	pool := buildPool(3, BlockSize)
	pool.SetPriorityExact(0, PriorityNormal)
	pool.SetPriorityExact(1, PriorityNone)
	pool.SetPriorityExact(2, PriorityHigh)

	wanted := pool.WantedPieces()
	assert.Len(t, wanted, 2)
	assert.EqualValues(t, 2, wanted[0].Index, "expected highest priority piece first")
}

func TestSetPartCompletedRollsUp(t *testing.T) {
	pool := buildPool(1, BlockSize*2)
	pool.SetPriorityExact(0, PriorityNormal)
	assert.False(t, pool.SetPartCompleted(0, 0), "piece should not be complete after one of two blocks")
	assert.True(t, pool.SetPartCompleted(0, 1), "piece should be complete after both blocks")
}

func TestClearCompletedResetsParts(t *testing.T) {
	pool := buildPool(1, BlockSize)
	pool.SetCompleted(0)
	assert.True(t, pool.IsPieceCompleted(0))
	pool.ClearCompleted(0)
	assert.False(t, pool.IsPieceCompleted(0))
	assert.False(t, pool.Get(0).AllPartsCompleted(), "expected parts reset after clear")
}

func TestIsCompletedRespectsPriority(t *testing.T) {
	pool := buildPool(2, BlockSize)
	pool.SetPriorityExact(0, PriorityNormal)
	pool.SetPriorityExact(1, PriorityNone)
	pool.SetCompleted(0)
	assert.True(t, pool.IsCompleted(false), "expected completed==true when only wanted pieces are done")
	assert.False(t, pool.IsCompleted(true), "expected completed==false for all=true with piece 1 missing")
}
