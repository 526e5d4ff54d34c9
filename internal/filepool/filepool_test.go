package filepool

import (
	"testing"

	"github.com/popcorn-fx/torrent-engine/internal/metainfo"
	"github.com/popcorn-fx/torrent-engine/internal/piece"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLaysOutOffsetsAndPieceRanges(t *testing.T) {
	infos := []metainfo.FileInfo{
		{Path: []string{"a.bin"}, Length: 10},
		{Path: []string{"b.bin"}, Length: 30},
	}
	pool, err := Build(infos, 16)
	require.NoError(t, err)
	a := pool.Get(0)
	b := pool.Get(1)
	assert.EqualValues(t, 0, a.TorrentOffset)
	assert.EqualValues(t, 10, b.TorrentOffset)
	assert.EqualValues(t, 0, a.PieceStart)
	assert.EqualValues(t, 1, a.PieceEnd)
	// b spans bytes [10,40): pieces 0 (10-16), 1 (16-32), 2 (32-40)
	assert.EqualValues(t, 0, b.PieceStart)
	assert.EqualValues(t, 3, b.PieceEnd)
}

func TestBuildRejectsEscapingPath(t *testing.T) {
	infos := []metainfo.FileInfo{{Path: []string{"..", "etc", "passwd"}, Length: 1}}
	_, err := Build(infos, 16)
	assert.Error(t, err)
}

func TestFileIndexAtOffset(t *testing.T) {
	infos := []metainfo.FileInfo{
		{Path: []string{"a.bin"}, Length: 10},
		{Path: []string{"b.bin"}, Length: 30},
	}
	pool, err := Build(infos, 16)
	require.NoError(t, err)
	assert.Equal(t, 0, pool.FileIndexAtOffset(5))
	assert.Equal(t, 1, pool.FileIndexAtOffset(20))
	assert.Equal(t, -1, pool.FileIndexAtOffset(100))
}

func TestPropagatePriorityTakesMaxAcrossOverlappingFiles(t *testing.T) {
	infos := []metainfo.FileInfo{
		{Path: []string{"a.bin"}, Length: 10},
		{Path: []string{"b.bin"}, Length: 30},
	}
	pool, err := Build(infos, 16)
	require.NoError(t, err)
	pieces := piece.NewPool([]*piece.Piece{
		piece.NewPiece(0, 0, 16, nil, nil),
		piece.NewPiece(1, 16, 16, nil, nil),
		piece.NewPiece(2, 32, 8, nil, nil),
	})
	pool.PropagatePriority(pieces, 1, piece.PriorityHigh) // b.bin -> pieces 0,1,2
	assert.Equal(t, piece.PriorityHigh, pieces.Get(0).Priority)
	pool.PropagatePriority(pieces, 0, piece.PriorityNow) // a.bin -> piece 0 only
	assert.Equal(t, piece.PriorityNow, pieces.Get(0).Priority)
	assert.Equal(t, piece.PriorityHigh, pieces.Get(1).Priority, "expected piece 1 to remain High (not overlapped by a.bin)")
}
