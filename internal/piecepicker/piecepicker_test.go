package piecepicker

import (
	"testing"

	"github.com/popcorn-fx/torrent-engine/internal/peer"
	"github.com/popcorn-fx/torrent-engine/internal/peerconn"
	"github.com/popcorn-fx/torrent-engine/internal/piece"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeer() *peer.Peer {
	return peer.New(&peerconn.Conn{}, 0)
}

func testPool(n int) *piece.Pool {
	pieces := make([]*piece.Piece, n)
	for i := range pieces {
		pieces[i] = piece.NewPiece(uint32(i), int64(i)*1024, 1024, make([]byte, 20), nil)
		pieces[i].Priority = piece.PriorityNormal
	}
	return piece.NewPool(pieces)
}

func TestPickPrefersRarestWithinSamePriority(t *testing.T) {
	pool := testPool(3)
	pp := New(pool, false)

	a := newTestPeer()
	b := newTestPeer()

	pp.HandleHave(a, 0)
	pp.HandleHave(a, 1)
	pp.HandleHave(a, 2)
	pp.HandleHave(b, 1) // piece 1 has availability 2, others have 1

	got := pp.Pick(a)
	require.NotNil(t, got)
	assert.NotEqual(t, uint32(1), got.Index, "expected a rarer piece than 1")
}

func TestPickSkipsPieceAlreadyDownloading(t *testing.T) {
	pool := testPool(1)
	pp := New(pool, false)
	a := newTestPeer()
	b := newTestPeer()

	pp.HandleHave(a, 0)
	pp.HandleHave(b, 0)

	first := pp.Pick(a)
	require.NotNil(t, first)
	assert.EqualValues(t, 0, first.Index)
	assert.Nil(t, pp.Pick(b), "expected no pick for b while a owns piece 0")
}

func TestHandleCancelDownloadReleasesPiece(t *testing.T) {
	pool := testPool(1)
	pp := New(pool, false)
	a := newTestPeer()
	b := newTestPeer()
	pp.HandleHave(a, 0)
	pp.HandleHave(b, 0)

	pp.Pick(a)
	pp.HandleCancelDownload(a, 0)

	assert.NotNil(t, pp.Pick(b), "expected b to be able to pick piece 0 after a's cancel")
}

func TestHandleDisconnectReleasesAndForgetsAvailability(t *testing.T) {
	pool := testPool(1)
	pp := New(pool, false)
	a := newTestPeer()
	pp.HandleHave(a, 0)
	pp.Pick(a)

	pp.HandleDisconnect(a)

	assert.False(t, pp.DoesHave(a, 0), "expected disconnect to forget peer's have-set")
	assert.EqualValues(t, 0, pool.Get(0).Availability)
}

func TestSequentialPicksLowestIndexFirst(t *testing.T) {
	pool := testPool(3)
	pp := New(pool, true)
	a := newTestPeer()
	pp.HandleHave(a, 2)
	pp.HandleHave(a, 0)
	pp.HandleHave(a, 1)

	got := pp.Pick(a)
	require.NotNil(t, got)
	assert.EqualValues(t, 0, got.Index, "expected sequential pick of piece 0")
}
