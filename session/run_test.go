package session

import (
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engine "github.com/popcorn-fx/torrent-engine"
	"github.com/popcorn-fx/torrent-engine/internal/bitfield"
	"github.com/popcorn-fx/torrent-engine/internal/blocklist"
	"github.com/popcorn-fx/torrent-engine/internal/downloader/piecedownloader"
	"github.com/popcorn-fx/torrent-engine/internal/metainfo"
	"github.com/popcorn-fx/torrent-engine/internal/peer"
	"github.com/popcorn-fx/torrent-engine/internal/peerconn"
	"github.com/popcorn-fx/torrent-engine/internal/piece"
	"github.com/popcorn-fx/torrent-engine/internal/storage/memstorage"
	"github.com/popcorn-fx/torrent-engine/logger"
)

// loopbackConnPair dials a real TCP loopback socket so both ends have a
// genuine *net.TCPAddr RemoteAddr, the way net.Pipe's synthetic
// addresses don't - needed to exercise IP-keyed blocklist behavior.
func loopbackConnPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedC := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptedC <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-acceptedC
	require.NotNil(t, server)
	return server, client
}

// singlePieceTestInfo builds a 4-piece, 4-bytes-per-piece torrent with
// real SHA-1 hashes, small enough to verify/corrupt by hand.
func singlePieceTestInfo() *metainfo.Info {
	data := []byte("AAAABBBBCCCCDDDD")
	const pieceLen = 4
	numPieces := uint32(len(data) / pieceLen)
	hashes := make([][]byte, numPieces)
	for i := range hashes {
		sum := sha1.Sum(data[i*pieceLen : (i+1)*pieceLen])
		hashes[i] = sum[:]
	}
	return &metainfo.Info{
		Name:        "scenario",
		PieceLength: pieceLen,
		NumPieces:   numPieces,
		PieceHashes: hashes,
		Length:      int64(len(data)),
		Files:       []metainfo.FileInfo{{Path: []string{"scenario.bin"}, Length: int64(len(data))}},
	}
}

// newTestTorrent builds a Torrent against an in-memory store, with its
// run loop never started: tests call its unexported handlers directly
// so there's no concurrent access to guard against.
func newTestTorrent(t *testing.T, banDuration time.Duration) (*Torrent, *blocklist.Blocklist) {
	t.Helper()
	info := singlePieceTestInfo()
	cfg := engine.DefaultConfig
	cfg.PeerBanDuration = banDuration
	bl := blocklist.New()
	infoHash := metainfo.InfoHash(make([]byte, 20))
	tor := NewTorrent(infoHash, info, info.Name, nil, memstorage.New(), t.TempDir(), &cfg, bl, nil, [20]byte{1}, 0, AddFlags{})
	return tor, bl
}

// fakePeer wraps one end of a real loopback TCP connection in a
// peer.Peer without starting its read/write pumps, giving tests a
// *peer.Peer with a resolvable Addr() to exercise ban/disconnect paths
// against.
func fakePeer(t *testing.T, conn net.Conn) *peer.Peer {
	t.Helper()
	pc := peerconn.New(conn, [20]byte{9}, [8]byte{}, logger.New("test"), 0, 64*1024)
	return peer.New(pc, 0)
}

// TestBanAfterConsecutiveMismatches exercises spec.md scenario 6: a
// peer that delivers bad data for the same piece three times in a row
// is banned, and reconnecting while the ban is in effect is refused at
// both the outbound dial and the inbound accept path.
func TestBanAfterConsecutiveMismatches(t *testing.T) {
	tor, bl := newTestTorrent(t, time.Hour)
	server, client := loopbackConnPair(t)
	defer server.Close()
	defer client.Close()

	pe := fakePeer(t, server)
	peerAddr := pe.Addr()
	require.NotNil(t, peerAddr)

	pc := tor.pieces.Get(0)
	bad := []byte("XXXX") // wrong bytes for piece 0's hash

	assert.False(t, bl.Blocked(peerAddr.IP), "peer should not be banned yet")
	tor.onPieceDownloaded(pe, pc, bad)
	assert.False(t, bl.Blocked(peerAddr.IP), "one mismatch shouldn't ban")
	tor.onPieceDownloaded(pe, pc, bad)
	assert.False(t, bl.Blocked(peerAddr.IP), "two mismatches shouldn't ban yet")
	tor.onPieceDownloaded(pe, pc, bad)
	assert.True(t, bl.Blocked(peerAddr.IP), "three consecutive mismatches must ban the peer")

	// Reconnect attempts within the ban window must be refused.
	tor.dialPeer(peerAddr)
	assert.Empty(t, tor.outgoingHandshakers, "dial to a banned address must be refused")

	accepted, dialer := loopbackConnPair(t)
	defer dialer.Close()
	tor.handleIncomingConn(accepted)
	assert.Empty(t, tor.incomingHandshakers, "accept from a banned address must be refused")
}

// TestMismatchCounterResetsOnSuccess ensures a peer that delivers one
// bad piece and then a good one for a different piece isn't carrying
// the mismatch toward a ban for unrelated pieces.
func TestMismatchCounterResetsOnSuccess(t *testing.T) {
	tor, bl := newTestTorrent(t, time.Hour)
	server, client := loopbackConnPair(t)
	defer server.Close()
	defer client.Close()

	pe := fakePeer(t, server)
	require.NotNil(t, pe.Addr())

	tor.onPieceDownloaded(pe, tor.pieces.Get(0), []byte("XXXX"))
	tor.onPieceDownloaded(pe, tor.pieces.Get(1), []byte("BBBB")) // correct bytes for piece 1
	assert.Empty(t, tor.mismatchCounts[pe], "a successful verify clears this peer's mismatch counters")
	assert.False(t, bl.Blocked(pe.Addr().IP))
}

// TestSequentialModeReadAhead exercises spec.md scenario 3: with
// sequential mode on, Pick hands out pieces strictly in ascending
// index order rather than rarest-first.
func TestSequentialModeReadAhead(t *testing.T) {
	tor, _ := newTestTorrent(t, time.Hour)
	tor.SequentialMode(true)

	server, client := loopbackConnPair(t)
	defer server.Close()
	defer client.Close()
	pe := fakePeer(t, server)

	full := bitfield.New(uint32(tor.pieces.Len()))
	for i := uint32(0); i < full.Len(); i++ {
		full.Set(i)
	}
	tor.picker.HandleBitfield(pe, full)

	var order []uint32
	for i := 0; i < tor.pieces.Len(); i++ {
		pc := tor.picker.Pick(pe)
		require.NotNil(t, pc)
		order = append(order, pc.Index)
		tor.picker.HandleCancelDownload(pe, pc.Index) // simulate completion, free the next pick
		tor.pieces.SetCompleted(pc.Index)
	}
	assert.Equal(t, []uint32{0, 1, 2, 3}, order, "sequential mode must read ahead in piece order")
}

// TestPrioritizePiecesCancelsInFlightDownload exercises spec.md §4.3:
// dropping a piece's priority to None cancels its in-flight download
// rather than leaving the request dangling forever.
func TestPrioritizePiecesCancelsInFlightDownload(t *testing.T) {
	tor, _ := newTestTorrent(t, time.Hour)
	server, client := loopbackConnPair(t)
	defer server.Close()
	defer client.Close()
	pe := fakePeer(t, server)

	pc := tor.pieces.Get(0)
	stopC := make(chan struct{})
	tor.pieceDownloaders[pe] = &pieceDownload{pd: piecedownloader.New(pc, pe), stopC: stopC}

	indices := []uint32{0}
	tor.PrioritizePieces(indices, piece.PriorityNone)

	select {
	case got := <-tor.priorityCancelC:
		tor.cancelDownloadsForIndices(got)
	case <-time.After(time.Second):
		t.Fatal("PrioritizePieces never signaled the run loop to cancel")
	}

	_, stillRunning := tor.pieceDownloaders[pe]
	assert.False(t, stillRunning, "dropping a piece to PriorityNone must cancel its in-flight download")
	select {
	case <-stopC:
	default:
		t.Fatal("in-flight downloader's stopC was never closed")
	}
}
