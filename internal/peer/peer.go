// Package peer is the session-facing peer wrapper (spec.md §3
// PeerInfo, §4.4 Peer Connection): per-peer state machine state
// (choke/interest booleans), extension bookkeeping, and upload/download
// rate tracking layered over internal/peerconn's raw connection pump.
package peer

import (
	"errors"
	"net"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/popcorn-fx/torrent-engine/internal/peerconn"
	"github.com/popcorn-fx/torrent-engine/internal/peerprotocol"
)

// ConnectionType records which side initiated the connection
// (spec.md §3 PeerInfo.connection_type).
type ConnectionType int

const (
	Outbound ConnectionType = iota
	Inbound
)

// Piece is a single downloaded block, handed from the connection's
// read pump to whatever is currently downloading this peer's piece
// (usually an internal/downloader/piecedownloader.PieceDownloader).
type Piece struct {
	Index uint32
	Begin uint32
	Data  []byte
}

// Request mirrors a Request/Reject/Cancel wire message's addressing
// fields.
type Request struct {
	Piece, Begin, Length uint32
}

// Message pairs an incoming wire message with the peer it came from,
// for dispatch through the torrent orchestrator's event loop.
type Message struct {
	Peer    *Peer
	Message peerprotocol.Message
}

// PEXHandler is implemented by internal/pex.PEX; kept as an interface
// here to avoid peer depending on pex (pex depends on peer).
type PEXHandler interface {
	Add(addr *net.TCPAddr)
	Drop(addr *net.TCPAddr)
}

// Peer is the per-connection state the torrent orchestrator keeps:
// choke/interest booleans, extension handshake info, and rate
// counters, layered over a live peerconn.Conn.
type Peer struct {
	Conn *peerconn.Conn

	// Choke/interest state, BEP3 §4.4.
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	FastExtension bool
	DHTSupported  bool

	ConnectionType ConnectionType

	ExtensionHandshake *peerprotocol.ExtensionHandshakeMessage

	Downloading bool
	Snubbed     bool

	// OptimisticUnchoked marks a peer unchoked by the periodic
	// optimistic-unchoke rotation rather than by upload-rate ranking
	// (spec.md §4.4 choking policy).
	OptimisticUnchoked bool

	PEX PEXHandler

	// Messages not yet replayable once metadata is known (queued
	// while the torrent is still in "fetching metadata" state).
	Messages []peerprotocol.Message

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA

	requestTimeout time.Duration

	closed bool
}

// ErrNotReady is returned by SendRequest on a peer whose connection
// has already been closed via Close.
var ErrNotReady = errors.New("peer: connection closed")

// New wraps a live connection.
func New(conn *peerconn.Conn, requestTimeout time.Duration) *Peer {
	return &Peer{
		Conn:           conn,
		AmChoking:      true,
		PeerChoking:    true,
		FastExtension:  hasFastExtensionBit(conn.Extensions()),
		DHTSupported:   hasDHTBit(conn.Extensions()),
		downloadSpeed:  metrics.NewEWMA1(),
		uploadSpeed:    metrics.NewEWMA1(),
		requestTimeout: requestTimeout,
	}
}

func hasFastExtensionBit(reserved [8]byte) bool {
	return peerprotocol.FastExtensionSupported(reserved)
}

func hasDHTBit(reserved [8]byte) bool {
	return peerprotocol.DHTSupported(reserved)
}

// ID is the peer's BitTorrent peer ID.
func (p *Peer) ID() [20]byte { return p.Conn.ID() }

// Addr is the remote TCP address.
func (p *Peer) Addr() *net.TCPAddr { return p.Conn.Addr() }

// SendMessage enqueues msg for writing to the peer.
func (p *Peer) SendMessage(msg peerprotocol.Message) {
	p.Conn.Send(msg)
}

// SendRequest asks the peer for a block.
func (p *Peer) SendRequest(index, begin, length uint32) error {
	if p.closed {
		return ErrNotReady
	}
	p.Conn.Send(peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length})
	return nil
}

// SendCancel cancels a previously requested block.
func (p *Peer) SendCancel(index, begin, length uint32) {
	p.Conn.Send(peerprotocol.CancelMessage{Index: index, Begin: begin, Length: length})
}

// Close tears down the underlying connection.
func (p *Peer) Close() {
	p.closed = true
	p.Conn.CloseConn()
}

// DownloadSpeed returns the 1-minute EWMA download rate in bytes/sec.
func (p *Peer) DownloadSpeed() int64 {
	p.downloadSpeed.Tick()
	return int64(p.downloadSpeed.Rate())
}

// UploadSpeed returns the 1-minute EWMA upload rate in bytes/sec.
func (p *Peer) UploadSpeed() int64 {
	p.uploadSpeed.Tick()
	return int64(p.uploadSpeed.Rate())
}

// CountDownload/CountUpload feed the EWMA counters; called from the
// torrent orchestrator as piece data flows through it.
func (p *Peer) CountDownload(n int) { p.downloadSpeed.Update(int64(n)) }
func (p *Peer) CountUpload(n int)   { p.uploadSpeed.Update(int64(n)) }

// Run pumps Conn's incoming channels into the torrent-level channels,
// converting peerconn's raw PieceData into peer.Piece and tagging
// every message with this Peer, until the connection closes.
func (p *Peer) Run(messages chan Message, pieceMessages chan Piece, snubbedC chan *Peer, disconnectedC chan *Peer) {
	go p.Conn.Run()

	snubTimer := time.NewTimer(p.requestTimeout)
	defer snubTimer.Stop()

	for {
		select {
		case msg, ok := <-p.Conn.Messages:
			if !ok {
				disconnectedC <- p
				return
			}
			snubTimer.Reset(p.requestTimeout)
			select {
			case messages <- Message{Peer: p, Message: msg}:
			case <-p.Conn.Disconnected:
				disconnectedC <- p
				return
			}
		case pd, ok := <-p.Conn.Pieces:
			if !ok {
				disconnectedC <- p
				return
			}
			snubTimer.Reset(p.requestTimeout)
			p.CountDownload(len(pd.Data))
			select {
			case pieceMessages <- Piece{Index: pd.Index, Begin: pd.Begin, Data: pd.Data}:
			case <-p.Conn.Disconnected:
				disconnectedC <- p
				return
			}
		case <-snubTimer.C:
			select {
			case snubbedC <- p:
			case <-p.Conn.Disconnected:
			}
			snubTimer.Reset(p.requestTimeout)
		case <-p.Conn.Disconnected:
			disconnectedC <- p
			return
		}
	}
}
