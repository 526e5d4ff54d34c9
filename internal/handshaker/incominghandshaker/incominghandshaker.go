// Package incominghandshaker performs the BEP3 handshake as the
// accepting side of an already-accepted TCP connection.
package incominghandshaker

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/popcorn-fx/torrent-engine/internal/peerprotocol"
)

// CheckInfoHash reports whether infoHash belongs to a torrent we are
// currently serving; the handshaker rejects the connection otherwise.
type CheckInfoHash func(infoHash [20]byte) bool

// IncomingHandshaker reads a peer's handshake off an already-accepted
// connection and replies with ours. Once Run returns, either Error is
// set and Conn has been closed, or PeerID, Extensions and InfoHash are
// populated and Conn is ready for use.
type IncomingHandshaker struct {
	Conn       net.Conn
	PeerID     [20]byte
	InfoHash   [20]byte
	Extensions [8]byte
	Error      error

	closeOnce sync.Once
}

// New wraps an already-accepted connection.
func New(conn net.Conn) *IncomingHandshaker {
	return &IncomingHandshaker{Conn: conn}
}

// Run reads the remote handshake, asks checkInfoHash whether we are
// serving that torrent, then replies with our own handshake.
func (h *IncomingHandshaker) Run(
	ourID [20]byte,
	checkInfoHash CheckInfoHash,
	resultC chan *IncomingHandshaker,
	handshakeTimeout time.Duration,
	ourExtensions [8]byte,
) {
	defer func() { resultC <- h }()

	_ = h.Conn.SetDeadline(time.Now().Add(handshakeTimeout))

	infoHash, peerID, ext, err := peerprotocol.ReadHandshake(h.Conn)
	if err != nil {
		h.Conn.Close()
		h.Error = fmt.Errorf("incominghandshaker: read: %w", err)
		return
	}
	if !checkInfoHash(infoHash) {
		h.Conn.Close()
		h.Error = fmt.Errorf("incominghandshaker: unknown info hash")
		return
	}
	if peerID == ourID {
		h.Conn.Close()
		h.Error = fmt.Errorf("incominghandshaker: dropped own connection")
		return
	}
	if err := peerprotocol.WriteHandshake(h.Conn, infoHash, ourID, ourExtensions); err != nil {
		h.Conn.Close()
		h.Error = fmt.Errorf("incominghandshaker: write: %w", err)
		return
	}
	_ = h.Conn.SetDeadline(time.Time{})

	h.InfoHash = infoHash
	h.PeerID = peerID
	h.Extensions = ext
}

// Close aborts a pending or in-progress handshake.
func (h *IncomingHandshaker) Close() {
	h.closeOnce.Do(func() {
		h.Conn.Close()
	})
}
